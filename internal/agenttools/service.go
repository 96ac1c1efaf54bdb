package agenttools

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/apperr"
	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/common/stringutil"
	"github.com/agenthub/agenthub/internal/metrics"
	"github.com/agenthub/agenthub/internal/state"
)

const (
	// HeaderToken carries the publish token when the caller does not use a
	// bearer Authorization header.
	HeaderToken = "x-agent-hub-agent-tools-token"

	// HeaderArtifactName names the workspace-relative path of a published
	// artifact.
	HeaderArtifactName = "x-agent-hub-artifact-name"

	artifactNameMax = 128
	artifactPathMax = 512
)

// Credential ids the resolver understands, in catalog order.
const (
	CredentialOpenAIKey = "openai_api_key"
	CredentialGitHubSSH = "github_ssh"
)

var credentialCatalog = []string{CredentialOpenAIKey, CredentialGitHubSSH}

// CredentialSource is the vault subset the resolver reads. Secret values
// leave the hub only over an authenticated agent tools call.
type CredentialSource interface {
	OpenAIKey() (string, bool)
	HasSSHKey() bool
	SSHKeyPath() string
	HasKnownHosts() bool
	KnownHostsPath() string
}

// Service answers calls made from inside chat containers: readiness ACKs,
// artifact publishing, credential listing and resolution, and project
// credential binding. Chat sessions authenticate against the token hash on
// the chat record; temporary sessions against the in-memory registry.
type Service struct {
	store *state.Store
	creds CredentialSource
	log   *logger.Logger
	now   func() time.Time

	mu   sync.Mutex
	temp map[string]*TempSession
}

// NewService wires the agent tools surface. creds may be nil when no vault
// is configured; every credential then reports unavailable.
func NewService(store *state.Store, creds CredentialSource, log *logger.Logger) *Service {
	return &Service{
		store: store,
		creds: creds,
		log:   log.WithFields(zap.String("component", "agent-tools")),
		now:   time.Now,
		temp:  map[string]*TempSession{},
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Authenticate verifies a submitted token for a chat or temporary session.
// The id is tried as a chat first; unknown ids fall through to the temporary
// registry.
func (s *Service) Authenticate(id, token string) error {
	c, err := s.store.GetChat(id)
	if err == nil {
		if !VerifyToken(token, c.PublishTokenHash) {
			return apperr.AuthFailed("invalid or expired publish token")
		}
		return nil
	}
	if !apperr.IsKind(err, apperr.KindNotFound) {
		return err
	}
	if ts, ok := s.lookupTemp(id); ok {
		if !VerifyToken(token, ts.tokenHash) {
			return apperr.AuthFailed("invalid or expired publish token")
		}
		return nil
	}
	return err
}

// AckRequest is the readiness confirmation the container entrypoint posts
// immediately before exec'ing the agent.
type AckRequest struct {
	Guid  string         `json:"guid"`
	Stage string         `json:"stage"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Ack records a readiness confirmation. The guid must match the one minted
// for the current run; a stale guid means the ACK belongs to a previous
// process and is refused.
func (s *Service) Ack(id string, req AckRequest) (*state.ReadyAck, error) {
	if strings.TrimSpace(req.Guid) == "" {
		return nil, apperr.InvalidRequest("guid is required")
	}
	at := s.now().UTC()

	var out *state.ReadyAck
	err := s.store.UpdateChat(id, "chat_ready_ack", func(c *state.Chat) error {
		if c.ReadyAck == nil || c.ReadyAck.Guid == "" {
			return apperr.Conflict(fmt.Sprintf("chat %s has no ready ack pending", id))
		}
		if c.ReadyAck.Guid != req.Guid {
			return apperr.Conflict("ready ack guid does not match the current run")
		}
		c.ReadyAck.Stage = req.Stage
		c.ReadyAck.At = &at
		c.ReadyAck.Meta = req.Meta
		ack := *c.ReadyAck
		out = &ack
		return nil
	})
	if err == nil {
		s.log.Info("ready ack recorded",
			zap.String("chat_id", id), zap.String("stage", req.Stage))
		return out, nil
	}
	if !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.temp[id]
	if !ok {
		return nil, err
	}
	if ts.Guid != req.Guid {
		return nil, apperr.Conflict("ready ack guid does not match the current run")
	}
	ts.Stage = req.Stage
	ts.AckAt = &at
	ts.Meta = req.Meta
	return &state.ReadyAck{Guid: ts.Guid, Stage: ts.Stage, At: &at, Meta: req.Meta}, nil
}

// PublishArtifact streams the request body to a file under the chat
// workspace and records it on the chat. The name is the workspace-relative
// destination path; republishing the same path overwrites both file and
// record.
func (s *Service) PublishArtifact(chatID, name string, body io.Reader) (state.Artifact, error) {
	rel := strings.TrimSpace(name)
	if rel == "" {
		return state.Artifact{}, apperr.InvalidRequest("artifact name is required")
	}
	rel = stringutil.TruncateString(rel, artifactPathMax)

	c, err := s.store.GetChat(chatID)
	if err != nil {
		return state.Artifact{}, err
	}
	if c.Workspace == "" {
		return state.Artifact{}, apperr.Conflict(fmt.Sprintf("chat %s has no workspace", chatID))
	}

	abs, ok := containedPath(c.Workspace, rel)
	if !ok {
		return state.Artifact{}, apperr.InvalidRequest("artifact path escapes the chat workspace")
	}

	size, err := writeArtifactFile(abs, body)
	if err != nil {
		return state.Artifact{}, apperr.Internal(fmt.Sprintf("write artifact: %v", err))
	}

	stored, err := filepath.Rel(c.Workspace, abs)
	if err != nil {
		return state.Artifact{}, apperr.Internal(fmt.Sprintf("resolve artifact path: %v", err))
	}
	record := state.Artifact{
		ID:        uuid.New().String(),
		Name:      stringutil.TruncateString(filepath.Base(abs), artifactNameMax),
		Path:      filepath.ToSlash(stored),
		Size:      size,
		CreatedAt: s.now().UTC(),
	}

	var out state.Artifact
	if err := s.store.UpdateChat(chatID, "artifact_published", func(c *state.Chat) error {
		out = c.RecordArtifact(record)
		return nil
	}); err != nil {
		return state.Artifact{}, err
	}

	metrics.ArtifactsPublished.Inc()
	s.log.Info("artifact published",
		zap.String("chat_id", chatID),
		zap.String("path", out.Path),
		zap.Int64("size", out.Size))
	return out, nil
}

// ListArtifacts returns the chat's artifact records, oldest first.
func (s *Service) ListArtifacts(chatID string) ([]state.Artifact, error) {
	c, err := s.store.GetChat(chatID)
	if err != nil {
		return nil, err
	}
	return c.Artifacts, nil
}

// OpenArtifact resolves an artifact record to its file on disk for download.
func (s *Service) OpenArtifact(chatID, artifactID string) (state.Artifact, string, error) {
	c, err := s.store.GetChat(chatID)
	if err != nil {
		return state.Artifact{}, "", err
	}
	a, ok := c.ArtifactByID(artifactID)
	if !ok {
		return state.Artifact{}, "", apperr.NotFound(fmt.Sprintf("artifact %s not found", artifactID))
	}
	if c.Workspace == "" {
		return state.Artifact{}, "", apperr.NotFound(fmt.Sprintf("artifact %s has no workspace", artifactID))
	}
	abs, ok := containedPath(c.Workspace, a.Path)
	if !ok {
		return state.Artifact{}, "", apperr.InvalidRequest("artifact path escapes the chat workspace")
	}
	if _, err := os.Stat(abs); err != nil {
		return state.Artifact{}, "", apperr.NotFound(fmt.Sprintf("artifact file %s is gone", a.Path))
	}
	return a, abs, nil
}

// CredentialInfo describes one catalog credential as seen by a session.
type CredentialInfo struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Available bool   `json:"available"`
}

// ResolvedCredential carries actual secret material to the container.
type ResolvedCredential struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	EnvKey     string `json:"env_key,omitempty"`
	Value      string `json:"value"`
	KnownHosts string `json:"known_hosts,omitempty"`
}

// ListCredentials reports which credentials the session's project binding
// offers, with availability flags and no secret values.
func (s *Service) ListCredentials(id string) ([]CredentialInfo, error) {
	projectID, err := s.sessionProject(id)
	if err != nil {
		return nil, err
	}
	bound := s.boundIDs(projectID)
	out := make([]CredentialInfo, 0, len(bound))
	for _, cid := range bound {
		out = append(out, CredentialInfo{
			ID:        cid,
			Kind:      credentialKind(cid),
			Available: s.available(cid),
		})
	}
	return out, nil
}

// ResolveCredentials returns secret material for the requested credential
// ids. An empty request resolves everything the binding offers, skipping
// credentials the vault does not hold; explicitly requested ids must be
// bound and configured.
func (s *Service) ResolveCredentials(id string, ids []string) ([]ResolvedCredential, error) {
	projectID, err := s.sessionProject(id)
	if err != nil {
		return nil, err
	}
	bound := s.boundIDs(projectID)

	explicit := len(ids) > 0
	if !explicit {
		ids = bound
	}

	out := make([]ResolvedCredential, 0, len(ids))
	for _, cid := range ids {
		if !hasString(credentialCatalog, cid) {
			return nil, apperr.InvalidRequest(fmt.Sprintf("unknown credential %q", cid))
		}
		if !hasString(bound, cid) {
			return nil, apperr.AuthFailed(fmt.Sprintf("credential %q is not bound to this project", cid))
		}
		if !s.available(cid) {
			if !explicit {
				continue
			}
			return nil, apperr.NotFound(fmt.Sprintf("credential %q is not configured", cid))
		}
		rc, err := s.resolveOne(cid)
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, nil
}

// BindingRequest sets a project's credential binding.
type BindingRequest struct {
	Mode          state.CredentialMode `json:"mode"`
	CredentialIDs []string             `json:"credential_ids,omitempty"`
}

// BindProject updates the credential binding of the session's project. Used
// by auto-configure runs to declare which credentials the repository needs.
func (s *Service) BindProject(id string, req BindingRequest) (*state.Project, error) {
	projectID, err := s.sessionProject(id)
	if err != nil {
		return nil, err
	}
	if projectID == "" {
		return nil, apperr.Conflict("session is not bound to a project")
	}
	if err := validateBinding(req); err != nil {
		return nil, err
	}

	if err := s.store.UpdateProject(projectID, "project_credentials_bound", func(p *state.Project) error {
		p.Credentials = &state.CredentialBinding{
			Mode:          req.Mode,
			CredentialIDs: append([]string(nil), req.CredentialIDs...),
		}
		return nil
	}); err != nil {
		return nil, err
	}

	s.log.Info("project credential binding updated",
		zap.String("project_id", projectID),
		zap.String("mode", string(req.Mode)))
	return s.store.GetProject(projectID)
}

func validateBinding(req BindingRequest) error {
	switch req.Mode {
	case state.CredentialAuto, state.CredentialAll:
		if len(req.CredentialIDs) > 0 {
			return apperr.InvalidRequest(fmt.Sprintf("credential_ids must be empty for mode %q", req.Mode))
		}
	case state.CredentialSet:
		if len(req.CredentialIDs) == 0 {
			return apperr.InvalidRequest(`credential_ids must not be empty for mode "set"`)
		}
	case state.CredentialSingle:
		if len(req.CredentialIDs) != 1 {
			return apperr.InvalidRequest(`mode "single" takes exactly one credential id`)
		}
	default:
		return apperr.InvalidRequest(fmt.Sprintf("unknown credential mode %q", req.Mode))
	}
	for _, cid := range req.CredentialIDs {
		if !hasString(credentialCatalog, cid) {
			return apperr.InvalidRequest(fmt.Sprintf("unknown credential %q", cid))
		}
	}
	return nil
}

// sessionProject maps a session id to its project id. Temporary sessions may
// have none.
func (s *Service) sessionProject(id string) (string, error) {
	c, err := s.store.GetChat(id)
	if err == nil {
		return c.ProjectID, nil
	}
	if !apperr.IsKind(err, apperr.KindNotFound) {
		return "", err
	}
	if ts, ok := s.lookupTemp(id); ok {
		return ts.ProjectID, nil
	}
	return "", err
}

// boundIDs expands a project's credential binding into catalog ids. Mode
// auto offers what the vault holds, all offers the full catalog, set and
// single list ids explicitly. A missing project or binding behaves as auto.
func (s *Service) boundIDs(projectID string) []string {
	var binding *state.CredentialBinding
	if projectID != "" {
		if p, err := s.store.GetProject(projectID); err == nil {
			binding = p.Credentials
		}
	}

	if binding == nil || binding.Mode == state.CredentialAuto {
		var out []string
		for _, cid := range credentialCatalog {
			if s.available(cid) {
				out = append(out, cid)
			}
		}
		return out
	}
	if binding.Mode == state.CredentialAll {
		return append([]string(nil), credentialCatalog...)
	}

	var out []string
	for _, cid := range credentialCatalog {
		if hasString(binding.CredentialIDs, cid) {
			out = append(out, cid)
		}
	}
	return out
}

func (s *Service) available(cid string) bool {
	if s.creds == nil {
		return false
	}
	switch cid {
	case CredentialOpenAIKey:
		_, ok := s.creds.OpenAIKey()
		return ok
	case CredentialGitHubSSH:
		return s.creds.HasSSHKey()
	}
	return false
}

func (s *Service) resolveOne(cid string) (ResolvedCredential, error) {
	switch cid {
	case CredentialOpenAIKey:
		key, ok := s.creds.OpenAIKey()
		if !ok {
			return ResolvedCredential{}, apperr.NotFound(`credential "openai_api_key" is not configured`)
		}
		return ResolvedCredential{
			ID:     cid,
			Kind:   "api_key",
			EnvKey: "OPENAI_API_KEY",
			Value:  key,
		}, nil
	case CredentialGitHubSSH:
		pem, err := os.ReadFile(s.creds.SSHKeyPath())
		if err != nil {
			return ResolvedCredential{}, apperr.Internal(fmt.Sprintf("read ssh key: %v", err))
		}
		rc := ResolvedCredential{ID: cid, Kind: "ssh_key", Value: string(pem)}
		if s.creds.HasKnownHosts() {
			if hosts, err := os.ReadFile(s.creds.KnownHostsPath()); err == nil {
				rc.KnownHosts = string(hosts)
			}
		}
		return rc, nil
	}
	return ResolvedCredential{}, apperr.InvalidRequest(fmt.Sprintf("unknown credential %q", cid))
}

func credentialKind(cid string) string {
	switch cid {
	case CredentialOpenAIKey:
		return "api_key"
	case CredentialGitHubSSH:
		return "ssh_key"
	}
	return ""
}

// containedPath resolves rel beneath dir and reports whether the cleaned
// result stays strictly inside it. A leading slash anchors at dir rather
// than the filesystem root.
func containedPath(dir, rel string) (string, bool) {
	abs := filepath.Join(dir, filepath.FromSlash(rel))
	r, err := filepath.Rel(dir, abs)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	return abs, true
}

// writeArtifactFile streams body to path via a temp file in the same
// directory so a republish never exposes a half-written artifact.
func writeArtifactFile(path string, body io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, err
	}
	return n, nil
}

func hasString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
