package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/openai/openai-go/v3"
	openaioption "github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/apperr"
	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/events/bus"
)

// KeyVerifier checks an OpenAI API key against the live API.
type KeyVerifier interface {
	Verify(ctx context.Context, apiKey string) error
}

// Vault manages the credential files under <data>/secrets and the visibility
// of the container-written codex auth.json.
type Vault struct {
	dir          string
	authJSONPath string
	bus          *bus.Bus
	log          *logger.Logger
	verifier     KeyVerifier
}

// NewVault creates the secrets directory with mode 0700 if needed.
func NewVault(dir, authJSONPath string, eventBus *bus.Bus, log *logger.Logger) (*Vault, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create secrets directory: %w", err)
	}
	// Repair mode on pre-existing directories.
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("chmod secrets directory: %w", err)
	}
	return &Vault{
		dir:          dir,
		authJSONPath: authJSONPath,
		bus:          eventBus,
		log:          log.WithFields(zap.String("component", "secrets")),
		verifier:     &openAIVerifier{},
	}, nil
}

// SetVerifier overrides the live key verifier. Test hook.
func (v *Vault) SetVerifier(verifier KeyVerifier) {
	v.verifier = verifier
}

// OpenAIEnvPath returns the path of the key file handed to the launcher.
func (v *Vault) OpenAIEnvPath() string { return filepath.Join(v.dir, OpenAIEnvFile) }

// SSHKeyPath returns the GitHub deploy key path.
func (v *Vault) SSHKeyPath() string { return filepath.Join(v.dir, GitHubSSHKeyFile) }

// KnownHostsPath returns the known-hosts path.
func (v *Vault) KnownHostsPath() string { return filepath.Join(v.dir, GitHubKnownHosts) }

// AuthJSONPath returns the codex OAuth token location.
func (v *Vault) AuthJSONPath() string { return v.authJSONPath }

// OpenAIKey returns the stored API key, or false when none is stored.
func (v *Vault) OpenAIKey() (string, bool) {
	env, err := godotenv.Read(v.OpenAIEnvPath())
	if err != nil {
		return "", false
	}
	key := strings.TrimSpace(env[openAIEnvKey])
	return key, key != ""
}

// HasSSHKey reports whether a GitHub deploy key is stored.
func (v *Vault) HasSSHKey() bool {
	info, err := os.Stat(v.SSHKeyPath())
	return err == nil && info.Size() > 0
}

// HasKnownHosts reports whether a known-hosts file is stored.
func (v *Vault) HasKnownHosts() bool {
	info, err := os.Stat(v.KnownHostsPath())
	return err == nil && info.Size() > 0
}

// HasAccountToken reports whether the codex OAuth token exists.
func (v *Vault) HasAccountToken() bool {
	info, err := os.Stat(v.authJSONPath)
	return err == nil && info.Size() > 0
}

// ConnectOpenAI validates, optionally live-verifies, and stores an API key.
func (v *Vault) ConnectOpenAI(ctx context.Context, apiKey string, verify bool) (*ProvidersStatus, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, apperr.InvalidRequest("api_key must not be empty")
	}
	if strings.ContainsAny(key, " \t\r\n") {
		return nil, apperr.InvalidRequest("api_key must not contain whitespace")
	}
	if len(key) < openAIKeyMinLen {
		return nil, apperr.InvalidRequest(fmt.Sprintf("api_key must be at least %d characters", openAIKeyMinLen))
	}

	if verify && v.verifier != nil {
		if err := v.verifier.Verify(ctx, key); err != nil {
			return nil, err
		}
	}

	content, err := godotenv.Marshal(map[string]string{openAIEnvKey: key})
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("encode key file: %v", err))
	}
	if err := v.writeSecretFile(v.OpenAIEnvPath(), []byte(content+"\n")); err != nil {
		return nil, err
	}

	v.log.Info("OpenAI API key stored", zap.String("key_hint", MaskSecret(key)))
	v.emitAuthChanged("openai_connected")
	status := v.Status()
	return &status, nil
}

// DisconnectOpenAI removes the stored API key.
func (v *Vault) DisconnectOpenAI() (*ProvidersStatus, error) {
	if err := removeIfExists(v.OpenAIEnvPath()); err != nil {
		return nil, apperr.Internal(fmt.Sprintf("remove key file: %v", err))
	}
	v.emitAuthChanged("openai_disconnected")
	status := v.Status()
	return &status, nil
}

// ConnectGitHub validates and stores a deploy key and optional known-hosts.
func (v *Vault) ConnectGitHub(privateKey, knownHosts string) (*ProvidersStatus, error) {
	pem, err := normalizeSSHKey(privateKey)
	if err != nil {
		return nil, err
	}
	hosts, err := normalizeKnownHosts(knownHosts)
	if err != nil {
		return nil, err
	}

	if err := v.writeSecretFile(v.SSHKeyPath(), []byte(pem)); err != nil {
		return nil, err
	}
	if hosts != "" {
		if err := v.writeSecretFile(v.KnownHostsPath(), []byte(hosts)); err != nil {
			return nil, err
		}
	}

	v.log.Info("GitHub deploy key stored")
	v.emitAuthChanged("github_connected")
	status := v.Status()
	return &status, nil
}

// DisconnectGitHub removes the deploy key and known-hosts.
func (v *Vault) DisconnectGitHub() (*ProvidersStatus, error) {
	if err := removeIfExists(v.SSHKeyPath()); err != nil {
		return nil, apperr.Internal(fmt.Sprintf("remove ssh key: %v", err))
	}
	if err := removeIfExists(v.KnownHostsPath()); err != nil {
		return nil, apperr.Internal(fmt.Sprintf("remove known hosts: %v", err))
	}
	v.emitAuthChanged("github_disconnected")
	status := v.Status()
	return &status, nil
}

// Status builds the masked providers payload.
func (v *Vault) Status() ProvidersStatus {
	var status ProvidersStatus

	if key, ok := v.OpenAIKey(); ok {
		status.OpenAI.Connected = true
		status.OpenAI.KeyHint = MaskSecret(key)
		status.OpenAI.UpdatedAt = fileModTime(v.OpenAIEnvPath())
	}
	if v.HasAccountToken() {
		status.OpenAI.AccountConnected = true
		status.OpenAI.AccountAuthMode = v.accountAuthMode()
		status.OpenAI.AccountUpdatedAt = fileModTime(v.authJSONPath)
	}

	if v.HasSSHKey() {
		status.GitHub.Connected = true
		status.GitHub.KeyHint = sshKeyHint(v.SSHKeyPath())
		status.GitHub.KnownHostsStored = v.HasKnownHosts()
		status.GitHub.UpdatedAt = fileModTime(v.SSHKeyPath())
	}

	return status
}

// accountAuthMode inspects auth.json for how the account authenticates.
func (v *Vault) accountAuthMode() string {
	data, err := os.ReadFile(v.authJSONPath)
	if err != nil {
		return accountModeUnknown
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return accountModeUnknown
	}
	if tokens, ok := payload["tokens"]; ok && string(tokens) != "null" {
		return accountModeChatGPT
	}
	if key, ok := payload[openAIEnvKey]; ok && string(key) != "null" {
		return accountModeAPIKey
	}
	return accountModeUnknown
}

// writeSecretFile writes with mode 0600 via tmp-then-rename.
func (v *Vault) writeSecretFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(v.dir, ".secret-*.tmp")
	if err != nil {
		return apperr.Internal(fmt.Sprintf("create temp secret file: %v", err))
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return apperr.Internal(fmt.Sprintf("chmod secret file: %v", err))
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return apperr.Internal(fmt.Sprintf("write secret file: %v", err))
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return apperr.Internal(fmt.Sprintf("sync secret file: %v", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperr.Internal(fmt.Sprintf("close secret file: %v", err))
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return apperr.Internal(fmt.Sprintf("replace secret file: %v", err))
	}
	return nil
}

func (v *Vault) emitAuthChanged(reason string) {
	if v.bus == nil {
		return
	}
	v.bus.Publish(events.New(events.TypeAuthChanged, events.AuthChangedPayload{Reason: reason}))
}

// EmitAuthChanged publishes an auth_changed event. Used by the auth.json
// watcher when the container login flow writes the token.
func (v *Vault) EmitAuthChanged(reason string) {
	v.emitAuthChanged(reason)
}

func normalizeSSHKey(privateKey string) (string, error) {
	key := strings.ReplaceAll(privateKey, "\r\n", "\n")
	key = strings.TrimSpace(key)
	if key == "" {
		return "", apperr.InvalidRequest("private_key must not be empty")
	}
	if len(key) > sshKeyMaxBytes {
		return "", apperr.InvalidRequest(fmt.Sprintf("private_key exceeds %d bytes", sshKeyMaxBytes))
	}
	if strings.ContainsRune(key, 0) {
		return "", apperr.InvalidRequest("private_key contains NUL bytes")
	}

	begin := pemMarkerLabel(key, "-----BEGIN ")
	end := pemMarkerLabel(key, "-----END ")
	if begin == "" || end == "" {
		return "", apperr.InvalidRequest("private_key must be a PEM block with BEGIN/END markers")
	}
	if begin != end {
		return "", apperr.InvalidRequest(fmt.Sprintf("private_key BEGIN marker %q does not match END marker %q", begin, end))
	}

	return key + "\n", nil
}

// pemMarkerLabel extracts the label between a PEM marker prefix and its
// closing dashes, e.g. "OPENSSH PRIVATE KEY".
func pemMarkerLabel(pem, prefix string) string {
	idx := strings.Index(pem, prefix)
	if idx < 0 {
		return ""
	}
	rest := pem[idx+len(prefix):]
	endIdx := strings.Index(rest, "-----")
	if endIdx < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:endIdx])
}

func normalizeKnownHosts(knownHosts string) (string, error) {
	hosts := strings.ReplaceAll(knownHosts, "\r\n", "\n")
	hosts = strings.TrimSpace(hosts)
	if hosts == "" {
		return "", nil
	}
	if len(hosts) > knownHostsMaxBytes {
		return "", apperr.InvalidRequest(fmt.Sprintf("known_hosts exceeds %d bytes", knownHostsMaxBytes))
	}
	if strings.ContainsRune(hosts, 0) {
		return "", apperr.InvalidRequest("known_hosts contains NUL bytes")
	}
	return hosts + "\n", nil
}

// sshKeyHint masks the PEM body so the UI can fingerprint the stored key.
func sshKeyHint(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var body strings.Builder
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		body.WriteString(line)
	}
	return MaskSecret(body.String())
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func fileModTime(path string) *time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	t := info.ModTime().UTC()
	return &t
}

// openAIVerifier checks a key by listing models on the live API.
type openAIVerifier struct{}

func (openAIVerifier) Verify(ctx context.Context, apiKey string) error {
	client := openai.NewClient(openaioption.WithAPIKey(apiKey))
	_, err := client.Models.List(ctx)
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 401 || apiErr.StatusCode == 403 {
			return apperr.Unauthorized("OpenAI rejected the API key")
		}
		return apperr.Upstream(fmt.Sprintf("OpenAI verification failed with status %d", apiErr.StatusCode))
	}
	return apperr.Upstream("OpenAI verification failed: network error")
}
