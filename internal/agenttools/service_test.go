package agenttools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/agenthub/internal/common/apperr"
	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/events/bus"
	"github.com/agenthub/agenthub/internal/state"
)

type fakeCreds struct {
	key        string
	sshKey     string
	knownHosts string
}

func (f *fakeCreds) OpenAIKey() (string, bool) { return f.key, f.key != "" }
func (f *fakeCreds) HasSSHKey() bool           { return f.sshKey != "" }
func (f *fakeCreds) SSHKeyPath() string        { return f.sshKey }
func (f *fakeCreds) HasKnownHosts() bool       { return f.knownHosts != "" }
func (f *fakeCreds) KnownHostsPath() string    { return f.knownHosts }

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

type testEnv struct {
	store *state.Store
	svc   *Service
	creds *fakeCreds
}

func newTestService(t *testing.T) *testEnv {
	t.Helper()
	eventBus := bus.New(newTestLogger(t))
	t.Cleanup(func() { eventBus.Close() })

	store, err := state.NewStore(filepath.Join(t.TempDir(), "state.json"), eventBus, newTestLogger(t))
	require.NoError(t, err)

	creds := &fakeCreds{}
	return &testEnv{
		store: store,
		svc:   NewService(store, creds, newTestLogger(t)),
		creds: creds,
	}
}

func seedProject(t *testing.T, env *testEnv, binding *state.CredentialBinding) *state.Project {
	t.Helper()
	now := time.Now().UTC()
	p := &state.Project{
		ID:          uuid.New().String(),
		Name:        "Demo App",
		RepoURL:     "https://example.test/repo.git",
		BuildStatus: state.BuildReady,
		Credentials: binding,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, env.store.Update("test_seed", func(doc *state.Document) error {
		doc.Projects = append(doc.Projects, p)
		return nil
	}))
	return p
}

func seedChat(t *testing.T, env *testEnv, projectID, workspace, tokenHash, guid string) *state.Chat {
	t.Helper()
	now := time.Now().UTC()
	c := &state.Chat{
		ID:               uuid.New().String(),
		ProjectID:        projectID,
		Name:             "chat-test",
		AgentType:        state.AgentNone,
		Status:           state.ChatRunning,
		PID:              4242,
		Workspace:        workspace,
		PublishTokenHash: tokenHash,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if guid != "" {
		c.ReadyAck = &state.ReadyAck{Guid: guid}
	}
	require.NoError(t, env.store.Update("test_seed", func(doc *state.Document) error {
		doc.Chats = append(doc.Chats, c)
		return nil
	}))
	return c
}

func TestAuthenticateChatToken(t *testing.T) {
	env := newTestService(t)
	p := seedProject(t, env, nil)

	token, hash, err := NewPublishToken()
	require.NoError(t, err)
	c := seedChat(t, env, p.ID, t.TempDir(), hash, "")

	require.NoError(t, env.svc.Authenticate(c.ID, token))

	err = env.svc.Authenticate(c.ID, token+"00")
	assert.True(t, apperr.IsKind(err, apperr.KindAuthFailed))

	err = env.svc.Authenticate(uuid.New().String(), token)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestAuthenticateRejectsClearedHash(t *testing.T) {
	env := newTestService(t)
	p := seedProject(t, env, nil)

	token, _, err := NewPublishToken()
	require.NoError(t, err)
	c := seedChat(t, env, p.ID, t.TempDir(), "", "")

	err = env.svc.Authenticate(c.ID, token)
	assert.True(t, apperr.IsKind(err, apperr.KindAuthFailed))
}

func TestAuthenticateTempSession(t *testing.T) {
	env := newTestService(t)

	ts, token, err := env.svc.CreateTempSession("")
	require.NoError(t, err)

	require.NoError(t, env.svc.Authenticate(ts.ID, token))

	err = env.svc.Authenticate(ts.ID, "not-the-token")
	assert.True(t, apperr.IsKind(err, apperr.KindAuthFailed))
}

func TestAckRecordsStage(t *testing.T) {
	env := newTestService(t)
	p := seedProject(t, env, nil)
	c := seedChat(t, env, p.ID, t.TempDir(), "hash", "guid-1")

	ack, err := env.svc.Ack(c.ID, AckRequest{
		Guid:  "guid-1",
		Stage: "container_bootstrapped",
		Meta:  map[string]any{"entrypoint": "docker-entrypoint"},
	})
	require.NoError(t, err)
	assert.Equal(t, "guid-1", ack.Guid)
	assert.Equal(t, "container_bootstrapped", ack.Stage)
	require.NotNil(t, ack.At)

	got, err := env.store.GetChat(c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReadyAck)
	assert.Equal(t, "container_bootstrapped", got.ReadyAck.Stage)
	assert.Equal(t, "docker-entrypoint", got.ReadyAck.Meta["entrypoint"])
	assert.NotNil(t, got.ReadyAck.At)
}

func TestAckValidation(t *testing.T) {
	env := newTestService(t)
	p := seedProject(t, env, nil)
	c := seedChat(t, env, p.ID, t.TempDir(), "hash", "guid-1")

	_, err := env.svc.Ack(c.ID, AckRequest{Guid: "  "})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidRequest))

	_, err = env.svc.Ack(c.ID, AckRequest{Guid: "guid-2", Stage: "x"})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	noAck := seedChat(t, env, p.ID, t.TempDir(), "hash", "")
	_, err = env.svc.Ack(noAck.ID, AckRequest{Guid: "guid-1"})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	_, err = env.svc.Ack(uuid.New().String(), AckRequest{Guid: "guid-1"})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestAckTempSession(t *testing.T) {
	env := newTestService(t)

	ts, _, err := env.svc.CreateTempSession("")
	require.NoError(t, err)

	ack, err := env.svc.Ack(ts.ID, AckRequest{Guid: ts.Guid, Stage: "configured"})
	require.NoError(t, err)
	assert.Equal(t, ts.Guid, ack.Guid)

	got, err := env.svc.TempSession(ts.ID)
	require.NoError(t, err)
	assert.Equal(t, "configured", got.Stage)
	assert.NotNil(t, got.AckAt)

	_, err = env.svc.Ack(ts.ID, AckRequest{Guid: "wrong"})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestPublishArtifactWritesFileAndRecord(t *testing.T) {
	env := newTestService(t)
	p := seedProject(t, env, nil)
	ws := t.TempDir()
	c := seedChat(t, env, p.ID, ws, "hash", "")

	a, err := env.svc.PublishArtifact(c.ID, "reports/summary.md", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "summary.md", a.Name)
	assert.Equal(t, "reports/summary.md", a.Path)
	assert.Equal(t, int64(5), a.Size)

	data, err := os.ReadFile(filepath.Join(ws, "reports", "summary.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	got, err := env.store.GetChat(c.ID)
	require.NoError(t, err)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, a.ID, got.Artifacts[0].ID)
	assert.Equal(t, []string{a.ID}, got.CurrentArtifactIDs)
}

func TestPublishArtifactOverwritesSamePath(t *testing.T) {
	env := newTestService(t)
	p := seedProject(t, env, nil)
	ws := t.TempDir()
	c := seedChat(t, env, p.ID, ws, "hash", "")

	first, err := env.svc.PublishArtifact(c.ID, "out.txt", strings.NewReader("one"))
	require.NoError(t, err)

	second, err := env.svc.PublishArtifact(c.ID, "out.txt", strings.NewReader("longer content"))
	require.NoError(t, err)

	// Same path keeps the original id so download links stay stable.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(len("longer content")), second.Size)

	data, err := os.ReadFile(filepath.Join(ws, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "longer content", string(data))

	got, err := env.store.GetChat(c.ID)
	require.NoError(t, err)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, []string{first.ID}, got.CurrentArtifactIDs)
}

func TestPublishArtifactRejectsEscape(t *testing.T) {
	env := newTestService(t)
	p := seedProject(t, env, nil)
	ws := t.TempDir()
	c := seedChat(t, env, p.ID, ws, "hash", "")

	_, err := env.svc.PublishArtifact(c.ID, "../outside.txt", strings.NewReader("x"))
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidRequest))

	_, err = env.svc.PublishArtifact(c.ID, "a/../../outside.txt", strings.NewReader("x"))
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidRequest))

	_, err = env.svc.PublishArtifact(c.ID, "  ", strings.NewReader("x"))
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidRequest))

	// A leading slash anchors at the workspace instead of the fs root.
	a, err := env.svc.PublishArtifact(c.ID, "/anchored.txt", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "anchored.txt", a.Path)
	assert.FileExists(t, filepath.Join(ws, "anchored.txt"))
}

func TestPublishArtifactTruncatesLongPath(t *testing.T) {
	env := newTestService(t)
	p := seedProject(t, env, nil)
	ws := t.TempDir()
	c := seedChat(t, env, p.ID, ws, "hash", "")

	long := strings.Repeat("d/", 300) + "deep.txt"
	a, err := env.svc.PublishArtifact(c.ID, long, strings.NewReader("x"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(a.Path), artifactPathMax)
	assert.FileExists(t, filepath.Join(ws, filepath.FromSlash(a.Path)))
}

func TestPublishArtifactListCap(t *testing.T) {
	env := newTestService(t)
	p := seedProject(t, env, nil)
	c := seedChat(t, env, p.ID, t.TempDir(), "hash", "")

	total := state.ArtifactsCap + 5
	for i := 0; i < total; i++ {
		_, err := env.svc.PublishArtifact(c.ID, fmt.Sprintf("f%d.txt", i), strings.NewReader("x"))
		require.NoError(t, err)
	}

	got, err := env.store.GetChat(c.ID)
	require.NoError(t, err)
	require.Len(t, got.Artifacts, state.ArtifactsCap)
	assert.Equal(t, "f5.txt", got.Artifacts[0].Path)
	assert.Equal(t, fmt.Sprintf("f%d.txt", total-1), got.Artifacts[state.ArtifactsCap-1].Path)
	assert.Len(t, got.CurrentArtifactIDs, state.ArtifactsCap)
}

func TestListAndOpenArtifact(t *testing.T) {
	env := newTestService(t)
	p := seedProject(t, env, nil)
	ws := t.TempDir()
	c := seedChat(t, env, p.ID, ws, "hash", "")

	published, err := env.svc.PublishArtifact(c.ID, "notes.txt", strings.NewReader("content"))
	require.NoError(t, err)

	list, err := env.svc.ListArtifacts(c.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, published.ID, list[0].ID)

	a, path, err := env.svc.OpenArtifact(c.ID, published.ID)
	require.NoError(t, err)
	assert.Equal(t, published.ID, a.ID)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	_, _, err = env.svc.OpenArtifact(c.ID, uuid.New().String())
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	require.NoError(t, os.Remove(path))
	_, _, err = env.svc.OpenArtifact(c.ID, published.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestListCredentialsAutoOffersAvailable(t *testing.T) {
	env := newTestService(t)
	env.creds.key = "sk-test-0123456789abcdef"
	p := seedProject(t, env, nil)
	c := seedChat(t, env, p.ID, t.TempDir(), "hash", "")

	infos, err := env.svc.ListCredentials(c.ID)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, CredentialOpenAIKey, infos[0].ID)
	assert.True(t, infos[0].Available)
}

func TestListCredentialsAllIncludesUnavailable(t *testing.T) {
	env := newTestService(t)
	env.creds.key = "sk-test-0123456789abcdef"
	p := seedProject(t, env, &state.CredentialBinding{Mode: state.CredentialAll})
	c := seedChat(t, env, p.ID, t.TempDir(), "hash", "")

	infos, err := env.svc.ListCredentials(c.ID)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, CredentialOpenAIKey, infos[0].ID)
	assert.True(t, infos[0].Available)
	assert.Equal(t, CredentialGitHubSSH, infos[1].ID)
	assert.False(t, infos[1].Available)
}

func TestListCredentialsSingleBinding(t *testing.T) {
	env := newTestService(t)
	p := seedProject(t, env, &state.CredentialBinding{
		Mode:          state.CredentialSingle,
		CredentialIDs: []string{CredentialGitHubSSH},
	})
	c := seedChat(t, env, p.ID, t.TempDir(), "hash", "")

	infos, err := env.svc.ListCredentials(c.ID)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, CredentialGitHubSSH, infos[0].ID)
}

func TestResolveCredentialsOpenAI(t *testing.T) {
	env := newTestService(t)
	env.creds.key = "sk-test-0123456789abcdef"
	p := seedProject(t, env, nil)
	c := seedChat(t, env, p.ID, t.TempDir(), "hash", "")

	out, err := env.svc.ResolveCredentials(c.ID, []string{CredentialOpenAIKey})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "OPENAI_API_KEY", out[0].EnvKey)
	assert.Equal(t, "sk-test-0123456789abcdef", out[0].Value)
	assert.Equal(t, "api_key", out[0].Kind)
}

func TestResolveCredentialsSSHKeyMaterial(t *testing.T) {
	env := newTestService(t)
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "github_ssh_key")
	hostsPath := filepath.Join(dir, "github_known_hosts")
	require.NoError(t, os.WriteFile(keyPath, []byte("-----BEGIN KEY-----\nabc\n-----END KEY-----\n"), 0o600))
	require.NoError(t, os.WriteFile(hostsPath, []byte("github.com ssh-ed25519 AAAA\n"), 0o600))
	env.creds.sshKey = keyPath
	env.creds.knownHosts = hostsPath

	p := seedProject(t, env, nil)
	c := seedChat(t, env, p.ID, t.TempDir(), "hash", "")

	out, err := env.svc.ResolveCredentials(c.ID, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, CredentialGitHubSSH, out[0].ID)
	assert.Contains(t, out[0].Value, "BEGIN KEY")
	assert.Contains(t, out[0].KnownHosts, "github.com")
}

func TestResolveCredentialsErrors(t *testing.T) {
	env := newTestService(t)
	env.creds.key = "sk-test-0123456789abcdef"
	p := seedProject(t, env, &state.CredentialBinding{
		Mode:          state.CredentialSingle,
		CredentialIDs: []string{CredentialOpenAIKey},
	})
	c := seedChat(t, env, p.ID, t.TempDir(), "hash", "")

	_, err := env.svc.ResolveCredentials(c.ID, []string{"vault_master_key"})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidRequest))

	_, err = env.svc.ResolveCredentials(c.ID, []string{CredentialGitHubSSH})
	assert.True(t, apperr.IsKind(err, apperr.KindAuthFailed))
}

func TestResolveCredentialsExplicitUnconfigured(t *testing.T) {
	env := newTestService(t)
	p := seedProject(t, env, &state.CredentialBinding{Mode: state.CredentialAll})
	c := seedChat(t, env, p.ID, t.TempDir(), "hash", "")

	_, err := env.svc.ResolveCredentials(c.ID, []string{CredentialOpenAIKey})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	// The implicit form skips what the vault does not hold.
	out, err := env.svc.ResolveCredentials(c.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestBindProject(t *testing.T) {
	env := newTestService(t)
	p := seedProject(t, env, nil)
	c := seedChat(t, env, p.ID, t.TempDir(), "hash", "")

	got, err := env.svc.BindProject(c.ID, BindingRequest{
		Mode:          state.CredentialSet,
		CredentialIDs: []string{CredentialOpenAIKey},
	})
	require.NoError(t, err)
	require.NotNil(t, got.Credentials)
	assert.Equal(t, state.CredentialSet, got.Credentials.Mode)
	assert.Equal(t, []string{CredentialOpenAIKey}, got.Credentials.CredentialIDs)

	persisted, err := env.store.GetProject(p.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted.Credentials)
	assert.Equal(t, state.CredentialSet, persisted.Credentials.Mode)
}

func TestBindProjectValidation(t *testing.T) {
	env := newTestService(t)
	p := seedProject(t, env, nil)
	c := seedChat(t, env, p.ID, t.TempDir(), "hash", "")

	cases := []BindingRequest{
		{Mode: state.CredentialAuto, CredentialIDs: []string{CredentialOpenAIKey}},
		{Mode: state.CredentialSet},
		{Mode: state.CredentialSingle, CredentialIDs: []string{CredentialOpenAIKey, CredentialGitHubSSH}},
		{Mode: "root"},
		{Mode: state.CredentialSet, CredentialIDs: []string{"vault_master_key"}},
	}
	for _, req := range cases {
		_, err := env.svc.BindProject(c.ID, req)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidRequest), "mode %q", req.Mode)
	}
}

func TestBindProjectTempSessionWithoutProject(t *testing.T) {
	env := newTestService(t)

	ts, _, err := env.svc.CreateTempSession("")
	require.NoError(t, err)

	_, err = env.svc.BindProject(ts.ID, BindingRequest{Mode: state.CredentialAuto})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestBindProjectViaTempSession(t *testing.T) {
	env := newTestService(t)
	p := seedProject(t, env, nil)

	ts, _, err := env.svc.CreateTempSession(p.ID)
	require.NoError(t, err)

	got, err := env.svc.BindProject(ts.ID, BindingRequest{Mode: state.CredentialAll})
	require.NoError(t, err)
	require.NotNil(t, got.Credentials)
	assert.Equal(t, state.CredentialAll, got.Credentials.Mode)
}

func TestTempSessionLifecycle(t *testing.T) {
	env := newTestService(t)

	ts, token, err := env.svc.CreateTempSession("proj-1")
	require.NoError(t, err)
	assert.Len(t, token, 48)
	assert.NotEmpty(t, ts.Guid)
	assert.Equal(t, "proj-1", ts.ProjectID)

	got, err := env.svc.TempSession(ts.ID)
	require.NoError(t, err)
	assert.Equal(t, ts.ID, got.ID)

	env.svc.RemoveTempSession(ts.ID)
	_, err = env.svc.TempSession(ts.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}
