package chat

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/agenthub/internal/common/apperr"
	"github.com/agenthub/agenthub/internal/common/config"
	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/events/bus"
	"github.com/agenthub/agenthub/internal/profiles"
	"github.com/agenthub/agenthub/internal/snapshot"
	"github.com/agenthub/agenthub/internal/state"
)

type fakeSyncer struct {
	mu    sync.Mutex
	err   error
	paths []string
}

func (f *fakeSyncer) Sync(_ context.Context, _, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.paths = append(f.paths, path)
	return os.MkdirAll(path, 0o755)
}

func (f *fakeSyncer) synced() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

type fakeImages struct {
	mu      sync.Mutex
	missing bool
	hasErr  error
	removed []string
}

func (f *fakeImages) HasImage(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hasErr != nil {
		return false, f.hasErr
	}
	return !f.missing, nil
}

func (f *fakeImages) RemoveImage(_ context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, tag)
	return nil
}

func (f *fakeImages) removedTags() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type fakeTitler struct {
	mu    sync.Mutex
	kicks []string
}

func (f *fakeTitler) Kick(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicks = append(f.kicks, chatID)
}

func (f *fakeTitler) kicked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.kicks...)
}

type fakeCreds struct {
	key        string
	envPath    string
	sshKey     string
	knownHosts string
}

func (f *fakeCreds) OpenAIKey() (string, bool) { return f.key, f.key != "" }
func (f *fakeCreds) OpenAIEnvPath() string     { return f.envPath }
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

func testConfig(t *testing.T, command ...string) *config.Config {
	t.Helper()
	if len(command) == 0 {
		command = []string{"sh", "-c", "sleep 30"}
	}
	return &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 8765},
		Data:     config.DataConfig{Dir: t.TempDir()},
		AgentCLI: config.AgentCLIConfig{Command: command},
		Build:    config.BuildConfig{TimeoutSeconds: 60},
		Chat:     config.ChatConfig{StopTimeoutSeconds: 2, PTYCols: 120, PTYRows: 40},
	}
}

type testEnv struct {
	cfg    *config.Config
	store  *state.Store
	sup    *Supervisor
	syncer *fakeSyncer
	images *fakeImages
	titler *fakeTitler
}

func newTestSupervisor(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	eventBus := bus.New(newTestLogger(t))
	t.Cleanup(func() { eventBus.Close() })

	store, err := state.NewStore(cfg.Data.StateFile(), eventBus, newTestLogger(t))
	require.NoError(t, err)

	catalog, err := profiles.Load("")
	require.NoError(t, err)

	env := &testEnv{
		cfg:    cfg,
		store:  store,
		syncer: &fakeSyncer{},
		images: &fakeImages{},
		titler: &fakeTitler{},
	}
	env.sup = NewSupervisor(cfg, store, nil, env.syncer, env.images, catalog, newTestLogger(t))
	env.sup.SetTitler(env.titler)
	t.Cleanup(func() { _ = env.sup.Shutdown() })
	return env
}

func seedDoc(t *testing.T, store *state.Store, mutate func(doc *state.Document)) {
	t.Helper()
	require.NoError(t, store.Update("test_seed", func(doc *state.Document) error {
		mutate(doc)
		return nil
	}))
}

func seedReadyProject(t *testing.T, store *state.Store) *state.Project {
	t.Helper()
	p := &state.Project{
		ID:          "7d3f8a21-5f09-4c1b-9e57-0b8f6f1c2a64",
		Name:        "Demo App",
		RepoURL:     "https://github.com/example/demo-app.git",
		SetupScript: "npm install",
		BaseImage:   state.BaseImage{Mode: state.BaseImageTag, Value: "ubuntu:24.04"},
		BuildStatus: state.BuildReady,
	}
	tag, err := snapshot.Tag(p)
	require.NoError(t, err)
	p.SetupSnapshotImage = tag
	seedDoc(t, store, func(doc *state.Document) {
		doc.Projects = append(doc.Projects, p.Clone())
	})
	return p
}

func seedChat(t *testing.T, store *state.Store, projectID string, status state.ChatStatus) *state.Chat {
	t.Helper()
	c := &state.Chat{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Name:      "test chat",
		AgentType: state.AgentNone,
		Status:    status,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	seedDoc(t, store, func(doc *state.Document) {
		doc.Chats = append(doc.Chats, c.Clone())
	})
	return c
}

func waitForChatStatus(t *testing.T, store *state.Store, chatID string, want state.ChatStatus) *state.Chat {
	t.Helper()
	var got *state.Chat
	require.Eventually(t, func() bool {
		c, err := store.GetChat(chatID)
		if err != nil {
			return false
		}
		got = c
		return c.Status == want
	}, 5*time.Second, 20*time.Millisecond, "chat never reached %s", want)
	return got
}

func TestStartRunsAgentProcess(t *testing.T) {
	cfg := testConfig(t, "sh", "-c", "echo booted; sleep 30")
	env := newTestSupervisor(t, cfg)
	p := seedReadyProject(t, env.store)
	c := seedChat(t, env.store, p.ID, state.ChatStopped)

	got, err := env.sup.Start(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Equal(t, state.ChatRunning, got.Status)
	assert.Greater(t, got.PID, 0)
	assert.Equal(t, p.SetupSnapshotImage, got.SnapshotImage)
	assert.Len(t, got.PublishTokenHash, 32)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.PublishTokenIssuedAt)
	require.NotNil(t, got.ReadyAck)
	assert.NotEmpty(t, got.ReadyAck.Guid)
	assert.NotEmpty(t, got.Workspace)
	assert.Equal(t, []string{got.Workspace}, env.syncer.synced())

	closed, err := env.sup.Close(c.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChatStopped, closed.Status)
	assert.Zero(t, closed.PID)
	assert.Empty(t, closed.PublishTokenHash)
	assert.Nil(t, closed.PublishTokenIssuedAt)
}

func TestStartUnknownChat(t *testing.T) {
	env := newTestSupervisor(t, testConfig(t))

	_, err := env.sup.Start(context.Background(), "missing")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestStartConflictWhenAlreadyRunning(t *testing.T) {
	cfg := testConfig(t)
	env := newTestSupervisor(t, cfg)
	p := seedReadyProject(t, env.store)
	c := seedChat(t, env.store, p.ID, state.ChatStopped)

	_, err := env.sup.Start(context.Background(), c.ID)
	require.NoError(t, err)

	_, err = env.sup.Start(context.Background(), c.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestStartRequiresReadyProject(t *testing.T) {
	env := newTestSupervisor(t, testConfig(t))
	p := &state.Project{ID: uuid.New().String(), Name: "pending", BuildStatus: state.BuildPending}
	seedDoc(t, env.store, func(doc *state.Document) {
		doc.Projects = append(doc.Projects, p.Clone())
	})
	c := seedChat(t, env.store, p.ID, state.ChatStopped)

	_, err := env.sup.Start(context.Background(), c.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	// Precondition failures leave the chat untouched.
	got, err := env.store.GetChat(c.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChatStopped, got.Status)
}

func TestStartRejectsStaleSnapshotTag(t *testing.T) {
	env := newTestSupervisor(t, testConfig(t))
	p := seedReadyProject(t, env.store)
	require.NoError(t, env.store.UpdateProject(p.ID, "test_seed", func(pr *state.Project) error {
		pr.SetupSnapshotImage = "setup-aaaaaaaa-0123456789abcdef"
		return nil
	}))
	c := seedChat(t, env.store, p.ID, state.ChatStopped)

	_, err := env.sup.Start(context.Background(), c.ID)
	require.True(t, apperr.IsKind(err, apperr.KindConflict))
	assert.Contains(t, err.Error(), "out of date")

	got, err := env.store.GetChat(c.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChatStopped, got.Status)
}

func TestStartFailsWhenImageMissing(t *testing.T) {
	env := newTestSupervisor(t, testConfig(t))
	env.images.missing = true
	p := seedReadyProject(t, env.store)
	c := seedChat(t, env.store, p.ID, state.ChatStopped)

	_, err := env.sup.Start(context.Background(), c.ID)
	require.True(t, apperr.IsKind(err, apperr.KindConflict))

	got, err := env.store.GetChat(c.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChatFailed, got.Status)
}

func TestStartFailsWhenImageStoreUnavailable(t *testing.T) {
	env := newTestSupervisor(t, testConfig(t))
	env.images.hasErr = errors.New("docker daemon unreachable")
	p := seedReadyProject(t, env.store)
	c := seedChat(t, env.store, p.ID, state.ChatStopped)

	_, err := env.sup.Start(context.Background(), c.ID)
	require.True(t, apperr.IsKind(err, apperr.KindUpstream))

	got, err := env.store.GetChat(c.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChatFailed, got.Status)
}

func TestStartFailsWhenWorkspaceSyncFails(t *testing.T) {
	env := newTestSupervisor(t, testConfig(t))
	env.syncer.err = os.ErrPermission
	p := seedReadyProject(t, env.store)
	c := seedChat(t, env.store, p.ID, state.ChatStopped)

	_, err := env.sup.Start(context.Background(), c.ID)
	require.True(t, apperr.IsKind(err, apperr.KindInternal))

	got, err := env.store.GetChat(c.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChatFailed, got.Status)
}

func TestCleanExitRecordedAsStopped(t *testing.T) {
	cfg := testConfig(t, "sh", "-c", "echo done")
	env := newTestSupervisor(t, cfg)
	p := seedReadyProject(t, env.store)
	c := seedChat(t, env.store, p.ID, state.ChatStopped)

	_, err := env.sup.Start(context.Background(), c.ID)
	require.NoError(t, err)

	got := waitForChatStatus(t, env.store, c.ID, state.ChatStopped)
	assert.Zero(t, got.PID)
	assert.Empty(t, got.PublishTokenHash)
}

func TestNonZeroExitRecordedAsFailed(t *testing.T) {
	cfg := testConfig(t, "sh", "-c", "exit 3")
	env := newTestSupervisor(t, cfg)
	p := seedReadyProject(t, env.store)
	c := seedChat(t, env.store, p.ID, state.ChatStopped)

	_, err := env.sup.Start(context.Background(), c.ID)
	require.NoError(t, err)

	got := waitForChatStatus(t, env.store, c.ID, state.ChatFailed)
	assert.Zero(t, got.PID)
}

func TestCloseEscalatesToKill(t *testing.T) {
	// The shell ignores SIGTERM; only the KILL escalation can end it.
	cfg := testConfig(t, "sh", "-c", "trap '' TERM; while true; do sleep 1; done")
	cfg.Chat.StopTimeoutSeconds = 1
	env := newTestSupervisor(t, cfg)
	p := seedReadyProject(t, env.store)
	c := seedChat(t, env.store, p.ID, state.ChatStopped)

	_, err := env.sup.Start(context.Background(), c.ID)
	require.NoError(t, err)

	closed, err := env.sup.Close(c.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChatStopped, closed.Status)
	assert.Zero(t, closed.PID)
}

func TestCloseWithoutProcessRepairsStaleState(t *testing.T) {
	env := newTestSupervisor(t, testConfig(t))
	p := seedReadyProject(t, env.store)
	c := seedChat(t, env.store, p.ID, state.ChatStopped)
	seedDoc(t, env.store, func(doc *state.Document) {
		cc := doc.Chat(c.ID)
		cc.Status = state.ChatRunning
		cc.PID = 424242
	})

	got, err := env.sup.Close(c.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChatStopped, got.Status)
	assert.Zero(t, got.PID)

	_, err = env.sup.Close(c.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestShutdownStopsAllChats(t *testing.T) {
	env := newTestSupervisor(t, testConfig(t))
	p := seedReadyProject(t, env.store)
	c1 := seedChat(t, env.store, p.ID, state.ChatStopped)
	c2 := seedChat(t, env.store, p.ID, state.ChatStopped)

	_, err := env.sup.Start(context.Background(), c1.ID)
	require.NoError(t, err)
	_, err = env.sup.Start(context.Background(), c2.ID)
	require.NoError(t, err)

	require.NoError(t, env.sup.Shutdown())

	for _, id := range []string{c1.ID, c2.ID} {
		got, err := env.store.GetChat(id)
		require.NoError(t, err)
		assert.Equal(t, state.ChatStopped, got.Status)
		assert.Zero(t, got.PID)
	}

	env.sup.mu.Lock()
	remaining := len(env.sup.running)
	env.sup.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestAttachTerminalStoppedChatServesLog(t *testing.T) {
	cfg := testConfig(t)
	env := newTestSupervisor(t, cfg)
	p := seedReadyProject(t, env.store)
	c := seedChat(t, env.store, p.ID, state.ChatStopped)

	require.NoError(t, os.MkdirAll(cfg.Data.LogsDir(), 0o755))
	require.NoError(t, os.WriteFile(LogPath(cfg, c.ID), []byte("earlier run output"), 0o644))

	att, err := env.sup.AttachTerminal(c.ID)
	require.NoError(t, err)
	defer att.Close()

	assert.Equal(t, "earlier run output", att.Backlog)
	assert.Nil(t, att.Listener)
}

func TestAttachTerminalUnknownChat(t *testing.T) {
	env := newTestSupervisor(t, testConfig(t))

	_, err := env.sup.AttachTerminal("missing")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestAttachTerminalStreamsLiveOutput(t *testing.T) {
	cfg := testConfig(t, "sh", "-c", "echo hello-terminal; sleep 30")
	env := newTestSupervisor(t, cfg)
	p := seedReadyProject(t, env.store)
	c := seedChat(t, env.store, p.ID, state.ChatStopped)

	_, err := env.sup.Start(context.Background(), c.ID)
	require.NoError(t, err)

	att, err := env.sup.AttachTerminal(c.ID)
	require.NoError(t, err)
	defer att.Close()
	require.NotNil(t, att.Listener)

	seen := att.Backlog
	deadline := time.After(5 * time.Second)
	for !strings.Contains(seen, "hello-terminal") {
		select {
		case chunk, ok := <-att.Listener.C():
			if !ok {
				t.Fatalf("listener closed before output arrived, saw %q", seen)
			}
			seen += chunk
		case <-deadline:
			t.Fatalf("terminal output never arrived, saw %q", seen)
		}
	}
}

func TestWriteInputRecordsSubmittedPrompts(t *testing.T) {
	cfg := testConfig(t, "sh", "-c", "cat")
	env := newTestSupervisor(t, cfg)
	p := seedReadyProject(t, env.store)
	c := seedChat(t, env.store, p.ID, state.ChatStopped)

	_, err := env.sup.Start(context.Background(), c.ID)
	require.NoError(t, err)

	require.NoError(t, env.sup.WriteInput(c.ID, []byte("fix the flaky test\r")))
	require.NoError(t, env.sup.Submit(c.ID, "add more tests"))

	require.Eventually(t, func() bool {
		got, err := env.store.GetChat(c.ID)
		if err != nil {
			return false
		}
		return len(got.TitlePromptHistory) == 2
	}, 5*time.Second, 20*time.Millisecond)

	got, err := env.store.GetChat(c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"fix the flaky test", "add more tests"}, got.TitlePromptHistory)
	assert.Contains(t, env.titler.kicked(), c.ID)
}

func TestWriteInputConflictWhenStopped(t *testing.T) {
	env := newTestSupervisor(t, testConfig(t))
	p := seedReadyProject(t, env.store)
	c := seedChat(t, env.store, p.ID, state.ChatStopped)

	err := env.sup.WriteInput(c.ID, []byte("hello"))
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestResize(t *testing.T) {
	cfg := testConfig(t)
	env := newTestSupervisor(t, cfg)
	p := seedReadyProject(t, env.store)
	c := seedChat(t, env.store, p.ID, state.ChatStopped)

	err := env.sup.Resize(c.ID, 100, 30)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	_, err = env.sup.Start(context.Background(), c.ID)
	require.NoError(t, err)
	assert.NoError(t, env.sup.Resize(c.ID, 100, 30))
}

func TestRecordPromptRequiresText(t *testing.T) {
	env := newTestSupervisor(t, testConfig(t))
	p := seedReadyProject(t, env.store)
	c := seedChat(t, env.store, p.ID, state.ChatStopped)

	err := env.sup.RecordPrompt(c.ID, "   ")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidRequest))
}

func TestReapRepairsOrphanedRunningChat(t *testing.T) {
	env := newTestSupervisor(t, testConfig(t))
	p := seedReadyProject(t, env.store)
	orphan := seedChat(t, env.store, p.ID, state.ChatStopped)
	fresh := seedChat(t, env.store, p.ID, state.ChatStopped)
	seedDoc(t, env.store, func(doc *state.Document) {
		o := doc.Chat(orphan.ID)
		o.Status = state.ChatRunning
		o.PID = 999999
		o.UpdatedAt = time.Now().Add(-5 * time.Minute)
		f := doc.Chat(fresh.ID)
		f.Status = state.ChatStarting
		f.UpdatedAt = time.Now()
	})

	env.sup.reap()

	got, err := env.store.GetChat(orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChatStopped, got.Status)
	assert.Zero(t, got.PID)

	// Fresh entries keep their grace period.
	got, err = env.store.GetChat(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChatStarting, got.Status)
}

func TestLaunchArgvOmitsReservedEnvAndAppendsAgentCommand(t *testing.T) {
	cfg := testConfig(t, "agent-cli")
	env := newTestSupervisor(t, cfg)

	prof, ok := env.sup.profiles.Lookup(state.AgentCodex)
	require.True(t, ok)

	p := &state.Project{
		ID:                 uuid.New().String(),
		BaseImage:          state.BaseImage{Mode: state.BaseImageTag, Value: "ubuntu:24.04"},
		SetupSnapshotImage: "setup-12345678-abcdef0123456789",
	}
	c := &state.Chat{
		ROMounts:  []state.Mount{{Source: "/var/cache/models", Target: "/models"}},
		RWMounts:  []state.Mount{{Source: "/srv/scratch", Target: "/scratch"}},
		EnvVars:   []state.EnvVar{{Key: "FOO", Value: "bar"}, {Key: "OPENAI_API_KEY", Value: "sk-test"}},
		AgentArgs: []string{"--model", "o3"},
	}

	argv, err := env.sup.launchArgv(p, c, prof, "/tmp/ws")
	require.NoError(t, err)
	joined := strings.Join(argv, " ")

	assert.Equal(t, "agent-cli", argv[0])
	assert.Contains(t, joined, "--project /tmp/ws")
	assert.Contains(t, joined, "--snapshot-image-tag setup-12345678-abcdef0123456789")
	assert.Contains(t, joined, "--base-image ubuntu:24.04")
	assert.Contains(t, joined, "--mount-ro /var/cache/models:/models")
	assert.Contains(t, joined, "--mount-rw /srv/scratch:/scratch")
	assert.Contains(t, joined, "--env FOO=bar")
	assert.NotContains(t, joined, "OPENAI_API_KEY")

	sep := -1
	for i, a := range argv {
		if a == "--" {
			sep = i
			break
		}
	}
	require.GreaterOrEqual(t, sep, 0, "argv must carry the agent command after --")
	want := append(append([]string{}, prof.Command...), "--model", "o3")
	assert.Equal(t, want, argv[sep+1:])
}

func TestLaunchArgvIncludesCredentialFilePaths(t *testing.T) {
	cfg := testConfig(t, "agent-cli")
	env := newTestSupervisor(t, cfg)
	env.sup.creds = &fakeCreds{
		key:        "sk-test",
		envPath:    "/secrets/openai.env",
		sshKey:     "/secrets/github_ssh_key",
		knownHosts: "/secrets/github_known_hosts",
	}

	prof, ok := env.sup.profiles.Lookup(state.AgentNone)
	require.True(t, ok)

	p := &state.Project{
		ID:                 uuid.New().String(),
		BaseImage:          state.BaseImage{Mode: state.BaseImageTag, Value: "ubuntu:24.04"},
		SetupSnapshotImage: "setup-12345678-abcdef0123456789",
	}
	argv, err := env.sup.launchArgv(p, &state.Chat{}, prof, "/tmp/ws")
	require.NoError(t, err)
	joined := strings.Join(argv, " ")

	assert.Contains(t, joined, "--credentials-env-file /secrets/openai.env")
	assert.Contains(t, joined, "--ssh-key /secrets/github_ssh_key")
	assert.Contains(t, joined, "--ssh-known-hosts /secrets/github_known_hosts")
	// Secret values stay in files; argv carries only paths.
	assert.NotContains(t, joined, "sk-test")
}

func TestLaunchEnvCarriesContainerContract(t *testing.T) {
	env := newTestSupervisor(t, testConfig(t))

	vars := env.sup.launchEnv("chat-1", "tok123", "guid-9")
	joined := strings.Join(vars, "\n")

	assert.Contains(t, joined, "AGENT_HUB_ARTIFACTS_URL=http://127.0.0.1:8765/api/chats/chat-1/artifacts/publish")
	assert.Contains(t, joined, "AGENT_HUB_ARTIFACT_TOKEN=tok123")
	assert.Contains(t, joined, "AGENT_HUB_AGENT_TOOLS_URL=http://127.0.0.1:8765/api/chats/chat-1/agent-tools")
	assert.Contains(t, joined, "AGENT_HUB_AGENT_TOOLS_TOKEN=tok123")
	assert.Contains(t, joined, "AGENT_HUB_READY_ACK_GUID=guid-9")
}
