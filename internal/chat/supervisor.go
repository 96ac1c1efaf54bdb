// Package chat supervises agent chat processes. Each running chat is one
// launcher process on a PTY: the supervisor spawns it into a synced
// workspace, tracks it in a runtime table, multiplexes its terminal and
// guarantees the process group is dead before a chat is ever reported
// stopped.
package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agenthub/agenthub/internal/agenttools"
	"github.com/agenthub/agenthub/internal/common/apperr"
	"github.com/agenthub/agenthub/internal/common/config"
	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/metrics"
	"github.com/agenthub/agenthub/internal/profiles"
	"github.com/agenthub/agenthub/internal/snapshot"
	"github.com/agenthub/agenthub/internal/state"
	"github.com/agenthub/agenthub/internal/term"
)

// reapInterval paces the background check for chats whose document entry says
// live but whose process is gone. Entries younger than the interval are left
// alone because a start may still be between persist and registration.
const reapInterval = 30 * time.Second

// errStaleTransition aborts a state write whose precondition no longer holds.
var errStaleTransition = errors.New("stale chat transition")

// ImageStore answers whether a snapshot image exists and removes images
// during project deletion and clean start.
type ImageStore interface {
	HasImage(ctx context.Context, tag string) (bool, error)
	RemoveImage(ctx context.Context, tag string) error
}

// RepoSyncer brings a checkout directory up to date with its remote.
type RepoSyncer interface {
	Sync(ctx context.Context, cloneURL, path string) error
}

// Credentials exposes the stored secrets a chat launch may reference. All
// values reach the launcher as file paths, never inline.
type Credentials interface {
	OpenAIKey() (string, bool)
	OpenAIEnvPath() string
	HasSSHKey() bool
	SSHKeyPath() string
	HasKnownHosts() bool
	KnownHostsPath() string
}

// Titler is nudged after every recorded prompt.
type Titler interface {
	Kick(chatID string)
}

// runtime tracks one live chat process.
type runtime struct {
	chatID  string
	cmd     *exec.Cmd
	master  *os.File
	session *term.Session
	pid     int
	exited  chan struct{} // closed once Wait has returned
}

// Supervisor owns every chat process of the hub.
type Supervisor struct {
	cfg      *config.Config
	store    *state.Store
	creds    Credentials
	syncer   RepoSyncer
	images   ImageStore
	profiles *profiles.Catalog
	logger   *logger.Logger
	titler   Titler

	now func() time.Time

	mu      sync.Mutex
	running map[string]*runtime

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSupervisor creates a supervisor and starts its background reaper. creds
// may be nil when no credential store is configured.
func NewSupervisor(
	cfg *config.Config,
	store *state.Store,
	creds Credentials,
	syncer RepoSyncer,
	imageStore ImageStore,
	catalog *profiles.Catalog,
	log *logger.Logger,
) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		store:    store,
		creds:    creds,
		syncer:   syncer,
		images:   imageStore,
		profiles: catalog,
		logger:   log.WithFields(zap.String("component", "chat-supervisor")),
		now:      time.Now,
		running:  make(map[string]*runtime),
		stopCh:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.reapLoop()
	return s
}

// SetTitler wires the title pipeline. Must be called before any chat starts.
func (s *Supervisor) SetTitler(t Titler) {
	s.titler = t
}

// SetClock overrides the supervisor's clock. Test hook.
func (s *Supervisor) SetClock(now func() time.Time) {
	s.now = now
}

// Start launches the chat's agent process. The chat must be stopped or
// failed, its project built, and the recorded snapshot tag current. The PID
// and publish token land in state only after the process is actually up.
func (s *Supervisor) Start(ctx context.Context, chatID string) (*state.Chat, error) {
	var (
		proj     *state.Project
		chatCopy *state.Chat
	)
	err := s.store.Update("chat_starting", func(doc *state.Document) error {
		c := doc.Chat(chatID)
		if c == nil {
			return apperr.NotFound(fmt.Sprintf("chat %s not found", chatID))
		}
		if c.Status == state.ChatRunning || c.Status == state.ChatStarting {
			return apperr.Conflict(fmt.Sprintf("chat %s is already running", chatID))
		}
		p := doc.Project(c.ProjectID)
		if p == nil {
			return apperr.NotFound(fmt.Sprintf("project %s not found", c.ProjectID))
		}
		if p.BuildStatus != state.BuildReady {
			return apperr.Conflict(fmt.Sprintf("project %s is not ready (build status %q)", c.ProjectID, p.BuildStatus))
		}
		tag, err := snapshot.Tag(p)
		if err != nil {
			return apperr.Internal(fmt.Sprintf("compute snapshot tag: %v", err))
		}
		if tag != p.SetupSnapshotImage {
			return apperr.Conflict("setup snapshot is out of date, rebuild the project first")
		}
		c.Status = state.ChatStarting
		c.UpdatedAt = s.now().UTC()
		proj = p.Clone()
		chatCopy = c.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	tag := proj.SetupSnapshotImage
	ok, err := s.images.HasImage(ctx, tag)
	if err != nil {
		s.failStart(chatID)
		return nil, apperr.Upstream(fmt.Sprintf("image store unavailable: %v", err))
	}
	if !ok {
		s.failStart(chatID)
		return nil, apperr.Conflict(fmt.Sprintf("setup snapshot image %s is missing, rebuild the project first", tag))
	}

	workspace := chatCopy.Workspace
	if workspace == "" {
		workspace = s.workspacePath(proj.Name, chatID)
	}
	if err := s.syncer.Sync(ctx, proj.RepoURL, workspace); err != nil {
		s.failStart(chatID)
		return nil, apperr.Internal(fmt.Sprintf("workspace sync failed: %v", err))
	}

	profile, found := s.profiles.Lookup(chatCopy.AgentType)
	if !found {
		s.failStart(chatID)
		return nil, apperr.InvalidRequest(fmt.Sprintf("no launch profile for agent type %q", chatCopy.AgentType))
	}

	token, tokenHash, err := agenttools.NewPublishToken()
	if err != nil {
		s.failStart(chatID)
		return nil, apperr.Internal(err.Error())
	}
	guid := uuid.New().String()

	argv, err := s.launchArgv(proj, chatCopy, profile, workspace)
	if err != nil {
		s.failStart(chatID)
		return nil, apperr.InvalidRequest(fmt.Sprintf("base image: %v", err))
	}

	if err := os.MkdirAll(s.cfg.Data.LogsDir(), 0o755); err != nil {
		s.failStart(chatID)
		return nil, apperr.Internal(fmt.Sprintf("create logs directory: %v", err))
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workspace
	cmd.Env = s.launchEnv(chatID, token, guid)

	master, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(s.cfg.Chat.PTYCols),
		Rows: uint16(s.cfg.Chat.PTYRows),
	})
	if err != nil {
		s.failStart(chatID)
		return nil, apperr.Internal(fmt.Sprintf("start agent process: %v", err))
	}
	pid := cmd.Process.Pid

	session, err := term.NewSession(chatID, master, LogPath(s.cfg, chatID), s.promptSink(chatID), s.logger)
	if err != nil {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		_ = cmd.Wait()
		master.Close()
		s.failStart(chatID)
		return nil, apperr.Internal(fmt.Sprintf("open terminal log: %v", err))
	}
	go session.Run()

	rt := &runtime{
		chatID:  chatID,
		cmd:     cmd,
		master:  master,
		session: session,
		pid:     pid,
		exited:  make(chan struct{}),
	}
	s.mu.Lock()
	s.running[chatID] = rt
	s.mu.Unlock()
	s.wg.Add(1)
	go s.waitChat(rt)

	now := s.now().UTC()
	err = s.store.UpdateChat(chatID, "chat_started", func(c *state.Chat) error {
		if c.Status != state.ChatStarting {
			// The process already exited and waitChat recorded it.
			return errStaleTransition
		}
		c.Status = state.ChatRunning
		c.PID = pid
		c.Workspace = workspace
		c.SnapshotImage = tag
		c.PublishTokenHash = tokenHash
		c.PublishTokenIssuedAt = &now
		c.StartedAt = &now
		c.ReadyAck = &state.ReadyAck{Guid: guid}
		return nil
	})
	switch {
	case errors.Is(err, errStaleTransition):
		return s.store.GetChat(chatID)
	case err != nil:
		// Process is up but its state never landed; take it back down.
		s.mu.Lock()
		delete(s.running, chatID)
		s.mu.Unlock()
		s.terminate(rt)
		s.failStart(chatID)
		return nil, apperr.From(err)
	}

	metrics.ChatsStarted.Inc()
	s.logger.Info("chat started",
		zap.String("chat_id", chatID),
		zap.Int("pid", pid),
		zap.String("agent_type", string(chatCopy.AgentType)),
		zap.String("workspace", workspace))
	return s.store.GetChat(chatID)
}

// Close stops a running chat, gracefully first. Closing a chat with no live
// process repairs stale running state instead of failing.
func (s *Supervisor) Close(chatID string) (*state.Chat, error) {
	s.mu.Lock()
	rt, live := s.running[chatID]
	if live {
		delete(s.running, chatID)
	}
	s.mu.Unlock()

	if live {
		s.terminate(rt)
	}

	err := s.store.UpdateChat(chatID, "chat_closed", func(c *state.Chat) error {
		if !live && c.Status != state.ChatRunning && c.Status != state.ChatStarting {
			return apperr.Conflict(fmt.Sprintf("chat %s is not running", chatID))
		}
		c.Status = state.ChatStopped
		c.PID = 0
		c.PublishTokenHash = ""
		c.PublishTokenIssuedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if live {
		metrics.ChatsStopped.Inc()
		s.logger.Info("chat closed", zap.String("chat_id", chatID), zap.Int("pid", rt.pid))
	}
	return s.store.GetChat(chatID)
}

// terminate delivers SIGTERM to the chat's process group, escalates to
// SIGKILL after the stop deadline, and waits until the PTY reader has
// drained. The caller must already own the runtime.
func (s *Supervisor) terminate(rt *runtime) {
	_ = syscall.Kill(-rt.pid, syscall.SIGTERM)
	select {
	case <-rt.exited:
	case <-time.After(s.cfg.Chat.StopTimeoutDuration()):
		s.logger.Warn("chat ignored SIGTERM, killing process group",
			zap.String("chat_id", rt.chatID), zap.Int("pid", rt.pid))
		_ = syscall.Kill(-rt.pid, syscall.SIGKILL)
		<-rt.exited
	}
	<-rt.session.Done()
}

// waitChat is the sole caller of Wait for a chat process. It owns the exit
// transition unless Close already took the runtime.
func (s *Supervisor) waitChat(rt *runtime) {
	defer s.wg.Done()

	err := rt.cmd.Wait()
	close(rt.exited)

	rt.master.Close()
	<-rt.session.Done()

	s.mu.Lock()
	tracked := s.running[rt.chatID] == rt
	if tracked {
		delete(s.running, rt.chatID)
	}
	s.mu.Unlock()
	if !tracked {
		return
	}

	status := state.ChatStopped
	if err != nil {
		status = state.ChatFailed
	}
	uerr := s.store.UpdateChat(rt.chatID, "chat_exited", func(c *state.Chat) error {
		if c.Status != state.ChatRunning && c.Status != state.ChatStarting {
			return errStaleTransition
		}
		c.Status = status
		c.PID = 0
		c.PublishTokenHash = ""
		c.PublishTokenIssuedAt = nil
		return nil
	})
	if uerr != nil && !errors.Is(uerr, errStaleTransition) {
		s.logger.Warn("record chat exit", zap.String("chat_id", rt.chatID), zap.Error(uerr))
	}
	metrics.ChatsStopped.Inc()
	s.logger.Info("chat exited",
		zap.String("chat_id", rt.chatID),
		zap.Int("pid", rt.pid),
		zap.Bool("clean", err == nil))
}

// Shutdown stops the reaper and every live chat in parallel, then scrubs any
// stray live markers so the next boot starts from a cold document.
func (s *Supervisor) Shutdown() error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			_, err := s.Close(id)
			if err != nil && !apperr.IsKind(err, apperr.KindConflict) && !apperr.IsKind(err, apperr.KindNotFound) {
				return err
			}
			return nil
		})
	}
	closeErr := g.Wait()
	s.wg.Wait()

	needScrub := false
	for _, c := range s.store.Snapshot().Chats {
		if c.Status == state.ChatRunning || c.Status == state.ChatStarting {
			needScrub = true
			break
		}
	}
	if needScrub {
		if err := s.store.Update("shutdown", func(doc *state.Document) error {
			for _, c := range doc.Chats {
				if c.Status == state.ChatRunning || c.Status == state.ChatStarting {
					c.Status = state.ChatStopped
					c.PID = 0
					c.PublishTokenHash = ""
					c.PublishTokenIssuedAt = nil
					c.UpdatedAt = s.now().UTC()
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return closeErr
}

func (s *Supervisor) reapLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

// reap repairs chats the document claims are live but no runtime tracks.
// waitChat normally records every exit; this covers transitions lost to a
// failed state write.
func (s *Supervisor) reap() {
	for _, c := range s.store.Snapshot().Chats {
		if c.Status != state.ChatRunning && c.Status != state.ChatStarting {
			continue
		}
		s.mu.Lock()
		_, live := s.running[c.ID]
		s.mu.Unlock()
		if live || s.now().Sub(c.UpdatedAt) < reapInterval {
			continue
		}
		err := s.store.Update("chat_reaped", func(doc *state.Document) error {
			cc := doc.Chat(c.ID)
			if cc == nil {
				return errStaleTransition
			}
			if cc.Status != state.ChatRunning && cc.Status != state.ChatStarting {
				return errStaleTransition
			}
			if s.now().Sub(cc.UpdatedAt) < reapInterval {
				return errStaleTransition
			}
			cc.Status = state.ChatStopped
			cc.PID = 0
			cc.PublishTokenHash = ""
			cc.PublishTokenIssuedAt = nil
			cc.UpdatedAt = s.now().UTC()
			return nil
		})
		switch {
		case errors.Is(err, errStaleTransition):
		case err != nil:
			s.logger.Warn("reap chat", zap.String("chat_id", c.ID), zap.Error(err))
		default:
			s.logger.Warn("repaired chat with no live process", zap.String("chat_id", c.ID))
		}
	}
}

// Attachment is one view of a chat terminal: the backlog so far plus, for a
// running chat, a live listener.
type Attachment struct {
	Backlog  string
	Listener *term.Listener // nil when the chat is not running
	detach   func()
}

// Close releases the live listener, if any.
func (a *Attachment) Close() {
	if a.detach != nil {
		a.detach()
	}
}

// AttachTerminal returns the chat's terminal backlog and, when the chat is
// running, a listener for everything after it.
func (s *Supervisor) AttachTerminal(chatID string) (*Attachment, error) {
	s.mu.Lock()
	rt, live := s.running[chatID]
	s.mu.Unlock()

	if live {
		l, backlog, err := rt.session.Attach()
		if err == nil {
			return &Attachment{
				Backlog:  backlog,
				Listener: l,
				detach:   func() { rt.session.Detach(l) },
			}, nil
		}
		// Session ended between lookup and attach; serve the log instead.
	}

	if _, err := s.store.GetChat(chatID); err != nil {
		return nil, err
	}
	backlog, err := term.ReadBacklog(LogPath(s.cfg, chatID))
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("read terminal log: %v", err))
	}
	return &Attachment{Backlog: backlog}, nil
}

// WriteInput forwards raw bytes to the chat's terminal.
func (s *Supervisor) WriteInput(chatID string, data []byte) error {
	s.mu.Lock()
	rt, live := s.running[chatID]
	s.mu.Unlock()
	if !live {
		return apperr.Conflict(fmt.Sprintf("chat %s is not running", chatID))
	}
	if err := rt.session.Write(data); err != nil {
		return apperr.Internal(fmt.Sprintf("write terminal input: %v", err))
	}
	return nil
}

// Submit sends text to the terminal as one submitted line.
func (s *Supervisor) Submit(chatID, text string) error {
	return s.WriteInput(chatID, []byte(text+"\r"))
}

// Resize applies a new terminal size to a running chat.
func (s *Supervisor) Resize(chatID string, cols, rows uint16) error {
	s.mu.Lock()
	rt, live := s.running[chatID]
	s.mu.Unlock()
	if !live {
		return apperr.Conflict(fmt.Sprintf("chat %s is not running", chatID))
	}
	if err := rt.session.Resize(cols, rows); err != nil {
		return apperr.Internal(fmt.Sprintf("resize terminal: %v", err))
	}
	return nil
}

// RecordPrompt appends a submitted prompt to the chat's title history and
// nudges title generation.
func (s *Supervisor) RecordPrompt(chatID, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return apperr.InvalidRequest("prompt is required")
	}
	if err := s.store.UpdateChat(chatID, "title_prompt_recorded", func(c *state.Chat) error {
		c.RecordPrompt(prompt, s.now().UTC())
		return nil
	}); err != nil {
		return err
	}
	if s.titler != nil {
		s.titler.Kick(chatID)
	}
	return nil
}

// promptSink adapts RecordPrompt for the terminal input scanner.
func (s *Supervisor) promptSink(chatID string) func(string) {
	return func(prompt string) {
		if err := s.RecordPrompt(chatID, prompt); err != nil {
			s.logger.Warn("record prompt", zap.String("chat_id", chatID), zap.Error(err))
		}
	}
}

// launchArgv assembles the launcher command for one chat run. The publish
// token travels via the environment, never argv.
func (s *Supervisor) launchArgv(p *state.Project, c *state.Chat, prof profiles.Profile, workspace string) ([]string, error) {
	argv := append([]string{}, s.cfg.AgentCLI.Command...)
	argv = append(argv, "--project", workspace)
	if s.cfg.AgentCLI.ConfigFile != "" {
		argv = append(argv, "--config-file", s.cfg.AgentCLI.ConfigFile)
	}
	argv = append(argv, "--snapshot-image-tag", p.SetupSnapshotImage)

	if s.creds != nil {
		if _, ok := s.creds.OpenAIKey(); ok {
			argv = append(argv, "--credentials-env-file", s.creds.OpenAIEnvPath())
		}
		if s.creds.HasSSHKey() {
			argv = append(argv, "--ssh-key", s.creds.SSHKeyPath())
		}
		if s.creds.HasKnownHosts() {
			argv = append(argv, "--ssh-known-hosts", s.creds.KnownHostsPath())
		}
	}

	baseArgs, err := snapshot.BaseImageArgs(p, workspace)
	if err != nil {
		return nil, err
	}
	argv = append(argv, baseArgs...)

	for _, m := range c.ROMounts {
		argv = append(argv, "--mount-ro", m.Source+":"+m.Target)
	}
	for _, m := range c.RWMounts {
		argv = append(argv, "--mount-rw", m.Source+":"+m.Target)
	}
	for _, ev := range c.EnvVars {
		if ev.Key == "" || state.ReservedEnvKeys[ev.Key] {
			continue
		}
		argv = append(argv, "--env", ev.Key+"="+ev.Value)
	}

	agentCmd := append(append([]string{}, prof.Command...), c.AgentArgs...)
	if len(agentCmd) > 0 {
		argv = append(argv, "--")
		argv = append(argv, agentCmd...)
	}
	return argv, nil
}

// launchEnv carries the container contract: where to publish artifacts and
// agent tool calls, plus the ack guid for this run.
func (s *Supervisor) launchEnv(chatID, token, guid string) []string {
	base := s.cfg.Server.BaseURL()
	return append(os.Environ(),
		fmt.Sprintf("AGENT_HUB_ARTIFACTS_URL=%s/api/chats/%s/artifacts/publish", base, chatID),
		fmt.Sprintf("AGENT_HUB_ARTIFACT_TOKEN=%s", token),
		fmt.Sprintf("AGENT_HUB_AGENT_TOOLS_URL=%s/api/chats/%s/agent-tools", base, chatID),
		fmt.Sprintf("AGENT_HUB_AGENT_TOOLS_TOKEN=%s", token),
		fmt.Sprintf("AGENT_HUB_READY_ACK_GUID=%s", guid),
	)
}

// failStart moves a chat that never reached running into failed.
func (s *Supervisor) failStart(chatID string) {
	if err := s.store.UpdateChat(chatID, "chat_start_failed", func(c *state.Chat) error {
		c.Status = state.ChatFailed
		c.PID = 0
		c.PublishTokenHash = ""
		c.PublishTokenIssuedAt = nil
		return nil
	}); err != nil {
		s.logger.Warn("mark chat failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// LogPath returns the terminal log location for a chat. The log survives
// restarts so reconnecting clients keep their backlog.
func LogPath(cfg *config.Config, chatID string) string {
	return filepath.Join(cfg.Data.LogsDir(), chatID+".log")
}
