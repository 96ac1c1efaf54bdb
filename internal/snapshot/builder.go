package snapshot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/config"
	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/common/stringutil"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/events/bus"
	"github.com/agenthub/agenthub/internal/metrics"
	"github.com/agenthub/agenthub/internal/state"
)

// scanBufSize bounds a single build output line; longer lines are split by
// the scanner's buffer limit rather than aborting the stream.
const scanBufSize = 1024 * 1024

// buildErrorMax caps the persisted failure reason. The full output stays in
// the build log.
const buildErrorMax = 300

// errStaleBuild aborts the success write when the project configuration
// changed while the build ran. The worker loop picks up the new pending
// status on its next read.
var errStaleBuild = errors.New("project configuration changed during build")

// ImageStore is the subset of the image client the builder needs.
type ImageStore interface {
	HasImage(ctx context.Context, tag string) (bool, error)
}

// RepoSyncer keeps a checkout in sync with its remote. *gitrepo.Syncer
// satisfies this.
type RepoSyncer interface {
	Sync(ctx context.Context, cloneURL, path string) error
}

// Builder runs setup snapshot builds, one single-flight worker per project.
type Builder struct {
	cfg    *config.Config
	store  *state.Store
	bus    *bus.Bus
	syncer RepoSyncer
	images ImageStore
	logger *logger.Logger
	now    func() time.Time

	// active tracks project ids with a live worker goroutine.
	mu     sync.Mutex
	active map[string]bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBuilder creates a snapshot builder.
func NewBuilder(
	cfg *config.Config,
	store *state.Store,
	eventBus *bus.Bus,
	syncer RepoSyncer,
	imageStore ImageStore,
	log *logger.Logger,
) *Builder {
	ctx, cancel := context.WithCancel(context.Background())
	return &Builder{
		cfg:     cfg,
		store:   store,
		bus:     eventBus,
		syncer:  syncer,
		images:  imageStore,
		logger:  log.WithFields(zap.String("component", "snapshot-builder")),
		now:     time.Now,
		active:  make(map[string]bool),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// SetClock overrides the time source for tests.
func (b *Builder) SetClock(now func() time.Time) {
	b.now = now
}

// Stop cancels running builds and waits for workers to exit.
func (b *Builder) Stop() {
	b.cancel()
	b.wg.Wait()
}

// Ensure spawns the build worker for a project unless one is already
// running. Safe to call on every configuration change; coalescing happens in
// the worker loop.
func (b *Builder) Ensure(projectID string) {
	b.mu.Lock()
	if b.active[projectID] || b.baseCtx.Err() != nil {
		b.mu.Unlock()
		return
	}
	b.active[projectID] = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.worker(projectID)
}

// EnsureAll kicks workers for every project left pending, typically after a
// restart interrupted a build.
func (b *Builder) EnsureAll() {
	for _, p := range b.store.Snapshot().Projects {
		if p.BuildStatus == state.BuildPending {
			b.Ensure(p.ID)
		}
	}
}

// worker loops build attempts until the project settles or disappears.
// Re-reading after each attempt coalesces rapid edits into at most one
// queued follow-up build.
func (b *Builder) worker(projectID string) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.active, projectID)
		b.mu.Unlock()
		// An edit that landed after the final status read saw an active
		// worker and skipped spawning; re-check pending after deregistering.
		if b.baseCtx.Err() == nil {
			if p, err := b.store.GetProject(projectID); err == nil && p.BuildStatus == state.BuildPending {
				b.Ensure(projectID)
			}
		}
	}()

	for {
		if b.baseCtx.Err() != nil {
			return
		}
		p, err := b.store.GetProject(projectID)
		if err != nil {
			return
		}
		if p.BuildStatus != state.BuildPending && p.BuildStatus != state.BuildBuilding {
			return
		}
		b.buildAttempt(p)
	}
}

func (b *Builder) buildAttempt(p *state.Project) {
	ctx, cancel := context.WithTimeout(b.baseCtx, b.cfg.Build.TimeoutDuration())
	defer cancel()

	log := b.logger.WithProjectID(p.ID)

	if err := b.store.UpdateProject(p.ID, "project_build_started", func(pr *state.Project) error {
		now := b.now().UTC()
		pr.BuildStatus = state.BuildBuilding
		pr.BuildStartedAt = &now
		pr.BuildFinishedAt = nil
		pr.BuildError = ""
		return nil
	}); err != nil {
		log.Warn("cannot mark project building", zap.Error(err))
		return
	}
	metrics.BuildsStarted.Inc()

	tag, err := Tag(p)
	if err != nil {
		b.fail(p.ID, "", fmt.Sprintf("compute snapshot tag: %v", err))
		return
	}
	log.Info("build attempt started", zap.String("tag", tag))

	logFile, err := b.openBuildLog(p.ID)
	if err != nil {
		b.fail(p.ID, tag, fmt.Sprintf("open build log: %v", err))
		return
	}
	defer logFile.Close()

	// Tailers replace their view so output from the previous attempt never
	// bleeds into this one.
	b.bus.Publish(events.New(events.TypeProjectBuildLog, events.BuildLogPayload{
		ProjectID: p.ID,
		Text:      "",
		Replace:   true,
	}))

	checkout := filepath.Join(b.cfg.Data.ProjectsDir(), p.ID)
	if err := b.syncer.Sync(ctx, p.RepoURL, checkout); err != nil {
		b.appendLog(logFile, p.ID, fmt.Sprintf("repository sync failed: %v\n", err))
		b.fail(p.ID, tag, fmt.Sprintf("repository sync failed: %v", err))
		return
	}

	baseArgs, err := BaseImageArgs(p, checkout)
	if err != nil {
		b.appendLog(logFile, p.ID, err.Error()+"\n")
		b.fail(p.ID, tag, err.Error())
		return
	}

	cached, err := b.images.HasImage(ctx, tag)
	if err != nil {
		b.appendLog(logFile, p.ID, fmt.Sprintf("image store unavailable: %v\n", err))
		b.fail(p.ID, tag, fmt.Sprintf("image store unavailable: %v", err))
		return
	}
	if cached {
		b.appendLog(logFile, p.ID, fmt.Sprintf("Using cached setup snapshot image '%s'\n", tag))
		metrics.BuildsCached.Inc()
		b.succeed(p.ID, tag)
		return
	}

	if err := b.runSetup(ctx, p, tag, baseArgs, logFile); err != nil {
		msg := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("build timed out after %s", b.cfg.Build.TimeoutDuration())
		}
		b.appendLog(logFile, p.ID, msg+"\n")
		b.fail(p.ID, tag, msg)
		return
	}

	b.succeed(p.ID, tag)
}

// runSetup invokes the launcher in snapshot-preparation mode and streams its
// combined output line-at-a-time to the build log and the event bus.
func (b *Builder) runSetup(ctx context.Context, p *state.Project, tag string, baseArgs []string, logFile *os.File) error {
	argv := b.setupArgv(p, tag, baseArgs)

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create output pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return fmt.Errorf("start %s: %w", argv[0], err)
	}
	// The child holds the write end now; close ours so the scanner sees EOF
	// when the child exits.
	pw.Close()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), scanBufSize)
	lastLine := ""
	for scanner.Scan() {
		line := scanner.Text()
		if s := strings.TrimSpace(stringutil.StripANSI(line)); s != "" {
			lastLine = s
		}
		b.appendLog(logFile, p.ID, line+"\n")
	}
	pr.Close()

	if err := cmd.Wait(); err != nil {
		if lastLine != "" {
			return fmt.Errorf("setup command failed: %w: %s", err, lastLine)
		}
		return fmt.Errorf("setup command failed: %w", err)
	}
	return nil
}

// setupArgv assembles the launcher invocation for a build: snapshot flags,
// base image reference, default mounts, non-reserved env vars and the setup
// script.
func (b *Builder) setupArgv(p *state.Project, tag string, baseArgs []string) []string {
	argv := append([]string{}, b.cfg.AgentCLI.Command...)
	argv = append(argv, "--prepare-snapshot-only", "--snapshot-image-tag", tag)
	if b.cfg.AgentCLI.ConfigFile != "" {
		argv = append(argv, "--config-file", b.cfg.AgentCLI.ConfigFile)
	}
	argv = append(argv, baseArgs...)
	for _, m := range p.DefaultROMounts {
		argv = append(argv, "--mount-ro", m.Source+":"+m.Target)
	}
	for _, m := range p.DefaultRWMounts {
		argv = append(argv, "--mount-rw", m.Source+":"+m.Target)
	}
	for _, e := range p.DefaultEnvVars {
		if e.Key == "" || state.ReservedEnvKeys[e.Key] {
			continue
		}
		argv = append(argv, "--env", e.Key+"="+e.Value)
	}
	if p.SetupScript != "" {
		argv = append(argv, "--setup-script", p.SetupScript)
	}
	return argv
}

// openBuildLog truncates and reopens the project build log.
func (b *Builder) openBuildLog(projectID string) (*os.File, error) {
	if err := os.MkdirAll(b.cfg.Data.LogsDir(), 0o755); err != nil {
		return nil, err
	}
	return os.Create(BuildLogPath(b.cfg, projectID))
}

// BuildLogPath returns the on-disk location of a project's build log.
func BuildLogPath(cfg *config.Config, projectID string) string {
	return filepath.Join(cfg.Data.LogsDir(), "project-"+projectID+".log")
}

// appendLog writes a chunk to the build log file and mirrors it to build-log
// subscribers.
func (b *Builder) appendLog(logFile *os.File, projectID, text string) {
	if _, err := logFile.WriteString(text); err != nil {
		b.logger.Warn("build log write failed", zap.Error(err))
	}
	b.bus.Publish(events.New(events.TypeProjectBuildLog, events.BuildLogPayload{
		ProjectID: projectID,
		Text:      text,
		Replace:   false,
	}))
}

// succeed records a finished build. The tag is recomputed inside the update
// so an edit that raced the build leaves the project pending instead of
// marking a stale image ready.
func (b *Builder) succeed(projectID, tag string) {
	err := b.store.UpdateProject(projectID, "project_build_ready", func(pr *state.Project) error {
		current, err := Tag(pr)
		if err != nil {
			return err
		}
		if current != tag {
			return errStaleBuild
		}
		now := b.now().UTC()
		pr.SetupSnapshotImage = tag
		pr.BuildStatus = state.BuildReady
		pr.BuildFinishedAt = &now
		pr.BuildError = ""
		return nil
	})
	switch {
	case errors.Is(err, errStaleBuild):
		b.logger.WithProjectID(projectID).Info("build finished for outdated configuration, rebuilding")
	case err != nil:
		b.logger.WithProjectID(projectID).Warn("cannot record build success", zap.Error(err))
	default:
		b.logger.WithProjectID(projectID).Info("build ready", zap.String("tag", tag))
	}
}

// oneLineReason flattens a failure message for the project record: escape
// sequences stripped, whitespace runs collapsed, length capped. Git and
// launcher output can be multi-line and colored; the stored reason must
// render as a single line.
func oneLineReason(msg string) string {
	msg = stringutil.CompactWhitespace(stringutil.StripANSI(msg))
	return stringutil.TruncateStringWithEllipsis(msg, buildErrorMax)
}

// fail records a failed attempt. Like succeed, it refuses to overwrite a
// project whose configuration moved on mid-build: the status stays pending
// and the worker loop retries with the fresh configuration.
func (b *Builder) fail(projectID, builtTag, message string) {
	metrics.BuildsFailed.Inc()
	message = oneLineReason(message)
	err := b.store.UpdateProject(projectID, "project_build_failed", func(pr *state.Project) error {
		if pr.BuildStatus == state.BuildPending {
			return errStaleBuild
		}
		if builtTag != "" {
			if current, tagErr := Tag(pr); tagErr == nil && current != builtTag {
				return errStaleBuild
			}
		}
		now := b.now().UTC()
		pr.BuildStatus = state.BuildFailed
		pr.BuildError = message
		pr.BuildFinishedAt = &now
		return nil
	})
	switch {
	case errors.Is(err, errStaleBuild):
		b.logger.WithProjectID(projectID).Info("build failed for outdated configuration, rebuilding")
	case err != nil:
		b.logger.WithProjectID(projectID).Warn("cannot record build failure", zap.Error(err))
	default:
		b.logger.WithProjectID(projectID).Error("build failed", zap.String("error", message))
	}
}
