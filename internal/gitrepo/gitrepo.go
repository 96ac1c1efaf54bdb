// Package gitrepo keeps project and chat workspaces in sync with their
// upstream repositories: clone when missing, fetch and hard-reset to the
// remote default branch otherwise.
package gitrepo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/logger"
)

// Auth supplies SSH material for clones of ssh-style remotes. The credential
// vault satisfies this directly.
type Auth interface {
	HasSSHKey() bool
	SSHKeyPath() string
	HasKnownHosts() bool
	KnownHostsPath() string
}

// Syncer performs git clone, fetch and reset operations.
type Syncer struct {
	auth   Auth
	logger *logger.Logger
	// repoMus is a map of per-workspace path → *sync.Mutex to prevent
	// concurrent clone or fetch operations on the same directory.
	repoMus sync.Map
}

// NewSyncer creates a new Syncer. auth may be nil when SSH remotes are not
// expected.
func NewSyncer(auth Auth, log *logger.Logger) *Syncer {
	return &Syncer{auth: auth, logger: log}
}

// repoMu returns (or lazily creates) the mutex for a workspace path.
func (s *Syncer) repoMu(path string) *sync.Mutex {
	mu, _ := s.repoMus.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex) //nolint:forcetypeassert // LoadOrStore always stores *sync.Mutex
}

// Sync makes path an up-to-date checkout of cloneURL's default branch.
// A directory without a .git is wiped and re-cloned; an existing clone is
// fetched and hard-reset so local edits from a previous run never leak into
// the next one. Concurrent calls for the same path are serialised.
func (s *Syncer) Sync(ctx context.Context, cloneURL, path string) error {
	mu := s.repoMu(path)
	mu.Lock()
	defer mu.Unlock()

	env := s.gitEnv(cloneURL)

	gitDir := filepath.Join(path, ".git")
	if info, err := os.Stat(gitDir); err != nil || !info.IsDir() {
		if err := s.clone(ctx, env, cloneURL, path); err != nil {
			return err
		}
	} else {
		s.ensureRemote(ctx, env, cloneURL, path)
		s.fetch(ctx, env, path)
	}

	branch, err := s.defaultBranch(ctx, env, path)
	if err != nil {
		return err
	}

	// checkout -f -B resets the local branch to the remote tip and discards
	// any working-tree changes in one step.
	if out, err := s.git(ctx, env, "-C", path, "checkout", "-f", "-B", branch, "origin/"+branch); err != nil {
		return fmt.Errorf("git checkout %s failed: %s: %w", branch, out, err)
	}
	return nil
}

func (s *Syncer) clone(ctx context.Context, env []string, cloneURL, path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("clear workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	s.logger.Info("cloning repository",
		zap.String("url", cloneURL),
		zap.String("target", path))

	if out, err := s.git(ctx, env, "clone", cloneURL, path); err != nil {
		return fmt.Errorf("git clone failed: %s: %w", out, err)
	}
	return nil
}

// ensureRemote re-points origin when the repo URL changed since the clone was
// made, and re-resolves the origin/HEAD symref against the new remote.
func (s *Syncer) ensureRemote(ctx context.Context, env []string, cloneURL, path string) {
	current, err := s.git(ctx, env, "-C", path, "remote", "get-url", "origin")
	if err != nil || current == cloneURL {
		return
	}
	s.logger.Info("repository remote changed, re-pointing origin",
		zap.String("path", path),
		zap.String("url", cloneURL))
	if out, err := s.git(ctx, env, "-C", path, "remote", "set-url", "origin", cloneURL); err != nil {
		s.logger.Warn("git remote set-url failed (non-fatal)",
			zap.String("path", path),
			zap.String("output", out),
			zap.Error(err))
		return
	}
	if out, err := s.git(ctx, env, "-C", path, "remote", "set-head", "origin", "--auto"); err != nil {
		s.logger.Warn("git remote set-head failed (non-fatal)",
			zap.String("path", path),
			zap.String("output", out),
			zap.Error(err))
	}
}

func (s *Syncer) fetch(ctx context.Context, env []string, path string) {
	s.logger.Debug("workspace already cloned, fetching", zap.String("path", path))
	if out, err := s.git(ctx, env, "-C", path, "fetch", "--all", "--prune"); err != nil {
		s.logger.Warn("git fetch failed (non-fatal)",
			zap.String("path", path),
			zap.String("output", out),
			zap.Error(err))
	}
}

// defaultBranch resolves the branch to sync to: the remote HEAD symref when
// git recorded one, otherwise main, otherwise master.
func (s *Syncer) defaultBranch(ctx context.Context, env []string, path string) (string, error) {
	out, err := s.git(ctx, env, "-C", path, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err == nil {
		ref := strings.TrimSpace(out)
		if name := strings.TrimPrefix(ref, "origin/"); name != "" && name != ref {
			return name, nil
		}
	}

	for _, candidate := range []string{"main", "master"} {
		if _, err := s.git(ctx, env, "-C", path, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("cannot resolve default branch for %s", path)
}

func (s *Syncer) git(ctx context.Context, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// gitEnv returns the environment for git child processes. For ssh-style
// remotes with a stored deploy key it injects GIT_SSH_COMMAND so clones work
// without touching the operator's ~/.ssh.
func (s *Syncer) gitEnv(cloneURL string) []string {
	env := os.Environ()
	if s.auth == nil || !s.auth.HasSSHKey() || !isSSHURL(cloneURL) {
		return env
	}

	parts := []string{
		"ssh",
		"-i", s.auth.SSHKeyPath(),
		"-o", "IdentitiesOnly=yes",
	}
	if s.auth.HasKnownHosts() {
		parts = append(parts,
			"-o", "UserKnownHostsFile="+s.auth.KnownHostsPath(),
			"-o", "StrictHostKeyChecking=yes",
		)
	} else {
		parts = append(parts, "-o", "StrictHostKeyChecking=accept-new")
	}
	return append(env, "GIT_SSH_COMMAND="+strings.Join(parts, " "))
}

// isSSHURL reports whether a remote URL uses SSH transport, either the
// ssh:// scheme or the scp-like user@host:path form.
func isSSHURL(url string) bool {
	if strings.HasPrefix(url, "ssh://") {
		return true
	}
	return !strings.Contains(url, "://") && strings.Contains(url, "@")
}
