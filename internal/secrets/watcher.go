package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/logger"
)

// AuthWatcher observes the codex auth.json written by the container login
// flow and emits auth_changed when the token appears, changes, or is removed.
// The hub itself never writes that file.
type AuthWatcher struct {
	vault   *Vault
	watcher *fsnotify.Watcher
	log     *logger.Logger
}

// NewAuthWatcher watches the directory containing auth.json. The directory is
// created when missing so the watch can be established before the first login.
func NewAuthWatcher(vault *Vault, log *logger.Logger) (*AuthWatcher, error) {
	dir := filepath.Dir(vault.AuthJSONPath())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create auth token directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &AuthWatcher{
		vault:   vault,
		watcher: watcher,
		log:     log.WithFields(zap.String("component", "auth-watcher")),
	}, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *AuthWatcher) Run(ctx context.Context) {
	target := w.vault.AuthJSONPath()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != target {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Write):
				w.log.Info("Account token updated", zap.String("op", event.Op.String()))
				w.vault.EmitAuthChanged("openai_account")
			case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
				w.log.Info("Account token removed")
				w.vault.EmitAuthChanged("openai_account")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("Auth watcher error", zap.Error(err))
		}
	}
}

// Close stops the underlying watcher.
func (w *AuthWatcher) Close() error {
	return w.watcher.Close()
}
