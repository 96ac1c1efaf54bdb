package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/apperr"
	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/events/bus"
)

// Store serializes every read-modify-write of the state document and persists
// it with tmp-then-rename so a crash mid-write leaves either the prior file or
// the new one, never a partial.
type Store struct {
	path string
	bus  *bus.Bus
	log  *logger.Logger
	now  func() time.Time

	mu  sync.Mutex
	doc *Document
}

// NewStore loads (or initializes) the document at path.
func NewStore(path string, eventBus *bus.Bus, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	s := &Store{
		path: path,
		bus:  eventBus,
		log:  log.WithFields(zap.String("component", "state-store")),
		now:  time.Now,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	doc, err := load(path)
	if err != nil {
		return nil, err
	}
	Normalize(doc)
	s.doc = doc

	s.log.Info("State loaded",
		zap.Int("projects", len(doc.Projects)),
		zap.Int("chats", len(doc.Chats)),
	)
	return s, nil
}

func load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	return &doc, nil
}

// SetClock overrides the store's clock. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// GetProject returns a copy of the project or a not-found error.
func (s *Store) GetProject(id string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.doc.Project(id)
	if p == nil {
		return nil, apperr.NotFound(fmt.Sprintf("project %s not found", id))
	}
	return p.Clone(), nil
}

// GetChat returns a copy of the chat or a not-found error.
func (s *Store) GetChat(id string) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.doc.Chat(id)
	if c == nil {
		return nil, apperr.NotFound(fmt.Sprintf("chat %s not found", id))
	}
	return c.Clone(), nil
}

// Update runs fn against the live document under the store lock, persists on
// success, and emits state_changed with the given reason. When fn returns an
// error nothing is written or emitted.
func (s *Store) Update(reason string, fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(s.doc); err != nil {
		return err
	}
	return s.persistLocked(reason)
}

// UpdateProject mutates one project. Not-found is returned before fn runs.
func (s *Store) UpdateProject(id, reason string, fn func(p *Project) error) error {
	return s.Update(reason, func(doc *Document) error {
		p := doc.Project(id)
		if p == nil {
			return apperr.NotFound(fmt.Sprintf("project %s not found", id))
		}
		p.UpdatedAt = s.now().UTC()
		return fn(p)
	})
}

// UpdateChat mutates one chat. Not-found is returned before fn runs.
func (s *Store) UpdateChat(id, reason string, fn func(c *Chat) error) error {
	return s.Update(reason, func(doc *Document) error {
		c := doc.Chat(id)
		if c == nil {
			return apperr.NotFound(fmt.Sprintf("chat %s not found", id))
		}
		c.UpdatedAt = s.now().UTC()
		return fn(c)
	})
}

// Save persists the current document and emits state_changed(reason) without
// running a mutation. Used after out-of-band document edits during startup.
func (s *Store) Save(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(reason)
}

// persistLocked writes the document atomically and fans out the change event.
// The bus never blocks, so holding the store lock across the publish is safe
// and keeps event order identical to write order.
func (s *Store) persistLocked(reason string) error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(events.NewAt(
			events.TypeStateChanged,
			events.StateChangedPayload{Reason: reason},
			s.now(),
		))
	}
	s.log.Debug("State saved", zap.String("reason", reason))
	return nil
}
