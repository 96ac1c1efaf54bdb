package agenttools

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/apperr"
)

// TempSession is a token session for one-off runs that have no chat record,
// such as auto-configuring a new project. It lives only in memory and
// disappears with the process. Temporary sessions accept ACKs and credential
// calls but never artifacts.
type TempSession struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	Guid      string    `json:"guid"`
	CreatedAt time.Time `json:"created_at"`

	Stage string         `json:"stage,omitempty"`
	AckAt *time.Time     `json:"ack_at,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`

	tokenHash string
}

func (t *TempSession) clone() *TempSession {
	out := *t
	if t.AckAt != nil {
		at := *t.AckAt
		out.AckAt = &at
	}
	if t.Meta != nil {
		out.Meta = make(map[string]any, len(t.Meta))
		for k, v := range t.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}

// CreateTempSession mints a temporary session and returns it with the raw
// token. This is the only time the token leaves the registry.
func (s *Service) CreateTempSession(projectID string) (*TempSession, string, error) {
	token, hash, err := NewPublishToken()
	if err != nil {
		return nil, "", apperr.Internal(err.Error())
	}

	ts := &TempSession{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Guid:      uuid.New().String(),
		CreatedAt: s.now().UTC(),
		tokenHash: hash,
	}

	s.mu.Lock()
	s.temp[ts.ID] = ts
	s.mu.Unlock()

	s.log.Info("temporary agent tools session created",
		zap.String("session_id", ts.ID),
		zap.String("project_id", projectID))
	return ts.clone(), token, nil
}

// TempSession returns a copy of the temporary session with the given id.
func (s *Service) TempSession(id string) (*TempSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.temp[id]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("session %s not found", id))
	}
	return ts.clone(), nil
}

// RemoveTempSession drops a temporary session. Unknown ids are a no-op.
func (s *Service) RemoveTempSession(id string) {
	s.mu.Lock()
	delete(s.temp, id)
	s.mu.Unlock()
}

func (s *Service) lookupTemp(id string) (*TempSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.temp[id]
	return ts, ok
}
