package chat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/apperr"
	"github.com/agenthub/agenthub/internal/common/stringutil"
	"github.com/agenthub/agenthub/internal/snapshot"
	"github.com/agenthub/agenthub/internal/state"
)

// CreateRequest carries the client-settable fields of a new chat. Nil slices
// inherit the project defaults; non-nil empty slices stay empty.
type CreateRequest struct {
	ProjectID string
	Name      string
	AgentType state.AgentType
	ROMounts  []state.Mount
	RWMounts  []state.Mount
	EnvVars   []state.EnvVar
	AgentArgs []string
}

// Create registers a stopped chat under a project.
func (s *Supervisor) Create(req CreateRequest) (*state.Chat, error) {
	if err := state.ValidateAgentType(req.AgentType); err != nil {
		return nil, err
	}
	if err := state.ValidateMounts(req.ROMounts); err != nil {
		return nil, err
	}
	if err := state.ValidateMounts(req.RWMounts); err != nil {
		return nil, err
	}
	if err := state.ValidateEnvVars(req.EnvVars); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	now := s.now().UTC()
	var created *state.Chat
	err := s.store.Update("chat_created", func(doc *state.Document) error {
		p := doc.Project(req.ProjectID)
		if p == nil {
			return apperr.NotFound(fmt.Sprintf("project %s not found", req.ProjectID))
		}
		c := &state.Chat{
			ID:        id,
			ProjectID: p.ID,
			Name:      strings.TrimSpace(req.Name),
			AgentType: req.AgentType,
			Workspace: s.workspacePath(p.Name, id),
			ROMounts:  req.ROMounts,
			RWMounts:  req.RWMounts,
			EnvVars:   req.EnvVars,
			AgentArgs: req.AgentArgs,
			Status:    state.ChatStopped,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if c.Name == "" {
			c.Name = state.DefaultChatName(id)
		}
		if c.AgentType == "" {
			c.AgentType = state.AgentCodex
		}
		if c.ROMounts == nil {
			c.ROMounts = append([]state.Mount{}, p.DefaultROMounts...)
		}
		if c.RWMounts == nil {
			c.RWMounts = append([]state.Mount{}, p.DefaultRWMounts...)
		}
		if c.EnvVars == nil {
			c.EnvVars = append([]state.EnvVar{}, p.DefaultEnvVars...)
		}
		if c.AgentArgs == nil {
			c.AgentArgs = []string{}
		}
		c.TitlePromptHistory = []string{}
		c.Artifacts = []state.Artifact{}
		c.CurrentArtifactIDs = []string{}
		c.ArtifactHistory = []state.ArtifactGroup{}
		doc.Chats = append(doc.Chats, c)
		created = c.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("chat created",
		zap.String("chat_id", id),
		zap.String("project_id", req.ProjectID),
		zap.String("agent_type", string(created.AgentType)))
	return created, nil
}

// UpdateRequest is a partial chat update; nil fields stay unchanged. Edits to
// a running chat are recorded and take effect on the next start.
type UpdateRequest struct {
	Name      *string
	AgentType *state.AgentType
	ROMounts  *[]state.Mount
	RWMounts  *[]state.Mount
	EnvVars   *[]state.EnvVar
	AgentArgs *[]string
}

// Update applies a partial edit to a chat.
func (s *Supervisor) Update(chatID string, req UpdateRequest) (*state.Chat, error) {
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, apperr.InvalidRequest("name must not be empty")
	}
	if req.AgentType != nil {
		if *req.AgentType == "" {
			return nil, apperr.InvalidRequest("agent_type must not be empty")
		}
		if err := state.ValidateAgentType(*req.AgentType); err != nil {
			return nil, err
		}
	}
	if req.ROMounts != nil {
		if err := state.ValidateMounts(*req.ROMounts); err != nil {
			return nil, err
		}
	}
	if req.RWMounts != nil {
		if err := state.ValidateMounts(*req.RWMounts); err != nil {
			return nil, err
		}
	}
	if req.EnvVars != nil {
		if err := state.ValidateEnvVars(*req.EnvVars); err != nil {
			return nil, err
		}
	}

	err := s.store.UpdateChat(chatID, "chat_updated", func(c *state.Chat) error {
		if req.Name != nil {
			c.Name = strings.TrimSpace(*req.Name)
		}
		if req.AgentType != nil {
			c.AgentType = *req.AgentType
		}
		if req.ROMounts != nil {
			c.ROMounts = append([]state.Mount{}, (*req.ROMounts)...)
		}
		if req.RWMounts != nil {
			c.RWMounts = append([]state.Mount{}, (*req.RWMounts)...)
		}
		if req.EnvVars != nil {
			c.EnvVars = append([]state.EnvVar{}, (*req.EnvVars)...)
		}
		if req.AgentArgs != nil {
			c.AgentArgs = append([]string{}, (*req.AgentArgs)...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.store.GetChat(chatID)
}

// Delete removes a stopped chat together with its workspace and terminal log.
func (s *Supervisor) Delete(chatID string) error {
	s.mu.Lock()
	_, live := s.running[chatID]
	s.mu.Unlock()
	if live {
		return apperr.Conflict(fmt.Sprintf("chat %s is running, close it first", chatID))
	}

	var workspace string
	err := s.store.Update("chat_deleted", func(doc *state.Document) error {
		c := doc.Chat(chatID)
		if c == nil {
			return apperr.NotFound(fmt.Sprintf("chat %s not found", chatID))
		}
		if c.Status == state.ChatRunning || c.Status == state.ChatStarting {
			return apperr.Conflict(fmt.Sprintf("chat %s is running, close it first", chatID))
		}
		workspace = c.Workspace
		doc.RemoveChat(chatID)
		return nil
	})
	if err != nil {
		return err
	}

	if workspace != "" {
		if insideDir(s.cfg.Data.ChatsDir(), workspace) {
			if err := os.RemoveAll(workspace); err != nil {
				s.logger.Warn("remove chat workspace", zap.String("chat_id", chatID), zap.Error(err))
			}
		} else {
			s.logger.Warn("refusing to remove workspace outside chats dir",
				zap.String("chat_id", chatID), zap.String("workspace", workspace))
		}
	}
	if err := os.Remove(LogPath(s.cfg, chatID)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("remove chat log", zap.String("chat_id", chatID), zap.Error(err))
	}
	s.logger.Info("chat deleted", zap.String("chat_id", chatID))
	return nil
}

// DeleteProject removes a project that has no chats, along with its cached
// clone, build log and snapshot image.
func (s *Supervisor) DeleteProject(ctx context.Context, projectID string) error {
	var tag string
	err := s.store.Update("project_deleted", func(doc *state.Document) error {
		p := doc.Project(projectID)
		if p == nil {
			return apperr.NotFound(fmt.Sprintf("project %s not found", projectID))
		}
		if n := len(doc.ChatsForProject(projectID)); n > 0 {
			return apperr.Conflict(fmt.Sprintf("project %s still has %d chats", projectID, n))
		}
		tag = p.SetupSnapshotImage
		doc.RemoveProject(projectID)
		return nil
	})
	if err != nil {
		return err
	}

	if err := os.RemoveAll(filepath.Join(s.cfg.Data.ProjectsDir(), projectID)); err != nil {
		s.logger.Warn("remove project clone", zap.String("project_id", projectID), zap.Error(err))
	}
	if err := os.Remove(snapshot.BuildLogPath(s.cfg, projectID)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("remove build log", zap.String("project_id", projectID), zap.Error(err))
	}
	if tag != "" && s.images != nil {
		if err := s.images.RemoveImage(ctx, tag); err != nil {
			s.logger.Warn("remove snapshot image", zap.String("image", tag), zap.Error(err))
		}
	}
	s.logger.Info("project deleted", zap.String("project_id", projectID))
	return nil
}

// CleanStart resets every project and chat to a cold state and wipes
// workspaces, clones, logs and snapshot images. Runs at boot before any
// build or chat is started.
func (s *Supervisor) CleanStart(ctx context.Context) error {
	var tags []string
	err := s.store.Update("clean_start", func(doc *state.Document) error {
		now := s.now().UTC()
		for _, p := range doc.Projects {
			if p.SetupSnapshotImage != "" {
				tags = append(tags, p.SetupSnapshotImage)
			}
			p.SetupSnapshotImage = ""
			p.BuildStatus = state.BuildPending
			p.BuildError = ""
			p.BuildStartedAt = nil
			p.BuildFinishedAt = nil
			p.UpdatedAt = now
		}
		for _, c := range doc.Chats {
			c.Status = state.ChatStopped
			c.PID = 0
			c.PublishTokenHash = ""
			c.PublishTokenIssuedAt = nil
			c.ReadyAck = nil
			c.SnapshotImage = ""
			c.Artifacts = []state.Artifact{}
			c.CurrentArtifactIDs = []string{}
			c.ArtifactHistory = []state.ArtifactGroup{}
			c.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, dir := range []string{s.cfg.Data.ChatsDir(), s.cfg.Data.ProjectsDir(), s.cfg.Data.LogsDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("clean %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("recreate %s: %w", dir, err)
		}
	}
	if s.images != nil {
		for _, tag := range tags {
			if err := s.images.RemoveImage(ctx, tag); err != nil {
				s.logger.Warn("remove snapshot image", zap.String("image", tag), zap.Error(err))
			}
		}
	}
	s.logger.Info("clean start completed", zap.Int("images_removed", len(tags)))
	return nil
}

// workspacePath is where a chat's clone lives.
func (s *Supervisor) workspacePath(projectName, chatID string) string {
	return filepath.Join(s.cfg.Data.ChatsDir(), stringutil.SanitizePathComponent(projectName)+"_"+chatID)
}

// insideDir reports whether path sits beneath dir.
func insideDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
