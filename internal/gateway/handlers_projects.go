package gateway

import (
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/chat"
	"github.com/agenthub/agenthub/internal/common/apperr"
	"github.com/agenthub/agenthub/internal/snapshot"
	"github.com/agenthub/agenthub/internal/state"
)

type projectCreateRequest struct {
	Name            string           `json:"name"`
	RepoURL         string           `json:"repo_url"`
	DefaultBranch   string           `json:"default_branch"`
	SetupScript     string           `json:"setup_script"`
	BaseImage       *state.BaseImage `json:"base_image"`
	DefaultROMounts []state.Mount    `json:"default_ro_mounts"`
	DefaultRWMounts []state.Mount    `json:"default_rw_mounts"`
	DefaultEnvVars  []state.EnvVar   `json:"default_env_vars"`
}

func (s *Server) handleProjectCreate(c *gin.Context) {
	var req projectCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.RepoURL = strings.TrimSpace(req.RepoURL)
	if req.Name == "" {
		respondErr(c, apperr.InvalidRequest("name is required"))
		return
	}
	if req.RepoURL == "" {
		respondErr(c, apperr.InvalidRequest("repo_url is required"))
		return
	}
	baseImage := state.BaseImage{Mode: state.BaseImageTag}
	if req.BaseImage != nil {
		baseImage = *req.BaseImage
	}
	if err := validateBaseImage(baseImage); err != nil {
		respondErr(c, err)
		return
	}
	if err := state.ValidateMounts(req.DefaultROMounts); err != nil {
		respondErr(c, err)
		return
	}
	if err := state.ValidateMounts(req.DefaultRWMounts); err != nil {
		respondErr(c, err)
		return
	}
	if err := state.ValidateEnvVars(req.DefaultEnvVars); err != nil {
		respondErr(c, err)
		return
	}

	now := s.now().UTC()
	p := &state.Project{
		ID:              uuid.New().String(),
		Name:            req.Name,
		RepoURL:         req.RepoURL,
		DefaultBranch:   strings.TrimSpace(req.DefaultBranch),
		SetupScript:     req.SetupScript,
		BaseImage:       baseImage,
		DefaultROMounts: emptyIfNil(req.DefaultROMounts),
		DefaultRWMounts: emptyIfNil(req.DefaultRWMounts),
		DefaultEnvVars:  emptyIfNil(req.DefaultEnvVars),
		BuildStatus:     state.BuildPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Update("project_created", func(doc *state.Document) error {
		doc.Projects = append(doc.Projects, p)
		return nil
	}); err != nil {
		respondErr(c, err)
		return
	}

	s.log.Info("project created",
		zap.String("project_id", p.ID), zap.String("name", p.Name))
	if s.builder != nil {
		s.builder.Ensure(p.ID)
	}
	c.JSON(http.StatusCreated, gin.H{"project": p})
}

type projectPatchRequest struct {
	Name            *string          `json:"name"`
	RepoURL         *string          `json:"repo_url"`
	DefaultBranch   *string          `json:"default_branch"`
	SetupScript     *string          `json:"setup_script"`
	BaseImage       *state.BaseImage `json:"base_image"`
	DefaultROMounts *[]state.Mount   `json:"default_ro_mounts"`
	DefaultRWMounts *[]state.Mount   `json:"default_rw_mounts"`
	DefaultEnvVars  *[]state.EnvVar  `json:"default_env_vars"`
}

// handleProjectPatch applies a partial edit. Any change that feeds the
// snapshot fingerprint resets the build to pending and re-kicks the builder.
func (s *Server) handleProjectPatch(c *gin.Context) {
	id := c.Param("id")
	var req projectPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		respondErr(c, apperr.InvalidRequest("name must not be empty"))
		return
	}
	if req.RepoURL != nil && strings.TrimSpace(*req.RepoURL) == "" {
		respondErr(c, apperr.InvalidRequest("repo_url must not be empty"))
		return
	}
	if req.BaseImage != nil {
		if err := validateBaseImage(*req.BaseImage); err != nil {
			respondErr(c, err)
			return
		}
	}
	if req.DefaultROMounts != nil {
		if err := state.ValidateMounts(*req.DefaultROMounts); err != nil {
			respondErr(c, err)
			return
		}
	}
	if req.DefaultRWMounts != nil {
		if err := state.ValidateMounts(*req.DefaultRWMounts); err != nil {
			respondErr(c, err)
			return
		}
	}
	if req.DefaultEnvVars != nil {
		if err := state.ValidateEnvVars(*req.DefaultEnvVars); err != nil {
			respondErr(c, err)
			return
		}
	}

	dirty := false
	err := s.store.UpdateProject(id, "project_updated", func(p *state.Project) error {
		if req.Name != nil {
			p.Name = strings.TrimSpace(*req.Name)
		}
		if req.RepoURL != nil && strings.TrimSpace(*req.RepoURL) != p.RepoURL {
			p.RepoURL = strings.TrimSpace(*req.RepoURL)
			dirty = true
		}
		if req.DefaultBranch != nil && strings.TrimSpace(*req.DefaultBranch) != p.DefaultBranch {
			p.DefaultBranch = strings.TrimSpace(*req.DefaultBranch)
			dirty = true
		}
		if req.SetupScript != nil && *req.SetupScript != p.SetupScript {
			p.SetupScript = *req.SetupScript
			dirty = true
		}
		if req.BaseImage != nil && *req.BaseImage != p.BaseImage {
			p.BaseImage = *req.BaseImage
			dirty = true
		}
		if req.DefaultROMounts != nil && !slices.Equal(*req.DefaultROMounts, p.DefaultROMounts) {
			p.DefaultROMounts = append([]state.Mount{}, (*req.DefaultROMounts)...)
			dirty = true
		}
		if req.DefaultRWMounts != nil && !slices.Equal(*req.DefaultRWMounts, p.DefaultRWMounts) {
			p.DefaultRWMounts = append([]state.Mount{}, (*req.DefaultRWMounts)...)
			dirty = true
		}
		if req.DefaultEnvVars != nil && !slices.Equal(*req.DefaultEnvVars, p.DefaultEnvVars) {
			p.DefaultEnvVars = append([]state.EnvVar{}, (*req.DefaultEnvVars)...)
			dirty = true
		}
		if dirty {
			p.SetupSnapshotImage = ""
			p.BuildStatus = state.BuildPending
			p.BuildError = ""
			p.BuildStartedAt = nil
			p.BuildFinishedAt = nil
		}
		return nil
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	if dirty && s.builder != nil {
		s.builder.Ensure(id)
	}
	p, err := s.store.GetProject(id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": p})
}

func (s *Server) handleProjectDelete(c *gin.Context) {
	if err := s.chats.DeleteProject(c.Request.Context(), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleProjectBuildLogs(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetProject(id); err != nil {
		respondErr(c, err)
		return
	}
	data, err := os.ReadFile(snapshot.BuildLogPath(s.cfg, id))
	if err != nil && !os.IsNotExist(err) {
		respondErr(c, apperr.Internal(fmt.Sprintf("read build log: %v", err)))
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

type projectChatStartRequest struct {
	AgentType state.AgentType `json:"agent_type"`
	AgentArgs []string        `json:"agent_args"`
	RequestID string          `json:"request_id"`
}

// handleProjectChatStart creates a chat under the project and immediately
// starts it. A request_id makes retries return the already-started chat
// instead of spawning a second one.
func (s *Server) handleProjectChatStart(c *gin.Context) {
	projectID := c.Param("id")
	var req projectChatStartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondErr(c, apperr.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
			return
		}
	}

	if req.RequestID != "" {
		chatID, claimed := s.claimStartRequest(req.RequestID)
		if !claimed {
			if chatID == "" {
				respondErr(c, apperr.Conflict("a chat start with this request_id is already in flight"))
				return
			}
			existing, err := s.store.GetChat(chatID)
			if err != nil {
				respondErr(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"chat": existing})
			return
		}
	}

	created, err := s.chats.Create(chat.CreateRequest{
		ProjectID: projectID,
		AgentType: req.AgentType,
		AgentArgs: req.AgentArgs,
	})
	if err != nil {
		s.settleStartRequest(req.RequestID, "")
		respondErr(c, err)
		return
	}
	started, err := s.chats.Start(c.Request.Context(), created.ID)
	if err != nil {
		s.settleStartRequest(req.RequestID, "")
		respondErr(c, err)
		return
	}
	s.settleStartRequest(req.RequestID, started.ID)
	c.JSON(http.StatusCreated, gin.H{"chat": started})
}

// claimStartRequest reserves a request id. The second return is false when
// the id was already claimed; the first is the chat it settled to, or empty
// while the original request is still in flight.
func (s *Server) claimStartRequest(requestID string) (string, bool) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if chatID, ok := s.startReqs[requestID]; ok {
		return chatID, false
	}
	s.startReqs[requestID] = ""
	return "", true
}

// settleStartRequest records the started chat for a claimed request id, or
// releases the claim when chatID is empty so a retry can run.
func (s *Server) settleStartRequest(requestID, chatID string) {
	if requestID == "" {
		return
	}
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if chatID == "" {
		delete(s.startReqs, requestID)
		return
	}
	s.startReqs[requestID] = chatID
}

func validateBaseImage(b state.BaseImage) error {
	switch b.Mode {
	case state.BaseImageTag, "":
	case state.BaseImageRepoPath:
		if strings.TrimSpace(b.Value) == "" {
			return apperr.InvalidRequest("base_image.value is required for repo_path mode")
		}
	default:
		return apperr.InvalidRequest(fmt.Sprintf("unknown base_image.mode %q", b.Mode))
	}
	return nil
}

func emptyIfNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
