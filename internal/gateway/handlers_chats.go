package gateway

import (
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/chat"
	"github.com/agenthub/agenthub/internal/common/apperr"
	"github.com/agenthub/agenthub/internal/state"
)

type chatCreateRequest struct {
	ProjectID string          `json:"project_id"`
	Name      string          `json:"name"`
	AgentType state.AgentType `json:"agent_type"`
	ROMounts  []state.Mount   `json:"ro_mounts"`
	RWMounts  []state.Mount   `json:"rw_mounts"`
	EnvVars   []state.EnvVar  `json:"env_vars"`
	AgentArgs []string        `json:"agent_args"`
}

func (s *Server) handleChatCreate(c *gin.Context) {
	var req chatCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	created, err := s.chats.Create(chat.CreateRequest{
		ProjectID: req.ProjectID,
		Name:      req.Name,
		AgentType: req.AgentType,
		ROMounts:  req.ROMounts,
		RWMounts:  req.RWMounts,
		EnvVars:   req.EnvVars,
		AgentArgs: req.AgentArgs,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"chat": created})
}

type chatPatchRequest struct {
	Name      *string          `json:"name"`
	AgentType *state.AgentType `json:"agent_type"`
	ROMounts  *[]state.Mount   `json:"ro_mounts"`
	RWMounts  *[]state.Mount   `json:"rw_mounts"`
	EnvVars   *[]state.EnvVar  `json:"env_vars"`
	AgentArgs *[]string        `json:"agent_args"`
}

func (s *Server) handleChatPatch(c *gin.Context) {
	var req chatPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	updated, err := s.chats.Update(c.Param("id"), chat.UpdateRequest{
		Name:      req.Name,
		AgentType: req.AgentType,
		ROMounts:  req.ROMounts,
		RWMounts:  req.RWMounts,
		EnvVars:   req.EnvVars,
		AgentArgs: req.AgentArgs,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": updated})
}

func (s *Server) handleChatDelete(c *gin.Context) {
	if err := s.chats.Delete(c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleChatStart(c *gin.Context) {
	started, err := s.chats.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": started})
}

func (s *Server) handleChatClose(c *gin.Context) {
	closed, err := s.chats.Close(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": closed})
}

// handleChatLogs serves the raw terminal transcript. A chat that never ran
// has no log file yet; that is an empty document, not an error.
func (s *Server) handleChatLogs(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetChat(id); err != nil {
		respondErr(c, err)
		return
	}
	data, err := os.ReadFile(chat.LogPath(s.cfg, id))
	if err != nil && !os.IsNotExist(err) {
		respondErr(c, apperr.Internal(fmt.Sprintf("read chat log: %v", err)))
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

type titlePromptRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleTitlePrompt(c *gin.Context) {
	id := c.Param("id")
	var req titlePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if err := s.chats.RecordPrompt(id, req.Prompt); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": id, "recorded": true})
}

// artifactView decorates a stored artifact with the URL a browser can
// fetch it from.
type artifactView struct {
	state.Artifact
	DownloadURL string `json:"download_url"`
}

func (s *Server) artifactView(chatID string, a state.Artifact) artifactView {
	return artifactView{
		Artifact:    a,
		DownloadURL: fmt.Sprintf("/api/chats/%s/artifacts/%s/download", chatID, a.ID),
	}
}

func (s *Server) handleArtifactList(c *gin.Context) {
	id := c.Param("id")
	records, err := s.tools.ListArtifacts(id)
	if err != nil {
		respondErr(c, err)
		return
	}
	views := make([]artifactView, 0, len(records))
	for _, a := range records {
		views = append(views, s.artifactView(id, a))
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": views})
}

func (s *Server) handleArtifactDownload(c *gin.Context) {
	record, abs, err := s.tools.OpenArtifact(c.Param("id"), c.Param("aid"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.FileAttachment(abs, record.Name)
}
