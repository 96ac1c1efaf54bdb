package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/profiles"
	"github.com/agenthub/agenthub/internal/secrets"
	"github.com/agenthub/agenthub/internal/state"
)

// statePayload is the full document served by GET /api/state and the first
// frame of the events websocket.
type statePayload struct {
	Version  int              `json:"version"`
	Projects []*state.Project `json:"projects"`
	Chats    []*state.Chat    `json:"chats"`
	Settings settingsPayload  `json:"settings"`
}

// settingsPayload is assembled per request from the vault and hub config; it
// is never persisted into the state document.
type settingsPayload struct {
	Providers  secrets.ProvidersStatus `json:"providers"`
	TitleModel string                  `json:"title_model"`
	BaseURL    string                  `json:"base_url"`
	DataDir    string                  `json:"data_dir"`
}

func (s *Server) statePayload() statePayload {
	doc := s.store.Snapshot()
	return statePayload{
		Version:  doc.Version,
		Projects: doc.Projects,
		Chats:    doc.Chats,
		Settings: s.settingsPayload(),
	}
}

func (s *Server) settingsPayload() settingsPayload {
	out := settingsPayload{
		TitleModel: s.cfg.Title.Model,
		BaseURL:    s.cfg.Server.BaseURL(),
		DataDir:    s.cfg.Data.Dir,
	}
	if s.vault != nil {
		out.Providers = s.vault.Status()
	}
	return out
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.statePayload())
}

func (s *Server) handleLaunchProfiles(c *gin.Context) {
	list := []profiles.Profile{}
	if s.catalog != nil {
		list = s.catalog.All()
	}
	c.JSON(http.StatusOK, gin.H{"profiles": list})
}
