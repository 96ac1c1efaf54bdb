package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/common/apperr"
	"github.com/agenthub/agenthub/internal/secrets"
)

// handleAuthSettings reports provider status plus any in-flight account
// login. Secret material never appears here, only presence flags.
func (s *Server) handleAuthSettings(c *gin.Context) {
	payload := gin.H{"providers": s.vault.Status()}
	if s.login != nil {
		payload["account_session"] = s.login.Session()
	}
	c.JSON(http.StatusOK, payload)
}

type openAIConnectRequest struct {
	APIKey string `json:"api_key"`
	Verify bool   `json:"verify"`
}

func (s *Server) handleOpenAIConnect(c *gin.Context) {
	var req openAIConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	status, err := s.vault.ConnectOpenAI(c.Request.Context(), req.APIKey, req.Verify)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": status})
}

func (s *Server) handleOpenAIDisconnect(c *gin.Context) {
	status, err := s.vault.DisconnectOpenAI()
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": status})
}

type githubConnectRequest struct {
	PrivateKey string `json:"private_key"`
	KnownHosts string `json:"known_hosts"`
}

func (s *Server) handleGitHubConnect(c *gin.Context) {
	var req githubConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	status, err := s.vault.ConnectGitHub(req.PrivateKey, req.KnownHosts)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": status})
}

func (s *Server) handleGitHubDisconnect(c *gin.Context) {
	status, err := s.vault.DisconnectGitHub()
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": status})
}

type accountStartRequest struct {
	Method string `json:"method"`
}

func (s *Server) handleAccountStart(c *gin.Context) {
	var req accountStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	session, err := s.login.Start(secrets.LoginMethod(req.Method))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (s *Server) handleAccountCancel(c *gin.Context) {
	session, err := s.login.Cancel()
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// handleAccountCallback relays the provider's OAuth redirect to the login
// child process and mirrors whatever it answers, so the browser finishes
// the flow against the hub's port alone.
func (s *Server) handleAccountCallback(c *gin.Context) {
	status, body, err := s.login.Callback(c.Request.Context(), c.Request.URL.RawQuery)
	if err != nil {
		respondErr(c, err)
		return
	}
	contentType := "text/html; charset=utf-8"
	if strings.HasPrefix(strings.TrimSpace(string(body)), "{") {
		contentType = "application/json"
	}
	c.Data(status, contentType, body)
}
