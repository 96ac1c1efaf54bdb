package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/agenttools"
	"github.com/agenthub/agenthub/internal/common/apperr"
)

// requireAgentToken gates the in-container surface. The agent presents the
// per-session token either as a bearer credential or in the dedicated
// header; the chat or temp session id comes from the route.
func (s *Server) requireAgentToken(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		token = c.GetHeader(agenttools.HeaderToken)
	}
	if token == "" {
		respondErr(c, apperr.Unauthorized("agent token required"))
		return
	}
	if err := s.tools.Authenticate(c.Param("id"), token); err != nil {
		respondErr(c, err)
		return
	}
	c.Next()
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// handleArtifactPublish stores the request body as a named artifact for
// the authenticated chat.
func (s *Server) handleArtifactPublish(c *gin.Context) {
	id := c.Param("id")
	name := c.GetHeader(agenttools.HeaderArtifactName)
	if name == "" {
		name = c.Query("name")
	}
	record, err := s.tools.PublishArtifact(id, name, c.Request.Body)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"artifact": s.artifactView(id, record)})
}

func (s *Server) handleAgentAck(c *gin.Context) {
	var req agenttools.AckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	ack, err := s.tools.Ack(c.Param("id"), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ack": ack})
}

func (s *Server) handleAgentCredentials(c *gin.Context) {
	infos, err := s.tools.ListCredentials(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": infos})
}

type credentialResolveRequest struct {
	CredentialIDs []string `json:"credential_ids"`
}

func (s *Server) handleAgentCredentialsResolve(c *gin.Context) {
	var req credentialResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	resolved, err := s.tools.ResolveCredentials(c.Param("id"), req.CredentialIDs)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": resolved})
}

func (s *Server) handleAgentProjectBinding(c *gin.Context) {
	var req agenttools.BindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	project, err := s.tools.BindProject(c.Param("id"), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project})
}

type toolSessionCreateRequest struct {
	ProjectID string `json:"project_id"`
}

// handleToolSessionCreate mints a project-scoped temp session for callers
// that are not chats, such as snapshot builds. The token is returned once
// and never stored in the clear.
func (s *Server) handleToolSessionCreate(c *gin.Context) {
	var req toolSessionCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if req.ProjectID != "" {
		if _, err := s.store.GetProject(req.ProjectID); err != nil {
			respondErr(c, err)
			return
		}
	}
	session, token, err := s.tools.CreateTempSession(req.ProjectID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session, "token": token})
}

func (s *Server) handleToolSessionDelete(c *gin.Context) {
	s.tools.RemoveTempSession(c.Param("id"))
	c.Status(http.StatusNoContent)
}
