// Package gateway is the hub's HTTP facade: the JSON REST surface, the two
// websockets (state events and chat terminals), the token-authenticated
// agent-tools routes called from inside containers, and the static frontend.
// Handlers translate service errors into {status, kind, message} exactly once
// at this boundary.
package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/agenttools"
	"github.com/agenthub/agenthub/internal/chat"
	"github.com/agenthub/agenthub/internal/common/config"
	"github.com/agenthub/agenthub/internal/common/httpmw"
	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/events/bus"
	"github.com/agenthub/agenthub/internal/metrics"
	"github.com/agenthub/agenthub/internal/profiles"
	"github.com/agenthub/agenthub/internal/secrets"
	"github.com/agenthub/agenthub/internal/snapshot"
	"github.com/agenthub/agenthub/internal/state"
)

// Server wires every hub service into one gin engine.
type Server struct {
	cfg     *config.Config
	store   *state.Store
	bus     *bus.Bus
	vault   *secrets.Vault
	login   *secrets.LoginManager
	builder *snapshot.Builder
	chats   *chat.Supervisor
	tools   *agenttools.Service
	catalog *profiles.Catalog
	log     *logger.Logger

	// startReqs deduplicates POST /projects/:id/chats/start retries within
	// this process lifetime.
	reqMu     sync.Mutex
	startReqs map[string]string

	now    func() time.Time
	router *gin.Engine
}

// NewServer builds the facade. vault and login may be nil in tests.
func NewServer(
	cfg *config.Config,
	store *state.Store,
	eventBus *bus.Bus,
	vault *secrets.Vault,
	login *secrets.LoginManager,
	builder *snapshot.Builder,
	supervisor *chat.Supervisor,
	tools *agenttools.Service,
	catalog *profiles.Catalog,
	log *logger.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		store:     store,
		bus:       eventBus,
		vault:     vault,
		login:     login,
		builder:   builder,
		chats:     supervisor,
		tools:     tools,
		catalog:   catalog,
		log:       log.WithFields(zap.String("component", "gateway")),
		startReqs: make(map[string]string),
		now:       time.Now,
	}
	s.router = s.buildRouter()
	return s
}

// SetClock overrides time for tests.
func (s *Server) SetClock(now func() time.Time) { s.now = now }

// Router returns the configured engine. The caller owns the http.Server.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(httpmw.Recovery(s.log))
	r.Use(httpmw.CORS())
	r.Use(httpmw.RequestLogger(s.log, "agent-hub"))
	r.Use(httpmw.OtelTracing("agent-hub"))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	api.GET("/state", s.handleState)
	api.GET("/events", s.handleEventsWS)
	api.GET("/launch-profiles", s.handleLaunchProfiles)

	auth := api.Group("/settings/auth")
	auth.GET("", s.handleAuthSettings)
	auth.POST("/openai/connect", s.handleOpenAIConnect)
	auth.POST("/openai/disconnect", s.handleOpenAIDisconnect)
	auth.POST("/github/connect", s.handleGitHubConnect)
	auth.POST("/github/disconnect", s.handleGitHubDisconnect)
	auth.POST("/openai/account/start", s.handleAccountStart)
	auth.POST("/openai/account/cancel", s.handleAccountCancel)
	auth.GET("/openai/account/callback", s.handleAccountCallback)

	projects := api.Group("/projects")
	projects.POST("", s.handleProjectCreate)
	projects.PATCH("/:id", s.handleProjectPatch)
	projects.DELETE("/:id", s.handleProjectDelete)
	projects.GET("/:id/build-logs", s.handleProjectBuildLogs)
	projects.POST("/:id/chats/start", s.handleProjectChatStart)

	chats := api.Group("/chats")
	chats.POST("", s.handleChatCreate)
	chats.PATCH("/:id", s.handleChatPatch)
	chats.DELETE("/:id", s.handleChatDelete)
	chats.POST("/:id/start", s.handleChatStart)
	chats.POST("/:id/close", s.handleChatClose)
	chats.GET("/:id/logs", s.handleChatLogs)
	chats.GET("/:id/terminal", s.handleTerminalWS)
	chats.POST("/:id/title-prompt", s.handleTitlePrompt)
	chats.GET("/:id/artifacts", s.handleArtifactList)
	chats.GET("/:id/artifacts/:aid/download", s.handleArtifactDownload)

	// Container-facing surface, authenticated by the per-run publish token.
	chats.POST("/:id/artifacts/publish", s.requireAgentToken, s.handleArtifactPublish)
	tools := chats.Group("/:id/agent-tools", s.requireAgentToken)
	tools.POST("/artifacts/submit", s.handleArtifactPublish)
	tools.POST("/ack", s.handleAgentAck)
	tools.GET("/credentials", s.handleAgentCredentials)
	tools.POST("/credentials/resolve", s.handleAgentCredentialsResolve)
	tools.POST("/project-binding", s.handleAgentProjectBinding)

	sessions := api.Group("/agent-tools/sessions")
	sessions.POST("", s.handleToolSessionCreate)
	sessions.DELETE("/:id", s.handleToolSessionDelete)

	s.mountFrontend(r)
	return r
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
