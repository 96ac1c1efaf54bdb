// Package main is the entry point for the Agent Hub.
// The single binary runs the full control plane: REST/WebSocket facade,
// snapshot builder, chat supervisor and credential vault share one process
// and one state file.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	// Common packages
	"github.com/agenthub/agenthub/internal/common/config"
	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/common/tracing"

	// Event bus
	"github.com/agenthub/agenthub/internal/events/bus"

	// Hub components
	"github.com/agenthub/agenthub/internal/agenttools"
	"github.com/agenthub/agenthub/internal/chat"
	"github.com/agenthub/agenthub/internal/gateway"
	"github.com/agenthub/agenthub/internal/gitrepo"
	"github.com/agenthub/agenthub/internal/images"
	"github.com/agenthub/agenthub/internal/metrics"
	"github.com/agenthub/agenthub/internal/profiles"
	"github.com/agenthub/agenthub/internal/secrets"
	"github.com/agenthub/agenthub/internal/snapshot"
	"github.com/agenthub/agenthub/internal/state"
	"github.com/agenthub/agenthub/internal/title"
)

var rootCmd = &cobra.Command{
	Use:   "agent-hub",
	Short: "Agent Hub - single-host control plane for coding agent chats",
	Long: `Agent Hub launches, supervises and multiplexes interactive coding-agent
sessions in disposable containers, one cloned workspace per chat.

The hub exposes:
  - REST API for projects, chats, credentials and artifacts
  - WebSocket endpoints for state events and chat terminals
  - Static frontend assets when a build is present

Example:
  agent-hub --data-dir ~/.agent-hub --port 8765`,
	SilenceUsage: true,
	RunE:         run,
}

var (
	flagDataDir         string
	flagConfigFile      string
	flagHost            string
	flagPort            int
	flagCleanStart      bool
	flagLogLevel        string
	flagNoFrontendBuild bool
)

func init() {
	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", "",
		"Hub data directory (state, workspaces, logs, secrets); default ~/.agent-hub")
	rootCmd.Flags().StringVar(&flagConfigFile, "config-file", "",
		"Path to a config.yaml (or a directory containing one)")
	rootCmd.Flags().StringVar(&flagHost, "host", "0.0.0.0",
		"Address the HTTP server binds to")
	rootCmd.Flags().IntVar(&flagPort, "port", 8765,
		"Port the HTTP server binds to")
	rootCmd.Flags().BoolVar(&flagCleanStart, "clean-start", false,
		"Wipe workspaces, logs and chat state before serving")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.Flags().BoolVar(&flagNoFrontendBuild, "no-frontend-build", false,
		"Skip the frontend dist check at startup")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Load configuration. Flags win over config file and environment,
	// but only when set explicitly.
	cfg, err := config.LoadWithPath(flagConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Data.Dir = flagDataDir
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = flagHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = flagPort
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = flagLogLevel
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Agent Hub",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("data_dir", cfg.Data.Dir),
	)

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory, NATS mirror if configured)
	eventBus, busCleanup, err := bus.Provide(cfg, log)
	if err != nil {
		log.Error("Failed to initialize event bus", zap.Error(err))
		return err
	}
	metrics.RegisterBus(eventBus)

	// 5. Load persisted state
	store, err := state.NewStore(cfg.Data.StateFile(), eventBus, log)
	if err != nil {
		log.Error("Failed to load state", zap.Error(err), zap.String("path", cfg.Data.StateFile()))
		return err
	}

	// 6. Credential vault, auth.json watcher, account login manager
	vault, err := secrets.NewVault(cfg.Data.SecretsDir(), cfg.AgentCLI.AuthJSONPath(), eventBus, log)
	if err != nil {
		log.Error("Failed to initialize credential vault", zap.Error(err))
		return err
	}
	watcher, err := secrets.NewAuthWatcher(vault, log)
	if err != nil {
		log.Warn("Auth file watcher unavailable - account status updates on demand only", zap.Error(err))
		watcher = nil
	} else {
		go watcher.Run(ctx)
	}
	login := secrets.NewLoginManager(cfg.AgentCLI, eventBus, log)

	// 7. Docker image inspector. A dead daemon degrades builds and chat
	// starts to clean errors instead of taking the hub down.
	var imageStore imageClient
	dockerClient, err := images.NewClient(ctx, cfg.Docker, log)
	if err != nil {
		log.Warn("Docker daemon not available - snapshot builds and chat starts will fail", zap.Error(err))
		imageStore = unavailableImages{err: err}
	} else {
		defer dockerClient.Close()
		imageStore = dockerClient
	}

	// 8. Git workspace syncer (vault supplies SSH material for ssh remotes)
	syncer := gitrepo.NewSyncer(vault, log)

	// 9. Launch profile catalog (embedded defaults + data-dir override)
	catalog, err := profiles.Load(cfg.Data.Dir)
	if err != nil {
		log.Error("Failed to load launch profiles", zap.Error(err))
		return err
	}

	// 10. Snapshot builder
	builder := snapshot.NewBuilder(cfg, store, eventBus, syncer, imageStore, log)

	// 11. Chat supervisor with agent-tools service and title pipeline
	supervisor := chat.NewSupervisor(cfg, store, vault, syncer, imageStore, catalog, log)
	titles := title.NewPipeline(cfg, store, vault, log)
	supervisor.SetTitler(titles)
	tools := agenttools.NewService(store, vault, log)

	// 12. Optional clean start, then resume pending snapshot builds
	if flagCleanStart {
		if err := supervisor.CleanStart(ctx); err != nil {
			log.Error("Clean start failed", zap.Error(err))
			return err
		}
		log.Info("Clean start completed")
	}
	builder.EnsureAll()

	if !flagNoFrontendBuild {
		if _, err := os.Stat(filepath.Join(cfg.Frontend.DistDir, "index.html")); err != nil {
			log.Warn("Frontend assets not found - the UI will show a build hint page",
				zap.String("dist_dir", cfg.Frontend.DistDir))
		}
	}

	// 13. HTTP facade
	srv := gateway.NewServer(cfg, store, eventBus, vault, login, builder, supervisor, tools, catalog, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("base_url", cfg.Server.BaseURL()),
		zap.String("events", "/api/events"),
		zap.String("health", "/healthz"),
		zap.String("metrics", "/metrics"),
	)

	// 14. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Agent Hub...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := supervisor.Shutdown(); err != nil {
		log.Error("Chat supervisor shutdown error", zap.Error(err))
	}

	titles.Close()
	builder.Stop()

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			log.Error("Auth watcher close error", zap.Error(err))
		}
	}

	busCleanup()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Agent Hub stopped")
	return nil
}

// imageClient is the union of what the builder and the supervisor need from
// the image store.
type imageClient interface {
	HasImage(ctx context.Context, tag string) (bool, error)
	RemoveImage(ctx context.Context, tag string) error
}

// unavailableImages stands in when the Docker daemon cannot be reached at
// boot. Every lookup fails with the original connection error, which builds
// persist and chat starts surface as an upstream failure.
type unavailableImages struct{ err error }

func (u unavailableImages) HasImage(ctx context.Context, tag string) (bool, error) {
	return false, u.err
}

func (u unavailableImages) RemoveImage(ctx context.Context, tag string) error {
	return u.err
}
