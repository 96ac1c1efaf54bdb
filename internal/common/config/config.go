// Package config provides configuration management for Agent Hub.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Agent Hub.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Data     DataConfig     `mapstructure:"data"`
	Docker   DockerConfig   `mapstructure:"docker"`
	AgentCLI AgentCLIConfig `mapstructure:"agentCli"`
	Events   EventsConfig   `mapstructure:"events"`
	Build    BuildConfig    `mapstructure:"build"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Title    TitleConfig    `mapstructure:"title"`
	Frontend FrontendConfig `mapstructure:"frontend"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DataConfig holds the on-disk layout root.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// DockerConfig holds Docker client configuration for image inspection.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// AgentCLIConfig describes the external sandbox launcher the hub shells out to
// for snapshot builds, chat containers, and account login flows.
type AgentCLIConfig struct {
	// Command is the base command vector, e.g. ["agent-cli"].
	Command []string `mapstructure:"command"`

	// ConfigFile is passed through to the launcher as --config-file.
	ConfigFile string `mapstructure:"configFile"`

	// HomeDir is the agent home root; the codex OAuth token lands at
	// <homeDir>/<user>/.codex/auth.json.
	HomeDir string `mapstructure:"homeDir"`

	// User is the agent home subdirectory name.
	User string `mapstructure:"user"`

	// CodexBinary is the codex CLI used for account-bound title generation.
	CodexBinary string `mapstructure:"codexBinary"`
}

// EventsConfig holds event bus configuration. An empty NATS URL keeps events
// purely in-process; a URL additionally mirrors every envelope to NATS.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// BuildConfig holds snapshot builder configuration.
type BuildConfig struct {
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
}

// ChatConfig holds chat process supervision configuration.
type ChatConfig struct {
	StopTimeoutSeconds int `mapstructure:"stopTimeoutSeconds"`
	PTYCols            int `mapstructure:"ptyCols"`
	PTYRows            int `mapstructure:"ptyRows"`
}

// TitleConfig holds chat title generation configuration.
type TitleConfig struct {
	Model    string `mapstructure:"model"`
	MaxChars int    `mapstructure:"maxChars"`
}

// FrontendConfig holds static asset serving configuration.
type FrontendConfig struct {
	DistDir string `mapstructure:"distDir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// BaseURL returns the externally reachable hub base URL handed to containers.
func (s *ServerConfig) BaseURL() string {
	host := s.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// TimeoutDuration returns the build timeout as a time.Duration.
func (b *BuildConfig) TimeoutDuration() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// StopTimeoutDuration returns the graceful stop deadline as a time.Duration.
func (c *ChatConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

// StateFile returns the path of the persistent state document.
func (d *DataConfig) StateFile() string { return filepath.Join(d.Dir, "state.json") }

// ProjectsDir returns the directory holding cached project clones.
func (d *DataConfig) ProjectsDir() string { return filepath.Join(d.Dir, "projects") }

// ChatsDir returns the directory holding per-chat workspaces.
func (d *DataConfig) ChatsDir() string { return filepath.Join(d.Dir, "chats") }

// LogsDir returns the directory holding build and terminal logs.
func (d *DataConfig) LogsDir() string { return filepath.Join(d.Dir, "logs") }

// SecretsDir returns the directory holding credential files.
func (d *DataConfig) SecretsDir() string { return filepath.Join(d.Dir, "secrets") }

// AuthJSONPath returns the location of the codex OAuth token written by the
// container login flow.
func (a *AgentCLIConfig) AuthJSONPath() string {
	return filepath.Join(a.HomeDir, a.User, ".codex", "auth.json")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENT_HUB_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Data defaults
	v.SetDefault("data.dir", "~/.agent-hub")

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")

	// Launcher defaults
	v.SetDefault("agentCli.command", []string{"agent-cli"})
	v.SetDefault("agentCli.configFile", "")
	v.SetDefault("agentCli.homeDir", "~/.agent-home")
	v.SetDefault("agentCli.user", defaultAgentUser())
	v.SetDefault("agentCli.codexBinary", "codex")

	// Events defaults - empty URL means in-process fan-out only
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.maxReconnects", 10)

	// Build defaults
	v.SetDefault("build.timeoutSeconds", 3600)

	// Chat defaults
	v.SetDefault("chat.stopTimeoutSeconds", 5)
	v.SetDefault("chat.ptyCols", 160)
	v.SetDefault("chat.ptyRows", 48)

	// Title defaults
	v.SetDefault("title.model", "gpt-4o-mini")
	v.SetDefault("title.maxChars", 72)

	// Frontend defaults
	v.SetDefault("frontend.distDir", "frontend/dist")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultAgentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "agent"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENT_HUB_ with snake_case naming.
// The config file is config.yaml in the current directory, the data directory,
// or /etc/agent-hub/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENT_HUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
			v.SetConfigFile(configPath)
		} else {
			v.AddConfigPath(configPath)
		}
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agent-hub/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Data.Dir = expandHome(cfg.Data.Dir)
	cfg.AgentCLI.HomeDir = expandHome(cfg.AgentCLI.HomeDir)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// expandHome resolves a leading ~ against the current user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir is required")
	}

	if len(cfg.AgentCLI.Command) == 0 {
		errs = append(errs, "agentCli.command must not be empty")
	}

	if cfg.Build.TimeoutSeconds <= 0 {
		errs = append(errs, "build.timeoutSeconds must be positive")
	}

	if cfg.Chat.StopTimeoutSeconds <= 0 {
		errs = append(errs, "chat.stopTimeoutSeconds must be positive")
	}
	if cfg.Chat.PTYCols <= 0 || cfg.Chat.PTYRows <= 0 {
		errs = append(errs, "chat.ptyCols and chat.ptyRows must be positive")
	}

	if cfg.Title.MaxChars <= 0 {
		errs = append(errs, "title.maxChars must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
