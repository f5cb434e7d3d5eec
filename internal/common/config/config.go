// Package config provides configuration management for Elemental.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/elemental-sh/elemental/internal/common/logger"
)

// WorkspaceDirName is the per-workspace state directory created at the
// repository root.
const WorkspaceDirName = ".elemental"

// Config holds all configuration sections for Elemental.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Session   SessionConfig   `mapstructure:"session"`
	Worktree  WorktreeConfig  `mapstructure:"worktree"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   logger.Config   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// WorkspaceConfig holds the workspace root and derived paths.
type WorkspaceConfig struct {
	Root string `mapstructure:"root"` // repository root; "" means CWD
}

// SessionConfig holds agent subprocess configuration.
type SessionConfig struct {
	Binary              string `mapstructure:"binary"`              // agent CLI binary
	GracefulStopTimeout int    `mapstructure:"gracefulStopTimeout"` // seconds
	HeartbeatInterval   int    `mapstructure:"heartbeatInterval"`   // seconds
	SubscriberBuffer    int    `mapstructure:"subscriberBuffer"`    // events per subscriber queue
	GateTickInterval    int    `mapstructure:"gateTickInterval"`    // seconds between timer-gate sweeps
}

// WorktreeConfig holds git worktree configuration.
type WorktreeConfig struct {
	BaseBranch string `mapstructure:"baseBranch"` // "" means auto-detect
}

// NATSConfig holds the optional external event bus configuration.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GracefulStopDuration returns the graceful stop timeout as a time.Duration.
func (s *SessionConfig) GracefulStopDuration() time.Duration {
	return time.Duration(s.GracefulStopTimeout) * time.Second
}

// HeartbeatDuration returns the heartbeat interval as a time.Duration.
func (s *SessionConfig) HeartbeatDuration() time.Duration {
	return time.Duration(s.HeartbeatInterval) * time.Second
}

// GateTickDuration returns the timer-gate sweep interval as a time.Duration.
func (s *SessionConfig) GateTickDuration() time.Duration {
	return time.Duration(s.GateTickInterval) * time.Second
}

// RootOrCwd returns the configured workspace root, defaulting to CWD.
func (w *WorkspaceConfig) RootOrCwd() (string, error) {
	if w.Root != "" {
		return filepath.Abs(w.Root)
	}
	return os.Getwd()
}

// StateDir returns the .elemental state directory under the workspace root.
func (w *WorkspaceConfig) StateDir() (string, error) {
	root, err := w.RootOrCwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, WorkspaceDirName), nil
}

// DatabasePath returns the SQLite file path under the state directory.
func (w *WorkspaceConfig) DatabasePath() (string, error) {
	dir, err := w.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "elemental.db"), nil
}

// LockPath returns the daemon lock file path under the state directory.
func (w *WorkspaceConfig) LockPath() (string, error) {
	dir, err := w.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.lock"), nil
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7420)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("workspace.root", "")

	v.SetDefault("session.binary", "claude")
	v.SetDefault("session.gracefulStopTimeout", 8)
	v.SetDefault("session.heartbeatInterval", 30)
	v.SetDefault("session.subscriberBuffer", 256)
	v.SetDefault("session.gateTickInterval", 15)

	v.SetDefault("worktree.baseBranch", "")

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "elemental")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stderr")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
}

func detectDefaultLogFormat() string {
	if env := os.Getenv("ELEMENTAL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix ELEMENTAL_ with underscore
// naming. Config file is config.yaml in the workspace .elemental directory,
// the current directory, or /etc/elemental/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ELEMENTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(WorkspaceDirName)
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/elemental/")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are in range.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Session.Binary == "" {
		errs = append(errs, "session.binary is required")
	}
	if cfg.Session.GracefulStopTimeout <= 0 {
		errs = append(errs, "session.gracefulStopTimeout must be positive")
	}
	if cfg.Session.HeartbeatInterval <= 0 {
		errs = append(errs, "session.heartbeatInterval must be positive")
	}
	if cfg.Session.SubscriberBuffer <= 0 {
		errs = append(errs, "session.subscriberBuffer must be positive")
	}
	if cfg.Session.GateTickInterval <= 0 {
		errs = append(errs, "session.gateTickInterval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
