// Package config loads tillsync configuration from file, environment,
// and flags, in that order of increasing precedence.
//
// Configuration is read from tillsync.yaml in the working directory or
// ~/.config/tillsync/, and every key can be overridden with a
// TILLSYNC_-prefixed environment variable (dots become underscores,
// e.g. TILLSYNC_SERVER_PORT).
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config is the full tillsync configuration.
type Config struct {
	DB     DBConfig     `mapstructure:"db"`
	Server ServerConfig `mapstructure:"server"`
	Queue  QueueConfig  `mapstructure:"queue"`
	Agent  AgentConfig  `mapstructure:"agent"`
	Log    LogConfig    `mapstructure:"log"`
}

// DBConfig locates the SQLite database.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig tunes the sync server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// QueueConfig tunes outbound delivery.
type QueueConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	ItemTTL     time.Duration `mapstructure:"item_ttl"`
}

// AgentConfig tunes the desktop-side agent.
type AgentConfig struct {
	ServerURL    string        `mapstructure:"server_url"`
	TenantID     string        `mapstructure:"tenant_id"`
	ClientID     string        `mapstructure:"client_id"`
	SpoolDir     string        `mapstructure:"spool_dir"`
	PushInterval time.Duration `mapstructure:"push_interval"`
	PullInterval time.Duration `mapstructure:"pull_interval"`
}

// LogConfig controls log output. With an empty file, logs go to
// stderr; with one set, they rotate via lumberjack.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration, applying defaults for anything unset. An
// explicit path overrides the search locations; a missing config file
// is not an error, defaults and environment still apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db.path", "tillsync.db")
	v.SetDefault("server.port", 8471)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.item_ttl", 72*time.Hour)
	v.SetDefault("agent.server_url", "http://localhost:8471")
	v.SetDefault("agent.spool_dir", "spool")
	v.SetDefault("agent.push_interval", 5*time.Second)
	v.SetDefault("agent.pull_interval", 30*time.Second)
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tillsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/tillsync")
		}
	}

	v.SetEnvPrefix("TILLSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// NewLogger builds a prefixed logger honoring the log file settings.
// The caller owns the returned closer; it is a no-op for stderr.
func NewLogger(cfg LogConfig, prefix string) (*log.Logger, io.Closer) {
	if cfg.File == "" {
		return log.New(os.Stderr, prefix, log.LstdFlags), nopCloser{}
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return log.New(rotator, prefix, log.LstdFlags), rotator
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
