// Package config loads the supervisor configuration from TOML, environment
// variables prefixed with CHATVISOR_, and built-in defaults, in increasing
// order of precedence: defaults, file, environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/chatvisor/internal/env"
	"github.com/loykin/chatvisor/internal/logger"
	"github.com/loykin/chatvisor/internal/run"
)

const EnvPrefix = "CHATVISOR"

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`

	Session SessionConfig `mapstructure:"session"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Launch  LaunchConfig  `mapstructure:"launch"`
	Health  HealthConfig  `mapstructure:"health"`
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
}

type SessionConfig struct {
	Root         string `mapstructure:"root"`
	TerminalsDir string `mapstructure:"terminals_dir"`
}

type WorkerConfig struct {
	Runtime    string `mapstructure:"runtime"`
	CLIPath    string `mapstructure:"cli_path"`
	Subcommand string `mapstructure:"subcommand"`
}

type LaunchConfig struct {
	Mode               string        `mapstructure:"mode"`
	SystemNewTimeout   time.Duration `mapstructure:"system_new_timeout"`
	HeadlessNewTimeout time.Duration `mapstructure:"headless_new_timeout"`
	ExistingTimeout    time.Duration `mapstructure:"existing_timeout"`
	PendingGrace       time.Duration `mapstructure:"pending_grace"`
	KillGrace          time.Duration `mapstructure:"kill_grace"`
}

type HealthConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	PendingTTL      time.Duration `mapstructure:"pending_ttl"`
	SampleResources bool          `mapstructure:"sample_resources"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	Color      bool   `mapstructure:"color"`
	WorkerDir  string `mapstructure:"worker_dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	PIDFile  string `mapstructure:"pidfile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HistoryConfig lists lifecycle export sinks as DSNs, e.g.
// "sqlite:///var/lib/chatvisor/history.db" or "opensearch://host:9200/runs".
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

// LoadConfig reads path (optional) and the CHATVISOR_* environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("session.root", "")
	v.SetDefault("session.terminals_dir", "")
	v.SetDefault("worker.runtime", "node")
	v.SetDefault("worker.cli_path", "")
	v.SetDefault("worker.subcommand", "chat")
	v.SetDefault("launch.mode", string(run.ModeAuto))
	v.SetDefault("launch.system_new_timeout", 20*time.Second)
	v.SetDefault("launch.headless_new_timeout", 15*time.Second)
	v.SetDefault("launch.existing_timeout", 8*time.Second)
	v.SetDefault("launch.pending_grace", 3*time.Second)
	v.SetDefault("launch.kill_grace", 3*time.Second)
	v.SetDefault("health.interval", time.Second)
	v.SetDefault("health.pending_ttl", time.Minute)
	v.SetDefault("health.sample_resources", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.color", false)
	v.SetDefault("log.worker_dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("server.listen", "127.0.0.1:7788")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.pidfile", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("history.sinks", []string{})
}

// applyDefaults fills values that depend on other values and validates
// the ones the supervisor cannot run without.
func (c *Config) applyDefaults() error {
	if c.Session.Root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("config: session.root unset and no home directory: %w", err)
		}
		c.Session.Root = filepath.Join(home, ".chatvisor")
	}
	if c.Session.TerminalsDir == "" {
		c.Session.TerminalsDir = filepath.Join(c.Session.Root, "terminals")
	}
	if c.Server.PIDFile == "" {
		c.Server.PIDFile = filepath.Join(c.Session.Root, "chatvisor.pid")
	}
	if _, err := run.ParseMode(c.Launch.Mode); err != nil {
		return fmt.Errorf("%w: launch.mode: %w", ErrInvalid, err)
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("%w: health.interval must be positive", ErrInvalid)
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i <= 0 {
			return fmt.Errorf("%w: env entry %q is not KEY=VALUE", ErrInvalid, kv)
		}
	}
	return nil
}

// Mode returns the parsed launch mode.
func (c *Config) Mode() run.Mode {
	m, _ := run.ParseMode(c.Launch.Mode)
	return m
}

// Logger returns the logger configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level:      c.Log.Level,
		File:       c.Log.File,
		Color:      c.Log.Color,
		WorkerDir:  c.Log.WorkerDir,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// WorkerEnv builds the extra worker environment: env_files in order,
// then the inline env list.
func (c *Config) WorkerEnv() (*env.Env, error) {
	e := env.New()
	if err := e.LoadFiles(c.EnvFiles...); err != nil {
		return nil, err
	}
	for _, kv := range c.Env {
		i := strings.IndexByte(kv, '=')
		e.Set(kv[:i], kv[i+1:])
	}
	return e, nil
}
