// Package config loads gateway settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	Session   SessionConfig
	Job       JobConfig
	WebSocket WebSocketConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Policy    PolicyConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	CORSOrigins     []string      `envconfig:"CORS_ORIGINS" default:"*"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// SessionConfig holds terminal session configuration.
type SessionConfig struct {
	Shell           string        `envconfig:"SESSION_SHELL"`
	WorkDir         string        `envconfig:"SESSION_WORKDIR" default:"/workspace"`
	MaxSessions     int           `envconfig:"SESSION_MAX" default:"16"`
	Retention       time.Duration `envconfig:"SESSION_RETENTION" default:"5m"`
	ReapInterval    time.Duration `envconfig:"SESSION_REAP_INTERVAL" default:"30s"`
	KillGrace       time.Duration `envconfig:"SESSION_KILL_GRACE" default:"2s"`
	ReplayBytes     int           `envconfig:"SESSION_REPLAY_BYTES" default:"0"`
	SinkBufferBytes int           `envconfig:"SINK_BUFFER_BYTES" default:"1048576"`
	RecordInput     bool          `envconfig:"SESSION_RECORD_INPUT" default:"false"`
}

// JobConfig holds one-shot command execution configuration.
type JobConfig struct {
	OutputCap        int           `envconfig:"JOB_OUTPUT_CAP" default:"4096"`
	DefaultTimeout   time.Duration `envconfig:"JOB_DEFAULT_TIMEOUT" default:"300s"`
	MaxTimeout       time.Duration `envconfig:"JOB_MAX_TIMEOUT" default:"1h"`
	KillGrace        time.Duration `envconfig:"JOB_KILL_GRACE" default:"2s"`
	MaxConcurrent    int           `envconfig:"JOB_MAX_CONCURRENT" default:"8"`
	Retention        time.Duration `envconfig:"JOB_RETENTION" default:"1h"`
	HistoryRetention time.Duration `envconfig:"JOB_HISTORY_RETENTION" default:"168h"`
}

// WebSocketConfig holds streaming transport configuration.
type WebSocketConfig struct {
	PingPeriod     time.Duration `envconfig:"WS_PING_PERIOD" default:"27s"`
	PongWait       time.Duration `envconfig:"WS_PONG_WAIT" default:"30s"`
	WriteWait      time.Duration `envconfig:"WS_WRITE_WAIT" default:"10s"`
	MaxMessageSize int64         `envconfig:"WS_MAX_MESSAGE_SIZE" default:"65536"`
}

// RateLimitConfig holds rate limiting configuration for job submission.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"20"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"40"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	DataDir   string `envconfig:"DATA_DIR" default:"data"`
	DBPath    string `envconfig:"DB_PATH"`
	RecordDir string `envconfig:"RECORD_DIR"`
}

// PolicyConfig holds command policy configuration.
type PolicyConfig struct {
	File string `envconfig:"POLICY_FILE"`
}

// Load loads configuration from environment variables and fills derived defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when the environment is empty.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            "8080",
			Host:            "0.0.0.0",
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Logging: LogConfig{Level: "info"},
		Session: SessionConfig{
			WorkDir:         "/workspace",
			MaxSessions:     16,
			Retention:       5 * time.Minute,
			ReapInterval:    30 * time.Second,
			KillGrace:       2 * time.Second,
			SinkBufferBytes: 1 << 20,
		},
		Job: JobConfig{
			OutputCap:        4096,
			DefaultTimeout:   300 * time.Second,
			MaxTimeout:       time.Hour,
			KillGrace:        2 * time.Second,
			MaxConcurrent:    8,
			Retention:        time.Hour,
			HistoryRetention: 168 * time.Hour,
		},
		WebSocket: WebSocketConfig{
			PingPeriod:     27 * time.Second,
			PongWait:       30 * time.Second,
			WriteWait:      10 * time.Second,
			MaxMessageSize: 65536,
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 20, Burst: 40, Enabled: true},
		Storage:   StorageConfig{DataDir: "data"},
	}
	cfg.applyDerived()
	return cfg
}

func (c *Config) applyDerived() {
	if c.Session.Shell == "" {
		c.Session.Shell = os.Getenv("SHELL")
	}
	if c.Session.Shell == "" {
		c.Session.Shell = "/bin/bash"
	}
	// /workspace only exists inside the container image.
	if info, err := os.Stat(c.Session.WorkDir); err != nil || !info.IsDir() {
		if wd, err := os.Getwd(); err == nil {
			c.Session.WorkDir = wd
		}
	}
	if c.Storage.DBPath == "" && c.Storage.DataDir != "" {
		c.Storage.DBPath = filepath.Join(c.Storage.DataDir, "gateway.db")
	}
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Session.MaxSessions < 1 {
		errs = append(errs, errors.New("SESSION_MAX must be at least 1"))
	}
	if c.Session.SinkBufferBytes < 1 {
		errs = append(errs, errors.New("SINK_BUFFER_BYTES must be positive"))
	}
	if c.Session.ReplayBytes < 0 {
		errs = append(errs, errors.New("SESSION_REPLAY_BYTES must not be negative"))
	}
	if c.Session.ReplayBytes > c.Session.SinkBufferBytes {
		errs = append(errs, errors.New("SESSION_REPLAY_BYTES must not exceed SINK_BUFFER_BYTES"))
	}
	if c.Session.ReapInterval <= 0 {
		errs = append(errs, errors.New("SESSION_REAP_INTERVAL must be positive"))
	}
	if c.Job.OutputCap < 1 {
		errs = append(errs, errors.New("JOB_OUTPUT_CAP must be positive"))
	}
	if c.Job.MaxConcurrent < 1 {
		errs = append(errs, errors.New("JOB_MAX_CONCURRENT must be at least 1"))
	}
	if c.Job.DefaultTimeout > c.Job.MaxTimeout {
		errs = append(errs, errors.New("JOB_DEFAULT_TIMEOUT exceeds JOB_MAX_TIMEOUT"))
	}
	if c.WebSocket.PingPeriod >= c.WebSocket.PongWait {
		errs = append(errs, errors.New("WS_PING_PERIOD must be shorter than WS_PONG_WAIT"))
	}
	return errors.Join(errs...)
}
