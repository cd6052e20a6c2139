// Package config defines the orchestration core's configuration
// surface: one options structure enumerating every recognized knob,
// loaded from YAML with environment expansion.
package config

import (
	"fmt"
	"time"
)

// Config is the single options structure for the core. Zero values are
// filled by SetDefaults; Validate rejects values the runtime cannot
// honor.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Session     SessionConfig     `yaml:"session"`
	Retry       RetryConfig       `yaml:"retry"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Pool        PoolConfig        `yaml:"pool"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Governance  GovernanceConfig  `yaml:"governance"`
	Tracer      TracerConfig      `yaml:"tracer"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Server      ServerConfig      `yaml:"server"`
}

type SupervisorConfig struct {
	// MaxParallelTasksPerSession bounds fan-out within one session.
	MaxParallelTasksPerSession int `yaml:"max_parallel_tasks_per_session"`
	// WorkerDeadlineSeconds is the global deadline for one worker call.
	WorkerDeadlineSeconds int `yaml:"worker_deadline_seconds"`
	// MaxSelfCorrections bounds the syntax/evaluation repair loop.
	MaxSelfCorrections int `yaml:"max_self_corrections"`
	// OutputBuffer is the capacity of the streaming output channel.
	OutputBuffer int `yaml:"output_buffer"`
}

type SessionConfig struct {
	Dir                       string `yaml:"dir"`
	MaxSessions               int    `yaml:"max_sessions"`
	AutoSaveIntervalSeconds   int    `yaml:"auto_save_interval_seconds"`
	CompressionThresholdBytes int    `yaml:"compression_threshold_bytes"`
}

type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts"`
	BaseDelaySeconds float64 `yaml:"base_delay"`
	CapSeconds       float64 `yaml:"cap"`
}

// BaseDelay returns the configured base delay as a duration.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySeconds * float64(time.Second))
}

// Cap returns the configured backoff ceiling as a duration.
func (c RetryConfig) Cap() time.Duration {
	return time.Duration(c.CapSeconds * float64(time.Second))
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	WindowSeconds    int `yaml:"window"`
	CooldownSeconds  int `yaml:"cooldown"`
}

type PoolConfig struct {
	MaxConnections      int `yaml:"max_connections"`
	MaxKeepalive        int `yaml:"max_keepalive"`
	KeepaliveTTLSeconds int `yaml:"keepalive_ttl"`
}

type ApprovalConfig struct {
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
}

type GovernanceConfig struct {
	ReviewTimeoutSeconds int `yaml:"review_timeout_seconds"`
}

type TracerConfig struct {
	HeadSampleRate   float64 `yaml:"head_sample_rate"`
	TailSampleErrors *bool   `yaml:"tail_sample_errors"`
	// MaxCompletedSpans bounds the in-memory completed-span buffer.
	MaxCompletedSpans int `yaml:"max_completed_spans"`
}

// KeepErrors reports whether tail sampling retains error spans.
// Defaults to true when unset.
func (c TracerConfig) KeepErrors() bool {
	return c.TailSampleErrors == nil || *c.TailSampleErrors
}

type PersistenceConfig struct {
	Path string `yaml:"path"`
}

type ServerConfig struct {
	// Enabled turns the debug HTTP surface on. Off by default.
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// SetDefaults fills unset fields with their documented defaults.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Supervisor.MaxParallelTasksPerSession == 0 {
		c.Supervisor.MaxParallelTasksPerSession = 4
	}
	if c.Supervisor.WorkerDeadlineSeconds == 0 {
		c.Supervisor.WorkerDeadlineSeconds = 300
	}
	if c.Supervisor.MaxSelfCorrections == 0 {
		c.Supervisor.MaxSelfCorrections = 3
	}
	if c.Supervisor.OutputBuffer == 0 {
		c.Supervisor.OutputBuffer = 64
	}
	if c.Session.Dir == "" {
		c.Session.Dir = ".sessions"
	}
	if c.Session.MaxSessions == 0 {
		c.Session.MaxSessions = 50
	}
	if c.Session.AutoSaveIntervalSeconds == 0 {
		c.Session.AutoSaveIntervalSeconds = 30
	}
	if c.Session.CompressionThresholdBytes == 0 {
		c.Session.CompressionThresholdBytes = 10 * 1024
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelaySeconds == 0 {
		c.Retry.BaseDelaySeconds = 1
	}
	if c.Retry.CapSeconds == 0 {
		c.Retry.CapSeconds = 30
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.WindowSeconds == 0 {
		c.Breaker.WindowSeconds = 60
	}
	if c.Breaker.CooldownSeconds == 0 {
		c.Breaker.CooldownSeconds = 30
	}
	if c.Pool.MaxConnections == 0 {
		c.Pool.MaxConnections = 32
	}
	if c.Pool.MaxKeepalive == 0 {
		c.Pool.MaxKeepalive = 8
	}
	if c.Pool.KeepaliveTTLSeconds == 0 {
		c.Pool.KeepaliveTTLSeconds = 90
	}
	if c.Approval.DefaultTimeoutSeconds == 0 {
		c.Approval.DefaultTimeoutSeconds = 30
	}
	if c.Governance.ReviewTimeoutSeconds == 0 {
		c.Governance.ReviewTimeoutSeconds = 5
	}
	if c.Tracer.HeadSampleRate == 0 {
		c.Tracer.HeadSampleRate = 1.0
	}
	if c.Tracer.MaxCompletedSpans == 0 {
		c.Tracer.MaxCompletedSpans = 4096
	}
	if c.Persistence.Path == "" {
		c.Persistence.Path = "vertice.db"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8721"
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	if c.Supervisor.MaxParallelTasksPerSession < 1 {
		return fmt.Errorf("supervisor.max_parallel_tasks_per_session must be >= 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Tracer.HeadSampleRate < 0 || c.Tracer.HeadSampleRate > 1 {
		return fmt.Errorf("tracer.head_sample_rate must be within [0, 1]")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1")
	}
	if c.Session.MaxSessions < 1 {
		return fmt.Errorf("session.max_sessions must be >= 1")
	}
	return nil
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
