// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package config loads layered configuration: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Store     StoreConfig     `koanf:"store"`
	Retention RetentionConfig `koanf:"retention"`
	Session   SessionConfig   `koanf:"session"`
	Crypto    CryptoConfig    `koanf:"crypto"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	Auth      AuthConfig      `koanf:"auth"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	CORSOrigins []string `koanf:"cors_origins"`

	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// StoreConfig holds audit store settings.
type StoreConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`

	// GCInterval is how often the value log garbage collector runs.
	GCInterval time.Duration `koanf:"gc_interval"`
}

// RetentionConfig controls how long audit records stay queryable.
type RetentionConfig struct {
	Days int `koanf:"days"`
}

// Duration returns the retention window as a duration.
func (r RetentionConfig) Duration() time.Duration {
	return time.Duration(r.Days) * 24 * time.Hour
}

// SessionConfig holds the PHI session guard settings.
type SessionConfig struct {
	TimeoutMinutes int           `koanf:"timeout_minutes"`
	WarningMinutes int           `koanf:"warning_minutes"`
	Debounce       time.Duration `koanf:"debounce"`
	ReaperInterval time.Duration `koanf:"reaper_interval"`
}

// CryptoConfig holds field encryption settings.
type CryptoConfig struct {
	// MasterKey is the base64-encoded 32-byte master key. Required.
	MasterKey string `koanf:"master_key"`
	KeyID     string `koanf:"key_id"`

	// Context binds derived keys to this deployment.
	Context string `koanf:"context"`

	// Breaker settings for the crypto provider circuit breaker.
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures"`
	BreakerOpenFor     time.Duration `koanf:"breaker_open_for"`
}

// IngestConfig holds ingestion pipeline settings.
type IngestConfig struct {
	RetryBudget  uint64        `koanf:"retry_budget"`
	StoreTimeout time.Duration `koanf:"store_timeout"`

	Queue QueueConfig `koanf:"queue"`
}

// QueueConfig holds outbound spill queue settings.
type QueueConfig struct {
	Path          string        `koanf:"path"`
	MaxEntries    int           `koanf:"max_entries"`
	DrainInterval time.Duration `koanf:"drain_interval"`
}

// MonitorConfig holds suspicious-activity monitor settings.
type MonitorConfig struct {
	FailedAuthThreshold int           `koanf:"failed_auth_threshold"`
	FailedAuthWindow    time.Duration `koanf:"failed_auth_window"`
	PHIVolumeThreshold  int           `koanf:"phi_volume_threshold"`
	PHIVolumeWindow     time.Duration `koanf:"phi_volume_window"`
	NewOriginEnabled    bool          `koanf:"new_origin_enabled"`

	AlertInterval time.Duration `koanf:"alert_interval"`
	AlertBurst    int           `koanf:"alert_burst"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	// JWTSecret signs session tokens. Must be at least 32 bytes.
	JWTSecret string `koanf:"jwt_secret"`
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Retention.Days < 1 {
		return fmt.Errorf("retention.days must be positive, got %d", c.Retention.Days)
	}
	if c.Session.TimeoutMinutes < 1 {
		return fmt.Errorf("session.timeout_minutes must be positive, got %d", c.Session.TimeoutMinutes)
	}
	if c.Session.WarningMinutes < 1 || c.Session.WarningMinutes >= c.Session.TimeoutMinutes {
		return fmt.Errorf("session.warning_minutes must be positive and below the timeout, got %d", c.Session.WarningMinutes)
	}
	if c.Crypto.MasterKey == "" {
		return fmt.Errorf("crypto.master_key is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Ingest.Queue.MaxEntries < 1 {
		return fmt.Errorf("ingest.queue.max_entries must be positive, got %d", c.Ingest.Queue.MaxEntries)
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("store.path is required unless store.in_memory is set")
	}
	return nil
}
