// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search paths.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order for a YAML config file.
var DefaultConfigPaths = []string{
	"./custodian.yaml",
	"./config/custodian.yaml",
	"/etc/custodian/custodian.yaml",
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			CORSOrigins:       []string{},
			RateLimitRequests: 100,
			RateLimitWindow:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Path:       "./data/audit",
			GCInterval: 10 * time.Minute,
		},
		Retention: RetentionConfig{
			// Six years, per HIPAA record retention requirements.
			Days: 2190,
		},
		Session: SessionConfig{
			TimeoutMinutes: 15,
			WarningMinutes: 2,
			Debounce:       time.Second,
			ReaperInterval: 30 * time.Second,
		},
		Crypto: CryptoConfig{
			KeyID:              "key-1",
			Context:            "custodian-field-encryption",
			BreakerMaxFailures: 5,
			BreakerOpenFor:     30 * time.Second,
		},
		Ingest: IngestConfig{
			RetryBudget:  3,
			StoreTimeout: 5 * time.Second,
			Queue: QueueConfig{
				Path:          "./data/queue",
				MaxEntries:    10000,
				DrainInterval: 5 * time.Second,
			},
		},
		Monitor: MonitorConfig{
			FailedAuthThreshold: 5,
			FailedAuthWindow:    5 * time.Minute,
			PHIVolumeThreshold:  50,
			PHIVolumeWindow:     time.Minute,
			NewOriginEnabled:    true,
			AlertInterval:       time.Minute,
			AlertBurst:          3,
			SweepInterval:       time.Minute,
		},
		Auth: AuthConfig{},
	}
}

// Load builds the configuration from layered sources, lowest to highest
// precedence: built-in defaults, an optional YAML file, then environment
// variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, or empty string.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths are parsed as comma-separated lists when set via env vars.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields. Env vars arrive as strings but the config expects
// slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are dropped so unrelated env vars cannot leak into the
// configuration.
//
// Examples:
//   - HTTP_PORT -> server.port
//   - JWT_SECRET -> auth.jwt_secret
//   - STORE_PATH -> store.path
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server
		"http_host":           "server.host",
		"http_port":           "server.port",
		"read_timeout":        "server.read_timeout",
		"write_timeout":       "server.write_timeout",
		"shutdown_timeout":    "server.shutdown_timeout",
		"cors_origins":        "server.cors_origins",
		"rate_limit_requests": "server.rate_limit_requests",
		"rate_limit_window":   "server.rate_limit_window",
		"rate_limit_disabled": "server.rate_limit_disabled",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		// Store
		"store_path":        "store.path",
		"store_in_memory":   "store.in_memory",
		"store_gc_interval": "store.gc_interval",

		// Retention
		"retention_days": "retention.days",

		// Session guard
		"session_timeout_minutes": "session.timeout_minutes",
		"session_warning_minutes": "session.warning_minutes",
		"session_debounce":        "session.debounce",
		"session_reaper_interval": "session.reaper_interval",

		// Crypto
		"master_key":                  "crypto.master_key",
		"crypto_key_id":               "crypto.key_id",
		"crypto_context":              "crypto.context",
		"crypto_breaker_max_failures": "crypto.breaker_max_failures",
		"crypto_breaker_open_for":     "crypto.breaker_open_for",

		// Ingest
		"ingest_retry_budget":  "ingest.retry_budget",
		"ingest_store_timeout": "ingest.store_timeout",
		"queue_path":           "ingest.queue.path",
		"queue_max_entries":    "ingest.queue.max_entries",
		"queue_drain_interval": "ingest.queue.drain_interval",

		// Monitor
		"monitor_failed_auth_threshold": "monitor.failed_auth_threshold",
		"monitor_failed_auth_window":    "monitor.failed_auth_window",
		"monitor_phi_volume_threshold":  "monitor.phi_volume_threshold",
		"monitor_phi_volume_window":     "monitor.phi_volume_window",
		"monitor_new_origin_enabled":    "monitor.new_origin_enabled",
		"monitor_alert_interval":        "monitor.alert_interval",
		"monitor_alert_burst":           "monitor.alert_burst",
		"monitor_sweep_interval":        "monitor.sweep_interval",

		// Auth
		"jwt_secret": "auth.jwt_secret",
	}

	if path, ok := envMappings[key]; ok {
		return path
	}

	// Unmapped env vars are ignored.
	return ""
}
