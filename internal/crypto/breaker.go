// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package crypto

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/custodian/internal/logging"
)

// ErrProviderUnavailable is returned while the circuit breaker is open.
// Ingestion treats this the same as any other sealing failure: the write
// is rejected, never persisted in plaintext.
var ErrProviderUnavailable = errors.New("crypto provider unavailable")

// BreakerConfig tunes the circuit breaker around a Provider.
type BreakerConfig struct {
	// ConsecutiveFailures opens the breaker after this many failures in a row.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration

	// CallTimeout bounds each provider call. Encryption sits on the critical
	// path of user-visible operations; indefinite blocking is disallowed.
	CallTimeout time.Duration
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		CallTimeout:         2 * time.Second,
	}
}

// BreakerProvider wraps a Provider with a circuit breaker and per-call
// timeout. When the underlying key service degrades, callers fail fast
// instead of stacking up blocked ingestion requests.
type BreakerProvider struct {
	inner       Provider
	cb          *gobreaker.CircuitBreaker[string]
	callTimeout time.Duration
}

// NewBreakerProvider wraps the given provider.
func NewBreakerProvider(inner Provider, cfg BreakerConfig) *BreakerProvider {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultBreakerConfig().OpenTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultBreakerConfig().CallTimeout
	}

	settings := gobreaker.Settings{
		Name:    "crypto-provider",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("crypto provider breaker state changed")
		},
		// Malformed-input errors are the caller's fault, not a provider
		// outage. Only availability-type failures trip the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return errors.Is(err, ErrInvalidCiphertext) ||
				errors.Is(err, ErrUnknownKeyID) ||
				errors.Is(err, ErrDecryptionFailed)
		},
	}

	return &BreakerProvider{
		inner:       inner,
		cb:          gobreaker.NewCircuitBreaker[string](settings),
		callTimeout: cfg.CallTimeout,
	}
}

// KeyID returns the wrapped provider's key ID.
func (b *BreakerProvider) KeyID() string { return b.inner.KeyID() }

// EncryptField seals plaintext through the breaker.
func (b *BreakerProvider) EncryptField(ctx context.Context, field, plaintext string) (string, error) {
	return b.execute(ctx, func(callCtx context.Context) (string, error) {
		return b.inner.EncryptField(callCtx, field, plaintext)
	})
}

// DecryptField opens a blob through the breaker.
func (b *BreakerProvider) DecryptField(ctx context.Context, field, blob string) (string, error) {
	return b.execute(ctx, func(callCtx context.Context) (string, error) {
		return b.inner.DecryptField(callCtx, field, blob)
	})
}

// Tokenize computes a blind-index token through the breaker.
func (b *BreakerProvider) Tokenize(ctx context.Context, field, value string) (string, error) {
	return b.execute(ctx, func(callCtx context.Context) (string, error) {
		return b.inner.Tokenize(callCtx, field, value)
	})
}

func (b *BreakerProvider) execute(ctx context.Context, call func(context.Context) (string, error)) (string, error) {
	result, err := b.cb.Execute(func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
		return call(callCtx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", ErrProviderUnavailable
	}
	return result, err
}
