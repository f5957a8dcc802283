// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package crypto

import (
	"context"
	"errors"
	"testing"
	"time"
)

// flakyProvider fails every call until healed.
type flakyProvider struct {
	failing bool
	calls   int
}

func (f *flakyProvider) KeyID() string { return "flaky" }

func (f *flakyProvider) EncryptField(ctx context.Context, field, plaintext string) (string, error) {
	f.calls++
	if f.failing {
		return "", errors.New("kms timeout")
	}
	return "enc:v1:flaky:blob", nil
}

func (f *flakyProvider) DecryptField(ctx context.Context, field, blob string) (string, error) {
	f.calls++
	if f.failing {
		return "", errors.New("kms timeout")
	}
	return "plain", nil
}

func (f *flakyProvider) Tokenize(ctx context.Context, field, value string) (string, error) {
	f.calls++
	if f.failing {
		return "", errors.New("kms timeout")
	}
	return "token", nil
}

func TestBreakerProvider_PassThrough(t *testing.T) {
	inner := &flakyProvider{}
	bp := NewBreakerProvider(inner, DefaultBreakerConfig())

	blob, err := bp.EncryptField(context.Background(), "patientId", "p1")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	if blob != "enc:v1:flaky:blob" {
		t.Errorf("blob = %q", blob)
	}
}

func TestBreakerProvider_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyProvider{failing: true}
	bp := NewBreakerProvider(inner, BreakerConfig{
		ConsecutiveFailures: 3,
		OpenTimeout:         time.Minute,
		CallTimeout:         time.Second,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := bp.EncryptField(ctx, "patientId", "p1"); err == nil {
			t.Fatal("expected failure")
		}
	}

	callsBefore := inner.calls
	_, err := bp.EncryptField(ctx, "patientId", "p1")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
	if inner.calls != callsBefore {
		t.Error("open breaker should not reach the provider")
	}
}

func TestBreakerProvider_CallerFaultDoesNotTrip(t *testing.T) {
	e := newTestEnvelope(t)
	bp := NewBreakerProvider(e, BreakerConfig{
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Minute,
		CallTimeout:         time.Second,
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := bp.DecryptField(ctx, "patientId", "garbage"); !errors.Is(err, ErrInvalidCiphertext) {
			t.Fatalf("err = %v, want ErrInvalidCiphertext", err)
		}
	}

	// Breaker must still be closed: a valid call succeeds.
	blob, err := bp.EncryptField(ctx, "patientId", "p1")
	if err != nil {
		t.Fatalf("EncryptField after malformed decrypts: %v", err)
	}
	if !IsEncrypted(blob) {
		t.Error("expected an encrypted blob")
	}
}
