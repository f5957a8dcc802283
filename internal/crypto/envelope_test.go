// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package crypto

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestEnvelope(t *testing.T) *Envelope {
	t.Helper()
	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	e, err := NewEnvelope(Config{MasterKey: key, KeyID: "test-key"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return e
}

func TestNewEnvelope_RequiresKey(t *testing.T) {
	_, err := NewEnvelope(Config{})
	if !errors.Is(err, ErrKeyMissing) {
		t.Errorf("err = %v, want ErrKeyMissing", err)
	}
}

func TestNewEnvelope_RejectsShortKey(t *testing.T) {
	// 16 bytes base64-encoded; below the 32-byte minimum.
	_, err := NewEnvelope(Config{MasterKey: "AAAAAAAAAAAAAAAAAAAAAA=="})
	if !errors.Is(err, ErrKeyTooShort) {
		t.Errorf("err = %v, want ErrKeyTooShort", err)
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	e := newTestEnvelope(t)
	ctx := context.Background()

	blob, err := e.EncryptField(ctx, "patientId", "patient-1234")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	if !IsEncrypted(blob) {
		t.Errorf("blob %q should carry the encryption prefix", blob)
	}
	if strings.Contains(blob, "patient-1234") {
		t.Error("blob must not contain plaintext")
	}

	plain, err := e.DecryptField(ctx, "patientId", blob)
	if err != nil {
		t.Fatalf("DecryptField: %v", err)
	}
	if plain != "patient-1234" {
		t.Errorf("plaintext = %q, want %q", plain, "patient-1234")
	}
}

func TestEnvelope_UniqueBlobsPerCall(t *testing.T) {
	e := newTestEnvelope(t)
	ctx := context.Background()

	a, err := e.EncryptField(ctx, "userEmail", "a@example.org")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	b, err := e.EncryptField(ctx, "userEmail", "a@example.org")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	if a == b {
		t.Error("sealing the same value twice should produce distinct blobs")
	}
}

func TestEnvelope_FieldBinding(t *testing.T) {
	e := newTestEnvelope(t)
	ctx := context.Background()

	blob, err := e.EncryptField(ctx, "patientId", "patient-1")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}

	// A blob sealed for patientId must not open as userEmail.
	_, err = e.DecryptField(ctx, "userEmail", blob)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestEnvelope_WrongKeyFails(t *testing.T) {
	a := newTestEnvelope(t)
	ctx := context.Background()

	blob, err := a.EncryptField(ctx, "patientId", "patient-1")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}

	otherKey, _ := GenerateMasterKey()
	b, err := NewEnvelope(Config{MasterKey: otherKey, KeyID: "test-key"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	if _, err := b.DecryptField(ctx, "patientId", blob); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestEnvelope_UnknownKeyID(t *testing.T) {
	e := newTestEnvelope(t)
	ctx := context.Background()

	blob, err := e.EncryptField(ctx, "patientId", "patient-1")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}

	key, _ := GenerateMasterKey()
	rotated, err := NewEnvelope(Config{MasterKey: key, KeyID: "rotated"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	if _, err := rotated.DecryptField(ctx, "patientId", blob); !errors.Is(err, ErrUnknownKeyID) {
		t.Errorf("err = %v, want ErrUnknownKeyID", err)
	}
}

func TestEnvelope_TamperedBlobFails(t *testing.T) {
	e := newTestEnvelope(t)
	ctx := context.Background()

	blob, err := e.EncryptField(ctx, "patientId", "patient-1")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}

	// Flip a character near the end of the base64 payload.
	tampered := blob[:len(blob)-2] + "AA"
	if _, err := e.DecryptField(ctx, "patientId", tampered); err == nil {
		t.Error("tampered blob should not decrypt")
	}
}

func TestEnvelope_MalformedBlobs(t *testing.T) {
	e := newTestEnvelope(t)
	ctx := context.Background()

	cases := []struct {
		name string
		blob string
	}{
		{"no prefix", "not-a-blob"},
		{"missing key id", "enc:v1:payloadonly"},
		{"bad base64", "enc:v1:test-key:!!!!"},
		{"truncated", "enc:v1:test-key:QUJD"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.DecryptField(ctx, "patientId", tc.blob); !errors.Is(err, ErrInvalidCiphertext) {
				t.Errorf("err = %v, want ErrInvalidCiphertext", err)
			}
		})
	}
}

func TestEnvelope_TokenizeDeterministic(t *testing.T) {
	key, _ := GenerateMasterKey()
	ctx := context.Background()

	a, err := NewEnvelope(Config{MasterKey: key, KeyID: "k"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	b, err := NewEnvelope(Config{MasterKey: key, KeyID: "k"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	t1, err := a.Tokenize(ctx, "patientId", "patient-1")
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	t2, err := b.Tokenize(ctx, "patientId", "patient-1")
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if t1 != t2 {
		t.Error("same key and value should produce the same token")
	}

	t3, _ := a.Tokenize(ctx, "patientId", "patient-2")
	if t1 == t3 {
		t.Error("different values should produce different tokens")
	}

	t4, _ := a.Tokenize(ctx, "userEmail", "patient-1")
	if t1 == t4 {
		t.Error("different fields should produce different tokens")
	}

	otherKey, _ := GenerateMasterKey()
	c, _ := NewEnvelope(Config{MasterKey: otherKey, KeyID: "k"})
	t5, _ := c.Tokenize(ctx, "patientId", "patient-1")
	if t1 == t5 {
		t.Error("different master keys should produce different tokens")
	}
}

func TestIsEncrypted(t *testing.T) {
	if IsEncrypted("plain@example.org") {
		t.Error("plaintext should not be reported as encrypted")
	}
	if !IsEncrypted("enc:v1:primary:QUJD") {
		t.Error("prefixed blob should be reported as encrypted")
	}
}
