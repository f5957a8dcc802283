// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package crypto provides envelope encryption for designated sensitive fields
// (user email, patient identifier) before they reach the audit store.
//
// Each value is sealed with a fresh random 256-bit data key (AES-GCM); the
// data key is wrapped with a key-encryption key derived from the configured
// master key via HKDF-SHA256. Rotating the master key only requires
// re-wrapping data keys, not re-encrypting stored values.
//
// There is no plaintext fallback. If sealing fails the caller must fail the
// write; a provider is never constructed without a key.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Encryption errors.
var (
	// ErrKeyMissing indicates no master key was configured.
	ErrKeyMissing = errors.New("master key not configured")

	// ErrKeyTooShort indicates the master key has insufficient entropy.
	ErrKeyTooShort = errors.New("master key must be at least 32 bytes")

	// ErrInvalidCiphertext indicates the blob is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrDecryptionFailed indicates authentication or decryption failed.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrUnknownKeyID indicates the blob was sealed under a key this
	// provider does not hold.
	ErrUnknownKeyID = errors.New("unknown encryption key id")
)

// blobPrefix marks an encrypted field value. Unauthorized query callers see
// this marker instead of plaintext.
const blobPrefix = "enc:v1:"

const (
	dataKeyLen = 32 // AES-256
	kekLen     = 32
)

// Provider seals and opens sensitive field values.
// Implementations must be safe for concurrent use.
type Provider interface {
	// EncryptField seals plaintext for the named field and returns an
	// opaque blob. The field name is bound into the ciphertext, so a blob
	// cannot be transplanted between fields.
	EncryptField(ctx context.Context, field, plaintext string) (string, error)

	// DecryptField opens a blob produced by EncryptField for the same field.
	DecryptField(ctx context.Context, field, blob string) (string, error)

	// Tokenize produces a deterministic blind-index token for a field value.
	// Equal inputs always yield equal tokens, so the store can build a
	// secondary index over a sensitive field without ever seeing plaintext.
	// The token is keyed; it cannot be reversed or recomputed without the
	// master key.
	Tokenize(ctx context.Context, field, value string) (string, error)

	// KeyID identifies the master key currently in use.
	KeyID() string
}

// Config holds envelope encryption configuration.
type Config struct {
	// MasterKey is the base64-encoded master key (>= 32 bytes of entropy).
	MasterKey string

	// KeyID names the master key. It is embedded in every blob so that
	// rotated-out keys are detected explicitly on decrypt.
	KeyID string

	// Context is the HKDF derivation context.
	// Default: "custodian-field-encryption".
	Context string
}

// Envelope implements Provider using AES-256-GCM envelope encryption.
type Envelope struct {
	keyID    string
	kek      cipher.AEAD
	indexKey []byte
}

// NewEnvelope creates an envelope encryption provider.
// Unlike optional at-rest token encryption, an empty key is an error:
// audit ingestion fails closed without a working provider.
func NewEnvelope(cfg Config) (*Envelope, error) {
	if cfg.MasterKey == "" {
		return nil, ErrKeyMissing
	}

	master, err := base64.StdEncoding.DecodeString(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(master) < kekLen {
		return nil, ErrKeyTooShort
	}

	derivationContext := cfg.Context
	if derivationContext == "" {
		derivationContext = "custodian-field-encryption"
	}

	kekBytes, err := deriveKey(master, []byte(derivationContext), kekLen)
	if err != nil {
		return nil, fmt.Errorf("derive key-encryption key: %w", err)
	}

	kek, err := newAEAD(kekBytes)
	if err != nil {
		return nil, err
	}

	// Separate derivation context keeps index tokens independent of the KEK.
	indexKey, err := deriveKey(master, []byte(derivationContext+"/blind-index"), kekLen)
	if err != nil {
		return nil, fmt.Errorf("derive index key: %w", err)
	}

	keyID := cfg.KeyID
	if keyID == "" {
		keyID = "primary"
	}

	return &Envelope{keyID: keyID, kek: kek, indexKey: indexKey}, nil
}

// KeyID returns the identifier of the master key in use.
func (e *Envelope) KeyID() string { return e.keyID }

// EncryptField seals plaintext for the named field.
// Blob layout: "enc:v1:{keyID}:" + base64(wrappedDataKey || nonce || ciphertext).
func (e *Envelope) EncryptField(ctx context.Context, field, plaintext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Fresh data key per value.
	dataKey := make([]byte, dataKeyLen)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return "", fmt.Errorf("generate data key: %w", err)
	}

	valueAEAD, err := newAEAD(dataKey)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, valueAEAD.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := valueAEAD.Seal(nil, nonce, []byte(plaintext), []byte(field))

	wrapped, err := e.wrapDataKey(dataKey)
	if err != nil {
		return "", err
	}

	payload := make([]byte, 0, len(wrapped)+len(nonce)+len(sealed))
	payload = append(payload, wrapped...)
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)

	return blobPrefix + e.keyID + ":" + base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptField opens a blob produced by EncryptField for the same field.
func (e *Envelope) DecryptField(ctx context.Context, field, blob string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	keyID, payload, err := splitBlob(blob)
	if err != nil {
		return "", err
	}
	if keyID != e.keyID {
		return "", fmt.Errorf("%w: %q", ErrUnknownKeyID, keyID)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrInvalidCiphertext)
	}

	wrappedLen := e.kek.NonceSize() + dataKeyLen + e.kek.Overhead()
	if len(data) < wrappedLen {
		return "", fmt.Errorf("%w: data too short", ErrInvalidCiphertext)
	}

	dataKey, err := e.unwrapDataKey(data[:wrappedLen])
	if err != nil {
		return "", err
	}

	valueAEAD, err := newAEAD(dataKey)
	if err != nil {
		return "", err
	}

	rest := data[wrappedLen:]
	nonceSize := valueAEAD.NonceSize()
	if len(rest) < nonceSize+valueAEAD.Overhead() {
		return "", fmt.Errorf("%w: data too short", ErrInvalidCiphertext)
	}

	plaintext, err := valueAEAD.Open(nil, rest[:nonceSize], rest[nonceSize:], []byte(field))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrDecryptionFailed, err.Error())
	}

	return string(plaintext), nil
}

// wrapDataKey seals a data key under the KEK. Layout: nonce || sealed key.
func (e *Envelope) wrapDataKey(dataKey []byte) ([]byte, error) {
	nonce := make([]byte, e.kek.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate wrap nonce: %w", err)
	}
	return e.kek.Seal(nonce, nonce, dataKey, []byte(e.keyID)), nil
}

// unwrapDataKey opens a wrapped data key.
func (e *Envelope) unwrapDataKey(wrapped []byte) ([]byte, error) {
	nonceSize := e.kek.NonceSize()
	dataKey, err := e.kek.Open(nil, wrapped[:nonceSize], wrapped[nonceSize:], []byte(e.keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap data key: %s", ErrDecryptionFailed, err.Error())
	}
	return dataKey, nil
}

// Tokenize produces a deterministic HMAC-SHA256 token over (field, value).
func (e *Envelope) Tokenize(ctx context.Context, field, value string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, e.indexKey)
	mac.Write([]byte(field))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// IsEncrypted reports whether a stored value is an encrypted blob rather
// than plaintext.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, blobPrefix)
}

// splitBlob parses "enc:v1:{keyID}:{base64}" into key ID and payload.
func splitBlob(blob string) (keyID, payload string, err error) {
	if !strings.HasPrefix(blob, blobPrefix) {
		return "", "", fmt.Errorf("%w: missing prefix", ErrInvalidCiphertext)
	}
	rest := blob[len(blobPrefix):]
	idx := strings.IndexByte(rest, ':')
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", fmt.Errorf("%w: missing key id", ErrInvalidCiphertext)
	}
	return rest[:idx], rest[idx+1:], nil
}

// deriveKey derives a key using HKDF-SHA256.
func deriveKey(secret, info []byte, keyLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, info)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// newAEAD builds an AES-GCM AEAD from raw key bytes.
func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM cipher: %w", err)
	}
	return aead, nil
}

// GenerateMasterKey generates a cryptographically secure master key.
// Returns the key base64-encoded, suitable for configuration.
func GenerateMasterKey() (string, error) {
	key := make([]byte, kekLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
