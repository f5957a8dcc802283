// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// OriginStore is the persisted set of network origins per principal.
// It outlives the process: restarting the service must not make every
// user's next request look like a new origin.
type OriginStore interface {
	// Seen reports whether this origin is known for the user.
	Seen(ctx context.Context, userID, ip string) (bool, error)

	// Known reports whether the user has any recorded origin.
	Known(ctx context.Context, userID string) (bool, error)

	// Remember records the origin for the user.
	Remember(ctx context.Context, userID, ip string) error
}

const originKeyPrefix = "origin:"

// originTTL ages origins out after 90 days of disuse, so an IP a user
// abandoned long ago eventually alerts again.
const originTTL = 90 * 24 * time.Hour

// BadgerOriginStore persists origins in a shared Badger handle.
type BadgerOriginStore struct {
	db *badger.DB
}

var _ OriginStore = (*BadgerOriginStore)(nil)

// NewBadgerOriginStore wraps an existing Badger database.
func NewBadgerOriginStore(db *badger.DB) *BadgerOriginStore {
	return &BadgerOriginStore{db: db}
}

func originKey(userID, ip string) []byte {
	return []byte(originKeyPrefix + userID + ":" + ip)
}

// Seen checks one origin and refreshes its TTL on hit.
func (s *BadgerOriginStore) Seen(ctx context.Context, userID, ip string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(originKey(userID, ip))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if found {
		// Refresh the TTL outside the read transaction; losing the
		// refresh on error only ages the origin out sooner.
		_ = s.Remember(ctx, userID, ip)
	}
	return found, nil
}

// Known scans for any origin under the user's prefix.
func (s *BadgerOriginStore) Known(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	prefix := []byte(originKeyPrefix + userID + ":")
	known := false
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(prefix)
		known = it.ValidForPrefix(prefix)
		return nil
	})
	return known, err
}

// Remember writes the origin with the disuse TTL.
func (s *BadgerOriginStore) Remember(ctx context.Context, userID, ip string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(originKey(userID, ip), nil).WithTTL(originTTL)
		return txn.SetEntry(entry)
	})
}

// MemoryOriginStore is an in-memory OriginStore for tests.
type MemoryOriginStore struct {
	mu      sync.Mutex
	origins map[string]map[string]struct{}
}

var _ OriginStore = (*MemoryOriginStore)(nil)

// NewMemoryOriginStore builds an empty store.
func NewMemoryOriginStore() *MemoryOriginStore {
	return &MemoryOriginStore{origins: make(map[string]map[string]struct{})}
}

func (s *MemoryOriginStore) Seen(_ context.Context, userID, ip string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.origins[userID][ip]
	return ok, nil
}

func (s *MemoryOriginStore) Known(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.origins[userID]) > 0, nil
}

func (s *MemoryOriginStore) Remember(_ context.Context, userID, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.origins[userID] == nil {
		s.origins[userID] = make(map[string]struct{})
	}
	s.origins[userID][ip] = struct{}{}
	return nil
}
