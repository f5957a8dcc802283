// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package queue provides a bounded, durable outbound queue for audit records
// that could not be written to the store within the ingestion retry budget.
//
// Entries are persisted to BadgerDB before the caller is answered, so an
// accepted record survives a process crash. The queue holds only encrypted
// records: encryption failures are rejected upstream and never reach it.
// When the queue is full, ingestion fails the request rather than buffer
// without bound.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/custodian/internal/audit"
)

// Queue errors.
var (
	// ErrQueueFull is returned when the queue is at capacity. The caller
	// must surface a write failure instead of accepting the record.
	ErrQueueFull = errors.New("outbound queue is full")

	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("outbound queue is closed")

	// ErrEntryNotFound is returned by Confirm for an unknown entry ID.
	ErrEntryNotFound = errors.New("queue entry not found")
)

// DefaultMaxEntries bounds the queue when the configuration does not.
const DefaultMaxEntries = 10000

const pendingPrefix = "outq:pending:"

// Entry is one queued record with replay metadata.
type Entry struct {
	// ID is the queue entry identifier, distinct from the record's event ID.
	ID string `json:"id"`

	// Record is the encrypted audit record awaiting a store write.
	Record *audit.Record `json:"record"`

	// EnqueuedAt is when the entry was accepted.
	EnqueuedAt time.Time `json:"enqueuedAt"`

	// Attempts counts replay attempts by the drainer.
	Attempts int `json:"attempts"`

	// LastError is the error message from the last failed replay.
	LastError string `json:"lastError,omitempty"`
}

// Config holds queue configuration.
type Config struct {
	// Path is the Badger data directory. Ignored when InMemory is set.
	Path string

	// InMemory runs the queue without disk persistence (tests only; a
	// crash loses queued records).
	InMemory bool

	// MaxEntries caps the number of pending entries.
	MaxEntries int
}

// Queue is the Badger-backed bounded outbound queue.
type Queue struct {
	db         *badger.DB
	maxEntries int

	pending       atomic.Int64
	totalEnqueues atomic.Int64
	totalConfirms atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Stats reports queue depth and throughput counters.
type Stats struct {
	Pending       int64
	MaxEntries    int64
	TotalEnqueues int64
	TotalConfirms int64
}

// Open opens (or creates) the queue and counts pending entries left over
// from a previous run, so the bound holds across restarts.
func Open(cfg Config) (*Queue, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open outbound queue: %w", err)
	}

	q := &Queue{db: db, maxEntries: cfg.MaxEntries}

	count, err := q.countPending()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("count pending entries: %w", err)
	}
	q.pending.Store(count)

	return q, nil
}

func (q *Queue) countPending() (int64, error) {
	var count int64
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(pendingPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Enqueue durably persists a record for later replay.
// Returns ErrQueueFull when the bound is reached.
func (q *Queue) Enqueue(ctx context.Context, rec *audit.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return "", ErrQueueClosed
	}
	q.mu.RUnlock()

	if q.pending.Load() >= int64(q.maxEntries) {
		return "", ErrQueueFull
	}

	entry := &Entry{
		ID:         uuid.New().String(),
		Record:     rec,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal queue entry: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(pendingPrefix+entry.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	q.pending.Add(1)
	q.totalEnqueues.Add(1)
	return entry.ID, nil
}

// Pending returns queued entries oldest first.
func (q *Queue) Pending(ctx context.Context) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil, ErrQueueClosed
	}
	q.mu.RUnlock()

	var entries []*Entry
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pendingPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("unmarshal queue entry: %w", err)
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
	return entries, nil
}

// Confirm removes an entry after a successful replay.
func (q *Queue) Confirm(ctx context.Context, entryID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.mu.RUnlock()

	key := []byte(pendingPrefix + entryID)
	err := q.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrEntryNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return err
	}

	q.pending.Add(-1)
	q.totalConfirms.Add(1)
	return nil
}

// Fail records a failed replay attempt so operators can see why an entry
// is stuck. The entry stays pending.
func (q *Queue) Fail(ctx context.Context, entryID string, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := []byte(pendingPrefix + entryID)
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		if err != nil {
			return err
		}

		var entry Entry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return fmt.Errorf("unmarshal queue entry: %w", err)
		}

		entry.Attempts++
		if cause != nil {
			entry.LastError = cause.Error()
		}

		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("marshal queue entry: %w", err)
		}
		return txn.Set(key, data)
	})
}

// Stats returns queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Pending:       q.pending.Load(),
		MaxEntries:    int64(q.maxEntries),
		TotalEnqueues: q.totalEnqueues.Load(),
		TotalConfirms: q.totalConfirms.Load(),
	}
}

// Close shuts the queue down. Pending entries remain on disk for the next
// run to replay.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	return q.db.Close()
}
