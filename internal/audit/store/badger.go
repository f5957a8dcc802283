// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package store implements the audit Store on BadgerDB.
//
// Layout:
//
//	log:{pk}:{sk}                          -> Record JSON
//	idx:date:{datePartition}:{ts}#{id}     -> record key
//	idx:event:{type}:{ts}#{id}             -> record key
//	idx:patient:{patientKey}:{ts}#{id}     -> record key
//
// The partition key spreads writes across users; the three secondary indexes
// make every record reachable by date, event type, and (for PHI access)
// patient. Every entry is written with a Badger TTL equal to the record's
// retention deadline, so retention is enforced by the store itself and
// survives application bugs.
package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/custodian/internal/audit"
	"github.com/tomtom215/custodian/internal/logging"
)

// ErrBadCursor is returned for a malformed pagination cursor.
var ErrBadCursor = errors.New("malformed pagination cursor")

// Query limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Key prefixes.
const (
	recordKeyPrefix  = "log:"
	dateIdxPrefix    = "idx:date:"
	eventIdxPrefix   = "idx:event:"
	patientIdxPrefix = "idx:patient:"
)

// Config holds store configuration.
type Config struct {
	// Path is the Badger data directory. Ignored when InMemory is set.
	Path string

	// InMemory runs the store without disk persistence (tests, development).
	InMemory bool
}

// BadgerStore implements audit.Store.
type BadgerStore struct {
	db *badger.DB
}

// compile-time interface check
var _ audit.Store = (*BadgerStore)(nil)

// Open opens (or creates) the store.
func Open(cfg Config) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewWithDB wraps an existing Badger handle (shared with other components).
func NewWithDB(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Close releases store resources.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying Badger handle for components that share the
// store's database, such as origin tracking.
func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

// RunGC triggers one value-log garbage collection pass.
// Called periodically by the supervisor; badger.ErrNoRewrite means there
// was nothing to collect and is not an error.
func (s *BadgerStore) RunGC() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// recordKey builds the primary key for a record.
func recordKey(pk, sk string) []byte {
	return []byte(recordKeyPrefix + pk + ":" + sk)
}

// indexSuffix builds the time-ordered tail shared by all index keys.
func indexSuffix(rec *audit.Record) string {
	return rec.Timestamp + "#" + rec.ID
}

// indexKeys returns all secondary index keys for a record.
func indexKeys(rec *audit.Record) [][]byte {
	keys := [][]byte{
		[]byte(dateIdxPrefix + rec.DatePartition + ":" + indexSuffix(rec)),
		[]byte(eventIdxPrefix + string(rec.Event.Event) + ":" + indexSuffix(rec)),
	}
	if rec.PHIAccessed && rec.PatientKey != "" {
		keys = append(keys, []byte(patientIdxPrefix+rec.PatientKey+":"+indexSuffix(rec)))
	}
	return keys
}

// Put persists a record and its index entries in one transaction.
// Returns audit.ErrDuplicateRecord if the primary key already exists.
func (s *BadgerStore) Put(ctx context.Context, rec *audit.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	key := recordKey(rec.PK, rec.SK)
	ttl := time.Until(rec.RetentionUntil)

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return audit.ErrDuplicateRecord
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("check record: %w", err)
		}

		if err := setWithTTL(txn, key, data, ttl); err != nil {
			return fmt.Errorf("set record: %w", err)
		}
		for _, idxKey := range indexKeys(rec) {
			if err := setWithTTL(txn, idxKey, key, ttl); err != nil {
				return fmt.Errorf("set index: %w", err)
			}
		}
		return nil
	})
}

// PutBatch persists records in one transaction. Records whose primary key
// already exists are reported as succeeded (idempotent retry per event ID);
// a transaction failure fails every remaining record with the same error.
func (s *BadgerStore) PutBatch(ctx context.Context, recs []*audit.Record) (*audit.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(recs) > audit.BatchLimit {
		return nil, audit.ErrBatchTooLarge
	}

	result := &audit.BatchResult{}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range recs {
			key := recordKey(rec.PK, rec.SK)

			_, err := txn.Get(key)
			if err == nil {
				// Already persisted by an earlier attempt.
				result.Succeeded = append(result.Succeeded, rec.ID)
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("check record %s: %w", rec.ID, err)
			}

			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal record %s: %w", rec.ID, err)
			}

			ttl := time.Until(rec.RetentionUntil)
			if err := setWithTTL(txn, key, data, ttl); err != nil {
				return fmt.Errorf("set record %s: %w", rec.ID, err)
			}
			for _, idxKey := range indexKeys(rec) {
				if err := setWithTTL(txn, idxKey, key, ttl); err != nil {
					return fmt.Errorf("set index for %s: %w", rec.ID, err)
				}
			}
			result.Succeeded = append(result.Succeeded, rec.ID)
		}
		return nil
	})

	if err != nil {
		failed := &audit.BatchResult{}
		for _, rec := range recs {
			failed.Failed = append(failed.Failed, audit.BatchFailure{ID: rec.ID, Err: err.Error()})
		}
		return failed, err
	}
	return result, nil
}

// setWithTTL writes an entry carrying the record's retention TTL.
func setWithTTL(txn *badger.Txn, key, val []byte, ttl time.Duration) error {
	entry := badger.NewEntry(key, val)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return txn.SetEntry(entry)
}

// Get retrieves a record by composite primary key.
func (s *BadgerStore) Get(ctx context.Context, pk, sk string) (*audit.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec audit.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(pk, sk))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return audit.ErrRecordNotFound
		}
		if err != nil {
			return fmt.Errorf("get record: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// QueryByUser reads a user's partition.
func (s *BadgerStore) QueryByUser(ctx context.Context, userID string, r audit.TimeRange, p audit.Page) (*audit.QueryResult, error) {
	prefix := []byte(recordKeyPrefix + audit.PartitionKey(userID) + ":")
	recs, err := s.collectRecords(ctx, prefix, r)
	if err != nil {
		return nil, err
	}
	return paginate(recs, p)
}

// QueryByDate reads the date index.
func (s *BadgerStore) QueryByDate(ctx context.Context, r audit.TimeRange, p audit.Page) (*audit.QueryResult, error) {
	recs, err := s.collectIndexed(ctx, []byte(dateIdxPrefix), r)
	if err != nil {
		return nil, err
	}
	return paginate(recs, p)
}

// QueryByEventType reads the event-type index.
func (s *BadgerStore) QueryByEventType(ctx context.Context, t audit.EventType, r audit.TimeRange, p audit.Page) (*audit.QueryResult, error) {
	prefix := []byte(eventIdxPrefix + string(t) + ":")
	recs, err := s.collectIndexed(ctx, prefix, r)
	if err != nil {
		return nil, err
	}
	return paginate(recs, p)
}

// QueryByPatient reads the PHI-access index by blind-index token.
func (s *BadgerStore) QueryByPatient(ctx context.Context, patientKey string, r audit.TimeRange, p audit.Page) (*audit.QueryResult, error) {
	prefix := []byte(patientIdxPrefix + patientKey + ":")
	recs, err := s.collectIndexed(ctx, prefix, r)
	if err != nil {
		return nil, err
	}
	return paginate(recs, p)
}

// collectRecords gathers records under a primary-key prefix, filtered by time range.
func (s *BadgerStore) collectRecords(ctx context.Context, prefix []byte, r audit.TimeRange) ([]audit.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var recs []audit.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec audit.Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("unmarshal record: %w", err)
			}
			if inRange(&rec, r) {
				recs = append(recs, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// collectIndexed gathers records referenced by index entries under a prefix.
// Index entries whose record has already been purged by TTL are skipped.
func (s *BadgerStore) collectIndexed(ctx context.Context, prefix []byte, r audit.TimeRange) ([]audit.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var recs []audit.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var key []byte
			err := it.Item().Value(func(val []byte) error {
				key = bytes.Clone(val)
				return nil
			})
			if err != nil {
				return fmt.Errorf("read index entry: %w", err)
			}

			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("dereference index: %w", err)
			}

			var rec audit.Record
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("unmarshal record: %w", err)
			}
			if inRange(&rec, r) {
				recs = append(recs, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// inRange reports whether a record's event time falls inside the range.
func inRange(rec *audit.Record, r audit.TimeRange) bool {
	ts, err := rec.Time()
	if err != nil {
		// A record with an unparsable timestamp cannot have been ingested;
		// skip rather than fail the whole query.
		return false
	}
	return r.Contains(ts)
}

// cursor is the decoded form of the opaque pagination token.
type cursor struct {
	TS string `json:"ts"`
	ID string `json:"id"`
}

// encodeCursor renders an opaque token for the record the page ended at.
func encodeCursor(rec *audit.Record) string {
	data, err := json.Marshal(cursor{TS: rec.Timestamp, ID: rec.ID})
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// decodeCursor parses an opaque token.
func decodeCursor(token string) (*cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrBadCursor
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, ErrBadCursor
	}
	return &c, nil
}

// paginate normalizes results to timestamp-descending order (regardless of
// which index served the query), applies the cursor, and slices one page.
func paginate(recs []audit.Record, p audit.Page) (*audit.QueryResult, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	sort.SliceStable(recs, func(i, j int) bool {
		ti, erri := recs[i].Time()
		tj, errj := recs[j].Time()
		if erri != nil || errj != nil {
			return recs[i].SK > recs[j].SK
		}
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return recs[i].ID > recs[j].ID
	})

	start := 0
	if p.Cursor != "" {
		c, err := decodeCursor(p.Cursor)
		if err != nil {
			return nil, err
		}
		for i := range recs {
			if recs[i].Timestamp == c.TS && recs[i].ID == c.ID {
				start = i + 1
				break
			}
		}
	}

	if start >= len(recs) {
		return &audit.QueryResult{}, nil
	}

	end := start + limit
	next := ""
	if end < len(recs) {
		next = encodeCursor(&recs[end-1])
	} else {
		end = len(recs)
	}

	page := make([]audit.Record, end-start)
	copy(page, recs[start:end])
	return &audit.QueryResult{Records: page, NextCursor: next}, nil
}

// badgerLogger routes Badger's internal logging through zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logging.Error().Msgf("badger: "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logging.Warn().Msgf("badger: "+format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	logging.Debug().Msgf("badger: "+format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	logging.Debug().Msgf("badger: "+format, args...)
}
