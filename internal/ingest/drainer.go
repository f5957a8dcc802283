// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/custodian/internal/audit"
	"github.com/tomtom215/custodian/internal/ingest/queue"
	"github.com/tomtom215/custodian/internal/logging"
	"github.com/tomtom215/custodian/internal/metrics"
)

// Drainer replays outbound-queue entries into the store. It runs as a
// supervised service: Serve blocks until the context is canceled, draining
// on a fixed interval. Entries that still fail stay queued with their
// attempt count updated; an entry that hits the store as a duplicate was
// already persisted and is confirmed.
type Drainer struct {
	store    audit.Store
	outbound *queue.Queue

	// Interval between drain passes. Defaults to 30s.
	Interval time.Duration

	// WriteTimeout bounds each store write. Defaults to 5s.
	WriteTimeout time.Duration
}

// NewDrainer builds a drainer for the given queue and store.
func NewDrainer(store audit.Store, outbound *queue.Queue) *Drainer {
	return &Drainer{
		store:        store,
		outbound:     outbound,
		Interval:     30 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Serve implements suture.Service.
func (d *Drainer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Err(err).Msg("outbound queue drain pass failed")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (d *Drainer) String() string {
	return "outbound-queue-drainer"
}

// Drain runs one replay pass over all pending entries.
func (d *Drainer) Drain(ctx context.Context) error {
	entries, err := d.outbound.Pending(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.replay(ctx, entry)
	}

	metrics.QueueDepth.Set(float64(d.outbound.Stats().Pending))
	return nil
}

func (d *Drainer) replay(ctx context.Context, entry *queue.Entry) {
	writeCtx, cancel := context.WithTimeout(ctx, d.WriteTimeout)
	defer cancel()

	err := d.store.Put(writeCtx, entry.Record)
	if err != nil && !errors.Is(err, audit.ErrDuplicateRecord) {
		metrics.QueueReplays.WithLabelValues("failure").Inc()
		if failErr := d.outbound.Fail(ctx, entry.ID, err); failErr != nil {
			logging.Err(failErr).Str("queue_entry", entry.ID).Msg("record replay attempt")
		}
		return
	}

	if confirmErr := d.outbound.Confirm(ctx, entry.ID); confirmErr != nil {
		logging.Err(confirmErr).Str("queue_entry", entry.ID).Msg("confirm replayed entry")
		return
	}
	metrics.QueueReplays.WithLabelValues("success").Inc()
	logging.Debug().
		Str("event_id", entry.Record.ID).
		Int("attempts", entry.Attempts).
		Msg("queued record replayed to store")
}
