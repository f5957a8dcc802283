// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package monitor

import (
	"sync"
	"time"
)

// slidingWindow counts per-key occurrences inside a time window. Used by
// the rate-based detectors; Prune drops keys that went quiet.
type slidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	hits   map[string][]time.Time
}

func newSlidingWindow(window time.Duration) *slidingWindow {
	return &slidingWindow{
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// observe records one occurrence and returns the in-window count for key.
func (w *slidingWindow) observe(key string, at time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := at.Add(-w.window)
	kept := w.hits[key][:0]
	for _, t := range w.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	w.hits[key] = kept
	return len(kept)
}

// prune drops entries older than the window relative to now.
func (w *slidingWindow) prune(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	for key, times := range w.hits {
		kept := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(w.hits, key)
			continue
		}
		w.hits[key] = kept
	}
}
