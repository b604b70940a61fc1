// Package upload implements upload pairing (spec §4.K): a rendezvous
// between a client-initiated upload stream and a pending peer-initiated
// handler, keyed by correlation id, bounded by count and TTL.
package upload

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrMaxPendingChannelsExceeded is returned by Add when the pairing table
// is already at capacity.
var ErrMaxPendingChannelsExceeded = errors.New("upload: max pending channels exceeded")

// ErrPendingChannelTimeout names the pending-channel timeout. Nothing in
// this package returns it: an entry that expires unclaimed is dropped
// silently, and a later Use reports ErrNotFound.
var ErrPendingChannelTimeout = errors.New("upload: pending channel timeout")

// ErrNotFound is returned by Use when no entry exists for a correlation id.
var ErrNotFound = errors.New("upload: correlation id not found")

type entry struct {
	stream io.ReadCloser
	claim  chan struct{}
	timer  *time.Timer
}

// Table is the process-wide pairing map.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	max     int
	ttl     time.Duration
}

// New creates a Table enforcing max concurrently pending entries, each
// evicted after ttl if unclaimed.
func New(max int, ttl time.Duration) *Table {
	return &Table{entries: make(map[string]*entry), max: max, ttl: ttl}
}

// Add stores stream under correlationID and arms its timeout, then returns
// without waiting for Use. It fails with ErrMaxPendingChannelsExceeded if
// the table is already full.
func (t *Table) Add(correlationID string, stream io.ReadCloser) error {
	t.mu.Lock()
	if len(t.entries) >= t.max {
		t.mu.Unlock()
		return ErrMaxPendingChannelsExceeded
	}
	e := &entry{stream: stream, claim: make(chan struct{})}
	e.timer = time.AfterFunc(t.ttl, func() { t.evict(correlationID, e) })
	t.entries[correlationID] = e
	t.mu.Unlock()
	return nil
}

func (t *Table) evict(correlationID string, e *entry) {
	t.mu.Lock()
	if cur, ok := t.entries[correlationID]; ok && cur == e {
		delete(t.entries, correlationID)
	}
	t.mu.Unlock()
}

// Use removes and returns the stream registered under correlationID and
// closes its claim channel; Add does not wait on that channel, so nothing
// observes the handoff. Returns ErrNotFound if absent (already claimed,
// evicted, or never added).
func (t *Table) Use(correlationID string) (io.ReadCloser, error) {
	t.mu.Lock()
	e, ok := t.entries[correlationID]
	if ok {
		delete(t.entries, correlationID)
	}
	t.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.timer.Stop()
	close(e.claim)
	return e.stream, nil
}

// Len reports the current number of pending entries, for diagnostics and
// tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
