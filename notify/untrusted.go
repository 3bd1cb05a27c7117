// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bureau-foundation/nostrsync/lib/metrics"
)

// DefaultUntrustedBufferSize bounds an UntrustedBuffer when no size is
// given.
const DefaultUntrustedBufferSize = 10_000

// UntrustedBuffer is a count-bounded FIFO of raw events that decrypted
// but came from a sender outside the allow-set. When a Push would
// exceed the limit the oldest entry is dropped. An event already
// buffered is not buffered twice.
//
// Thread-safe: all methods may be called concurrently.
type UntrustedBuffer struct {
	mu      sync.Mutex
	limit   int
	entries []nostr.Event
	ids     map[string]struct{}
	dropped uint64
}

// NewUntrustedBuffer creates a buffer holding at most limit events. A
// non-positive limit selects DefaultUntrustedBufferSize.
func NewUntrustedBuffer(limit int) *UntrustedBuffer {
	if limit <= 0 {
		limit = DefaultUntrustedBufferSize
	}
	return &UntrustedBuffer{limit: limit, ids: make(map[string]struct{})}
}

// Push appends event and reports whether it was new.
func (b *UntrustedBuffer) Push(event nostr.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, found := b.ids[event.ID]; found {
		return false
	}
	for len(b.entries) >= b.limit {
		evicted := b.entries[0]
		b.entries[0] = nostr.Event{}
		b.entries = b.entries[1:]
		delete(b.ids, evicted.ID)
		b.dropped++
		metrics.UntrustedBuffered.Dec()
	}
	b.entries = append(b.entries, event)
	b.ids[event.ID] = struct{}{}
	metrics.UntrustedBuffered.Inc()
	return true
}

// Drain removes and returns every buffered event, oldest first.
func (b *UntrustedBuffer) Drain() []nostr.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	drained := b.entries
	b.entries = nil
	b.ids = make(map[string]struct{})
	metrics.UntrustedBuffered.Sub(float64(len(drained)))
	return drained
}

func (b *UntrustedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped returns how many events were evicted to make room.
func (b *UntrustedBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
