// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"sync"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/nostrsync/dm"
)

// DefaultProcessedLogSize bounds a ProcessedLog when no size is given.
const DefaultProcessedLogSize = 10_000

type eventDigest [32]byte

// digestOf hashes the canonical JSON of the message's event, the same
// bytes dm.Message.Equal compares. Messages without an event share the
// zero digest and report ok=false.
func digestOf(message *dm.Message) (eventDigest, bool) {
	if message == nil || message.Event == nil {
		return eventDigest{}, false
	}
	return blake3.Sum256([]byte(message.Event.String())), true
}

// ProcessedLog is the bounded FIFO of delivered messages. Once full,
// each append evicts the oldest entry; a replay of an evicted event is
// treated as new.
//
// Safe for concurrent use.
type ProcessedLog struct {
	mu      sync.Mutex
	limit   int
	entries []*dm.Message
	index   map[eventDigest]struct{}
}

// NewProcessedLog creates a log holding at most limit messages. A
// non-positive limit selects DefaultProcessedLogSize.
func NewProcessedLog(limit int) *ProcessedLog {
	if limit <= 0 {
		limit = DefaultProcessedLogSize
	}
	return &ProcessedLog{limit: limit, index: make(map[eventDigest]struct{})}
}

// Contains reports whether an equal message was already appended.
func (l *ProcessedLog) Contains(message *dm.Message) bool {
	digest, ok := digestOf(message)
	l.mu.Lock()
	defer l.mu.Unlock()
	if ok {
		_, found := l.index[digest]
		return found
	}
	for _, entry := range l.entries {
		if entry.Equal(message) {
			return true
		}
	}
	return false
}

// Append adds message unless an equal message is present, and reports
// whether it was added. Check and append are one step so concurrent
// deliveries of the same event admit exactly one.
func (l *ProcessedLog) Append(message *dm.Message) bool {
	digest, hasEvent := digestOf(message)

	l.mu.Lock()
	defer l.mu.Unlock()
	if hasEvent {
		if _, found := l.index[digest]; found {
			return false
		}
		l.index[digest] = struct{}{}
	}
	l.entries = append(l.entries, message)
	for len(l.entries) > l.limit {
		evicted := l.entries[0]
		l.entries[0] = nil
		l.entries = l.entries[1:]
		if evictedDigest, ok := digestOf(evicted); ok {
			delete(l.index, evictedDigest)
		}
	}
	return true
}

// Remove deletes the entry equal to message, reporting whether one was
// found.
func (l *ProcessedLog) Remove(message *dm.Message) bool {
	digest, hasEvent := digestOf(message)

	l.mu.Lock()
	defer l.mu.Unlock()
	for i, entry := range l.entries {
		if !entry.Equal(message) {
			continue
		}
		l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
		if hasEvent {
			delete(l.index, digest)
		}
		return true
	}
	return false
}

// Messages returns the entries oldest first.
func (l *ProcessedLog) Messages() []*dm.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*dm.Message, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *ProcessedLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
