// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bureau-foundation/nostrsync/dm"
)

func messageFor(id string) *dm.Message {
	message := dm.NewChat(epoch, dm.GroupChat, id, nil)
	message.Event = &nostr.Event{ID: id, Kind: 1059, Content: id}
	return message
}

func TestProcessedLogEvictsOldest(t *testing.T) {
	log := NewProcessedLog(3)
	for i := range 5 {
		if !log.Append(messageFor(fmt.Sprint(i))) {
			t.Fatalf("Append(%d) reported duplicate", i)
		}
	}
	if log.Len() != 3 {
		t.Fatalf("Len = %d, want 3", log.Len())
	}
	if log.Contains(messageFor("0")) || log.Contains(messageFor("1")) {
		t.Error("evicted entries still found")
	}
	// An evicted event counts as new again.
	if !log.Append(messageFor("0")) {
		t.Error("evicted event rejected as duplicate")
	}
	if !log.Contains(messageFor("4")) {
		t.Error("newest entry missing")
	}
}

func TestProcessedLogDuplicateByEvent(t *testing.T) {
	log := NewProcessedLog(0)
	first := messageFor("a")
	second := messageFor("a")
	chat, _ := second.Chat()
	chat.Description = "different fields, same event"

	if !log.Append(first) {
		t.Fatal("first Append rejected")
	}
	if log.Append(second) {
		t.Error("same event appended twice")
	}
	if !log.Remove(second) {
		t.Error("Remove by equal message failed")
	}
	if log.Len() != 0 {
		t.Errorf("Len = %d after Remove", log.Len())
	}
}

func TestUntrustedBufferBoundAndDedup(t *testing.T) {
	buffer := NewUntrustedBuffer(2)
	if !buffer.Push(nostr.Event{ID: "a"}) || buffer.Push(nostr.Event{ID: "a"}) {
		t.Fatal("dedup by event ID failed")
	}
	buffer.Push(nostr.Event{ID: "b"})
	buffer.Push(nostr.Event{ID: "c"})
	if buffer.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", buffer.Dropped())
	}

	drained := buffer.Drain()
	if len(drained) != 2 || drained[0].ID != "b" || drained[1].ID != "c" {
		t.Errorf("Drain = %v, want [b c]", drained)
	}
	if buffer.Len() != 0 {
		t.Errorf("Len = %d after Drain", buffer.Len())
	}
	// Drained IDs can be buffered again.
	if !buffer.Push(nostr.Event{ID: "b"}) {
		t.Error("drained event rejected")
	}
}
