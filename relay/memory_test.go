// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bureau-foundation/nostrsync/identity"
	"github.com/bureau-foundation/nostrsync/lib/testutil"
)

const (
	recipientHex = "aa00000000000000000000000000000000000000000000000000000000000001"
	otherHex     = "aa00000000000000000000000000000000000000000000000000000000000002"
)

func addressedEvent(id string, kind int, recipient string, createdAt time.Time) nostr.Event {
	return nostr.Event{
		ID:        id,
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Tags:      nostr.Tags{{"p", recipient}},
	}
}

func TestFilterMatches(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	filter := Filter{
		Recipient: identity.PublicKey(recipientHex),
		Kinds:     []int{identity.KindLegacyDirectMessage, identity.KindGiftWrap},
		Since:     since,
	}

	tests := []struct {
		name  string
		event nostr.Event
		want  bool
	}{
		{"gift wrap", addressedEvent("1", identity.KindGiftWrap, recipientHex, since), true},
		{"legacy", addressedEvent("2", identity.KindLegacyDirectMessage, recipientHex, since.Add(time.Hour)), true},
		{"wrong kind", addressedEvent("3", 1, recipientHex, since), false},
		{"wrong recipient", addressedEvent("4", identity.KindGiftWrap, otherHex, since), false},
		{"too old", addressedEvent("5", identity.KindGiftWrap, recipientHex, since.Add(-time.Second)), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := filter.Matches(test.event); got != test.want {
				t.Errorf("Matches = %v, want %v", got, test.want)
			}
		})
	}
}

func collect(t *testing.T, client *MemoryClient) (<-chan nostr.Event, context.CancelFunc) {
	t.Helper()
	events := make(chan nostr.Event, 64)
	ctx, cancel := context.WithCancel(context.Background())
	go client.HandleNotifications(ctx, HandlerFunc(func(_ context.Context, _, _ string, event nostr.Event) error {
		events <- event
		return nil
	}))
	return events, cancel
}

func connectedClient(t *testing.T, network *MemoryNetwork, urls ...string) *MemoryClient {
	t.Helper()
	client := network.NewClient()
	for _, url := range urls {
		if err := client.AddRelay(url); err != nil {
			t.Fatalf("AddRelay(%s): %v", url, err)
		}
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return client
}

func TestMemoryClientDeliversToMatchingSubscription(t *testing.T) {
	network := NewMemoryNetwork("wss://one", "wss://two")
	sender := connectedClient(t, network, "wss://one")
	receiver := connectedClient(t, network, "wss://one", "wss://two")
	events, cancel := collect(t, receiver)
	defer cancel()

	ctx := context.Background()
	if _, err := receiver.Subscribe(ctx, Filter{Recipient: identity.PublicKey(recipientHex)}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	event := addressedEvent("e1", identity.KindGiftWrap, recipientHex, time.Now())
	if id, err := sender.Publish(ctx, event); err != nil || id != "e1" {
		t.Fatalf("Publish = %q, %v", id, err)
	}
	if _, err := sender.Publish(ctx, addressedEvent("e2", identity.KindGiftWrap, otherHex, time.Now())); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := testutil.RequireReceive(t, events, time.Second, "waiting for event")
	if got.ID != "e1" {
		t.Errorf("received %s, want e1", got.ID)
	}
	testutil.RequireNoReceive(t, events, 50*time.Millisecond, "event for another recipient delivered")
}

func TestMemoryClientReplaysStoredOnSubscribe(t *testing.T) {
	network := NewMemoryNetwork("wss://one")
	sender := connectedClient(t, network, "wss://one")
	ctx := context.Background()
	if _, err := sender.Publish(ctx, addressedEvent("stored", identity.KindGiftWrap, recipientHex, time.Now())); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	receiver := connectedClient(t, network, "wss://one")
	events, cancel := collect(t, receiver)
	defer cancel()
	if _, err := receiver.Subscribe(ctx, Filter{Recipient: identity.PublicKey(recipientHex)}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	got := testutil.RequireReceive(t, events, time.Second, "waiting for stored event")
	if got.ID != "stored" {
		t.Errorf("received %s, want stored", got.ID)
	}
}

func TestMemoryClientUnsubscribeStopsDelivery(t *testing.T) {
	network := NewMemoryNetwork("wss://one")
	client := connectedClient(t, network, "wss://one")
	events, cancel := collect(t, client)
	defer cancel()

	ctx := context.Background()
	id, err := client.Subscribe(ctx, Filter{Recipient: identity.PublicKey(recipientHex)})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := client.Unsubscribe(ctx, id); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount = %d after Unsubscribe", client.SubscriptionCount())
	}
	if _, err := client.Publish(ctx, addressedEvent("late", identity.KindGiftWrap, recipientHex, time.Now())); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	testutil.RequireNoReceive(t, events, 50*time.Millisecond, "delivered after Unsubscribe")
}

func TestMemoryClientPublishWithoutRelays(t *testing.T) {
	network := NewMemoryNetwork("wss://one")
	network.SetOnline("wss://one", false)
	client := connectedClient(t, network, "wss://one")

	if got := client.ConnectedRelays(); len(got) != 0 {
		t.Fatalf("ConnectedRelays = %v, want none", got)
	}
	_, err := client.Publish(context.Background(), addressedEvent("x", identity.KindGiftWrap, recipientHex, time.Now()))
	if !errors.Is(err, ErrNoRelays) {
		t.Errorf("Publish error = %v, want ErrNoRelays", err)
	}
	if len(client.Published()) != 1 {
		t.Errorf("Published = %d, want the attempt recorded", len(client.Published()))
	}
}

func TestMemoryClientWithPool(t *testing.T) {
	network := NewMemoryNetwork("wss://a", "wss://b", "wss://c")
	network.SetOnline("wss://b", false)
	client := network.NewClient()

	pool := NewPool(PoolConfig{
		Client: client,
		List:   NewList([]string{"wss://a", "wss://b", "wss://c"}, time.Now(), 0),
		Quorum: 2,
	})
	ctx := context.Background()
	// First attempt tries a and b; b is down.
	if got := pool.EnsureConnected(ctx); got != 1 {
		t.Errorf("first EnsureConnected = %d, want 1", got)
	}
	// The widened attempt reaches c.
	if got := pool.EnsureConnected(ctx); got != 2 {
		t.Errorf("second EnsureConnected = %d, want 2", got)
	}
}

func TestMemoryClientDisconnectEndsNotifications(t *testing.T) {
	network := NewMemoryNetwork("wss://one")
	client := connectedClient(t, network, "wss://one")

	done := make(chan error, 1)
	go func() {
		done <- client.HandleNotifications(context.Background(), HandlerFunc(func(context.Context, string, string, nostr.Event) error {
			return nil
		}))
	}()
	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := testutil.RequireReceive(t, done, time.Second, "HandleNotifications did not return"); err != nil {
		t.Errorf("HandleNotifications = %v, want nil", err)
	}
}
