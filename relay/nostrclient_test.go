// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/bureau-foundation/nostrsync/identity"
	"github.com/bureau-foundation/nostrsync/lib/testutil"
)

// wireRelay is a minimal NIP-01 relay over a real WebSocket. It
// stores published events, answers REQ with stored matches and EOSE,
// and forwards new events to every open subscription.
type wireRelay struct {
	server *httptest.Server
	url    string
	reject atomic.Bool

	mu       sync.Mutex
	dials    int
	requests int
	closes   int
	stored   []nostr.Event
	peers    map[*wirePeer]struct{}
}

type wirePeer struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
	// subs is guarded by wireRelay.mu.
	subs map[string]nostr.Filters
}

func (p *wirePeer) send(envelope nostr.Envelope) {
	data, err := envelope.MarshalJSON()
	if err != nil {
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.WriteMessage(websocket.TextMessage, data)
}

func newWireRelay(t *testing.T) *wireRelay {
	t.Helper()
	r := &wireRelay{peers: make(map[*wirePeer]struct{})}
	upgrader := websocket.Upgrader{}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.serve(&wirePeer{conn: conn, subs: make(map[string]nostr.Filters)})
	}))
	t.Cleanup(r.server.Close)
	r.url = nostr.NormalizeURL("ws" + strings.TrimPrefix(r.server.URL, "http"))
	return r
}

func (r *wireRelay) serve(peer *wirePeer) {
	r.mu.Lock()
	r.dials++
	r.peers[peer] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.peers, peer)
		r.mu.Unlock()
		peer.conn.Close()
	}()

	parser := nostr.NewMessageParser()
	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			return
		}
		envelope, err := parser.ParseMessage(string(data))
		if err != nil || envelope == nil {
			continue
		}
		switch env := envelope.(type) {
		case *nostr.ReqEnvelope:
			r.mu.Lock()
			r.requests++
			peer.subs[env.SubscriptionID] = env.Filters
			var replay []nostr.Event
			for _, event := range r.stored {
				if env.Filters.Match(&event) {
					replay = append(replay, event)
				}
			}
			r.mu.Unlock()
			for _, event := range replay {
				peer.send(&nostr.EventEnvelope{SubscriptionID: &env.SubscriptionID, Event: event})
			}
			eose := nostr.EOSEEnvelope(env.SubscriptionID)
			peer.send(&eose)
		case *nostr.CloseEnvelope:
			r.mu.Lock()
			r.closes++
			delete(peer.subs, string(*env))
			r.mu.Unlock()
		case *nostr.EventEnvelope:
			if r.reject.Load() {
				peer.send(&nostr.OKEnvelope{EventID: env.Event.ID, OK: false, Reason: "blocked: not accepting"})
				continue
			}
			r.deliver(env.Event)
			peer.send(&nostr.OKEnvelope{EventID: env.Event.ID, OK: true})
		}
	}
}

func (r *wireRelay) deliver(event nostr.Event) {
	type target struct {
		peer *wirePeer
		id   string
	}
	r.mu.Lock()
	r.stored = append(r.stored, event)
	var targets []target
	for peer := range r.peers {
		for id, filters := range peer.subs {
			if filters.Match(&event) {
				targets = append(targets, target{peer, id})
			}
		}
	}
	r.mu.Unlock()
	for _, to := range targets {
		to.peer.send(&nostr.EventEnvelope{SubscriptionID: &to.id, Event: event})
	}
}

// drop closes every client connection from the relay side.
func (r *wireRelay) drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for peer := range r.peers {
		peer.conn.Close()
	}
}

func (r *wireRelay) counts() (dials, requests, closes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials, r.requests, r.closes
}

func dialedClient(t *testing.T, urls ...string) *NostrClient {
	t.Helper()
	client := NewNostrClient(nil)
	t.Cleanup(func() { client.Disconnect() })
	for _, url := range urls {
		if err := client.AddRelay(url); err != nil {
			t.Fatalf("AddRelay(%s): %v", url, err)
		}
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client.WaitForConnection(context.Background(), 5*time.Second)
	return client
}

func collectWire(t *testing.T, client *NostrClient) <-chan notification {
	t.Helper()
	received := make(chan notification, 64)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.HandleNotifications(ctx, HandlerFunc(func(_ context.Context, relayURL, subscriptionID string, event nostr.Event) error {
		received <- notification{relayURL: relayURL, subscriptionID: subscriptionID, event: event}
		return nil
	}))
	return received
}

// giftWrapTo returns a signed gift wrap addressed to a fresh key, and a
// filter matching it.
func giftWrapTo(t *testing.T, content string) (nostr.Event, Filter) {
	t.Helper()
	sender, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer sender.Close()
	recipient, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer recipient.Close()
	event, err := sender.Wrap(content, recipient.PublicKey(), time.Now())
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	return event, Filter{Recipient: recipient.PublicKey(), Kinds: []int{identity.KindGiftWrap}}
}

func TestNostrClientConnect(t *testing.T) {
	server := newWireRelay(t)
	client := dialedClient(t, server.url)

	connected := client.ConnectedRelays()
	if len(connected) != 1 || connected[0] != server.url {
		t.Fatalf("ConnectedRelays = %v, want [%s]", connected, server.url)
	}
	// A second Connect leaves a live relay alone.
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client.WaitForConnection(context.Background(), 5*time.Second)
	if dials, _, _ := server.counts(); dials != 1 {
		t.Errorf("relay dialed %d times, want 1", dials)
	}

	if err := client.AddRelay(""); err == nil {
		t.Error("AddRelay accepted an empty URL")
	}
}

func TestNostrClientUnreachableRelayStaysIdle(t *testing.T) {
	plain := httptest.NewServer(http.NotFoundHandler())
	defer plain.Close()

	client := dialedClient(t, "ws"+strings.TrimPrefix(plain.URL, "http"))
	if connected := client.ConnectedRelays(); len(connected) != 0 {
		t.Errorf("ConnectedRelays = %v, want none", connected)
	}
	event, _ := giftWrapTo(t, "nowhere")
	if _, err := client.Publish(context.Background(), event); !errors.Is(err, ErrNoRelays) {
		t.Errorf("Publish = %v, want ErrNoRelays", err)
	}
}

func TestNostrClientDeferredSubscriptionOpensOnConnect(t *testing.T) {
	server := newWireRelay(t)
	event, filter := giftWrapTo(t, "deferred")

	client := NewNostrClient(nil)
	t.Cleanup(func() { client.Disconnect() })
	received := collectWire(t, client)

	id, err := client.Subscribe(context.Background(), filter)
	if err != nil {
		t.Fatalf("Subscribe with no relays: %v", err)
	}
	if err := client.AddRelay(server.url); err != nil {
		t.Fatalf("AddRelay: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client.WaitForConnection(context.Background(), 5*time.Second)
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, requests, _ := server.counts()
		return requests == 1
	}, "deferred subscription reached the relay")

	published, err := client.Publish(context.Background(), event)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if published != event.ID {
		t.Errorf("Publish returned %s, want %s", published, event.ID)
	}

	got := testutil.RequireReceive(t, received, 5*time.Second, "published event not delivered")
	if got.event.ID != event.ID {
		t.Errorf("delivered event %s, want %s", got.event.ID, event.ID)
	}
	if got.subscriptionID != id || got.relayURL != server.url {
		t.Errorf("delivered on (%s, %s), want (%s, %s)", got.relayURL, got.subscriptionID, server.url, id)
	}
}

func TestNostrClientReplaysStoredEvents(t *testing.T) {
	server := newWireRelay(t)
	event, filter := giftWrapTo(t, "stored")
	server.deliver(event)

	client := dialedClient(t, server.url)
	received := collectWire(t, client)
	if _, err := client.Subscribe(context.Background(), filter); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	got := testutil.RequireReceive(t, received, 5*time.Second, "stored event not replayed")
	if got.event.ID != event.ID {
		t.Errorf("replayed %s, want %s", got.event.ID, event.ID)
	}
}

func TestNostrClientPublishRejected(t *testing.T) {
	server := newWireRelay(t)
	server.reject.Store(true)
	client := dialedClient(t, server.url)

	event, _ := giftWrapTo(t, "refused")
	_, err := client.Publish(context.Background(), event)
	if err == nil {
		t.Fatal("Publish succeeded on a rejecting relay")
	}
	if !strings.Contains(err.Error(), "blocked") {
		t.Errorf("Publish error %q does not carry the relay's reason", err)
	}
}

func TestNostrClientUnsubscribeStopsDelivery(t *testing.T) {
	server := newWireRelay(t)
	event, filter := giftWrapTo(t, "after close")
	client := dialedClient(t, server.url)
	received := collectWire(t, client)

	id, err := client.Subscribe(context.Background(), filter)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, requests, _ := server.counts()
		return requests == 1
	}, "subscription reached the relay")

	if err := client.Unsubscribe(context.Background(), id); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, _, closes := server.counts()
		return closes == 1
	}, "relay saw CLOSE")

	if _, err := client.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	testutil.RequireNoReceive(t, received, 200*time.Millisecond, "event delivered after Unsubscribe")
}

func TestNostrClientRedialsDroppedRelay(t *testing.T) {
	server := newWireRelay(t)
	event, filter := giftWrapTo(t, "after reconnect")
	client := dialedClient(t, server.url)
	received := collectWire(t, client)

	id, err := client.Subscribe(context.Background(), filter)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, requests, _ := server.counts()
		return requests == 1
	}, "subscription reached the relay")

	server.drop()
	testutil.Eventually(t, 5*time.Second, func() bool {
		return len(client.ConnectedRelays()) == 0
	}, "client noticed the dropped connection")

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client.WaitForConnection(context.Background(), 5*time.Second)
	if connected := client.ConnectedRelays(); len(connected) != 1 {
		t.Fatalf("ConnectedRelays after redial = %v, want [%s]", connected, server.url)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		dials, requests, _ := server.counts()
		return dials == 2 && requests == 2
	}, "relay redialed and subscription reopened")

	if _, err := client.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish after redial: %v", err)
	}
	got := testutil.RequireReceive(t, received, 5*time.Second, "event not delivered after redial")
	if got.event.ID != event.ID || got.subscriptionID != id {
		t.Errorf("delivered %s on %s, want %s on %s", got.event.ID, got.subscriptionID, event.ID, id)
	}
}

func TestNostrClientDisconnectEndsNotifications(t *testing.T) {
	server := newWireRelay(t)
	client := dialedClient(t, server.url)

	done := make(chan error, 1)
	go func() {
		done <- client.HandleNotifications(context.Background(), HandlerFunc(func(context.Context, string, string, nostr.Event) error {
			return nil
		}))
	}()
	// The close handshake may race the relay; only the shutdown matters.
	client.Disconnect()
	if err := testutil.RequireReceive(t, done, time.Second, "HandleNotifications did not return"); err != nil {
		t.Errorf("HandleNotifications = %v, want nil", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("second Disconnect = %v", err)
	}
	if _, err := client.Subscribe(context.Background(), Filter{}); err == nil {
		t.Error("Subscribe succeeded after Disconnect")
	}
	if err := client.Connect(context.Background()); err == nil {
		t.Error("Connect succeeded after Disconnect")
	}
}
