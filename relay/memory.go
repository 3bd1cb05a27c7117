// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

// MemoryNetwork is an in-process set of relays. Clients created with
// NewClient publish to and subscribe on the relays they have
// connected, with the same store-and-forward behaviour a real relay
// has: stored events replay on subscribe, new events fan out to
// matching subscriptions.
type MemoryNetwork struct {
	mu      sync.Mutex
	relays  map[string]*memoryRelay
	clients []*MemoryClient
}

type memoryRelay struct {
	online bool
	events []nostr.Event
}

// NewMemoryNetwork creates a network with the given relays online.
func NewMemoryNetwork(urls ...string) *MemoryNetwork {
	network := &MemoryNetwork{relays: make(map[string]*memoryRelay)}
	for _, url := range urls {
		network.relays[url] = &memoryRelay{online: true}
	}
	return network
}

// SetOnline adds url if needed and sets its reachability. Taking a
// relay offline disconnects every client from it.
func (n *MemoryNetwork) SetOnline(url string, online bool) {
	n.mu.Lock()
	relay, ok := n.relays[url]
	if !ok {
		relay = &memoryRelay{}
		n.relays[url] = relay
	}
	relay.online = online
	clients := slices.Clone(n.clients)
	n.mu.Unlock()

	if !online {
		for _, client := range clients {
			client.dropRelay(url)
		}
	}
}

// Stored returns a copy of the events held by url.
func (n *MemoryNetwork) Stored(url string) []nostr.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if relay, ok := n.relays[url]; ok {
		return slices.Clone(relay.events)
	}
	return nil
}

// NewClient creates a client attached to the network.
func (n *MemoryNetwork) NewClient() *MemoryClient {
	client := &MemoryClient{
		network:       n,
		added:         make(map[string]bool),
		connected:     make(map[string]bool),
		subscriptions: make(map[string]Filter),
		inbox:         make(chan notification, 1024),
		closed:        make(chan struct{}),
	}
	n.mu.Lock()
	n.clients = append(n.clients, client)
	n.mu.Unlock()
	return client
}

func (n *MemoryNetwork) online(url string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	relay, ok := n.relays[url]
	return ok && relay.online
}

// store records event on url and returns the clients to notify.
func (n *MemoryNetwork) store(url string, event nostr.Event) ([]*MemoryClient, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	relay, ok := n.relays[url]
	if !ok || !relay.online {
		return nil, false
	}
	for _, stored := range relay.events {
		if stored.ID == event.ID {
			return nil, true
		}
	}
	relay.events = append(relay.events, event)
	return slices.Clone(n.clients), true
}

type notification struct {
	relayURL       string
	subscriptionID string
	event          nostr.Event
}

// MemoryClient is a Client on a MemoryNetwork.
type MemoryClient struct {
	network *MemoryNetwork

	mu            sync.Mutex
	added         map[string]bool
	connected     map[string]bool
	subscriptions map[string]Filter
	published     []nostr.Event
	disconnected  bool

	inbox     chan notification
	closed    chan struct{}
	closeOnce sync.Once
}

var _ Client = (*MemoryClient)(nil)

func (c *MemoryClient) AddRelay(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added[url] = true
	return nil
}

func (c *MemoryClient) Connect(context.Context) error {
	c.mu.Lock()
	var newlyConnected []string
	for url := range c.added {
		if !c.connected[url] && c.network.online(url) {
			c.connected[url] = true
			newlyConnected = append(newlyConnected, url)
		}
	}
	subscriptions := make(map[string]Filter, len(c.subscriptions))
	for id, filter := range c.subscriptions {
		subscriptions[id] = filter
	}
	c.mu.Unlock()

	for _, url := range newlyConnected {
		for id, filter := range subscriptions {
			c.replayStored(url, id, filter)
		}
	}
	return nil
}

// WaitForConnection returns at once: memory handshakes are immediate.
func (c *MemoryClient) WaitForConnection(context.Context, time.Duration) {}

func (c *MemoryClient) ConnectedRelays() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	urls := make([]string, 0, len(c.connected))
	for url := range c.connected {
		urls = append(urls, url)
	}
	slices.Sort(urls)
	return urls
}

func (c *MemoryClient) Subscribe(_ context.Context, filter Filter) (string, error) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return "", errors.New("relay: client disconnected")
	}
	id := uuid.NewString()
	c.subscriptions[id] = filter
	urls := make([]string, 0, len(c.connected))
	for url := range c.connected {
		urls = append(urls, url)
	}
	c.mu.Unlock()

	for _, url := range urls {
		c.replayStored(url, id, filter)
	}
	return id, nil
}

func (c *MemoryClient) Unsubscribe(_ context.Context, subscriptionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, subscriptionID)
	return nil
}

func (c *MemoryClient) Publish(_ context.Context, event nostr.Event) (string, error) {
	c.mu.Lock()
	urls := make([]string, 0, len(c.connected))
	for url := range c.connected {
		urls = append(urls, url)
	}
	c.published = append(c.published, event)
	c.mu.Unlock()
	slices.Sort(urls)

	if len(urls) == 0 {
		return "", ErrNoRelays
	}
	accepted := 0
	for _, url := range urls {
		clients, ok := c.network.store(url, event)
		if !ok {
			continue
		}
		accepted++
		for _, client := range clients {
			client.deliver(url, event)
		}
	}
	if accepted == 0 {
		return "", fmt.Errorf("relay: no relay accepted event %s", event.ID)
	}
	return event.ID, nil
}

// Published returns every event passed to Publish, accepted or not.
func (c *MemoryClient) Published() []nostr.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.published)
}

// SubscriptionCount returns the number of open subscriptions.
func (c *MemoryClient) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions)
}

func (c *MemoryClient) HandleNotifications(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		case received := <-c.inbox:
			// Errors are the handler's business; the loop keeps going.
			_ = handler.Handle(ctx, received.relayURL, received.subscriptionID, received.event)
		}
	}
}

func (c *MemoryClient) Disconnect() error {
	c.mu.Lock()
	c.disconnected = true
	c.connected = make(map[string]bool)
	c.subscriptions = make(map[string]Filter)
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// deliver routes an event published on url to matching subscriptions.
func (c *MemoryClient) deliver(url string, event nostr.Event) {
	c.mu.Lock()
	if !c.connected[url] {
		c.mu.Unlock()
		return
	}
	var matched []string
	for id, filter := range c.subscriptions {
		if filter.Matches(event) {
			matched = append(matched, id)
		}
	}
	c.mu.Unlock()

	for _, id := range matched {
		c.enqueue(notification{relayURL: url, subscriptionID: id, event: event})
	}
}

func (c *MemoryClient) replayStored(url, id string, filter Filter) {
	for _, event := range c.network.Stored(url) {
		if filter.Matches(event) {
			c.enqueue(notification{relayURL: url, subscriptionID: id, event: event})
		}
	}
}

func (c *MemoryClient) enqueue(received notification) {
	select {
	case c.inbox <- received:
	case <-c.closed:
	}
}

func (c *MemoryClient) dropRelay(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.connected, url)
}
