// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

// dialTimeout bounds a single relay handshake. WaitForConnection
// usually gives up well before this.
const dialTimeout = 10 * time.Second

// NostrClient is a Client over WebSocket relays.
type NostrClient struct {
	logger *slog.Logger

	mu            sync.Mutex
	relays        map[string]*relayState
	subscriptions map[string]Filter
	closed        bool

	// pending is closed when the handshakes started by the latest
	// Connect have all finished.
	pending chan struct{}

	inbox chan notification
	done  chan struct{}
}

type relayState struct {
	url        string
	connection *nostr.Relay
	connecting bool
	// subs maps a subscription handle to its live go-nostr subscription.
	subs map[string]*nostr.Subscription
}

var _ Client = (*NostrClient)(nil)

// NewNostrClient creates a client with no relays.
func NewNostrClient(logger *slog.Logger) *NostrClient {
	if logger == nil {
		logger = slog.Default()
	}
	settled := make(chan struct{})
	close(settled)
	return &NostrClient{
		logger:        logger,
		relays:        make(map[string]*relayState),
		subscriptions: make(map[string]Filter),
		pending:       settled,
		inbox:         make(chan notification, 4096),
		done:          make(chan struct{}),
	}
}

func (c *NostrClient) AddRelay(url string) error {
	normalized := nostr.NormalizeURL(url)
	if normalized == "" {
		return fmt.Errorf("relay: invalid URL %q", url)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("relay: client disconnected")
	}
	if _, ok := c.relays[normalized]; !ok {
		c.relays[normalized] = &relayState{url: normalized, subs: make(map[string]*nostr.Subscription)}
	}
	return nil
}

// Connect dials every idle or dropped relay in the background. Relays
// that fail stay idle and are retried by the next Connect.
func (c *NostrClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("relay: client disconnected")
	}
	var dial []*relayState
	var dropped []*nostr.Relay
	var stale []*nostr.Subscription
	for _, state := range c.relays {
		if state.connecting {
			continue
		}
		if state.connection != nil {
			if state.connection.IsConnected() {
				continue
			}
			// Dropped by the relay: its subscriptions died with it and
			// are reopened by dial.
			dropped = append(dropped, state.connection)
			for _, sub := range state.subs {
				stale = append(stale, sub)
			}
			state.connection = nil
			clear(state.subs)
		}
		state.connecting = true
		dial = append(dial, state)
	}
	settled := make(chan struct{})
	c.pending = settled
	c.mu.Unlock()

	for _, sub := range stale {
		sub.Unsub()
	}
	for _, connection := range dropped {
		c.logger.Debug("redialing dropped relay", "relay", connection.URL)
		connection.Close()
	}

	var wg sync.WaitGroup
	for _, state := range dial {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.dial(ctx, state)
		}()
	}
	go func() {
		wg.Wait()
		close(settled)
	}()
	return nil
}

func (c *NostrClient) dial(ctx context.Context, state *relayState) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	connection, err := nostr.RelayConnect(dialCtx, state.url)
	cancel()

	c.mu.Lock()
	state.connecting = false
	if err != nil {
		c.mu.Unlock()
		c.logger.Debug("relay connect failed", "relay", state.url, "error", err)
		return
	}
	if c.closed {
		c.mu.Unlock()
		connection.Close()
		return
	}
	state.connection = connection
	filters := make(map[string]Filter, len(c.subscriptions))
	for id, filter := range c.subscriptions {
		filters[id] = filter
	}
	c.mu.Unlock()

	c.logger.Debug("relay connected", "relay", state.url)
	for id, filter := range filters {
		if err := c.subscribeOn(ctx, state, id, filter); err != nil {
			c.logger.Debug("relay subscribe failed", "relay", state.url, "subscription", id, "error", err)
		}
	}
}

func (c *NostrClient) WaitForConnection(ctx context.Context, timeout time.Duration) {
	c.mu.Lock()
	settled := c.pending
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-settled:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *NostrClient) ConnectedRelays() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var urls []string
	for url, state := range c.relays {
		if state.connection != nil && state.connection.IsConnected() {
			urls = append(urls, url)
		}
	}
	slices.Sort(urls)
	return urls
}

func (c *NostrClient) Subscribe(ctx context.Context, filter Filter) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", errors.New("relay: client disconnected")
	}
	id := uuid.NewString()
	c.subscriptions[id] = filter
	live := c.liveLocked()
	c.mu.Unlock()

	if len(live) == 0 {
		c.logger.Debug("subscription deferred until a relay connects", "subscription", id)
		return id, nil
	}
	var errs []error
	for _, state := range live {
		if err := c.subscribeOn(ctx, state, id, filter); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", state.url, err))
		}
	}
	if len(errs) == len(live) {
		return id, errors.Join(errs...)
	}
	return id, nil
}

// subscribeOn opens filter on one relay and pumps its events into the
// shared inbox until the subscription ends.
func (c *NostrClient) subscribeOn(ctx context.Context, state *relayState, id string, filter Filter) error {
	// The subscription outlives the caller's context; Unsub ends it.
	sub, err := state.connection.Subscribe(context.WithoutCancel(ctx), nostr.Filters{filter.nostrFilter()})
	if err != nil {
		return err
	}
	c.mu.Lock()
	if _, open := c.subscriptions[id]; !open || c.closed {
		c.mu.Unlock()
		sub.Unsub()
		return nil
	}
	state.subs[id] = sub
	c.mu.Unlock()

	go func() {
		for event := range sub.Events {
			if event == nil {
				continue
			}
			select {
			case c.inbox <- notification{relayURL: state.url, subscriptionID: id, event: *event}:
			case <-c.done:
				return
			}
		}
	}()
	return nil
}

func (c *NostrClient) Unsubscribe(_ context.Context, subscriptionID string) error {
	c.mu.Lock()
	delete(c.subscriptions, subscriptionID)
	var subs []*nostr.Subscription
	for _, state := range c.relays {
		if sub, ok := state.subs[subscriptionID]; ok {
			subs = append(subs, sub)
			delete(state.subs, subscriptionID)
		}
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsub()
	}
	return nil
}

func (c *NostrClient) Publish(ctx context.Context, event nostr.Event) (string, error) {
	c.mu.Lock()
	live := c.liveLocked()
	c.mu.Unlock()
	if len(live) == 0 {
		return "", ErrNoRelays
	}

	type outcome struct {
		url string
		err error
	}
	results := make(chan outcome, len(live))
	for _, state := range live {
		go func() {
			results <- outcome{url: state.url, err: state.connection.Publish(ctx, event)}
		}()
	}
	var errs []error
	accepted := 0
	for range live {
		result := <-results
		if result.err != nil {
			c.logger.Debug("relay rejected event", "relay", result.url, "event", event.ID, "error", result.err)
			errs = append(errs, fmt.Errorf("%s: %w", result.url, result.err))
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return "", fmt.Errorf("relay: no relay accepted event %s: %w", event.ID, errors.Join(errs...))
	}
	return event.ID, nil
}

func (c *NostrClient) HandleNotifications(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case received := <-c.inbox:
			if err := handler.Handle(ctx, received.relayURL, received.subscriptionID, received.event); err != nil {
				c.logger.Warn("notification handler failed",
					"relay", received.relayURL,
					"subscription", received.subscriptionID,
					"event", received.event.ID,
					"error", err,
				)
			}
		}
	}
}

func (c *NostrClient) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	var connections []*nostr.Relay
	for _, state := range c.relays {
		for _, sub := range state.subs {
			sub.Unsub()
		}
		if state.connection != nil {
			connections = append(connections, state.connection)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, connection := range connections {
		if err := connection.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", connection.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (c *NostrClient) liveLocked() []*relayState {
	var live []*relayState
	for _, state := range c.relays {
		if state.connection != nil && state.connection.IsConnected() {
			live = append(live, state)
		}
	}
	return live
}
