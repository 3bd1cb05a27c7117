// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay manages the Nostr relays a connection talks to.
//
// [Client] is the transport contract: add relays, connect, subscribe
// with a [Filter], publish events and deliver inbound events to a
// [Handler]. [NostrClient] implements it over WebSockets with go-nostr;
// [MemoryNetwork] implements it in-process for tests.
//
// [Pool] keeps a Client connected to a quorum of relays drawn from a
// [List], widening the set of relays it tries after every attempt.
package relay

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bureau-foundation/nostrsync/identity"
)

// ErrNoRelays is returned by Publish and Subscribe when no relay is
// connected.
var ErrNoRelays = errors.New("relay: no connected relays")

// Filter selects events addressed to Recipient. A zero Since matches
// all history.
type Filter struct {
	Recipient identity.PublicKey
	Kinds     []int
	Since     time.Time
}

// Matches applies the filter to event.
func (f Filter) Matches(event nostr.Event) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, event.Kind) {
		return false
	}
	if !f.Since.IsZero() && event.CreatedAt.Time().Before(f.Since.Truncate(time.Second)) {
		return false
	}
	if f.Recipient == "" {
		return true
	}
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] == f.Recipient.Hex() {
			return true
		}
	}
	return false
}

// nostrFilter converts to the go-nostr wire filter.
func (f Filter) nostrFilter() nostr.Filter {
	filter := nostr.Filter{Kinds: f.Kinds}
	if f.Recipient != "" {
		filter.Tags = nostr.TagMap{"p": []string{f.Recipient.Hex()}}
	}
	if !f.Since.IsZero() {
		since := nostr.Timestamp(f.Since.Unix())
		filter.Since = &since
	}
	return filter
}

// Handler receives inbound events. It is called from the client's
// notification loop; an error is logged by the client and does not
// stop the loop.
type Handler interface {
	Handle(ctx context.Context, relayURL, subscriptionID string, event nostr.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, relayURL, subscriptionID string, event nostr.Event) error

func (f HandlerFunc) Handle(ctx context.Context, relayURL, subscriptionID string, event nostr.Event) error {
	return f(ctx, relayURL, subscriptionID, event)
}

// Client is a multi-relay Nostr client.
type Client interface {
	// AddRelay registers url. Adding a known relay is a no-op.
	AddRelay(url string) error

	// Connect starts connecting every added relay that is not
	// connected. It does not wait for handshakes.
	Connect(ctx context.Context) error

	// WaitForConnection blocks until pending handshakes finish or
	// timeout passes, whichever is first.
	WaitForConnection(ctx context.Context, timeout time.Duration)

	// ConnectedRelays lists the URLs of live relays.
	ConnectedRelays() []string

	// Subscribe opens filter on every connected relay, and on relays
	// that connect later, and returns the subscription handle.
	Subscribe(ctx context.Context, filter Filter) (string, error)

	// Unsubscribe closes a subscription on all relays.
	Unsubscribe(ctx context.Context, subscriptionID string) error

	// Publish sends a signed event to every connected relay and
	// returns its ID. It fails only if no relay accepted it.
	Publish(ctx context.Context, event nostr.Event) (string, error)

	// HandleNotifications delivers inbound events to handler until ctx
	// is cancelled or the client disconnects.
	HandleNotifications(ctx context.Context, handler Handler) error

	// Disconnect closes every relay. The client cannot be reused.
	Disconnect() error
}
