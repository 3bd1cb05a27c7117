// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify turns raw relay events into delivered direct
// messages.
//
// A [Pipeline] accepts every event a relay client receives. It opens
// gift wraps (and legacy kind 4 messages) with the local identity,
// checks the sender against an [AuthorizationPolicy], decodes the
// payload, drops duplicates using a [ProcessedLog] and dispatches new
// messages to observers. Events from senders that are not yet allowed
// wait in an [UntrustedBuffer] until [Pipeline.ReplayUntrusted].
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bureau-foundation/nostrsync/dm"
	"github.com/bureau-foundation/nostrsync/identity"
	"github.com/bureau-foundation/nostrsync/lib/metrics"
)

// Observer receives each newly delivered message once.
type Observer func(message *dm.Message) error

// Config configures a Pipeline. Keys, Codec and Policy are required.
type Config struct {
	Keys   *identity.Keys
	Codec  *dm.Codec
	Policy AuthorizationPolicy

	// Expected is the message kind this pipeline decodes when the
	// payload carries no type field.
	Expected dm.Kind

	ProcessedLogSize    int
	UntrustedBufferSize int

	Logger *slog.Logger
}

// Pipeline is safe for concurrent use. Handle may be called from the
// relay client's notification loop and from replays at the same time.
type Pipeline struct {
	keys     atomic.Pointer[identity.Keys]
	codec    *dm.Codec
	policy   AuthorizationPolicy
	expected dm.Kind
	logger   *slog.Logger

	processed *ProcessedLog
	untrusted *UntrustedBuffer

	observersMu sync.RWMutex
	observers   []Observer
}

// New creates a pipeline. It panics if a required field is missing.
func New(config Config) *Pipeline {
	if config.Keys == nil || config.Codec == nil || config.Policy == nil {
		panic("notify: Config requires Keys, Codec and Policy")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	p := &Pipeline{
		codec:     config.Codec,
		policy:    config.Policy,
		expected:  config.Expected,
		logger:    config.Logger,
		processed: NewProcessedLog(config.ProcessedLogSize),
		untrusted: NewUntrustedBuffer(config.UntrustedBufferSize),
	}
	p.keys.Store(config.Keys)
	return p
}

// SetKeys replaces the identity used to open and authorize events.
func (p *Pipeline) SetKeys(keys *identity.Keys) {
	p.keys.Store(keys)
}

// Keys returns the current identity.
func (p *Pipeline) Keys() *identity.Keys {
	return p.keys.Load()
}

// Subscribe registers an observer. Observers run synchronously inside
// Handle in registration order.
func (p *Pipeline) Subscribe(observer Observer) {
	p.observersMu.Lock()
	defer p.observersMu.Unlock()
	p.observers = append(p.observers, observer)
}

// Handle processes one inbound event. Events that are ignored, not
// addressed to us, untrusted, undecodable or already delivered return
// nil. The only errors returned are observer errors, joined; the
// message is logged as processed regardless.
func (p *Pipeline) Handle(ctx context.Context, relayURL, subscriptionID string, event nostr.Event) error {
	logger := p.logger.With("relay_url", relayURL, "subscription_id", subscriptionID, "event_id", event.ID)

	if event.Kind != identity.KindGiftWrap && event.Kind != identity.KindLegacyDirectMessage {
		metrics.EventsDropped.WithLabelValues("ignored_kind").Inc()
		return nil
	}
	metrics.EventsReceived.WithLabelValues(strconv.Itoa(event.Kind)).Inc()

	keys := p.keys.Load()
	opened, ok := p.open(logger, keys, event)
	if !ok {
		return nil
	}

	if opened.Recipient != keys.PublicKey() || !p.policy.IsAllowed(opened.Sender) {
		if p.untrusted.Push(event) {
			logger.Debug("buffered event from untrusted sender", "sender", opened.Sender.Short())
		}
		metrics.EventsDropped.WithLabelValues("untrusted").Inc()
		return nil
	}

	if event.Kind == identity.KindLegacyDirectMessage {
		// Legacy envelopes are authorized before decryption.
		decrypted, err := keys.DecryptLegacy(event)
		if err != nil {
			logger.Debug("dropping undecryptable legacy message", "error", err)
			metrics.EventsDropped.WithLabelValues("unwrap_failed").Inc()
			return nil
		}
		opened = decrypted
	} else if opened.Kind != identity.KindPrivateDirectMessage {
		logger.Debug("dropping gift wrap with unexpected inner kind", "inner_kind", opened.Kind)
		metrics.EventsDropped.WithLabelValues("ignored_kind").Inc()
		return nil
	}

	message, err := p.codec.Deserialize(opened.Content, p.expected)
	if err != nil {
		logger.Warn("dropping undecodable message", "sender", opened.Sender.Short(), "error", err)
		metrics.EventsDropped.WithLabelValues("decode_failed").Inc()
		return nil
	}
	received := event
	message.Event = &received
	message.Author = opened.Sender

	if !p.processed.Append(message) {
		metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		return nil
	}
	metrics.MessagesDelivered.Inc()
	logger.Debug("delivering message", "kind", message.Kind().String(), "sender", opened.Sender.Short())
	return p.dispatch(message)
}

// open returns the envelope of event. Gift wraps are decrypted here;
// legacy messages only have their envelope read.
func (p *Pipeline) open(logger *slog.Logger, keys *identity.Keys, event nostr.Event) (identity.Unwrapped, bool) {
	if event.Kind == identity.KindLegacyDirectMessage {
		sender, recipient, err := identity.LegacyEnvelope(event)
		if err != nil {
			logger.Debug("dropping malformed legacy message", "error", err)
			metrics.EventsDropped.WithLabelValues("unwrap_failed").Inc()
			return identity.Unwrapped{}, false
		}
		return identity.Unwrapped{Sender: sender, Recipient: recipient, Kind: event.Kind}, true
	}

	unwrapped, err := keys.Unwrap(event)
	if err != nil {
		if !errors.Is(err, identity.ErrNotForMe) {
			logger.Debug("dropping gift wrap that failed to open", "error", err)
		}
		metrics.EventsDropped.WithLabelValues("unwrap_failed").Inc()
		return identity.Unwrapped{}, false
	}
	return unwrapped, true
}

func (p *Pipeline) dispatch(message *dm.Message) error {
	p.observersMu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.observersMu.RUnlock()

	var errs []error
	for _, observer := range observers {
		if err := observer(message); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: observers failed for event %s: %w", message.Event.ID, errors.Join(errs...))
	}
	return nil
}

// ReplayUntrusted takes every buffered event and handles it again.
// Events whose sender is still not allowed go back into the buffer.
func (p *Pipeline) ReplayUntrusted(ctx context.Context) error {
	events := p.untrusted.Drain()
	if len(events) > 0 {
		p.logger.Debug("replaying untrusted events", "count", len(events))
	}
	return p.replay(ctx, "untrusted", events)
}

// Replay handles persisted events exactly as if a relay had delivered
// them.
func (p *Pipeline) Replay(ctx context.Context, events []nostr.Event) error {
	return p.replay(ctx, "replay", events)
}

func (p *Pipeline) replay(ctx context.Context, source string, events []nostr.Event) error {
	var errs []error
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := p.Handle(ctx, source, "", event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forget removes message from the processed log so a later delivery
// of the same event is treated as new.
func (p *Pipeline) Forget(message *dm.Message) bool {
	return p.processed.Remove(message)
}

// Processed returns the delivered messages, oldest first.
func (p *Pipeline) Processed() []*dm.Message {
	return p.processed.Messages()
}

// WasProcessed reports whether an equal message was delivered.
func (p *Pipeline) WasProcessed(message *dm.Message) bool {
	return p.processed.Contains(message)
}

// UntrustedLen returns the number of buffered untrusted events.
func (p *Pipeline) UntrustedLen() int {
	return p.untrusted.Len()
}
