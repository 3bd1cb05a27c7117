// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dmconn is the direct-message connection a protocol talks
// through. A [Connection] owns one relay pool and one notification
// pipeline for one identity and runs all of their network work on a
// [Worker].
package dmconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/bureau-foundation/nostrsync/dm"
	"github.com/bureau-foundation/nostrsync/identity"
	"github.com/bureau-foundation/nostrsync/lib/clock"
	"github.com/bureau-foundation/nostrsync/lib/metrics"
	"github.com/bureau-foundation/nostrsync/notify"
	"github.com/bureau-foundation/nostrsync/relay"
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("dmconn: connection closed")

	// ErrMissingIdentity is returned by New when Config.Keys is nil.
	ErrMissingIdentity = errors.New("dmconn: identity keys are required")
)

// localRelayURL marks events delivered to self without a relay.
const localRelayURL = "local"

const (
	DefaultRetryInterval = 10 * time.Second
	DefaultCloseTimeout  = 5 * time.Second
)

// SubscribedKinds are the event kinds every subscription asks for.
var SubscribedKinds = []int{identity.KindLegacyDirectMessage, identity.KindGiftWrap}

// Config configures a Connection. Keys, Client and Policy are
// required.
type Config struct {
	Keys   *identity.Keys
	Client relay.Client
	Policy notify.AuthorizationPolicy

	// Expected is the message kind inbound payloads decode to.
	Expected dm.Kind
	Codec    *dm.Codec

	RelayList        relay.List
	Candidates       relay.CandidateSource
	Quorum           int
	HandshakeTimeout time.Duration

	// UseTimer re-checks the relay quorum every RetryInterval.
	UseTimer      bool
	RetryInterval time.Duration

	ProcessedLogSize    int
	UntrustedBufferSize int

	// ExcludePayloadTypes lists chat payload types left out of Dump.
	ExcludePayloadTypes []string

	CloseTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Connection is safe for concurrent use.
type Connection struct {
	keys     atomic.Pointer[identity.Keys]
	client   relay.Client
	codec    *dm.Codec
	pool     *relay.Pool
	pipeline *notify.Pipeline
	worker   *Worker
	clock    clock.Clock
	logger   *slog.Logger

	useTimer      bool
	retryInterval time.Duration
	closeTimeout  time.Duration
	excluded      map[string]struct{}

	// subscriptions maps a relay subscription handle to the public key
	// it receives for.
	subscriptions *xsync.MapOf[string, identity.PublicKey]

	connectMu     sync.Mutex
	receiving     bool
	timerRunning  bool
	pendingReplay []nostr.Event

	// retired holds identities replaced by Rekey. In-flight work may
	// still use them, so they are closed with the connection.
	retiredMu sync.Mutex
	retired   []*identity.Keys

	closed atomic.Bool
}

// New creates a connection. It does not touch the network until the
// first operation that needs it.
func New(config Config) (*Connection, error) {
	if config.Keys == nil {
		return nil, ErrMissingIdentity
	}
	if config.Client == nil || config.Policy == nil {
		return nil, errors.New("dmconn: Config requires Client and Policy")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Codec == nil {
		config.Codec = dm.NewCodec(config.Clock, config.Logger)
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = DefaultCloseTimeout
	}

	logger := config.Logger.With("identity", config.Keys.PublicKey().Short())
	c := &Connection{
		client: config.Client,
		codec:  config.Codec,
		pool: relay.NewPool(relay.PoolConfig{
			Client:           config.Client,
			List:             config.RelayList,
			Candidates:       config.Candidates,
			Quorum:           config.Quorum,
			HandshakeTimeout: config.HandshakeTimeout,
			Clock:            config.Clock,
			Logger:           logger,
		}),
		pipeline: notify.New(notify.Config{
			Keys:                config.Keys,
			Codec:               config.Codec,
			Policy:              config.Policy,
			Expected:            config.Expected,
			ProcessedLogSize:    config.ProcessedLogSize,
			UntrustedBufferSize: config.UntrustedBufferSize,
			Logger:              logger,
		}),
		worker:        NewWorker(0, config.Clock, logger),
		clock:         config.Clock,
		logger:        logger,
		useTimer:      config.UseTimer,
		retryInterval: config.RetryInterval,
		closeTimeout:  config.CloseTimeout,
		excluded:      make(map[string]struct{}, len(config.ExcludePayloadTypes)),
		subscriptions: xsync.NewMapOf[string, identity.PublicKey](),
	}
	for _, payloadType := range config.ExcludePayloadTypes {
		c.excluded[payloadType] = struct{}{}
	}
	c.keys.Store(config.Keys)
	return c, nil
}

// PublicKey returns the current identity's public key.
func (c *Connection) PublicKey() identity.PublicKey {
	return c.keys.Load().PublicKey()
}

// Codec returns the codec used for outbound and inbound payloads.
func (c *Connection) Codec() *dm.Codec { return c.codec }

// OnMessage registers an observer for delivered messages.
func (c *Connection) OnMessage(observer notify.Observer) {
	c.pipeline.Subscribe(observer)
}

// queued and spawned select the worker lane for run.
type lane int

const (
	queued lane = iota
	spawned
)

// run executes fn on the worker and waits for it. Cancelling ctx
// stops the wait and the task.
func (c *Connection) run(ctx context.Context, which lane, fn func(ctx context.Context) error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	result := make(chan error, 1)
	task := func(workerCtx context.Context) {
		taskCtx, cancel := context.WithCancel(workerCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		result <- fn(taskCtx)
	}

	var err error
	if which == queued {
		err = c.worker.Enqueue(task)
	} else {
		err = c.worker.Spawn(task)
	}
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.worker.Done():
		return ErrClosed
	}
}

// Connect reaches the relay quorum and starts receiving. Concurrent
// and repeated calls are collapsed into one attempt.
func (c *Connection) Connect(ctx context.Context) error {
	return c.run(ctx, queued, c.connect)
}

// connect runs on the worker.
func (c *Connection) connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	connected := c.pool.EnsureConnected(ctx)
	if connected == 0 {
		c.logger.Warn("no relays connected")
	}
	if !c.receiving {
		if err := c.worker.Spawn(c.receive); err != nil {
			return err
		}
		c.receiving = true
	}
	if c.useTimer && !c.timerRunning {
		if err := c.worker.Spawn(c.retryLoop); err != nil {
			return err
		}
		c.timerRunning = true
	}
	return nil
}

func (c *Connection) receive(ctx context.Context) {
	err := c.client.HandleNotifications(ctx, c.pipeline)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("notification loop stopped", "error", err)
	}
}

// retryLoop re-checks the quorum on every tick until the worker stops.
func (c *Connection) retryLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.pool.EnsureConnected(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Send delivers message to recipient and returns the event ID. A
// message to ourselves goes straight into the pipeline without a
// relay round trip.
func (c *Connection) Send(ctx context.Context, message *dm.Message, recipient identity.PublicKey) (string, error) {
	return c.send(ctx, message, recipient, true)
}

// Publish sends message through the relays even when recipient is
// ourselves, so other devices sharing this identity receive it. A
// message to ourselves is also delivered locally once relayed.
func (c *Connection) Publish(ctx context.Context, message *dm.Message, recipient identity.PublicKey) (string, error) {
	return c.send(ctx, message, recipient, false)
}

// SendAsync sends without waiting. done, if set, receives the result
// on the worker.
func (c *Connection) SendAsync(message *dm.Message, recipient identity.PublicKey, done func(eventID string, err error)) {
	c.async(spawned, func(ctx context.Context) {
		eventID, err := c.sendNow(ctx, message, recipient, true)
		if done != nil {
			done(eventID, err)
		}
	})
}

func (c *Connection) send(ctx context.Context, message *dm.Message, recipient identity.PublicKey, bypassSelf bool) (string, error) {
	var eventID string
	err := c.run(ctx, spawned, func(ctx context.Context) error {
		var err error
		eventID, err = c.sendNow(ctx, message, recipient, bypassSelf)
		return err
	})
	if err != nil {
		// eventID may still be written by an abandoned task.
		return "", err
	}
	return eventID, nil
}

func (c *Connection) sendNow(ctx context.Context, message *dm.Message, recipient identity.PublicKey, bypassSelf bool) (string, error) {
	keys := c.keys.Load()
	content, err := c.codec.Serialize(message)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("dmconn: serializing message: %w", err)
	}
	createdAt := message.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.clock.Now()
	}
	event, err := keys.Wrap(content, recipient, createdAt)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("dmconn: wrapping message: %w", err)
	}

	if bypassSelf && recipient == keys.PublicKey() {
		metrics.MessagesSent.WithLabelValues("local").Inc()
		if err := c.pipeline.Handle(ctx, localRelayURL, "", event); err != nil {
			return event.ID, err
		}
		return event.ID, nil
	}

	if err := c.connect(ctx); err != nil {
		return "", err
	}
	eventID, err := c.client.Publish(ctx, event)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		c.logger.Warn("sending message failed", "recipient", recipient.Short(), "error", err)
		return "", fmt.Errorf("dmconn: sending to %s: %w", recipient.Short(), err)
	}
	metrics.MessagesSent.WithLabelValues("relayed").Inc()
	c.logger.Debug("message sent", "recipient", recipient.Short(), "event_id", eventID)
	if recipient == keys.PublicKey() {
		// Our own copy: the relay echo is then a duplicate.
		if err := c.pipeline.Handle(ctx, localRelayURL, "", event); err != nil {
			return eventID, err
		}
	}
	return eventID, nil
}

// Subscribe replaces every subscription of this connection with one
// for messages to our identity created at or after since. A zero
// since fetches all history. Events restored from a snapshot are
// replayed first.
func (c *Connection) Subscribe(ctx context.Context, since time.Time) (string, error) {
	var subscriptionID string
	err := c.run(ctx, queued, func(ctx context.Context) error {
		var err error
		subscriptionID, err = c.subscribe(ctx, since)
		return err
	})
	if err != nil {
		return "", err
	}
	return subscriptionID, nil
}

func (c *Connection) subscribe(ctx context.Context, since time.Time) (string, error) {
	c.connectMu.Lock()
	replay := c.pendingReplay
	c.pendingReplay = nil
	c.connectMu.Unlock()
	if len(replay) > 0 {
		c.logger.Info("replaying restored messages", "count", len(replay))
		if err := c.pipeline.Replay(ctx, replay); err != nil {
			c.logger.Warn("replaying restored messages reported errors", "error", err)
		}
	}

	if err := c.connect(ctx); err != nil {
		return "", err
	}
	if err := c.unsubscribeMatching(ctx, nil); err != nil {
		c.logger.Warn("dropping previous subscriptions failed", "error", err)
	}

	me := c.keys.Load().PublicKey()
	subscriptionID, err := c.client.Subscribe(ctx, relay.Filter{
		Recipient: me,
		Kinds:     SubscribedKinds,
		Since:     since,
	})
	if err != nil {
		c.logger.Warn("subscribing failed", "error", err)
		return "", fmt.Errorf("dmconn: subscribing: %w", err)
	}
	c.subscriptions.Store(subscriptionID, me)
	c.logger.Info("subscribed", "subscription_id", subscriptionID, "since", since)
	return subscriptionID, nil
}

// Unsubscribe closes the subscriptions receiving for any of
// publicKeys. Keys with no subscription are ignored.
func (c *Connection) Unsubscribe(ctx context.Context, publicKeys ...identity.PublicKey) error {
	set := identity.NewPublicKeySet(publicKeys...)
	return c.run(ctx, queued, func(ctx context.Context) error {
		return c.unsubscribeMatching(ctx, set)
	})
}

// UnsubscribeAsync is Unsubscribe without waiting.
func (c *Connection) UnsubscribeAsync(publicKeys []identity.PublicKey, done func(error)) {
	set := identity.NewPublicKeySet(publicKeys...)
	c.async(queued, func(ctx context.Context) {
		err := c.unsubscribeMatching(ctx, set)
		if done != nil {
			done(err)
		}
	})
}

// UnsubscribeAll closes every subscription.
func (c *Connection) UnsubscribeAll(ctx context.Context) error {
	return c.run(ctx, queued, func(ctx context.Context) error {
		return c.unsubscribeMatching(ctx, nil)
	})
}

// unsubscribeMatching closes subscriptions whose key is in keys, or
// all of them when keys is nil.
func (c *Connection) unsubscribeMatching(ctx context.Context, keys identity.PublicKeySet) error {
	var matched []string
	c.subscriptions.Range(func(subscriptionID string, publicKey identity.PublicKey) bool {
		if keys == nil || keys.Contains(publicKey) {
			matched = append(matched, subscriptionID)
		}
		return true
	})

	var errs []error
	for _, subscriptionID := range matched {
		c.subscriptions.Delete(subscriptionID)
		if err := c.client.Unsubscribe(ctx, subscriptionID); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribing %s: %w", subscriptionID, err))
		}
	}
	if len(matched) > 0 {
		c.logger.Debug("unsubscribed", "count", len(matched))
	}
	return errors.Join(errs...)
}

// Subscriptions returns the open subscription handles and their keys.
func (c *Connection) Subscriptions() map[string]identity.PublicKey {
	return xsync.ToPlainMapOf(c.subscriptions)
}

// ReplayUntrusted gives buffered events from untrusted senders another
// pass, after the allow-set changed.
func (c *Connection) ReplayUntrusted(ctx context.Context) error {
	return c.run(ctx, queued, c.pipeline.ReplayUntrusted)
}

// ReplayUntrustedAsync is ReplayUntrusted without waiting.
func (c *Connection) ReplayUntrustedAsync(done func(error)) {
	c.async(queued, func(ctx context.Context) {
		err := c.pipeline.ReplayUntrusted(ctx)
		if done != nil {
			done(err)
		}
	})
}

// Rekey swaps in a new identity and resubscribes under it. The
// previous keys stay valid for work already in flight.
func (c *Connection) Rekey(ctx context.Context, keys *identity.Keys, since time.Time) (string, error) {
	if keys == nil {
		return "", ErrMissingIdentity
	}
	var subscriptionID string
	err := c.run(ctx, queued, func(ctx context.Context) error {
		if err := c.unsubscribeMatching(ctx, nil); err != nil {
			c.logger.Warn("dropping subscriptions before rekey failed", "error", err)
		}
		previous := c.keys.Swap(keys)
		c.pipeline.SetKeys(keys)
		c.retiredMu.Lock()
		c.retired = append(c.retired, previous)
		c.retiredMu.Unlock()
		c.logger.Info("identity renewed", "previous", previous.PublicKey().Short(), "current", keys.PublicKey().Short())

		var err error
		subscriptionID, err = c.subscribe(ctx, since)
		return err
	})
	if err != nil {
		return "", err
	}
	return subscriptionID, nil
}

// SetRelays replaces the relay list and reconnects.
func (c *Connection) SetRelays(ctx context.Context, list relay.List) error {
	return c.run(ctx, queued, func(ctx context.Context) error {
		c.pool.SetList(list)
		return c.connect(ctx)
	})
}

// RelayList returns the pool's current relay list.
func (c *Connection) RelayList() relay.List { return c.pool.List() }

// ConnectedRelays returns the relays that are live now.
func (c *Connection) ConnectedRelays() relay.List { return c.pool.ConnectedRelays() }

// Processed returns delivered messages, oldest first.
func (c *Connection) Processed() []*dm.Message { return c.pipeline.Processed() }

// Forget drops message from the processed log.
func (c *Connection) Forget(message *dm.Message) bool { return c.pipeline.Forget(message) }

// PublicKeyWasAnnounced reports whether an announcement of publicKey
// was delivered on this connection.
func (c *Connection) PublicKeyWasAnnounced(publicKey identity.PublicKey) bool {
	subject := publicKey.Bech32()
	for _, message := range c.pipeline.Processed() {
		if announcement, ok := message.Announcement(); ok && announcement.PublicKeyBech32 == subject {
			return true
		}
	}
	return false
}

func (c *Connection) async(which lane, task Task) {
	var err error
	if which == queued {
		err = c.worker.Enqueue(task)
	} else {
		err = c.worker.Spawn(task)
	}
	if err != nil {
		c.logger.Debug("dropping task on closed connection")
	}
}

// Close stops the worker, waiting at most the close timeout, and
// disconnects from every relay. Further operations fail with
// ErrClosed.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if !c.worker.Close(c.closeTimeout) {
		c.logger.Warn("closing with tasks still running")
	}
	err := c.client.Disconnect()

	c.retiredMu.Lock()
	retired := c.retired
	c.retired = nil
	c.retiredMu.Unlock()
	for _, keys := range retired {
		keys.Close()
	}
	c.keys.Load().Close()
	return err
}
