// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/nostrsync/lib/clock"
	"github.com/bureau-foundation/nostrsync/lib/metrics"
)

// DefaultQuorum is the number of connected relays a Pool aims for.
const DefaultQuorum = 8

// DefaultHandshakeTimeout bounds the wait after each connect attempt.
const DefaultHandshakeTimeout = time.Second

// PoolConfig configures a Pool.
type PoolConfig struct {
	Client Client
	List   List

	// Candidates refreshes a stale or empty List. Nil disables
	// refresh.
	Candidates CandidateSource

	Quorum           int
	HandshakeTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Pool keeps its Client connected to enough relays.
type Pool struct {
	client           Client
	candidates       CandidateSource
	quorum           int
	handshakeTimeout time.Duration
	clock            clock.Clock
	logger           *slog.Logger

	// mu serializes EnsureConnected attempts and guards list and
	// attempts.
	mu       sync.Mutex
	list     List
	attempts int
}

// NewPool returns a Pool. Zero Quorum and HandshakeTimeout select the
// defaults.
func NewPool(config PoolConfig) *Pool {
	if config.Quorum <= 0 {
		config.Quorum = DefaultQuorum
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Pool{
		client:           config.Client,
		candidates:       config.Candidates,
		quorum:           config.Quorum,
		handshakeTimeout: config.HandshakeTimeout,
		clock:            config.Clock,
		logger:           config.Logger,
		list:             config.List,
	}
}

// EnsureConnected is cheap when the pool already has
// min(quorum, relays in list) connections. Otherwise it refreshes a
// stale list, adds the first quorum+attempts relays, connects and
// waits up to the handshake timeout. Every attempt widens the next one
// by a relay; the counter is never reset. Connection failures are
// logged, not returned. The result is the connected relay count.
func (p *Pool) EnsureConnected(ctx context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.list.Len() == 0 {
		p.refreshLocked(ctx)
	}

	connected := len(p.client.ConnectedRelays())
	if connected >= min(p.quorum, p.list.Len()) {
		metrics.RelaysConnected.Set(float64(connected))
		return connected
	}

	if p.list.IsStale(p.clock.Now()) {
		p.refreshLocked(ctx)
	}

	subset := p.list.Subset(p.quorum + p.attempts)
	p.logger.Debug("connecting relays",
		"connected", connected,
		"quorum", p.quorum,
		"subset_size", len(subset),
	)
	for _, url := range subset {
		if err := p.client.AddRelay(url); err != nil {
			p.logger.Warn("adding relay failed", "relay_url", url, "error", err)
		}
	}
	if err := p.client.Connect(ctx); err != nil {
		p.logger.Warn("connecting relays failed", "error", err)
	}
	p.client.WaitForConnection(ctx, p.handshakeTimeout)

	connected = len(p.client.ConnectedRelays())
	p.attempts++
	metrics.PoolConnectAttempts.Inc()
	metrics.RelaysConnected.Set(float64(connected))
	p.logger.Debug("relay connect attempt finished", "connected", connected, "attempts", p.attempts)
	return connected
}

func (p *Pool) refreshLocked(ctx context.Context) {
	if p.candidates == nil {
		return
	}
	relays, err := p.candidates.Candidates(ctx)
	if err != nil || len(relays) == 0 {
		p.logger.Warn("refreshing relay list failed, keeping current list", "error", err, "relays", p.list.Len())
		return
	}
	p.list = NewList(relays, p.clock.Now(), p.list.MaxAge)
	p.logger.Info("relay list refreshed", "relays", p.list.Len())
}

// List returns the current relay list.
func (p *Pool) List() List {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.list
}

// SetList replaces the relay list.
func (p *Pool) SetList(list List) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.list = list
}

// ConnectedRelays returns a list of the relays that are live now,
// stamped with the current time.
func (p *Pool) ConnectedRelays() List {
	p.mu.Lock()
	maxAge := p.list.MaxAge
	p.mu.Unlock()
	return NewList(p.client.ConnectedRelays(), p.clock.Now(), maxAge)
}

// Attempts reports how many connect attempts have run.
func (p *Pool) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}
