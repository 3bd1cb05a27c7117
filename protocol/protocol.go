// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the two message protocols carried over
// direct-message connections.
//
// [Announcement] runs on the identity shared by all of a user's
// devices: a device announces its own key there, and asks a sibling
// device to trust it back. [GroupChat] runs on a device's own key and
// exchanges chat and control messages with trusted member devices.
//
// Each protocol is the authorization policy of its connection. Build
// one with its Open or Restore function, or construct it and call
// Attach with a connection created using it as the policy.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/bureau-foundation/nostrsync/dm"
	"github.com/bureau-foundation/nostrsync/dmconn"
	"github.com/bureau-foundation/nostrsync/identity"
	"github.com/bureau-foundation/nostrsync/lib/clock"
	"github.com/bureau-foundation/nostrsync/notify"
	"github.com/bureau-foundation/nostrsync/relay"
)

const (
	// DefaultSubscriptionSkew is subtracted from the last shutdown time
	// when resubscribing. Gift wraps carry randomized timestamps up to
	// two days in the past.
	DefaultSubscriptionSkew = 48 * time.Hour

	// DefaultTrustRequestFreshness is how old a trust request may be
	// and still be offered to the user.
	DefaultTrustRequestFreshness = 2 * time.Hour
)

// ErrNetworkMismatch is returned when restoring a snapshot taken on a
// different network.
var ErrNetworkMismatch = errors.New("protocol: snapshot belongs to another network")

// Conn is the direct-message connection a protocol drives.
// *dmconn.Connection implements it.
type Conn interface {
	PublicKey() identity.PublicKey
	OnMessage(observer notify.Observer)

	Send(ctx context.Context, message *dm.Message, recipient identity.PublicKey) (string, error)
	Publish(ctx context.Context, message *dm.Message, recipient identity.PublicKey) (string, error)

	Subscribe(ctx context.Context, since time.Time) (string, error)
	UnsubscribeAsync(publicKeys []identity.PublicKey, done func(error))
	ReplayUntrusted(ctx context.Context) error
	Rekey(ctx context.Context, keys *identity.Keys, since time.Time) (string, error)

	SetRelays(ctx context.Context, list relay.List) error
	RelayList() relay.List
	ConnectedRelays() relay.List

	Processed() []*dm.Message
	PublicKeyWasAnnounced(publicKey identity.PublicKey) bool

	Dump() (dmconn.Snapshot, error)
	Close() error
}

var _ Conn = (*dmconn.Connection)(nil)

// Config holds the settings shared by both protocols.
type Config struct {
	// Network names the chain the wallet runs on. Snapshots from
	// another network are refused.
	Network        string
	UseCompression bool

	SubscriptionSkew      time.Duration
	TrustRequestFreshness time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.SubscriptionSkew <= 0 {
		c.SubscriptionSkew = DefaultSubscriptionSkew
	}
	if c.TrustRequestFreshness <= 0 {
		c.TrustRequestFreshness = DefaultTrustRequestFreshness
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Snapshot is the persisted state of a protocol. Members is empty for
// the announcement protocol.
type Snapshot struct {
	LastShutdownTimestamp float64         `json:"last_shutdown_timestamp"`
	Members               []string        `json:"members"`
	UseCompression        bool            `json:"use_compression"`
	NetworkName           string          `json:"network_name"`
	Connection            dmconn.Snapshot `json:"connection"`
}

// base is the connection plumbing common to both protocols.
type base struct {
	config Config
	logger *slog.Logger

	mu           sync.Mutex
	conn         Conn
	lastShutdown time.Time
}

func (b *base) attach(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn = conn
}

func (b *base) connection() Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

// isSelf reports whether key is the connection's identity.
func (b *base) isSelf(key identity.PublicKey) bool {
	conn := b.connection()
	return conn != nil && conn.PublicKey() == key
}

// subscriptionStart is the since time for subscriptions: the last
// shutdown minus the skew, or zero (all history) on first start.
func (b *base) subscriptionStart() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastShutdown.IsZero() {
		return time.Time{}
	}
	return b.lastShutdown.Add(-b.config.SubscriptionSkew)
}

// Start subscribes to messages sent since the last shutdown.
func (b *base) Start(ctx context.Context) (string, error) {
	return b.connection().Subscribe(ctx, b.subscriptionStart())
}

// PublicKey returns the identity the protocol receives on.
func (b *base) PublicKey() identity.PublicKey { return b.connection().PublicKey() }

// SetRelays replaces the relay list of the connection.
func (b *base) SetRelays(ctx context.Context, list relay.List) error {
	return b.connection().SetRelays(ctx, list)
}

// RelayList returns the connection's relay list.
func (b *base) RelayList() relay.List { return b.connection().RelayList() }

// ConnectedRelays returns the relays live now.
func (b *base) ConnectedRelays() relay.List { return b.connection().ConnectedRelays() }

// Close shuts the connection down.
func (b *base) Close() error { return b.connection().Close() }

// prepare copies an outbound message, stamping compression and a
// creation time.
func (b *base) prepare(message *dm.Message) *dm.Message {
	prepared := message.Clone()
	prepared.UseCompression = b.config.UseCompression
	if prepared.CreatedAt.IsZero() {
		prepared.CreatedAt = b.config.Clock.Now()
	}
	return prepared
}

func (b *base) snapshot(members []identity.PublicKey) (Snapshot, error) {
	connection, err := b.connection().Dump()
	if err != nil {
		return Snapshot{}, err
	}
	encoded := make([]string, 0, len(members))
	for _, member := range members {
		encoded = append(encoded, member.Bech32())
	}
	return Snapshot{
		LastShutdownTimestamp: float64(b.config.Clock.Now().UnixMicro()) / 1e6,
		Members:               encoded,
		UseCompression:        b.config.UseCompression,
		NetworkName:           b.config.Network,
		Connection:            connection,
	}, nil
}

// restoreBase applies the protocol-level fields of snapshot and
// returns the parsed members.
func (b *base) restoreBase(snapshot Snapshot) ([]identity.PublicKey, error) {
	if snapshot.NetworkName != "" && b.config.Network != "" && snapshot.NetworkName != b.config.Network {
		return nil, fmt.Errorf("%w: snapshot %q, configured %q", ErrNetworkMismatch, snapshot.NetworkName, b.config.Network)
	}
	members := make([]identity.PublicKey, 0, len(snapshot.Members))
	for _, text := range snapshot.Members {
		member, err := identity.ParsePublicKey(text)
		if err != nil {
			return nil, fmt.Errorf("protocol: restoring member %q: %w", text, err)
		}
		members = append(members, member)
	}
	b.config.UseCompression = snapshot.UseCompression
	if snapshot.LastShutdownTimestamp > 0 {
		whole, fraction := math.Modf(snapshot.LastShutdownTimestamp)
		b.lastShutdown = time.Unix(int64(whole), int64(math.Round(fraction*1e6))*1e3)
	}
	return members, nil
}
