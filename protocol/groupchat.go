// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bureau-foundation/nostrsync/dm"
	"github.com/bureau-foundation/nostrsync/dmconn"
	"github.com/bureau-foundation/nostrsync/identity"
)

// GroupChat exchanges chat and control messages between a device and
// its trusted member devices.
type GroupChat struct {
	base

	membersMu sync.RWMutex
	members   []identity.PublicKey

	observersMu sync.Mutex
	observers   []func(*dm.Message)
	onRemoved   []func(member identity.PublicKey)
}

// NewGroupChat creates an unattached protocol trusting members.
func NewGroupChat(config Config, members ...identity.PublicKey) *GroupChat {
	config = config.withDefaults()
	g := &GroupChat{base: base{config: config, logger: config.Logger.With("protocol", "group_chat")}}
	for _, member := range members {
		g.AddMember(member)
	}
	return g
}

// OpenGroupChat creates the protocol and its connection.
func OpenGroupChat(config Config, connection dmconn.Config, members ...identity.PublicKey) (*GroupChat, error) {
	g := NewGroupChat(config, members...)
	connection.Policy = g
	connection.Expected = dm.KindChat
	conn, err := dmconn.New(connection)
	if err != nil {
		return nil, err
	}
	g.Attach(conn)
	return g, nil
}

// RestoreGroupChat rebuilds the protocol, its members and its
// connection from snapshot.
func RestoreGroupChat(config Config, connection dmconn.Config, snapshot Snapshot) (*GroupChat, error) {
	g := NewGroupChat(config)
	members, err := g.restoreBase(snapshot)
	if err != nil {
		return nil, err
	}
	for _, member := range members {
		g.AddMember(member)
	}
	connection.Policy = g
	connection.Expected = dm.KindChat
	conn, err := dmconn.Restore(connection, snapshot.Connection)
	if err != nil {
		return nil, err
	}
	g.Attach(conn)
	return g, nil
}

// Attach binds the protocol to conn, which must have been created
// with the protocol as its policy.
func (g *GroupChat) Attach(conn Conn) {
	g.attach(conn)
	conn.OnMessage(g.handle)
}

// IsAllowed admits members and ourselves.
func (g *GroupChat) IsAllowed(sender identity.PublicKey) bool {
	return g.IsMember(sender) || g.isSelf(sender)
}

// OnMessage registers fn for every delivered chat message, control
// messages included.
func (g *GroupChat) OnMessage(fn func(*dm.Message)) {
	g.observersMu.Lock()
	defer g.observersMu.Unlock()
	g.observers = append(g.observers, fn)
}

// OnMemberRemoved registers fn for members removed at their own
// request.
func (g *GroupChat) OnMemberRemoved(fn func(member identity.PublicKey)) {
	g.observersMu.Lock()
	defer g.observersMu.Unlock()
	g.onRemoved = append(g.onRemoved, fn)
}

// AddMember trusts member and reports whether it was new. Callers
// usually follow with ReplayUntrusted.
func (g *GroupChat) AddMember(member identity.PublicKey) bool {
	g.membersMu.Lock()
	defer g.membersMu.Unlock()
	if slices.Contains(g.members, member) {
		return false
	}
	g.members = append(g.members, member)
	return true
}

// RemoveMember stops trusting member and drops subscriptions kept for
// it. It reports whether member was present.
func (g *GroupChat) RemoveMember(member identity.PublicKey) bool {
	g.membersMu.Lock()
	index := slices.Index(g.members, member)
	if index >= 0 {
		g.members = slices.Delete(g.members, index, index+1)
	}
	g.membersMu.Unlock()
	if index < 0 {
		return false
	}

	g.logger.Info("member removed", "member", member.Short())
	if conn := g.connection(); conn != nil {
		conn.UnsubscribeAsync([]identity.PublicKey{member}, func(err error) {
			if err != nil {
				g.logger.Warn("unsubscribing removed member failed", "member", member.Short(), "error", err)
			}
		})
	}
	return true
}

// IsMember reports whether key is a trusted member.
func (g *GroupChat) IsMember(key identity.PublicKey) bool {
	g.membersMu.RLock()
	defer g.membersMu.RUnlock()
	return slices.Contains(g.members, key)
}

// Members returns the trusted members in the order they were added.
func (g *GroupChat) Members() []identity.PublicKey {
	g.membersMu.RLock()
	defer g.membersMu.RUnlock()
	return slices.Clone(g.members)
}

// ReplayUntrusted re-handles messages held back from senders that were
// not members when they arrived.
func (g *GroupChat) ReplayUntrusted(ctx context.Context) error {
	return g.connection().ReplayUntrusted(ctx)
}

// Send delivers message to every member, and to ourselves when
// alsoToSelf is set. It returns the event ID per recipient that
// succeeded; failures are joined into the error.
func (g *GroupChat) Send(ctx context.Context, message *dm.Message, alsoToSelf bool) (map[identity.PublicKey]string, error) {
	recipients := g.Members()
	if alsoToSelf {
		recipients = append(recipients, g.PublicKey())
	}

	sent := make(map[identity.PublicKey]string, len(recipients))
	var errs []error
	for _, recipient := range recipients {
		eventID, err := g.SendTo(ctx, message, recipient)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sent[recipient] = eventID
	}
	return sent, errors.Join(errs...)
}

// SendTo delivers message to one recipient. Single-recipient messages
// are addressed to it explicitly.
func (g *GroupChat) SendTo(ctx context.Context, message *dm.Message, recipient identity.PublicKey) (string, error) {
	prepared := g.prepare(message)
	if chat, ok := prepared.Chat(); ok && chat.Label == dm.SingleRecipient && chat.IntendedRecipient == "" {
		chat.IntendedRecipient = recipient.Bech32()
	}
	eventID, err := g.connection().Send(ctx, prepared, recipient)
	if err != nil {
		return "", fmt.Errorf("protocol: sending to %s: %w", recipient.Short(), err)
	}
	return eventID, nil
}

// RenewIdentity asks every member to delete our current key, then
// switches the connection to keys. Members must discover and trust the
// new key through the announcement protocol.
func (g *GroupChat) RenewIdentity(ctx context.Context, keys *identity.Keys) error {
	deleteMe := dm.NewChat(g.config.Clock.Now(), dm.DeleteMeRequest, "", nil)
	if _, err := g.Send(ctx, deleteMe, false); err != nil {
		g.logger.Warn("not every member was told to delete the old key", "error", err)
	}
	if _, err := g.connection().Rekey(ctx, keys, g.subscriptionStart()); err != nil {
		return fmt.Errorf("protocol: renewing identity: %w", err)
	}
	return nil
}

// Dump captures members, protocol settings and connection state.
func (g *GroupChat) Dump() (Snapshot, error) {
	return g.snapshot(g.Members())
}

func (g *GroupChat) handle(message *dm.Message) error {
	chat, ok := message.Chat()
	if !ok {
		return nil
	}

	removed := false
	if (chat.Label == dm.DistrustMeRequest || chat.Label == dm.DeleteMeRequest) && !g.isSelf(message.Author) {
		g.logger.Info("member asked to be removed", "member", message.Author.Short(), "label", chat.Label.String())
		removed = g.RemoveMember(message.Author)
	}

	g.observersMu.Lock()
	observers := slices.Clone(g.observers)
	onRemoved := slices.Clone(g.onRemoved)
	g.observersMu.Unlock()

	if removed {
		for _, fn := range onRemoved {
			fn(message.Author)
		}
	}
	for _, fn := range observers {
		fn(message)
	}
	return nil
}
