// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/nostrsync/dm"
	"github.com/bureau-foundation/nostrsync/dmconn"
	"github.com/bureau-foundation/nostrsync/identity"
)

// DeviceAnnouncement is a delivered announcement of a device key.
type DeviceAnnouncement struct {
	Subject identity.PublicKey
	Message *dm.Message
}

// TrustRequest asks the device Target to trust Subject back.
type TrustRequest struct {
	Subject identity.PublicKey
	Target  identity.PublicKey
	Message *dm.Message
}

// Announcement publishes and receives device announcements on the
// shared identity. Only the shared identity itself may send on it.
type Announcement struct {
	base

	observersMu  sync.Mutex
	onAnnounce   []func(DeviceAnnouncement)
	onTrustAsked []func(TrustRequest)
}

// NewAnnouncement creates an unattached protocol.
func NewAnnouncement(config Config) *Announcement {
	config = config.withDefaults()
	return &Announcement{base: base{config: config, logger: config.Logger.With("protocol", "announcement")}}
}

// OpenAnnouncement creates the protocol and its connection.
func OpenAnnouncement(config Config, connection dmconn.Config) (*Announcement, error) {
	a := NewAnnouncement(config)
	connection.Policy = a
	connection.Expected = dm.KindAnnouncement
	conn, err := dmconn.New(connection)
	if err != nil {
		return nil, err
	}
	a.Attach(conn)
	return a, nil
}

// RestoreAnnouncement rebuilds the protocol and its connection from
// snapshot.
func RestoreAnnouncement(config Config, connection dmconn.Config, snapshot Snapshot) (*Announcement, error) {
	a := NewAnnouncement(config)
	if _, err := a.restoreBase(snapshot); err != nil {
		return nil, err
	}
	connection.Policy = a
	connection.Expected = dm.KindAnnouncement
	conn, err := dmconn.Restore(connection, snapshot.Connection)
	if err != nil {
		return nil, err
	}
	a.Attach(conn)
	return a, nil
}

// Attach binds the protocol to conn, which must have been created
// with the protocol as its policy.
func (a *Announcement) Attach(conn Conn) {
	a.attach(conn)
	conn.OnMessage(a.handle)
}

// Start subscribes to the full announcement history. Announcements
// are not persisted, so every start rediscovers devices from relays.
func (a *Announcement) Start(ctx context.Context) (string, error) {
	return a.connection().Subscribe(ctx, time.Time{})
}

// IsAllowed admits only the shared identity.
func (a *Announcement) IsAllowed(sender identity.PublicKey) bool {
	return a.isSelf(sender)
}

// OnAnnouncement registers fn for every delivered announcement,
// including trust requests.
func (a *Announcement) OnAnnouncement(fn func(DeviceAnnouncement)) {
	a.observersMu.Lock()
	defer a.observersMu.Unlock()
	a.onAnnounce = append(a.onAnnounce, fn)
}

// OnTrustRequest registers fn for fresh trust requests.
func (a *Announcement) OnTrustRequest(fn func(TrustRequest)) {
	a.observersMu.Lock()
	defer a.observersMu.Unlock()
	a.onTrustAsked = append(a.onTrustAsked, fn)
}

// PublishIdentity announces device key subject to every device sharing
// the identity. It returns "" without sending when subject was already
// announced, unless force is set.
func (a *Announcement) PublishIdentity(ctx context.Context, subject identity.PublicKey, force bool) (string, error) {
	conn := a.connection()
	if !force && conn.PublicKeyWasAnnounced(subject) {
		a.logger.Debug("device already announced", "subject", subject.Short())
		return "", nil
	}
	message := a.prepare(dm.NewAnnouncement(a.config.Clock.Now(), subject, ""))
	eventID, err := conn.Publish(ctx, message, conn.PublicKey())
	if err != nil {
		return "", fmt.Errorf("protocol: announcing %s: %w", subject.Short(), err)
	}
	a.logger.Info("device announced", "subject", subject.Short(), "event_id", eventID)
	return eventID, nil
}

// PublishTrustRequest asks device target to trust device subject.
func (a *Announcement) PublishTrustRequest(ctx context.Context, subject, target identity.PublicKey) (string, error) {
	conn := a.connection()
	message := a.prepare(dm.NewAnnouncement(a.config.Clock.Now(), subject, target))
	eventID, err := conn.Publish(ctx, message, conn.PublicKey())
	if err != nil {
		return "", fmt.Errorf("protocol: requesting trust from %s: %w", target.Short(), err)
	}
	a.logger.Info("trust requested", "subject", subject.Short(), "target", target.Short())
	return eventID, nil
}

// Announced returns every delivered announcement, oldest first.
func (a *Announcement) Announced() []DeviceAnnouncement {
	var announced []DeviceAnnouncement
	for _, message := range a.connection().Processed() {
		if parsed, ok := parseAnnouncement(message); ok {
			announced = append(announced, parsed)
		}
	}
	return announced
}

// Dump captures the protocol and connection state.
func (a *Announcement) Dump() (Snapshot, error) {
	return a.snapshot(nil)
}

func (a *Announcement) handle(message *dm.Message) error {
	announced, ok := parseAnnouncement(message)
	if !ok {
		a.logger.Debug("ignoring malformed announcement", "message", message.String())
		return nil
	}

	a.observersMu.Lock()
	onAnnounce := slices.Clone(a.onAnnounce)
	onTrustAsked := slices.Clone(a.onTrustAsked)
	a.observersMu.Unlock()

	for _, fn := range onAnnounce {
		fn(announced)
	}

	body, _ := message.Announcement()
	if body.PleaseTrustPublicKeyBech32 == "" {
		return nil
	}
	target, err := identity.ParsePublicKey(body.PleaseTrustPublicKeyBech32)
	if err != nil {
		a.logger.Debug("ignoring trust request with invalid target", "error", err)
		return nil
	}
	age := a.config.Clock.Now().Sub(message.CreatedAt)
	if age > a.config.TrustRequestFreshness {
		a.logger.Debug("ignoring stale trust request", "subject", announced.Subject.Short(), "age", age)
		return nil
	}
	request := TrustRequest{Subject: announced.Subject, Target: target, Message: message}
	for _, fn := range onTrustAsked {
		fn(request)
	}
	return nil
}

func parseAnnouncement(message *dm.Message) (DeviceAnnouncement, bool) {
	body, ok := message.Announcement()
	if !ok {
		return DeviceAnnouncement{}, false
	}
	subject, err := identity.ParsePublicKey(body.PublicKeyBech32)
	if err != nil {
		return DeviceAnnouncement{}, false
	}
	return DeviceAnnouncement{Subject: subject, Message: message}, true
}
