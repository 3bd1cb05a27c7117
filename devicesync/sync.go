// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package devicesync keeps a user's devices in touch over Nostr.
//
// A [Sync] runs two protocols. Announcements travel on an identity
// shared by all of the user's devices, so every device learns the
// device keys of its siblings. Chat travels on each device's own key
// between devices that trust one another. Trust is established by
// hand: trusting a device also asks it, through an announcement, to
// trust us back.
package devicesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/nostrsync/dm"
	"github.com/bureau-foundation/nostrsync/dmconn"
	"github.com/bureau-foundation/nostrsync/identity"
	"github.com/bureau-foundation/nostrsync/protocol"
	"github.com/bureau-foundation/nostrsync/relay"
)

// Config configures a Sync. Announcement.Keys is the shared identity;
// GroupChat.Keys is this device's key. Each connection config needs its
// own relay client.
type Config struct {
	Protocol     protocol.Config
	Announcement dmconn.Config
	GroupChat    dmconn.Config

	Listener Listener
	Logger   *slog.Logger
}

// Snapshot is the persisted state of a Sync.
type Snapshot struct {
	Announcement protocol.Snapshot `json:"nostr_protocol"`
	GroupChat    protocol.Snapshot `json:"group_chat"`
	Network      string            `json:"network"`
}

// Device describes a device key known to this device.
type Device struct {
	PublicKey      identity.PublicKey
	Trusted        bool
	TrustRequested bool
}

// Sync is safe for concurrent use.
type Sync struct {
	announcement *protocol.Announcement
	chat         *protocol.GroupChat
	listener     Listener
	logger       *slog.Logger

	mu         sync.Mutex
	discovered []identity.PublicKey
	requested  identity.PublicKeySet
}

// New opens both protocols with no trusted devices.
func New(config Config) (*Sync, error) {
	s := newSync(config)
	announcement, err := protocol.OpenAnnouncement(config.Protocol, config.Announcement)
	if err != nil {
		return nil, fmt.Errorf("devicesync: opening announcements: %w", err)
	}
	chat, err := protocol.OpenGroupChat(config.Protocol, config.GroupChat)
	if err != nil {
		announcement.Close()
		return nil, fmt.Errorf("devicesync: opening group chat: %w", err)
	}
	s.bind(announcement, chat)
	return s, nil
}

// Restore rebuilds a Sync from snapshot. Every restored member is
// reported to the listener as trusted.
func Restore(config Config, snapshot Snapshot) (*Sync, error) {
	if snapshot.Network != "" && config.Protocol.Network != "" && snapshot.Network != config.Protocol.Network {
		return nil, fmt.Errorf("%w: snapshot %q, configured %q", protocol.ErrNetworkMismatch, snapshot.Network, config.Protocol.Network)
	}
	s := newSync(config)
	announcement, err := protocol.RestoreAnnouncement(config.Protocol, config.Announcement, snapshot.Announcement)
	if err != nil {
		return nil, fmt.Errorf("devicesync: restoring announcements: %w", err)
	}
	chat, err := protocol.RestoreGroupChat(config.Protocol, config.GroupChat, snapshot.GroupChat)
	if err != nil {
		announcement.Close()
		return nil, fmt.Errorf("devicesync: restoring group chat: %w", err)
	}
	s.bind(announcement, chat)

	me := chat.PublicKey()
	for _, member := range chat.Members() {
		if member == me {
			continue
		}
		s.remember(member)
		s.listener.DeviceTrusted(member)
	}
	return s, nil
}

func newSync(config Config) *Sync {
	if config.Listener == nil {
		config.Listener = NopListener{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Sync{
		listener:  config.Listener,
		logger:    config.Logger.With("component", "devicesync"),
		requested: identity.NewPublicKeySet(),
	}
}

func (s *Sync) bind(announcement *protocol.Announcement, chat *protocol.GroupChat) {
	s.announcement = announcement
	s.chat = chat
	announcement.OnAnnouncement(s.onAnnouncement)
	announcement.OnTrustRequest(s.onTrustRequest)
	chat.OnMessage(s.onChat)
	chat.OnMemberRemoved(s.onMemberRemoved)
}

// Start subscribes both protocols and announces this device.
func (s *Sync) Start(ctx context.Context) error {
	if _, err := s.announcement.Start(ctx); err != nil {
		return fmt.Errorf("devicesync: subscribing announcements: %w", err)
	}
	if _, err := s.chat.Start(ctx); err != nil {
		return fmt.Errorf("devicesync: subscribing group chat: %w", err)
	}
	if _, err := s.announcement.PublishIdentity(ctx, s.chat.PublicKey(), false); err != nil {
		return fmt.Errorf("devicesync: announcing device: %w", err)
	}
	return nil
}

// DeviceKey returns this device's public key.
func (s *Sync) DeviceKey() identity.PublicKey { return s.chat.PublicKey() }

// TrustDevice trusts device, asks it to trust us back and delivers any
// messages it sent while untrusted.
func (s *Sync) TrustDevice(ctx context.Context, device identity.PublicKey) error {
	if device == s.DeviceKey() {
		return errors.New("devicesync: cannot trust own device key")
	}
	s.remember(device)
	if s.chat.AddMember(device) {
		s.logger.Info("device trusted", "device", device.Short())
	}
	s.listener.DeviceTrusted(device)

	var errs []error
	if _, err := s.announcement.PublishTrustRequest(ctx, s.DeviceKey(), device); err != nil {
		errs = append(errs, err)
	}
	if err := s.chat.ReplayUntrusted(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// UntrustDevice stops trusting device and asks it to stop trusting us.
func (s *Sync) UntrustDevice(ctx context.Context, device identity.PublicKey) error {
	if !s.chat.RemoveMember(device) {
		return nil
	}
	s.logger.Info("device untrusted", "device", device.Short())
	s.listener.DeviceUntrusted(device)

	distrust := dm.NewChat(time.Time{}, dm.DistrustMeRequest, "", nil)
	if _, err := s.chat.SendTo(ctx, distrust, device); err != nil {
		return fmt.Errorf("devicesync: asking %s to untrust us: %w", device.Short(), err)
	}
	return nil
}

// ResetIdentity replaces this device's key with keys, or a fresh key
// when keys is nil. Members are told to delete the old key, the new
// key is announced, and every member is asked to trust it.
func (s *Sync) ResetIdentity(ctx context.Context, keys *identity.Keys) error {
	if keys == nil {
		generated, err := identity.Generate()
		if err != nil {
			return fmt.Errorf("devicesync: generating device key: %w", err)
		}
		keys = generated
	}
	if err := s.chat.RenewIdentity(ctx, keys); err != nil {
		return err
	}
	renewed := keys.PublicKey()
	s.logger.Info("device key reset", "device", renewed.Short())

	var errs []error
	if _, err := s.announcement.PublishIdentity(ctx, renewed, false); err != nil {
		errs = append(errs, err)
	}
	for _, member := range s.chat.Members() {
		if _, err := s.announcement.PublishTrustRequest(ctx, renewed, member); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetRelays switches both protocols to list and re-announces this
// device on the new relays.
func (s *Sync) SetRelays(ctx context.Context, list relay.List) error {
	if err := s.chat.SetRelays(ctx, list); err != nil {
		return fmt.Errorf("devicesync: setting group chat relays: %w", err)
	}
	if err := s.announcement.SetRelays(ctx, list); err != nil {
		return fmt.Errorf("devicesync: setting announcement relays: %w", err)
	}
	if _, err := s.announcement.PublishIdentity(ctx, s.DeviceKey(), true); err != nil {
		return fmt.Errorf("devicesync: announcing device: %w", err)
	}
	return nil
}

// ConnectedRelays returns the relays the group chat is connected to.
func (s *Sync) ConnectedRelays() relay.List { return s.chat.ConnectedRelays() }

// SendChat sends text to every trusted device and to ourselves.
func (s *Sync) SendChat(ctx context.Context, text string) error {
	_, err := s.chat.Send(ctx, dm.NewChat(time.Time{}, dm.GroupChat, text, nil), true)
	return err
}

// SendTo sends message to one trusted device.
func (s *Sync) SendTo(ctx context.Context, device identity.PublicKey, message *dm.Message) (string, error) {
	if !s.chat.IsMember(device) {
		return "", fmt.Errorf("devicesync: %s is not a trusted device", device.Short())
	}
	return s.chat.SendTo(ctx, message, device)
}

// ShareFile sends data as an attachment described by name. With to
// nil it goes to every trusted device and to ourselves; otherwise only
// to the trusted device to.
func (s *Sync) ShareFile(ctx context.Context, name string, data []byte, to *identity.PublicKey) error {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return errors.New("devicesync: shared file needs a name")
	}
	payload := &dm.Payload{Type: fileType(name), Data: data}
	if to != nil {
		_, err := s.SendTo(ctx, *to, dm.NewChat(time.Time{}, dm.SingleRecipient, name, payload))
		return err
	}
	_, err := s.chat.Send(ctx, dm.NewChat(time.Time{}, dm.GroupChat, name, payload), true)
	return err
}

// fileType is the payload type tag for a shared file.
func fileType(name string) string {
	if mediaType := mime.TypeByExtension(filepath.Ext(name)); mediaType != "" {
		return mediaType
	}
	return "application/octet-stream"
}

// Devices lists every known device key: discovered devices in
// discovery order, then trusted devices never seen announced.
func (s *Sync) Devices() []Device {
	members := s.chat.Members()

	s.mu.Lock()
	keys := slices.Clone(s.discovered)
	requested := make(identity.PublicKeySet, len(s.requested))
	for key := range s.requested {
		requested[key] = struct{}{}
	}
	s.mu.Unlock()

	for _, member := range members {
		if !slices.Contains(keys, member) {
			keys = append(keys, member)
		}
	}
	devices := make([]Device, 0, len(keys))
	for _, key := range keys {
		devices = append(devices, Device{
			PublicKey:      key,
			Trusted:        slices.Contains(members, key),
			TrustRequested: requested.Contains(key),
		})
	}
	return devices
}

// Dump captures both protocols.
func (s *Sync) Dump() (Snapshot, error) {
	announcement, err := s.announcement.Dump()
	if err != nil {
		return Snapshot{}, fmt.Errorf("devicesync: dumping announcements: %w", err)
	}
	chat, err := s.chat.Dump()
	if err != nil {
		return Snapshot{}, fmt.Errorf("devicesync: dumping group chat: %w", err)
	}
	return Snapshot{Announcement: announcement, GroupChat: chat, Network: announcement.NetworkName}, nil
}

// Close shuts both connections down.
func (s *Sync) Close() error {
	return errors.Join(s.chat.Close(), s.announcement.Close())
}

// remember adds device to the discovered list and reports whether it
// was new.
func (s *Sync) remember(device identity.PublicKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.discovered, device) {
		return false
	}
	s.discovered = append(s.discovered, device)
	return true
}

func (s *Sync) forget(device identity.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index := slices.Index(s.discovered, device); index >= 0 {
		s.discovered = slices.Delete(s.discovered, index, index+1)
	}
	delete(s.requested, device)
}

func (s *Sync) onAnnouncement(announced protocol.DeviceAnnouncement) {
	device := announced.Subject
	if device == s.DeviceKey() || !s.remember(device) {
		return
	}
	s.logger.Info("device discovered", "device", device.Short())
	s.listener.DeviceDiscovered(device)
	if s.chat.IsMember(device) {
		s.listener.DeviceTrusted(device)
	}
}

func (s *Sync) onTrustRequest(request protocol.TrustRequest) {
	if request.Target != s.DeviceKey() || request.Subject == s.DeviceKey() {
		return
	}
	if s.chat.IsMember(request.Subject) {
		return
	}
	s.mu.Lock()
	_, seen := s.requested[request.Subject]
	s.requested[request.Subject] = struct{}{}
	s.mu.Unlock()
	if seen {
		return
	}
	s.logger.Info("device asked to be trusted", "device", request.Subject.Short())
	s.listener.TrustRequested(request.Subject)
}

func (s *Sync) onChat(message *dm.Message) {
	chat, ok := message.Chat()
	if !ok || message.Author == "" {
		return
	}
	switch chat.Label {
	case dm.GroupChat, dm.SingleRecipient:
		s.listener.ChatMessage(message)
	case dm.DeleteMeRequest:
		if message.Author != s.DeviceKey() {
			s.forget(message.Author)
		}
	}
}

func (s *Sync) onMemberRemoved(member identity.PublicKey) {
	s.logger.Info("device untrusted at its request", "device", member.Short())
	s.listener.DeviceUntrusted(member)
}
