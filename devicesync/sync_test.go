// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package devicesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/nostrsync/dm"
	"github.com/bureau-foundation/nostrsync/dmconn"
	"github.com/bureau-foundation/nostrsync/identity"
	"github.com/bureau-foundation/nostrsync/lib/testutil"
	"github.com/bureau-foundation/nostrsync/protocol"
	"github.com/bureau-foundation/nostrsync/relay"
)

const relayURL = "wss://relay.test"

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// recorder is a Listener that keeps every event as "kind:hex".
type recorder struct {
	mu     sync.Mutex
	events []string
	chats  []*dm.Message
}

func (r *recorder) add(kind string, device identity.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+":"+device.Hex())
}

func (r *recorder) DeviceDiscovered(device identity.PublicKey) { r.add("discovered", device) }
func (r *recorder) TrustRequested(device identity.PublicKey)   { r.add("requested", device) }
func (r *recorder) DeviceTrusted(device identity.PublicKey)    { r.add("trusted", device) }
func (r *recorder) DeviceUntrusted(device identity.PublicKey)  { r.add("untrusted", device) }

func (r *recorder) ChatMessage(message *dm.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, message)
}

func (r *recorder) saw(kind string, device identity.PublicKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.events, kind+":"+device.Hex())
}

func (r *recorder) count(kind string, device identity.PublicKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event == kind+":"+device.Hex() {
			n++
		}
	}
	return n
}

func (r *recorder) chatFrom(author identity.PublicKey, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, message := range r.chats {
		chat, ok := message.Chat()
		if ok && message.Author == author && chat.Description == text {
			return true
		}
	}
	return false
}

// chatNamed returns the first chat from author with the given
// description, or nil.
func (r *recorder) chatNamed(author identity.PublicKey, description string) *dm.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, message := range r.chats {
		chat, ok := message.Chat()
		if ok && message.Author == author && chat.Description == description {
			return message
		}
	}
	return nil
}

func (r *recorder) waitFor(t *testing.T, kind string, device identity.PublicKey) {
	t.Helper()
	testutil.Eventually(t, 5*time.Second, func() bool { return r.saw(kind, device) },
		fmt.Sprintf("%s %s", kind, device.Short()))
}

func newKeys(t *testing.T) *identity.Keys {
	t.Helper()
	keys, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return keys
}

func copyKeys(t *testing.T, keys *identity.Keys) *identity.Keys {
	t.Helper()
	secret, err := keys.SecretBech32()
	if err != nil {
		t.Fatalf("SecretBech32: %v", err)
	}
	copied, err := identity.ParseSecretKey(secret)
	if err != nil {
		t.Fatalf("ParseSecretKey: %v", err)
	}
	return copied
}

func syncConfig(network *relay.MemoryNetwork, shared, device *identity.Keys, listener Listener) Config {
	connection := func(keys *identity.Keys) dmconn.Config {
		return dmconn.Config{
			Keys:      keys,
			Client:    network.NewClient(),
			RelayList: relay.NewList([]string{relayURL}, epoch, 0),
		}
	}
	return Config{
		Protocol:     protocol.Config{Network: "regtest"},
		Announcement: connection(shared),
		GroupChat:    connection(device),
		Listener:     listener,
	}
}

type device struct {
	sync     *Sync
	listener *recorder
}

func newDevice(t *testing.T, network *relay.MemoryNetwork, shared *identity.Keys, options ...func(*Config)) *device {
	t.Helper()
	listener := &recorder{}
	config := syncConfig(network, copyKeys(t, shared), newKeys(t), listener)
	for _, option := range options {
		option(&config)
	}
	s, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return &device{sync: s, listener: listener}
}

// pair brings two devices to mutual trust.
func pair(t *testing.T, a, b *device) {
	t.Helper()
	ctx := context.Background()
	a.listener.waitFor(t, "discovered", b.sync.DeviceKey())
	if err := a.sync.TrustDevice(ctx, b.sync.DeviceKey()); err != nil {
		t.Fatalf("TrustDevice: %v", err)
	}
	b.listener.waitFor(t, "requested", a.sync.DeviceKey())
	if err := b.sync.TrustDevice(ctx, a.sync.DeviceKey()); err != nil {
		t.Fatalf("TrustDevice: %v", err)
	}
}

func TestDevicesDiscoverTrustAndChat(t *testing.T) {
	network := relay.NewMemoryNetwork(relayURL)
	shared := newKeys(t)
	phone := newDevice(t, network, shared)
	laptop := newDevice(t, network, shared)
	ctx := context.Background()

	phone.listener.waitFor(t, "discovered", laptop.sync.DeviceKey())
	laptop.listener.waitFor(t, "discovered", phone.sync.DeviceKey())
	if phone.listener.saw("discovered", phone.sync.DeviceKey()) {
		t.Error("device discovered its own key")
	}

	if err := phone.sync.TrustDevice(ctx, laptop.sync.DeviceKey()); err != nil {
		t.Fatalf("TrustDevice: %v", err)
	}
	// Sent before the laptop trusts the phone: held back, then
	// delivered once trust is granted.
	if err := phone.sync.SendChat(ctx, "early"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	laptop.listener.waitFor(t, "requested", phone.sync.DeviceKey())
	if err := laptop.sync.TrustDevice(ctx, phone.sync.DeviceKey()); err != nil {
		t.Fatalf("TrustDevice: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return laptop.listener.chatFrom(phone.sync.DeviceKey(), "early")
	}, "held back message delivered after trust")

	if err := laptop.sync.SendChat(ctx, "hello"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return phone.listener.chatFrom(laptop.sync.DeviceKey(), "hello") &&
			laptop.listener.chatFrom(laptop.sync.DeviceKey(), "hello")
	}, "hello reaches both devices")

	// The phone already trusts the laptop, so the laptop's trust
	// request is not surfaced.
	if phone.listener.saw("requested", laptop.sync.DeviceKey()) {
		t.Error("trust request surfaced for a trusted device")
	}

	devices := phone.sync.Devices()
	if len(devices) != 1 || devices[0].PublicKey != laptop.sync.DeviceKey() || !devices[0].Trusted {
		t.Errorf("Devices = %+v", devices)
	}
}

func TestUntrustPropagates(t *testing.T) {
	network := relay.NewMemoryNetwork(relayURL)
	shared := newKeys(t)
	phone := newDevice(t, network, shared)
	laptop := newDevice(t, network, shared)
	pair(t, phone, laptop)

	if err := phone.sync.UntrustDevice(context.Background(), laptop.sync.DeviceKey()); err != nil {
		t.Fatalf("UntrustDevice: %v", err)
	}
	if !phone.listener.saw("untrusted", laptop.sync.DeviceKey()) {
		t.Error("untrusting side did not report DeviceUntrusted")
	}
	laptop.listener.waitFor(t, "untrusted", phone.sync.DeviceKey())

	for _, known := range laptop.sync.Devices() {
		if known.PublicKey == phone.sync.DeviceKey() && known.Trusted {
			t.Error("laptop still trusts the phone")
		}
	}

	// Untrusting an unknown device is a no-op.
	if err := phone.sync.UntrustDevice(context.Background(), laptop.sync.DeviceKey()); err != nil {
		t.Errorf("repeat UntrustDevice: %v", err)
	}
	if n := phone.listener.count("untrusted", laptop.sync.DeviceKey()); n != 1 {
		t.Errorf("DeviceUntrusted reported %d times, want 1", n)
	}
}

func TestRestoreReportsTrustedDevices(t *testing.T) {
	network := relay.NewMemoryNetwork(relayURL)
	shared := newKeys(t)
	phone := newDevice(t, network, shared)
	laptop := newDevice(t, network, shared)
	pair(t, phone, laptop)

	snapshot, err := phone.sync.Dump()
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if snapshot.Network != "regtest" {
		t.Errorf("Network = %q", snapshot.Network)
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	phoneKey := phone.sync.DeviceKey()
	if err := phone.sync.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var decoded Snapshot
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	listener := &recorder{}
	restored, err := Restore(syncConfig(network, nil, nil, listener), decoded)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	t.Cleanup(func() { restored.Close() })

	if restored.DeviceKey() != phoneKey {
		t.Errorf("restored device key %s, want %s", restored.DeviceKey().Short(), phoneKey.Short())
	}
	if !listener.saw("trusted", laptop.sync.DeviceKey()) {
		t.Error("restored member not reported as trusted")
	}
	if err := restored.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := laptop.sync.SendChat(context.Background(), "welcome back"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return listener.chatFrom(laptop.sync.DeviceKey(), "welcome back")
	}, "chat after restore")

	config := syncConfig(network, nil, nil, nil)
	config.Protocol.Network = "mainnet"
	if _, err := Restore(config, decoded); err == nil {
		t.Error("Restore accepted a snapshot from another network")
	}
}

func TestResetIdentityAsksMembersToTrustNewKey(t *testing.T) {
	network := relay.NewMemoryNetwork(relayURL)
	shared := newKeys(t)
	phone := newDevice(t, network, shared)
	laptop := newDevice(t, network, shared)
	pair(t, phone, laptop)

	previous := phone.sync.DeviceKey()
	if err := phone.sync.ResetIdentity(context.Background(), nil); err != nil {
		t.Fatalf("ResetIdentity: %v", err)
	}
	renewed := phone.sync.DeviceKey()
	if renewed == previous {
		t.Fatal("device key unchanged after reset")
	}

	laptop.listener.waitFor(t, "untrusted", previous)
	laptop.listener.waitFor(t, "discovered", renewed)
	laptop.listener.waitFor(t, "requested", renewed)

	if err := laptop.sync.TrustDevice(context.Background(), renewed); err != nil {
		t.Fatalf("TrustDevice: %v", err)
	}
	if err := laptop.sync.SendChat(context.Background(), "new key"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return phone.listener.chatFrom(laptop.sync.DeviceKey(), "new key")
	}, "chat to renewed key")
}

func TestTrustOwnKeyRejected(t *testing.T) {
	network := relay.NewMemoryNetwork(relayURL)
	phone := newDevice(t, network, newKeys(t))
	if err := phone.sync.TrustDevice(context.Background(), phone.sync.DeviceKey()); err == nil {
		t.Error("TrustDevice accepted own key")
	}
}

func TestShareFileArrivesIntact(t *testing.T) {
	data := make([]byte, 0, 4096)
	for i := range 4096 {
		data = append(data, byte(i*7))
	}

	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compression=%v", compress), func(t *testing.T) {
			useCompression := func(config *Config) { config.Protocol.UseCompression = compress }
			network := relay.NewMemoryNetwork(relayURL)
			shared := newKeys(t)
			phone := newDevice(t, network, shared, useCompression)
			laptop := newDevice(t, network, shared, useCompression)
			pair(t, phone, laptop)
			ctx := context.Background()

			if err := phone.sync.ShareFile(ctx, "/home/me/backup.psbt", data, nil); err != nil {
				t.Fatalf("ShareFile: %v", err)
			}
			var received *dm.Message
			testutil.Eventually(t, 5*time.Second, func() bool {
				received = laptop.listener.chatNamed(phone.sync.DeviceKey(), "backup.psbt")
				return received != nil
			}, "shared file reaches the laptop")
			chat, _ := received.Chat()
			if chat.Label != dm.GroupChat {
				t.Errorf("Label = %v, want GroupChat", chat.Label)
			}
			if chat.Payload == nil || !bytes.Equal(chat.Payload.Data, data) {
				t.Fatal("shared bytes changed in transit")
			}
			if chat.Payload.Type == "" {
				t.Error("shared file has no payload type")
			}
			if received.UseCompression != compress {
				t.Errorf("UseCompression = %v, want %v", received.UseCompression, compress)
			}
			testutil.Eventually(t, 5*time.Second, func() bool {
				return phone.listener.chatNamed(phone.sync.DeviceKey(), "backup.psbt") != nil
			}, "sender sees its own shared file")

			laptopKey := laptop.sync.DeviceKey()
			if err := phone.sync.ShareFile(ctx, "direct.bin", data[:16], &laptopKey); err != nil {
				t.Fatalf("ShareFile to device: %v", err)
			}
			testutil.Eventually(t, 5*time.Second, func() bool {
				received = laptop.listener.chatNamed(phone.sync.DeviceKey(), "direct.bin")
				return received != nil
			}, "addressed file reaches the laptop")
			chat, _ = received.Chat()
			if chat.Label != dm.SingleRecipient || chat.IntendedRecipient != laptopKey.Bech32() {
				t.Errorf("addressed file has label %v for %q", chat.Label, chat.IntendedRecipient)
			}
			if !bytes.Equal(chat.Payload.Data, data[:16]) {
				t.Error("addressed bytes changed in transit")
			}
			if phone.listener.chatNamed(phone.sync.DeviceKey(), "direct.bin") != nil {
				t.Error("addressed file also delivered to the sender")
			}
		})
	}
}

func TestShareFileRejectsUnknownDeviceAndEmptyName(t *testing.T) {
	network := relay.NewMemoryNetwork(relayURL)
	phone := newDevice(t, network, newKeys(t))
	stranger := newKeys(t).PublicKey()
	ctx := context.Background()

	if err := phone.sync.ShareFile(ctx, "notes.txt", []byte("x"), &stranger); err == nil {
		t.Error("ShareFile to an untrusted device succeeded")
	}
	if err := phone.sync.ShareFile(ctx, "", []byte("x"), nil); err == nil {
		t.Error("ShareFile without a name succeeded")
	}
}
