// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package devicesync

import (
	"github.com/bureau-foundation/nostrsync/dm"
	"github.com/bureau-foundation/nostrsync/identity"
)

// Listener is notified of device and chat events. Methods are called
// from connection workers and must not block for long.
type Listener interface {
	// DeviceDiscovered reports a device key seen for the first time.
	DeviceDiscovered(device identity.PublicKey)

	// TrustRequested reports that device trusts us and asks to be
	// trusted back.
	TrustRequested(device identity.PublicKey)

	DeviceTrusted(device identity.PublicKey)
	DeviceUntrusted(device identity.PublicKey)

	// ChatMessage reports a group or single-recipient chat message,
	// including our own.
	ChatMessage(message *dm.Message)
}

// NopListener ignores every event. Embed it to implement part of
// Listener.
type NopListener struct{}

func (NopListener) DeviceDiscovered(identity.PublicKey) {}
func (NopListener) TrustRequested(identity.PublicKey)   {}
func (NopListener) DeviceTrusted(identity.PublicKey)    {}
func (NopListener) DeviceUntrusted(identity.PublicKey)  {}
func (NopListener) ChatMessage(*dm.Message)             {}
