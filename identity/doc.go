// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity holds a device's Nostr key pair and the envelope
// operations performed with it.
//
// Outbound messages are private direct messages (kind 14 rumors)
// sealed and gift wrapped to the recipient (NIP-59, NIP-44
// encryption). Inbound gift wraps are unwrapped back into the sender,
// the recipient and the rumor content. Legacy NIP-04 encrypted
// messages (kind 4) can still be read.
//
// [Keys] is immutable. Renewing an identity means building a new Keys
// and swapping it in; the old value stays valid for any operation
// already using it until it is closed.
package identity
