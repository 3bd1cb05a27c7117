// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts persisted nostrsync state with age.
//
// A device snapshot carries the device's Nostr secret key, so it is
// never written in the clear when a sealer is configured. Two sealers
// are provided: [Passphrase] (age scrypt recipient, for interactive
// use) and [Keypair] (age X25519, for unattended use with a key file
// created by `nostrsync keygen --state-key`).
//
// Decrypted plaintext is returned in a [secret.Buffer] so callers can
// zero it as soon as it has been parsed.
package sealed
