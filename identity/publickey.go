// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// PublicKey is an x-only secp256k1 public key in lowercase hex, the
// form used on the wire by Nostr events.
type PublicKey string

// ParsePublicKey accepts an npub bech32 string or 64 hex characters.
func ParsePublicKey(text string) (PublicKey, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "npub1") {
		prefix, value, err := nip19.Decode(text)
		if err != nil {
			return "", fmt.Errorf("identity: decoding %q: %w", text, err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("identity: %q is a %s, not an npub", text, prefix)
		}
		text = value.(string)
	}
	if len(text) != 64 {
		return "", fmt.Errorf("identity: public key must be 64 hex characters, got %d", len(text))
	}
	if _, err := hex.DecodeString(text); err != nil {
		return "", fmt.Errorf("identity: public key is not hex: %w", err)
	}
	return PublicKey(strings.ToLower(text)), nil
}

// Hex returns the wire form.
func (k PublicKey) Hex() string { return string(k) }

// Bech32 returns the npub form, or the empty string for a malformed
// key. Keys built with ParsePublicKey or from Keys are always
// well-formed.
func (k PublicKey) Bech32() string {
	if k == "" {
		return ""
	}
	encoded, err := nip19.EncodePublicKey(string(k))
	if err != nil {
		return ""
	}
	return encoded
}

// Short abbreviates the npub for log lines and UI labels.
func (k PublicKey) Short() string {
	full := k.Bech32()
	if len(full) <= 16 {
		return full
	}
	return full[:10] + "…" + full[len(full)-4:]
}

func (k PublicKey) String() string { return k.Bech32() }

// PublicKeySet is an immutable-by-convention set used for sender
// allow-lists.
type PublicKeySet map[PublicKey]struct{}

// NewPublicKeySet builds a set from keys.
func NewPublicKeySet(keys ...PublicKey) PublicKeySet {
	set := make(PublicKeySet, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return set
}

// Contains reports membership.
func (s PublicKeySet) Contains(key PublicKey) bool {
	_, ok := s[key]
	return ok
}
