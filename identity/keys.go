// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/nbd-wtf/go-nostr/nip59"

	"github.com/bureau-foundation/nostrsync/lib/secret"
)

// Event kinds this package produces or consumes.
const (
	KindLegacyDirectMessage  = 4
	KindPrivateDirectMessage = 14
	KindGiftWrap             = 1059
)

// ErrNotForMe is returned by Unwrap and DecryptLegacy when the event
// is not addressed to these keys. Most relay traffic fails this way;
// it is not a fault.
var ErrNotForMe = errors.New("identity: event is not addressed to this identity")

// Keys is a Nostr key pair. The secret key lives in a secret.Buffer.
type Keys struct {
	secret *secret.Buffer
	public PublicKey
}

// Generate creates a fresh key pair.
func Generate() (*Keys, error) {
	return fromHex(nostr.GeneratePrivateKey())
}

// ParseSecretKey accepts an nsec bech32 string or 64 hex characters.
func ParseSecretKey(text string) (*Keys, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "nsec1") {
		prefix, value, err := nip19.Decode(text)
		if err != nil {
			return nil, fmt.Errorf("identity: decoding secret key: %w", err)
		}
		if prefix != "nsec" {
			return nil, fmt.Errorf("identity: expected nsec, got %s", prefix)
		}
		text = value.(string)
	}
	return fromHex(text)
}

func fromHex(secretHex string) (*Keys, error) {
	raw, err := hex.DecodeString(secretHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("identity: secret key must be 32 bytes of hex")
	}
	public, err := nostr.GetPublicKey(secretHex)
	if err != nil {
		secret.Zero(raw)
		return nil, fmt.Errorf("identity: deriving public key: %w", err)
	}
	buffer, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: protecting secret key: %w", err)
	}
	return &Keys{secret: buffer, public: PublicKey(public)}, nil
}

// PublicKey returns the public half.
func (k *Keys) PublicKey() PublicKey { return k.public }

// SecretBech32 returns the nsec form for persistence.
func (k *Keys) SecretBech32() (string, error) {
	encoded, err := nip19.EncodePrivateKey(k.secretHex())
	if err != nil {
		return "", fmt.Errorf("identity: encoding secret key: %w", err)
	}
	return encoded, nil
}

// Close wipes the secret key. Keys must not be used afterwards.
func (k *Keys) Close() error { return k.secret.Close() }

// secretHex copies the secret out for go-nostr, which takes hex
// strings. The copy is short-lived and scoped to one call.
func (k *Keys) secretHex() string { return hex.EncodeToString(k.secret.Bytes()) }

// Rumor builds the unsigned kind 14 event carrying content to
// recipient.
func (k *Keys) Rumor(content string, recipient PublicKey, createdAt time.Time) nostr.Event {
	rumor := nostr.Event{
		PubKey:    k.public.Hex(),
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Kind:      KindPrivateDirectMessage,
		Tags:      nostr.Tags{nostr.Tag{"p", recipient.Hex()}},
		Content:   content,
	}
	rumor.ID = rumor.GetID()
	return rumor
}

// Wrap seals content for recipient and returns the signed gift wrap,
// ready to publish.
func (k *Keys) Wrap(content string, recipient PublicKey, createdAt time.Time) (nostr.Event, error) {
	secretHex := k.secretHex()
	conversationKey, err := nip44.GenerateConversationKey(recipient.Hex(), secretHex)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("identity: deriving conversation key: %w", err)
	}

	wrapped, err := nip59.GiftWrap(
		k.Rumor(content, recipient, createdAt),
		recipient.Hex(),
		func(plaintext string) (string, error) {
			return nip44.Encrypt(plaintext, conversationKey)
		},
		func(seal *nostr.Event) error {
			return seal.Sign(secretHex)
		},
		nil,
	)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("identity: gift wrapping: %w", err)
	}
	return wrapped, nil
}

// Unwrapped is the authenticated content of an inbound envelope.
type Unwrapped struct {
	Sender    PublicKey
	Recipient PublicKey
	Kind      int
	Content   string
}

// Unwrap opens a gift wrap addressed to these keys. The recipient is
// taken from the wrapper's first p tag; the sender is the seal author.
func (k *Keys) Unwrap(event nostr.Event) (Unwrapped, error) {
	if event.Kind != KindGiftWrap {
		return Unwrapped{}, fmt.Errorf("identity: kind %d is not a gift wrap", event.Kind)
	}
	recipient, ok := FirstRecipient(event)
	if !ok {
		return Unwrapped{}, fmt.Errorf("identity: gift wrap %s has no recipient tag", event.ID)
	}
	if recipient != k.public {
		return Unwrapped{}, ErrNotForMe
	}

	secretHex := k.secretHex()
	// The decrypt callback runs for the wrapper, then for the seal; the
	// last key it sees is the seal author.
	var sealAuthor string
	rumor, err := nip59.GiftUnwrap(event, func(otherPublicKey, ciphertext string) (string, error) {
		sealAuthor = otherPublicKey
		conversationKey, err := nip44.GenerateConversationKey(otherPublicKey, secretHex)
		if err != nil {
			return "", err
		}
		return nip44.Decrypt(ciphertext, conversationKey)
	})
	if err != nil {
		return Unwrapped{}, fmt.Errorf("identity: unwrapping %s: %w", event.ID, err)
	}

	sender, err := ParsePublicKey(sealAuthor)
	if err != nil {
		return Unwrapped{}, fmt.Errorf("identity: seal in %s has invalid author: %w", event.ID, err)
	}
	if rumor.PubKey != "" && !strings.EqualFold(rumor.PubKey, sender.Hex()) {
		return Unwrapped{}, fmt.Errorf("identity: rumor author in %s does not match seal author", event.ID)
	}
	return Unwrapped{Sender: sender, Recipient: recipient, Kind: rumor.Kind, Content: rumor.Content}, nil
}

// EncryptLegacy builds a signed NIP-04 kind 4 event. nostrsync never
// sends these itself; peers running older software still do.
func (k *Keys) EncryptLegacy(content string, recipient PublicKey, createdAt time.Time) (nostr.Event, error) {
	secretHex := k.secretHex()
	sharedSecret, err := nip04.ComputeSharedSecret(recipient.Hex(), secretHex)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("identity: computing shared secret: %w", err)
	}
	ciphertext, err := nip04.Encrypt(content, sharedSecret)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("identity: encrypting legacy message: %w", err)
	}
	event := nostr.Event{
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Kind:      KindLegacyDirectMessage,
		Tags:      nostr.Tags{nostr.Tag{"p", recipient.Hex()}},
		Content:   ciphertext,
	}
	if err := event.Sign(secretHex); err != nil {
		return nostr.Event{}, fmt.Errorf("identity: signing legacy message: %w", err)
	}
	return event, nil
}

// LegacyEnvelope returns the sender and recipient of a kind 4 event
// without decrypting it, so authorization can run first.
func LegacyEnvelope(event nostr.Event) (sender, recipient PublicKey, err error) {
	if event.Kind != KindLegacyDirectMessage {
		return "", "", fmt.Errorf("identity: kind %d is not a legacy direct message", event.Kind)
	}
	recipient, ok := FirstRecipient(event)
	if !ok {
		return "", "", fmt.Errorf("identity: legacy message %s has no recipient tag", event.ID)
	}
	sender, err = ParsePublicKey(event.PubKey)
	if err != nil {
		return "", "", fmt.Errorf("identity: legacy message %s has invalid author: %w", event.ID, err)
	}
	return sender, recipient, nil
}

// DecryptLegacy decrypts a kind 4 event addressed to these keys.
func (k *Keys) DecryptLegacy(event nostr.Event) (Unwrapped, error) {
	sender, recipient, err := LegacyEnvelope(event)
	if err != nil {
		return Unwrapped{}, err
	}
	if recipient != k.public {
		return Unwrapped{}, ErrNotForMe
	}
	if ok, err := event.CheckSignature(); err != nil || !ok {
		return Unwrapped{}, fmt.Errorf("identity: legacy message %s has an invalid signature", event.ID)
	}
	sharedSecret, err := nip04.ComputeSharedSecret(sender.Hex(), k.secretHex())
	if err != nil {
		return Unwrapped{}, fmt.Errorf("identity: computing shared secret: %w", err)
	}
	plaintext, err := nip04.Decrypt(event.Content, sharedSecret)
	if err != nil {
		return Unwrapped{}, fmt.Errorf("identity: decrypting legacy message %s: %w", event.ID, err)
	}
	return Unwrapped{Sender: sender, Recipient: recipient, Kind: event.Kind, Content: plaintext}, nil
}

// FirstRecipient returns the first p tag of event as a public key.
func FirstRecipient(event nostr.Event) (PublicKey, bool) {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			key, err := ParsePublicKey(tag[1])
			if err != nil {
				return "", false
			}
			return key, true
		}
	}
	return "", false
}
