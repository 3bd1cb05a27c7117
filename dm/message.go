// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dm defines the direct messages exchanged between devices and
// the codec that turns them into wire strings.
//
// A [Message] is a common header plus a [Body] that is either an
// [*Announcement] or a [*Chat]. The body kind travels on the wire in
// the "type" field; payloads from peers that predate the field are
// decoded as the kind the receiving connection expects.
package dm

import (
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bureau-foundation/nostrsync/identity"
)

// Kind discriminates message bodies.
type Kind int

const (
	KindAnnouncement Kind = iota + 1
	KindChat
)

func (k Kind) String() string {
	switch k {
	case KindAnnouncement:
		return "announcement"
	case KindChat:
		return "chat"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(text string) (Kind, error) {
	switch text {
	case "announcement":
		return KindAnnouncement, nil
	case "chat":
		return KindChat, nil
	default:
		return 0, fmt.Errorf("dm: unknown message type %q", text)
	}
}

// Label classifies chat messages. The numeric values are part of the
// wire format.
type Label int

const (
	GroupChat         Label = 1
	SingleRecipient   Label = 2
	DistrustMeRequest Label = 3
	DeleteMeRequest   Label = 4
)

func (l Label) String() string {
	switch l {
	case GroupChat:
		return "GroupChat"
	case SingleRecipient:
		return "SingleRecipient"
	case DistrustMeRequest:
		return "DistrustMeRequest"
	case DeleteMeRequest:
		return "DeleteMeRequest"
	default:
		return fmt.Sprintf("Label(%d)", int(l))
	}
}

// Valid reports whether l is a known label.
func (l Label) Valid() bool { return l >= GroupChat && l <= DeleteMeRequest }

// Payload is an opaque blob owned by the host application, tagged with
// its type.
type Payload struct {
	Type string
	Data []byte
}

// Message is one direct message. Event and Author are set only on
// messages received from the network (or delivered to self).
type Message struct {
	CreatedAt      time.Time
	Event          *nostr.Event
	Author         identity.PublicKey
	UseCompression bool
	Body           Body
}

// Body is implemented by *Announcement and *Chat only.
type Body interface {
	kind() Kind
}

// Announcement says "this device key exists". When
// PleaseTrustPublicKeyBech32 is set it also asks the recipient to
// trust that key back.
type Announcement struct {
	PublicKeyBech32            string
	PleaseTrustPublicKeyBech32 string
}

func (*Announcement) kind() Kind { return KindAnnouncement }

// Chat is a group-chat or control message between trusted devices.
type Chat struct {
	Label             Label
	Description       string
	Payload           *Payload
	IntendedRecipient string
}

func (*Chat) kind() Kind { return KindChat }

// NewAnnouncement builds an outbound announcement of subject.
func NewAnnouncement(createdAt time.Time, subject identity.PublicKey, trustBack identity.PublicKey) *Message {
	return &Message{
		CreatedAt: createdAt,
		Body: &Announcement{
			PublicKeyBech32:            subject.Bech32(),
			PleaseTrustPublicKeyBech32: trustBack.Bech32(),
		},
	}
}

// NewChat builds an outbound chat message.
func NewChat(createdAt time.Time, label Label, description string, payload *Payload) *Message {
	return &Message{
		CreatedAt: createdAt,
		Body:      &Chat{Label: label, Description: description, Payload: payload},
	}
}

// Kind returns the body discriminant, or 0 for a message without a
// body.
func (m *Message) Kind() Kind {
	if m.Body == nil {
		return 0
	}
	return m.Body.kind()
}

// Announcement returns the body if it is an announcement.
func (m *Message) Announcement() (*Announcement, bool) {
	body, ok := m.Body.(*Announcement)
	return body, ok
}

// Chat returns the body if it is a chat message.
func (m *Message) Chat() (*Chat, bool) {
	body, ok := m.Body.(*Chat)
	return body, ok
}

// Equal compares messages by the network event they were decoded
// from. Two outbound messages (no event) are equal; application fields
// are not compared.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if (m.Event == nil) != (other.Event == nil) {
		return false
	}
	if m.Event == nil {
		return true
	}
	return m.Event.String() == other.Event.String()
}

// Clone returns a shallow copy with a copied body, so callers can
// change header fields without affecting the original.
func (m *Message) Clone() *Message {
	clone := *m
	switch body := m.Body.(type) {
	case *Announcement:
		copied := *body
		clone.Body = &copied
	case *Chat:
		copied := *body
		clone.Body = &copied
	}
	return &clone
}

func (m *Message) String() string {
	switch body := m.Body.(type) {
	case *Announcement:
		return fmt.Sprintf("announcement subject=%s trust_back=%s author=%s",
			body.PublicKeyBech32, body.PleaseTrustPublicKeyBech32, m.Author.Short())
	case *Chat:
		payloadType := ""
		if body.Payload != nil {
			payloadType = body.Payload.Type
		}
		return fmt.Sprintf("chat label=%s description=%q payload=%s author=%s",
			body.Label, body.Description, payloadType, m.Author.Short())
	default:
		return "empty message"
	}
}
