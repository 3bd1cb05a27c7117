// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bureau-foundation/nostrsync/identity"
	"github.com/bureau-foundation/nostrsync/lib/base85"
	"github.com/bureau-foundation/nostrsync/lib/clock"
	"github.com/bureau-foundation/nostrsync/lib/codec"
)

// ErrDecode is wrapped by every Deserialize failure.
var ErrDecode = errors.New("dm: payload is neither JSON nor compressed CBOR")

// LegacyAge is how old a message without a usable created_at is
// assumed to be.
const LegacyAge = 30 * 24 * time.Hour

// Wire field names.
const (
	fieldType              = "type"
	fieldEvent             = "event"
	fieldAuthor            = "author"
	fieldCreatedAt         = "created_at"
	fieldPublicKey         = "public_key_bech32"
	fieldPleaseTrust       = "please_trust_public_key_bech32"
	fieldLabel             = "label"
	fieldDescription       = "description"
	fieldData              = "data"
	fieldIntendedRecipient = "intended_recipient"
	fieldDataType          = "type"
	fieldDataBytes         = "data"
)

// Record is the flat key-value form of a message. Absent fields have
// no key at all.
type Record map[string]any

// Codec converts messages to and from wire strings.
type Codec struct {
	clock  clock.Clock
	logger *slog.Logger
}

// NewCodec returns a Codec. A nil logger selects slog.Default().
func NewCodec(clk clock.Clock, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{clock: clk, logger: logger}
}

// Serialize encodes message as JSON, or as base85(zlib(CBOR)) when
// message.UseCompression is set.
func (c *Codec) Serialize(message *Message) (string, error) {
	record, err := ToRecord(message)
	if err != nil {
		return "", err
	}

	if !message.UseCompression {
		data, err := json.Marshal(record)
		if err != nil {
			return "", fmt.Errorf("dm: encoding JSON: %w", err)
		}
		return string(data), nil
	}

	packed, err := codec.Marshal(map[string]any(record))
	if err != nil {
		return "", fmt.Errorf("dm: encoding CBOR: %w", err)
	}
	compressed, err := codec.Deflate(packed)
	if err != nil {
		return "", fmt.Errorf("dm: %w", err)
	}
	encoded := base85.EncodeToString(compressed)

	if c.logger.Enabled(context.Background(), slog.LevelDebug) {
		if plain, err := json.Marshal(record); err == nil && len(plain) > 0 {
			c.logger.Debug("compressed direct message",
				"json_bytes", len(plain),
				"wire_bytes", len(encoded),
				"ratio", float64(len(encoded))/float64(len(plain)),
			)
		}
	}
	return encoded, nil
}

// Deserialize decodes text produced by Serialize in either format.
// Text starting with '{' is tried as JSON first. expected names the
// body kind to assume when the payload carries no type field.
func (c *Codec) Deserialize(text string, expected Kind) (*Message, error) {
	if strings.HasPrefix(text, "{") {
		var record Record
		if err := json.Unmarshal([]byte(text), &record); err == nil {
			message, err := c.FromRecord(record, expected)
			if err == nil {
				return message, nil
			}
			c.logger.Debug("JSON payload did not decode as a message, trying compressed form", "error", err)
		}
	}

	compressed, err := base85.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	packed, err := codec.Inflate(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if !codec.Valid(packed) {
		return nil, fmt.Errorf("%w: malformed CBOR", ErrDecode)
	}
	var record Record
	if err := codec.Unmarshal(packed, &record); err != nil {
		return nil, fmt.Errorf("%w: CBOR: %v", ErrDecode, err)
	}
	message, err := c.FromRecord(record, expected)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	message.UseCompression = true
	return message, nil
}

// ToRecord flattens message. Empty optional fields are omitted.
func ToRecord(message *Message) (Record, error) {
	record := Record{
		fieldCreatedAt: float64(message.CreatedAt.UnixMicro()) / 1e6,
	}
	if message.Event != nil {
		record[fieldEvent] = message.Event.String()
	}
	if message.Author != "" {
		record[fieldAuthor] = message.Author.Bech32()
	}

	switch body := message.Body.(type) {
	case *Announcement:
		record[fieldType] = KindAnnouncement.String()
		record[fieldPublicKey] = body.PublicKeyBech32
		if body.PleaseTrustPublicKeyBech32 != "" {
			record[fieldPleaseTrust] = body.PleaseTrustPublicKeyBech32
		}
	case *Chat:
		record[fieldType] = KindChat.String()
		record[fieldLabel] = int(body.Label)
		record[fieldDescription] = body.Description
		if body.Payload != nil {
			record[fieldData] = map[string]any{
				fieldDataType:  body.Payload.Type,
				fieldDataBytes: body.Payload.Data,
			}
		}
		if body.IntendedRecipient != "" {
			record[fieldIntendedRecipient] = body.IntendedRecipient
		}
	default:
		return nil, fmt.Errorf("dm: message has no body")
	}
	return record, nil
}

// FromRecord rebuilds a message. A missing or unusable created_at
// resolves to LegacyAge before now.
func (c *Codec) FromRecord(record Record, expected Kind) (*Message, error) {
	kind := expected
	if value, present := record[fieldType]; present {
		text, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("dm: %s is %T, want string", fieldType, value)
		}
		parsed, err := ParseKind(text)
		if err != nil {
			return nil, err
		}
		if expected != 0 && parsed != expected {
			return nil, fmt.Errorf("dm: got %s message, expected %s", parsed, expected)
		}
		kind = parsed
	}

	message := &Message{CreatedAt: c.createdAt(record[fieldCreatedAt])}

	if value, present := record[fieldEvent]; present {
		text, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("dm: %s is %T, want string", fieldEvent, value)
		}
		var event nostr.Event
		if err := json.Unmarshal([]byte(text), &event); err != nil {
			return nil, fmt.Errorf("dm: parsing embedded event: %w", err)
		}
		message.Event = &event
	}
	if value, present := record[fieldAuthor]; present {
		text, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("dm: %s is %T, want string", fieldAuthor, value)
		}
		author, err := identity.ParsePublicKey(text)
		if err != nil {
			return nil, err
		}
		message.Author = author
	}

	switch kind {
	case KindAnnouncement:
		subject, ok := record[fieldPublicKey].(string)
		if !ok || subject == "" {
			return nil, fmt.Errorf("dm: announcement without %s", fieldPublicKey)
		}
		trustBack, _ := record[fieldPleaseTrust].(string)
		message.Body = &Announcement{PublicKeyBech32: subject, PleaseTrustPublicKeyBech32: trustBack}
	case KindChat:
		body := &Chat{Label: GroupChat}
		if value, present := record[fieldLabel]; present {
			number, ok := asFloat(value)
			if !ok || !Label(number).Valid() || number != math.Trunc(number) {
				return nil, fmt.Errorf("dm: invalid label %v", value)
			}
			body.Label = Label(number)
		}
		if value, present := record[fieldDescription]; present {
			text, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("dm: %s is %T, want string", fieldDescription, value)
			}
			body.Description = text
		}
		if value, present := record[fieldData]; present {
			payload, err := payloadFrom(value)
			if err != nil {
				return nil, err
			}
			body.Payload = payload
		}
		body.IntendedRecipient, _ = record[fieldIntendedRecipient].(string)
		message.Body = body
	default:
		return nil, fmt.Errorf("dm: message type unknown and no kind expected")
	}
	return message, nil
}

func (c *Codec) createdAt(value any) time.Time {
	if seconds, ok := asFloat(value); ok && !math.IsNaN(seconds) && !math.IsInf(seconds, 0) {
		whole, fraction := math.Modf(seconds)
		return time.Unix(int64(whole), int64(math.Round(fraction*1e6))*1e3)
	}
	return c.clock.Now().Add(-LegacyAge)
}

func payloadFrom(value any) (*Payload, error) {
	fields, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("dm: %s is %T, want map", fieldData, value)
	}
	payload := &Payload{}
	payload.Type, _ = fields[fieldDataType].(string)
	switch data := fields[fieldDataBytes].(type) {
	case []byte:
		payload.Data = data
	case string:
		// encoding/json writes []byte as standard base64.
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("dm: payload data is not base64: %w", err)
		}
		payload.Data = decoded
	case nil:
	default:
		return nil, fmt.Errorf("dm: payload data is %T", data)
	}
	return payload, nil
}

func asFloat(value any) (float64, bool) {
	switch number := value.(type) {
	case float64:
		return number, true
	case float32:
		return float64(number), true
	case int:
		return float64(number), true
	case int64:
		return float64(number), true
	case uint64:
		return float64(number), true
	case json.Number:
		parsed, err := number.Float64()
		return parsed, err == nil
	default:
		return 0, false
	}
}
