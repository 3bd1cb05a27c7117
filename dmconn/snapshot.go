// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dmconn

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bureau-foundation/nostrsync/dm"
	"github.com/bureau-foundation/nostrsync/identity"
	"github.com/bureau-foundation/nostrsync/relay"
)

// Snapshot is the persisted state of a Connection. It carries the
// identity secret and must be stored sealed.
type Snapshot struct {
	UseTimer             bool        `json:"use_timer"`
	IdentitySecretBech32 string      `json:"identity_secret_bech32"`
	ProcessedMessages    []dm.Record `json:"processed_messages"`
	RelayList            relay.List  `json:"relay_list"`
}

// Dump captures the connection's identity, relay list and delivered
// messages. Announcements and chat payloads of excluded types are
// left out.
func (c *Connection) Dump() (Snapshot, error) {
	secret, err := c.keys.Load().SecretBech32()
	if err != nil {
		return Snapshot{}, fmt.Errorf("dmconn: encoding identity: %w", err)
	}
	snapshot := Snapshot{
		UseTimer:             c.useTimer,
		IdentitySecretBech32: secret,
		ProcessedMessages:    []dm.Record{},
		RelayList:            c.pool.List(),
	}
	for _, message := range c.pipeline.Processed() {
		if !c.persistable(message) {
			continue
		}
		record, err := dm.ToRecord(message)
		if err != nil {
			return Snapshot{}, fmt.Errorf("dmconn: dumping message: %w", err)
		}
		snapshot.ProcessedMessages = append(snapshot.ProcessedMessages, record)
	}
	return snapshot, nil
}

func (c *Connection) persistable(message *dm.Message) bool {
	chat, ok := message.Chat()
	if !ok || message.Event == nil {
		return false
	}
	if chat.Payload != nil {
		if _, excluded := c.excluded[chat.Payload.Type]; excluded {
			return false
		}
	}
	return true
}

// Restore rebuilds a connection from snapshot. The snapshot's identity
// replaces config.Keys, and its relay list replaces config.RelayList
// unless it is empty. Persisted events are replayed through the
// pipeline by the first Subscribe, before the relay subscription opens.
func Restore(config Config, snapshot Snapshot) (*Connection, error) {
	keys, err := identity.ParseSecretKey(snapshot.IdentitySecretBech32)
	if err != nil {
		return nil, fmt.Errorf("dmconn: restoring identity: %w", err)
	}
	config.Keys = keys
	config.UseTimer = snapshot.UseTimer
	if snapshot.RelayList.Len() > 0 {
		config.RelayList = snapshot.RelayList
	}

	events := make([]nostr.Event, 0, len(snapshot.ProcessedMessages))
	for index, record := range snapshot.ProcessedMessages {
		text, ok := record["event"].(string)
		if !ok {
			continue
		}
		var event nostr.Event
		if err := json.Unmarshal([]byte(text), &event); err != nil {
			keys.Close()
			return nil, fmt.Errorf("dmconn: restoring processed message %d: %w", index, err)
		}
		events = append(events, event)
	}

	c, err := New(config)
	if err != nil {
		keys.Close()
		return nil, err
	}
	c.pendingReplay = events
	return c, nil
}
