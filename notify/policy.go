// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import "github.com/bureau-foundation/nostrsync/identity"

// AuthorizationPolicy decides which senders may deliver messages. The
// pipeline asks on every event, so changes take effect immediately.
type AuthorizationPolicy interface {
	IsAllowed(sender identity.PublicKey) bool
}

// PolicyFunc adapts a function to AuthorizationPolicy.
type PolicyFunc func(sender identity.PublicKey) bool

func (f PolicyFunc) IsAllowed(sender identity.PublicKey) bool { return f(sender) }

// AllowSet is a fixed set of allowed senders.
type AllowSet identity.PublicKeySet

func (s AllowSet) IsAllowed(sender identity.PublicKey) bool {
	return identity.PublicKeySet(s).Contains(sender)
}
