// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Anything in nostrsync that reads the wall clock or waits on a timer
// takes a Clock: the relay pool (staleness checks), the codec (legacy
// timestamp fallback), the announcement protocol (trust request
// freshness) and the direct-message connection (reconnect ticker).
// Production code passes Real(); tests pass Fake() and move time with
// Advance.
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go connection.runRetryTimer(ctx)
//	c.WaitForTimers(1)
//	c.Advance(10 * time.Second)
package clock
