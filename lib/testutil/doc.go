// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for nostrsync packages.
//
// Every channel wait in a test goes through RequireReceive,
// RequireClosed, RequireNoReceive or Eventually so a broken code path
// fails fast instead of hanging the test binary.
package testutil
