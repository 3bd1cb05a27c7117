// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps key material off the Go heap.
//
// [Buffer] allocates an anonymous mmap region, tries to lock it into
// RAM with mlock and marks it MADV_DONTDUMP. On Close the region is
// zeroed and unmapped. Identity secret keys live in a Buffer for the
// life of the process and are only copied out when a signing or
// encryption call needs them.
//
// mlock is best-effort: unprivileged containers commonly run with a
// tiny RLIMIT_MEMLOCK, and a device must still be able to sync there.
// [Buffer.Locked] reports whether the lock succeeded.
package secret
