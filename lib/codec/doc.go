// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the binary encodings shared by nostrsync's wire
// format and its state files.
//
// CBOR is used with Core Deterministic Encoding (RFC 8949 §4.2) so the
// same record always produces the same bytes. Compressed payloads use
// zlib framing (RFC 1950), which is what peers on other platforms
// expect inside a compressed direct message.
//
//	data, err := codec.Marshal(record)
//	packed, err := codec.Deflate(data)
//	data, err = codec.Inflate(packed)
//	err = codec.Unmarshal(data, &record)
package codec
