// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// maxInflatedSize caps Inflate output. Direct messages are small; a
// payload inflating past this is treated as hostile.
const maxInflatedSize = 16 << 20

// Deflate compresses data with zlib framing at the default level.
func Deflate(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer := zlib.NewWriter(&buffer)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("codec: deflating: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("codec: finishing deflate stream: %w", err)
	}
	return buffer.Bytes(), nil
}

// Inflate reverses Deflate. It fails on a corrupt stream, a bad
// checksum, or output larger than 16 MiB.
func Inflate(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: opening zlib stream: %w", err)
	}
	defer reader.Close()

	inflated, err := io.ReadAll(io.LimitReader(reader, maxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("codec: inflating: %w", err)
	}
	if len(inflated) > maxInflatedSize {
		return nil, fmt.Errorf("codec: inflated payload exceeds %d bytes", maxInflatedSize)
	}
	return inflated, nil
}
