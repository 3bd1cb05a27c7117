// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
)

type sampleRecord struct {
	Type   string `cbor:"type"`
	Author string `cbor:"author,omitempty"`
	Label  int    `cbor:"label"`
}

func TestMarshalDeterministic(t *testing.T) {
	record := map[string]any{"type": "chat", "label": 1, "author": "npub1x"}

	first, err := Marshal(record)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(map[string]any{"author": "npub1x", "label": 1, "type": "chat"})
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("map key order changed the encoding: %x != %x", first, second)
	}
}

func TestUnmarshalIntoAnyProducesStringMaps(t *testing.T) {
	data, err := Marshal(sampleRecord{Type: "announcement", Label: 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	fields, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if fields["type"] != "announcement" {
		t.Errorf("type = %v, want announcement", fields["type"])
	}
	if _, present := fields["author"]; present {
		t.Error("omitempty field was encoded")
	}
}

func TestValid(t *testing.T) {
	data, err := Marshal(sampleRecord{Type: "chat"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !Valid(data) {
		t.Error("Valid rejected well-formed CBOR")
	}
	if Valid(data[:len(data)-1]) {
		t.Error("Valid accepted truncated CBOR")
	}
}

func TestDeflateInflate(t *testing.T) {
	original := []byte(strings.Repeat("the quick brown fox ", 200))

	packed, err := Deflate(original)
	if err != nil {
		t.Fatalf("Deflate: %v", err)
	}
	if len(packed) >= len(original) {
		t.Errorf("repetitive input did not shrink: %d >= %d", len(packed), len(original))
	}
	// zlib header: CMF 0x78 (deflate, 32K window).
	if packed[0] != 0x78 {
		t.Errorf("first byte = %#x, want zlib header 0x78", packed[0])
	}

	unpacked, err := Inflate(packed)
	if err != nil {
		t.Fatalf("Inflate: %v", err)
	}
	if !bytes.Equal(unpacked, original) {
		t.Error("Inflate(Deflate(x)) != x")
	}
}

func TestInflateRejectsGarbage(t *testing.T) {
	if _, err := Inflate([]byte("definitely not zlib")); err == nil {
		t.Fatal("Inflate accepted garbage")
	}

	packed, err := Deflate([]byte("payload"))
	if err != nil {
		t.Fatalf("Deflate: %v", err)
	}
	packed[len(packed)-1] ^= 0xff
	if _, err := Inflate(packed); err == nil {
		t.Fatal("Inflate accepted a corrupted checksum")
	}
}
