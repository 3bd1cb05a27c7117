// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package base85 implements the RFC 1924 base85 alphabet in the
// unpadded form used for compressed nostrsync payloads.
//
// Input is split into 4-byte groups, each written as 5 characters. A
// short final group is zero-padded before encoding and the characters
// standing for the padding are dropped from the output, so the
// encoding of n bytes is ceil(n*5/4) characters. Decoding reverses
// this by padding the text with the highest digit.
//
// encoding/ascii85 uses a different alphabet and "z" shorthand, so it
// cannot read or write this format.
package base85

import "fmt"

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"abcdefghijklmnopqrstuvwxyz!#$%&()*+-;<=>?@^_`{|}~"

var decodeTable [256]int8

func init() {
	for i := range decodeTable {
		decodeTable[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		decodeTable[alphabet[i]] = int8(i)
	}
}

// CorruptInputError reports the offset of the first invalid character
// or overflowing group.
type CorruptInputError int64

func (e CorruptInputError) Error() string {
	return fmt.Sprintf("base85: illegal data at input byte %d", int64(e))
}

// EncodeToString encodes src without padding.
func EncodeToString(src []byte) string {
	if len(src) == 0 {
		return ""
	}
	padding := (4 - len(src)%4) % 4
	padded := make([]byte, len(src)+padding)
	copy(padded, src)

	out := make([]byte, 0, len(padded)/4*5)
	var digits [5]byte
	for offset := 0; offset < len(padded); offset += 4 {
		value := uint32(padded[offset])<<24 | uint32(padded[offset+1])<<16 |
			uint32(padded[offset+2])<<8 | uint32(padded[offset+3])
		for i := 4; i >= 0; i-- {
			digits[i] = alphabet[value%85]
			value /= 85
		}
		out = append(out, digits[:]...)
	}
	return string(out[:len(out)-padding])
}

// DecodeString decodes text produced by EncodeToString, or by any
// encoder of the same alphabet that pads to full groups.
func DecodeString(text string) ([]byte, error) {
	if len(text) == 0 {
		return []byte{}, nil
	}
	padding := (5 - len(text)%5) % 5
	if padding == 4 {
		// A single trailing character carries less than one byte.
		return nil, CorruptInputError(len(text) - 1)
	}

	out := make([]byte, 0, (len(text)+padding)/5*4)
	for offset := 0; offset < len(text)+padding; offset += 5 {
		var value uint64
		for i := 0; i < 5; i++ {
			position := offset + i
			digit := int8(84)
			if position < len(text) {
				digit = decodeTable[text[position]]
				if digit < 0 {
					return nil, CorruptInputError(position)
				}
			}
			value = value*85 + uint64(digit)
		}
		if value > 0xffffffff {
			return nil, CorruptInputError(offset)
		}
		out = append(out, byte(value>>24), byte(value>>16), byte(value>>8), byte(value))
	}
	return out[:len(out)-padding], nil
}
