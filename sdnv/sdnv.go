// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sdnv implements Self-Delimiting Numeric Values (RFC 6256), the
// variable-length unsigned integer encoding used throughout the bundle
// protocol wire format.
//
// Each byte carries 7 bits of the value, most significant group first. Every
// byte except the last has its high bit set.
package sdnv

import (
	"errors"
)

// MaxLength is the longest encoding of a 64-bit value
const MaxLength = 10

var (
	// ErrTruncated is returned when the input ends before the terminating byte
	ErrTruncated = errors.New("sdnv: truncated value")
	// ErrOverflow is returned when the encoded value does not fit in 64 bits
	ErrOverflow = errors.New("sdnv: value overflows 64 bits")
)

// EncodedLen returns the number of bytes needed to encode v
func EncodedLen(v uint64) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

// Append appends the encoding of v to dst and returns the extended slice
func Append(dst []byte, v uint64) []byte {
	var buf [MaxLength]byte
	i := len(buf) - 1
	buf[i] = byte(v & 0x7f)
	for v >>= 7; v != 0; v >>= 7 {
		i--
		buf[i] = byte(v&0x7f) | 0x80
	}
	return append(dst, buf[i:]...)
}

// Encode returns the encoding of v
func Encode(v uint64) []byte {
	return Append(make([]byte, 0, EncodedLen(v)), v)
}

// Decode decodes a value from the start of data, returning the value and the
// number of bytes consumed
func Decode(data []byte) (uint64, int, error) {
	var v uint64
	for i, b := range data {
		if i >= MaxLength || v > (^uint64(0))>>7 {
			return 0, 0, ErrOverflow
		}
		v = (v << 7) | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, ErrTruncated
}
