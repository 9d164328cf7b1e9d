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

package sdnv

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test vectors from RFC 6256 section 2.1
var rfcVectors = []struct {
	value   uint64
	encoded []byte
}{
	{0x7f, []byte{0x7f}},
	{0x80, []byte{0x81, 0x00}},
	{0xabc, []byte{0x95, 0x3c}},
	{0x1234, []byte{0xa4, 0x34}},
	{0x4234, []byte{0x81, 0x84, 0x34}},
}

func TestEncodeVectors(t *testing.T) {
	for _, tc := range rfcVectors {
		assert.Equal(t, tc.encoded, Encode(tc.value), "value %#x", tc.value)
		assert.Equal(t, len(tc.encoded), EncodedLen(tc.value))
	}
}

func TestDecodeVectors(t *testing.T) {
	for _, tc := range rfcVectors {
		v, n, err := Decode(append(tc.encoded, 0xff))
		require.NoError(t, err)
		assert.Equal(t, tc.value, v)
		assert.Equal(t, len(tc.encoded), n)
	}
}

func TestMaxValue(t *testing.T) {
	enc := Encode(math.MaxUint64)
	assert.Len(t, enc, MaxLength)
	v, n, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), v)
	assert.Equal(t, MaxLength, n)
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := Decode([]byte{0x81, 0x84})
	assert.ErrorIs(t, err, ErrTruncated)
	_, _, err = Decode(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeOverflow(t *testing.T) {
	data := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f}
	_, _, err := Decode(data)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestDecoder(t *testing.T) {
	buf := Append([]byte{0x06}, 0x4234)
	buf = append(buf, 'a', 'b', 'c')
	d := NewDecoder(buf)
	b, err := d.Byte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x06), b)
	v, err := d.Uint()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x4234), v)
	assert.Equal(t, 4, d.Offset())
	data, err := d.Bytes(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
	assert.Equal(t, 0, d.Remaining())
	_, err = d.Bytes(1)
	assert.ErrorIs(t, err, ErrTruncated)
	_, err = d.Byte()
	assert.ErrorIs(t, err, ErrTruncated)
}
