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

package cbor_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/gobp/admin"
	"github.com/blinklabs-io/gobp/cbor"
)

type journalRecord struct {
	Seconds uint64
	Count   uint64
	Source  string
}

func TestEncodeMapKeysSorted(t *testing.T) {
	// Core deterministic ordering puts shorter keys first
	data, err := cbor.Encode(map[string]int{"bb": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, "a261610162626202", hex.EncodeToString(data))
}

func TestEncodeStructAsMap(t *testing.T) {
	data, err := cbor.Encode(journalRecord{Seconds: 1, Count: 2, Source: "x"})
	require.NoError(t, err)
	// Field names are the keys, shortest first
	assert.Equal(
		t,
		"a365436f756e740266536f757263656178675365636f6e647301",
		hex.EncodeToString(data),
	)
}

func TestDecodeRoundTrip(t *testing.T) {
	src := journalRecord{Seconds: 774000000, Count: 3, Source: "dtn://a/b"}
	data, err := cbor.Encode(src)
	require.NoError(t, err)
	var dst journalRecord
	n, err := cbor.Decode(data, &dst)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, src, dst)
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	type older struct {
		A int
	}
	type newer struct {
		A int
		B string
	}
	data, err := cbor.Encode(newer{A: 7, B: "extra"})
	require.NoError(t, err)
	var dst older
	_, err = cbor.Decode(data, &dst)
	require.NoError(t, err)
	assert.Equal(t, 7, dst.A)
}

func TestDecodeTruncated(t *testing.T) {
	var dst journalRecord
	_, err := cbor.Decode([]byte{0x83, 0x01}, &dst)
	assert.Error(t, err)
}

func TestStatusReportStoredByField(t *testing.T) {
	type record struct {
		Handle    uint64
		StatusRpt admin.StatusReport
	}
	src := record{
		Handle: 5,
		StatusRpt: admin.StatusReport{
			Subject: admin.Subject{CreationSeconds: 3, SourceEID: "ipn:1.1"},
			Flags:   admin.ReportReceived,
			// Not flagged yet, so absent from the wire form
			DeliveryTime: admin.DtnTime{Seconds: 44},
		},
	}
	data, err := cbor.Encode(src)
	require.NoError(t, err)
	var dst record
	_, err = cbor.Decode(data, &dst)
	require.NoError(t, err)
	assert.Equal(t, src, dst)

	var empty record
	data, err = cbor.Encode(empty)
	require.NoError(t, err)
	_, err = cbor.Decode(data, &dst)
	require.NoError(t, err)
	assert.Equal(t, empty, dst)
}
