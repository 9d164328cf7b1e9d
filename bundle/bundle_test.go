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

package bundle_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/gobp/admin"
	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/eid"
	"github.com/blinklabs-io/gobp/sdnv"
	"github.com/blinklabs-io/gobp/store"
)

func newCBHEBundle(t *testing.T) *bundle.Bundle {
	t.Helper()
	return &bundle.Bundle{
		ID: bundle.ID{
			Source:   eid.CBHEEID(1, 1),
			Creation: bundle.Timestamp{Seconds: 813000000, Count: 4},
		},
		ProcFlags: (bundle.FlagDestIsSingleton | bundle.FlagIsCustodial).
			WithPriority(bundle.PriorityExpedited).
			WithSRR(admin.ReportReceived | admin.ReportDeleted),
		Destination:    eid.CBHEEID(2, 1),
		ReportTo:       eid.CBHEEID(1, 1),
		Custodian:      eid.CBHEEID(0, 0),
		ExpirationTime: 813000060,
	}
}

// ====================
// Flags
// ====================

func TestProcFlags(t *testing.T) {
	f := bundle.FlagIsCustodial.WithPriority(bundle.PriorityStandard).WithSRR(admin.ReportForwarded)
	assert.True(t, f.Has(bundle.FlagIsCustodial))
	assert.False(t, f.Has(bundle.FlagIsAdmin))
	assert.Equal(t, bundle.PriorityStandard, f.Priority())
	assert.Equal(t, admin.ReportForwarded, f.SRR())
	assert.Equal(t, bundle.ProcFlags(0x08|1<<7|0x04<<14), f)

	f = f.WithPriority(bundle.PriorityBulk).WithSRR(0)
	assert.Equal(t, bundle.FlagIsCustodial, f)
}

// ====================
// Primary block
// ====================

func TestPrimaryRoundTripCBHE(t *testing.T) {
	b := newCBHEBundle(t)
	data, err := b.EncodePrimary()
	require.NoError(t, err)
	assert.Equal(t, byte(bundle.Version), data[0])

	// Trailing block bytes are not consumed
	buf := append(append([]byte(nil), data...), 0x01, 0x08, 0x00)
	got, n, err := bundle.DecodePrimary(buf)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, b.ProcFlags, got.ProcFlags)
	assert.Equal(t, b.Destination, got.Destination)
	assert.Equal(t, b.ReportTo, got.ReportTo)
	assert.True(t, got.Custodian.IsNull())
	assert.Equal(t, b.ExpirationTime, got.ExpirationTime)
	assert.True(t, got.CBHE())
	assert.Equal(t, int64(bundle.BaseOverhead), got.DBOverhead)
}

func TestPrimaryRoundTripDictionary(t *testing.T) {
	dest := eid.MustParse("dtn://ground/inbox")
	src := eid.MustParse("dtn://probe/telemetry")
	dict, _ := eid.BuildDictionary(eid.None, dest, src)
	b := &bundle.Bundle{
		ID: bundle.ID{
			Source:         src,
			Creation:       bundle.Timestamp{Seconds: 700, Count: 1},
			FragmentOffset: 100,
		},
		ProcFlags:      bundle.FlagIsFragment | bundle.FlagDestIsSingleton,
		Destination:    dest,
		ReportTo:       src,
		Custodian:      eid.None,
		Dictionary:     dict,
		ExpirationTime: 3700,
		TotalAduLength: 150,
	}
	data, err := b.EncodePrimary()
	require.NoError(t, err)
	got, n, err := bundle.DecodePrimary(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, dest, got.Destination)
	assert.Equal(t, src, got.ReportTo)
	assert.Equal(t, eid.None, got.Custodian)
	assert.Equal(t, uint64(150), got.TotalAduLength)
	assert.Equal(t, dict, got.Dictionary)
	assert.Equal(t, int64(bundle.BaseOverhead+len(dict)), got.DBOverhead)
}

func TestPrimaryNotEncodable(t *testing.T) {
	b := newCBHEBundle(t)
	b.ReportTo = eid.MustParse("dtn://elsewhere")
	_, err := b.EncodePrimary()
	assert.ErrorIs(t, err, bundle.ErrNotEncodable)
}

func TestPrimaryMalformed(t *testing.T) {
	b := newCBHEBundle(t)
	data, err := b.EncodePrimary()
	require.NoError(t, err)
	padded := append(append([]byte(nil), data...), make([]byte, 8)...)

	_, _, err = bundle.DecodePrimary(padded[:10])
	assert.ErrorIs(t, err, bundle.ErrMalformed)

	wrongVersion := append([]byte{7}, padded[1:]...)
	_, _, err = bundle.DecodePrimary(wrongVersion)
	assert.ErrorIs(t, err, bundle.ErrBadVersion)

	// Residual length pointing past the end of the data
	bad := append([]byte(nil), padded...)
	bad[1+sdnv.EncodedLen(uint64(b.ProcFlags))] = 0x7f
	_, _, err = bundle.DecodePrimary(bad)
	assert.ErrorIs(t, err, bundle.ErrMalformed)
}

func TestPrimaryCompact(t *testing.T) {
	b := &bundle.Bundle{
		ID: bundle.ID{
			Source:   eid.CBHEEID(1, 1),
			Creation: bundle.Timestamp{Seconds: 100, Count: 1},
		},
		ProcFlags:      bundle.FlagDestIsSingleton,
		Destination:    eid.CBHEEID(2, 1),
		ReportTo:       eid.CBHEEID(1, 1),
		ExpirationTime: 160,
	}
	data, err := b.EncodePrimary()
	require.NoError(t, err)
	require.Len(t, data, bundle.MinPrimaryBlockLength)

	got, n, err := bundle.DecodePrimary(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, eid.CBHEEID(2, 1), got.Destination)
	assert.Equal(t, uint64(160), got.ExpirationTime)
}

func TestPrimaryResidualMismatch(t *testing.T) {
	b := newCBHEBundle(t)
	data, err := b.EncodePrimary()
	require.NoError(t, err)
	residualAt := 1 + sdnv.EncodedLen(uint64(b.ProcFlags))
	require.Less(t, data[residualAt], byte(0x7f))

	// Residual claims one byte more than the fields use
	long := append(append([]byte(nil), data...), 0)
	long[residualAt]++
	_, _, err = bundle.DecodePrimary(long)
	assert.ErrorIs(t, err, bundle.ErrMalformed)

	// Residual claims one byte less
	short := append([]byte(nil), data...)
	short[residualAt]--
	_, _, err = bundle.DecodePrimary(short)
	assert.ErrorIs(t, err, bundle.ErrMalformed)
}

// ====================
// Model helpers
// ====================

func TestKey(t *testing.T) {
	b := newCBHEBundle(t)
	k1 := b.Key()
	assert.Equal(t, k1, b.ID.Key(0))
	assert.Len(t, k1.String(), 64)

	b.ProcFlags |= bundle.FlagIsFragment
	b.Payload.Length = 10
	assert.NotEqual(t, k1, b.Key())
	assert.Equal(t, b.ID.Key(10), b.Key())
}

func TestRetained(t *testing.T) {
	b := newCBHEBundle(t)
	assert.False(t, b.Retained())
	b.XmitsNeeded = 1
	assert.True(t, b.Retained())
	b.XmitsNeeded = 0
	b.DlvQueueElt = store.Handle{Index: 0, Gen: 1}
	assert.True(t, b.Retained())
	b.DlvQueueElt = store.Handle{}
	b.InTransit = true
	assert.True(t, b.Retained())
}

func TestGuessSize(t *testing.T) {
	b := newCBHEBundle(t)
	b.Payload.Length = 100
	b.ExtensionsLength = [2]uint64{10, 5}
	assert.Equal(t, int64(bundle.NominalPrimaryBlockSize+115), b.GuessSize())
	assert.Equal(t, uint64(60), b.Lifetime())
}

func TestSubject(t *testing.T) {
	b := newCBHEBundle(t)
	s := b.Subject()
	assert.False(t, s.IsFragment)
	assert.Equal(t, "ipn:1.1", s.SourceEID)
	assert.Equal(t, uint64(4), s.CreationCount)

	b.ProcFlags |= bundle.FlagIsFragment
	b.ID.FragmentOffset = 20
	b.Payload.Length = 30
	s = b.Subject()
	assert.True(t, s.IsFragment)
	assert.Equal(t, uint64(20), s.FragmentOffset)
	assert.Equal(t, uint64(30), s.FragmentLength)
}
