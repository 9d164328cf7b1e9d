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

package extension_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/eid"
	"github.com/blinklabs-io/gobp/extension"
)

const (
	typeAlpha = 10
	typeBeta  = 11
	typeGamma = 12
)

func serialized(blockType uint8, data string) bundle.ExtensionBlock {
	blk := bundle.ExtensionBlock{Type: blockType}
	extension.Serialize(&blk, nil, []byte(data))
	return blk
}

func newRegistry(t *testing.T, defs ...extension.Def) *extension.Registry {
	t.Helper()
	reg, err := extension.NewRegistry(defs...)
	require.NoError(t, err)
	return reg
}

func basicDefs() []extension.Def {
	return []extension.Def{
		{Name: "alpha", Type: typeAlpha, ListIdx: bundle.ListPrePayload},
		{Name: "beta", Type: typeBeta, ListIdx: bundle.ListPrePayload},
		{Name: "gamma", Type: typeGamma, ListIdx: bundle.ListPostPayload},
	}
}

func blockTypes(list []bundle.ExtensionBlock) []uint8 {
	ret := make([]uint8, 0, len(list))
	for _, blk := range list {
		ret = append(ret, blk.Type)
	}
	return ret
}

// ====================
// Registry
// ====================

func TestRegistryValidation(t *testing.T) {
	_, err := extension.NewRegistry(extension.Def{Name: "payload", Type: bundle.PayloadBlockType})
	assert.ErrorIs(t, err, extension.ErrReservedType)
	_, err = extension.NewRegistry(
		extension.Def{Name: "a", Type: 7},
		extension.Def{Name: "b", Type: 7},
	)
	assert.ErrorIs(t, err, extension.ErrDuplicateType)
	// The same type may be defined once per list
	_, err = extension.NewRegistry(
		extension.Def{Name: "a", Type: 7, ListIdx: bundle.ListPrePayload},
		extension.Def{Name: "b", Type: 7, ListIdx: bundle.ListPostPayload},
	)
	assert.NoError(t, err)
}

func TestRank(t *testing.T) {
	reg := newRegistry(t, basicDefs()...)
	assert.Equal(t, uint8(1), reg.Rank(typeBeta, bundle.ListPrePayload))
	assert.Equal(t, uint8(255), reg.Rank(99, bundle.ListPrePayload))
	assert.Equal(t, uint8(0), reg.Rank(99, bundle.ListPostPayload))
	// Registered for the other list only
	assert.Equal(t, uint8(255), reg.Rank(typeGamma, bundle.ListPrePayload))
	assert.Nil(t, reg.Find(0, bundle.ListPrePayload))
}

// ====================
// Outbound blocks
// ====================

func TestAttachOrdering(t *testing.T) {
	reg := newRegistry(t, basicDefs()...)
	b := &bundle.Bundle{DBOverhead: bundle.BaseOverhead}

	reg.Attach(b, serialized(typeBeta, "bb"), bundle.ListPrePayload)
	reg.Attach(b, serialized(99, "unknown"), bundle.ListPrePayload)
	reg.Attach(b, serialized(typeAlpha, "a"), bundle.ListPrePayload)
	assert.Equal(t, []uint8{typeAlpha, typeBeta, 99}, blockTypes(b.PrePayload))

	reg.Attach(b, serialized(typeGamma, "g"), bundle.ListPostPayload)
	reg.Attach(b, serialized(98, "x"), bundle.ListPostPayload)
	assert.Equal(t, []uint8{98, typeGamma}, blockTypes(b.PostPayload))

	var preLen uint64
	for _, blk := range b.PrePayload {
		preLen += blk.Length
	}
	assert.Equal(t, preLen, b.ExtensionsLength[bundle.ListPrePayload])
	assert.Equal(
		t,
		int64(bundle.BaseOverhead)+5*(bundle.ListEltOverhead+bundle.ExtensionBlockOverhead)+
			int64(preLen+b.ExtensionsLength[bundle.ListPostPayload]),
		b.DBOverhead,
	)

	reg.Delete(b, bundle.ListPrePayload, 0)
	assert.Equal(t, []uint8{typeBeta, 99}, blockTypes(b.PrePayload))
	assert.Equal(t, uint64(4), preLen-b.ExtensionsLength[bundle.ListPrePayload])
}

func TestSerialize(t *testing.T) {
	blk := bundle.ExtensionBlock{
		Type:      typeAlpha,
		ProcFlags: bundle.BlockMustBeCopied,
	}
	refs := []eid.Ref{{SchemeOffset: 0, SSPOffset: 4}}
	extension.Serialize(&blk, refs, []byte("abc"))
	expected := []byte{typeAlpha, 0x41, 0x01, 0x00, 0x04, 0x03, 'a', 'b', 'c'}
	assert.Equal(t, expected, blk.Bytes)
	assert.Equal(t, uint64(len(expected)), blk.Length)
	assert.Equal(t, uint64(3), blk.DataLength)
	assert.Equal(t, []byte("abc"), extension.Data(&blk))

	// Serializing again yields the same bytes
	extension.Serialize(&blk, refs, []byte("abc"))
	assert.Equal(t, expected, blk.Bytes)

	// Without references the flag is dropped
	extension.Serialize(&blk, nil, []byte("abc"))
	assert.Equal(t, []byte{typeAlpha, 0x01, 0x03, 'a', 'b', 'c'}, blk.Bytes)
}

func TestSuppressRestore(t *testing.T) {
	var calls int
	defs := basicDefs()
	defs[0].Process[extension.PhaseForward] = func(blk *bundle.ExtensionBlock, _ *bundle.Bundle, _ *extension.Context) error {
		calls++
		if calls == 1 {
			extension.Suppress(blk)
		} else {
			extension.Restore(blk)
		}
		return nil
	}
	reg := newRegistry(t, defs...)
	b := &bundle.Bundle{}
	reg.Attach(b, serialized(typeAlpha, "alpha data"), bundle.ListPrePayload)
	reg.Attach(b, serialized(typeBeta, "beta"), bundle.ListPrePayload)
	origLength := b.ExtensionsLength[bundle.ListPrePayload]
	origOverhead := b.DBOverhead

	require.NoError(t, reg.Process(b, extension.PhaseForward, nil))
	assert.True(t, b.PrePayload[0].Suppressed)
	assert.Equal(t, origLength-b.PrePayload[0].Length, b.ExtensionsLength[bundle.ListPrePayload])

	require.NoError(t, reg.Process(b, extension.PhaseForward, nil))
	assert.False(t, b.PrePayload[0].Suppressed)
	assert.Equal(t, origLength, b.ExtensionsLength[bundle.ListPrePayload])
	assert.Equal(t, origOverhead, b.DBOverhead)
}

func TestProcessScratchAndResize(t *testing.T) {
	defs := basicDefs()
	defs[0].Process[extension.PhaseEnqueue] = func(blk *bundle.ExtensionBlock, _ *bundle.Bundle, _ *extension.Context) error {
		extension.Scratch(blk)
		return nil
	}
	defs[2].Process[extension.PhaseEnqueue] = func(blk *bundle.ExtensionBlock, _ *bundle.Bundle, ctx *extension.Context) error {
		extension.Serialize(blk, nil, []byte(ctx.ProtocolName))
		return nil
	}
	reg := newRegistry(t, defs...)
	b := &bundle.Bundle{}
	reg.Attach(b, serialized(typeAlpha, "gone"), bundle.ListPrePayload)
	reg.Attach(b, serialized(typeBeta, "kept"), bundle.ListPrePayload)
	reg.Attach(b, serialized(typeGamma, "x"), bundle.ListPostPayload)

	require.NoError(t, reg.Process(b, extension.PhaseEnqueue, &extension.Context{ProtocolName: "tcpcl"}))
	assert.Equal(t, []uint8{typeBeta}, blockTypes(b.PrePayload))
	assert.Equal(t, b.PrePayload[0].Length, b.ExtensionsLength[bundle.ListPrePayload])
	assert.Equal(t, []byte("tcpcl"), extension.Data(&b.PostPayload[0]))
	assert.Equal(t, b.PostPayload[0].Length, b.ExtensionsLength[bundle.ListPostPayload])
	assert.Equal(
		t,
		2*(bundle.ListEltOverhead+bundle.ExtensionBlockOverhead)+
			int64(b.PrePayload[0].Length+b.PostPayload[0].Length),
		b.DBOverhead,
	)

	// Other phases are untouched
	require.NoError(t, reg.Process(b, extension.PhaseDequeue, nil))
	assert.Len(t, b.PrePayload, 1)
}

func TestProcessFailureNamesBlock(t *testing.T) {
	boom := errors.New("boom")
	defs := basicDefs()
	defs[1].Process[extension.PhaseTransmit] = func(*bundle.ExtensionBlock, *bundle.Bundle, *extension.Context) error {
		return boom
	}
	reg := newRegistry(t, defs...)
	b := &bundle.Bundle{}
	reg.Attach(b, serialized(typeBeta, "b"), bundle.ListPrePayload)

	err := reg.Process(b, extension.PhaseTransmit, nil)
	require.ErrorIs(t, err, boom)
	var blockErr *extension.BlockError
	require.True(t, errors.As(err, &blockErr))
	assert.Equal(t, uint8(typeBeta), blockErr.Type)
	assert.Equal(t, "beta", blockErr.Name)
	assert.Contains(t, err.Error(), "transmit")
}

func TestPatch(t *testing.T) {
	defs := basicDefs()
	defs[0].Offer = func(blk *bundle.ExtensionBlock, _ *bundle.Bundle) error {
		extension.Serialize(blk, nil, []byte("offered"))
		return nil
	}
	// Declines by leaving the block empty
	defs[1].Offer = func(*bundle.ExtensionBlock, *bundle.Bundle) error {
		return nil
	}
	defs[2].Offer = func(blk *bundle.ExtensionBlock, _ *bundle.Bundle) error {
		extension.Serialize(blk, nil, []byte("never"))
		return nil
	}
	reg := newRegistry(t, defs...)
	b := &bundle.Bundle{}
	reg.Attach(b, serialized(typeGamma, "already here"), bundle.ListPostPayload)

	require.NoError(t, reg.Patch(b))
	assert.Equal(t, []uint8{typeAlpha}, blockTypes(b.PrePayload))
	assert.Equal(t, []byte("offered"), extension.Data(&b.PrePayload[0]))
	assert.Len(t, b.PostPayload, 1)
	assert.Equal(t, []byte("already here"), extension.Data(&b.PostPayload[0]))

	// Patching again adds nothing
	require.NoError(t, reg.Patch(b))
	assert.Len(t, b.PrePayload, 1)
}

func TestCopy(t *testing.T) {
	defs := basicDefs()
	defs[0].Copy = func(dst, src *bundle.ExtensionBlock) error {
		dst.Object = append([]byte(nil), src.Object...)
		dst.Size = src.Size
		return nil
	}
	var released int
	defs[0].Release = func(*bundle.ExtensionBlock) { released++ }
	reg := newRegistry(t, defs...)

	src := &bundle.Bundle{}
	blk := serialized(typeAlpha, "a")
	blk.Object = []byte("scratch")
	blk.Size = 7
	reg.Attach(src, blk, bundle.ListPrePayload)
	other := serialized(typeBeta, "b")
	other.Object = []byte("dropped")
	other.Size = 7
	reg.Attach(src, other, bundle.ListPrePayload)

	dst := *src
	require.NoError(t, reg.Copy(&dst, src))
	assert.Equal(t, []byte("scratch"), dst.PrePayload[0].Object)
	assert.Nil(t, dst.PrePayload[1].Object)
	assert.Equal(t, src.DBOverhead-7, dst.DBOverhead)
	assert.Equal(t, src.ExtensionsLength, dst.ExtensionsLength)

	dst.PrePayload[0].Object[0] = 'S'
	assert.Equal(t, byte('s'), src.PrePayload[0].Object[0])

	reg.Destroy(&dst)
	assert.Equal(t, 1, released)
	assert.Empty(t, dst.PrePayload)
	assert.Len(t, src.PrePayload, 2)
}

// ====================
// Inbound blocks
// ====================

func TestAcquire(t *testing.T) {
	defs := basicDefs()
	defs[0].Acquire = func(blk *bundle.AcqExtBlock, _ *bundle.Bundle) (extension.AcquireResult, error) {
		if string(extension.AcqData(blk)) == "bad" {
			return extension.AcquireMalformed, nil
		}
		blk.Object = []byte("parsed")
		blk.Size = 6
		return extension.AcquireOK, nil
	}
	defs[1].Acquire = func(blk *bundle.AcqExtBlock, _ *bundle.Bundle) (extension.AcquireResult, error) {
		// Discards itself
		blk.Length = 0
		return extension.AcquireOK, nil
	}
	var cleared int
	defs[0].Clear = func(*bundle.AcqExtBlock) { cleared++ }
	reg := newRegistry(t, defs...)
	b := &bundle.Bundle{}
	var blocks extension.AcqBlocks

	alpha := reg.Find(typeAlpha, bundle.ListPrePayload)
	res, err := reg.Acquire(b, &blocks, bundle.ListPrePayload, alpha,
		extension.NewAcqBlock(typeAlpha, 0, nil, []byte("good")))
	require.NoError(t, err)
	assert.Equal(t, extension.AcquireOK, res)

	res, err = reg.Acquire(b, &blocks, bundle.ListPrePayload, alpha,
		extension.NewAcqBlock(typeAlpha, 0, nil, []byte("bad")))
	require.NoError(t, err)
	assert.Equal(t, extension.AcquireMalformed, res)
	assert.Equal(t, 1, cleared)

	res, err = reg.Acquire(b, &blocks, bundle.ListPrePayload, reg.Find(typeBeta, bundle.ListPrePayload),
		extension.NewAcqBlock(typeBeta, 0, nil, []byte("drop me")))
	require.NoError(t, err)
	assert.Equal(t, extension.AcquireOK, res)

	unknown := extension.NewAcqBlock(77, bundle.BlockForwardedOpaque, nil, []byte("opaque"))
	res, err = reg.Acquire(b, &blocks, bundle.ListPostPayload, nil, unknown)
	require.NoError(t, err)
	assert.Equal(t, extension.AcquireOK, res)

	assert.Equal(t, 2, blocks.Len())
	assert.Equal(t, []byte("parsed"), blocks[bundle.ListPrePayload][0].Object)
	assert.Equal(t, blocks[bundle.ListPrePayload][0].Length, b.ExtensionsLength[bundle.ListPrePayload])
	assert.Equal(t, unknown.Length, b.ExtensionsLength[bundle.ListPostPayload])
	// The regenerated header carries the added flag
	assert.Equal(t, []byte{77, byte(bundle.BlockForwardedOpaque), 6}, unknown.Bytes[:3])
}

func TestCheckVerdicts(t *testing.T) {
	verdict := extension.VerdictNoInfo
	defs := basicDefs()
	defs[0].Check = func(*bundle.AcqExtBlock, *bundle.Bundle) (extension.CheckVerdict, error) {
		return verdict, nil
	}
	reg := newRegistry(t, defs...)
	require.True(t, reg.HasCheckers())

	run := func(asserted bool) (extension.CheckVerdict, bool) {
		b := &bundle.Bundle{ClDossier: bundle.ClDossier{Authentic: asserted}}
		var blocks extension.AcqBlocks
		_, err := reg.Acquire(b, &blocks, bundle.ListPrePayload, reg.Find(typeAlpha, bundle.ListPrePayload),
			extension.NewAcqBlock(typeAlpha, 0, nil, []byte("x")))
		require.NoError(t, err)
		v, err := reg.Check(b, &blocks)
		require.NoError(t, err)
		return v, b.ClDossier.Authentic
	}

	v, authentic := run(true)
	assert.Equal(t, extension.VerdictNoInfo, v)
	assert.True(t, authentic)

	verdict = extension.VerdictInauthentic
	v, authentic = run(true)
	assert.Equal(t, extension.VerdictInauthentic, v)
	assert.False(t, authentic)

	verdict = extension.VerdictAuthentic
	v, authentic = run(false)
	assert.Equal(t, extension.VerdictAuthentic, v)
	assert.True(t, authentic)

	verdict = extension.VerdictCorrupt
	v, _ = run(true)
	assert.Equal(t, extension.VerdictCorrupt, v)
}

func TestRecordAndClear(t *testing.T) {
	defs := basicDefs()
	defs[1].Acquire = func(blk *bundle.AcqExtBlock, _ *bundle.Bundle) (extension.AcquireResult, error) {
		blk.Object = extension.AcqData(blk)
		blk.Size = uint64(len(blk.Object))
		return extension.AcquireOK, nil
	}
	defs[1].Record = func(blk *bundle.ExtensionBlock, acq *bundle.AcqExtBlock) error {
		blk.Object = append([]byte(nil), acq.Object...)
		blk.Size = acq.Size
		return nil
	}
	reg := newRegistry(t, defs...)
	b := &bundle.Bundle{}
	var blocks extension.AcqBlocks
	for _, acq := range []bundle.AcqExtBlock{
		extension.NewAcqBlock(99, bundle.BlockForwardedOpaque, nil, []byte("??")),
		extension.NewAcqBlock(typeBeta, 0, nil, []byte("beta")),
		extension.NewAcqBlock(typeAlpha, 0, nil, []byte("alpha")),
	} {
		_, err := reg.Acquire(b, &blocks, bundle.ListPrePayload, reg.Find(acq.Type, bundle.ListPrePayload), acq)
		require.NoError(t, err)
	}
	acquiredLength := b.ExtensionsLength[bundle.ListPrePayload]

	b.DBOverhead = 0
	require.NoError(t, reg.Record(b, &blocks))
	assert.Equal(t, []uint8{typeAlpha, typeBeta, 99}, blockTypes(b.PrePayload))
	assert.Equal(t, acquiredLength, b.ExtensionsLength[bundle.ListPrePayload])
	assert.Equal(t, []byte("beta"), b.PrePayload[1].Object)
	assert.Nil(t, b.PrePayload[0].Object)
	assert.Equal(t, blocks[bundle.ListPrePayload][0].Bytes, b.PrePayload[2].Bytes)

	reg.Clear(&blocks)
	assert.Equal(t, 0, blocks.Len())
}

// ====================
// Previous hop block
// ====================

func TestPreviousHop(t *testing.T) {
	self := eid.CBHEEID(7, 0)
	def := extension.PreviousHop(func(scheme string) (eid.EID, bool) {
		return self, scheme == eid.SchemeIPN
	})
	reg := newRegistry(t, def)

	b := &bundle.Bundle{Destination: eid.CBHEEID(9, 1)}
	require.NoError(t, reg.Patch(b))
	require.Len(t, b.PrePayload, 1)
	assert.Equal(t, []byte("ipn\x007.0\x00"), extension.Data(&b.PrePayload[0]))
	assert.True(t, b.PrePayload[0].ProcFlags&bundle.BlockMustBeCopied != 0)

	// Received from the previous hop
	in := &bundle.Bundle{}
	var blocks extension.AcqBlocks
	res, err := reg.Acquire(in, &blocks, bundle.ListPrePayload, reg.Find(extension.PreviousHopType, bundle.ListPrePayload),
		extension.NewAcqBlock(extension.PreviousHopType, 0, nil, []byte("ipn\x003.0\x00")))
	require.NoError(t, err)
	assert.Equal(t, extension.AcquireOK, res)
	require.NoError(t, reg.Record(in, &blocks))
	assert.Equal(t, []byte("ipn:3.0"), in.PrePayload[0].Object)

	// Forwarding names this node instead
	in.Destination = eid.CBHEEID(9, 1)
	require.NoError(t, reg.Process(in, extension.PhaseForward, nil))
	assert.Equal(t, []byte("ipn\x007.0\x00"), extension.Data(&in.PrePayload[0]))

	// Not on a scheme we have an identity in
	dtnBundle := &bundle.Bundle{Destination: eid.MustParse("dtn://x/y")}
	require.NoError(t, reg.Patch(dtnBundle))
	assert.Empty(t, dtnBundle.PrePayload)

	_, ok := extension.ParsePreviousHop([]byte("ipn\x007.0"))
	assert.False(t, ok)
	_, ok = extension.ParsePreviousHop([]byte("ipn\x007.0\x00extra"))
	assert.False(t, ok)
}
