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

package extension

import (
	"slices"

	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/eid"
)

// AcqBlocks holds the blocks parsed so far from a bundle being acquired,
// indexed by list
type AcqBlocks [2][]bundle.AcqExtBlock

// Len returns the number of blocks in both lists
func (a *AcqBlocks) Len() int {
	return len(a[bundle.ListPrePayload]) + len(a[bundle.ListPostPayload])
}

// NewAcqBlock builds an inbound block. The serialized form is regenerated
// from the given flags, so flags added on receipt are carried forward.
func NewAcqBlock(blockType uint8, flags bundle.BlockFlags, refs []eid.Ref, data []byte) bundle.AcqExtBlock {
	buf := encodeHeader(blockType, flags, refs, uint64(len(data)))
	buf = append(buf, data...)
	return bundle.AcqExtBlock{
		Type:       blockType,
		ProcFlags:  flags,
		DataLength: uint64(len(data)),
		Length:     uint64(len(buf)),
		EIDRefs:    slices.Clone(refs),
		Bytes:      buf,
	}
}

// AcqData returns the data portion of an inbound block
func AcqData(blk *bundle.AcqExtBlock) []byte {
	if blk.DataLength > uint64(len(blk.Bytes)) {
		return nil
	}
	return blk.Bytes[uint64(len(blk.Bytes))-blk.DataLength:]
}

func (r *Registry) clear(blk *bundle.AcqExtBlock, idx bundle.ListIndex) {
	if def := r.Find(blk.Type, idx); def != nil && def.Clear != nil {
		def.Clear(blk)
	}
	blk.Object = nil
	blk.Bytes = nil
}

// Acquire runs the acquire capability of def, which may be nil for an
// unrecognized block, and keeps the block unless it was discarded. The
// block's length and tentative overhead are added to the bundle.
func (r *Registry) Acquire(b *bundle.Bundle, blocks *AcqBlocks, idx bundle.ListIndex, def *Def, blk bundle.AcqExtBlock) (AcquireResult, error) {
	if def != nil && def.Acquire != nil {
		res, err := def.Acquire(&blk, b)
		if err != nil {
			return AcquireMalformed, blockError(def, "acquire", err)
		}
		if res == AcquireMalformed {
			r.clear(&blk, idx)
			return AcquireMalformed, nil
		}
	}
	if blk.Length == 0 {
		r.clear(&blk, idx)
		return AcquireOK, nil
	}
	blocks[idx] = append(blocks[idx], blk)
	b.ExtensionsLength[idx] += blk.Length
	b.DBOverhead += overhead(blk.Length, blk.Size)
	return AcquireOK, nil
}

// Check collects the verdicts of all inbound blocks. The bundle's dossier
// starts from the authenticity asserted on receipt; any inauthentic verdict
// overrides it. Blocks that discard themselves are removed.
func (r *Registry) Check(b *bundle.Bundle, blocks *AcqBlocks) (CheckVerdict, error) {
	var sawAuthentic, sawInauthentic, corrupt bool
	for _, idx := range lists {
		list := &blocks[idx]
		for i := 0; i < len(*list); {
			blk := &(*list)[i]
			def := r.Find(blk.Type, idx)
			if def == nil || def.Check == nil {
				i++
				continue
			}
			oldLength, oldSize := blk.Length, blk.Size
			verdict, err := def.Check(blk, b)
			if err != nil {
				return VerdictNoInfo, blockError(def, "check", err)
			}
			switch verdict {
			case VerdictAuthentic:
				sawAuthentic = true
			case VerdictInauthentic:
				sawInauthentic = true
			case VerdictCorrupt:
				corrupt = true
			}
			if blk.Length == 0 {
				b.ExtensionsLength[idx] -= oldLength
				b.DBOverhead -= overhead(oldLength, oldSize)
				r.clear(blk, idx)
				*list = slices.Delete(*list, i, i+1)
				continue
			}
			i++
		}
	}
	switch {
	case sawInauthentic:
		b.ClDossier.Authentic = false
	case sawAuthentic:
		b.ClDossier.Authentic = true
	}
	switch {
	case corrupt:
		return VerdictCorrupt, nil
	case !b.ClDossier.Authentic:
		return VerdictInauthentic, nil
	case sawAuthentic:
		return VerdictAuthentic, nil
	default:
		return VerdictNoInfo, nil
	}
}

// Record converts the inbound blocks into blocks of the stored bundle. The
// bundle's extension lengths are recomputed; its overhead must not already
// include the inbound blocks.
func (r *Registry) Record(b *bundle.Bundle, blocks *AcqBlocks) error {
	for _, idx := range lists {
		b.ExtensionsLength[idx] = 0
		*b.Blocks(idx) = nil
		for i := range blocks[idx] {
			acq := &blocks[idx][i]
			blk := bundle.ExtensionBlock{
				Type:       acq.Type,
				ProcFlags:  acq.ProcFlags,
				DataLength: acq.DataLength,
				Length:     acq.Length,
				EIDRefs:    slices.Clone(acq.EIDRefs),
				Bytes:      slices.Clone(acq.Bytes),
			}
			def := r.Find(acq.Type, idx)
			if def != nil && def.Record != nil {
				if err := def.Record(&blk, acq); err != nil {
					return blockError(def, "record", err)
				}
			}
			r.Attach(b, blk, idx)
		}
	}
	return nil
}

// Clear releases every inbound block
func (r *Registry) Clear(blocks *AcqBlocks) {
	for _, idx := range lists {
		for i := range blocks[idx] {
			r.clear(&blocks[idx][i], idx)
		}
		blocks[idx] = nil
	}
}
