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
	"github.com/blinklabs-io/gobp/sdnv"
)

var lists = [...]bundle.ListIndex{bundle.ListPrePayload, bundle.ListPostPayload}

func overhead(length, size uint64) int64 {
	return bundle.ListEltOverhead + bundle.ExtensionBlockOverhead + int64(length) + int64(size)
}

// Serialize regenerates the wire form of a block from its type, flags, EID
// references and data. Any previous encoding is discarded.
func Serialize(blk *bundle.ExtensionBlock, refs []eid.Ref, data []byte) {
	blk.Bytes = nil
	flags := blk.ProcFlags
	if len(refs) > 0 {
		flags |= bundle.BlockHasEIDRefs
	} else {
		flags &^= bundle.BlockHasEIDRefs
	}
	buf := encodeHeader(blk.Type, flags, refs, uint64(len(data)))
	buf = append(buf, data...)
	blk.ProcFlags = flags
	blk.EIDRefs = slices.Clone(refs)
	blk.DataLength = uint64(len(data))
	blk.Bytes = buf
	blk.Length = uint64(len(buf))
}

func encodeHeader(blockType uint8, flags bundle.BlockFlags, refs []eid.Ref, dataLength uint64) []byte {
	buf := make([]byte, 0, 1+sdnv.MaxLength*(2+2*len(refs))+int(dataLength))
	buf = append(buf, blockType)
	buf = sdnv.Append(buf, uint64(flags))
	if flags&bundle.BlockHasEIDRefs != 0 {
		buf = sdnv.Append(buf, uint64(len(refs)))
		for _, ref := range refs {
			buf = sdnv.Append(buf, ref.SchemeOffset)
			buf = sdnv.Append(buf, ref.SSPOffset)
		}
	}
	return sdnv.Append(buf, dataLength)
}

// Data returns the data portion of a serialized block
func Data(blk *bundle.ExtensionBlock) []byte {
	if blk.DataLength > uint64(len(blk.Bytes)) {
		return nil
	}
	return blk.Bytes[uint64(len(blk.Bytes))-blk.DataLength:]
}

// Suppress excludes a block from serialization without deleting it
func Suppress(blk *bundle.ExtensionBlock) {
	blk.Suppressed = true
}

// Restore undoes Suppress
func Restore(blk *bundle.ExtensionBlock) {
	blk.Suppressed = false
}

// Scratch marks a block for deletion at the end of the current phase
func Scratch(blk *bundle.ExtensionBlock) {
	blk.Length = 0
}

// Attach inserts a block into one of the bundle's lists in rank order and
// accounts for its length and storage overhead
func (r *Registry) Attach(b *bundle.Bundle, blk bundle.ExtensionBlock, idx bundle.ListIndex) {
	blk.Rank = r.Rank(blk.Type, idx)
	list := b.Blocks(idx)
	pos := slices.IndexFunc(*list, func(other bundle.ExtensionBlock) bool {
		return other.Rank > blk.Rank
	})
	if pos < 0 {
		pos = len(*list)
	}
	*list = slices.Insert(*list, pos, blk)
	if !blk.Suppressed {
		b.ExtensionsLength[idx] += blk.Length
	}
	b.DBOverhead += overhead(blk.Length, blk.Size)
}

// Delete removes the block at position i of a list, releasing its
// scratchpad and its accounting
func (r *Registry) Delete(b *bundle.Bundle, idx bundle.ListIndex, i int) {
	list := b.Blocks(idx)
	blk := &(*list)[i]
	r.release(blk, idx)
	if !blk.Suppressed {
		b.ExtensionsLength[idx] -= blk.Length
	}
	b.DBOverhead -= overhead(blk.Length, blk.Size)
	*list = slices.Delete(*list, i, i+1)
}

func (r *Registry) release(blk *bundle.ExtensionBlock, idx bundle.ListIndex) {
	if def := r.Find(blk.Type, idx); def != nil && def.Release != nil {
		def.Release(blk)
	}
	blk.Object = nil
	blk.Bytes = nil
}

// Destroy releases every block of the bundle
func (r *Registry) Destroy(b *bundle.Bundle) {
	for _, idx := range lists {
		list := b.Blocks(idx)
		for i := range *list {
			r.release(&(*list)[i], idx)
		}
		*list = nil
		b.ExtensionsLength[idx] = 0
	}
}

// Process runs the callbacks registered for phase over both block lists.
// Scratched blocks are deleted and changes in block length, scratchpad size
// and suppression are reconciled with the bundle's totals.
func (r *Registry) Process(b *bundle.Bundle, phase Phase, ctx *Context) error {
	for _, idx := range lists {
		list := b.Blocks(idx)
		for i := 0; i < len(*list); {
			blk := &(*list)[i]
			def := r.Find(blk.Type, idx)
			if def == nil || def.Process[phase] == nil {
				i++
				continue
			}
			oldLength, oldSize, wasSuppressed := blk.Length, blk.Size, blk.Suppressed
			if err := def.Process[phase](blk, b, ctx); err != nil {
				return blockError(def, phase.String(), err)
			}
			if blk.Length == 0 {
				if !wasSuppressed {
					b.ExtensionsLength[idx] -= oldLength
				}
				b.DBOverhead -= overhead(oldLength, oldSize)
				r.release(blk, idx)
				*list = slices.Delete(*list, i, i+1)
				continue
			}
			if !wasSuppressed {
				b.ExtensionsLength[idx] -= oldLength
			}
			if !blk.Suppressed {
				b.ExtensionsLength[idx] += blk.Length
			}
			b.DBOverhead += overhead(blk.Length, blk.Size) - overhead(oldLength, oldSize)
			i++
		}
	}
	return nil
}

// Patch offers every block type the bundle does not yet carry. Offers that
// produce nothing are skipped.
func (r *Registry) Patch(b *bundle.Bundle) error {
	for i := range r.defs {
		def := &r.defs[i]
		if def.Offer == nil {
			continue
		}
		present := slices.ContainsFunc(*b.Blocks(def.ListIdx), func(blk bundle.ExtensionBlock) bool {
			return blk.Type == def.Type
		})
		if present {
			continue
		}
		blk := bundle.ExtensionBlock{Type: def.Type}
		if err := def.Offer(&blk, b); err != nil {
			return blockError(def, "offer", err)
		}
		if blk.Length == 0 && blk.Size == 0 {
			continue
		}
		r.Attach(b, blk, def.ListIdx)
	}
	return nil
}

// Copy gives dst, a copy of src, its own extension blocks. Scratchpads are
// copied by the block type's Copy capability or dropped.
func (r *Registry) Copy(dst, src *bundle.Bundle) error {
	for _, idx := range lists {
		srcList := *src.Blocks(idx)
		dstList := make([]bundle.ExtensionBlock, 0, len(srcList))
		for i := range srcList {
			old := &srcList[i]
			blk := bundle.ExtensionBlock{
				Type:       old.Type,
				Rank:       old.Rank,
				ProcFlags:  old.ProcFlags,
				DataLength: old.DataLength,
				Length:     old.Length,
				EIDRefs:    slices.Clone(old.EIDRefs),
				Bytes:      slices.Clone(old.Bytes),
				Suppressed: old.Suppressed,
			}
			if def := r.Find(old.Type, idx); def != nil && def.Copy != nil {
				if err := def.Copy(&blk, old); err != nil {
					return blockError(def, "copy", err)
				}
			}
			dst.DBOverhead += int64(blk.Size) - int64(old.Size)
			dstList = append(dstList, blk)
		}
		*dst.Blocks(idx) = dstList
		dst.ExtensionsLength[idx] = src.ExtensionsLength[idx]
	}
	return nil
}
