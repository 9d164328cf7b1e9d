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

package bp

import (
	"fmt"
	"slices"

	"github.com/jinzhu/copier"

	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/store"
)

func incompleteKeyOf(b *bundle.Bundle) incompleteKey {
	return incompleteKey{
		source:   b.ID.Source.String(),
		creation: b.ID.Creation,
	}
}

type fragmentRange struct {
	h      store.Handle
	offset uint64
	length uint64
}

// fragmentRanges returns the byte ranges of the fragments of inc. The
// fragment being added is read from b rather than the store.
func (n *Node) fragmentRanges(inc *bundle.Incomplete, h store.Handle, b *bundle.Bundle) ([]fragmentRange, error) {
	ret := make([]fragmentRange, 0, len(inc.Fragments))
	for _, fh := range inc.Fragments {
		if fh == h {
			ret = append(ret, fragmentRange{h: h, offset: b.ID.FragmentOffset, length: b.Payload.Length})
			continue
		}
		frag, ok := n.bundles.Get(fh)
		if !ok {
			return nil, fmt.Errorf("%w: fragment %s", store.ErrInvalidHandle, fh)
		}
		ret = append(ret, fragmentRange{h: fh, offset: frag.ID.FragmentOffset, length: frag.Payload.Length})
	}
	return ret, nil
}

// covered reports whether ranges, ordered by offset, leave no gap in
// [0, total)
func covered(ranges []fragmentRange, total uint64) bool {
	var end uint64
	for _, r := range ranges {
		if r.offset > end {
			return false
		}
		end = max(end, r.offset+r.length)
	}
	return end >= total
}

// collectFragment adds a fragment to the reassembly of its ADU and
// delivers the ADU once every byte has arrived
func (n *Node) collectFragment(txn *store.Txn, h store.Handle, b *bundle.Bundle, ep *Endpoint) error {
	key := incompleteKeyOf(b)
	var inc bundle.Incomplete
	ih, ok := ep.incompletes[key]
	if ok {
		var err error
		if inc, err = n.incompletes.Stage(ih); err != nil {
			return err
		}
	} else {
		inc = bundle.Incomplete{
			Endpoint:       ep.EID.String(),
			Source:         b.ID.Source,
			Creation:       b.ID.Creation,
			TotalAduLength: b.TotalAduLength,
		}
		var err error
		if ih, err = n.incompletes.Alloc(txn, inc); err != nil {
			return err
		}
		store.MapSet(txn, ep.incompletes, key, ih)
	}
	ranges, err := n.fragmentRanges(&inc, h, b)
	if err != nil {
		return err
	}
	for _, r := range ranges {
		if r.offset <= b.ID.FragmentOffset && r.offset+r.length >= b.ID.FragmentOffset+b.Payload.Length {
			n.logger.Debug("discarding redundant fragment", "bundle", b.Key().String())
			return nil
		}
	}
	pos, _ := slices.BinarySearchFunc(ranges, b.ID.FragmentOffset, func(r fragmentRange, offset uint64) int {
		switch {
		case r.offset < offset:
			return -1
		case r.offset > offset:
			return 1
		default:
			return 0
		}
	})
	inc.Fragments = slices.Insert(inc.Fragments, pos, h)
	ranges = slices.Insert(ranges, pos, fragmentRange{h: h, offset: b.ID.FragmentOffset, length: b.Payload.Length})
	b.IncompleteElt = ih
	if !covered(ranges, inc.TotalAduLength) {
		return n.incompletes.Write(txn, ih, inc)
	}
	return n.reassemble(txn, ih, key, ranges, h, b, ep)
}

// reassemble builds the ADU from its fragments, queues it for delivery and
// releases the fragments
func (n *Node) reassemble(txn *store.Txn, ih store.Handle, key incompleteKey, ranges []fragmentRange, h store.Handle, b *bundle.Bundle, ep *Endpoint) error {
	first := b
	if ranges[0].h != h {
		var err error
		if first, err = n.stage(ranges[0].h); err != nil {
			return err
		}
	}
	agg := &bundle.Bundle{}
	if err := copier.CopyWithOption(agg, first, copier.Option{DeepCopy: true}); err != nil {
		return fmt.Errorf("copy fragment: %w", err)
	}
	agg.ProcFlags &^= bundle.FlagIsFragment
	agg.ID.FragmentOffset = 0
	agg.TotalAduLength = 0
	agg.TimelineElt = store.Handle{}
	agg.OverdueElt = store.Handle{}
	agg.CtDueElt = store.Handle{}
	agg.FwdQueueElt = store.Handle{}
	agg.FwdScheme = ""
	agg.DlvQueueElt = store.Handle{}
	agg.DlvEndpoint = ""
	agg.IncompleteElt = store.Handle{}
	agg.XmitRefs = nil
	agg.XmitsNeeded = 0
	agg.InTransit = false
	agg.CustodyTaken = false
	agg.Catenated = false
	agg.Stations = nil
	content := n.zco.Create(txn)
	var end uint64
	for _, r := range ranges {
		if r.offset+r.length <= end {
			continue
		}
		frag := b
		if r.h != h {
			f, ok := n.bundles.Get(r.h)
			if !ok {
				return fmt.Errorf("%w: fragment %s", store.ErrInvalidHandle, r.h)
			}
			frag = &f
		}
		skip := end - min(end, r.offset)
		if err := n.zco.AppendRange(txn, content, frag.Payload.Content, int64(skip), int64(r.length-skip)); err != nil {
			return err
		}
		end = r.offset + r.length
	}
	agg.Payload = bundle.Payload{Length: end, Content: content}
	if err := n.registry.Copy(agg, first); err != nil {
		return err
	}
	aggH, err := n.storeBundle(txn, agg)
	if err != nil {
		return err
	}
	if err := n.enqueueForDelivery(txn, aggH, agg, ep); err != nil {
		return err
	}
	if err := n.write(txn, aggH, agg); err != nil {
		return err
	}
	n.logger.Debug("reassembled bundle", "bundle", agg.Key().String(), "fragments", len(ranges))
	if err := n.incompletes.Free(txn, ih); err != nil {
		return err
	}
	store.MapDelete(txn, ep.incompletes, key)
	for _, r := range ranges {
		if r.h == h {
			b.IncompleteElt = store.Handle{}
			continue
		}
		frag, err := n.stage(r.h)
		if err != nil {
			return err
		}
		frag.IncompleteElt = store.Handle{}
		if err := n.destroyBundle(txn, r.h, frag, false); err != nil {
			return err
		}
	}
	return nil
}

// dropFragment removes b from its reassembly, discarding the reassembly
// when no fragment is left
func (n *Node) dropFragment(txn *store.Txn, h store.Handle, b *bundle.Bundle) error {
	ih := b.IncompleteElt
	b.IncompleteElt = store.Handle{}
	inc, err := n.incompletes.Stage(ih)
	if err != nil {
		return err
	}
	inc.Fragments = slices.DeleteFunc(inc.Fragments, func(fh store.Handle) bool {
		return fh == h
	})
	if len(inc.Fragments) > 0 {
		return n.incompletes.Write(txn, ih, inc)
	}
	if err := n.incompletes.Free(txn, ih); err != nil {
		return err
	}
	if ep := n.endpointByKey(inc.Endpoint); ep != nil {
		store.MapDelete(txn, ep.incompletes, incompleteKey{
			source:   inc.Source.String(),
			creation: inc.Creation,
		})
	}
	return nil
}

func (n *Node) endpointByKey(key string) *Endpoint {
	return n.findEndpoint(eidOf(key))
}
