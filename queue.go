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

	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/extension"
	"github.com/blinklabs-io/gobp/store"
)

// enqueue queues b for transmission on an outduct. Bundles wait in
// seniority order within their priority; expedited bundles are further
// ordered by descending ordinal.
func (n *Node) enqueue(txn *store.Txn, h store.Handle, b *bundle.Bundle, d *Outduct, destDuctName, proxNodeEID string) error {
	if d.blocked {
		if b.ExtendedCOS.MinimumLatency() {
			return nil
		}
		return n.enqueueToLimbo(txn, h, b, bundle.XmitRef{
			Priority:     b.ProcFlags.Priority(),
			Ordinal:      b.ExtendedCOS.Ordinal,
			ProxNodeEID:  proxNodeEID,
			DestDuctName: destDuctName,
		})
	}
	ctx := &extension.Context{
		ProtocolName: d.Protocol.Name,
		ProxNodeEID:  proxNodeEID,
	}
	if err := n.registry.Process(b, extension.PhaseEnqueue, ctx); err != nil {
		return err
	}
	if b.EnqueueTime == 0 {
		b.EnqueueTime = n.clock().UnixNano()
	}
	prio := min(b.ProcFlags.Priority(), bundle.PriorityExpedited)
	xr := bundle.XmitRef{
		Bundle:       h,
		Outduct:      d.Key(),
		Priority:     prio,
		EnqueueTime:  b.EnqueueTime,
		Cost:         d.Protocol.cost(b.GuessSize()),
		ProxNodeEID:  proxNodeEID,
		DestDuctName: destDuctName,
	}
	if prio == bundle.PriorityExpedited {
		xr.Ordinal = b.ExtendedCOS.Ordinal
	}
	xh, err := n.xmitRefs.Alloc(txn, xr)
	if err != nil {
		return err
	}
	if xr.Elt, err = n.insertBySeniority(txn, d, xh, &xr); err != nil {
		return err
	}
	if err := n.xmitRefs.Write(txn, xh, xr); err != nil {
		return err
	}
	b.XmitRefs = append(b.XmitRefs, xh)
	b.XmitsNeeded++
	store.Assign(txn, &d.backlogs[prio], d.backlogs[prio]+xr.Cost)
	if prio == bundle.PriorityExpedited {
		ord := &d.ordinals[xr.Ordinal]
		store.Assign(txn, &ord.Backlog, ord.Backlog+xr.Cost)
	}
	if n.transmitTimeout > 0 && b.OverdueElt.IsZero() {
		if b.OverdueElt, err = n.insertEvent(txn, event{
			Type: eventXmitOverdue,
			Time: n.eventAfter(n.transmitTimeout),
			Ref:  h,
		}); err != nil {
			return err
		}
	}
	txn.OnCommit(d.sem.Give)
	return nil
}

func (n *Node) insertBySeniority(txn *store.Txn, d *Outduct, xh store.Handle, xr *bundle.XmitRef) (store.Handle, error) {
	q := d.queue(xr.Priority)
	urgent := xr.Priority == bundle.PriorityExpedited
	elt := q.Last()
	if urgent {
		elt = store.Handle{}
		for i := int(xr.Ordinal); i < len(d.ordinals); i++ {
			if last := d.ordinals[i].Last; !last.IsZero() {
				elt = last
				break
			}
		}
	}
	for !elt.IsZero() {
		th, _ := q.Data(elt)
		target, ok := n.xmitRefs.Get(th)
		if !ok {
			return store.Handle{}, fmt.Errorf("%w: queued reference %s", store.ErrInvalidHandle, th)
		}
		if (urgent && target.Ordinal > xr.Ordinal) || target.EnqueueTime <= xr.EnqueueTime {
			break
		}
		elt = q.Prev(elt)
	}
	var newElt store.Handle
	var err error
	if elt.IsZero() {
		newElt, err = q.InsertFirst(txn, xh)
	} else {
		newElt, err = q.InsertAfter(txn, elt, xh)
	}
	if err != nil {
		return store.Handle{}, err
	}
	if urgent {
		ord := &d.ordinals[xr.Ordinal]
		if ord.Last.IsZero() || q.Prev(newElt) == ord.Last {
			store.Assign(txn, &ord.Last, newElt)
		}
	}
	return newElt, nil
}

// enqueueToLimbo parks a transmission of b until its duct is unblocked or
// the bundle is resumed
func (n *Node) enqueueToLimbo(txn *store.Txn, h store.Handle, b *bundle.Bundle, xr bundle.XmitRef) error {
	xr.Bundle = h
	xr.Outduct = ""
	xh, err := n.xmitRefs.Alloc(txn, xr)
	if err != nil {
		return err
	}
	if xr.Elt, err = n.limbo.InsertLast(txn, xh); err != nil {
		return err
	}
	if err := n.xmitRefs.Write(txn, xh, xr); err != nil {
		return err
	}
	b.XmitRefs = append(b.XmitRefs, xh)
	b.XmitsNeeded++
	n.noteLimbo(txn)
	return nil
}

// removeXmitRef takes one pending transmission of b out of its queue
func (n *Node) removeXmitRef(txn *store.Txn, xh store.Handle, b *bundle.Bundle) error {
	xr, ok := n.xmitRefs.Get(xh)
	if !ok {
		return fmt.Errorf("%w: transmission reference %s", store.ErrInvalidHandle, xh)
	}
	if xr.InLimbo() {
		if err := n.limbo.Delete(txn, xr.Elt); err != nil {
			return err
		}
		n.noteLimbo(txn)
	} else {
		d, ok := n.outducts[xr.Outduct]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownOutduct, xr.Outduct)
		}
		q := d.queue(xr.Priority)
		if xr.Priority == bundle.PriorityExpedited {
			ord := &d.ordinals[xr.Ordinal]
			if ord.Last == xr.Elt {
				last := store.Handle{}
				if prev := q.Prev(xr.Elt); !prev.IsZero() {
					ph, _ := q.Data(prev)
					if pr, ok := n.xmitRefs.Get(ph); ok && pr.Ordinal == xr.Ordinal {
						last = prev
					}
				}
				store.Assign(txn, &ord.Last, last)
			}
			store.Assign(txn, &ord.Backlog, ord.Backlog-xr.Cost)
		}
		if err := q.Delete(txn, xr.Elt); err != nil {
			return err
		}
		store.Assign(txn, &d.backlogs[xr.Priority], d.backlogs[xr.Priority]-xr.Cost)
	}
	if err := n.xmitRefs.Free(txn, xh); err != nil {
		return err
	}
	b.XmitRefs = slices.DeleteFunc(b.XmitRefs, func(h store.Handle) bool {
		return h == xh
	})
	b.XmitsNeeded--
	return nil
}

// purgeXmitRefs cancels every pending transmission of b
func (n *Node) purgeXmitRefs(txn *store.Txn, _ store.Handle, b *bundle.Bundle) error {
	for _, xh := range slices.Clone(b.XmitRefs) {
		if err := n.removeXmitRef(txn, xh, b); err != nil {
			return err
		}
	}
	b.XmitsNeeded = 0
	return nil
}

// reforwardBundle sends b back through forwarding after a transmission
// failed or timed out. Critical bundles went out on every route already and
// are left alone.
func (n *Node) reforwardBundle(txn *store.Txn, h store.Handle, b *bundle.Bundle) error {
	if b.ExtendedCOS.MinimumLatency() {
		return nil
	}
	if err := n.purgeXmitRefs(txn, h, b); err != nil {
		return err
	}
	if err := n.deleteEvent(txn, &b.OverdueElt); err != nil {
		return err
	}
	if err := n.deleteEvent(txn, &b.CtDueElt); err != nil {
		return err
	}
	if b.InTransit {
		b.InTransit = false
		store.MapDelete(txn, n.inTransit, b.Key())
	}
	return n.forwardBundle(txn, h, b, b.Destination)
}

// Block stops transmission on an outduct. Queued bundles move to limbo,
// except critical ones which are dropped from the duct.
func (n *Node) Block(key string) error {
	txn := n.store.Begin()
	defer txn.Cancel()
	d, ok := n.outducts[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOutduct, key)
	}
	if d.blocked {
		return nil
	}
	store.Assign(txn, &d.blocked, true)
	var moved int
	for _, q := range d.queues {
		for _, xh := range q.Values() {
			xr, ok := n.xmitRefs.Get(xh)
			if !ok {
				continue
			}
			b, err := n.stage(xr.Bundle)
			if err != nil {
				return err
			}
			if err := n.removeXmitRef(txn, xh, b); err != nil {
				return err
			}
			if !b.ExtendedCOS.MinimumLatency() {
				if err := n.enqueueToLimbo(txn, xr.Bundle, b, xr); err != nil {
					return err
				}
				moved++
			}
			if err := n.destroyBundle(txn, xr.Bundle, b, false); err != nil {
				return err
			}
		}
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	n.logger.Info("outduct blocked", "outduct", key, "moved_to_limbo", moved)
	return nil
}

// Unblock resumes transmission on an outduct and reforwards every bundle
// in limbo that is not suspended
func (n *Node) Unblock(key string) error {
	txn := n.store.Begin()
	defer txn.Cancel()
	d, ok := n.outducts[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOutduct, key)
	}
	if !d.blocked {
		return nil
	}
	store.Assign(txn, &d.blocked, false)
	released, err := n.releaseFromLimbo(txn, nil)
	if err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	n.logger.Info("outduct unblocked", "outduct", key, "released", released)
	return nil
}

// releaseFromLimbo reforwards the bundles in limbo accepted by match, or all
// of them if match is nil. Suspended bundles stay put.
func (n *Node) releaseFromLimbo(txn *store.Txn, match func(store.Handle) bool) (int, error) {
	var released int
	for _, xh := range n.limbo.Values() {
		xr, ok := n.xmitRefs.Get(xh)
		if !ok {
			continue
		}
		if match != nil && !match(xr.Bundle) {
			continue
		}
		b, err := n.stage(xr.Bundle)
		if err != nil {
			return released, err
		}
		if b.Suspended {
			continue
		}
		if err := n.removeXmitRef(txn, xh, b); err != nil {
			return released, err
		}
		if err := n.reforwardBundle(txn, xr.Bundle, b); err != nil {
			return released, err
		}
		if err := n.destroyBundle(txn, xr.Bundle, b, false); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// Suspend holds a bundle back from transmission until Resume
func (n *Node) Suspend(key bundle.Key) error {
	txn := n.store.Begin()
	defer txn.Cancel()
	h, ok := n.identities[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBundle, key)
	}
	b, err := n.stage(h)
	if err != nil {
		return err
	}
	if b.Suspended {
		return nil
	}
	b.Suspended = true
	for _, xh := range slices.Clone(b.XmitRefs) {
		xr, ok := n.xmitRefs.Get(xh)
		if !ok || xr.InLimbo() {
			continue
		}
		if err := n.removeXmitRef(txn, xh, b); err != nil {
			return err
		}
		if err := n.enqueueToLimbo(txn, h, b, xr); err != nil {
			return err
		}
	}
	if err := n.destroyBundle(txn, h, b, false); err != nil {
		return err
	}
	return txn.Commit()
}

// Resume releases a suspended bundle for forwarding
func (n *Node) Resume(key bundle.Key) error {
	txn := n.store.Begin()
	defer txn.Cancel()
	h, ok := n.identities[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBundle, key)
	}
	b, err := n.stage(h)
	if err != nil {
		return err
	}
	if !b.Suspended {
		return nil
	}
	b.Suspended = false
	if err := n.write(txn, h, b); err != nil {
		return err
	}
	if _, err := n.releaseFromLimbo(txn, func(bh store.Handle) bool {
		return bh == h
	}); err != nil {
		return err
	}
	return txn.Commit()
}
