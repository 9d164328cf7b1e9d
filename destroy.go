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
	"github.com/blinklabs-io/gobp/admin"
	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/store"
)

// destroyBundle settles b at the end of an operation. An expired bundle is
// first pulled from every queue. A bundle that something still holds is
// written back; otherwise it and its payload are released.
func (n *Node) destroyBundle(txn *store.Txn, h store.Handle, b *bundle.Bundle, expired bool) error {
	if expired {
		if err := n.expire(txn, h, b); err != nil {
			return err
		}
	}
	if b.Retained() {
		return n.write(txn, h, b)
	}
	for _, elt := range []*store.Handle{&b.TimelineElt, &b.OverdueElt, &b.CtDueElt} {
		if err := n.deleteEvent(txn, elt); err != nil {
			return err
		}
	}
	if !b.Payload.Content.IsZero() {
		if err := n.zco.Destroy(txn, b.Payload.Content); err != nil {
			return err
		}
	}
	n.registry.Destroy(b)
	key := b.Key()
	if ih, ok := n.identities[key]; ok && ih == h {
		if orig, live := n.bundles.Get(b.Original); live && orig.Key() == key {
			store.MapSet(txn, n.identities, key, b.Original)
		} else {
			store.MapDelete(txn, n.identities, key)
		}
	}
	if err := n.bundles.Free(txn, h); err != nil {
		return err
	}
	if err := txn.AdjustOccupancy(-b.DBTotal); err != nil {
		return err
	}
	txn.OnCommit(n.metrics.stored.Dec)
	return nil
}

func (n *Node) expire(txn *store.Txn, h store.Handle, b *bundle.Bundle) error {
	if !b.FwdQueueElt.IsZero() {
		if s, ok := n.schemes[b.FwdScheme]; ok {
			if err := s.forwardQueue.Delete(txn, b.FwdQueueElt); err != nil {
				return err
			}
		}
		b.FwdQueueElt = store.Handle{}
		b.FwdScheme = ""
	}
	if !b.IncompleteElt.IsZero() {
		if err := n.dropFragment(txn, h, b); err != nil {
			return err
		}
	}
	if !b.DlvQueueElt.IsZero() {
		if ep := n.endpointByKey(b.DlvEndpoint); ep != nil {
			if err := ep.deliveryQueue.Delete(txn, b.DlvQueueElt); err != nil {
				return err
			}
		}
		b.DlvQueueElt = store.Handle{}
		b.DlvEndpoint = ""
	}
	if err := n.purgeXmitRefs(txn, h, b); err != nil {
		return err
	}
	if b.InTransit {
		b.InTransit = false
		store.MapDelete(txn, n.inTransit, b.Key())
	}
	n.noteStats(txn, StatExpire, b)
	if b.CustodyTaken || b.ProcFlags.SRR()&admin.ReportDeleted != 0 {
		b.StatusRpt.Flags |= admin.ReportDeleted
		b.StatusRpt.Reason = admin.SrLifetimeExpired
		b.StatusRpt.DeletionTime = n.dtnNow()
		if err := n.sendStatusRpt(txn, b); err != nil {
			return err
		}
	}
	return n.releaseCustody(txn, b)
}
