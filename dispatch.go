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

	"github.com/jinzhu/copier"

	"github.com/blinklabs-io/gobp/admin"
	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/eid"
	"github.com/blinklabs-io/gobp/extension"
	"github.com/blinklabs-io/gobp/store"
)

// dispatch delivers b locally or forwards it toward its destination
func (n *Node) dispatch(txn *store.Txn, h store.Handle, b *bundle.Bundle) error {
	if s, ok := n.schemes[b.Destination.Scheme]; ok {
		if b.IsAdmin() && !s.CustodianEID.IsNull() && b.Destination.Equal(s.CustodianEID) {
			n.noteStats(txn, StatDeliver, b)
			return n.handleAdminRecord(txn, b)
		}
		if ep, ok := s.endpoints[b.Destination.String()]; ok {
			if err := n.deliverBundle(txn, h, b, ep); err != nil {
				return err
			}
			n.noteStats(txn, StatDeliver, b)
			if b.StatusRpt.Flags != 0 {
				if err := n.sendStatusRpt(txn, b); err != nil {
					return err
				}
			}
			if b.ProcFlags.Has(bundle.FlagDestIsSingleton) {
				return nil
			}
		} else if b.Destination.CBHE && b.Destination.Node == n.nodeNumber {
			// Forwarding would loop back here. Accept first so the
			// current custodian stops retransmitting to us.
			if err := n.accept(txn, b); err != nil {
				return err
			}
			return n.abandon(txn, h, b, admin.SrNoKnownRoute)
		}
	}
	if err := n.registry.Patch(b); err != nil {
		return err
	}
	return n.forwardBundle(txn, h, b, b.Destination)
}

// forwardBundle queues b for the forwarder of the station's scheme, unless
// b is already on its way somewhere
func (n *Node) forwardBundle(txn *store.Txn, h store.Handle, b *bundle.Bundle, station eid.EID) error {
	if !b.FwdQueueElt.IsZero() || b.XmitsNeeded > 0 {
		return nil
	}
	stationStr := station.String()
	switch {
	case station.Scheme == "":
		n.logger.Warn("abandoning bundle: unparseable station", "bundle", b.Key().String())
		return n.abandon(txn, h, b, admin.SrNoKnownRoute)
	case len(stationStr) > eid.MaxEIDLen:
		n.logger.Warn("abandoning bundle: station too long", "bundle", b.Key().String())
		return n.abandon(txn, h, b, admin.SrNoKnownRoute)
	case station.IsNull():
		n.logger.Warn("abandoning bundle: null station", "bundle", b.Key().String())
		return n.abandon(txn, h, b, admin.SrNoKnownRoute)
	case b.Visited(stationStr):
		n.logger.Warn("abandoning bundle: routing loop", "bundle", b.Key().String(), "station", stationStr)
		return n.abandon(txn, h, b, admin.SrNoKnownRoute)
	}
	s, ok := n.schemes[station.Scheme]
	if !ok {
		n.logger.Warn("abandoning bundle: unknown scheme", "bundle", b.Key().String(), "station", stationStr)
		return n.abandon(txn, h, b, admin.SrNoKnownRoute)
	}
	b.Stations = append([]string{stationStr}, b.Stations...)
	target, targetH := b, h
	if !b.DlvQueueElt.IsZero() || !b.IncompleteElt.IsZero() {
		// The original stays with its local consumer
		var err error
		if targetH, target, err = n.copyBundle(txn, b); err != nil {
			return err
		}
		// Custody signals and queue requests name the copy in transit
		target.Original = h
		store.MapSet(txn, n.identities, target.Key(), targetH)
	}
	if err := n.registry.Process(target, extension.PhaseForward, nil); err != nil {
		return err
	}
	elt, err := s.forwardQueue.InsertLast(txn, targetH)
	if err != nil {
		return err
	}
	target.FwdQueueElt = elt
	target.FwdScheme = s.Name
	txn.OnCommit(s.sem.Give)
	n.noteStats(txn, StatForward, target)
	if target != b {
		return n.write(txn, targetH, target)
	}
	return nil
}

// copyBundle stores a copy of b that shares its payload but none of its
// queue memberships
func (n *Node) copyBundle(txn *store.Txn, b *bundle.Bundle) (store.Handle, *bundle.Bundle, error) {
	cp := &bundle.Bundle{}
	if err := copier.CopyWithOption(cp, b, copier.Option{DeepCopy: true}); err != nil {
		return store.Handle{}, nil, fmt.Errorf("copy bundle: %w", err)
	}
	cp.TimelineElt = store.Handle{}
	cp.OverdueElt = store.Handle{}
	cp.CtDueElt = store.Handle{}
	cp.FwdQueueElt = store.Handle{}
	cp.FwdScheme = ""
	cp.DlvQueueElt = store.Handle{}
	cp.DlvEndpoint = ""
	cp.IncompleteElt = store.Handle{}
	cp.Original = store.Handle{}
	cp.XmitRefs = nil
	cp.XmitsNeeded = 0
	cp.InTransit = false
	cp.CustodyTaken = false
	cp.Catenated = false
	if !b.Payload.Content.IsZero() {
		ref, err := n.zco.AddReference(txn, b.Payload.Content)
		if err != nil {
			return store.Handle{}, nil, err
		}
		cp.Payload.Content = ref
	}
	if err := n.registry.Copy(cp, b); err != nil {
		return store.Handle{}, nil, err
	}
	h, err := n.storeBundle(txn, cp)
	if err != nil {
		return store.Handle{}, nil, err
	}
	return h, cp, nil
}

// accept does the bookkeeping for a bundle the node has decided to handle:
// custody acceptance and any pending status report. A bundle re-entering
// the forwarder after transmission only sheds its wire encoding.
func (n *Node) accept(txn *store.Txn, b *bundle.Bundle) error {
	b.Stations = nil
	if b.Catenated {
		if err := n.zco.Strip(txn, b.Payload.Content); err != nil {
			return err
		}
		b.Catenated = false
		return nil
	}
	if b.IsCustodial() && !b.CustodyTaken {
		if err := n.takeCustody(txn, b); err != nil {
			return fmt.Errorf("take custody: %w", err)
		}
	}
	if b.StatusRpt.Flags != 0 {
		return n.sendStatusRpt(txn, b)
	}
	return nil
}

// abandon gives up on b: the custodian and report-to endpoints are told
// and nothing about the bundle retains it any longer except queues it
// already sits in
func (n *Node) abandon(txn *store.Txn, h store.Handle, b *bundle.Bundle, reason admin.SrReason) error {
	if b.IsCustodial() && !b.CustodyTaken {
		if err := n.sendCtSignal(txn, b, false, ctReasonFor(reason)); err != nil {
			return err
		}
	}
	if b.ProcFlags.SRR()&admin.ReportDeleted != 0 {
		b.StatusRpt.Flags |= admin.ReportDeleted
		b.StatusRpt.Reason = reason
		b.StatusRpt.DeletionTime = n.dtnNow()
	}
	if b.StatusRpt.Flags != 0 {
		if err := n.sendStatusRpt(txn, b); err != nil {
			return err
		}
	}
	if b.CustodyTaken {
		if err := n.releaseCustody(txn, b); err != nil {
			return err
		}
	}
	n.noteStats(txn, StatRefuse, b)
	return n.purgeXmitRefs(txn, h, b)
}

// deliverBundle hands b to a local endpoint, through reassembly if it is a
// fragment
func (n *Node) deliverBundle(txn *store.Txn, h store.Handle, b *bundle.Bundle, ep *Endpoint) error {
	if b.IsCustodial() {
		if err := n.sendCtSignal(txn, b, true, admin.CtNoInfo); err != nil {
			return err
		}
	}
	if b.IsFragment() {
		return n.collectFragment(txn, h, b, ep)
	}
	return n.enqueueForDelivery(txn, h, b, ep)
}

func (n *Node) enqueueForDelivery(txn *store.Txn, h store.Handle, b *bundle.Bundle, ep *Endpoint) error {
	if !ep.appAttached && ep.RecvRule == RecvDiscard {
		n.logger.Debug("no application attached, discarding bundle", "endpoint", ep.EID.String())
		return nil
	}
	elt, err := ep.deliveryQueue.InsertLast(txn, h)
	if err != nil {
		return err
	}
	b.DlvQueueElt = elt
	b.DlvEndpoint = ep.EID.String()
	txn.OnCommit(ep.sem.Give)
	return nil
}
