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
	"errors"
	"fmt"
	"time"

	"github.com/blinklabs-io/gobp/admin"
	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/eid"
	"github.com/blinklabs-io/gobp/extension"
	"github.com/blinklabs-io/gobp/store"
)

// custodialScheme names the scheme whose custodian acts for the bundle
func custodialScheme(b *bundle.Bundle) string {
	if b.CBHE() {
		return eid.SchemeIPN
	}
	return b.Destination.Scheme
}

func ttlOf(b *bundle.Bundle) time.Duration {
	return time.Duration(b.Lifetime()) * time.Second
}

func ctReasonFor(reason admin.SrReason) admin.CtReason {
	switch reason {
	case admin.SrDepletedStorage:
		return admin.CtDepletedStorage
	case admin.SrDestinationUnintelligible:
		return admin.CtDestinationUnintelligible
	case admin.SrNoKnownRoute:
		return admin.CtNoKnownRoute
	case admin.SrNoTimelyContact:
		return admin.CtNoTimelyContact
	case admin.SrBlockUnintelligible:
		return admin.CtBlockUnintelligible
	default:
		return admin.CtNoInfo
	}
}

// sendAdmin originates an administrative record. A record that cannot be
// addressed is dropped.
func (n *Node) sendAdmin(txn *store.Txn, dest eid.EID, lifespan time.Duration, prio bundle.Priority, ordinal uint8, rec admin.Record) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	_, _, err = n.send(txn, SendRequest{
		Destination: dest.String(),
		Lifespan:    lifespan,
		Priority:    prio,
		ExtendedCOS: bundle.ExtendedCOS{Ordinal: ordinal},
		Payload:     data,
		AdminRecord: rec.Type(),
	})
	if errors.Is(err, ErrUnknownScheme) || errors.Is(err, ErrInvalidDestination) {
		n.logger.Warn("administrative record not sent", "type", rec.Type().String(), "destination", dest.String(), "error", err)
		return nil
	}
	return err
}

// sendCtSignal tells the current custodian of b whether we accepted custody
func (n *Node) sendCtSignal(txn *store.Txn, b *bundle.Bundle, succeeded bool, reason admin.CtReason) error {
	if b.Custodian.Scheme == "" || b.Custodian.IsNull() {
		return nil
	}
	sig := &admin.CustodySignal{
		Subject:    b.Subject(),
		Succeeded:  succeeded,
		Reason:     reason,
		SignalTime: n.dtnNow(),
	}
	n.logger.Debug(
		"sending custody signal",
		"bundle", b.Key().String(),
		"custodian", b.Custodian.String(),
		"succeeded", succeeded,
		"reason", reason.String(),
	)
	return n.sendAdmin(txn, b.Custodian, ttlOf(b), bundle.PriorityExpedited, 255, sig)
}

// sendStatusRpt sends the status report pending in b to its report-to
// endpoint and clears it
func (n *Node) sendStatusRpt(txn *store.Txn, b *bundle.Bundle) error {
	rpt := b.StatusRpt
	rpt.Subject = b.Subject()
	b.StatusRpt = admin.StatusReport{}
	if b.ReportTo.Scheme == "" || b.ReportTo.IsNull() {
		return nil
	}
	n.logger.Debug(
		"sending status report",
		"bundle", b.Key().String(),
		"report_to", b.ReportTo.String(),
		"flags", uint8(rpt.Flags),
		"reason", rpt.Reason.String(),
	)
	return n.sendAdmin(txn, b.ReportTo, ttlOf(b), b.ProcFlags.Priority(), b.ExtendedCOS.Ordinal, &rpt)
}

// takeCustody makes the local node the custodian of b
func (n *Node) takeCustody(txn *store.Txn, b *bundle.Bundle) error {
	self, ok := n.localEID(custodialScheme(b))
	if !ok {
		return nil
	}
	if err := n.sendCtSignal(txn, b, true, admin.CtNoInfo); err != nil {
		return err
	}
	b.CustodyTaken = true
	if b.ProcFlags.SRR()&admin.ReportCustody != 0 {
		b.StatusRpt.Flags |= admin.ReportCustody
		b.StatusRpt.AcceptanceTime = n.dtnNow()
	}
	if b.CBHE() {
		b.Custodian = eid.CBHEEID(n.nodeNumber, 0)
	} else {
		b.Dictionary.Insert(self)
		b.Custodian = self
	}
	return n.registry.Process(b, extension.PhaseTakeCustody, nil)
}

func (n *Node) releaseCustody(txn *store.Txn, b *bundle.Bundle) error {
	b.CustodyTaken = false
	return n.deleteEvent(txn, &b.CtDueElt)
}

// handleAdminRecord consumes an administrative record addressed to the
// local custodian endpoint
func (n *Node) handleAdminRecord(txn *store.Txn, b *bundle.Bundle) error {
	data, err := n.zco.Bytes(b.Payload.Content)
	if err != nil {
		return err
	}
	rec, err := admin.Parse(data)
	if err != nil {
		n.logger.Warn("discarding unparseable administrative record", "source", b.ID.Source.String(), "error", err)
		return nil
	}
	switch r := rec.(type) {
	case *admin.StatusReport:
		n.logger.Info(
			"status report received",
			"source", r.SourceEID,
			"creation", r.CreationSeconds,
			"count", r.CreationCount,
			"flags", uint8(r.Flags),
			"reason", r.Reason.String(),
		)
		return nil
	case *admin.CustodySignal:
		return n.handleCustodySignal(txn, b.ID.Source, r)
	}
	return nil
}

func (n *Node) handleCustodySignal(txn *store.Txn, from eid.EID, sig *admin.CustodySignal) error {
	src, err := eid.Parse(sig.SourceEID)
	if err != nil {
		n.logger.Warn("custody signal for unparseable source", "source", sig.SourceEID)
		return nil
	}
	id := bundle.ID{
		Source: src,
		Creation: bundle.Timestamp{
			Seconds: sig.CreationSeconds,
			Count:   sig.CreationCount,
		},
	}
	var fragLen uint64
	if sig.IsFragment {
		id.FragmentOffset = sig.FragmentOffset
		fragLen = sig.FragmentLength
	}
	h, ok := n.identities[id.Key(fragLen)]
	if !ok {
		n.logger.Debug("custody signal for unknown bundle", "source", sig.SourceEID)
		return nil
	}
	b, err := n.stage(h)
	if err != nil {
		return err
	}
	if !b.CustodyTaken {
		return nil
	}
	var neighbor uint64
	if from.CBHE {
		neighbor = from.Node
	}
	if sig.Succeeded || sig.Reason == admin.CtRedundantReception {
		n.logger.Debug("custody accepted downstream", "bundle", b.Key().String(), "by", from.String())
		if b.Destination.CBHE && neighbor != 0 {
			n.removeSnub(txn, b.Destination.Node, neighbor)
		}
		if err := n.releaseCustody(txn, b); err != nil {
			return err
		}
		return n.destroyBundle(txn, h, b, false)
	}
	n.logger.Warn(
		"custody refused downstream",
		"bundle", b.Key().String(),
		"by", from.String(),
		"reason", sig.Reason.String(),
	)
	if b.Destination.CBHE && neighbor != 0 {
		n.addSnub(txn, b.Destination.Node, neighbor)
	}
	if err := n.reforwardBundle(txn, h, b); err != nil {
		return fmt.Errorf("reforward refused bundle: %w", err)
	}
	return n.destroyBundle(txn, h, b, false)
}
