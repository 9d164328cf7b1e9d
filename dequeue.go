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
	"context"
	"fmt"

	"github.com/blinklabs-io/gobp/admin"
	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/extension"
	"github.com/blinklabs-io/gobp/store"
)

// Transmission is a serialized bundle handed to a convergence-layer
// output task
type Transmission struct {
	Data         []byte
	ExtendedCOS  bundle.ExtendedCOS
	Priority     bundle.Priority
	DestDuctName string
	ProxNodeEID  string
	Key          bundle.Key
}

// Dequeue waits for the next bundle queued on an outduct and returns it
// serialized. Expedited bundles go first, then standard, then bulk.
//
// With stewardship the node keeps the bundle until the convergence layer
// reports the outcome through HandleXmitSuccess or HandleXmitFailure.
func (n *Node) Dequeue(ctx context.Context, key string, stewardship bool) (*Transmission, error) {
	txn := n.store.Begin()
	d, ok := n.outducts[key]
	txn.Cancel()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOutduct, key)
	}
	for {
		if err := d.throttle.Wait(ctx); err != nil {
			return nil, stopped(err)
		}
		t, wait, err := n.dequeueOne(d, stewardship)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		if wait {
			if err := d.sem.Take(ctx); err != nil {
				return nil, stopped(err)
			}
		}
	}
}

// dequeueOne takes the head of the most urgent non-empty queue. It asks
// the caller to wait when every queue is empty.
func (n *Node) dequeueOne(d *Outduct, stewardship bool) (*Transmission, bool, error) {
	txn := n.store.Begin()
	defer txn.Cancel()
	if d.sem.Ended() {
		return nil, false, ErrStopped
	}
	var xh store.Handle
	for p := bundle.PriorityExpedited; ; p-- {
		if q := d.queues[p]; q.Len() > 0 {
			xh, _ = q.Data(q.First())
			break
		}
		if p == bundle.PriorityBulk {
			return nil, true, nil
		}
	}
	xr, ok := n.xmitRefs.Get(xh)
	if !ok {
		return nil, false, fmt.Errorf("%w: transmission reference %s", store.ErrInvalidHandle, xh)
	}
	h := xr.Bundle
	b, err := n.stage(h)
	if err != nil {
		return nil, false, err
	}
	if err := n.removeXmitRef(txn, xh, b); err != nil {
		return nil, false, err
	}
	ctx := &extension.Context{
		ProtocolName: d.Protocol.Name,
		ProxNodeEID:  xr.ProxNodeEID,
	}
	if err := n.registry.Process(b, extension.PhaseDequeue, ctx); err != nil {
		return nil, false, err
	}
	if err := n.deleteEvent(txn, &b.OverdueElt); err != nil {
		return nil, false, err
	}
	if b.Catenated {
		if err := n.zco.Strip(txn, b.Payload.Content); err != nil {
			return nil, false, err
		}
		b.Catenated = false
	}
	if prox := eidOf(xr.ProxNodeEID); b.Destination.CBHE && prox.CBHE && n.isSnubbed(b.Destination.Node, prox.Node) {
		n.logger.Debug(
			"neighbor refused custody, reforwarding",
			"bundle", b.Key().String(),
			"neighbor", xr.ProxNodeEID,
		)
		if err := n.reforwardBundle(txn, h, b); err != nil {
			return nil, false, err
		}
		if err := n.destroyBundle(txn, h, b, false); err != nil {
			return nil, false, err
		}
		return nil, false, txn.Commit()
	}
	if err := n.registry.Process(b, extension.PhaseTransmit, ctx); err != nil {
		return nil, false, err
	}
	if err := n.catenate(txn, b); err != nil {
		return nil, false, err
	}
	data, err := n.zco.Bytes(b.Payload.Content)
	if err != nil {
		return nil, false, err
	}
	key := b.Key()
	if stewardship && !b.ExtendedCOS.MinimumLatency() {
		b.InTransit = true
		store.MapSet(txn, n.inTransit, key, h)
	}
	if b.CustodyTaken && n.custodyTimeout > 0 && b.CtDueElt.IsZero() {
		if b.CtDueElt, err = n.insertEvent(txn, event{
			Type: eventCtDue,
			Time: n.eventAfter(n.custodyTimeout),
			Ref:  h,
		}); err != nil {
			return nil, false, err
		}
	}
	n.noteStats(txn, StatXmit, b)
	cost := d.Protocol.cost(int64(len(data)))
	txn.OnCommit(func() { d.throttle.Consume(cost) })
	if !b.InTransit {
		if err := n.noteForwarded(txn, b); err != nil {
			return nil, false, err
		}
	}
	t := &Transmission{
		Data:         data,
		ExtendedCOS:  b.ExtendedCOS,
		Priority:     xr.Priority,
		DestDuctName: xr.DestDuctName,
		ProxNodeEID:  xr.ProxNodeEID,
		Key:          key,
	}
	if err := n.destroyBundle(txn, h, b, false); err != nil {
		return nil, false, err
	}
	if err := txn.Commit(); err != nil {
		return nil, false, err
	}
	return t, false, nil
}

func (n *Node) noteForwarded(txn *store.Txn, b *bundle.Bundle) error {
	if b.ProcFlags.SRR()&admin.ReportForwarded == 0 {
		return nil
	}
	b.StatusRpt.Flags |= admin.ReportForwarded
	b.StatusRpt.ForwardTime = n.dtnNow()
	return n.sendStatusRpt(txn, b)
}

// HandleXmitSuccess records that a convergence layer delivered a bundle
// returned by Dequeue with stewardship. It reports false for a bundle the
// node is not waiting on.
func (n *Node) HandleXmitSuccess(data []byte) (bool, error) {
	return n.handleXmitResult(data, true)
}

// HandleXmitFailure records that a convergence layer could not deliver a
// bundle returned by Dequeue with stewardship. The bundle is reforwarded.
func (n *Node) HandleXmitFailure(data []byte) (bool, error) {
	return n.handleXmitResult(data, false)
}

func (n *Node) handleXmitResult(data []byte, success bool) (bool, error) {
	sent, err := decodeTransmitted(data)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrNotTransmitted, err)
	}
	key := sent.Key()
	txn := n.store.Begin()
	defer txn.Cancel()
	h, ok := n.inTransit[key]
	if !ok {
		return false, nil
	}
	b, err := n.stage(h)
	if err != nil {
		return false, err
	}
	b.InTransit = false
	store.MapDelete(txn, n.inTransit, key)
	if success {
		err = n.noteForwarded(txn, b)
	} else {
		n.logger.Debug("transmission failed, reforwarding", "bundle", key.String())
		n.noteStats(txn, StatTimeout, b)
		err = n.reforwardBundle(txn, h, b)
	}
	if err != nil {
		return false, err
	}
	if err := n.destroyBundle(txn, h, b, false); err != nil {
		return false, err
	}
	return true, txn.Commit()
}
