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
	"time"

	"github.com/blinklabs-io/gobp/admin"
	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/eid"
	"github.com/blinklabs-io/gobp/store"
)

// Delivery is an application data unit delivered to a local endpoint
type Delivery struct {
	Source   eid.EID
	Creation bundle.Timestamp
	// TimeToLive is what remained of the bundle's lifetime at delivery
	TimeToLive   time.Duration
	AckRequested bool
	Admin        bool
	Payload      []byte
}

// Receive waits for the next bundle delivered to a local endpoint
func (n *Node) Receive(ctx context.Context, e eid.EID) (*Delivery, error) {
	for {
		d, ep, err := n.receiveOne(e)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		if err := ep.sem.Take(ctx); err != nil {
			return nil, stopped(err)
		}
	}
}

func (n *Node) receiveOne(e eid.EID) (*Delivery, *Endpoint, error) {
	txn := n.store.Begin()
	defer txn.Cancel()
	ep := n.findEndpoint(e)
	if ep == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, e.String())
	}
	if ep.sem.Ended() {
		return nil, nil, ErrStopped
	}
	elt := ep.deliveryQueue.First()
	if elt.IsZero() {
		return nil, ep, nil
	}
	h, _ := ep.deliveryQueue.Data(elt)
	if err := ep.deliveryQueue.Delete(txn, elt); err != nil {
		return nil, nil, err
	}
	b, err := n.stage(h)
	if err != nil {
		return nil, nil, err
	}
	b.DlvQueueElt = store.Handle{}
	b.DlvEndpoint = ""
	payload, err := n.zco.SourceBytes(b.Payload.Content, 0, int64(b.Payload.Length))
	if err != nil {
		return nil, nil, err
	}
	d := &Delivery{
		Source:       b.ID.Source,
		Creation:     b.ID.Creation,
		AckRequested: b.ProcFlags.Has(bundle.FlagAppAckRequested),
		Admin:        b.IsAdmin(),
		Payload:      payload,
	}
	if now := n.dtnNow().Seconds; b.ExpirationTime > now {
		d.TimeToLive = time.Duration(b.ExpirationTime-now) * time.Second
	}
	if b.ProcFlags.SRR()&admin.ReportDelivered != 0 {
		b.StatusRpt.Flags |= admin.ReportDelivered
		b.StatusRpt.DeliveryTime = n.dtnNow()
		if err := n.sendStatusRpt(txn, b); err != nil {
			return nil, nil, err
		}
	}
	if err := n.destroyBundle(txn, h, b, false); err != nil {
		return nil, nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, nil, err
	}
	n.logger.Debug("bundle delivered", "endpoint", e.String(), "source", d.Source.String())
	return d, ep, nil
}
