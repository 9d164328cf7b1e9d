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
	"time"

	"github.com/blinklabs-io/gobp/admin"
	"github.com/blinklabs-io/gobp/store"
)

type eventType int

const (
	eventExpiredTTL eventType = iota + 1
	eventXmitOverdue
	eventCtDue
)

func (t eventType) String() string {
	switch t {
	case eventExpiredTTL:
		return "expired-ttl"
	case eventXmitOverdue:
		return "xmit-overdue"
	case eventCtDue:
		return "ct-due"
	default:
		return fmt.Sprintf("eventType(%d)", int(t))
	}
}

// event is an entry of the timeline. Time is in seconds since the DTN epoch.
type event struct {
	Type eventType
	Time int64
	Ref  store.Handle
}

// insertEvent adds ev to the timeline after every event due no later than it
func (n *Node) insertEvent(txn *store.Txn, ev event) (store.Handle, error) {
	elt := n.timeline.Last()
	for !elt.IsZero() {
		other, _ := n.timeline.Data(elt)
		if other.Time <= ev.Time {
			return n.timeline.InsertAfter(txn, elt, ev)
		}
		elt = n.timeline.Prev(elt)
	}
	return n.timeline.InsertFirst(txn, ev)
}

func (n *Node) deleteEvent(txn *store.Txn, elt *store.Handle) error {
	if elt.IsZero() {
		return nil
	}
	if err := n.timeline.Delete(txn, *elt); err != nil {
		return err
	}
	*elt = store.Handle{}
	return nil
}

// eventAfter returns the DTN time d from now, rounded up to whole seconds
func (n *Node) eventAfter(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	return int64(n.dtnNow().Seconds) + secs
}

// Tick fires every timeline event due at now and replenishes the duct
// throttles. The clock started by Start calls it every second.
func (n *Node) Tick(now time.Time) error {
	txn := n.store.Begin()
	for _, d := range n.inducts {
		d.throttle.Replenish()
	}
	for _, d := range n.outducts {
		d.throttle.Replenish()
	}
	txn.Cancel()
	nowSecs := int64(admin.DtnTimeOf(now).Seconds)
	for {
		fired, err := n.fireNextEvent(nowSecs)
		if err != nil {
			return err
		}
		if !fired {
			return nil
		}
	}
}

func (n *Node) fireNextEvent(nowSecs int64) (bool, error) {
	txn := n.store.Begin()
	defer txn.Cancel()
	elt := n.timeline.First()
	if elt.IsZero() {
		return false, nil
	}
	ev, _ := n.timeline.Data(elt)
	if ev.Time > nowSecs {
		return false, nil
	}
	if err := n.timeline.Delete(txn, elt); err != nil {
		return false, err
	}
	b, err := n.stage(ev.Ref)
	if err != nil {
		return false, fmt.Errorf("%s event: %w", ev.Type, err)
	}
	switch ev.Type {
	case eventExpiredTTL:
		b.TimelineElt = store.Handle{}
		n.logger.Debug("bundle expired", "bundle", b.Key().String())
		err = n.destroyBundle(txn, ev.Ref, b, true)
	case eventXmitOverdue, eventCtDue:
		if ev.Type == eventXmitOverdue {
			b.OverdueElt = store.Handle{}
		} else {
			b.CtDueElt = store.Handle{}
		}
		n.logger.Debug("bundle timed out", "bundle", b.Key().String(), "event", ev.Type.String())
		n.noteStats(txn, StatTimeout, b)
		if err = n.reforwardBundle(txn, ev.Ref, b); err == nil {
			err = n.destroyBundle(txn, ev.Ref, b, false)
		}
	}
	if err != nil {
		return false, err
	}
	return true, txn.Commit()
}
