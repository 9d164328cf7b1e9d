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
	"errors"
	"fmt"

	"github.com/blinklabs-io/gobp/admin"
	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/store"
)

// ProcessForwardQueue routes every bundle waiting in a scheme's forward
// queue and returns how many it handled
func (n *Node) ProcessForwardQueue(scheme string) (int, error) {
	txn := n.store.Begin()
	s, ok := n.schemes[scheme]
	txn.Cancel()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}
	var count int
	for {
		more, err := n.forwardNext(s)
		if err != nil || !more {
			return count, err
		}
		count++
	}
}

func (n *Node) runForwarder(ctx context.Context, s *Scheme) {
	defer n.wg.Done()
	for {
		for ctx.Err() == nil {
			more, err := n.forwardNext(s)
			if err != nil {
				n.reportError(ctx, fmt.Errorf("forwarder %s: %w", s.Name, err))
				break
			}
			if !more {
				break
			}
		}
		if err := s.sem.Take(ctx); err != nil {
			n.logger.Debug("forwarder exiting", "scheme", s.Name)
			return
		}
	}
}

// forwardNext routes the bundle at the head of the forward queue
func (n *Node) forwardNext(s *Scheme) (bool, error) {
	txn := n.store.Begin()
	defer txn.Cancel()
	elt := s.forwardQueue.First()
	if elt.IsZero() {
		return false, nil
	}
	h, _ := s.forwardQueue.Data(elt)
	if err := s.forwardQueue.Delete(txn, elt); err != nil {
		return false, err
	}
	b, err := n.stage(h)
	if err != nil {
		return false, err
	}
	b.FwdQueueElt = store.Handle{}
	b.FwdScheme = ""
	if err := n.route(txn, h, b); err != nil {
		return false, err
	}
	if err := n.destroyBundle(txn, h, b, false); err != nil {
		return false, err
	}
	return true, txn.Commit()
}

func (n *Node) route(txn *store.Txn, h store.Handle, b *bundle.Bundle) error {
	if n.router == nil {
		n.logger.Warn("abandoning bundle: no router", "bundle", b.Key().String())
		return n.abandon(txn, h, b, admin.SrNoKnownRoute)
	}
	station := b.Destination
	if len(b.Stations) > 0 {
		station = eidOf(b.Stations[0])
	}
	dirs, err := n.router.Route(RouteRequest{
		Bundle:  b,
		Station: station,
		Snubbed: func(neighbor uint64) bool {
			return b.Destination.CBHE && n.isSnubbed(b.Destination.Node, neighbor)
		},
	})
	if errors.Is(err, ErrNoRoute) || (err == nil && len(dirs) == 0) {
		n.logger.Warn("abandoning bundle: no route", "bundle", b.Key().String(), "station", station.String())
		return n.abandon(txn, h, b, admin.SrNoKnownRoute)
	}
	if err != nil {
		return err
	}
	if via := dirs[0].ForwardTo; via.Scheme != "" {
		return n.forwardBundle(txn, h, b, via)
	}
	var queued int
	for _, d := range dirs {
		if d.ForwardTo.Scheme != "" {
			continue
		}
		duct, ok := n.outducts[d.Outduct]
		if !ok {
			n.logger.Warn("route names unknown outduct", "outduct", d.Outduct)
			continue
		}
		if err := n.enqueue(txn, h, b, duct, d.DestDuctName, d.ProxNodeEID); err != nil {
			return err
		}
		queued++
	}
	if queued == 0 {
		n.logger.Warn("abandoning bundle: no usable outduct", "bundle", b.Key().String())
		return n.abandon(txn, h, b, admin.SrNoKnownRoute)
	}
	return n.accept(txn, b)
}
