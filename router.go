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
	"sync"

	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/eid"
)

// Directive tells a forwarder what to do with a bundle
type Directive struct {
	// ForwardTo sends the bundle through forwarding again toward another
	// endpoint. When set, the remaining fields are ignored.
	ForwardTo eid.EID
	// Outduct is the key of the duct to transmit on
	Outduct      string
	DestDuctName string
	ProxNodeEID  string
}

func (d Directive) neighbor() uint64 {
	if prox := eidOf(d.ProxNodeEID); prox.CBHE {
		return prox.Node
	}
	if d.ForwardTo.CBHE {
		return d.ForwardTo.Node
	}
	return 0
}

// RouteRequest asks for directives for a bundle bound for a station
type RouteRequest struct {
	Bundle  *bundle.Bundle
	Station eid.EID
	// Snubbed reports whether a neighbor recently refused custody of
	// bundles for the same destination
	Snubbed func(neighbor uint64) bool
}

// Router resolves routes for forwarders. A forward directive must be the
// only directive returned; several transmit directives flood the bundle.
type Router interface {
	Route(req RouteRequest) ([]Directive, error)
}

// RouterFunc adapts a function to the Router interface
type RouterFunc func(req RouteRequest) ([]Directive, error)

func (f RouterFunc) Route(req RouteRequest) ([]Directive, error) {
	return f(req)
}

// StaticRoute lists the alternatives for reaching a node, most preferred
// first. DestNode 0 is the default route.
type StaticRoute struct {
	DestNode uint64
	Via      []Directive
}

// StaticRouter routes CBHE stations by node number from a fixed table
type StaticRouter struct {
	mu     sync.RWMutex
	routes map[uint64][]Directive
}

func NewStaticRouter(routes ...StaticRoute) *StaticRouter {
	r := &StaticRouter{
		routes: make(map[uint64][]Directive),
	}
	for _, route := range routes {
		r.Add(route)
	}
	return r
}

// Add appends alternatives for a node
func (r *StaticRouter) Add(route StaticRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route.DestNode] = append(r.routes[route.DestNode], route.Via...)
}

// Route returns the first alternative whose neighbor is not snubbed.
// Critical bundles get every such transmit alternative, falling back to
// the first forward alternative when there are none.
func (r *StaticRouter) Route(req RouteRequest) ([]Directive, error) {
	if !req.Station.CBHE {
		return nil, fmt.Errorf("%w: %s is not a CBHE endpoint", ErrNoRoute, req.Station.String())
	}
	r.mu.RLock()
	via, ok := r.routes[req.Station.Node]
	if !ok {
		via = r.routes[0]
	}
	via = append([]Directive(nil), via...)
	r.mu.RUnlock()
	critical := req.Bundle != nil && req.Bundle.ExtendedCOS.MinimumLatency()
	var flood, relay []Directive
	for _, d := range via {
		if nb := d.neighbor(); nb != 0 && req.Snubbed != nil && req.Snubbed(nb) {
			continue
		}
		switch {
		case !critical:
			return []Directive{d}, nil
		case d.ForwardTo.Scheme == "":
			flood = append(flood, d)
		case relay == nil:
			relay = []Directive{d}
		}
	}
	if len(flood) > 0 {
		return flood, nil
	}
	if relay != nil {
		return relay, nil
	}
	return nil, fmt.Errorf("%w: node %d", ErrNoRoute, req.Station.Node)
}
