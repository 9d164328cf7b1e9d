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

	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/eid"
	"github.com/blinklabs-io/gobp/store"
	"github.com/blinklabs-io/gobp/throttle"
)

// RecvRule selects what happens to a bundle arriving for an endpoint that
// no application has open
type RecvRule int

const (
	RecvEnqueue RecvRule = iota
	RecvDiscard
)

// Scheme is an endpoint naming scheme served by one forwarder
type Scheme struct {
	Name string
	// CBHE schemes number their endpoints ipn:node.service
	CBHE bool
	// CustodianEID is the administrative endpoint of the local node in this
	// scheme, the null endpoint if the node cannot take custody
	CustodianEID eid.EID

	forwardQueue *store.List[store.Handle]
	endpoints    map[string]*Endpoint
	sem          *throttle.Semaphore
}

type incompleteKey struct {
	source   string
	creation bundle.Timestamp
}

// Endpoint is a local endpoint that bundles can be delivered to
type Endpoint struct {
	EID      eid.EID
	RecvRule RecvRule

	deliveryQueue *store.List[store.Handle]
	incompletes   map[incompleteKey]store.Handle
	appAttached   bool
	sem           *throttle.Semaphore
}

// Protocol describes a convergence-layer protocol
type Protocol struct {
	Name string
	// PayloadBytesPerFrame and OverheadPerFrame estimate the cost of sending
	// a bundle in convergence-layer frames
	PayloadBytesPerFrame int64
	OverheadPerFrame     int64
	// NominalRate is the default duct rate in bytes per second, zero for no
	// limit
	NominalRate int64
}

// cost estimates the convergence-layer transmission cost of size bytes
func (p *Protocol) cost(size int64) int64 {
	frames := int64(1)
	if p.PayloadBytesPerFrame > 0 && size > p.PayloadBytesPerFrame {
		frames = (size + p.PayloadBytesPerFrame - 1) / p.PayloadBytesPerFrame
	}
	return size + frames*p.OverheadPerFrame
}

// Induct receives bundles for one convergence-layer protocol
type Induct struct {
	Protocol *Protocol
	Name     string

	throttle *throttle.Throttle
}

// Key identifies the induct
func (d *Induct) Key() string {
	return DuctKey(d.Protocol.Name, d.Name)
}

type ordinalState struct {
	Backlog int64
	// Last is the queue element of the last bundle with this ordinal
	Last store.Handle
}

// Outduct transmits bundles for one convergence-layer protocol. Queued
// bundles wait in one queue per priority.
type Outduct struct {
	Protocol *Protocol
	Name     string

	queues   [3]*store.List[store.Handle]
	backlogs [3]int64
	ordinals [256]ordinalState
	blocked  bool
	sem      *throttle.Semaphore
	throttle *throttle.Throttle
}

// Key identifies the outduct
func (d *Outduct) Key() string {
	return DuctKey(d.Protocol.Name, d.Name)
}

// DuctKey returns the key of the duct with the given name
func DuctKey(protocol, name string) string {
	return protocol + "/" + name
}

func (d *Outduct) queue(p bundle.Priority) *store.List[store.Handle] {
	if p > bundle.PriorityExpedited {
		p = bundle.PriorityExpedited
	}
	return d.queues[p]
}

// AddScheme defines a naming scheme. The custodian of the ipn scheme
// defaults to ipn:N.0 for local node number N.
func (n *Node) AddScheme(name string, custodian eid.EID) (*Scheme, error) {
	txn := n.store.Begin()
	defer txn.Cancel()
	if _, ok := n.schemes[name]; ok {
		return nil, fmt.Errorf("%w: scheme %s", ErrDuplicate, name)
	}
	s := &Scheme{
		Name:         name,
		CBHE:         name == eid.SchemeIPN,
		CustodianEID: custodian,
		forwardQueue: store.NewList[store.Handle]("fwd/" + name),
		endpoints:    make(map[string]*Endpoint),
		sem:          throttle.NewSemaphore(),
	}
	if s.CustodianEID.Scheme == "" {
		s.CustodianEID = eid.None
		if s.CBHE && n.nodeNumber != 0 {
			s.CustodianEID = eid.CBHEEID(n.nodeNumber, 0)
		}
	}
	n.schemes[name] = s
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	n.logger.Debug("scheme added", "scheme", name, "custodian", s.CustodianEID.String())
	return s, nil
}

// AddEndpoint defines a local endpoint in an existing scheme
func (n *Node) AddEndpoint(e eid.EID, rule RecvRule) (*Endpoint, error) {
	txn := n.store.Begin()
	defer txn.Cancel()
	s, ok := n.schemes[e.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, e.Scheme)
	}
	key := e.String()
	if _, ok := s.endpoints[key]; ok {
		return nil, fmt.Errorf("%w: endpoint %s", ErrDuplicate, key)
	}
	ep := &Endpoint{
		EID:           e,
		RecvRule:      rule,
		deliveryQueue: store.NewList[store.Handle]("dlv/" + key),
		incompletes:   make(map[incompleteKey]store.Handle),
		sem:           throttle.NewSemaphore(),
	}
	s.endpoints[key] = ep
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	n.logger.Debug("endpoint added", "endpoint", key)
	return ep, nil
}

// AddProtocol defines a convergence-layer protocol
func (n *Node) AddProtocol(p Protocol) error {
	txn := n.store.Begin()
	defer txn.Cancel()
	if _, ok := n.protocols[p.Name]; ok {
		return fmt.Errorf("%w: protocol %s", ErrDuplicate, p.Name)
	}
	n.protocols[p.Name] = &p
	return txn.Commit()
}

// AddInduct defines an induct of an existing protocol
func (n *Node) AddInduct(protocol, name string) (*Induct, error) {
	txn := n.store.Begin()
	defer txn.Cancel()
	p, ok := n.protocols[protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, protocol)
	}
	d := &Induct{
		Protocol: p,
		Name:     name,
		throttle: throttle.New(p.NominalRate),
	}
	if _, ok := n.inducts[d.Key()]; ok {
		return nil, fmt.Errorf("%w: induct %s", ErrDuplicate, d.Key())
	}
	n.inducts[d.Key()] = d
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

// AddOutduct defines an outduct of an existing protocol
func (n *Node) AddOutduct(protocol, name string) (*Outduct, error) {
	txn := n.store.Begin()
	defer txn.Cancel()
	p, ok := n.protocols[protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, protocol)
	}
	d := &Outduct{
		Protocol: p,
		Name:     name,
		sem:      throttle.NewSemaphore(),
		throttle: throttle.New(p.NominalRate),
	}
	key := d.Key()
	if _, ok := n.outducts[key]; ok {
		return nil, fmt.Errorf("%w: outduct %s", ErrDuplicate, key)
	}
	for i := range d.queues {
		d.queues[i] = store.NewList[store.Handle]("xmit/" + key + "/" + bundle.Priority(i).String())
	}
	n.outducts[key] = d
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

// SetOutductRate changes the nominal transmission rate of an outduct
func (n *Node) SetOutductRate(key string, rate int64) error {
	txn := n.store.Begin()
	defer txn.Cancel()
	d, ok := n.outducts[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOutduct, key)
	}
	d.throttle.SetNominalRate(rate)
	return txn.Commit()
}

// OpenEndpoint marks an application as attached to an endpoint, so bundles
// for it are queued even when its receive rule is RecvDiscard
func (n *Node) OpenEndpoint(e eid.EID) error {
	return n.setAttached(e, true)
}

// CloseEndpoint detaches the application from an endpoint
func (n *Node) CloseEndpoint(e eid.EID) error {
	return n.setAttached(e, false)
}

func (n *Node) setAttached(e eid.EID, attached bool) error {
	txn := n.store.Begin()
	defer txn.Cancel()
	ep := n.findEndpoint(e)
	if ep == nil {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, e.String())
	}
	store.Assign(txn, &ep.appAttached, attached)
	return txn.Commit()
}

func (n *Node) findEndpoint(e eid.EID) *Endpoint {
	s, ok := n.schemes[e.Scheme]
	if !ok {
		return nil
	}
	return s.endpoints[e.String()]
}

// localEID returns the local administrative endpoint in a scheme
func (n *Node) localEID(scheme string) (eid.EID, bool) {
	s, ok := n.schemes[scheme]
	if !ok || s.CustodianEID.IsNull() {
		return eid.EID{}, false
	}
	return s.CustodianEID, true
}
