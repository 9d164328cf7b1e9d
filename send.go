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
	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/eid"
	"github.com/blinklabs-io/gobp/store"
)

// CustodySwitch selects whether custody transfer is requested for a bundle
type CustodySwitch int

const (
	CustodyNone CustodySwitch = iota
	// CustodyOptional requests custody transfer when the local node can
	// act as custodian
	CustodyOptional
	CustodyRequired
)

// SendRequest describes a bundle to originate
type SendRequest struct {
	// Source is empty or dtn:none for an anonymous bundle
	Source      string
	Destination string
	// ReportTo defaults to the source
	ReportTo     string
	Lifespan     time.Duration
	Priority     bundle.Priority
	Custody      CustodySwitch
	SRR          admin.ReportFlags
	AckRequested bool
	ExtendedCOS  bundle.ExtendedCOS
	Payload      []byte
	// AdminRecord is nonzero when Payload is an administrative record
	AdminRecord admin.RecordType
}

// Send originates a bundle and queues it for forwarding. It returns the
// identity of the new bundle, or a zero key when the destination is the
// null endpoint and the bundle was dropped.
func (n *Node) Send(req SendRequest) (bundle.Key, error) {
	txn := n.store.Begin()
	defer txn.Cancel()
	key, _, err := n.send(txn, req)
	if err != nil {
		return bundle.Key{}, err
	}
	return key, txn.Commit()
}

func (n *Node) send(txn *store.Txn, req SendRequest) (bundle.Key, bool, error) {
	if req.Destination == "" {
		return bundle.Key{}, false, ErrInvalidDestination
	}
	dest, err := eid.Parse(req.Destination)
	if err != nil {
		return bundle.Key{}, false, fmt.Errorf("%w: %w", ErrInvalidDestination, err)
	}
	if req.Lifespan < time.Second {
		return bundle.Key{}, false, fmt.Errorf("%w: %s", ErrInvalidLifespan, req.Lifespan)
	}
	src := eid.None
	if req.Source != "" {
		if src, err = eid.Parse(req.Source); err != nil {
			return bundle.Key{}, false, fmt.Errorf("invalid source: %w", err)
		}
	}
	isAdmin := req.AdminRecord != 0
	switch {
	case src.IsNull() && !isAdmin && (req.Custody != CustodyNone || req.SRR != 0):
		return bundle.Key{}, false, ErrAnonymousReporting
	case isAdmin && (req.Custody != CustodyNone || req.SRR != 0):
		return bundle.Key{}, false, ErrAdminReporting
	}
	if dest.IsNull() {
		n.logger.Debug("dropping bundle for the null endpoint")
		return bundle.Key{}, false, nil
	}
	s, ok := n.schemes[dest.Scheme]
	if !ok {
		return bundle.Key{}, false, fmt.Errorf("%w: %s", ErrUnknownScheme, dest.Scheme)
	}
	if isAdmin {
		src = s.CustodianEID
	}
	var custodial bool
	switch req.Custody {
	case CustodyRequired:
		if s.CustodianEID.IsNull() {
			return bundle.Key{}, false, fmt.Errorf("%w: %s", ErrNoCustodian, s.Name)
		}
		custodial = true
	case CustodyOptional:
		custodial = !s.CustodianEID.IsNull()
	}
	reportTo := src
	if req.ReportTo != "" {
		if reportTo, err = eid.Parse(req.ReportTo); err != nil {
			return bundle.Key{}, false, fmt.Errorf("invalid report-to endpoint: %w", err)
		}
	}
	flags := bundle.FlagDestIsSingleton
	if src.IsNull() {
		flags |= bundle.FlagDoesNotFragment
	}
	if isAdmin {
		flags |= bundle.FlagIsAdmin
	}
	if req.AckRequested {
		flags |= bundle.FlagAppAckRequested
	}
	if custodial {
		flags |= bundle.FlagIsCustodial
	}
	flags = flags.WithPriority(req.Priority).WithSRR(req.SRR)
	now := n.dtnNow().Seconds
	b := &bundle.Bundle{
		ID: bundle.ID{
			Source:   src,
			Creation: n.nextCreation(txn, now),
		},
		ProcFlags:             flags,
		Destination:           dest,
		ReportTo:              reportTo,
		Custodian:             eid.None,
		ExpirationTime:        now + uint64(req.Lifespan/time.Second),
		ExtendedCOS:           req.ExtendedCOS,
		PayloadBlockProcFlags: bundle.BlockMustBeCopied,
	}
	if !compactable(dest, src, reportTo) {
		b.Dictionary, _ = eid.BuildDictionary(dest, src, reportTo, eid.None)
	}
	b.Payload = bundle.Payload{
		Length:  uint64(len(req.Payload)),
		Content: n.zco.CreateFromBytes(txn, req.Payload),
	}
	b.DBOverhead = bundle.BaseOverhead + int64(len(b.Dictionary))
	if err := n.registry.Patch(b); err != nil {
		return bundle.Key{}, false, err
	}
	h, err := n.storeBundle(txn, b)
	if err != nil {
		return bundle.Key{}, false, err
	}
	key := b.Key()
	n.noteStats(txn, StatSource, b)
	n.logger.Debug(
		"bundle originated",
		"bundle", key.String(),
		"destination", dest.String(),
		"priority", req.Priority.String(),
		"custodial", custodial,
	)
	if err := n.forwardBundle(txn, h, b, dest); err != nil {
		return bundle.Key{}, false, err
	}
	if err := n.destroyBundle(txn, h, b, false); err != nil {
		return bundle.Key{}, false, err
	}
	return key, true, nil
}

// compactable reports whether every endpoint can be CBHE encoded
func compactable(eids ...eid.EID) bool {
	for _, e := range eids {
		if !e.CBHE && !e.IsNull() {
			return false
		}
	}
	return true
}

// nextCreation returns a creation timestamp unique among the bundles
// originated here
func (n *Node) nextCreation(txn *store.Txn, now uint64) bundle.Timestamp {
	if now != n.creationSeconds {
		store.Assign(txn, &n.creationSeconds, now)
		store.Assign(txn, &n.creationCount, 0)
	}
	store.Assign(txn, &n.creationCount, n.creationCount+1)
	return bundle.Timestamp{Seconds: now, Count: n.creationCount}
}
