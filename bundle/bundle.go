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

package bundle

import (
	"encoding/hex"
	"fmt"
	"slices"

	"golang.org/x/crypto/blake2b"

	"github.com/blinklabs-io/gobp/admin"
	"github.com/blinklabs-io/gobp/eid"
	"github.com/blinklabs-io/gobp/store"
	"github.com/blinklabs-io/gobp/zco"
)

// Storage overhead estimates, in bytes, used for occupancy accounting
const (
	ListOverhead           = 32
	ListEltOverhead        = 32
	XmitRefOverhead        = 32 + ListEltOverhead
	RecordOverhead         = 896
	ExtensionBlockOverhead = 64
	// BaseOverhead is charged for every bundle before any extension blocks
	BaseOverhead = RecordOverhead + ListOverhead + XmitRefOverhead
	// NominalPrimaryBlockSize is the assumed size of a primary block when
	// estimating transmission cost
	NominalPrimaryBlockSize = 29
)

// ListIndex selects the extension block list on one side of the payload
type ListIndex int

const (
	ListPrePayload  ListIndex = 0
	ListPostPayload ListIndex = 1
)

func (l ListIndex) String() string {
	if l == ListPostPayload {
		return "post-payload"
	}
	return "pre-payload"
}

// Timestamp is a bundle creation timestamp
type Timestamp struct {
	// Seconds since the DTN epoch
	Seconds uint64
	// Count distinguishes bundles created in the same second
	Count uint64
}

// ID is the identity of a bundle or bundle fragment
type ID struct {
	Source         eid.EID
	Creation       Timestamp
	FragmentOffset uint64
}

// Key is a fixed-width digest of a bundle's identity
type Key [blake2b.Size256]byte

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Key returns the identity digest of id. The fragment length is zero for a
// bundle that is not a fragment.
func (id ID) Key(fragmentLength uint64) Key {
	s := fmt.Sprintf(
		"%s:%d:%d:%d:%d",
		id.Source.String(),
		id.Creation.Seconds,
		id.Creation.Count,
		id.FragmentOffset,
		fragmentLength,
	)
	return blake2b.Sum256([]byte(s))
}

// Payload is the application data unit carried by a bundle
type Payload struct {
	Length  uint64
	Content zco.Ref
}

// ClDossier is what the receiving convergence layer told us about a bundle
type ClDossier struct {
	Authentic     bool
	SenderEID     eid.EID
	SenderNodeNbr uint64
}

// ExtensionBlock is an extension block attached to a stored bundle
type ExtensionBlock struct {
	Type uint8
	// Rank orders blocks within a list; lower ranks come first
	Rank       uint8
	ProcFlags  BlockFlags
	DataLength uint64
	// Length of the serialized block, zero once scratched
	Length uint64
	// Size of Object
	Size       uint64
	Object     []byte
	EIDRefs    []eid.Ref
	Bytes      []byte
	Suppressed bool
}

// AcqExtBlock is an extension block of a bundle being acquired
type AcqExtBlock struct {
	Type       uint8
	ProcFlags  BlockFlags
	DataLength uint64
	Length     uint64
	Size       uint64
	Object     []byte
	EIDRefs    []eid.Ref
	Bytes      []byte
}

// XmitRef records one pending transmission of a bundle: its membership in
// an outduct queue or in the limbo queue
type XmitRef struct {
	Bundle store.Handle
	// Elt is the queue element holding this reference
	Elt store.Handle
	// Outduct is the key of the duct whose queue holds Elt, empty for limbo
	Outduct      string
	Priority     Priority
	Ordinal      uint8
	EnqueueTime  int64
	Cost         int64
	ProxNodeEID  string
	DestDuctName string
}

// InLimbo reports whether the reference is held in the limbo queue
func (x XmitRef) InLimbo() bool {
	return x.Outduct == ""
}

// Incomplete collects the fragments of an ADU awaiting reassembly
type Incomplete struct {
	Endpoint       string
	Source         eid.EID
	Creation       Timestamp
	TotalAduLength uint64
	// Fragments are bundle handles ordered by fragment offset
	Fragments []store.Handle
}

// Bundle is a stored bundle
type Bundle struct {
	ID        ID
	ProcFlags ProcFlags
	// Endpoint IDs. The source is part of ID.
	Destination eid.EID
	ReportTo    eid.EID
	Custodian   eid.EID
	// Dictionary is empty for bundles whose EIDs are CBHE encoded
	Dictionary eid.Dictionary
	// ExpirationTime in seconds since the DTN epoch
	ExpirationTime        uint64
	TotalAduLength        uint64
	ExtendedCOS           ExtendedCOS
	PayloadBlockProcFlags BlockFlags
	Payload               Payload
	PrePayload            []ExtensionBlock
	PostPayload           []ExtensionBlock
	ExtensionsLength      [2]uint64
	CustodyTaken          bool
	Suspended             bool
	Catenated             bool
	ReturnToSender        bool
	DBOverhead            int64
	DBTotal               int64
	StatusRpt             admin.StatusReport
	ClDossier             ClDossier
	// Stations visited, most recent first
	Stations []string
	// Back references
	TimelineElt   store.Handle
	OverdueElt    store.Handle
	CtDueElt      store.Handle
	FwdQueueElt   store.Handle
	FwdScheme     string
	DlvQueueElt   store.Handle
	DlvEndpoint   string
	IncompleteElt store.Handle
	// Original is the locally delivered bundle this forwarded copy was
	// made from
	Original    store.Handle
	XmitRefs    []store.Handle
	XmitsNeeded int
	// EnqueueTime is set on first enqueue and kept across reforwarding
	EnqueueTime int64
	InTransit   bool
}

// Blocks returns the extension block list selected by idx
func (b *Bundle) Blocks(idx ListIndex) *[]ExtensionBlock {
	if idx == ListPostPayload {
		return &b.PostPayload
	}
	return &b.PrePayload
}

// IsFragment reports whether the bundle is a fragment
func (b *Bundle) IsFragment() bool {
	return b.ProcFlags.Has(FlagIsFragment)
}

// IsCustodial reports whether custody transfer was requested
func (b *Bundle) IsCustodial() bool {
	return b.ProcFlags.Has(FlagIsCustodial)
}

// IsAdmin reports whether the payload is an administrative record
func (b *Bundle) IsAdmin() bool {
	return b.ProcFlags.Has(FlagIsAdmin)
}

// CBHE reports whether the bundle's EIDs are CBHE encoded
func (b *Bundle) CBHE() bool {
	return len(b.Dictionary) == 0
}

// FragmentLength is the payload length of a fragment, zero otherwise
func (b *Bundle) FragmentLength() uint64 {
	if b.IsFragment() {
		return b.Payload.Length
	}
	return 0
}

// Key returns the identity digest of the bundle
func (b *Bundle) Key() Key {
	return b.ID.Key(b.FragmentLength())
}

// Lifetime returns the time to live in seconds, at least 1
func (b *Bundle) Lifetime() uint64 {
	if b.ExpirationTime <= b.ID.Creation.Seconds {
		return 1
	}
	return b.ExpirationTime - b.ID.Creation.Seconds
}

// Retained reports whether anything still requires the bundle to be kept
func (b *Bundle) Retained() bool {
	return !b.DlvQueueElt.IsZero() ||
		!b.IncompleteElt.IsZero() ||
		!b.FwdQueueElt.IsZero() ||
		b.XmitsNeeded > 0 ||
		b.InTransit ||
		b.CustodyTaken
}

// Visited reports whether station is on the stations stack
func (b *Bundle) Visited(station string) bool {
	return slices.Contains(b.Stations, station)
}

// GuessSize estimates the serialized size of the bundle
func (b *Bundle) GuessSize() int64 {
	return NominalPrimaryBlockSize +
		int64(len(b.Dictionary)) +
		int64(b.ExtensionsLength[ListPrePayload]) +
		int64(b.Payload.Length) +
		int64(b.ExtensionsLength[ListPostPayload])
}

// Subject identifies the bundle in an administrative record
func (b *Bundle) Subject() admin.Subject {
	ret := admin.Subject{
		CreationSeconds: b.ID.Creation.Seconds,
		CreationCount:   b.ID.Creation.Count,
		SourceEID:       b.ID.Source.String(),
	}
	if b.IsFragment() {
		ret.IsFragment = true
		ret.FragmentOffset = b.ID.FragmentOffset
		ret.FragmentLength = b.Payload.Length
	}
	return ret
}
