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

// Package bundle defines the bundle store model shared by the agent's
// engines: bundles and their identity, extension blocks, transmission
// references and reassembly records, together with the codec for the
// primary block.
package bundle

import (
	"github.com/blinklabs-io/gobp/admin"
)

// Version is the bundle protocol version this agent speaks
const Version = 6

// PayloadBlockType is the block type reserved for the payload block
const PayloadBlockType = 1

// ProcFlags holds the bundle processing control flags of the primary block,
// including the class of service and the status report request bits
type ProcFlags uint64

// Bundle processing flags
const (
	FlagIsFragment      ProcFlags = 0x01
	FlagIsAdmin         ProcFlags = 0x02
	FlagDoesNotFragment ProcFlags = 0x04
	FlagIsCustodial     ProcFlags = 0x08
	FlagDestIsSingleton ProcFlags = 0x10
	FlagAppAckRequested ProcFlags = 0x20
)

const (
	cosShift = 7
	cosMask  = 0x7f
	srrShift = 14
	srrMask  = 0x7f
)

// Has reports whether every bit of flag is set
func (f ProcFlags) Has(flag ProcFlags) bool {
	return f&flag == flag
}

// COS returns the class of service bits
func (f ProcFlags) COS() uint8 {
	return uint8((f >> cosShift) & cosMask)
}

// Priority returns the priority encoded in the class of service
func (f ProcFlags) Priority() Priority {
	return Priority(f.COS() & 0x03)
}

// SRR returns the status report request flags
func (f ProcFlags) SRR() admin.ReportFlags {
	return admin.ReportFlags((f >> srrShift) & srrMask)
}

// WithPriority returns f with its class of service replaced
func (f ProcFlags) WithPriority(p Priority) ProcFlags {
	f &^= cosMask << cosShift
	return f | ProcFlags(p&0x03)<<cosShift
}

// WithSRR returns f with its status report request flags replaced
func (f ProcFlags) WithSRR(srr admin.ReportFlags) ProcFlags {
	f &^= srrMask << srrShift
	return f | ProcFlags(srr&srrMask)<<srrShift
}

// Priority is the class of service of a bundle
type Priority uint8

const (
	PriorityBulk      Priority = 0
	PriorityStandard  Priority = 1
	PriorityExpedited Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityBulk:
		return "bulk"
	case PriorityStandard:
		return "standard"
	case PriorityExpedited:
		return "expedited"
	default:
		return "reserved"
	}
}

// BlockFlags holds the block processing control flags of a non-primary block
type BlockFlags uint64

// Block processing flags
const (
	BlockMustBeCopied    BlockFlags = 0x01
	BlockReportIfNG      BlockFlags = 0x02
	BlockAbortIfNG       BlockFlags = 0x04
	BlockIsLast          BlockFlags = 0x08
	BlockRemoveIfNG      BlockFlags = 0x10
	BlockForwardedOpaque BlockFlags = 0x20
	BlockHasEIDRefs      BlockFlags = 0x40
)

// ECOSFlags qualify the extended class of service
type ECOSFlags uint8

const (
	// ECOSMinimumLatency marks a critical bundle that is sent on all routes
	// and never reforwarded
	ECOSMinimumLatency ECOSFlags = 0x01
	ECOSBestEffort     ECOSFlags = 0x02
	ECOSDataLabel      ECOSFlags = 0x04
)

// ExtendedCOS refines the priority of expedited bundles and carries hints for
// convergence layers
type ExtendedCOS struct {
	FlowLabel uint32
	Flags     ECOSFlags
	Ordinal   uint8
}

// MinimumLatency reports whether the bundle is critical
func (e ExtendedCOS) MinimumLatency() bool {
	return e.Flags&ECOSMinimumLatency != 0
}
