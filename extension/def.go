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

// Package extension implements the extension block registry and the engine
// that attaches, serializes and runs typed callbacks over the extension
// blocks of stored bundles, plus the inbound mirror used while a bundle is
// being acquired.
//
// Each block type is described by a Def whose capabilities are optional
// functions. A nil capability means the block type has no behavior for that
// operation.
package extension

import (
	"fmt"

	"github.com/blinklabs-io/gobp/bundle"
)

// Phase is a point in the life of a bundle at which blocks are processed
type Phase int

const (
	PhaseForward Phase = iota
	PhaseTakeCustody
	PhaseEnqueue
	PhaseDequeue
	PhaseTransmit
	// PhaseCount is the number of processing phases
	PhaseCount
)

func (p Phase) String() string {
	switch p {
	case PhaseForward:
		return "forward"
	case PhaseTakeCustody:
		return "take-custody"
	case PhaseEnqueue:
		return "enqueue"
	case PhaseDequeue:
		return "dequeue"
	case PhaseTransmit:
		return "transmit"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Context carries information about the transmission in progress to the
// enqueue and dequeue phases
type Context struct {
	ProtocolName string
	ProxNodeEID  string
}

// AcquireResult is the outcome of parsing an inbound block
type AcquireResult int

const (
	AcquireMalformed AcquireResult = 0
	AcquireOK        AcquireResult = 1
)

// CheckVerdict is the opinion of a block about the bundle it arrived with
type CheckVerdict int

const (
	VerdictNoInfo CheckVerdict = iota
	VerdictInauthentic
	VerdictAuthentic
	VerdictCorrupt
)

func (v CheckVerdict) String() string {
	switch v {
	case VerdictNoInfo:
		return "no-info"
	case VerdictInauthentic:
		return "inauthentic"
	case VerdictAuthentic:
		return "authentic"
	case VerdictCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("CheckVerdict(%d)", int(v))
	}
}

type (
	// OfferFunc fills in a new block for a bundle that lacks one. Leaving
	// both Length and Size zero declines the offer.
	OfferFunc func(blk *bundle.ExtensionBlock, b *bundle.Bundle) error
	// ProcessFunc updates a block at a processing phase. Setting the
	// block length to zero scratches the block.
	ProcessFunc func(blk *bundle.ExtensionBlock, b *bundle.Bundle, ctx *Context) error
	ReleaseFunc func(blk *bundle.ExtensionBlock)
	// CopyFunc fills in the scratchpad of dst, a copy of src
	CopyFunc    func(dst *bundle.ExtensionBlock, src *bundle.ExtensionBlock) error
	AcquireFunc func(blk *bundle.AcqExtBlock, b *bundle.Bundle) (AcquireResult, error)
	CheckFunc   func(blk *bundle.AcqExtBlock, b *bundle.Bundle) (CheckVerdict, error)
	RecordFunc  func(blk *bundle.ExtensionBlock, acq *bundle.AcqExtBlock) error
	ClearFunc   func(blk *bundle.AcqExtBlock)
)

// Def describes one extension block type
type Def struct {
	Name    string
	Type    uint8
	ListIdx bundle.ListIndex
	Offer   OfferFunc
	Process [PhaseCount]ProcessFunc
	Release ReleaseFunc
	Copy    CopyFunc
	Acquire AcquireFunc
	Check   CheckFunc
	Record  RecordFunc
	Clear   ClearFunc
}

// BlockError reports a failure inside a block callback
type BlockError struct {
	Type uint8
	Name string
	Op   string
	Err  error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("extension block %d (%s): %s: %s", e.Type, e.Name, e.Op, e.Err)
}

func (e *BlockError) Unwrap() error {
	return e.Err
}

func blockError(def *Def, op string, err error) error {
	return &BlockError{
		Type: def.Type,
		Name: def.Name,
		Op:   op,
		Err:  err,
	}
}
