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

package extension

import (
	"bytes"
	"errors"

	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/eid"
)

// PreviousHopType is the block type of the previous hop insertion block
const PreviousHopType = 5

var errNoLocalEID = errors.New("no local endpoint for previous hop")

// PreviousHop returns the def of the previous hop insertion block, which
// names the node that forwarded a bundle. The block data is the scheme name
// and SSP of the forwarding node's EID, each NUL terminated.
func PreviousHop(local func(scheme string) (eid.EID, bool)) Def {
	fill := func(blk *bundle.ExtensionBlock, b *bundle.Bundle) error {
		self, ok := local(b.Destination.Scheme)
		if !ok {
			return errNoLocalEID
		}
		if self.CBHE && self.Node == 0 {
			return errNoLocalEID
		}
		data := make([]byte, 0, len(self.Scheme)+len(self.NSS())+2)
		data = append(data, self.Scheme...)
		data = append(data, 0)
		data = append(data, self.NSS()...)
		data = append(data, 0)
		blk.ProcFlags |= bundle.BlockMustBeCopied
		Serialize(blk, nil, data)
		return nil
	}
	return Def{
		Name:    "phn",
		Type:    PreviousHopType,
		ListIdx: bundle.ListPrePayload,
		Offer: func(blk *bundle.ExtensionBlock, b *bundle.Bundle) error {
			if _, ok := local(b.Destination.Scheme); !ok {
				// Nothing to say about ourselves on this scheme
				return nil
			}
			return fill(blk, b)
		},
		Process: [PhaseCount]ProcessFunc{
			PhaseForward: func(blk *bundle.ExtensionBlock, b *bundle.Bundle, _ *Context) error {
				if _, ok := local(b.Destination.Scheme); !ok {
					Scratch(blk)
					return nil
				}
				return fill(blk, b)
			},
		},
		Acquire: func(blk *bundle.AcqExtBlock, b *bundle.Bundle) (AcquireResult, error) {
			prev, ok := ParsePreviousHop(AcqData(blk))
			if !ok {
				return AcquireMalformed, nil
			}
			blk.Object = []byte(prev.String())
			blk.Size = uint64(len(blk.Object))
			return AcquireOK, nil
		},
		Record: func(blk *bundle.ExtensionBlock, acq *bundle.AcqExtBlock) error {
			blk.Object = append([]byte(nil), acq.Object...)
			blk.Size = uint64(len(blk.Object))
			return nil
		},
	}
}

// ParsePreviousHop decodes the data of a previous hop block
func ParsePreviousHop(data []byte) (eid.EID, bool) {
	scheme, rest, ok := bytes.Cut(data, []byte{0})
	if !ok || len(scheme) == 0 {
		return eid.EID{}, false
	}
	ssp, rest, ok := bytes.Cut(rest, []byte{0})
	if !ok || len(ssp) == 0 || len(rest) != 0 {
		return eid.EID{}, false
	}
	e, err := eid.Parse(string(scheme) + ":" + string(ssp))
	if err != nil {
		return eid.EID{}, false
	}
	return e, true
}
