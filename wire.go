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
	"errors"
	"fmt"

	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/eid"
	"github.com/blinklabs-io/gobp/extension"
	"github.com/blinklabs-io/gobp/sdnv"
	"github.com/blinklabs-io/gobp/store"
)

var errMalformedBlock = errors.New("malformed block")

// blockHeader is the leading part of a serialized non-primary block
type blockHeader struct {
	Type       uint8
	Flags      bundle.BlockFlags
	Refs       []eid.Ref
	DataLength uint64
}

// parseBlockHeader decodes the block header at the start of data and
// returns it with its encoded length
func parseBlockHeader(data []byte) (blockHeader, int, error) {
	var hdr blockHeader
	d := sdnv.NewDecoder(data)
	t, err := d.Byte()
	if err != nil {
		return hdr, 0, fmt.Errorf("%w: %w", errMalformedBlock, err)
	}
	hdr.Type = t
	flags, err := d.Uint()
	if err != nil {
		return hdr, 0, fmt.Errorf("%w: %w", errMalformedBlock, err)
	}
	hdr.Flags = bundle.BlockFlags(flags)
	if hdr.Flags&bundle.BlockHasEIDRefs != 0 {
		count, err := d.Uint()
		if err != nil {
			return hdr, 0, fmt.Errorf("%w: %w", errMalformedBlock, err)
		}
		// Each reference takes at least two bytes
		if count > uint64(d.Remaining()/2) {
			return hdr, 0, fmt.Errorf("%w: %d EID references", errMalformedBlock, count)
		}
		hdr.Refs = make([]eid.Ref, count)
		for i := range hdr.Refs {
			if hdr.Refs[i].SchemeOffset, err = d.Uint(); err != nil {
				return hdr, 0, fmt.Errorf("%w: %w", errMalformedBlock, err)
			}
			if hdr.Refs[i].SSPOffset, err = d.Uint(); err != nil {
				return hdr, 0, fmt.Errorf("%w: %w", errMalformedBlock, err)
			}
		}
	}
	if hdr.DataLength, err = d.Uint(); err != nil {
		return hdr, 0, fmt.Errorf("%w: %w", errMalformedBlock, err)
	}
	return hdr, d.Offset(), nil
}

// decodeTransmitted recovers the identity of a serialized bundle. The
// payload length is only read for fragments, whose identity includes it.
func decodeTransmitted(data []byte) (*bundle.Bundle, error) {
	b, pos, err := bundle.DecodePrimary(data)
	if err != nil {
		return nil, err
	}
	if !b.IsFragment() {
		return b, nil
	}
	for pos < len(data) {
		hdr, hdrLen, err := parseBlockHeader(data[pos:])
		if err != nil {
			return nil, err
		}
		if hdr.Type == bundle.PayloadBlockType {
			b.Payload.Length = hdr.DataLength
			return b, nil
		}
		if hdr.Flags&bundle.BlockIsLast != 0 || hdr.DataLength > uint64(len(data)-pos-hdrLen) {
			break
		}
		pos += hdrLen + int(hdr.DataLength)
	}
	return nil, fmt.Errorf("%w: no payload block", errMalformedBlock)
}

func visibleBlocks(blocks []bundle.ExtensionBlock) []bundle.ExtensionBlock {
	ret := make([]bundle.ExtensionBlock, 0, len(blocks))
	for _, blk := range blocks {
		if blk.Suppressed || blk.Length == 0 {
			continue
		}
		ret = append(ret, blk)
	}
	return ret
}

// reserialize returns the wire form of blk with the last-block flag set as
// given
func reserialize(blk bundle.ExtensionBlock, last bool) []byte {
	data := extension.Data(&blk)
	if last {
		blk.ProcFlags |= bundle.BlockIsLast
	} else {
		blk.ProcFlags &^= bundle.BlockIsLast
	}
	extension.Serialize(&blk, blk.EIDRefs, data)
	return blk.Bytes
}

// catenate wraps the payload of b in its primary block and extension
// blocks, yielding the bundle as it goes on the wire
func (n *Node) catenate(txn *store.Txn, b *bundle.Bundle) error {
	header, err := b.EncodePrimary()
	if err != nil {
		return err
	}
	for _, blk := range visibleBlocks(b.PrePayload) {
		header = append(header, reserialize(blk, false)...)
	}
	post := visibleBlocks(b.PostPayload)
	payloadFlags := b.PayloadBlockProcFlags &^ bundle.BlockIsLast
	if len(post) == 0 {
		payloadFlags |= bundle.BlockIsLast
	}
	header = append(header, bundle.PayloadBlockType)
	header = sdnv.Append(header, uint64(payloadFlags))
	header = sdnv.Append(header, b.Payload.Length)
	var trailer []byte
	for i, blk := range post {
		trailer = append(trailer, reserialize(blk, i == len(post)-1)...)
	}
	if err := n.zco.PrependHeader(txn, b.Payload.Content, header); err != nil {
		return err
	}
	if len(trailer) > 0 {
		if err := n.zco.AppendTrailer(txn, b.Payload.Content, trailer); err != nil {
			return err
		}
	}
	b.Catenated = true
	return nil
}
