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

package test

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/blinklabs-io/gobp/admin"
	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/sdnv"
)

// DecodeHexString is a helper function for tests that decodes hex strings. It doesn't return
// an error value, which makes it usable inline.
func DecodeHexString(hexData string) []byte {
	// Strip off any leading/trailing whitespace in hex string
	hexData = strings.TrimSpace(hexData)
	decoded, err := hex.DecodeString(hexData)
	if err != nil {
		panic(fmt.Sprintf("error decoding hex: %s", err))
	}
	return decoded
}

// Block serializes a non-primary block without EID references
func Block(blockType uint8, flags bundle.BlockFlags, data []byte) []byte {
	ret := []byte{blockType}
	ret = sdnv.Append(ret, uint64(flags&^bundle.BlockHasEIDRefs))
	ret = sdnv.Append(ret, uint64(len(data)))
	return append(ret, data...)
}

// Primary serializes the primary block of b, panicking on failure
func Primary(b *bundle.Bundle) []byte {
	ret, err := b.EncodePrimary()
	if err != nil {
		panic(fmt.Sprintf("error encoding primary block: %s", err))
	}
	return ret
}

// Wire builds a serialized bundle from the primary block of b, the given
// pre-payload blocks and a final payload block
func Wire(b *bundle.Bundle, payload []byte, prePayload ...[]byte) []byte {
	ret := Primary(b)
	for _, blk := range prePayload {
		ret = append(ret, blk...)
	}
	return append(ret, Block(bundle.PayloadBlockType, bundle.BlockIsLast, payload)...)
}

// Record serializes an administrative record, panicking on failure
func Record(rec admin.Record) []byte {
	ret, err := rec.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("error encoding administrative record: %s", err))
	}
	return ret
}
