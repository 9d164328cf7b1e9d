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
	"errors"
	"fmt"

	"github.com/blinklabs-io/gobp/eid"
	"github.com/blinklabs-io/gobp/sdnv"
)

// MinPrimaryBlockLength is the shortest well-formed primary block: version,
// flags, residual length and twelve one-byte fields
const MinPrimaryBlockLength = 15

var (
	ErrMalformed       = errors.New("bundle: malformed primary block")
	ErrNotEncodable    = errors.New("bundle: endpoint cannot be encoded")
	ErrBadVersion      = errors.New("bundle: unsupported protocol version")
	ErrUnknownEndpoint = errors.New("bundle: endpoint missing from dictionary")
)

func (b *Bundle) eidPairs() ([8]uint64, error) {
	var ret [8]uint64
	eids := [4]eid.EID{b.Destination, b.ID.Source, b.ReportTo, b.Custodian}
	for i, e := range eids {
		if b.CBHE() {
			switch {
			case e.CBHE:
				ret[2*i], ret[2*i+1] = e.Node, e.Service
			case e.IsNull() || e.Scheme == "":
				ret[2*i], ret[2*i+1] = 0, 0
			default:
				return ret, fmt.Errorf("%w: %s is not CBHE", ErrNotEncodable, e)
			}
			continue
		}
		ref, ok := b.Dictionary.Find(e)
		if !ok {
			return ret, fmt.Errorf("%w: %s", ErrUnknownEndpoint, e)
		}
		ret[2*i], ret[2*i+1] = ref.SchemeOffset, ref.SSPOffset
	}
	return ret, nil
}

// EncodePrimary serializes the primary block
func (b *Bundle) EncodePrimary() ([]byte, error) {
	pairs, err := b.eidPairs()
	if err != nil {
		return nil, err
	}
	body := make([]byte, 0, 64+len(b.Dictionary))
	for _, v := range pairs {
		body = sdnv.Append(body, v)
	}
	var lifetime uint64
	if b.ExpirationTime > b.ID.Creation.Seconds {
		lifetime = b.ExpirationTime - b.ID.Creation.Seconds
	}
	body = sdnv.Append(body, b.ID.Creation.Seconds)
	body = sdnv.Append(body, b.ID.Creation.Count)
	body = sdnv.Append(body, lifetime)
	body = sdnv.Append(body, uint64(len(b.Dictionary)))
	body = append(body, b.Dictionary...)
	if b.IsFragment() {
		body = sdnv.Append(body, b.ID.FragmentOffset)
		body = sdnv.Append(body, b.TotalAduLength)
	}
	ret := make([]byte, 0, len(body)+2*sdnv.MaxLength+1)
	ret = append(ret, Version)
	ret = sdnv.Append(ret, uint64(b.ProcFlags))
	ret = sdnv.Append(ret, uint64(len(body)))
	return append(ret, body...), nil
}

// DecodePrimary parses the primary block at the start of data and returns a
// new bundle holding its contents along with the number of bytes consumed
func DecodePrimary(data []byte) (*Bundle, int, error) {
	if len(data) < MinPrimaryBlockLength {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	if data[0] != Version {
		return nil, 0, fmt.Errorf("%w: %d", ErrBadVersion, data[0])
	}
	d := sdnv.NewDecoder(data[1:])
	wrap := func(err error) (*Bundle, int, error) {
		return nil, 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	flags, err := d.Uint()
	if err != nil {
		return wrap(err)
	}
	residual, err := d.Uint()
	if err != nil {
		return wrap(err)
	}
	if residual > uint64(d.Remaining()) {
		return nil, 0, fmt.Errorf("%w: residual length %d exceeds data", ErrMalformed, residual)
	}
	hdrLen := d.Offset()
	var fields [12]uint64
	for i := range fields {
		if fields[i], err = d.Uint(); err != nil {
			return wrap(err)
		}
	}
	b := &Bundle{
		ProcFlags:  ProcFlags(flags),
		DBOverhead: BaseOverhead,
	}
	b.ID.Creation = Timestamp{Seconds: fields[8], Count: fields[9]}
	b.ExpirationTime = fields[8] + fields[10]
	dictLen := fields[11]
	dict, err := d.Bytes(dictLen)
	if err != nil {
		return wrap(err)
	}
	if b.IsFragment() {
		if b.ID.FragmentOffset, err = d.Uint(); err != nil {
			return wrap(err)
		}
		if b.TotalAduLength, err = d.Uint(); err != nil {
			return wrap(err)
		}
	}
	eids := [4]*eid.EID{&b.Destination, &b.ID.Source, &b.ReportTo, &b.Custodian}
	if dictLen == 0 {
		for i, p := range eids {
			*p = eid.CBHEEID(fields[2*i], fields[2*i+1])
		}
	} else {
		b.Dictionary = append(eid.Dictionary(nil), dict...)
		b.DBOverhead += int64(dictLen)
		for i, p := range eids {
			e, err := b.Dictionary.Lookup(eid.Ref{
				SchemeOffset: fields[2*i],
				SSPOffset:    fields[2*i+1],
			})
			if err != nil {
				return wrap(err)
			}
			*p = e
		}
	}
	if used := d.Offset() - hdrLen; uint64(used) != residual {
		return nil, 0, fmt.Errorf("%w: residual length %d but fields use %d", ErrMalformed, residual, used)
	}
	return b, 1 + d.Offset(), nil
}
