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

package eid

import (
	"bytes"
	"fmt"
)

// Ref locates an endpoint ID inside a dictionary as a pair of offsets to
// NUL-terminated strings
type Ref struct {
	SchemeOffset uint64
	SSPOffset    uint64
}

// Dictionary is the byte array of NUL-terminated scheme names and SSPs
// carried in the primary block of bundles that do not use CBHE
type Dictionary []byte

// BuildDictionary creates a dictionary holding all of the given identifiers
// and returns the reference for each one in order
func BuildDictionary(eids ...EID) (Dictionary, []Ref) {
	var d Dictionary
	refs := make([]Ref, len(eids))
	for i, e := range eids {
		refs[i] = d.Insert(e)
	}
	return d, refs
}

func (d Dictionary) stringAt(offset uint64) (string, error) {
	if offset >= uint64(len(d)) {
		return "", fmt.Errorf("%w: dictionary offset %d out of range", ErrMalformed, offset)
	}
	end := bytes.IndexByte(d[offset:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated dictionary string at %d", ErrMalformed, offset)
	}
	return string(d[offset : offset+uint64(end)]), nil
}

// Lookup resolves a reference into an identifier
func (d Dictionary) Lookup(r Ref) (EID, error) {
	scheme, err := d.stringAt(r.SchemeOffset)
	if err != nil {
		return EID{}, err
	}
	ssp, err := d.stringAt(r.SSPOffset)
	if err != nil {
		return EID{}, err
	}
	return Parse(scheme + ":" + ssp)
}

func (d Dictionary) find(s string) (uint64, bool) {
	var offset uint64
	for offset < uint64(len(d)) {
		end := bytes.IndexByte(d[offset:], 0)
		if end < 0 {
			return 0, false
		}
		if string(d[offset:offset+uint64(end)]) == s {
			return offset, true
		}
		offset += uint64(end) + 1
	}
	return 0, false
}

// Find returns the reference of an identifier already in the dictionary
func (d Dictionary) Find(e EID) (Ref, bool) {
	if e.CBHE && e.Node == 0 {
		e = None
	}
	schemeOff, ok := d.find(e.Scheme)
	if !ok {
		return Ref{}, false
	}
	sspOff, ok := d.find(e.NSS())
	if !ok {
		return Ref{}, false
	}
	return Ref{SchemeOffset: schemeOff, SSPOffset: sspOff}, true
}

func (d *Dictionary) add(s string) uint64 {
	if offset, ok := d.find(s); ok {
		return offset
	}
	offset := uint64(len(*d))
	*d = append(*d, s...)
	*d = append(*d, 0)
	return offset
}

// Insert adds the strings of an identifier that are not yet present and
// returns its reference
func (d *Dictionary) Insert(e EID) Ref {
	if e.CBHE && e.Node == 0 {
		e = None
	}
	return Ref{
		SchemeOffset: d.add(e.Scheme),
		SSPOffset:    d.add(e.NSS()),
	}
}
