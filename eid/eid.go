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

// Package eid handles bundle protocol endpoint identifiers, both in their
// compact CBHE form (ipn:node.service) and as dictionary strings.
package eid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	SchemeIPN = "ipn"
	SchemeDTN = "dtn"

	MaxSchemeNameLen = 15
	MaxNSSLen        = 63
	MaxEIDLen        = MaxSchemeNameLen + MaxNSSLen + 2

	MaxCBHENode    = 16777215
	MaxCBHEService = 32767
)

var (
	ErrMalformed = errors.New("eid: malformed endpoint ID")
	ErrTooLong   = errors.New("eid: endpoint ID too long")
)

// None is the null endpoint
var None = EID{Scheme: SchemeDTN, SSP: "none"}

// EID is a parsed endpoint identifier
type EID struct {
	Scheme string
	// SSP is the scheme-specific part for non-CBHE identifiers
	SSP string
	// CBHE identifiers carry node and service numbers instead of an SSP
	CBHE    bool
	Node    uint64
	Service uint64
}

// CBHEEID returns the CBHE identifier ipn:node.service
func CBHEEID(node, service uint64) EID {
	return EID{
		Scheme:  SchemeIPN,
		CBHE:    true,
		Node:    node,
		Service: service,
	}
}

// Parse parses an endpoint ID string
func Parse(s string) (EID, error) {
	if len(s) > MaxEIDLen {
		return EID{}, fmt.Errorf("%w: %q", ErrTooLong, s)
	}
	scheme, ssp, ok := strings.Cut(s, ":")
	if !ok || scheme == "" || ssp == "" {
		return EID{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	if len(scheme) > MaxSchemeNameLen || len(ssp) > MaxNSSLen {
		return EID{}, fmt.Errorf("%w: %q", ErrTooLong, s)
	}
	if scheme != SchemeIPN {
		return EID{Scheme: scheme, SSP: ssp}, nil
	}
	nodeStr, svcStr, ok := strings.Cut(ssp, ".")
	if !ok {
		return EID{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	node, err := strconv.ParseUint(nodeStr, 10, 64)
	if err != nil || node > MaxCBHENode {
		return EID{}, fmt.Errorf("%w: bad node number in %q", ErrMalformed, s)
	}
	svc, err := strconv.ParseUint(svcStr, 10, 64)
	if err != nil || svc > MaxCBHEService {
		return EID{}, fmt.Errorf("%w: bad service number in %q", ErrMalformed, s)
	}
	return CBHEEID(node, svc), nil
}

// MustParse is like Parse but panics on error
func MustParse(s string) EID {
	e, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return e
}

// IsNull reports whether e is the null endpoint. A CBHE identifier with node
// number zero is the compact form of the null endpoint.
func (e EID) IsNull() bool {
	if e.CBHE {
		return e.Node == 0
	}
	return e.Scheme == SchemeDTN && e.SSP == "none"
}

// NSS returns the scheme-specific part as it appears in a dictionary
func (e EID) NSS() string {
	if e.CBHE {
		return strconv.FormatUint(e.Node, 10) + "." + strconv.FormatUint(e.Service, 10)
	}
	return e.SSP
}

func (e EID) String() string {
	if e.CBHE && e.Node == 0 {
		return None.String()
	}
	return e.Scheme + ":" + e.NSS()
}

// Equal compares two identifiers by their textual form
func (e EID) Equal(o EID) bool {
	return e.String() == o.String()
}
