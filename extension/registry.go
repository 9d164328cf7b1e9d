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
	"errors"
	"fmt"

	"github.com/blinklabs-io/gobp/bundle"
)

const (
	// MaxDefs is the largest number of block types a registry can rank
	MaxDefs = 254

	rankUnknownPre  = 255
	rankUnknownPost = 0
)

var (
	ErrReservedType  = errors.New("extension: block type is reserved")
	ErrDuplicateType = errors.New("extension: duplicate block type")
	ErrTooManyDefs   = errors.New("extension: too many block types")
)

// Registry is the ordered table of known block types. A block's rank is the
// position of its Def in the table.
type Registry struct {
	defs []Def
}

// NewRegistry builds a registry from defs in rank order
func NewRegistry(defs ...Def) (*Registry, error) {
	if len(defs) > MaxDefs {
		return nil, fmt.Errorf("%w: %d", ErrTooManyDefs, len(defs))
	}
	type key struct {
		t   uint8
		idx bundle.ListIndex
	}
	seen := make(map[key]bool, len(defs))
	for _, def := range defs {
		if def.Type == 0 || def.Type == bundle.PayloadBlockType {
			return nil, fmt.Errorf("%w: %d", ErrReservedType, def.Type)
		}
		k := key{def.Type, def.ListIdx}
		if seen[k] {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateType, def.Type)
		}
		seen[k] = true
	}
	return &Registry{
		defs: append([]Def(nil), defs...),
	}, nil
}

// Defs returns the registered block types in rank order
func (r *Registry) Defs() []Def {
	return append([]Def(nil), r.defs...)
}

// Len returns the number of registered block types
func (r *Registry) Len() int {
	return len(r.defs)
}

// Find returns the def for a block type in the given list, or nil
func (r *Registry) Find(blockType uint8, idx bundle.ListIndex) *Def {
	def, _ := r.find(blockType, idx)
	return def
}

func (r *Registry) find(blockType uint8, idx bundle.ListIndex) (*Def, int) {
	if blockType == 0 {
		return nil, -1
	}
	for i := range r.defs {
		if r.defs[i].Type == blockType && r.defs[i].ListIdx == idx {
			return &r.defs[i], i
		}
	}
	return nil, -1
}

// Rank returns the ordering rank of a block type. Unknown blocks go after
// every known block before the payload and before every known block after
// it.
func (r *Registry) Rank(blockType uint8, idx bundle.ListIndex) uint8 {
	if _, i := r.find(blockType, idx); i >= 0 {
		return uint8(i)
	}
	if idx == bundle.ListPostPayload {
		return rankUnknownPost
	}
	return rankUnknownPre
}

// HasCheckers reports whether any block type checks inbound bundles
func (r *Registry) HasCheckers() bool {
	for _, def := range r.defs {
		if def.Check != nil {
			return true
		}
	}
	return false
}
