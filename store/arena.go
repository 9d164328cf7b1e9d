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

package store

import (
	"fmt"
	"strconv"

	"github.com/jinzhu/copier"
)

// Handle is a stable reference to an arena slot. The generation makes
// handles to freed slots detectably stale. The zero Handle refers to nothing.
type Handle struct {
	Index uint32
	Gen   uint32
}

// IsZero reports whether h is the nil handle
func (h Handle) IsZero() bool {
	return h.Gen == 0
}

func (h Handle) String() string {
	return strconv.FormatUint(uint64(h.Index), 10) + "." + strconv.FormatUint(uint64(h.Gen), 10)
}

type slot[T any] struct {
	gen   uint32
	inUse bool
	value T
}

// Arena holds values of one type addressed by generational handles
type Arena[T any] struct {
	name    string
	persist bool
	slots   []slot[T]
	free    []uint32
	count   int
}

// NewArena creates an arena whose contents are not journaled
func NewArena[T any](name string) *Arena[T] {
	return &Arena[T]{name: name}
}

// NewJournaledArena creates an arena whose values are written to the store
// journal on commit, keyed by arena name and handle
func NewJournaledArena[T any](name string) *Arena[T] {
	return &Arena[T]{name: name, persist: true}
}

// Name returns the arena name, which is also its journal key prefix
func (a *Arena[T]) Name() string {
	return a.name
}

// Key returns the journal key for h
func (a *Arena[T]) Key(h Handle) string {
	return journalKey(a.name, h.String())
}

func (a *Arena[T]) lookup(h Handle) (*slot[T], error) {
	if h.IsZero() || int(h.Index) >= len(a.slots) {
		return nil, fmt.Errorf("%w: %s %s", ErrInvalidHandle, a.name, h)
	}
	sl := &a.slots[h.Index]
	if !sl.inUse || sl.gen != h.Gen {
		return nil, fmt.Errorf("%w: %s %s", ErrInvalidHandle, a.name, h)
	}
	return sl, nil
}

// Alloc stores v in a new slot
func (a *Arena[T]) Alloc(t *Txn, v T) (Handle, error) {
	if t.done {
		return Handle{}, ErrTxnClosed
	}
	var idx uint32
	fromFree := len(a.free) > 0
	if fromFree {
		idx = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{})
	}
	sl := &a.slots[idx]
	prevGen := sl.gen
	sl.gen++
	if sl.gen == 0 {
		sl.gen = 1
	}
	sl.inUse = true
	sl.value = v
	a.count++
	h := Handle{Index: idx, Gen: sl.gen}
	t.OnCancel(func() {
		a.count--
		if fromFree {
			a.slots[idx] = slot[T]{gen: prevGen}
			a.free = append(a.free, idx)
			return
		}
		a.slots = a.slots[:idx]
	})
	if a.persist {
		if err := t.Put(a.Key(h), v); err != nil {
			return Handle{}, err
		}
	}
	return h, nil
}

// Get returns the value at h. The value shares any slices and maps with the
// stored copy and must not be mutated; use Stage for that.
func (a *Arena[T]) Get(h Handle) (T, bool) {
	sl, err := a.lookup(h)
	if err != nil {
		var zero T
		return zero, false
	}
	return sl.value, true
}

// Valid reports whether h refers to a live value
func (a *Arena[T]) Valid(h Handle) bool {
	_, err := a.lookup(h)
	return err == nil
}

// Stage returns a deep copy of the value at h that may be freely mutated and
// later written back with Write
func (a *Arena[T]) Stage(h Handle) (T, error) {
	var ret T
	sl, err := a.lookup(h)
	if err != nil {
		return ret, err
	}
	if err := copier.CopyWithOption(&ret, &sl.value, copier.Option{DeepCopy: true}); err != nil {
		return ret, fmt.Errorf("stage %s %s: %w", a.name, h, err)
	}
	return ret, nil
}

// Write replaces the value at h
func (a *Arena[T]) Write(t *Txn, h Handle, v T) error {
	if t.done {
		return ErrTxnClosed
	}
	sl, err := a.lookup(h)
	if err != nil {
		return err
	}
	prev := sl.value
	sl.value = v
	t.OnCancel(func() { a.slots[h.Index].value = prev })
	if a.persist {
		return t.Put(a.Key(h), v)
	}
	return nil
}

// Free releases the slot at h, invalidating the handle
func (a *Arena[T]) Free(t *Txn, h Handle) error {
	if t.done {
		return ErrTxnClosed
	}
	sl, err := a.lookup(h)
	if err != nil {
		return err
	}
	prev := *sl
	var zero T
	sl.inUse = false
	sl.value = zero
	a.free = append(a.free, h.Index)
	a.count--
	t.OnCancel(func() {
		a.count++
		a.free = a.free[:len(a.free)-1]
		a.slots[h.Index] = prev
	})
	if a.persist {
		t.Delete(a.Key(h))
	}
	return nil
}

// Len returns the number of live values
func (a *Arena[T]) Len() int {
	return a.count
}

// Each calls fn for every live value in slot order until fn returns false
func (a *Arena[T]) Each(fn func(Handle, T) bool) {
	for i := range a.slots {
		sl := &a.slots[i]
		if !sl.inUse {
			continue
		}
		if !fn(Handle{Index: uint32(i), Gen: sl.gen}, sl.value) {
			return
		}
	}
}
