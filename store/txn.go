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

	"github.com/blinklabs-io/gobp/cbor"
)

// Txn is a store transaction. It must end with exactly one effective call to
// Commit or Cancel; the usual pattern is a deferred Cancel.
type Txn struct {
	s      *Store
	undo   []func()
	writes map[string][]byte
	after  []func()
	done   bool
}

// Store returns the store this transaction belongs to
func (t *Txn) Store() *Store {
	return t.s
}

// Active reports whether the transaction is still open
func (t *Txn) Active() bool {
	return !t.done
}

// OnCancel registers a function that reverts a change. Functions run in
// reverse registration order.
func (t *Txn) OnCancel(fn func()) {
	if t.done {
		return
	}
	t.undo = append(t.undo, fn)
}

// OnCommit registers a function to run after a successful commit, once the
// store lock has been released. It is used for wakeups that must not be
// observed before the change is durable.
func (t *Txn) OnCommit(fn func()) {
	if t.done {
		return
	}
	t.after = append(t.after, fn)
}

// Commit makes the transaction's changes permanent
func (t *Txn) Commit() error {
	if t.done {
		return ErrTxnClosed
	}
	if err := t.s.writeJournal(t.writes); err != nil {
		t.rollback()
		t.finish()
		return fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}
	after := t.after
	t.finish()
	for _, fn := range after {
		fn()
	}
	return nil
}

// Cancel reverts every change made in the transaction. It does nothing if
// the transaction already ended.
func (t *Txn) Cancel() {
	if t.done {
		return
	}
	t.rollback()
	t.finish()
}

func (t *Txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

func (t *Txn) finish() {
	t.done = true
	t.undo = nil
	t.writes = nil
	t.after = nil
	t.s.mu.Unlock()
}

// AdjustOccupancy changes the accounted occupancy by delta
func (t *Txn) AdjustOccupancy(delta int64) error {
	if t.done {
		return ErrTxnClosed
	}
	s := t.s
	newOcc := s.occupancy.Load() + delta
	if delta > 0 && s.heapLimit > 0 && newOcc > s.heapLimit {
		return ErrStoreFull
	}
	if newOcc < 0 {
		newOcc = 0
	}
	prev := s.occupancy.Swap(newOcc)
	t.OnCancel(func() { s.occupancy.Store(prev) })
	return nil
}

// Put records a value in the journal under key when the transaction commits
func (t *Txn) Put(key string, v any) error {
	if t.done {
		return ErrTxnClosed
	}
	if t.s.db == nil {
		return nil
	}
	data, err := cbor.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	t.writes[key] = data
	return nil
}

// Delete removes key from the journal when the transaction commits
func (t *Txn) Delete(key string) {
	if t.done || t.s.db == nil {
		return
	}
	t.writes[key] = nil
}

// Assign sets *p to v, restoring the previous value if the transaction is
// cancelled
func Assign[T any](t *Txn, p *T, v T) {
	prev := *p
	*p = v
	t.OnCancel(func() { *p = prev })
}

// MapSet sets m[k] to v, restoring the previous entry (or its absence) if the
// transaction is cancelled
func MapSet[K comparable, V any](t *Txn, m map[K]V, k K, v V) {
	prev, had := m[k]
	m[k] = v
	t.OnCancel(func() {
		if had {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

// MapDelete removes m[k], restoring it if the transaction is cancelled
func MapDelete[K comparable, V any](t *Txn, m map[K]V, k K) {
	prev, had := m[k]
	if !had {
		return
	}
	delete(m, k)
	t.OnCancel(func() { m[k] = prev })
}
