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

package store_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/gobp/cbor"
	"github.com/blinklabs-io/gobp/store"
)

type record struct {
	Name  string
	Parts []string
	Size  int64
}

func newStore(t *testing.T, opts ...store.StoreOptionFunc) *store.Store {
	t.Helper()
	s, err := store.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ====================
// Transactions
// ====================

func TestCancelRevertsArenaChanges(t *testing.T) {
	s := newStore(t)
	a := store.NewArena[record]("rec")

	txn := s.Begin()
	kept, err := a.Alloc(txn, record{Name: "kept"})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	txn = s.Begin()
	added, err := a.Alloc(txn, record{Name: "added"})
	require.NoError(t, err)
	require.NoError(t, a.Write(txn, kept, record{Name: "changed"}))
	txn.Cancel()

	assert.False(t, a.Valid(added))
	v, ok := a.Get(kept)
	require.True(t, ok)
	assert.Equal(t, "kept", v.Name)
	assert.Equal(t, 1, a.Len())
}

func TestCancelRevertsFree(t *testing.T) {
	s := newStore(t)
	a := store.NewArena[record]("rec")

	txn := s.Begin()
	h, err := a.Alloc(txn, record{Name: "x"})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	txn = s.Begin()
	require.NoError(t, a.Free(txn, h))
	assert.False(t, a.Valid(h))
	txn.Cancel()

	assert.True(t, a.Valid(h))
	assert.Equal(t, 1, a.Len())
}

func TestStaleHandleRejected(t *testing.T) {
	s := newStore(t)
	a := store.NewArena[record]("rec")

	txn := s.Begin()
	defer txn.Cancel()
	h, err := a.Alloc(txn, record{Name: "first"})
	require.NoError(t, err)
	require.NoError(t, a.Free(txn, h))
	h2, err := a.Alloc(txn, record{Name: "second"})
	require.NoError(t, err)
	// Slot is reused with a new generation
	assert.Equal(t, h.Index, h2.Index)
	assert.NotEqual(t, h.Gen, h2.Gen)
	_, ok := a.Get(h)
	assert.False(t, ok)
	err = a.Write(txn, h, record{})
	assert.True(t, errors.Is(err, store.ErrInvalidHandle))
}

func TestClosedTxn(t *testing.T) {
	s := newStore(t)
	a := store.NewArena[record]("rec")
	txn := s.Begin()
	require.NoError(t, txn.Commit())
	// Cancel after commit is a no-op
	txn.Cancel()
	assert.False(t, txn.Active())
	_, err := a.Alloc(txn, record{})
	assert.ErrorIs(t, err, store.ErrTxnClosed)
	assert.ErrorIs(t, txn.Commit(), store.ErrTxnClosed)
}

func TestAssign(t *testing.T) {
	s := newStore(t)
	counter := 5
	txn := s.Begin()
	store.Assign(txn, &counter, 6)
	store.Assign(txn, &counter, 7)
	assert.Equal(t, 7, counter)
	txn.Cancel()
	assert.Equal(t, 5, counter)
}

func TestMapHelpers(t *testing.T) {
	s := newStore(t)
	m := map[string]int{"a": 1, "b": 2}
	txn := s.Begin()
	store.MapSet(txn, m, "a", 10)
	store.MapSet(txn, m, "c", 3)
	store.MapDelete(txn, m, "b")
	store.MapDelete(txn, m, "missing")
	assert.Equal(t, map[string]int{"a": 10, "c": 3}, m)
	txn.Cancel()
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, m)

	txn = s.Begin()
	store.MapSet(txn, m, "c", 3)
	require.NoError(t, txn.Commit())
	assert.Equal(t, 3, m["c"])
}

func TestOnCommitRunsAfterUnlock(t *testing.T) {
	s := newStore(t)
	var ran bool
	txn := s.Begin()
	txn.OnCommit(func() {
		// A new transaction can start, so the lock is released
		inner := s.Begin()
		inner.Cancel()
		ran = true
	})
	require.NoError(t, txn.Commit())
	assert.True(t, ran)

	ran = false
	txn = s.Begin()
	txn.OnCommit(func() { ran = true })
	txn.Cancel()
	assert.False(t, ran)
}

// ====================
// Occupancy
// ====================

func TestOccupancyLimit(t *testing.T) {
	s := newStore(t, store.WithHeapLimit(100))
	txn := s.Begin()
	require.NoError(t, txn.AdjustOccupancy(80))
	assert.ErrorIs(t, txn.AdjustOccupancy(30), store.ErrStoreFull)
	require.NoError(t, txn.AdjustOccupancy(20))
	require.NoError(t, txn.Commit())
	assert.Equal(t, int64(100), s.Occupancy())

	txn = s.Begin()
	require.NoError(t, txn.AdjustOccupancy(-60))
	txn.Cancel()
	assert.Equal(t, int64(100), s.Occupancy())
}

func TestOccupancyNeverNegative(t *testing.T) {
	s := newStore(t)
	txn := s.Begin()
	defer txn.Cancel()
	require.NoError(t, txn.AdjustOccupancy(-10))
	assert.Equal(t, int64(0), s.Occupancy())
}

// ====================
// Stage
// ====================

func TestStageIsDeepCopy(t *testing.T) {
	s := newStore(t)
	a := store.NewArena[record]("rec")
	txn := s.Begin()
	defer txn.Cancel()
	h, err := a.Alloc(txn, record{Name: "r", Parts: []string{"a", "b"}})
	require.NoError(t, err)

	staged, err := a.Stage(h)
	require.NoError(t, err)
	staged.Parts[0] = "z"
	orig, _ := a.Get(h)
	assert.Equal(t, "a", orig.Parts[0])

	require.NoError(t, a.Write(txn, h, staged))
	updated, _ := a.Get(h)
	assert.Equal(t, "z", updated.Parts[0])
}

// ====================
// Lists
// ====================

func TestListOrdering(t *testing.T) {
	s := newStore(t)
	l := store.NewList[int]("ints")
	txn := s.Begin()
	defer txn.Cancel()

	two, err := l.InsertLast(txn, 2)
	require.NoError(t, err)
	_, err = l.InsertFirst(txn, 1)
	require.NoError(t, err)
	four, err := l.InsertLast(txn, 4)
	require.NoError(t, err)
	_, err = l.InsertAfter(txn, two, 3)
	require.NoError(t, err)
	_, err = l.InsertBefore(txn, four, 35)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 35, 4}, l.Values())
	assert.Equal(t, 5, l.Len())

	require.NoError(t, l.Delete(txn, two))
	assert.Equal(t, []int{1, 3, 35, 4}, l.Values())
	assert.False(t, l.Contains(two))

	last, ok := l.Data(l.Last())
	require.True(t, ok)
	assert.Equal(t, 4, last)
	prev, _ := l.Data(l.Prev(l.Last()))
	assert.Equal(t, 35, prev)
}

func TestListCancel(t *testing.T) {
	s := newStore(t)
	l := store.NewList[string]("names")
	txn := s.Begin()
	first, err := l.InsertLast(txn, "a")
	require.NoError(t, err)
	_, err = l.InsertLast(txn, "b")
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	txn = s.Begin()
	require.NoError(t, l.Delete(txn, first))
	_, err = l.InsertFirst(txn, "c")
	require.NoError(t, err)
	require.NoError(t, l.SetData(txn, l.Last(), "d"))
	txn.Cancel()

	assert.Equal(t, []string{"a", "b"}, l.Values())
	assert.Equal(t, 2, l.Len())
}

func TestListEmpty(t *testing.T) {
	s := newStore(t)
	l := store.NewList[int]("ints")
	txn := s.Begin()
	defer txn.Cancel()
	h, err := l.InsertLast(txn, 9)
	require.NoError(t, err)
	require.NoError(t, l.Delete(txn, h))
	assert.True(t, l.First().IsZero())
	assert.True(t, l.Last().IsZero())
	assert.Empty(t, l.Values())
}

// ====================
// Journal
// ====================

func TestJournaledArena(t *testing.T) {
	s := newStore(t, store.WithInMemory())
	require.True(t, s.Journaled())
	a := store.NewJournaledArena[record]("bundle")

	txn := s.Begin()
	h, err := a.Alloc(txn, record{Name: "b1", Size: 42})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	var got record
	found, err := s.Load(a.Key(h), &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "b1", got.Name)
	assert.Equal(t, int64(42), got.Size)

	// Cancelled writes never reach the journal
	txn = s.Begin()
	_, err = a.Alloc(txn, record{Name: "b2"})
	require.NoError(t, err)
	txn.Cancel()
	var keys []string
	require.NoError(t, s.Scan("bundle/", func(key string, value []byte) error {
		var r record
		if _, err := cbor.Decode(value, &r); err != nil {
			return err
		}
		keys = append(keys, r.Name)
		return nil
	}))
	assert.Equal(t, []string{"b1"}, keys)

	txn = s.Begin()
	require.NoError(t, a.Free(txn, h))
	require.NoError(t, txn.Commit())
	found, err = s.Load(a.Key(h), &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUnjournaledStore(t *testing.T) {
	s := newStore(t)
	assert.False(t, s.Journaled())
	found, err := s.Load("anything", &record{})
	require.NoError(t, err)
	assert.False(t, found)
}
