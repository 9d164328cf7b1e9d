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

// Package store provides the transactional object store used by the bundle
// agent: generational-handle arenas, ordered lists and scalar variables whose
// mutations are undone when a transaction is cancelled, plus a durable
// journal of committed records kept in BadgerDB.
//
// Transactions are serialized: Begin blocks until the previous transaction
// has been committed or cancelled. A transaction is used as a scoped guard:
//
//	txn := s.Begin()
//	defer txn.Cancel()
//	... mutate ...
//	return txn.Commit()
//
// Cancel after a successful Commit is a no-op.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v3"

	"github.com/blinklabs-io/gobp/cbor"
)

var (
	// ErrStoreFull is returned when an allocation would exceed the heap limit
	ErrStoreFull = errors.New("store: heap limit exceeded")
	// ErrInvalidHandle is returned for a stale or unknown handle
	ErrInvalidHandle = errors.New("store: invalid handle")
	// ErrTxnClosed is returned when using a committed or cancelled transaction
	ErrTxnClosed = errors.New("store: transaction is closed")
	// ErrCommitFailed wraps journal write failures
	ErrCommitFailed = errors.New("store: commit failed")
)

// Store is a transactional object store
type Store struct {
	mu        sync.Mutex
	db        *badger.DB
	path      string
	inMemory  bool
	heapLimit int64
	occupancy atomic.Int64
	logger    *slog.Logger
}

// New opens a store. Without WithPath or WithInMemory the store keeps no
// journal at all.
func New(opts ...StoreOptionFunc) (*Store, error) {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.path == "" && !s.inMemory {
		return s, nil
	}
	badgerOpts := badger.DefaultOptions(s.path).
		WithInMemory(s.inMemory).
		WithLogger(nil)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	s.db = db
	s.logger.Debug("store journal opened", "path", s.path, "in_memory", s.inMemory)
	return s, nil
}

// Close closes the journal
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin starts a transaction, waiting for any transaction in progress
func (s *Store) Begin() *Txn {
	s.mu.Lock()
	return &Txn{
		s:      s,
		writes: make(map[string][]byte),
	}
}

// Occupancy returns the number of bytes currently accounted as in use
func (s *Store) Occupancy() int64 {
	return s.occupancy.Load()
}

// HeapLimit returns the configured heap limit, 0 meaning unlimited
func (s *Store) HeapLimit() int64 {
	return s.heapLimit
}

// Journaled reports whether committed records are persisted
func (s *Store) Journaled() bool {
	return s.db != nil
}

// Scan calls fn for every journaled record whose key starts with prefix
func (s *Store) Scan(prefix string, fn func(key string, value []byte) error) error {
	if s.db == nil {
		return nil
	}
	return s.db.View(func(btx *badger.Txn) error {
		it := btx.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load decodes a single journaled record
func (s *Store) Load(key string, dest any) (bool, error) {
	if s.db == nil {
		return false, nil
	}
	var found bool
	err := s.db.View(func(btx *badger.Txn) error {
		item, err := btx.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			_, err := cbor.Decode(val, dest)
			return err
		})
	})
	return found, err
}

func (s *Store) writeJournal(writes map[string][]byte) error {
	if s.db == nil || len(writes) == 0 {
		return nil
	}
	return s.db.Update(func(btx *badger.Txn) error {
		for k, v := range writes {
			if v == nil {
				if err := btx.Delete([]byte(k)); err != nil {
					return err
				}
				continue
			}
			if err := btx.Set([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func journalKey(parts ...string) string {
	return strings.Join(parts, "/")
}
