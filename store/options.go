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
	"log/slog"
)

// StoreOptionFunc is a type that represents functions that modify the Store config
type StoreOptionFunc func(*Store)

// WithPath specifies the directory of the on-disk journal
func WithPath(path string) StoreOptionFunc {
	return func(s *Store) {
		s.path = path
	}
}

// WithInMemory keeps the journal in memory. This is mostly useful for tests
func WithInMemory() StoreOptionFunc {
	return func(s *Store) {
		s.inMemory = true
		s.path = ""
	}
}

// WithHeapLimit caps total accounted occupancy. Zero means no limit
func WithHeapLimit(limit int64) StoreOptionFunc {
	return func(s *Store) {
		if limit >= 0 {
			s.heapLimit = limit
		}
	}
}

// WithLogger specifies the logger
func WithLogger(logger *slog.Logger) StoreOptionFunc {
	return func(s *Store) {
		s.logger = logger
	}
}
