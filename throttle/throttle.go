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

package throttle

import (
	"context"
	"sync"
)

// Throttle meters data volume against a nominal rate in bytes per second.
// Consumers spend capacity and wait while it is exhausted; a clock calls
// Replenish once per second. A nominal rate of zero or less disables the
// throttle.
type Throttle struct {
	mu          sync.Mutex
	nominalRate int64
	capacity    int64
	sem         *Semaphore
}

// New creates a throttle with a full second of capacity
func New(nominalRate int64) *Throttle {
	t := &Throttle{
		nominalRate: nominalRate,
		capacity:    nominalRate,
		sem:         NewSemaphore(),
	}
	t.sem.Give()
	return t
}

// NominalRate returns the configured rate
func (t *Throttle) NominalRate() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nominalRate
}

// SetNominalRate changes the rate, e.g. when a contact begins or ends
func (t *Throttle) SetNominalRate(rate int64) {
	t.mu.Lock()
	t.nominalRate = rate
	if t.capacity > rate && rate > 0 {
		t.capacity = rate
	}
	open := rate <= 0 || t.capacity > 0
	t.mu.Unlock()
	if open {
		t.sem.Give()
	}
}

// Capacity returns the remaining capacity
func (t *Throttle) Capacity() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capacity
}

// Wait blocks until there is capacity to spend
func (t *Throttle) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		open := t.nominalRate <= 0 || t.capacity > 0
		t.mu.Unlock()
		if open {
			return nil
		}
		if err := t.sem.Take(ctx); err != nil {
			return err
		}
	}
}

// Consume spends n bytes of capacity. Capacity may go negative, in which case
// later callers of Wait block until replenishment makes up the debt.
func (t *Throttle) Consume(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nominalRate <= 0 {
		return
	}
	t.capacity -= n
}

// Replenish adds one second's worth of capacity, capped at the nominal rate
func (t *Throttle) Replenish() {
	t.mu.Lock()
	if t.nominalRate <= 0 {
		t.mu.Unlock()
		return
	}
	t.capacity = min(t.capacity+t.nominalRate, t.nominalRate)
	open := t.capacity > 0
	t.mu.Unlock()
	if open {
		t.sem.Give()
	}
}

// End wakes every waiter with ErrEnded
func (t *Throttle) End() {
	t.sem.End()
}
