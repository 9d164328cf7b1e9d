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

// Package throttle provides the wakeup semaphores and rate throttles that
// pace the agent's convergence-layer and forwarder loops.
package throttle

import (
	"context"
	"errors"
	"sync"
)

// ErrEnded is returned by Take once the semaphore has been ended
var ErrEnded = errors.New("throttle: semaphore ended")

// Semaphore is a binary wakeup semaphore. Giving an already given semaphore
// has no further effect. Ending it wakes every waiter with ErrEnded.
type Semaphore struct {
	ch      chan struct{}
	done    chan struct{}
	endOnce sync.Once
}

// NewSemaphore creates a semaphore that is not given
func NewSemaphore() *Semaphore {
	return &Semaphore{
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Give wakes one waiter, or the next caller of Take
func (s *Semaphore) Give() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Take waits until the semaphore is given, ended, or ctx is done
func (s *Semaphore) Take(ctx context.Context) error {
	// An ended semaphore never blocks, even if it was also given
	select {
	case <-s.done:
		return ErrEnded
	default:
	}
	select {
	case <-s.ch:
		return nil
	case <-s.done:
		return ErrEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryTake takes the semaphore only if it is currently given
func (s *Semaphore) TryTake() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// End permanently wakes all current and future waiters
func (s *Semaphore) End() {
	s.endOnce.Do(func() {
		close(s.done)
	})
}

// Ended reports whether End has been called
func (s *Semaphore) Ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
