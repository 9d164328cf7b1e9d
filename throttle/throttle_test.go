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

package throttle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/blinklabs-io/gobp/throttle"
)

// ====================
// Semaphore
// ====================

func TestSemaphoreGiveTake(t *testing.T) {
	sem := throttle.NewSemaphore()
	sem.Give()
	sem.Give()
	require.NoError(t, sem.Take(context.Background()))
	// Gives do not accumulate
	assert.False(t, sem.TryTake())
}

func TestSemaphoreEndWakesWaiter(t *testing.T) {
	defer goleak.VerifyNone(t)
	sem := throttle.NewSemaphore()
	errCh := make(chan error, 1)
	go func() {
		errCh <- sem.Take(context.Background())
	}()
	sem.End()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, throttle.ErrEnded)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
	assert.True(t, sem.Ended())
	// Ended wins over a pending give
	sem.Give()
	assert.ErrorIs(t, sem.Take(context.Background()), throttle.ErrEnded)
}

func TestSemaphoreContext(t *testing.T) {
	sem := throttle.NewSemaphore()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sem.Take(ctx), context.DeadlineExceeded)
}

// ====================
// Throttle
// ====================

func TestThrottleUnlimited(t *testing.T) {
	th := throttle.New(0)
	th.Consume(1 << 30)
	require.NoError(t, th.Wait(context.Background()))
}

func TestThrottleReplenish(t *testing.T) {
	defer goleak.VerifyNone(t)
	th := throttle.New(100)
	th.Consume(250)
	assert.Equal(t, int64(-150), th.Capacity())

	errCh := make(chan error, 1)
	go func() {
		errCh <- th.Wait(context.Background())
	}()
	th.Replenish()
	assert.Equal(t, int64(-50), th.Capacity())
	select {
	case <-errCh:
		t.Fatal("wait returned while in debt")
	case <-time.After(20 * time.Millisecond):
	}
	th.Replenish()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after replenishment")
	}
	assert.Equal(t, int64(50), th.Capacity())

	// Capacity never exceeds one second's worth
	th.Replenish()
	th.Replenish()
	assert.Equal(t, int64(100), th.Capacity())
}

func TestThrottleEnd(t *testing.T) {
	defer goleak.VerifyNone(t)
	th := throttle.New(10)
	th.Consume(10)
	errCh := make(chan error, 1)
	go func() {
		errCh <- th.Wait(context.Background())
	}()
	th.End()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, throttle.ErrEnded)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}
