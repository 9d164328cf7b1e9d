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

package bp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bp "github.com/blinklabs-io/gobp"
	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/eid"
)

func queueKeys(t *testing.T, n *bp.Node, p bundle.Priority) []bundle.Key {
	t.Helper()
	q, err := n.OutductQueue(testOutduct, p)
	require.NoError(t, err)
	ret := make([]bundle.Key, 0, len(q))
	for _, b := range q {
		ret = append(ret, b.Key())
	}
	return ret
}

func TestExpeditedOrdinals(t *testing.T) {
	clk := newStepClock()
	n := newTestNode(t, 1, bp.WithClock(clk.Now), routeAllVia(2))
	var keys []bundle.Key
	for _, ord := range []uint8{1, 5, 1} {
		keys = append(keys, sendTo(t, n, bp.SendRequest{
			Destination: "ipn:2.1",
			Priority:    bundle.PriorityExpedited,
			ExtendedCOS: bundle.ExtendedCOS{Ordinal: ord},
			Payload:     []byte{ord},
		}))
	}
	assert.Equal(t, 3, forward(t, n))
	// Higher ordinals go first, ties in order of seniority
	assert.Equal(t, []bundle.Key{keys[1], keys[0], keys[2]}, queueKeys(t, n, bundle.PriorityExpedited))

	// Expedited traffic leaves before anything else
	bulk := sendTo(t, n, bp.SendRequest{Destination: "ipn:2.1", Payload: []byte("bulk")})
	forward(t, n)
	for _, want := range []bundle.Key{keys[1], keys[0], keys[2], bulk} {
		assert.Equal(t, want, dequeue(t, n, false).Key)
	}
}

func TestSeniorityPreserved(t *testing.T) {
	clk := newStepClock()
	n := newTestNode(t, 1, bp.WithClock(clk.Now), routeAllVia(2))
	older := sendTo(t, n, bp.SendRequest{Destination: "ipn:2.1", Priority: bundle.PriorityStandard, Payload: []byte("a")})
	newer := sendTo(t, n, bp.SendRequest{Destination: "ipn:2.1", Priority: bundle.PriorityStandard, Payload: []byte("b")})
	assert.Equal(t, 2, forward(t, n))
	assert.Equal(t, []bundle.Key{older, newer}, queueKeys(t, n, bundle.PriorityStandard))

	// A suspended bundle sits in limbo until resumed
	require.NoError(t, n.Suspend(older))
	assert.Equal(t, 1, n.LimboLength())
	assert.Equal(t, []bundle.Key{newer}, queueKeys(t, n, bundle.PriorityStandard))
	b, err := n.Bundle(older)
	require.NoError(t, err)
	assert.True(t, b.Suspended)

	require.NoError(t, n.Resume(older))
	assert.Equal(t, 0, n.LimboLength())
	assert.Equal(t, 1, forward(t, n))
	// Requeued bundles keep their place ahead of younger ones
	assert.Equal(t, []bundle.Key{older, newer}, queueKeys(t, n, bundle.PriorityStandard))

	assert.ErrorIs(t, n.Suspend(bundle.Key{}), bp.ErrUnknownBundle)
}

func TestBlockUnblock(t *testing.T) {
	n := newTestNode(t, 1, routeAllVia(2))
	for _, payload := range []string{"one", "two"} {
		sendTo(t, n, bp.SendRequest{Destination: "ipn:2.1", Payload: []byte(payload)})
	}
	forward(t, n)
	require.NoError(t, n.Block(testOutduct))
	assert.Equal(t, 2, n.LimboLength())
	assert.Equal(t, 0, queued(t, n, testOutduct))
	assert.Equal(t, 2, n.BundleCount())

	// New traffic for a blocked duct goes straight to limbo
	sendTo(t, n, bp.SendRequest{Destination: "ipn:2.1", Payload: []byte("three")})
	forward(t, n)
	assert.Equal(t, 3, n.LimboLength())

	require.NoError(t, n.Unblock(testOutduct))
	assert.Equal(t, 0, n.LimboLength())
	q, err := n.ForwardQueue(eid.SchemeIPN)
	require.NoError(t, err)
	assert.Len(t, q, 3)
	assert.Equal(t, 3, forward(t, n))
	assert.Equal(t, 3, queued(t, n, testOutduct))

	assert.ErrorIs(t, n.Block("tcp/nope"), bp.ErrUnknownOutduct)
}

func TestBlockDropsCritical(t *testing.T) {
	n := newTestNode(t, 1, routeAllVia(2))
	sendTo(t, n, bp.SendRequest{
		Destination: "ipn:2.1",
		Priority:    bundle.PriorityExpedited,
		ExtendedCOS: bundle.ExtendedCOS{Flags: bundle.ECOSMinimumLatency},
		Payload:     []byte("now or never"),
	})
	forward(t, n)
	assert.Equal(t, 1, queued(t, n, testOutduct))
	require.NoError(t, n.Block(testOutduct))
	assert.Equal(t, 0, n.LimboLength())
	assert.Equal(t, 0, n.BundleCount())
}
