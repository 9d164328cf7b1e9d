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
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bp "github.com/blinklabs-io/gobp"
	"github.com/blinklabs-io/gobp/admin"
	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/eid"
	"github.com/blinklabs-io/gobp/internal/test"
)

// plainBundle returns an unfragmented bundle from ipn:1.1
func plainBundle(dest eid.EID, payload []byte) *bundle.Bundle {
	now := admin.DtnTimeOf(time.Now()).Seconds
	b := &bundle.Bundle{
		ID: bundle.ID{
			Source:   eid.CBHEEID(1, 1),
			Creation: bundle.Timestamp{Seconds: now, Count: 1},
		},
		ProcFlags:      bundle.FlagDestIsSingleton,
		Destination:    dest,
		ReportTo:       eid.CBHEEID(1, 5),
		ExpirationTime: now + 600,
	}
	b.Payload.Length = uint64(len(payload))
	return b
}

// ====================
// Session states
// ====================

func TestAcqStateMap(t *testing.T) {
	m := bp.GetAcqStateMap()
	assert.Equal(t, []bp.AcqState{bp.StateIdle}, m[bp.StateMalformed])
	assert.Contains(t, m[bp.StateIdle], bp.StateAccumulating)
	assert.Contains(t, m[bp.StatePayloadHeaderParsed], bp.StateAccepted)
	assert.NotContains(t, m[bp.StateIdle], bp.StateAccepted)

	// The returned map is a copy
	m[bp.StateMalformed] = nil
	assert.Equal(t, []bp.AcqState{bp.StateIdle}, bp.GetAcqStateMap()[bp.StateMalformed])
	assert.Equal(t, "Accumulating", bp.StateAccumulating.String())
}

func TestAcqBeginFromIdle(t *testing.T) {
	n := newTestNode(t, 2)
	for range 2 {
		s, err := n.BeginAcq(testInduct, true, eid.None)
		require.NoError(t, err)
		assert.Equal(t, bp.StateAccumulating, s.State())
		require.NoError(t, s.Cancel())
		assert.Equal(t, bp.StateIdle, s.State())
	}
}

func TestAcqSessionLifecycle(t *testing.T) {
	n := newTestNode(t, 2)
	s, err := n.BeginAcq(testInduct, true, eid.None)
	require.NoError(t, err)
	assert.Equal(t, bp.StateAccumulating, s.State())

	decisions, err := s.End(context.Background())
	require.NoError(t, err)
	assert.Empty(t, decisions)
	assert.Equal(t, bp.StateIdle, s.State())
	assert.ErrorIs(t, s.Continue([]byte{0x06}), bp.ErrSessionClosed)
	_, err = s.End(context.Background())
	assert.ErrorIs(t, err, bp.ErrSessionClosed)

	_, err = n.BeginAcq("tcp/nope", true, eid.None)
	assert.ErrorIs(t, err, bp.ErrUnknownInduct)
}

func TestAcqCancel(t *testing.T) {
	n := newTestNode(t, 2)
	s, err := n.BeginAcq(testInduct, true, eid.None)
	require.NoError(t, err)
	require.NoError(t, s.Continue(test.Wire(plainBundle(eid.CBHEEID(2, 1), []byte("x")), []byte("x"))))
	require.NoError(t, s.Cancel())
	assert.Equal(t, bp.StateIdle, s.State())
	assert.Equal(t, 0, n.BundleCount())
}

func TestAcqMalformed(t *testing.T) {
	reg := prometheus.NewRegistry()
	n := newTestNode(t, 2, bp.WithPrometheusRegisterer(reg))
	testDefs := []struct {
		name string
		data []byte
	}{
		{
			name: "bad version",
			data: bytes.Repeat([]byte{0x05}, 40),
		},
		{
			name: "truncated payload",
			data: func() []byte {
				wire := test.Wire(plainBundle(eid.CBHEEID(2, 1), []byte("payload")), []byte("payload"))
				return wire[:len(wire)-3]
			}(),
		},
		{
			name: "no payload block",
			data: append(
				test.Primary(plainBundle(eid.CBHEEID(2, 1), nil)),
				test.Block(200, bundle.BlockIsLast|bundle.BlockMustBeCopied, []byte("ext"))...,
			),
		},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			assert.Equal(t, []bp.AcqDecision{bp.AcqMalformed}, acquire(t, n, testDef.data))
		})
	}
	assert.Equal(t, 0, n.BundleCount())
	assert.Equal(t, 3.0, metricValue(t, reg, "bp_bundles_total", map[string]string{"state": bp.StatRefuse}))
}

func TestAcqCompactPrimary(t *testing.T) {
	n := newTestNode(t, 2, routeAllVia(3))
	payload := bytes.Repeat([]byte{0x5a}, 500)
	b := plainBundle(eid.CBHEEID(3, 1), payload)
	require.Less(t, len(test.Primary(b)), 23)
	assert.Equal(t, []bp.AcqDecision{bp.AcqAccepted}, acquire(t, n, test.Wire(b, payload)))
	assert.Equal(t, 1, forward(t, n))
	x := dequeue(t, n, false)
	assert.True(t, bytes.HasSuffix(x.Data, payload))
}

func TestAcqTooShort(t *testing.T) {
	n := newTestNode(t, 2)
	b := &bundle.Bundle{
		ID: bundle.ID{
			Source:   eid.CBHEEID(1, 1),
			Creation: bundle.Timestamp{Seconds: 100, Count: 1},
		},
		Destination:    eid.CBHEEID(2, 1),
		ExpirationTime: 160,
	}
	wire := test.Wire(b, nil)
	require.Less(t, len(wire), 23)
	assert.Equal(t, []bp.AcqDecision{bp.AcqMalformed}, acquire(t, n, wire))
	assert.Equal(t, 0, n.BundleCount())
}

func TestAcqSpillToFile(t *testing.T) {
	dir := t.TempDir()
	n := newTestNode(t, 2, bp.WithMaxAcqInHeap(64), bp.WithAcqDirectory(dir))
	ep := eid.MustParse("ipn:2.1")
	_, err := n.AddEndpoint(ep, bp.RecvEnqueue)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte("spill"), 100)
	wire := test.Wire(plainBundle(ep, payload), payload)

	s, err := n.BeginAcq(testInduct, true, eid.None)
	require.NoError(t, err)
	// Feed the bundle in pieces so that most of it lands in a file
	for len(wire) > 0 {
		chunk := min(len(wire), 100)
		require.NoError(t, s.Continue(wire[:chunk]))
		wire = wire[chunk:]
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	decisions, err := s.End(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bp.AcqDecision{bp.AcqAccepted}, decisions)

	d, err := n.Receive(context.Background(), ep)
	require.NoError(t, err)
	assert.Equal(t, payload, d.Payload)
	// The file goes away with the last bundle referring to it
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// ====================
// Acceptance rules
// ====================

func TestAcqDepletedStorage(t *testing.T) {
	reg := prometheus.NewRegistry()
	n := newTestNode(t, 2, bp.WithOccupancyCeiling(100), bp.WithPrometheusRegisterer(reg))
	_, err := n.AddEndpoint(eid.MustParse("ipn:2.1"), bp.RecvEnqueue)
	require.NoError(t, err)
	wire := test.Wire(plainBundle(eid.CBHEEID(2, 1), []byte("too big")), []byte("too big"))
	assert.Equal(t, []bp.AcqDecision{bp.AcqDiscarded}, acquire(t, n, wire))
	assert.Equal(t, 0, n.BundleCount())
	assert.Equal(t, int64(0), n.Occupancy())
	assert.Equal(t, 1.0, metricValue(t, reg, "bp_bundles_total", map[string]string{"state": bp.StatRefuse}))
}

func TestAcqCustodialDepletedStorage(t *testing.T) {
	n := newTestNode(t, 2, bp.WithOccupancyCeiling(100))
	data, _ := custodialFrom(t, eid.CBHEEID(3, 1), "refused")
	assert.Equal(t, []bp.AcqDecision{bp.AcqDiscarded}, acquire(t, n, data))
	// The refusal is signalled back to the custodian
	q, err := n.ForwardQueue(eid.SchemeIPN)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.True(t, q[0].IsAdmin())
	assert.Equal(t, "ipn:1.0", q[0].Destination.String())
	assert.Equal(t, bundle.PriorityExpedited, q[0].ProcFlags.Priority())
}

func TestAcqRedundantCustodial(t *testing.T) {
	n := newTestNode(t, 2, routeAllVia(3))
	data, key := custodialFrom(t, eid.CBHEEID(3, 1), "twice")
	assert.Equal(t, []bp.AcqDecision{bp.AcqAccepted}, acquire(t, n, data))
	assert.Equal(t, []bp.AcqDecision{bp.AcqDiscarded}, acquire(t, n, data))
	q, err := n.ForwardQueue(eid.SchemeIPN)
	require.NoError(t, err)
	// The original plus the redundant reception signal
	require.Len(t, q, 2)
	assert.Equal(t, key, q[0].Key())
	assert.True(t, q[1].IsAdmin())
}

func TestAcqUnintelligibleBlock(t *testing.T) {
	n1 := newTestNode(t, 1)
	n2 := newTestNode(t, 2, routeAllVia(1))
	reportTo := eid.CBHEEID(1, 5)
	_, err := n1.AddEndpoint(reportTo, bp.RecvEnqueue)
	require.NoError(t, err)

	b := plainBundle(eid.CBHEEID(2, 1), []byte("payload..."))
	b.ProcFlags = b.ProcFlags.WithSRR(admin.ReportDeleted)
	wire := test.Primary(b)
	wire = append(wire, test.Block(bundle.PayloadBlockType, 0, []byte("payload..."))...)
	// Unknown, must be reported, but cannot be forwarded with the payload
	wire = append(wire, test.Block(200, bundle.BlockReportIfNG|bundle.BlockIsLast, []byte("?"))...)
	assert.Equal(t, []bp.AcqDecision{bp.AcqDiscarded}, acquire(t, n2, wire))
	assert.Equal(t, 1, n2.BundleCount())

	// The status report makes its way back to the report-to endpoint
	assert.Equal(t, 1, forward(t, n2))
	x := dequeue(t, n2, false)
	assert.Equal(t, []bp.AcqDecision{bp.AcqAccepted}, acquire(t, n1, x.Data))
	d, err := n1.Receive(context.Background(), reportTo)
	require.NoError(t, err)
	assert.True(t, d.Admin)
	assert.Equal(t, "ipn:2.0", d.Source.String())
	rec, err := admin.Parse(d.Payload)
	require.NoError(t, err)
	rpt, ok := rec.(*admin.StatusReport)
	require.True(t, ok)
	assert.Equal(t, admin.ReportReceived|admin.ReportDeleted, rpt.Flags)
	assert.Equal(t, admin.SrBlockUnintelligible, rpt.Reason)
	assert.Equal(t, "ipn:1.1", rpt.SourceEID)
	assert.Equal(t, b.ID.Creation.Seconds, rpt.CreationSeconds)
}

func TestAcqUnknownBlockKept(t *testing.T) {
	n1 := newTestNode(t, 1, routeAllVia(3))
	b := plainBundle(eid.CBHEEID(3, 1), []byte("data"))
	wire := test.Primary(b)
	wire = append(wire, test.Block(200, bundle.BlockMustBeCopied, []byte("opaque"))...)
	wire = append(wire, test.Block(bundle.PayloadBlockType, bundle.BlockIsLast, []byte("data"))...)
	assert.Equal(t, []bp.AcqDecision{bp.AcqAccepted}, acquire(t, n1, wire))
	forward(t, n1)
	x := dequeue(t, n1, false)
	// Forwarded unprocessed, so flagged as such
	assert.True(t, bytes.Contains(x.Data, test.Block(200, bundle.BlockMustBeCopied|bundle.BlockForwardedOpaque, []byte("opaque"))))
}

func TestAcqRemovedBlock(t *testing.T) {
	n1 := newTestNode(t, 1, routeAllVia(3))
	b := plainBundle(eid.CBHEEID(3, 1), []byte("data"))
	wire := test.Primary(b)
	wire = append(wire, test.Block(200, bundle.BlockMustBeCopied|bundle.BlockRemoveIfNG, []byte("gone"))...)
	wire = append(wire, test.Block(bundle.PayloadBlockType, bundle.BlockIsLast, []byte("data"))...)
	assert.Equal(t, []bp.AcqDecision{bp.AcqAccepted}, acquire(t, n1, wire))
	forward(t, n1)
	x := dequeue(t, n1, false)
	assert.False(t, bytes.Contains(x.Data, []byte("gone")))
}
