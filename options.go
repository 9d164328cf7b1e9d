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

package bp

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/gobp/extension"
	"github.com/blinklabs-io/gobp/store"
)

// NodeOptionFunc is a type that represents functions that modify the Node config
type NodeOptionFunc func(*Node)

// WithLogger specifies the logger to use. Defaults to slog.Default()
func WithLogger(logger *slog.Logger) NodeOptionFunc {
	return func(n *Node) {
		n.logger = logger
	}
}

// WithStore specifies the store holding bundles and queues. A journal-less
// store is created when none is given.
func WithStore(s *store.Store) NodeOptionFunc {
	return func(n *Node) {
		n.store = s
	}
}

// WithRegistry specifies the extension block definitions
func WithRegistry(registry *extension.Registry) NodeOptionFunc {
	return func(n *Node) {
		n.registry = registry
	}
}

// WithRouter specifies the route resolution collaborator used by forwarders
func WithRouter(router Router) NodeOptionFunc {
	return func(n *Node) {
		n.router = router
	}
}

// WithNodeNumber specifies the CBHE node number of the local node
func WithNodeNumber(nodeNumber uint64) NodeOptionFunc {
	return func(n *Node) {
		n.nodeNumber = nodeNumber
	}
}

// WithOccupancyCeiling limits the store occupancy that received bundles may
// grow to. Zero disables the limit.
func WithOccupancyCeiling(ceiling int64) NodeOptionFunc {
	return func(n *Node) {
		n.occupancyCeiling = ceiling
	}
}

// WithMaxAcqInHeap specifies how many bytes of an acquisition session are
// held in memory before the rest spills to a file
func WithMaxAcqInHeap(maxAcqInHeap int64) NodeOptionFunc {
	return func(n *Node) {
		n.maxAcqInHeap = maxAcqInHeap
	}
}

// WithAcqDirectory specifies where acquisition spill files are written
func WithAcqDirectory(dir string) NodeOptionFunc {
	return func(n *Node) {
		n.acqDir = dir
	}
}

// WithClock specifies the time source. Defaults to time.Now
func WithClock(clock func() time.Time) NodeOptionFunc {
	return func(n *Node) {
		n.clock = clock
	}
}

// WithCustodyTimeout specifies how long to wait for a custody signal after
// transmitting a bundle we hold custody of before reforwarding it. Zero
// waits until the bundle expires.
func WithCustodyTimeout(timeout time.Duration) NodeOptionFunc {
	return func(n *Node) {
		n.custodyTimeout = timeout
	}
}

// WithTransmitTimeout specifies how long a bundle may wait in an outduct
// queue before it is reforwarded. Zero disables the timer.
func WithTransmitTimeout(timeout time.Duration) NodeOptionFunc {
	return func(n *Node) {
		n.transmitTimeout = timeout
	}
}

// WithSnubTTL specifies how long a custody refusal discourages routing a
// destination through the refusing neighbor
func WithSnubTTL(ttl time.Duration) NodeOptionFunc {
	return func(n *Node) {
		n.snubTTL = ttl
	}
}

// WithPrometheusRegisterer specifies where statistics are registered. A
// private registry is used when none is given.
func WithPrometheusRegisterer(registerer prometheus.Registerer) NodeOptionFunc {
	return func(n *Node) {
		n.promRegisterer = registerer
	}
}

// WithErrorChan specifies the channel that background workers report
// errors on
func WithErrorChan(errorChan chan error) NodeOptionFunc {
	return func(n *Node) {
		n.errorChan = errorChan
	}
}
