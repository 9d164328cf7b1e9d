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
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/store"
)

// Bundle states counted by the statistics
const (
	StatSource  = "source"
	StatForward = "forward"
	StatXmit    = "xmit"
	StatReceive = "receive"
	StatDeliver = "deliver"
	StatRefuse  = "refuse"
	StatTimeout = "timeout"
	StatExpire  = "expire"
)

const metricsNamespace = "bp"

type metrics struct {
	bundles   *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	occupancy prometheus.GaugeFunc
	stored    prometheus.Gauge
	limbo     prometheus.Gauge
}

func newMetrics(registerer prometheus.Registerer, occupancy func() float64) (*metrics, error) {
	m := &metrics{
		bundles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "bundles_total",
				Help:      "Bundles passing through each processing state",
			},
			[]string{"state", "priority"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "bytes_total",
				Help:      "Payload bytes passing through each processing state",
			},
			[]string{"state", "priority"},
		),
		occupancy: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "store_occupancy_bytes",
				Help:      "Bytes accounted as in use in the bundle store",
			},
			occupancy,
		),
		stored: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "stored_bundles",
				Help:      "Bundles currently held in the store",
			},
		),
		limbo: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "limbo_bundles",
				Help:      "Transmission references waiting in limbo",
			},
		),
	}
	var err error
	if m.bundles, err = register(registerer, m.bundles); err != nil {
		return nil, err
	}
	if m.bytes, err = register(registerer, m.bytes); err != nil {
		return nil, err
	}
	if m.occupancy, err = register(registerer, m.occupancy); err != nil {
		return nil, err
	}
	if m.stored, err = register(registerer, m.stored); err != nil {
		return nil, err
	}
	if m.limbo, err = register(registerer, m.limbo); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to r, reusing an identical collector registered earlier
func register[T prometheus.Collector](r prometheus.Registerer, c T) (T, error) {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) note(state string, prio bundle.Priority, length uint64) {
	m.bundles.WithLabelValues(state, prio.String()).Inc()
	m.bytes.WithLabelValues(state, prio.String()).Add(float64(length))
}

// noteStats counts b in state once txn commits
func (n *Node) noteStats(txn *store.Txn, state string, b *bundle.Bundle) {
	prio, length := b.ProcFlags.Priority(), b.Payload.Length
	txn.OnCommit(func() {
		n.metrics.note(state, prio, length)
	})
}
