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

// Package bp implements a bundle protocol agent: acquisition of inbound
// bundles, dispatch and custody transfer, transmission queueing per
// convergence-layer duct, origination and delivery to local applications.
//
// All state lives in a Node. Every operation runs inside one store
// transaction, so a failure part way through leaves no trace.
package bp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/gobp/admin"
	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/eid"
	"github.com/blinklabs-io/gobp/extension"
	"github.com/blinklabs-io/gobp/store"
	"github.com/blinklabs-io/gobp/throttle"
	"github.com/blinklabs-io/gobp/zco"
)

const (
	DefaultMaxAcqInHeap = 560
	DefaultSnubTTL      = 5 * time.Minute

	snubCacheSize = 1024
	clockInterval = time.Second
)

type snubKey struct {
	destNode     uint64
	neighborNode uint64
}

// Node is a bundle protocol agent
type Node struct {
	logger           *slog.Logger
	store            *store.Store
	ownStore         bool
	registry         *extension.Registry
	router           Router
	nodeNumber       uint64
	occupancyCeiling int64
	maxAcqInHeap     int64
	acqDir           string
	clock            func() time.Time
	custodyTimeout   time.Duration
	transmitTimeout  time.Duration
	snubTTL          time.Duration
	promRegisterer   prometheus.Registerer
	errorChan        chan error

	zco         *zco.Pool
	metrics     *metrics
	bundles     *store.Arena[bundle.Bundle]
	xmitRefs    *store.Arena[bundle.XmitRef]
	incompletes *store.Arena[bundle.Incomplete]
	timeline    *store.List[event]
	limbo       *store.List[store.Handle]
	identities  map[bundle.Key]store.Handle
	inTransit   map[bundle.Key]store.Handle
	schemes     map[string]*Scheme
	protocols   map[string]*Protocol
	inducts     map[string]*Induct
	outducts    map[string]*Outduct
	snubs       *lru.Cache[snubKey, time.Time]

	creationSeconds uint64
	creationCount   uint64

	started  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a node
func New(opts ...NodeOptionFunc) (*Node, error) {
	n := &Node{
		maxAcqInHeap: DefaultMaxAcqInHeap,
		snubTTL:      DefaultSnubTTL,
		identities:   make(map[bundle.Key]store.Handle),
		inTransit:    make(map[bundle.Key]store.Handle),
		schemes:      make(map[string]*Scheme),
		protocols:    make(map[string]*Protocol),
		inducts:      make(map[string]*Induct),
		outducts:     make(map[string]*Outduct),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	if n.clock == nil {
		n.clock = time.Now
	}
	if n.acqDir == "" {
		n.acqDir = os.TempDir()
	}
	if n.errorChan == nil {
		n.errorChan = make(chan error, 10)
	}
	if n.promRegisterer == nil {
		n.promRegisterer = prometheus.NewRegistry()
	}
	if n.store == nil {
		s, err := store.New(store.WithLogger(n.logger))
		if err != nil {
			return nil, err
		}
		n.store = s
		n.ownStore = true
	}
	if n.registry == nil {
		registry, err := extension.NewRegistry(extension.PreviousHop(n.localEID))
		if err != nil {
			return nil, err
		}
		n.registry = registry
	}
	m, err := newMetrics(n.promRegisterer, func() float64 {
		return float64(n.store.Occupancy())
	})
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	n.metrics = m
	n.zco = zco.NewPool(n.logger)
	n.bundles = store.NewJournaledArena[bundle.Bundle]("bundle")
	n.xmitRefs = store.NewArena[bundle.XmitRef]("xmitref")
	n.incompletes = store.NewJournaledArena[bundle.Incomplete]("incomplete")
	n.timeline = store.NewList[event]("timeline")
	n.limbo = store.NewList[store.Handle]("limbo")
	snubs, err := lru.New[snubKey, time.Time](snubCacheSize)
	if err != nil {
		return nil, err
	}
	n.snubs = snubs
	return n, nil
}

// ErrorChan returns the channel background workers report errors on
func (n *Node) ErrorChan() chan error {
	return n.errorChan
}

// Logger returns the node's logger
func (n *Node) Logger() *slog.Logger {
	return n.logger
}

// NodeNumber returns the CBHE node number of the local node
func (n *Node) NodeNumber() uint64 {
	return n.nodeNumber
}

// Store returns the node's store
func (n *Node) Store() *store.Store {
	return n.store
}

// Start runs the clock and one forwarder per configured scheme until ctx is
// done or Stop is called
func (n *Node) Start(ctx context.Context) error {
	if n.started.Swap(true) {
		return nil
	}
	ctx, n.cancel = context.WithCancel(ctx)
	txn := n.store.Begin()
	schemes := make([]*Scheme, 0, len(n.schemes))
	for _, s := range n.schemes {
		schemes = append(schemes, s)
	}
	txn.Cancel()
	n.wg.Add(1)
	go n.runClock(ctx)
	for _, s := range schemes {
		n.wg.Add(1)
		go n.runForwarder(ctx, s)
	}
	n.logger.Info("bundle agent started", "node", n.nodeNumber, "schemes", len(schemes))
	return nil
}

// Stop ends every semaphore and throttle so that blocked callers observe
// ErrStopped, and waits for background workers to exit
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		txn := n.store.Begin()
		for _, s := range n.schemes {
			s.sem.End()
			for _, ep := range s.endpoints {
				ep.sem.End()
			}
		}
		for _, d := range n.outducts {
			d.sem.End()
			d.throttle.End()
		}
		for _, d := range n.inducts {
			d.throttle.End()
		}
		txn.Cancel()
		n.wg.Wait()
		n.logger.Info("bundle agent stopped", "node", n.nodeNumber)
	})
}

// Close stops the node and closes the store if the node created it
func (n *Node) Close() error {
	n.Stop()
	n.snubs.Purge()
	if n.ownStore {
		return n.store.Close()
	}
	return nil
}

func (n *Node) runClock(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(clockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.Tick(n.clock()); err != nil {
				n.reportError(ctx, fmt.Errorf("clock: %w", err))
			}
		}
	}
}

func (n *Node) reportError(ctx context.Context, err error) {
	n.logger.Error("background failure", "error", err)
	select {
	case n.errorChan <- err:
	case <-ctx.Done():
	default:
	}
}

func (n *Node) dtnNow() admin.DtnTime {
	return admin.DtnTimeOf(n.clock())
}

func stopped(err error) error {
	if errors.Is(err, throttle.ErrEnded) {
		return ErrStopped
	}
	return err
}

// stage returns a mutable copy of the bundle at h
func (n *Node) stage(h store.Handle) (*bundle.Bundle, error) {
	b, err := n.bundles.Stage(h)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (n *Node) write(txn *store.Txn, h store.Handle, b *bundle.Bundle) error {
	return n.bundles.Write(txn, h, *b)
}

// storeBundle records a new bundle along with its expiration event. The
// identity index points at the first stored bundle with a given identity.
func (n *Node) storeBundle(txn *store.Txn, b *bundle.Bundle) (store.Handle, error) {
	b.DBTotal = b.DBOverhead + int64(b.Payload.Length)
	if err := txn.AdjustOccupancy(b.DBTotal); err != nil {
		return store.Handle{}, err
	}
	h, err := n.bundles.Alloc(txn, *b)
	if err != nil {
		return store.Handle{}, err
	}
	elt, err := n.insertEvent(txn, event{
		Type: eventExpiredTTL,
		Time: int64(b.ExpirationTime),
		Ref:  h,
	})
	if err != nil {
		return store.Handle{}, err
	}
	b.TimelineElt = elt
	key := b.Key()
	if _, ok := n.identities[key]; !ok {
		store.MapSet(txn, n.identities, key, h)
	}
	txn.OnCommit(n.metrics.stored.Inc)
	return h, n.write(txn, h, b)
}

func (n *Node) noteLimbo(txn *store.Txn) {
	l := float64(n.limbo.Len())
	txn.OnCommit(func() {
		n.metrics.limbo.Set(l)
	})
}

// isSnubbed reports whether an unexpired snub is recorded for the pair.
// Expired entries are dropped on lookup.
func (n *Node) isSnubbed(destNode, neighborNode uint64) bool {
	k := snubKey{destNode: destNode, neighborNode: neighborNode}
	expires, ok := n.snubs.Get(k)
	if !ok {
		return false
	}
	if !n.clock().Before(expires) {
		n.snubs.Remove(k)
		return false
	}
	return true
}

func (n *Node) addSnub(txn *store.Txn, destNode, neighborNode uint64) {
	if n.isSnubbed(destNode, neighborNode) {
		return
	}
	k := snubKey{destNode: destNode, neighborNode: neighborNode}
	n.snubs.Add(k, n.clock().Add(n.snubTTL))
	txn.OnCancel(func() { n.snubs.Remove(k) })
}

func (n *Node) removeSnub(txn *store.Txn, destNode, neighborNode uint64) {
	k := snubKey{destNode: destNode, neighborNode: neighborNode}
	expires, ok := n.snubs.Get(k)
	if !ok {
		return
	}
	n.snubs.Remove(k)
	txn.OnCancel(func() { n.snubs.Add(k, expires) })
}

// BundleCount returns the number of stored bundles
func (n *Node) BundleCount() int {
	txn := n.store.Begin()
	defer txn.Cancel()
	return n.bundles.Len()
}

// LimboLength returns the number of transmission references in limbo
func (n *Node) LimboLength() int {
	txn := n.store.Begin()
	defer txn.Cancel()
	return n.limbo.Len()
}

// IncompleteCount returns the number of ADUs awaiting reassembly
func (n *Node) IncompleteCount() int {
	txn := n.store.Begin()
	defer txn.Cancel()
	return n.incompletes.Len()
}

// InTransitCount returns the number of bundles awaiting a transmission
// result from a convergence layer
func (n *Node) InTransitCount() int {
	txn := n.store.Begin()
	defer txn.Cancel()
	return len(n.inTransit)
}

// Occupancy returns the bytes accounted to stored bundles
func (n *Node) Occupancy() int64 {
	return n.store.Occupancy()
}

// Bundle returns a copy of the stored bundle with the given identity
func (n *Node) Bundle(key bundle.Key) (bundle.Bundle, error) {
	txn := n.store.Begin()
	defer txn.Cancel()
	h, ok := n.identities[key]
	if !ok {
		return bundle.Bundle{}, fmt.Errorf("%w: %s", ErrUnknownBundle, key)
	}
	return n.bundles.Stage(h)
}

// ForwardQueue returns copies of the bundles waiting for a scheme's
// forwarder, oldest first
func (n *Node) ForwardQueue(scheme string) ([]bundle.Bundle, error) {
	txn := n.store.Begin()
	defer txn.Cancel()
	s, ok := n.schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}
	return n.stageAll(s.forwardQueue.Values())
}

// OutductQueue returns copies of the bundles queued on an outduct at one
// priority, in transmission order
func (n *Node) OutductQueue(key string, p bundle.Priority) ([]bundle.Bundle, error) {
	txn := n.store.Begin()
	defer txn.Cancel()
	d, ok := n.outducts[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOutduct, key)
	}
	var handles []store.Handle
	for _, xh := range d.queue(p).Values() {
		xr, ok := n.xmitRefs.Get(xh)
		if !ok {
			continue
		}
		handles = append(handles, xr.Bundle)
	}
	return n.stageAll(handles)
}

func (n *Node) stageAll(handles []store.Handle) ([]bundle.Bundle, error) {
	ret := make([]bundle.Bundle, 0, len(handles))
	for _, h := range handles {
		b, err := n.bundles.Stage(h)
		if err != nil {
			return nil, err
		}
		ret = append(ret, b)
	}
	return ret, nil
}

func eidOf(s string) eid.EID {
	e, err := eid.Parse(s)
	if err != nil {
		return eid.EID{}
	}
	return e
}
