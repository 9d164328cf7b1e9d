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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	bp "github.com/blinklabs-io/gobp"
	"github.com/blinklabs-io/gobp/eid"
	"github.com/blinklabs-io/gobp/store"
)

// The loopback convergence layer carries bundles from the local node to
// its own endpoints
const (
	loopbackProtocol = "loopback"
	loopbackDuct     = "local"
)

// agent is a configured node with the store it owns
type agent struct {
	node   *bp.Node
	store  *store.Store
	sinks  []eid.EID
	logger *slog.Logger
}

func newAgent(cfg *Config, logger *slog.Logger, registerer prometheus.Registerer, errorChan chan error) (*agent, error) {
	storeOpts := []store.StoreOptionFunc{
		store.WithLogger(logger),
		store.WithHeapLimit(cfg.Store.HeapLimit),
	}
	if cfg.Store.Path != "" {
		storeOpts = append(storeOpts, store.WithPath(cfg.Store.Path))
	}
	s, err := store.New(storeOpts...)
	if err != nil {
		return nil, err
	}
	router := bp.NewStaticRouter()
	nodeOpts := []bp.NodeOptionFunc{
		bp.WithLogger(logger),
		bp.WithStore(s),
		bp.WithRouter(router),
		bp.WithNodeNumber(cfg.Node.Number),
		bp.WithOccupancyCeiling(cfg.Node.OccupancyCeiling),
		bp.WithAcqDirectory(cfg.Acq.Dir),
		bp.WithCustodyTimeout(cfg.Node.CustodyTimeout),
		bp.WithTransmitTimeout(cfg.Node.TransmitTimeout),
		bp.WithPrometheusRegisterer(registerer),
		bp.WithErrorChan(errorChan),
	}
	if cfg.Acq.MaxInHeap > 0 {
		nodeOpts = append(nodeOpts, bp.WithMaxAcqInHeap(cfg.Acq.MaxInHeap))
	}
	if cfg.Node.SnubTTL > 0 {
		nodeOpts = append(nodeOpts, bp.WithSnubTTL(cfg.Node.SnubTTL))
	}
	node, err := bp.New(nodeOpts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	a := &agent{
		node:   node,
		store:  s,
		logger: logger,
	}
	if err := a.configure(cfg, router); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *agent) configure(cfg *Config, router *bp.StaticRouter) error {
	n := a.node
	for _, sc := range cfg.Schemes {
		var custodian eid.EID
		if sc.Custodian != "" {
			var err error
			if custodian, err = eid.Parse(sc.Custodian); err != nil {
				return fmt.Errorf("scheme %s: %w", sc.Name, err)
			}
		}
		if _, err := n.AddScheme(sc.Name, custodian); err != nil {
			return err
		}
	}
	protocols := append([]ProtocolConfig{{Name: loopbackProtocol}}, cfg.Protocols...)
	for _, pc := range protocols {
		err := n.AddProtocol(bp.Protocol{
			Name:                 pc.Name,
			PayloadBytesPerFrame: pc.PayloadBytesPerFrame,
			OverheadPerFrame:     pc.OverheadPerFrame,
			NominalRate:          pc.NominalRate,
		})
		if err != nil {
			return err
		}
	}
	inducts := append([]DuctConfig{{Protocol: loopbackProtocol, Name: loopbackDuct}}, cfg.Inducts...)
	for _, dc := range inducts {
		if _, err := n.AddInduct(dc.Protocol, dc.Name); err != nil {
			return err
		}
	}
	outducts := append([]DuctConfig{{Protocol: loopbackProtocol, Name: loopbackDuct}}, cfg.Outducts...)
	for _, dc := range outducts {
		d, err := n.AddOutduct(dc.Protocol, dc.Name)
		if err != nil {
			return err
		}
		if dc.Rate > 0 {
			if err := n.SetOutductRate(d.Key(), dc.Rate); err != nil {
				return err
			}
		}
	}
	for _, ec := range cfg.Endpoints {
		e, err := eid.Parse(ec.EID)
		if err != nil {
			return fmt.Errorf("endpoint %s: %w", ec.EID, err)
		}
		rule := bp.RecvEnqueue
		if ec.RecvRule == "discard" {
			rule = bp.RecvDiscard
		}
		if _, err := n.AddEndpoint(e, rule); err != nil {
			return err
		}
		if ec.Log {
			if err := n.OpenEndpoint(e); err != nil {
				return err
			}
			a.sinks = append(a.sinks, e)
		}
	}
	if local := n.NodeNumber(); local != 0 {
		router.Add(bp.StaticRoute{
			DestNode: local,
			Via: []bp.Directive{{
				Outduct:     bp.DuctKey(loopbackProtocol, loopbackDuct),
				ProxNodeEID: eid.CBHEEID(local, 0).String(),
			}},
		})
	}
	for i, rc := range cfg.Routes {
		d, err := rc.directive()
		if err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
		router.Add(bp.StaticRoute{DestNode: rc.DestNode, Via: []bp.Directive{d}})
	}
	return nil
}

func (rc RouteConfig) directive() (bp.Directive, error) {
	if rc.ForwardTo != "" {
		via, err := eid.Parse(rc.ForwardTo)
		if err != nil {
			return bp.Directive{}, err
		}
		return bp.Directive{ForwardTo: via}, nil
	}
	d := bp.Directive{
		Outduct:      rc.Outduct,
		DestDuctName: rc.DestDuctName,
		ProxNodeEID:  rc.Proxy,
	}
	if d.ProxNodeEID == "" && rc.DestNode != 0 {
		d.ProxNodeEID = eid.CBHEEID(rc.DestNode, 0).String()
	}
	return d, nil
}

// Close stops the node and closes its store
func (a *agent) Close() error {
	return errors.Join(a.node.Close(), a.store.Close())
}

// relayLoopback moves one bundle from the loopback outduct back into the
// node through the loopback induct
func (a *agent) relayLoopback(ctx context.Context) error {
	key := bp.DuctKey(loopbackProtocol, loopbackDuct)
	t, err := a.node.Dequeue(ctx, key, false)
	if err != nil {
		return err
	}
	sess, err := a.node.BeginAcq(key, true, eid.CBHEEID(a.node.NodeNumber(), 0))
	if err != nil {
		return err
	}
	if err := sess.Continue(t.Data); err != nil {
		_ = sess.Cancel()
		return err
	}
	decisions, err := sess.End(ctx)
	if err != nil {
		return err
	}
	a.logger.Debug("loopback relayed", "bundle", t.Key.String(), "decisions", len(decisions))
	return nil
}

func (a *agent) runLoopback(ctx context.Context) error {
	for {
		if err := a.relayLoopback(ctx); err != nil {
			if finished(ctx, err) {
				return nil
			}
			return fmt.Errorf("loopback: %w", err)
		}
	}
}

// runSink logs and drops every bundle delivered to an endpoint
func (a *agent) runSink(ctx context.Context, e eid.EID) error {
	for {
		d, err := a.node.Receive(ctx, e)
		if err != nil {
			if finished(ctx, err) {
				return nil
			}
			return fmt.Errorf("sink %s: %w", e.String(), err)
		}
		a.logger.Info(
			"bundle delivered",
			"endpoint", e.String(),
			"source", d.Source.String(),
			"bytes", len(d.Payload),
			"admin", d.Admin,
		)
	}
}

func finished(ctx context.Context, err error) bool {
	return errors.Is(err, bp.ErrStopped) || ctx.Err() != nil
}
