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
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const metricsShutdownTimeout = 5 * time.Second

func newRunCommand(v *viper.Viper, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bundle agent until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, *configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	flags := cmd.Flags()
	flags.Uint64("node", 0, "local CBHE node number")
	flags.String("metrics-listen", "", "address to serve Prometheus metrics on")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("node.number", flags.Lookup("node"))
	_ = v.BindPFlag("metrics.listen", flags.Lookup("metrics-listen"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	return cmd
}

func run(ctx context.Context, cfg *Config, stderr io.Writer) error {
	logger, logCloser, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	errorChan := make(chan error, 10)
	a, err := newAgent(cfg, logger, registry, errorChan)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close agent", "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	if err := a.node.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		a.node.Stop()
		return nil
	})
	g.Go(func() error {
		select {
		case err := <-errorChan:
			return err
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		return a.runLoopback(ctx)
	})
	for _, e := range a.sinks {
		g.Go(func() error {
			return a.runSink(ctx, e)
		})
	}
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.Listen, registry)
		})
		logger.Info("serving metrics", "address", cfg.Metrics.Listen)
	}
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
