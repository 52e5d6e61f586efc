// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package telemetry holds process-wide Prometheus metrics and tracing helpers
// for the reaction pipeline. Labels are bounded (actions, outcomes); item and
// actor ids never become label values.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	togglesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reactions_toggles_total",
		Help: "Reaction toggles accepted by the coordinator, by resulting action",
	}, []string{"action"})
	rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reactions_rate_limited_total",
		Help: "Toggles rejected by the dual sliding-window rate limiter",
	})
	publishFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reactions_publish_failures_total",
		Help: "Toggles whose cache update committed but whose event publish failed",
	})
	readRepairsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reactions_cache_read_repairs_total",
		Help: "Breakdown reads rebuilt from the system of record",
	})
	eventsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reactions_worker_events_total",
		Help: "Events handled by the persistence worker, by action and outcome",
	}, []string{"action", "outcome"})
	deadLetteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reactions_worker_dead_lettered_total",
		Help: "Messages forwarded to the dead-letter topic",
	})
	replayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reactions_replayed_total",
		Help: "Messages republished by the replay tool, by result",
	}, []string{"result"})
	toggleLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reactions_toggle_seconds",
		Help:    "End-to-end latency of the synchronous toggle path",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	})
)

func init() {
	prometheus.MustRegister(togglesTotal, rateLimitedTotal, publishFailuresTotal, readRepairsTotal,
		eventsProcessedTotal, deadLetteredTotal, replayedTotal, toggleLatency)
}

// Worker outcome label values.
const (
	OutcomeApplied   = "applied"
	OutcomeNoop      = "noop"
	OutcomeFailed    = "failed"
	OutcomeMalformed = "malformed"
)

func RecordToggle(action string, elapsed time.Duration) {
	togglesTotal.WithLabelValues(action).Inc()
	toggleLatency.Observe(elapsed.Seconds())
}

func RecordRateLimited()     { rateLimitedTotal.Inc() }
func RecordPublishFailure()  { publishFailuresTotal.Inc() }
func RecordReadRepair()      { readRepairsTotal.Inc() }
func RecordDeadLettered()    { deadLetteredTotal.Inc() }
func RecordReplayed(ok bool) { replayedTotal.WithLabelValues(result(ok)).Inc() }

func RecordEvent(action, outcome string) {
	eventsProcessedTotal.WithLabelValues(action, outcome).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// Serve exposes /metrics on addr until ctx is cancelled. An empty addr is a no-op.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
