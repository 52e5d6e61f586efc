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

// Command reaction-sim runs the whole reaction pipeline in one process:
// a load generator drives ToggleReaction, the persistence worker drains the
// log, and at the end the cached breakdown of every item is compared with
// the durable counters.
//
// With no redis.addr, kafka.brokers or postgres.dsn configured the sim uses
// an embedded Redis server, the in-memory log and the in-memory store, so it
// runs with no external services.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/do/v2"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"quotely/internal/reactions/app"
	"quotely/internal/reactions/cache"
	"quotely/internal/reactions/config"
	"quotely/internal/reactions/errs"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file; empty uses built-in defaults")
	actors := flag.Int("actors", 200, "number of distinct actors")
	items := flag.Int("items", 20, "number of distinct items")
	qps := flag.Int("qps", 200, "target toggles per second")
	workers := flag.Int("workers", 8, "concurrent load generators")
	duration := flag.Duration("duration", 10*time.Second, "run duration; 0 for forever")
	settle := flag.Duration("settle", 5*time.Second, "max time to wait for the worker to drain before comparing")
	flag.Parse()
	if *workers < 1 || *actors < 1 || *items < 1 || *qps < 1 {
		fmt.Fprintln(os.Stderr, "actors, items, qps and workers must be positive")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}

	log := app.NewLogger(cfg)
	injector := app.NewContainer(cfg, log)
	defer func() {
		if err := injector.Shutdown(); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	coord, err := app.BootstrapServing(injector)
	if err != nil {
		log.Error("failed to bootstrap coordinator", "error", err)
		return
	}
	if _, err := app.BootstrapWorker(injector); err != nil {
		log.Error("failed to start worker", "error", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	var ok, limited, failed atomic.Int64
	limiter := rate.NewLimiter(rate.Limit(*qps), max(1, *qps/10))
	types := cfg.Coordinator.ReactionTypes

	var wg conc.WaitGroup
	for w := 0; w < *workers; w++ {
		seed := time.Now().UnixNano() + int64(w)
		wg.Go(func() {
			rng := rand.New(rand.NewSource(seed))
			span := max(1, *actors / *workers)
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				// Each generator owns a disjoint slice of actors, so one actor's
				// toggles are issued serially.
				actor := fmt.Sprintf("actor-%d", w*span+rng.Intn(span))
				item := fmt.Sprintf("quote-%d", rng.Intn(*items))
				typ := types[rng.Intn(len(types))]
				_, err := coord.ToggleReaction(ctx, actor, item, typ)
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, errs.ErrRateLimited):
					limited.Add(1)
				case ctx.Err() != nil:
					return
				default:
					failed.Add(1)
					log.Warn("toggle failed", "actor", actor, "item", item, "type", typ, "error", err)
				}
			}
		})
	}
	wg.Wait()
	log.Info("load finished", "applied", ok.Load(), "rate_limited", limited.Load(), "failed", failed.Load())

	store := do.MustInvoke[*app.StoreHandle](injector)
	counters := do.MustInvoke[*cache.ReactionCache](injector)
	check := context.Background()

	deadline := time.Now().Add(*settle)
	var drift []string
	for {
		drift = drift[:0]
		for i := 0; i < *items; i++ {
			item := fmt.Sprintf("quote-%d", i)
			durable, err := store.Counters(check, item)
			if err != nil {
				log.Error("read durable counters", "item", item, "error", err)
				return
			}
			cached, err := counters.GetBreakdown(check, item)
			if err != nil {
				log.Error("read cached breakdown", "item", item, "error", err)
				return
			}
			if durable.Total != cached.Total {
				drift = append(drift, fmt.Sprintf("%s cache=%d durable=%d", item, cached.Total, durable.Total))
			}
		}
		if len(drift) == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if len(drift) > 0 {
		log.Warn("cache and system of record disagree", "items", len(drift), "detail", drift)
		return
	}
	log.Info("cache and system of record agree", "items", *items)
}
