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

// Command reaction-replay republishes every message of a source topic onto a
// target topic, typically the dead-letter topic back onto the main topic once
// the underlying fault is fixed.
//
// Usage:
//
//	reaction-replay -source reaction-events-dlq -target reaction-events [-config config.yaml] [-rate 50]
//
// Progress is committed per message under the replay group, so an interrupted
// run resumes where it stopped.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"quotely/internal/reactions/app"
	"quotely/internal/reactions/config"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file; empty uses built-in defaults")
	source := flag.String("source", "", "Topic to read from (required)")
	target := flag.String("target", "", "Topic to republish onto (required)")
	brokers := flag.String("brokers", "", "Comma-separated Kafka brokers (overrides kafka.brokers)")
	group := flag.String("group", "", "Consumer group for replay progress (overrides replay.group)")
	rate := flag.Float64("rate", -1, "Max messages per second; 0 disables throttling (overrides replay.ratePerSecond)")
	idle := flag.Duration("idle_timeout", 0, "Stop after the source has been idle this long (overrides replay.idleTimeout)")
	flag.Parse()

	if *source == "" || *target == "" {
		fmt.Fprintln(os.Stderr, "usage: reaction-replay -source <topic> -target <topic>")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}
	if *brokers != "" {
		cfg.Kafka.Brokers = strings.Split(*brokers, ",")
	}
	if *group != "" {
		cfg.Replay.Group = *group
	}
	if *rate >= 0 {
		cfg.Replay.RatePerSecond = *rate
	}
	if *idle > 0 {
		cfg.Replay.IdleTimeout = *idle
	}
	if len(cfg.Kafka.Brokers) == 0 && cfg.Replay.IdleTimeout <= 0 {
		// The in-memory log starts empty; without a bound the run would never end.
		cfg.Replay.IdleTimeout = time.Second
	}

	log := app.NewLogger(cfg)
	injector := app.NewContainer(cfg, log)
	defer func() {
		if err := injector.Shutdown(); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	replayer, err := app.BootstrapReplay(injector)
	if err != nil {
		log.Error("failed to start replay", "error", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	stats, err := replayer.Run(ctx, *source, *target)
	if err != nil {
		log.Error("replay failed", "error", err, "replayed", stats.Replayed, "failed", stats.Failed)
		return
	}
	log.Info("replay finished",
		"source", *source,
		"target", *target,
		"replayed", stats.Replayed,
		"failed", stats.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}
