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

// Command reaction-worker consumes reaction transitions and applies them to
// the system of record. Messages that cannot be applied are forwarded to the
// dead-letter topic.
//
// Usage:
//
//	reaction-worker -config config.yaml [-brokers host:9092] [-lanes 4] [-metrics_addr :9090]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"quotely/internal/reactions/app"
	"quotely/internal/reactions/config"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file; empty uses built-in defaults")
	brokers := flag.String("brokers", "", "Comma-separated Kafka brokers (overrides kafka.brokers)")
	dsn := flag.String("postgres_dsn", "", "PostgreSQL DSN (overrides postgres.dsn)")
	lanes := flag.Int("lanes", 0, "Number of consume lanes (overrides worker.lanes)")
	metricsAddr := flag.String("metrics_addr", "", "If non-empty, expose Prometheus /metrics on this address (e.g., :9090)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}
	if *brokers != "" {
		cfg.Kafka.Brokers = strings.Split(*brokers, ",")
	}
	if *dsn != "" {
		cfg.Postgres.DSN = *dsn
	}
	if *lanes > 0 {
		cfg.Worker.Lanes = *lanes
	}
	if *metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = *metricsAddr
	}

	log := app.NewLogger(cfg)
	injector := app.NewContainer(cfg, log)
	if _, err := app.BootstrapWorker(injector); err != nil {
		log.Error("failed to start worker", "error", err)
		_ = injector.Shutdown()
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker gracefully...")
	if err := injector.Shutdown(); err != nil {
		log.Error("shutdown error", "error", err)
	}
	log.Info("worker stopped")
}
