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

// Package config loads and validates the reaction pipeline configuration.
//
// Configuration is a YAML document layered over Default(). Every binary also
// exposes the most operational knobs as flags, which win over the file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Environment string            `yaml:"environment"`
	Log         LogConfig         `yaml:"log"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	RateLimit   RateLimitConfig   `yaml:"rateLimit"`
	Cache       CacheConfig       `yaml:"cache"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Worker      WorkerConfig      `yaml:"worker"`
	Replay      ReplayConfig      `yaml:"replay"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// LogConfig selects level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text; empty picks json in production
}

// RedisConfig points at the cache service. An empty Addr starts an embedded
// in-process server, which is only meant for the simulator and local runs.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	OpTimeout time.Duration `yaml:"opTimeout"` // socket read/write deadline; zero keeps the client default
}

// KafkaConfig points at the event log. No brokers selects the in-memory log.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	Topic        string        `yaml:"topic"`
	DLQTopic     string        `yaml:"dlqTopic"`
	Group        string        `yaml:"group"`
	Partitions   int           `yaml:"partitions"` // in-memory log only
	BatchTimeout time.Duration `yaml:"batchTimeout"`
}

// PostgresConfig points at the system of record. An empty DSN selects the
// in-memory store.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns"`
	Migrate  bool   `yaml:"migrate"`
}

// RateLimitConfig holds the two sliding windows.
type RateLimitConfig struct {
	BurstWindow     time.Duration `yaml:"burstWindow"`
	BurstLimit      int           `yaml:"burstLimit"`
	SustainedWindow time.Duration `yaml:"sustainedWindow"`
	SustainedLimit  int           `yaml:"sustainedLimit"`
}

// CacheConfig holds cache staleness budgets.
type CacheConfig struct {
	BreakdownTTL time.Duration `yaml:"breakdownTTL"`
	StateTTL     time.Duration `yaml:"stateTTL"`
	PageTTL      time.Duration `yaml:"pageTTL"`
}

// CoordinatorConfig controls the synchronous toggle path.
type CoordinatorConfig struct {
	OpTimeout      time.Duration `yaml:"opTimeout"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
	ReactionTypes  []string      `yaml:"reactionTypes"`
}

// WorkerConfig controls the persistence worker.
type WorkerConfig struct {
	Lanes          int           `yaml:"lanes"`
	RetryAttempts  int           `yaml:"retryAttempts"`
	RetryInitial   time.Duration `yaml:"retryInitial"`
	RetryMax       time.Duration `yaml:"retryMax"`
	ProcessTimeout time.Duration `yaml:"processTimeout"`
}

// ReplayConfig controls the replay tool.
type ReplayConfig struct {
	Group         string        `yaml:"group"`
	RatePerSecond float64       `yaml:"ratePerSecond"` // 0 = unthrottled
	IdleTimeout   time.Duration `yaml:"idleTimeout"`   // 0 = run until cancelled
}

// TelemetryConfig controls the metrics endpoint.
type TelemetryConfig struct {
	MetricsAddr string `yaml:"metricsAddr"`
}

// DefaultReactionTypes is the reaction whitelist used when none is configured.
var DefaultReactionTypes = []string{"like", "love", "inspiring", "thoughtful", "relatable", "eye-opening"}

// Default returns the configuration every binary starts from.
func Default() Config {
	return Config{
		Environment: "development",
		Log:         LogConfig{Level: "info"},
		Redis:       RedisConfig{OpTimeout: 50 * time.Millisecond},
		Kafka: KafkaConfig{
			ClientID:     "quotely-server",
			Topic:        "reaction-events",
			DLQTopic:     "reaction-events-dlq",
			Group:        "reaction-group",
			Partitions:   8,
			BatchTimeout: 10 * time.Millisecond,
		},
		Postgres: PostgresConfig{MaxConns: 10, Migrate: true},
		RateLimit: RateLimitConfig{
			BurstWindow:     10 * time.Second,
			BurstLimit:      5,
			SustainedWindow: time.Hour,
			SustainedLimit:  20,
		},
		Cache: CacheConfig{
			BreakdownTTL: time.Hour,
			StateTTL:     24 * time.Hour,
			PageTTL:      30 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			OpTimeout:      50 * time.Millisecond,
			PublishTimeout: 2 * time.Second,
			ReactionTypes:  append([]string(nil), DefaultReactionTypes...),
		},
		Worker: WorkerConfig{
			Lanes:          1,
			RetryAttempts:  5,
			RetryInitial:   100 * time.Millisecond,
			RetryMax:       2 * time.Second,
			ProcessTimeout: 10 * time.Second,
		},
		Replay: ReplayConfig{Group: "reaction-replayer"},
	}
}

// Load reads the YAML file at path over Default(). An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, cfg.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a YAML document over Default().
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Production reports whether the environment is production.
func (c Config) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if c.RateLimit.BurstWindow <= 0 || c.RateLimit.SustainedWindow <= 0 {
		add("rateLimit windows must be > 0")
	}
	if c.RateLimit.BurstLimit <= 0 || c.RateLimit.SustainedLimit <= 0 {
		add("rateLimit limits must be > 0")
	}
	if strings.TrimSpace(c.Kafka.Topic) == "" || strings.TrimSpace(c.Kafka.DLQTopic) == "" {
		add("kafka topic and dlqTopic are required")
	}
	if c.Kafka.Topic != "" && c.Kafka.Topic == c.Kafka.DLQTopic {
		add("kafka dlqTopic must differ from topic")
	}
	if strings.TrimSpace(c.Kafka.Group) == "" {
		add("kafka group is required")
	}
	if c.Kafka.Partitions < 1 {
		add("kafka partitions must be >= 1")
	}
	if c.Cache.BreakdownTTL <= 0 {
		add("cache breakdownTTL must be > 0")
	}
	if c.Cache.StateTTL < 0 || c.Cache.PageTTL < 0 {
		add("cache TTLs must not be negative")
	}
	if c.Coordinator.OpTimeout <= 0 || c.Coordinator.PublishTimeout <= 0 {
		add("coordinator timeouts must be > 0")
	}
	if c.Worker.Lanes < 1 {
		add("worker lanes must be >= 1")
	}
	if c.Worker.RetryAttempts < 1 {
		add("worker retryAttempts must be >= 1")
	}
	if c.Worker.ProcessTimeout <= 0 {
		add("worker processTimeout must be > 0")
	}
	if c.Replay.RatePerSecond < 0 || c.Replay.IdleTimeout < 0 {
		add("replay ratePerSecond and idleTimeout must not be negative")
	}
	if strings.TrimSpace(c.Replay.Group) == "" {
		add("replay group is required")
	}
	if c.Redis.OpTimeout < 0 {
		add("redis opTimeout must not be negative")
	}
	if c.Production() {
		// The embedded and in-memory fallbacks are process-local.
		if strings.TrimSpace(c.Redis.Addr) == "" {
			add("redis addr is required in production")
		}
		if len(c.Kafka.Brokers) == 0 {
			add("kafka brokers are required in production")
		}
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			add("postgres dsn is required in production")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
