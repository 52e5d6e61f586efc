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

package eventlog

import (
	"log/slog"

	"quotely/internal/reactions/config"
)

// Build returns the Kafka log when brokers are configured and the in-memory
// log otherwise.
func Build(cfg config.KafkaConfig, logger *slog.Logger) (Log, error) {
	if len(cfg.Brokers) == 0 {
		logger.Info("event log: in-memory", "partitions", cfg.Partitions)
		return NewMemoryLog(cfg.Partitions), nil
	}
	logger.Info("event log: kafka", "brokers", cfg.Brokers, "client_id", cfg.ClientID)
	return NewKafkaLog(KafkaOptions{
		Brokers:      cfg.Brokers,
		ClientID:     cfg.ClientID,
		BatchTimeout: cfg.BatchTimeout,
	})
}
