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

package worker

import (
	"quotely/internal/reactions/persistence"
	"quotely/pkg/events"
)

// Reasons attached to no-op mutations.
const (
	ReasonDuplicate = "duplicate"
	ReasonStale     = "stale"
	ReasonAbsent    = "absent"
)

// Plan decides the durable mutation for evt given the record currently
// stored (nil when absent). It is pure and total.
//
// Counter deltas are derived from the stored record, never from the event's
// oldType, so a redelivered event finds its own effect already in place and
// plans a no-op.
//
// Live messages are applied in log order regardless of their timestamps,
// which come from the publishing coordinator's clock. Only replayed messages
// (fence set) are checked against the record's last applied timestamp, so an
// old dead letter cannot overwrite a newer transition.
func Plan(evt events.Reaction, current *persistence.Record, fence bool) persistence.Mutation {
	if fence && current != nil && current.EventAt > evt.Timestamp {
		return persistence.Mutation{Kind: persistence.MutationNone, Reason: ReasonStale}
	}

	switch evt.Action {
	case events.ActionAdded, events.ActionUpdated:
		if current == nil {
			return persistence.Mutation{
				Kind:       persistence.MutationInsert,
				Type:       evt.Type,
				EventAt:    evt.Timestamp,
				Deltas:     map[string]int64{evt.Type: 1},
				TotalDelta: 1,
			}
		}
		if current.Type == evt.Type {
			return persistence.Mutation{Kind: persistence.MutationNone, Reason: ReasonDuplicate}
		}
		return persistence.Mutation{
			Kind:    persistence.MutationUpdate,
			Type:    evt.Type,
			EventAt: max(current.EventAt, evt.Timestamp),
			Deltas:  map[string]int64{current.Type: -1, evt.Type: 1},
		}

	case events.ActionRemoved:
		if current == nil {
			return persistence.Mutation{Kind: persistence.MutationNone, Reason: ReasonAbsent}
		}
		return persistence.Mutation{
			Kind:       persistence.MutationDelete,
			Deltas:     map[string]int64{current.Type: -1},
			TotalDelta: -1,
		}
	}
	return persistence.Mutation{Kind: persistence.MutationNone, Reason: "unknown action"}
}
