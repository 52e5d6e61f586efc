package worker

import (
	"testing"

	"quotely/internal/reactions/persistence"
	"quotely/pkg/events"
)

func reaction(action events.Action, typ, old string, ts int64) events.Reaction {
	r := events.Reaction{EventID: "x:q", ActorID: "x", ItemID: "q", Type: typ, Action: action, Timestamp: ts}
	if old != "" {
		r.OldType = &old
	}
	return r
}

func TestPlan(t *testing.T) {
	like := &persistence.Record{ItemID: "q", ActorID: "x", Type: "like", EventAt: 10}

	tests := []struct {
		name    string
		evt     events.Reaction
		current *persistence.Record
		fence   bool
		kind    persistence.MutationKind
		deltas  map[string]int64
		total   int64
		reason  string
	}{
		{"added to empty inserts", reaction(events.ActionAdded, "like", "", 20), nil, false, persistence.MutationInsert, map[string]int64{"like": 1}, 1, ""},
		{"added duplicate is a no-op", reaction(events.ActionAdded, "like", "", 20), like, false, persistence.MutationNone, nil, 0, ReasonDuplicate},
		{"added over other type swaps", reaction(events.ActionAdded, "love", "", 20), like, false, persistence.MutationUpdate, map[string]int64{"like": -1, "love": 1}, 0, ""},
		{"updated swaps from stored type", reaction(events.ActionUpdated, "love", "wow", 20), like, false, persistence.MutationUpdate, map[string]int64{"like": -1, "love": 1}, 0, ""},
		{"updated redelivery is a no-op", reaction(events.ActionUpdated, "like", "love", 20), like, false, persistence.MutationNone, nil, 0, ReasonDuplicate},
		{"updated on empty inserts", reaction(events.ActionUpdated, "love", "like", 20), nil, false, persistence.MutationInsert, map[string]int64{"love": 1}, 1, ""},
		{"removed deletes", reaction(events.ActionRemoved, "like", "", 20), like, false, persistence.MutationDelete, map[string]int64{"like": -1}, -1, ""},
		{"removed on empty is a no-op", reaction(events.ActionRemoved, "like", "", 20), nil, false, persistence.MutationNone, nil, 0, ReasonAbsent},
		{"old live event applies in log order", reaction(events.ActionRemoved, "like", "", 5), like, false, persistence.MutationDelete, map[string]int64{"like": -1}, -1, ""},
		{"stale replayed event is fenced", reaction(events.ActionRemoved, "like", "", 5), like, true, persistence.MutationNone, nil, 0, ReasonStale},
		{"replayed event at same timestamp applies", reaction(events.ActionRemoved, "like", "", 10), like, true, persistence.MutationDelete, map[string]int64{"like": -1}, -1, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := Plan(tc.evt, tc.current, tc.fence)
			if m.Kind != tc.kind {
				t.Fatalf("kind = %v, want %v", m.Kind, tc.kind)
			}
			if m.TotalDelta != tc.total {
				t.Fatalf("total delta = %d, want %d", m.TotalDelta, tc.total)
			}
			if m.Reason != tc.reason {
				t.Fatalf("reason = %q, want %q", m.Reason, tc.reason)
			}
			if len(m.Deltas) != len(tc.deltas) {
				t.Fatalf("deltas = %v, want %v", m.Deltas, tc.deltas)
			}
			for k, v := range tc.deltas {
				if m.Deltas[k] != v {
					t.Fatalf("delta[%s] = %d, want %d", k, m.Deltas[k], v)
				}
			}
		})
	}
}

func TestPlan_EventAtCarriedOnWrites(t *testing.T) {
	m := Plan(reaction(events.ActionAdded, "like", "", 42), nil, false)
	if m.Type != "like" || m.EventAt != 42 {
		t.Fatalf("got type=%q eventAt=%d", m.Type, m.EventAt)
	}
}
