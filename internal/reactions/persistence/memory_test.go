package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insert(typ string, at int64) Planner {
	return func(cur *Record) Mutation {
		if cur != nil {
			return Mutation{Kind: MutationNone, Reason: "duplicate"}
		}
		return Mutation{Kind: MutationInsert, Type: typ, EventAt: at, Deltas: map[string]int64{typ: 1}, TotalDelta: 1}
	}
}

func TestMemoryStore_InsertUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	m, err := s.Apply(ctx, "q", "x", insert("like", 1))
	require.NoError(t, err)
	assert.Equal(t, MutationInsert, m.Kind)

	rec, err := s.Lookup(ctx, "q", "x")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "like", rec.Type)
	assert.NotEmpty(t, rec.ID)

	_, err = s.Apply(ctx, "q", "x", func(cur *Record) Mutation {
		return Mutation{Kind: MutationUpdate, Type: "love", EventAt: 2, Deltas: map[string]int64{cur.Type: -1, "love": 1}}
	})
	require.NoError(t, err)
	c, _ := s.Counters(ctx, "q")
	assert.Equal(t, map[string]int64{"like": 0, "love": 1}, c.Breakdown)
	assert.Equal(t, int64(1), c.Total)

	_, err = s.Apply(ctx, "q", "x", func(cur *Record) Mutation {
		return Mutation{Kind: MutationDelete, Deltas: map[string]int64{cur.Type: -1}, TotalDelta: -1}
	})
	require.NoError(t, err)
	rec, err = s.Lookup(ctx, "q", "x")
	require.NoError(t, err)
	assert.Nil(t, rec)
	c, _ = s.Counters(ctx, "q")
	assert.Equal(t, int64(0), c.Total)
}

func TestMemoryStore_InsertIsUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.Apply(ctx, "q", "x", insert("like", 1))
	// A planner that ignores the current record still cannot create a second row.
	m, err := s.Apply(ctx, "q", "x", func(*Record) Mutation {
		return Mutation{Kind: MutationInsert, Type: "love", Deltas: map[string]int64{"love": 1}, TotalDelta: 1}
	})
	require.NoError(t, err)
	assert.True(t, m.Noop())
	c, _ := s.Counters(ctx, "q")
	assert.Equal(t, int64(1), c.Total)
}

func TestMemoryStore_CountersClampAtZero(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Apply(ctx, "q", "x", func(*Record) Mutation {
		return Mutation{Kind: MutationNone, Deltas: map[string]int64{"like": -1}, TotalDelta: -1}
	})
	require.NoError(t, err)
	c, _ := s.Counters(ctx, "q")
	assert.Equal(t, int64(0), c.Breakdown["like"])
	assert.Equal(t, int64(0), c.Total)
}

func TestMemoryStore_AggregateMatchesRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i, typ := range []string{"like", "like", "love"} {
		_, err := s.Apply(ctx, "q", fmt.Sprintf("a%d", i), insert(typ, 1))
		require.NoError(t, err)
	}
	_, _ = s.Apply(ctx, "other", "a0", insert("like", 1))

	agg, err := s.Aggregate(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"like": 2, "love": 1}, agg)
}

func TestMemoryStore_ListPagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return base } // identical clock readings; createdAt stays strictly increasing
	for i := 0; i < 5; i++ {
		typ := "like"
		if i%2 == 1 {
			typ = "love"
		}
		_, err := s.Apply(ctx, "q", fmt.Sprintf("a%d", i), insert(typ, 1))
		require.NoError(t, err)
	}

	page, err := s.List(ctx, Query{ItemID: "q", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a4", page[0].ActorID)
	assert.Equal(t, "a3", page[1].ActorID)

	next, err := s.List(ctx, Query{ItemID: "q", Limit: 2, Before: page[1].CreatedAt})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, "a2", next[0].ActorID)

	loves, err := s.List(ctx, Query{ItemID: "q", Type: "love"})
	require.NoError(t, err)
	assert.Len(t, loves, 2)
}

func TestMemoryStore_ListCursorBreaksTiesOnID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		_, err := s.Apply(ctx, "q", fmt.Sprintf("a%d", i), insert("like", 1))
		require.NoError(t, err)
	}
	// Rows written in the same microsecond by different writers share created_at.
	same := time.Unix(1_700_000_000, 0).UTC()
	for _, rec := range s.records {
		rec.CreatedAt = same
	}

	seen := map[string]bool{}
	q := Query{ItemID: "q", Limit: 2}
	for {
		page, err := s.List(ctx, q)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, r := range page {
			require.False(t, seen[r.ActorID], "row %s returned twice", r.ActorID)
			seen[r.ActorID] = true
		}
		last := page[len(page)-1]
		q.Before, q.BeforeID = last.CreatedAt, last.ID
	}
	assert.Len(t, seen, 5)
}

func TestMemoryStore_ConcurrentInsertsCountOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Apply(ctx, "q", "x", insert("like", 1))
		}()
	}
	wg.Wait()
	c, _ := s.Counters(ctx, "q")
	assert.Equal(t, int64(1), c.Total)
	assert.Equal(t, int64(1), c.Breakdown["like"])
}

func TestMutation_Noop(t *testing.T) {
	assert.True(t, Mutation{}.Noop())
	assert.True(t, Mutation{Deltas: map[string]int64{"like": 0}}.Noop())
	assert.False(t, Mutation{TotalDelta: 1}.Noop())
	assert.False(t, Mutation{Kind: MutationDelete}.Noop())
	assert.Equal(t, "update", MutationUpdate.String())
}
