//go:build integration

package persistence

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"quotely/internal/reactions/logging"
	"quotely/internal/reactions/persistence/migrations"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "quotely"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/quotely?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, logging.Discard()); err != nil {
		return err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func newPostgresStore(t *testing.T) (*PostgresStore, string) {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	return NewPostgresStore(testPool, logging.Discard()), fmt.Sprintf("item-%d", time.Now().UnixNano())
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, item := newPostgresStore(t)

	m, err := s.Apply(ctx, item, "x", insert("like", 1))
	require.NoError(t, err)
	assert.Equal(t, MutationInsert, m.Kind)

	rec, err := s.Lookup(ctx, item, "x")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "like", rec.Type)
	assert.Equal(t, int64(1), rec.EventAt)

	_, err = s.Apply(ctx, item, "x", func(cur *Record) Mutation {
		return Mutation{Kind: MutationUpdate, Type: "love", EventAt: 2, Deltas: map[string]int64{cur.Type: -1, "love": 1}}
	})
	require.NoError(t, err)

	c, err := s.Counters(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Total)
	assert.Equal(t, int64(1), c.Breakdown["love"])
	assert.Equal(t, int64(0), c.Breakdown["like"])

	agg, err := s.Aggregate(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"love": 1}, agg)

	_, err = s.Apply(ctx, item, "x", func(cur *Record) Mutation {
		return Mutation{Kind: MutationDelete, Deltas: map[string]int64{cur.Type: -1}, TotalDelta: -1}
	})
	require.NoError(t, err)
	rec, err = s.Lookup(ctx, item, "x")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPostgresStore_ConcurrentInsertsCountOnce(t *testing.T) {
	ctx := context.Background()
	s, item := newPostgresStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Apply(ctx, item, "x", insert("like", 1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, err := s.Counters(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Total)
	assert.Equal(t, int64(1), c.Breakdown["like"])
}

func TestPostgresStore_ListFilterAndCursor(t *testing.T) {
	ctx := context.Background()
	s, item := newPostgresStore(t)
	for i := 0; i < 4; i++ {
		typ := "like"
		if i == 3 {
			typ = "love"
		}
		_, err := s.Apply(ctx, item, fmt.Sprintf("a%d", i), insert(typ, 1))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	page, err := s.List(ctx, Query{ItemID: item, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a3", page[0].ActorID)

	rest, err := s.List(ctx, Query{ItemID: item, Before: page[1].CreatedAt})
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	likes, err := s.List(ctx, Query{ItemID: item, Type: "like"})
	require.NoError(t, err)
	assert.Len(t, likes, 3)
}

func TestPostgresStore_ListCursorBreaksTiesOnID(t *testing.T) {
	ctx := context.Background()
	s, item := newPostgresStore(t)
	for i := 0; i < 5; i++ {
		_, err := s.Apply(ctx, item, fmt.Sprintf("a%d", i), insert("like", 1))
		require.NoError(t, err)
	}
	_, err := s.pool.Exec(ctx, `UPDATE reactions SET created_at = '2024-01-01T00:00:00Z' WHERE item_id = $1`, item)
	require.NoError(t, err)

	seen := map[string]bool{}
	q := Query{ItemID: item, Limit: 2}
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
