package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func produceN(t *testing.T, l *MemoryLog, topic, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, l.Produce(context.Background(), topic, []byte(key), []byte(fmt.Sprintf("%s-%d", key, i)), nil))
	}
}

func TestMemoryLog_PerKeyOrder(t *testing.T) {
	l := NewMemoryLog(4)
	produceN(t, l, "t", "quote-1", 10)
	produceN(t, l, "t", "quote-2", 10)

	c, err := l.Subscribe(context.Background(), Subscription{Topic: "t", Group: "g", Start: StartEarliest})
	require.NoError(t, err)

	seen := map[string][]string{}
	for i := 0; i < 20; i++ {
		msg, err := c.Fetch(context.Background())
		require.NoError(t, err)
		seen[string(msg.Key)] = append(seen[string(msg.Key)], string(msg.Value))
		require.NoError(t, c.Commit(context.Background(), msg))
	}
	for _, key := range []string{"quote-1", "quote-2"} {
		require.Len(t, seen[key], 10)
		for i, v := range seen[key] {
			assert.Equal(t, fmt.Sprintf("%s-%d", key, i), v)
		}
	}
}

func TestMemoryLog_UncommittedIsRedelivered(t *testing.T) {
	l := NewMemoryLog(1)
	produceN(t, l, "t", "k", 3)
	ctx := context.Background()
	sub := Subscription{Topic: "t", Group: "g", Start: StartEarliest}

	c1, _ := l.Subscribe(ctx, sub)
	m0, _ := c1.Fetch(ctx)
	require.NoError(t, c1.Commit(ctx, m0))
	_, _ = c1.Fetch(ctx) // fetched, never committed
	require.NoError(t, c1.Close())

	c2, _ := l.Subscribe(ctx, sub)
	m, err := c2.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Offset, "next owner resumes at the committed offset")
}

func TestMemoryLog_StartLatestSkipsBacklog(t *testing.T) {
	l := NewMemoryLog(2)
	produceN(t, l, "t", "k", 3)
	ctx := context.Background()
	c, _ := l.Subscribe(ctx, Subscription{Topic: "t", Group: "fresh", Start: StartLatest})

	fctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(fctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, l.Produce(ctx, "t", []byte("k"), []byte("new"), nil))
	m, err := c.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", string(m.Value))
}

func TestMemoryLog_FetchWakesOnProduce(t *testing.T) {
	l := NewMemoryLog(1)
	ctx := context.Background()
	c, _ := l.Subscribe(ctx, Subscription{Topic: "t", Group: "g", Start: StartEarliest})

	var wg sync.WaitGroup
	wg.Add(1)
	var got Message
	go func() {
		defer wg.Done()
		got, _ = c.Fetch(ctx)
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.Produce(ctx, "t", []byte("k"), []byte("v"), map[string]string{"h": "1"}))
	wg.Wait()
	assert.Equal(t, "v", string(got.Value))
	assert.Equal(t, "1", got.Headers["h"])
}

func TestMemoryLog_LanesSplitPartitions(t *testing.T) {
	l := NewMemoryLog(4)
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		require.NoError(t, l.Produce(ctx, "t", []byte(fmt.Sprintf("item-%d", i)), []byte("v"), nil))
	}
	total := 0
	for lane := 0; lane < 2; lane++ {
		c, _ := l.Subscribe(ctx, Subscription{Topic: "t", Group: "g", Start: StartEarliest, Lane: lane, Lanes: 2})
		for {
			fctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			m, err := c.Fetch(fctx)
			cancel()
			if err != nil {
				break
			}
			assert.Equal(t, lane, m.Partition%2)
			total++
		}
	}
	assert.Equal(t, 40, total, "every message is owned by exactly one lane")
}

func TestMemoryLog_Close(t *testing.T) {
	l := NewMemoryLog(1)
	ctx := context.Background()
	c, _ := l.Subscribe(ctx, Subscription{Topic: "t", Group: "g"})
	done := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx)
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, l.Close())
	err := <-done
	assert.True(t, errors.Is(err, ErrClosed))
	assert.ErrorIs(t, l.Produce(ctx, "t", nil, nil, nil), ErrClosed)
}

func TestPartition_Deterministic(t *testing.T) {
	key := []byte("quote-42")
	first := Partition(key, 8)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Partition(key, 8))
	}
	assert.Equal(t, 0, Partition(nil, 8))
	assert.Equal(t, 0, Partition(key, 1))
}

func TestKafkaHeaders(t *testing.T) {
	in := map[string]string{"b": "2", "a": "1"}
	hs := toKafkaHeaders(in)
	require.Len(t, hs, 2)
	assert.Equal(t, "a", hs[0].Key)
	assert.Equal(t, in, fromKafkaHeaders(hs))
	assert.Nil(t, toKafkaHeaders(nil))
}
