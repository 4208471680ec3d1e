package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/article-enhancer/internal/queue"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	clk := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts.IDs = &seqIDs{}
	opts.Clock = clk
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	q, err := New(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr, clk
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Options{IDs: &seqIDs{}}, nil)
	require.Error(t, err)
	_, err = New(goredis.NewClient(&goredis.Options{}), Options{}, nil)
	require.Error(t, err)
}

func TestEnqueueDequeueComplete(t *testing.T) {
	t.Parallel()

	q, mr, _ := newTestQueue(t, Options{Name: "test"})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "article-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, 3, job.MaxAttempts)
	require.Equal(t, "article-1", mr.HGet("test:job:job-1", "article_id"))

	claimed, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)
	require.Equal(t, 1, claimed.Attempt)
	require.Equal(t, queue.StateActive, claimed.State)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.Stats{Active: 1}, stats)

	require.NoError(t, q.Complete(ctx, claimed))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.Stats{Completed: 1}, stats)
	require.Equal(t, "completed", mr.HGet("test:job:job-1", "state"))
}

func TestRetryPromotesWhenDue(t *testing.T) {
	t.Parallel()

	q, _, clk := newTestQueue(t, Options{})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "article-1")
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, job, 10*time.Second, errors.New("search failed")))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.Stats{Delayed: 1}, stats)

	_, ok, err := q.claim(ctx)
	require.NoError(t, err)
	require.False(t, ok, "delayed job must not be claimable early")

	clk.Advance(10 * time.Second)
	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, again.ID)
	require.Equal(t, 2, again.Attempt)
	require.Equal(t, "search failed", again.LastError)
}

func TestFailRetainsBoundedFailures(t *testing.T) {
	t.Parallel()

	q, mr, clk := newTestQueue(t, Options{Retention: queue.Retention{KeepFailed: 2}})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, id)
		require.NoError(t, err)
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, job, errors.New("boom "+id)))
		clk.Advance(time.Millisecond)
	}

	failed, err := q.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	require.Equal(t, "c", failed[0].ArticleID)
	require.Equal(t, "boom b", failed[1].LastError)
	require.NotNil(t, failed[0].FinishedAt)
	require.False(t, mr.Exists("article-enhancement:job:job-1"), "trimmed job hash is deleted")
}

func TestCompletedRetentionByAge(t *testing.T) {
	t.Parallel()

	q, _, clk := newTestQueue(t, Options{
		Retention: queue.Retention{KeepCompleted: 10, CompletedTTL: time.Hour, KeepFailed: 10},
	})
	ctx := context.Background()
	complete := func() {
		_, err := q.Enqueue(ctx, "article")
		require.NoError(t, err)
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, job))
	}
	complete()
	clk.Advance(2 * time.Hour)
	complete()

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Completed)
}

func TestRequeueActive(t *testing.T) {
	t.Parallel()

	q, _, clk := newTestQueue(t, Options{})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "article-1")
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	n, err := q.RequeueActive(ctx, clk.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.Stats{Waiting: 1}, stats)
}

func TestDequeueHonoursContextAndClose(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, queue.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("dequeue not released by Close")
	}
	_, err = q.Enqueue(context.Background(), "article-1")
	require.ErrorIs(t, err, queue.ErrClosed)
}
