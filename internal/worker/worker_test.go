package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-enhancer/internal/events"
	"github.com/JakeFAU/article-enhancer/internal/queue"
	"github.com/JakeFAU/article-enhancer/internal/queue/memory"
	"github.com/JakeFAU/article-enhancer/internal/retry"
)

func TestWorker_CompletesSuccessfulJob(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(memory.Options{})
	emitter := &recordingEmitter{}
	handler := &scriptedHandler{}
	w := New(q, handler, fixedBackoff(time.Millisecond), emitter, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, context.Background())

	_, err := q.Enqueue(ctx, "article-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, _ := q.Stats(ctx)
		return stats.Completed == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"article-1"}, handler.Calls())
	require.Eventually(t, func() bool {
		return emitter.Has(events.TypeJobCompleted)
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(memory.Options{MaxAttempts: 3})
	handler := &scriptedHandler{errs: []error{errors.New("transient"), errors.New("transient")}}
	emitter := &recordingEmitter{}
	w := New(q, handler, fixedBackoff(time.Millisecond), emitter, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, context.Background())

	_, err := q.Enqueue(ctx, "article-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, _ := q.Stats(ctx)
		return stats.Completed == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, handler.Calls(), 3)
	require.Equal(t, 2, emitter.Count(events.TypeJobRetrying))
}

func TestWorker_FailsWhenAttemptsExhausted(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(memory.Options{MaxAttempts: 2})
	handler := &scriptedHandler{errs: []error{errors.New("one"), errors.New("two"), errors.New("three")}}
	emitter := &recordingEmitter{}
	w := New(q, handler, retry.NewExponentialPolicy(2, time.Millisecond, 5*time.Millisecond), emitter, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, context.Background())

	_, err := q.Enqueue(ctx, "article-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, _ := q.Stats(ctx)
		return stats.Failed == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, handler.Calls(), 2)

	failed, err := q.Failed(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "two", failed[0].LastError)
	require.Equal(t, 2, failed[0].Attempt)
	require.Eventually(t, func() bool {
		return emitter.Count(events.TypeJobFailed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_PermanentErrorSkipsRetries(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(memory.Options{MaxAttempts: 5})
	handler := &scriptedHandler{errs: []error{queue.Permanent(errors.New("article not found"))}}
	w := New(q, handler, fixedBackoff(time.Millisecond), nil, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, context.Background())

	_, err := q.Enqueue(ctx, "missing")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, _ := q.Stats(ctx)
		return stats.Failed == 1
	}, time.Second, 5*time.Millisecond)
	require.Len(t, handler.Calls(), 1)
}

func TestWorker_JobTimeoutBoundsAttempt(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(memory.Options{MaxAttempts: 1})
	handler := HandlerFunc(func(ctx context.Context, _ queue.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	w := New(q, handler, fixedBackoff(time.Millisecond), nil, Config{JobTimeout: 20 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, context.Background())

	_, err := q.Enqueue(ctx, "slow")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		failed, _ := q.Failed(ctx, 1)
		return len(failed) == 1 && failed[0].LastError == context.DeadlineExceeded.Error()
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_StopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(memory.Options{})
	w := New(q, &scriptedHandler{}, fixedBackoff(time.Millisecond), nil, Config{}, nil)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), context.Background())
		close(done)
	}()
	require.NoError(t, q.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

type fixedBackoff time.Duration

func (f fixedBackoff) Backoff(int) time.Duration { return time.Duration(f) }

type scriptedHandler struct {
	mu    sync.Mutex
	errs  []error
	calls []string
}

func (h *scriptedHandler) Handle(_ context.Context, job queue.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, job.ArticleID)
	if len(h.errs) == 0 {
		return nil
	}
	err := h.errs[0]
	h.errs = h.errs[1:]
	return err
}

func (h *scriptedHandler) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Count(typ events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func (r *recordingEmitter) Has(typ events.Type) bool {
	return r.Count(typ) > 0
}
