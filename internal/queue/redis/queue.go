// Package redis implements the durable job queue on Redis.
//
// Key layout under the queue name:
//
//	<name>:wait       LIST of ready job IDs
//	<name>:delayed    ZSET of job IDs scored by availability (unix ms)
//	<name>:active     ZSET of claimed job IDs scored by claim time
//	<name>:completed  ZSET of finished job IDs scored by finish time
//	<name>:failed     ZSET of terminally failed job IDs scored by finish time
//	<name>:job:<id>   HASH with the job fields
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-enhancer/internal/queue"
)

// Options configures a Queue.
type Options struct {
	Name         string
	MaxAttempts  int
	Retention    queue.Retention
	PollInterval time.Duration
	IDs          queue.IDGenerator
	Clock        queue.Clock
}

// Queue coordinates waiting, delayed, active and finished jobs in Redis.
type Queue struct {
	client       *goredis.Client
	logger       *zap.Logger
	ids          queue.IDGenerator
	now          func() time.Time
	maxAttempts  int
	retention    queue.Retention
	pollInterval time.Duration

	waitKey      string
	delayedKey   string
	activeKey    string
	completedKey string
	failedKey    string
	jobPrefix    string

	closeOnce sync.Once
	done      chan struct{}
}

var _ queue.Queue = (*Queue)(nil)

// New builds a queue on client. Close releases the client.
func New(client *goredis.Client, opts Options, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Name == "" {
		opts.Name = "article-enhancement"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Retention == (queue.Retention{}) {
		opts.Retention = queue.DefaultRetention()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	now := func() time.Time { return time.Now().UTC() }
	if opts.Clock != nil {
		now = opts.Clock.Now
	}
	return &Queue{
		client:       client,
		logger:       logger.Named("redis_queue"),
		ids:          opts.IDs,
		now:          now,
		maxAttempts:  opts.MaxAttempts,
		retention:    opts.Retention,
		pollInterval: opts.PollInterval,
		waitKey:      opts.Name + ":wait",
		delayedKey:   opts.Name + ":delayed",
		activeKey:    opts.Name + ":active",
		completedKey: opts.Name + ":completed",
		failedKey:    opts.Name + ":failed",
		jobPrefix:    opts.Name + ":job:",
		done:         make(chan struct{}),
	}, nil
}

func (q *Queue) jobKey(id string) string {
	return q.jobPrefix + id
}

// Enqueue stores the job hash and appends it to the wait list.
func (q *Queue) Enqueue(ctx context.Context, articleID string) (queue.Job, error) {
	if q.isClosed() {
		return queue.Job{}, queue.ErrClosed
	}
	id, err := q.ids.NewID()
	if err != nil {
		return queue.Job{}, fmt.Errorf("new job id: %w", err)
	}
	now := q.now()
	job := queue.Job{
		ID:          id,
		ArticleID:   articleID,
		State:       queue.StateWaiting,
		MaxAttempts: q.maxAttempts,
		EnqueuedAt:  now,
		AvailableAt: now,
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id),
		"id", id,
		"article_id", articleID,
		"state", string(queue.StateWaiting),
		"attempt", 0,
		"max_attempts", q.maxAttempts,
		"enqueued_at", now.UnixMilli(),
		"available_at", now.UnixMilli(),
	)
	pipe.RPush(ctx, q.waitKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Job{}, fmt.Errorf("enqueue job for article %s: %w", articleID, err)
	}
	return job, nil
}

// Dequeue polls the claim script until a job is available.
func (q *Queue) Dequeue(ctx context.Context) (queue.Job, error) {
	for {
		if q.isClosed() {
			return queue.Job{}, queue.ErrClosed
		}
		job, ok, err := q.claim(ctx)
		if err != nil {
			if q.isClosed() {
				return queue.Job{}, queue.ErrClosed
			}
			return queue.Job{}, err
		}
		if ok {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return queue.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			return queue.Job{}, queue.ErrClosed
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *Queue) claim(ctx context.Context) (queue.Job, bool, error) {
	now := q.now().UnixMilli()
	keys := []string{q.waitKey, q.delayedKey, q.activeKey}
	res, err := claimScript.Run(ctx, q.client, keys, now, q.jobPrefix).Result()
	if errors.Is(err, goredis.Nil) {
		return queue.Job{}, false, nil
	}
	if err != nil {
		return queue.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return queue.Job{}, false, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	job, err := q.load(ctx, id)
	if err != nil {
		return queue.Job{}, false, err
	}
	return job, true, nil
}

// Complete moves the job to the completed set and trims it by age and count.
func (q *Queue) Complete(ctx context.Context, job queue.Job) error {
	minScore := ""
	if ttl := q.retention.CompletedTTL; ttl > 0 {
		minScore = strconv.FormatInt(q.now().Add(-ttl).UnixMilli(), 10)
	}
	return q.finish(ctx, job, q.completedKey, queue.StateCompleted, "", q.retention.KeepCompleted, minScore)
}

// Fail moves the job to the failed set and trims it by count.
func (q *Queue) Fail(ctx context.Context, job queue.Job, cause error) error {
	return q.finish(ctx, job, q.failedKey, queue.StateFailed, queue.ErrorText(cause), q.retention.KeepFailed, "")
}

func (q *Queue) finish(
	ctx context.Context,
	job queue.Job,
	target string,
	state queue.State,
	lastError string,
	keep int,
	minScore string,
) error {
	keys := []string{q.activeKey, target, q.jobKey(job.ID)}
	args := []any{job.ID, q.now().UnixMilli(), string(state), lastError, keep, minScore, q.jobPrefix}
	if err := finishScript.Run(ctx, q.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("mark job %s %s: %w", job.ID, state, err)
	}
	return nil
}

// Retry parks the job in the delayed set until delay has passed.
func (q *Queue) Retry(ctx context.Context, job queue.Job, delay time.Duration, cause error) error {
	at := q.now().Add(delay).UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey, job.ID)
	pipe.HSet(ctx, q.jobKey(job.ID),
		"state", string(queue.StateDelayed),
		"available_at", at,
		"last_error", queue.ErrorText(cause),
	)
	pipe.ZAdd(ctx, q.delayedKey, goredis.Z{Score: float64(at), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule retry for job %s: %w", job.ID, err)
	}
	return nil
}

// Stats reads every set's cardinality in one round trip.
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.waitKey)
	active := pipe.ZCard(ctx, q.activeKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	completed := pipe.ZCard(ctx, q.completedKey)
	failed := pipe.ZCard(ctx, q.failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Stats{}, fmt.Errorf("read queue stats: %w", err)
	}
	return queue.Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Failed returns up to limit terminal failures, newest first.
func (q *Queue) Failed(ctx context.Context, limit int) ([]queue.Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := q.client.ZRevRange(ctx, q.failedKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	out := make([]queue.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil {
			q.logger.Warn("skipping unreadable failed job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// RequeueActive moves jobs claimed before cutoff back to the wait list. It is
// run at startup so jobs abandoned by a crashed process are attempted again.
func (q *Queue) RequeueActive(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.activeKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.activeKey, id)
		pipe.HSet(ctx, q.jobKey(id), "state", string(queue.StateWaiting))
		pipe.RPush(ctx, q.waitKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("requeue active jobs: %w", err)
	}
	q.logger.Info("requeued abandoned jobs", zap.Int("count", len(ids)))
	return len(ids), nil
}

// Ping checks connectivity for readiness probes.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close stops blocked consumers and closes the Redis client.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.done)
		err = q.client.Close()
	})
	return err
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *Queue) load(ctx context.Context, id string) (queue.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return queue.Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return queue.Job{}, fmt.Errorf("load job %s: missing", id)
	}
	return decodeJob(fields), nil
}

func decodeJob(fields map[string]string) queue.Job {
	job := queue.Job{
		ID:          fields["id"],
		ArticleID:   fields["article_id"],
		State:       queue.State(fields["state"]),
		Attempt:     atoi(fields["attempt"]),
		MaxAttempts: atoi(fields["max_attempts"]),
		EnqueuedAt:  millis(fields["enqueued_at"]),
		AvailableAt: millis(fields["available_at"]),
		LastError:   fields["last_error"],
	}
	if raw := fields["finished_at"]; raw != "" {
		finished := millis(raw)
		job.FinishedAt = &finished
	}
	return job
}

func atoi(raw string) int {
	n, _ := strconv.Atoi(raw)
	return n
}

func millis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// claimScript promotes due delayed jobs, then claims the head of the wait list.
var claimScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
  redis.call('HSET', ARGV[2] .. id, 'state', 'waiting')
end
local id = redis.call('LPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[1], id)
redis.call('HINCRBY', ARGV[2] .. id, 'attempt', 1)
redis.call('HSET', ARGV[2] .. id, 'state', 'active')
return id
`)

// finishScript records a terminal outcome and applies retention to the target set.
var finishScript = goredis.NewScript(`
local id = ARGV[1]
redis.call('ZREM', KEYS[1], id)
redis.call('HSET', KEYS[3], 'state', ARGV[3], 'finished_at', ARGV[2], 'last_error', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[2], id)
if ARGV[6] ~= '' then
  local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[6])
  for _, old in ipairs(expired) do
    redis.call('ZREM', KEYS[2], old)
    redis.call('DEL', ARGV[7] .. old)
  end
end
local keep = tonumber(ARGV[5])
local size = redis.call('ZCARD', KEYS[2])
if keep > 0 and size > keep then
  local excess = redis.call('ZRANGE', KEYS[2], 0, size - keep - 1)
  for _, old in ipairs(excess) do
    redis.call('ZREM', KEYS[2], old)
    redis.call('DEL', ARGV[7] .. old)
  end
end
return 1
`)
