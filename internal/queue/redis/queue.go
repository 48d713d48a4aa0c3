// Package redis implements the durable queue on Redis so the emitter and
// the worker pool can run in separate processes. Jobs live in a hash per
// job id; list and sorted-set keys track the state machine:
//
//	aq:{topic}:waiting  list  job ids ready to claim
//	aq:{topic}:delayed  zset  job id -> ready-at (backoff)
//	aq:{topic}:active   zset  job id -> lease deadline
//	aq:{topic}:dead     list  dead-lettered job ids
//	aq:{topic}:workers  zset  consumer id -> heartbeat expiry
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"audittrail/internal/queue"
)

// Config bounds retry and lease behavior. Zero values take the same
// defaults as the memory implementation.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Lease       time.Duration
	MaxBacklog  int
	// HeartbeatTTL is how long a worker stays visible to liveness checks
	// after its last Subscribe/Dequeue touch.
	HeartbeatTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 15 * time.Second
	}
	return c
}

// claimScript promotes ready delayed jobs, reclaims expired leases, then
// claims the next waiting job under a fresh lease. Running it as one script
// keeps claims atomic across concurrent worker processes.
//
// KEYS: waiting, delayed, active. ARGV: now-ms, lease-deadline-ms, job key
// prefix. Returns {id, attempts} or false.
var claimScript = redis.NewScript(`
local ready = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(ready) do
	redis.call('LPUSH', KEYS[1], id)
end
if #ready > 0 then
	redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
end
local stalled = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(stalled) do
	redis.call('HSET', ARGV[3] .. id, 'last_error', 'processing lease expired')
	redis.call('LPUSH', KEYS[1], id)
end
if #stalled > 0 then
	redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
end
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[3], ARGV[2], id)
local attempts = redis.call('HINCRBY', ARGV[3] .. id, 'attempts', 1)
return {id, attempts}
`)

// Queue is a Redis-backed implementation of queue.Queue.
type Queue struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

var _ queue.Queue = (*Queue)(nil)

func New(client *redis.Client, cfg Config) *Queue {
	return &Queue{client: client, cfg: cfg.withDefaults(), now: time.Now}
}

// SetNow replaces the clock source. Test hook.
func (q *Queue) SetNow(now func() time.Time) { q.now = now }

func key(topic, suffix string) string { return "aq:" + topic + ":" + suffix }

func jobKey(topic, id string) string { return "aq:" + topic + ":job:" + id }

func (q *Queue) Enqueue(ctx context.Context, topic string, payload []byte) (string, error) {
	if q.cfg.MaxBacklog > 0 {
		n, err := q.client.LLen(ctx, key(topic, "waiting")).Result()
		if err != nil {
			return "", fmt.Errorf("redis queue: backlog check: %w", err)
		}
		if n >= int64(q.cfg.MaxBacklog) {
			return "", queue.ErrQueueFull
		}
	}

	id := uuid.NewString()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(topic, id), map[string]any{
		"topic":        topic,
		"payload":      payload,
		"attempts":     0,
		"max_attempts": q.cfg.MaxAttempts,
		"enqueued_at":  q.now().UnixMilli(),
	})
	pipe.LPush(ctx, key(topic, "waiting"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redis queue: enqueue: %w", err)
	}
	return id, nil
}

func (q *Queue) Subscribe(ctx context.Context, topic, consumerID string) (func(), error) {
	if err := q.heartbeat(ctx, topic, consumerID); err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.client.ZRem(ctx, key(topic, "workers"), consumerID).Err()
	}, nil
}

func (q *Queue) heartbeat(ctx context.Context, topic, consumerID string) error {
	expiry := float64(q.now().Add(q.cfg.HeartbeatTTL).UnixMilli())
	err := q.client.ZAdd(ctx, key(topic, "workers"), redis.Z{Score: expiry, Member: consumerID}).Err()
	if err != nil {
		return fmt.Errorf("redis queue: worker heartbeat: %w", err)
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context, topic, consumerID string) (*queue.Job, error) {
	if err := q.heartbeat(ctx, topic, consumerID); err != nil {
		return nil, err
	}

	now := q.now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{key(topic, "waiting"), key(topic, "delayed"), key(topic, "active")},
		now.UnixMilli(),
		now.Add(q.cfg.Lease).UnixMilli(),
		"aq:"+topic+":job:",
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("redis queue: claim: %w", err)
	}

	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("redis queue: unexpected claim reply %v", res)
	}
	id, _ := pair[0].(string)
	attempts, _ := pair[1].(int64)

	return q.loadJob(ctx, topic, id, int(attempts))
}

func (q *Queue) loadJob(ctx context.Context, topic, id string, attempts int) (*queue.Job, error) {
	fields, err := q.client.HGetAll(ctx, jobKey(topic, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis queue: load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("redis queue: job %s has no data", id)
	}

	maxAttempts, _ := strconv.Atoi(fields["max_attempts"])
	enqueuedMs, _ := strconv.ParseInt(fields["enqueued_at"], 10, 64)
	return &queue.Job{
		ID:          id,
		Topic:       topic,
		Payload:     []byte(fields["payload"]),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.UnixMilli(enqueuedMs),
		LastError:   fields["last_error"],
	}, nil
}

func (q *Queue) Ack(ctx context.Context, job *queue.Job) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, key(job.Topic, "active"), job.ID)
	pipe.Del(ctx, jobKey(job.Topic, job.ID))
	pipe.Incr(ctx, key(job.Topic, "completed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis queue: ack %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) Retry(ctx context.Context, job *queue.Job, reason string) error {
	if job.Attempts >= job.MaxAttempts {
		return q.DeadLetter(ctx, job, reason)
	}

	delay := queue.Backoff(q.cfg.BackoffBase, q.cfg.BackoffMax, job.Attempts)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, key(job.Topic, "active"), job.ID)
	pipe.HSet(ctx, jobKey(job.Topic, job.ID), "last_error", reason)
	pipe.ZAdd(ctx, key(job.Topic, "delayed"), redis.Z{
		Score:  float64(q.now().Add(delay).UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis queue: retry %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) DeadLetter(ctx context.Context, job *queue.Job, reason string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, key(job.Topic, "active"), job.ID)
	pipe.ZRem(ctx, key(job.Topic, "delayed"), job.ID)
	pipe.HSet(ctx, jobKey(job.Topic, job.ID), "last_error", reason)
	pipe.LPush(ctx, key(job.Topic, "dead"), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis queue: dead-letter %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) Stats(ctx context.Context, topic string) (queue.Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, key(topic, "waiting"))
	delayed := pipe.ZCard(ctx, key(topic, "delayed"))
	active := pipe.ZCard(ctx, key(topic, "active"))
	completed := pipe.Get(ctx, key(topic, "completed"))
	dead := pipe.LLen(ctx, key(topic, "dead"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return queue.Stats{}, fmt.Errorf("redis queue: stats: %w", err)
	}

	completedN, _ := strconv.ParseInt(completed.Val(), 10, 64)
	return queue.Stats{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completedN,
		Dead:      dead.Val(),
	}, nil
}

func (q *Queue) WorkerCount(ctx context.Context, topic string) (int, error) {
	now := q.now().UnixMilli()
	workers := key(topic, "workers")
	if err := q.client.ZRemRangeByScore(ctx, workers, "-inf", strconv.FormatInt(now, 10)).Err(); err != nil {
		return 0, fmt.Errorf("redis queue: expire workers: %w", err)
	}
	n, err := q.client.ZCard(ctx, workers).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue: worker count: %w", err)
	}
	return int(n), nil
}

func (q *Queue) DeadLetters(ctx context.Context, topic string, limit int) ([]*queue.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.LRange(ctx, key(topic, "dead"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis queue: list dead letters: %w", err)
	}

	jobs := make([]*queue.Job, 0, len(ids))
	for _, id := range ids {
		fields, err := q.client.HGetAll(ctx, jobKey(topic, id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		attempts, _ := strconv.Atoi(fields["attempts"])
		job, err := q.loadJob(ctx, topic, id, attempts)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
