// Package memory implements the queue contract with in-process state. It
// carries the full delivery state machine so unit tests can exercise
// backoff, stalled-lease recovery, and dead-lettering without Redis.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"audittrail/internal/queue"
)

// Config bounds the queue's retry and lease behavior.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Lease is how long a claimed job may stay ACTIVE before it is
	// considered stalled and reclaimed.
	Lease time.Duration
	// MaxBacklog caps the waiting list; 0 means unbounded.
	MaxBacklog int
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
	return c
}

type delayedJob struct {
	job     *queue.Job
	readyAt time.Time
}

type topicState struct {
	waiting   []*queue.Job
	delayed   []delayedJob
	active    map[string]time.Time // job id -> lease deadline
	activeJob map[string]*queue.Job
	dead      []*queue.Job
	completed int64
	workers   map[string]struct{}
}

// Queue is a mutex-guarded implementation of queue.Queue. Suitable for a
// single process and for tests; multi-instance deployments use the Redis
// implementation.
type Queue struct {
	cfg Config

	mu     sync.Mutex
	topics map[string]*topicState

	// now is swappable for clock control in tests.
	now func() time.Time
}

var _ queue.Queue = (*Queue)(nil)

func New(cfg Config) *Queue {
	return &Queue{
		cfg:    cfg.withDefaults(),
		topics: make(map[string]*topicState),
		now:    time.Now,
	}
}

// SetNow replaces the clock source. Test hook.
func (q *Queue) SetNow(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *Queue) topic(name string) *topicState {
	t, ok := q.topics[name]
	if !ok {
		t = &topicState{
			active:    make(map[string]time.Time),
			activeJob: make(map[string]*queue.Job),
			workers:   make(map[string]struct{}),
		}
		q.topics[name] = t
	}
	return t
}

func (q *Queue) Enqueue(ctx context.Context, topic string, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.topic(topic)
	if q.cfg.MaxBacklog > 0 && len(t.waiting) >= q.cfg.MaxBacklog {
		return "", queue.ErrQueueFull
	}

	job := &queue.Job{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     append([]byte(nil), payload...),
		MaxAttempts: q.cfg.MaxAttempts,
		EnqueuedAt:  q.now(),
	}
	t.waiting = append(t.waiting, job)
	return job.ID, nil
}

func (q *Queue) Subscribe(ctx context.Context, topic, consumerID string) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.topic(topic)
	t.workers[consumerID] = struct{}{}
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(t.workers, consumerID)
	}, nil
}

func (q *Queue) Dequeue(ctx context.Context, topic, consumerID string) (*queue.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.topic(topic)
	now := q.now()
	q.promoteLocked(t, now)

	if len(t.waiting) == 0 {
		return nil, queue.ErrNoJob
	}

	job := t.waiting[0]
	t.waiting = t.waiting[1:]
	job.Attempts++
	t.active[job.ID] = now.Add(q.cfg.Lease)
	t.activeJob[job.ID] = job
	return job, nil
}

// promoteLocked moves ready delayed jobs and expired leases back to waiting.
// Callers hold q.mu.
func (q *Queue) promoteLocked(t *topicState, now time.Time) {
	var still []delayedJob
	for _, d := range t.delayed {
		if !d.readyAt.After(now) {
			t.waiting = append(t.waiting, d.job)
		} else {
			still = append(still, d)
		}
	}
	t.delayed = still

	for id, deadline := range t.active {
		if deadline.After(now) {
			continue
		}
		// Stalled: another worker claimed it and went silent. Requeue.
		job := t.activeJob[id]
		delete(t.active, id)
		delete(t.activeJob, id)
		job.LastError = "processing lease expired"
		t.waiting = append(t.waiting, job)
	}
}

func (q *Queue) Ack(ctx context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.topic(job.Topic)
	if _, ok := t.active[job.ID]; !ok {
		return fmt.Errorf("memory queue: ack for job %s not active", job.ID)
	}
	delete(t.active, job.ID)
	delete(t.activeJob, job.ID)
	t.completed++
	return nil
}

func (q *Queue) Retry(ctx context.Context, job *queue.Job, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.topic(job.Topic)
	delete(t.active, job.ID)
	delete(t.activeJob, job.ID)
	job.LastError = reason

	if job.Attempts >= job.MaxAttempts {
		t.dead = append(t.dead, job)
		return nil
	}
	delay := queue.Backoff(q.cfg.BackoffBase, q.cfg.BackoffMax, job.Attempts)
	t.delayed = append(t.delayed, delayedJob{job: job, readyAt: q.now().Add(delay)})
	return nil
}

func (q *Queue) DeadLetter(ctx context.Context, job *queue.Job, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.topic(job.Topic)
	delete(t.active, job.ID)
	delete(t.activeJob, job.ID)
	job.LastError = reason
	t.dead = append(t.dead, job)
	return nil
}

func (q *Queue) Stats(ctx context.Context, topic string) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.topic(topic)
	return queue.Stats{
		Waiting:   int64(len(t.waiting)),
		Delayed:   int64(len(t.delayed)),
		Active:    int64(len(t.active)),
		Completed: t.completed,
		Dead:      int64(len(t.dead)),
	}, nil
}

func (q *Queue) WorkerCount(ctx context.Context, topic string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.topic(topic).workers), nil
}

func (q *Queue) DeadLetters(ctx context.Context, topic string, limit int) ([]*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.topic(topic)
	if limit <= 0 || limit > len(t.dead) {
		limit = len(t.dead)
	}
	out := make([]*queue.Job, limit)
	copy(out, t.dead[:limit])
	return out, nil
}
