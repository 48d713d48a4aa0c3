package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"audittrail/internal/alert"
	"audittrail/internal/platform/metrics"
	"audittrail/internal/queue"
)

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	// Topics the pool subscribes to. Must match the topics the emitter
	// publishes to; cmd/server verifies this at startup.
	Topics []string
	// Workers is the goroutine count per topic.
	Workers int
	// ProcessTimeout bounds one job's processing. Jobs exceeding it lose
	// their queue lease and are redelivered to another worker.
	ProcessTimeout time.Duration
	// IdleWait is how long a worker sleeps after finding the queue empty.
	IdleWait time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 25 * time.Second
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 200 * time.Millisecond
	}
	return c
}

// Pool runs concurrent workers that drain the queue through a Processor.
type Pool struct {
	queue     queue.Queue
	processor *Processor
	alerter   alert.Alerter
	cfg       PoolConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewPool(q queue.Queue, p *Processor, alerter alert.Alerter, cfg PoolConfig, logger *slog.Logger, m *metrics.Metrics) *Pool {
	return &Pool{
		queue:     q,
		processor: p,
		alerter:   alerter,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		metrics:   m,
	}
}

// Run subscribes workers for every topic and blocks until ctx is canceled.
// It returns once all workers have drained their current job.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, topic := range p.cfg.Topics {
		for i := 0; i < p.cfg.Workers; i++ {
			consumerID := fmt.Sprintf("%s#%s", topic, uuid.NewString()[:8])
			unsubscribe, err := p.queue.Subscribe(ctx, topic, consumerID)
			if err != nil {
				return fmt.Errorf("subscribe worker to %q: %w", topic, err)
			}
			topic := topic
			g.Go(func() error {
				defer unsubscribe()
				p.workerLoop(ctx, topic, consumerID)
				return nil
			})
		}
	}

	g.Go(func() error {
		p.depthLoop(ctx)
		return nil
	})

	return g.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, topic, consumerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Dequeue(ctx, topic, consumerID)
		if errors.Is(err, queue.ErrNoJob) {
			sleep(ctx, p.cfg.IdleWait)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", "topic", topic, "error", err)
			sleep(ctx, p.cfg.IdleWait)
			continue
		}

		p.handle(ctx, job)
	}
}

func (p *Pool) handle(ctx context.Context, job *queue.Job) {
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.ProcessTimeout)
	defer cancel()

	result, err := p.processor.Process(jobCtx, job)
	switch {
	case err == nil:
		if ackErr := p.queue.Ack(ctx, job); ackErr != nil {
			// The job stays leased and will be redelivered; the idempotent
			// insert makes the redelivery a no-op.
			p.logger.Error("ack failed after successful processing",
				"job_id", job.ID, "record_id", result.RecordID, "error", ackErr)
			return
		}
		p.metrics.IncProcessed()

	case errors.Is(err, ErrValidation):
		p.deadLetter(ctx, job, err.Error())

	default:
		if job.Attempts >= job.MaxAttempts {
			p.deadLetter(ctx, job, fmt.Sprintf("retries exhausted: %v", err))
			return
		}
		p.metrics.IncRetried()
		p.logger.Warn("transient processing failure, scheduling retry",
			"job_id", job.ID, "attempt", job.Attempts, "max_attempts", job.MaxAttempts, "error", err)
		if retryErr := p.queue.Retry(ctx, job, err.Error()); retryErr != nil {
			p.logger.Error("retry scheduling failed, job stays leased",
				"job_id", job.ID, "error", retryErr)
		}
	}
}

func (p *Pool) deadLetter(ctx context.Context, job *queue.Job, reason string) {
	p.metrics.IncDeadLettered()
	p.logger.Error("job dead-lettered", "job_id", job.ID, "topic", job.Topic, "reason", reason)
	if err := p.queue.DeadLetter(ctx, job, reason); err != nil {
		p.logger.Error("dead-letter move failed", "job_id", job.ID, "error", err)
	}
	p.alerter.Notify(ctx, alert.Alert{
		Kind:    alert.KindDeadLetter,
		Message: reason,
		JobID:   job.ID,
		At:      time.Now(),
		Details: map[string]string{"topic": job.Topic},
	})
}

// depthLoop keeps the queue-depth gauge current.
func (p *Pool) depthLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, topic := range p.cfg.Topics {
				stats, err := p.queue.Stats(ctx, topic)
				if err != nil {
					continue
				}
				p.metrics.SetQueueDepth(topic, stats.Waiting+stats.Delayed)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
