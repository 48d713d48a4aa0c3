// Command server runs the audit pipeline as a standalone service: HTTP
// ingestion and query API, the processor worker pool, and the retention
// schedule, wired against Redis and Postgres when configured and against
// in-memory implementations otherwise.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audittrail/internal/alert"
	alertkafka "audittrail/internal/alert/kafka"
	"audittrail/internal/audit"
	"audittrail/internal/compression"
	"audittrail/internal/emitter"
	"audittrail/internal/integrity"
	"audittrail/internal/platform/config"
	"audittrail/internal/platform/httpserver"
	"audittrail/internal/platform/logger"
	"audittrail/internal/platform/metrics"
	platformredis "audittrail/internal/platform/redis"
	"audittrail/internal/processor"
	"audittrail/internal/query"
	"audittrail/internal/queue"
	memoryqueue "audittrail/internal/queue/memory"
	redisqueue "audittrail/internal/queue/redis"
	"audittrail/internal/retention"
	"audittrail/internal/storage"
	"audittrail/internal/storage/postgres"
	httptransport "audittrail/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	integritySvc, err := integrity.New([]byte(cfg.IntegritySecret))
	if err != nil {
		return fmt.Errorf("integrity service: %w", err)
	}

	// Storage: Postgres when configured, in-memory for local development.
	var store storage.Store
	if cfg.PostgresDSN != "" {
		pg, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		// Partitions for the current and next month must exist before the
		// first insert; the retention schedule keeps them rolling after that.
		for _, t := range []time.Time{time.Now(), time.Now().AddDate(0, 1, 0)} {
			if err := pg.EnsurePartition(ctx, t); err != nil {
				return fmt.Errorf("ensure partition: %w", err)
			}
		}
		store = pg
		log.Info("storage ready", "backend", "postgres")
	} else {
		store = storage.NewMemoryStore()
		log.Warn("no postgres DSN configured, using in-memory storage")
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Queue: Redis-backed when available, in-memory otherwise.
	var jobQueue queue.Queue
	if redisClient != nil {
		jobQueue = redisqueue.New(redisClient.Client, redisqueue.Config{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BackoffBase: cfg.Queue.BackoffBase,
			BackoffMax:  cfg.Queue.BackoffMax,
			Lease:       cfg.Queue.Lease,
			MaxBacklog:  cfg.Queue.MaxBacklog,
		})
		log.Info("queue ready", "backend", "redis")
	} else {
		jobQueue = memoryqueue.New(memoryqueue.Config{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BackoffBase: cfg.Queue.BackoffBase,
			BackoffMax:  cfg.Queue.BackoffMax,
			Lease:       cfg.Queue.Lease,
			MaxBacklog:  cfg.Queue.MaxBacklog,
		})
		log.Warn("no redis configured, using in-memory queue")
	}

	var alerter alert.Alerter = &alert.Log{Logger: log}
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := alertkafka.New(cfg.KafkaBrokers, cfg.AlertTopic, log)
		if err != nil {
			return fmt.Errorf("kafka alert publisher: %w", err)
		}
		defer publisher.Close()
		alerter = publisher
		log.Info("alerting ready", "backend", "kafka", "topic", cfg.AlertTopic)
	}

	m := metrics.New()
	compressor := compression.New(cfg.CompressionThreshold)
	sink := emitter.New(jobQueue, log, m)
	proc := processor.New(store, integritySvc, compressor, alerter, log, m)

	topics := []string{
		audit.CategoryDataChange.Topic(),
		audit.CategorySecurity.Topic(),
		audit.CategorySystem.Topic(),
	}

	pool := processor.NewPool(jobQueue, proc, alerter, processor.PoolConfig{
		Topics:  topics,
		Workers: cfg.Workers,
	}, log, m)

	poolErr := make(chan error, 1)
	poolCtx, stopPool := context.WithCancel(context.Background())
	defer stopPool()
	go func() { poolErr <- pool.Run(poolCtx) }()

	// The producer publishes to topics derived from event categories; a
	// worker pool subscribed under different names would let events pile up
	// unprocessed forever. Refuse to start in that state.
	if err := awaitWorkers(ctx, jobQueue, topics); err != nil {
		return err
	}
	log.Info("worker pool ready", "topics", topics, "workers_per_topic", cfg.Workers)

	var locker retention.Locker = retention.NewLocalLocker()
	if redisClient != nil {
		locker = retention.NewRedisLocker(redisClient.Client)
	}
	retentionMgr := retention.New(store, locker, retention.Config{
		Interval:   cfg.Retention.Interval,
		RunTimeout: cfg.Retention.RunTimeout,
		Policy: retention.Policy{
			LowMedium:    cfg.Retention.LowMedium,
			HighCritical: cfg.Retention.HighCritical,
		},
		ArchiveDir: cfg.Retention.ArchiveDir,
	}, log, m)
	go retentionMgr.Run(poolCtx)

	querySvc := query.New(store, compressor, integritySvc, alerter, log, m)
	handler := httptransport.NewHandler(querySvc, sink, jobQueue, topics, log)
	router := httptransport.NewRouter(handler, log, m)
	srv := httpserver.New(cfg.Addr, router)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("audit service listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case err := <-poolErr:
		return fmt.Errorf("worker pool exited: %w", err)
	}

	// Stop intake first, then let workers drain their current jobs.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown incomplete", "error", err)
	}
	stopPool()
	select {
	case <-poolErr:
	case <-shutdownCtx.Done():
		log.Error("worker pool did not drain before deadline")
	}
	return nil
}

// awaitWorkers polls the liveness check until every topic has a subscribed
// worker or the deadline passes. Subscription happens on pool goroutine
// startup, so a short grace window avoids a false negative.
func awaitWorkers(ctx context.Context, q queue.Queue, topics []string) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := queue.VerifyWorkers(ctx, q, topics...)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("startup liveness check failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
