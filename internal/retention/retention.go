// Package retention partitions storage by month and purges records past
// their severity's retention window. Runs are scheduled, fleet-exclusive
// (one holder of the execution lock), time-bounded, and never fatal to the
// host application: a failed run logs and waits for the next schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"audittrail/internal/audit"
	"audittrail/internal/platform/metrics"
	"audittrail/internal/storage"
)

const lockKey = "audit:retention:lock"

// Policy holds the per-severity retention windows. Legal-hold records are
// exempt regardless of severity.
type Policy struct {
	LowMedium    time.Duration
	HighCritical time.Duration
}

// DefaultPolicy keeps LOW/MEDIUM for one year and HIGH/CRITICAL for two.
var DefaultPolicy = Policy{
	LowMedium:    365 * 24 * time.Hour,
	HighCritical: 730 * 24 * time.Hour,
}

func (p Policy) max() time.Duration {
	if p.HighCritical > p.LowMedium {
		return p.HighCritical
	}
	return p.LowMedium
}

// Config drives the schedule.
type Config struct {
	Interval   time.Duration
	RunTimeout time.Duration
	Policy     Policy
	// ArchiveDir receives gzip JSONL exports of purged records. Empty
	// disables archiving: records are deleted without export.
	ArchiveDir string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = time.Hour
	}
	if c.Policy == (Policy{}) {
		c.Policy = DefaultPolicy
	}
	return c
}

// RunReport summarizes one retention pass.
type RunReport struct {
	PartitionsEnsured int
	PartitionsDropped int
	RecordsPurged     int64
	Archives          []string
}

// Manager owns the retention schedule.
type Manager struct {
	store   storage.Store
	locker  Locker
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithNow overrides the clock source. Test hook.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(store storage.Store, locker Locker, cfg Config, logger *slog.Logger, mx *metrics.Metrics, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		locker:  locker,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: mx,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes RunOnce on the configured interval until ctx is canceled.
// Errors are logged, never returned: the next tick retries.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if report, err := m.RunOnce(ctx); err != nil {
				m.logger.Error("retention run failed", "error", err)
			} else {
				m.logger.Info("retention run finished",
					"purged", report.RecordsPurged,
					"partitions_dropped", report.PartitionsDropped,
					"archives", len(report.Archives),
				)
			}
		}
	}
}

// RunOnce performs a single retention pass under the execution lock. When
// another instance holds the lock the pass is skipped without error.
func (m *Manager) RunOnce(ctx context.Context) (RunReport, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RunTimeout)
	defer cancel()

	release, acquired, err := m.locker.TryAcquire(ctx, lockKey, m.cfg.RunTimeout)
	if err != nil {
		return RunReport{}, fmt.Errorf("retention: acquire lock: %w", err)
	}
	if !acquired {
		m.logger.Info("retention run skipped, lock held elsewhere")
		return RunReport{}, nil
	}
	defer release()

	var report RunReport
	now := m.now()

	// Keep the current and next month's partitions ahead of writes.
	for _, t := range []time.Time{now, now.AddDate(0, 1, 0)} {
		if err := m.store.EnsurePartition(ctx, t); err != nil {
			return report, fmt.Errorf("retention: ensure partition: %w", err)
		}
		report.PartitionsEnsured++
	}

	purged, archives, err := m.purgeExpired(ctx, now)
	report.RecordsPurged += purged
	report.Archives = append(report.Archives, archives...)
	if err != nil {
		return report, err
	}

	dropped, err := m.dropEmptyExpiredPartitions(ctx, now)
	report.PartitionsDropped = dropped
	if err != nil {
		return report, err
	}

	m.metrics.AddPurged(report.RecordsPurged)
	return report, nil
}

// purgeExpired archives then deletes records past their severity window.
// The delete is the final action per class, so an interrupted run leaves
// records in place rather than half-purged.
func (m *Manager) purgeExpired(ctx context.Context, now time.Time) (int64, []string, error) {
	classes := []struct {
		name       string
		severities []audit.Severity
		window     time.Duration
	}{
		{"low_medium", []audit.Severity{audit.SeverityLow, audit.SeverityMedium}, m.cfg.Policy.LowMedium},
		{"high_critical", []audit.Severity{audit.SeverityHigh, audit.SeverityCritical}, m.cfg.Policy.HighCritical},
	}

	var (
		total    int64
		archives []string
	)
	for _, class := range classes {
		cutoff := now.Add(-class.window)

		if m.cfg.ArchiveDir != "" {
			path, n, err := m.archiveExpired(ctx, class.name, cutoff, class.severities)
			if err != nil {
				return total, archives, fmt.Errorf("retention: archive %s: %w", class.name, err)
			}
			if n > 0 {
				archives = append(archives, path)
			}
		}

		deleted, err := m.store.DeleteExpired(ctx, cutoff, class.severities)
		if err != nil {
			return total, archives, fmt.Errorf("retention: purge %s: %w", class.name, err)
		}
		total += deleted
	}
	return total, archives, nil
}

// dropEmptyExpiredPartitions removes partitions entirely past the longest
// retention window, but only once severity purges (which respect legal
// holds) have emptied them. A partition still holding legal-hold records
// stays.
func (m *Manager) dropEmptyExpiredPartitions(ctx context.Context, now time.Time) (int, error) {
	maxCutoff := now.Add(-m.cfg.Policy.max())

	partitions, err := m.store.Partitions(ctx)
	if err != nil {
		return 0, fmt.Errorf("retention: list partitions: %w", err)
	}

	dropped := 0
	for _, p := range partitions {
		if p.To.After(maxCutoff) {
			continue
		}
		_, total, err := m.store.Query(ctx, storage.Filters{From: p.From, To: p.To}, storage.Page{Limit: 1}, storage.Sort{})
		if err != nil {
			return dropped, fmt.Errorf("retention: inspect partition %s: %w", p.Name, err)
		}
		if total > 0 {
			m.logger.Info("partition kept, legal-hold records remain", "partition", p.Name, "records", total)
			continue
		}
		if err := m.store.DropPartition(ctx, p.Name); err != nil {
			return dropped, fmt.Errorf("retention: drop partition %s: %w", p.Name, err)
		}
		dropped++
	}
	return dropped, nil
}
