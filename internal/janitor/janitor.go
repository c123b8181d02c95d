// Package janitor runs the scheduled maintenance jobs: purging aged usage
// records and webhook event claims, and sweeping expired validation cache
// entries. Schedules are standard five-field cron expressions.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"keygate/internal/cache"
	"keygate/internal/config"
	"keygate/internal/infrastructure"
	"keygate/internal/store"
)

// jobTimeout bounds a single maintenance run. Purges are indexed deletes
// and finish in seconds; anything near this limit indicates a stuck
// database.
const jobTimeout = 5 * time.Minute

// Deps are the collaborators a Janitor needs. Store and Cache are required.
type Deps struct {
	Store   *store.Store
	Cache   cache.Cache
	Metrics *infrastructure.BusinessMetrics
	Config  config.JanitorConfig
	Logger  *slog.Logger
}

// Janitor owns the cron runner and the jobs it triggers. The job methods
// are exported so operators can run them on demand through the admin API
// without waiting for the schedule.
type Janitor struct {
	store   *store.Store
	cache   cache.Cache
	metrics *infrastructure.BusinessMetrics
	cfg     config.JanitorConfig
	logger  *slog.Logger

	cron *cron.Cron
	now  func() time.Time
}

// New wires a Janitor. Jobs overlap-protect themselves: a run that is still
// going when its schedule fires again is skipped, not stacked.
func New(deps Deps) (*Janitor, error) {
	if deps.Store == nil {
		return nil, errors.New("janitor: store is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("janitor: cache is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cronLog := cronLogger{logger: logger}
	runner := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(
			cron.SkipIfStillRunning(cronLog),
			cron.Recover(cronLog),
		),
	)

	return &Janitor{
		store:   deps.Store,
		cache:   deps.Cache,
		metrics: deps.Metrics,
		cfg:     deps.Config,
		logger:  logger,
		cron:    runner,
		now:     time.Now,
	}, nil
}

// Start registers the configured schedules and launches the runner. A
// disabled janitor starts nothing and Stop remains safe to call.
func (j *Janitor) Start() error {
	if !j.cfg.Enabled {
		j.logger.Info("janitor disabled, skipping scheduled maintenance")
		return nil
	}

	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context)
	}{
		{"usage_purge", j.cfg.UsagePurgeSchedule, func(ctx context.Context) {
			if _, err := j.PurgeUsage(ctx); err != nil {
				j.logger.ErrorContext(ctx, "usage purge failed", slog.String("error", err.Error()))
			}
		}},
		{"event_purge", j.cfg.EventPurgeSchedule, func(ctx context.Context) {
			if _, err := j.PurgeEvents(ctx); err != nil {
				j.logger.ErrorContext(ctx, "event purge failed", slog.String("error", err.Error()))
			}
		}},
		{"cache_sweep", j.cfg.CacheSweepSchedule, func(ctx context.Context) {
			j.SweepCache(ctx)
		}},
	}

	for _, job := range jobs {
		run := job.run
		if _, err := j.cron.AddFunc(job.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			run(ctx)
		}); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.name, job.schedule, err)
		}
		j.logger.Info("maintenance job scheduled",
			slog.String("job", job.name),
			slog.String("schedule", job.schedule),
		)
	}

	j.cron.Start()
	return nil
}

// Stop halts the runner and waits for in-flight jobs, up to the caller's
// deadline.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		j.logger.Info("janitor stopped")
	case <-ctx.Done():
		j.logger.Warn("janitor stop timed out with jobs still running")
	}
}

// PurgeUsage deletes usage rows older than the retention window.
func (j *Janitor) PurgeUsage(ctx context.Context) (int64, error) {
	cutoff := j.now().AddDate(0, 0, -j.cfg.UsageRetentionDays)
	deleted, err := j.store.Usage.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	infrastructure.RecordPurge(ctx, j.metrics, "usage_records", deleted)
	j.logger.InfoContext(ctx, "usage records purged",
		slog.Int64("deleted", deleted),
		slog.Time("cutoff", cutoff),
	)
	return deleted, nil
}

// PurgeEvents deletes webhook event claims older than the retention window.
// Claims must outlive the billing provider's longest redelivery backoff or
// a late retry would be applied twice.
func (j *Janitor) PurgeEvents(ctx context.Context) (int64, error) {
	cutoff := j.now().AddDate(0, 0, -j.cfg.EventRetentionDays)
	deleted, err := j.store.Events.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	infrastructure.RecordPurge(ctx, j.metrics, "webhook_events", deleted)
	j.logger.InfoContext(ctx, "webhook event claims purged",
		slog.Int64("deleted", deleted),
		slog.Time("cutoff", cutoff),
	)
	return deleted, nil
}

// SweepCache evicts expired validation cache entries.
func (j *Janitor) SweepCache(ctx context.Context) int {
	removed := j.cache.Sweep(ctx)
	if removed > 0 {
		j.logger.DebugContext(ctx, "validation cache swept",
			slog.Int("removed", removed))
	}
	return removed
}

// cronLogger adapts slog to the cron runner's logger. Scheduler chatter is
// demoted to debug; recovered job panics surface as errors.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, slog.Any("detail", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg,
		slog.String("error", err.Error()),
		slog.Any("detail", keysAndValues),
	)
}
