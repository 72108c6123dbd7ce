// Package retention purges expired audit events from the repository.
//
// A Janitor sweeps on a fixed interval. Each sweep lists events older than
// the retention window in batches, hands every batch to the Archiver when
// one is configured and then deletes it. Archive failures are fail-safe: a
// batch that could not be archived is NOT deleted and the sweep stops.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/radoslaw-sz/guardio/pkg/models"
)

// DefaultBatchSize is the max events listed, archived and deleted at once.
const DefaultBatchSize = 1000

// EventStore is the slice of the repository the janitor needs.
type EventStore interface {
	ListEvents(ctx context.Context, filter models.EventFilter) ([]models.GuardioEvent, error)
	DeleteEvents(ctx context.Context, ids []string) (int, error)
}

// Archiver writes expired events to durable storage and returns where.
type Archiver interface {
	Kind() string
	ArchiveEvents(ctx context.Context, events []models.GuardioEvent) (string, error)
	HealthCheck(ctx context.Context) error
}

// Options configures a Janitor.
type Options struct {
	// Retention is the age past which events expire. Zero disables purging.
	Retention time.Duration
	Interval  time.Duration
	// Archiver is optional; without one expired events are only purged.
	Archiver  Archiver
	BatchSize int
}

// CycleStats tracks what happened in a single retention sweep.
type CycleStats struct {
	Archived int
	Purged   int
	Archives []string
	Err      error
}

// Janitor periodically archives and purges expired events.
type Janitor struct {
	store     EventStore
	retention time.Duration
	interval  time.Duration
	archiver  Archiver
	batchSize int
	now       func() time.Time
	logger    zerolog.Logger
}

// NewJanitor creates a retention janitor over s.
func NewJanitor(s EventStore, opts Options) *Janitor {
	interval := opts.Interval
	if interval < time.Minute {
		interval = time.Hour
	}
	batch := opts.BatchSize
	if batch <= 0 || batch > DefaultBatchSize {
		batch = DefaultBatchSize
	}
	return &Janitor{
		store:     s,
		retention: opts.Retention,
		interval:  interval,
		archiver:  opts.Archiver,
		batchSize: batch,
		now:       time.Now,
		logger:    log.With().Str("component", "retention").Logger(),
	}
}

// Start sweeps once immediately and then on every tick. It blocks until ctx
// is canceled.
func (j *Janitor) Start(ctx context.Context) {
	if j.retention <= 0 {
		j.logger.Info().Msg("Event retention disabled")
		return
	}

	archiver := "none"
	if j.archiver != nil {
		archiver = j.archiver.Kind()
		if err := j.archiver.HealthCheck(ctx); err != nil {
			j.logger.Warn().Err(err).Str("archiver", archiver).Msg("Archiver unhealthy, expired events will be kept until it recovers")
		}
	}
	j.logger.Info().
		Dur("retention", j.retention).
		Dur("interval", j.interval).
		Str("archiver", archiver).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	var stats CycleStats
	if j.retention <= 0 {
		return stats
	}
	start := j.now()
	cutoff := start.Add(-j.retention)

	for ctx.Err() == nil {
		expired, err := j.store.ListEvents(ctx, models.EventFilter{Before: &cutoff, Limit: j.batchSize})
		if err != nil {
			stats.Err = err
			break
		}
		if len(expired) == 0 {
			break
		}

		if j.archiver != nil {
			uri, err := j.archiver.ArchiveEvents(ctx, expired)
			if err != nil {
				j.logger.Warn().Err(err).
					Str("archiver", j.archiver.Kind()).
					Int("batch_size", len(expired)).
					Msg("Archive failed, skipping purge")
				stats.Err = err
				break
			}
			stats.Archived += len(expired)
			stats.Archives = append(stats.Archives, uri)
		}

		ids := make([]string, len(expired))
		for i, e := range expired {
			ids[i] = e.ID
		}
		n, err := j.store.DeleteEvents(ctx, ids)
		if err != nil {
			stats.Err = err
			break
		}
		stats.Purged += n
		if n == 0 || len(expired) < j.batchSize {
			break
		}
	}

	if stats.Err != nil {
		j.logger.Warn().Err(stats.Err).Int("purged", stats.Purged).Msg("Retention cycle error")
	}
	if stats.Purged > 0 || stats.Archived > 0 {
		j.logger.Info().
			Int("purged_events", stats.Purged).
			Int("archived_events", stats.Archived).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}
