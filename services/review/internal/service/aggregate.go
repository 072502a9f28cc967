package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/campusmart/marketplace/pkg/database"
	apperrors "github.com/campusmart/marketplace/pkg/errors"
	"github.com/campusmart/marketplace/services/review/internal/domain"
	"github.com/campusmart/marketplace/services/review/internal/repository"
)

// AggregateMaintainer keeps each subject's stored aggregate equal to the
// aggregate of its live reviews. All writers of a subject serialize on the
// subject's row in subject_ratings.
type AggregateMaintainer struct {
	store     repository.Store
	cache     repository.RatingCache
	events    EventPublisher
	baselines domain.Baselines
	retry     database.RetryPolicy
	logger    *slog.Logger
	now       func() time.Time
}

// MaintainerConfig holds the tunables of an AggregateMaintainer.
type MaintainerConfig struct {
	Baselines domain.Baselines
	Retry     database.RetryPolicy
}

// NewAggregateMaintainer creates a maintainer. cache may be nil.
func NewAggregateMaintainer(store repository.Store, cache repository.RatingCache, events EventPublisher, cfg MaintainerConfig, logger *slog.Logger) *AggregateMaintainer {
	return &AggregateMaintainer{
		store:     store,
		cache:     cache,
		events:    events,
		baselines: cfg.Baselines,
		retry:     cfg.Retry,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Baseline returns the configured empty-subject average for t.
func (m *AggregateMaintainer) Baseline(t domain.SubjectType) float64 {
	return m.baselines.For(t)
}

// WithSubjectLock runs fn in a transaction that holds the lock on key's
// aggregate row, creating the row at baseline if needed. The row as locked is
// passed to fn. Transient failures re-run the whole transaction; when the
// retry budget is spent an AggregateWrite error is returned and nothing is
// committed.
func (m *AggregateMaintainer) WithSubjectLock(ctx context.Context, operation string, key domain.SubjectKey, fn func(ctx context.Context, tx repository.Repositories, locked *domain.SubjectAggregate) error) error {
	attempts, err := database.WithRetry(ctx, m.retry, m.logger, operation, func(ctx context.Context) error {
		return m.store.WithinTx(ctx, func(tx repository.Repositories) error {
			locked, err := tx.Ratings().Lock(ctx, key, m.Baseline(key.Type))
			if err != nil {
				return err
			}
			return fn(ctx, tx, locked)
		})
	})
	if attempts > 1 {
		writeRetries.WithLabelValues(operation).Add(float64(attempts - 1))
	}
	if err != nil && database.IsTransient(err) {
		aggregateWriteFailures.WithLabelValues(operation).Inc()
		m.logger.ErrorContext(ctx, "aggregate write failed after retries",
			slog.String("operation", operation),
			slog.String("subject", key.String()),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return apperrors.AggregateWrite(key.String(), err)
	}
	return err
}

// RecomputeInTx rebuilds key's aggregate from the live reviews visible to tx
// and overwrites the stored row. The caller must hold the subject lock.
func (m *AggregateMaintainer) RecomputeInTx(ctx context.Context, tx repository.Repositories, key domain.SubjectKey) (*domain.SubjectAggregate, error) {
	start := time.Now()
	defer func() {
		recomputeDuration.WithLabelValues(string(key.Type)).Observe(time.Since(start).Seconds())
	}()

	agg, err := m.compute(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if err := tx.Ratings().Save(ctx, agg); err != nil {
		return nil, fmt.Errorf("store aggregate %s: %w", key, err)
	}
	return agg, nil
}

func (m *AggregateMaintainer) compute(ctx context.Context, tx repository.Repositories, key domain.SubjectKey) (*domain.SubjectAggregate, error) {
	ratings, err := tx.Reviews().LiveRatings(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read ratings of %s: %w", key, err)
	}
	agg := domain.ComputeAggregate(key, ratings, m.Baseline(key.Type))
	agg.UpdatedAt = m.now()
	if err := agg.Check(); err != nil {
		return nil, apperrors.Internal(err)
	}
	return &agg, nil
}

// Recompute rebuilds one subject's aggregate in its own transaction.
func (m *AggregateMaintainer) Recompute(ctx context.Context, subjectType, subjectID string) (*domain.SubjectAggregate, error) {
	key, err := domain.NewSubjectKey(subjectType, subjectID)
	if err != nil {
		return nil, err
	}

	var agg *domain.SubjectAggregate
	err = m.WithSubjectLock(ctx, "recompute", key, func(ctx context.Context, tx repository.Repositories, _ *domain.SubjectAggregate) error {
		var err error
		agg, err = m.RecomputeInTx(ctx, tx, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("recompute %s: %w", key, err)
	}

	m.logger.InfoContext(ctx, "aggregate recomputed",
		slog.String("subject", key.String()),
		slog.Int("ratings_quantity", agg.Count),
		slog.Float64("ratings_average", agg.Average),
		slog.Int64("version", agg.Version),
	)
	m.Committed(ctx, agg)
	return agg, nil
}

// Repair recomputes key's aggregate and stores it only if the stored row
// disagrees with the live reviews. It returns the stored value before the
// check and whether a repair was written.
func (m *AggregateMaintainer) Repair(ctx context.Context, key domain.SubjectKey) (before *domain.SubjectAggregate, repaired bool, err error) {
	var after *domain.SubjectAggregate
	err = m.WithSubjectLock(ctx, "reconcile", key, func(ctx context.Context, tx repository.Repositories, locked *domain.SubjectAggregate) error {
		before, repaired, after = locked, false, nil
		computed, err := m.compute(ctx, tx, key)
		if err != nil {
			return err
		}
		if computed.SameRatings(locked) {
			return nil
		}
		if err := tx.Ratings().Save(ctx, computed); err != nil {
			return fmt.Errorf("store aggregate %s: %w", key, err)
		}
		after, repaired = computed, true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("repair %s: %w", key, err)
	}
	if repaired {
		m.Committed(ctx, after)
	}
	return before, repaired, nil
}

// Committed propagates a committed aggregate to the projection cache and to
// subscribers. Failures are logged; the database stays authoritative.
func (m *AggregateMaintainer) Committed(ctx context.Context, agg *domain.SubjectAggregate) {
	ctx = context.WithoutCancel(ctx)

	if m.cache != nil {
		if _, err := m.cache.Set(ctx, agg); err != nil {
			m.logger.WarnContext(ctx, "failed to refresh rating cache",
				slog.String("subject", agg.Subject().String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if m.events != nil {
		if err := m.events.PublishRatingUpdated(ctx, agg); err != nil {
			m.logger.WarnContext(ctx, "failed to publish rating.updated event",
				slog.String("subject", agg.Subject().String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
