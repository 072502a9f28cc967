package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	apperrors "github.com/campusmart/marketplace/pkg/errors"
	"github.com/campusmart/marketplace/services/review/internal/domain"
	"github.com/campusmart/marketplace/services/review/internal/repository"
)

// MaxBatchSubjects bounds GetAggregates.
const MaxBatchSubjects = 100

// ProjectionService serves subject aggregates to readers and manages a
// subject's aggregate lifecycle.
type ProjectionService struct {
	store      repository.Store
	cache      repository.RatingCache
	maintainer *AggregateMaintainer
	logger     *slog.Logger
}

// NewProjectionService creates a projection service. cache may be nil.
func NewProjectionService(store repository.Store, cache repository.RatingCache, maintainer *AggregateMaintainer, logger *slog.Logger) *ProjectionService {
	return &ProjectionService{
		store:      store,
		cache:      cache,
		maintainer: maintainer,
		logger:     logger,
	}
}

// GetAggregate returns the last committed aggregate of a subject. Subjects
// without a stored aggregate report the baseline with a zero count.
func (s *ProjectionService) GetAggregate(ctx context.Context, subjectType, subjectID string) (*domain.SubjectAggregate, error) {
	key, err := domain.NewSubjectKey(subjectType, subjectID)
	if err != nil {
		return nil, err
	}

	if cached := s.fromCache(ctx, key); cached != nil {
		return cached, nil
	}

	agg, err := s.store.Ratings().Get(ctx, key)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			baseline := domain.BaselineAggregate(key, s.maintainer.Baseline(key.Type))
			return &baseline, nil
		}
		return nil, fmt.Errorf("get aggregate: %w", err)
	}

	s.fill(ctx, agg)
	return agg, nil
}

func (s *ProjectionService) fromCache(ctx context.Context, key domain.SubjectKey) *domain.SubjectAggregate {
	if s.cache == nil {
		return nil
	}
	cached, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		cacheLookups.WithLabelValues("error").Inc()
		s.logger.DebugContext(ctx, "rating cache unavailable, reading database",
			slog.String("subject", key.String()),
			slog.String("error", err.Error()),
		)
		return nil
	case cached == nil:
		cacheLookups.WithLabelValues("miss").Inc()
		return nil
	default:
		cacheLookups.WithLabelValues("hit").Inc()
		return cached
	}
}

// fill stores a database read in the cache. The version guard keeps a slow
// reader from replacing a newer aggregate written by a concurrent commit.
func (s *ProjectionService) fill(ctx context.Context, agg *domain.SubjectAggregate) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.Set(ctx, agg); err != nil {
		s.logger.DebugContext(ctx, "failed to fill rating cache",
			slog.String("subject", agg.Subject().String()),
			slog.String("error", err.Error()),
		)
	}
}

// GetAggregates returns aggregates for several subjects of one type, in the
// order of ids, duplicates removed.
func (s *ProjectionService) GetAggregates(ctx context.Context, subjectType string, ids []string) ([]domain.SubjectAggregate, error) {
	st, err := domain.ParseSubjectType(subjectType)
	if err != nil {
		return nil, err
	}

	keys := make([]domain.SubjectKey, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		key := domain.SubjectKey{Type: st, ID: id}
		if err := key.Validate(); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, apperrors.InvalidInput("at least one subject id is required")
	}
	if len(keys) > MaxBatchSubjects {
		return nil, apperrors.InvalidInput(fmt.Sprintf("at most %d subject ids per request", MaxBatchSubjects))
	}

	found := make(map[domain.SubjectKey]domain.SubjectAggregate, len(keys))
	if s.cache != nil {
		cached, err := s.cache.GetMany(ctx, keys)
		if err != nil {
			cacheLookups.WithLabelValues("error").Inc()
			s.logger.DebugContext(ctx, "rating cache unavailable, reading database", slog.String("error", err.Error()))
		} else {
			found = cached
		}
	}

	var missing []string
	for _, k := range keys {
		if _, ok := found[k]; ok {
			cacheLookups.WithLabelValues("hit").Inc()
			continue
		}
		missing = append(missing, k.ID)
	}

	if len(missing) > 0 {
		if s.cache != nil {
			cacheLookups.WithLabelValues("miss").Add(float64(len(missing)))
		}
		stored, err := s.store.Ratings().GetMany(ctx, st, missing)
		if err != nil {
			return nil, fmt.Errorf("get aggregates: %w", err)
		}
		for i := range stored {
			found[stored[i].Subject()] = stored[i]
			s.fill(ctx, &stored[i])
		}
	}

	out := make([]domain.SubjectAggregate, 0, len(keys))
	for _, k := range keys {
		agg, ok := found[k]
		if !ok {
			agg = domain.BaselineAggregate(k, s.maintainer.Baseline(st))
		}
		out = append(out, agg)
	}
	return out, nil
}

// InitSubject creates a subject's baseline aggregate. Calling it again for an
// existing subject returns the stored aggregate unchanged.
func (s *ProjectionService) InitSubject(ctx context.Context, subjectType, subjectID string) (*domain.SubjectAggregate, bool, error) {
	key, err := domain.NewSubjectKey(subjectType, subjectID)
	if err != nil {
		return nil, false, err
	}

	created, err := s.store.Ratings().Init(ctx, key, s.maintainer.Baseline(key.Type))
	if err != nil {
		return nil, false, fmt.Errorf("init subject: %w", err)
	}
	agg, err := s.store.Ratings().Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("init subject: %w", err)
	}

	if created {
		s.logger.InfoContext(ctx, "subject aggregate initialized",
			slog.String("subject", key.String()),
			slog.Float64("baseline_average", agg.BaselineAverage),
		)
	}
	s.fill(ctx, agg)
	return agg, created, nil
}

// PurgeSubject removes a subject's reviews and their helpful marks, and resets
// its aggregate to baseline. It returns the number of reviews removed.
//
// The aggregate row is kept with a bumped version rather than deleted, so the
// version keeps growing and no cached pre-purge snapshot can outrank later
// writes. A row that was never written (version 0, no reviews) is dropped.
func (s *ProjectionService) PurgeSubject(ctx context.Context, subjectType, subjectID string) (int64, error) {
	key, err := domain.NewSubjectKey(subjectType, subjectID)
	if err != nil {
		return 0, err
	}

	var (
		removed int64
		reset   *domain.SubjectAggregate
	)
	err = s.maintainer.WithSubjectLock(ctx, "purge_subject", key, func(ctx context.Context, tx repository.Repositories, locked *domain.SubjectAggregate) error {
		removed, reset = 0, nil
		n, err := tx.Reviews().DeleteBySubject(ctx, key)
		if err != nil {
			return err
		}
		removed = n
		if n == 0 && locked.Version == 0 {
			return tx.Ratings().Delete(ctx, key)
		}
		reset, err = s.maintainer.RecomputeInTx(ctx, tx, key)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge subject: %w", err)
	}

	if reset != nil {
		s.maintainer.Committed(ctx, reset)
	} else if s.cache != nil {
		if err := s.cache.Delete(context.WithoutCancel(ctx), key); err != nil {
			s.logger.WarnContext(ctx, "failed to evict purged subject from rating cache",
				slog.String("subject", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "subject purged",
		slog.String("subject", key.String()),
		slog.Int64("reviews_removed", removed),
	)
	return removed, nil
}
