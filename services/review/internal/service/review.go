package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/campusmart/marketplace/pkg/errors"
	"github.com/campusmart/marketplace/pkg/pagination"
	"github.com/campusmart/marketplace/services/review/internal/domain"
	"github.com/campusmart/marketplace/services/review/internal/repository"
)

// CreateReviewInput holds the parameters for creating a review.
type CreateReviewInput struct {
	SubjectType string
	SubjectID   string
	AuthorID    string
	Rating      int
	Title       string
	Content     string
}

// ReviewService implements review CRUD. Every mutation recomputes the
// subject aggregate in the same transaction.
type ReviewService struct {
	store          repository.Store
	maintainer     *AggregateMaintainer
	events         EventPublisher
	moderatorRoles []string
	logger         *slog.Logger
	now            func() time.Time
}

// NewReviewService creates a new review service. moderatorRoles may delete
// any review.
func NewReviewService(store repository.Store, maintainer *AggregateMaintainer, events EventPublisher, moderatorRoles []string, logger *slog.Logger) *ReviewService {
	roles := make([]string, 0, len(moderatorRoles))
	for _, r := range moderatorRoles {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			roles = append(roles, r)
		}
	}
	return &ReviewService{
		store:          store,
		maintainer:     maintainer,
		events:         events,
		moderatorRoles: roles,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new review and recomputes the subject's aggregate.
func (s *ReviewService) Create(ctx context.Context, input *CreateReviewInput) (_ *domain.Review, err error) {
	key, err := domain.NewSubjectKey(input.SubjectType, input.SubjectID)
	if err != nil {
		return nil, err
	}
	defer func() {
		reviewMutations.WithLabelValues(string(key.Type), "create", outcome(err)).Inc()
	}()

	now := s.now()
	review := &domain.Review{
		ID:          uuid.NewString(),
		SubjectType: key.Type,
		SubjectID:   key.ID,
		AuthorID:    strings.TrimSpace(input.AuthorID),
		Rating:      input.Rating,
		Title:       strings.TrimSpace(input.Title),
		Content:     strings.TrimSpace(input.Content),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := review.Validate(); err != nil {
		return nil, err
	}

	var agg *domain.SubjectAggregate
	err = s.maintainer.WithSubjectLock(ctx, "create_review", key, func(ctx context.Context, tx repository.Repositories, _ *domain.SubjectAggregate) error {
		if err := tx.Reviews().Create(ctx, review); err != nil {
			return err
		}
		var err error
		agg, err = s.maintainer.RecomputeInTx(ctx, tx, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create review: %w", err)
	}

	s.logger.InfoContext(ctx, "review created",
		slog.String("review_id", review.ID),
		slog.String("subject", key.String()),
		slog.String("author_id", review.AuthorID),
		slog.Int("rating", review.Rating),
		slog.Float64("ratings_average", agg.Average),
		slog.Int("ratings_quantity", agg.Count),
	)

	s.maintainer.Committed(ctx, agg)
	s.publish(ctx, "review.created", func(ctx context.Context) error {
		return s.events.PublishReviewCreated(ctx, review)
	})
	return review, nil
}

// Update applies patch to the author's own review and recomputes the
// subject's aggregate.
func (s *ReviewService) Update(ctx context.Context, reviewID, actorID string, patch domain.ReviewPatch) (_ *domain.Review, err error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	key := current.Subject()
	defer func() {
		reviewMutations.WithLabelValues(string(key.Type), "update", outcome(err)).Inc()
	}()
	if current.AuthorID != actorID {
		return nil, apperrors.Forbidden("only the author can edit a review")
	}

	var (
		updated        *domain.Review
		previousRating int
		agg            *domain.SubjectAggregate
	)
	err = s.maintainer.WithSubjectLock(ctx, "update_review", key, func(ctx context.Context, tx repository.Repositories, _ *domain.SubjectAggregate) error {
		rv, err := tx.Reviews().GetForUpdate(ctx, reviewID)
		if err != nil {
			return err
		}
		previousRating = rv.Rating
		patch.Apply(rv, s.now())
		if err := rv.Validate(); err != nil {
			return err
		}
		if err := tx.Reviews().Update(ctx, rv); err != nil {
			return err
		}
		if agg, err = s.maintainer.RecomputeInTx(ctx, tx, key); err != nil {
			return err
		}
		updated = rv
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update review: %w", err)
	}

	s.logger.InfoContext(ctx, "review updated",
		slog.String("review_id", updated.ID),
		slog.String("subject", key.String()),
		slog.Int("previous_rating", previousRating),
		slog.Int("rating", updated.Rating),
		slog.Float64("ratings_average", agg.Average),
	)

	s.maintainer.Committed(ctx, agg)
	s.publish(ctx, "review.updated", func(ctx context.Context) error {
		return s.events.PublishReviewUpdated(ctx, updated, previousRating)
	})
	return updated, nil
}

// Delete removes a review on behalf of its author or a moderator and
// recomputes the subject's aggregate.
func (s *ReviewService) Delete(ctx context.Context, reviewID string, actor Actor) (err error) {
	current, err := s.Get(ctx, reviewID)
	if err != nil {
		return err
	}
	key := current.Subject()
	defer func() {
		reviewMutations.WithLabelValues(string(key.Type), "delete", outcome(err)).Inc()
	}()
	if !s.canDelete(current, actor) {
		return apperrors.Forbidden("only the author or a moderator can delete a review")
	}

	var (
		deleted *domain.Review
		agg     *domain.SubjectAggregate
	)
	err = s.maintainer.WithSubjectLock(ctx, "delete_review", key, func(ctx context.Context, tx repository.Repositories, _ *domain.SubjectAggregate) error {
		rv, err := tx.Reviews().GetForUpdate(ctx, reviewID)
		if err != nil {
			return err
		}
		if err := tx.Reviews().Delete(ctx, reviewID); err != nil {
			return err
		}
		if agg, err = s.maintainer.RecomputeInTx(ctx, tx, key); err != nil {
			return err
		}
		deleted = rv
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete review: %w", err)
	}

	s.logger.InfoContext(ctx, "review deleted",
		slog.String("review_id", reviewID),
		slog.String("subject", key.String()),
		slog.String("deleted_by", actor.ID),
		slog.Bool("moderated", actor.ID != deleted.AuthorID),
		slog.Int("ratings_quantity", agg.Count),
	)

	s.maintainer.Committed(ctx, agg)
	s.publish(ctx, "review.deleted", func(ctx context.Context) error {
		return s.events.PublishReviewDeleted(ctx, deleted, actor.ID)
	})
	return nil
}

func (s *ReviewService) canDelete(review *domain.Review, actor Actor) bool {
	if actor.ID != "" && actor.ID == review.AuthorID {
		return true
	}
	role := strings.ToLower(actor.Role)
	return role != "" && slices.Contains(s.moderatorRoles, role)
}

// Get returns a review by ID.
func (s *ReviewService) Get(ctx context.Context, reviewID string) (*domain.Review, error) {
	if strings.TrimSpace(reviewID) == "" {
		return nil, apperrors.InvalidInput("review id is required")
	}
	if _, err := uuid.Parse(reviewID); err != nil {
		return nil, apperrors.NotFound("review", reviewID)
	}
	return s.store.Reviews().GetByID(ctx, reviewID)
}

// ListBySubject returns one page of a subject's reviews. The page is read
// outside any subject lock and may lag concurrent writers.
func (s *ReviewService) ListBySubject(ctx context.Context, subjectType, subjectID string, filter repository.ReviewFilter) (*pagination.Result[domain.Review], error) {
	key, err := domain.NewSubjectKey(subjectType, subjectID)
	if err != nil {
		return nil, err
	}
	if filter.Rating != nil {
		if err := domain.ValidateRating(*filter.Rating); err != nil {
			return nil, err
		}
	}
	params := normalizePage(filter.Page, filter.PerPage)
	filter.Page, filter.PerPage = params.Page, params.PerPage
	if filter.Sort == "" {
		filter.Sort = domain.SortNewest
	}

	reviews, total, err := s.store.Reviews().ListBySubject(ctx, key, filter)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	result := pagination.NewResult(reviews, total, params)
	return &result, nil
}

// ListByAuthor returns one page of the author's reviews, newest first.
func (s *ReviewService) ListByAuthor(ctx context.Context, authorID string, page, perPage int) (*pagination.Result[domain.Review], error) {
	if err := domain.ValidateUserID("author id", authorID); err != nil {
		return nil, err
	}
	params := normalizePage(page, perPage)

	reviews, total, err := s.store.Reviews().ListByAuthor(ctx, authorID, params.Page, params.PerPage)
	if err != nil {
		return nil, fmt.Errorf("list author reviews: %w", err)
	}
	result := pagination.NewResult(reviews, total, params)
	return &result, nil
}

func (s *ReviewService) publish(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if s.events == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		s.logger.WarnContext(ctx, "failed to publish event",
			slog.String("event", name),
			slog.String("error", err.Error()),
		)
	}
}

func normalizePage(page, perPage int) pagination.Params {
	p := pagination.DefaultParams()
	if page > 0 {
		p.Page = page
	}
	if perPage > 0 {
		p.PerPage = min(perPage, pagination.MaxPerPage)
	}
	p.Offset = (p.Page - 1) * p.PerPage
	return p
}
