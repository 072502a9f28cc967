package service

import (
	"context"

	"github.com/campusmart/marketplace/services/review/internal/domain"
)

// EventPublisher emits review and rating events after a commit. Publishing is
// best effort; callers log failures and carry on.
type EventPublisher interface {
	PublishReviewCreated(ctx context.Context, review *domain.Review) error
	PublishReviewUpdated(ctx context.Context, review *domain.Review, previousRating int) error
	PublishReviewDeleted(ctx context.Context, review *domain.Review, deletedBy string) error
	PublishRatingUpdated(ctx context.Context, agg *domain.SubjectAggregate) error
}

// Actor is the caller of a mutating operation.
type Actor struct {
	ID   string
	Role string
}
