package repository

import (
	"context"

	"github.com/campusmart/marketplace/services/review/internal/domain"
)

// ReviewFilter defines filter, sort and page for review listings.
type ReviewFilter struct {
	Rating  *int
	Sort    domain.ReviewSort
	Page    int
	PerPage int
}

// ReviewRepository defines review persistence operations.
type ReviewRepository interface {
	// Create inserts a review. A second review by the same author for the
	// same subject fails with apperrors.ErrAlreadyExists.
	Create(ctx context.Context, review *domain.Review) error

	// GetByID returns a review or apperrors.ErrNotFound.
	GetByID(ctx context.Context, id string) (*domain.Review, error)

	// GetForUpdate returns a review and row-locks it until the transaction ends.
	GetForUpdate(ctx context.Context, id string) (*domain.Review, error)

	// Update stores rating, title, content and updated_at.
	Update(ctx context.Context, review *domain.Review) error

	// Delete removes a review; its helpful marks cascade.
	Delete(ctx context.Context, id string) error

	// ListBySubject returns one page of a subject's reviews and the total count.
	ListBySubject(ctx context.Context, key domain.SubjectKey, filter ReviewFilter) ([]domain.Review, int, error)

	// ListByAuthor returns one page of an author's reviews, newest first.
	ListByAuthor(ctx context.Context, authorID string, page, perPage int) ([]domain.Review, int, error)

	// LiveRatings returns the rating of every stored review of a subject.
	LiveRatings(ctx context.Context, key domain.SubjectKey) ([]int, error)

	// DeleteBySubject removes every review of a subject.
	DeleteBySubject(ctx context.Context, key domain.SubjectKey) (int64, error)

	// RefreshHelpfulCount sets helpful_count from the mark rows and returns it.
	RefreshHelpfulCount(ctx context.Context, id string) (int, error)
}

// RatingRepository persists subject aggregates in subject_ratings.
type RatingRepository interface {
	// Lock creates the baseline row if missing, then row-locks and returns it.
	// Every mutation of a subject's reviews takes this lock first.
	Lock(ctx context.Context, key domain.SubjectKey, baseline float64) (*domain.SubjectAggregate, error)

	// Save overwrites the aggregate and increments its version. agg.Version
	// and agg.UpdatedAt are set to the stored values.
	Save(ctx context.Context, agg *domain.SubjectAggregate) error

	// Get returns the stored aggregate or apperrors.ErrNotFound.
	Get(ctx context.Context, key domain.SubjectKey) (*domain.SubjectAggregate, error)

	// GetMany returns the stored aggregates among ids; missing ones are omitted.
	GetMany(ctx context.Context, subjectType domain.SubjectType, ids []string) ([]domain.SubjectAggregate, error)

	// Init inserts a baseline row unless one exists. It reports whether a row
	// was created.
	Init(ctx context.Context, key domain.SubjectKey, baseline float64) (bool, error)

	// ListKeys returns up to limit subject keys ordered after the given key.
	ListKeys(ctx context.Context, after domain.SubjectKey, limit int) ([]domain.SubjectKey, error)

	// Delete removes a subject's aggregate row. Only rows that were never
	// written are removed, so versions never restart.
	Delete(ctx context.Context, key domain.SubjectKey) error
}

// HelpfulMarkRepository persists helpful votes.
type HelpfulMarkRepository interface {
	// Add records a mark. It returns false when the voter already marked
	// the review.
	Add(ctx context.Context, mark *domain.HelpfulMark) (bool, error)
}

// Repositories groups the repositories bound to one connection or transaction.
type Repositories interface {
	Reviews() ReviewRepository
	Ratings() RatingRepository
	Marks() HelpfulMarkRepository
}

// Store exposes pool-bound repositories and transactional units of work.
type Store interface {
	Repositories

	// WithinTx runs fn in a READ COMMITTED transaction, committing when fn
	// returns nil. The repositories passed to fn are bound to it.
	WithinTx(ctx context.Context, fn func(tx Repositories) error) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error
}

// RatingCache is the read-through projection of subject aggregates.
type RatingCache interface {
	// Get returns the cached aggregate, or nil on a miss.
	Get(ctx context.Context, key domain.SubjectKey) (*domain.SubjectAggregate, error)

	// GetMany returns the cached aggregates among keys.
	GetMany(ctx context.Context, keys []domain.SubjectKey) (map[domain.SubjectKey]domain.SubjectAggregate, error)

	// Set stores agg unless the cache already holds an equal or newer version.
	// It reports whether the entry was written.
	Set(ctx context.Context, agg *domain.SubjectAggregate) (bool, error)

	// Delete evicts a subject.
	Delete(ctx context.Context, key domain.SubjectKey) error
}
