package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/campusmart/marketplace/pkg/database"
	apperrors "github.com/campusmart/marketplace/pkg/errors"
	"github.com/campusmart/marketplace/pkg/pagination"
	"github.com/campusmart/marketplace/services/review/internal/domain"
	"github.com/campusmart/marketplace/services/review/internal/repository"
)

const reviewUniqueConstraint = "reviews_subject_author_key"

const reviewColumns = `id, subject_type, subject_id, author_id, rating, title, content, helpful_count, created_at, updated_at`

// ReviewRepository implements review persistence operations using PostgreSQL.
type ReviewRepository struct {
	db database.DBTX
}

// NewReviewRepository creates a new PostgreSQL-backed review repository.
func NewReviewRepository(db database.DBTX) *ReviewRepository {
	return &ReviewRepository{db: db}
}

var _ repository.ReviewRepository = (*ReviewRepository)(nil)

// Create inserts a new review.
func (r *ReviewRepository) Create(ctx context.Context, review *domain.Review) (err error) {
	query := `
		INSERT INTO reviews (id, subject_type, subject_id, author_id, rating, title, content, helpful_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)`

	ctx, end := database.TraceQuery(ctx, "InsertReview", query, subjectAttrs(review.Subject())...)
	defer func() { end(err) }()

	_, err = r.db.Exec(ctx, query,
		review.ID,
		review.SubjectType,
		review.SubjectID,
		review.AuthorID,
		review.Rating,
		review.Title,
		review.Content,
		review.CreatedAt,
		review.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err, reviewUniqueConstraint) {
			return apperrors.AlreadyExists("review", "author", review.AuthorID)
		}
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

// GetByID retrieves a review by its identifier.
func (r *ReviewRepository) GetByID(ctx context.Context, id string) (_ *domain.Review, err error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "GetReview", query)
	defer func() { end(err) }()

	return r.getOne(ctx, query, id)
}

// GetForUpdate retrieves a review and locks its row for the rest of the
// transaction.
func (r *ReviewRepository) GetForUpdate(ctx context.Context, id string) (_ *domain.Review, err error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE id = $1 FOR UPDATE`

	ctx, end := database.TraceQuery(ctx, "LockReview", query)
	defer func() { end(err) }()

	return r.getOne(ctx, query, id)
}

func (r *ReviewRepository) getOne(ctx context.Context, query, id string) (*domain.Review, error) {
	rv, err := scanReview(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("review", id)
		}
		return nil, fmt.Errorf("get review %s: %w", id, err)
	}
	return rv, nil
}

// Update stores the mutable fields of a review.
func (r *ReviewRepository) Update(ctx context.Context, review *domain.Review) (err error) {
	query := `
		UPDATE reviews
		SET rating = $2, title = $3, content = $4, updated_at = $5
		WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "UpdateReview", query, subjectAttrs(review.Subject())...)
	defer func() { end(err) }()

	tag, err := r.db.Exec(ctx, query, review.ID, review.Rating, review.Title, review.Content, review.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("review", review.ID)
	}
	return nil
}

// Delete removes a review by its identifier.
func (r *ReviewRepository) Delete(ctx context.Context, id string) (err error) {
	query := `DELETE FROM reviews WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "DeleteReview", query)
	defer func() { end(err) }()

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("review", id)
	}
	return nil
}

var reviewOrderBy = map[domain.ReviewSort]string{
	domain.SortNewest:  "created_at DESC, id DESC",
	domain.SortOldest:  "created_at ASC, id ASC",
	domain.SortHighest: "rating DESC, created_at DESC, id DESC",
	domain.SortLowest:  "rating ASC, created_at DESC, id DESC",
	domain.SortHelpful: "helpful_count DESC, created_at DESC, id DESC",
}

// ListBySubject returns one page of a subject's reviews along with the total count.
func (r *ReviewRepository) ListBySubject(ctx context.Context, key domain.SubjectKey, filter repository.ReviewFilter) (_ []domain.Review, _ int, err error) {
	conditions := []string{"subject_type = $1", "subject_id = $2"}
	args := []any{key.Type, key.ID}
	if filter.Rating != nil {
		args = append(args, *filter.Rating)
		conditions = append(conditions, fmt.Sprintf("rating = $%d", len(args)))
	}

	orderBy, ok := reviewOrderBy[filter.Sort]
	if !ok {
		orderBy = reviewOrderBy[domain.SortNewest]
	}

	limit, offset := pageBounds(filter.Page, filter.PerPage)
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT %s, count(*) OVER() AS total_count
		FROM reviews
		WHERE %s
		ORDER BY %s
		LIMIT $%d OFFSET $%d`,
		reviewColumns, strings.Join(conditions, " AND "), orderBy, len(args)-1, len(args))

	ctx, end := database.TraceQuery(ctx, "ListReviewsBySubject", query, subjectAttrs(key)...)
	defer func() { end(err) }()

	return r.list(ctx, query, args...)
}

// ListByAuthor returns one page of an author's reviews, newest first.
func (r *ReviewRepository) ListByAuthor(ctx context.Context, authorID string, page, perPage int) (_ []domain.Review, _ int, err error) {
	limit, offset := pageBounds(page, perPage)
	query := `
		SELECT ` + reviewColumns + `, count(*) OVER() AS total_count
		FROM reviews
		WHERE author_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	ctx, end := database.TraceQuery(ctx, "ListReviewsByAuthor", query)
	defer func() { end(err) }()

	return r.list(ctx, query, authorID, limit, offset)
}

func (r *ReviewRepository) list(ctx context.Context, query string, args ...any) ([]domain.Review, int, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var (
		reviews    []domain.Review
		totalCount int
	)
	for rows.Next() {
		var rv domain.Review
		if err := rows.Scan(
			&rv.ID,
			&rv.SubjectType,
			&rv.SubjectID,
			&rv.AuthorID,
			&rv.Rating,
			&rv.Title,
			&rv.Content,
			&rv.HelpfulCount,
			&rv.CreatedAt,
			&rv.UpdatedAt,
			&totalCount,
		); err != nil {
			return nil, 0, fmt.Errorf("scan review row: %w", err)
		}
		reviews = append(reviews, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate review rows: %w", err)
	}

	if reviews == nil {
		reviews = []domain.Review{}
	}
	return reviews, totalCount, nil
}

// LiveRatings returns the rating of every review of a subject. Callers that
// recompute an aggregate must hold the subject lock first.
func (r *ReviewRepository) LiveRatings(ctx context.Context, key domain.SubjectKey) (_ []int, err error) {
	query := `SELECT rating FROM reviews WHERE subject_type = $1 AND subject_id = $2`

	ctx, end := database.TraceQuery(ctx, "ListLiveRatings", query, subjectAttrs(key)...)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, key.Type, key.ID)
	if err != nil {
		return nil, fmt.Errorf("list ratings: %w", err)
	}
	ratings, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, fmt.Errorf("collect ratings: %w", err)
	}
	return ratings, nil
}

// DeleteBySubject removes every review of a subject and returns how many.
func (r *ReviewRepository) DeleteBySubject(ctx context.Context, key domain.SubjectKey) (_ int64, err error) {
	query := `DELETE FROM reviews WHERE subject_type = $1 AND subject_id = $2`

	ctx, end := database.TraceQuery(ctx, "DeleteReviewsBySubject", query, subjectAttrs(key)...)
	defer func() { end(err) }()

	tag, err := r.db.Exec(ctx, query, key.Type, key.ID)
	if err != nil {
		return 0, fmt.Errorf("delete subject reviews: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RefreshHelpfulCount sets helpful_count to the number of mark rows.
func (r *ReviewRepository) RefreshHelpfulCount(ctx context.Context, id string) (_ int, err error) {
	query := `
		UPDATE reviews
		SET helpful_count = (SELECT count(*) FROM review_helpful_marks WHERE review_id = $1)
		WHERE id = $1
		RETURNING helpful_count`

	ctx, end := database.TraceQuery(ctx, "RefreshHelpfulCount", query)
	defer func() { end(err) }()

	var count int
	if err = r.db.QueryRow(ctx, query, id).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.NotFound("review", id)
		}
		return 0, fmt.Errorf("refresh helpful count: %w", err)
	}
	return count, nil
}

func scanReview(row pgx.Row) (*domain.Review, error) {
	var rv domain.Review
	err := row.Scan(
		&rv.ID,
		&rv.SubjectType,
		&rv.SubjectID,
		&rv.AuthorID,
		&rv.Rating,
		&rv.Title,
		&rv.Content,
		&rv.HelpfulCount,
		&rv.CreatedAt,
		&rv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rv, nil
}

func pageBounds(page, perPage int) (limit, offset int) {
	limit = perPage
	if limit <= 0 {
		limit = pagination.DefaultPerPage
	}
	if limit > pagination.MaxPerPage {
		limit = pagination.MaxPerPage
	}
	if page > 1 {
		offset = (page - 1) * limit
	}
	return limit, offset
}

func subjectAttrs(key domain.SubjectKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("subject.type", string(key.Type)),
		attribute.String("subject.id", key.ID),
	}
}
