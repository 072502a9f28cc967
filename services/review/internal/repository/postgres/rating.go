package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/campusmart/marketplace/pkg/database"
	apperrors "github.com/campusmart/marketplace/pkg/errors"
	"github.com/campusmart/marketplace/services/review/internal/domain"
	"github.com/campusmart/marketplace/services/review/internal/repository"
)

const ratingColumns = `subject_type, subject_id, ratings_quantity, ratings_average,
	star_1, star_2, star_3, star_4, star_5, baseline_average, version, updated_at`

// RatingRepository persists subject aggregates in subject_ratings.
type RatingRepository struct {
	db database.DBTX
}

// NewRatingRepository creates a new PostgreSQL-backed rating repository.
func NewRatingRepository(db database.DBTX) *RatingRepository {
	return &RatingRepository{db: db}
}

var _ repository.RatingRepository = (*RatingRepository)(nil)

const initRatingSQL = `
	INSERT INTO subject_ratings (subject_type, subject_id, ratings_average, baseline_average)
	VALUES ($1, $2, $3, $3)
	ON CONFLICT (subject_type, subject_id) DO NOTHING`

// Lock inserts the baseline row when the subject has none, then takes a row
// lock on it. The insert makes a first review of an unregistered subject
// serialize on the same row as every later one.
func (r *RatingRepository) Lock(ctx context.Context, key domain.SubjectKey, baseline float64) (_ *domain.SubjectAggregate, err error) {
	query := `SELECT ` + ratingColumns + ` FROM subject_ratings
		WHERE subject_type = $1 AND subject_id = $2
		FOR UPDATE`

	ctx, end := database.TraceQuery(ctx, "LockSubject", query, subjectAttrs(key)...)
	defer func() { end(err) }()

	if _, err = r.db.Exec(ctx, initRatingSQL, key.Type, key.ID, baseline); err != nil {
		return nil, fmt.Errorf("init subject rating %s: %w", key, err)
	}

	agg, err := scanAggregate(r.db.QueryRow(ctx, query, key.Type, key.ID))
	if err != nil {
		// The row was inserted above in this transaction or by a committed one.
		return nil, fmt.Errorf("lock subject rating %s: %w", key, err)
	}
	return agg, nil
}

// Save overwrites the aggregate and bumps its version.
func (r *RatingRepository) Save(ctx context.Context, agg *domain.SubjectAggregate) (err error) {
	query := `
		UPDATE subject_ratings
		SET ratings_quantity = $3, ratings_average = $4,
		    star_1 = $5, star_2 = $6, star_3 = $7, star_4 = $8, star_5 = $9,
		    baseline_average = $10, version = version + 1, updated_at = $11
		WHERE subject_type = $1 AND subject_id = $2
		RETURNING version`

	key := agg.Subject()
	ctx, end := database.TraceQuery(ctx, "SaveAggregate", query, subjectAttrs(key)...)
	defer func() { end(err) }()

	d := agg.Distribution
	err = r.db.QueryRow(ctx, query,
		agg.SubjectType,
		agg.SubjectID,
		agg.Count,
		agg.Average,
		d[0], d[1], d[2], d[3], d[4],
		agg.BaselineAverage,
		agg.UpdatedAt,
	).Scan(&agg.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("subject rating", key.String())
		}
		return fmt.Errorf("save subject rating %s: %w", key, err)
	}
	return nil
}

// Get returns the stored aggregate of a subject.
func (r *RatingRepository) Get(ctx context.Context, key domain.SubjectKey) (_ *domain.SubjectAggregate, err error) {
	query := `SELECT ` + ratingColumns + ` FROM subject_ratings WHERE subject_type = $1 AND subject_id = $2`

	ctx, end := database.TraceQuery(ctx, "GetAggregate", query, subjectAttrs(key)...)
	defer func() { end(err) }()

	agg, err := scanAggregate(r.db.QueryRow(ctx, query, key.Type, key.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("subject rating", key.String())
		}
		return nil, fmt.Errorf("get subject rating %s: %w", key, err)
	}
	return agg, nil
}

// GetMany returns the stored aggregates for ids of one subject type.
func (r *RatingRepository) GetMany(ctx context.Context, subjectType domain.SubjectType, ids []string) (_ []domain.SubjectAggregate, err error) {
	if len(ids) == 0 {
		return []domain.SubjectAggregate{}, nil
	}
	query := `SELECT ` + ratingColumns + ` FROM subject_ratings
		WHERE subject_type = $1 AND subject_id = ANY($2)
		ORDER BY subject_id`

	ctx, end := database.TraceQuery(ctx, "GetAggregates", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, subjectType, ids)
	if err != nil {
		return nil, fmt.Errorf("get subject ratings: %w", err)
	}
	defer rows.Close()

	out := make([]domain.SubjectAggregate, 0, len(ids))
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subject rating: %w", err)
		}
		out = append(out, *agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subject ratings: %w", err)
	}
	return out, nil
}

// Init creates a baseline row unless the subject already has one.
func (r *RatingRepository) Init(ctx context.Context, key domain.SubjectKey, baseline float64) (_ bool, err error) {
	ctx, end := database.TraceQuery(ctx, "InitSubject", initRatingSQL, subjectAttrs(key)...)
	defer func() { end(err) }()

	tag, err := r.db.Exec(ctx, initRatingSQL, key.Type, key.ID, baseline)
	if err != nil {
		return false, fmt.Errorf("init subject rating %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListKeys pages through every subject in key order.
func (r *RatingRepository) ListKeys(ctx context.Context, after domain.SubjectKey, limit int) (_ []domain.SubjectKey, err error) {
	query := `
		SELECT subject_type, subject_id
		FROM subject_ratings
		WHERE (subject_type, subject_id) > ($1, $2)
		ORDER BY subject_type, subject_id
		LIMIT $3`

	ctx, end := database.TraceQuery(ctx, "ListSubjectKeys", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, string(after.Type), after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list subject keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.SubjectKey
	for rows.Next() {
		var k domain.SubjectKey
		if err := rows.Scan(&k.Type, &k.ID); err != nil {
			return nil, fmt.Errorf("scan subject key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subject keys: %w", err)
	}
	return keys, nil
}

// Delete removes a subject's aggregate row.
func (r *RatingRepository) Delete(ctx context.Context, key domain.SubjectKey) (err error) {
	query := `DELETE FROM subject_ratings WHERE subject_type = $1 AND subject_id = $2`

	ctx, end := database.TraceQuery(ctx, "DeleteAggregate", query, subjectAttrs(key)...)
	defer func() { end(err) }()

	if _, err = r.db.Exec(ctx, query, key.Type, key.ID); err != nil {
		return fmt.Errorf("delete subject rating %s: %w", key, err)
	}
	return nil
}

func scanAggregate(row pgx.Row) (*domain.SubjectAggregate, error) {
	var agg domain.SubjectAggregate
	d := &agg.Distribution
	err := row.Scan(
		&agg.SubjectType,
		&agg.SubjectID,
		&agg.Count,
		&agg.Average,
		&d[0], &d[1], &d[2], &d[3], &d[4],
		&agg.BaselineAverage,
		&agg.Version,
		&agg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &agg, nil
}
