package postgres

import (
	"context"
	"fmt"

	"github.com/campusmart/marketplace/pkg/database"
	apperrors "github.com/campusmart/marketplace/pkg/errors"
	"github.com/campusmart/marketplace/services/review/internal/domain"
	"github.com/campusmart/marketplace/services/review/internal/repository"
)

// HelpfulMarkRepository persists helpful votes in review_helpful_marks.
type HelpfulMarkRepository struct {
	db database.DBTX
}

// NewHelpfulMarkRepository creates a new PostgreSQL-backed helpful mark repository.
func NewHelpfulMarkRepository(db database.DBTX) *HelpfulMarkRepository {
	return &HelpfulMarkRepository{db: db}
}

var _ repository.HelpfulMarkRepository = (*HelpfulMarkRepository)(nil)

// Add records a vote. The (review_id, voter_id) primary key makes a repeat
// vote a no-op, reported as false.
func (r *HelpfulMarkRepository) Add(ctx context.Context, mark *domain.HelpfulMark) (_ bool, err error) {
	query := `
		INSERT INTO review_helpful_marks (review_id, voter_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (review_id, voter_id) DO NOTHING`

	ctx, end := database.TraceQuery(ctx, "AddHelpfulMark", query)
	defer func() { end(err) }()

	tag, err := r.db.Exec(ctx, query, mark.ReviewID, mark.VoterID, mark.CreatedAt)
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return false, apperrors.NotFound("review", mark.ReviewID)
		}
		return false, fmt.Errorf("add helpful mark: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
