package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/campusmart/marketplace/pkg/database"
	apperrors "github.com/campusmart/marketplace/pkg/errors"
	"github.com/campusmart/marketplace/services/review/internal/domain"
	"github.com/campusmart/marketplace/services/review/internal/repository"
)

// HelpfulService records helpful votes. A voter can mark a review once; marks
// cannot be withdrawn.
type HelpfulService struct {
	store  repository.Store
	retry  database.RetryPolicy
	logger *slog.Logger
	now    func() time.Time
}

// NewHelpfulService creates a new helpful-mark service.
func NewHelpfulService(store repository.Store, retry database.RetryPolicy, logger *slog.Logger) *HelpfulService {
	return &HelpfulService{
		store:  store,
		retry:  retry,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// MarkHelpful records voterID's vote on reviewID and returns the review's new
// helpful count. A repeated vote fails with ErrAlreadyMarked and changes
// nothing. Authors may mark their own reviews.
func (s *HelpfulService) MarkHelpful(ctx context.Context, reviewID, voterID string) (count int, err error) {
	voterID = strings.TrimSpace(voterID)
	if err := domain.ValidateUserID("voter id", voterID); err != nil {
		return 0, err
	}
	if strings.TrimSpace(reviewID) == "" {
		return 0, apperrors.InvalidInput("review id is required")
	}
	if _, err := uuid.Parse(reviewID); err != nil {
		return 0, apperrors.NotFound("review", reviewID)
	}
	defer func() {
		switch {
		case err == nil:
			helpfulMarks.WithLabelValues("marked").Inc()
		case errors.Is(err, apperrors.ErrAlreadyMarked):
			helpfulMarks.WithLabelValues("duplicate").Inc()
		default:
			helpfulMarks.WithLabelValues(outcomeError).Inc()
		}
	}()

	mark := &domain.HelpfulMark{ReviewID: reviewID, VoterID: voterID, CreatedAt: s.now()}
	attempts, err := database.WithRetry(ctx, s.retry, s.logger, "mark_helpful", func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(tx repository.Repositories) error {
			// Lock the review first so the count below sees every committed mark.
			if _, err := tx.Reviews().GetForUpdate(ctx, reviewID); err != nil {
				return err
			}
			added, err := tx.Marks().Add(ctx, mark)
			if err != nil {
				return err
			}
			if !added {
				return apperrors.AlreadyMarked(reviewID, voterID)
			}
			count, err = tx.Reviews().RefreshHelpfulCount(ctx, reviewID)
			return err
		})
	})
	if attempts > 1 {
		writeRetries.WithLabelValues("mark_helpful").Add(float64(attempts - 1))
	}
	if err != nil {
		return 0, fmt.Errorf("mark review helpful: %w", err)
	}

	s.logger.InfoContext(ctx, "review marked helpful",
		slog.String("review_id", reviewID),
		slog.String("voter_id", voterID),
		slog.Int("helpful_count", count),
	)
	return count, nil
}
