package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pkgkafka "github.com/campusmart/marketplace/pkg/kafka"
	"github.com/campusmart/marketplace/pkg/logger"
	"github.com/campusmart/marketplace/services/review/internal/domain"
)

// Kafka topics produced by the review service.
var (
	TopicReviewCreated = pkgkafka.Topic("review", "created")
	TopicReviewUpdated = pkgkafka.Topic("review", "updated")
	TopicReviewDeleted = pkgkafka.Topic("review", "deleted")
	TopicRatingUpdated = pkgkafka.Topic("rating", "updated")
)

// SourceReviewService identifies events originating from this service.
const SourceReviewService = "review-service"

// ReviewData is the payload of review.created and review.updated events.
type ReviewData struct {
	ReviewID       string    `json:"review_id"`
	SubjectType    string    `json:"subject_type"`
	SubjectID      string    `json:"subject_id"`
	AuthorID       string    `json:"author_id"`
	Rating         int       `json:"rating"`
	PreviousRating int       `json:"previous_rating,omitempty"`
	Title          string    `json:"title,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ReviewDeletedData is the payload of a review.deleted event.
type ReviewDeletedData struct {
	ReviewID    string `json:"review_id"`
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	AuthorID    string `json:"author_id"`
	Rating      int    `json:"rating"`
	DeletedBy   string `json:"deleted_by"`
}

// RatingUpdatedData is a full snapshot of a subject's aggregate. Consumers
// keep the snapshot with the highest version.
type RatingUpdatedData struct {
	SubjectType     string      `json:"subject_type"`
	SubjectID       string      `json:"subject_id"`
	RatingsAverage  float64     `json:"ratings_average"`
	RatingsQuantity int         `json:"ratings_quantity"`
	Distribution    map[int]int `json:"distribution"`
	BaselineAverage float64     `json:"baseline_average"`
	Version         int64       `json:"version"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

type publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes review and rating events to Kafka. All events of one
// subject share a partition key so they stay ordered.
type Producer struct {
	kafka  publisher
	logger *slog.Logger
}

// NewProducer creates a new event producer for the review service.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{kafka: kafka, logger: logger}
}

func subjectKey(key domain.SubjectKey) string {
	return string(key.Type) + ":" + key.ID
}

// PublishReviewCreated publishes a review.created event.
func (p *Producer) PublishReviewCreated(ctx context.Context, review *domain.Review) error {
	return p.publish(ctx, TopicReviewCreated, "review.created", subjectKey(review.Subject()), ReviewData{
		ReviewID:    review.ID,
		SubjectType: string(review.SubjectType),
		SubjectID:   review.SubjectID,
		AuthorID:    review.AuthorID,
		Rating:      review.Rating,
		Title:       review.Title,
		UpdatedAt:   review.UpdatedAt,
	})
}

// PublishReviewUpdated publishes a review.updated event.
func (p *Producer) PublishReviewUpdated(ctx context.Context, review *domain.Review, previousRating int) error {
	return p.publish(ctx, TopicReviewUpdated, "review.updated", subjectKey(review.Subject()), ReviewData{
		ReviewID:       review.ID,
		SubjectType:    string(review.SubjectType),
		SubjectID:      review.SubjectID,
		AuthorID:       review.AuthorID,
		Rating:         review.Rating,
		PreviousRating: previousRating,
		Title:          review.Title,
		UpdatedAt:      review.UpdatedAt,
	})
}

// PublishReviewDeleted publishes a review.deleted event.
func (p *Producer) PublishReviewDeleted(ctx context.Context, review *domain.Review, deletedBy string) error {
	return p.publish(ctx, TopicReviewDeleted, "review.deleted", subjectKey(review.Subject()), ReviewDeletedData{
		ReviewID:    review.ID,
		SubjectType: string(review.SubjectType),
		SubjectID:   review.SubjectID,
		AuthorID:    review.AuthorID,
		Rating:      review.Rating,
		DeletedBy:   deletedBy,
	})
}

// PublishRatingUpdated publishes a rating.updated event carrying agg.
func (p *Producer) PublishRatingUpdated(ctx context.Context, agg *domain.SubjectAggregate) error {
	return p.publish(ctx, TopicRatingUpdated, "rating.updated", subjectKey(agg.Subject()), RatingUpdatedData{
		SubjectType:     string(agg.SubjectType),
		SubjectID:       agg.SubjectID,
		RatingsAverage:  agg.Average,
		RatingsQuantity: agg.Count,
		Distribution:    agg.Distribution.Map(),
		BaselineAverage: agg.BaselineAverage,
		Version:         agg.Version,
		UpdatedAt:       agg.UpdatedAt,
	})
}

func (p *Producer) publish(ctx context.Context, topic, eventType, key string, data any) error {
	event, err := pkgkafka.NewEvent(eventType, key, SourceReviewService, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", eventType, err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		event.WithCorrelationID(id)
	}

	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	p.logger.DebugContext(ctx, "published "+eventType+" event",
		slog.String("key", key),
		slog.String("event_id", event.EventID),
	)
	return nil
}
