package event

import (
	"context"
	"fmt"
	"log/slog"

	pkgkafka "github.com/campusmart/marketplace/pkg/kafka"
	"github.com/campusmart/marketplace/services/review/internal/domain"
)

// Kafka topics consumed by the review service.
var (
	TopicSubjectCreated = pkgkafka.Topic("subject", "created")
	TopicSubjectDeleted = pkgkafka.Topic("subject", "deleted")
)

// SubjectService defines what the consumer needs from the projection layer.
type SubjectService interface {
	InitSubject(ctx context.Context, subjectType, subjectID string) (*domain.SubjectAggregate, bool, error)
	PurgeSubject(ctx context.Context, subjectType, subjectID string) (int64, error)
}

// SubjectData is the payload of subject.created and subject.deleted events
// published by the catalog services (shops, products, services, hostels).
type SubjectData struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
}

// Consumer processes subject lifecycle events.
type Consumer struct {
	service SubjectService
	logger  *slog.Logger
}

// NewConsumer creates a new subject lifecycle consumer.
func NewConsumer(service SubjectService, logger *slog.Logger) *Consumer {
	return &Consumer{service: service, logger: logger}
}

// HandleSubjectCreated gives a new subject its baseline aggregate.
func (c *Consumer) HandleSubjectCreated(ctx context.Context, event *pkgkafka.Event) error {
	var data SubjectData
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	agg, created, err := c.service.InitSubject(ctx, data.SubjectType, data.SubjectID)
	if err != nil {
		return fmt.Errorf("init subject %s:%s: %w", data.SubjectType, data.SubjectID, err)
	}

	c.logger.InfoContext(ctx, "processed subject.created event",
		slog.String("subject_type", data.SubjectType),
		slog.String("subject_id", data.SubjectID),
		slog.Bool("created", created),
		slog.Float64("ratings_average", agg.Average),
	)
	return nil
}

// HandleSubjectDeleted removes everything the service holds for a subject.
func (c *Consumer) HandleSubjectDeleted(ctx context.Context, event *pkgkafka.Event) error {
	var data SubjectData
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	removed, err := c.service.PurgeSubject(ctx, data.SubjectType, data.SubjectID)
	if err != nil {
		return fmt.Errorf("purge subject %s:%s: %w", data.SubjectType, data.SubjectID, err)
	}

	c.logger.InfoContext(ctx, "processed subject.deleted event",
		slog.String("subject_type", data.SubjectType),
		slog.String("subject_id", data.SubjectID),
		slog.Int64("reviews_removed", removed),
	)
	return nil
}

// Subscriptions maps each consumed topic to its handler.
func (c *Consumer) Subscriptions() map[string]pkgkafka.Handler {
	return map[string]pkgkafka.Handler{
		TopicSubjectCreated: c.HandleSubjectCreated,
		TopicSubjectDeleted: c.HandleSubjectDeleted,
	}
}
