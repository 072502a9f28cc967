package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodedEvent(t *testing.T, eventType string) []byte {
	t.Helper()
	event, err := NewEvent(eventType, "shop:s1", "catalog-service", subjectPayload{"shop", "s1"})
	require.NoError(t, err)
	raw, err := event.Marshal()
	require.NoError(t, err)
	return raw
}

func newTestConsumer(handler Handler, dlq DeadLetterPublisher, msgs ...kafka.Message) (*Consumer, *fakeReader, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{queue: msgs, cancel: cancel}
	c := &Consumer{
		cfg: ConsumerConfig{
			GroupID:      "review-service-subjects",
			Topic:        Topic("subject", "created"),
			MaxRetries:   3,
			RetryBackoff: time.Millisecond,
		},
		reader:  reader,
		dlq:     dlq,
		handler: handler,
		logger:  discardLogger(),
	}
	return c, reader, ctx
}

func TestConsumer_ProcessesAndCommits(t *testing.T) {
	topic := Topic("subject", "created")
	var seen []string
	handler := func(_ context.Context, e *Event) error {
		seen = append(seen, e.EventType)
		return nil
	}
	c, reader, ctx := newTestConsumer(handler, nil,
		testMessage(topic, 0, 1, encodedEvent(t, "subject.created")),
		testMessage(topic, 0, 2, encodedEvent(t, "subject.created")),
	)
	before := testutil.ToFloat64(consumerMessages.WithLabelValues(topic, "review-service-subjects", outcomeProcessed))

	require.NoError(t, c.Start(ctx))

	assert.Equal(t, []string{"subject.created", "subject.created"}, seen)
	assert.Len(t, reader.committed, 2)
	assert.Equal(t, before+2, testutil.ToFloat64(consumerMessages.WithLabelValues(topic, "review-service-subjects", outcomeProcessed)))
}

func TestConsumer_RetriesThenDeadLetters(t *testing.T) {
	topic := Topic("subject", "created")
	attempts := 0
	handler := func(context.Context, *Event) error {
		attempts++
		return errors.New("postgres unavailable")
	}
	dlq := &recordingDLQ{}
	c, reader, ctx := newTestConsumer(handler, dlq, testMessage(topic, 1, 9, encodedEvent(t, "subject.created")))

	require.NoError(t, c.Start(ctx))

	assert.Equal(t, 3, attempts)
	require.Len(t, dlq.msgs, 1)
	assert.EqualError(t, dlq.causes[0], "postgres unavailable")
	assert.Len(t, reader.committed, 1, "dead-lettered message is committed")
}

func TestConsumer_RecoversOnRetry(t *testing.T) {
	topic := Topic("subject", "created")
	attempts := 0
	handler := func(context.Context, *Event) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	}
	dlq := &recordingDLQ{}
	c, reader, ctx := newTestConsumer(handler, dlq, testMessage(topic, 0, 3, encodedEvent(t, "subject.created")))

	require.NoError(t, c.Start(ctx))

	assert.Equal(t, 2, attempts)
	assert.Empty(t, dlq.msgs)
	assert.Len(t, reader.committed, 1)
}

func TestConsumer_MalformedMessage(t *testing.T) {
	topic := Topic("subject", "created")
	called := false
	handler := func(context.Context, *Event) error {
		called = true
		return nil
	}
	dlq := &recordingDLQ{}
	c, reader, ctx := newTestConsumer(handler, dlq, testMessage(topic, 0, 4, []byte("{garbage")))

	require.NoError(t, c.Start(ctx))

	assert.False(t, called)
	assert.Len(t, dlq.msgs, 1)
	assert.Len(t, reader.committed, 1)
}

func TestConsumer_DropsWithoutDLQ(t *testing.T) {
	topic := Topic("subject", "created")
	handler := func(context.Context, *Event) error { return errors.New("always") }
	c, reader, ctx := newTestConsumer(handler, nil, testMessage(topic, 0, 5, encodedEvent(t, "subject.created")))
	before := testutil.ToFloat64(consumerMessages.WithLabelValues(topic, "review-service-subjects", outcomeDropped))

	require.NoError(t, c.Start(ctx))

	assert.Len(t, reader.committed, 1)
	assert.Equal(t, before+1, testutil.ToFloat64(consumerMessages.WithLabelValues(topic, "review-service-subjects", outcomeDropped)))
}

func TestConsumerConfig_Defaults(t *testing.T) {
	cfg := ConsumerConfig{}.withDefaults()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, 1, cfg.MinBytes)
}
