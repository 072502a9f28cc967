package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducer_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w, logger: discardLogger()}
	topic := Topic("rating", "updated")
	before := testutil.ToFloat64(producerMessages.WithLabelValues(topic, "ok"))

	event, err := NewEvent("rating.updated", "hostel:h7", "review-service", map[string]int{"count": 3})
	require.NoError(t, err)
	event.WithCorrelationID("corr-7")

	require.NoError(t, p.Publish(context.Background(), topic, event))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, topic, msg.Topic)
	assert.Equal(t, "hostel:h7", string(msg.Key))
	carrier := &KafkaHeaderCarrier{headers: &msg.Headers}
	assert.Equal(t, "rating.updated", carrier.Get("event_type"))
	assert.Equal(t, event.EventID, carrier.Get("event_id"))
	assert.Equal(t, "corr-7", carrier.Get("correlation_id"))
	assert.Equal(t, before+1, testutil.ToFloat64(producerMessages.WithLabelValues(topic, "ok")))
}

func TestProducer_PublishError(t *testing.T) {
	p := &Producer{writer: &fakeWriter{err: errors.New("leader not available")}, logger: discardLogger()}
	topic := Topic("review", "deleted")
	before := testutil.ToFloat64(producerMessages.WithLabelValues(topic, "error"))

	event, err := NewEvent("review.deleted", "shop:s1", "review-service", nil)
	require.NoError(t, err)

	err = p.Publish(context.Background(), topic, event)
	assert.ErrorContains(t, err, "leader not available")
	assert.Equal(t, before+1, testutil.ToFloat64(producerMessages.WithLabelValues(topic, "error")))
}

func TestPingBrokers_NoBrokers(t *testing.T) {
	assert.Error(t, PingBrokers(context.Background(), nil))
}

func TestDLQProducer_AddsProvenanceHeaders(t *testing.T) {
	w := &fakeWriter{}
	d := &DLQProducer{writer: w, logger: discardLogger()}
	original := testMessage(Topic("subject", "deleted"), 2, 41, []byte(`{"event_type":"subject.deleted"}`))

	require.NoError(t, d.Publish(context.Background(), original, errors.New("purge failed"), "review-service-subjects"))

	require.Len(t, w.msgs, 1)
	out := w.msgs[0]
	assert.Equal(t, "campus.dlq.campus.subject.deleted", out.Topic)
	carrier := &KafkaHeaderCarrier{headers: &out.Headers}
	assert.Equal(t, "campus.subject.deleted", carrier.Get("dlq.original_topic"))
	assert.Equal(t, "2", carrier.Get("dlq.original_partition"))
	assert.Equal(t, "41", carrier.Get("dlq.original_offset"))
	assert.Equal(t, "review-service-subjects", carrier.Get("dlq.consumer_group"))
	assert.Equal(t, "purge failed", carrier.Get("dlq.error"))
}
