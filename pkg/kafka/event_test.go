package kafka

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type subjectPayload struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "campus.review.created", Topic("review", "created"))
	assert.Equal(t, "campus.dlq.campus.subject.created", DLQTopic(Topic("subject", "created")))
}

func TestNewEvent_RoundTrip(t *testing.T) {
	event, err := NewEvent("subject.created", "shop:s1", "catalog-service", subjectPayload{"shop", "s1"})
	require.NoError(t, err)
	event.WithCorrelationID("corr-1").WithMetadata("tenant", "north-campus")

	_, err = uuid.Parse(event.EventID)
	require.NoError(t, err)
	assert.Equal(t, 1, event.Version)
	assert.False(t, event.OccurredAt.IsZero())

	raw, err := event.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, event.EventID, decoded.EventID)
	assert.Equal(t, "shop:s1", decoded.Key)
	assert.Equal(t, "corr-1", decoded.CorrelationID)
	assert.Equal(t, "north-campus", decoded.Metadata["tenant"])

	var payload subjectPayload
	require.NoError(t, decoded.UnmarshalData(&payload))
	assert.Equal(t, subjectPayload{"shop", "s1"}, payload)
}

func TestNewEvent_UnmarshalablePayload(t *testing.T) {
	_, err := NewEvent("x", "k", "src", make(chan int))
	assert.Error(t, err)
}

func TestUnmarshalEvent_Rejects(t *testing.T) {
	_, err := UnmarshalEvent([]byte("not json"))
	assert.Error(t, err)

	_, err = UnmarshalEvent([]byte(`{"event_id":"1","data":{}}`))
	assert.ErrorContains(t, err, "missing event_type")
}
