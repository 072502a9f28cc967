package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryIdempotencyStore(time.Minute)
	store.now = func() time.Time { return now }

	ok, err := store.Contains(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Add(ctx, "evt-1"))
	ok, _ = store.Contains(ctx, "evt-1")
	assert.True(t, ok)
	assert.Equal(t, 1, store.Len())

	now = now.Add(2 * time.Minute)
	ok, _ = store.Contains(ctx, "evt-1")
	assert.False(t, ok, "expired entry")
	assert.Equal(t, 0, store.Len())
}

func TestRedisIdempotencyStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	store := NewRedisIdempotencyStore(client, "review-service", time.Hour)

	ok, err := store.Contains(ctx, "evt-9")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Add(ctx, "evt-9"))
	ok, err = store.Contains(ctx, "evt-9")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, mr.TTL("review-service:processed:evt-9"))

	mr.FastForward(2 * time.Hour)
	ok, _ = store.Contains(ctx, "evt-9")
	assert.False(t, ok)
}

type failingStore struct{}

func (failingStore) Contains(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}
func (failingStore) Add(context.Context, string) error { return errors.New("redis down") }

func TestIdempotentHandler(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore(time.Hour)
	calls := 0
	inner := func(context.Context, *Event) error {
		calls++
		return nil
	}
	h := IdempotentHandler(store, inner, discardLogger())

	event := &Event{EventID: "evt-1", EventType: "subject.created"}
	require.NoError(t, h(ctx, event))
	require.NoError(t, h(ctx, event))
	assert.Equal(t, 1, calls)

	require.NoError(t, h(ctx, &Event{EventType: "subject.created"}))
	require.NoError(t, h(ctx, &Event{EventType: "subject.created"}))
	assert.Equal(t, 3, calls, "events without an id are never deduplicated")
}

func TestIdempotentHandler_FailureNotRecorded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore(time.Hour)
	fail := true
	h := IdempotentHandler(store, func(context.Context, *Event) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}, discardLogger())

	event := &Event{EventID: "evt-2", EventType: "subject.deleted"}
	assert.Error(t, h(ctx, event))
	fail = false
	assert.NoError(t, h(ctx, event))
	ok, _ := store.Contains(ctx, "evt-2")
	assert.True(t, ok)
}

func TestIdempotentHandler_StoreFailureFallsOpen(t *testing.T) {
	calls := 0
	h := IdempotentHandler(failingStore{}, func(context.Context, *Event) error {
		calls++
		return nil
	}, discardLogger())

	require.NoError(t, h(context.Background(), &Event{EventID: "evt-3", EventType: "subject.created"}))
	assert.Equal(t, 1, calls)
}
