package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusmart/marketplace/services/review/internal/domain"
)

func TestReconciler_RepairsDriftAcrossPages(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	for i := range 7 {
		key := domain.SubjectKey{Type: domain.SubjectProduct, ID: fmt.Sprintf("p-%02d", i)}
		env.store.setRating(domain.BaselineAggregate(key, 4.5))
	}
	// Two subjects drifted: reviews exist but the aggregate still says zero.
	seedReview(env, "r1", domain.SubjectKey{Type: domain.SubjectProduct, ID: "p-02"}, "a", 5)
	seedReview(env, "r2", domain.SubjectKey{Type: domain.SubjectProduct, ID: "p-06"}, "a", 1)

	rec := NewReconciler(env.store, env.maintainer, 3, newTestLogger())
	report, err := rec.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 7, report.Scanned)
	assert.Equal(t, 2, report.Repaired)
	assert.Zero(t, report.Failed)

	state := env.store.snapshot()
	assert.Equal(t, 5.0, state.ratings[domain.SubjectKey{Type: domain.SubjectProduct, ID: "p-02"}].Average)
	assert.Equal(t, 1.0, state.ratings[domain.SubjectKey{Type: domain.SubjectProduct, ID: "p-06"}].Average)

	report, err = rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Repaired, "second sweep finds nothing")
}

func TestReconciler_ContinuesPastFailures(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.store.setRating(domain.BaselineAggregate(domain.SubjectKey{Type: domain.SubjectShop, ID: "a"}, 4.5))
	env.store.setRating(domain.BaselineAggregate(domain.SubjectKey{Type: domain.SubjectShop, ID: "b"}, 4.5))
	// Exhaust the first subject's retry budget.
	env.store.lockErrs = []error{
		&pgconn.PgError{Code: "40P01"},
		&pgconn.PgError{Code: "40P01"},
		&pgconn.PgError{Code: "40P01"},
	}

	report, err := NewReconciler(env.store, env.maintainer, 10, newTestLogger()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Failed)
}

func TestReconciler_StopsOnCanceledContext(t *testing.T) {
	env := newTestEnv()
	env.store.setRating(domain.BaselineAggregate(shop1, 4.5))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewReconciler(env.store, env.maintainer, 10, newTestLogger()).RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReconciler_StartRejectsBadSchedule(t *testing.T) {
	env := newTestEnv()
	rec := NewReconciler(env.store, env.maintainer, 0, newTestLogger())

	err := rec.Start(context.Background(), "every now and then")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule reconciler")

	// Stop without a schedule is a no-op.
	rec.Stop(context.Background())
}

func TestReconciler_StartAndStop(t *testing.T) {
	env := newTestEnv()
	rec := NewReconciler(env.store, env.maintainer, 10, newTestLogger())

	require.NoError(t, rec.Start(context.Background(), "@every 1h"))
	rec.Stop(context.Background())
}

func TestReconciler_TickSkipsOverlappingRun(t *testing.T) {
	env := newTestEnv()
	seedReview(env, "r1", shop1, "a", 2)
	env.store.setRating(domain.BaselineAggregate(shop1, 4.5))

	rec := NewReconciler(env.store, env.maintainer, 10, newTestLogger())
	rec.running.Store(true)
	rec.tick(context.Background())
	assert.Equal(t, 0, storedAggregate(t, env, shop1).Count, "skipped while a sweep is running")

	rec.running.Store(false)
	rec.tick(context.Background())
	assert.Equal(t, 1, storedAggregate(t, env, shop1).Count)
}
