package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusmart/marketplace/services/review/internal/config"
	"github.com/campusmart/marketplace/services/review/internal/service"
)

func newBareApp(schedule string, flushed *int) *App {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &App{
		cfg:        &config.Config{ReconcileSchedule: schedule, ShutdownTimeoutSecs: 1},
		logger:     logger,
		reconciler: service.NewReconciler(nil, nil, 10, logger),
		httpServer: &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()},
		tracerShutdown: func(context.Context) error {
			*flushed++
			return nil
		},
	}
}

func TestRun_BadScheduleShutsDown(t *testing.T) {
	var flushed int
	a := newBareApp("not a schedule", &flushed)

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule reconciler")

	assert.Equal(t, 1, flushed, "tracer must be flushed on the error path")
	assert.ErrorIs(t, a.httpServer.ListenAndServe(), http.ErrServerClosed)
}

func TestRun_CanceledContextShutsDown(t *testing.T) {
	var flushed int
	a := newBareApp("@every 1h", &flushed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, a.Run(ctx))
	assert.Equal(t, 1, flushed)
	assert.ErrorIs(t, a.httpServer.ListenAndServe(), http.ErrServerClosed)
}
