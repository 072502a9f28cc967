package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/campusmart/marketplace/services/review/internal/domain"
	"github.com/campusmart/marketplace/services/review/internal/repository"
)

// ReconcileReport summarizes one reconciliation sweep.
type ReconcileReport struct {
	Scanned  int           `json:"scanned"`
	Repaired int           `json:"repaired"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Reconciler periodically checks every stored aggregate against its reviews
// and repairs any that drifted, e.g. after manual database edits.
type Reconciler struct {
	store      repository.Store
	maintainer *AggregateMaintainer
	batchSize  int
	logger     *slog.Logger

	cron    *cron.Cron
	running atomic.Bool
}

// NewReconciler creates a reconciler that pages through subjects batchSize at
// a time.
func NewReconciler(store repository.Store, maintainer *AggregateMaintainer, batchSize int, logger *slog.Logger) *Reconciler {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Reconciler{
		store:      store,
		maintainer: maintainer,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// RunOnce sweeps all subjects. A failure on one subject is logged and the
// sweep continues; only listing errors abort it.
func (r *Reconciler) RunOnce(ctx context.Context) (report ReconcileReport, err error) {
	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		reconcileRuns.WithLabelValues(outcome(err)).Inc()
	}()

	var after domain.SubjectKey
	for {
		keys, err := r.store.Ratings().ListKeys(ctx, after, r.batchSize)
		if err != nil {
			return report, fmt.Errorf("reconcile: %w", err)
		}

		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Scanned++

			before, repaired, err := r.maintainer.Repair(ctx, key)
			if err != nil {
				report.Failed++
				r.logger.WarnContext(ctx, "reconcile subject failed",
					slog.String("subject", key.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			if repaired {
				report.Repaired++
				reconcileDrift.WithLabelValues(string(key.Type)).Inc()
				r.logger.WarnContext(ctx, "repaired drifted aggregate",
					slog.String("subject", key.String()),
					slog.Int("stored_quantity", before.Count),
					slog.Float64("stored_average", before.Average),
				)
			}
		}

		if len(keys) < r.batchSize {
			break
		}
		after = keys[len(keys)-1]
	}

	r.logger.InfoContext(ctx, "reconciliation finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("repaired", report.Repaired),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

// Start schedules RunOnce on a cron spec such as "@every 1h". A sweep that is
// still running when the next one is due causes that run to be skipped.
func (r *Reconciler) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { r.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule reconciler %q: %w", schedule, err)
	}
	r.cron = c
	c.Start()
	r.logger.Info("reconciler scheduled", slog.String("schedule", schedule))
	return nil
}

func (r *Reconciler) tick(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Warn("previous reconciliation still running, skipping")
		return
	}
	defer r.running.Store(false)

	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("reconciliation failed", slog.String("error", err.Error()))
	}
}

// Stop unschedules the reconciler and waits for a running sweep to return.
func (r *Reconciler) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}
