package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// StartReconciler periodically settles optimistic batch start values
type StartReconciler struct {
	batches  BatchStore
	manager  *BatchManager
	interval time.Duration
	logger   *logrus.Entry
}

// NewStartReconciler creates a reconciler loop
func NewStartReconciler(batches BatchStore, manager *BatchManager, interval time.Duration, logger logrus.FieldLogger) *StartReconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &StartReconciler{
		batches:  batches,
		manager:  manager,
		interval: interval,
		logger:   logger.WithField("component", "start_reconciler"),
	}
}

// Start runs until ctx is cancelled
func (r *StartReconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Start reconciler stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles every unconfirmed batch start and returns how many were settled
func (r *StartReconciler) RunOnce(ctx context.Context) int {
	pending, err := r.batches.ListUnconfirmedStarts(ctx)
	if err != nil {
		r.logger.WithError(err).Error("Failed to list unconfirmed batch starts")
		return 0
	}

	settled := 0
	for _, b := range pending {
		if ctx.Err() != nil {
			break
		}
		_, outcome, err := r.manager.ReconcileStart(ctx, b.ID)
		if err != nil {
			r.logger.WithError(err).WithField("batch_id", b.ID).Warn("Failed to reconcile batch start")
			continue
		}
		if outcome == ReconcileConfirmed || outcome == ReconcileCorrected {
			settled++
		}
	}
	return settled
}
