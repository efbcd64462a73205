package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"iot-counter-backend/internal/errs"
	"iot-counter-backend/internal/metrics"
	"iot-counter-backend/internal/models"
	"iot-counter-backend/pkg/config"
)

// Stop reasons recorded in batch notes
const (
	StopReasonManual           = "manual"
	StopReasonNewBatchStarting = "new_batch_starting"
)

// ReconcileOutcome reports what a start reconciliation pass did
type ReconcileOutcome string

const (
	ReconcilePending   ReconcileOutcome = "pending"   // no drop observed yet, still within grace
	ReconcileConfirmed ReconcileOutcome = "confirmed" // reset observed, start stays 0
	ReconcileCorrected ReconcileOutcome = "corrected" // reset not observed, start moved to snapshot
	ReconcileSkipped   ReconcileOutcome = "skipped"   // nothing to reconcile
)

// BatchManager owns the batch lifecycle. Every state change for a device
// runs on that device's actor.
type BatchManager struct {
	devices   DeviceStore
	batches   BatchStore
	resets    ResetLog
	telemetry TelemetryReader
	resetter  Resetter
	actors    *ActorRegistry
	metrics   *metrics.Metrics
	logger    *logrus.Entry

	now   func() time.Time
	newID func() string

	// how long an active batch waits for the counter to drop before its
	// start value is corrected to the pre-reset snapshot
	reconcileGrace time.Duration
}

// DefaultReconcileGrace bounds the wait for a post-reset counter drop
const DefaultReconcileGrace = 5 * time.Minute

// NewBatchManager creates a new batch manager
func NewBatchManager(
	devices DeviceStore,
	batches BatchStore,
	resets ResetLog,
	telemetry TelemetryReader,
	resetter Resetter,
	actors *ActorRegistry,
	m *metrics.Metrics,
	logger logrus.FieldLogger,
) *BatchManager {
	return &BatchManager{
		devices:   devices,
		batches:   batches,
		resets:    resets,
		telemetry: telemetry,
		resetter:  resetter,
		actors:    actors,
		metrics:   m,
		logger:    logger.WithField("component", "batch_manager"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },

		reconcileGrace: DefaultReconcileGrace,
	}
}

// StartBatch closes any active batch for the device and opens a new one.
//
// With resetCounter the device channel is reset and the start value is
// recorded as 0 whatever the transport says; the batch is created even when
// the reset could not be sent. The optimistic start is marked unconfirmed
// until ReconcileStart has seen readings taken after the reset.
func (bm *BatchManager) StartBatch(ctx context.Context, deviceID, name string, resetCounter bool) (*models.Batch, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.Invalid("batch name is required")
	}

	return doOnActor(ctx, bm.actors, deviceID, func(ctx context.Context) (*models.Batch, error) {
		return bm.startBatch(ctx, deviceID, name, resetCounter)
	})
}

func (bm *BatchManager) startBatch(ctx context.Context, deviceID, name string, resetCounter bool) (*models.Batch, error) {
	device, err := bm.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, errs.Wrap(err, "BatchManager", "StartBatch", "device lookup")
	}

	// Close the previous batch before reading the start value so both
	// snapshots observe the same counter epoch.
	previous, err := bm.batches.ActiveBatch(ctx, deviceID)
	switch {
	case err == nil:
		if _, err := bm.closeBatch(ctx, device, previous, StopReasonNewBatchStarting); err != nil {
			return nil, err
		}
	case !errs.IsNotFound(err):
		return nil, errs.Wrap(err, "BatchManager", "StartBatch", "active batch lookup")
	}

	current, hasCurrent, err := bm.channelValue(ctx, device)
	if err != nil {
		return nil, errs.Wrap(err, "BatchManager", "StartBatch", "counter read")
	}

	batch := &models.Batch{
		ID:        bm.newID(),
		DeviceID:  deviceID,
		Name:      name,
		StartedAt: bm.now(),
		Active:    true,
	}

	logger := bm.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"batch_id":  batch.ID,
	})

	if resetCounter {
		batch.ResetRequested = true
		batch.StartCounterValue = models.Uint64(0)
		if hasCurrent {
			batch.PreResetCounterValue = models.Uint64(current)
		}

		entry, rerr := bm.resetter.SendReset(ctx, ResetRequest{
			DeviceID: deviceID,
			Channel:  device.Channel,
			Reason:   models.ReasonBatchStart,
			Notes:    "batch_start_" + name,
		})
		if entry != nil {
			id := entry.ID
			batch.ResetLogID = &id
		}
		if rerr != nil {
			batch.AppendNote(fmt.Sprintf("reset at start not confirmed: %v", rerr))
			logger.WithError(rerr).Warn("Batch start reset failed, continuing with optimistic start value")
		} else if entry != nil && !entry.Success {
			batch.AppendNote("reset at start sent but not confirmed")
		}
	} else {
		// A device without readings starts from zero
		batch.StartCounterValue = models.Uint64(current)
		batch.StartConfirmed = true
	}

	superseded, err := bm.batches.CreateActive(ctx, batch)
	if err != nil {
		return nil, errs.Wrap(err, "BatchManager", "StartBatch", "batch insert")
	}
	for _, old := range superseded {
		// Only reachable if something bypassed the device actor
		config.LogError(logger, "BatchManager", "StartBatch", "superseded active batch", old.ID,
			fmt.Errorf("batch %s was still active: %w", old.ID, errs.ErrInconsistentState))
	}

	bm.metrics.BatchStarted(resetCounter)
	logger.WithFields(logrus.Fields{
		"name":          name,
		"start_value":   *batch.StartCounterValue,
		"reset_request": resetCounter,
	}).Info("Batch started")
	return batch, nil
}

// StopBatch closes the active batch of a device. found is false when no
// batch was active. No hardware reset is issued.
func (bm *BatchManager) StopBatch(ctx context.Context, deviceID, reason string) (*models.Batch, bool, error) {
	if strings.TrimSpace(reason) == "" {
		reason = StopReasonManual
	}

	res, err := doOnActor(ctx, bm.actors, deviceID, func(ctx context.Context) (stopResult, error) {
		device, err := bm.devices.GetDevice(ctx, deviceID)
		if err != nil {
			return stopResult{}, errs.Wrap(err, "BatchManager", "StopBatch", "device lookup")
		}
		active, err := bm.batches.ActiveBatch(ctx, deviceID)
		if errs.IsNotFound(err) {
			return stopResult{}, nil
		}
		if err != nil {
			return stopResult{}, errs.Wrap(err, "BatchManager", "StopBatch", "active batch lookup")
		}
		batch, err := bm.closeBatch(ctx, device, active, reason)
		if err != nil {
			return stopResult{}, err
		}
		return stopResult{batch: batch, found: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return res.batch, res.found, nil
}

type stopResult struct {
	batch *models.Batch
	found bool
}

func (bm *BatchManager) closeBatch(ctx context.Context, device *models.Device, batch *models.Batch, reason string) (*models.Batch, error) {
	current, ok, err := bm.channelValue(ctx, device)
	if err != nil {
		return nil, errs.Wrap(err, "BatchManager", "StopBatch", "counter read")
	}

	endedAt := bm.now()
	batch.EndedAt = &endedAt
	batch.Active = false
	if ok {
		batch.EndCounterValue = models.Uint64(current)
	}
	batch.AppendNote("stopped: " + reason)

	if err := bm.batches.SaveBatch(ctx, batch); err != nil {
		return nil, errs.Wrap(err, "BatchManager", "StopBatch", "batch update")
	}

	bm.metrics.BatchStopped(reason)
	bm.logger.WithFields(logrus.Fields{
		"device_id": device.DeviceID,
		"batch_id":  batch.ID,
		"reason":    reason,
	}).Info("Batch stopped")
	return batch, nil
}

// CalculateProduction returns the quantity produced by a batch, never negative.
// Active batches use the latest reading, closed batches their end snapshot.
func (bm *BatchManager) CalculateProduction(ctx context.Context, batchID string) (uint64, error) {
	batch, err := bm.batches.GetBatch(ctx, batchID)
	if err != nil {
		return 0, errs.Wrap(err, "BatchManager", "CalculateProduction", "batch lookup")
	}

	if !batch.Active {
		if batch.StartCounterValue == nil || batch.EndCounterValue == nil {
			return 0, nil
		}
		return clampedDelta(*batch.EndCounterValue, *batch.StartCounterValue), nil
	}

	device, err := bm.devices.GetDevice(ctx, batch.DeviceID)
	if err != nil {
		return 0, errs.Wrap(err, "BatchManager", "CalculateProduction", "device lookup")
	}
	current, ok, err := bm.channelValue(ctx, device)
	if err != nil {
		return 0, errs.Wrap(err, "BatchManager", "CalculateProduction", "counter read")
	}
	if !ok {
		return 0, nil
	}
	var start uint64
	if batch.StartCounterValue != nil {
		start = *batch.StartCounterValue
	}
	return clampedDelta(current, start), nil
}

// GetBatch loads one batch
func (bm *BatchManager) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	return bm.batches.GetBatch(ctx, batchID)
}

// ActiveBatch returns the active batch of a device
func (bm *BatchManager) ActiveBatch(ctx context.Context, deviceID string) (*models.Batch, error) {
	if _, err := bm.devices.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	return bm.batches.ActiveBatch(ctx, deviceID)
}

// ListBatches returns recent batches of a device, newest first
func (bm *BatchManager) ListBatches(ctx context.Context, deviceID string, limit int) ([]models.Batch, error) {
	if _, err := bm.devices.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	return bm.batches.ListBatches(ctx, deviceID, limit)
}

// Reset issues an operator reset (manual or maintenance) on the device's
// selected channel, serialized with batch operations.
func (bm *BatchManager) Reset(ctx context.Context, deviceID string, reason models.ResetReason, notes string) (*models.ResetLogEntry, error) {
	if reason != models.ReasonManual && reason != models.ReasonMaintenance {
		return nil, errs.Invalid("reason %q cannot be requested directly", reason)
	}

	return doOnActor(ctx, bm.actors, deviceID, func(ctx context.Context) (*models.ResetLogEntry, error) {
		device, err := bm.devices.GetDevice(ctx, deviceID)
		if err != nil {
			return nil, errs.Wrap(err, "BatchManager", "Reset", "device lookup")
		}
		return bm.resetter.SendReset(ctx, ResetRequest{
			DeviceID: deviceID,
			Channel:  device.Channel,
			Reason:   reason,
			Notes:    notes,
		})
	})
}

// Occurrence is one scheduled daily reset instant and its firing tolerance
type Occurrence struct {
	At        time.Time
	Tolerance time.Duration
}

// Day returns the span a reset must fall in to count for this occurrence:
// the occurrence's calendar day, widened to the firing window when that
// window crosses midnight.
func (o Occurrence) Day() (from, to time.Time) {
	from = time.Date(o.At.Year(), o.At.Month(), o.At.Day(), 0, 0, 0, 0, o.At.Location())
	to = from.AddDate(0, 0, 1)
	if early := o.At.Add(-o.Tolerance); early.Before(from) {
		from = early
	}
	if late := o.At.Add(o.Tolerance); late.After(to) {
		to = late
	}
	return from, to
}

// DailyReset issues the scheduled reset for an occurrence unless the
// device's channel already had a successful reset, for any reason, during
// the occurrence's day. fired reports whether a command was issued.
func (bm *BatchManager) DailyReset(ctx context.Context, deviceID string, occ Occurrence) (*models.ResetLogEntry, bool, error) {
	res, err := doOnActor(ctx, bm.actors, deviceID, func(ctx context.Context) (dailyResult, error) {
		device, err := bm.devices.GetDevice(ctx, deviceID)
		if err != nil {
			return dailyResult{}, errs.Wrap(err, "BatchManager", "DailyReset", "device lookup")
		}
		done, err := bm.dailyResetDone(ctx, device, occ)
		if err != nil || done {
			return dailyResult{}, err
		}

		entry, err := bm.resetter.SendReset(ctx, ResetRequest{
			DeviceID: deviceID,
			Channel:  device.Channel,
			Reason:   models.ReasonDaily,
			Notes:    "daily_" + occ.At.Format("2006-01-02"),
		})
		return dailyResult{entry: entry, fired: true}, err
	})
	return res.entry, res.fired, err
}

type dailyResult struct {
	entry *models.ResetLogEntry
	fired bool
}

// DailyResetDone reports whether the occurrence's day already has a
// successful reset on the device's channel
func (bm *BatchManager) DailyResetDone(ctx context.Context, deviceID string, occ Occurrence) (bool, error) {
	device, err := bm.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return false, errs.Wrap(err, "BatchManager", "DailyResetDone", "device lookup")
	}
	return bm.dailyResetDone(ctx, device, occ)
}

func (bm *BatchManager) dailyResetDone(ctx context.Context, device *models.Device, occ Occurrence) (bool, error) {
	from, to := occ.Day()
	entries, err := bm.resets.SuccessfulResetsBetween(ctx, device.DeviceID, from, to)
	if err != nil {
		return false, errs.Wrap(err, "BatchManager", "DailyReset", "reset log query")
	}
	for _, e := range entries {
		if e.Channel == device.Channel {
			return true, nil
		}
	}
	return false, nil
}

// ReconcileStart settles the optimistic start value of a batch that was
// started with a reset.
//
// Only readings taken after the reset was confirmed (or issued, if it never
// was) count. Any of them below the pre-reset snapshot shows the reset took
// effect and the start stays 0. The start is corrected to the snapshot only
// when no reading dropped: for an active batch once the grace period has
// passed, for a closed batch straight away.
func (bm *BatchManager) ReconcileStart(ctx context.Context, batchID string) (*models.Batch, ReconcileOutcome, error) {
	batch, err := bm.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, "", errs.Wrap(err, "BatchManager", "ReconcileStart", "batch lookup")
	}

	res, err := doOnActor(ctx, bm.actors, batch.DeviceID, func(ctx context.Context) (reconcileResult, error) {
		// Reload under the actor; a stop may have been queued ahead of us
		return bm.reconcileStart(ctx, batchID)
	})
	if err != nil {
		return nil, "", errs.Wrap(err, "BatchManager", "ReconcileStart", "reconcile")
	}

	if res.outcome != ReconcileSkipped {
		bm.metrics.Reconciled(string(res.outcome))
	}
	if res.outcome == ReconcileConfirmed || res.outcome == ReconcileCorrected {
		bm.logger.WithFields(logrus.Fields{
			"device_id": res.batch.DeviceID,
			"batch_id":  res.batch.ID,
			"outcome":   res.outcome,
		}).Info("Batch start reconciled")
	}
	return res.batch, res.outcome, nil
}

type reconcileResult struct {
	batch   *models.Batch
	outcome ReconcileOutcome
}

func (bm *BatchManager) reconcileStart(ctx context.Context, batchID string) (reconcileResult, error) {
	batch, err := bm.batches.GetBatch(ctx, batchID)
	if err != nil {
		return reconcileResult{}, err
	}
	res := reconcileResult{batch: batch, outcome: ReconcileSkipped}
	if !batch.ResetRequested || batch.StartConfirmed {
		return res, nil
	}

	device, err := bm.devices.GetDevice(ctx, batch.DeviceID)
	if err != nil {
		return reconcileResult{}, err
	}
	from, err := bm.resetEffectiveFrom(ctx, batch)
	if err != nil {
		return reconcileResult{}, err
	}
	upTo := bm.now()
	if batch.EndedAt != nil {
		upTo = *batch.EndedAt
	}
	values, err := bm.channelValuesBetween(ctx, device, from, upTo)
	if err != nil {
		return reconcileResult{}, err
	}

	if len(values) == 0 {
		if batch.Active {
			res.outcome = ReconcilePending
			return res, nil
		}
		// Closed without any post-reset reading: nothing will ever confirm it
		batch.StartConfirmed = true
		batch.AppendNote("start value unverified: no readings after reset")
		res.outcome = ReconcileConfirmed
		return res, bm.batches.SaveBatch(ctx, batch)
	}

	pre := batch.PreResetCounterValue
	if pre == nil || *pre == 0 {
		batch.StartConfirmed = true
		batch.AppendNote("reset assumed: no non-zero pre-reset counter value")
		res.outcome = ReconcileConfirmed
		return res, bm.batches.SaveBatch(ctx, batch)
	}
	for _, v := range values {
		if v < *pre {
			batch.StartConfirmed = true
			batch.AppendNote(fmt.Sprintf("reset observed: counter dropped to %d", v))
			res.outcome = ReconcileConfirmed
			return res, bm.batches.SaveBatch(ctx, batch)
		}
	}

	if batch.Active && upTo.Sub(from) < bm.reconcileGrace {
		res.outcome = ReconcilePending
		return res, nil
	}
	batch.StartConfirmed = true
	batch.StartCounterValue = models.Uint64(*pre)
	batch.AppendNote(fmt.Sprintf("reset not observed: %d readings at or above %d, start corrected", len(values), *pre))
	res.outcome = ReconcileCorrected
	return res, bm.batches.SaveBatch(ctx, batch)
}

// resetEffectiveFrom returns the instant from which readings can reflect
// the start reset: its confirmation time, else its issue time
func (bm *BatchManager) resetEffectiveFrom(ctx context.Context, batch *models.Batch) (time.Time, error) {
	if batch.ResetLogID == nil {
		return batch.StartedAt, nil
	}
	entry, err := bm.resets.GetReset(ctx, *batch.ResetLogID)
	if errs.IsNotFound(err) {
		return batch.StartedAt, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if entry.ConfirmedAt != nil {
		return *entry.ConfirmedAt, nil
	}
	return entry.IssuedAt, nil
}

// channelValuesBetween returns the device channel's values in [from, to), oldest first
func (bm *BatchManager) channelValuesBetween(ctx context.Context, device *models.Device, from, to time.Time) ([]uint64, error) {
	readings, err := bm.telemetry.ReadingsInRange(ctx, device.DeviceID, from, to)
	if err != nil {
		return nil, err
	}
	return seriesValues(channelSeries(readings, device.Channel)), nil
}

// channelValue reads the latest value on the device's selected channel
func (bm *BatchManager) channelValue(ctx context.Context, device *models.Device) (uint64, bool, error) {
	reading, found, err := bm.telemetry.LatestReading(ctx, device.DeviceID)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	v, ok := reading.Value(device.Channel)
	return v, ok, nil
}

func clampedDelta(later, earlier uint64) uint64 {
	if later < earlier {
		return 0
	}
	return later - earlier
}
