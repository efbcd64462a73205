package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"iot-counter-backend/internal/errs"
	"iot-counter-backend/internal/metrics"
	"iot-counter-backend/internal/models"
	"iot-counter-backend/internal/protocol"
)

// ResetRequest describes one reset command
type ResetRequest struct {
	DeviceID string
	Channel  models.Channel
	Reason   models.ResetReason
	Notes    string
}

// ResetServiceConfig holds command timeouts
type ResetServiceConfig struct {
	PublishTimeout  time.Duration
	ResponseTimeout time.Duration
	// ConfirmResponses waits for the device to answer on the response topic.
	// When false a successful publish alone marks the reset successful.
	ConfirmResponses bool
}

// ResetService issues reset commands and keeps the reset log in step with them
type ResetService struct {
	devices   DeviceStore
	log       ResetLog
	telemetry TelemetryReader
	publisher CommandPublisher
	awaiter   ResponseAwaiter
	config    ResetServiceConfig
	metrics   *metrics.Metrics
	logger    *logrus.Entry
	now       func() time.Time
}

// NewResetService creates a new reset service. awaiter may be nil when
// responses are not confirmed.
func NewResetService(
	devices DeviceStore,
	log ResetLog,
	telemetry TelemetryReader,
	publisher CommandPublisher,
	awaiter ResponseAwaiter,
	config ResetServiceConfig,
	m *metrics.Metrics,
	logger logrus.FieldLogger,
) *ResetService {
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 10 * time.Second
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = 20 * time.Second
	}
	return &ResetService{
		devices:   devices,
		log:       log,
		telemetry: telemetry,
		publisher: publisher,
		awaiter:   awaiter,
		config:    config,
		metrics:   m,
		logger:    logger.WithField("component", "reset_service"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SendReset records a reset attempt and publishes the command.
//
// The log entry is written with success=false before anything is published.
// A returned entry is always persisted; err may still be non-nil (for
// example ErrTransportUnavailable) and callers should inspect entry.Success.
// An invalid channel or unknown device returns no entry.
func (s *ResetService) SendReset(ctx context.Context, req ResetRequest) (*models.ResetLogEntry, error) {
	if err := req.Channel.Validate(); err != nil {
		return nil, errs.Wrap(err, "ResetService", "SendReset", "channel validation")
	}
	if !req.Reason.Valid() {
		return nil, errs.Invalid("unknown reset reason %q", req.Reason)
	}

	if _, err := s.devices.GetDevice(ctx, req.DeviceID); err != nil {
		return nil, errs.Wrap(err, "ResetService", "SendReset", "device lookup")
	}

	entry := &models.ResetLogEntry{
		DeviceID:     req.DeviceID,
		Channel:      req.Channel,
		IssuedAt:     s.now(),
		Reason:       req.Reason,
		Confirmation: models.ConfirmationNone,
		Notes:        req.Notes,
	}

	reading, found, err := s.telemetry.LatestReading(ctx, req.DeviceID)
	switch {
	case err != nil:
		s.logger.WithError(err).WithField("device_id", req.DeviceID).Warn("Could not snapshot counters before reset")
		entry.Notes = joinNote(entry.Notes, "counter snapshot unavailable")
	case found:
		entry.SnapshotFrom(reading)
	}

	id, err := s.log.RecordReset(ctx, entry)
	if err != nil {
		s.metrics.ResetIssued(string(req.Reason), "error")
		return nil, errs.Wrap(err, "ResetService", "SendReset", "reset log write")
	}
	entry.ID = id

	logger := s.logger.WithFields(logrus.Fields{
		"device_id":    req.DeviceID,
		"channel":      int(req.Channel),
		"reason":       req.Reason,
		"reset_log_id": id,
	})

	if !s.publisher.IsConnected() {
		s.note(ctx, entry, "transport not connected, command not sent")
		s.metrics.ResetIssued(string(req.Reason), "unavailable")
		logger.Warn("Reset not sent: command bus disconnected")
		return entry, errs.Wrap(errs.ErrTransportUnavailable, "ResetService", "SendReset", "publish")
	}

	var respCh <-chan protocol.Response
	waitFor := s.config.ConfirmResponses && s.awaiter != nil
	if waitFor {
		// Register before publishing so a fast device cannot answer unobserved
		ch, stopWaiting := s.awaiter.Await(req.DeviceID, req.Channel)
		defer stopWaiting()
		respCh = ch
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.config.PublishTimeout)
	err = s.publisher.PublishReset(pubCtx, req.DeviceID, req.Channel)
	cancel()
	if err != nil {
		s.note(ctx, entry, fmt.Sprintf("publish failed: %v", err))
		s.metrics.ResetIssued(string(req.Reason), "unavailable")
		logger.WithError(err).Warn("Reset publish failed")
		if !errors.Is(err, errs.ErrTransportUnavailable) && !errors.Is(err, errs.ErrInvalidInput) {
			err = fmt.Errorf("%w: %v", errs.ErrTransportUnavailable, err)
		}
		return entry, errs.Wrap(err, "ResetService", "SendReset", "publish")
	}

	if !waitFor {
		if err := s.markSuccessful(ctx, entry, models.ConfirmationPublished); err != nil {
			return entry, err
		}
		s.metrics.ResetIssued(string(req.Reason), "published")
		logger.Info("Reset published")
		return entry, nil
	}

	timer := time.NewTimer(s.config.ResponseTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if !resp.Success {
			s.note(ctx, entry, "device rejected reset")
			s.metrics.ResetIssued(string(req.Reason), "rejected")
			logger.Warn("Device rejected reset")
			return entry, nil
		}
		if err := s.markSuccessful(ctx, entry, models.ConfirmationDevice); err != nil {
			return entry, err
		}
		s.metrics.ResetIssued(string(req.Reason), "confirmed")
		logger.Info("Reset confirmed by device")
		return entry, nil

	case <-timer.C:
		s.note(ctx, entry, fmt.Sprintf("sent, no device confirmation within %s", s.config.ResponseTimeout))
		s.metrics.ResetIssued(string(req.Reason), "unconfirmed")
		logger.Warn("Reset sent but not confirmed")
		return entry, nil

	case <-ctx.Done():
		// The command is already on the wire; only the wait is abandoned.
		s.note(context.WithoutCancel(ctx), entry, "sent, stopped waiting for confirmation")
		s.metrics.ResetIssued(string(req.Reason), "unconfirmed")
		return entry, ctx.Err()
	}
}

// History returns the most recent reset attempts for a device
func (s *ResetService) History(ctx context.Context, deviceID string, limit int) ([]models.ResetLogEntry, error) {
	if _, err := s.devices.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	return s.log.ListResets(ctx, deviceID, limit)
}

func (s *ResetService) markSuccessful(ctx context.Context, entry *models.ResetLogEntry, conf models.Confirmation) error {
	at := s.now()
	if err := s.log.MarkResetSuccessful(ctx, entry.ID, conf, at); err != nil {
		s.logger.WithError(err).WithField("reset_log_id", entry.ID).Error("Failed to mark reset successful")
		return errs.Wrap(err, "ResetService", "SendReset", "reset log update")
	}
	entry.Success = true
	entry.Confirmation = conf
	entry.ConfirmedAt = &at
	return nil
}

// note appends to the persisted entry; failures are logged only
func (s *ResetService) note(ctx context.Context, entry *models.ResetLogEntry, note string) {
	entry.Notes = joinNote(entry.Notes, note)
	if err := s.log.AppendResetNote(ctx, entry.ID, note); err != nil {
		s.logger.WithError(err).WithField("reset_log_id", entry.ID).Warn("Failed to append reset note")
	}
}

func joinNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}
