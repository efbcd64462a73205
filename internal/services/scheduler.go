package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"iot-counter-backend/internal/metrics"
	"iot-counter-backend/internal/models"
)

// PilotLister lists the per-device pilot configuration
type PilotLister interface {
	ListPilots(ctx context.Context) ([]models.PilotStatus, error)
}

// DailyResetter issues the daily reset for one occurrence, idempotently.
// Any successful reset of the device's channel during the occurrence's day
// counts as done.
type DailyResetter interface {
	DailyReset(ctx context.Context, deviceID string, occ Occurrence) (*models.ResetLogEntry, bool, error)
	DailyResetDone(ctx context.Context, deviceID string, occ Occurrence) (bool, error)
}

// ResetScheduler fires configured daily resets. It is level-triggered: any
// tick inside [occurrence-tolerance, occurrence+tolerance] fires the reset,
// and the resetter's own check keeps it to one per occurrence.
type ResetScheduler struct {
	pilots    PilotLister
	resetter  DailyResetter
	tick      time.Duration
	tolerance time.Duration
	location  *time.Location
	metrics   *metrics.Metrics
	logger    *logrus.Entry
	now       func() time.Time

	// last occurrence checked for a miss, per device
	missChecked map[string]time.Time
	mu          sync.Mutex
}

// SchedulerConfig holds timing settings
type SchedulerConfig struct {
	Tick      time.Duration
	Tolerance time.Duration
	Location  *time.Location
}

// NewResetScheduler creates a new scheduler
func NewResetScheduler(pilots PilotLister, resetter DailyResetter, cfg SchedulerConfig, m *metrics.Metrics, logger logrus.FieldLogger) *ResetScheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 2 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &ResetScheduler{
		pilots:      pilots,
		resetter:    resetter,
		tick:        cfg.Tick,
		tolerance:   cfg.Tolerance,
		location:    cfg.Location,
		metrics:     m,
		logger:      logger.WithField("component", "reset_scheduler"),
		now:         time.Now,
		missChecked: make(map[string]time.Time),
	}
}

// Start runs the tick loop until ctx is cancelled
func (s *ResetScheduler) Start(ctx context.Context) {
	s.logger.WithFields(logrus.Fields{
		"tick":      s.tick.String(),
		"tolerance": s.tolerance.String(),
		"timezone":  s.location.String(),
	}).Info("Reset scheduler started")

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx, s.now())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reset scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Tick evaluates every scheduled device at now and returns how many resets were fired
func (s *ResetScheduler) Tick(ctx context.Context, now time.Time) int {
	pilots, err := s.pilots.ListPilots(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list pilot devices")
		return 0
	}

	var (
		fired int
		mu    sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for i := range pilots {
		pilot := pilots[i]
		if !pilot.SchedulesDailyReset() {
			continue
		}
		hour, minute, _ := pilot.DailyResetClock()
		occurrence := Occurrence{At: NearestOccurrence(now, hour, minute, s.location), Tolerance: s.tolerance}
		offset := now.Sub(occurrence.At)

		if offset >= -s.tolerance && offset <= s.tolerance {
			g.Go(func() error {
				if s.fire(gctx, pilot.DeviceID, occurrence) {
					mu.Lock()
					fired++
					mu.Unlock()
				}
				return nil
			})
			continue
		}

		if offset > s.tolerance && s.shouldCheckMiss(pilot.DeviceID, occurrence) {
			g.Go(func() error {
				s.checkMiss(gctx, pilot.DeviceID, occurrence)
				return nil
			})
		}
	}
	_ = g.Wait()
	return fired
}

func (s *ResetScheduler) fire(ctx context.Context, deviceID string, occurrence Occurrence) bool {
	logger := s.logger.WithFields(logrus.Fields{
		"device_id":  deviceID,
		"occurrence": occurrence.At.Format(time.RFC3339),
	})

	entry, fired, err := s.resetter.DailyReset(ctx, deviceID, occurrence)
	if err != nil {
		logger.WithError(err).Warn("Daily reset failed")
	}
	if !fired {
		return false
	}

	s.metrics.DailyResetFired()
	if entry != nil {
		logger.WithFields(logrus.Fields{
			"reset_log_id": entry.ID,
			"success":      entry.Success,
		}).Info("Daily reset issued")
	}
	return true
}

func (s *ResetScheduler) shouldCheckMiss(deviceID string, occurrence Occurrence) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.missChecked[deviceID]; ok && last.Equal(occurrence.At) {
		return false
	}
	s.missChecked[deviceID] = occurrence.At
	return true
}

// checkMiss logs an occurrence whose window closed without a successful reset that day
func (s *ResetScheduler) checkMiss(ctx context.Context, deviceID string, occurrence Occurrence) {
	done, err := s.resetter.DailyResetDone(ctx, deviceID, occurrence)
	if err != nil {
		s.logger.WithError(err).WithField("device_id", deviceID).Warn("Could not check for missed daily reset")
		return
	}
	if done {
		return
	}
	s.metrics.DailyResetMissed()
	s.logger.WithFields(logrus.Fields{
		"device_id":  deviceID,
		"occurrence": occurrence.At.Format(time.RFC3339),
	}).Warn("Daily reset window missed, no catch-up")
}

// NearestOccurrence returns the hour:minute instant in loc closest to now,
// looking at yesterday, today and tomorrow so midnight windows work.
func NearestOccurrence(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)

	best := today
	for _, candidate := range []time.Time{today.AddDate(0, 0, -1), today.AddDate(0, 0, 1)} {
		if absDuration(now.Sub(candidate)) < absDuration(now.Sub(best)) {
			best = candidate
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
