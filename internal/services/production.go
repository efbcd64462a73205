package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"iot-counter-backend/internal/errs"
	"iot-counter-backend/internal/metrics"
	"iot-counter-backend/internal/models"
)

// Method names the calculation used for a period
type Method string

const (
	MethodDiff   Method = "diff"
	MethodDirect Method = "direct"
	MethodNone   Method = "none" // no readings at all
)

// ProductionResult is the production figure for one device and period
type ProductionResult struct {
	DeviceID       string         `json:"device_id"`
	Channel        models.Channel `json:"channel"`
	From           time.Time      `json:"from"`
	To             time.Time      `json:"to"`
	Quantity       uint64         `json:"quantity"`
	Method         Method         `json:"method"`
	ResetCount     int            `json:"reset_count"`
	ImplicitResets int            `json:"implicit_resets"`
	Readings       int            `json:"readings"`
}

// ProductionCalculator computes period production across counter resets
type ProductionCalculator struct {
	devices   DeviceStore
	resets    ResetLog
	telemetry TelemetryReader
	location  *time.Location
	metrics   *metrics.Metrics
	logger    *logrus.Entry
}

// NewProductionCalculator creates a calculator. loc defines calendar days.
func NewProductionCalculator(devices DeviceStore, resets ResetLog, telemetry TelemetryReader, loc *time.Location, m *metrics.Metrics, logger logrus.FieldLogger) *ProductionCalculator {
	if loc == nil {
		loc = time.Local
	}
	return &ProductionCalculator{
		devices:   devices,
		resets:    resets,
		telemetry: telemetry,
		location:  loc,
		metrics:   m,
		logger:    logger.WithField("component", "production_calculator"),
	}
}

// CalculateDay covers [00:00, 24:00) of date's calendar day in the configured zone
func (pc *ProductionCalculator) CalculateDay(ctx context.Context, deviceID string, date time.Time) (*ProductionResult, error) {
	d := date.In(pc.location)
	from := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, pc.location)
	return pc.CalculatePeriod(ctx, deviceID, from, from.AddDate(0, 0, 1))
}

// CalculatePeriod computes production for [from, to).
//
// Pilot devices with reset-based tracking and a successful reset of their
// channel inside the period use the direct method: the counter is walked
// from zero at the latest such reset, once the readings show it took
// effect. Everything else uses the diff method
// against the last reading before the period. Any decrease in the counter
// is taken as an implicit reset and the new value counts as production.
func (pc *ProductionCalculator) CalculatePeriod(ctx context.Context, deviceID string, from, to time.Time) (*ProductionResult, error) {
	if !to.After(from) {
		return nil, errs.Invalid("period end %s must be after start %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}

	device, err := pc.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, errs.Wrap(err, "ProductionCalculator", "CalculatePeriod", "device lookup")
	}

	result := &ProductionResult{
		DeviceID: deviceID,
		Channel:  device.Channel,
		From:     from,
		To:       to,
		Method:   MethodNone,
	}

	readings, err := pc.telemetry.ReadingsInRange(ctx, deviceID, from, to)
	if err != nil {
		return nil, errs.Wrap(err, "ProductionCalculator", "CalculatePeriod", "readings query")
	}
	series := channelSeries(readings, device.Channel)
	result.Readings = len(series)

	resetBased, err := pc.resetBased(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if resetBased {
		resets, err := pc.resets.SuccessfulResetsBetween(ctx, deviceID, from, to)
		if err != nil {
			return nil, errs.Wrap(err, "ProductionCalculator", "CalculatePeriod", "reset log query")
		}
		var last *models.ResetLogEntry
		for i := range resets {
			if resets[i].Channel != device.Channel {
				continue
			}
			result.ResetCount++
			last = &resets[i]
		}
		if last != nil {
			if since, ok := postResetValues(series, last, device.Channel); ok {
				result.Method = MethodDirect
				result.Quantity, result.ImplicitResets = walkCounter(0, since)
				pc.record(result)
				return result, nil
			}
			pc.logger.WithFields(logrus.Fields{
				"device_id": deviceID,
				"reset_id":  last.ID,
			}).Warn("Logged reset never showed in readings, using diff method")
		}
	}

	before, _, err := pc.telemetry.LatestReadingBefore(ctx, deviceID, from)
	if err != nil {
		return nil, errs.Wrap(err, "ProductionCalculator", "CalculatePeriod", "baseline query")
	}
	values := seriesValues(series)
	baseline, ok := before.Value(device.Channel)
	if !ok {
		// Without history the first in-period reading is the baseline
		if len(values) == 0 {
			pc.record(result)
			return result, nil
		}
		baseline, values = values[0], values[1:]
	}

	result.Method = MethodDiff
	result.Quantity, result.ImplicitResets = walkCounter(baseline, values)
	pc.record(result)
	return result, nil
}

func (pc *ProductionCalculator) resetBased(ctx context.Context, deviceID string) (bool, error) {
	pilot, err := pc.devices.GetPilot(ctx, deviceID)
	if errs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(err, "ProductionCalculator", "CalculatePeriod", "pilot lookup")
	}
	return pilot.Enabled && pilot.ResetBased, nil
}

func (pc *ProductionCalculator) record(r *ProductionResult) {
	pc.metrics.Calculation(string(r.Method))
	pc.metrics.ImplicitResets(r.ImplicitResets)
	if r.ImplicitResets > 0 {
		pc.logger.WithFields(logrus.Fields{
			"device_id":       r.DeviceID,
			"channel":         int(r.Channel),
			"implicit_resets": r.ImplicitResets,
			"from":            r.From,
			"to":              r.To,
		}).Warn("Counter decreased without a logged reset")
	}
}

// postResetValues returns the channel values that follow reset, oldest
// first. Samples taken before the counter actually dropped still carry the
// pre-reset count and are skipped. ok is false when there are post-reset
// readings but none of them dropped below the pre-reset snapshot.
func postResetValues(series []counterPoint, reset *models.ResetLogEntry, ch models.Channel) ([]uint64, bool) {
	effective := reset.IssuedAt
	if reset.ConfirmedAt != nil && reset.ConfirmedAt.After(effective) {
		effective = *reset.ConfirmedAt
	}
	snapshot, hasSnapshot := reset.BeforeValue(ch)
	dropped := !hasSnapshot || snapshot == 0

	var (
		values []uint64
		seen   int
	)
	for _, p := range series {
		if p.at.Before(effective) {
			continue
		}
		seen++
		if !dropped {
			if p.value >= snapshot {
				continue
			}
			dropped = true
		}
		values = append(values, p.value)
	}
	if !dropped && seen > 0 {
		return nil, false
	}
	return values, true
}

type counterPoint struct {
	at    time.Time
	value uint64
}

// channelSeries keeps the readings that carry a value on ch
func channelSeries(readings []models.CounterReading, ch models.Channel) []counterPoint {
	series := make([]counterPoint, 0, len(readings))
	for i := range readings {
		if v, ok := readings[i].Value(ch); ok {
			series = append(series, counterPoint{at: readings[i].Timestamp, value: v})
		}
	}
	return series
}

func seriesValues(series []counterPoint) []uint64 {
	values := make([]uint64, len(series))
	for i, p := range series {
		values[i] = p.value
	}
	return values
}

// walkCounter sums the increments of a counter starting at baseline. A step
// down means the counter restarted from zero, so the new value is counted.
func walkCounter(baseline uint64, values []uint64) (total uint64, implicitResets int) {
	prev := baseline
	for _, v := range values {
		if v >= prev {
			total += v - prev
		} else {
			total += v
			implicitResets++
		}
		prev = v
	}
	return total, implicitResets
}
