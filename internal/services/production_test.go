package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-counter-backend/internal/errs"
	"iot-counter-backend/internal/models"
)

func TestWalkCounter(t *testing.T) {
	cases := []struct {
		name     string
		baseline uint64
		values   []uint64
		want     uint64
		implicit int
	}{
		{"empty", 10, nil, 0, 0},
		{"monotonic", 10, []uint64{15, 15, 40}, 30, 0},
		{"rollback", 120, []uint64{95}, 95, 1},
		{"reset mid period", 100, []uint64{150, 3, 20}, 70, 1},
		{"two resets", 0, []uint64{50, 10, 5, 30}, 90, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, implicit := walkCounter(tc.baseline, tc.values)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.implicit, implicit)
		})
	}
}

type productionFixture struct {
	store     *memStore
	telemetry *memTelemetry
	calc      *ProductionCalculator
	from, to  time.Time
}

func newProductionFixture(t *testing.T) *productionFixture {
	t.Helper()
	f := &productionFixture{
		store:     newMemStore(),
		telemetry: newMemTelemetry(),
		from:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	f.to = f.from.Add(24 * time.Hour)
	f.store.addDevice("dev-1", models.Channel1)
	f.calc = NewProductionCalculator(f.store, f.store, f.telemetry, time.UTC, nil, nullLogger())
	return f
}

func (f *productionFixture) pilot(resetBased bool) {
	_ = f.store.SavePilot(context.Background(), &models.PilotStatus{DeviceID: "dev-1", Enabled: true, ResetBased: resetBased})
}

func (f *productionFixture) reset(at time.Time, ch models.Channel, success bool) {
	_, _ = f.store.RecordReset(context.Background(), &models.ResetLogEntry{
		DeviceID: "dev-1", Channel: ch, IssuedAt: at, Reason: models.ReasonDaily, Success: success,
	})
}

func (f *productionFixture) resetWithSnapshot(at time.Time, before uint64) {
	_, _ = f.store.RecordReset(context.Background(), &models.ResetLogEntry{
		DeviceID: "dev-1", Channel: models.Channel1, IssuedAt: at, Reason: models.ReasonDaily,
		Success: true, Before1: models.Uint64(before),
	})
}

func TestCalculatePeriod_RollbackWithoutLoggedReset(t *testing.T) {
	f := newProductionFixture(t)
	f.telemetry.add("dev-1", f.from.Add(-time.Hour), models.Channel1, 120)
	f.telemetry.add("dev-1", f.from.Add(10*time.Hour), models.Channel1, 95)

	res, err := f.calc.CalculatePeriod(context.Background(), "dev-1", f.from, f.to)
	require.NoError(t, err)
	assert.Equal(t, MethodDiff, res.Method)
	assert.Equal(t, uint64(95), res.Quantity)
	assert.Equal(t, 1, res.ImplicitResets)
}

func TestCalculatePeriod_NoData(t *testing.T) {
	f := newProductionFixture(t)

	res, err := f.calc.CalculatePeriod(context.Background(), "dev-1", f.from, f.to)
	require.NoError(t, err)
	assert.Equal(t, MethodNone, res.Method)
	assert.Zero(t, res.Quantity)
}

func TestCalculatePeriod_OfflineAllPeriod(t *testing.T) {
	f := newProductionFixture(t)
	f.telemetry.add("dev-1", f.from.Add(-48*time.Hour), models.Channel1, 7000)

	res, err := f.calc.CalculatePeriod(context.Background(), "dev-1", f.from, f.to)
	require.NoError(t, err)
	assert.Equal(t, MethodDiff, res.Method)
	assert.Zero(t, res.Quantity)
}

func TestCalculatePeriod_FirstReadingIsBaselineForNewDevice(t *testing.T) {
	f := newProductionFixture(t)
	f.telemetry.add("dev-1", f.from.Add(time.Hour), models.Channel1, 1000)
	f.telemetry.add("dev-1", f.from.Add(2*time.Hour), models.Channel1, 1250)

	res, err := f.calc.CalculatePeriod(context.Background(), "dev-1", f.from, f.to)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), res.Quantity)
	assert.Equal(t, 2, res.Readings)
}

func TestCalculatePeriod_IgnoresOtherChannels(t *testing.T) {
	f := newProductionFixture(t)
	f.telemetry.add("dev-1", f.from.Add(-time.Hour), models.Channel1, 10)
	f.telemetry.add("dev-1", f.from.Add(time.Hour), models.Channel2, 99999)
	f.telemetry.add("dev-1", f.from.Add(2*time.Hour), models.Channel1, 30)

	res, err := f.calc.CalculatePeriod(context.Background(), "dev-1", f.from, f.to)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), res.Quantity)
	assert.Equal(t, 1, res.Readings)
}

func TestCalculatePeriod_DirectMethodAfterReset(t *testing.T) {
	f := newProductionFixture(t)
	f.pilot(true)
	resetAt := f.from.Add(6 * time.Hour)

	f.telemetry.add("dev-1", f.from.Add(-time.Hour), models.Channel1, 4000)
	f.telemetry.add("dev-1", f.from.Add(5*time.Hour), models.Channel1, 4300)
	f.reset(resetAt, models.Channel1, true)
	f.telemetry.add("dev-1", resetAt.Add(time.Minute), models.Channel1, 0)
	f.telemetry.add("dev-1", resetAt.Add(8*time.Hour), models.Channel1, 610)

	res, err := f.calc.CalculatePeriod(context.Background(), "dev-1", f.from, f.to)
	require.NoError(t, err)
	assert.Equal(t, MethodDirect, res.Method)
	assert.Equal(t, 1, res.ResetCount)
	assert.Equal(t, uint64(610), res.Quantity)
}

func TestCalculatePeriod_DirectMethodNoReadingYet(t *testing.T) {
	f := newProductionFixture(t)
	f.pilot(true)
	f.reset(f.from.Add(time.Hour), models.Channel1, true)

	res, err := f.calc.CalculatePeriod(context.Background(), "dev-1", f.from, f.to)
	require.NoError(t, err)
	assert.Equal(t, MethodDirect, res.Method)
	assert.Zero(t, res.Quantity)
}

func TestCalculatePeriod_DirectMethodSkipsStaleSamples(t *testing.T) {
	f := newProductionFixture(t)
	f.pilot(true)
	resetAt := f.from.Add(6 * time.Hour)

	f.telemetry.add("dev-1", f.from.Add(5*time.Hour), models.Channel1, 500)
	f.resetWithSnapshot(resetAt, 500)
	// sampled before the device applied the reset
	f.telemetry.add("dev-1", resetAt.Add(30*time.Second), models.Channel1, 500)
	f.telemetry.add("dev-1", resetAt.Add(time.Minute), models.Channel1, 0)
	f.telemetry.add("dev-1", resetAt.Add(2*time.Hour), models.Channel1, 237)

	res, err := f.calc.CalculatePeriod(context.Background(), "dev-1", f.from, f.to)
	require.NoError(t, err)
	assert.Equal(t, MethodDirect, res.Method)
	assert.Equal(t, uint64(237), res.Quantity)
	assert.Zero(t, res.ImplicitResets)
}

func TestCalculatePeriod_DirectMethodStartsAtConfirmation(t *testing.T) {
	f := newProductionFixture(t)
	f.pilot(true)
	issuedAt := f.from.Add(6 * time.Hour)
	confirmedAt := issuedAt.Add(5 * time.Second)

	_, _ = f.store.RecordReset(context.Background(), &models.ResetLogEntry{
		DeviceID: "dev-1", Channel: models.Channel1, IssuedAt: issuedAt, Reason: models.ReasonManual,
		Success: true, Confirmation: models.ConfirmationDevice, ConfirmedAt: &confirmedAt,
	})
	f.telemetry.add("dev-1", issuedAt.Add(2*time.Second), models.Channel1, 900)
	f.telemetry.add("dev-1", confirmedAt.Add(time.Minute), models.Channel1, 12)

	res, err := f.calc.CalculatePeriod(context.Background(), "dev-1", f.from, f.to)
	require.NoError(t, err)
	assert.Equal(t, MethodDirect, res.Method)
	assert.Equal(t, uint64(12), res.Quantity)
}

func TestCalculatePeriod_ResetNeverSeenUsesDiff(t *testing.T) {
	f := newProductionFixture(t)
	f.pilot(true)
	resetAt := f.from.Add(6 * time.Hour)

	f.telemetry.add("dev-1", f.from.Add(-time.Hour), models.Channel1, 400)
	f.resetWithSnapshot(resetAt, 500)
	f.telemetry.add("dev-1", resetAt.Add(time.Minute), models.Channel1, 510)
	f.telemetry.add("dev-1", resetAt.Add(time.Hour), models.Channel1, 560)

	res, err := f.calc.CalculatePeriod(context.Background(), "dev-1", f.from, f.to)
	require.NoError(t, err)
	assert.Equal(t, MethodDiff, res.Method)
	assert.Equal(t, 1, res.ResetCount)
	assert.Equal(t, uint64(160), res.Quantity)
}

func TestCalculatePeriod_FallsBackToDiff(t *testing.T) {
	cases := []struct {
		name    string
		prepare func(f *productionFixture)
	}{
		{"not reset based", func(f *productionFixture) {
			f.pilot(false)
			f.reset(f.from.Add(time.Hour), models.Channel1, true)
		}},
		{"not a pilot", func(f *productionFixture) {
			f.reset(f.from.Add(time.Hour), models.Channel1, true)
		}},
		{"reset on another channel", func(f *productionFixture) {
			f.pilot(true)
			f.reset(f.from.Add(time.Hour), models.Channel3, true)
		}},
		{"unsuccessful reset", func(f *productionFixture) {
			f.pilot(true)
			f.reset(f.from.Add(time.Hour), models.Channel1, false)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newProductionFixture(t)
			tc.prepare(f)
			f.telemetry.add("dev-1", f.from.Add(-time.Hour), models.Channel1, 100)
			f.telemetry.add("dev-1", f.from.Add(3*time.Hour), models.Channel1, 180)

			res, err := f.calc.CalculatePeriod(context.Background(), "dev-1", f.from, f.to)
			require.NoError(t, err)
			assert.Equal(t, MethodDiff, res.Method)
			assert.Equal(t, uint64(80), res.Quantity)
		})
	}
}

func TestCalculatePeriod_Errors(t *testing.T) {
	f := newProductionFixture(t)

	_, err := f.calc.CalculatePeriod(context.Background(), "dev-1", f.to, f.from)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = f.calc.CalculatePeriod(context.Background(), "ghost", f.from, f.to)
	assert.True(t, errs.IsNotFound(err))
}

func TestCalculateDay_UsesConfiguredZone(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	store := newMemStore()
	store.addDevice("dev-1", models.Channel1)
	telemetry := newMemTelemetry()
	calc := NewProductionCalculator(store, store, telemetry, loc, nil, nullLogger())

	dayStart := time.Date(2024, 3, 1, 0, 0, 0, 0, loc)
	telemetry.add("dev-1", dayStart.Add(-time.Minute), models.Channel1, 10)
	telemetry.add("dev-1", dayStart.Add(12*time.Hour), models.Channel1, 60)
	telemetry.add("dev-1", dayStart.Add(24*time.Hour), models.Channel1, 500) // next day

	res, err := calc.CalculateDay(context.Background(), "dev-1", dayStart.Add(3*time.Hour))
	require.NoError(t, err)
	assert.True(t, res.From.Equal(dayStart))
	assert.True(t, res.To.Equal(dayStart.Add(24*time.Hour)))
	assert.Equal(t, uint64(50), res.Quantity)
}
