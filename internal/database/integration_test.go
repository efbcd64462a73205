//go:build integration

package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"iot-counter-backend/internal/errs"
	"iot-counter-backend/internal/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

func startContainer(ctx context.Context, t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

func newMySQLStore(ctx context.Context, t *testing.T) *Store {
	addr := startContainer(ctx, t, testcontainers.ContainerRequest{
		Image:        "mysql:8.0",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "secret",
			"MYSQL_DATABASE":      "counters",
		},
		WaitingFor: wait.ForLog("port: 3306  MySQL Community Server").WithStartupTimeout(2 * time.Minute),
	}, "3306/tcp")

	db, err := ConnectMySQLWithRetry(ctx, MySQLConfig{
		DSN:         fmt.Sprintf("root:secret@tcp(%s)/counters?charset=utf8mb4&parseTime=True&loc=UTC", addr),
		MaxAttempts: 5,
	}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return NewStore(db)
}

func TestIntegration_MySQLStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	store := newMySQLStore(ctx, t)

	t.Run("devices and pilots", func(t *testing.T) {
		require.NoError(t, store.SaveDevice(ctx, &models.Device{DeviceID: "dev-1", Name: "press", Channel: models.Channel2}))
		require.NoError(t, store.SaveDevice(ctx, &models.Device{DeviceID: "dev-1", Name: "press A", Channel: models.Channel3}))

		device, err := store.GetDevice(ctx, "dev-1")
		require.NoError(t, err)
		assert.Equal(t, "press A", device.Name)
		assert.Equal(t, models.Channel3, device.Channel)

		_, err = store.GetDevice(ctx, "missing")
		assert.ErrorIs(t, err, errs.ErrNotFound)

		clock := "06:00"
		require.NoError(t, store.SavePilot(ctx, &models.PilotStatus{DeviceID: "dev-1", Enabled: true, DailyResetTime: &clock}))
		pilots, err := store.ListPilots(ctx)
		require.NoError(t, err)
		require.Len(t, pilots, 1)
		assert.Equal(t, "06:00", *pilots[0].DailyResetTime)
	})

	t.Run("create active supersedes previous batch", func(t *testing.T) {
		start := time.Now().UTC().Truncate(time.Second)
		first := &models.Batch{ID: "b-1", DeviceID: "dev-1", Name: "first", StartedAt: start, Active: true, StartConfirmed: true}
		superseded, err := store.CreateActive(ctx, first)
		require.NoError(t, err)
		assert.Empty(t, superseded)

		second := &models.Batch{ID: "b-2", DeviceID: "dev-1", Name: "second", StartedAt: start.Add(time.Minute), Active: true, ResetRequested: true}
		superseded, err = store.CreateActive(ctx, second)
		require.NoError(t, err)
		require.Len(t, superseded, 1)
		assert.Equal(t, "b-1", superseded[0].ID)

		active, err := store.ActiveBatch(ctx, "dev-1")
		require.NoError(t, err)
		assert.Equal(t, "b-2", active.ID)

		old, err := store.GetBatch(ctx, "b-1")
		require.NoError(t, err)
		assert.False(t, old.Active)
		require.NotNil(t, old.EndedAt)
		assert.Contains(t, old.Notes, "superseded by batch b-2")

		pending, err := store.ListUnconfirmedStarts(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "b-2", pending[0].ID)

		// closing a batch does not settle its start value
		active.Active = false
		ended := start.Add(time.Hour)
		active.EndedAt = &ended
		require.NoError(t, store.SaveBatch(ctx, active))
		pending, err = store.ListUnconfirmedStarts(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.False(t, pending[0].Active)
	})

	t.Run("reset log transitions once", func(t *testing.T) {
		issued := time.Now().UTC().Truncate(time.Second)
		entry := &models.ResetLogEntry{DeviceID: "dev-1", Channel: models.Channel3, IssuedAt: issued, Reason: models.ReasonDaily}
		id, err := store.RecordReset(ctx, entry)
		require.NoError(t, err)
		require.NotZero(t, id)

		require.NoError(t, store.AppendResetNote(ctx, id, "first"))
		require.NoError(t, store.AppendResetNote(ctx, id, "second"))

		_, found, err := store.LatestSuccessfulReset(ctx, "dev-1")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, store.MarkResetSuccessful(ctx, id, models.ConfirmationDevice, issued))
		require.NoError(t, store.MarkResetSuccessful(ctx, id, models.ConfirmationDevice, issued))

		got, err := store.GetReset(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.Success)
		assert.Equal(t, "first\nsecond", got.Notes)

		between, err := store.SuccessfulResetsBetween(ctx, "dev-1", issued.Add(-time.Hour), issued.Add(time.Hour))
		require.NoError(t, err)
		assert.Len(t, between, 1)

		err = store.AppendResetNote(ctx, 99999, "x")
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})
}

func TestIntegration_ClickHouseReadings(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	addr := startContainer(ctx, t, testcontainers.ContainerRequest{
		Image:        "clickhouse/clickhouse-server:23.8",
		ExposedPorts: []string{"9000/tcp", "8123/tcp"},
		WaitingFor:   wait.ForHTTP("/ping").WithPort("8123/tcp").WithStartupTimeout(2 * time.Minute),
	}, "9000/tcp")

	db, err := NewClickHouseDB(ctx, ClickHouseConfig{Addr: addr, Database: "default", Username: "default"}, quietLogger())
	require.NoError(t, err)
	defer db.Close()

	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	for i, v := range []uint64{100, 140, 10} {
		require.NoError(t, db.SaveReading(ctx, &models.CounterReading{
			DeviceID:  "dev-ch",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Counter1:  models.Uint64(v),
		}))
	}

	latest, found, err := db.LatestReading(ctx, "dev-ch")
	require.NoError(t, err)
	require.True(t, found)
	v, ok := latest.Value(models.Channel1)
	require.True(t, ok)
	assert.Equal(t, uint64(10), v)
	_, ok = latest.Value(models.Channel2)
	assert.False(t, ok)

	before, found, err := db.LatestReadingBefore(ctx, "dev-ch", base.Add(90*time.Minute))
	require.NoError(t, err)
	require.True(t, found)
	v, _ = before.Value(models.Channel1)
	assert.Equal(t, uint64(140), v)

	_, found, err = db.LatestReadingBefore(ctx, "dev-ch", base)
	require.NoError(t, err)
	assert.False(t, found)

	readings, err := db.ReadingsInRange(ctx, "dev-ch", base, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, readings, 2)
}
