package services

import (
	"context"
	"time"

	"iot-counter-backend/internal/models"
	"iot-counter-backend/internal/protocol"
)

// DeviceStore persists devices and their pilot configuration
type DeviceStore interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	ListDevices(ctx context.Context) ([]models.Device, error)
	SaveDevice(ctx context.Context, device *models.Device) error
	GetPilot(ctx context.Context, deviceID string) (*models.PilotStatus, error)
	ListPilots(ctx context.Context) ([]models.PilotStatus, error)
	SavePilot(ctx context.Context, pilot *models.PilotStatus) error
}

// BatchStore persists batches. CreateActive deactivates any batch still
// active for the device in the same transaction and returns those rows.
type BatchStore interface {
	ActiveBatch(ctx context.Context, deviceID string) (*models.Batch, error)
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	ListBatches(ctx context.Context, deviceID string, limit int) ([]models.Batch, error)
	ListUnconfirmedStarts(ctx context.Context) ([]models.Batch, error)
	CreateActive(ctx context.Context, batch *models.Batch) ([]models.Batch, error)
	SaveBatch(ctx context.Context, batch *models.Batch) error
}

// ResetLog is the append-only history of reset attempts
type ResetLog interface {
	RecordReset(ctx context.Context, entry *models.ResetLogEntry) (uint, error)
	MarkResetSuccessful(ctx context.Context, id uint, confirmation models.Confirmation, at time.Time) error
	AppendResetNote(ctx context.Context, id uint, note string) error
	GetReset(ctx context.Context, id uint) (*models.ResetLogEntry, error)
	LatestSuccessfulReset(ctx context.Context, deviceID string) (*models.ResetLogEntry, bool, error)
	SuccessfulResetsBetween(ctx context.Context, deviceID string, from, to time.Time) ([]models.ResetLogEntry, error)
	ListResets(ctx context.Context, deviceID string, limit int) ([]models.ResetLogEntry, error)
}

// TelemetryReader queries counter readings from the time-series store
type TelemetryReader interface {
	LatestReading(ctx context.Context, deviceID string) (*models.CounterReading, bool, error)
	LatestReadingBefore(ctx context.Context, deviceID string, t time.Time) (*models.CounterReading, bool, error)
	ReadingsInRange(ctx context.Context, deviceID string, from, to time.Time) ([]models.CounterReading, error)
}

// CommandPublisher sends reset frames to device topics
type CommandPublisher interface {
	IsConnected() bool
	PublishReset(ctx context.Context, deviceID string, ch models.Channel) error
}

// ResponseAwaiter hands out a waiter for the next device response
type ResponseAwaiter interface {
	Await(deviceID string, ch models.Channel) (<-chan protocol.Response, func())
}

// Resetter issues one reset command and records it
type Resetter interface {
	SendReset(ctx context.Context, req ResetRequest) (*models.ResetLogEntry, error)
}
