package database

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"iot-counter-backend/internal/models"
)

// GetDevice loads a device by ID
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	var device models.Device
	if err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&device).Error; err != nil {
		return nil, notFound(err, "device", deviceID)
	}
	return &device, nil
}

// ListDevices returns all devices ordered by ID
func (s *Store) ListDevices(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device
	if err := s.db.WithContext(ctx).Order("device_id").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// SaveDevice inserts or updates a device
func (s *Store) SaveDevice(ctx context.Context, device *models.Device) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "channel", "updated_at"}),
	}).Create(device).Error
	if err != nil {
		return fmt.Errorf("failed to save device %s: %w", device.DeviceID, err)
	}
	return nil
}

// GetPilot loads the pilot status of a device
func (s *Store) GetPilot(ctx context.Context, deviceID string) (*models.PilotStatus, error) {
	var pilot models.PilotStatus
	if err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&pilot).Error; err != nil {
		return nil, notFound(err, "pilot status", deviceID)
	}
	return &pilot, nil
}

// ListPilots returns every pilot status row
func (s *Store) ListPilots(ctx context.Context) ([]models.PilotStatus, error) {
	var pilots []models.PilotStatus
	if err := s.db.WithContext(ctx).Order("device_id").Find(&pilots).Error; err != nil {
		return nil, fmt.Errorf("failed to list pilot statuses: %w", err)
	}
	return pilots, nil
}

// SavePilot inserts or replaces the pilot status of a device
func (s *Store) SavePilot(ctx context.Context, pilot *models.PilotStatus) error {
	if err := s.db.WithContext(ctx).Save(pilot).Error; err != nil {
		return fmt.Errorf("failed to save pilot status %s: %w", pilot.DeviceID, err)
	}
	return nil
}
