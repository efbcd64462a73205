package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"iot-counter-backend/internal/models"
)

// ActiveBatch returns the active batch of a device
func (s *Store) ActiveBatch(ctx context.Context, deviceID string) (*models.Batch, error) {
	var batch models.Batch
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND active = ?", deviceID, true).
		Order("started_at DESC").
		Take(&batch).Error
	if err != nil {
		return nil, notFound(err, "active batch for device", deviceID)
	}
	return &batch, nil
}

// GetBatch loads a batch by ID
func (s *Store) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	var batch models.Batch
	if err := s.db.WithContext(ctx).Where("id = ?", batchID).Take(&batch).Error; err != nil {
		return nil, notFound(err, "batch", batchID)
	}
	return &batch, nil
}

// ListBatches returns the most recent batches of a device
func (s *Store) ListBatches(ctx context.Context, deviceID string, limit int) ([]models.Batch, error) {
	var batches []models.Batch
	q := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return batches, nil
}

// ListUnconfirmedStarts returns batches, active or closed, whose optimistic
// start value has not been reconciled yet
func (s *Store) ListUnconfirmedStarts(ctx context.Context) ([]models.Batch, error) {
	var batches []models.Batch
	err := s.db.WithContext(ctx).
		Where("reset_requested = ? AND start_confirmed = ?", true, false).
		Order("started_at").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unconfirmed batches: %w", err)
	}
	return batches, nil
}

// CreateActive inserts batch as the device's active batch. Any batch still
// active for the device is deactivated in the same transaction and returned.
func (s *Store) CreateActive(ctx context.Context, batch *models.Batch) ([]models.Batch, error) {
	var superseded []models.Batch
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_id = ? AND active = ?", batch.DeviceID, true).
			Find(&superseded).Error; err != nil {
			return err
		}
		for i := range superseded {
			old := &superseded[i]
			old.Active = false
			if old.EndedAt == nil {
				endedAt := batch.StartedAt
				old.EndedAt = &endedAt
			}
			old.AppendNote("superseded by batch " + batch.ID)
			if err := tx.Save(old).Error; err != nil {
				return err
			}
		}
		return tx.Create(batch).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create batch %s: %w", batch.ID, err)
	}
	return superseded, nil
}

// SaveBatch persists changes to an existing batch
func (s *Store) SaveBatch(ctx context.Context, batch *models.Batch) error {
	if err := s.db.WithContext(ctx).Save(batch).Error; err != nil {
		return fmt.Errorf("failed to save batch %s: %w", batch.ID, err)
	}
	return nil
}
