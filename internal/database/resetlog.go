package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"iot-counter-backend/internal/errs"
	"iot-counter-backend/internal/models"
)

// RecordReset appends a reset attempt and returns its ID
func (s *Store) RecordReset(ctx context.Context, entry *models.ResetLogEntry) (uint, error) {
	if entry.Confirmation == "" {
		entry.Confirmation = models.ConfirmationNone
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return 0, fmt.Errorf("failed to record reset for %s: %w", entry.DeviceID, err)
	}
	return entry.ID, nil
}

// MarkResetSuccessful performs the single allowed false->true transition.
// Repeating it on an already successful entry is a no-op.
func (s *Store) MarkResetSuccessful(ctx context.Context, id uint, confirmation models.Confirmation, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&models.ResetLogEntry{}).
		Where("id = ? AND success = ?", id, false).
		Updates(map[string]any{
			"success":      true,
			"confirmation": confirmation,
			"confirmed_at": at,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark reset %d successful: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	entry, err := s.GetReset(ctx, id)
	if err != nil {
		return err
	}
	if entry.Success {
		return nil
	}
	return fmt.Errorf("reset %d not updated: %w", id, errs.ErrInconsistentState)
}

// AppendResetNote adds a line to the notes of a reset entry
func (s *Store) AppendResetNote(ctx context.Context, id uint, note string) error {
	res := s.db.WithContext(ctx).
		Model(&models.ResetLogEntry{}).
		Where("id = ?", id).
		Update("notes", gorm.Expr("CONCAT_WS(?, NULLIF(notes, ''), ?)", "\n", note))
	if res.Error != nil {
		return fmt.Errorf("failed to append note to reset %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.NotFound("reset log entry", strconv.FormatUint(uint64(id), 10))
	}
	return nil
}

// GetReset loads one reset entry
func (s *Store) GetReset(ctx context.Context, id uint) (*models.ResetLogEntry, error) {
	var entry models.ResetLogEntry
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&entry).Error; err != nil {
		return nil, notFound(err, "reset log entry", strconv.FormatUint(uint64(id), 10))
	}
	return &entry, nil
}

// LatestSuccessfulReset returns the most recent successful reset of a device
func (s *Store) LatestSuccessfulReset(ctx context.Context, deviceID string) (*models.ResetLogEntry, bool, error) {
	var entry models.ResetLogEntry
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND success = ?", deviceID, true).
		Order("issued_at DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load latest reset: %w", err)
	}
	return &entry, true, nil
}

// SuccessfulResetsBetween returns successful resets with from <= issued_at < to, oldest first
func (s *Store) SuccessfulResetsBetween(ctx context.Context, deviceID string, from, to time.Time) ([]models.ResetLogEntry, error) {
	var entries []models.ResetLogEntry
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND success = ? AND issued_at >= ? AND issued_at < ?", deviceID, true, from, to).
		Order("issued_at").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query resets: %w", err)
	}
	return entries, nil
}

// ListResets returns the most recent reset attempts of a device
func (s *Store) ListResets(ctx context.Context, deviceID string, limit int) ([]models.ResetLogEntry, error) {
	var entries []models.ResetLogEntry
	q := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("issued_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list resets: %w", err)
	}
	return entries, nil
}
