package models

import "time"

// Batch is an operator-defined production run on one device.
// At most one batch per device is active at any instant.
type Batch struct {
	ID                string     `gorm:"primaryKey;size:36" json:"id"`
	DeviceID          string     `gorm:"size:64;index:idx_batch_device_active,priority:1" json:"device_id"`
	Name              string     `gorm:"size:128" json:"name"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	StartCounterValue *uint64    `json:"start_counter_value"`
	EndCounterValue   *uint64    `json:"end_counter_value,omitempty"`
	Active            bool       `gorm:"index:idx_batch_device_active,priority:2" json:"active"`

	// Two-phase start: StartCounterValue is optimistic (0) when a reset was
	// requested, until the reconciler sees the first post-reset reading.
	ResetRequested       bool    `json:"reset_requested"`
	ResetLogID           *uint   `json:"reset_log_id,omitempty"`
	PreResetCounterValue *uint64 `json:"pre_reset_counter_value,omitempty"`
	StartConfirmed       bool    `json:"start_confirmed"`

	Notes     string    `gorm:"type:text" json:"notes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppendNote adds a line to the batch notes
func (b *Batch) AppendNote(note string) {
	if note == "" {
		return
	}
	if b.Notes == "" {
		b.Notes = note
		return
	}
	b.Notes += "\n" + note
}
