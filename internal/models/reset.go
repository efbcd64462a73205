package models

import "time"

// ResetLogEntry records one reset attempt. Append-only except for the
// single success false->true transition.
type ResetLogEntry struct {
	ID           uint         `gorm:"primaryKey;autoIncrement" json:"id"`
	DeviceID     string       `gorm:"size:64;index:idx_reset_device_time,priority:1" json:"device_id"`
	Channel      Channel      `json:"channel"`
	IssuedAt     time.Time    `gorm:"index:idx_reset_device_time,priority:2" json:"issued_at"`
	Reason       ResetReason  `gorm:"size:32" json:"reason"`
	Before1      *uint64      `json:"before_counter_1,omitempty"`
	Before2      *uint64      `json:"before_counter_2,omitempty"`
	Before3      *uint64      `json:"before_counter_3,omitempty"`
	Before4      *uint64      `json:"before_counter_4,omitempty"`
	Success      bool         `gorm:"index" json:"success"`
	Confirmation Confirmation `gorm:"size:16;default:none" json:"confirmation"`
	ConfirmedAt  *time.Time   `json:"confirmed_at,omitempty"`
	Notes        string       `gorm:"type:text" json:"notes"`
}

// SnapshotFrom copies the channel values of a reading into the before fields
func (e *ResetLogEntry) SnapshotFrom(r *CounterReading) {
	if r == nil {
		return
	}
	e.Before1 = r.Counter1
	e.Before2 = r.Counter2
	e.Before3 = r.Counter3
	e.Before4 = r.Counter4
}

// BeforeValue returns the pre-reset snapshot for a channel
func (e *ResetLogEntry) BeforeValue(ch Channel) (uint64, bool) {
	r := CounterReading{Counter1: e.Before1, Counter2: e.Before2, Counter3: e.Before3, Counter4: e.Before4}
	return r.Value(ch)
}
