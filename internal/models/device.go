package models

import (
	"fmt"
	"time"
)

// Device represents a metering device. The ID is both logical and physical serial.
type Device struct {
	DeviceID  string    `gorm:"primaryKey;size:64" json:"device_id"`
	Name      string    `gorm:"size:128" json:"name"`
	Channel   Channel   `gorm:"not null;default:1" json:"channel"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PilotStatus controls reset-aware tracking for one device
type PilotStatus struct {
	DeviceID          string    `gorm:"primaryKey;size:64" json:"device_id"`
	Enabled           bool      `json:"enabled"`
	ResetBased        bool      `json:"reset_based"`
	DailyResetTime    *string   `gorm:"size:5" json:"daily_reset_time,omitempty"` // "HH:MM"
	BatchResetEnabled bool      `json:"batch_reset_enabled"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName keeps the table name stable
func (PilotStatus) TableName() string {
	return "pilot_statuses"
}

// DailyResetClock returns the configured hour and minute
func (p *PilotStatus) DailyResetClock() (hour, minute int, ok bool) {
	if p == nil || p.DailyResetTime == nil {
		return 0, 0, false
	}
	h, m, err := ParseClock(*p.DailyResetTime)
	if err != nil {
		return 0, 0, false
	}
	return h, m, true
}

// SchedulesDailyReset reports whether the scheduler should consider this device
func (p *PilotStatus) SchedulesDailyReset() bool {
	if p == nil || !p.Enabled || !p.BatchResetEnabled {
		return false
	}
	_, _, ok := p.DailyResetClock()
	return ok
}

// ParseClock parses a wall-clock "HH:MM" value
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("clock %q must be HH:MM: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}
