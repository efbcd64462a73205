package models

import "time"

// CounterReading is one telemetry sample. Channel values are nil when unused.
type CounterReading struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Counter1  *uint64   `json:"counter_1,omitempty"`
	Counter2  *uint64   `json:"counter_2,omitempty"`
	Counter3  *uint64   `json:"counter_3,omitempty"`
	Counter4  *uint64   `json:"counter_4,omitempty"`
}

// Value returns the reading for a channel
func (r *CounterReading) Value(ch Channel) (uint64, bool) {
	if r == nil {
		return 0, false
	}
	var v *uint64
	switch ch {
	case Channel1:
		v = r.Counter1
	case Channel2:
		v = r.Counter2
	case Channel3:
		v = r.Counter3
	case Channel4:
		v = r.Counter4
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// Uint64 returns a pointer to v, for optional counter fields
func Uint64(v uint64) *uint64 {
	return &v
}
