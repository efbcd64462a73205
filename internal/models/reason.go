package models

import (
	"iot-counter-backend/internal/errs"
)

// ResetReason is the closed set of reasons recorded with every reset attempt
type ResetReason string

const (
	ReasonManual      ResetReason = "manual"
	ReasonDaily       ResetReason = "daily"
	ReasonBatchStart  ResetReason = "batch_start"
	ReasonMaintenance ResetReason = "maintenance"
)

// Valid reports whether r is a known reset reason
func (r ResetReason) Valid() bool {
	switch r {
	case ReasonManual, ReasonDaily, ReasonBatchStart, ReasonMaintenance:
		return true
	}
	return false
}

// ParseResetReason validates an operator-supplied reason
func ParseResetReason(s string) (ResetReason, error) {
	r := ResetReason(s)
	if !r.Valid() {
		return "", errs.Invalid("unknown reset reason %q", s)
	}
	return r, nil
}

// Confirmation records how far a reset attempt got
type Confirmation string

const (
	// ConfirmationNone: nothing acknowledged yet
	ConfirmationNone Confirmation = "none"
	// ConfirmationPublished: broker accepted the publish (degraded mode)
	ConfirmationPublished Confirmation = "published"
	// ConfirmationDevice: the device answered on the response topic
	ConfirmationDevice Confirmation = "device"
)
