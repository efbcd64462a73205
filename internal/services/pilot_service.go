package services

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"iot-counter-backend/internal/errs"
	"iot-counter-backend/internal/models"
)

// DeviceView pairs a device with its pilot status
type DeviceView struct {
	models.Device
	Pilot *models.PilotStatus `json:"pilot,omitempty"`
}

// PilotSettings are applied when a device joins reset-aware tracking
type PilotSettings struct {
	ResetBased        bool
	BatchResetEnabled bool
	DailyResetTime    *string // "HH:MM", nil leaves it unchanged
}

// PilotService implements the administrative device operations
type PilotService struct {
	devices DeviceStore
	actors  *ActorRegistry
	logger  *logrus.Entry
	now     func() time.Time
}

// NewPilotService creates a new pilot service
func NewPilotService(devices DeviceStore, actors *ActorRegistry, logger logrus.FieldLogger) *PilotService {
	return &PilotService{
		devices: devices,
		actors:  actors,
		logger:  logger.WithField("component", "pilot_service"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RegisterDevice creates or updates a device and its channel selection
func (ps *PilotService) RegisterDevice(ctx context.Context, deviceID, name string, ch models.Channel) (*models.Device, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" || strings.ContainsAny(deviceID, "/+#") {
		return nil, errs.Invalid("device id %q is not a valid topic segment", deviceID)
	}
	if err := ch.Validate(); err != nil {
		return nil, err
	}

	device, err := doOnActor(ctx, ps.actors, deviceID, func(ctx context.Context) (*models.Device, error) {
		existing, err := ps.devices.GetDevice(ctx, deviceID)
		switch {
		case errs.IsNotFound(err):
			existing = &models.Device{DeviceID: deviceID, CreatedAt: ps.now()}
		case err != nil:
			return nil, err
		}
		if name != "" {
			existing.Name = name
		}
		existing.Channel = ch
		existing.UpdatedAt = ps.now()
		if err := ps.devices.SaveDevice(ctx, existing); err != nil {
			return nil, err
		}

		if _, err := ps.devices.GetPilot(ctx, deviceID); errs.IsNotFound(err) {
			if err := ps.devices.SavePilot(ctx, &models.PilotStatus{DeviceID: deviceID, UpdatedAt: ps.now()}); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
		return existing, nil
	})
	if err != nil {
		return nil, errs.Wrap(err, "PilotService", "RegisterDevice", "save")
	}

	ps.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"channel":   int(ch),
	}).Info("Device registered")
	return device, nil
}

// Enable opts a device into reset-aware tracking
func (ps *PilotService) Enable(ctx context.Context, deviceID string, settings PilotSettings) (*models.PilotStatus, error) {
	if settings.DailyResetTime != nil {
		if _, _, err := models.ParseClock(*settings.DailyResetTime); err != nil {
			return nil, errs.Invalid("daily reset time: %v", err)
		}
	}
	return ps.updatePilot(ctx, deviceID, "Enable", func(p *models.PilotStatus) {
		p.Enabled = true
		p.ResetBased = settings.ResetBased
		p.BatchResetEnabled = settings.BatchResetEnabled
		if settings.DailyResetTime != nil {
			p.DailyResetTime = settings.DailyResetTime
		}
	})
}

// Disable returns a device to legacy diff-only tracking
func (ps *PilotService) Disable(ctx context.Context, deviceID string) (*models.PilotStatus, error) {
	return ps.updatePilot(ctx, deviceID, "Disable", func(p *models.PilotStatus) {
		p.Enabled = false
		p.ResetBased = false
	})
}

// SetDailyResetTime sets or (with nil) clears the daily reset time
func (ps *PilotService) SetDailyResetTime(ctx context.Context, deviceID string, clock *string) (*models.PilotStatus, error) {
	if clock != nil {
		if _, _, err := models.ParseClock(*clock); err != nil {
			return nil, errs.Invalid("daily reset time: %v", err)
		}
	}
	return ps.updatePilot(ctx, deviceID, "SetDailyResetTime", func(p *models.PilotStatus) {
		p.DailyResetTime = clock
	})
}

// GetPilot returns the pilot status of a known device
func (ps *PilotService) GetPilot(ctx context.Context, deviceID string) (*models.PilotStatus, error) {
	if _, err := ps.devices.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	pilot, err := ps.devices.GetPilot(ctx, deviceID)
	if errs.IsNotFound(err) {
		return &models.PilotStatus{DeviceID: deviceID}, nil
	}
	return pilot, err
}

// ListDevices returns every device with its pilot status
func (ps *PilotService) ListDevices(ctx context.Context) ([]DeviceView, error) {
	devices, err := ps.devices.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	pilots, err := ps.devices.ListPilots(ctx)
	if err != nil {
		return nil, err
	}
	byDevice := make(map[string]*models.PilotStatus, len(pilots))
	for i := range pilots {
		byDevice[pilots[i].DeviceID] = &pilots[i]
	}

	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, DeviceView{Device: d, Pilot: byDevice[d.DeviceID]})
	}
	return views, nil
}

func (ps *PilotService) updatePilot(ctx context.Context, deviceID, method string, apply func(*models.PilotStatus)) (*models.PilotStatus, error) {
	pilot, err := doOnActor(ctx, ps.actors, deviceID, func(ctx context.Context) (*models.PilotStatus, error) {
		if _, err := ps.devices.GetDevice(ctx, deviceID); err != nil {
			return nil, err
		}
		current, err := ps.devices.GetPilot(ctx, deviceID)
		switch {
		case errs.IsNotFound(err):
			current = &models.PilotStatus{DeviceID: deviceID}
		case err != nil:
			return nil, err
		}
		apply(current)
		current.UpdatedAt = ps.now()
		if err := ps.devices.SavePilot(ctx, current); err != nil {
			return nil, err
		}
		return current, nil
	})
	if err != nil {
		return nil, errs.Wrap(err, "PilotService", method, "pilot update")
	}

	ps.logger.WithFields(logrus.Fields{
		"device_id":   deviceID,
		"enabled":     pilot.Enabled,
		"reset_based": pilot.ResetBased,
	}).Info("Pilot status updated")
	return pilot, nil
}
