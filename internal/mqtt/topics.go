package mqtt

import (
	"strings"

	"iot-counter-backend/internal/errs"
)

// Topics builds device-scoped topics of the form {namespace}/{device_id}/{class}/{verb}
type Topics struct {
	Namespace    string // e.g., "devices"
	Class        string // e.g., "counter"
	Verb         string // e.g., "reset"
	ResponseVerb string // e.g., "response"
}

// Command returns the concrete publish topic for a device.
// Device IDs that would turn the topic into a wildcard are rejected.
func (t Topics) Command(deviceID string) (string, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return "", err
	}
	return strings.Join([]string{t.Namespace, deviceID, t.Class, t.Verb}, "/"), nil
}

// Response returns the response topic a single device answers on
func (t Topics) Response(deviceID string) (string, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return "", err
	}
	return strings.Join([]string{t.Namespace, deviceID, t.Class, t.ResponseVerb}, "/"), nil
}

// ResponseWildcard returns the subscription covering every device's responses
func (t Topics) ResponseWildcard() string {
	return strings.Join([]string{t.Namespace, "+", t.Class, t.ResponseVerb}, "/")
}

// DeviceFromResponse extracts the device ID from a response topic.
// Example: "devices/m-001/counter/response" -> "m-001"
func (t Topics) DeviceFromResponse(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return "", false
	}
	if parts[0] != t.Namespace || parts[2] != t.Class || parts[3] != t.ResponseVerb || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func validateDeviceID(deviceID string) error {
	if deviceID == "" {
		return errs.Invalid("empty device id")
	}
	if strings.ContainsAny(deviceID, "/+#") {
		return errs.Invalid("device id %q contains topic separators or wildcards", deviceID)
	}
	return nil
}
