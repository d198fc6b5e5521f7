package realtime

import (
	"encoding/json"
	"errors"
	"time"

	"solar-cloud/internal/auth"
	telemetry "solar-cloud/internal/telemetry/domain"
)

// Payload types pushed to clients.
const (
	payloadTypeReading = "reading"
	payloadTypeGps     = "gps"
	payloadTypeStatus  = "status"
	payloadTypeError   = "error"
)

// Error codes carried in error payloads.
const (
	codeAccessDenied   = "ACCESS_DENIED"
	codeNoDeviceAccess = "NO_DEVICE_ACCESS"
	codeInvalidDevice  = "INVALID_DEVICE_ID"
	codeInvalidRequest = "INVALID_REQUEST"
	codeUnknownAction  = "UNKNOWN_ACTION"
)

// readingPayload mirrors the dashboard's realtime shape: the stored reading
// plus an online flag and a human-readable last-update clock time.
type readingPayload struct {
	Type               string    `json:"type"`
	DeviceID           string    `json:"device_id"`
	Online             bool      `json:"online"`
	LastUpdate         string    `json:"last_update"`
	GeneratedW         int       `json:"generated_w"`
	LoadAW             int       `json:"load_a_w"`
	LoadPW             int       `json:"load_p_w"`
	LoadAEfficiencyPct float64   `json:"load_a_efficiency_pct"`
	LoadPEfficiencyPct float64   `json:"load_p_efficiency_pct"`
	TS                 time.Time `json:"ts"`
}

type gpsPayload struct {
	Type       string    `json:"type"`
	DeviceID   string    `json:"device_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AltitudeM  float64   `json:"altitude_m"`
	Satellites int       `json:"satellites"`
	TS         time.Time `json:"ts"`
}

type statusPayload struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
}

type errorPayload struct {
	Type      string    `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func formatReading(reading telemetry.PowerReading, online bool, at time.Time) []byte {
	payload, _ := json.Marshal(readingPayload{
		Type:               payloadTypeReading,
		DeviceID:           reading.DeviceID,
		Online:             online,
		LastUpdate:         at.Format("15:04:05"),
		GeneratedW:         reading.GeneratedW,
		LoadAW:             reading.LoadAW,
		LoadPW:             reading.LoadPW,
		LoadAEfficiencyPct: reading.LoadAEfficiencyPct,
		LoadPEfficiencyPct: reading.LoadPEfficiencyPct,
		TS:                 reading.TS,
	})
	return payload
}

func formatGpsFix(fix telemetry.GpsFix) []byte {
	payload, _ := json.Marshal(gpsPayload{
		Type:       payloadTypeGps,
		DeviceID:   fix.DeviceID,
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		AltitudeM:  fix.AltitudeM,
		Satellites: fix.Satellites,
		TS:         fix.TS,
	})
	return payload
}

func formatStatus(deviceID, status string) []byte {
	payload, _ := json.Marshal(statusPayload{
		Type:     payloadTypeStatus,
		DeviceID: deviceID,
		Status:   status,
	})
	return payload
}

func formatError(err error, at time.Time) []byte {
	code := codeInvalidRequest
	switch {
	case errors.Is(err, auth.ErrNoDeviceAccess):
		code = codeNoDeviceAccess
	case errors.Is(err, auth.ErrDeviceNotAllowed):
		code = codeAccessDenied
	case errors.Is(err, errInvalidDevice):
		code = codeInvalidDevice
	case errors.Is(err, errUnknownAction):
		code = codeUnknownAction
	}
	payload, _ := json.Marshal(errorPayload{
		Type:      payloadTypeError,
		Code:      code,
		Message:   err.Error(),
		Timestamp: at,
	})
	return payload
}
