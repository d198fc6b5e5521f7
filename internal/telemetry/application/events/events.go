package events

import (
	"time"

	telemetry "solar-cloud/internal/telemetry/domain"
)

// PowerReadingReceived is raised after a power reading has been persisted.
type PowerReadingReceived struct {
	DeviceID   string                 `json:"device_id"`
	Reading    telemetry.PowerReading `json:"reading"`
	BatchSize  int                    `json:"batch_size"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// GpsFixReceived is raised after a GPS fix has been persisted.
type GpsFixReceived struct {
	DeviceID   string           `json:"device_id"`
	Fix        telemetry.GpsFix `json:"fix"`
	OccurredAt time.Time        `json:"occurred_at"`
}
