package telemetry

import (
	"context"
	"time"
)

// PowerReading is one device power snapshot written to storage.
type PowerReading struct {
	DeviceID string
	TS       time.Time

	GeneratedW int
	LoadAW     int
	LoadPW     int

	// Derived from the corrected load values, percent, two decimals.
	LoadAEfficiencyPct float64
	LoadPEfficiencyPct float64
}

// GpsFix is one device GPS sample.
type GpsFix struct {
	DeviceID   string
	Latitude   float64
	Longitude  float64
	AltitudeM  float64
	Satellites int
	TS         time.Time
}

// PowerReadingRepository persists power readings idempotently on (device_id, ts).
type PowerReadingRepository interface {
	UpsertReading(ctx context.Context, reading PowerReading) error
	UpsertReadings(ctx context.Context, readings []PowerReading) error
}

// GpsFixRepository persists GPS fixes idempotently on (device_id, ts).
type GpsFixRepository interface {
	UpsertFix(ctx context.Context, fix GpsFix) error
}

// ReadingQuery loads stored readings for the read-side API.
type ReadingQuery interface {
	RecentReadings(ctx context.Context, deviceID string, limit int) ([]PowerReading, error)
	ReadingsBetween(ctx context.Context, deviceID string, from, to time.Time) ([]PowerReading, error)
	ReadingAt(ctx context.Context, deviceID string, ts time.Time) (*PowerReading, error)
}

// GpsFixQuery loads stored GPS fixes for the read-side API.
type GpsFixQuery interface {
	LatestFix(ctx context.Context, deviceID string) (*GpsFix, error)
}
