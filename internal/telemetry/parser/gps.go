package parser

import (
	"strconv"
	"strings"
	"time"

	telemetry "solar-cloud/internal/telemetry/domain"
)

// ParseGps parses a device GPS payload shaped
// "latitude,longitude[,altitude[,satellites]]". Altitude and satellite count
// default to zero when absent. Any validation failure returns nil; a partial
// fix is never returned. The fix timestamp is the receipt time, not embedded
// in the payload.
func ParseGps(deviceID string, payload []byte, receivedAt time.Time) *telemetry.GpsFix {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '"', '\'', ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, string(payload))

	if clean == "" {
		return nil
	}

	parts := strings.Split(clean, ",")
	if len(parts) < 2 {
		return nil
	}

	latitude, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil
	}
	longitude, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil
	}
	if latitude < -90 || latitude > 90 || longitude < -180 || longitude > 180 {
		return nil
	}

	altitude := 0.0
	if len(parts) > 2 && parts[2] != "" {
		altitude, err = strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil
		}
	}

	satellites := 0
	if len(parts) > 3 && parts[3] != "" {
		satellites, err = strconv.Atoi(parts[3])
		if err != nil {
			return nil
		}
	}

	return &telemetry.GpsFix{
		DeviceID:   deviceID,
		Latitude:   latitude,
		Longitude:  longitude,
		AltitudeM:  altitude,
		Satellites: satellites,
		TS:         receivedAt.UTC(),
	}
}
