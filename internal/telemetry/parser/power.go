package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	telemetry "solar-cloud/internal/telemetry/domain"
)

const (
	minYear = 2020
	maxYear = 2035

	// maxPowerW bounds a plausible single-channel power value.
	maxPowerW = 10000
)

// EntryError reports why one batch entry was rejected.
type EntryError struct {
	Index  int
	Reason string
}

func (e EntryError) Error() string {
	return fmt.Sprintf("entry %d: %s", e.Index, e.Reason)
}

// PowerResult is the outcome of parsing one payload.
type PowerResult struct {
	Readings []telemetry.PowerReading
	Errors   []EntryError
}

// Latest returns the last successfully parsed reading, or nil.
func (r PowerResult) Latest() *telemetry.PowerReading {
	if len(r.Readings) == 0 {
		return nil
	}
	return &r.Readings[len(r.Readings)-1]
}

// ParsePower parses a device power payload. A payload is either one entry or
// a comma-delimited batch of entries, each shaped
// "YYYY_MM_DD_HH_MM_SS/generated/loadA/loadP" with two optional trailing
// fields that are ignored. One malformed entry fails alone; the rest of the
// batch is still returned.
func ParsePower(deviceID string, payload []byte, factors telemetry.CorrectionFactors) PowerResult {
	if !factors.Valid() {
		factors = telemetry.NeutralFactors()
	}

	entries := splitEntries(string(payload))

	result := PowerResult{}
	for i, entry := range entries {
		reading, err := parsePowerEntry(deviceID, entry, factors)
		if err != nil {
			result.Errors = append(result.Errors, EntryError{Index: i, Reason: err.Error()})
			continue
		}
		result.Readings = append(result.Readings, reading)
	}
	return result
}

// splitEntries strips quoting and whitespace, drops a trailing empty entry
// left by a terminal comma, and splits the batch.
func splitEntries(raw string) []string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '"', '\'', ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, raw)
	clean = strings.TrimSuffix(clean, ",")

	if clean == "" {
		return nil
	}

	parts := strings.Split(clean, ",")
	entries := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			entries = append(entries, part)
		}
	}
	return entries
}

func parsePowerEntry(deviceID, entry string, factors telemetry.CorrectionFactors) (telemetry.PowerReading, error) {
	parts := strings.Split(entry, "/")
	if len(parts) != 4 && len(parts) != 6 {
		return telemetry.PowerReading{}, fmt.Errorf("malformed entry: %d fields", len(parts))
	}

	ts, err := parseTimestampToken(parts[0])
	if err != nil {
		return telemetry.PowerReading{}, err
	}

	rawGenerated, err := parsePowerValue(parts[1], "generated")
	if err != nil {
		return telemetry.PowerReading{}, err
	}
	rawLoadA, err := parsePowerValue(parts[2], "loadA")
	if err != nil {
		return telemetry.PowerReading{}, err
	}
	rawLoadP, err := parsePowerValue(parts[3], "loadP")
	if err != nil {
		return telemetry.PowerReading{}, err
	}

	// Generated power keeps the raw value; only the load channels are
	// calibrated.
	generated := rawGenerated
	loadA := int(math.Round(float64(rawLoadA) * factors.LoadA))
	loadP := int(math.Round(float64(rawLoadP) * factors.LoadP))

	if outOfPowerRange(generated) || outOfPowerRange(loadA) || outOfPowerRange(loadP) {
		return telemetry.PowerReading{}, fmt.Errorf("power out of range: generated=%d loadA=%d loadP=%d", generated, loadA, loadP)
	}

	return telemetry.PowerReading{
		DeviceID:           deviceID,
		TS:                 ts,
		GeneratedW:         generated,
		LoadAW:             loadA,
		LoadPW:             loadP,
		LoadAEfficiencyPct: efficiencyPct(loadA, generated),
		LoadPEfficiencyPct: efficiencyPct(loadP, generated),
	}, nil
}

// parseTimestampToken parses "YYYY_MM_DD_HH_MM_SS" into a UTC instant.
func parseTimestampToken(token string) (time.Time, error) {
	fields := strings.Split(token, "_")
	if len(fields) != 6 {
		return time.Time{}, fmt.Errorf("malformed timestamp: %q", token)
	}

	values := make([]int, 6)
	for i, field := range fields {
		value, err := strconv.Atoi(field)
		if err != nil {
			return time.Time{}, fmt.Errorf("malformed timestamp: %q", token)
		}
		values[i] = value
	}

	year, month, day := values[0], values[1], values[2]
	hour, minute, second := values[3], values[4], values[5]

	if year < minYear || year > maxYear ||
		month < 1 || month > 12 ||
		day < 1 || day > 31 ||
		hour < 0 || hour > 23 ||
		minute < 0 || minute > 59 ||
		second < 0 || second > 59 {
		return time.Time{}, fmt.Errorf("timestamp out of range: %q", token)
	}

	ts := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	// time.Date normalizes impossible calendar dates (Feb 30 becomes Mar 2);
	// reject entries that do not survive the round trip.
	if ts.Day() != day || ts.Month() != time.Month(month) {
		return time.Time{}, fmt.Errorf("invalid calendar date: %q", token)
	}
	return ts, nil
}

func parsePowerValue(field, name string) (int, error) {
	value, err := strconv.Atoi(field)
	if err != nil {
		return 0, fmt.Errorf("invalid %s power: %q", name, field)
	}
	return value, nil
}

func outOfPowerRange(value int) bool {
	return value < 0 || value > maxPowerW
}

// efficiencyPct derives load efficiency relative to generated power, rounded
// to two decimals. Zero generation yields zero, not a division error.
func efficiencyPct(load, generated int) float64 {
	if generated <= 0 {
		return 0
	}
	pct := float64(load-generated) * 100 / float64(generated)
	return math.Round(pct*100) / 100
}
