package parser

import (
	"testing"
	"time"
)

func TestParseGps_FullPayload(t *testing.T) {
	receivedAt := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	fix := ParseGps("6001", []byte("25.033671,121.564427,100.5,8"), receivedAt)
	if fix == nil {
		t.Fatal("expected a fix")
	}
	if fix.DeviceID != "6001" {
		t.Fatalf("expected device 6001, got %s", fix.DeviceID)
	}
	if fix.Latitude != 25.033671 || fix.Longitude != 121.564427 {
		t.Fatalf("unexpected coordinates: %+v", fix)
	}
	if fix.AltitudeM != 100.5 || fix.Satellites != 8 {
		t.Fatalf("unexpected altitude/satellites: %+v", fix)
	}
	if !fix.TS.Equal(receivedAt) {
		t.Fatalf("timestamp must be receipt time, got %v", fix.TS)
	}
}

func TestParseGps_DefaultsForMissingFields(t *testing.T) {
	fix := ParseGps("6001", []byte("25.033671,121.564427"), time.Now())
	if fix == nil {
		t.Fatal("expected a fix")
	}
	if fix.AltitudeM != 0 || fix.Satellites != 0 {
		t.Fatalf("expected zero defaults, got %+v", fix)
	}
}

func TestParseGps_StripsQuotesAndWhitespace(t *testing.T) {
	fix := ParseGps("6001", []byte("\"25.033671, 121.564427\"\n"), time.Now())
	if fix == nil {
		t.Fatal("expected a fix")
	}
}

func TestParseGps_Rejects(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"single field", "25.033671"},
		{"latitude out of range", "95.0,121.5,100,8"},
		{"longitude out of range", "25.0,181.0"},
		{"non-numeric latitude", "abc,121.5"},
		{"non-numeric longitude", "25.0,xyz"},
		{"non-numeric altitude", "25.0,121.5,high"},
		{"non-numeric satellites", "25.0,121.5,100,many"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if fix := ParseGps("6001", []byte(tc.payload), time.Now()); fix != nil {
				t.Fatalf("expected nil fix, got %+v", fix)
			}
		})
	}
}
