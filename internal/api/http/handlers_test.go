package apihttp

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"solar-cloud/internal/auth"
	"solar-cloud/internal/factors"
	telemetry "solar-cloud/internal/telemetry/domain"
)

type stubReadingQuery struct {
	recent  []telemetry.PowerReading
	between []telemetry.PowerReading

	lastDeviceID string
	lastLimit    int
	lastFrom     time.Time
	lastTo       time.Time
}

func (s *stubReadingQuery) RecentReadings(_ context.Context, deviceID string, limit int) ([]telemetry.PowerReading, error) {
	s.lastDeviceID = deviceID
	s.lastLimit = limit
	return s.recent, nil
}

func (s *stubReadingQuery) ReadingsBetween(_ context.Context, deviceID string, from, to time.Time) ([]telemetry.PowerReading, error) {
	s.lastDeviceID = deviceID
	s.lastFrom = from
	s.lastTo = to
	return s.between, nil
}

func (s *stubReadingQuery) ReadingAt(context.Context, string, time.Time) (*telemetry.PowerReading, error) {
	return nil, nil
}

type stubGpsQuery struct {
	fix *telemetry.GpsFix
}

func (s *stubGpsQuery) LatestFix(context.Context, string) (*telemetry.GpsFix, error) {
	return s.fix, nil
}

type stubFactorStore struct {
	upserts map[string]telemetry.CorrectionFactors
}

func (s *stubFactorStore) Upsert(_ context.Context, deviceID string, deviceFactors telemetry.CorrectionFactors) error {
	if s.upserts == nil {
		s.upserts = make(map[string]telemetry.CorrectionFactors)
	}
	s.upserts[deviceID] = deviceFactors
	return nil
}

type stubConfigPublisher struct {
	published map[string]telemetry.CorrectionFactors
}

func (s *stubConfigPublisher) PublishConfig(deviceID string, deviceFactors telemetry.CorrectionFactors) error {
	if s.published == nil {
		s.published = make(map[string]telemetry.CorrectionFactors)
	}
	s.published[deviceID] = deviceFactors
	return nil
}

type stubControlPublisher struct {
	deviceID string
	payload  []byte
}

func (s *stubControlPublisher) PublishControl(deviceID string, payload []byte) error {
	s.deviceID = deviceID
	s.payload = payload
	return nil
}

func requestWithIdentity(method, target, body string, devices ...string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, target, reader)
	identity := auth.Identity{Subject: "user-1", CustomerCode: "ACME", Devices: devices}
	return r.WithContext(auth.WithIdentity(r.Context(), identity))
}

func TestReadingsHandlerRecent(t *testing.T) {
	query := &stubReadingQuery{recent: []telemetry.PowerReading{
		{DeviceID: "INV001", TS: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), GeneratedW: 1000, LoadAW: 1100, LoadAEfficiencyPct: 10},
	}}
	handler := NewReadingsHandler(query, auth.NewAuthorizer())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithIdentity(http.MethodGet, "/api/v1/readings?device_id=INV001&limit=5", "", "INV001"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if query.lastDeviceID != "INV001" || query.lastLimit != 5 {
		t.Fatalf("unexpected query args: device=%q limit=%d", query.lastDeviceID, query.lastLimit)
	}
	var rows []readingRow
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(rows) != 1 || rows[0].GeneratedW != 1000 {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestReadingsHandlerRange(t *testing.T) {
	query := &stubReadingQuery{}
	handler := NewReadingsHandler(query, auth.NewAuthorizer())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithIdentity(http.MethodGet,
		"/api/v1/readings?device_id=INV001&from=2026-03-14T00:00:00Z&to=2026-03-15T00:00:00Z", "", "INV001"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if query.lastFrom.IsZero() || !query.lastTo.After(query.lastFrom) {
		t.Fatalf("range not forwarded: from=%v to=%v", query.lastFrom, query.lastTo)
	}
}

func TestReadingsHandlerDeniedDevice(t *testing.T) {
	handler := NewReadingsHandler(&stubReadingQuery{}, auth.NewAuthorizer())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithIdentity(http.MethodGet, "/api/v1/readings?device_id=INV002", "", "INV001"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestReadingsHandlerNoIdentity(t *testing.T) {
	handler := NewReadingsHandler(&stubReadingQuery{}, auth.NewAuthorizer())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/readings?device_id=INV001", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestReadingsHandlerBadLimit(t *testing.T) {
	handler := NewReadingsHandler(&stubReadingQuery{}, auth.NewAuthorizer())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithIdentity(http.MethodGet, "/api/v1/readings?device_id=INV001&limit=-3", "", "INV001"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGpsHandlerNotFound(t *testing.T) {
	handler := NewGpsHandler(&stubGpsQuery{}, auth.NewAuthorizer())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithIdentity(http.MethodGet, "/api/v1/gps?device_id=INV001", "", "INV001"))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGpsHandlerLatest(t *testing.T) {
	fix := &telemetry.GpsFix{DeviceID: "INV001", Latitude: 47.37, Longitude: 8.54, Satellites: 7, TS: time.Now().UTC()}
	handler := NewGpsHandler(&stubGpsQuery{fix: fix}, auth.NewAuthorizer())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithIdentity(http.MethodGet, "/api/v1/gps?device_id=INV001", "", "INV001"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var row gpsRow
	if err := json.Unmarshal(rec.Body.Bytes(), &row); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if row.Latitude != 47.37 || row.Satellites != 7 {
		t.Fatalf("unexpected row %+v", row)
	}
}

func TestFactorsHandlerUpdate(t *testing.T) {
	registry := factors.NewRegistry()
	store := &stubFactorStore{}
	publisher := &stubConfigPublisher{}
	handler := NewFactorsHandler(registry, store, publisher, auth.NewAuthorizer(), log.New(io.Discard, "", 0))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithIdentity(http.MethodPut,
		"/api/v1/factors?device_id=INV001", `{"factor_a":1.2,"factor_p":0.8}`, "INV001"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	want := telemetry.CorrectionFactors{LoadA: 1.2, LoadP: 0.8}
	if got := registry.Get("INV001"); got != want {
		t.Fatalf("registry not updated: %+v", got)
	}
	if got := store.upserts["INV001"]; got != want {
		t.Fatalf("store not updated: %+v", got)
	}
	if got := publisher.published["INV001"]; got != want {
		t.Fatalf("config not published: %+v", got)
	}
}

func TestFactorsHandlerRejectsOutOfRange(t *testing.T) {
	registry := factors.NewRegistry()
	handler := NewFactorsHandler(registry, &stubFactorStore{}, &stubConfigPublisher{}, auth.NewAuthorizer(), log.New(io.Discard, "", 0))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithIdentity(http.MethodPut,
		"/api/v1/factors?device_id=INV001", `{"factor_a":0,"factor_p":0.8}`, "INV001"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := registry.Get("INV001"); got != telemetry.NeutralFactors() {
		t.Fatalf("registry should stay neutral, got %+v", got)
	}
}

func TestFactorsHandlerGetDefaultsNeutral(t *testing.T) {
	handler := NewFactorsHandler(factors.NewRegistry(), &stubFactorStore{}, &stubConfigPublisher{}, auth.NewAuthorizer(), log.New(io.Discard, "", 0))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithIdentity(http.MethodGet, "/api/v1/factors?device_id=INV001", "", "INV001"))

	var body factorsBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.FactorA != 1.0 || body.FactorP != 1.0 {
		t.Fatalf("expected neutral factors, got %+v", body)
	}
}

func TestControlHandlerPublishes(t *testing.T) {
	publisher := &stubControlPublisher{}
	handler := NewControlHandler(publisher, auth.NewAuthorizer(), log.New(io.Discard, "", 0))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithIdentity(http.MethodPost,
		"/api/v1/control", `{"device_id":"INV001","command":{"action":"restart"}}`, "INV001"))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if publisher.deviceID != "INV001" {
		t.Fatalf("command not published for device, got %q", publisher.deviceID)
	}
	if !strings.Contains(string(publisher.payload), "restart") {
		t.Fatalf("payload not forwarded verbatim: %s", publisher.payload)
	}
}

func TestControlHandlerDenied(t *testing.T) {
	publisher := &stubControlPublisher{}
	handler := NewControlHandler(publisher, auth.NewAuthorizer(), log.New(io.Discard, "", 0))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithIdentity(http.MethodPost,
		"/api/v1/control", `{"device_id":"INV002","command":{"action":"restart"}}`, "INV001"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if publisher.deviceID != "" {
		t.Fatalf("denied command must not publish")
	}
}

func TestDevicesHandlerListsGrant(t *testing.T) {
	handler := NewDevicesHandler(auth.NewAuthorizer(), nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithIdentity(http.MethodGet, "/api/v1/devices", "", "INV001", "INV002"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rows []deviceRow
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(rows) != 2 || rows[0].DeviceID != "INV001" {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestDevicesHandlerEmptyGrant(t *testing.T) {
	handler := NewDevicesHandler(auth.NewAuthorizer(), nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithIdentity(http.MethodGet, "/api/v1/devices", ""))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestExportReadingsXLSX(t *testing.T) {
	query := &stubReadingQuery{between: []telemetry.PowerReading{
		{DeviceID: "INV001", TS: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), GeneratedW: 1000, LoadAW: 1100, LoadPW: 1250},
	}}
	handler := NewExportReadingsHandler(query, auth.NewAuthorizer())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithIdentity(http.MethodGet,
		"/api/v1/exports/readings?device_id=INV001&from=2026-03-14T00:00:00Z&to=2026-03-15T00:00:00Z&format=xlsx", "", "INV001"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "spreadsheetml") {
		t.Fatalf("unexpected content type %q", got)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("empty workbook")
	}
}

func TestExportReadingsPDF(t *testing.T) {
	query := &stubReadingQuery{between: []telemetry.PowerReading{
		{DeviceID: "INV001", TS: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), GeneratedW: 1000},
	}}
	handler := NewExportReadingsHandler(query, auth.NewAuthorizer())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithIdentity(http.MethodGet,
		"/api/v1/exports/readings?device_id=INV001&from=2026-03-14T00:00:00Z&to=2026-03-15T00:00:00Z&format=pdf", "", "INV001"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(rec.Body.String(), "%PDF") {
		t.Fatalf("response is not a PDF")
	}
}

func TestExportReadingsUnknownFormat(t *testing.T) {
	handler := NewExportReadingsHandler(&stubReadingQuery{}, auth.NewAuthorizer())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithIdentity(http.MethodGet,
		"/api/v1/exports/readings?device_id=INV001&from=2026-03-14T00:00:00Z&to=2026-03-15T00:00:00Z&format=csv", "", "INV001"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
