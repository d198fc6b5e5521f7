package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"solar-cloud/internal/auth"
	"solar-cloud/internal/factors"
	telemetry "solar-cloud/internal/telemetry/domain"
)

const timeLayout = time.RFC3339

const (
	defaultRecentLimit = 60
	maxRecentLimit     = 1000
)

// OnlineReporter tells whether a device pushed telemetry recently. The
// realtime hub implements it.
type OnlineReporter interface {
	Online(deviceID string) bool
	LastSeen(deviceID string) (time.Time, bool)
}

// ConfigPublisher pushes correction factors down to a device.
type ConfigPublisher interface {
	PublishConfig(deviceID string, factors telemetry.CorrectionFactors) error
}

// ControlPublisher forwards an operator command to a device.
type ControlPublisher interface {
	PublishControl(deviceID string, payload []byte) error
}

// ReadingsHandler serves stored power readings for one device.
type ReadingsHandler struct {
	query      telemetry.ReadingQuery
	authorizer auth.Authorizer
}

// NewReadingsHandler constructs a ReadingsHandler.
func NewReadingsHandler(query telemetry.ReadingQuery, authorizer auth.Authorizer) *ReadingsHandler {
	return &ReadingsHandler{query: query, authorizer: authorizer}
}

type readingRow struct {
	DeviceID           string    `json:"device_id"`
	TS                 time.Time `json:"ts"`
	GeneratedW         int       `json:"generated_w"`
	LoadAW             int       `json:"load_a_w"`
	LoadPW             int       `json:"load_p_w"`
	LoadAEfficiencyPct float64   `json:"load_a_efficiency_pct"`
	LoadPEfficiencyPct float64   `json:"load_p_efficiency_pct"`
}

// ServeHTTP handles GET /api/v1/readings. With from/to it returns the range
// [from, to) in ascending order; otherwise the most recent readings up to
// limit, newest first.
func (h *ReadingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.query == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	deviceID, ok := authorizedDevice(w, r, h.authorizer)
	if !ok {
		return
	}

	var (
		readings []telemetry.PowerReading
		err      error
	)
	if r.URL.Query().Get("from") != "" || r.URL.Query().Get("to") != "" {
		from, perr := parseTimeQuery(r, "from")
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		to, perr := parseTimeQuery(r, "to")
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		if !to.After(from) {
			http.Error(w, "to must be after from", http.StatusBadRequest)
			return
		}
		readings, err = h.query.ReadingsBetween(r.Context(), deviceID, from, to)
	} else {
		limit, perr := parseLimitQuery(r)
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		readings, err = h.query.RecentReadings(r.Context(), deviceID, limit)
	}
	if err != nil {
		http.Error(w, "query readings error", http.StatusInternalServerError)
		return
	}

	rows := make([]readingRow, 0, len(readings))
	for _, reading := range readings {
		rows = append(rows, toReadingRow(reading))
	}
	writeJSON(w, rows)
}

// GpsHandler serves the latest stored GPS fix for one device.
type GpsHandler struct {
	query      telemetry.GpsFixQuery
	authorizer auth.Authorizer
}

// NewGpsHandler constructs a GpsHandler.
func NewGpsHandler(query telemetry.GpsFixQuery, authorizer auth.Authorizer) *GpsHandler {
	return &GpsHandler{query: query, authorizer: authorizer}
}

type gpsRow struct {
	DeviceID   string    `json:"device_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AltitudeM  float64   `json:"altitude_m"`
	Satellites int       `json:"satellites"`
	TS         time.Time `json:"ts"`
}

// ServeHTTP handles GET /api/v1/gps.
func (h *GpsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.query == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	deviceID, ok := authorizedDevice(w, r, h.authorizer)
	if !ok {
		return
	}

	fix, err := h.query.LatestFix(r.Context(), deviceID)
	if err != nil {
		http.Error(w, "query gps error", http.StatusInternalServerError)
		return
	}
	if fix == nil {
		http.Error(w, "no fix recorded", http.StatusNotFound)
		return
	}
	writeJSON(w, gpsRow{
		DeviceID:   fix.DeviceID,
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		AltitudeM:  fix.AltitudeM,
		Satellites: fix.Satellites,
		TS:         fix.TS,
	})
}

// DevicesHandler lists the caller's accessible devices with a liveness flag.
type DevicesHandler struct {
	authorizer auth.Authorizer
	online     OnlineReporter
}

// NewDevicesHandler constructs a DevicesHandler.
func NewDevicesHandler(authorizer auth.Authorizer, online OnlineReporter) *DevicesHandler {
	return &DevicesHandler{authorizer: authorizer, online: online}
}

type deviceRow struct {
	DeviceID string     `json:"device_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// ServeHTTP handles GET /api/v1/devices.
func (h *DevicesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	devices, err := h.authorizer.AccessibleDevices(identity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	rows := make([]deviceRow, 0, len(devices))
	for _, deviceID := range devices {
		row := deviceRow{DeviceID: deviceID}
		if h.online != nil {
			row.Online = h.online.Online(deviceID)
			if at, seen := h.online.LastSeen(deviceID); seen {
				t := at.UTC()
				row.LastSeen = &t
			}
		}
		rows = append(rows, row)
	}
	writeJSON(w, rows)
}

// ControlHandler forwards an operator command to a device.
type ControlHandler struct {
	publisher  ControlPublisher
	authorizer auth.Authorizer
	logger     *log.Logger
}

// NewControlHandler constructs a ControlHandler.
func NewControlHandler(publisher ControlPublisher, authorizer auth.Authorizer, logger *log.Logger) *ControlHandler {
	return &ControlHandler{publisher: publisher, authorizer: authorizer, logger: logger}
}

type controlRequest struct {
	DeviceID string          `json:"device_id"`
	Command  json.RawMessage `json:"command"`
}

// ServeHTTP handles POST /api/v1/control.
func (h *ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.publisher == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.DeviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}
	if len(req.Command) == 0 {
		http.Error(w, "command is required", http.StatusBadRequest)
		return
	}

	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.authorizer.Authorize(identity, req.DeviceID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	if err := h.publisher.PublishControl(req.DeviceID, req.Command); err != nil {
		h.logger.Printf("api: control publish for %s failed: %v", req.DeviceID, err)
		http.Error(w, "publish failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// FactorsHandler reads and updates per-device correction factors. Updates
// are written to the store first, then applied to the in-memory registry,
// then pushed to the device over the config topic.
type FactorsHandler struct {
	registry   *factors.Registry
	store      factorStore
	publisher  ConfigPublisher
	authorizer auth.Authorizer
	logger     *log.Logger
}

type factorStore interface {
	Upsert(ctx context.Context, deviceID string, factors telemetry.CorrectionFactors) error
}

// NewFactorsHandler constructs a FactorsHandler.
func NewFactorsHandler(registry *factors.Registry, store factorStore, publisher ConfigPublisher, authorizer auth.Authorizer, logger *log.Logger) *FactorsHandler {
	return &FactorsHandler{
		registry:   registry,
		store:      store,
		publisher:  publisher,
		authorizer: authorizer,
		logger:     logger,
	}
}

type factorsBody struct {
	FactorA float64 `json:"factor_a"`
	FactorP float64 `json:"factor_p"`
}

// ServeHTTP handles GET and PUT /api/v1/factors.
func (h *FactorsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.get(w, r)
	case http.MethodPut:
		h.put(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *FactorsHandler) get(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := authorizedDevice(w, r, h.authorizer)
	if !ok {
		return
	}
	current := h.registry.Get(deviceID)
	writeJSON(w, factorsBody{FactorA: current.LoadA, FactorP: current.LoadP})
}

func (h *FactorsHandler) put(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := authorizedDevice(w, r, h.authorizer)
	if !ok {
		return
	}

	var body factorsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	next := telemetry.CorrectionFactors{LoadA: body.FactorA, LoadP: body.FactorP}
	if !next.Valid() {
		http.Error(w, "factors must be in (0, 10]", http.StatusBadRequest)
		return
	}

	if h.store != nil {
		if err := h.store.Upsert(r.Context(), deviceID, next); err != nil {
			http.Error(w, "persist factors error", http.StatusInternalServerError)
			return
		}
	}
	h.registry.Set(deviceID, next)

	if h.publisher != nil {
		if err := h.publisher.PublishConfig(deviceID, next); err != nil {
			// The registry already holds the new factors; the device picks
			// them up on its next config request.
			h.logger.Printf("api: config publish for %s failed: %v", deviceID, err)
		}
	}
	writeJSON(w, body)
}

// authorizedDevice extracts device_id from the query and checks the caller's
// grant. It writes the error response itself and reports whether to proceed.
func authorizedDevice(w http.ResponseWriter, r *http.Request, authorizer auth.Authorizer) (string, bool) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return "", false
	}
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	if err := authorizer.Authorize(identity, deviceID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return "", false
	}
	return deviceID, true
}

func toReadingRow(reading telemetry.PowerReading) readingRow {
	return readingRow{
		DeviceID:           reading.DeviceID,
		TS:                 reading.TS,
		GeneratedW:         reading.GeneratedW,
		LoadAW:             reading.LoadAW,
		LoadPW:             reading.LoadPW,
		LoadAEfficiencyPct: reading.LoadAEfficiencyPct,
		LoadPEfficiencyPct: reading.LoadPEfficiencyPct,
	}
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, errors.New(key + " is required")
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

func parseLimitQuery(r *http.Request) (int, error) {
	value := r.URL.Query().Get("limit")
	if value == "" {
		return defaultRecentLimit, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	return limit, nil
}
