package realtime

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"solar-cloud/internal/auth"
	"solar-cloud/internal/observability/metrics"
	"solar-cloud/internal/telemetry/application/events"
)

const defaultStaleAfter = 5 * time.Minute

var (
	errInvalidDevice = errors.New("invalid device id")
	errUnknownAction = errors.New("unknown action")
)

// Hub tracks which sessions are interested in which devices and fans
// incoming telemetry events out to them. All authorization happens at
// subscribe time; broadcast only consults the interest table.
type Hub struct {
	authorizer auth.Authorizer
	logger     *log.Logger
	staleAfter time.Duration

	mu        sync.Mutex
	interests map[string]map[*Session]struct{}
	sessions  map[*Session]map[string]struct{}
	lastSeen  map[string]time.Time

	now func() time.Time
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithStaleAfter overrides the window after which a device whose latest
// reading is older than the window reports as offline.
func WithStaleAfter(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.staleAfter = d
		}
	}
}

// NewHub creates a fan-out hub with an empty interest table.
func NewHub(authorizer auth.Authorizer, logger *log.Logger, opts ...HubOption) (*Hub, error) {
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	hub := &Hub{
		authorizer: authorizer,
		logger:     logger,
		staleAfter: defaultStaleAfter,
		interests:  make(map[string]map[*Session]struct{}),
		sessions:   make(map[*Session]map[string]struct{}),
		lastSeen:   make(map[string]time.Time),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(hub)
	}
	return hub, nil
}

// Register adds a connected session with no device interests yet.
func (h *Hub) Register(session *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[session]; !ok {
		h.sessions[session] = make(map[string]struct{})
	}
	clients := len(h.sessions)
	h.mu.Unlock()

	metrics.SetConnectedClients(clients)
}

// Subscribe records the session's interest in a device after checking the
// caller's grant. On denial the interest table is left unchanged and the
// explicit authorization error is returned.
func (h *Hub) Subscribe(session *Session, deviceID string) error {
	if deviceID == "" {
		return errInvalidDevice
	}
	if err := h.authorizer.Authorize(session.Identity(), deviceID); err != nil {
		return err
	}

	h.mu.Lock()
	if _, ok := h.sessions[session]; !ok {
		h.sessions[session] = make(map[string]struct{})
	}
	h.sessions[session][deviceID] = struct{}{}
	if _, ok := h.interests[deviceID]; !ok {
		h.interests[deviceID] = make(map[*Session]struct{})
	}
	h.interests[deviceID][session] = struct{}{}
	devices := len(h.interests)
	h.mu.Unlock()

	metrics.SetDeviceInterests(devices)
	return nil
}

// Unsubscribe removes the session's interest in a device. Unsubscribing
// from a device the session never subscribed to is a no-op.
func (h *Hub) Unsubscribe(session *Session, deviceID string) {
	h.mu.Lock()
	if interested, ok := h.sessions[session]; ok {
		delete(interested, deviceID)
	}
	h.dropInterestLocked(session, deviceID)
	devices := len(h.interests)
	h.mu.Unlock()

	metrics.SetDeviceInterests(devices)
}

// Disconnect removes the session and every interest it held, then closes
// its send queue. Safe to call more than once.
func (h *Hub) Disconnect(session *Session) {
	h.mu.Lock()
	for deviceID := range h.sessions[session] {
		h.dropInterestLocked(session, deviceID)
	}
	delete(h.sessions, session)
	clients := len(h.sessions)
	devices := len(h.interests)
	h.mu.Unlock()

	session.Close()
	metrics.SetConnectedClients(clients)
	metrics.SetDeviceInterests(devices)
}

func (h *Hub) dropInterestLocked(session *Session, deviceID string) {
	if interested, ok := h.interests[deviceID]; ok {
		delete(interested, session)
		if len(interested) == 0 {
			delete(h.interests, deviceID)
		}
	}
}

// HandlePowerReading is the bus handler for persisted power readings.
func (h *Hub) HandlePowerReading(_ context.Context, received events.PowerReadingReceived) error {
	now := h.now()
	online := now.Sub(received.Reading.TS) <= h.staleAfter

	h.mu.Lock()
	h.lastSeen[received.DeviceID] = now
	h.mu.Unlock()

	h.broadcast(received.DeviceID, formatReading(received.Reading, online, now))
	return nil
}

// HandleGpsFix is the bus handler for persisted GPS fixes.
func (h *Hub) HandleGpsFix(_ context.Context, received events.GpsFixReceived) error {
	h.broadcast(received.DeviceID, formatGpsFix(received.Fix))
	return nil
}

// broadcast pushes a payload to every session interested in the device.
// A session whose queue is full has the payload dropped; a session whose
// queue is closed is pruned from the tables.
func (h *Hub) broadcast(deviceID string, payload []byte) {
	h.mu.Lock()
	targets := make([]*Session, 0, len(h.interests[deviceID]))
	for session := range h.interests[deviceID] {
		targets = append(targets, session)
	}
	h.mu.Unlock()

	var dead []*Session
	for _, session := range targets {
		queued, alive := session.enqueue(payload)
		switch {
		case !alive:
			dead = append(dead, session)
			metrics.IncBroadcast("closed")
		case !queued:
			h.logger.Printf("realtime: dropping push for device %s, session %s queue full", deviceID, session.ID())
			metrics.IncBroadcast("dropped")
		default:
			metrics.IncBroadcast("delivered")
		}
	}
	for _, session := range dead {
		h.Disconnect(session)
	}
}

// LastSeen reports when the hub last fanned out a reading for the device.
func (h *Hub) LastSeen(deviceID string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	at, ok := h.lastSeen[deviceID]
	return at, ok
}

// Online reports whether the device pushed a reading within the staleness
// window.
func (h *Hub) Online(deviceID string) bool {
	at, ok := h.LastSeen(deviceID)
	if !ok {
		return false
	}
	return h.now().Sub(at) <= h.staleAfter
}
