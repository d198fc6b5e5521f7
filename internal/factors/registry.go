package factors

import (
	"sync"

	telemetry "solar-cloud/internal/telemetry/domain"
)

// Registry holds the current correction factors per device. Reads vastly
// outnumber writes; a factor value is always replaced whole, never mutated
// field by field, so a reader can never observe a torn update.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]telemetry.CorrectionFactors
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]telemetry.CorrectionFactors)}
}

// Get returns the factors for a device, neutral if none were configured.
func (r *Registry) Get(deviceID string) telemetry.CorrectionFactors {
	if r == nil || deviceID == "" {
		return telemetry.NeutralFactors()
	}
	r.mu.RLock()
	factors, ok := r.byID[deviceID]
	r.mu.RUnlock()
	if !ok {
		return telemetry.NeutralFactors()
	}
	return factors
}

// Set replaces the factors for a device. Invalid factors are ignored so a
// bad configuration update cannot distort subsequent readings.
func (r *Registry) Set(deviceID string, factors telemetry.CorrectionFactors) bool {
	if r == nil || deviceID == "" || !factors.Valid() {
		return false
	}
	r.mu.Lock()
	r.byID[deviceID] = factors
	r.mu.Unlock()
	return true
}

// Load seeds the registry from a stored configuration snapshot.
func (r *Registry) Load(snapshot map[string]telemetry.CorrectionFactors) {
	if r == nil {
		return
	}
	r.mu.Lock()
	for deviceID, factors := range snapshot {
		if deviceID != "" && factors.Valid() {
			r.byID[deviceID] = factors
		}
	}
	r.mu.Unlock()
}
