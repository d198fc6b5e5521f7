package auth

import "errors"

var (
	// ErrNoDeviceAccess indicates an identity with no device grant at all.
	// Distinct from a per-device denial so operators can tell "no access
	// configured" apart from "no data yet".
	ErrNoDeviceAccess = errors.New("auth: no device access configured")
	// ErrDeviceNotAllowed indicates the device is outside the identity's grant.
	ErrDeviceNotAllowed = errors.New("auth: device not allowed")
)

// Authorizer decides device access for an identity. The same decision gates
// the read-side HTTP API and realtime subscriptions so device scoping cannot
// drift between the two paths.
type Authorizer struct{}

// NewAuthorizer constructs an authorizer.
func NewAuthorizer() Authorizer {
	return Authorizer{}
}

// Authorize returns nil when the identity may access the device.
func (Authorizer) Authorize(identity Identity, deviceID string) error {
	if len(identity.Devices) == 0 {
		return ErrNoDeviceAccess
	}
	if deviceID == "" {
		return ErrDeviceNotAllowed
	}
	for _, granted := range identity.Devices {
		if granted == deviceID {
			return nil
		}
	}
	return ErrDeviceNotAllowed
}

// CanAccess reports whether the identity may access the device.
func (a Authorizer) CanAccess(identity Identity, deviceID string) bool {
	return a.Authorize(identity, deviceID) == nil
}

// AccessibleDevices returns the identity's device grant. An empty grant is
// an explicit error, never a silent empty result.
func (Authorizer) AccessibleDevices(identity Identity) ([]string, error) {
	if len(identity.Devices) == 0 {
		return nil, ErrNoDeviceAccess
	}
	devices := make([]string, len(identity.Devices))
	copy(devices, identity.Devices)
	return devices, nil
}
