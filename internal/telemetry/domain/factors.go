package telemetry

// CorrectionFactors are per-device multipliers applied to the two raw load
// channels before storage. Generated power is never corrected.
type CorrectionFactors struct {
	LoadA float64
	LoadP float64
}

// NeutralFactors leaves raw values untouched.
func NeutralFactors() CorrectionFactors {
	return CorrectionFactors{LoadA: 1.0, LoadP: 1.0}
}

// maxFactor bounds a calibration multiplier to a sane range.
const maxFactor = 10.0

// Valid reports whether both factors are positive and within range.
func (f CorrectionFactors) Valid() bool {
	return f.LoadA > 0 && f.LoadA <= maxFactor && f.LoadP > 0 && f.LoadP <= maxFactor
}
