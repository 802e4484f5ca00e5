package scan

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidRequest is generated when scan parameters are rejected before
// any hardware is touched
var ErrInvalidRequest = errors.New("invalid scan request")

// Axis is one scanned dimension
type Axis struct {
	// Motor is the motor name, e.g. samx
	Motor  string  `json:"motor,omitempty"`
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
	NumPts int     `json:"numpts"`
}

// Validate checks the point count and that the positions are finite
func (a Axis) Validate() error {
	if a.NumPts < 1 {
		return fmt.Errorf("%w: numpts must be >= 1, got %d", ErrInvalidRequest, a.NumPts)
	}
	if math.IsNaN(a.Start) || math.IsInf(a.Start, 0) || math.IsNaN(a.End) || math.IsInf(a.End, 0) {
		return fmt.Errorf("%w: positions must be finite", ErrInvalidRequest)
	}
	return nil
}

// ValidateDwell checks a dwell time in ms
func ValidateDwell(ms float64) error {
	if !(ms > 0) || math.IsInf(ms, 0) {
		return fmt.Errorf("%w: dwelltime must be > 0, got %v", ErrInvalidRequest, ms)
	}
	return nil
}
