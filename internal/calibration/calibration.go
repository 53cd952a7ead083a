// Package calibration converts pixel-space positions into physical units.
//
// A Scale is a pixels-per-unit factor. It is either fixed by configuration or
// estimated continuously from a reference feature of known length (see
// AutoCalibrator).
package calibration

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/banshee-data/gauge.report/internal/units"
)

// ErrInvalidCalibration is returned when a scale cannot be used for mapping.
var ErrInvalidCalibration = errors.New("invalid calibration")

// Status describes where the current scale came from. It travels with every
// telemetry payload.
type Status string

const (
	// StatusFixed means the scale was configured and never changes.
	StatusFixed Status = "fixed"
	// StatusAuto means the scale was estimated from the reference feature.
	StatusAuto Status = "auto"
	// StatusPending means auto-calibration is enabled but no reference has
	// been measured yet; the configured fallback scale is in use.
	StatusPending Status = "pending"
)

// ValidStatus reports whether s is a known calibration status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusFixed, StatusAuto, StatusPending:
		return true
	}
	return false
}

// Scale is the number of pixels spanning one physical unit.
type Scale struct {
	PixelsPerUnit float64      `json:"pixels_per_unit"`
	Unit          units.Length `json:"unit"`
}

// Validate returns ErrInvalidCalibration unless the factor is finite and
// strictly positive.
func (s Scale) Validate() error {
	if math.IsNaN(s.PixelsPerUnit) || math.IsInf(s.PixelsPerUnit, 0) || s.PixelsPerUnit <= 0 {
		return fmt.Errorf("%w: pixels per unit %v", ErrInvalidCalibration, s.PixelsPerUnit)
	}
	if s.Unit != "" && !units.IsValid(string(s.Unit)) {
		return fmt.Errorf("%w: unit %q", ErrInvalidCalibration, s.Unit)
	}
	return nil
}

// PixelsPerCentimetre normalises the scale to centimetres.
func (s Scale) PixelsPerCentimetre() float64 {
	return s.PixelsPerUnit / units.CentimetresPer(s.unit())
}

func (s Scale) unit() units.Length {
	if s.Unit == "" {
		return units.Centimetre
	}
	return s.Unit
}

// ToPhysical maps a pixel-space point into physical centimetres. The mapping
// is linear: doubling a pixel offset doubles the physical offset.
func ToPhysical(p orb.Point, s Scale) (orb.Point, error) {
	if err := s.Validate(); err != nil {
		return orb.Point{}, err
	}
	ppc := s.PixelsPerCentimetre()
	return orb.Point{p[0] / ppc, p[1] / ppc}, nil
}

// PixelsToCentimetres maps a pixel-space length into centimetres.
func PixelsToCentimetres(px float64, s Scale) (float64, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}
	return px / s.PixelsPerCentimetre(), nil
}
