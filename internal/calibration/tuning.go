package calibration

import (
	"fmt"

	"github.com/banshee-data/gauge.report/internal/config"
	"github.com/banshee-data/gauge.report/internal/units"
)

// FromTuning builds the configured Calibrator: a Fixed scale, or an
// AutoCalibrator that falls back to that scale until the reference is seen.
func FromTuning(cfg *config.TuningConfig) (Calibrator, error) {
	unit, err := units.Parse(cfg.GetCalibrationUnit())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCalibration, err)
	}
	scale := Scale{PixelsPerUnit: cfg.GetPixelsPerUnit(), Unit: unit}
	if !cfg.GetAutoCalibration() {
		return NewFixed(scale)
	}
	return NewAutoCalibrator(AutoConfig{
		Reference: Reference{
			Class:         cfg.GetReferenceClass(),
			KeypointA:     cfg.GetReferenceKeypointA(),
			KeypointB:     cfg.GetReferenceKeypointB(),
			Length:        cfg.GetReferenceLength(),
			Unit:          unit,
			MinConfidence: cfg.GetReferenceMinConfidence(),
		},
		HistorySize: cfg.GetCalibrationHistory(),
		Continuous:  cfg.GetContinuousCalibration(),
	}, scale)
}
