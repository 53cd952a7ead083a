package calibration

import (
	"fmt"
	"math"
	"sync"

	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/gauge.report/internal/detection"
	"github.com/banshee-data/gauge.report/internal/monitoring"
	"github.com/banshee-data/gauge.report/internal/units"
)

// Reference describes the feature used for auto-calibration: two keypoints
// on a detection of Class whose separation is Length physical units.
type Reference struct {
	Class     string       `json:"class" yaml:"class"`
	KeypointA string       `json:"keypoint_a" yaml:"keypoint_a"`
	KeypointB string       `json:"keypoint_b" yaml:"keypoint_b"`
	Length    float64      `json:"length" yaml:"length"`
	Unit      units.Length `json:"unit" yaml:"unit"`
	// MinConfidence is the keypoint confidence both points must exceed.
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
}

// AutoConfig controls the AutoCalibrator.
type AutoConfig struct {
	Reference Reference
	// HistorySize is how many scale samples are kept for the weighted mean.
	HistorySize int
	// Continuous keeps refining after the first sample. When false the scale
	// freezes once a sample is accepted.
	Continuous bool
}

// Calibrator supplies the scale in force for the current frame.
type Calibrator interface {
	Observe(frame detection.Frame)
	Scale() (Scale, Status)
}

// Fixed is a Calibrator with a configured, unchanging scale.
type Fixed struct {
	scale Scale
}

// NewFixed validates s and returns a Calibrator for it.
func NewFixed(s Scale) (*Fixed, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Fixed{scale: s}, nil
}

func (f *Fixed) Observe(detection.Frame) {}

func (f *Fixed) Scale() (Scale, Status) { return f.scale, StatusFixed }

// AutoCalibrator estimates pixels-per-unit from a reference feature of known
// length. Samples are combined with exponentially increasing weights so the
// newest measurement dominates without a single noisy frame taking over.
type AutoCalibrator struct {
	cfg      AutoConfig
	fallback Scale

	mu      sync.RWMutex
	history []float64
	current Scale
	status  Status
}

// NewAutoCalibrator returns an AutoCalibrator that reports fallback with
// StatusPending until the reference feature is first seen.
func NewAutoCalibrator(cfg AutoConfig, fallback Scale) (*AutoCalibrator, error) {
	if err := fallback.Validate(); err != nil {
		return nil, fmt.Errorf("fallback scale: %w", err)
	}
	ref := cfg.Reference
	if ref.Class == "" || ref.KeypointA == "" || ref.KeypointB == "" {
		return nil, fmt.Errorf("%w: reference needs a class and two keypoints", ErrInvalidCalibration)
	}
	if !(ref.Length > 0) {
		return nil, fmt.Errorf("%w: reference length %v", ErrInvalidCalibration, ref.Length)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 10
	}
	if cfg.Reference.Unit == "" {
		cfg.Reference.Unit = units.Centimetre
	}
	return &AutoCalibrator{cfg: cfg, fallback: fallback, current: fallback, status: StatusPending}, nil
}

// Observe measures the reference feature in frame, if present, and folds the
// sample into the estimate.
func (a *AutoCalibrator) Observe(frame detection.Frame) {
	a.mu.RLock()
	frozen := a.status == StatusAuto && !a.cfg.Continuous
	a.mu.RUnlock()
	if frozen {
		return
	}

	ppu, ok := a.measure(frame)
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, ppu)
	if len(a.history) > a.cfg.HistorySize {
		a.history = a.history[len(a.history)-a.cfg.HistorySize:]
	}
	a.current = Scale{PixelsPerUnit: weightedMean(a.history), Unit: a.cfg.Reference.Unit}
	if a.status != StatusAuto {
		monitoring.Opsf("calibration: auto scale acquired, %.3f px/%s", a.current.PixelsPerUnit, a.current.Unit)
	}
	a.status = StatusAuto
	monitoring.Diagf("calibration: sample %.3f px/%s, estimate %.3f over %d samples",
		ppu, a.current.Unit, a.current.PixelsPerUnit, len(a.history))
}

func (a *AutoCalibrator) measure(frame detection.Frame) (float64, bool) {
	ref := a.cfg.Reference
	for _, d := range frame.Detections {
		if d.Class != ref.Class {
			continue
		}
		ka, okA := d.Keypoint(ref.KeypointA)
		kb, okB := d.Keypoint(ref.KeypointB)
		if !okA || !okB || ka.Confidence <= ref.MinConfidence || kb.Confidence <= ref.MinConfidence {
			continue
		}
		px := planar.Distance(ka.Point(), kb.Point())
		ppu := px / ref.Length
		if ppu > 0 && !math.IsInf(ppu, 0) && !math.IsNaN(ppu) {
			return ppu, true
		}
	}
	return 0, false
}

// Scale returns the current estimate and its status.
func (a *AutoCalibrator) Scale() (Scale, Status) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current, a.status
}

// Samples returns a copy of the retained scale samples, oldest first.
func (a *AutoCalibrator) Samples() []float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]float64, len(a.history))
	copy(out, a.history)
	return out
}

// weightedMean weights samples by exp over an even span from -1 (oldest) to
// 0 (newest).
func weightedMean(xs []float64) float64 {
	if len(xs) == 1 {
		return xs[0]
	}
	w := make([]float64, len(xs))
	floats.Span(w, -1, 0)
	for i := range w {
		w[i] = math.Exp(w[i])
	}
	return stat.Mean(xs, w)
}
