package calibration

import (
	"math"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gauge.report/internal/config"
	"github.com/banshee-data/gauge.report/internal/detection"
	"github.com/banshee-data/gauge.report/internal/units"
)

func TestScale_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		scale   Scale
		wantErr bool
	}{
		{"positive cm", Scale{PixelsPerUnit: 10, Unit: units.Centimetre}, false},
		{"empty unit defaults to cm", Scale{PixelsPerUnit: 10}, false},
		{"zero", Scale{PixelsPerUnit: 0}, true},
		{"negative", Scale{PixelsPerUnit: -3}, true},
		{"nan", Scale{PixelsPerUnit: math.NaN()}, true},
		{"inf", Scale{PixelsPerUnit: math.Inf(1)}, true},
		{"bad unit", Scale{PixelsPerUnit: 10, Unit: "ft"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scale.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCalibration)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestToPhysical(t *testing.T) {
	t.Parallel()

	s := Scale{PixelsPerUnit: 10, Unit: units.Centimetre}
	p, err := ToPhysical(orb.Point{100, 250}, s)
	require.NoError(t, err)
	assert.Equal(t, orb.Point{10, 25}, p)

	_, err = ToPhysical(orb.Point{1, 1}, Scale{PixelsPerUnit: 0})
	assert.ErrorIs(t, err, ErrInvalidCalibration)
}

func TestToPhysical_Linear(t *testing.T) {
	t.Parallel()

	for _, s := range []Scale{
		{PixelsPerUnit: 10, Unit: units.Centimetre},
		{PixelsPerUnit: 25.4, Unit: units.Inch},
		{PixelsPerUnit: 3, Unit: units.Millimetre},
	} {
		for _, px := range []float64{1, 7.5, 120, 999} {
			single, err := PixelsToCentimetres(px, s)
			require.NoError(t, err)
			double, err := PixelsToCentimetres(2*px, s)
			require.NoError(t, err)
			assert.InDelta(t, 2*single, double, 1e-9, "scale %+v px %v", s, px)
		}
	}

	// 25.4 px per inch is 10 px per cm.
	cm, err := PixelsToCentimetres(100, Scale{PixelsPerUnit: 25.4, Unit: units.Inch})
	require.NoError(t, err)
	assert.InDelta(t, 10, cm, 1e-9)
}

func TestFixed(t *testing.T) {
	t.Parallel()

	_, err := NewFixed(Scale{})
	assert.ErrorIs(t, err, ErrInvalidCalibration)

	f, err := NewFixed(Scale{PixelsPerUnit: 12})
	require.NoError(t, err)
	f.Observe(detection.Frame{})
	s, st := f.Scale()
	assert.Equal(t, 12.0, s.PixelsPerUnit)
	assert.Equal(t, StatusFixed, st)
}

func referenceFrame(bx, cx float64) detection.Frame {
	return detection.Frame{
		Timestamp: time.Now(),
		Detections: []detection.Detection{{
			Class:      "portico",
			Confidence: 0.9,
			Keypoints: []detection.Keypoint{
				{Label: "B", X: bx, Y: 200, Confidence: 0.9},
				{Label: "C", X: cx, Y: 200, Confidence: 0.9},
			},
		}},
	}
}

func newAuto(t *testing.T, continuous bool) *AutoCalibrator {
	t.Helper()
	a, err := NewAutoCalibrator(AutoConfig{
		Reference: Reference{
			Class: "portico", KeypointA: "C", KeypointB: "B",
			Length: 8, Unit: units.Centimetre, MinConfidence: 0.5,
		},
		HistorySize: 3,
		Continuous:  continuous,
	}, Scale{PixelsPerUnit: 5})
	require.NoError(t, err)
	return a
}

func TestAutoCalibrator_PendingUntilReferenceSeen(t *testing.T) {
	t.Parallel()

	a := newAuto(t, true)
	s, st := a.Scale()
	assert.Equal(t, StatusPending, st)
	assert.Equal(t, 5.0, s.PixelsPerUnit)

	a.Observe(detection.Frame{Detections: []detection.Detection{{Class: "pulsador"}}})
	_, st = a.Scale()
	assert.Equal(t, StatusPending, st)

	a.Observe(referenceFrame(20, 100))
	s, st = a.Scale()
	assert.Equal(t, StatusAuto, st)
	assert.InDelta(t, 10, s.PixelsPerUnit, 1e-9)
}

func TestAutoCalibrator_WeightedHistory(t *testing.T) {
	t.Parallel()

	a := newAuto(t, true)
	a.Observe(referenceFrame(20, 100)) // 10 px/cm
	a.Observe(referenceFrame(20, 180)) // 20 px/cm

	s, _ := a.Scale()
	w0 := math.Exp(-1)
	assert.InDelta(t, (10*w0+20)/(w0+1), s.PixelsPerUnit, 1e-9)

	a.Observe(referenceFrame(20, 180))
	a.Observe(referenceFrame(20, 180))
	assert.Equal(t, []float64{20, 20, 20}, a.Samples(), "history is bounded")
	s, _ = a.Scale()
	assert.InDelta(t, 20, s.PixelsPerUnit, 1e-9)
}

func TestAutoCalibrator_FreezesWhenNotContinuous(t *testing.T) {
	t.Parallel()

	a := newAuto(t, false)
	a.Observe(referenceFrame(20, 100))
	a.Observe(referenceFrame(20, 180))
	s, st := a.Scale()
	assert.Equal(t, StatusAuto, st)
	assert.InDelta(t, 10, s.PixelsPerUnit, 1e-9)
}

func TestAutoCalibrator_IgnoresLowConfidenceKeypoints(t *testing.T) {
	t.Parallel()

	a := newAuto(t, true)
	f := referenceFrame(20, 100)
	f.Detections[0].Keypoints[0].Confidence = 0.3
	a.Observe(f)
	_, st := a.Scale()
	assert.Equal(t, StatusPending, st)
}

func TestNewAutoCalibrator_Rejects(t *testing.T) {
	t.Parallel()

	_, err := NewAutoCalibrator(AutoConfig{Reference: Reference{Class: "p", KeypointA: "A", KeypointB: "B"}}, Scale{PixelsPerUnit: 1})
	assert.ErrorIs(t, err, ErrInvalidCalibration)

	_, err = NewAutoCalibrator(AutoConfig{Reference: Reference{Class: "p", KeypointA: "A", KeypointB: "B", Length: 1}}, Scale{})
	assert.ErrorIs(t, err, ErrInvalidCalibration)
}

func TestValidStatus(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidStatus(StatusAuto))
	assert.True(t, ValidStatus(StatusFixed))
	assert.True(t, ValidStatus(StatusPending))
	assert.False(t, ValidStatus("calibrated"))
}

func TestFromTuning(t *testing.T) {
	t.Parallel()

	t.Run("fixed by default", func(t *testing.T) {
		c, err := FromTuning(&config.TuningConfig{})
		require.NoError(t, err)
		s, status := c.Scale()
		assert.Equal(t, StatusFixed, status)
		assert.InDelta(t, 10.0, s.PixelsPerUnit, 1e-9)
		assert.Equal(t, units.Centimetre, s.Unit)
	})

	t.Run("auto starts pending", func(t *testing.T) {
		auto := true
		c, err := FromTuning(&config.TuningConfig{AutoCalibration: &auto})
		require.NoError(t, err)
		_, status := c.Scale()
		assert.Equal(t, StatusPending, status)
		_, ok := c.(*AutoCalibrator)
		assert.True(t, ok)
	})

	t.Run("bad unit", func(t *testing.T) {
		unit := "furlong"
		_, err := FromTuning(&config.TuningConfig{CalibrationUnit: &unit})
		assert.ErrorIs(t, err, ErrInvalidCalibration)
	})
}
