package tracking

import "github.com/banshee-data/gauge.report/internal/config"

// Internal numerical stability constants, not user-tunable.
const (
	// MinDeterminantThreshold is the smallest innovation covariance
	// determinant an update will invert.
	MinDeterminantThreshold = 1e-6
	// MinConfidenceWeight bounds how far a low-confidence observation can
	// inflate the measurement noise.
	MinConfidenceWeight = 0.05
)

// Config holds the estimator parameters. Noise terms are in pixel units;
// process noise is dt-normalised.
type Config struct {
	MeasurementNoise        float64 // R (px²) for a confidence-1 observation
	ProcessNoisePos         float64 // Q position term (px²/s)
	ProcessNoiseVel         float64 // Q velocity term ((px/s)²/s)
	InitialVelocityVariance float64 // P0 velocity diagonal ((px/s)²)
	UncertaintyFloor        float64 // Minimum P diagonal after an update
	MaxCovarianceDiag       float64 // Maximum P diagonal
	OcclusionCovInflation   float64 // Extra position variance per missed frame
	MaxMisses               int     // Consecutive misses tolerated before Lost
	MaxPredictDt            float64 // Maximum dt (seconds) per predict step
	Workers                 int     // Parallel estimator updates per frame; <= 1 is sequential
}

// DefaultConfig returns the built-in estimator defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(&config.TuningConfig{})
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		MeasurementNoise:        cfg.GetMeasurementNoise(),
		ProcessNoisePos:         cfg.GetProcessNoisePos(),
		ProcessNoiseVel:         cfg.GetProcessNoiseVel(),
		InitialVelocityVariance: cfg.GetInitialVelocityVariance(),
		UncertaintyFloor:        cfg.GetUncertaintyFloor(),
		MaxCovarianceDiag:       cfg.GetMaxCovarianceDiag(),
		OcclusionCovInflation:   cfg.GetOcclusionCovInflation(),
		MaxMisses:               cfg.GetMaxMisses(),
		MaxPredictDt:            cfg.GetMaxPredictDt().Seconds(),
		Workers:                 cfg.GetTrackerWorkers(),
	}
}
