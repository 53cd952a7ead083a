// Package tracking smooths noisy per-frame entity positions with a
// constant-velocity Kalman filter.
//
// Each entity identity owns exactly one estimator, held in a Registry keyed
// by entity ID. Estimators move through Uninitialized, Tracking and Lost:
//
//	Uninitialized --observation--> Tracking
//	Tracking --observation--> Tracking (misses reset)
//	Tracking --miss, misses <= MaxMisses--> Tracking (predict only)
//	Tracking --miss, misses > MaxMisses--> Lost
//	Lost --observation--> Tracking (fresh initialisation)
//
// Filtering happens in pixel space; positions are mapped to physical units
// downstream, so a calibration change never disturbs filter state.
package tracking
