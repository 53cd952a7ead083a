package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/banshee-data/gauge.report/internal/calibration"
	"github.com/banshee-data/gauge.report/internal/config"
	"github.com/banshee-data/gauge.report/internal/timeutil"
)

// ErrRejected matches every validation failure via errors.Is.
var ErrRejected = errors.New("payload rejected")

// Reason is the closed set of rejection causes.
type Reason string

const (
	ReasonMissingDeviceID          Reason = "missing_device_id"
	ReasonNoReadings               Reason = "no_readings"
	ReasonMissingReading           Reason = "missing_reading"
	ReasonDistanceNotFinite        Reason = "distance_not_finite"
	ReasonDistanceOutOfRange       Reason = "distance_out_of_range"
	ReasonConfidenceOutOfRange     Reason = "confidence_out_of_range"
	ReasonMissingSource            Reason = "missing_source"
	ReasonInvalidCalibrationStatus Reason = "invalid_calibration_status"
	ReasonStaleTimestamp           Reason = "stale_timestamp"
	ReasonFutureTimestamp          Reason = "future_timestamp"
	ReasonAllReadingsZero          Reason = "all_readings_zero"
)

// RejectedError explains why a payload failed validation.
type RejectedError struct {
	Reason Reason
	Field  string
	Detail string
}

func (e *RejectedError) Error() string {
	msg := "payload rejected: " + string(e.Reason)
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap lets errors.Is(err, ErrRejected) match.
func (e *RejectedError) Unwrap() error { return ErrRejected }

func reject(reason Reason, field, format string, args ...interface{}) error {
	return &RejectedError{Reason: reason, Field: field, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the rejection reason, or "" when err is not a rejection.
func ReasonOf(err error) Reason {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// ValidatorConfig sets the acceptance rules.
type ValidatorConfig struct {
	// Required lists the readings every payload must carry.
	Required      []string
	MinDistanceCM float64 // inclusive
	MaxDistanceCM float64 // exclusive
	Staleness     time.Duration
	MaxFutureSkew time.Duration
	RejectAllZero bool
}

// ValidatorConfigFromTuning builds a ValidatorConfig from a loaded TuningConfig.
func ValidatorConfigFromTuning(cfg *config.TuningConfig) ValidatorConfig {
	return ValidatorConfig{
		Required:      cfg.StreamNames(),
		MinDistanceCM: cfg.GetMinValidDistance(),
		MaxDistanceCM: cfg.GetMaxValidDistance(),
		Staleness:     cfg.GetStaleness(),
		MaxFutureSkew: cfg.GetMaxFutureSkew(),
		RejectAllZero: cfg.GetRejectAllZero(),
	}
}

// Validated is a payload that passed validation, with its serialised body.
// It can only be produced by Validator.Validate, so anything holding one
// has been checked.
type Validated struct {
	payload Payload
	body    []byte
}

// Payload returns the validated payload.
func (v Validated) Payload() Payload { return v.payload }

// Body returns the JSON encoding of the payload.
func (v Validated) Body() []byte { return v.body }

// MessageID returns the payload's message ID.
func (v Validated) MessageID() string { return v.payload.MessageID }

// Validator checks payloads against ValidatorConfig.
type Validator struct {
	cfg   ValidatorConfig
	clock timeutil.Clock
}

// NewValidator returns a Validator. A nil clock uses the wall clock.
func NewValidator(cfg ValidatorConfig, clock timeutil.Clock) *Validator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Validator{cfg: cfg, clock: clock}
}

// Check reports the first rule p breaks, as a *RejectedError, or nil.
func (v *Validator) Check(p Payload) error {
	if p.DeviceID == "" {
		return reject(ReasonMissingDeviceID, "deviceId", "device id is empty")
	}
	if len(p.Data) == 0 {
		return reject(ReasonNoReadings, "data", "no readings")
	}
	for _, name := range v.cfg.Required {
		if _, ok := p.Data[name]; !ok {
			return reject(ReasonMissingReading, name, "declared reading absent")
		}
	}

	names := make([]string, 0, len(p.Data))
	for name := range p.Data {
		names = append(names, name)
	}
	sort.Strings(names)

	allZero := true
	for _, name := range names {
		r := p.Data[name]
		if math.IsNaN(r.DistanceCM) || math.IsInf(r.DistanceCM, 0) {
			return reject(ReasonDistanceNotFinite, name, "distance %v", r.DistanceCM)
		}
		if r.DistanceCM < v.cfg.MinDistanceCM || r.DistanceCM >= v.cfg.MaxDistanceCM {
			return reject(ReasonDistanceOutOfRange, name, "%.3f cm outside [%g, %g)", r.DistanceCM, v.cfg.MinDistanceCM, v.cfg.MaxDistanceCM)
		}
		if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
			return reject(ReasonConfidenceOutOfRange, name, "confidence %v", r.Confidence)
		}
		if r.Source == "" {
			return reject(ReasonMissingSource, name, "source is empty")
		}
		if r.DistanceCM != 0 {
			allZero = false
		}
	}

	if !calibration.ValidStatus(p.CalibrationStatus) {
		return reject(ReasonInvalidCalibrationStatus, "calibration_status", "%q", p.CalibrationStatus)
	}

	now := v.clock.Now()
	if p.Timestamp.IsZero() {
		return reject(ReasonStaleTimestamp, "timestamp", "timestamp is unset")
	}
	if age := now.Sub(p.Timestamp); age > v.cfg.Staleness {
		return reject(ReasonStaleTimestamp, "timestamp", "%s old, window %s", age, v.cfg.Staleness)
	}
	if ahead := p.Timestamp.Sub(now); ahead > v.cfg.MaxFutureSkew {
		return reject(ReasonFutureTimestamp, "timestamp", "%s ahead, skew %s", ahead, v.cfg.MaxFutureSkew)
	}

	if v.cfg.RejectAllZero && allZero {
		return reject(ReasonAllReadingsZero, "data", "every reading is exactly zero")
	}
	return nil
}

// Validate checks p and, on success, serialises it.
func (v *Validator) Validate(p Payload) (Validated, error) {
	if err := v.Check(p); err != nil {
		return Validated{}, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return Validated{}, fmt.Errorf("encode payload: %w", err)
	}
	return Validated{payload: p, body: body}, nil
}
