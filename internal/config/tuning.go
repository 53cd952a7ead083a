package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/gauge.report/internal/detection"
)

// TuningConfig is the root configuration. Every scalar is a pointer so a
// partial file only overrides what it names; the Get* accessors supply the
// defaults for everything else.
type TuningConfig struct {
	DeviceID *string `json:"device_id,omitempty" yaml:"device_id,omitempty"`

	// Calibration
	PixelsPerUnit          *float64 `json:"pixels_per_unit,omitempty" yaml:"pixels_per_unit,omitempty"`
	CalibrationUnit        *string  `json:"calibration_unit,omitempty" yaml:"calibration_unit,omitempty"`
	AutoCalibration        *bool    `json:"auto_calibration,omitempty" yaml:"auto_calibration,omitempty"`
	ReferenceClass         *string  `json:"reference_class,omitempty" yaml:"reference_class,omitempty"`
	ReferenceKeypointA     *string  `json:"reference_keypoint_a,omitempty" yaml:"reference_keypoint_a,omitempty"`
	ReferenceKeypointB     *string  `json:"reference_keypoint_b,omitempty" yaml:"reference_keypoint_b,omitempty"`
	ReferenceLength        *float64 `json:"reference_length,omitempty" yaml:"reference_length,omitempty"`
	ReferenceMinConfidence *float64 `json:"reference_min_confidence,omitempty" yaml:"reference_min_confidence,omitempty"`
	CalibrationHistory     *int     `json:"calibration_history,omitempty" yaml:"calibration_history,omitempty"`
	ContinuousCalibration  *bool    `json:"continuous_calibration,omitempty" yaml:"continuous_calibration,omitempty"`

	// Tracker params, pixel units
	MeasurementNoise        *float64 `json:"measurement_noise,omitempty" yaml:"measurement_noise,omitempty"`
	ProcessNoisePos         *float64 `json:"process_noise_pos,omitempty" yaml:"process_noise_pos,omitempty"`
	ProcessNoiseVel         *float64 `json:"process_noise_vel,omitempty" yaml:"process_noise_vel,omitempty"`
	InitialVelocityVariance *float64 `json:"initial_velocity_variance,omitempty" yaml:"initial_velocity_variance,omitempty"`
	UncertaintyFloor        *float64 `json:"uncertainty_floor,omitempty" yaml:"uncertainty_floor,omitempty"`
	MaxCovarianceDiag       *float64 `json:"max_covariance_diag,omitempty" yaml:"max_covariance_diag,omitempty"`
	OcclusionCovInflation   *float64 `json:"occlusion_cov_inflation,omitempty" yaml:"occlusion_cov_inflation,omitempty"`
	MaxMisses               *int     `json:"max_misses,omitempty" yaml:"max_misses,omitempty"`
	MaxPredictDt            *string  `json:"max_predict_dt,omitempty" yaml:"max_predict_dt,omitempty"` // duration string like "500ms"
	TrackerWorkers          *int     `json:"tracker_workers,omitempty" yaml:"tracker_workers,omitempty"`

	// Movement classifier params
	MinDisplacement *float64 `json:"min_displacement_cm,omitempty" yaml:"min_displacement_cm,omitempty"`
	MinVelocity     *float64 `json:"min_velocity_cm_s,omitempty" yaml:"min_velocity_cm_s,omitempty"`
	MinConfidence   *float64 `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`
	StartFrames     *int     `json:"start_frames,omitempty" yaml:"start_frames,omitempty"`
	StopFrames      *int     `json:"stop_frames,omitempty" yaml:"stop_frames,omitempty"`
	HistoryWindow   *string  `json:"history_window,omitempty" yaml:"history_window,omitempty"`

	// Validator params
	MinValidDistance *float64 `json:"min_valid_distance_cm,omitempty" yaml:"min_valid_distance_cm,omitempty"`
	MaxValidDistance *float64 `json:"max_valid_distance_cm,omitempty" yaml:"max_valid_distance_cm,omitempty"`
	Staleness        *string  `json:"staleness,omitempty" yaml:"staleness,omitempty"`
	MaxFutureSkew    *string  `json:"max_future_skew,omitempty" yaml:"max_future_skew,omitempty"`
	RejectAllZero    *bool    `json:"reject_all_zero,omitempty" yaml:"reject_all_zero,omitempty"`

	// Publisher params
	BackoffFloor            *string `json:"backoff_floor,omitempty" yaml:"backoff_floor,omitempty"`
	BackoffCeiling          *string `json:"backoff_ceiling,omitempty" yaml:"backoff_ceiling,omitempty"`
	QueueCapacity           *int    `json:"queue_capacity,omitempty" yaml:"queue_capacity,omitempty"`
	BufferWhileDisconnected *bool   `json:"buffer_while_disconnected,omitempty" yaml:"buffer_while_disconnected,omitempty"`
	ConnectTimeout          *string `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	SendTimeout             *string `json:"send_timeout,omitempty" yaml:"send_timeout,omitempty"`
	MaxSendWait             *string `json:"max_send_wait,omitempty" yaml:"max_send_wait,omitempty"`
	FlushTimeout            *string `json:"flush_timeout,omitempty" yaml:"flush_timeout,omitempty"`
	MinPublishInterval      *string `json:"min_publish_interval,omitempty" yaml:"min_publish_interval,omitempty"`
	PublishOnMovementOnly   *bool   `json:"publish_on_movement_only,omitempty" yaml:"publish_on_movement_only,omitempty"`

	// Transport params
	TransportKind *string `json:"transport,omitempty" yaml:"transport,omitempty"` // mqtt | nats | webhook
	BrokerURL     *string `json:"broker_url,omitempty" yaml:"broker_url,omitempty"`
	ClientID      *string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Username      *string `json:"username,omitempty" yaml:"username,omitempty"`
	Password      *string `json:"password,omitempty" yaml:"password,omitempty"`
	CACertFile    *string `json:"ca_cert_file,omitempty" yaml:"ca_cert_file,omitempty"`
	CertFile      *string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile       *string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	TopicType     *string `json:"topic_type,omitempty" yaml:"topic_type,omitempty"`
	TopicGroup    *int    `json:"topic_group,omitempty" yaml:"topic_group,omitempty"`
	TopicNumber   *int    `json:"topic_number,omitempty" yaml:"topic_number,omitempty"`
	QoS           *int    `json:"qos,omitempty" yaml:"qos,omitempty"`

	// Loss journal; empty disables it.
	JournalPath *string `json:"journal_path,omitempty" yaml:"journal_path,omitempty"`

	Entities []detection.EntityRule `json:"entities,omitempty" yaml:"entities,omitempty"`
	Streams  []StreamConfig         `json:"streams,omitempty" yaml:"streams,omitempty"`
}

// StreamConfig names one distance measurement published in every payload.
// The distance runs from entity From to entity To, or to the fixed pixel
// point Reference when To is empty.
type StreamConfig struct {
	Name      string      `json:"name" yaml:"name"`
	From      string      `json:"from" yaml:"from"`
	To        string      `json:"to,omitempty" yaml:"to,omitempty"`
	Reference *[2]float64 `json:"reference,omitempty" yaml:"reference,omitempty"`
	Axis      string      `json:"axis,omitempty" yaml:"axis,omitempty"` // euclidean | x | y
	OffsetCM  float64     `json:"offset_cm,omitempty" yaml:"offset_cm,omitempty"`
	// MaxCM bounds the reading; zero uses DefaultMaxDistanceCM.
	MaxCM  float64 `json:"max_cm,omitempty" yaml:"max_cm,omitempty"`
	Source string  `json:"source,omitempty" yaml:"source,omitempty"`
}

// DefaultMaxDistanceCM is the per-stream maximum when none is configured.
const DefaultMaxDistanceCM = 100.0

// Defaults for the built-in rig: a pusher pressed against a portico and a
// spring marker.
var (
	DefaultEntities = []detection.EntityRule{
		{EntityID: "pusher", Class: "pulsador", Anchor: detection.AnchorKeypointCentroid},
		{EntityID: "portico.D", Class: "portico", Anchor: detection.AnchorKeypoint, Keypoint: "D"},
		{EntityID: "marker.top", Class: "marcador", Anchor: detection.AnchorBBoxTopMid},
		{EntityID: "marker.keypoints", Class: "marcador", Anchor: detection.AnchorKeypointCentroid},
	}
	DefaultStreams = []StreamConfig{
		{Name: "portico_pusher", From: "pusher", To: "portico.D", Axis: "y", Source: "kalman"},
		{Name: "marker", From: "marker.top", To: "marker.keypoints", Axis: "y", OffsetCM: -0.9, Source: "kalman"},
	}
)

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

const maxFileSize = 1 * 1024 * 1024 // 1MB

// LoadTuningConfig loads a TuningConfig from a JSON or YAML file. Fields
// omitted from the file keep their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", ext, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	positive := map[string]*float64{
		"pixels_per_unit":           c.PixelsPerUnit,
		"reference_length":          c.ReferenceLength,
		"measurement_noise":         c.MeasurementNoise,
		"initial_velocity_variance": c.InitialVelocityVariance,
		"max_covariance_diag":       c.MaxCovarianceDiag,
	}
	for name, v := range positive {
		if v != nil && (!(*v > 0) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%s must be positive and finite, got %v", name, *v)
		}
	}

	nonNegative := map[string]*float64{
		"process_noise_pos":       c.ProcessNoisePos,
		"process_noise_vel":       c.ProcessNoiseVel,
		"uncertainty_floor":       c.UncertaintyFloor,
		"occlusion_cov_inflation": c.OcclusionCovInflation,
		"min_displacement_cm":     c.MinDisplacement,
		"min_velocity_cm_s":       c.MinVelocity,
		"min_valid_distance_cm":   c.MinValidDistance,
	}
	for name, v := range nonNegative {
		if v != nil && (*v < 0 || math.IsNaN(*v)) {
			return fmt.Errorf("%s must be non-negative, got %v", name, *v)
		}
	}

	if c.MinConfidence != nil && (*c.MinConfidence < 0 || *c.MinConfidence > 1) {
		return fmt.Errorf("min_confidence must be between 0 and 1, got %f", *c.MinConfidence)
	}
	if c.ReferenceMinConfidence != nil && (*c.ReferenceMinConfidence < 0 || *c.ReferenceMinConfidence > 1) {
		return fmt.Errorf("reference_min_confidence must be between 0 and 1, got %f", *c.ReferenceMinConfidence)
	}
	if c.MaxValidDistance != nil && *c.MaxValidDistance <= c.GetMinValidDistance() {
		return fmt.Errorf("max_valid_distance_cm must exceed min_valid_distance_cm, got %v", *c.MaxValidDistance)
	}

	atLeastOne := map[string]*int{
		"start_frames":        c.StartFrames,
		"stop_frames":         c.StopFrames,
		"queue_capacity":      c.QueueCapacity,
		"calibration_history": c.CalibrationHistory,
		"topic_group":         c.TopicGroup,
		"topic_number":        c.TopicNumber,
	}
	for name, v := range atLeastOne {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}
	if c.MaxMisses != nil && *c.MaxMisses < 0 {
		return fmt.Errorf("max_misses must be non-negative, got %d", *c.MaxMisses)
	}
	if c.QoS != nil && (*c.QoS < 0 || *c.QoS > 2) {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", *c.QoS)
	}

	durations := map[string]*string{
		"max_predict_dt":       c.MaxPredictDt,
		"history_window":       c.HistoryWindow,
		"staleness":            c.Staleness,
		"max_future_skew":      c.MaxFutureSkew,
		"backoff_floor":        c.BackoffFloor,
		"backoff_ceiling":      c.BackoffCeiling,
		"connect_timeout":      c.ConnectTimeout,
		"send_timeout":         c.SendTimeout,
		"max_send_wait":        c.MaxSendWait,
		"flush_timeout":        c.FlushTimeout,
		"min_publish_interval": c.MinPublishInterval,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}
	if c.GetBackoffFloor() <= 0 {
		return fmt.Errorf("backoff_floor must be positive")
	}
	if c.GetBackoffCeiling() < c.GetBackoffFloor() {
		return fmt.Errorf("backoff_ceiling %s is below backoff_floor %s", c.GetBackoffCeiling(), c.GetBackoffFloor())
	}

	switch c.GetTransportKind() {
	case "mqtt", "nats", "webhook":
	default:
		return fmt.Errorf("transport must be mqtt, nats or webhook, got %q", c.GetTransportKind())
	}
	if (c.CertFile != nil) != (c.KeyFile != nil) {
		return fmt.Errorf("cert_file and key_file must be set together")
	}

	entities := map[string]bool{}
	for _, r := range c.GetEntities() {
		if err := r.Validate(); err != nil {
			return err
		}
		if entities[r.EntityID] {
			return fmt.Errorf("duplicate entity %q", r.EntityID)
		}
		entities[r.EntityID] = true
	}

	names := map[string]bool{}
	for _, s := range c.GetStreams() {
		if s.Name == "" {
			return fmt.Errorf("stream name is required")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate stream %q", s.Name)
		}
		names[s.Name] = true
		if !entities[s.From] {
			return fmt.Errorf("stream %s: unknown entity %q", s.Name, s.From)
		}
		if s.To == "" && s.Reference == nil {
			return fmt.Errorf("stream %s: needs either to or reference", s.Name)
		}
		if s.To != "" && !entities[s.To] {
			return fmt.Errorf("stream %s: unknown entity %q", s.Name, s.To)
		}
		switch s.Axis {
		case "", "euclidean", "x", "y":
		default:
			return fmt.Errorf("stream %s: axis must be euclidean, x or y, got %q", s.Name, s.Axis)
		}
		if s.MaxCM < 0 {
			return fmt.Errorf("stream %s: max_cm must be non-negative", s.Name)
		}
	}
	return nil
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func getFloat(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}

func getInt(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func getBool(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

func getString(v *string, def string) string {
	if v != nil && *v != "" {
		return *v
	}
	return def
}
