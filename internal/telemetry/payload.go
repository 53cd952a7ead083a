// Package telemetry defines the outbound wire payload and the validator that
// guards every publish.
package telemetry

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/gauge.report/internal/calibration"
	"github.com/banshee-data/gauge.report/internal/distance"
)

// Reading is one named distance in the payload's data map.
type Reading struct {
	DistanceCM float64 `json:"distance_cm"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Payload is the JSON document sent to the external endpoint.
//
//	{
//	  "messageId": "...",
//	  "timestamp": "2026-03-01T12:00:00.09Z",
//	  "deviceId": "gauge-01",
//	  "data": {"marker": {"distance_cm": 4.9, "confidence": 0.9, "source": "kalman"}},
//	  "movement_detected": true,
//	  "calibration_status": "fixed"
//	}
type Payload struct {
	MessageID         string             `json:"messageId,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
	DeviceID          string             `json:"deviceId"`
	Data              map[string]Reading `json:"data"`
	MovementDetected  bool               `json:"movement_detected"`
	CalibrationStatus calibration.Status `json:"calibration_status"`
}

// NewPayload assembles a payload from one cycle's readings. The timestamp is
// normalised to UTC and a fresh message ID is assigned.
func NewPayload(deviceID string, ts time.Time, readings []distance.Reading, moving bool, status calibration.Status) Payload {
	data := make(map[string]Reading, len(readings))
	for _, r := range readings {
		data[r.Stream] = Reading{DistanceCM: r.DistanceCM, Confidence: r.Confidence, Source: r.Source}
	}
	return Payload{
		MessageID:         uuid.NewString(),
		Timestamp:         ts.UTC(),
		DeviceID:          deviceID,
		Data:              data,
		MovementDetected:  moving,
		CalibrationStatus: status,
	}
}

// MarshalJSON renders the timestamp as ISO-8601 in UTC.
func (p Payload) MarshalJSON() ([]byte, error) {
	type plain Payload
	return json.Marshal(struct {
		plain
		Timestamp string `json:"timestamp"`
	}{
		plain:     plain(p),
		Timestamp: p.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// Decode parses a payload body.
func Decode(body []byte) (Payload, error) {
	var p Payload
	err := json.Unmarshal(body, &p)
	return p, err
}
