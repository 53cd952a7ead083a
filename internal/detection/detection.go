// Package detection defines the per-frame input model: raw detector output,
// the rules that turn it into tracked entity observations, and the Source
// interface that feeds frames into the pipeline.
package detection

import (
	"context"
	"time"

	"github.com/paulmach/orb"
)

// Keypoint is a named point reported by a pose-capable detector.
type Keypoint struct {
	Label      string  `json:"label"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"conf"`
}

// Point returns the keypoint position in pixel space.
func (k Keypoint) Point() orb.Point { return orb.Point{k.X, k.Y} }

// BBox is an axis-aligned box in pixel coordinates, top-left (X1,Y1) to
// bottom-right (X2,Y2). Pixel Y grows downwards.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Center returns the midpoint of the box.
func (b BBox) Center() orb.Point {
	return orb.Point{(b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2}
}

// TopMid returns the midpoint of the top edge.
func (b BBox) TopMid() orb.Point {
	return orb.Point{(b.X1 + b.X2) / 2, b.Y1}
}

// Detection is one object reported by the detector in a frame.
type Detection struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       *BBox      `json:"bbox,omitempty"`
	Keypoints  []Keypoint `json:"keypoints,omitempty"`
}

// Keypoint looks up a keypoint by label.
func (d Detection) Keypoint(label string) (Keypoint, bool) {
	for _, k := range d.Keypoints {
		if k.Label == label {
			return k, true
		}
	}
	return Keypoint{}, false
}

// Frame is a single detector output with its capture timestamp.
type Frame struct {
	Seq        uint64      `json:"seq"`
	Timestamp  time.Time   `json:"ts"`
	Detections []Detection `json:"detections"`
}

// Observation is a single entity position in pixel space for one frame.
type Observation struct {
	EntityID   string
	Position   orb.Point
	Confidence float64
	Timestamp  time.Time
}

// Source yields frames in capture order. Next returns io.EOF once a finite
// source is exhausted.
type Source interface {
	Next(ctx context.Context) (Frame, error)
}
