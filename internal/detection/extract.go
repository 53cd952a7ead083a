package detection

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Anchor selects which point of a detection becomes the entity position.
type Anchor string

const (
	AnchorBBoxCenter       Anchor = "bbox_center"
	AnchorBBoxTopMid       Anchor = "bbox_top_mid"
	AnchorKeypointCentroid Anchor = "keypoint_centroid"
	AnchorKeypoint         Anchor = "keypoint"
)

// DefaultMinKeypointConfidence is the keypoint confidence a point must exceed
// to contribute to a centroid.
const DefaultMinKeypointConfidence = 0.5

// EntityRule maps detections of one class onto a tracked entity.
type EntityRule struct {
	EntityID string `json:"entity_id" yaml:"entity_id"`
	Class    string `json:"class" yaml:"class"`
	Anchor   Anchor `json:"anchor" yaml:"anchor"`
	// Keypoint names the label used by AnchorKeypoint.
	Keypoint string `json:"keypoint,omitempty" yaml:"keypoint,omitempty"`
	// MinKeypointConfidence overrides DefaultMinKeypointConfidence when > 0.
	MinKeypointConfidence float64 `json:"min_keypoint_confidence,omitempty" yaml:"min_keypoint_confidence,omitempty"`
}

// Validate checks that the rule can produce a position.
func (r EntityRule) Validate() error {
	if r.EntityID == "" {
		return fmt.Errorf("entity rule: entity_id is required")
	}
	if r.Class == "" {
		return fmt.Errorf("entity rule %s: class is required", r.EntityID)
	}
	switch r.Anchor {
	case AnchorBBoxCenter, AnchorBBoxTopMid, AnchorKeypointCentroid:
	case AnchorKeypoint:
		if r.Keypoint == "" {
			return fmt.Errorf("entity rule %s: keypoint anchor needs a keypoint label", r.EntityID)
		}
	default:
		return fmt.Errorf("entity rule %s: unknown anchor %q", r.EntityID, r.Anchor)
	}
	return nil
}

func (r EntityRule) minKeypointConfidence() float64 {
	if r.MinKeypointConfidence > 0 {
		return r.MinKeypointConfidence
	}
	return DefaultMinKeypointConfidence
}

// anchor resolves the rule's point on d. The returned confidence is the
// detection confidence, lowered to the keypoint confidence when a single
// keypoint is used.
func (r EntityRule) anchor(d Detection) (orb.Point, float64, bool) {
	switch r.Anchor {
	case AnchorBBoxCenter:
		if d.BBox == nil {
			return orb.Point{}, 0, false
		}
		return d.BBox.Center(), d.Confidence, true
	case AnchorBBoxTopMid:
		if d.BBox == nil {
			return orb.Point{}, 0, false
		}
		return d.BBox.TopMid(), d.Confidence, true
	case AnchorKeypointCentroid:
		var sx, sy float64
		n := 0
		for _, k := range d.Keypoints {
			if k.Confidence > r.minKeypointConfidence() {
				sx += k.X
				sy += k.Y
				n++
			}
		}
		if n == 0 {
			return orb.Point{}, 0, false
		}
		return orb.Point{sx / float64(n), sy / float64(n)}, d.Confidence, true
	case AnchorKeypoint:
		k, ok := d.Keypoint(r.Keypoint)
		if !ok || k.Confidence <= r.minKeypointConfidence() {
			return orb.Point{}, 0, false
		}
		return k.Point(), min(d.Confidence, k.Confidence), true
	}
	return orb.Point{}, 0, false
}

// sane drops non-finite points and NaN confidences and clamps the
// confidence to [0, 1]. A NaN reaching the estimator would poison its state
// for good.
func sane(p orb.Point, c float64) (float64, bool) {
	for _, v := range []float64{p[0], p[1], c} {
		if math.IsNaN(v) {
			return 0, false
		}
	}
	if math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
		return 0, false
	}
	return math.Min(math.Max(c, 0), 1), true
}

// Extract applies rules to a frame. Each entity gets at most one
// observation per frame: when several detections match a rule the most
// confident one wins.
func Extract(frame Frame, rules []EntityRule) []Observation {
	out := make([]Observation, 0, len(rules))
	for _, r := range rules {
		var (
			best  orb.Point
			bestC = -1.0
		)
		for _, d := range frame.Detections {
			if d.Class != r.Class {
				continue
			}
			p, c, ok := r.anchor(d)
			if ok {
				c, ok = sane(p, c)
			}
			if ok && c > bestC {
				best, bestC = p, c
			}
		}
		if bestC < 0 {
			continue
		}
		out = append(out, Observation{
			EntityID:   r.EntityID,
			Position:   best,
			Confidence: bestC,
			Timestamp:  frame.Timestamp,
		})
	}
	return out
}
