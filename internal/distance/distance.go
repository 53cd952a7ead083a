// Package distance turns pairs of tracked positions into physical distance
// readings with a combined confidence.
package distance

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/banshee-data/gauge.report/internal/calibration"
	"github.com/banshee-data/gauge.report/internal/config"
	"github.com/banshee-data/gauge.report/internal/tracking"
)

var (
	// ErrInsufficientTrackData means an endpoint track is not usable.
	ErrInsufficientTrackData = errors.New("insufficient track data")
	// ErrOutOfRange means the distance exceeded the stream maximum by more
	// than the clamp tolerance.
	ErrOutOfRange = errors.New("distance out of range")
)

// clampTolerance is how far past the maximum a reading may go and still be
// reported as the maximum.
const clampTolerance = 1.1

// Axis selects how the separation is measured.
type Axis string

const (
	AxisEuclidean Axis = "euclidean"
	AxisX         Axis = "x"
	AxisY         Axis = "y"
)

// Reading is one resolved distance.
type Reading struct {
	Stream     string    `json:"stream"`
	DistanceCM float64   `json:"distance_cm"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	Clamped    bool      `json:"clamped,omitempty"`
}

// Target is the far end of a measurement: either another track or a fixed
// pixel-space point with full confidence.
type Target struct {
	Track tracking.TrackState
	Fixed bool
	Point orb.Point
}

// TrackTarget wraps a track snapshot as a Target.
func TrackTarget(s tracking.TrackState) Target { return Target{Track: s} }

// FixedTarget wraps a fixed pixel point as a Target.
func FixedTarget(p orb.Point) Target { return Target{Fixed: true, Point: p} }

func (t Target) resolve() (orb.Point, float64, error) {
	if t.Fixed {
		return t.Point, 1, nil
	}
	if !t.Track.Usable() {
		return orb.Point{}, 0, fmt.Errorf("%w: %s is %s", ErrInsufficientTrackData, t.Track.EntityID, t.Track.State)
	}
	return t.Track.Position, t.Track.Confidence, nil
}

// Stream measures one named distance.
type Stream struct {
	Name     string
	From     string
	To       string
	Ref      *orb.Point
	Axis     Axis
	OffsetCM float64
	MaxCM    float64
	Source   string
}

// StreamFromConfig builds a Stream from its configuration.
func StreamFromConfig(c config.StreamConfig) (Stream, error) {
	s := Stream{
		Name:     c.Name,
		From:     c.From,
		To:       c.To,
		Axis:     Axis(c.Axis),
		OffsetCM: c.OffsetCM,
		MaxCM:    c.MaxCM,
		Source:   c.Source,
	}
	if c.Reference != nil {
		s.Ref = &orb.Point{c.Reference[0], c.Reference[1]}
	}
	if s.Axis == "" {
		s.Axis = AxisEuclidean
	}
	if s.MaxCM == 0 {
		s.MaxCM = config.DefaultMaxDistanceCM
	}
	if s.Source == "" {
		s.Source = "kalman"
	}
	switch s.Axis {
	case AxisEuclidean, AxisX, AxisY:
	default:
		return Stream{}, fmt.Errorf("stream %s: unknown axis %q", s.Name, s.Axis)
	}
	if s.To == "" && s.Ref == nil {
		return Stream{}, fmt.Errorf("stream %s: needs a target entity or reference point", s.Name)
	}
	return s, nil
}

// Measure computes the distance from track a to target b under scale. The
// result is never negative and its confidence never exceeds either input's.
func (s Stream) Measure(a tracking.TrackState, b Target, scale calibration.Scale) (Reading, error) {
	pa, ca, err := TrackTarget(a).resolve()
	if err != nil {
		return Reading{}, err
	}
	pb, cb, err := b.resolve()
	if err != nil {
		return Reading{}, err
	}

	physA, err := calibration.ToPhysical(pa, scale)
	if err != nil {
		return Reading{}, err
	}
	physB, err := calibration.ToPhysical(pb, scale)
	if err != nil {
		return Reading{}, err
	}

	var d float64
	switch s.Axis {
	case AxisX:
		d = math.Abs(physA[0] - physB[0])
	case AxisY:
		d = math.Abs(physA[1] - physB[1])
	default:
		d = planar.Distance(physA, physB)
	}

	d += s.OffsetCM
	if d < 0 {
		d = 0
	}

	r := Reading{
		Stream:     s.Name,
		Confidence: min(ca, cb),
		Source:     s.Source,
		Timestamp:  a.UpdatedAt,
	}
	if !b.Fixed && b.Track.UpdatedAt.After(r.Timestamp) {
		r.Timestamp = b.Track.UpdatedAt
	}

	if s.MaxCM > 0 && d > s.MaxCM {
		if d > s.MaxCM*clampTolerance {
			return Reading{}, fmt.Errorf("%w: %s measured %.2f cm, max %.2f cm", ErrOutOfRange, s.Name, d, s.MaxCM)
		}
		d = s.MaxCM
		r.Clamped = true
	}
	r.DistanceCM = d
	return r, nil
}

// TrackLookup finds a track snapshot by entity ID.
type TrackLookup interface {
	Get(id string) (tracking.TrackState, bool)
}

// Resolver measures every configured stream for one frame.
type Resolver struct {
	streams []Stream
}

// NewResolver builds a Resolver from stream configs.
func NewResolver(cfgs []config.StreamConfig) (*Resolver, error) {
	r := &Resolver{}
	for _, c := range cfgs {
		s, err := StreamFromConfig(c)
		if err != nil {
			return nil, err
		}
		r.streams = append(r.streams, s)
	}
	return r, nil
}

// Streams returns the configured streams in order.
func (r *Resolver) Streams() []Stream { return r.streams }

// Result holds one frame's readings and the per-stream failures.
type Result struct {
	Readings []Reading
	Failures map[string]error
}

// Resolve measures every stream against tracks.
func (r *Resolver) Resolve(tracks TrackLookup, scale calibration.Scale) Result {
	res := Result{Failures: map[string]error{}}
	for _, s := range r.streams {
		from, ok := tracks.Get(s.From)
		if !ok {
			res.Failures[s.Name] = fmt.Errorf("%w: %s has no track", ErrInsufficientTrackData, s.From)
			continue
		}
		var to Target
		if s.To != "" {
			ts, ok := tracks.Get(s.To)
			if !ok {
				res.Failures[s.Name] = fmt.Errorf("%w: %s has no track", ErrInsufficientTrackData, s.To)
				continue
			}
			to = TrackTarget(ts)
		} else {
			to = FixedTarget(*s.Ref)
		}
		reading, err := s.Measure(from, to, scale)
		if err != nil {
			res.Failures[s.Name] = err
			continue
		}
		res.Readings = append(res.Readings, reading)
	}
	return res
}
