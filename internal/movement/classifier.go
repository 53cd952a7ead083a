// Package movement decides, per distance stream, whether the measured part
// is moving. Decisions are debounced so a single noisy frame never flips
// the state.
package movement

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/gauge.report/internal/config"
	"github.com/banshee-data/gauge.report/internal/distance"
)

// Phase is the classifier state.
type Phase string

const (
	PhaseIdle   Phase = "idle"
	PhaseMoving Phase = "moving"
)

// EventKind names a transition.
type EventKind string

const (
	MovementStarted EventKind = "movement_started"
	MovementStopped EventKind = "movement_stopped"
)

// Event is emitted on every Idle/Moving transition.
type Event struct {
	Kind           EventKind `json:"kind"`
	Stream         string    `json:"stream"`
	Timestamp      time.Time `json:"timestamp"`
	DistanceCM     float64   `json:"distance_cm"`
	DisplacementCM float64   `json:"displacement_cm"`
}

// Config holds the thresholds and debounce counts.
type Config struct {
	MinDisplacementCM float64       // distance filter: travel from the last resting distance
	MinVelocityCMPerS float64       // velocity filter
	MinConfidence     float64       // confidence filter; weaker readings are skipped
	StartFrames       int           // N: consecutive moving frames before MovementStarted
	StopFrames        int           // M: consecutive still frames before MovementStopped
	HistoryWindow     time.Duration // span the velocity filter averages over
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		MinDisplacementCM: cfg.GetMinDisplacement(),
		MinVelocityCMPerS: cfg.GetMinVelocity(),
		MinConfidence:     cfg.GetMinConfidence(),
		StartFrames:       cfg.GetStartFrames(),
		StopFrames:        cfg.GetStopFrames(),
		HistoryWindow:     cfg.GetHistoryWindow(),
	}
}

// Stats counts how readings were handled.
type Stats struct {
	Readings             uint64  `json:"readings"`
	SkippedLowConfidence uint64  `json:"skipped_low_confidence"`
	SkippedOutOfOrder    uint64  `json:"skipped_out_of_order"`
	FailedDistance       uint64  `json:"failed_distance"`
	FailedVelocity       uint64  `json:"failed_velocity"`
	Started              uint64  `json:"started"`
	Stopped              uint64  `json:"stopped"`
	MeanVelocityCMPerS   float64 `json:"mean_velocity_cm_s"`
	WindowVelocityCMPerS float64 `json:"window_velocity_cm_s"`
}

type sample struct {
	ts       time.Time
	distance float64
	velocity float64
}

// Classifier is the per-stream Idle/Moving state machine.
//
// Speed is measured over the trailing HistoryWindow, not between adjacent
// frames. While Idle, the last slow reading is the anchor and opens a
// streak; each following fast reading extends it. MovementStarted fires on
// the first reading where the streak, anchor included, is at least
// StartFrames long and the distance has moved MinDisplacementCM from the
// anchor. While Moving, StopFrames consecutive slow readings fire
// MovementStopped. Readings below MinConfidence are ignored entirely: they
// neither extend nor reset a streak.
type Classifier struct {
	name string
	cfg  Config

	mu         sync.Mutex
	phase      Phase
	prev       *distance.Reading
	anchor     float64
	startCount int
	stopCount  int
	history    []sample
	stats      Stats
}

// New returns an Idle classifier for the named stream.
func New(name string, cfg Config) *Classifier {
	if cfg.StartFrames < 1 {
		cfg.StartFrames = 1
	}
	if cfg.StopFrames < 1 {
		cfg.StopFrames = 1
	}
	return &Classifier{name: name, cfg: cfg, phase: PhaseIdle}
}

// Update feeds one reading and returns the transition it caused, if any.
func (c *Classifier) Update(r distance.Reading) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Readings++
	if r.Confidence < c.cfg.MinConfidence {
		c.stats.SkippedLowConfidence++
		return Event{}, false
	}

	if c.prev == nil {
		c.prev = &r
		c.anchor = r.DistanceCM
		c.startCount = 1
		c.remember(sample{ts: r.Timestamp, distance: r.DistanceCM})
		return Event{}, false
	}

	dt := r.Timestamp.Sub(c.prev.Timestamp).Seconds()
	if dt <= 0 {
		c.stats.SkippedOutOfOrder++
		return Event{}, false
	}
	instant := math.Abs(r.DistanceCM-c.prev.DistanceCM) / dt
	c.prev = &r
	c.remember(sample{ts: r.Timestamp, distance: r.DistanceCM, velocity: instant})

	velocity := c.windowVelocity()
	c.stats.WindowVelocityCMPerS = velocity
	fast := velocity >= c.cfg.MinVelocityCMPerS
	if !fast {
		c.stats.FailedVelocity++
	}

	switch c.phase {
	case PhaseIdle:
		if !fast {
			c.startCount = 1
			c.anchor = r.DistanceCM
			return Event{}, false
		}
		c.startCount++
		displacement := math.Abs(r.DistanceCM - c.anchor)
		if displacement < c.cfg.MinDisplacementCM {
			c.stats.FailedDistance++
			return Event{}, false
		}
		if c.startCount < c.cfg.StartFrames {
			return Event{}, false
		}
		c.phase = PhaseMoving
		c.stopCount = 0
		c.stats.Started++
		return c.event(MovementStarted, r, displacement), true

	case PhaseMoving:
		if fast {
			c.stopCount = 0
			return Event{}, false
		}
		c.stopCount++
		if c.stopCount < c.cfg.StopFrames {
			return Event{}, false
		}
		displacement := math.Abs(r.DistanceCM - c.anchor)
		c.phase = PhaseIdle
		c.anchor = r.DistanceCM
		c.startCount = 1
		c.stopCount = 0
		c.stats.Stopped++
		return c.event(MovementStopped, r, displacement), true
	}
	return Event{}, false
}

// windowVelocity is the net change across the history window divided by
// the window length, or by the actual span when samples are further apart.
// Frame-to-frame jitter cancels out instead of being divided by a 30 ms
// frame interval. Without a window it falls back to the latest
// frame-to-frame speed.
func (c *Classifier) windowVelocity() float64 {
	last := c.history[len(c.history)-1]
	if c.cfg.HistoryWindow <= 0 {
		return last.velocity
	}
	first := c.history[0]
	span := last.ts.Sub(first.ts)
	if span < c.cfg.HistoryWindow {
		span = c.cfg.HistoryWindow
	}
	return math.Abs(last.distance-first.distance) / span.Seconds()
}

func (c *Classifier) event(kind EventKind, r distance.Reading, displacement float64) Event {
	return Event{
		Kind:           kind,
		Stream:         c.name,
		Timestamp:      r.Timestamp,
		DistanceCM:     r.DistanceCM,
		DisplacementCM: displacement,
	}
}

func (c *Classifier) remember(s sample) {
	c.history = append(c.history, s)
	if c.cfg.HistoryWindow <= 0 {
		c.history = c.history[len(c.history)-1:]
		return
	}
	// Keep the newest sample at or before the cutoff as the window baseline.
	cutoff := s.ts.Add(-c.cfg.HistoryWindow)
	i := 0
	for i+1 < len(c.history) && !c.history[i+1].ts.After(cutoff) {
		i++
	}
	c.history = c.history[i:]
}

// Phase returns the current state.
func (c *Classifier) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Name returns the stream this classifier watches.
func (c *Classifier) Name() string { return c.name }

// Stats returns the counters and the mean speed over the history window.
func (c *Classifier) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	if len(c.history) > 1 {
		v := make([]float64, 0, len(c.history)-1)
		for _, h := range c.history[1:] {
			v = append(v, h.velocity)
		}
		s.MeanVelocityCMPerS = stat.Mean(v, nil)
	}
	return s
}
