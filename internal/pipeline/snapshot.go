package pipeline

import (
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/banshee-data/gauge.report/internal/calibration"
	"github.com/banshee-data/gauge.report/internal/distance"
	"github.com/banshee-data/gauge.report/internal/movement"
	"github.com/banshee-data/gauge.report/internal/publisher"
	"github.com/banshee-data/gauge.report/internal/tracking"
)

// StreamView is one stream's latest state.
type StreamView struct {
	Name    string            `json:"name"`
	Phase   movement.Phase    `json:"phase"`
	Reading *distance.Reading `json:"reading,omitempty"`
	Failure string            `json:"failure,omitempty"`
	Stats   movement.Stats    `json:"stats"`
}

// Snapshot is the read-only view published after every cycle.
type Snapshot struct {
	Seq               uint64                `json:"seq"`
	Timestamp         time.Time             `json:"timestamp"`
	Scale             calibration.Scale     `json:"scale"`
	CalibrationStatus calibration.Status    `json:"calibration_status"`
	Tracks            []tracking.TrackState `json:"tracks"`
	Streams           []StreamView          `json:"streams"`
	Moving            bool                  `json:"moving"`
	Outcome           Outcome               `json:"outcome"`
	RecentEvents      []movement.Event      `json:"recent_events"`
	Publisher         *publisher.Status     `json:"publisher,omitempty"`
	Counters          map[string]int64      `json:"counters"`
}

func (p *Pipeline) storeSnapshot(res Result, scale calibration.Scale, status calibration.Status) {
	snap := &Snapshot{
		Seq:               res.Seq,
		Timestamp:         res.Timestamp,
		Scale:             scale,
		CalibrationStatus: status,
		Tracks:            p.tracks.States(),
		Moving:            res.Moving,
		Outcome:           res.Outcome,
		RecentEvents:      append([]movement.Event(nil), p.events...),
		Counters:          Counters(p.registry),
	}

	byName := make(map[string]distance.Reading, len(res.Readings))
	for _, r := range res.Readings {
		byName[r.Stream] = r
	}
	for _, name := range p.order {
		c := p.classifiers[name]
		v := StreamView{Name: name, Phase: c.Phase(), Stats: c.Stats()}
		if r, ok := byName[name]; ok {
			v.Reading = &r
		}
		if err := res.Failures[name]; err != nil {
			v.Failure = err.Error()
		}
		snap.Streams = append(snap.Streams, v)
	}
	if p.sink != nil {
		st := p.sink.Status()
		snap.Publisher = &st
	}

	p.snapshot.Store(snap)
	p.subs.broadcast(snap)
}

// Snapshot returns the latest cycle's view, or nil before the first frame.
func (p *Pipeline) Snapshot() *Snapshot {
	return p.snapshot.Load()
}

// Subscribe returns a channel that receives every new snapshot. A slow
// reader only ever sees the most recent one.
func (p *Pipeline) Subscribe() (int, <-chan *Snapshot) {
	return p.subs.add()
}

// Unsubscribe closes the subscription's channel.
func (p *Pipeline) Unsubscribe(id int) {
	p.subs.remove(id)
}

type subscribers struct {
	mu   sync.Mutex
	next int
	chs  map[int]chan *Snapshot
}

func (s *subscribers) add() (int, <-chan *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chs == nil {
		s.chs = map[int]chan *Snapshot{}
	}
	s.next++
	ch := make(chan *Snapshot, 1)
	s.chs[s.next] = ch
	return s.next, ch
}

func (s *subscribers) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.chs[id]; ok {
		close(ch)
		delete(s.chs, id)
	}
}

func (s *subscribers) broadcast(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Counters flattens every counter and gauge in reg.
func Counters(reg metrics.Registry) map[string]int64 {
	out := map[string]int64{}
	reg.Each(func(name string, m interface{}) {
		switch v := m.(type) {
		case metrics.Counter:
			out[name] = v.Count()
		case metrics.Gauge:
			out[name] = v.Value()
		case metrics.Timer:
			out[name+".count"] = v.Count()
		}
	})
	return out
}
