package tracking

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/gauge.report/internal/detection"
)

// Registry owns one Estimator per entity identity.
type Registry struct {
	cfg Config

	mu     sync.RWMutex
	tracks map[string]*Estimator
}

// NewRegistry returns an empty Registry. Entities listed in ids are created
// up front so they report Uninitialized before their first observation.
func NewRegistry(cfg Config, ids ...string) *Registry {
	r := &Registry{cfg: cfg, tracks: make(map[string]*Estimator)}
	for _, id := range ids {
		r.tracks[id] = NewEstimator(id, cfg)
	}
	return r
}

// Update applies one frame: entities with an observation are corrected,
// every other known entity records a miss at ts. When several observations
// share an entity the most confident one is used.
func (r *Registry) Update(ctx context.Context, ts time.Time, obs []detection.Observation) error {
	byID := make(map[string]detection.Observation, len(obs))
	for _, o := range obs {
		if prev, ok := byID[o.EntityID]; !ok || o.Confidence > prev.Confidence {
			byID[o.EntityID] = o
		}
	}

	r.mu.Lock()
	for id := range byID {
		if _, ok := r.tracks[id]; !ok {
			r.tracks[id] = NewEstimator(id, r.cfg)
		}
	}
	estimators := make([]*Estimator, 0, len(r.tracks))
	for _, e := range r.tracks {
		estimators = append(estimators, e)
	}
	r.mu.Unlock()

	step := func(e *Estimator) {
		if o, ok := byID[e.id]; ok {
			e.Observe(o)
		} else {
			e.Miss(ts)
		}
	}

	if r.cfg.Workers <= 1 || len(estimators) < 2 {
		for _, e := range estimators {
			if err := ctx.Err(); err != nil {
				return err
			}
			step(e)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, e := range estimators {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			step(e)
			return nil
		})
	}
	return g.Wait()
}

// Get returns the snapshot for one entity.
func (r *Registry) Get(id string) (TrackState, bool) {
	r.mu.RLock()
	e, ok := r.tracks[id]
	r.mu.RUnlock()
	if !ok {
		return TrackState{}, false
	}
	return e.State(), true
}

// States returns snapshots of every entity ordered by ID.
func (r *Registry) States() []TrackState {
	r.mu.RLock()
	out := make([]TrackState, 0, len(r.tracks))
	for _, e := range r.tracks {
		out = append(out, e.State())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Len returns the number of tracked identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks)
}
