package tracking

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gauge.report/internal/detection"
)

func TestRegistry_OneStatePerEntity(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig(), "pusher", "portico.D")
	require.Equal(t, 2, r.Len())

	s, ok := r.Get("pusher")
	require.True(t, ok)
	assert.Equal(t, StateUninitialized, s.State)

	ctx := context.Background()
	require.NoError(t, r.Update(ctx, t0, []detection.Observation{
		{EntityID: "pusher", Position: orb.Point{10, 10}, Confidence: 0.5, Timestamp: t0},
		{EntityID: "pusher", Position: orb.Point{20, 20}, Confidence: 0.9, Timestamp: t0},
		{EntityID: "marker.top", Position: orb.Point{5, 5}, Confidence: 0.9, Timestamp: t0},
	}))

	assert.Equal(t, 3, r.Len(), "unseen entities are added on first observation")
	s, _ = r.Get("pusher")
	assert.Equal(t, orb.Point{20, 20}, s.Position, "most confident observation wins")

	s, _ = r.Get("portico.D")
	assert.Equal(t, StateUninitialized, s.State)

	_, ok = r.Get("ghost")
	assert.False(t, ok)

	states := r.States()
	require.Len(t, states, 3)
	assert.Equal(t, "marker.top", states[0].EntityID)
	assert.Equal(t, "portico.D", states[1].EntityID)
	assert.Equal(t, "pusher", states[2].EntityID)
}

func TestRegistry_MissesUnobservedEntities(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig())
	ctx := context.Background()
	require.NoError(t, r.Update(ctx, t0, []detection.Observation{
		{EntityID: "a", Position: orb.Point{1, 1}, Confidence: 1, Timestamp: t0},
		{EntityID: "b", Position: orb.Point{2, 2}, Confidence: 1, Timestamp: t0},
	}))
	ts := t0.Add(frameDt)
	require.NoError(t, r.Update(ctx, ts, []detection.Observation{
		{EntityID: "a", Position: orb.Point{1, 1}, Confidence: 1, Timestamp: ts},
	}))

	a, _ := r.Get("a")
	b, _ := r.Get("b")
	assert.Equal(t, 0, a.Misses)
	assert.Equal(t, 1, b.Misses)
}

func TestRegistry_ParallelMatchesSequential(t *testing.T) {
	t.Parallel()

	seqCfg := DefaultConfig()
	parCfg := DefaultConfig()
	parCfg.Workers = 4

	seq := NewRegistry(seqCfg)
	par := NewRegistry(parCfg)
	ctx := context.Background()

	for f := 0; f < 20; f++ {
		ts := t0.Add(time.Duration(f) * frameDt)
		var obs []detection.Observation
		for e := 0; e < 16; e++ {
			if (f+e)%5 == 0 {
				continue // occasional misses
			}
			obs = append(obs, detection.Observation{
				EntityID:   fmt.Sprintf("e%02d", e),
				Position:   orb.Point{float64(e*10 + f), float64(e)},
				Confidence: 0.9,
				Timestamp:  ts,
			})
		}
		require.NoError(t, seq.Update(ctx, ts, obs))
		require.NoError(t, par.Update(ctx, ts, obs))
	}

	assert.Equal(t, seq.States(), par.States())
}

func TestRegistry_CancelledContext(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig(), "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Update(ctx, t0, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
