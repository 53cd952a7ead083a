package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gauge.report/internal/calibration"
	"github.com/banshee-data/gauge.report/internal/config"
	"github.com/banshee-data/gauge.report/internal/detection"
	"github.com/banshee-data/gauge.report/internal/journal"
	"github.com/banshee-data/gauge.report/internal/movement"
	"github.com/banshee-data/gauge.report/internal/publisher"
	"github.com/banshee-data/gauge.report/internal/telemetry"
	"github.com/banshee-data/gauge.report/internal/timeutil"
	"github.com/banshee-data/gauge.report/internal/tracking"
	"github.com/banshee-data/gauge.report/internal/units"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSink struct {
	mu       sync.Mutex
	payloads []telemetry.Validated
	err      error
}

func (s *fakeSink) Enqueue(v telemetry.Validated) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.payloads = append(s.payloads, v)
	return nil
}

func (s *fakeSink) Status() publisher.Status {
	return publisher.Status{Transport: "fake", Phase: publisher.PhaseConnected}
}

type rejectionLog struct {
	mu   sync.Mutex
	recs []journal.Rejection
}

func (r *rejectionLog) RecordRejection(rej journal.Rejection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rej)
}

func testConfig() Config {
	return Config{
		DeviceID: "gauge-test",
		Entities: []detection.EntityRule{
			{EntityID: "marker", Class: "marcador", Anchor: detection.AnchorBBoxCenter},
		},
		Streams: []config.StreamConfig{
			{Name: "marker", From: "marker", Reference: &[2]float64{100, 100}, Axis: "x", MaxCM: 100, Source: "kalman"},
		},
		Tracker: tracking.DefaultConfig(),
		Movement: movement.Config{
			MinDisplacementCM: 2,
			MinVelocityCMPerS: 0.2,
			MinConfidence:     0.5,
			StartFrames:       3,
			StopFrames:        5,
			HistoryWindow:     2 * time.Second,
		},
		Validator: telemetry.ValidatorConfig{
			MinDistanceCM: 0,
			MaxDistanceCM: 1000,
			Staleness:     5 * time.Second,
			MaxFutureSkew: time.Second,
			RejectAllZero: true,
		},
		Replay: true,
	}
}

// 0.1 cm per pixel.
func fixedCalibrator(t *testing.T) calibration.Calibrator {
	t.Helper()
	c, err := calibration.NewFixed(calibration.Scale{PixelsPerUnit: 10, Unit: units.Centimetre})
	require.NoError(t, err)
	return c
}

func markerFrame(seq uint64, x float64) detection.Frame {
	return detection.Frame{
		Seq:       seq,
		Timestamp: t0.Add(time.Duration(seq) * 30 * time.Millisecond),
		Detections: []detection.Detection{{
			Class:      "marcador",
			Confidence: 0.9,
			BBox:       &detection.BBox{X1: x - 5, Y1: 95, X2: x + 5, Y2: 105},
		}},
	}
}

func TestNew_Rejects(t *testing.T) {
	t.Parallel()

	cal := fixedCalibrator(t)

	_, err := New(testConfig(), Deps{})
	assert.Error(t, err, "calibrator required")

	cfg := testConfig()
	cfg.Entities = nil
	_, err = New(cfg, Deps{Calibrator: cal})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Entities[0].Anchor = "elbow"
	_, err = New(cfg, Deps{Calibrator: cal})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Streams = nil
	_, err = New(cfg, Deps{Calibrator: cal})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Streams[0].Axis = "z"
	_, err = New(cfg, Deps{Calibrator: cal})
	assert.Error(t, err)
}

// Marker moves from pixel 100 to 150 over five frames 30 ms apart at
// 0.1 cm/px: the smoothed distance rises monotonically towards 5 cm and
// MovementStarted fires on the frame that first reaches 2 cm.
func TestProcessFrame_MarkerMovementScenario(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	rejections := &rejectionLog{}
	p, err := New(testConfig(), Deps{Calibrator: fixedCalibrator(t), Sink: sink, Rejections: rejections})
	require.NoError(t, err)

	xs := []float64{100, 112.5, 125, 137.5, 150}
	var distances []float64
	startedAt := -1
	for i, x := range xs {
		res, err := p.ProcessFrame(context.Background(), markerFrame(uint64(i), x))
		require.NoError(t, err)
		require.Len(t, res.Readings, 1, "frame %d", i)
		distances = append(distances, res.Readings[0].DistanceCM)
		for _, ev := range res.Events {
			if ev.Kind == movement.MovementStarted {
				require.Equal(t, -1, startedAt, "exactly one MovementStarted")
				startedAt = i
				assert.True(t, res.Timestamp.Equal(ev.Timestamp))
			}
		}
	}

	for i := 1; i < len(distances); i++ {
		assert.Greater(t, distances[i], distances[i-1], "distance must rise at frame %d", i)
	}
	assert.InDelta(t, 0.0, distances[0], 1e-9)
	assert.InDelta(t, 4.9, distances[4], 0.1)
	assert.Less(t, distances[1], 2.0)
	assert.GreaterOrEqual(t, distances[2], 2.0)
	assert.Equal(t, 2, startedAt)

	// The first payload is all zeros and is rejected; the rest go out.
	require.Len(t, rejections.recs, 1)
	assert.Equal(t, telemetry.ReasonAllReadingsZero, rejections.recs[0].Reason)
	require.Len(t, sink.payloads, 4)

	last := sink.payloads[3].Payload()
	assert.Equal(t, "gauge-test", last.DeviceID)
	assert.True(t, last.MovementDetected)
	assert.Equal(t, calibration.StatusFixed, last.CalibrationStatus)
	assert.InDelta(t, distances[4], last.Data["marker"].DistanceCM, 1e-9)
	assert.InDelta(t, 0.9, last.Data["marker"].Confidence, 1e-9)
	assert.False(t, sink.payloads[0].Payload().MovementDetected, "idle before the start event")

	counters := Counters(p.Registry())
	assert.Equal(t, int64(5), counters["pipeline.frames"])
	assert.Equal(t, int64(1), counters["pipeline.movement_started"])
	assert.Equal(t, int64(1), counters["pipeline.rejected"])
	assert.Equal(t, int64(4), counters["pipeline.enqueued"])

	snap := p.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(4), snap.Seq)
	assert.True(t, snap.Moving)
	require.Len(t, snap.Streams, 1)
	assert.Equal(t, movement.PhaseMoving, snap.Streams[0].Phase)
	require.Len(t, snap.RecentEvents, 1)
	require.Len(t, snap.Tracks, 1)
	assert.Equal(t, tracking.StateTracking, snap.Tracks[0].State)
	require.NotNil(t, snap.Publisher)
	assert.Equal(t, "fake", snap.Publisher.Transport)
}

func TestProcessFrame_NoisyConstantNeverStarts(t *testing.T) {
	t.Parallel()

	p, err := New(testConfig(), Deps{Calibrator: fixedCalibrator(t)})
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		jitter := 1.0
		if i%2 == 0 {
			jitter = -1.0
		}
		res, err := p.ProcessFrame(context.Background(), markerFrame(uint64(i), 300+jitter))
		require.NoError(t, err)
		assert.Empty(t, res.Events, "frame %d", i)
	}
	assert.False(t, p.Snapshot().Moving)
}

// After the move the marker is held still with one pixel of detector
// jitter; the stream must settle back to Idle.
func TestProcessFrame_SettlesUnderJitter(t *testing.T) {
	t.Parallel()

	p, err := New(testConfig(), Deps{Calibrator: fixedCalibrator(t)})
	require.NoError(t, err)

	var kinds []movement.EventKind
	xs := []float64{100, 112.5, 125, 137.5, 150}
	for i := 0; i < 300; i++ {
		jitter := 1.0
		if i%2 == 1 {
			jitter = -1.0
		}
		xs = append(xs, 150+jitter)
	}
	for i, x := range xs {
		res, err := p.ProcessFrame(context.Background(), markerFrame(uint64(i), x))
		require.NoError(t, err)
		for _, ev := range res.Events {
			kinds = append(kinds, ev.Kind)
		}
	}
	assert.Equal(t, []movement.EventKind{movement.MovementStarted, movement.MovementStopped}, kinds)
	assert.False(t, p.Snapshot().Moving)
}

func TestProcessFrame_LostTrackYieldsNoReading(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	p, err := New(cfg, Deps{Calibrator: fixedCalibrator(t)})
	require.NoError(t, err)

	_, err = p.ProcessFrame(context.Background(), markerFrame(0, 120))
	require.NoError(t, err)

	var res Result
	for i := 1; i <= cfg.Tracker.MaxMisses+1; i++ {
		res, err = p.ProcessFrame(context.Background(), detection.Frame{Seq: uint64(i), Timestamp: t0.Add(time.Duration(i) * 30 * time.Millisecond)})
		require.NoError(t, err)
	}
	assert.Empty(t, res.Readings)
	assert.Equal(t, OutcomeNoReadings, res.Outcome)
	assert.Contains(t, res.Failures, "marker")

	counters := Counters(p.Registry())
	assert.Equal(t, int64(1), counters["pipeline.insufficient_track_data"])
}

func TestProcessFrame_Throttle(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinPublishInterval = 100 * time.Millisecond
	sink := &fakeSink{}
	p, err := New(cfg, Deps{Calibrator: fixedCalibrator(t), Sink: sink})
	require.NoError(t, err)

	var outcomes []Outcome
	for i := 0; i < 8; i++ {
		res, err := p.ProcessFrame(context.Background(), markerFrame(uint64(i), 200))
		require.NoError(t, err)
		outcomes = append(outcomes, res.Outcome)
	}
	// 30 ms frames: publish at 0, 120 and 240 ms.
	assert.Equal(t, []Outcome{
		OutcomeEnqueued, OutcomeThrottled, OutcomeThrottled, OutcomeThrottled,
		OutcomeEnqueued, OutcomeThrottled, OutcomeThrottled, OutcomeThrottled,
	}, outcomes)
	assert.Len(t, sink.payloads, 2)
}

func TestProcessFrame_PublishOnMovementOnly(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PublishOnMovementOnly = true
	sink := &fakeSink{}
	p, err := New(cfg, Deps{Calibrator: fixedCalibrator(t), Sink: sink})
	require.NoError(t, err)

	for i, x := range []float64{100, 110, 120, 130, 140} {
		res, err := p.ProcessFrame(context.Background(), markerFrame(uint64(i), x))
		require.NoError(t, err)
		if i < 3 {
			assert.Equal(t, OutcomeIdle, res.Outcome, "frame %d", i)
		} else {
			assert.Equal(t, OutcomeEnqueued, res.Outcome, "frame %d", i)
		}
	}
	assert.Len(t, sink.payloads, 2)
}

func TestProcessFrame_StaleAgainstWallClock(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Replay = false
	clock := timeutil.NewMockClock(t0.Add(time.Minute))
	rejections := &rejectionLog{}
	p, err := New(cfg, Deps{Calibrator: fixedCalibrator(t), Clock: clock, Rejections: rejections})
	require.NoError(t, err)

	res, err := p.ProcessFrame(context.Background(), markerFrame(0, 200))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, telemetry.ReasonStaleTimestamp, telemetry.ReasonOf(res.Rejection))
	require.Len(t, rejections.recs, 1)
	assert.True(t, clock.Now().Equal(rejections.recs[0].At))
}

func TestProcessFrame_SinkErrors(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{err: publisher.ErrNotConnected}
	p, err := New(testConfig(), Deps{Calibrator: fixedCalibrator(t), Sink: sink})
	require.NoError(t, err)

	res, err := p.ProcessFrame(context.Background(), markerFrame(0, 200))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, res.Outcome)

	sink.mu.Lock()
	sink.err = publisher.ErrQueueOverflow
	sink.mu.Unlock()
	res, err = p.ProcessFrame(context.Background(), markerFrame(1, 200))
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnqueued, res.Outcome)

	counters := Counters(p.Registry())
	assert.Equal(t, int64(1), counters["pipeline.dropped"])
	assert.Equal(t, int64(1), counters["pipeline.queue_overflow"])
}

func TestRun_ConsumesSourceAndNotifiesSubscribers(t *testing.T) {
	t.Parallel()

	p, err := New(testConfig(), Deps{Calibrator: fixedCalibrator(t)})
	require.NoError(t, err)

	id, ch := p.Subscribe()
	var frames []detection.Frame
	for i := 0; i < 4; i++ {
		frames = append(frames, markerFrame(uint64(i), 200))
	}
	require.NoError(t, p.Run(context.Background(), detection.NewSliceSource(frames)))

	snap := <-ch
	assert.Equal(t, uint64(3), snap.Seq, "slow subscribers see the latest snapshot")
	p.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, p.Run(ctx, detection.NewSliceSource(frames)))
}

func TestIndependentPipelines(t *testing.T) {
	t.Parallel()

	strict := testConfig()
	strict.Movement.MinDisplacementCM = 50
	a, err := New(testConfig(), Deps{Calibrator: fixedCalibrator(t)})
	require.NoError(t, err)
	b, err := New(strict, Deps{Calibrator: fixedCalibrator(t)})
	require.NoError(t, err)

	for i, x := range []float64{100, 110, 120, 130, 140, 150} {
		_, err := a.ProcessFrame(context.Background(), markerFrame(uint64(i), x))
		require.NoError(t, err)
		_, err = b.ProcessFrame(context.Background(), markerFrame(uint64(i), x))
		require.NoError(t, err)
	}
	assert.True(t, a.Snapshot().Moving)
	assert.False(t, b.Snapshot().Moving)
}

func TestConfigFromTuning(t *testing.T) {
	t.Parallel()

	cfg := ConfigFromTuning(&config.TuningConfig{})
	assert.Equal(t, "gauge-01", cfg.DeviceID)
	assert.NotEmpty(t, cfg.Entities)
	assert.Len(t, cfg.Streams, 2)
	assert.Equal(t, 100*time.Millisecond, cfg.MinPublishInterval)

	p, err := New(cfg, Deps{Calibrator: fixedCalibrator(t)})
	require.NoError(t, err)
	assert.NotNil(t, p)
}

type recordingTransport struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (r *recordingTransport) Name() string                      { return "recording" }
func (r *recordingTransport) Connect(ctx context.Context) error { return nil }
func (r *recordingTransport) Close() error                      { return nil }

func (r *recordingTransport) Send(ctx context.Context, msg publisher.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, msg.Body)
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func TestPipeline_DeliversThroughPublisher(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{}
	pub := publisher.New(tr, publisher.Config{
		BackoffFloor:            10 * time.Millisecond,
		BackoffCeiling:          100 * time.Millisecond,
		QueueCapacity:           16,
		BufferWhileDisconnected: true,
		ConnectTimeout:          time.Second,
		SendTimeout:             time.Second,
		MaxSendWait:             time.Minute,
		FlushTimeout:            time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub.Start(ctx)
	t.Cleanup(func() { _ = pub.Close() })

	p, err := New(testConfig(), Deps{Calibrator: fixedCalibrator(t), Sink: pub})
	require.NoError(t, err)

	var frames []detection.Frame
	for i, x := range []float64{100, 110, 120, 130, 140, 150} {
		frames = append(frames, markerFrame(uint64(i), x))
	}
	require.NoError(t, p.Run(ctx, detection.NewSliceSource(frames)))

	require.Eventually(t, func() bool { return tr.count() == 5 }, 2*time.Second, 5*time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	first, err := telemetry.Decode(tr.bodies[0])
	require.NoError(t, err)
	assert.False(t, first.MovementDetected)
	assert.True(t, t0.Add(30*time.Millisecond).Equal(first.Timestamp))

	last, err := telemetry.Decode(tr.bodies[4])
	require.NoError(t, err)
	assert.True(t, last.MovementDetected)
	assert.Contains(t, last.Data, "marker")
	assert.Equal(t, "kalman", last.Data["marker"].Source)
}
