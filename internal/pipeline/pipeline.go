package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/banshee-data/gauge.report/internal/calibration"
	"github.com/banshee-data/gauge.report/internal/config"
	"github.com/banshee-data/gauge.report/internal/detection"
	"github.com/banshee-data/gauge.report/internal/distance"
	"github.com/banshee-data/gauge.report/internal/journal"
	"github.com/banshee-data/gauge.report/internal/monitoring"
	"github.com/banshee-data/gauge.report/internal/movement"
	"github.com/banshee-data/gauge.report/internal/publisher"
	"github.com/banshee-data/gauge.report/internal/telemetry"
	"github.com/banshee-data/gauge.report/internal/timeutil"
	"github.com/banshee-data/gauge.report/internal/tracking"
)

// Sink takes validated payloads. *publisher.Publisher implements it.
type Sink interface {
	Enqueue(telemetry.Validated) error
	Status() publisher.Status
}

// RejectionRecorder keeps validator rejections. *journal.Journal
// implements it.
type RejectionRecorder interface {
	RecordRejection(journal.Rejection)
}

// Config is the immutable per-pipeline configuration.
type Config struct {
	DeviceID  string
	Entities  []detection.EntityRule
	Streams   []config.StreamConfig
	Tracker   tracking.Config
	Movement  movement.Config
	Validator telemetry.ValidatorConfig

	// MinPublishInterval spaces payloads in frame time. Cycles that emit a
	// movement event are never throttled. Zero disables the throttle.
	MinPublishInterval time.Duration
	// PublishOnMovementOnly skips payloads while every stream is idle.
	PublishOnMovementOnly bool
	// Replay validates staleness against frame time instead of the wall
	// clock, so recorded sessions are not rejected as stale.
	Replay bool
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		DeviceID:              cfg.GetDeviceID(),
		Entities:              cfg.GetEntities(),
		Streams:               cfg.GetStreams(),
		Tracker:               tracking.ConfigFromTuning(cfg),
		Movement:              movement.ConfigFromTuning(cfg),
		Validator:             telemetry.ValidatorConfigFromTuning(cfg),
		MinPublishInterval:    cfg.GetMinPublishInterval(),
		PublishOnMovementOnly: cfg.GetPublishOnMovementOnly(),
	}
}

// Deps are the collaborators a Pipeline drives. Only Calibrator is required.
type Deps struct {
	Calibrator calibration.Calibrator
	Sink       Sink              // nil validates but sends nothing
	Rejections RejectionRecorder // optional
	Clock      timeutil.Clock    // nil uses the wall clock
	Registry   metrics.Registry  // nil creates a private registry
}

// Result is what one cycle produced.
type Result struct {
	Seq       uint64
	Timestamp time.Time
	Readings  []distance.Reading
	Failures  map[string]error
	Events    []movement.Event
	Moving    bool
	// Outcome says what happened to this cycle's payload.
	Outcome   Outcome
	MessageID string
	Rejection error
}

// Outcome is the fate of a cycle's payload.
type Outcome string

const (
	OutcomeNoReadings Outcome = "no_readings"
	OutcomeThrottled  Outcome = "throttled"
	OutcomeIdle       Outcome = "idle"
	OutcomeRejected   Outcome = "rejected"
	OutcomeEnqueued   Outcome = "enqueued"
	OutcomeDropped    Outcome = "dropped"
	OutcomeValidated  Outcome = "validated"
)

type counters struct {
	frames           metrics.Counter
	observations     metrics.Counter
	readings         metrics.Counter
	insufficient     metrics.Counter
	outOfRange       metrics.Counter
	distanceFailures metrics.Counter
	started          metrics.Counter
	stopped          metrics.Counter
	throttled        metrics.Counter
	idle             metrics.Counter
	rejected         metrics.Counter
	enqueued         metrics.Counter
	overflow         metrics.Counter
	dropped          metrics.Counter
	trackErrors      metrics.Counter
	cycleTime        metrics.Timer
}

func newCounters(reg metrics.Registry) counters {
	return counters{
		frames:           metrics.NewRegisteredCounter("pipeline.frames", reg),
		observations:     metrics.NewRegisteredCounter("pipeline.observations", reg),
		readings:         metrics.NewRegisteredCounter("pipeline.readings", reg),
		insufficient:     metrics.NewRegisteredCounter("pipeline.insufficient_track_data", reg),
		outOfRange:       metrics.NewRegisteredCounter("pipeline.out_of_range", reg),
		distanceFailures: metrics.NewRegisteredCounter("pipeline.distance_failures", reg),
		started:          metrics.NewRegisteredCounter("pipeline.movement_started", reg),
		stopped:          metrics.NewRegisteredCounter("pipeline.movement_stopped", reg),
		throttled:        metrics.NewRegisteredCounter("pipeline.throttled", reg),
		idle:             metrics.NewRegisteredCounter("pipeline.skipped_idle", reg),
		rejected:         metrics.NewRegisteredCounter("pipeline.rejected", reg),
		enqueued:         metrics.NewRegisteredCounter("pipeline.enqueued", reg),
		overflow:         metrics.NewRegisteredCounter("pipeline.queue_overflow", reg),
		dropped:          metrics.NewRegisteredCounter("pipeline.dropped", reg),
		trackErrors:      metrics.NewRegisteredCounter("pipeline.track_errors", reg),
		cycleTime:        metrics.NewRegisteredTimer("pipeline.cycle", reg),
	}
}

// Pipeline is one independent processing chain. Several can run in the
// same process with different configurations.
type Pipeline struct {
	cfg         Config
	calibrator  calibration.Calibrator
	sink        Sink
	rejections  RejectionRecorder
	clock       timeutil.Clock
	frameClock  *timeutil.MockClock
	registry    metrics.Registry
	tracks      *tracking.Registry
	resolver    *distance.Resolver
	validator   *telemetry.Validator
	classifiers map[string]*movement.Classifier
	order       []string
	c           counters

	// mu serialises cycles.
	mu          sync.Mutex
	lastPublish time.Time
	events      []movement.Event

	snapshot atomic.Pointer[Snapshot]
	subs     subscribers
}

// New validates cfg and assembles a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Calibrator == nil {
		return nil, errors.New("pipeline: calibrator is required")
	}
	if len(cfg.Entities) == 0 {
		return nil, errors.New("pipeline: no entities configured")
	}
	for _, r := range cfg.Entities {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
	}
	resolver, err := distance.NewResolver(cfg.Streams)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if len(resolver.Streams()) == 0 {
		return nil, errors.New("pipeline: no streams configured")
	}

	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Registry == nil {
		deps.Registry = metrics.NewRegistry()
	}

	p := &Pipeline{
		cfg:         cfg,
		calibrator:  deps.Calibrator,
		sink:        deps.Sink,
		rejections:  deps.Rejections,
		clock:       deps.Clock,
		registry:    deps.Registry,
		resolver:    resolver,
		classifiers: map[string]*movement.Classifier{},
		c:           newCounters(deps.Registry),
	}

	ids := make([]string, 0, len(cfg.Entities))
	for _, r := range cfg.Entities {
		ids = append(ids, r.EntityID)
	}
	p.tracks = tracking.NewRegistry(cfg.Tracker, ids...)

	vcfg := cfg.Validator
	if len(vcfg.Required) == 0 {
		for _, s := range resolver.Streams() {
			vcfg.Required = append(vcfg.Required, s.Name)
		}
	}
	validatorClock := p.clock
	if cfg.Replay {
		p.frameClock = timeutil.NewMockClock(time.Time{})
		validatorClock = p.frameClock
	}
	p.validator = telemetry.NewValidator(vcfg, validatorClock)

	for _, s := range resolver.Streams() {
		p.classifiers[s.Name] = movement.New(s.Name, cfg.Movement)
		p.order = append(p.order, s.Name)
	}
	return p, nil
}

// Registry exposes the pipeline's counters.
func (p *Pipeline) Registry() metrics.Registry { return p.registry }

// ProcessFrame runs one full cycle for frame.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame detection.Frame) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	defer p.c.cycleTime.UpdateSince(start)
	p.c.frames.Inc(1)
	if p.frameClock != nil {
		p.frameClock.Set(frame.Timestamp)
	}

	res := Result{Seq: frame.Seq, Timestamp: frame.Timestamp}

	p.calibrator.Observe(frame)
	scale, status := p.calibrator.Scale()

	obs := detection.Extract(frame, p.cfg.Entities)
	p.c.observations.Inc(int64(len(obs)))
	if err := p.tracks.Update(ctx, frame.Timestamp, obs); err != nil {
		p.c.trackErrors.Inc(1)
		return res, fmt.Errorf("track update for frame %d: %w", frame.Seq, err)
	}

	resolved := p.resolver.Resolve(p.tracks, scale)
	res.Readings = resolved.Readings
	res.Failures = resolved.Failures
	p.c.readings.Inc(int64(len(resolved.Readings)))
	for name, err := range resolved.Failures {
		switch {
		case errors.Is(err, distance.ErrInsufficientTrackData):
			p.c.insufficient.Inc(1)
		case errors.Is(err, distance.ErrOutOfRange):
			p.c.outOfRange.Inc(1)
		default:
			p.c.distanceFailures.Inc(1)
		}
		monitoring.Tracef("frame %d stream %s: %v", frame.Seq, name, err)
	}

	for _, r := range resolved.Readings {
		ev, ok := p.classifiers[r.Stream].Update(r)
		if !ok {
			continue
		}
		res.Events = append(res.Events, ev)
		switch ev.Kind {
		case movement.MovementStarted:
			p.c.started.Inc(1)
		case movement.MovementStopped:
			p.c.stopped.Inc(1)
		}
		monitoring.Diagf("%s on %s at %.2f cm (displacement %.2f cm)", ev.Kind, ev.Stream, ev.DistanceCM, ev.DisplacementCM)
	}
	res.Moving = len(res.Events) > 0
	for _, c := range p.classifiers {
		if c.Phase() == movement.PhaseMoving {
			res.Moving = true
		}
	}

	p.publish(&res, frame, status)
	p.remember(res.Events)
	p.storeSnapshot(res, scale, status)
	return res, nil
}

func (p *Pipeline) publish(res *Result, frame detection.Frame, status calibration.Status) {
	switch {
	case len(res.Readings) == 0:
		res.Outcome = OutcomeNoReadings
		return
	case p.cfg.PublishOnMovementOnly && !res.Moving:
		res.Outcome = OutcomeIdle
		p.c.idle.Inc(1)
		return
	case p.cfg.MinPublishInterval > 0 && len(res.Events) == 0 && !p.lastPublish.IsZero() &&
		frame.Timestamp.Sub(p.lastPublish) < p.cfg.MinPublishInterval:
		res.Outcome = OutcomeThrottled
		p.c.throttled.Inc(1)
		return
	}

	payload := telemetry.NewPayload(p.cfg.DeviceID, frame.Timestamp, res.Readings, res.Moving, status)
	res.MessageID = payload.MessageID
	validated, err := p.validator.Validate(payload)
	if err != nil {
		res.Outcome = OutcomeRejected
		res.Rejection = err
		p.c.rejected.Inc(1)
		monitoring.Diagf("frame %d payload %s: %v", frame.Seq, payload.MessageID, err)
		if p.rejections != nil {
			p.rejections.RecordRejection(journal.RejectionFromError(payload, err, p.clock.Now()))
		}
		return
	}
	p.lastPublish = frame.Timestamp

	if p.sink == nil {
		res.Outcome = OutcomeValidated
		return
	}
	switch err := p.sink.Enqueue(validated); {
	case err == nil:
		res.Outcome = OutcomeEnqueued
		p.c.enqueued.Inc(1)
	case errors.Is(err, publisher.ErrQueueOverflow):
		res.Outcome = OutcomeEnqueued
		p.c.enqueued.Inc(1)
		p.c.overflow.Inc(1)
	default:
		res.Outcome = OutcomeDropped
		p.c.dropped.Inc(1)
		monitoring.Tracef("payload %s not queued: %v", payload.MessageID, err)
	}
}

const recentEvents = 16

func (p *Pipeline) remember(evs []movement.Event) {
	p.events = append(p.events, evs...)
	if n := len(p.events); n > recentEvents {
		p.events = append([]movement.Event(nil), p.events[n-recentEvents:]...)
	}
}

// Run pulls frames from src until it reports io.EOF or ctx is cancelled.
// A failed cycle is logged and counted; it never stops the loop.
func (p *Pipeline) Run(ctx context.Context, src detection.Source) error {
	for {
		frame, err := src.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			monitoring.Opsf("detection source exhausted")
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("read frame: %w", err)
		}
		if _, err := p.ProcessFrame(ctx, frame); err != nil {
			monitoring.Opsf("frame %d: %v", frame.Seq, err)
		}
	}
}
