// Package publisher delivers validated telemetry to an external endpoint
// through an unreliable transport.
//
// A Publisher owns one worker goroutine. The frame-processing path only
// calls Enqueue, which never blocks on the network; the worker connects,
// sends, backs off and reconnects on its own schedule. Every payload that
// cannot be delivered is counted as lost and handed to the LossRecorder.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/banshee-data/gauge.report/internal/config"
	"github.com/banshee-data/gauge.report/internal/monitoring"
	"github.com/banshee-data/gauge.report/internal/telemetry"
	"github.com/banshee-data/gauge.report/internal/timeutil"
)

var (
	// ErrDeliveryFailure wraps transport errors surfaced in Status.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrQueueOverflow is returned by Enqueue when the oldest pending
	// payload was evicted to make room. The new payload is still queued.
	ErrQueueOverflow = errors.New("publish queue overflow")
	// ErrNotConnected is returned by Enqueue when buffering is disabled and
	// the payload was dropped.
	ErrNotConnected = errors.New("publisher not connected")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("publisher closed")
)

// Phase is the connectivity state of the publisher.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseBackoff      Phase = "backoff"
)

// Message is what a Transport sends: the payload's ID and JSON body.
type Message struct {
	ID   string
	Body []byte
}

// Transport is one concrete endpoint (MQTT, NATS, HTTP). Implementations do
// not retry; the Publisher decides when to try again.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg Message) error
	Close() error
	Name() string
}

// LossReason says why a payload was not delivered.
type LossReason string

const (
	LossEvicted   LossReason = "evicted"
	LossExpired   LossReason = "expired"
	LossDropped   LossReason = "dropped_disconnected"
	LossAbandoned LossReason = "abandoned_on_close"
)

// Loss describes one undelivered payload.
type Loss struct {
	MessageID string
	Reason    string
	Detail    string
	Body      []byte
	At        time.Time
}

// LossRecorder receives every undelivered payload. RecordLoss must not block.
type LossRecorder interface {
	RecordLoss(Loss)
}

// Config controls retry, queueing and shutdown.
type Config struct {
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	// QueueCapacity bounds pending payloads, the one in flight included.
	// It is at least 2 so a new payload always has room next to a send.
	QueueCapacity int
	// BufferWhileDisconnected queues payloads while not Connected. When
	// false they are dropped and counted instead.
	BufferWhileDisconnected bool
	ConnectTimeout          time.Duration
	SendTimeout             time.Duration
	// MaxSendWait bounds how long a payload may wait for delivery before it
	// is counted as lost.
	MaxSendWait  time.Duration
	FlushTimeout time.Duration

	Clock    timeutil.Clock   // nil uses the wall clock
	Losses   LossRecorder     // optional
	Registry metrics.Registry // nil creates a private registry
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		BackoffFloor:            cfg.GetBackoffFloor(),
		BackoffCeiling:          cfg.GetBackoffCeiling(),
		QueueCapacity:           cfg.GetQueueCapacity(),
		BufferWhileDisconnected: cfg.GetBufferWhileDisconnected(),
		ConnectTimeout:          cfg.GetConnectTimeout(),
		SendTimeout:             cfg.GetSendTimeout(),
		MaxSendWait:             cfg.GetMaxSendWait(),
		FlushTimeout:            cfg.GetFlushTimeout(),
	}
}

// Status is a point-in-time view of the publisher.
type Status struct {
	Transport      string        `json:"transport"`
	Phase          Phase         `json:"phase"`
	ConnectedSince time.Time     `json:"connected_since,omitempty"`
	LastSend       time.Time     `json:"last_send,omitempty"`
	Backoff        time.Duration `json:"backoff"`
	QueueDepth     int           `json:"queue_depth"`
	PendingRetries int           `json:"pending_retries"`
	LastError      string        `json:"last_error,omitempty"`
	Counters       Counters      `json:"counters"`
}

// Counters are the publisher's cumulative counts.
type Counters struct {
	Sent            int64 `json:"sent"`
	Lost            int64 `json:"lost"`
	Evicted         int64 `json:"evicted"`
	Expired         int64 `json:"expired"`
	Dropped         int64 `json:"dropped"`
	Abandoned       int64 `json:"abandoned"`
	SendFailures    int64 `json:"send_failures"`
	ConnectFailures int64 `json:"connect_failures"`
	Connects        int64 `json:"connects"`
}

type item struct {
	msg      Message
	enqueued time.Time
	attempts int
}

// Publisher is the resilient delivery worker.
type Publisher struct {
	cfg       Config
	transport Transport
	clock     timeutil.Clock
	losses    LossRecorder

	registry        metrics.Registry
	sent            metrics.Counter
	lost            metrics.Counter
	evicted         metrics.Counter
	expired         metrics.Counter
	dropped         metrics.Counter
	abandoned       metrics.Counter
	sendFailures    metrics.Counter
	connectFailures metrics.Counter
	connects        metrics.Counter
	queueDepth      metrics.Gauge

	mu             sync.Mutex
	queue          []item
	inflight       *item
	phase          Phase
	connectedSince time.Time
	lastSend       time.Time
	backoffCur     time.Duration
	lastErr        error
	closed         bool

	// worker-owned
	bo             *backoff.ExponentialBackOff
	timer          timeutil.Timer
	connectFailRun int

	// sendCtx bounds every transport call. Only Close cancels it, so a
	// cancelled worker context never cuts a send short.
	sendCtx     context.Context
	cancelSends context.CancelFunc

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New returns a Publisher over t. Call Start to launch the worker.
func New(t Transport, cfg Config) *Publisher {
	if cfg.QueueCapacity < 2 {
		cfg.QueueCapacity = 2
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = time.Second
	}
	if cfg.BackoffCeiling < cfg.BackoffFloor {
		cfg.BackoffCeiling = cfg.BackoffFloor
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 3 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Registry == nil {
		cfg.Registry = metrics.NewRegistry()
	}

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BackoffFloor,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.BackoffCeiling,
	}
	bo.Reset()

	reg := cfg.Registry
	sendCtx, cancelSends := context.WithCancel(context.Background())
	return &Publisher{
		cfg:             cfg,
		transport:       t,
		clock:           cfg.Clock,
		losses:          cfg.Losses,
		registry:        reg,
		sent:            metrics.NewRegisteredCounter("publisher.sent", reg),
		lost:            metrics.NewRegisteredCounter("publisher.lost", reg),
		evicted:         metrics.NewRegisteredCounter("publisher.evicted", reg),
		expired:         metrics.NewRegisteredCounter("publisher.expired", reg),
		dropped:         metrics.NewRegisteredCounter("publisher.dropped", reg),
		abandoned:       metrics.NewRegisteredCounter("publisher.abandoned", reg),
		sendFailures:    metrics.NewRegisteredCounter("publisher.send_failures", reg),
		connectFailures: metrics.NewRegisteredCounter("publisher.connect_failures", reg),
		connects:        metrics.NewRegisteredCounter("publisher.connects", reg),
		queueDepth:      metrics.NewRegisteredGauge("publisher.queue_depth", reg),
		phase:           PhaseDisconnected,
		backoffCur:      cfg.BackoffFloor,
		bo:              bo,
		sendCtx:         sendCtx,
		cancelSends:     cancelSends,
		wake:            make(chan struct{}, 1),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Registry exposes the publisher's metrics registry.
func (p *Publisher) Registry() metrics.Registry { return p.registry }

// Start launches the worker. It returns immediately; the first connection
// attempt happens on the worker.
func (p *Publisher) Start(ctx context.Context) {
	if p.stopping() || !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

// Enqueue hands a validated payload to the worker. It never blocks on I/O.
// ErrQueueOverflow means an older payload was evicted and the new one kept.
func (p *Publisher) Enqueue(v telemetry.Validated) error {
	msg := Message{ID: v.MessageID(), Body: v.Body()}
	now := p.clock.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if !p.cfg.BufferWhileDisconnected && p.phase != PhaseConnected {
		phase := p.phase
		p.mu.Unlock()
		p.dropped.Inc(1)
		p.recordLoss(item{msg: msg}, LossDropped, string(phase))
		return fmt.Errorf("%w: %s", ErrNotConnected, phase)
	}

	var victim *item
	// With capacity >= 2 a full publisher always has a queued payload to
	// evict; the one in flight is never touched.
	if p.pendingLocked() >= p.cfg.QueueCapacity {
		oldest := p.queue[0]
		victim = &oldest
		p.queue = p.queue[1:]
	}
	p.queue = append(p.queue, item{msg: msg, enqueued: now})
	p.queueDepth.Update(int64(p.pendingLocked()))
	p.mu.Unlock()

	p.signal()

	if victim != nil {
		p.evicted.Inc(1)
		p.recordLoss(*victim, LossEvicted, "queue full")
		return fmt.Errorf("%w: evicted %s", ErrQueueOverflow, victim.msg.ID)
	}
	return nil
}

func (p *Publisher) pendingLocked() int {
	n := len(p.queue)
	if p.inflight != nil {
		n++
	}
	return n
}

func (p *Publisher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) recordLoss(it item, reason LossReason, detail string) {
	p.lost.Inc(1)
	monitoring.Diagf("publisher: lost %s (%s: %s)", it.msg.ID, reason, detail)
	if p.losses != nil {
		p.losses.RecordLoss(Loss{
			MessageID: it.msg.ID,
			Reason:    string(reason),
			Detail:    detail,
			Body:      it.msg.Body,
			At:        p.clock.Now(),
		})
	}
}

// Pending returns the IDs of payloads awaiting delivery, oldest first.
func (p *Publisher) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, p.pendingLocked())
	if p.inflight != nil {
		ids = append(ids, p.inflight.msg.ID)
	}
	for _, it := range p.queue {
		ids = append(ids, it.msg.ID)
	}
	return ids
}

// Status returns the current connectivity state and counters.
func (p *Publisher) Status() Status {
	p.mu.Lock()
	s := Status{
		Transport:      p.transport.Name(),
		Phase:          p.phase,
		ConnectedSince: p.connectedSince,
		LastSend:       p.lastSend,
		Backoff:        p.backoffCur,
		QueueDepth:     p.pendingLocked(),
	}
	if p.inflight != nil {
		s.PendingRetries = p.inflight.attempts
	} else if len(p.queue) > 0 {
		s.PendingRetries = p.queue[0].attempts
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	p.mu.Unlock()

	s.Counters = Counters{
		Sent:            p.sent.Count(),
		Lost:            p.lost.Count(),
		Evicted:         p.evicted.Count(),
		Expired:         p.expired.Count(),
		Dropped:         p.dropped.Count(),
		Abandoned:       p.abandoned.Count(),
		SendFailures:    p.sendFailures.Count(),
		ConnectFailures: p.connectFailures.Count(),
		Connects:        p.connects.Count(),
	}
	return s
}

// Close stops the worker from whatever phase it is in. A send already in
// flight may finish; pending payloads are flushed, reconnecting once if
// needed. Whatever is still pending after FlushTimeout is counted as lost,
// then the transport is closed. Close is idempotent and safe to call
// without Start.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.stop)
		defer p.cancelSends()

		if !p.started.Load() {
			p.shutdown()
			return
		}
		deadline := time.AfterFunc(p.cfg.FlushTimeout, p.cancelSends)
		<-p.done
		deadline.Stop()
	})
	return p.closeErr
}

func (p *Publisher) setPhase(ph Phase) {
	p.mu.Lock()
	prev := p.phase
	p.phase = ph
	p.mu.Unlock()
	if prev != ph {
		monitoring.Diagf("publisher: %s -> %s", prev, ph)
	}
}

func (p *Publisher) stopping() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}
