package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/banshee-data/gauge.report/internal/monitoring"
)

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)
	monitoring.Opsf("publisher: worker started (%s)", p.transport.Name())

	for {
		if p.stopping() || ctx.Err() != nil {
			p.shutdown()
			return
		}

		p.mu.Lock()
		phase := p.phase
		p.mu.Unlock()

		switch phase {
		case PhaseDisconnected, PhaseConnecting:
			p.connect()
		case PhaseBackoff:
			p.waitBackoff(ctx)
		case PhaseConnected:
			p.deliver(ctx)
		}
	}
}

// connect makes one connection attempt. A success that ends a run of
// connect failures resets the backoff to its floor; a reconnect after a
// failed send does not, so repeated send failures keep doubling.
func (p *Publisher) connect() {
	p.setPhase(PhaseConnecting)

	if err := p.dial(p.sendCtx); err != nil {
		p.connectFailRun++
		monitoring.Opsf("publisher: connect to %s failed: %v", p.transport.Name(), err)
		p.enterBackoff(err)
		return
	}

	recovered := p.connectFailRun > 0
	p.connectFailRun = 0
	if recovered {
		p.bo.Reset()
	}
	now := p.clock.Now()
	p.mu.Lock()
	p.phase = PhaseConnected
	p.connectedSince = now
	p.lastErr = nil
	if recovered {
		p.backoffCur = p.cfg.BackoffFloor
	}
	p.mu.Unlock()
	monitoring.Opsf("publisher: connected to %s", p.transport.Name())
}

func (p *Publisher) dial(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	if err := p.transport.Connect(cctx); err != nil {
		p.connectFailures.Inc(1)
		return err
	}
	p.connects.Inc(1)
	return nil
}

// enterBackoff arms the retry timer before publishing the Backoff phase so
// an observer that sees Backoff can rely on the timer existing.
func (p *Publisher) enterBackoff(cause error) {
	d := p.bo.NextBackOff()
	if d == backoff.Stop || d > p.cfg.BackoffCeiling {
		d = p.cfg.BackoffCeiling
	}
	p.timer = p.clock.NewTimer(d)

	p.mu.Lock()
	p.phase = PhaseBackoff
	p.backoffCur = d
	p.connectedSince = time.Time{}
	p.lastErr = fmt.Errorf("%w: %v", ErrDeliveryFailure, cause)
	p.mu.Unlock()
	monitoring.Diagf("publisher: backing off %s", d)
}

func (p *Publisher) waitBackoff(ctx context.Context) {
	select {
	case <-p.timer.C():
		p.setPhase(PhaseDisconnected)
	case <-p.stop:
		p.timer.Stop()
	case <-ctx.Done():
		p.timer.Stop()
	}
}

// deliver sends the oldest pending payload, or waits for one.
func (p *Publisher) deliver(ctx context.Context) {
	it, ok := p.take()
	if !ok {
		select {
		case <-p.wake:
		case <-p.stop:
		case <-ctx.Done():
		}
		return
	}

	if p.cfg.MaxSendWait > 0 && p.clock.Since(it.enqueued) > p.cfg.MaxSendWait {
		p.finish()
		p.expired.Inc(1)
		p.recordLoss(it, LossExpired, fmt.Sprintf("waited %s after %d attempts", p.clock.Since(it.enqueued), it.attempts))
		return
	}

	sctx, cancel := context.WithTimeout(p.sendCtx, p.cfg.SendTimeout)
	err := p.transport.Send(sctx, it.msg)
	cancel()
	if err != nil {
		p.sendFailures.Inc(1)
		it.attempts++
		p.requeue(it)
		monitoring.Opsf("publisher: send %s failed (attempt %d): %v", it.msg.ID, it.attempts, err)
		if cerr := p.transport.Close(); cerr != nil {
			monitoring.Diagf("publisher: close after failure: %v", cerr)
		}
		p.enterBackoff(err)
		return
	}

	p.finish()
	p.sent.Inc(1)
	p.bo.Reset()
	now := p.clock.Now()
	p.mu.Lock()
	p.lastSend = now
	p.backoffCur = p.cfg.BackoffFloor
	p.mu.Unlock()
	monitoring.Tracef("publisher: sent %s (%d bytes)", it.msg.ID, len(it.msg.Body))
}

// take moves the oldest queued payload in flight.
func (p *Publisher) take() (item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return item{}, false
	}
	it := p.queue[0]
	p.queue = p.queue[1:]
	p.inflight = &it
	return it, true
}

// finish clears the in-flight slot after delivery or expiry.
func (p *Publisher) finish() {
	p.mu.Lock()
	p.inflight = nil
	p.queueDepth.Update(int64(p.pendingLocked()))
	p.mu.Unlock()
}

// requeue puts a failed payload back at the head. If the queue filled up
// while it was in flight it is the oldest entry, so it is the one evicted.
func (p *Publisher) requeue(it item) {
	p.mu.Lock()
	p.inflight = nil
	full := len(p.queue) >= p.cfg.QueueCapacity
	if !full {
		p.queue = append([]item{it}, p.queue...)
	}
	p.queueDepth.Update(int64(p.pendingLocked()))
	p.mu.Unlock()

	if full {
		p.evicted.Inc(1)
		p.recordLoss(it, LossEvicted, "queue full after failed send")
	}
}

func (p *Publisher) shutdown() {
	fctx, cancel := context.WithTimeout(p.sendCtx, p.cfg.FlushTimeout)
	defer cancel()

	p.mu.Lock()
	pending := len(p.queue)
	connected := p.phase == PhaseConnected
	p.mu.Unlock()

	if pending > 0 && !connected && fctx.Err() == nil {
		p.setPhase(PhaseConnecting)
		if err := p.dial(fctx); err != nil {
			monitoring.Opsf("publisher: reconnect for flush failed: %v", err)
		} else {
			connected = true
		}
	}
	if pending > 0 && connected {
		p.flush(fctx)
	}
	p.abandonAll()

	if err := p.transport.Close(); err != nil {
		p.closeErr = err
	}
	p.setPhase(PhaseDisconnected)
	s := p.Status().Counters
	monitoring.Opsf("publisher: closed, sent=%d lost=%d", s.Sent, s.Lost)
}

// flush tries to deliver everything still queued before fctx expires.
func (p *Publisher) flush(fctx context.Context) {
	for fctx.Err() == nil {
		it, ok := p.take()
		if !ok {
			return
		}
		sctx, scancel := context.WithTimeout(fctx, p.cfg.SendTimeout)
		err := p.transport.Send(sctx, it.msg)
		scancel()
		if err != nil {
			p.sendFailures.Inc(1)
			p.requeue(it)
			monitoring.Opsf("publisher: flush stopped: %v", err)
			return
		}
		p.finish()
		p.sent.Inc(1)
		now := p.clock.Now()
		p.mu.Lock()
		p.lastSend = now
		p.mu.Unlock()
	}
}

func (p *Publisher) abandonAll() {
	p.mu.Lock()
	rest := p.queue
	p.queue = nil
	p.queueDepth.Update(0)
	p.mu.Unlock()

	for _, it := range rest {
		p.abandoned.Inc(1)
		p.recordLoss(it, LossAbandoned, "publisher closed")
	}
}
