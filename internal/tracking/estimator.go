package tracking

import (
	"math"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/gauge.report/internal/detection"
)

// State is the lifecycle state of an estimator.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateTracking      State = "tracking"
	StateLost          State = "lost"
)

// TrackState is a read-only snapshot of one entity's estimate. Positions and
// velocities are in pixel space.
type TrackState struct {
	EntityID         string     `json:"entity_id"`
	State            State      `json:"state"`
	Position         orb.Point  `json:"position"`
	Velocity         orb.Point  `json:"velocity"`
	PositionVariance [2]float64 `json:"position_variance"`
	Confidence       float64    `json:"confidence"`
	Hits             int        `json:"hits"`
	Misses           int        `json:"misses"`
	LastObserved     time.Time  `json:"last_observed"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Usable reports whether the estimate may feed a distance computation.
func (s TrackState) Usable() bool { return s.State == StateTracking }

// measurement matrix H: observe x and y only.
var obsH = mat.NewDense(2, 4, []float64{
	1, 0, 0, 0,
	0, 1, 0, 0,
})

// Estimator is a constant-velocity Kalman filter over [x, y, vx, vy].
type Estimator struct {
	id  string
	cfg Config

	mu       sync.RWMutex
	state    State
	x        *mat.VecDense
	p        *mat.Dense
	lastTs   time.Time
	lastSeen time.Time
	lastConf float64
	hits     int
	misses   int
}

// NewEstimator returns an Uninitialized estimator for entity id.
func NewEstimator(id string, cfg Config) *Estimator {
	return &Estimator{id: id, cfg: cfg, state: StateUninitialized}
}

// Observe folds one observation into the estimate. The first observation
// after Uninitialized or Lost initialises position at the observation with
// zero velocity.
func (e *Estimator) Observe(obs detection.Observation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateTracking {
		e.init(obs)
		return
	}

	dt := obs.Timestamp.Sub(e.lastTs).Seconds()
	if dt > 0 {
		e.predict(dt)
	}
	e.update(obs.Position, obs.Confidence)

	e.lastTs = laterOf(e.lastTs, obs.Timestamp)
	e.lastSeen = obs.Timestamp
	e.lastConf = obs.Confidence
	e.hits++
	e.misses = 0
}

// Miss advances the estimate to ts without a measurement.
func (e *Estimator) Miss(ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateTracking {
		return
	}

	if dt := ts.Sub(e.lastTs).Seconds(); dt > 0 {
		e.predict(dt)
		e.lastTs = ts
	}
	e.p.Set(0, 0, e.p.At(0, 0)+e.cfg.OcclusionCovInflation)
	e.p.Set(1, 1, e.p.At(1, 1)+e.cfg.OcclusionCovInflation)
	e.capCovariance()

	e.misses++
	if e.misses > e.cfg.MaxMisses {
		e.state = StateLost
	}
}

func (e *Estimator) init(obs detection.Observation) {
	e.x = mat.NewVecDense(4, []float64{obs.Position[0], obs.Position[1], 0, 0})
	r := e.cfg.MeasurementNoise
	v := e.cfg.InitialVelocityVariance
	e.p = mat.NewDense(4, 4, []float64{
		r, 0, 0, 0,
		0, r, 0, 0,
		0, 0, v, 0,
		0, 0, 0, v,
	})
	e.state = StateTracking
	e.lastTs = obs.Timestamp
	e.lastSeen = obs.Timestamp
	e.lastConf = obs.Confidence
	e.hits = 1
	e.misses = 0
}

// predict applies x' = F x and P' = F P Fᵀ + Q·dt.
func (e *Estimator) predict(dt float64) {
	if e.cfg.MaxPredictDt > 0 && dt > e.cfg.MaxPredictDt {
		dt = e.cfg.MaxPredictDt
	}

	f := mat.NewDense(4, 4, []float64{
		1, 0, dt, 0,
		0, 1, 0, dt,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})

	var x mat.VecDense
	x.MulVec(f, e.x)
	e.x = &x

	var fp, fpf mat.Dense
	fp.Mul(f, e.p)
	fpf.Mul(&fp, f.T())
	qp := e.cfg.ProcessNoisePos * dt
	qv := e.cfg.ProcessNoiseVel * dt
	fpf.Set(0, 0, fpf.At(0, 0)+qp)
	fpf.Set(1, 1, fpf.At(1, 1)+qp)
	fpf.Set(2, 2, fpf.At(2, 2)+qv)
	fpf.Set(3, 3, fpf.At(3, 3)+qv)
	e.p = &fpf
	e.capCovariance()
}

// update applies the measurement z. Measurement noise scales inversely with
// confidence, so a doubtful detection moves the estimate less.
func (e *Estimator) update(z orb.Point, confidence float64) {
	r := e.cfg.MeasurementNoise / math.Max(confidence, MinConfidenceWeight)

	// S = H P Hᵀ + R
	var hp, s mat.Dense
	hp.Mul(obsH, e.p)
	s.Mul(&hp, obsH.T())
	s.Set(0, 0, s.At(0, 0)+r)
	s.Set(1, 1, s.At(1, 1)+r)

	if mat.Det(&s) < MinDeterminantThreshold {
		return
	}
	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return
	}

	// K = P Hᵀ S⁻¹
	var pht, k mat.Dense
	pht.Mul(e.p, obsH.T())
	k.Mul(&pht, &sInv)

	innovation := mat.NewVecDense(2, []float64{
		z[0] - e.x.AtVec(0),
		z[1] - e.x.AtVec(1),
	})
	var dx mat.VecDense
	dx.MulVec(&k, innovation)
	e.x.AddVec(e.x, &dx)

	// P = (I - K H) P
	var kh, ikh, p mat.Dense
	kh.Mul(&k, obsH)
	ikh.Sub(eye4, &kh)
	p.Mul(&ikh, e.p)
	e.p = &p

	e.floorCovariance()
	e.capCovariance()
}

var eye4 = mat.NewDiagDense(4, []float64{1, 1, 1, 1})

func (e *Estimator) floorCovariance() {
	for i := 0; i < 4; i++ {
		if e.p.At(i, i) < e.cfg.UncertaintyFloor {
			e.p.Set(i, i, e.cfg.UncertaintyFloor)
		}
	}
}

func (e *Estimator) capCovariance() {
	if e.cfg.MaxCovarianceDiag <= 0 {
		return
	}
	for i := 0; i < 4; i++ {
		if e.p.At(i, i) > e.cfg.MaxCovarianceDiag {
			e.p.Set(i, i, e.cfg.MaxCovarianceDiag)
		}
	}
}

// State returns a snapshot of the estimate.
func (e *Estimator) State() TrackState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ts := TrackState{
		EntityID:     e.id,
		State:        e.state,
		Hits:         e.hits,
		Misses:       e.misses,
		LastObserved: e.lastSeen,
		UpdatedAt:    e.lastTs,
	}
	if e.x == nil {
		return ts
	}
	ts.Position = orb.Point{e.x.AtVec(0), e.x.AtVec(1)}
	ts.Velocity = orb.Point{e.x.AtVec(2), e.x.AtVec(3)}
	ts.PositionVariance = [2]float64{e.p.At(0, 0), e.p.At(1, 1)}
	if e.state == StateTracking {
		decay := 1 - float64(e.misses)/float64(e.cfg.MaxMisses+1)
		ts.Confidence = e.lastConf * decay
	}
	return ts
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
