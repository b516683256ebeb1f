// Package engine is the entry point callers drive: it resolves departures,
// runs slot transitions inside the store's serialization boundaries, feeds
// position readings to the geofence, and reports what happened through
// metrics and events.
package engine

import (
	"sync"
	"time"

	"shuttle-slots/internal/geo"
	"shuttle-slots/internal/model"
	"shuttle-slots/internal/store"
)

type Config struct {
	ConfirmationRadius float64       // meters
	DeviationRadius    float64       // meters
	ExpiryGrace        time.Duration // after departure, before Reserved slots expire
	SweepInterval      time.Duration
	SweepBatch         int
}

// Publisher receives committed state changes. Failures are logged, never returned to callers.
type Publisher interface {
	PublishSlot(kind string, s model.Slot, at time.Time) error
	PublishDeviation(kind string, d model.DeviationRecord, distance float64, at time.Time) error
	PublishFill(f model.FillRecord, at time.Time) error
}

// Metrics is implemented by metrics.Collector.
type Metrics interface {
	AllocationInc(outcome string)
	TransitionInc(to model.SlotState)
	InvalidTransitionInc()
	PromotionInc()
	DeviationInc(change string)
	PositionInc(origin model.OriginKind)
	NoDeterminationInc()
	FillInc(mode model.FillMode)
	OpObserve(op string, d time.Duration)
}

type Engine struct {
	store   store.Store
	eval    geo.Evaluator
	cfg     Config
	pub     Publisher
	metrics Metrics
	now     func() time.Time

	sweepCancel func()
	sweepWG     sync.WaitGroup
}

type Option func(*Engine)

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.pub = p } }
func WithMetrics(m Metrics) Option     { return func(e *Engine) { e.metrics = m } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(st store.Store, cfg Config, opts ...Option) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	e := &Engine{
		store: st,
		eval:  geo.NewEvaluator(cfg.ConfirmationRadius, cfg.DeviationRadius),
		cfg:   cfg,
		now:   time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluator returns the geofence thresholds in effect.
func (e *Engine) Evaluator() geo.Evaluator { return e.eval }

func (e *Engine) observe(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.OpObserve(op, time.Since(start))
	}
}
