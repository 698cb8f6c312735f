// Package engine wires one instrument's pipeline together: feature
// feed, rotation detector, signal gate, execution engine, and the risk
// manager observing every stage. The whole pipeline runs on a single
// goroutine per instrument; instruments never share state.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/hftlab/rotor/internal/config"
	"github.com/hftlab/rotor/internal/exec"
	"github.com/hftlab/rotor/internal/feed"
	"github.com/hftlab/rotor/internal/observ"
	"github.com/hftlab/rotor/internal/outbox"
	"github.com/hftlab/rotor/internal/risk"
	"github.com/hftlab/rotor/internal/rotation"
	"github.com/hftlab/rotor/internal/signal"
)

// MarkingVenue is a venue whose book is driven by our own snapshot
// stream. MarkQuote advances it and surfaces resulting fills.
type MarkingVenue interface {
	exec.Venue
	MarkQuote(snap feed.Snapshot) []exec.Fill
}

const intervalObsCadence = 500 * time.Millisecond

// Orchestrator owns the event loop for one instrument.
type Orchestrator struct {
	symbol string
	cfg    config.Root

	src      feed.Source
	detector *rotation.Detector
	gate     *signal.Gate
	engine   *exec.Engine
	riskM    *risk.Manager
	venue    MarkingVenue
	dlog     *outbox.DecisionLog

	// live enables wall-clock staleness checks; replay runs purely on
	// snapshot timestamps.
	live bool

	lastT           time.Time
	lastIntervalObs time.Time
}

func New(cfg config.Root, src feed.Source, det *rotation.Detector, gate *signal.Gate,
	eng *exec.Engine, rm *risk.Manager, mv MarkingVenue, dlog *outbox.DecisionLog, live bool) *Orchestrator {
	o := &Orchestrator{
		symbol:   cfg.Symbol.Name,
		cfg:      cfg,
		src:      src,
		detector: det,
		gate:     gate,
		engine:   eng,
		riskM:    rm,
		venue:    mv,
		dlog:     dlog,
		live:     live,
	}
	gate.OnEval = o.onGateEval
	return o
}

// Run consumes snapshots until the context ends, then best-effort
// flattens whatever is still open.
func (o *Orchestrator) Run(ctx context.Context) {
	var last feed.Snapshot
	for {
		select {
		case <-ctx.Done():
			o.shutdown(last)
			return
		case snap, ok := <-o.src.Snapshots():
			if !ok {
				o.shutdown(last)
				return
			}
			last = snap
			o.Step(ctx, snap)
		}
	}
}

// Step processes one snapshot. Exported so replay can drive the
// pipeline without a goroutine.
func (o *Orchestrator) Step(ctx context.Context, snap feed.Snapshot) {
	if !o.lastT.IsZero() && snap.T.Before(o.lastT) {
		observ.IncCounter("snapshots_out_of_order_total", map[string]string{"symbol": o.symbol})
		return
	}
	o.lastT = snap.T

	for _, f := range o.venue.MarkQuote(snap) {
		o.engine.OnFill(ctx, f)
	}

	stale := snap.Stale
	if o.live && time.Since(snap.T) > time.Duration(o.cfg.Latency.MaxStalenessMs)*time.Millisecond {
		stale = true
	}

	if !stale {
		o.detector.Update(snap.T, snap.Depth, snap.SpreadTicks)
	}
	est := o.detector.Current()
	o.observeInterval(est, snap.T)

	// deadlines advance on every snapshot, stale or not
	o.engine.OnSnapshot(ctx, snap)

	if stale {
		observ.IncCounter("snapshots_stale_skipped_total", map[string]string{"symbol": o.symbol, "stage": "evaluate"})
		return
	}

	if phase, ok := o.detector.Phase(snap.T); ok {
		snap = snap.WithPhase(phase)
	}
	sig := o.gate.Evaluate(snap, est)
	if sig == nil {
		return
	}
	if o.live && time.Since(snap.T) > time.Duration(o.cfg.Latency.MaxStalenessMs)*time.Millisecond {
		observ.IncCounter("snapshots_stale_skipped_total", map[string]string{"symbol": o.symbol, "stage": "pre_order"})
		return
	}
	o.dlog.Append("signal", map[string]any{
		"mid": sig.Mid, "bias": sig.Bias, "trace_id": sig.TraceID,
	})
	if err := o.engine.OnSignal(ctx, sig, snap, est.Period); err != nil {
		if errors.Is(err, exec.ErrPlaceWhileHalted) {
			observ.IncCounter("invariant_violations_total", map[string]string{"symbol": o.symbol})
		}
		observ.Log("engine_error", map[string]any{"symbol": o.symbol, "err": err.Error()})
	}
}

// ResetRisk clears a sticky halt. This is the operator entry point;
// nothing inside the pipeline calls it.
func (o *Orchestrator) ResetRisk() {
	o.riskM.Reset()
	observ.Log("risk_reset", map[string]any{"symbol": o.symbol})
	o.dlog.Append("risk_reset", map[string]any{})
}

func (o *Orchestrator) observeInterval(est rotation.Estimate, now time.Time) {
	if !est.HasPeriod() {
		return
	}
	if !o.lastIntervalObs.IsZero() && now.Sub(o.lastIntervalObs) < intervalObsCadence {
		return
	}
	o.lastIntervalObs = now
	o.riskM.ObserveInterval(est.Period.Seconds(), now)
	observ.SetGauge("rotation_period_seconds", est.Period.Seconds(), map[string]string{"symbol": o.symbol})
}

func (o *Orchestrator) onGateEval(tr signal.Trace) {
	if tr.AllPass() {
		observ.IncCounter("signals_total", map[string]string{"symbol": o.symbol})
		return
	}
	miss := func(name string, ok bool) {
		if !ok {
			observ.IncCounter("gate_misses_total", map[string]string{"symbol": o.symbol, "gate": name})
		}
	}
	miss("phase", tr.PhaseOK)
	miss("depth", tr.DepthOK)
	miss("spread", tr.SpreadOK)
	miss("imbalance", tr.ImbalanceOK)

	// near-miss: phase aligned but microstructure not thin enough yet
	if tr.PhaseOK && !tr.AllPass() {
		o.dlog.Append("gate_near_miss", map[string]any{
			"depth_ok": tr.DepthOK, "spread_ok": tr.SpreadOK, "imbalance_ok": tr.ImbalanceOK,
			"depth": tr.Depth, "depth_median": tr.DepthMedian,
			"spread_ticks": tr.SpreadTicks, "imbalance": tr.Imbalance,
		})
	}
}

func (o *Orchestrator) shutdown(last feed.Snapshot) {
	// detached context: the parent is already cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !last.T.IsZero() {
		o.engine.FlattenAll(ctx, last, "shutdown")
		for _, f := range o.venue.MarkQuote(last) {
			o.engine.OnFill(ctx, f)
		}
	}
	observ.Log("pipeline_stopped", map[string]any{"symbol": o.symbol, "position_open": o.engine.PositionOpen()})
}
