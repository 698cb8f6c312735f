// Package exec turns accepted signals into venue orders and manages
// their full lifecycle: post-only iceberg entries, TTL cancellation,
// OCO sibling handling, protective stops, and the timed unwind.
package exec

import (
	"context"
	"errors"
	"time"

	"github.com/hftlab/rotor/internal/config"
	"github.com/hftlab/rotor/internal/feed"
	"github.com/hftlab/rotor/internal/observ"
	"github.com/hftlab/rotor/internal/outbox"
	"github.com/hftlab/rotor/internal/risk"
	"github.com/hftlab/rotor/internal/signal"
)

// State is the lifecycle stage of an order pair.
type State string

const (
	StateIdle      State = "idle"
	StatePlaced    State = "placed"
	StateFilled    State = "filled"
	StateUnwinding State = "unwinding"
	StateClosed    State = "closed"
	StateCancelled State = "cancelled"
	StateRejected  State = "rejected"
)

// ErrPlaceWhileHalted means an order placement was attempted after the
// kill-switch engaged. The pipeline must never let this happen; it is
// a bug, not an operating condition.
var ErrPlaceWhileHalted = errors.New("exec: order placement attempted while halted")

type leg struct {
	handle   OrderHandle
	intent   OrderIntent
	state    State
	placedAt time.Time
	expireAt time.Time
	stopPx   float64 // protective level armed if this leg fills
	refMid   float64 // mid at signal time, slippage reference
}

type position struct {
	side       Side
	qty        float64
	entryPx    float64
	refMid     float64
	stopPx     float64
	traceID    string
	filledAt   time.Time
	unwindAt   time.Time
	timeStopAt time.Time

	exitID         string // order id of the in-flight flatten, empty until Unwinding
	exitHandle     OrderHandle
	exitAggressive bool
	exitReason     string
}

// FillRecorder receives every completed round trip for persistence.
type FillRecorder interface {
	RecordFill(f Fill, traceID string) error
}

// Engine owns at most one entry pair and one open position per
// instrument. All methods are called from the single pipeline
// goroutine with the snapshot clock as the time source, so behavior
// is identical live and in replay.
type Engine struct {
	symbol string
	tick   float64
	cfg    config.Exec
	rcfg   config.Risk

	venue Venue
	riskM *risk.Manager
	sizer Sizer
	dlog  *outbox.DecisionLog
	store FillRecorder

	legs     map[string]*leg
	pos      *position
	cooldown map[Side]time.Time
	period   time.Duration // latest rotation period, cooldown base
}

func NewEngine(symbol string, tickSize float64, cfg config.Exec, rcfg config.Risk,
	venue Venue, rm *risk.Manager, dlog *outbox.DecisionLog, store FillRecorder) *Engine {
	return &Engine{
		symbol:   symbol,
		tick:     tickSize,
		cfg:      cfg,
		rcfg:     rcfg,
		venue:    venue,
		riskM:    rm,
		sizer:    NewSizer(cfg),
		dlog:     dlog,
		store:    store,
		legs:     map[string]*leg{},
		cooldown: map[Side]time.Time{},
	}
}

// Exposure is the open maker size plus the absolute open position.
func (e *Engine) Exposure() float64 {
	x := 0.0
	for _, l := range e.legs {
		if l.state == StatePlaced {
			x += l.intent.Size
		}
	}
	if e.pos != nil {
		x += absF(e.pos.qty)
	}
	return x
}

// OnSignal places the entry order(s) for an accepted signal. The risk
// gate is consulted first and always wins.
func (e *Engine) OnSignal(ctx context.Context, sig *signal.Signal, snap feed.Snapshot, period time.Duration) error {
	now := snap.T
	if period > 0 {
		e.period = period
	}
	if e.riskM.ShouldPause(now) {
		observ.IncCounter("signals_suppressed_total", map[string]string{"symbol": e.symbol, "reason": "risk_pause"})
		return nil
	}
	if e.pos != nil || e.hasLiveLegs() {
		observ.IncCounter("signals_suppressed_total", map[string]string{"symbol": e.symbol, "reason": "busy"})
		return nil
	}

	advice := e.riskM.Advice(now)
	offset := e.cfg.OffsetTicksNormal
	if advice.DeepenPostOnly {
		offset = e.cfg.OffsetTicksDeep
	}
	size := e.sizer.Clip(snap.Mid, advice.SizeMult)
	if size <= 0 {
		return nil
	}

	for _, side := range e.entrySides(sig.Bias) {
		if until, ok := e.cooldown[side]; ok && now.Before(until) {
			observ.IncCounter("cooldown_skips_total", map[string]string{"symbol": e.symbol, "side": string(side)})
			continue
		}
		if e.Exposure()+size > e.cfg.MaxExposure {
			observ.IncCounter("signals_suppressed_total", map[string]string{"symbol": e.symbol, "reason": "exposure_cap"})
			continue
		}

		px := snap.Mid - offset*e.tick
		stopPx := snap.Mid - e.rcfg.StopTicks*e.tick
		if side == Sell {
			px = snap.Mid + offset*e.tick
			stopPx = snap.Mid + e.rcfg.StopTicks*e.tick
		}
		display := clamp(size*e.cfg.DisplayRatio, e.cfg.MinDisplay, size)

		intent := OrderIntent{
			Symbol:      e.symbol,
			Side:        side,
			Price:       px,
			Size:        size,
			DisplaySize: display,
			PostOnly:    true,
			TimeInForce: TIFGoodTillCancel,
			TraceID:     sig.TraceID,
		}
		if err := e.place(ctx, intent, now, stopPx, snap); err != nil {
			if errors.Is(err, ErrPlaceWhileHalted) {
				return err
			}
			// venue rejection: log and move on, no retry
			observ.IncCounter("orders_rejected_total", map[string]string{"symbol": e.symbol, "side": string(side)})
			observ.Log("order_rejected", map[string]any{
				"symbol": e.symbol, "side": side, "px": px, "err": err.Error(), "trace_id": sig.TraceID,
			})
			e.dlog.Append("order_rejected", map[string]any{"side": side, "px": px, "trace_id": sig.TraceID})
		}
	}
	return nil
}

func (e *Engine) place(ctx context.Context, intent OrderIntent, now time.Time, stopPx float64, snap feed.Snapshot) error {
	if e.riskM.Halted() {
		observ.Log("invariant_violation", map[string]any{"symbol": e.symbol, "what": "place_while_halted"})
		return ErrPlaceWhileHalted
	}
	h, err := e.venue.Submit(ctx, intent)
	if err != nil {
		return err
	}
	e.legs[h.ID] = &leg{
		handle:   h,
		intent:   intent,
		state:    StatePlaced,
		placedAt: now,
		expireAt: now.Add(time.Duration(e.cfg.OrderTTLMs) * time.Millisecond),
		stopPx:   stopPx,
		refMid:   snap.Mid,
	}
	e.riskM.RegisterOrderPost(intent.DisplaySize, snap.Depth, now)
	observ.IncCounter("orders_placed_total", map[string]string{"symbol": e.symbol, "side": string(intent.Side)})
	e.dlog.Append("order_placed", map[string]any{
		"side": intent.Side, "px": intent.Price, "size": intent.Size,
		"display": intent.DisplaySize, "trace_id": intent.TraceID,
	})
	return nil
}

// OnFill handles both entry and exit fills, routed by order id.
func (e *Engine) OnFill(ctx context.Context, f Fill) {
	now := f.T
	if e.pos != nil && f.OrderID == e.pos.exitID {
		e.closePosition(f, now)
		return
	}
	l, ok := e.legs[f.OrderID]
	if !ok || l.state != StatePlaced {
		observ.IncCounter("fills_unmatched_total", map[string]string{"symbol": e.symbol})
		return
	}
	l.state = StateFilled
	e.cancelSiblings(ctx, f.OrderID)

	e.pos = &position{
		side:       f.Side,
		qty:        f.Size,
		entryPx:    f.Price,
		refMid:     l.refMid,
		stopPx:     l.stopPx,
		traceID:    l.intent.TraceID,
		filledAt:   now,
		unwindAt:   now.Add(time.Duration(e.cfg.UnwindMs) * time.Millisecond),
		timeStopAt: now.Add(time.Duration(e.rcfg.TimeStopMs) * time.Millisecond),
	}
	e.riskM.RegisterFill(f.Price, l.refMid, now)
	if e.store != nil {
		if err := e.store.RecordFill(f, l.intent.TraceID); err != nil {
			observ.Log("store_error", map[string]any{"symbol": e.symbol, "err": err.Error()})
		}
	}
	observ.IncCounter("fills_total", map[string]string{"symbol": e.symbol, "side": string(f.Side)})
	e.dlog.Append("entry_fill", map[string]any{
		"side": f.Side, "px": f.Price, "size": f.Size, "trace_id": l.intent.TraceID,
	})
}

// cancelSiblings is the OCO rule: one entry filling cancels the rest.
func (e *Engine) cancelSiblings(ctx context.Context, filledID string) {
	for id, l := range e.legs {
		if id == filledID || l.state != StatePlaced {
			continue
		}
		if err := e.venue.Cancel(ctx, l.handle); err != nil {
			observ.Log("cancel_error", map[string]any{"symbol": e.symbol, "order_id": id, "err": err.Error()})
		}
		l.state = StateCancelled
		observ.IncCounter("orders_cancelled_total", map[string]string{"symbol": e.symbol, "reason": "oco"})
	}
}

// OnSnapshot advances every deadline against the snapshot clock: entry
// TTLs, protective stops, spread collapse, the scheduled unwind, and
// the hard time-stop. The first exit trigger to fire wins.
func (e *Engine) OnSnapshot(ctx context.Context, snap feed.Snapshot) {
	now := snap.T
	e.expireLegs(ctx, now)

	if e.riskM.Halted() {
		e.FlattenAll(ctx, snap, "killswitch")
		return
	}
	if e.pos == nil {
		return
	}
	p := e.pos

	// a passive exit left resting past the hard time-stop gets
	// cancelled and replaced with a taking one
	if p.exitID != "" {
		if !p.exitAggressive && !now.Before(p.timeStopAt) {
			if err := e.venue.Cancel(ctx, p.exitHandle); err != nil {
				observ.Log("cancel_error", map[string]any{"symbol": e.symbol, "order_id": p.exitID, "err": err.Error()})
			}
			p.exitID = ""
			e.flatten(ctx, snap, "time_stop", true)
		}
		return
	}

	stopped := (p.side == Buy && snap.Mid <= p.stopPx) || (p.side == Sell && snap.Mid >= p.stopPx)
	switch {
	case stopped:
		e.riskM.RegisterStopout(now)
		e.flatten(ctx, snap, "stop", true)
	case snap.SpreadTicks <= e.cfg.SpreadCollapseTicks:
		edge := e.riskM.Advice(now)
		// forced IOC only if risk has not banned taking; otherwise
		// rest a deepened post-only exit and let the time-stop back it up
		e.flatten(ctx, snap, "spread_collapse", !edge.ForbidIOC)
	case !now.Before(p.timeStopAt):
		e.flatten(ctx, snap, "time_stop", true)
	case !now.Before(p.unwindAt):
		edge := e.riskM.Advice(now)
		e.flatten(ctx, snap, "unwind", !edge.ForbidIOC)
	}
}

func (e *Engine) expireLegs(ctx context.Context, now time.Time) {
	for id, l := range e.legs {
		if l.state != StatePlaced || now.Before(l.expireAt) {
			continue
		}
		if err := e.venue.Cancel(ctx, l.handle); err != nil {
			observ.Log("cancel_error", map[string]any{"symbol": e.symbol, "order_id": id, "err": err.Error()})
		}
		l.state = StateCancelled // TTL expiry starts no cooldown
		observ.IncCounter("orders_cancelled_total", map[string]string{"symbol": e.symbol, "reason": "ttl"})
		e.dlog.Append("order_expired", map[string]any{"side": l.intent.Side, "trace_id": l.intent.TraceID})
	}
}

// flatten submits the exit for the open position. aggressive exits
// cross the spread IOC; passive ones rest post-only a tick beyond mid.
func (e *Engine) flatten(ctx context.Context, snap feed.Snapshot, reason string, aggressive bool) {
	p := e.pos
	if p == nil || p.exitID != "" {
		return
	}
	exitSide := p.side.Opposite()
	half := snap.SpreadTicks / 2 * e.tick

	intent := OrderIntent{
		Symbol:     e.symbol,
		Side:       exitSide,
		Size:       p.qty,
		ReduceOnly: true,
		TraceID:    p.traceID,
	}
	if aggressive {
		intent.TimeInForce = TIFImmediate
		if exitSide == Sell {
			intent.Price = snap.Mid - half - e.tick
		} else {
			intent.Price = snap.Mid + half + e.tick
		}
	} else {
		intent.TimeInForce = TIFGoodTillCancel
		intent.PostOnly = true
		if exitSide == Sell {
			intent.Price = snap.Mid + e.cfg.OffsetTicksDeep*e.tick
		} else {
			intent.Price = snap.Mid - e.cfg.OffsetTicksDeep*e.tick
		}
	}
	intent.DisplaySize = intent.Size

	h, err := e.venue.Submit(ctx, intent)
	if err != nil {
		observ.Log("flatten_rejected", map[string]any{"symbol": e.symbol, "reason": reason, "err": err.Error()})
		observ.IncCounter("orders_rejected_total", map[string]string{"symbol": e.symbol, "side": string(exitSide)})
		return // retried on the next snapshot, deadline still armed
	}
	p.exitID = h.ID
	p.exitHandle = h
	p.exitAggressive = aggressive
	p.exitReason = reason
	observ.IncCounter("exits_total", map[string]string{"symbol": e.symbol, "reason": reason})
	e.dlog.Append("exit_submitted", map[string]any{
		"reason": reason, "side": exitSide, "px": intent.Price, "trace_id": p.traceID,
	})
}

func (e *Engine) closePosition(f Fill, now time.Time) {
	p := e.pos
	e.riskM.RegisterFill(f.Price, p.refMid, now)
	if e.store != nil {
		if err := e.store.RecordFill(f, p.traceID); err != nil {
			observ.Log("store_error", map[string]any{"symbol": e.symbol, "err": err.Error()})
		}
	}
	// same-side cooldown so the next rotation window is sat out
	if e.period > 0 {
		e.cooldown[p.side] = now.Add(time.Duration(e.cfg.CooldownFactor * float64(e.period)))
	}
	pnl := (f.Price - p.entryPx) * p.qty
	if p.side == Sell {
		pnl = -pnl
	}
	observ.Observe("round_trip_pnl", pnl, map[string]string{"symbol": e.symbol})
	e.dlog.Append("position_closed", map[string]any{
		"reason": p.exitReason, "entry_px": p.entryPx, "exit_px": f.Price,
		"qty": p.qty, "pnl": pnl, "trace_id": p.traceID,
	})
	e.pos = nil
	e.gcLegs()
}

// FlattenAll cancels every resting leg and force-exits any open
// position. Used by the kill-switch path and on shutdown.
func (e *Engine) FlattenAll(ctx context.Context, snap feed.Snapshot, reason string) {
	for id, l := range e.legs {
		if l.state != StatePlaced {
			continue
		}
		if err := e.venue.Cancel(ctx, l.handle); err != nil {
			observ.Log("cancel_error", map[string]any{"symbol": e.symbol, "order_id": id, "err": err.Error()})
		}
		l.state = StateCancelled
	}
	if e.pos != nil {
		if e.pos.exitID != "" && !e.pos.exitAggressive {
			if err := e.venue.Cancel(ctx, e.pos.exitHandle); err != nil {
				observ.Log("cancel_error", map[string]any{"symbol": e.symbol, "order_id": e.pos.exitID, "err": err.Error()})
			}
			e.pos.exitID = ""
		}
		if e.pos.exitID == "" {
			e.flatten(ctx, snap, reason, true)
		}
	}
}

// PositionOpen reports whether an entry fill is still being worked.
func (e *Engine) PositionOpen() bool { return e.pos != nil }

func (e *Engine) hasLiveLegs() bool {
	for _, l := range e.legs {
		if l.state == StatePlaced {
			return true
		}
	}
	return false
}

func (e *Engine) gcLegs() {
	for id, l := range e.legs {
		switch l.state {
		case StatePlaced:
		default:
			delete(e.legs, id)
		}
	}
}

func (e *Engine) entrySides(bias string) []Side {
	mode := e.cfg.SideMode
	switch mode {
	case "buy":
		return []Side{Buy}
	case "sell":
		return []Side{Sell}
	}
	switch bias {
	case string(Buy):
		return []Side{Buy}
	case string(Sell):
		return []Side{Sell}
	}
	return []Side{Buy, Sell}
}

// clamp bounds v to [lo, hi]; when lo exceeds hi the upper bound wins,
// so a MinDisplay above the total still yields a valid order.
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
