// Package risk is the rule-based safety layer. It observes fills,
// order posts, and rotation-interval statistics, and answers the one
// question the execution engine must ask before acting: ShouldPause.
package risk

import (
	"fmt"
	"sort"
	"time"

	"github.com/hftlab/rotor/internal/config"
	"github.com/hftlab/rotor/internal/observ"
)

// Advice is the current recommended action set. All rules are
// evaluated independently and accumulate, except the kill-switch,
// which overrides everything.
type Advice struct {
	Killswitch     bool
	PausedUntil    time.Time // zero when not paused
	SizeMult       float64
	ForbidIOC      bool // average slippage too high: no IOC entries
	DeepenPostOnly bool // quote further from mid
	NeedHedge      bool
	Reason         string
}

// Notifier receives the kill-switch event for an external alerting
// channel.
type Notifier interface {
	Killswitch(symbol, reason string)
}

type stamped struct {
	t time.Time
	v float64
}

// Manager owns the per-instrument risk state. All mutation arrives
// through the single pipeline goroutine, so no internal locking is
// needed; cross-instrument managers are independent.
type Manager struct {
	symbol string
	cfg    config.Risk
	tick   float64

	notifier Notifier

	intervals []float64 // rolling rotation intervals, bounded
	impacts   []stamped // own-display / top-depth ratios
	slips     []stamped // fill slippage in ticks
	stopouts  []time.Time

	pausedUntil time.Time
	halted      bool
	needHedge   bool
	lastReason  string
}

const maxIntervalSamples = 120

func NewManager(symbol string, cfg config.Risk, tickSize float64, n Notifier) *Manager {
	return &Manager{symbol: symbol, cfg: cfg, tick: tickSize, notifier: n}
}

// ObserveInterval records one rotation interval. A rolling median
// above the configured ceiling means the pattern this strategy
// harvests is gone: flatten and halt, sticky until Reset.
func (m *Manager) ObserveInterval(interval float64, now time.Time) {
	m.intervals = append(m.intervals, interval)
	if len(m.intervals) > maxIntervalSamples {
		m.intervals = m.intervals[1:]
	}
	if med, ok := median(m.intervals); ok && med > m.cfg.MaxIntervalSec {
		m.halt(fmt.Sprintf("interval_median=%.2fs > %.1fs", med, m.cfg.MaxIntervalSec))
	}
	observ.Observe("rotation_interval_seconds", interval, map[string]string{"symbol": m.symbol})
}

// RegisterOrderPost records the displayed size of one of our own
// resting orders against the visible top depth.
func (m *Manager) RegisterOrderPost(display, topDepth float64, now time.Time) {
	if topDepth <= 0 {
		return
	}
	m.impacts = append(m.impacts, stamped{t: now, v: display / topDepth})
	m.trimImpacts(now)
	observ.SetGauge("risk_book_impact_window", m.impactSum(now), map[string]string{"symbol": m.symbol})
}

// RegisterFill records the fill's slippage versus the signal-time mid.
func (m *Manager) RegisterFill(fillPx, refMid float64, now time.Time) {
	if m.tick <= 0 {
		return
	}
	slip := absF(fillPx-refMid) / m.tick
	m.slips = append(m.slips, stamped{t: now, v: slip})
	m.trimSlips(now)
	observ.Observe("fill_slippage_ticks", slip, map[string]string{"symbol": m.symbol})
}

// RegisterStopout records a protective-stop exit. Too many within the
// trailing window pauses all new entries.
func (m *Manager) RegisterStopout(now time.Time) {
	m.stopouts = append(m.stopouts, now)
	m.trimStopouts(now)
	if len(m.stopouts) >= m.cfg.StopoutLimit {
		window := time.Duration(m.cfg.StopoutWindowSec) * time.Second
		if now.Sub(m.stopouts[0]) <= window {
			m.pausedUntil = now.Add(time.Duration(m.cfg.PauseSec) * time.Second)
			m.lastReason = fmt.Sprintf("%d stopouts within %ds", len(m.stopouts), m.cfg.StopoutWindowSec)
			observ.IncCounter("risk_pauses_total", map[string]string{"symbol": m.symbol, "reason": "stopouts"})
		}
	}
	observ.IncCounter("stopouts_total", map[string]string{"symbol": m.symbol})
}

// UpdateExposure reports net directional exposure against the
// short-horizon value-at-risk; breaching the fraction requests a
// hedge order.
func (m *Manager) UpdateExposure(netDelta, varShort float64) {
	m.needHedge = varShort > 0 && absF(netDelta) > m.cfg.HedgeVaRFraction*varShort
}

// Advice evaluates the rule table against the current windows.
func (m *Manager) Advice(now time.Time) Advice {
	adv := Advice{SizeMult: 1.0, Reason: m.lastReason}

	if sum := m.impactSum(now); sum > m.cfg.MaxBookImpact {
		adv.SizeMult = 0.5
		adv.Reason = fmt.Sprintf("book_impact=%.4f > %.4f", sum, m.cfg.MaxBookImpact)
	}
	if avg, ok := m.slipAvg(now); ok && avg > m.cfg.MaxSlippageTicks {
		adv.ForbidIOC = true
		adv.DeepenPostOnly = true
		adv.Reason = fmt.Sprintf("avg_slippage=%.2f ticks > %.2f", avg, m.cfg.MaxSlippageTicks)
	}
	if !m.pausedUntil.IsZero() {
		if now.Before(m.pausedUntil) {
			adv.PausedUntil = m.pausedUntil
		} else {
			m.pausedUntil = time.Time{} // pause expired
		}
	}
	adv.NeedHedge = m.needHedge
	adv.Killswitch = m.halted
	return adv
}

// ShouldPause is the single authoritative gate consulted before any
// externally visible action. Halt overrides every other rule.
func (m *Manager) ShouldPause(now time.Time) bool {
	if m.halted {
		return true
	}
	return !m.pausedUntil.IsZero() && now.Before(m.pausedUntil)
}

func (m *Manager) Halted() bool { return m.halted }

// Reset clears every flag and buffer. This is the only way out of a
// halt; the pipeline itself never clears it.
func (m *Manager) Reset() {
	m.intervals = nil
	m.impacts = nil
	m.slips = nil
	m.stopouts = nil
	m.pausedUntil = time.Time{}
	m.halted = false
	m.needHedge = false
	m.lastReason = ""
	observ.SetGauge("risk_halted", 0, map[string]string{"symbol": m.symbol})
}

func (m *Manager) halt(reason string) {
	if m.halted {
		return
	}
	m.halted = true
	m.lastReason = reason
	observ.SetGauge("risk_halted", 1, map[string]string{"symbol": m.symbol})
	observ.IncCounter("risk_killswitch_total", map[string]string{"symbol": m.symbol})
	observ.Log("killswitch", map[string]any{"symbol": m.symbol, "reason": reason})
	if m.notifier != nil {
		m.notifier.Killswitch(m.symbol, reason)
	}
}

func (m *Manager) impactSum(now time.Time) float64 {
	m.trimImpacts(now)
	s := 0.0
	for _, e := range m.impacts {
		s += e.v
	}
	return s
}

func (m *Manager) slipAvg(now time.Time) (float64, bool) {
	m.trimSlips(now)
	if len(m.slips) == 0 {
		return 0, false
	}
	s := 0.0
	for _, e := range m.slips {
		s += e.v
	}
	return s / float64(len(m.slips)), true
}

func (m *Manager) trimImpacts(now time.Time) {
	cut := now.Add(-time.Duration(m.cfg.ImpactWindowSec * float64(time.Second)))
	m.impacts = trimBefore(m.impacts, cut)
}

func (m *Manager) trimSlips(now time.Time) {
	cut := now.Add(-time.Duration(m.cfg.SlippageWindowSec * float64(time.Second)))
	m.slips = trimBefore(m.slips, cut)
}

func (m *Manager) trimStopouts(now time.Time) {
	cut := now.Add(-time.Duration(m.cfg.StopoutWindowSec) * time.Second)
	i := 0
	for i < len(m.stopouts) && m.stopouts[i].Before(cut) {
		i++
	}
	m.stopouts = m.stopouts[i:]
}

func trimBefore(xs []stamped, cut time.Time) []stamped {
	i := 0
	for i < len(xs) && xs[i].t.Before(cut) {
		i++
	}
	return xs[i:]
}

func median(xs []float64) (float64, bool) {
	if len(xs) == 0 {
		return 0, false
	}
	buf := make([]float64, len(xs))
	copy(buf, xs)
	sort.Float64s(buf)
	n := len(buf)
	if n%2 == 1 {
		return buf[n/2], true
	}
	return (buf[n/2-1] + buf[n/2]) / 2, true
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
