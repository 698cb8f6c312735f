// Package rotation estimates the dominant repeating interval in the
// depth/spread series and decides whether the boundary effect is
// statistically real.
package rotation

import (
	"math"
	"time"

	"github.com/hftlab/rotor/internal/config"
)

// Estimate is the result of one recomputation. Superseded, never
// mutated.
type Estimate struct {
	Period    time.Duration // 0 when no stable period was found
	Score     float64       // combined autocorrelation at the chosen lag
	PDepth    float64       // one-sided p: depth lower near boundary
	PSpread   float64       // one-sided p: spread higher near boundary
	Tested    bool          // significance test had enough samples
	NBoundary int
	Active    bool
}

func (e Estimate) HasPeriod() bool { return e.Period > 0 }

// Detector keeps rolling depth/spread series on the feature clock and
// recomputes the period estimate at a coarser cadence.
type Detector struct {
	dt        float64 // feature clock step, seconds
	windowSec float64
	periodMin float64
	periodMax float64
	pThresh   float64
	halfwidth float64 // phase band half-width, fraction of the period
	minOn     int
	minOff    int

	// lag agreement required between the depth and spread series, in
	// grid steps, before a candidate period is accepted
	stabilityTol int

	buf      *ring
	lastEval float64
	est      Estimate
}

func NewDetector(cfg config.Signal, rot config.Rotation) *Detector {
	dt := float64(rot.CadenceMs) / 1000.0
	if dt <= 0 {
		dt = 0.1
	}
	window := cfg.RollSec
	if window <= 0 {
		window = 30.0
	}
	return &Detector{
		dt:           dt,
		windowSec:    window,
		periodMin:    rot.PeriodMinSec,
		periodMax:    rot.PeriodMaxSec,
		pThresh:      rot.PThreshold,
		halfwidth:    clampHalfwidth(cfg.Z),
		minOn:        rot.MinBoundaryCount,
		minOff:       rot.MinInteriorCount,
		stabilityTol: 2,
		buf:          newRing(int(window/dt) + 4),
	}
}

// ClampHalfwidth keeps the phase band physically meaningful: the two
// boundary bands must not cover the whole period.
func clampHalfwidth(z float64) float64 {
	return math.Min(math.Max(z, 0.01), 0.45)
}

// Update appends one observation. Recomputation runs at most every
// 500ms of series time to bound the autocorrelation cost.
func (d *Detector) Update(t time.Time, depth, spreadTicks float64) {
	ts := toSec(t)
	d.buf.push(ts, depth, spreadTicks)
	if ts-d.lastEval >= 0.5 {
		d.lastEval = ts
		d.recompute()
	}
}

// Current returns the latest estimate.
func (d *Detector) Current() Estimate { return d.est }

func (d *Detector) Active() bool { return d.est.Active }

// Phase returns (t mod R)/R in [0,1). Defined only while a period
// estimate exists.
func (d *Detector) Phase(t time.Time) (float64, bool) {
	if !d.est.HasPeriod() {
		return 0, false
	}
	p := d.est.Period.Seconds()
	return math.Mod(toSec(t), p) / p, true
}

func (d *Detector) recompute() {
	if d.buf.len() < 40 {
		d.est = Estimate{}
		return
	}

	grid, depth, spread := d.regrid()

	lagMin := int(d.periodMin / d.dt)
	if lagMin < 1 {
		lagMin = 1
	}
	lagMax := int(d.periodMax / d.dt)
	if half := len(grid) / 2; lagMax > half {
		lagMax = half
	}
	if lagMax <= lagMin {
		d.est = Estimate{}
		return
	}

	bestLag, bestDepthLag, bestSpreadLag := -1, -1, -1
	bestScore, bestDepthC, bestSpreadC := -1.0, -1.0, -1.0
	for lag := lagMin; lag <= lagMax; lag++ {
		cd := math.Abs(acf(depth, lag))
		cs := math.Abs(acf(spread, lag))
		if score := 0.5 * (cd + cs); score > bestScore {
			bestScore = score
			bestLag = lag
		}
		if cd > bestDepthC {
			bestDepthC = cd
			bestDepthLag = lag
		}
		if cs > bestSpreadC {
			bestSpreadC = cs
			bestSpreadLag = lag
		}
	}
	if bestLag < 0 || absInt(bestDepthLag-bestSpreadLag) > d.stabilityTol {
		// the two series disagree on the dominant lag: no stable period
		d.est = Estimate{}
		return
	}

	period := float64(bestLag) * d.dt
	est := Estimate{
		Period: time.Duration(period * float64(time.Second)),
		Score:  bestScore,
	}

	// Partition by phase and test the boundary effect on both series.
	var depthOn, depthOff, spreadOn, spreadOff []float64
	hw := d.halfwidth
	for i, t := range grid {
		ph := math.Mod(t, period) / period
		if ph < hw || ph > 1.0-hw {
			depthOn = append(depthOn, depth[i])
			spreadOn = append(spreadOn, spread[i])
		} else {
			depthOff = append(depthOff, depth[i])
			spreadOff = append(spreadOff, spread[i])
		}
	}
	est.NBoundary = len(depthOn)

	if len(depthOn) >= d.minOn && len(depthOff) >= d.minOff {
		pd, okd := welchOneSided(depthOn, depthOff, directionLess)
		ps, oks := welchOneSided(spreadOn, spreadOff, directionGreater)
		if okd && oks {
			est.Tested = true
			est.PDepth = pd
			est.PSpread = ps
			est.Active = pd <= d.pThresh && ps <= d.pThresh
		}
	}
	d.est = est
}

// regrid re-bins the irregular observations onto the fixed dt grid
// covering the trailing window, forward-filling gaps.
func (d *Detector) regrid() (grid, depth, spread []float64) {
	steps := int(d.windowSec / d.dt)
	tEnd := d.buf.lastT()
	t0 := tEnd - float64(steps)*d.dt

	grid = make([]float64, steps)
	depth = make([]float64, steps)
	spread = make([]float64, steps)
	seen := make([]bool, steps)
	for i := range grid {
		grid[i] = t0 + float64(i)*d.dt
	}

	d.buf.each(func(t, dv, sv float64) {
		idx := int(math.Round((t - t0) / d.dt))
		if idx >= 0 && idx < steps {
			depth[idx] = dv
			spread[idx] = sv
			seen[idx] = true
		}
	})

	ffill(depth, seen)
	ffill(spread, seen)
	return grid, depth, spread
}

func ffill(xs []float64, seen []bool) {
	var last float64
	have := false
	for i, ok := range seen {
		if ok {
			last = xs[i]
			have = true
			break
		}
	}
	if !have {
		return // all zeros already
	}
	for i := range xs {
		if seen[i] {
			last = xs[i]
		} else {
			xs[i] = last
		}
	}
}

// acf is the Pearson autocorrelation of x at the given lag.
func acf(x []float64, lag int) float64 {
	n := len(x)
	if lag <= 0 || lag >= n {
		return 0
	}
	mu := mean(x)
	var num, den1, den2 float64
	for i := lag; i < n; i++ {
		a := x[i] - mu
		b := x[i-lag] - mu
		num += a * b
		den1 += a * a
		den2 += b * b
	}
	if den1 <= 0 || den2 <= 0 {
		return 0
	}
	return num / math.Sqrt(den1*den2)
}

type direction int

const (
	directionLess    direction = iota // detect mean(a) < mean(b)
	directionGreater                  // detect mean(a) > mean(b)
)

// welchOneSided runs a two-sample one-sided z test with Welch's
// standard error (normal approximation; the sample counts here are in
// the hundreds).
func welchOneSided(a, b []float64, dir direction) (float64, bool) {
	if len(a) < 2 || len(b) < 2 {
		return 0, false
	}
	ma, mb := mean(a), mean(b)
	se := math.Sqrt(variance(a)/float64(len(a)) + variance(b)/float64(len(b)))
	if se <= 0 {
		return 0, false
	}
	var z float64
	if dir == directionLess {
		z = (mb - ma) / se
	} else {
		z = (ma - mb) / se
	}
	// one-sided tail: p = 1 - Phi(z)
	return 0.5 * math.Erfc(z/math.Sqrt2), true
}

func mean(xs []float64) float64 {
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func variance(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 1e-12
	}
	mu := mean(xs)
	s2 := 0.0
	for _, x := range xs {
		d := x - mu
		s2 += d * d
	}
	return math.Max(s2/float64(n-1), 1e-12)
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func toSec(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
