// Package signal turns feature snapshots into discrete trade signals
// via a four-predicate conjunction against rolling reference stats.
package signal

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hftlab/rotor/internal/config"
	"github.com/hftlab/rotor/internal/feed"
	"github.com/hftlab/rotor/internal/rotation"
)

// Signal is emitted at most once per qualifying snapshot and consumed
// at most once by the execution engine.
type Signal struct {
	T       time.Time
	Mid     float64
	Bias    string // both | buy | sell, from configuration
	TraceID string // correlates signal -> orders -> fills in logs
}

// Trace carries the outcome of one gate evaluation so the
// orchestrator can count individual misses without the gate doing any
// I/O itself.
type Trace struct {
	Phase       float64
	PhaseOK     bool
	DepthOK     bool
	SpreadOK    bool
	ImbalanceOK bool
	Depth       float64
	DepthMedian float64
	SpreadTicks float64
	Imbalance   float64
}

func (t Trace) AllPass() bool {
	return t.PhaseOK && t.DepthOK && t.SpreadOK && t.ImbalanceOK
}

type Gate struct {
	n        int
	x        float64
	y        float64
	z        float64
	obiLimit float64
	bias     string

	depth  []float64 // rolling window, ring-indexed
	next   int
	filled bool

	// OnEval, when set, receives every full evaluation. Nil-safe.
	OnEval func(Trace)
}

func NewGate(cfg config.Signal, bias string) *Gate {
	z := cfg.Z
	if z < 0.01 {
		z = 0.01
	}
	if z > 0.45 {
		z = 0.45
	}
	return &Gate{
		n:        cfg.N,
		x:        cfg.X,
		y:        cfg.Y,
		z:        z,
		obiLimit: cfg.OBILimit,
		bias:     bias,
		depth:    make([]float64, cfg.N),
	}
}

// Evaluate folds the snapshot into the rolling state and returns a
// signal iff the detector is active and all four predicates hold for
// this same snapshot. Pure computation; runs in microseconds.
func (g *Gate) Evaluate(snap feed.Snapshot, est rotation.Estimate) *Signal {
	g.depth[g.next] = snap.Depth
	g.next++
	if g.next == g.n {
		g.next = 0
		g.filled = true
	}
	if !g.filled {
		return nil // statistics not warm yet
	}
	if !est.Active || !snap.HasPhase {
		return nil
	}

	med := g.median()
	tr := Trace{
		Phase:       snap.Phase,
		PhaseOK:     snap.Phase < g.z || snap.Phase > 1.0-g.z,
		DepthOK:     snap.Depth < med*(1.0-g.x),
		SpreadOK:    snap.SpreadTicks >= g.y,
		ImbalanceOK: abs(snap.Imbalance) <= g.obiLimit,
		Depth:       snap.Depth,
		DepthMedian: med,
		SpreadTicks: snap.SpreadTicks,
		Imbalance:   snap.Imbalance,
	}
	if g.OnEval != nil {
		g.OnEval(tr)
	}
	if !tr.AllPass() {
		return nil
	}
	return &Signal{
		T:       snap.T,
		Mid:     snap.Mid,
		Bias:    g.bias,
		TraceID: uuid.NewString(),
	}
}

func (g *Gate) median() float64 {
	buf := make([]float64, g.n)
	copy(buf, g.depth)
	sort.Float64s(buf)
	if g.n%2 == 1 {
		return buf[g.n/2]
	}
	return (buf[g.n/2-1] + buf[g.n/2]) / 2
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
