package feed

import (
	"context"
	"sync"
	"time"

	"github.com/hftlab/rotor/internal/observ"
)

// BookUpdate is one raw top-of-book tick from the market-data
// transport. The transport itself (reconnects, backoff) lives outside
// this module; anything that can produce BookUpdates can drive the
// engine.
type BookUpdate struct {
	Symbol  string
	BestBid float64
	BestAsk float64
	BidSize float64
	AskSize float64
	T       time.Time
}

// Snapshot is one fixed-cadence feature sample. Immutable once
// emitted; the rotation detector attaches the phase via WithPhase.
type Snapshot struct {
	T           time.Time
	Mid         float64
	SpreadTicks float64
	Depth       float64 // best bid size + best ask size
	Imbalance   float64 // (bid-ask)/(bid+ask), in [-1,1]
	Stale       bool    // no book update arrived since the previous boundary
	Phase       float64
	HasPhase    bool
}

func (s Snapshot) WithPhase(p float64) Snapshot {
	s.Phase = p
	s.HasPhase = true
	return s
}

// Source is the boundary the orchestrator consumes snapshots from.
type Source interface {
	Snapshots() <-chan Snapshot
}

// Aggregator converts raw book ticks into cadence-aligned feature
// snapshots. OnTick never blocks and holds no lock shared with the
// cadence loop beyond a copy of the latest book state.
type Aggregator struct {
	symbol  string
	tick    float64
	cadence time.Duration

	mu      sync.Mutex
	book    BookUpdate
	hasBook bool
	seq     uint64 // bumped per OnTick so the cadence loop can flag stale boundaries

	out chan Snapshot
}

func NewAggregator(symbol string, tickSize float64, cadence time.Duration) *Aggregator {
	if cadence <= 0 {
		cadence = 100 * time.Millisecond
	}
	return &Aggregator{
		symbol:  symbol,
		tick:    tickSize,
		cadence: cadence,
		out:     make(chan Snapshot, 1024),
	}
}

func (a *Aggregator) Snapshots() <-chan Snapshot { return a.out }

// OnTick buffers the latest book state. Called from the transport
// goroutine; must stay cheap.
func (a *Aggregator) OnTick(u BookUpdate) {
	a.mu.Lock()
	a.book = u
	a.hasBook = true
	a.seq++
	a.mu.Unlock()
}

// Run emits one snapshot per cadence boundary until ctx is done. A
// boundary with no fresh tick still emits, from last-known values,
// flagged stale. The channel send never blocks: when the consumer lags
// the oldest snapshot is dropped.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cadence)
	defer ticker.Stop()
	defer close(a.out)

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.mu.Lock()
			book, ok, seq := a.book, a.hasBook, a.seq
			a.mu.Unlock()
			if !ok {
				continue // nothing observed yet
			}
			snap := a.compute(now, book)
			snap.Stale = seq == lastSeq
			lastSeq = seq
			if snap.Stale {
				observ.IncCounter("feed_stale_snapshots_total", map[string]string{"symbol": a.symbol})
			}
			select {
			case a.out <- snap:
			default:
				select {
				case <-a.out:
				default:
				}
				select {
				case a.out <- snap:
				default:
				}
				observ.IncCounter("feed_snapshots_dropped_total", map[string]string{"symbol": a.symbol})
			}
		}
	}
}

func (a *Aggregator) compute(now time.Time, b BookUpdate) Snapshot {
	return SnapshotFrom(b, a.tick, now)
}

// SnapshotFrom derives the feature sample for one book state. Replay
// uses it directly, skipping the cadence loop.
func SnapshotFrom(b BookUpdate, tickSize float64, t time.Time) Snapshot {
	const eps = 1e-9
	snap := Snapshot{T: t}
	if b.BestBid > 0 && b.BestAsk > 0 {
		snap.Mid = (b.BestBid + b.BestAsk) / 2
		snap.SpreadTicks = (b.BestAsk - b.BestBid) / max(tickSize, eps)
	}
	snap.Depth = b.BidSize + b.AskSize
	if snap.Depth > eps {
		snap.Imbalance = (b.BidSize - b.AskSize) / snap.Depth
	}
	return snap
}
