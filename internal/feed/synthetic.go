package feed

import (
	"context"
	"math"
	"time"
)

// Synthetic drives an Aggregator with generated level-1 quotes that
// carry a known rotation structure: near each period boundary the top
// of book thins and the spread widens. Used in paper mode and tests.
type Synthetic struct {
	Symbol       string
	TickSize     float64
	BaseMid      float64
	Period       time.Duration // injected rotation period
	BoundaryFrac float64       // fraction of the period, each side, that counts as boundary
	Interval     time.Duration // quote emission interval
}

func NewSynthetic(symbol string, tickSize float64) *Synthetic {
	return &Synthetic{
		Symbol:       symbol,
		TickSize:     tickSize,
		BaseMid:      70_000.0,
		Period:       2 * time.Second,
		BoundaryFrac: 0.15,
		Interval:     50 * time.Millisecond,
	}
}

// Run emits quotes into agg until ctx is done.
func (s *Synthetic) Run(ctx context.Context, agg *Aggregator) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	start := time.Now()
	i := 0
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			u := s.At(now.Sub(start), i)
			u.T = now
			agg.OnTick(u)
			i++
		}
	}
}

// At returns the quote for elapsed time el with an unset timestamp;
// the caller stamps it. Exposed so replay and tests can sample
// deterministically without a ticker.
func (s *Synthetic) At(el time.Duration, i int) BookUpdate {
	phase := math.Mod(el.Seconds(), s.Period.Seconds()) / s.Period.Seconds()
	boundary := phase < s.BoundaryFrac || phase > 1.0-s.BoundaryFrac

	spreadTicks := 1.0
	size := 1200.0
	if boundary {
		spreadTicks = 3.0
		size = 600.0
	}
	spread := spreadTicks * s.TickSize
	// slow drift so the mid is not constant
	mid := s.BaseMid * (1.0 + 0.00001*math.Sin(2.0*math.Pi*float64(i)/997.0))

	return BookUpdate{
		Symbol:  s.Symbol,
		BestBid: mid - spread/2,
		BestAsk: mid + spread/2,
		BidSize: size,
		AskSize: size,
	}
}
