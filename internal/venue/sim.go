// Package venue provides execution adapters. Sim is a deterministic
// paper venue: post-only orders rest and fill when the quote trades
// through them, IOC orders match against the latest quote or die.
package venue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hftlab/rotor/internal/exec"
	"github.com/hftlab/rotor/internal/feed"
	"github.com/hftlab/rotor/internal/observ"
)

// Sim implements exec.Venue against the snapshot stream. The matching
// model is conservative: passive orders fill at their limit price only
// when the opposite best crosses it, marketable IOC fills at the
// touch.
type Sim struct {
	lim *rate.Limiter

	mu       sync.Mutex
	tickSize float64
	resting  map[string]exec.OrderIntent
	pending  []exec.Fill
	lastBid  float64
	lastAsk  float64
	hasQuote bool

	// RejectEvery > 0 rejects every Nth submit, exercising the
	// rejection path without randomness.
	RejectEvery int
	submits     int
}

func NewSim(tickSize float64, perSecond rate.Limit, burst int) *Sim {
	return &Sim{
		tickSize: tickSize,
		lim:      rate.NewLimiter(perSecond, burst),
		resting:  map[string]exec.OrderIntent{},
	}
}

func (s *Sim) Submit(ctx context.Context, intent exec.OrderIntent) (exec.OrderHandle, error) {
	if err := ctx.Err(); err != nil {
		return exec.OrderHandle{}, err
	}
	if !s.lim.Allow() {
		return exec.OrderHandle{}, fmt.Errorf("sim: rate limit exceeded")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.submits++
	if s.RejectEvery > 0 && s.submits%s.RejectEvery == 0 {
		return exec.OrderHandle{}, fmt.Errorf("sim: order rejected")
	}

	id := uuid.NewString()
	h := exec.OrderHandle{ID: id, Side: intent.Side, Price: intent.Price, Size: intent.Size}

	if intent.PostOnly && s.hasQuote {
		crossed := (intent.Side == exec.Buy && intent.Price >= s.lastAsk) ||
			(intent.Side == exec.Sell && intent.Price <= s.lastBid)
		if crossed {
			return exec.OrderHandle{}, fmt.Errorf("sim: post-only order would cross")
		}
	}

	if intent.TimeInForce == exec.TIFImmediate {
		if f, ok := s.matchIOC(id, intent); ok {
			s.pending = append(s.pending, f)
		}
		// unfilled IOC simply dies, nothing rests
		return h, nil
	}

	s.resting[id] = intent
	observ.IncCounter("sim_orders_posted_total", map[string]string{"side": string(intent.Side)})
	return h, nil
}

func (s *Sim) Cancel(ctx context.Context, h exec.OrderHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resting[h.ID]; !ok {
		return fmt.Errorf("sim: unknown order %s", h.ID)
	}
	delete(s.resting, h.ID)
	return nil
}

// MarkQuote advances the book to the given snapshot and returns every
// fill it produced, queued IOC fills included. Called once per
// snapshot by the pipeline.
func (s *Sim) MarkQuote(snap feed.Snapshot) []exec.Fill {
	s.mu.Lock()
	defer s.mu.Unlock()

	half := snap.SpreadTicks / 2 * s.tickSize
	s.lastBid = snap.Mid - half
	s.lastAsk = snap.Mid + half
	s.hasQuote = true

	fills := s.pending
	s.pending = nil
	for i := range fills {
		if fills[i].T.IsZero() {
			fills[i].T = snap.T
		}
	}

	for id, o := range s.resting {
		hit := (o.Side == exec.Buy && s.lastAsk <= o.Price) ||
			(o.Side == exec.Sell && s.lastBid >= o.Price)
		if !hit {
			continue
		}
		fills = append(fills, exec.Fill{
			OrderID: id,
			Side:    o.Side,
			Price:   o.Price,
			Size:    o.Size,
			T:       snap.T,
		})
		delete(s.resting, id)
	}
	return fills
}

func (s *Sim) matchIOC(id string, intent exec.OrderIntent) (exec.Fill, bool) {
	if !s.hasQuote {
		return exec.Fill{}, false
	}
	if intent.Side == exec.Buy && intent.Price >= s.lastAsk {
		return exec.Fill{OrderID: id, Side: exec.Buy, Price: s.lastAsk, Size: intent.Size}, true
	}
	if intent.Side == exec.Sell && intent.Price <= s.lastBid {
		return exec.Fill{OrderID: id, Side: exec.Sell, Price: s.lastBid, Size: intent.Size}, true
	}
	return exec.Fill{}, false
}

// RestingCount reports how many orders are currently on the book.
func (s *Sim) RestingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resting)
}
