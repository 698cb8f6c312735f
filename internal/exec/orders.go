package exec

import (
	"context"
	"time"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// TimeInForce values understood by venues.
const (
	TIFGoodTillCancel = "GTC"
	TIFImmediate      = "IOC"
)

// OrderIntent is the full description of one order we want resting (or
// sweeping) at the venue. DisplaySize < Size makes it an iceberg.
type OrderIntent struct {
	Symbol      string
	Side        Side
	Price       float64
	Size        float64
	DisplaySize float64
	PostOnly    bool
	TimeInForce string
	ReduceOnly  bool
	TraceID     string
}

// OrderHandle identifies a live order at the venue.
type OrderHandle struct {
	ID    string
	Side  Side
	Price float64
	Size  float64
}

type Fill struct {
	OrderID string
	Side    Side
	Price   float64
	Size    float64
	T       time.Time
}

// Venue is the execution adapter. Both calls are fallible; a Submit
// error is a rejection, which the engine treats as non-fatal.
type Venue interface {
	Submit(ctx context.Context, intent OrderIntent) (OrderHandle, error)
	Cancel(ctx context.Context, h OrderHandle) error
}
