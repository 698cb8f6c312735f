// replay runs the full pipeline offline on a deterministic timeline,
// either over a JSONL quote capture or the built-in synthetic rotation
// feed, and prints a per-trade summary.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/hftlab/rotor/internal/config"
	"github.com/hftlab/rotor/internal/engine"
	"github.com/hftlab/rotor/internal/exec"
	"github.com/hftlab/rotor/internal/feed"
	"github.com/hftlab/rotor/internal/notify"
	"github.com/hftlab/rotor/internal/outbox"
	"github.com/hftlab/rotor/internal/risk"
	"github.com/hftlab/rotor/internal/rotation"
	"github.com/hftlab/rotor/internal/signal"
	"github.com/hftlab/rotor/internal/venue"

	"golang.org/x/time/rate"
)

type quoteLine struct {
	TsUTC   string  `json:"ts_utc"`
	BestBid float64 `json:"best_bid"`
	BestAsk float64 `json:"best_ask"`
	BidSize float64 `json:"bid_size"`
	AskSize float64 `json:"ask_size"`
}

// trade pairs an entry fill with its exit by trace id.
type trade struct {
	traceID string
	side    exec.Side
	entryPx float64
	exitPx  float64
	qty     float64
	openAt  time.Time
	closed  bool
}

// recorder collects fills in memory for the end-of-run table.
type recorder struct {
	order  []string
	trades map[string]*trade
}

func newRecorder() *recorder { return &recorder{trades: map[string]*trade{}} }

func (r *recorder) RecordFill(f exec.Fill, traceID string) error {
	t, ok := r.trades[traceID]
	if !ok {
		r.order = append(r.order, traceID)
		r.trades[traceID] = &trade{
			traceID: traceID, side: f.Side, entryPx: f.Price, qty: f.Size, openAt: f.T,
		}
		return nil
	}
	t.exitPx = f.Price
	t.closed = true
	return nil
}

func main() {
	log.SetFlags(0)

	configPath := flag.String("config", "config/config.yaml", "path to config file")
	inputPath := flag.String("input", "", "JSONL quote capture; empty uses the synthetic feed")
	duration := flag.Duration("duration", 2*time.Minute, "synthetic run length")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = config.Default()
		} else {
			log.Fatalf("load config: %v", err)
		}
	}

	dlog, err := outbox.New("") // replay keeps no audit trail
	if err != nil {
		log.Fatalf("decision log: %v", err)
	}

	sym := cfg.Symbol
	rec := newRecorder()
	sim := venue.NewSim(sym.TickSize, rate.Limit(1000), 1000)
	rm := risk.NewManager(sym.Name, cfg.Risk, sym.TickSize, notify.NewConsole())
	det := rotation.NewDetector(cfg.Signal, cfg.Rotation)
	gate := signal.NewGate(cfg.Signal, "")
	eng := exec.NewEngine(sym.Name, sym.TickSize, cfg.Exec, cfg.Risk, sim, rm, dlog, rec)
	orch := engine.New(cfg, nil, det, gate, eng, rm, sim, dlog, false)

	ctx := context.Background()
	cadence := time.Duration(cfg.Rotation.CadenceMs) * time.Millisecond

	var steps int
	if *inputPath != "" {
		steps = replayCapture(ctx, orch, *inputPath, sym.TickSize)
	} else {
		steps = replaySynthetic(ctx, orch, sym, cadence, *duration)
	}

	printSummary(rec, steps)
}

func replayCapture(ctx context.Context, orch *engine.Orchestrator, path string, tick float64) int {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("open input: %v", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		var q quoteLine
		if err := json.Unmarshal(sc.Bytes(), &q); err != nil {
			log.Fatalf("line %d: %v", n+1, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, q.TsUTC)
		if err != nil {
			log.Fatalf("line %d: bad ts_utc: %v", n+1, err)
		}
		u := feed.BookUpdate{
			BestBid: q.BestBid, BestAsk: q.BestAsk,
			BidSize: q.BidSize, AskSize: q.AskSize, T: ts,
		}
		orch.Step(ctx, feed.SnapshotFrom(u, tick, ts))
		n++
	}
	if err := sc.Err(); err != nil {
		log.Fatalf("read input: %v", err)
	}
	return n
}

func replaySynthetic(ctx context.Context, orch *engine.Orchestrator, sym config.Symbol,
	cadence, duration time.Duration) int {
	synth := feed.NewSynthetic(sym.Name, sym.TickSize)
	start := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)
	n := 0
	for el := time.Duration(0); el < duration; el += cadence {
		u := synth.At(el, n)
		t := start.Add(el)
		orch.Step(ctx, feed.SnapshotFrom(u, sym.TickSize, t))
		n++
	}
	return n
}

func printSummary(rec *recorder, steps int) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("#", "Side", "Entry", "Exit", "Qty", "PnL", "Status")

	total := 0.0
	closed := 0
	for i, id := range rec.order {
		t := rec.trades[id]
		status := "open"
		pnl := 0.0
		exit := "-"
		if t.closed {
			status = "closed"
			closed++
			pnl = (t.exitPx - t.entryPx) * t.qty
			if t.side == exec.Sell {
				pnl = -pnl
			}
			total += pnl
			exit = fmt.Sprintf("%.2f", t.exitPx)
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			string(t.side),
			fmt.Sprintf("%.2f", t.entryPx),
			exit,
			fmt.Sprintf("%.4f", t.qty),
			fmt.Sprintf("%+.2f", pnl),
			status,
		)
	}
	table.Render()
	fmt.Printf("\nsnapshots=%d trades=%d closed=%d pnl=%+.2f\n",
		steps, len(rec.order), closed, total)
}
