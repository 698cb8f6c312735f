package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/hftlab/rotor/internal/config"
	"github.com/hftlab/rotor/internal/engine"
	"github.com/hftlab/rotor/internal/exec"
	"github.com/hftlab/rotor/internal/feed"
	"github.com/hftlab/rotor/internal/notify"
	"github.com/hftlab/rotor/internal/observ"
	"github.com/hftlab/rotor/internal/outbox"
	"github.com/hftlab/rotor/internal/risk"
	"github.com/hftlab/rotor/internal/rotation"
	"github.com/hftlab/rotor/internal/signal"
	"github.com/hftlab/rotor/internal/store"
	"github.com/hftlab/rotor/internal/venue"
)

func main() {
	log.SetFlags(0)
	godotenv.Load() // optional .env, absence is fine

	configPath := flag.String("config", "config/config.yaml", "path to config file")
	listenAddr := flag.String("listen", ":8090", "metrics/health listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("config %s not found, using defaults", *configPath)
			cfg = config.Default()
		} else {
			log.Fatalf("load config: %v", err)
		}
	}

	dlog, err := outbox.New(cfg.DecisionsPath)
	if err != nil {
		log.Fatalf("open decision log: %v", err)
	}
	defer dlog.Close()

	var fills exec.FillRecorder
	if cfg.Store.Path != "" {
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer db.Close()
		fills = db
	}

	sym := cfg.Symbol
	agg := feed.NewAggregator(sym.Name, sym.TickSize, time.Duration(cfg.Rotation.CadenceMs)*time.Millisecond)
	sim := venue.NewSim(sym.TickSize, rate.Limit(50), 100)
	rm := risk.NewManager(sym.Name, cfg.Risk, sym.TickSize, notify.NewConsole())
	det := rotation.NewDetector(cfg.Signal, cfg.Rotation)
	gate := signal.NewGate(cfg.Signal, "")
	eng := exec.NewEngine(sym.Name, sym.TickSize, cfg.Exec, cfg.Risk, sim, rm, dlog, fills)
	orch := engine.New(cfg, agg, det, gate, eng, rm, sim, dlog, true)

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.Health())
	mux.HandleFunc("/risk/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		orch.ResetRisk()
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	synth := feed.NewSynthetic(sym.Name, sym.TickSize)
	go synth.Run(ctx, agg)
	go agg.Run(ctx)

	observ.Log("started", map[string]any{"symbol": sym.Name, "listen": *listenAddr})
	orch.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	observ.Log("stopped", map[string]any{"symbol": sym.Name})
}
