package outbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DecisionLog is an append-only JSONL audit trail of what the engine
// decided and why: signals, gate misses, order events, exits, risk
// actions. One line per event.
type DecisionLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

type entry struct {
	Event string         `json:"event"`
	TS    time.Time      `json:"ts_utc"`
	Data  map[string]any `json:"data,omitempty"`
}

// New opens (or creates) the decision log at path. An empty path
// returns a log that discards everything, so call sites never need a
// nil check.
func New(path string) (*DecisionLog, error) {
	if path == "" {
		return &DecisionLog{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &DecisionLog{path: path, f: f}, nil
}

func (d *DecisionLog) Append(event string, fields map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return
	}
	b, err := json.Marshal(entry{Event: event, TS: time.Now().UTC(), Data: fields})
	if err != nil {
		return
	}
	b = append(b, '\n')
	_, _ = d.f.Write(b)
}

func (d *DecisionLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}
