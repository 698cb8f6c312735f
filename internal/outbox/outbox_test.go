package outbox

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendWritesOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	d, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d.Append("signal", map[string]any{"mid": 70000.0, "trace_id": "t-1"})
	d.Append("order_placed", map[string]any{"side": "buy"})
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var events []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e struct {
			Event string         `json:"event"`
			TS    string         `json:"ts_utc"`
			Data  map[string]any `json:"data"`
		}
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		if e.TS == "" {
			t.Error("every line needs a timestamp")
		}
		events = append(events, e.Event)
	}
	if len(events) != 2 || events[0] != "signal" || events[1] != "order_placed" {
		t.Errorf("events = %v", events)
	}
}

func TestEmptyPathDiscards(t *testing.T) {
	d, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Append("signal", nil) // must not panic
	if err := d.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestAppendCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "decisions.jsonl")
	d, err := New(path)
	if err != nil {
		t.Fatalf("New with nested path: %v", err)
	}
	d.Append("signal", nil)
	d.Close()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file should exist: %v", err)
	}
}
