package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsAreValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if c.Signal.N != 80 || c.Signal.Y != 2.0 {
		t.Errorf("unexpected signal defaults: %+v", c.Signal)
	}
	if c.Exec.OrderTTLMs != 1000 || c.Exec.UnwindMs != 500 {
		t.Errorf("unexpected exec timer defaults: %+v", c.Exec)
	}
	if c.Risk.StopoutLimit != 3 || c.Risk.PauseSec != 600 {
		t.Errorf("unexpected risk defaults: %+v", c.Risk)
	}
}

func TestLoadOverridesAndKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
symbol:
  name: ETHUSD-PERP
  tick_size: 0.05
signal:
  y: 3.0
exec:
  side_mode: buy
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Symbol.Name != "ETHUSD-PERP" || c.Symbol.TickSize != 0.05 {
		t.Errorf("symbol override lost: %+v", c.Symbol)
	}
	if c.Signal.Y != 3.0 {
		t.Errorf("signal.y = %v, want 3.0", c.Signal.Y)
	}
	if c.Signal.N != 80 {
		t.Errorf("unset fields must keep defaults, n = %d", c.Signal.N)
	}
	if c.Exec.SideMode != "buy" {
		t.Errorf("side_mode = %q, want buy", c.Exec.SideMode)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("missing file must surface an error")
	}
	if !os.IsNotExist(err) {
		t.Errorf("error should be os.IsNotExist, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Root)
	}{
		{"zero tick size", func(c *Root) { c.Symbol.TickSize = 0 }},
		{"window too short", func(c *Root) { c.Signal.N = 1 }},
		{"non-positive phase width", func(c *Root) { c.Signal.Z = 0 }},
		{"inverted period bounds", func(c *Root) { c.Rotation.PeriodMinSec = 6; c.Rotation.PeriodMaxSec = 5 }},
		{"display ratio above one", func(c *Root) { c.Exec.DisplayRatio = 1.5 }},
		{"unknown side mode", func(c *Root) { c.Exec.SideMode = "short" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			c.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}
