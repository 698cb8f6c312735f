package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Symbol struct {
	Name     string  `yaml:"name"`
	TickSize float64 `yaml:"tick_size"`
}

type Signal struct {
	N        int     `yaml:"n"`         // rolling depth-median window length
	X        float64 `yaml:"x"`         // depth thinning fraction below median
	Y        float64 `yaml:"y"`         // minimum spread in ticks
	Z        float64 `yaml:"z"`         // phase band half-width as a fraction of the period, clamped to [0.01,0.45]
	OBILimit float64 `yaml:"obi_limit"` // max absolute book imbalance
	RollSec  float64 `yaml:"roll_sec"`  // trailing window for period detection
}

type Rotation struct {
	CadenceMs        int     `yaml:"cadence_ms"` // feature clock
	PeriodMinSec     float64 `yaml:"period_min_sec"`
	PeriodMaxSec     float64 `yaml:"period_max_sec"`
	PThreshold       float64 `yaml:"p_threshold"`
	MinBoundaryCount int     `yaml:"min_boundary_count"`
	MinInteriorCount int     `yaml:"min_interior_count"`
}

type Exec struct {
	OrderTTLMs          int     `yaml:"order_ttl_ms"`
	UnwindMs            int     `yaml:"unwind_ms"`
	DisplayRatio        float64 `yaml:"display_ratio"`
	MinDisplay          float64 `yaml:"min_display"`
	MaxExposure         float64 `yaml:"max_exposure"`
	CooldownFactor      float64 `yaml:"cooldown_factor"`
	SideMode            string  `yaml:"side_mode"` // both | buy | sell
	Splits              int     `yaml:"splits"`
	OffsetTicksNormal   float64 `yaml:"offset_ticks_normal"`
	OffsetTicksDeep     float64 `yaml:"offset_ticks_deep"`
	SpreadCollapseTicks float64 `yaml:"spread_collapse_ticks"`
	PercentMin          float64 `yaml:"percent_min"`
	PercentMax          float64 `yaml:"percent_max"`
	MinClip             float64 `yaml:"min_clip"`
	EquityUSD           float64 `yaml:"equity_usd"`
}

type Risk struct {
	MaxSlippageTicks  float64 `yaml:"max_slippage_ticks"`
	MaxBookImpact     float64 `yaml:"max_book_impact"`
	TimeStopMs        int     `yaml:"time_stop_ms"`
	StopTicks         float64 `yaml:"stop_ticks"`
	MaxIntervalSec    float64 `yaml:"max_interval_sec"`
	StopoutLimit      int     `yaml:"stopout_limit"`
	StopoutWindowSec  int     `yaml:"stopout_window_sec"`
	PauseSec          int     `yaml:"pause_sec"`
	HedgeVaRFraction  float64 `yaml:"hedge_var_fraction"`
	ImpactWindowSec   float64 `yaml:"impact_window_sec"`
	SlippageWindowSec float64 `yaml:"slippage_window_sec"`
}

type Latency struct {
	MaxStalenessMs int `yaml:"max_staleness_ms"`
}

type Store struct {
	Path string `yaml:"path"` // sqlite fill/trade history; empty disables persistence
}

type Root struct {
	Symbol        Symbol   `yaml:"symbol"`
	Signal        Signal   `yaml:"signal"`
	Rotation      Rotation `yaml:"rotation"`
	Exec          Exec     `yaml:"exec"`
	Risk          Risk     `yaml:"risk"`
	Latency       Latency  `yaml:"latency"`
	Store         Store    `yaml:"store"`
	DecisionsPath string   `yaml:"decisions_path"`
}

// Default returns the configuration used when a field is absent from
// the file. The numbers match the strategy's reference parameters.
func Default() Root {
	return Root{
		Symbol: Symbol{Name: "BTCUSD-PERP", TickSize: 0.5},
		Signal: Signal{N: 80, X: 0.25, Y: 2.0, Z: 0.6, OBILimit: 0.6, RollSec: 30.0},
		Rotation: Rotation{
			CadenceMs:        100,
			PeriodMinSec:     0.8,
			PeriodMaxSec:     5.0,
			PThreshold:       0.01,
			MinBoundaryCount: 200,
			MinInteriorCount: 50,
		},
		Exec: Exec{
			OrderTTLMs:          1000,
			UnwindMs:            500,
			DisplayRatio:        0.25,
			MinDisplay:          0.01,
			MaxExposure:         0.8,
			CooldownFactor:      2.0,
			SideMode:            "both",
			Splits:              1,
			OffsetTicksNormal:   0.5,
			OffsetTicksDeep:     1.5,
			SpreadCollapseTicks: 1.0,
			PercentMin:          0.002,
			PercentMax:          0.005,
			MinClip:             0.001,
			EquityUSD:           10000.0,
		},
		Risk: Risk{
			MaxSlippageTicks:  1.0,
			MaxBookImpact:     0.02,
			TimeStopMs:        1200,
			StopTicks:         3.0,
			MaxIntervalSec:    4.0,
			StopoutLimit:      3,
			StopoutWindowSec:  600,
			PauseSec:          600,
			HedgeVaRFraction:  0.8,
			ImpactWindowSec:   5.0,
			SlippageWindowSec: 60.0,
		},
		Latency:       Latency{MaxStalenessMs: 300},
		DecisionsPath: "data/decisions.jsonl",
	}
}

func Load(path string) (Root, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Root) Validate() error {
	if c.Symbol.TickSize <= 0 {
		return fmt.Errorf("symbol.tick_size must be positive, got %v", c.Symbol.TickSize)
	}
	if c.Signal.N < 2 {
		return fmt.Errorf("signal.n must be at least 2, got %d", c.Signal.N)
	}
	if c.Signal.Z <= 0 {
		return fmt.Errorf("signal.z must be positive, got %v", c.Signal.Z)
	}
	if c.Rotation.PeriodMinSec >= c.Rotation.PeriodMaxSec {
		return fmt.Errorf("rotation.period_min_sec %v must be below period_max_sec %v",
			c.Rotation.PeriodMinSec, c.Rotation.PeriodMaxSec)
	}
	if c.Exec.DisplayRatio <= 0 || c.Exec.DisplayRatio > 1 {
		return fmt.Errorf("exec.display_ratio must be in (0,1], got %v", c.Exec.DisplayRatio)
	}
	switch c.Exec.SideMode {
	case "both", "buy", "sell":
	default:
		return fmt.Errorf("exec.side_mode must be both|buy|sell, got %q", c.Exec.SideMode)
	}
	if c.Exec.Splits < 1 {
		c.Exec.Splits = 1
	}
	return nil
}
