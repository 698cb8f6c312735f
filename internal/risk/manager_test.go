package risk

import (
	"testing"
	"time"

	"github.com/hftlab/rotor/internal/config"
)

func riskConfig() config.Risk {
	return config.Risk{
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
	}
}

type captureNotifier struct {
	symbol, reason string
	calls          int
}

func (c *captureNotifier) Killswitch(symbol, reason string) {
	c.symbol, c.reason = symbol, reason
	c.calls++
}

func TestStopoutBurstPausesEntries(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	m := NewManager("BTCUSD-PERP", riskConfig(), 0.5, nil)

	m.RegisterStopout(base)
	m.RegisterStopout(base.Add(120 * time.Second))
	if m.ShouldPause(base.Add(121 * time.Second)) {
		t.Fatal("two stopouts must not pause")
	}

	third := base.Add(300 * time.Second)
	m.RegisterStopout(third)
	if !m.ShouldPause(third) {
		t.Fatal("three stopouts inside the window must pause")
	}
	adv := m.Advice(third)
	if want := third.Add(600 * time.Second); !adv.PausedUntil.Equal(want) {
		t.Errorf("paused until %v, want %v", adv.PausedUntil, want)
	}

	// pause expires on its own
	if m.ShouldPause(third.Add(601 * time.Second)) {
		t.Error("pause must lift after the configured duration")
	}
}

func TestStopoutsOutsideWindowDoNotPause(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	m := NewManager("BTCUSD-PERP", riskConfig(), 0.5, nil)

	m.RegisterStopout(base)
	m.RegisterStopout(base.Add(350 * time.Second))
	m.RegisterStopout(base.Add(700 * time.Second)) // first has aged out

	if m.ShouldPause(base.Add(700 * time.Second)) {
		t.Error("stopouts spread beyond the window must not pause")
	}
}

func TestIntervalMedianHaltIsSticky(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	n := &captureNotifier{}
	m := NewManager("BTCUSD-PERP", riskConfig(), 0.5, n)

	for i := 0; i < 10; i++ {
		m.ObserveInterval(5.0, base.Add(time.Duration(i)*time.Second))
	}
	if !m.Halted() {
		t.Fatal("median interval above the ceiling must halt")
	}
	if n.calls != 1 {
		t.Errorf("notifier calls = %d, want exactly 1", n.calls)
	}

	// healthy intervals afterwards do not clear it
	for i := 0; i < 50; i++ {
		m.ObserveInterval(2.0, base.Add(time.Duration(100+i)*time.Second))
	}
	if !m.Halted() {
		t.Fatal("halt must be sticky")
	}
	if !m.ShouldPause(base.Add(time.Hour)) {
		t.Fatal("halt must override the pause gate")
	}

	m.Reset()
	if m.Halted() || m.ShouldPause(base.Add(time.Hour)) {
		t.Fatal("explicit reset must clear the halt")
	}
}

func TestHealthyIntervalsDoNotHalt(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	m := NewManager("BTCUSD-PERP", riskConfig(), 0.5, nil)
	for i := 0; i < 100; i++ {
		m.ObserveInterval(2.0, base.Add(time.Duration(i)*time.Second))
	}
	if m.Halted() {
		t.Error("normal rotation intervals must not halt")
	}
}

func TestBookImpactHalvesSize(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	m := NewManager("BTCUSD-PERP", riskConfig(), 0.5, nil)

	m.RegisterOrderPost(10, 1000, base) // 1% of top depth
	adv := m.Advice(base)
	if adv.SizeMult != 1.0 {
		t.Fatalf("size mult = %v below the impact cap, want 1.0", adv.SizeMult)
	}

	m.RegisterOrderPost(15, 1000, base.Add(time.Second)) // cumulative 2.5%
	adv = m.Advice(base.Add(time.Second))
	if adv.SizeMult != 0.5 {
		t.Fatalf("size mult = %v over the impact cap, want 0.5", adv.SizeMult)
	}

	// entries age out of the 5s window
	adv = m.Advice(base.Add(10 * time.Second))
	if adv.SizeMult != 1.0 {
		t.Errorf("size mult = %v after the window drained, want 1.0", adv.SizeMult)
	}
}

func TestSlippageForbidsTaking(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	m := NewManager("BTCUSD-PERP", riskConfig(), 0.5, nil)

	// two fills averaging 1.5 ticks of slippage on a 0.5 tick
	m.RegisterFill(100.5, 100.0, base)  // 1 tick
	m.RegisterFill(101.0, 100.0, base)  // 2 ticks
	adv := m.Advice(base.Add(time.Second))
	if !adv.ForbidIOC || !adv.DeepenPostOnly {
		t.Fatalf("excess slippage must forbid IOC and deepen quotes: %+v", adv)
	}

	adv = m.Advice(base.Add(2 * time.Minute))
	if adv.ForbidIOC {
		t.Error("slippage advice must expire with its window")
	}
}

func TestExposureBreachRequestsHedge(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	m := NewManager("BTCUSD-PERP", riskConfig(), 0.5, nil)

	m.UpdateExposure(0.5, 1.0)
	if m.Advice(base).NeedHedge {
		t.Fatal("exposure under the VaR fraction must not request a hedge")
	}
	m.UpdateExposure(0.9, 1.0)
	if !m.Advice(base).NeedHedge {
		t.Fatal("exposure over 0.8x VaR must request a hedge")
	}
	m.UpdateExposure(-0.9, 1.0)
	if !m.Advice(base).NeedHedge {
		t.Fatal("hedge rule must apply to short exposure too")
	}
}
