package exec

import "github.com/hftlab/rotor/internal/config"

// Sizer converts account equity into per-order clip sizes. The
// notional fraction is the midpoint of the configured range so replay
// runs are reproducible.
type Sizer struct {
	cfg config.Exec
}

func NewSizer(cfg config.Exec) Sizer { return Sizer{cfg: cfg} }

// Clip returns the base-asset size for one child order at the given
// mid, already divided across the configured splits and scaled by the
// risk multiplier.
func (s Sizer) Clip(mid, riskMult float64) float64 {
	if mid <= 0 || riskMult <= 0 {
		return 0
	}
	frac := (s.cfg.PercentMin + s.cfg.PercentMax) / 2
	qty := s.cfg.EquityUSD * frac * riskMult / mid
	splits := s.cfg.Splits
	if splits < 1 {
		splits = 1
	}
	per := qty / float64(splits)
	if per < s.cfg.MinClip {
		per = s.cfg.MinClip
	}
	if per > s.cfg.MaxExposure {
		per = s.cfg.MaxExposure
	}
	return per
}
