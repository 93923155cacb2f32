package config

import (
	"fmt"
	"math"
)

// IndexConfig describes one tracked underlying index: which expiry codes
// the collector is expected to deliver and how its strike ladder is laid
// out around the spot price.
type IndexConfig struct {
	Name             string   `yaml:"name"`
	ExpectedExpiries []string `yaml:"expected_expiries"`
	StrikeStep       float64  `yaml:"strike_step"`
	StrikeDepth      int      `yaml:"strike_depth"`
}

func (ic IndexConfig) validate() error {
	if ic.Name == "" {
		return fmt.Errorf("name is required")
	}
	if ic.StrikeStep <= 0 {
		return fmt.Errorf("strike_step must be greater than 0")
	}
	if ic.StrikeDepth <= 0 {
		return fmt.Errorf("strike_depth must be greater than 0")
	}
	for _, code := range ic.ExpectedExpiries {
		switch code {
		case "this_week", "next_week", "this_month", "next_month":
		default:
			return fmt.Errorf("expected expiry '%s' is not a known routing code", code)
		}
	}
	return nil
}

// ATMStrike rounds the spot price to the nearest rung of the ladder.
func (ic IndexConfig) ATMStrike(spot float64) float64 {
	if ic.StrikeStep <= 0 {
		return spot
	}
	return math.Round(spot/ic.StrikeStep) * ic.StrikeStep
}

// ExpectedStrikes returns the ladder of strikes the collector should cover
// for the given spot: StrikeDepth rungs on each side of the ATM strike.
func (ic IndexConfig) ExpectedStrikes(spot float64) []float64 {
	atm := ic.ATMStrike(spot)
	strikes := make([]float64, 0, 2*ic.StrikeDepth+1)
	for i := -ic.StrikeDepth; i <= ic.StrikeDepth; i++ {
		strikes = append(strikes, atm+float64(i)*ic.StrikeStep)
	}
	return strikes
}

// StrikeOffset reports how many rungs a strike sits away from the ATM
// strike; negative values are below the money.
func (ic IndexConfig) StrikeOffset(strike, spot float64) int {
	if ic.StrikeStep <= 0 {
		return 0
	}
	return int(math.Round((strike - ic.ATMStrike(spot)) / ic.StrikeStep))
}

// Index looks up the configuration for a named index.
func (c *Config) Index(name string) (IndexConfig, bool) {
	for _, ic := range c.Indices {
		if ic.Name == name {
			return ic, true
		}
	}
	return IndexConfig{}, false
}
