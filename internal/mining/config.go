package mining

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the tunable constants of the tap engine.
type Config struct {
	EnergyRegenRate    int64 // energy points per second
	TapEnergyCost      int64 // energy per tap
	BaseMiningRate     float64
	CriticalChance     float64
	CriticalMultiplier float64
	ComboStep          float64
	ComboCap           float64
	ComboWindow        time.Duration
	ComboCacheSize     int

	DefaultMaxEnergy  int64
	DefaultMiningRate float64
	TapMaxPerRequest  int64
	MaxTxRetries      int
}

func DefaultConfig() Config {
	return Config{
		EnergyRegenRate:    1,
		TapEnergyCost:      1,
		BaseMiningRate:     1,
		CriticalChance:     0.05,
		CriticalMultiplier: 2.0,
		ComboStep:          0.02,
		ComboCap:           2.0,
		ComboWindow:        2000 * time.Millisecond,
		ComboCacheSize:     100_000,

		DefaultMaxEnergy:  1000,
		DefaultMiningRate: 1.0,
		TapMaxPerRequest:  500,
		MaxTxRetries:      3,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.EnergyRegenRate < 1 {
		errs = append(errs, fmt.Errorf("energy regen rate must be >= 1, got %d", c.EnergyRegenRate))
	}
	if c.TapEnergyCost < 1 {
		errs = append(errs, fmt.Errorf("tap energy cost must be >= 1, got %d", c.TapEnergyCost))
	}
	if c.BaseMiningRate < 0 {
		errs = append(errs, fmt.Errorf("base mining rate must be >= 0, got %v", c.BaseMiningRate))
	}
	if c.CriticalChance < 0 || c.CriticalChance > 1 {
		errs = append(errs, fmt.Errorf("critical chance must be in [0,1], got %v", c.CriticalChance))
	}
	if c.CriticalMultiplier < 1 {
		errs = append(errs, fmt.Errorf("critical multiplier must be >= 1, got %v", c.CriticalMultiplier))
	}
	if c.ComboStep < 0 {
		errs = append(errs, fmt.Errorf("combo step must be >= 0, got %v", c.ComboStep))
	}
	if c.ComboCap < 1 {
		errs = append(errs, fmt.Errorf("combo cap must be >= 1, got %v", c.ComboCap))
	}
	if c.ComboWindow <= 0 {
		errs = append(errs, errors.New("combo window must be positive"))
	}
	if c.ComboCacheSize < 1 {
		errs = append(errs, fmt.Errorf("combo cache size must be >= 1, got %d", c.ComboCacheSize))
	}
	if c.DefaultMaxEnergy < 1 {
		errs = append(errs, fmt.Errorf("default max energy must be >= 1, got %d", c.DefaultMaxEnergy))
	}
	if c.DefaultMiningRate < 0 {
		errs = append(errs, fmt.Errorf("default mining rate must be >= 0, got %v", c.DefaultMiningRate))
	}
	if c.TapMaxPerRequest < 1 {
		errs = append(errs, fmt.Errorf("tap max per request must be >= 1, got %d", c.TapMaxPerRequest))
	}
	if c.MaxTxRetries < 0 {
		errs = append(errs, fmt.Errorf("tx max retries must be >= 0, got %d", c.MaxTxRetries))
	}
	return errors.Join(errs...)
}
