package mining

import (
	"math"
	"time"
)

// RegenerateEnergy returns the energy a user holds at now, given the stored
// value and the moment it was last reconciled. Only whole seconds count.
func RegenerateEnergy(energy, maxEnergy, ratePerSec int64, updatedAt, now time.Time) int64 {
	if maxEnergy <= 0 {
		return 0
	}
	if energy < 0 {
		energy = 0
	}
	if energy >= maxEnergy {
		return maxEnergy
	}
	secs := int64(now.Sub(updatedAt) / time.Second)
	if secs <= 0 || ratePerSec <= 0 {
		return energy
	}
	room := maxEnergy - energy
	regen := room
	if secs <= room/ratePerSec {
		regen = secs * ratePerSec
	}
	return energy + regen
}

// TimeUntilFull is the number of whole seconds until energy reaches maxEnergy.
func TimeUntilFull(current, maxEnergy, ratePerSec int64) int64 {
	if current >= maxEnergy || ratePerSec <= 0 {
		return 0
	}
	missing := maxEnergy - current
	return (missing + ratePerSec - 1) / ratePerSec
}

// ComboMultiplier is always within [1, ceiling].
func ComboMultiplier(count int64, step, ceiling float64) float64 {
	if count < 0 {
		count = 0
	}
	m := 1 + float64(count)*step
	if m > ceiling {
		m = ceiling
	}
	if m < 1 {
		m = 1
	}
	return m
}

// NextCombo advances a streak: a gap longer than window starts a new one.
func NextCombo(prev ComboState, found bool, now time.Time, window time.Duration) ComboState {
	if !found || prev.Count <= 0 || now.Sub(prev.LastTapAt) > window {
		return ComboState{Count: 1, LastTapAt: now}
	}
	return ComboState{Count: prev.Count + 1, LastTapAt: now}
}

// BaseReward is floor(baseRate * miningRate), never negative.
func BaseReward(baseRate, miningRate float64) uint64 {
	r := math.Floor(baseRate * miningRate)
	if r <= 0 || math.IsNaN(r) {
		return 0
	}
	return uint64(r)
}

func TapReward(base uint64, comboMult float64, critical bool, critMult float64) uint64 {
	reward := uint64(math.Floor(float64(base) * comboMult))
	if critical {
		reward = uint64(math.Floor(float64(reward) * critMult))
	}
	return reward
}
