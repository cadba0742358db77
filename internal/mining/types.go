package mining

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInsufficientEnergy = errors.New("insufficient energy")
	ErrInvalidTapCount    = errors.New("invalid tap count")
	// ErrConflict marks a transaction that lost a serialization race and may be retried.
	ErrConflict = errors.New("persistence conflict")
)

// InsufficientEnergyError carries the energy context of a rejected tap.
type InsufficientEnergyError struct {
	Current  int64
	Required int64
}

func (e *InsufficientEnergyError) Error() string {
	return fmt.Sprintf("insufficient energy: have %d, need %d", e.Current, e.Required)
}

func (e *InsufficientEnergyError) Unwrap() error { return ErrInsufficientEnergy }

// UserState is the slice of a user record the engine reads and mutates.
type UserState struct {
	UserID          int64     `json:"userId"`
	Username        string    `json:"username,omitempty"`
	FirstName       string    `json:"firstName,omitempty"`
	Coins           uint64    `json:"coins"`
	TotalMined      uint64    `json:"totalMined"`
	Energy          int64     `json:"energy"`
	MaxEnergy       int64     `json:"maxEnergy"`
	MiningRate      float64   `json:"miningRate"`
	EnergyUpdatedAt time.Time `json:"energyUpdatedAt"`
}

type Profile struct {
	UserID    int64
	Username  string
	FirstName string
}

type ComboState struct {
	Count     int64
	LastTapAt time.Time
}

type UserStats struct {
	TotalTaps   uint64 `json:"totalTaps"`
	TotalEarned uint64 `json:"totalEarned"`
}

type Session struct {
	ID         string     `json:"id"`
	UserID     int64      `json:"userId"`
	IsActive   bool       `json:"isActive"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Taps       uint64     `json:"taps"`
	CoinsMined uint64     `json:"coinsMined"`
}

// TapCommit is the set of mutations persisted for one tap batch.
type TapCommit struct {
	Energy      int64
	CoinsEarned uint64
	Taps        uint64
	At          time.Time
}

type TapResult struct {
	CoinsEarned     uint64  `json:"coinsEarned"`
	IsCritical      bool    `json:"isCritical"`
	ComboMultiplier float64 `json:"comboMultiplier"`
	ComboCount      int64   `json:"comboCount"`
	RemainingEnergy int64   `json:"remainingEnergy"`
	TotalCoins      uint64  `json:"totalCoins"`
}

type StatsView struct {
	Energy              int64    `json:"energy"`
	MaxEnergy           int64    `json:"maxEnergy"`
	EnergyRegenRate     int64    `json:"energyRegenRate"`
	TimeUntilFullEnergy int64    `json:"timeUntilFullEnergy"`
	MiningRate          float64  `json:"miningRate"`
	Coins               uint64   `json:"coins"`
	TotalMined          uint64   `json:"totalMined"`
	TotalTaps           uint64   `json:"totalTaps"`
	TotalEarned         uint64   `json:"totalEarned"`
	ComboCount          int64    `json:"comboCount"`
	ComboMultiplier     float64  `json:"comboMultiplier"`
	ActiveSession       *Session `json:"activeSession,omitempty"`
}

type SessionResult struct {
	Session Session `json:"session"`
	Created bool    `json:"created"`
}

// StopResult reports Stopped=false when the user had no active session.
type StopResult struct {
	Stopped bool     `json:"stopped"`
	Session *Session `json:"session,omitempty"`
}
