package mining

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RandomSource decides critical hits. Float64 returns a value in [0, 1).
type RandomSource interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// Deps are the collaborators of an Engine. Only Store is required.
type Deps struct {
	Store    Store
	Combo    ComboTracker
	Random   RandomSource
	Now      func() time.Time
	Recorder Recorder
	Logger   zerolog.Logger
}

// Engine is the tap/energy/combo calculator. It is safe for concurrent use;
// calls for the same user are serialized.
type Engine struct {
	cfg   Config
	store Store
	combo ComboTracker
	rnd   RandomSource
	now   func() time.Time
	rec   Recorder
	log   zerolog.Logger
	locks *userLocks
}

func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mining config: %w", err)
	}
	if deps.Store == nil {
		return nil, errors.New("mining: store is required")
	}
	e := &Engine{
		cfg:   cfg,
		store: deps.Store,
		combo: deps.Combo,
		rnd:   deps.Random,
		now:   deps.Now,
		rec:   deps.Recorder,
		log:   deps.Logger.With().Str("component", "mining").Logger(),
		locks: newUserLocks(),
	}
	if e.combo == nil {
		e.combo = NewMemoryCombo(cfg.ComboCacheSize, cfg.ComboWindow)
	}
	if e.rnd == nil {
		e.rnd = globalRand{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.rec == nil {
		e.rec = nopRecorder{}
	}
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

// EnsureUser creates the user with default energy and mining rate, or
// refreshes the profile fields of an existing one.
func (e *Engine) EnsureUser(ctx context.Context, p Profile) (UserState, error) {
	if p.UserID <= 0 {
		return UserState{}, errors.New("bad user_id")
	}
	return e.store.EnsureUser(ctx, p, e.cfg.DefaultMaxEnergy, e.cfg.DefaultMiningRate, e.now().UTC())
}

// User returns the stored user record.
func (e *Engine) User(ctx context.Context, userID int64) (UserState, error) {
	return e.store.GetState(ctx, userID)
}

// Tap regenerates energy, charges tapCount taps and credits the reward in
// one transaction.
func (e *Engine) Tap(ctx context.Context, userID int64, tapCount int64) (TapResult, error) {
	started := time.Now()
	if tapCount < 1 || tapCount > e.cfg.TapMaxPerRequest {
		e.rec.TapFailed("invalid_tap_count")
		return TapResult{}, fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidTapCount, tapCount, e.cfg.TapMaxPerRequest)
	}

	unlock := e.locks.Lock(userID)
	defer unlock()

	now := e.now().UTC()
	cost := tapCount * e.cfg.TapEnergyCost

	var (
		res        TapResult
		combo      ComboState
		comboReady bool
	)
	err := e.withRetry(ctx, func(tx Tx) error {
		st, err := tx.LockState(ctx, userID)
		if err != nil {
			return err
		}
		current := RegenerateEnergy(st.Energy, st.MaxEnergy, e.cfg.EnergyRegenRate, st.EnergyUpdatedAt, now)
		if current < cost {
			return &InsufficientEnergyError{Current: current, Required: cost}
		}

		// A retried transaction reuses the streak so it moves once per request.
		if !comboReady {
			combo = e.advanceCombo(ctx, userID, now)
			comboReady = true
		}
		mult := ComboMultiplier(combo.Count, e.cfg.ComboStep, e.cfg.ComboCap)
		earned, critical := e.rollRewards(st.MiningRate, mult, tapCount)

		commit := TapCommit{
			Energy:      current - cost,
			CoinsEarned: earned,
			Taps:        uint64(tapCount),
			At:          now,
		}
		if err := tx.SaveTap(ctx, userID, commit); err != nil {
			return err
		}
		res = TapResult{
			CoinsEarned:     earned,
			IsCritical:      critical,
			ComboMultiplier: mult,
			ComboCount:      combo.Count,
			RemainingEnergy: commit.Energy,
			TotalCoins:      st.Coins + earned,
		}
		return nil
	})
	if err != nil {
		e.rec.TapFailed(failureReason(err))
		return TapResult{}, err
	}
	e.rec.TapSucceeded(tapCount, res, time.Since(started))
	return res, nil
}

func (e *Engine) rollRewards(miningRate, comboMult float64, tapCount int64) (total uint64, anyCritical bool) {
	base := BaseReward(e.cfg.BaseMiningRate, miningRate)
	for i := int64(0); i < tapCount; i++ {
		critical := e.rnd.Float64() < e.cfg.CriticalChance
		if critical {
			anyCritical = true
		}
		total += TapReward(base, comboMult, critical, e.cfg.CriticalMultiplier)
	}
	return total, anyCritical
}

// advanceCombo never fails the tap: a tracker outage degrades to a fresh streak.
func (e *Engine) advanceCombo(ctx context.Context, userID int64, now time.Time) ComboState {
	st, err := e.combo.Advance(ctx, userID, now)
	if err != nil {
		e.log.Warn().Err(err).Int64("user_id", userID).Msg("combo tracker unavailable")
		return ComboState{Count: 1, LastTapAt: now}
	}
	return st
}

// Stats is a read-only view: energy is regenerated in the result only.
func (e *Engine) Stats(ctx context.Context, userID int64) (StatsView, error) {
	now := e.now().UTC()
	st, err := e.store.GetState(ctx, userID)
	if err != nil {
		return StatsView{}, err
	}
	counters, err := e.store.GetStats(ctx, userID)
	if err != nil {
		return StatsView{}, fmt.Errorf("failed to get stats: %w", err)
	}
	sess, hasSession, err := e.store.GetActiveSession(ctx, userID)
	if err != nil {
		return StatsView{}, fmt.Errorf("failed to get session: %w", err)
	}

	var comboCount int64
	if combo, ok, err := e.combo.Peek(ctx, userID, now); err != nil {
		e.log.Debug().Err(err).Int64("user_id", userID).Msg("combo peek failed")
	} else if ok {
		comboCount = combo.Count
	}

	current := RegenerateEnergy(st.Energy, st.MaxEnergy, e.cfg.EnergyRegenRate, st.EnergyUpdatedAt, now)
	view := StatsView{
		Energy:              current,
		MaxEnergy:           st.MaxEnergy,
		EnergyRegenRate:     e.cfg.EnergyRegenRate,
		TimeUntilFullEnergy: TimeUntilFull(current, st.MaxEnergy, e.cfg.EnergyRegenRate),
		MiningRate:          st.MiningRate,
		Coins:               st.Coins,
		TotalMined:          st.TotalMined,
		TotalTaps:           counters.TotalTaps,
		TotalEarned:         counters.TotalEarned,
		ComboCount:          comboCount,
		ComboMultiplier:     ComboMultiplier(comboCount, e.cfg.ComboStep, e.cfg.ComboCap),
	}
	if hasSession {
		view.ActiveSession = &sess
	}
	return view, nil
}

// StartSession returns the active session, creating one if there is none.
func (e *Engine) StartSession(ctx context.Context, userID int64) (SessionResult, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	now := e.now().UTC()
	var out SessionResult
	err := e.withRetry(ctx, func(tx Tx) error {
		if _, err := tx.LockState(ctx, userID); err != nil {
			return err
		}
		existing, ok, err := tx.ActiveSession(ctx, userID)
		if err != nil {
			return err
		}
		if ok {
			out = SessionResult{Session: existing, Created: false}
			return nil
		}
		sess := Session{
			ID:        uuid.NewString(),
			UserID:    userID,
			IsActive:  true,
			StartedAt: now,
		}
		if err := tx.InsertSession(ctx, sess); err != nil {
			return err
		}
		out = SessionResult{Session: sess, Created: true}
		return nil
	})
	if err != nil {
		return SessionResult{}, err
	}
	return out, nil
}

// StopSession closes the active session. Without one it is a no-op.
func (e *Engine) StopSession(ctx context.Context, userID int64) (StopResult, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	now := e.now().UTC()
	var out StopResult
	err := e.withRetry(ctx, func(tx Tx) error {
		if _, err := tx.LockState(ctx, userID); err != nil {
			return err
		}
		existing, ok, err := tx.ActiveSession(ctx, userID)
		if err != nil {
			return err
		}
		if !ok {
			out = StopResult{Stopped: false}
			return nil
		}
		closed, err := tx.CloseSession(ctx, existing.ID, now)
		if err != nil {
			return err
		}
		out = StopResult{Stopped: true, Session: &closed}
		return nil
	})
	if err != nil {
		return StopResult{}, err
	}
	return out, nil
}

// Sessions lists recent sessions, newest first.
func (e *Engine) Sessions(ctx context.Context, userID int64, limit int64) ([]Session, error) {
	if _, err := e.store.GetState(ctx, userID); err != nil {
		return nil, err
	}
	return e.store.ListSessions(ctx, userID, limit)
}

func (e *Engine) withRetry(ctx context.Context, fn func(tx Tx) error) error {
	attempts := e.cfg.MaxTxRetries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = e.store.WithTx(ctx, fn)
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.log.Debug().Err(err).Int("attempt", attempt).Msg("transaction conflict, retrying")
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientEnergy):
		return "insufficient_energy"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
