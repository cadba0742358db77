package mining

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedRandom struct {
	mu   sync.Mutex
	vals []float64
	i    int
}

// Float64 cycles through vals.
func (r *fixedRandom) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.vals[r.i%len(r.vals)]
	r.i++
	return v
}

var (
	neverCrit  = &fixedRandom{vals: []float64{0.99}}
	alwaysCrit = &fixedRandom{vals: []float64{0.0}}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorded struct {
	mu        sync.Mutex
	succeeded int
	failed    []string
}

func (r *recorded) TapSucceeded(int64, TapResult, time.Duration) {
	r.mu.Lock()
	r.succeeded++
	r.mu.Unlock()
}

func (r *recorded) TapFailed(reason string) {
	r.mu.Lock()
	r.failed = append(r.failed, reason)
	r.mu.Unlock()
}

const testUser = int64(42)

func newTestEngine(t *testing.T, rnd RandomSource, deps ...func(*Deps)) (*Engine, *MemoryStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	d := Deps{Store: store, Random: rnd, Now: clock.Now}
	for _, f := range deps {
		f(&d)
	}
	e, err := NewEngine(DefaultConfig(), d)
	require.NoError(t, err)
	return e, store, clock
}

func putUser(store *MemoryStore, energy int64, updatedAt time.Time) {
	store.Put(UserState{
		UserID:          testUser,
		Energy:          energy,
		MaxEnergy:       1000,
		MiningRate:      1.0,
		EnergyUpdatedAt: updatedAt,
	})
}

func TestTapSingle(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newTestEngine(t, neverCrit)
	putUser(store, 5, clock.Now())

	res, err := e.Tap(ctx, testUser, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.CoinsEarned)
	assert.False(t, res.IsCritical)
	assert.Equal(t, int64(1), res.ComboCount)
	assert.InDelta(t, 1.02, res.ComboMultiplier, 1e-9)
	assert.Equal(t, int64(4), res.RemainingEnergy)
	assert.Equal(t, uint64(1), res.TotalCoins)

	u, err := store.GetState(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(4), u.Energy)
	assert.Equal(t, uint64(1), u.Coins)
	assert.Equal(t, uint64(1), u.TotalMined)
	assert.Equal(t, clock.Now(), u.EnergyUpdatedAt)

	stats, err := store.GetStats(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, UserStats{TotalTaps: 1, TotalEarned: 1}, stats)
}

func TestTapCritical(t *testing.T) {
	e, store, clock := newTestEngine(t, alwaysCrit)
	putUser(store, 5, clock.Now())

	res, err := e.Tap(context.Background(), testUser, 1)
	require.NoError(t, err)
	assert.True(t, res.IsCritical)
	assert.Equal(t, uint64(2), res.CoinsEarned)
	assert.Equal(t, int64(4), res.RemainingEnergy)
}

func TestTapComboContinuesWithinWindow(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newTestEngine(t, neverCrit)
	store.Put(UserState{UserID: testUser, Energy: 5, MaxEnergy: 1000, MiningRate: 100, EnergyUpdatedAt: clock.Now()})

	first, err := e.Tap(ctx, testUser, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ComboCount)
	assert.Equal(t, uint64(102), first.CoinsEarned)

	clock.Advance(500 * time.Millisecond)
	second, err := e.Tap(ctx, testUser, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.ComboCount)
	assert.InDelta(t, 1.04, second.ComboMultiplier, 1e-9)
	assert.Equal(t, uint64(104), second.CoinsEarned)
	assert.Equal(t, uint64(206), second.TotalCoins)
}

func TestTapComboWindowEdges(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newTestEngine(t, neverCrit)
	putUser(store, 100, clock.Now())

	_, err := e.Tap(ctx, testUser, 1)
	require.NoError(t, err)

	clock.Advance(1999 * time.Millisecond)
	res, err := e.Tap(ctx, testUser, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.ComboCount)

	clock.Advance(2001 * time.Millisecond)
	res, err = e.Tap(ctx, testUser, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ComboCount)
}

func TestTapBatchUsesOneMultiplier(t *testing.T) {
	e, store, clock := newTestEngine(t, &fixedRandom{vals: []float64{0.99, 0.01, 0.99}})
	store.Put(UserState{UserID: testUser, Energy: 10, MaxEnergy: 1000, MiningRate: 100, EnergyUpdatedAt: clock.Now()})

	res, err := e.Tap(context.Background(), testUser, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ComboCount)
	assert.True(t, res.IsCritical, "one crit in the batch marks the result")
	assert.Equal(t, uint64(102+204+102), res.CoinsEarned)
	assert.Equal(t, int64(7), res.RemainingEnergy)
}

func TestTapRegeneratesBeforeCharging(t *testing.T) {
	e, store, clock := newTestEngine(t, neverCrit)
	putUser(store, 0, clock.Now().Add(-10*time.Second))

	res, err := e.Tap(context.Background(), testUser, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.RemainingEnergy)
}

func TestTapInsufficientEnergyLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	rec := &recorded{}
	e, store, clock := newTestEngine(t, neverCrit, func(d *Deps) { d.Recorder = rec })
	putUser(store, 0, clock.Now())
	before, err := store.GetState(ctx, testUser)
	require.NoError(t, err)

	_, err = e.Tap(ctx, testUser, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientEnergy)
	var energyErr *InsufficientEnergyError
	require.ErrorAs(t, err, &energyErr)
	assert.Equal(t, int64(0), energyErr.Current)
	assert.Equal(t, int64(1), energyErr.Required)

	after, err := store.GetState(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	stats, err := store.GetStats(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, UserStats{}, stats)

	view, err := e.Stats(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.ComboCount, "a rejected tap does not start a streak")
	assert.Equal(t, []string{"insufficient_energy"}, rec.failed)
}

func TestTapBatchTooExpensive(t *testing.T) {
	e, store, clock := newTestEngine(t, neverCrit)
	putUser(store, 3, clock.Now())

	_, err := e.Tap(context.Background(), testUser, 4)
	assert.ErrorIs(t, err, ErrInsufficientEnergy)
}

func TestTapValidation(t *testing.T) {
	e, store, clock := newTestEngine(t, neverCrit)
	putUser(store, 5, clock.Now())

	_, err := e.Tap(context.Background(), testUser, 0)
	assert.ErrorIs(t, err, ErrInvalidTapCount)
	_, err = e.Tap(context.Background(), testUser, DefaultConfig().TapMaxPerRequest+1)
	assert.ErrorIs(t, err, ErrInvalidTapCount)
	_, err = e.Tap(context.Background(), 7, 1)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestTapCoinsNeverDecrease(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newTestEngine(t, &fixedRandom{vals: []float64{0.5, 0.01, 0.2, 0.03}})
	putUser(store, 50, clock.Now())

	var lastCoins, lastMined uint64
	for i := 0; i < 40; i++ {
		clock.Advance(time.Duration(i%5) * 700 * time.Millisecond)
		_, err := e.Tap(ctx, testUser, int64(i%3+1))
		if errors.Is(err, ErrInsufficientEnergy) {
			clock.Advance(3 * time.Second)
			continue
		}
		require.NoError(t, err)
		u, err := store.GetState(ctx, testUser)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, u.Coins, lastCoins)
		assert.GreaterOrEqual(t, u.TotalMined, lastMined)
		assert.GreaterOrEqual(t, u.Energy, int64(0))
		assert.LessOrEqual(t, u.Energy, u.MaxEnergy)
		lastCoins, lastMined = u.Coins, u.TotalMined
	}
}

func TestStatsAfterTapMatches(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newTestEngine(t, neverCrit)
	putUser(store, 20, clock.Now().Add(-3*time.Second))

	res, err := e.Tap(ctx, testUser, 2)
	require.NoError(t, err)

	view, err := e.Stats(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, res.RemainingEnergy, view.Energy)
	assert.Equal(t, res.TotalCoins, view.TotalMined)
	assert.Equal(t, res.TotalCoins, view.Coins)
	assert.Equal(t, int64(1), view.ComboCount)
	assert.Equal(t, uint64(2), view.TotalTaps)
	assert.Equal(t, 1000-view.Energy, view.TimeUntilFullEnergy)
}

func TestStatsIsReadOnly(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newTestEngine(t, neverCrit)
	putUser(store, 0, clock.Now().Add(-30*time.Second))
	before, err := store.GetState(ctx, testUser)
	require.NoError(t, err)

	view, err := e.Stats(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(30), view.Energy)
	assert.Equal(t, int64(970), view.TimeUntilFullEnergy)
	assert.InDelta(t, 1.0, view.ComboMultiplier, 1e-9)

	after, err := store.GetState(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = e.Stats(ctx, 7)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestConcurrentTapsSameUser(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newTestEngine(t, neverCrit)
	putUser(store, 1000, clock.Now())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Tap(ctx, testUser, 2)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	u, err := store.GetState(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(900), u.Energy)
	stats, err := store.GetStats(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), stats.TotalTaps)
	assert.Equal(t, u.TotalMined, stats.TotalEarned)
	assert.Equal(t, 0, e.locks.size())
}

// conflictStore fails the first n transactions after running them.
type conflictStore struct {
	*MemoryStore
	n     int
	calls int
}

func (s *conflictStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.calls++
	if s.n > 0 {
		s.n--
		return s.MemoryStore.WithTx(ctx, func(tx Tx) error {
			if err := fn(tx); err != nil {
				return err
			}
			return ErrConflict
		})
	}
	return s.MemoryStore.WithTx(ctx, fn)
}

func TestTapRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := &conflictStore{MemoryStore: NewMemoryStore(), n: 2}
	putUser(store.MemoryStore, 5, clock.Now())
	e, err := NewEngine(DefaultConfig(), Deps{Store: store, Random: neverCrit, Now: clock.Now})
	require.NoError(t, err)

	res, err := e.Tap(ctx, testUser, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, store.calls)
	assert.Equal(t, int64(1), res.ComboCount, "retries do not advance the streak")
	assert.Equal(t, int64(4), res.RemainingEnergy)

	u, err := store.GetState(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.Coins)
}

func TestTapGivesUpAfterRetries(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := &conflictStore{MemoryStore: NewMemoryStore(), n: 100}
	putUser(store.MemoryStore, 5, clock.Now())
	e, err := NewEngine(DefaultConfig(), Deps{Store: store, Random: neverCrit, Now: clock.Now})
	require.NoError(t, err)

	_, err = e.Tap(context.Background(), testUser, 1)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, DefaultConfig().MaxTxRetries+1, store.calls)

	u, err := store.GetState(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(5), u.Energy)
}

type brokenCombo struct{}

func (brokenCombo) Advance(context.Context, int64, time.Time) (ComboState, error) {
	return ComboState{}, errors.New("redis down")
}

func (brokenCombo) Peek(context.Context, int64, time.Time) (ComboState, bool, error) {
	return ComboState{}, false, errors.New("redis down")
}

func TestTapSurvivesComboOutage(t *testing.T) {
	e, store, clock := newTestEngine(t, neverCrit, func(d *Deps) { d.Combo = brokenCombo{} })
	putUser(store, 5, clock.Now())

	res, err := e.Tap(context.Background(), testUser, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ComboCount)

	view, err := e.Stats(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.ComboCount)
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newTestEngine(t, neverCrit)
	putUser(store, 100, clock.Now())

	stop, err := e.StopSession(ctx, testUser)
	require.NoError(t, err)
	assert.False(t, stop.Stopped)
	assert.Nil(t, stop.Session)

	started, err := e.StartSession(ctx, testUser)
	require.NoError(t, err)
	assert.True(t, started.Created)
	assert.True(t, started.Session.IsActive)
	assert.NotEmpty(t, started.Session.ID)

	again, err := e.StartSession(ctx, testUser)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, started.Session.ID, again.Session.ID)

	_, err = e.Tap(ctx, testUser, 3)
	require.NoError(t, err)

	view, err := e.Stats(ctx, testUser)
	require.NoError(t, err)
	require.NotNil(t, view.ActiveSession)
	assert.Equal(t, uint64(3), view.ActiveSession.Taps)
	assert.Equal(t, uint64(3), view.ActiveSession.CoinsMined)

	clock.Advance(time.Minute)
	stop, err = e.StopSession(ctx, testUser)
	require.NoError(t, err)
	assert.True(t, stop.Stopped)
	require.NotNil(t, stop.Session)
	assert.False(t, stop.Session.IsActive)
	require.NotNil(t, stop.Session.EndedAt)
	assert.Equal(t, clock.Now(), *stop.Session.EndedAt)

	view, err = e.Stats(ctx, testUser)
	require.NoError(t, err)
	assert.Nil(t, view.ActiveSession)

	_, err = e.StartSession(ctx, 7)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestEnsureUserDefaults(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newTestEngine(t, neverCrit)

	u, err := e.EnsureUser(ctx, Profile{UserID: 9, Username: "alice", FirstName: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), u.Energy)
	assert.Equal(t, int64(1000), u.MaxEnergy)
	assert.InDelta(t, 1.0, u.MiningRate, 1e-9)
	assert.Equal(t, clock.Now(), u.EnergyUpdatedAt)

	store.Put(UserState{UserID: 9, Username: "alice", Energy: 3, MaxEnergy: 1000, MiningRate: 1.5})
	u, err = e.EnsureUser(ctx, Profile{UserID: 9, Username: "alice2"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.Energy, "existing users keep their mining state")
	assert.Equal(t, "alice2", u.Username)

	_, err = e.EnsureUser(ctx, Profile{})
	assert.Error(t, err)
}

func TestNewEngineValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ComboCap = 0.5
	_, err := NewEngine(cfg, Deps{Store: NewMemoryStore()})
	assert.Error(t, err)

	_, err = NewEngine(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestSessionsNewestFirst(t *testing.T) {
	e, store, clock := newTestEngine(t, neverCrit)
	putUser(store, 100, clock.Now())
	ctx := context.Background()

	first, err := e.StartSession(ctx, testUser)
	require.NoError(t, err)
	_, err = e.StopSession(ctx, testUser)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second, err := e.StartSession(ctx, testUser)
	require.NoError(t, err)

	list, err := e.Sessions(ctx, testUser, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.Session.ID, list[0].ID)
	assert.Equal(t, first.Session.ID, list[1].ID)
	assert.False(t, list[1].IsActive)

	_, err = e.Sessions(ctx, 777, 10)
	assert.ErrorIs(t, err, ErrUserNotFound)
}
