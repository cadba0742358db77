package mining

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ComboTracker keeps the short-lived per-user tap streak.
type ComboTracker interface {
	// Advance moves the streak forward for a tap at now and returns the new state.
	Advance(ctx context.Context, userID int64, now time.Time) (ComboState, error)
	// Peek returns the streak if it is still alive at now. It never mutates.
	Peek(ctx context.Context, userID int64, now time.Time) (ComboState, bool, error)
}

// comboTTL is how long a streak entry is kept. Entries expire on the wall
// clock while streaks are judged on the engine clock, so the TTL leaves
// slack past the window; NextCombo and Peek enforce the window itself.
func comboTTL(window time.Duration) time.Duration {
	return 2 * window
}

// MemoryCombo is a bounded in-process tracker. Entries expire after
// comboTTL and the least recently used ones are evicted when the cache is
// full.
type MemoryCombo struct {
	window time.Duration

	mu    sync.Mutex
	cache *expirable.LRU[int64, ComboState]
}

func NewMemoryCombo(size int, window time.Duration) *MemoryCombo {
	if size < 1 {
		size = 1
	}
	return &MemoryCombo{
		window: window,
		cache:  expirable.NewLRU[int64, ComboState](size, nil, comboTTL(window)),
	}
}

func (m *MemoryCombo) Advance(_ context.Context, userID int64, now time.Time) (ComboState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.cache.Get(userID)
	next := NextCombo(prev, ok, now, m.window)
	m.cache.Add(userID, next)
	return next, nil
}

func (m *MemoryCombo) Peek(_ context.Context, userID int64, now time.Time) (ComboState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.cache.Peek(userID)
	if !ok || st.Count <= 0 || now.Sub(st.LastTapAt) > m.window {
		return ComboState{}, false, nil
	}
	return st, true, nil
}

func (m *MemoryCombo) Len() int {
	return m.cache.Len()
}
