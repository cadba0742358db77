package mining

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps users, stats and sessions in process memory. It backs
// the server when no DATABASE_URL is configured and is used by tests.
// Transactions are serialized by a single mutex; writes are staged and only
// applied when the transaction function returns nil.
type MemoryStore struct {
	mu sync.Mutex

	users    map[int64]UserState
	stats    map[int64]UserStats
	sessions map[string]Session
	active   map[int64]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    map[int64]UserState{},
		stats:    map[int64]UserStats{},
		sessions: map[string]Session{},
		active:   map[int64]string{},
	}
}

// Put replaces a user record as-is.
func (s *MemoryStore) Put(u UserState) {
	s.mu.Lock()
	s.users[u.UserID] = u
	s.mu.Unlock()
}

func (s *MemoryStore) EnsureUser(_ context.Context, p Profile, maxEnergy int64, miningRate float64, now time.Time) (UserState, error) {
	if p.UserID <= 0 {
		return UserState{}, errors.New("bad user_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[p.UserID]
	if !ok {
		u = UserState{
			UserID:          p.UserID,
			Energy:          maxEnergy,
			MaxEnergy:       maxEnergy,
			MiningRate:      miningRate,
			EnergyUpdatedAt: now.UTC(),
		}
	}
	if strings.TrimSpace(p.Username) != "" {
		u.Username = p.Username
	}
	if strings.TrimSpace(p.FirstName) != "" {
		u.FirstName = p.FirstName
	}
	s.users[p.UserID] = u
	return u, nil
}

func (s *MemoryStore) GetState(_ context.Context, userID int64) (UserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return UserState{}, fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	return u, nil
}

func (s *MemoryStore) GetStats(_ context.Context, userID int64) (UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[userID], nil
}

func (s *MemoryStore) GetActiveSession(_ context.Context, userID int64) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.activeLocked(userID)
	return sess, ok, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, userID int64, limit int64) ([]Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0)
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) activeLocked(userID int64) (Session, bool) {
	id, ok := s.active[userID]
	if !ok {
		return Session{}, false
	}
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		return err
	}
	for _, apply := range tx.pending {
		apply()
	}
	return nil
}

// memTx reads committed state; its writes become visible on commit.
type memTx struct {
	s       *MemoryStore
	pending []func()
}

func (t *memTx) LockState(_ context.Context, userID int64) (UserState, error) {
	u, ok := t.s.users[userID]
	if !ok {
		return UserState{}, fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	return u, nil
}

func (t *memTx) SaveTap(_ context.Context, userID int64, c TapCommit) error {
	if _, ok := t.s.users[userID]; !ok {
		return fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	t.pending = append(t.pending, func() {
		u := t.s.users[userID]
		u.Energy = c.Energy
		u.Coins += c.CoinsEarned
		u.TotalMined += c.CoinsEarned
		u.EnergyUpdatedAt = c.At
		t.s.users[userID] = u

		st := t.s.stats[userID]
		st.TotalTaps += c.Taps
		st.TotalEarned += c.CoinsEarned
		t.s.stats[userID] = st

		if sess, ok := t.s.activeLocked(userID); ok {
			sess.Taps += c.Taps
			sess.CoinsMined += c.CoinsEarned
			t.s.sessions[sess.ID] = sess
		}
	})
	return nil
}

func (t *memTx) ActiveSession(_ context.Context, userID int64) (Session, bool, error) {
	sess, ok := t.s.activeLocked(userID)
	return sess, ok, nil
}

func (t *memTx) InsertSession(_ context.Context, sess Session) error {
	if _, ok := t.s.activeLocked(sess.UserID); ok && sess.IsActive {
		return fmt.Errorf("user %d already has an active session: %w", sess.UserID, ErrConflict)
	}
	t.pending = append(t.pending, func() {
		t.s.sessions[sess.ID] = sess
		if sess.IsActive {
			t.s.active[sess.UserID] = sess.ID
		}
	})
	return nil
}

func (t *memTx) CloseSession(_ context.Context, sessionID string, endedAt time.Time) (Session, error) {
	sess, ok := t.s.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("session %s not found", sessionID)
	}
	ended := endedAt
	sess.IsActive = false
	sess.EndedAt = &ended
	t.pending = append(t.pending, func() {
		t.s.sessions[sessionID] = sess
		if t.s.active[sess.UserID] == sessionID {
			delete(t.s.active, sess.UserID)
		}
	})
	return sess, nil
}
