package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tapminer/internal/mining"
)

// DB is the Postgres implementation of mining.Store.
type DB struct {
	Pool *pgxpool.Pool
}

var _ mining.Store = (*DB)(nil)

func Connect(ctx context.Context, databaseURL string, maxConns int32) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

func (d *DB) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

func (d *DB) Migrate(ctx context.Context) error {
	sql := `
CREATE TABLE IF NOT EXISTS users (
  user_id BIGINT PRIMARY KEY,
  username TEXT,
  first_name TEXT,
  coins BIGINT NOT NULL DEFAULT 0 CHECK (coins >= 0),
  total_mined BIGINT NOT NULL DEFAULT 0 CHECK (total_mined >= 0),
  energy BIGINT NOT NULL DEFAULT 0 CHECK (energy >= 0),
  max_energy BIGINT NOT NULL DEFAULT 1000,
  mining_rate DOUBLE PRECISION NOT NULL DEFAULT 1,
  energy_updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_stats (
  user_id BIGINT PRIMARY KEY REFERENCES users(user_id) ON DELETE CASCADE,
  total_taps BIGINT NOT NULL DEFAULT 0,
  total_earned BIGINT NOT NULL DEFAULT 0,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS mining_sessions (
  id TEXT PRIMARY KEY,
  user_id BIGINT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
  is_active BOOLEAN NOT NULL DEFAULT true,
  started_at TIMESTAMPTZ NOT NULL,
  ended_at TIMESTAMPTZ,
  taps BIGINT NOT NULL DEFAULT 0,
  coins_mined BIGINT NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS mining_sessions_one_active ON mining_sessions(user_id) WHERE is_active;
CREATE INDEX IF NOT EXISTS mining_sessions_user_started ON mining_sessions(user_id, started_at DESC);
`
	_, err := d.Pool.Exec(ctx, sql)
	return err
}

// WithTx commits when fn returns nil and rolls back otherwise, including on panic.
func (d *DB) WithTx(ctx context.Context, fn func(tx mining.Tx) error) error {
	tx, err := d.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit(ctx))
}

// mapErr translates driver errors into mining sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", mining.ErrConflict, pgErr.Message)
		case "23505":
			if strings.Contains(pgErr.ConstraintName, "mining_sessions_one_active") {
				return fmt.Errorf("%w: %s", mining.ErrConflict, pgErr.Message)
			}
		}
	}
	return err
}

func notFound(userID int64, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("user %d: %w", userID, mining.ErrUserNotFound)
	}
	return err
}

func (d *DB) EnsureUser(ctx context.Context, p mining.Profile, maxEnergy int64, miningRate float64, now time.Time) (mining.UserState, error) {
	if p.UserID <= 0 {
		return mining.UserState{}, errors.New("bad user_id")
	}
	_, err := d.Pool.Exec(ctx, `
INSERT INTO users (user_id, username, first_name, energy, max_energy, mining_rate, energy_updated_at)
VALUES ($1, NULLIF($2,''), NULLIF($3,''), $4, $4, $5, $6)
ON CONFLICT (user_id) DO UPDATE SET
  username = COALESCE(EXCLUDED.username, users.username),
  first_name = COALESCE(EXCLUDED.first_name, users.first_name)
`, p.UserID, strings.TrimSpace(p.Username), strings.TrimSpace(p.FirstName), maxEnergy, miningRate, now.UTC())
	if err != nil {
		return mining.UserState{}, err
	}
	return d.GetState(ctx, p.UserID)
}

const userColumns = `user_id, COALESCE(username,''), COALESCE(first_name,''), coins, total_mined, energy, max_energy, mining_rate, energy_updated_at`

func scanUser(row pgx.Row) (mining.UserState, error) {
	var (
		u            mining.UserState
		coins, mined int64
	)
	if err := row.Scan(&u.UserID, &u.Username, &u.FirstName, &coins, &mined, &u.Energy, &u.MaxEnergy, &u.MiningRate, &u.EnergyUpdatedAt); err != nil {
		return mining.UserState{}, err
	}
	u.Coins = uint64(coins)
	u.TotalMined = uint64(mined)
	u.EnergyUpdatedAt = u.EnergyUpdatedAt.UTC()
	return u, nil
}

func (d *DB) GetState(ctx context.Context, userID int64) (mining.UserState, error) {
	u, err := scanUser(d.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id=$1`, userID))
	if err != nil {
		return mining.UserState{}, notFound(userID, err)
	}
	return u, nil
}

func (d *DB) GetStats(ctx context.Context, userID int64) (mining.UserStats, error) {
	var taps, earned int64
	err := d.Pool.QueryRow(ctx, `SELECT total_taps, total_earned FROM user_stats WHERE user_id=$1`, userID).Scan(&taps, &earned)
	if errors.Is(err, pgx.ErrNoRows) {
		return mining.UserStats{}, nil
	}
	if err != nil {
		return mining.UserStats{}, err
	}
	return mining.UserStats{TotalTaps: uint64(taps), TotalEarned: uint64(earned)}, nil
}

func (d *DB) GetActiveSession(ctx context.Context, userID int64) (mining.Session, bool, error) {
	return activeSession(ctx, d.Pool, userID, false)
}

// ListSessions returns the most recent sessions of a user, newest first.
func (d *DB) ListSessions(ctx context.Context, userID int64, limit int64) ([]mining.Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := d.Pool.Query(ctx, `SELECT `+sessionColumns+` FROM mining_sessions WHERE user_id=$1 ORDER BY started_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]mining.Session, 0, limit)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const sessionColumns = `id, user_id, is_active, started_at, ended_at, taps, coins_mined`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func activeSession(ctx context.Context, q querier, userID int64, forUpdate bool) (mining.Session, bool, error) {
	sql := `SELECT ` + sessionColumns + ` FROM mining_sessions WHERE user_id=$1 AND is_active`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	s, err := scanSession(q.QueryRow(ctx, sql, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return mining.Session{}, false, nil
	}
	if err != nil {
		return mining.Session{}, false, err
	}
	return s, true, nil
}

func scanSession(row pgx.Row) (mining.Session, error) {
	var (
		s           mining.Session
		ended       *time.Time
		taps, coins int64
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.IsActive, &s.StartedAt, &ended, &taps, &coins); err != nil {
		return mining.Session{}, err
	}
	s.StartedAt = s.StartedAt.UTC()
	if ended != nil {
		t := ended.UTC()
		s.EndedAt = &t
	}
	s.Taps = uint64(taps)
	s.CoinsMined = uint64(coins)
	return s, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockState(ctx context.Context, userID int64) (mining.UserState, error) {
	u, err := scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id=$1 FOR UPDATE`, userID))
	if err != nil {
		return mining.UserState{}, notFound(userID, err)
	}
	return u, nil
}

func (t *pgTx) SaveTap(ctx context.Context, userID int64, c mining.TapCommit) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE users
SET energy = $2,
    coins = coins + $3,
    total_mined = total_mined + $3,
    energy_updated_at = $4
WHERE user_id = $1
`, userID, c.Energy, int64(c.CoinsEarned), c.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", userID, mining.ErrUserNotFound)
	}

	_, err = t.tx.Exec(ctx, `
INSERT INTO user_stats (user_id, total_taps, total_earned)
VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE
  SET total_taps = user_stats.total_taps + EXCLUDED.total_taps,
      total_earned = user_stats.total_earned + EXCLUDED.total_earned,
      updated_at = now()
`, userID, int64(c.Taps), int64(c.CoinsEarned))
	if err != nil {
		return fmt.Errorf("failed to update stats: %w", err)
	}

	_, err = t.tx.Exec(ctx, `
UPDATE mining_sessions
SET taps = taps + $2, coins_mined = coins_mined + $3
WHERE user_id = $1 AND is_active
`, userID, int64(c.Taps), int64(c.CoinsEarned))
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (t *pgTx) ActiveSession(ctx context.Context, userID int64) (mining.Session, bool, error) {
	return activeSession(ctx, t.tx, userID, true)
}

func (t *pgTx) InsertSession(ctx context.Context, s mining.Session) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO mining_sessions (id, user_id, is_active, started_at, taps, coins_mined)
VALUES ($1, $2, $3, $4, $5, $6)
`, s.ID, s.UserID, s.IsActive, s.StartedAt.UTC(), int64(s.Taps), int64(s.CoinsMined))
	return err
}

func (t *pgTx) CloseSession(ctx context.Context, sessionID string, endedAt time.Time) (mining.Session, error) {
	s, err := scanSession(t.tx.QueryRow(ctx, `
UPDATE mining_sessions
SET is_active = false, ended_at = $2
WHERE id = $1
RETURNING `+sessionColumns, sessionID, endedAt.UTC()))
	if err != nil {
		return mining.Session{}, fmt.Errorf("failed to close session %s: %w", sessionID, err)
	}
	return s, nil
}
