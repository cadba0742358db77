package mining

import (
	"context"
	"time"
)

// Store is the persistent side of the engine.
type Store interface {
	EnsureUser(ctx context.Context, p Profile, maxEnergy int64, miningRate float64, now time.Time) (UserState, error)
	GetState(ctx context.Context, userID int64) (UserState, error)
	GetStats(ctx context.Context, userID int64) (UserStats, error)
	GetActiveSession(ctx context.Context, userID int64) (Session, bool, error)
	ListSessions(ctx context.Context, userID int64, limit int64) ([]Session, error)

	// WithTx runs fn in a transaction. It commits when fn returns nil and
	// rolls back on error or panic. Implementations report lost
	// serialization races as ErrConflict.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the read-modify-write surface available inside WithTx.
type Tx interface {
	// LockState reads the user row and holds it until the transaction ends.
	LockState(ctx context.Context, userID int64) (UserState, error)
	SaveTap(ctx context.Context, userID int64, c TapCommit) error
	ActiveSession(ctx context.Context, userID int64) (Session, bool, error)
	InsertSession(ctx context.Context, s Session) error
	CloseSession(ctx context.Context, sessionID string, endedAt time.Time) (Session, error)
}

// Recorder receives tap outcomes, typically for metrics.
type Recorder interface {
	TapSucceeded(taps int64, res TapResult, elapsed time.Duration)
	TapFailed(reason string)
}

type nopRecorder struct{}

func (nopRecorder) TapSucceeded(int64, TapResult, time.Duration) {}
func (nopRecorder) TapFailed(string)                              {}
