package mining

import "sync"

// userLocks serializes work per user. Entries live only while someone holds
// or waits for them.
type userLocks struct {
	mu sync.Mutex
	m  map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{m: map[int64]*userLock{}}
}

func (l *userLocks) Lock(userID int64) (unlock func()) {
	l.mu.Lock()
	ent := l.m[userID]
	if ent == nil {
		ent = &userLock{}
		l.m[userID] = ent
	}
	ent.refs++
	l.mu.Unlock()

	ent.mu.Lock()
	return func() {
		ent.mu.Unlock()
		l.mu.Lock()
		ent.refs--
		if ent.refs == 0 {
			delete(l.m, userID)
		}
		l.mu.Unlock()
	}
}

func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
