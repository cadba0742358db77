package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// userLimiter keeps one token bucket per user. Idle buckets expire, and the
// LRU bound caps memory under a flood of distinct users.
type userLimiter struct {
	mu      sync.Mutex
	buckets *expirable.LRU[int64, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

func newUserLimiter(perSec float64, burst int) *userLimiter {
	return &userLimiter{
		buckets: expirable.NewLRU[int64, *rate.Limiter](100_000, nil, 10*time.Minute),
		limit:   rate.Limit(perSec),
		burst:   burst,
	}
}

func (l *userLimiter) limiter(userID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.buckets.Get(userID); ok {
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.buckets.Add(userID, lim)
	return lim
}

func (l *userLimiter) Allow(userID int64) bool {
	return l.limiter(userID).Allow()
}

// rateLimit runs after authenticate, so the user id is known.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(UserIDFrom(r.Context())) {
			w.Header().Set("Retry-After", "1")
			s.errs.HandleError(w, r, NewRateLimitError(1))
			return
		}
		next.ServeHTTP(w, r)
	})
}
