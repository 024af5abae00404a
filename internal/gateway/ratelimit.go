package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// userLimiters hands out one token-bucket limiter per user id. The
// bucket refills at the configured executes-per-minute and allows a
// same-size burst.
type userLimiters struct {
	mu        sync.Mutex
	perMinute int
	users     map[string]*rate.Limiter
}

func newUserLimiters(perMinute int) *userLimiters {
	if perMinute <= 0 {
		perMinute = 20
	}
	return &userLimiters{
		perMinute: perMinute,
		users:     make(map[string]*rate.Limiter),
	}
}

// Allow reports whether userID may start another execution now.
func (l *userLimiters) Allow(userID string) bool {
	if userID == "" {
		userID = "anonymous"
	}
	l.mu.Lock()
	lim, ok := l.users[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		l.users[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
