package chatserver

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// throttle counts handshake attempts per remote host in a window that starts
// with the first attempt. A nil throttle allows everything.
type throttle struct {
	attempts *cache.Cache
	limit    int
	window   time.Duration
}

func newThrottle(limit int, window time.Duration) *throttle {
	if limit <= 0 || window <= 0 {
		return nil
	}

	return &throttle{
		attempts: cache.New(window, 2*window),
		limit:    limit,
		window:   window,
	}
}

// Allow records one attempt for host and reports whether it is within limit.
func (t *throttle) Allow(host string) bool {
	if t == nil {
		return true
	}

	if err := t.attempts.Add(host, 1, t.window); err == nil {
		return t.limit >= 1
	}

	n, err := t.attempts.IncrementInt(host, 1)
	if err != nil {
		// Expired between Add and IncrementInt.
		t.attempts.Set(host, 1, t.window)
		return true
	}

	return n <= t.limit
}
