package pipeline

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// lockStripes shards per-user state across independent mutexes so two
// unrelated users never serialize on the same lock. A user always maps
// to the same stripe; entries within a stripe stay mutually exclusive.
const lockStripes = 16

func stripeFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % lockStripes)
}

// userLimiter enforces a per-user sliding window: at most maxPerWindow
// requests in any trailing window. Timestamps are pruned lazily on each
// check, so an idle user costs nothing.
type userLimiter struct {
	window       time.Duration
	maxPerWindow atomic.Int64
	now          func() time.Time
	stripes      [lockStripes]limiterStripe
}

type limiterStripe struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

func newUserLimiter(maxPerWindow int, window time.Duration) *userLimiter {
	if maxPerWindow <= 0 {
		maxPerWindow = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	l := &userLimiter{
		window: window,
		now:    time.Now,
	}
	l.maxPerWindow.Store(int64(maxPerWindow))
	for i := range l.stripes {
		l.stripes[i].hits = make(map[string][]time.Time)
	}
	return l
}

// allow records a hit and reports whether the user is within the limit.
// A rejected request does not consume a slot. Only the caller's stripe
// is locked.
func (l *userLimiter) allow(userID string) bool {
	st := &l.stripes[stripeFor(userID)]
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	recent := st.hits[userID][:0]
	for _, t := range st.hits[userID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= int(l.maxPerWindow.Load()) {
		st.hits[userID] = recent
		return false
	}

	st.hits[userID] = append(recent, now)
	return true
}

// setLimit applies a new per-window maximum, used by config hot-reload.
func (l *userLimiter) setLimit(maxPerWindow int) {
	if maxPerWindow <= 0 {
		return
	}
	l.maxPerWindow.Store(int64(maxPerWindow))
}
