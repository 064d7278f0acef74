package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// Local is an in-process fixed window limiter keyed by user.
type Local struct {
	mu      sync.Mutex
	limit   int
	period  time.Duration
	windows map[string]*window
	now     func() time.Time
}

// NewLocal returns a limiter allowing limit actions per period and key.
// limit <= 0 disables limiting.
func NewLocal(limit int, period time.Duration) *Local {
	if period <= 0 {
		period = time.Minute
	}
	return &Local{
		limit:   limit,
		period:  period,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	if l == nil || l.limit <= 0 {
		return true, nil
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.period {
		l.sweepLocked(now)
		w = &window{start: now}
		l.windows[key] = w
	}
	w.count++
	return w.count <= l.limit, nil
}

// sweepLocked drops expired windows so idle keys do not accumulate.
func (l *Local) sweepLocked(now time.Time) {
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.period {
			delete(l.windows, k)
		}
	}
}
