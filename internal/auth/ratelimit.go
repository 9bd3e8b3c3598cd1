package auth

import (
	"sync"
	"time"
)

// FailureLimiter blocks a client after repeated bad tokens, doubling the
// block for every failure past the threshold.
type FailureLimiter struct {
	mu       sync.Mutex
	attempts map[string]*failureRecord
	now      func() time.Time

	maxFailures int
	window      time.Duration
	baseBlock   time.Duration
	maxBlock    time.Duration
}

type failureRecord struct {
	failures  int
	lastFail  time.Time
	blockedAt time.Time
}

func NewFailureLimiter(maxFailures int, window, baseBlock, maxBlock time.Duration) *FailureLimiter {
	return &FailureLimiter{
		attempts:    make(map[string]*failureRecord),
		now:         time.Now,
		maxFailures: maxFailures,
		window:      window,
		baseBlock:   baseBlock,
		maxBlock:    maxBlock,
	}
}

// Blocked reports whether client is blocked and for how much longer.
func (l *FailureLimiter) Blocked(client string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.attempts[client]
	if !ok || rec.blockedAt.IsZero() {
		return false, 0
	}
	until := rec.blockedAt.Add(l.block(rec.failures))
	now := l.now()
	if !now.Before(until) {
		return false, 0
	}
	return true, until.Sub(now)
}

// Fail records a rejected token from client.
func (l *FailureLimiter) Fail(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	rec, ok := l.attempts[client]
	if !ok {
		rec = &failureRecord{}
		l.attempts[client] = rec
	}
	if !rec.lastFail.IsZero() && now.Sub(rec.lastFail) > l.window {
		rec.failures = 0
		rec.blockedAt = time.Time{}
	}
	rec.failures++
	rec.lastFail = now
	if rec.failures >= l.maxFailures {
		rec.blockedAt = now
	}
}

// Succeed forgets client.
func (l *FailureLimiter) Succeed(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, client)
}

func (l *FailureLimiter) block(failures int) time.Duration {
	if failures <= l.maxFailures {
		return l.baseBlock
	}
	shift := failures - l.maxFailures
	if shift > 16 {
		return l.maxBlock
	}
	d := l.baseBlock << shift
	if d > l.maxBlock {
		return l.maxBlock
	}
	return d
}

// prune drops records idle for two windows. Caller holds mu.
func (l *FailureLimiter) prune(now time.Time) {
	for k, rec := range l.attempts {
		if now.Sub(rec.lastFail) > 2*l.window {
			delete(l.attempts, k)
		}
	}
}
