// Package ratelimit adapts the teacher's util/throttle (used in
// spilldb/db/auth.go to back off repeated failed auth attempts) to the
// sync engine: a source_device that keeps tripping SyncRejected gets
// backed off instead of being allowed to spin the store on every
// retry.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks rejection counts per key and reports whether a key is
// currently in its backoff window.
type Limiter struct {
	mu       sync.Mutex
	attempts map[string]state
	cleaned  time.Time
}

type state struct {
	last      time.Time
	rejections int
}

const (
	backoff    = 3 * time.Second
	window     = 60 * time.Second
	rejectionBuffer = 5
)

// Blocked reports whether key should be rejected before even
// attempting a sync, because it has tripped the rejection buffer
// recently.
func (l *Limiter) Blocked(key string) bool {
	now := timeNow()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.cleaned) > window {
		for k, st := range l.attempts {
			if now.Sub(st.last) > backoff {
				delete(l.attempts, k)
			}
		}
		l.cleaned = now
	}

	st := l.attempts[key]
	return st.rejections >= rejectionBuffer && now.Sub(st.last) < backoff
}

// Add records a SyncRejected outcome for key.
func (l *Limiter) Add(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attempts == nil {
		l.attempts = make(map[string]state)
	}
	st := l.attempts[key]
	st.last = timeNow()
	st.rejections++
	l.attempts[key] = st
}

// Clear resets key's rejection count after a successful sync.
func (l *Limiter) Clear(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

var timeNow = time.Now
