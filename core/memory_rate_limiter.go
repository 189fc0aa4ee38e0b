package core

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
)

type MemoryRateLimiter struct {
	mu    sync.Mutex
	clock quartz.Clock
	keys  map[string]*attemptWindow
}

type attemptWindow struct {
	count     int
	windowEnd time.Time
}

func NewMemoryRateLimiter(clock quartz.Clock) *MemoryRateLimiter {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &MemoryRateLimiter{
		clock: clock,
		keys:  make(map[string]*attemptWindow),
	}
}

func (r *MemoryRateLimiter) CheckAndIncrement(_ context.Context, key string, limit int, window time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	w, exists := r.keys[key]

	if !exists || now.After(w.windowEnd) {
		r.keys[key] = &attemptWindow{
			count:     1,
			windowEnd: now.Add(window),
		}
		return nil
	}

	if w.count >= limit {
		return ErrRateLimitExceeded
	}

	w.count++
	return nil
}

func (r *MemoryRateLimiter) Reset(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, key)
	return nil
}
