package core

import (
	"context"
	"time"
)

// RateLimiter counts attempts per key in fixed windows. The gateway uses it to
// throttle login attempts per user id across replicas.
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) error
	Reset(ctx context.Context, key string) error
}
