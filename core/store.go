package core

import (
	"context"
	"time"
)

// Store is the cache that owns live usage records. Implementations must be
// safe for concurrent use and must apply Increment atomically.
type Store interface {
	// Create writes rec unless a record for rec.UserID already exists.
	Create(ctx context.Context, rec Record) (bool, error)
	// Get returns ErrNoSession when absent and wraps ErrMalformedRecord when
	// the stored value cannot be decoded.
	Get(ctx context.Context, userID string) (*Record, error)
	Exists(ctx context.Context, userID string) (bool, error)
	// Increment adds cost to all three counters and stamps lastActivity.
	// The minute counter restarts at cost when more than window elapsed since
	// the previous activity, the day counter restarts when at falls on a new
	// UTC day. Returns ErrNoSession when no record exists.
	Increment(ctx context.Context, userID string, cost int64, at time.Time, window time.Duration) error
	// ResetMinute zeroes the minute counter if lastActivity is still stale.
	ResetMinute(ctx context.Context, userID string, staleAt time.Time) error
	Delete(ctx context.Context, userID string) error
	// UserIDs lists the users that currently hold a record.
	UserIDs(ctx context.Context) ([]string, error)
}

// DurablePusher merges a record into the durable store. It wraps
// ErrDurableRecordGone when the user no longer exists there.
type DurablePusher interface {
	Push(ctx context.Context, rec Record) error
}
