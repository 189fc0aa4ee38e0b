package directory

import (
	"context"
	"time"
)

// Store persists user documents. Implementations must be safe for concurrent
// use and must apply MergeActivity atomically per user.
type Store interface {
	Create(ctx context.Context, u User) error
	Get(ctx context.Context, userID string) (*User, error)
	MergeActivity(ctx context.Context, s ActivitySync) (*User, error)
	Delete(ctx context.Context, userID string) error
	// ActiveSince lists users whose last activity is after threshold, most
	// recent first.
	ActiveSince(ctx context.Context, threshold time.Time) ([]User, error)
	// HighUsage lists users with at least minTotal lifetime usage, highest
	// first.
	HighUsage(ctx context.Context, minTotal int64) ([]User, error)
	Close() error
}
