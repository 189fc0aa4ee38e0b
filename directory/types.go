package directory

import (
	"errors"
	"fmt"
	"time"

	"github.com/tunaaoguzhann/token-activity/core"
)

// User is the durable document kept per user.
type User struct {
	ID           string    `json:"user_id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	UsedPerDay   int64     `json:"used_per_day"`
	UsageDay     string    `json:"usage_day"`
	TotalUsage   int64     `json:"total_usage"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`

	// SessionID and SessionHighWater track how much of the current session
	// has already been merged, so repeated pushes of one snapshot add nothing.
	SessionID        string `json:"-"`
	SessionHighWater int64  `json:"-"`
}

// Seed returns the counters a new session starts from.
func (u User) Seed() core.Seed {
	return core.Seed{
		UsedPerDay: u.UsedPerDay,
		TotalUsage: u.TotalUsage,
		Day:        u.UsageDay,
	}
}

// ActivitySync is a snapshot of a live usage record pushed for merging.
type ActivitySync struct {
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id"`
	LastActivity   time.Time `json:"last_activity"`
	Day            string    `json:"day"`
	UsedPerDay     int64     `json:"used_per_day"`
	TotalUsage     int64     `json:"total_usage"`
	SeedTotalUsage int64     `json:"seed_total_usage"`
}

func SyncFromRecord(rec core.Record) ActivitySync {
	return ActivitySync{
		UserID:         rec.UserID,
		SessionID:      rec.SessionID.String(),
		LastActivity:   rec.LastActivity,
		Day:            rec.Day,
		UsedPerDay:     rec.UsedPerDay,
		TotalUsage:     rec.TotalUsage,
		SeedTotalUsage: rec.SeedTotalUsage,
	}
}

func (s ActivitySync) Validate() error {
	if err := core.ValidateUserID(s.UserID); err != nil {
		return err
	}
	if s.SessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrBadRequest)
	}
	if s.UsedPerDay < 0 || s.TotalUsage < 0 || s.SeedTotalUsage < 0 {
		return fmt.Errorf("%w: counters must not be negative", ErrBadRequest)
	}
	if s.Day != "" {
		if _, err := time.Parse(core.DayLayout, s.Day); err != nil {
			return fmt.Errorf("%w: day %q", ErrBadRequest, s.Day)
		}
	}
	return nil
}

type SignupRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrBadRequest         = errors.New("bad request")
	ErrBadSignature       = errors.New("signature mismatch")
	ErrUnavailable        = errors.New("directory unavailable")
)
