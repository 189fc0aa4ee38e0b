package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// DayLayout is the format of Record.Day and Seed.Day.
const DayLayout = "2006-01-02"

const maxUserIDLen = 128

// Record is the live usage of one user for the duration of a session.
type Record struct {
	UserID         string    `json:"user_id"`
	SessionID      uuid.UUID `json:"session_id"`
	StartedAt      time.Time `json:"started_at"`
	LastActivity   time.Time `json:"last_activity"`
	Day            string    `json:"day"`
	UsedPerMinute  int64     `json:"used_per_minute"`
	UsedPerDay     int64     `json:"used_per_day"`
	TotalUsage     int64     `json:"total_usage"`
	SeedTotalUsage int64     `json:"seed_total_usage"`
}

// Seed carries the durable counters a session starts from.
type Seed struct {
	UsedPerDay int64
	TotalUsage int64
	Day        string
}

// Usage is a record's counters after read-time correction.
type Usage struct {
	UsedPerMinute       int64 `json:"used_per_minute"`
	UsedPerDay          int64 `json:"used_per_day"`
	TotalUsage          int64 `json:"total_usage"`
	MinuteWindowExpired bool  `json:"-"`
	DayExpired          bool  `json:"-"`
}

type StartOutcome int

const (
	StartCreated StartOutcome = iota + 1
	StartAlreadyActive
)

func (o StartOutcome) String() string {
	switch o {
	case StartCreated:
		return "created"
	case StartAlreadyActive:
		return "already_active"
	default:
		return "unknown"
	}
}

type EndOutcome int

const (
	EndEnded EndOutcome = iota + 1
	EndNotActive
)

func (o EndOutcome) String() string {
	switch o {
	case EndEnded:
		return "ended"
	case EndNotActive:
		return "not_active"
	default:
		return "unknown"
	}
}

// Decision is the budget verdict for one unit of work.
type Decision int

const (
	Allowed Decision = iota + 1
	DeniedPerMinute
	DeniedPerDay
	NoSession
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case DeniedPerMinute:
		return "denied_per_minute"
	case DeniedPerDay:
		return "denied_per_day"
	case NoSession:
		return "no_session"
	default:
		return "unknown"
	}
}

type RecordOutcome int

const (
	Recorded RecordOutcome = iota + 1
	RecordNoSession
)

func (o RecordOutcome) String() string {
	switch o {
	case Recorded:
		return "recorded"
	case RecordNoSession:
		return "no_session"
	default:
		return "unknown"
	}
}

var (
	ErrNoSession          = errors.New("no active session")
	ErrMalformedRecord    = errors.New("malformed usage record")
	ErrInvalidUserID      = errors.New("invalid user id")
	ErrInvalidCost        = errors.New("cost must not be negative")
	ErrInvalidSeed        = errors.New("seed counters must not be negative")
	ErrDurableUnavailable = errors.New("durable store unavailable")
	// ErrDurableRecordGone is returned by a DurablePusher when the durable
	// store no longer knows the user. Retrying cannot succeed.
	ErrDurableRecordGone  = errors.New("durable record gone")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
)

// ValidateUserID rejects ids that are empty, too long, or would collide with
// the cache key layout.
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(userID) > maxUserIDLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidUserID, maxUserIDLen)
	}
	if strings.ContainsRune(userID, ':') || strings.IndexFunc(userID, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return nil
}

// DayOf returns the UTC calendar day of t.
func DayOf(t time.Time) string {
	return t.UTC().Format(DayLayout)
}
