package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cdr.dev/slog"
)

// EffectiveUsage returns rec's counters as they apply at now. A minute counter
// whose window elapsed, or a day counter from an earlier UTC day, reads as 0
// whether or not the store has been reset yet.
func EffectiveUsage(rec Record, now time.Time, window time.Duration) Usage {
	u := Usage{
		UsedPerMinute: rec.UsedPerMinute,
		UsedPerDay:    rec.UsedPerDay,
		TotalUsage:    rec.TotalUsage,
	}
	if now.Sub(rec.LastActivity) > window {
		u.UsedPerMinute = 0
		u.MinuteWindowExpired = true
	}
	if rec.Day != DayOf(now) {
		u.UsedPerDay = 0
		u.DayExpired = true
	}
	return u
}

// CheckAndMaybeReset decides whether userID may start another unit of work.
// Counters are not changed by a denial. The minute reset write is cleanup
// only: the decision is made on the corrected values either way.
func (m *Manager) CheckAndMaybeReset(ctx context.Context, userID string) (Decision, Usage, error) {
	if err := ValidateUserID(userID); err != nil {
		return 0, Usage{}, err
	}

	rec, err := m.store.Get(ctx, userID)
	if errors.Is(err, ErrNoSession) {
		m.metrics.decision(NoSession)
		return NoSession, Usage{}, nil
	}
	if err != nil {
		return 0, Usage{}, fmt.Errorf("read usage record: %w", err)
	}

	u := EffectiveUsage(*rec, m.clock.Now(), m.minuteWindow)
	if u.MinuteWindowExpired && rec.UsedPerMinute != 0 {
		if err := m.store.ResetMinute(ctx, userID, rec.LastActivity); err != nil && !errors.Is(err, ErrNoSession) {
			m.logger.Warn(ctx, "minute counter reset failed",
				slog.F("user_id", userID), slog.Error(err))
		}
	}

	d := m.decide(u)
	m.metrics.decision(d)
	if d != Allowed {
		m.logger.Debug(ctx, "budget denied",
			slog.F("user_id", userID),
			slog.F("decision", d.String()),
			slog.F("used_per_minute", u.UsedPerMinute),
			slog.F("used_per_day", u.UsedPerDay),
		)
	}
	return d, u, nil
}

func (m *Manager) decide(u Usage) Decision {
	switch {
	case u.UsedPerMinute >= m.budgets.PerMinute:
		return DeniedPerMinute
	case u.UsedPerDay >= m.budgets.PerDay:
		return DeniedPerDay
	default:
		return Allowed
	}
}

// Snapshot returns the live record of userID together with its corrected
// counters.
func (m *Manager) Snapshot(ctx context.Context, userID string) (*Record, Usage, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, Usage{}, err
	}
	rec, err := m.store.Get(ctx, userID)
	if err != nil {
		return nil, Usage{}, err
	}
	return rec, EffectiveUsage(*rec, m.clock.Now(), m.minuteWindow), nil
}
