package core

import (
	"context"
	"errors"
	"fmt"

	"cdr.dev/slog"
	"github.com/google/uuid"
)

// Start opens a session for userID seeded with its durable counters. A second
// Start for a live session leaves the existing record alone.
func (m *Manager) Start(ctx context.Context, userID string, seed Seed) (StartOutcome, error) {
	if err := ValidateUserID(userID); err != nil {
		return 0, err
	}
	if seed.UsedPerDay < 0 || seed.TotalUsage < 0 {
		return 0, ErrInvalidSeed
	}

	now := m.clock.Now()
	today := DayOf(now)
	usedPerDay := seed.UsedPerDay
	if seed.Day != today {
		usedPerDay = 0
	}
	rec := Record{
		UserID:         userID,
		SessionID:      uuid.New(),
		StartedAt:      now,
		LastActivity:   now,
		Day:            today,
		UsedPerDay:     usedPerDay,
		TotalUsage:     seed.TotalUsage,
		SeedTotalUsage: seed.TotalUsage,
	}

	created, err := m.store.Create(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("create usage record: %w", err)
	}
	if !created {
		m.metrics.session("already_active")
		return StartAlreadyActive, nil
	}

	m.metrics.session("started")
	m.logger.Info(ctx, "session started",
		slog.F("user_id", userID),
		slog.F("session_id", rec.SessionID),
		slog.F("used_per_day", rec.UsedPerDay),
		slog.F("total_usage", rec.TotalUsage),
	)
	return StartCreated, nil
}

func (m *Manager) IsActive(ctx context.Context, userID string) (bool, error) {
	if err := ValidateUserID(userID); err != nil {
		return false, err
	}
	return m.store.Exists(ctx, userID)
}

// End closes the session: the record is pushed to the durable store and only
// then removed from the cache. When the push fails the session stays open and
// the error wraps ErrDurableUnavailable. A user the durable store no longer
// knows has nothing to close out; its session is dropped.
func (m *Manager) End(ctx context.Context, userID string) (EndOutcome, error) {
	if err := ValidateUserID(userID); err != nil {
		return 0, err
	}

	rec, err := m.store.Get(ctx, userID)
	switch {
	case errors.Is(err, ErrNoSession):
		return EndNotActive, nil
	case errors.Is(err, ErrMalformedRecord):
		// Nothing recoverable to push; drop the entry so the user can log in again.
		m.logger.Error(ctx, "discarding malformed usage record at session end",
			slog.F("user_id", userID), slog.Error(err))
		if err := m.store.Delete(ctx, userID); err != nil {
			return 0, fmt.Errorf("delete usage record: %w", err)
		}
		m.metrics.session("ended")
		return EndEnded, nil
	case err != nil:
		return 0, fmt.Errorf("read usage record: %w", err)
	}

	rec.LastActivity = m.clock.Now()
	err = m.pusher.Push(ctx, *rec)
	if errors.Is(err, ErrDurableRecordGone) {
		m.logger.Warn(ctx, "user vanished from the durable store, discarding session usage",
			slog.F("user_id", userID),
			slog.F("session_id", rec.SessionID),
			slog.F("total_usage", rec.TotalUsage),
			slog.Error(err),
		)
		if err := m.store.Delete(ctx, userID); err != nil {
			return 0, fmt.Errorf("delete usage record: %w", err)
		}
		m.metrics.session("ended")
		return EndEnded, nil
	}
	if err != nil {
		m.metrics.session("end_failed")
		m.logger.Warn(ctx, "close-out push failed, session kept open",
			slog.F("user_id", userID), slog.Error(err))
		return 0, fmt.Errorf("%w: %w", ErrDurableUnavailable, err)
	}
	if err := m.store.Delete(ctx, userID); err != nil {
		return 0, fmt.Errorf("delete usage record: %w", err)
	}

	m.metrics.session("ended")
	m.logger.Info(ctx, "session ended",
		slog.F("user_id", userID),
		slog.F("session_id", rec.SessionID),
		slog.F("total_usage", rec.TotalUsage),
	)
	return EndEnded, nil
}
