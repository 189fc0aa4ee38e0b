package core

import (
	"context"
	"errors"
	"fmt"

	"cdr.dev/slog"
)

// RecordUsage adds cost to the session counters of userID. A session that
// ended before the call yields RecordNoSession; the usage is then dropped.
func (m *Manager) RecordUsage(ctx context.Context, userID string, cost int64) (RecordOutcome, error) {
	if err := ValidateUserID(userID); err != nil {
		return 0, err
	}
	if cost < 0 {
		return 0, ErrInvalidCost
	}

	err := m.store.Increment(ctx, userID, cost, m.clock.Now(), m.minuteWindow)
	if errors.Is(err, ErrNoSession) {
		m.logger.Warn(ctx, "usage arrived after session end, dropped",
			slog.F("user_id", userID), slog.F("cost", cost))
		return RecordNoSession, nil
	}
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}

	m.metrics.recorded(cost)
	return Recorded, nil
}
