package directory

// Merge folds a pushed snapshot into u and returns the number of tokens added.
//
// Pushes are cumulative per session. The first push of a session starts from
// the total the session was seeded with; later pushes only add what grew since
// the last merge. The day counter accumulates on the same day, restarts from
// the pushed value on a newer day, and ignores pushes from an older day.
func Merge(u *User, s ActivitySync) int64 {
	if u.SessionID != s.SessionID {
		u.SessionID = s.SessionID
		u.SessionHighWater = s.SeedTotalUsage
	}

	delta := s.TotalUsage - u.SessionHighWater
	if delta < 0 {
		delta = 0
	}
	u.TotalUsage += delta
	u.SessionHighWater += delta

	switch {
	case s.Day == u.UsageDay:
		u.UsedPerDay += delta
	case s.Day > u.UsageDay:
		u.UsageDay = s.Day
		u.UsedPerDay = s.UsedPerDay
	}

	if s.LastActivity.After(u.LastActivity) {
		u.LastActivity = s.LastActivity
	}
	return delta
}
