package gateway

// Error codes returned in the "error" field of failed responses.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidCredentials      = "invalid_credentials"
	CodeUserExists              = "user_exists"
	CodeNotLoggedIn             = "not_logged_in"
	CodeSessionConflict         = "session_conflict"
	CodePerMinuteBudgetExceeded = "per_minute_budget_exceeded"
	CodePerDayBudgetExceeded    = "per_day_budget_exceeded"
	CodeTooManyAttempts         = "too_many_attempts"
	CodeTooManyRequests         = "too_many_requests"
	CodeUpstreamFailed          = "upstream_failed"
	CodeStoreUnavailable        = "store_unavailable"
	CodeInternal                = "internal"
)
