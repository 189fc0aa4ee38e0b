package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"cdr.dev/slog"

	"github.com/tunaaoguzhann/token-activity/core"
	"github.com/tunaaoguzhann/token-activity/directory"
	"github.com/tunaaoguzhann/token-activity/internal/httpjson"
)

type signupRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := httpjson.Decode(r.Body, &req); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Username == "" || req.Password == "" {
		httpjson.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "user_id, username and password are required")
		return
	}
	if err := core.ValidateUserID(req.UserID); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	u, err := s.directory.Signup(r.Context(), directory.SignupRequest(req))
	switch {
	case errors.Is(err, directory.ErrUserExists):
		httpjson.WriteError(w, http.StatusConflict, CodeUserExists, "user already exists")
	case errors.Is(err, directory.ErrBadRequest):
		httpjson.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case err != nil:
		s.writeStoreError(w, r, "signup", err)
	default:
		httpjson.Write(w, http.StatusCreated, u)
	}
}

type loginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type loginResponse struct {
	Status string `json:"status"`
	Token  string `json:"token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req loginRequest
	if err := httpjson.Decode(r.Body, &req); err != nil || req.UserID == "" || req.Password == "" {
		httpjson.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "user_id and password are required")
		return
	}
	if err := core.ValidateUserID(req.UserID); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	if s.loginAttempts > 0 {
		err := s.attempts.CheckAndIncrement(ctx, req.UserID, s.loginAttempts, s.loginWindow)
		if errors.Is(err, core.ErrRateLimitExceeded) {
			httpjson.WriteError(w, http.StatusTooManyRequests, CodeTooManyAttempts, "too many login attempts, try again later")
			return
		}
		if err != nil {
			s.writeStoreError(w, r, "login attempt check", err)
			return
		}
	}

	u, err := s.directory.Authenticate(ctx, req.UserID, req.Password)
	switch {
	case errors.Is(err, directory.ErrInvalidCredentials), errors.Is(err, directory.ErrUserNotFound):
		s.logger.Info(ctx, "login rejected", slog.F("user_id", req.UserID))
		httpjson.WriteError(w, http.StatusUnauthorized, CodeInvalidCredentials, "invalid credentials")
		return
	case err != nil:
		s.writeStoreError(w, r, "authenticate", err)
		return
	}
	if s.loginAttempts > 0 {
		if err := s.attempts.Reset(ctx, req.UserID); err != nil {
			s.logger.Warn(ctx, "login attempt reset failed", slog.F("user_id", req.UserID), slog.Error(err))
		}
	}

	outcome, rec, err := s.startSession(ctx, u)
	if errors.Is(err, core.ErrNoSession) {
		httpjson.WriteError(w, http.StatusConflict, CodeSessionConflict, "session ended while logging in, retry")
		return
	}
	if err != nil {
		s.writeStoreError(w, r, "start session", err)
		return
	}
	token, err := s.tokens.Issue(u.ID, rec.SessionID)
	if err != nil {
		s.internalError(w, r, "issue token", err)
		return
	}

	status := "logged_in"
	if outcome == core.StartAlreadyActive {
		status = "already_logged_in"
	}
	httpjson.Write(w, http.StatusOK, loginResponse{Status: status, Token: token})
}

// startSession opens or joins the session of u and reads it back. A logout
// racing between the two steps gets one more Start.
func (s *Server) startSession(ctx context.Context, u *directory.User) (core.StartOutcome, *core.Record, error) {
	var err error
	for range 2 {
		var outcome core.StartOutcome
		outcome, err = s.manager.Start(ctx, u.ID, u.Seed())
		if err != nil {
			return 0, nil, err
		}
		var rec *core.Record
		rec, _, err = s.manager.Snapshot(ctx, u.ID)
		if err == nil {
			return outcome, rec, nil
		}
		if !errors.Is(err, core.ErrNoSession) {
			return 0, nil, err
		}
	}
	return 0, nil, err
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := sessionClaims(r).Subject

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httpjson.WriteError(w, http.StatusRequestEntityTooLarge, CodeInvalidRequest, "request body too large")
		return
	}
	if !json.Valid(payload) {
		httpjson.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "request body must be JSON")
		return
	}

	decision, _, err := s.manager.CheckAndMaybeReset(ctx, userID)
	if err != nil {
		s.writeStoreError(w, r, "budget check", err)
		return
	}
	switch decision {
	case core.NoSession:
		httpjson.WriteError(w, http.StatusUnauthorized, CodeNotLoggedIn, "user is not logged in")
		return
	case core.DeniedPerMinute:
		httpjson.WriteError(w, http.StatusTooManyRequests, CodePerMinuteBudgetExceeded, "per-minute token budget exceeded")
		return
	case core.DeniedPerDay:
		httpjson.WriteError(w, http.StatusTooManyRequests, CodePerDayBudgetExceeded, "daily token budget exceeded")
		return
	}

	completion, err := s.upstream.Complete(ctx, payload)
	if err != nil {
		s.logger.Warn(ctx, "upstream call failed", slog.Error(err))
		httpjson.WriteError(w, http.StatusBadGateway, CodeUpstreamFailed, "upstream call failed")
		return
	}

	// The tokens are spent once upstream answered, even if the client is gone.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.manager.RecordUsage(recordCtx, userID, completion.TotalTokens); err != nil {
		s.logger.Error(ctx, "recording usage failed", slog.F("cost", completion.TotalTokens), slog.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(completion.Body)
}

type usageResponse struct {
	UserID             string    `json:"user_id"`
	SessionID          string    `json:"session_id"`
	StartedAt          time.Time `json:"started_at"`
	LastActivity       time.Time `json:"last_activity"`
	UsedPerMinute      int64     `json:"used_per_minute"`
	UsedPerDay         int64     `json:"used_per_day"`
	TotalUsage         int64     `json:"total_usage"`
	RemainingPerMinute int64     `json:"remaining_per_minute"`
	RemainingPerDay    int64     `json:"remaining_per_day"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID := sessionClaims(r).Subject
	rec, usage, err := s.manager.Snapshot(r.Context(), userID)
	if errors.Is(err, core.ErrNoSession) {
		httpjson.WriteError(w, http.StatusUnauthorized, CodeNotLoggedIn, "user is not logged in")
		return
	}
	if err != nil {
		s.writeStoreError(w, r, "usage snapshot", err)
		return
	}
	budgets := s.manager.Budgets()
	httpjson.Write(w, http.StatusOK, usageResponse{
		UserID:             rec.UserID,
		SessionID:          rec.SessionID.String(),
		StartedAt:          rec.StartedAt,
		LastActivity:       rec.LastActivity,
		UsedPerMinute:      usage.UsedPerMinute,
		UsedPerDay:         usage.UsedPerDay,
		TotalUsage:         usage.TotalUsage,
		RemainingPerMinute: max(0, budgets.PerMinute-usage.UsedPerMinute),
		RemainingPerDay:    max(0, budgets.PerDay-usage.UsedPerDay),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID := sessionClaims(r).Subject
	outcome, err := s.manager.End(r.Context(), userID)
	if err != nil {
		s.writeStoreError(w, r, "end session", err)
		return
	}
	if outcome == core.EndNotActive {
		httpjson.WriteError(w, http.StatusBadRequest, CodeNotLoggedIn, "user is not logged in")
		return
	}
	httpjson.Write(w, http.StatusOK, map[string]string{"status": "logged_out"})
}
