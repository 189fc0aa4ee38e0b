package directory

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"cdr.dev/slog"
	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"

	"github.com/tunaaoguzhann/token-activity/core"
	"github.com/tunaaoguzhann/token-activity/internal/httpjson"
)

const (
	maxBodyBytes = 1 << 20

	defaultActiveWithin = 60 * time.Minute
	defaultHighUsageMin = 1000
	activeWithinParam   = "withinMinutes"
	highUsageMinParam   = "minTokenUsage"
)

// Server exposes a Store over HTTP. Every route except health requires a
// valid request signature.
type Server struct {
	store      Store
	signer     *Signer
	logger     slog.Logger
	clock      quartz.Clock
	bcryptCost int
}

type ServerOption func(*Server)

func WithClock(clock quartz.Clock) ServerOption {
	return func(s *Server) {
		s.clock = clock
	}
}

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) ServerOption {
	return func(s *Server) {
		s.bcryptCost = cost
	}
}

func NewServer(store Store, signer *Signer, logger slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		store:  store,
		signer: signer,
		logger: logger.Named("directory"),
		clock:  quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/health", s.handleHealth)
	r.Group(func(api chi.Router) {
		api.Use(s.verifySignature)
		api.Post("/api/signup", s.handleSignup)
		api.Post("/api/login", s.handleLogin)
		api.Get("/api/user/{userID}", s.handleGetUser)
		api.Delete("/api/user/{userID}", s.handleDeleteUser)
		api.Post("/api/sync-activity", s.handleSyncActivity)
		api.Get("/api/active-users", s.handleActiveUsers)
		api.Get("/api/high-usage", s.handleHighUsage)
	})
	return r
}

func (s *Server) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			httpjson.WriteError(w, http.StatusRequestEntityTooLarge, "invalid_request", "body too large")
			return
		}
		sig := r.Header.Get(SignatureHeader)
		if sig == "" || !s.signer.Verify(r.Method, r.URL.RequestURI(), body, sig) {
			s.logger.Warn(r.Context(), "rejected unsigned request",
				slog.F("method", r.Method), slog.F("path", r.URL.Path))
			httpjson.WriteError(w, http.StatusUnauthorized, "bad_signature", ErrBadSignature.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpjson.Write(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := httpjson.Decode(r.Body, &req); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := core.ValidateUserID(req.UserID); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	hash, err := HashPassword(req.Password, s.bcryptCost)
	if err != nil {
		s.internalError(w, r, "hash password", err)
		return
	}
	now := s.clock.Now().UTC()
	u := User{
		ID:           req.UserID,
		Username:     req.Username,
		PasswordHash: hash,
		LastActivity: now,
		CreatedAt:    now,
	}
	if err := s.store.Create(r.Context(), u); err != nil {
		if errors.Is(err, ErrUserExists) {
			httpjson.WriteError(w, http.StatusConflict, "user_exists", err.Error())
			return
		}
		s.internalError(w, r, "create user", err)
		return
	}
	s.logger.Info(r.Context(), "user signed up", slog.F("user_id", u.ID))
	httpjson.Write(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpjson.Decode(r.Body, &req); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	u, err := s.store.Get(r.Context(), req.UserID)
	if err == nil {
		err = CheckPassword(u.PasswordHash, req.Password)
	}
	switch {
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrInvalidCredentials):
		httpjson.WriteError(w, http.StatusUnauthorized, "invalid_credentials", ErrInvalidCredentials.Error())
	case err != nil:
		s.internalError(w, r, "authenticate", err)
	default:
		httpjson.Write(w, http.StatusOK, u)
	}
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.storeError(w, r, "get user", err)
		return
	}
	httpjson.Write(w, http.StatusOK, u)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.storeError(w, r, "delete user", err)
		return
	}
	s.logger.Info(r.Context(), "user deleted", slog.F("user_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncActivity(w http.ResponseWriter, r *http.Request) {
	var sync ActivitySync
	if err := httpjson.Decode(r.Body, &sync); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := sync.Validate(); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	u, err := s.store.MergeActivity(r.Context(), sync)
	if err != nil {
		s.storeError(w, r, "merge activity", err)
		return
	}
	s.logger.Debug(r.Context(), "activity merged",
		slog.F("user_id", u.ID),
		slog.F("session_id", sync.SessionID),
		slog.F("total_usage", u.TotalUsage),
	)
	httpjson.Write(w, http.StatusOK, u)
}

func (s *Server) handleActiveUsers(w http.ResponseWriter, r *http.Request) {
	within := defaultActiveWithin
	if v := r.URL.Query().Get(activeWithinParam); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httpjson.WriteError(w, http.StatusBadRequest, "invalid_request", activeWithinParam+" must be a positive integer")
			return
		}
		within = time.Duration(n) * time.Minute
	}
	users, err := s.store.ActiveSince(r.Context(), s.clock.Now().Add(-within))
	if err != nil {
		s.internalError(w, r, "list active users", err)
		return
	}
	httpjson.Write(w, http.StatusOK, users)
}

func (s *Server) handleHighUsage(w http.ResponseWriter, r *http.Request) {
	minimum := int64(defaultHighUsageMin)
	if v := r.URL.Query().Get(highUsageMinParam); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			httpjson.WriteError(w, http.StatusBadRequest, "invalid_request", highUsageMinParam+" must be a non-negative integer")
			return
		}
		minimum = n
	}
	users, err := s.store.HighUsage(r.Context(), minimum)
	if err != nil {
		s.internalError(w, r, "list high usage users", err)
		return
	}
	httpjson.Write(w, http.StatusOK, users)
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, ErrUserNotFound) {
		httpjson.WriteError(w, http.StatusNotFound, "user_not_found", err.Error())
		return
	}
	s.internalError(w, r, op, err)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(r.Context(), op+" failed", slog.Error(err))
	httpjson.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
}
