// Package gateway is the public HTTP surface: it logs users in, meters their
// upstream completions against the usage budgets, and logs them out.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cdr.dev/slog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/tunaaoguzhann/token-activity/core"
	"github.com/tunaaoguzhann/token-activity/directory"
	"github.com/tunaaoguzhann/token-activity/internal/httpjson"
	"github.com/tunaaoguzhann/token-activity/upstream"
)

const (
	DefaultMaxBodyBytes = 1 << 20
	DefaultIPRate       = rate.Limit(20)
	DefaultIPBurst      = 40
)

// Directory is the part of the user directory the gateway needs.
type Directory interface {
	Signup(ctx context.Context, req directory.SignupRequest) (*directory.User, error)
	Authenticate(ctx context.Context, userID, password string) (*directory.User, error)
}

type Completer interface {
	Complete(ctx context.Context, payload json.RawMessage) (*upstream.Completion, error)
}

type Config struct {
	Manager   *core.Manager
	Directory Directory
	Upstream  Completer
	Tokens    *TokenIssuer
	// Attempts throttles logins per user. LoginAttempts of 0 disables it.
	Attempts      core.RateLimiter
	LoginAttempts int
	LoginWindow   time.Duration
	Logger        slog.Logger
	// Gatherer backs /metrics when set.
	Gatherer     prometheus.Gatherer
	IPRate       rate.Limit
	IPBurst      int
	MaxBodyBytes int64
}

type Server struct {
	manager       *core.Manager
	directory     Directory
	upstream      Completer
	tokens        *TokenIssuer
	attempts      core.RateLimiter
	loginAttempts int
	loginWindow   time.Duration
	logger        slog.Logger
	gatherer      prometheus.Gatherer
	throttle      *ipThrottle
	maxBodyBytes  int64
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Manager == nil || cfg.Directory == nil || cfg.Upstream == nil || cfg.Tokens == nil {
		return nil, fmt.Errorf("manager, directory, upstream and tokens are required")
	}
	if cfg.LoginAttempts > 0 && cfg.Attempts == nil {
		return nil, fmt.Errorf("login attempt limiter is required when login attempts are limited")
	}
	if cfg.LoginWindow <= 0 {
		cfg.LoginWindow = core.DefaultLoginWindow
	}
	if cfg.IPRate <= 0 {
		cfg.IPRate = DefaultIPRate
	}
	if cfg.IPBurst <= 0 {
		cfg.IPBurst = DefaultIPBurst
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{
		manager:       cfg.Manager,
		directory:     cfg.Directory,
		upstream:      cfg.Upstream,
		tokens:        cfg.Tokens,
		attempts:      cfg.Attempts,
		loginAttempts: cfg.LoginAttempts,
		loginWindow:   cfg.LoginWindow,
		logger:        cfg.Logger.Named("gateway"),
		gatherer:      cfg.Gatherer,
		throttle:      newIPThrottle(cfg.IPRate, cfg.IPBurst),
		maxBodyBytes:  cfg.MaxBodyBytes,
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(attachRequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(api chi.Router) {
		api.Use(s.throttle.middleware)
		api.Use(limitBody(s.maxBodyBytes))
		api.Post("/api/signup", s.handleSignup)
		api.Post("/api/login", s.handleLogin)

		api.Group(func(authed chi.Router) {
			authed.Use(s.requireSession)
			authed.Post("/api/complete", s.handleComplete)
			authed.Get("/api/usage", s.handleUsage)
			authed.Post("/api/logout", s.handleLogout)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpjson.Write(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeStoreError answers for failures of the usage engine or the directory.
// Internal details stay in the log; callers retry on 503.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, core.ErrMalformedRecord) {
		s.internalError(w, r, op, err)
		return
	}
	s.logger.Warn(r.Context(), op+" failed", slog.Error(err))
	httpjson.WriteError(w, http.StatusServiceUnavailable, CodeStoreUnavailable, "storage is temporarily unavailable, retry later")
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(r.Context(), op+" failed", slog.Error(err))
	httpjson.WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
}
