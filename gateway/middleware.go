package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tunaaoguzhann/token-activity/core"
	"github.com/tunaaoguzhann/token-activity/internal/httpjson"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	claimsKey
)

const RequestIDHeader = "X-Request-Id"

func attachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := uuid.New()
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		ctx = slog.With(ctx, slog.F("request_id", rid))
		w.Header().Set(RequestIDHeader, rid.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(logger slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if r.URL.Path == "/api/health" && status == http.StatusOK {
				return
			}
			log := logger.Debug
			if status >= http.StatusInternalServerError {
				log = logger.Warn
			}
			log(r.Context(), r.Method,
				slog.F("path", r.URL.Path),
				slog.F("status_code", status),
				slog.F("remote_addr", r.RemoteAddr),
				slog.F("took", time.Since(start)),
			)
		})
	}
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// ipThrottle hands every client address its own token bucket.
type ipThrottle struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*throttledClient
}

type throttledClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	throttleSweepSize = 10000
	throttleIdle      = 10 * time.Minute
)

func newIPThrottle(limit rate.Limit, burst int) *ipThrottle {
	return &ipThrottle{
		limit:   limit,
		burst:   burst,
		clients: make(map[string]*throttledClient),
	}
}

func (t *ipThrottle) allow(addr string) bool {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.clients) >= throttleSweepSize {
		for k, c := range t.clients {
			if now.Sub(c.lastSeen) > throttleIdle {
				delete(t.clients, k)
			}
		}
	}
	c, ok := t.clients[addr]
	if !ok {
		c = &throttledClient{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.clients[addr] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (t *ipThrottle) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.allow(clientIP(r)) {
			httpjson.WriteError(w, http.StatusTooManyRequests, CodeTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			httpjson.WriteError(w, http.StatusUnauthorized, CodeNotLoggedIn, "missing bearer token")
			return
		}
		claims, err := s.tokens.Parse(strings.TrimSpace(auth[7:]))
		if err != nil {
			httpjson.WriteError(w, http.StatusUnauthorized, CodeNotLoggedIn, err.Error())
			return
		}

		// A token is bound to the session it was issued for. Without a live
		// record the handlers answer themselves.
		rec, _, err := s.manager.Snapshot(r.Context(), claims.Subject)
		switch {
		case errors.Is(err, core.ErrNoSession), errors.Is(err, core.ErrMalformedRecord):
		case errors.Is(err, core.ErrInvalidUserID):
			httpjson.WriteError(w, http.StatusUnauthorized, CodeNotLoggedIn, "invalid session token")
			return
		case err != nil:
			s.writeStoreError(w, r, "session lookup", err)
			return
		case rec.SessionID.String() != claims.SessionID:
			httpjson.WriteError(w, http.StatusUnauthorized, CodeNotLoggedIn, "token belongs to a session that has ended")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		ctx = slog.With(ctx, slog.F("user_id", claims.Subject))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionClaims(r *http.Request) *SessionClaims {
	claims, _ := r.Context().Value(claimsKey).(*SessionClaims)
	return claims
}
