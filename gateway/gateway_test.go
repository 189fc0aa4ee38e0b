package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/tunaaoguzhann/token-activity/core"
	"github.com/tunaaoguzhann/token-activity/directory"
	"github.com/tunaaoguzhann/token-activity/gateway"
	"github.com/tunaaoguzhann/token-activity/internal/httpjson"
	"github.com/tunaaoguzhann/token-activity/upstream"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testLogger(t *testing.T) slog.Logger {
	t.Helper()
	return slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
}

// fakeUpstream answers every completion with a fixed token cost.
type fakeUpstream struct {
	mu    sync.Mutex
	cost  int64
	err   error
	calls int
}

func (f *fakeUpstream) Complete(_ context.Context, payload json.RawMessage) (*upstream.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	body, _ := json.Marshal(map[string]any{
		"echo":  json.RawMessage(payload),
		"usage": map[string]int64{"total_tokens": f.cost},
	})
	return &upstream.Completion{Body: body, TotalTokens: f.cost}, nil
}

func (f *fakeUpstream) set(cost int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cost = cost
	f.err = err
}

// switchablePusher fails pushes while broken is set.
type switchablePusher struct {
	mu     sync.Mutex
	next   core.DurablePusher
	broken bool
}

func (p *switchablePusher) Push(ctx context.Context, rec core.Record) error {
	p.mu.Lock()
	broken := p.broken
	p.mu.Unlock()
	if broken {
		return directory.ErrUnavailable
	}
	return p.next.Push(ctx, rec)
}

func (p *switchablePusher) setBroken(b bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broken = b
}

type harness struct {
	t        *testing.T
	url      string
	clock    *quartz.Mock
	users    *directory.MemoryStore
	upstream *fakeUpstream
	pusher   *switchablePusher
	manager  *core.Manager
}

type harnessOptions struct {
	store   core.Store
	budgets core.Budgets
	ipRate  rate.Limit
	ipBurst int
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.store == nil {
		opts.store = core.NewMemoryStore()
	}
	if opts.budgets == (core.Budgets{}) {
		opts.budgets = core.Budgets{PerMinute: 1000, PerDay: 5000}
	}
	logger := testLogger(t)
	clock := quartz.NewMock(t)
	clock.Set(testNow)

	users := directory.NewMemoryStore()
	signer := directory.NewSigner("service-secret")
	dirSrv := httptest.NewServer(directory.NewServer(users, signer, logger,
		directory.WithClock(clock),
		directory.WithBcryptCost(bcrypt.MinCost),
	).Handler())
	t.Cleanup(dirSrv.Close)
	dirClient := directory.NewClient(dirSrv.URL, signer, dirSrv.Client())

	reg := prometheus.NewRegistry()
	pusher := &switchablePusher{next: dirClient}
	manager, err := core.NewManager(core.Config{
		Store:   opts.store,
		Pusher:  pusher,
		Clock:   clock,
		Logger:  logger,
		Budgets: opts.budgets,
		Metrics: core.NewMetrics(reg),
	})
	require.NoError(t, err)

	up := &fakeUpstream{cost: 10}
	srv, err := gateway.NewServer(gateway.Config{
		Manager:       manager,
		Directory:     dirClient,
		Upstream:      up,
		Tokens:        gateway.NewTokenIssuer("jwt-secret", time.Hour, clock),
		Attempts:      core.NewMemoryRateLimiter(clock),
		LoginAttempts: 3,
		LoginWindow:   15 * time.Minute,
		Logger:        logger,
		Gatherer:      reg,
		IPRate:        opts.ipRate,
		IPBurst:       opts.ipBurst,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{
		t:        t,
		url:      ts.URL,
		clock:    clock,
		users:    users,
		upstream: up,
		pusher:   pusher,
		manager:  manager,
	}
}

func (h *harness) do(method, path, token string, body any) (int, []byte) {
	h.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.url+path, r)
	require.NoError(h.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp.StatusCode, out
}

func (h *harness) signup(id, password string) {
	h.t.Helper()
	status, body := h.do(http.MethodPost, "/api/signup", "", map[string]string{
		"user_id": id, "username": strings.ToUpper(id), "password": password,
	})
	require.Equal(h.t, http.StatusCreated, status, string(body))
}

func (h *harness) login(id, password string) (string, string) {
	h.t.Helper()
	status, body := h.do(http.MethodPost, "/api/login", "", map[string]string{"user_id": id, "password": password})
	require.Equal(h.t, http.StatusOK, status, string(body))
	var resp struct {
		Status string `json:"status"`
		Token  string `json:"token"`
	}
	require.NoError(h.t, json.Unmarshal(body, &resp))
	require.NotEmpty(h.t, resp.Token)
	return resp.Status, resp.Token
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var e httpjson.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e), string(body))
	return e.Error
}

var prompt = map[string]any{
	"model":    "llama3-8b-8192",
	"messages": []map[string]string{{"role": "user", "content": "hello"}},
}

func TestGateway_SessionLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	h.signup("alice", "s3cret")
	status, body := h.do(http.MethodPost, "/api/signup", "", map[string]string{
		"user_id": "alice", "username": "A", "password": "x",
	})
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, gateway.CodeUserExists, errorCode(t, body))

	state, token := h.login("alice", "s3cret")
	assert.Equal(t, "logged_in", state)
	state, again := h.login("alice", "s3cret")
	assert.Equal(t, "already_logged_in", state)
	require.NotEmpty(t, again)

	h.upstream.set(42, nil)
	status, body = h.do(http.MethodPost, "/api/complete", token, prompt)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Contains(t, string(body), `"total_tokens":42`)
	assert.Contains(t, string(body), `"llama3-8b-8192"`)

	status, body = h.do(http.MethodGet, "/api/usage", token, nil)
	require.Equal(t, http.StatusOK, status)
	var usage struct {
		UsedPerMinute      int64 `json:"used_per_minute"`
		UsedPerDay         int64 `json:"used_per_day"`
		TotalUsage         int64 `json:"total_usage"`
		RemainingPerMinute int64 `json:"remaining_per_minute"`
	}
	require.NoError(t, json.Unmarshal(body, &usage))
	assert.EqualValues(t, 42, usage.UsedPerMinute)
	assert.EqualValues(t, 42, usage.UsedPerDay)
	assert.EqualValues(t, 42, usage.TotalUsage)
	assert.EqualValues(t, 958, usage.RemainingPerMinute)

	status, _ = h.do(http.MethodPost, "/api/logout", token, nil)
	require.Equal(t, http.StatusOK, status)

	u, err := h.users.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 42, u.TotalUsage, "close-out push reaches the directory")
	assert.EqualValues(t, 42, u.UsedPerDay)

	status, body = h.do(http.MethodPost, "/api/logout", token, nil)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, gateway.CodeNotLoggedIn, errorCode(t, body))

	status, body = h.do(http.MethodPost, "/api/complete", token, prompt)
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, gateway.CodeNotLoggedIn, errorCode(t, body))

	// The next session is seeded from the directory.
	_, token = h.login("alice", "s3cret")
	status, body = h.do(http.MethodGet, "/api/usage", token, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &usage))
	assert.EqualValues(t, 42, usage.TotalUsage)
	assert.EqualValues(t, 42, usage.UsedPerDay)
	assert.Zero(t, usage.UsedPerMinute)
}

func TestGateway_BudgetDenials(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{budgets: core.Budgets{PerMinute: 100, PerDay: 150}})
	h.signup("bob", "pw")
	_, token := h.login("bob", "pw")
	h.upstream.set(60, nil)

	for i := 0; i < 2; i++ {
		status, body := h.do(http.MethodPost, "/api/complete", token, prompt)
		require.Equal(t, http.StatusOK, status, string(body))
	}
	status, body := h.do(http.MethodPost, "/api/complete", token, prompt)
	require.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, gateway.CodePerMinuteBudgetExceeded, errorCode(t, body))

	h.clock.Advance(61 * time.Second)
	status, body = h.do(http.MethodPost, "/api/complete", token, prompt)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = h.do(http.MethodPost, "/api/complete", token, prompt)
	require.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, gateway.CodePerDayBudgetExceeded, errorCode(t, body))

	h.upstream.mu.Lock()
	calls := h.upstream.calls
	h.upstream.mu.Unlock()
	assert.Equal(t, 3, calls, "denied requests never reach upstream")
}

func TestGateway_UpstreamFailureCostsNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	h.signup("carol", "pw")
	_, token := h.login("carol", "pw")

	h.upstream.set(0, &upstream.StatusError{StatusCode: http.StatusInternalServerError, Body: "boom"})
	status, body := h.do(http.MethodPost, "/api/complete", token, prompt)
	require.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, gateway.CodeUpstreamFailed, errorCode(t, body))
	assert.NotContains(t, string(body), "boom")

	_, usage, err := h.manager.Snapshot(context.Background(), "carol")
	require.NoError(t, err)
	assert.Zero(t, usage.TotalUsage)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, h.url+"/api/complete", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_LoginFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	h.signup("dave", "right")

	for i := 0; i < 3; i++ {
		status, body := h.do(http.MethodPost, "/api/login", "", map[string]string{"user_id": "dave", "password": "wrong"})
		require.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, gateway.CodeInvalidCredentials, errorCode(t, body))
	}
	status, body := h.do(http.MethodPost, "/api/login", "", map[string]string{"user_id": "dave", "password": "right"})
	require.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, gateway.CodeTooManyAttempts, errorCode(t, body))

	h.clock.Advance(16 * time.Minute)
	_, token := h.login("dave", "right")
	require.NotEmpty(t, token)

	status, body = h.do(http.MethodPost, "/api/login", "", map[string]string{"user_id": "ghost", "password": "x"})
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, gateway.CodeInvalidCredentials, errorCode(t, body))

	status, _ = h.do(http.MethodPost, "/api/login", "", map[string]string{"user_id": "bad id"})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestGateway_RequiresBearerToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	status, body := h.do(http.MethodPost, "/api/complete", "", prompt)
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, gateway.CodeNotLoggedIn, errorCode(t, body))

	status, _ = h.do(http.MethodGet, "/api/usage", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	forged := gateway.NewTokenIssuer("other-secret", time.Hour, h.clock)
	raw, err := forged.Issue("alice", [16]byte{})
	require.NoError(t, err)
	status, _ = h.do(http.MethodGet, "/api/usage", raw, nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestGateway_LogoutWhileDirectoryDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	h.signup("erin", "pw")
	_, token := h.login("erin", "pw")
	h.upstream.set(7, nil)
	status, _ := h.do(http.MethodPost, "/api/complete", token, prompt)
	require.Equal(t, http.StatusOK, status)

	h.pusher.setBroken(true)
	status, body := h.do(http.MethodPost, "/api/logout", token, nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, gateway.CodeStoreUnavailable, errorCode(t, body))

	active, err := h.manager.IsActive(context.Background(), "erin")
	require.NoError(t, err)
	require.True(t, active, "session stays open for a retry")

	h.pusher.setBroken(false)
	status, _ = h.do(http.MethodPost, "/api/logout", token, nil)
	require.Equal(t, http.StatusOK, status)
	u, err := h.users.Get(context.Background(), "erin")
	require.NoError(t, err)
	assert.EqualValues(t, 7, u.TotalUsage)
}

func TestGateway_TokenIsBoundToItsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	h.signup("bob", "pw")

	_, first := h.login("bob", "pw")
	status, _ := h.do(http.MethodPost, "/api/logout", first, nil)
	require.Equal(t, http.StatusOK, status)
	_, second := h.login("bob", "pw")

	for _, call := range []struct{ method, path string }{
		{http.MethodPost, "/api/logout"},
		{http.MethodPost, "/api/complete"},
		{http.MethodGet, "/api/usage"},
	} {
		status, body := h.do(call.method, call.path, first, prompt)
		require.Equal(t, http.StatusUnauthorized, status, call.path)
		assert.Equal(t, gateway.CodeNotLoggedIn, errorCode(t, body))
	}
	active, err := h.manager.IsActive(context.Background(), "bob")
	require.NoError(t, err)
	require.True(t, active, "an old token must not end the new session")

	state, joined := h.login("bob", "pw")
	require.Equal(t, "already_logged_in", state)
	for _, token := range []string{second, joined} {
		status, _ = h.do(http.MethodGet, "/api/usage", token, nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, _ = h.do(http.MethodPost, "/api/logout", second, nil)
	require.Equal(t, http.StatusOK, status)
}

func TestGateway_LogoutAfterUserDeleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOptions{})
	h.signup("bob", "pw")
	_, token := h.login("bob", "pw")
	h.upstream.set(9, nil)
	status, _ := h.do(http.MethodPost, "/api/complete", token, prompt)
	require.Equal(t, http.StatusOK, status)

	require.NoError(t, h.users.Delete(ctx, "bob"))

	status, body := h.do(http.MethodPost, "/api/logout", token, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	active, err := h.manager.IsActive(ctx, "bob")
	require.NoError(t, err)
	require.False(t, active)

	status, _ = h.do(http.MethodPost, "/api/login", "", map[string]string{"user_id": "bob", "password": "pw"})
	require.Equal(t, http.StatusUnauthorized, status)
}

// vanishingStore drops the record on its next n reads, as a logout racing a
// login would.
type vanishingStore struct {
	*core.MemoryStore
	n atomic.Int32
}

func (s *vanishingStore) Get(ctx context.Context, userID string) (*core.Record, error) {
	if s.n.Add(-1) >= 0 {
		_ = s.MemoryStore.Delete(ctx, userID)
		return nil, core.ErrNoSession
	}
	return s.MemoryStore.Get(ctx, userID)
}

func TestGateway_LoginSurvivesRacingLogout(t *testing.T) {
	t.Parallel()
	store := &vanishingStore{MemoryStore: core.NewMemoryStore()}
	h := newHarness(t, harnessOptions{store: store})
	h.signup("carol", "pw")

	store.n.Store(1)
	state, token := h.login("carol", "pw")
	assert.Equal(t, "logged_in", state)
	status, _ := h.do(http.MethodGet, "/api/usage", token, nil)
	require.Equal(t, http.StatusOK, status)

	store.n.Store(2)
	status, body := h.do(http.MethodPost, "/api/login", "", map[string]string{"user_id": "carol", "password": "pw"})
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, gateway.CodeSessionConflict, errorCode(t, body))
}

func TestGateway_MetricsAndHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	h.signup("frank", "pw")
	_, token := h.login("frank", "pw")
	status, _ := h.do(http.MethodPost, "/api/complete", token, prompt)
	require.Equal(t, http.StatusOK, status)

	status, body := h.do(http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	status, body = h.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `token_activity_budget_decisions_total{decision="allowed"} 1`)
	assert.Contains(t, string(body), `token_activity_recorded_tokens_total 10`)
	assert.Contains(t, string(body), `token_activity_session_events_total{event="started"} 1`)
}

func TestGateway_IPThrottle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{ipRate: rate.Every(time.Hour), ipBurst: 2})

	for i := 0; i < 2; i++ {
		status, _ := h.do(http.MethodPost, "/api/login", "", map[string]string{"user_id": "nobody", "password": "x"})
		require.Equal(t, http.StatusUnauthorized, status)
	}
	status, body := h.do(http.MethodPost, "/api/login", "", map[string]string{"user_id": "nobody", "password": "x"})
	require.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, gateway.CodeTooManyRequests, errorCode(t, body))

	// Probes are never throttled.
	status, _ = h.do(http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, status)
}

func TestTokenIssuer(t *testing.T) {
	t.Parallel()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	issuer := gateway.NewTokenIssuer("k", time.Minute, clock)

	raw, err := issuer.Issue("alice", [16]byte{1})
	require.NoError(t, err)
	claims, err := issuer.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "01000000-0000-0000-0000-000000000000", claims.SessionID)

	clock.Advance(2 * time.Minute)
	_, err = issuer.Parse(raw)
	require.True(t, errors.Is(err, gateway.ErrInvalidToken))
}
