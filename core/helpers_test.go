package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/slogtest"
	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tunaaoguzhann/token-activity/core"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

var testBudgets = core.Budgets{PerMinute: 100, PerDay: 1000}

type fakePusher struct {
	mu     sync.Mutex
	err    error
	fail   map[string]error
	pushed []core.Record
}

func (p *fakePusher) Push(_ context.Context, rec core.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if err, ok := p.fail[rec.UserID]; ok {
		return err
	}
	p.pushed = append(p.pushed, rec)
	return nil
}

func (p *fakePusher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushed)
}

func (p *fakePusher) last(userID string) (core.Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.pushed) - 1; i >= 0; i-- {
		if p.pushed[i].UserID == userID {
			return p.pushed[i], true
		}
	}
	return core.Record{}, false
}

func testLogger(t *testing.T) slog.Logger {
	t.Helper()
	return slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
}

func newMockClock(t *testing.T) *quartz.Mock {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	return clock
}

func newRedisStore(t *testing.T) (*core.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return core.NewRedisStore(client, ""), mr
}

type storeFactory struct {
	name string
	new  func(t *testing.T) core.Store
}

var storeFactories = []storeFactory{
	{name: "memory", new: func(*testing.T) core.Store { return core.NewMemoryStore() }},
	{name: "redis", new: func(t *testing.T) core.Store {
		s, _ := newRedisStore(t)
		return s
	}},
}

func newTestManager(t *testing.T, store core.Store) (*core.Manager, *quartz.Mock, *fakePusher) {
	t.Helper()
	clock := newMockClock(t)
	pusher := &fakePusher{}
	m, err := core.NewManager(core.Config{
		Store:   store,
		Pusher:  pusher,
		Clock:   clock,
		Logger:  testLogger(t),
		Budgets: testBudgets,
	})
	require.NoError(t, err)
	return m, clock, pusher
}

func today() string {
	return core.DayOf(testNow)
}
