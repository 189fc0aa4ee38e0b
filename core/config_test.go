package core_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunaaoguzhann/token-activity/core"
)

func TestLoadEngineConfig_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := core.LoadEngineConfig("")
	require.NoError(t, err)
	assert.EqualValues(t, 6000, cfg.Budgets.PerMinute)
	assert.EqualValues(t, 6000, cfg.Budgets.PerDay)
	assert.Equal(t, time.Minute, cfg.MinuteWindow.Duration())
	assert.Equal(t, 7*time.Minute, cfg.ReconcileInterval.Duration())
	assert.Equal(t, "activity:", cfg.KeyPrefix)
}

func TestLoadEngineConfig_FileOverridesDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
budgets:
  per_minute: 100
  per_day: 1000
reconcile_interval: 90s
`), 0o600))

	cfg, err := core.LoadEngineConfig(path)
	require.NoError(t, err)
	assert.EqualValues(t, 100, cfg.Budgets.PerMinute)
	assert.EqualValues(t, 1000, cfg.Budgets.PerDay)
	assert.Equal(t, 90*time.Second, cfg.ReconcileInterval.Duration())
	assert.Equal(t, time.Minute, cfg.MinuteWindow.Duration())
}

func TestLoadEngineConfig_Invalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("budgets:\n  per_day: 0\n"), 0o600))
	_, err := core.LoadEngineConfig(bad)
	require.ErrorContains(t, err, "budgets.per_day")

	dur := filepath.Join(dir, "dur.yaml")
	require.NoError(t, os.WriteFile(dur, []byte("minute_window: soon\n"), 0o600))
	_, err = core.LoadEngineConfig(dur)
	require.ErrorContains(t, err, "invalid duration")

	_, err = core.LoadEngineConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestNewManagerWithOptions_InMemory(t *testing.T) {
	t.Parallel()
	_, err := core.NewManagerWithOptions(core.ManagerOptions{})
	require.ErrorContains(t, err, "pusher")

	m, err := core.NewManagerWithOptions(core.ManagerOptions{Pusher: &fakePusher{}})
	require.NoError(t, err)
	assert.EqualValues(t, core.DefaultPerMinuteBudget, m.Budgets().PerMinute)
	assert.IsType(t, &core.MemoryStore{}, m.Store())
}

func TestNewManagerWithOptions_RedisClientStaysWithCaller(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	engine := core.DefaultEngineConfig()
	engine.KeyPrefix = "usage:"
	m, err := core.NewManagerWithOptions(core.ManagerOptions{
		Redis:  client,
		Engine: engine,
		Pusher: &fakePusher{},
		Logger: testLogger(t),
	})
	require.NoError(t, err)
	assert.IsType(t, &core.RedisStore{}, m.Store())

	ctx := context.Background()
	_, err = m.Start(ctx, "alice", core.Seed{})
	require.NoError(t, err)
	assert.True(t, mr.Exists("usage:alice"))

	require.NoError(t, client.Close())
	_, err = m.IsActive(ctx, "alice")
	require.ErrorIs(t, err, redis.ErrClosed)
}
