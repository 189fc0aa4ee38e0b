package bootstrap_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cdr.dev/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunaaoguzhann/token-activity/internal/bootstrap"
)

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(file, []byte("BOOTSTRAP_TEST_A=from-file\nBOOTSTRAP_TEST_B=from-file\n"), 0o600))
	t.Setenv("BOOTSTRAP_TEST_B", "from-env")

	require.NoError(t, bootstrap.LoadEnv(filepath.Join(dir, "missing.env"), file))
	t.Cleanup(func() { _ = os.Unsetenv("BOOTSTRAP_TEST_A") })

	assert.Equal(t, "from-file", os.Getenv("BOOTSTRAP_TEST_A"))
	assert.Equal(t, "from-env", os.Getenv("BOOTSTRAP_TEST_B"))
}

func TestLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger, err := bootstrap.Logger(&buf, "warn")
	require.NoError(t, err)
	logger.Info(context.Background(), "quiet")
	logger.Warn(context.Background(), "loud", slog.F("user_id", "alice"))
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
	assert.Contains(t, buf.String(), "alice")

	_, err = bootstrap.Logger(&buf, "chatty")
	require.Error(t, err)
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := &http.Server{Addr: addr, Handler: http.NotFoundHandler(), ReadHeaderTimeout: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	workerStopped := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- bootstrap.Serve(ctx, slog.Make(), srv, func(ctx context.Context) error {
			<-ctx.Done()
			close(workerStopped)
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
	<-workerStopped
}

func TestServe_WorkerFailureStopsServer(t *testing.T) {
	t.Parallel()
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler(), ReadHeaderTimeout: time.Second}
	boom := errors.New("boom")
	err := bootstrap.Serve(context.Background(), slog.Make(), srv, func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}
