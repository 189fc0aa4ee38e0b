// Package bootstrap holds the process setup shared by the binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// LoadEnv loads variables from the given dotenv files. Missing files are
// skipped and variables already set in the environment win.
func LoadEnv(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

func ParseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

func Logger(w io.Writer, level string) (slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return slog.Logger{}, err
	}
	return slog.Make(sloghuman.Sink(w)).Leveled(lvl), nil
}

const shutdownTimeout = 15 * time.Second

// Serve runs srv until ctx is done, then shuts it down gracefully. Extra
// workers run alongside it under the same errgroup; the first failure stops
// everything.
func Serve(ctx context.Context, logger slog.Logger, srv *http.Server, workers ...func(context.Context) error) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		logger.Info(egCtx, "http server listening", slog.F("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info(shutdownCtx, "shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})
	for _, work := range workers {
		eg.Go(func() error {
			return work(egCtx)
		})
	}
	return eg.Wait()
}
