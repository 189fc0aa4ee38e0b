// Command ums serves the user directory: accounts, credentials and durable
// usage counters.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog"
	"github.com/alecthomas/kong"

	"github.com/tunaaoguzhann/token-activity/directory"
	"github.com/tunaaoguzhann/token-activity/internal/bootstrap"
)

type CLI struct {
	Addr          string `env:"UMS_ADDR" default:":8081" help:"Listen address."`
	Driver        string `env:"UMS_DB_DRIVER" default:"sqlite" enum:"memory,sqlite,postgres,mysql" help:"Storage backend."`
	DSN           string `name:"dsn" env:"UMS_DB_DSN" default:"ums.db" help:"Database DSN; MySQL needs parseTime=true."`
	ServiceSecret string `env:"SERVICE_SECRET" default:"dev-service-secret-change-me" help:"Shared secret for request signatures."`
	BcryptCost    int    `env:"BCRYPT_COST" default:"10" help:"Password hashing cost."`
	LogLevel      string `env:"LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level."`
}

func (c *CLI) openStore(ctx context.Context, logger slog.Logger) (directory.Store, error) {
	if c.Driver == "memory" {
		logger.Warn(ctx, "using in-memory user store, data is lost on restart")
		return directory.NewMemoryStore(), nil
	}
	store, err := directory.OpenSQLStore(ctx, c.Driver, c.DSN)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "user store ready", slog.F("driver", c.Driver))
	return store, nil
}

func (c *CLI) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := bootstrap.Logger(os.Stderr, c.LogLevel)
	if err != nil {
		return err
	}
	store, err := c.openStore(ctx, logger)
	if err != nil {
		return fmt.Errorf("open user store: %w", err)
	}
	defer store.Close()

	srv := directory.NewServer(store, directory.NewSigner(c.ServiceSecret), logger,
		directory.WithBcryptCost(c.BcryptCost),
	)
	return bootstrap.Serve(ctx, logger, &http.Server{
		Addr:              c.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	})
}

func main() {
	if err := bootstrap.LoadEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("ums"),
		kong.Description("User directory with durable token usage."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
