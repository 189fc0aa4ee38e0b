// Command gateway serves the metered completion API and runs the periodic
// reconciliation of live usage into the user directory.
//
// Usage:
//
//	gateway serve --redis-addr localhost:6379 --directory-url http://localhost:8081
//	gateway reconcile
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog"
	"github.com/alecthomas/kong"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/tunaaoguzhann/token-activity/core"
	"github.com/tunaaoguzhann/token-activity/directory"
	"github.com/tunaaoguzhann/token-activity/gateway"
	"github.com/tunaaoguzhann/token-activity/internal/bootstrap"
	"github.com/tunaaoguzhann/token-activity/upstream"
)

type CLI struct {
	Serve     ServeCmd     `cmd:"" default:"1" help:"Run the gateway (default)."`
	Reconcile ReconcileCmd `cmd:"" help:"Push every live session to the directory once and exit."`

	Config        string `short:"c" type:"path" env:"ENGINE_CONFIG" help:"Engine config YAML (budgets, windows, reconcile interval)."`
	LogLevel      string `env:"LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level."`
	RedisAddr     string `env:"REDIS_ADDR" help:"Redis address for live sessions; empty keeps them in memory."`
	DirectoryURL  string `env:"DIRECTORY_URL" default:"http://localhost:8081" help:"Base URL of the user directory."`
	ServiceSecret string `env:"SERVICE_SECRET" default:"dev-service-secret-change-me" help:"Shared secret for signing directory requests."`
}

type ServeCmd struct {
	Addr        string        `env:"GATEWAY_ADDR" default:":8080" help:"Listen address."`
	JWTSecret   string        `name:"jwt-secret" env:"JWT_SECRET" default:"dev-jwt-secret-change-me" help:"Secret for session tokens."`
	TokenTTL    time.Duration `env:"TOKEN_TTL" default:"24h" help:"Session token lifetime."`
	UpstreamURL string        `env:"UPSTREAM_BASE_URL" default:"https://api.groq.com/openai/v1" help:"OpenAI-compatible API base URL."`
	UpstreamKey string        `env:"UPSTREAM_API_KEY" help:"Upstream API key."`
	IPRate      float64       `name:"ip-rate" env:"IP_RATE" default:"20" help:"Requests per second allowed per client address."`
	IPBurst     int           `name:"ip-burst" env:"IP_BURST" default:"40" help:"Burst allowed per client address."`
}

// deps is the setup shared by both commands.
type deps struct {
	logger    slog.Logger
	engine    core.EngineConfig
	store     core.Store
	attempts  core.RateLimiter
	directory *directory.Client
	close     func()
}

func (c *CLI) setup(ctx context.Context) (*deps, error) {
	logger, err := bootstrap.Logger(os.Stderr, c.LogLevel)
	if err != nil {
		return nil, err
	}
	engine, err := core.LoadEngineConfig(c.Config)
	if err != nil {
		return nil, err
	}

	rt := &deps{
		logger:    logger,
		engine:    engine,
		directory: directory.NewClient(c.DirectoryURL, directory.NewSigner(c.ServiceSecret), nil),
		close:     func() {},
	}
	if c.RedisAddr == "" {
		logger.Info(ctx, "using in-memory session store")
		rt.store = core.NewMemoryStore()
		rt.attempts = core.NewMemoryRateLimiter(quartz.NewReal())
		return rt, nil
	}

	client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", c.RedisAddr, err)
	}
	logger.Info(ctx, "using redis session store", slog.F("addr", c.RedisAddr), slog.F("key_prefix", engine.KeyPrefix))
	rt.store = core.NewRedisStore(client, engine.KeyPrefix)
	rt.attempts = core.NewRedisRateLimiter(client, "")
	rt.close = func() { _ = client.Close() }
	return rt, nil
}

func (s *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := cli.setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := core.NewMetrics(reg)

	manager, err := core.NewManager(core.Config{
		Store:        rt.store,
		Pusher:       rt.directory,
		Logger:       rt.logger,
		Budgets:      rt.engine.Budgets,
		MinuteWindow: rt.engine.MinuteWindow.Duration(),
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("init usage manager: %w", err)
	}
	reconciler := core.NewReconciler(rt.store, rt.directory,
		core.ReconcilerWithLogger(rt.logger),
		core.ReconcilerWithInterval(rt.engine.ReconcileInterval.Duration()),
		core.ReconcilerWithMetrics(metrics),
	)

	if s.UpstreamKey == "" {
		rt.logger.Warn(ctx, "no upstream api key configured, completions will fail")
	}
	srv, err := gateway.NewServer(gateway.Config{
		Manager:       manager,
		Directory:     rt.directory,
		Upstream:      upstream.NewClient(s.UpstreamURL, s.UpstreamKey, nil),
		Tokens:        gateway.NewTokenIssuer(s.JWTSecret, s.TokenTTL, nil),
		Attempts:      rt.attempts,
		LoginAttempts: rt.engine.LoginAttempts,
		LoginWindow:   rt.engine.LoginWindow.Duration(),
		Logger:        rt.logger,
		Gatherer:      reg,
		IPRate:        rate.Limit(s.IPRate),
		IPBurst:       s.IPBurst,
	})
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}

	httpServer := &http.Server{
		Addr:              s.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	rt.logger.Info(ctx, "gateway starting",
		slog.F("per_minute_budget", rt.engine.Budgets.PerMinute),
		slog.F("per_day_budget", rt.engine.Budgets.PerDay),
		slog.F("reconcile_interval", rt.engine.ReconcileInterval.Duration()),
	)
	return bootstrap.Serve(ctx, rt.logger, httpServer, reconciler.Run)
}

type ReconcileCmd struct{}

// errNoSharedStore rejects a one-off reconcile that would only see its own
// empty in-memory store.
var errNoSharedStore = errors.New("reconcile needs --redis-addr: in-memory sessions live only inside a running gateway")

func (r *ReconcileCmd) Run(cli *CLI) error {
	if cli.RedisAddr == "" {
		return errNoSharedStore
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := cli.setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	report := core.NewReconciler(rt.store, rt.directory, core.ReconcilerWithLogger(rt.logger)).RunCycle(ctx)
	if report.ScanErr != nil {
		return report.ScanErr
	}
	if failed := report.Count(core.PushFailed); failed > 0 {
		return fmt.Errorf("%d of %d records could not be pushed", failed, len(report.Results))
	}
	return nil
}

func main() {
	if err := bootstrap.LoadEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("gateway"),
		kong.Description("Metered gateway for an OpenAI-compatible completion API."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
