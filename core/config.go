package core

import (
	"errors"
	"fmt"
	"os"
	"time"

	"cdr.dev/slog"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPerMinuteBudget   = 6000
	DefaultPerDayBudget      = 6000
	DefaultMinuteWindow      = time.Minute
	DefaultReconcileInterval = 7 * time.Minute
	DefaultLoginAttempts     = 10
	DefaultLoginWindow       = 15 * time.Minute
)

// Duration is a time.Duration read from YAML strings such as "7m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string such as \"1m\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Budgets struct {
	PerMinute int64 `yaml:"per_minute"`
	PerDay    int64 `yaml:"per_day"`
}

// EngineConfig holds the process-wide values of the usage engine.
type EngineConfig struct {
	Budgets           Budgets  `yaml:"budgets"`
	MinuteWindow      Duration `yaml:"minute_window"`
	ReconcileInterval Duration `yaml:"reconcile_interval"`
	KeyPrefix         string   `yaml:"key_prefix"`
	LoginAttempts     int      `yaml:"login_attempts"`
	LoginWindow       Duration `yaml:"login_window"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Budgets: Budgets{
			PerMinute: DefaultPerMinuteBudget,
			PerDay:    DefaultPerDayBudget,
		},
		MinuteWindow:      Duration(DefaultMinuteWindow),
		ReconcileInterval: Duration(DefaultReconcileInterval),
		KeyPrefix:         DefaultKeyPrefix,
		LoginAttempts:     DefaultLoginAttempts,
		LoginWindow:       Duration(DefaultLoginWindow),
	}
}

// LoadEngineConfig reads a YAML file over the defaults. An empty path yields
// the defaults.
func LoadEngineConfig(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("read engine config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("parse engine config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

func (c EngineConfig) Validate() error {
	var errs []error
	if c.Budgets.PerMinute <= 0 {
		errs = append(errs, errors.New("budgets.per_minute must be positive"))
	}
	if c.Budgets.PerDay <= 0 {
		errs = append(errs, errors.New("budgets.per_day must be positive"))
	}
	if c.MinuteWindow <= 0 {
		errs = append(errs, errors.New("minute_window must be positive"))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("reconcile_interval must be positive"))
	}
	if c.LoginAttempts < 0 {
		errs = append(errs, errors.New("login_attempts must not be negative"))
	}
	return errors.Join(errs...)
}

type ManagerOptions struct {
	// Redis is owned by the caller, who closes it after the Manager is done.
	Redis  redis.UniversalClient
	Engine EngineConfig
	Pusher DurablePusher
	Logger slog.Logger
}

// NewManagerWithOptions builds a Manager over redis when a client is given and
// over the in-memory store otherwise.
func NewManagerWithOptions(opts ManagerOptions) (*Manager, error) {
	engine := opts.Engine
	if engine == (EngineConfig{}) {
		engine = DefaultEngineConfig()
	}
	if err := engine.Validate(); err != nil {
		return nil, err
	}

	var store Store = NewMemoryStore()
	if opts.Redis != nil {
		store = NewRedisStore(opts.Redis, engine.KeyPrefix)
	}

	return NewManager(Config{
		Store:        store,
		Pusher:       opts.Pusher,
		Logger:       opts.Logger,
		Budgets:      engine.Budgets,
		MinuteWindow: engine.MinuteWindow.Duration(),
	})
}
