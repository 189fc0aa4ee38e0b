package core

import (
	"fmt"
	"time"

	"cdr.dev/slog"
	"github.com/coder/quartz"
)

// Manager runs the per-request side of usage tracking: the session gate, the
// budget enforcer and the usage ledger. It is safe for concurrent use.
type Manager struct {
	store        Store
	pusher       DurablePusher
	clock        quartz.Clock
	logger       slog.Logger
	budgets      Budgets
	minuteWindow time.Duration
	metrics      *Metrics
}

type Config struct {
	Store        Store
	Pusher       DurablePusher
	Clock        quartz.Clock
	Logger       slog.Logger
	Budgets      Budgets
	MinuteWindow time.Duration
	Metrics      *Metrics
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Pusher == nil {
		return nil, fmt.Errorf("durable pusher is required")
	}
	if cfg.Budgets.PerMinute <= 0 || cfg.Budgets.PerDay <= 0 {
		return nil, fmt.Errorf("budgets must be positive")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	window := cfg.MinuteWindow
	if window <= 0 {
		window = DefaultMinuteWindow
	}
	return &Manager{
		store:        cfg.Store,
		pusher:       cfg.Pusher,
		clock:        clock,
		logger:       cfg.Logger.Named("usage"),
		budgets:      cfg.Budgets,
		minuteWindow: window,
		metrics:      cfg.Metrics,
	}, nil
}

func (m *Manager) Budgets() Budgets {
	return m.budgets
}

func (m *Manager) Store() Store {
	return m.store
}
