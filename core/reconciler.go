package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"cdr.dev/slog"
	"github.com/coder/quartz"
	"github.com/google/uuid"
)

type ReconcileState int32

const (
	StateIdle ReconcileState = iota
	StateScanning
	StateReading
	StatePushing
	StateSleeping
	StateStopped
)

func (s ReconcileState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateReading:
		return "reading"
	case StatePushing:
		return "pushing"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type PushResult int

const (
	PushPushed PushResult = iota + 1
	// PushFailed records are left in the cache and retried next cycle.
	PushFailed
	// PushSkipped records could not be decoded or belong to a user the
	// durable store no longer knows.
	PushSkipped
	// PushGone records disappeared between the scan and the read.
	PushGone
)

func (r PushResult) String() string {
	switch r {
	case PushPushed:
		return "pushed"
	case PushFailed:
		return "failed"
	case PushSkipped:
		return "skipped"
	case PushGone:
		return "gone"
	default:
		return "unknown"
	}
}

type UserResult struct {
	UserID string
	Result PushResult
	Err    error
}

type CycleReport struct {
	ID          uuid.UUID
	StartedAt   time.Time
	Duration    time.Duration
	Results     []UserResult
	ScanErr     error
	Interrupted bool
}

func (c CycleReport) Count(result PushResult) int {
	n := 0
	for _, r := range c.Results {
		if r.Result == result {
			n++
		}
	}
	return n
}

// Reconciler periodically copies every live usage record to the durable
// store. Failures only affect the record at hand and are retried on the next
// cycle because the cache entry is never modified here.
type Reconciler struct {
	store    Store
	pusher   DurablePusher
	clock    quartz.Clock
	logger   slog.Logger
	interval time.Duration
	metrics  *Metrics

	state atomic.Int32
	last  atomic.Pointer[CycleReport]
}

type ReconcilerOption func(*Reconciler)

func ReconcilerWithClock(clock quartz.Clock) ReconcilerOption {
	return func(r *Reconciler) {
		r.clock = clock
	}
}

func ReconcilerWithLogger(logger slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

func ReconcilerWithInterval(interval time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

func ReconcilerWithMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

func NewReconciler(store Store, pusher DurablePusher, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:    store,
		pusher:   pusher,
		clock:    quartz.NewReal(),
		interval: DefaultReconcileInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("reconciler")
	return r
}

func (r *Reconciler) State() ReconcileState {
	return ReconcileState(r.state.Load())
}

func (r *Reconciler) setState(s ReconcileState) {
	r.state.Store(int32(s))
}

// LastReport returns the report of the most recent finished cycle, or nil.
func (r *Reconciler) LastReport() *CycleReport {
	return r.last.Load()
}

// Run reconciles once immediately and then on every interval until ctx is
// done. It returns nil on cancellation.
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.setState(StateStopped)

	r.logger.Info(ctx, "reconciler started", slog.F("interval", r.interval))
	r.RunCycle(ctx)

	w := r.clock.TickerFunc(ctx, r.interval, func() error {
		r.RunCycle(ctx)
		return nil
	}, "reconciler", "cycle")
	err := w.Wait()
	r.logger.Info(context.Background(), "reconciler stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// RunCycle performs a single reconciliation pass. Cancellation is checked
// before every user; a push already under way is allowed to finish.
func (r *Reconciler) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{
		ID:        uuid.New(),
		StartedAt: r.clock.Now(),
	}
	logger := r.logger.With(slog.F("cycle_id", report.ID))

	r.setState(StateScanning)
	ids, err := r.store.UserIDs(ctx)
	if err != nil {
		report.ScanErr = err
		logger.Warn(ctx, "scan of live sessions failed", slog.Error(err))
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		res, ok := r.reconcileUser(ctx, logger, id)
		if !ok {
			report.Interrupted = true
			break
		}
		r.metrics.push(res.Result)
		report.Results = append(report.Results, res)
	}

	report.Duration = r.clock.Since(report.StartedAt)
	r.metrics.cycle(report.Duration)
	r.last.Store(&report)
	if report.Interrupted {
		r.setState(StateStopped)
	} else {
		r.setState(StateSleeping)
	}

	logger.Info(ctx, "reconciliation cycle finished",
		slog.F("users", len(ids)),
		slog.F("pushed", report.Count(PushPushed)),
		slog.F("failed", report.Count(PushFailed)),
		slog.F("skipped", report.Count(PushSkipped)),
		slog.F("gone", report.Count(PushGone)),
		slog.F("interrupted", report.Interrupted),
		slog.F("duration", report.Duration),
	)
	return report
}

// reconcileUser returns false when the cycle was cancelled before the push.
func (r *Reconciler) reconcileUser(ctx context.Context, logger slog.Logger, userID string) (UserResult, bool) {
	res := UserResult{UserID: userID}

	r.setState(StateReading)
	rec, err := r.store.Get(ctx, userID)
	switch {
	case ctx.Err() != nil:
		return res, false
	case errors.Is(err, ErrNoSession):
		res.Result = PushGone
		return res, true
	case errors.Is(err, ErrMalformedRecord):
		logger.Error(ctx, "skipping malformed usage record", slog.F("user_id", userID), slog.Error(err))
		res.Result = PushSkipped
		res.Err = err
		return res, true
	case err != nil:
		logger.Warn(ctx, "reading usage record failed", slog.F("user_id", userID), slog.Error(err))
		res.Result = PushFailed
		res.Err = err
		return res, true
	}

	r.setState(StatePushing)
	err = r.pusher.Push(context.WithoutCancel(ctx), *rec)
	if errors.Is(err, ErrDurableRecordGone) {
		logger.Warn(ctx, "user unknown to the durable store, skipping", slog.F("user_id", userID), slog.Error(err))
		res.Result = PushSkipped
		res.Err = err
		return res, true
	}
	if err != nil {
		logger.Warn(ctx, "durable push failed, will retry next cycle", slog.F("user_id", userID), slog.Error(err))
		res.Result = PushFailed
		res.Err = err
		return res, true
	}
	logger.Debug(ctx, "usage record pushed",
		slog.F("user_id", userID),
		slog.F("total_usage", rec.TotalUsage),
	)
	res.Result = PushPushed
	return res, true
}
