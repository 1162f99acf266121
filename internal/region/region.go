// Copyright 2025 James Ross
// Package region scopes the lifetime of one extension's JS runtime: a
// Region is acquired when the runtime starts and torn down exactly once,
// either by the caller or by its own cleanup-budget timeout.
package region

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/flyingrobots/pi-extensions/internal/audit"
	"go.uber.org/zap"
)

// defaultCleanupBudget is used when the caller passes a non-positive budget.
const defaultCleanupBudget = 5 * time.Second

// unboundedRemaining is reported by Remaining before shutdown has begun:
// the cleanup budget bounds the teardown window, not the extension's
// operating lifetime, so there is no meaningful countdown yet.
const unboundedRemaining = 24 * time.Hour

// Shutdown releases whatever resources a Region guards (the runtime
// goroutine, open file descriptors, pending timers). Implementations must
// tolerate being called after the budget has already expired once.
type Shutdown func() error

// Region bounds one extension's runtime lifetime to a cleanup budget;
// Close is idempotent and safe to call from the budget-expiry timer and
// the owning goroutine concurrently.
type Region struct {
	ExtensionID string

	budget   time.Duration
	shutdown Shutdown
	ledger   *audit.Ledger
	logger   *zap.Logger

	closed     int32
	once       sync.Once
	deadline   *time.Timer
	shutdownMu sync.Mutex
	teardownAt time.Time
}

// New acquires a Region for extensionID. budget <= 0 uses the five-second
// default. shutdown is invoked at most once, either via Close or when the
// budget expires first. The cleanup-budget countdown does not start until
// BeginShutdown (or Close, which calls it) is invoked — it bounds the
// teardown window, not the extension's operating lifetime.
func New(extensionID string, budget time.Duration, shutdown Shutdown, ledger *audit.Ledger, logger *zap.Logger) *Region {
	if budget <= 0 {
		budget = defaultCleanupBudget
	}
	return &Region{
		ExtensionID: extensionID,
		budget:      budget,
		shutdown:    shutdown,
		ledger:      ledger,
		logger:      logger,
	}
}

// BeginShutdown starts the cleanup-budget countdown, force-closing the
// region if shutdown hasn't completed within the budget. Safe to call
// multiple times; only the first call starts the timer.
func (r *Region) BeginShutdown() {
	r.shutdownMu.Lock()
	defer r.shutdownMu.Unlock()
	if r.deadline != nil {
		return
	}
	r.teardownAt = time.Now().Add(r.budget)
	r.deadline = time.AfterFunc(r.budget, func() { r.forceClose() })
}

// Remaining reports how much of the cleanup budget remains. Before
// shutdown has begun there is no teardown window yet, so it reports an
// effectively unbounded duration rather than counting down against a
// timer that hasn't started.
func (r *Region) Remaining() time.Duration {
	r.shutdownMu.Lock()
	teardownAt := r.teardownAt
	r.shutdownMu.Unlock()
	if teardownAt.IsZero() {
		return unboundedRemaining
	}
	if rem := time.Until(teardownAt); rem > 0 {
		return rem
	}
	return 0
}

// Close begins shutdown (starting the cleanup-budget countdown if it
// hasn't already) and tears the region down immediately, canceling the
// expiry timer. Safe to call multiple times or concurrently with budget
// expiry; only the first caller's shutdown error is observable.
func (r *Region) Close() error {
	r.BeginShutdown()
	var err error
	r.once.Do(func() {
		r.shutdownMu.Lock()
		if r.deadline != nil {
			r.deadline.Stop()
		}
		r.shutdownMu.Unlock()
		atomic.StoreInt32(&r.closed, 1)
		if r.shutdown != nil {
			err = r.shutdown()
		}
	})
	return err
}

func (r *Region) forceClose() {
	forced := atomic.CompareAndSwapInt32(&r.closed, 0, 1)
	r.once.Do(func() {
		if r.shutdown != nil {
			_ = r.shutdown()
		}
	})
	if forced && r.ledger != nil {
		_ = r.ledger.Append(audit.Entry{
			Level:  "warn",
			Event:  "region.cleanup_budget_exceeded",
			Source: audit.Source{ExtensionID: r.ExtensionID, Component: "region"},
			Data:   map[string]interface{}{"budget_ms": r.budget.Milliseconds()},
		})
	}
	if forced && r.logger != nil {
		r.logger.Warn("region cleanup budget exceeded, forced shutdown",
			zap.String("extension_id", r.ExtensionID), zap.Duration("budget", r.budget))
	}
}
