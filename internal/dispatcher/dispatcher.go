// Copyright 2025 James Ross
// Package dispatcher implements the hostcall dispatch pipeline: capability
// derivation, policy consultation, deadline computation, connector
// invocation, streaming forwarding, and paired audit emission.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/pi-extensions/internal/audit"
	"github.com/flyingrobots/pi-extensions/internal/breaker"
	"github.com/flyingrobots/pi-extensions/internal/connector"
	"github.com/flyingrobots/pi-extensions/internal/hostcall"
	"github.com/flyingrobots/pi-extensions/internal/obs"
	"github.com/flyingrobots/pi-extensions/internal/policy"
	"go.uber.org/zap"
)

// defaultPerMethodDeadline bounds any hostcall that doesn't specify its own
// timeout and has no narrower region budget.
const defaultPerMethodDeadline = 30 * time.Second

// breakerWindow/breakerCooldown/breakerFailureThreshold/breakerMinSamples
// configure the per-extension circuit breaker. Every connector error (io or
// timeout) is recorded as a failure and every success as a success; once at
// least five calls fall within the one-minute window and all of them failed,
// it opens for thirty seconds. One success in the window keeps it closed.
const (
	breakerWindow           = 1 * time.Minute
	breakerCooldown         = 30 * time.Second
	breakerFailureThreshold = 1.0 // failure ratio: every recorded call in the window failed
	breakerMinSamples       = 5
)

// perExtensionConcurrency bounds how many hostcalls a single extension may
// have in flight at once; concurrency across distinct extensions is
// unbounded.
const perExtensionConcurrency = 8

// RegionBudget reports how much of a region's bounded lifetime remains.
type RegionBudget interface {
	Remaining() time.Duration
}

// Dispatcher routes JS-runtime-issued hostcalls to connectors, gated by
// the policy engine and audited start-to-end.
type Dispatcher struct {
	Policy     *policy.Engine
	Connectors *connector.Registry
	Ledger     *audit.Ledger
	Logger     *zap.Logger

	mu       sync.Mutex
	sem      map[string]chan struct{}
	breakers map[string]*breaker.CircuitBreaker
}

// New builds a Dispatcher. Connectors and Policy must be non-nil.
func New(p *policy.Engine, c *connector.Registry, ledger *audit.Ledger, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		Policy:     p,
		Connectors: c,
		Ledger:     ledger,
		Logger:     logger,
		sem:        map[string]chan struct{}{},
		breakers:   map[string]*breaker.CircuitBreaker{},
	}
}

func (d *Dispatcher) semaphoreFor(extensionID string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sem[extensionID]
	if !ok {
		s = make(chan struct{}, perExtensionConcurrency)
		d.sem[extensionID] = s
	}
	return s
}

func (d *Dispatcher) breakerFor(extensionID string) *breaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[extensionID]
	if !ok {
		b = breaker.New(breakerWindow, breakerCooldown, breakerFailureThreshold, breakerMinSamples)
		d.breakers[extensionID] = b
	}
	return b
}

func errResult(callID string, code hostcall.ErrorCode, msg string) hostcall.Result {
	return hostcall.Result{
		Schema: hostcall.SchemaHostcall,
		CallID: callID,
		Err:    &hostcall.Error{Code: code, Message: msg},
	}
}

// Dispatch runs the full pipeline for req and returns its result, plus a
// channel of streamed chunks when the invoked connector streams (nil
// otherwise). regionBudget may be nil to mean "no region budget ceiling".
func (d *Dispatcher) Dispatch(ctx context.Context, req hostcall.Request, regionBudget RegionBudget) (hostcall.Result, <-chan hostcall.Chunk) {
	start := time.Now()
	ctx, span := obs.StartHostcallSpan(ctx, req.ExtensionID, req.Method, req.CallID)
	defer span.End()

	paramsHash, _ := audit.CanonicalParamsHash(req.Method, req.Params)
	d.audit("host_call.start", req, paramsHash, "", nil)
	obs.HostcallsStarted.WithLabelValues(req.Method).Inc()

	cap, known := req.DeriveCapability()
	if !known {
		res := errResult(req.CallID, hostcall.ErrInvalidRequest, fmt.Sprintf("unrecognized method %q", req.Method))
		d.finish(ctx, req, start, paramsHash, res)
		return res, nil
	}

	// The JS bridge stamps its claimed capability on the request; an empty
	// claim means none was made (older/internal callers), but a non-empty
	// claim that disagrees with the independently re-derived capability is
	// a protocol violation, not a policy question — deny it outright.
	if req.Capability != "" && req.Capability != cap {
		res := errResult(req.CallID, hostcall.ErrInvalidRequest, fmt.Sprintf("capability claim %q does not match derived capability %q", req.Capability, cap))
		res.Err.Details = map[string]any{"reason": "capability_spoof"}
		d.finish(ctx, req, start, paramsHash, res)
		return res, nil
	}

	b := d.breakerFor(req.ExtensionID)
	if !b.Allow() {
		res := errResult(req.CallID, hostcall.ErrInternal, "circuit_open")
		res.Err.Details = map[string]any{"reason": "circuit_open"}
		d.finish(ctx, req, start, paramsHash, res)
		return res, nil
	}

	decision := d.Policy.Decide(policy.Check{ExtensionID: req.ExtensionID, Capability: cap, Scope: req.Scope})
	if decision.Decision != policy.Allow {
		obs.HostcallsDenied.WithLabelValues(string(cap)).Inc()
		res := errResult(req.CallID, hostcall.ErrDenied, fmt.Sprintf("capability %s: %s", cap, decision.Reason))
		d.finish(ctx, req, start, paramsHash, res)
		return res, nil
	}

	deadline := defaultPerMethodDeadline
	if req.TimeoutMS > 0 {
		if d2 := time.Duration(req.TimeoutMS) * time.Millisecond; d2 < deadline {
			deadline = d2
		}
	}
	if regionBudget != nil {
		if rem := regionBudget.Remaining(); rem < deadline {
			deadline = rem
		}
	}
	if deadline <= 0 {
		res := errResult(req.CallID, hostcall.ErrTimeout, "region budget exhausted")
		d.finish(ctx, req, start, paramsHash, res)
		return res, nil
	}

	conn, ok := d.Connectors.Lookup(req.Method)
	if !ok {
		res := errResult(req.CallID, hostcall.ErrInvalidRequest, fmt.Sprintf("no connector for method %q", req.Method))
		d.finish(ctx, req, start, paramsHash, res)
		return res, nil
	}

	sem := d.semaphoreFor(req.ExtensionID)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		res := errResult(req.CallID, hostcall.ErrTimeout, "context canceled awaiting concurrency slot")
		d.finish(ctx, req, start, paramsHash, res)
		return res, nil
	}
	defer func() { <-sem }()

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	streamed, err := conn.Invoke(callCtx, connector.Invocation{
		ExtensionID: req.ExtensionID,
		CallID:      req.CallID,
		Method:      req.Method,
		Params:      req.Params,
		Scope:       req.Scope,
	})
	if err != nil {
		code := classifyErr(callCtx, err)
		b.Record(false)
		res := errResult(req.CallID, code, err.Error())
		obs.RecordError(ctx, err)
		d.finish(ctx, req, start, paramsHash, res)
		return res, nil
	}

	b.Record(true)
	res := hostcall.Result{Schema: hostcall.SchemaHostcall, CallID: req.CallID, Value: streamed.Value}
	obs.SetSpanSuccess(ctx)
	d.finish(ctx, req, start, paramsHash, res)
	return res, streamed.Chunks
}

func classifyErr(ctx context.Context, err error) hostcall.ErrorCode {
	if ctx.Err() == context.DeadlineExceeded {
		return hostcall.ErrTimeout
	}
	return hostcall.ErrIO
}

func (d *Dispatcher) finish(ctx context.Context, req hostcall.Request, start time.Time, paramsHash string, res hostcall.Result) {
	outcome := "success"
	if res.Err != nil {
		outcome = string(res.Err.Code)
	}
	obs.HostcallsCompleted.WithLabelValues(req.Method, outcome).Inc()
	obs.HostcallDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	d.audit("host_call.end", req, paramsHash, outcome, res.Err)
}

func (d *Dispatcher) audit(event string, req hostcall.Request, paramsHash, outcome string, callErr *hostcall.Error) {
	if d.Ledger == nil {
		return
	}
	data := map[string]interface{}{
		"method":      req.Method,
		"params_hash": paramsHash,
	}
	if outcome != "" {
		data["outcome"] = outcome
	}
	if callErr != nil {
		data["error_code"] = callErr.Code
		data["error_message"] = callErr.Message
	}
	entry := audit.Entry{
		Level:       "info",
		Event:       event,
		Correlation: audit.Correlation{ExtensionID: req.ExtensionID, HostCallID: req.CallID},
		Source:      audit.Source{ExtensionID: req.ExtensionID, Component: "dispatcher"},
		Data:        data,
	}
	if err := d.Ledger.Append(entry); err != nil && d.Logger != nil {
		d.Logger.Warn("audit append failed", zap.Error(err))
	}
}
