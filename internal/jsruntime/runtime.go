// Copyright 2025 James Ross
// Package jsruntime embeds one extension's deterministic, single-threaded
// JS execution context on top of goja: a dedicated event loop drains
// macrotasks and microtasks to a fixpoint, `pi.*()` hostcalls resolve via
// Promises bridged to the dispatcher, and a heap-size heuristic catches
// runaway extensions before they take down the host process.
package jsruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"

	"github.com/flyingrobots/pi-extensions/internal/capability"
	"github.com/flyingrobots/pi-extensions/internal/dispatcher"
	"github.com/flyingrobots/pi-extensions/internal/hostcall"
	"github.com/flyingrobots/pi-extensions/internal/jsruntime/nodeshim"
	"github.com/flyingrobots/pi-extensions/internal/obs"
	"go.uber.org/zap"
)

// Dispatcher is the narrow slice of *dispatcher.Dispatcher this runtime
// needs: run one hostcall to completion (or streamed chunks).
type Dispatcher interface {
	Dispatch(ctx context.Context, req hostcall.Request, budget dispatcher.RegionBudget) (hostcall.Result, <-chan hostcall.Chunk)
}

// callIDPrefix namespaces call ids generated by this runtime instance from
// ids a test or another runtime might generate, for log readability only.
const callIDPrefix = "call"

// Runtime is one extension's JS execution context. Not safe for use by
// more than one goroutine calling LoadScript/Invoke concurrently; the
// event loop itself is single-threaded by construction.
type Runtime struct {
	ExtensionID string

	loop     *eventloop.EventLoop
	registry *require.Registry
	dispatch Dispatcher
	budget   dispatcher.RegionBudget
	enabled  []string
	memLimit int64
	logger   *zap.Logger

	vm        atomic.Pointer[goja.Runtime]
	allocated int64
	oom       atomic.Bool
	callSeq   uint64

	tools  map[string]goja.Callable
	events map[string][]goja.Callable
}

// New builds a Runtime. memLimitMB <= 0 disables the heap heuristic.
func New(extensionID string, dispatch Dispatcher, budget dispatcher.RegionBudget, enabledModules []string, memLimitMB int, logger *zap.Logger) *Runtime {
	return &Runtime{
		ExtensionID: extensionID,
		dispatch:    dispatch,
		budget:      budget,
		enabled:     enabledModules,
		memLimit:    int64(memLimitMB) * 1024 * 1024,
		logger:      logger,
		tools:       map[string]goja.Callable{},
		events:      map[string][]goja.Callable{},
	}
}

// SetBudget rebinds the region budget pi.call consults when computing a
// hostcall's deadline. Used when the owning Region can only be constructed
// after the Runtime (the Region's shutdown callback needs to stop this
// Runtime) — call it before Start or LoadScript so every pi.call sees the
// real budget instead of a nil placeholder.
func (r *Runtime) SetBudget(budget dispatcher.RegionBudget) {
	r.budget = budget
}

// Start boots the event loop and installs the `pi` global plus the
// enabled node-compat surface. Returns once the loop goroutine is running;
// does not block on extension code.
func (r *Runtime) Start() {
	r.registry = require.NewRegistry()
	r.loop = eventloop.NewEventLoop(eventloop.WithRegistry(r.registry))

	r.loop.RunOnLoop(func(vm *goja.Runtime) {
		r.vm.Store(vm)
		r.registry.Enable(vm)
		nodeshim.Enable(vm, r.registry, r.loop, r.enabled)
		r.installPiGlobal(vm)
	})
	r.loop.Start()
}

// Stop halts the event loop without waiting for pending timers to drain;
// called from a Region's shutdown, which already bounds how long it waits.
func (r *Runtime) Stop() {
	if r.loop != nil {
		r.loop.StopNoWait()
	}
}

// LoadScript evaluates code on the loop and reports the first error, if
// any, synchronously to the caller.
func (r *Runtime) LoadScript(code string) error {
	done := make(chan error, 1)
	r.loop.RunOnLoop(func(vm *goja.Runtime) {
		defer r.recoverOOM(done)
		r.accountBytes(int64(len(code)))
		_, err := vm.RunString(code)
		if _, interrupted := err.(*goja.InterruptedError); interrupted {
			panic(err) // only accountBytes interrupts the VM; report it as OOM
		}
		done <- err
	})
	return <-done
}

func (r *Runtime) recoverOOM(done chan error) {
	if rec := recover(); rec != nil {
		r.oom.Store(true)
		obs.RuntimeOOMEvents.WithLabelValues(r.ExtensionID).Inc()
		if r.logger != nil {
			r.logger.Warn("extension runtime exceeded memory budget", zap.String("extension_id", r.ExtensionID))
		}
		done <- fmt.Errorf("jsruntime: %v", rec)
	}
}

// IsOOM reports whether this runtime has been marked out-of-memory; once
// true, DeliverEvent no longer runs its event hooks.
func (r *Runtime) IsOOM() bool {
	return r.oom.Load()
}

// accountBytes is the allocation-counting heuristic standing in for a true
// heap accounting hook: every script load and hostcall payload counts
// against the budget, and crossing it interrupts the VM. An interrupted
// LoadScript panics, and recoverOOM marks the runtime out-of-memory.
func (r *Runtime) accountBytes(n int64) {
	if r.memLimit <= 0 {
		return
	}
	total := atomic.AddInt64(&r.allocated, n)
	if total > r.memLimit {
		if vm := r.vm.Load(); vm != nil {
			vm.Interrupt(fmt.Sprintf("extension %s exceeded memory_limit_mb", r.ExtensionID))
		}
	}
}

// installPiGlobal exposes `pi.call(method, params)` returning a Promise
// resolved once the dispatcher completes the hostcall. Streaming results
// resolve with the last chunk's data; intermediate chunks are dropped here
// (a future iteration can expose them as an async iterator). It also
// exposes `pi.registerTool(name, fn)` and `pi.onEvent(event, fn)`, the
// JS-side half of the extmanager.ExtensionRuntime bridge.
func (r *Runtime) installPiGlobal(vm *goja.Runtime) {
	pi := vm.NewObject()
	_ = pi.Set("registerTool", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(vm.NewTypeError("pi.registerTool: second argument must be a function"))
		}
		r.tools[name] = fn
		return goja.Undefined()
	})
	_ = pi.Set("onEvent", func(call goja.FunctionCall) goja.Value {
		event := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(vm.NewTypeError("pi.onEvent: second argument must be a function"))
		}
		r.events[event] = append(r.events[event], fn)
		return goja.Undefined()
	})
	_ = pi.Set("call", func(call goja.FunctionCall) goja.Value {
		method := call.Argument(0).String()
		var params json.RawMessage
		if raw := call.Argument(1); !goja.IsUndefined(raw) {
			if b, err := json.Marshal(raw.Export()); err == nil {
				params = b
			}
		}

		promise, resolve, reject := r.loop.NewPromise()
		seq := atomic.AddUint64(&r.callSeq, 1)
		callID := fmt.Sprintf("%s-%s-%d", callIDPrefix, r.ExtensionID, seq)
		r.accountBytes(int64(len(params)))

		go func() {
			req := hostcall.NewRequest(callID, r.ExtensionID, method, params, 30*time.Second)
			if claimed, ok := capability.Derive(method, params); ok {
				req.Capability = claimed
			}
			res, chunks := r.dispatch.Dispatch(context.Background(), req, r.budget)
			if chunks != nil {
				for c := range chunks {
					// Drained to completion. A streaming connector returns no
					// Value, so the last chunk's payload becomes the result.
					if c.IsLast && len(res.Value) == 0 {
						res.Value = c.Data
					}
				}
			}
			if res.Err != nil {
				reject(map[string]interface{}{"code": res.Err.Code, "message": res.Err.Message})
				return
			}
			var value interface{}
			if len(res.Value) > 0 {
				_ = json.Unmarshal(res.Value, &value)
			}
			resolve(value)
		}()

		return vm.ToValue(promise)
	})
	_ = vm.Set("pi", pi)
}

// InvokeTool implements extmanager.ExtensionRuntime, running the named
// tool's registered callback on the loop and marshaling its return value
// back to the caller. extensionID is accepted for interface-shape parity
// with DeliverEvent but unused: a Runtime only ever hosts one extension.
func (r *Runtime) InvokeTool(ctx context.Context, extensionID, toolName string, params json.RawMessage) (json.RawMessage, error) {
	type outcome struct {
		value json.RawMessage
		err   error
	}
	done := make(chan outcome, 1)

	r.loop.RunOnLoop(func(vm *goja.Runtime) {
		fn, ok := r.tools[toolName]
		if !ok {
			done <- outcome{err: fmt.Errorf("jsruntime: no tool %q registered by %s", toolName, r.ExtensionID)}
			return
		}
		var args goja.Value = goja.Undefined()
		if len(params) > 0 {
			var v interface{}
			if err := json.Unmarshal(params, &v); err == nil {
				args = vm.ToValue(v)
			}
		}
		ret, err := fn(goja.Undefined(), args)
		if err != nil {
			done <- outcome{err: fmt.Errorf("jsruntime: tool %q: %w", toolName, err)}
			return
		}
		out, err := json.Marshal(ret.Export())
		if err != nil {
			done <- outcome{err: fmt.Errorf("jsruntime: tool %q: marshal result: %w", toolName, err)}
			return
		}
		done <- outcome{value: out}
	})

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DeliverEvent implements extmanager.ExtensionRuntime, invoking every
// callback this extension registered for event, in registration order, on
// the loop. The first callback error aborts the remaining ones for this
// delivery; extmanager.Emit already isolates one extension's failure from
// its siblings.
func (r *Runtime) DeliverEvent(ctx context.Context, extensionID, event string, payload json.RawMessage) error {
	done := make(chan error, 1)

	r.loop.RunOnLoop(func(vm *goja.Runtime) {
		handlers := r.events[event]
		if len(handlers) == 0 || r.IsOOM() {
			done <- nil
			return
		}
		var args goja.Value = goja.Undefined()
		if len(payload) > 0 {
			var v interface{}
			if err := json.Unmarshal(payload, &v); err == nil {
				args = vm.ToValue(v)
			}
		}
		for _, fn := range handlers {
			if _, err := fn(goja.Undefined(), args); err != nil {
				done <- fmt.Errorf("jsruntime: event %q handler: %w", event, err)
				return
			}
		}
		done <- nil
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
