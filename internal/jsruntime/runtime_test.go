// Copyright 2025 James Ross
package jsruntime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/flyingrobots/pi-extensions/internal/dispatcher"
	"github.com/flyingrobots/pi-extensions/internal/hostcall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDispatcher struct {
	result hostcall.Result
}

func (s *stubDispatcher) Dispatch(ctx context.Context, req hostcall.Request, budget dispatcher.RegionBudget) (hostcall.Result, <-chan hostcall.Chunk) {
	return s.result, nil
}

type fixedBudget struct{ remaining time.Duration }

func (f fixedBudget) Remaining() time.Duration { return f.remaining }

func newTestRuntime(t *testing.T, d Dispatcher) *Runtime {
	t.Helper()
	rt := New("ext-1", d, fixedBudget{remaining: 5 * time.Second}, []string{"console", "events", "timers"}, 0, nil)
	rt.Start()
	t.Cleanup(rt.Stop)
	return rt
}

func TestLoadScriptEvaluatesAndSurvives(t *testing.T) {
	rt := newTestRuntime(t, &stubDispatcher{result: hostcall.Result{CallID: "c1", Value: json.RawMessage(`"ok"`)}})
	err := rt.LoadScript(`var x = 1 + 1;`)
	require.NoError(t, err)
	assert.False(t, rt.IsOOM())
}

func TestLoadScriptReportsSyntaxError(t *testing.T) {
	rt := newTestRuntime(t, &stubDispatcher{})
	err := rt.LoadScript(`this is not valid js (((`)
	assert.Error(t, err)
}

func TestPiCallResolvesPromiseFromDispatcher(t *testing.T) {
	rt := newTestRuntime(t, &stubDispatcher{result: hostcall.Result{CallID: "c1", Value: json.RawMessage(`{"n":42}`)}})
	err := rt.LoadScript(`
		globalThis.__seen = null;
		pi.call("tool.invoke", {name: "search"}).then(function(v) { globalThis.__seen = v; });
	`)
	require.NoError(t, err)

	deadline := time.After(time.Second)
	for {
		type read struct {
			seen float64
			ok   bool
		}
		result := make(chan read, 1)
		rt.loop.RunOnLoop(func(vm *goja.Runtime) {
			v := vm.Get("__seen")
			if v == nil || goja.IsNull(v) || goja.IsUndefined(v) {
				result <- read{}
				return
			}
			obj := v.ToObject(vm)
			n := obj.Get("n")
			result <- read{seen: n.ToFloat(), ok: true}
		})

		select {
		case r := <-result:
			if r.ok {
				assert.Equal(t, float64(42), r.seen)
				return
			}
		case <-deadline:
			t.Fatal("pi.call promise never resolved")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInvokeToolRunsRegisteredCallback(t *testing.T) {
	rt := newTestRuntime(t, &stubDispatcher{})
	require.NoError(t, rt.LoadScript(`
		pi.registerTool("echo", function(params) { return {echoed: params}; });
	`))

	out, err := rt.InvokeTool(context.Background(), "ext-1", "echo", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"echoed":{"a":1}}`, string(out))
}

func TestInvokeToolUnknownToolErrors(t *testing.T) {
	rt := newTestRuntime(t, &stubDispatcher{})
	_, err := rt.InvokeTool(context.Background(), "ext-1", "missing", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestDeliverEventRunsRegisteredHandlers(t *testing.T) {
	rt := newTestRuntime(t, &stubDispatcher{})
	require.NoError(t, rt.LoadScript(`
		globalThis.__count = 0;
		pi.onEvent("on_ready", function() { globalThis.__count++; });
	`))

	err := rt.DeliverEvent(context.Background(), "ext-1", "on_ready", json.RawMessage(`{}`))
	require.NoError(t, err)
}

func TestDeliverEventWithNoHandlersIsNoop(t *testing.T) {
	rt := newTestRuntime(t, &stubDispatcher{})
	err := rt.DeliverEvent(context.Background(), "ext-1", "on_ready", json.RawMessage(`{}`))
	assert.NoError(t, err)
}

func TestDeliverEventContextCancellationReturnsErr(t *testing.T) {
	rt := newTestRuntime(t, &stubDispatcher{})
	rt.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := rt.DeliverEvent(ctx, "ext-1", "on_ready", json.RawMessage(`{}`))
	assert.Error(t, err)
}
