// Copyright 2025 James Ross
package dispatcher

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/flyingrobots/pi-extensions/internal/audit"
	"github.com/flyingrobots/pi-extensions/internal/capability"
	"github.com/flyingrobots/pi-extensions/internal/config"
	"github.com/flyingrobots/pi-extensions/internal/connector"
	"github.com/flyingrobots/pi-extensions/internal/hostcall"
	"github.com/flyingrobots/pi-extensions/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConnector struct {
	methods []string
	invoke  func(ctx context.Context, inv connector.Invocation) (connector.Streamed, error)
}

func (s *stubConnector) Methods() []string { return s.methods }
func (s *stubConnector) Invoke(ctx context.Context, inv connector.Invocation) (connector.Streamed, error) {
	return s.invoke(ctx, inv)
}

func newTestLedger(t *testing.T) *audit.Ledger {
	t.Helper()
	dir := t.TempDir()
	l, err := audit.Open(audit.Config{LogPath: filepath.Join(dir, "audit.jsonl")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newTestEngine(t *testing.T, mode config.Mode) *policy.Engine {
	t.Helper()
	cfg := config.PolicyConfig{Mode: mode, DefaultCaps: []string{"log"}}
	return policy.New(cfg, nil, nil, nil)
}

func TestDispatch_AllowsAndInvokesConnector(t *testing.T) {
	logConn := &stubConnector{
		methods: []string{"log.append"},
		invoke: func(ctx context.Context, inv connector.Invocation) (connector.Streamed, error) {
			return connector.Streamed{Value: json.RawMessage(`{"ok":true}`)}, nil
		},
	}
	reg := connector.NewRegistry(logConn)
	d := New(newTestEngine(t, config.ModePrompt), reg, newTestLedger(t), nil)

	req := hostcall.NewRequest("call-1", "ext-1", "log.append", json.RawMessage(`{"message":"hi"}`), time.Second)
	res, chunks := d.Dispatch(context.Background(), req, nil)

	require.Nil(t, res.Err)
	assert.Nil(t, chunks)
	assert.Equal(t, "call-1", res.CallID)
}

func TestDispatch_DeniesUngrantedCapability(t *testing.T) {
	execConn := &stubConnector{
		methods: []string{"exec.run"},
		invoke: func(ctx context.Context, inv connector.Invocation) (connector.Streamed, error) {
			t.Fatal("connector should not be invoked when policy denies")
			return connector.Streamed{}, nil
		},
	}
	reg := connector.NewRegistry(execConn)
	d := New(newTestEngine(t, config.ModeStrict), reg, newTestLedger(t), nil)

	req := hostcall.NewRequest("call-2", "ext-1", "exec.run", json.RawMessage(`{"argv":["ls"]}`), time.Second)
	res, chunks := d.Dispatch(context.Background(), req, nil)

	require.NotNil(t, res.Err)
	assert.Equal(t, hostcall.ErrDenied, res.Err.Code)
	assert.Nil(t, chunks)
}

func TestDispatch_UnknownMethodIsInvalidRequest(t *testing.T) {
	reg := connector.NewRegistry()
	d := New(newTestEngine(t, config.ModePrompt), reg, newTestLedger(t), nil)

	req := hostcall.NewRequest("call-3", "ext-1", "nope.nope", json.RawMessage(`{}`), time.Second)
	res, _ := d.Dispatch(context.Background(), req, nil)

	require.NotNil(t, res.Err)
	assert.Equal(t, hostcall.ErrInvalidRequest, res.Err.Code)
}

func TestDispatch_NoConnectorRegisteredIsInvalidRequest(t *testing.T) {
	// log.append is a recognized method/capability, but no connector is
	// registered for it in this Registry.
	reg := connector.NewRegistry()
	d := New(newTestEngine(t, config.ModePrompt), reg, newTestLedger(t), nil)

	req := hostcall.NewRequest("call-4", "ext-1", "log.append", json.RawMessage(`{}`), time.Second)
	res, _ := d.Dispatch(context.Background(), req, nil)

	require.NotNil(t, res.Err)
	assert.Equal(t, hostcall.ErrInvalidRequest, res.Err.Code)
}

type fixedBudget struct{ remaining time.Duration }

func (f fixedBudget) Remaining() time.Duration { return f.remaining }

func TestDispatch_ExhaustedRegionBudgetTimesOut(t *testing.T) {
	logConn := &stubConnector{
		methods: []string{"log.append"},
		invoke: func(ctx context.Context, inv connector.Invocation) (connector.Streamed, error) {
			t.Fatal("connector should not be invoked with an exhausted budget")
			return connector.Streamed{}, nil
		},
	}
	reg := connector.NewRegistry(logConn)
	d := New(newTestEngine(t, config.ModePrompt), reg, newTestLedger(t), nil)

	req := hostcall.NewRequest("call-5", "ext-1", "log.append", json.RawMessage(`{}`), time.Second)
	res, _ := d.Dispatch(context.Background(), req, fixedBudget{remaining: 0})

	require.NotNil(t, res.Err)
	assert.Equal(t, hostcall.ErrTimeout, res.Err.Code)
}

func TestDispatch_ConnectorErrorTripsBreakerAfterThreshold(t *testing.T) {
	failing := &stubConnector{
		methods: []string{"log.append"},
		invoke: func(ctx context.Context, inv connector.Invocation) (connector.Streamed, error) {
			return connector.Streamed{}, assertErr{}
		},
	}
	reg := connector.NewRegistry(failing)
	d := New(newTestEngine(t, config.ModePrompt), reg, newTestLedger(t), nil)

	var last hostcall.Result
	for i := 0; i < breakerMinSamples+1; i++ {
		req := hostcall.NewRequest("call-n", "ext-breaker", "log.append", json.RawMessage(`{}`), time.Second)
		last, _ = d.Dispatch(context.Background(), req, nil)
	}

	require.NotNil(t, last.Err)
	assert.Equal(t, hostcall.ErrInternal, last.Err.Code)
	assert.Equal(t, "circuit_open", last.Err.Message)
}

func TestDispatch_StreamingResultForwardsChunks(t *testing.T) {
	chunks := make(chan hostcall.Chunk, 2)
	chunks <- hostcall.Chunk{Index: 0, Data: json.RawMessage(`"partial"`)}
	chunks <- hostcall.Chunk{Index: 1, IsLast: true, Data: json.RawMessage(`"done"`)}
	close(chunks)

	streamingConn := &stubConnector{
		methods: []string{"exec.run"},
		invoke: func(ctx context.Context, inv connector.Invocation) (connector.Streamed, error) {
			return connector.Streamed{Chunks: chunks}, nil
		},
	}
	reg := connector.NewRegistry(streamingConn)
	cfg := config.PolicyConfig{Mode: config.ModePermissive}
	d := New(policy.New(cfg, nil, nil, nil), reg, newTestLedger(t), nil)

	req := hostcall.NewRequest("call-6", "ext-1", "exec.run", json.RawMessage(`{"argv":["echo","hi"]}`), time.Second)
	res, got := d.Dispatch(context.Background(), req, nil)

	require.Nil(t, res.Err)
	require.NotNil(t, got)
	var seen []hostcall.Chunk
	for c := range got {
		seen = append(seen, c)
	}
	require.Len(t, seen, 2)
	assert.True(t, seen[1].IsLast)
}

func TestCapabilityDeriveMatchesDispatchedMethods(t *testing.T) {
	_, ok := capability.Derive("log.append", nil)
	assert.True(t, ok)
}

func TestDispatch_CapabilitySpoofIsDeniedAsInvalidRequest(t *testing.T) {
	execConn := &stubConnector{
		methods: []string{"exec.run"},
		invoke: func(ctx context.Context, inv connector.Invocation) (connector.Streamed, error) {
			t.Fatal("connector should not be invoked on a capability-claim mismatch")
			return connector.Streamed{}, nil
		},
	}
	reg := connector.NewRegistry(execConn)
	d := New(newTestEngine(t, config.ModePermissive), reg, newTestLedger(t), nil)

	req := hostcall.NewRequest("call-7", "ext-1", "exec.run", json.RawMessage(`{"argv":["ls"]}`), time.Second)
	req.Capability = capability.Log // claims a capability the method doesn't actually require
	res, chunks := d.Dispatch(context.Background(), req, nil)

	require.NotNil(t, res.Err)
	assert.Equal(t, hostcall.ErrInvalidRequest, res.Err.Code)
	assert.Equal(t, "capability_spoof", res.Err.Details["reason"])
	assert.Nil(t, chunks)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
