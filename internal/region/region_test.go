// Copyright 2025 James Ross
package region

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/flyingrobots/pi-extensions/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseRunsShutdownOnce(t *testing.T) {
	calls := 0
	r := New("ext-1", time.Minute, func() error { calls++; return nil }, nil, nil)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, 1, calls)
}

func TestBudgetExpiryForcesShutdownAndAudits(t *testing.T) {
	dir := t.TempDir()
	ledger, err := audit.Open(audit.Config{LogPath: filepath.Join(dir, "audit.jsonl")}, nil)
	require.NoError(t, err)
	defer ledger.Close()

	done := make(chan struct{})
	r := New("ext-1", 20*time.Millisecond, func() error { close(done); return nil }, ledger, nil)
	defer r.Close()
	r.BeginShutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown was not forced on budget expiry")
	}

	// Give the audit append a moment to land, then verify.
	time.Sleep(10 * time.Millisecond)
	entries, err := audit.Query(filepath.Join(dir, "audit.jsonl"), audit.Filter{Event: "region.cleanup_budget_exceeded"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "warn", entries[0].Level)
}

func TestRemainingUnboundedBeforeShutdownBegins(t *testing.T) {
	r := New("ext-1", 5*time.Second, func() error { return nil }, nil, nil)
	defer r.Close()
	assert.Greater(t, r.Remaining(), time.Hour)
}

func TestRemainingCountsDownAfterBeginShutdown(t *testing.T) {
	r := New("ext-1", 5*time.Second, func() error { return nil }, nil, nil)
	defer r.Close()
	r.BeginShutdown()
	assert.LessOrEqual(t, r.Remaining(), 5*time.Second)
	assert.Greater(t, r.Remaining(), time.Second)
}

func TestNewDefaultsNonPositiveBudget(t *testing.T) {
	r := New("ext-1", 0, func() error { return nil }, nil, nil)
	defer r.Close()
	r.BeginShutdown()
	assert.LessOrEqual(t, r.Remaining(), defaultCleanupBudget)
}
