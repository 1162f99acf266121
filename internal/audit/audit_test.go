// Copyright 2025 James Ross
package audit

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalParamsHashIsOrderIndependent(t *testing.T) {
	h1, err := CanonicalParamsHash("tool.invoke", json.RawMessage(`{"a":1,"b":2}`))
	require.NoError(t, err)
	h2, err := CanonicalParamsHash("tool.invoke", json.RawMessage(`{"b":2,"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestCanonicalParamsHashDiffersOnValueChange(t *testing.T) {
	h1, err := CanonicalParamsHash("tool.invoke", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	h2, err := CanonicalParamsHash("tool.invoke", json.RawMessage(`{"a":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestAppendRedactsSecretKeys(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{LogPath: filepath.Join(dir, "audit.jsonl")}, nil)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(Entry{
		Event: "extension.log",
		Data: map[string]interface{}{
			"api_key": "sk-should-not-appear",
			"message": "hello",
		},
	}))

	entries, err := Query(filepath.Join(dir, "audit.jsonl"), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "[REDACTED]", entries[0].Data["api_key"])
	assert.Equal(t, "hello", entries[0].Data["message"])
	assert.Equal(t, SchemaLog, entries[0].Schema)
}

func TestQueryFiltersByExtensionAndEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	l, err := Open(Config{LogPath: path}, nil)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(Entry{Event: "host_call.start", Source: Source{ExtensionID: "ext-a"}}))
	require.NoError(t, l.Append(Entry{Event: "host_call.end", Source: Source{ExtensionID: "ext-b"}}))

	entries, err := Query(path, Filter{ExtensionID: "ext-a"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "host_call.start", entries[0].Event)
}

func TestQueryMissingFileReturnsEmpty(t *testing.T) {
	entries, err := Query(filepath.Join(t.TempDir(), "missing.jsonl"), Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
