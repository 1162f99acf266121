// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/flyingrobots/pi-extensions/internal/audit"
	"github.com/flyingrobots/pi-extensions/internal/capability"
	"github.com/flyingrobots/pi-extensions/internal/extmanager"
	"github.com/flyingrobots/pi-extensions/internal/permissionstore"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()
	RegisterRoutes(router, h)
	return router
}

func TestListExtensionsReturnsAttachedExtensions(t *testing.T) {
	mgr := extmanager.New(nil, nil)
	require.NoError(t, mgr.Activate(extmanager.RegisterPayload{ExtensionID: "ext-1"}))
	mgr.Attach("ext-1", noopRuntime{})

	h := NewHandler(mgr, "", nil, nil)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/extensions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ExtensionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Extensions, 1)
	assert.Equal(t, "ext-1", resp.Extensions[0].ExtensionID)
}

func TestListExtensionsWithNilManagerReturnsEmpty(t *testing.T) {
	h := NewHandler(nil, "", nil, nil)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/extensions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ExtensionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Extensions)
}

func TestTailAuditReturnsLoggedEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	ledger, err := audit.Open(audit.Config{LogPath: path}, nil)
	require.NoError(t, err)
	require.NoError(t, ledger.Append(audit.Entry{
		Level:  "info",
		Event:  "extension.log",
		Source: audit.Source{ExtensionID: "ext-1", Component: "test"},
	}))
	require.NoError(t, ledger.Close())

	h := NewHandler(nil, path, nil, nil)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit?extension_id=ext-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp AuditTailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "extension.log", resp.Entries[0].Event)
}

func TestTailAuditMissingLedgerReturnsEmpty(t *testing.T) {
	h := NewHandler(nil, filepath.Join(t.TempDir(), "missing.jsonl"), nil, nil)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp AuditTailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Entries)
}

func TestListPermissionsReturnsPersistedGrants(t *testing.T) {
	dir := t.TempDir()
	store, err := permissionstore.Open(filepath.Join(dir, "permissions.json"))
	require.NoError(t, err)
	require.NoError(t, store.Record(permissionstore.Grant{
		ExtensionID: "ext-1",
		Capability:  capability.HTTP,
		Allowed:     true,
	}))

	h := NewHandler(nil, "", store, nil)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/permissions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp PermissionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Grants, 1)
	assert.Equal(t, "ext-1", resp.Grants[0].ExtensionID)
	assert.True(t, resp.Grants[0].Allowed)
}

func TestHealthEndpointAlwaysOK(t *testing.T) {
	h := NewHandler(nil, "", nil, nil)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeaderOnEveryResponse(t *testing.T) {
	h := NewHandler(nil, "", nil, nil)
	router := mux.NewRouter()
	RegisterRoutes(router, h)
	wrapped := RequestIDMiddleware()(router)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

type noopRuntime struct{}

func (noopRuntime) InvokeTool(ctx context.Context, extensionID, toolName string, params json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (noopRuntime) DeliverEvent(ctx context.Context, extensionID, event string, payload json.RawMessage) error {
	return nil
}
