// Copyright 2025 James Ross
package adminapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/flyingrobots/pi-extensions/internal/audit"
	"github.com/flyingrobots/pi-extensions/internal/extmanager"
	"github.com/flyingrobots/pi-extensions/internal/permissionstore"
	"go.uber.org/zap"
)

// Handler serves the read-only admin/introspection surface: it has no
// write paths and never touches the capability policy engine directly —
// extension hostcalls go through the dispatcher, not here.
type Handler struct {
	extensions   *extmanager.Manager
	auditLogPath string
	permStore    *permissionstore.Store
	logger       *zap.Logger
}

// NewHandler builds a Handler. Any of extensions/permStore may be nil, in
// which case the corresponding endpoint reports an empty result rather
// than erroring.
func NewHandler(extensions *extmanager.Manager, auditLogPath string, permStore *permissionstore.Store, logger *zap.Logger) *Handler {
	return &Handler{extensions: extensions, auditLogPath: auditLogPath, permStore: permStore, logger: logger}
}

// ListExtensions handles GET /api/v1/extensions.
func (h *Handler) ListExtensions(w http.ResponseWriter, r *http.Request) {
	var summaries []ExtensionSummary
	if h.extensions != nil {
		ids := h.extensions.Extensions()
		sort.Strings(ids)
		for _, id := range ids {
			summaries = append(summaries, ExtensionSummary{ExtensionID: id})
		}
	}
	writeJSON(w, http.StatusOK, ExtensionsResponse{Extensions: summaries, Timestamp: time.Now()})
}

// TailAudit handles GET /api/v1/audit, optionally filtered by
// ?extension_id=&event=&limit=&filter=. filter is a JSONPath expression
// evaluated against each entry's data payload; entries where it doesn't
// resolve are dropped.
func (h *Handler) TailAudit(w http.ResponseWriter, r *http.Request) {
	if h.auditLogPath == "" {
		writeJSON(w, http.StatusOK, AuditTailResponse{Timestamp: time.Now()})
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := audit.Query(h.auditLogPath, audit.Filter{
		ExtensionID: r.URL.Query().Get("extension_id"),
		Event:       r.URL.Query().Get("event"),
		Limit:       limit,
	})
	if err != nil {
		if h.logger != nil {
			h.logger.Error("failed to tail audit ledger", zap.Error(err))
		}
		writeError(w, http.StatusInternalServerError, "AUDIT_READ_ERROR", "failed to read audit ledger")
		return
	}

	jpFilter := r.URL.Query().Get("filter")

	views := make([]AuditEntryView, 0, len(entries))
	for _, e := range entries {
		if jpFilter != "" {
			if _, err := jsonpath.Get(jpFilter, e.Data); err != nil {
				continue
			}
		}
		views = append(views, AuditEntryView{
			TSRFC3339:   e.TSRFC3339,
			Level:       e.Level,
			Event:       e.Event,
			Message:     e.Message,
			ExtensionID: e.Source.ExtensionID,
			HostCallID:  e.Correlation.HostCallID,
			Data:        e.Data,
		})
	}
	writeJSON(w, http.StatusOK, AuditTailResponse{Entries: views, Count: len(views), Timestamp: time.Now()})
}

// ListPermissions handles GET /api/v1/permissions.
func (h *Handler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	var views []PermissionGrantView
	if h.permStore != nil {
		for _, g := range h.permStore.List() {
			views = append(views, PermissionGrantView{
				ExtensionID: g.ExtensionID,
				Capability:  string(g.Capability),
				Allowed:     g.Allowed,
				GrantedAt:   g.GrantedAt,
			})
		}
	}
	writeJSON(w, http.StatusOK, PermissionsResponse{Grants: views, Timestamp: time.Now()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}
