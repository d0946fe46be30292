package handlers

import (
	"net/http"
	"strconv"

	"github.com/docvault/docvault/internal/keymanager"
	"github.com/docvault/docvault/internal/metrics"
	"github.com/docvault/docvault/internal/search"
	"github.com/docvault/docvault/internal/tenant"
	"github.com/docvault/docvault/internal/vectorindex"
)

// AdminHandler serves tenant-admin operations: key rotation, audit log
// reads and tenant deletion.
type AdminHandler struct {
	keys    *keymanager.Manager
	tenants *tenant.Service
	logs    *search.LogStore
	index   vectorindex.Index
}

func NewAdminHandler(keys *keymanager.Manager, tenants *tenant.Service, logs *search.LogStore, index vectorindex.Index) *AdminHandler {
	return &AdminHandler{keys: keys, tenants: tenants, logs: logs, index: index}
}

// RotateKey issues a new active key for the bound tenant. Existing chunks
// stay readable through their recorded fingerprints.
func (h *AdminHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.Rotate(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	metrics.KeyRotationsTotal.Inc()
	respondJSON(w, http.StatusOK, key)
}

func (h *AdminHandler) SearchLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	logs, err := h.logs.List(r.Context(), limit, offset)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// DeleteTenant removes the bound tenant and everything under it. The
// database cascades; the index namespace is purged afterwards.
func (h *AdminHandler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	namespace, err := h.tenants.Delete(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}

	if err := h.index.DeleteNamespace(r.Context(), namespace); err != nil && !vectorindex.IsNamespaceMissing(err) {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
