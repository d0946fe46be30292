package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/docvault/docvault/internal/apperr"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// respondError maps the error taxonomy to a status and a caller-safe
// message. Wrapped causes go to the log only.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
	}
	respondJSON(w, status, map[string]string{"error": apperr.ClientMessage(err)})
}
