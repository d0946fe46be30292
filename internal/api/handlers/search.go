package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/search"
)

type SearchHandler struct {
	gateway *search.Gateway
}

func NewSearchHandler(gateway *search.Gateway) *SearchHandler {
	return &SearchHandler{gateway: gateway}
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, apperr.Validation("invalid request body"))
		return
	}

	result, err := h.gateway.Search(r.Context(), req.Query, req.TopK)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
