package handlers

import (
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/document"
	"github.com/docvault/docvault/internal/models"
	"github.com/docvault/docvault/internal/tenant"
	"github.com/docvault/docvault/internal/vectorindex"
)

type DocumentHandler struct {
	docs     *document.Service
	index    vectorindex.Index
	maxBytes int64
}

func NewDocumentHandler(docs *document.Service, index vectorindex.Index, maxBytes int64) *DocumentHandler {
	return &DocumentHandler{docs: docs, index: index, maxBytes: maxBytes}
}

// Upload accepts multipart/form-data with a single "file" part. The
// document type comes from the file extension.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1024)
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		respondError(w, r, apperr.Validation("file exceeds maximum upload size"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, apperr.Validation("missing file field"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, r, apperr.Validation("unreadable file"))
		return
	}

	docType := strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")

	res, err := h.docs.Upload(r.Context(), document.UploadInput{
		Filename: header.Filename,
		DocType:  docType,
		Data:     data,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]any{
		"document":  res.Document,
		"duplicate": res.Duplicate,
	})
}

func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, apperr.Validation("invalid document id"))
		return
	}

	doc, err := h.docs.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	docs, err := h.docs.List(r.Context(), limit, offset)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, apperr.Validation("invalid document id"))
		return
	}

	doc, err := h.docs.Delete(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}

	// Purge from the vector index under the bound namespace. Best effort;
	// a dangling index entry can never be read back because the chunk rows
	// are gone.
	if b, ok := tenant.BindingFromContext(r.Context()); ok {
		if err := h.index.DeleteDocument(r.Context(), b.Namespace, doc.ID); err != nil && !vectorindex.IsNamespaceMissing(err) {
			respondError(w, r, err)
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Status reports where a document is in the pipeline.
func (h *DocumentHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, apperr.Validation("invalid document id"))
		return
	}

	doc, err := h.docs.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"id":            doc.ID,
		"status":        doc.Status,
		"retry_count":   doc.RetryCount,
		"chunk_count":   doc.ChunkCount,
		"error_message": doc.ErrorMessage,
		"updated_at":    doc.UpdatedAt,
	})
}

// Reingest rewinds a failed document to the start of the pipeline.
func (h *DocumentHandler) Reingest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, apperr.Validation("invalid document id"))
		return
	}

	doc, err := h.docs.ResetForReingest(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, doc)
}
