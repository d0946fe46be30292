package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/config"
)

var errNamespaceMissing = errors.New("namespace not found")

// IsNamespaceMissing lets callers treat deletes of an absent namespace as
// idempotent successes.
func IsNamespaceMissing(err error) bool {
	return errors.Is(err, errNamespaceMissing)
}

// RemoteIndex talks to the vector index service over HTTP. All payloads
// carry ciphertext vectors except queries, which send the query embedding
// over TLS and never persist it.
type RemoteIndex struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewRemoteIndex(cfg config.IndexConfig) *RemoteIndex {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RemoteIndex{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *RemoteIndex) CreateNamespace(ctx context.Context, namespace string) error {
	return r.do(ctx, http.MethodPut, "/v1/namespaces/"+namespace, nil, nil)
}

func (r *RemoteIndex) DeleteNamespace(ctx context.Context, namespace string) error {
	return r.do(ctx, http.MethodDelete, "/v1/namespaces/"+namespace, nil, nil)
}

func (r *RemoteIndex) Upsert(ctx context.Context, namespace string, vectors []CipherVector) error {
	if len(vectors) == 0 {
		return nil
	}
	body := map[string]any{"vectors": vectors}
	return r.do(ctx, http.MethodPost, "/v1/namespaces/"+namespace+"/vectors", body, nil)
}

func (r *RemoteIndex) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Hit, error) {
	body := map[string]any{
		"vector": vector,
		"top_k":  topK,
	}
	var out struct {
		Hits []Hit `json:"hits"`
	}
	err := r.do(ctx, http.MethodPost, "/v1/namespaces/"+namespace+"/query", body, &out)
	if err != nil {
		// A namespace that was never written to is a valid empty result,
		// not a failure.
		if errors.Is(err, errNamespaceMissing) {
			return nil, nil
		}
		return nil, err
	}
	return out.Hits, nil
}

func (r *RemoteIndex) DeleteDocument(ctx context.Context, namespace string, documentID uuid.UUID) error {
	return r.do(ctx, http.MethodDelete, "/v1/namespaces/"+namespace+"/documents/"+documentID.String(), nil, nil)
}

func (r *RemoteIndex) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperr.Index(err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return apperr.Index(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return apperr.Index(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperr.Index(errNamespaceMissing)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return apperr.Index(fmt.Errorf("index %s %s: status %d: %s", method, path, resp.StatusCode, string(data)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperr.Index(err)
		}
	}
	return nil
}
