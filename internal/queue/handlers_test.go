package queue

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/extract"
	"github.com/docvault/docvault/internal/ingest"
	"github.com/docvault/docvault/internal/keymanager"
	"github.com/docvault/docvault/internal/models"
	"github.com/docvault/docvault/internal/tenant"
	"github.com/docvault/docvault/internal/vectorindex"
)

type fakeDocs struct {
	mu     sync.Mutex
	docs   map[uuid.UUID]*models.Document
	raw    map[uuid.UUID][]byte
	failed map[uuid.UUID]string
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		docs:   make(map[uuid.UUID]*models.Document),
		raw:    make(map[uuid.UUID][]byte),
		failed: make(map[uuid.UUID]string),
	}
}

func (f *fakeDocs) GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return nil, apperr.NotFound("document not found")
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDocs) DownloadRaw(ctx context.Context, doc *models.Document) ([]byte, error) {
	return f.raw[doc.ID], nil
}

func (f *fakeDocs) TransitionStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = to
	return true, nil
}

func (f *fakeDocs) SetChunkCount(ctx context.Context, id uuid.UUID, count int) error { return nil }

func (f *fakeDocs) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return 0, apperr.NotFound("document not found")
	}
	d.RetryCount++
	return d.RetryCount, nil
}

func (f *fakeDocs) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[id].Status = models.DocStatusFailed
	f.docs[id].ErrorMessage = reason
	f.failed[id] = reason
	return nil
}

type fakeChunks struct {
	mu      sync.Mutex
	rows    []models.DocumentChunk
	deleted []uuid.UUID
}

func (f *fakeChunks) InsertBatch(ctx context.Context, chunks []models.DocumentChunk) error {
	return nil
}

func (f *fakeChunks) ListForDocument(ctx context.Context, documentID uuid.UUID) ([]models.DocumentChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows, nil
}

func (f *fakeChunks) DeleteForDocument(ctx context.Context, documentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, documentID)
	return nil
}

func (f *fakeChunks) SetVectorCiphertext(ctx context.Context, chunkID uuid.UUID, dimension int, v []byte) error {
	return nil
}

func (f *fakeChunks) MarkIndexed(ctx context.Context, documentID uuid.UUID) error { return nil }

type memKeyStore struct {
	keys []*models.EncryptionKey
}

func (s *memKeyStore) InsertTx(ctx context.Context, tx pgx.Tx, k *models.EncryptionKey) error {
	s.keys = append(s.keys, k)
	return nil
}

func (s *memKeyStore) ActiveKey(ctx context.Context, tenantID uuid.UUID) (*models.EncryptionKey, error) {
	for _, k := range s.keys {
		if k.TenantID == tenantID && k.Active {
			return k, nil
		}
	}
	return nil, apperr.NotFound("no active key")
}

func (s *memKeyStore) ByFingerprint(ctx context.Context, tenantID uuid.UUID, fp string) (*models.EncryptionKey, error) {
	for _, k := range s.keys {
		if k.TenantID == tenantID && k.Fingerprint == fp {
			return k, nil
		}
	}
	return nil, apperr.NotFound("key not found")
}

func (s *memKeyStore) Rotate(ctx context.Context, newKey *models.EncryptionKey) (string, error) {
	return "", nil
}

type noopLocker struct{}

func (noopLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (noopLocker) Release(ctx context.Context, key string) error { return nil }

type noopRecorder struct{}

func (noopRecorder) SetKeyFingerprint(ctx context.Context, tenantID uuid.UUID, fp string) error {
	return nil
}

// seedKeyManager builds a key manager holding one active key for the
// tenant and returns its fingerprint.
func seedKeyManager(t *testing.T, tenantID uuid.UUID) (*keymanager.Manager, string) {
	t.Helper()
	master := bytes.Repeat([]byte{0x44}, 32)

	wrappingKey, err := keymanager.DeriveWrappingKey(master)
	require.NoError(t, err)
	material := make([]byte, 32)
	_, err = rand.Read(material)
	require.NoError(t, err)
	wrapped, err := keymanager.Seal(wrappingKey, material, tenantID[:])
	require.NoError(t, err)
	fp := keymanager.Fingerprint(material)

	store := &memKeyStore{keys: []*models.EncryptionKey{{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Fingerprint: fp,
		WrappedKey:  wrapped,
		Active:      true,
	}}}
	m, err := keymanager.NewManager(master, store, noopLocker{}, noopRecorder{}, time.Second)
	require.NoError(t, err)
	return m, fp
}

type stubKeys struct{}

func (stubKeys) ActiveKey(ctx context.Context) (*keymanager.KeyHandle, error) {
	return nil, apperr.NotFound("no key")
}

func (stubKeys) KeyByFingerprint(ctx context.Context, fp string) (*keymanager.KeyHandle, error) {
	return nil, apperr.NotFound("no key")
}

type fakeExtractor struct {
	err error
}

func (f *fakeExtractor) Extract(ctx context.Context, data []byte, docType string) (*extract.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &extract.Result{Content: "extracted text"}, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, apperr.Embedding(errors.New("not used"))
}

type stubIndex struct{}

func (stubIndex) CreateNamespace(ctx context.Context, ns string) error { return nil }
func (stubIndex) DeleteNamespace(ctx context.Context, ns string) error { return nil }
func (stubIndex) Upsert(ctx context.Context, ns string, v []vectorindex.CipherVector) error {
	return nil
}
func (stubIndex) Query(ctx context.Context, ns string, v []float32, k int) ([]vectorindex.Hit, error) {
	return nil, nil
}
func (stubIndex) DeleteDocument(ctx context.Context, ns string, id uuid.UUID) error { return nil }

type fakeBinder struct {
	namespace string
	err       error
}

func (f *fakeBinder) BindWorker(ctx context.Context, tenantID uuid.UUID) (context.Context, error) {
	if f.err != nil {
		return nil, f.err
	}
	return tenant.WithBinding(ctx, tenant.Binding{TenantID: tenantID, Namespace: f.namespace}), nil
}

type fakeNext struct {
	mu      sync.Mutex
	chunked []uuid.UUID
	embeded []uuid.UUID
	indexed []uuid.UUID
}

func (f *fakeNext) EnqueueChunk(ctx context.Context, documentID, tenantID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunked = append(f.chunked, documentID)
	return nil
}

func (f *fakeNext) EnqueueEmbed(ctx context.Context, documentID, tenantID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeded = append(f.embeded, documentID)
	return nil
}

func (f *fakeNext) EnqueueIndex(ctx context.Context, documentID, tenantID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, documentID)
	return nil
}

type handlerFixture struct {
	handlers  *Handlers
	docs      *fakeDocs
	chunks    *fakeChunks
	extractor *fakeExtractor
	next      *fakeNext
	binder    *fakeBinder
	doc       *models.Document
	tenantID  uuid.UUID
}

func newHandlerFixture(t *testing.T, maxRetries int) *handlerFixture {
	t.Helper()
	docs := newFakeDocs()
	chunks := &fakeChunks{}
	extractor := &fakeExtractor{}
	next := &fakeNext{}
	binder := &fakeBinder{namespace: "ns_worker"}

	tenantID := uuid.New()
	doc := &models.Document{
		ID:       uuid.New(),
		TenantID: tenantID,
		DocType:  models.DocTypeTXT,
		Status:   models.DocStatusUploaded,
	}
	docs.docs[doc.ID] = doc
	docs.raw[doc.ID] = []byte("raw bytes")

	pipeline := ingest.NewPipeline(docs, chunks, stubKeys{}, extractor, stubEmbedder{}, stubIndex{}, ingest.Options{})

	return &handlerFixture{
		handlers:  NewHandlers(binder, pipeline, docs, next, maxRetries),
		docs:      docs,
		chunks:    chunks,
		extractor: extractor,
		next:      next,
		binder:    binder,
		doc:       doc,
		tenantID:  tenantID,
	}
}

func extractTask(t *testing.T, documentID, tenantID uuid.UUID) *asynq.Task {
	t.Helper()
	task, err := newStageTask(TypeDocumentExtract, documentID, tenantID)
	require.NoError(t, err)
	return task
}

func TestHandleExtractAdvancesAndEnqueues(t *testing.T) {
	f := newHandlerFixture(t, 3)

	err := f.handlers.HandleExtract(context.Background(), extractTask(t, f.doc.ID, f.tenantID))
	require.NoError(t, err)

	assert.Equal(t, models.DocStatusChunking, f.docs.docs[f.doc.ID].Status)
	assert.Equal(t, []uuid.UUID{f.doc.ID}, f.next.chunked)
}

func TestHandleExtractRetryBelowCeiling(t *testing.T) {
	f := newHandlerFixture(t, 3)
	f.extractor.err = apperr.Extraction(errors.New("transient parse error"))

	err := f.handlers.HandleExtract(context.Background(), extractTask(t, f.doc.ID, f.tenantID))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry), "below the ceiling the task must be retryable")

	assert.Equal(t, 1, f.docs.docs[f.doc.ID].RetryCount)
	assert.NotEqual(t, models.DocStatusFailed, f.docs.docs[f.doc.ID].Status)
	assert.Empty(t, f.next.chunked)
}

func TestHandleExtractFailsTerminallyAtCeiling(t *testing.T) {
	f := newHandlerFixture(t, 3)
	f.extractor.err = apperr.Extraction(errors.New("corrupt file"))

	task := extractTask(t, f.doc.ID, f.tenantID)
	var err error
	for i := 0; i < 3; i++ {
		err = f.handlers.HandleExtract(context.Background(), task)
		require.Error(t, err)
		// The stage resumes from extracting on subsequent attempts.
	}

	assert.True(t, errors.Is(err, asynq.SkipRetry), "at the ceiling the task must not be redelivered")
	assert.Equal(t, models.DocStatusFailed, f.docs.docs[f.doc.ID].Status)
	assert.Contains(t, f.docs.failed[f.doc.ID], "corrupt file")
	assert.Contains(t, f.chunks.deleted, f.doc.ID, "partial chunks removed on terminal failure")
	assert.Empty(t, f.next.chunked)
}

func TestHandleEmbedDecryptionFailsTerminally(t *testing.T) {
	docs := newFakeDocs()
	chunks := &fakeChunks{}
	next := &fakeNext{}
	binder := &fakeBinder{namespace: "ns_worker"}

	tenantID := uuid.New()
	doc := &models.Document{
		ID:       uuid.New(),
		TenantID: tenantID,
		DocType:  models.DocTypeTXT,
		Status:   models.DocStatusEmbedding,
	}
	docs.docs[doc.ID] = doc

	keys, fp := seedKeyManager(t, tenantID)
	chunks.rows = []models.DocumentChunk{{
		ID:             uuid.New(),
		DocumentID:     doc.ID,
		TenantID:       tenantID,
		Ciphertext:     bytes.Repeat([]byte{0xAA}, 64),
		KeyFingerprint: fp,
	}}

	pipeline := ingest.NewPipeline(docs, chunks, keys, &fakeExtractor{}, stubEmbedder{}, stubIndex{}, ingest.Options{})
	h := NewHandlers(binder, pipeline, docs, next, 3)

	task, err := newStageTask(TypeDocumentEmbed, doc.ID, tenantID)
	require.NoError(t, err)

	err = h.HandleEmbed(context.Background(), task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry), "an undecryptable chunk can never succeed on redelivery")
	assert.Equal(t, models.DocStatusFailed, docs.docs[doc.ID].Status)
	assert.Zero(t, docs.docs[doc.ID].RetryCount, "decryption failures must not burn the retry budget")
	assert.Contains(t, chunks.deleted, doc.ID)
	assert.Empty(t, next.indexed)
}

func TestHandleExtractDeletedDocumentDropsTask(t *testing.T) {
	f := newHandlerFixture(t, 3)

	err := f.handlers.HandleExtract(context.Background(), extractTask(t, uuid.New(), f.tenantID))
	assert.NoError(t, err, "a deleted document is not an error worth retrying")
}

func TestHandleExtractUnavailableTenantDropsTask(t *testing.T) {
	f := newHandlerFixture(t, 3)
	f.binder.err = apperr.Authentication("tenant is deactivated")

	err := f.handlers.HandleExtract(context.Background(), extractTask(t, f.doc.ID, f.tenantID))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandleMalformedPayload(t *testing.T) {
	f := newHandlerFixture(t, 3)

	err := f.handlers.HandleExtract(context.Background(), asynq.NewTask(TypeDocumentExtract, []byte("not json")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestStagePayloadRejectsNilIDs(t *testing.T) {
	payload, err := json.Marshal(StagePayload{})
	require.NoError(t, err)

	_, err = parseStagePayload(asynq.NewTask(TypeDocumentExtract, payload))
	assert.Error(t, err)
}
