package ingest

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/extract"
	"github.com/docvault/docvault/internal/keymanager"
	"github.com/docvault/docvault/internal/models"
	"github.com/docvault/docvault/internal/tenant"
	"github.com/docvault/docvault/internal/vectorindex"
)

var testMaster = bytes.Repeat([]byte{0x21}, 32)

type fakeDocs struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*models.Document
	raw  map[uuid.UUID][]byte
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: make(map[uuid.UUID]*models.Document), raw: make(map[uuid.UUID][]byte)}
}

func (f *fakeDocs) add(doc *models.Document, raw []byte) {
	f.docs[doc.ID] = doc
	f.raw[doc.ID] = raw
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
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeDocs) SetChunkCount(ctx context.Context, id uuid.UUID, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[id].ChunkCount = count
	return nil
}

type fakeChunks struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.DocumentChunk
}

func newFakeChunks() *fakeChunks {
	return &fakeChunks{rows: make(map[uuid.UUID]*models.DocumentChunk)}
}

func (f *fakeChunks) InsertBatch(ctx context.Context, chunks []models.DocumentChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range chunks {
		c := chunks[i]
		f.rows[c.ID] = &c
	}
	return nil
}

func (f *fakeChunks) ListForDocument(ctx context.Context, documentID uuid.UUID) ([]models.DocumentChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DocumentChunk
	for _, c := range f.rows {
		if c.DocumentID == documentID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeChunks) DeleteForDocument(ctx context.Context, documentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.rows {
		if c.DocumentID == documentID {
			delete(f.rows, id)
		}
	}
	return nil
}

func (f *fakeChunks) SetVectorCiphertext(ctx context.Context, chunkID uuid.UUID, dimension int, vectorCiphertext []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[chunkID]
	if !ok {
		return apperr.NotFound("chunk not found")
	}
	c.EmbeddingDimension = dimension
	c.VectorCiphertext = vectorCiphertext
	return nil
}

func (f *fakeChunks) MarkIndexed(ctx context.Context, documentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.rows {
		if c.DocumentID == documentID {
			c.Indexed = true
		}
	}
	return nil
}

// fakeKeyStore backs a real key manager with in-memory key rows.
type fakeKeyStore struct {
	mu   sync.Mutex
	keys map[uuid.UUID][]*models.EncryptionKey
}

func (s *fakeKeyStore) InsertTx(ctx context.Context, tx pgx.Tx, k *models.EncryptionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.TenantID] = append(s.keys[k.TenantID], k)
	return nil
}

func (s *fakeKeyStore) ActiveKey(ctx context.Context, tenantID uuid.UUID) (*models.EncryptionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys[tenantID] {
		if k.Active {
			return k, nil
		}
	}
	return nil, apperr.NotFound("no active key")
}

func (s *fakeKeyStore) ByFingerprint(ctx context.Context, tenantID uuid.UUID, fingerprint string) (*models.EncryptionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys[tenantID] {
		if k.Fingerprint == fingerprint {
			return k, nil
		}
	}
	return nil, apperr.NotFound("key not found")
}

func (s *fakeKeyStore) Rotate(ctx context.Context, newKey *models.EncryptionKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := ""
	for _, k := range s.keys[newKey.TenantID] {
		if k.Active {
			k.Active = false
			prev = k.Fingerprint
		}
	}
	s.keys[newKey.TenantID] = append(s.keys[newKey.TenantID], newKey)
	return prev, nil
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

func newTestKeys(t *testing.T, tenantID uuid.UUID) *keymanager.Manager {
	t.Helper()
	store := &fakeKeyStore{keys: make(map[uuid.UUID][]*models.EncryptionKey)}

	wrappingKey, err := keymanager.DeriveWrappingKey(testMaster)
	require.NoError(t, err)

	material := make([]byte, 32)
	_, err = rand.Read(material)
	require.NoError(t, err)
	wrapped, err := keymanager.Seal(wrappingKey, material, tenantID[:])
	require.NoError(t, err)

	store.keys[tenantID] = []*models.EncryptionKey{{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Fingerprint: keymanager.Fingerprint(material),
		WrappedKey:  wrapped,
		Active:      true,
	}}

	m, err := keymanager.NewManager(testMaster, store, noopLocker{}, noopRecorder{}, time.Second)
	require.NoError(t, err)
	return m
}

type fakeExtractor struct {
	content string
	err     error
	calls   int
}

func (f *fakeExtractor) Extract(ctx context.Context, data []byte, docType string) (*extract.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &extract.Result{Content: f.content, Pages: 1}, nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
	dim   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	dim := f.dim
	if dim == 0 {
		dim = 3
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(len(text)+i) / float32(j+1)
		}
		out[i] = v
	}
	return out, nil
}

type fakeIndex struct {
	mu       sync.Mutex
	upserts  map[string][]vectorindex.CipherVector
	queryErr error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{upserts: make(map[string][]vectorindex.CipherVector)}
}

func (f *fakeIndex) CreateNamespace(ctx context.Context, ns string) error { return nil }
func (f *fakeIndex) DeleteNamespace(ctx context.Context, ns string) error { return nil }

func (f *fakeIndex) Upsert(ctx context.Context, ns string, vectors []vectorindex.CipherVector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts[ns] = append(f.upserts[ns], vectors...)
	return nil
}

func (f *fakeIndex) Query(ctx context.Context, ns string, vector []float32, topK int) ([]vectorindex.Hit, error) {
	return nil, f.queryErr
}

func (f *fakeIndex) DeleteDocument(ctx context.Context, ns string, documentID uuid.UUID) error {
	return nil
}

type fixture struct {
	pipeline  *Pipeline
	docs      *fakeDocs
	chunks    *fakeChunks
	keys      *keymanager.Manager
	extractor *fakeExtractor
	embedder  *fakeEmbedder
	index     *fakeIndex
	tenantID  uuid.UUID
	doc       *models.Document
	ctx       context.Context
}

func newFixture(t *testing.T, content string) *fixture {
	t.Helper()
	tenantID := uuid.New()
	docs := newFakeDocs()
	chunks := newFakeChunks()
	keys := newTestKeys(t, tenantID)
	extractor := &fakeExtractor{content: content}
	embedder := &fakeEmbedder{}
	index := newFakeIndex()

	doc := &models.Document{
		ID:       uuid.New(),
		TenantID: tenantID,
		Filename: "report.txt",
		DocType:  models.DocTypeTXT,
		Status:   models.DocStatusUploaded,
	}
	docs.add(doc, []byte(content))

	ctx := tenant.WithBinding(context.Background(), tenant.Binding{
		TenantID:  tenantID,
		Namespace: "ns_fixture",
	})

	return &fixture{
		pipeline: NewPipeline(docs, chunks, keys, extractor, embedder, index, Options{
			ChunkSize:        50,
			ChunkOverlap:     0,
			EmbedConcurrency: 2,
		}),
		docs:      docs,
		chunks:    chunks,
		keys:      keys,
		extractor: extractor,
		embedder:  embedder,
		index:     index,
		tenantID:  tenantID,
		doc:       doc,
		ctx:       ctx,
	}
}

func TestPipelineFullProgression(t *testing.T) {
	f := newFixture(t, "First paragraph of the report.\n\nSecond paragraph with more words in it.")

	advanced, err := f.pipeline.RunExtract(f.ctx, f.doc.ID)
	require.NoError(t, err)
	assert.True(t, advanced)
	d, _ := f.docs.GetByID(f.ctx, f.doc.ID)
	assert.Equal(t, models.DocStatusChunking, d.Status)

	advanced, err = f.pipeline.RunChunk(f.ctx, f.doc.ID)
	require.NoError(t, err)
	assert.True(t, advanced)
	d, _ = f.docs.GetByID(f.ctx, f.doc.ID)
	assert.Equal(t, models.DocStatusEmbedding, d.Status)

	rows, err := f.chunks.ListForDocument(f.ctx, f.doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	// Chunk text is stored as ciphertext only, decryptable with the key
	// named by the chunk's fingerprint.
	key, err := f.keys.KeyByFingerprint(f.ctx, rows[0].KeyFingerprint)
	require.NoError(t, err)
	plaintext, err := key.Decrypt(rows[0].Ciphertext)
	require.NoError(t, err)
	assert.NotEmpty(t, plaintext)
	assert.NotContains(t, string(rows[0].Ciphertext), string(plaintext))

	advanced, err = f.pipeline.RunEmbed(f.ctx, f.doc.ID)
	require.NoError(t, err)
	assert.True(t, advanced)
	d, _ = f.docs.GetByID(f.ctx, f.doc.ID)
	assert.Equal(t, models.DocStatusIndexing, d.Status)

	rows, _ = f.chunks.ListForDocument(f.ctx, f.doc.ID)
	for _, c := range rows {
		require.NotEmpty(t, c.VectorCiphertext)
		sealed, err := key.Decrypt(c.VectorCiphertext)
		require.NoError(t, err)
		vec, err := DecodeVector(sealed)
		require.NoError(t, err)
		assert.Len(t, vec, c.EmbeddingDimension)
	}

	advanced, err = f.pipeline.RunIndex(f.ctx, f.doc.ID, "ns_fixture")
	require.NoError(t, err)
	assert.True(t, advanced)
	d, _ = f.docs.GetByID(f.ctx, f.doc.ID)
	assert.Equal(t, models.DocStatusCompleted, d.Status)
	assert.Equal(t, len(rows), d.ChunkCount)

	assert.Len(t, f.index.upserts["ns_fixture"], len(rows))
	for _, v := range f.index.upserts["ns_fixture"] {
		assert.NotEmpty(t, v.VectorCiphertext, "index must only receive ciphertext")
	}
}

func TestPipelineExtractFailureLeavesStatus(t *testing.T) {
	f := newFixture(t, "text")
	f.extractor.err = apperr.Extraction(errors.New("corrupt file"))

	_, err := f.pipeline.RunExtract(f.ctx, f.doc.ID)
	require.Error(t, err)

	// Status stays at extracting so a retry re-enters the same stage.
	d, _ := f.docs.GetByID(f.ctx, f.doc.ID)
	assert.Equal(t, models.DocStatusExtracting, d.Status)

	rows, _ := f.chunks.ListForDocument(f.ctx, f.doc.ID)
	assert.Empty(t, rows)
}

func TestPipelineStaleWorkerNoOps(t *testing.T) {
	f := newFixture(t, "text for the document")
	f.doc.Status = models.DocStatusEmbedding
	f.docs.docs[f.doc.ID].Status = models.DocStatusEmbedding

	// A stale chunk task arriving after the document advanced must not
	// touch anything.
	advanced, err := f.pipeline.RunChunk(f.ctx, f.doc.ID)
	require.NoError(t, err)
	assert.False(t, advanced)

	rows, _ := f.chunks.ListForDocument(f.ctx, f.doc.ID)
	assert.Empty(t, rows)
	d, _ := f.docs.GetByID(f.ctx, f.doc.ID)
	assert.Equal(t, models.DocStatusEmbedding, d.Status)
}

func TestPipelineChunkStageIdempotent(t *testing.T) {
	f := newFixture(t, "Some document text that will be chunked.")
	f.docs.docs[f.doc.ID].Status = models.DocStatusChunking

	// Leftover rows from a crashed earlier attempt.
	stale := models.DocumentChunk{
		ID:         uuid.New(),
		DocumentID: f.doc.ID,
		TenantID:   f.tenantID,
		Sequence:   0,
		Ciphertext: []byte("stale"),
	}
	require.NoError(t, f.chunks.InsertBatch(f.ctx, []models.DocumentChunk{stale}))

	_, err := f.pipeline.RunChunk(f.ctx, f.doc.ID)
	require.NoError(t, err)

	rows, _ := f.chunks.ListForDocument(f.ctx, f.doc.ID)
	for _, c := range rows {
		assert.NotEqual(t, stale.ID, c.ID, "stale partial chunk must be replaced")
	}

	seqs := make(map[int]bool)
	for _, c := range rows {
		seqs[c.Sequence] = true
	}
	for i := 0; i < len(rows); i++ {
		assert.True(t, seqs[i], "sequences must be contiguous from 0")
	}
}

func TestPipelineEmbedSkipsCompletedChunks(t *testing.T) {
	f := newFixture(t, "Alpha section.\n\nBeta section.")
	f.docs.docs[f.doc.ID].Status = models.DocStatusChunking

	_, err := f.pipeline.RunChunk(f.ctx, f.doc.ID)
	require.NoError(t, err)

	_, err = f.pipeline.RunEmbed(f.ctx, f.doc.ID)
	require.NoError(t, err)
	firstCalls := f.embedder.calls
	require.Greater(t, firstCalls, 0)

	// Rewind the status and run the stage again: every chunk already has
	// its vector, so the embedder is not consulted.
	f.docs.docs[f.doc.ID].Status = models.DocStatusEmbedding
	_, err = f.pipeline.RunEmbed(f.ctx, f.doc.ID)
	require.NoError(t, err)
	assert.Equal(t, firstCalls, f.embedder.calls)
}

func TestPipelineEmbedSealsVectorUnderChunkKey(t *testing.T) {
	f := newFixture(t, "Text sealed before the rotation.")
	f.docs.docs[f.doc.ID].Status = models.DocStatusChunking
	_, err := f.pipeline.RunChunk(f.ctx, f.doc.ID)
	require.NoError(t, err)

	// Rotate between chunking and embedding.
	_, err = f.keys.Rotate(f.ctx)
	require.NoError(t, err)
	active, err := f.keys.ActiveKey(f.ctx)
	require.NoError(t, err)

	_, err = f.pipeline.RunEmbed(f.ctx, f.doc.ID)
	require.NoError(t, err)

	rows, err := f.chunks.ListForDocument(f.ctx, f.doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	for _, c := range rows {
		assert.NotEqual(t, active.Fingerprint, c.KeyFingerprint)
		// The fingerprint on the row must decrypt the vector too.
		key, err := f.keys.KeyByFingerprint(f.ctx, c.KeyFingerprint)
		require.NoError(t, err)
		sealed, err := key.Decrypt(c.VectorCiphertext)
		require.NoError(t, err)
		_, err = DecodeVector(sealed)
		require.NoError(t, err)
	}
}

func TestPipelineEmbedFailurePreservesStatus(t *testing.T) {
	f := newFixture(t, "Document text.")
	f.docs.docs[f.doc.ID].Status = models.DocStatusChunking
	_, err := f.pipeline.RunChunk(f.ctx, f.doc.ID)
	require.NoError(t, err)

	f.embedder.err = apperr.Embedding(errors.New("provider unavailable"))
	_, err = f.pipeline.RunEmbed(f.ctx, f.doc.ID)
	require.Error(t, err)

	d, _ := f.docs.GetByID(f.ctx, f.doc.ID)
	assert.Equal(t, models.DocStatusEmbedding, d.Status)
}

func TestPipelineIndexRefusesMissingVectors(t *testing.T) {
	f := newFixture(t, "Document text.")
	f.docs.docs[f.doc.ID].Status = models.DocStatusChunking
	_, err := f.pipeline.RunChunk(f.ctx, f.doc.ID)
	require.NoError(t, err)

	// Skip the embed stage entirely.
	f.docs.docs[f.doc.ID].Status = models.DocStatusIndexing
	_, err = f.pipeline.RunIndex(f.ctx, f.doc.ID, "ns_fixture")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindIndex))
}

func TestVectorCodecRoundTrip(t *testing.T) {
	v := []float32{0.5, -1.25, 3.75, 0}
	decoded, err := DecodeVector(encodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, decoded)

	_, err = DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
