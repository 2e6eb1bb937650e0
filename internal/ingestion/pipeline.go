package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/raghub/backend/internal/metrics"
	"github.com/raghub/backend/internal/storage/models"
	"github.com/raghub/backend/internal/tenant"
	"github.com/raghub/backend/internal/vector/milvus"
	"github.com/raghub/backend/pkg/apperr"
	"github.com/raghub/backend/pkg/config"
	"github.com/raghub/backend/pkg/logger"
	"github.com/raghub/backend/pkg/retry"
	"github.com/raghub/backend/pkg/utils"
)

// Embedder is the slice of the LLM client the pipeline needs.
type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the slice of the milvus client the pipeline needs.
type VectorStore interface {
	EnsurePartition(ctx context.Context, partition string) error
	Insert(ctx context.Context, partition string, chunks []milvus.ChunkVector) error
	PruneVersions(ctx context.Context, partition, documentID string, keep int64) error
	DiscardVersion(ctx context.Context, partition, documentID string, version int64) error
}

// BlobStore fetches original files for processing.
type BlobStore interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (int64, error)
}

// Pipeline runs document ingestion on a bounded worker pool. One
// document is processed by at most one worker at a time; a second
// request for an in-flight document coalesces into the running attempt.
type Pipeline struct {
	pool     *ants.Pool
	embedder Embedder
	vector   VectorStore
	blob     BlobStore
	cfg      config.IngestionConfig

	mu       sync.Mutex
	inflight map[string]struct{} // tenantID/documentID
}

func NewPipeline(embedder Embedder, vector VectorStore, blob BlobStore, cfg config.IngestionConfig) (*Pipeline, error) {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	return &Pipeline{
		pool:     pool,
		embedder: embedder,
		vector:   vector,
		blob:     blob,
		cfg:      cfg,
		inflight: make(map[string]struct{}),
	}, nil
}

// Release stops accepting work and frees the pool. In-flight documents
// finish; their terminal state is recorded in the partition.
func (p *Pipeline) Release() {
	p.pool.Release()
}

func inflightKey(tenantID, documentID string) string {
	return tenantID + "/" + documentID
}

// Enqueue transitions the document to ingesting and schedules it. A
// document already being processed is not scheduled again; the caller
// polls document state either way, so coalescing is invisible to it.
func (p *Pipeline) Enqueue(ctx context.Context, scope *tenant.Scope, mode models.RetrievalMode, documentID, actorID string) error {
	doc, err := scope.Partition.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if !doc.State.CanTransition(models.DocIngesting) {
		if doc.State == models.DocIngesting {
			return nil
		}
		return apperr.Newf(apperr.CodeIngestFailed, "document in state %s cannot be ingested", doc.State)
	}

	key := inflightKey(scope.Tenant.ID, documentID)
	p.mu.Lock()
	if _, busy := p.inflight[key]; busy {
		p.mu.Unlock()
		return nil
	}
	p.inflight[key] = struct{}{}
	p.mu.Unlock()

	if err := scope.Partition.TransitionDocument(ctx, documentID, models.DocIngesting, ""); err != nil {
		p.clearInflight(key)
		return err
	}

	err = p.pool.Submit(func() {
		defer p.clearInflight(key)
		p.process(context.Background(), scope, mode, documentID, actorID)
	})
	if err != nil {
		p.clearInflight(key)
		p.failDocument(ctx, scope, documentID, actorID, fmt.Errorf("failed to schedule ingestion: %w", err))
		return apperr.Wrap(apperr.CodeIngestFailed, "failed to schedule ingestion", err)
	}
	return nil
}

func (p *Pipeline) clearInflight(key string) {
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

func (p *Pipeline) process(ctx context.Context, scope *tenant.Scope, mode models.RetrievalMode, documentID, actorID string) {
	start := time.Now()
	log := logger.With(
		zap.String("tenant_id", scope.Tenant.ID),
		zap.String("document_id", documentID),
	)

	doc, err := scope.Partition.GetDocument(ctx, documentID)
	if err != nil {
		log.Error("Ingestion aborted, document vanished", zap.Error(err))
		return
	}

	pages, contentHash, err := p.extractPages(ctx, doc)
	if err != nil {
		p.failDocument(ctx, scope, documentID, actorID, err)
		return
	}

	// Byte-identical content reproduces the same chunk set; skip the
	// embedding spend and keep the served version.
	if doc.CurrentVersion > 0 && doc.ContentHash == contentHash {
		if err := scope.Partition.TransitionDocument(ctx, documentID, models.DocReady, ""); err != nil {
			p.failDocument(ctx, scope, documentID, actorID, err)
			return
		}
		log.Info("Document content unchanged, keeping current version",
			zap.Int("version", doc.CurrentVersion),
		)
		metrics.DocumentsIngested.WithLabelValues("unchanged").Inc()
		p.recordEvent(ctx, scope, actorID, models.EventEmbeddingCreation, map[string]interface{}{
			"document_id": documentID,
			"version":     doc.CurrentVersion,
			"unchanged":   true,
		})
		return
	}

	chunks, err := p.buildChunks(ctx, scope, mode, doc, pages)
	if err != nil {
		p.failDocument(ctx, scope, documentID, actorID, err)
		return
	}

	version := doc.CurrentVersion + 1
	if err := p.commitVersion(ctx, scope, doc, version, chunks); err != nil {
		p.failDocument(ctx, scope, documentID, actorID, err)
		return
	}
	if err := scope.Partition.SetContentHash(ctx, documentID, contentHash); err != nil {
		// The hash only gates the skip above; a stale one costs a
		// redundant re-ingest, nothing else.
		log.Warn("Failed to record content hash", zap.Error(err))
	}

	log.Info("Document ingested",
		zap.Int("version", version),
		zap.Int("chunks", len(chunks)),
		zap.Duration("elapsed", time.Since(start)),
	)
	metrics.DocumentsIngested.WithLabelValues("ready").Inc()
	metrics.ChunksCommitted.Add(float64(len(chunks)))

	p.recordEvent(ctx, scope, actorID, models.EventEmbeddingCreation, map[string]interface{}{
		"document_id": documentID,
		"version":     version,
		"chunks":      len(chunks),
	})
}

// extractPages fetches the uploaded file and extracts its text, also
// hashing the extracted text so unchanged content is recognizable.
// Validation errors (unsupported type, oversize, empty text) surface
// unchanged so the document's diagnostic tells the uploader what to
// fix.
func (p *Pipeline) extractPages(ctx context.Context, doc *models.Document) ([]ExtractedPage, string, error) {
	size, err := p.blob.Head(ctx, doc.Locator)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.CodeIngestFailed, "uploaded file not found in blob store", err)
	}
	if p.cfg.MaxFileSize > 0 && size > p.cfg.MaxFileSize {
		return nil, "", apperr.Newf(apperr.CodeTooLarge, "file is %d bytes, limit is %d", size, p.cfg.MaxFileSize)
	}

	data, err := p.blob.Fetch(ctx, doc.Locator)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.CodeIngestFailed, "failed to fetch file", err)
	}

	pages, err := Extract(doc.Mime, data)
	if err != nil {
		return nil, "", err
	}

	var texts []string
	for _, page := range pages {
		texts = append(texts, page.Text)
	}
	return pages, utils.HashString(strings.Join(texts, "\n")), nil
}

// buildChunks runs chunking and embedding over extracted pages.
func (p *Pipeline) buildChunks(ctx context.Context, scope *tenant.Scope, mode models.RetrievalMode, doc *models.Document, pages []ExtractedPage) ([]models.Chunk, error) {
	if !mode.Valid() {
		mode = scope.Tenant.DefaultMode
	}
	var profile *models.ChunkingProfile
	if mode == models.ModeCustomized {
		var err error
		profile, err = scope.Partition.ChunkingProfile(ctx)
		if err != nil && !apperr.IsCode(err, apperr.CodeObjectNotFound) {
			return nil, err
		}
	}

	chunker := NewChunker(p.cfg.ChunkSize, p.cfg.ChunkOverlap)
	textChunks, err := chunker.Chunk(mode, pages, profile)
	if err != nil {
		return nil, err
	}
	if len(textChunks) == 0 {
		return nil, apperr.New(apperr.CodeEmptyContent, "chunking produced no chunks")
	}

	embeddings, err := p.embedAll(ctx, textChunks)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeIngestFailed, "embedding generation failed", err)
	}

	version := doc.CurrentVersion + 1
	chunks := make([]models.Chunk, len(textChunks))
	for i, tc := range textChunks {
		meta := tc.Meta
		meta.TotalChunks = len(textChunks)
		chunks[i] = models.Chunk{
			ID:         uuid.New().String(),
			DocumentID: doc.ID,
			CategoryID: doc.CategoryID,
			Version:    version,
			Ordinal:    i,
			Text:       tc.Text,
			TextHash:   utils.HashString(tc.Text),
			Embedding:  embeddings[i],
			Metadata:   meta,
			CreatedAt:  time.Now(),
		}
	}
	return chunks, nil
}

// embedAll embeds chunk texts in ranges so one provider hiccup retries
// a bounded slice, not the whole document.
func (p *Pipeline) embedAll(ctx context.Context, chunks []TextChunk) ([][]float32, error) {
	rangeSize := p.cfg.RangeSize
	if rangeSize <= 0 {
		rangeSize = 200
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = p.cfg.MaxAttempts
	retryCfg.Logger = logger.GetLogger()

	embeddings := make([][]float32, 0, len(chunks))
	for lo := 0; lo < len(chunks); lo += rangeSize {
		hi := lo + rangeSize
		if hi > len(chunks) {
			hi = len(chunks)
		}
		texts := make([]string, hi-lo)
		for i := lo; i < hi; i++ {
			texts[i-lo] = chunks[i].Text
		}

		vecs, err := retry.DoWithResult(ctx, retryCfg, func() ([][]float32, error) {
			return p.embedder.GenerateBatchEmbeddings(ctx, texts)
		})
		if err != nil {
			return nil, fmt.Errorf("embedding range [%d,%d) failed: %w", lo, hi, err)
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("embedding range [%d,%d): got %d vectors for %d texts", lo, hi, len(vecs), len(texts))
		}
		embeddings = append(embeddings, vecs...)
	}
	return embeddings, nil
}

// commitVersion writes the new chunk set to the vector store, then
// swaps it in atomically in the partition. Vector rows for a version
// that never committed are invisible to search, which filters on the
// document's current version, so a crash between the two writes leaves
// garbage but never wrong answers.
func (p *Pipeline) commitVersion(ctx context.Context, scope *tenant.Scope, doc *models.Document, version int, chunks []models.Chunk) error {
	partitionName := scope.VectorPartition()
	if err := p.vector.EnsurePartition(ctx, partitionName); err != nil {
		return apperr.Wrap(apperr.CodeIngestFailed, "vector partition unavailable", err)
	}

	vectors := make([]milvus.ChunkVector, len(chunks))
	for i, c := range chunks {
		vectors[i] = milvus.ChunkVector{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			CategoryID: c.CategoryID,
			Version:    int64(c.Version),
			Ordinal:    int64(c.Ordinal),
			Embedding:  c.Embedding,
		}
	}
	if err := p.vector.Insert(ctx, partitionName, vectors); err != nil {
		return apperr.Wrap(apperr.CodeIngestFailed, "vector insert failed", err)
	}

	if err := scope.Partition.CommitChunkVersion(ctx, doc.ID, version, chunks); err != nil {
		if derr := p.vector.DiscardVersion(ctx, partitionName, doc.ID, int64(version)); derr != nil {
			logger.Warn("Failed to discard vectors after commit failure",
				zap.String("document_id", doc.ID),
				zap.Error(derr),
			)
		}
		return err
	}

	if err := p.vector.PruneVersions(ctx, partitionName, doc.ID, int64(version)); err != nil {
		// Stale vectors are filtered out at query time; pruning is
		// cleanup, not correctness.
		logger.Warn("Failed to prune old vector versions",
			zap.String("document_id", doc.ID),
			zap.Error(err),
		)
	}
	return nil
}

// failDocument dead-letters the document with a diagnostic. Previously
// ready chunk sets remain current and searchable.
func (p *Pipeline) failDocument(ctx context.Context, scope *tenant.Scope, documentID, actorID string, cause error) {
	diagnostic := cause.Error()
	var ae *apperr.Error
	if errors.As(cause, &ae) {
		diagnostic = ae.Message
	}

	if err := scope.Partition.TransitionDocument(ctx, documentID, models.DocFailed, diagnostic); err != nil {
		logger.Error("Failed to record ingestion failure",
			zap.String("document_id", documentID),
			zap.Error(err),
		)
	}

	logger.Warn("Document ingestion failed",
		zap.String("tenant_id", scope.Tenant.ID),
		zap.String("document_id", documentID),
		zap.String("diagnostic", diagnostic),
	)
	metrics.DocumentsIngested.WithLabelValues("failed").Inc()

	p.recordEvent(ctx, scope, actorID, models.EventError, map[string]interface{}{
		"document_id": documentID,
		"diagnostic":  diagnostic,
		"code":        string(apperr.CodeOf(cause)),
	})
}

func (p *Pipeline) recordEvent(ctx context.Context, scope *tenant.Scope, actorID string, kind models.EventKind, detail map[string]interface{}) {
	ev := &models.Event{
		ID:      uuid.New().String(),
		ActorID: actorID,
		Kind:    kind,
		Detail:  detail,
	}
	if err := scope.Partition.InsertEvent(ctx, ev); err != nil {
		logger.Warn("Failed to record audit event", zap.Error(err))
	}
}
