// Package milvus stores chunk embeddings in a single shared collection,
// partitioned per tenant. Tenant isolation holds because every insert,
// search, and delete names exactly one partition and never falls back to
// a collection-wide scan.
package milvus

import (
	"context"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/raghub/backend/pkg/logger"
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

// ChunkVector is one chunk's embedding plus the scalar fields dense
// search filters on. Text lives only in the tenant partition database;
// the vector store holds identifiers.
type ChunkVector struct {
	ChunkID    string
	DocumentID string
	CategoryID string
	Version    int64
	Ordinal    int64
	Embedding  []float32
}

type SearchHit struct {
	ChunkID    string
	DocumentID string
	Version    int64
	Score      float32
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	cfg := client.Config{Address: endpoint}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	c, err := client.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

// EnsureCollection creates and loads the shared collection if it does
// not exist yet.
func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Tenant-partitioned chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:     "document_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "category_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "version",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "ordinal",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index definition: %w", err)
	}
	err = m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = m.client.LoadCollection(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))
	return nil
}

// EnsurePartition creates the tenant's partition if missing. Called at
// tenant onboarding and defensively before inserts.
func (m *Client) EnsurePartition(ctx context.Context, partition string) error {
	has, err := m.client.HasPartition(ctx, m.collectionName, partition)
	if err != nil {
		return fmt.Errorf("failed to check partition: %w", err)
	}
	if has {
		return nil
	}
	if err := m.client.CreatePartition(ctx, m.collectionName, partition); err != nil {
		return fmt.Errorf("failed to create partition %s: %w", partition, err)
	}
	logger.Info("Tenant partition created", zap.String("partition", partition))
	return nil
}

// DropPartition removes a tenant's vectors wholesale, used when the
// tenant is deleted.
func (m *Client) DropPartition(ctx context.Context, partition string) error {
	has, err := m.client.HasPartition(ctx, m.collectionName, partition)
	if err != nil {
		return fmt.Errorf("failed to check partition: %w", err)
	}
	if !has {
		return nil
	}
	if err := m.client.DropPartition(ctx, m.collectionName, partition); err != nil {
		return fmt.Errorf("failed to drop partition %s: %w", partition, err)
	}
	return nil
}

func (m *Client) Insert(ctx context.Context, partition string, chunks []ChunkVector) error {
	if len(chunks) == 0 {
		return nil
	}

	chunkIDs := make([]string, len(chunks))
	embeddings := make([][]float32, len(chunks))
	documentIDs := make([]string, len(chunks))
	categoryIDs := make([]string, len(chunks))
	versions := make([]int64, len(chunks))
	ordinals := make([]int64, len(chunks))

	for i, chunk := range chunks {
		chunkIDs[i] = chunk.ChunkID
		embeddings[i] = chunk.Embedding
		documentIDs[i] = chunk.DocumentID
		categoryIDs[i] = chunk.CategoryID
		versions[i] = chunk.Version
		ordinals[i] = chunk.Ordinal
	}

	_, err := m.client.Insert(
		ctx,
		m.collectionName,
		partition,
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
		entity.NewColumnVarChar("document_id", documentIDs),
		entity.NewColumnVarChar("category_id", categoryIDs),
		entity.NewColumnInt64("version", versions),
		entity.NewColumnInt64("ordinal", ordinals),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	err = m.client.Flush(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Debug("Chunks inserted into vector store",
		zap.String("partition", partition),
		zap.Int("count", len(chunks)),
	)
	return nil
}

// Search runs dense knn inside one tenant partition, optionally
// restricted to category IDs.
func (m *Client) Search(ctx context.Context, partition string, queryEmbedding []float32, topK int, categoryIDs []string) ([]SearchHit, error) {
	expr := categoryExpr(categoryIDs)

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{partition},
		expr,
		[]string{"chunk_id", "document_id", "version"},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding",
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchHit, 0)
	for _, sr := range searchResult {
		chunkIDCol := sr.Fields.GetColumn("chunk_id")
		documentIDCol := sr.Fields.GetColumn("document_id")
		versionCol := sr.Fields.GetColumn("version")

		for i := 0; i < sr.ResultCount; i++ {
			chunkID, _ := chunkIDCol.Get(i)
			documentID, _ := documentIDCol.Get(i)
			version, _ := versionCol.Get(i)

			results = append(results, SearchHit{
				ChunkID:    chunkID.(string),
				DocumentID: documentID.(string),
				Version:    version.(int64),
				Score:      sr.Scores[i],
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.String("partition", partition),
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
	)
	return results, nil
}

// DeleteByDocument removes all vectors of one document inside the
// tenant partition, used for re-ingestion cleanup and soft delete.
func (m *Client) DeleteByDocument(ctx context.Context, partition, documentID string) error {
	expr := fmt.Sprintf(`document_id == "%s"`, documentID)
	if err := m.client.Delete(ctx, m.collectionName, partition, expr); err != nil {
		return fmt.Errorf("failed to delete document vectors: %w", err)
	}
	return nil
}

// PruneVersions removes every chunk-set version of a document except
// the one that just became current.
func (m *Client) PruneVersions(ctx context.Context, partition, documentID string, keep int64) error {
	expr := fmt.Sprintf(`document_id == "%s" && version != %d`, documentID, keep)
	if err := m.client.Delete(ctx, m.collectionName, partition, expr); err != nil {
		return fmt.Errorf("failed to delete version vectors: %w", err)
	}
	return nil
}

// DiscardVersion removes exactly one chunk-set version, used when an
// ingestion attempt fails after some vectors were written.
func (m *Client) DiscardVersion(ctx context.Context, partition, documentID string, version int64) error {
	expr := fmt.Sprintf(`document_id == "%s" && version == %d`, documentID, version)
	if err := m.client.Delete(ctx, m.collectionName, partition, expr); err != nil {
		return fmt.Errorf("failed to discard version vectors: %w", err)
	}
	return nil
}

func categoryExpr(categoryIDs []string) string {
	if len(categoryIDs) == 0 {
		return ""
	}
	quoted := make([]string, len(categoryIDs))
	for i, id := range categoryIDs {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	return fmt.Sprintf("category_id in [%s]", strings.Join(quoted, ", "))
}
