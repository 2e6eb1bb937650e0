package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raghub/backend/internal/api"
	"github.com/raghub/backend/internal/blob/s3"
	"github.com/raghub/backend/internal/ingestion"
	authmw "github.com/raghub/backend/internal/middleware/auth"
	"github.com/raghub/backend/internal/storage/models"
	"github.com/raghub/backend/internal/tenant"
	"github.com/raghub/backend/internal/vector/milvus"
	"github.com/raghub/backend/pkg/apperr"
	"github.com/raghub/backend/pkg/config"
	"github.com/raghub/backend/pkg/logger"
)

// Blob is the slice of the S3 client the handler needs.
type Blob interface {
	PresignUpload(ctx context.Context, key, contentType string, contentLength int64) (*s3.PresignedUpload, error)
	Head(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
}

// VectorCleaner removes a document's vectors on delete.
type VectorCleaner interface {
	DeleteByDocument(ctx context.Context, partition, documentID string) error
}

type DocumentHandler struct {
	pipeline *ingestion.Pipeline
	blob     Blob
	vector   VectorCleaner
	cfg      config.IngestionConfig
}

func NewDocumentHandler(pipeline *ingestion.Pipeline, blob Blob, vector VectorCleaner, cfg config.IngestionConfig) *DocumentHandler {
	return &DocumentHandler{pipeline: pipeline, blob: blob, vector: vector, cfg: cfg}
}

// CreateUpload validates the upload and returns a presigned PUT plus
// the created document in state uploaded. Validation happens here, at
// presign time, so a disallowed file never lands in the bucket.
func (h *DocumentHandler) CreateUpload(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	var req struct {
		CategoryID string `json:"category_id"`
		FileName   string `json:"file_name"`
		Mime       string `json:"mime"`
		Size       int64  `json:"size"`
	}
	if err := c.BodyParser(&req); err != nil {
		return api.Fail(c, apperr.New(apperr.CodeInvalidArgument, "invalid request body"))
	}
	if req.CategoryID == "" || req.FileName == "" {
		return api.Fail(c, apperr.New(apperr.CodeInvalidArgument, "category_id and file_name are required"))
	}

	if !principal.CanAccess(req.CategoryID) {
		return api.Fail(c, apperr.New(apperr.CodeNoCategoryAccess, "no access to category"))
	}
	if _, err := scope.Partition.GetCategory(c.Context(), req.CategoryID); err != nil {
		return api.Fail(c, err)
	}

	if !h.mimeAllowed(req.Mime) {
		return api.Fail(c, apperr.Newf(apperr.CodeMimeNotAllowed, "mime type %s is not allowed", req.Mime))
	}
	if req.Size <= 0 {
		return api.Fail(c, apperr.New(apperr.CodeInvalidArgument, "size must be positive"))
	}
	if h.cfg.MaxFileSize > 0 && req.Size > h.cfg.MaxFileSize {
		return api.Fail(c, apperr.Newf(apperr.CodeTooLarge, "file is %d bytes, limit is %d", req.Size, h.cfg.MaxFileSize))
	}

	docID := uuid.New().String()
	locator := s3.ObjectKey(scope.Tenant.ID, req.CategoryID, docID, req.FileName)

	doc, err := scope.Partition.CreateDocument(c.Context(), &models.Document{
		ID:         docID,
		CategoryID: req.CategoryID,
		FileName:   req.FileName,
		Locator:    locator,
		Size:       req.Size,
		Mime:       req.Mime,
		State:      models.DocUploaded,
	})
	if err != nil {
		return api.Fail(c, err)
	}

	upload, err := h.blob.PresignUpload(c.Context(), locator, req.Mime, req.Size)
	if err != nil {
		return api.Fail(c, apperr.Wrap(apperr.CodeInternalError, "failed to presign upload", err))
	}

	logger.Info("Upload created",
		zap.String("tenant_id", scope.Tenant.ID),
		zap.String("document_id", doc.ID),
		zap.String("mime", req.Mime),
	)

	return api.Created(c, fiber.Map{
		"document": toDocumentView(doc),
		"upload":   upload,
	})
}

// Ingest schedules processing of an uploaded document. Re-ingesting a
// ready or failed document builds a new chunk-set version; readers keep
// seeing the old one until the swap commits.
func (h *DocumentHandler) Ingest(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	doc, err := h.authorizedDocument(c, scope)
	if err != nil {
		return api.Fail(c, err)
	}

	// The client must have completed its presigned PUT first.
	if _, err := h.blob.Head(c.Context(), doc.Locator); err != nil {
		return api.Fail(c, apperr.New(apperr.CodeObjectNotFound, "file has not been uploaded yet"))
	}

	if err := h.pipeline.Enqueue(c.Context(), scope, principal.Mode, doc.ID, principal.User.ID); err != nil {
		return api.Fail(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": true,
		"data":    fiber.Map{"document_id": doc.ID, "state": string(models.DocIngesting)},
	})
}

// List returns documents in the caller's categories, optionally
// narrowed to one category.
func (h *DocumentHandler) List(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	var requested []string
	if categoryID := c.Query("category_id"); categoryID != "" {
		requested = []string{categoryID}
	}
	categories, err := principal.ScopeFor(requested)
	if err != nil {
		return api.Fail(c, err)
	}

	docs, err := scope.Partition.ListDocuments(c.Context(), categories)
	if err != nil {
		return api.Fail(c, err)
	}

	views := make([]fiber.Map, len(docs))
	for i := range docs {
		views[i] = toDocumentView(&docs[i])
	}
	return api.OK(c, fiber.Map{"documents": views})
}

func (h *DocumentHandler) Get(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	doc, err := h.authorizedDocument(c, scope)
	if err != nil {
		return api.Fail(c, err)
	}
	return api.OK(c, toDocumentView(doc))
}

// Status is the polling endpoint for ingestion progress.
func (h *DocumentHandler) Status(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	doc, err := h.authorizedDocument(c, scope)
	if err != nil {
		return api.Fail(c, err)
	}
	return api.OK(c, fiber.Map{
		"document_id":     doc.ID,
		"state":           string(doc.State),
		"current_version": doc.CurrentVersion,
		"diagnostic":      doc.Diagnostic,
	})
}

// Delete soft-deletes the document and clears its chunks. Vector and
// blob cleanup are best effort; the partition row is the authority and
// stale vectors are filtered at query time.
func (h *DocumentHandler) Delete(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	doc, err := h.authorizedDocument(c, scope)
	if err != nil {
		return api.Fail(c, err)
	}

	if err := scope.Partition.SoftDeleteDocument(c.Context(), doc.ID); err != nil {
		return api.Fail(c, err)
	}

	if err := h.vector.DeleteByDocument(c.Context(), scope.VectorPartition(), doc.ID); err != nil {
		logger.Warn("Failed to delete document vectors",
			zap.String("document_id", doc.ID),
			zap.Error(err),
		)
	}
	if err := h.blob.Delete(c.Context(), doc.Locator); err != nil {
		logger.Warn("Failed to delete original file",
			zap.String("document_id", doc.ID),
			zap.Error(err),
		)
	}

	return api.OK(c, fiber.Map{"document_id": doc.ID, "state": string(models.DocDeleted)})
}

func (h *DocumentHandler) authorizedDocument(c *fiber.Ctx, scope *tenant.Scope) (*models.Document, error) {
	principal := authmw.PrincipalFrom(c)
	id := c.Params("id")
	doc, err := scope.Partition.GetDocument(c.Context(), id)
	if err != nil {
		return nil, err
	}
	// Documents outside the caller's categories are reported as not
	// found, not forbidden, so their existence does not leak.
	if !principal.CanAccess(doc.CategoryID) {
		return nil, apperr.Newf(apperr.CodeObjectNotFound, "document %s not found", id)
	}
	return doc, nil
}

func (h *DocumentHandler) mimeAllowed(mime string) bool {
	if !ingestion.SupportedMime(mime) {
		return false
	}
	if len(h.cfg.AllowedMimes) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedMimes {
		if strings.EqualFold(strings.TrimSpace(allowed), strings.TrimSpace(mime)) {
			return true
		}
	}
	return false
}

func toDocumentView(doc *models.Document) fiber.Map {
	return fiber.Map{
		"id":              doc.ID,
		"category_id":     doc.CategoryID,
		"file_name":       doc.FileName,
		"mime":            doc.Mime,
		"size":            doc.Size,
		"state":           string(doc.State),
		"current_version": doc.CurrentVersion,
		"diagnostic":      doc.Diagnostic,
		"created_at":      doc.CreatedAt.Unix(),
		"updated_at":      doc.UpdatedAt.Unix(),
	}
}

var _ VectorCleaner = (*milvus.Client)(nil)
