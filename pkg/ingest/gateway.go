// Package ingest is the ingestion gateway: it accepts raw document
// uploads, deduplicates trivially by content hash, stores the bytes
// write-once, and hands the document to the workflow engine.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/chittyos/evidence-core/pkg/blobstore"
	"github.com/chittyos/evidence-core/pkg/models"
)

// Boundary failures surfaced to callers.
var (
	// ErrIngestion covers storage-write failures.
	ErrIngestion = errors.New("ingestion error")
	// ErrPersistence covers database failures while recording the document.
	ErrPersistence = errors.New("persistence error")
	// ErrEmptyUpload rejects zero-byte uploads.
	ErrEmptyUpload = errors.New("upload is empty")
)

// Upload statuses returned to callers.
const (
	StatusProcessing = "processing"
	StatusDuplicate  = "duplicate"
)

// WorkflowSubmitter enqueues a document for pipeline processing.
type WorkflowSubmitter interface {
	Submit(ctx context.Context, documentID uuid.UUID) (uuid.UUID, error)
}

// Submission is one uploaded document.
type Submission struct {
	Content    []byte
	Filename   string
	MimeType   string
	UploadedBy string
}

// Result is the gateway's answer: either the new document with its
// workflow instance, or the existing document for duplicate bytes.
type Result struct {
	Status             string    `json:"status"`
	DocumentID         uuid.UUID `json:"documentId,omitempty"`
	WorkflowInstanceID uuid.UUID `json:"workflowInstanceId,omitempty"`
	ExistingDocumentID uuid.UUID `json:"existingDocumentId,omitempty"`
}

// Gateway accepts uploads.
type Gateway struct {
	db     *gorm.DB
	blobs  blobstore.Store
	engine WorkflowSubmitter
	logger hclog.Logger
}

// Config configures the gateway.
type Config struct {
	DB     *gorm.DB
	Blobs  blobstore.Store
	Engine WorkflowSubmitter
	Logger hclog.Logger
}

// NewGateway creates an ingestion gateway.
func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.DB == nil || cfg.Blobs == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("db, blob store, and engine are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Gateway{
		db:     cfg.DB,
		blobs:  cfg.Blobs,
		engine: cfg.Engine,
		logger: logger.Named("ingest-gateway"),
	}, nil
}

// Submit ingests one document. Idempotency is on the content hash: the
// same bytes submitted twice return a duplicate result pointing at the
// first document.
func (g *Gateway) Submit(ctx context.Context, sub *Submission) (*Result, error) {
	if len(sub.Content) == 0 {
		return nil, ErrEmptyUpload
	}

	contentHash := blobstore.HashFor(sub.Content)

	existing, err := models.GetDocumentByHash(g.db.WithContext(ctx), contentHash)
	if err == nil {
		g.logger.Info("duplicate upload short-circuited",
			"content_hash", contentHash, "existing_document", existing.ID)
		return &Result{Status: StatusDuplicate, ExistingDocumentID: existing.ID}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: hash lookup: %v", ErrPersistence, err)
	}

	storageKey, err := g.blobs.Put(ctx, sub.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: blob write: %v", ErrIngestion, err)
	}

	doc := &models.Document{
		ContentHash: contentHash,
		StorageKey:  storageKey,
		Filename:    sub.Filename,
		MimeType:    sub.MimeType,
		SizeBytes:   int64(len(sub.Content)),
		Status:      models.DocumentStatusPending,
		UploadedBy:  sub.UploadedBy,
	}
	if err := g.db.WithContext(ctx).Create(doc).Error; err != nil {
		// A concurrent upload of the same bytes may have won the insert.
		if winner, lookupErr := models.GetDocumentByHash(g.db.WithContext(ctx), contentHash); lookupErr == nil {
			return &Result{Status: StatusDuplicate, ExistingDocumentID: winner.ID}, nil
		}
		return nil, fmt.Errorf("%w: document insert: %v", ErrPersistence, err)
	}

	instanceID, err := g.engine.Submit(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: workflow submit: %v", ErrIngestion, err)
	}

	g.logger.Info("document accepted",
		"document_id", doc.ID, "instance_id", instanceID,
		"filename", sub.Filename, "size", len(sub.Content))
	return &Result{
		Status:             StatusProcessing,
		DocumentID:         doc.ID,
		WorkflowInstanceID: instanceID,
	}, nil
}
