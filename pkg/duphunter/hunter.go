// Package duphunter is the duplicate detection engine: a singleton actor
// fed by a message queue, running full, incremental, and post-ingest
// scans over the corpus with five detection methods (hash, phash,
// semantic, metadata, ocr_text).
package duphunter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"

	"github.com/chittyos/evidence-core/pkg/blobstore"
	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/models"
	"github.com/chittyos/evidence-core/pkg/vector"
)

// ErrQueueFull is returned when the scan queue stays full past the
// request deadline.
var ErrQueueFull = errors.New("duplicate hunter queue full")

// defaultAutoMergeThreshold merges pairs at or above this similarity
// without review.
const defaultAutoMergeThreshold = 0.98

// scanBatchSize bounds one page of a full or incremental scan.
const scanBatchSize = 200

// message types for the actor queue.
type (
	scanFull        struct{}
	scanIncremental struct{ since time.Time }
	scanDocument    struct{ id uuid.UUID }
)

// Config configures the hunter.
type Config struct {
	DB     *gorm.DB
	Store  *graph.Store
	Blobs  blobstore.Store
	Index  vector.Index
	Logger hclog.Logger

	// AutoMergeThreshold defaults to 0.98.
	AutoMergeThreshold float64
	// QueueDepth bounds the scan request queue. Default 64.
	QueueDepth int
	// SubmitTimeout bounds how long scan requests block on a full queue.
	// Default 10s.
	SubmitTimeout time.Duration
}

// Hunter is the duplicate detection actor. All scans are serialized
// through its queue; cancellation is checked between documents.
type Hunter struct {
	db            *gorm.DB
	store         *graph.Store
	blobs         blobstore.Store
	index         vector.Index
	text          bleve.Index
	logger        hclog.Logger
	autoMerge     float64
	submitTimeout time.Duration

	queue chan interface{}
	done  chan struct{}
}

// New creates a duplicate hunter with an in-process text index for the
// ocr_text method.
func New(cfg Config) (*Hunter, error) {
	if cfg.DB == nil || cfg.Store == nil || cfg.Index == nil {
		return nil, fmt.Errorf("db, graph store, and vector index are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	threshold := cfg.AutoMergeThreshold
	if threshold <= 0 {
		threshold = defaultAutoMergeThreshold
	}
	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = 64
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 10 * time.Second
	}

	mapping := bleve.NewIndexMapping()
	text, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("failed to create text index: %w", err)
	}

	return &Hunter{
		db:            cfg.DB,
		store:         cfg.Store,
		blobs:         cfg.Blobs,
		index:         cfg.Index,
		text:          text,
		logger:        logger.Named("duplicate-hunter"),
		autoMerge:     threshold,
		submitTimeout: submitTimeout,
		queue:         make(chan interface{}, queueDepth),
		done:          make(chan struct{}),
	}, nil
}

// Run processes scan requests until ctx is canceled. One logical
// instance; operations are serialized. The in-process text index is
// rebuilt from stored OCR text first, so the ocr_text method works
// across restarts without waiting for a full scan.
func (h *Hunter) Run(ctx context.Context) {
	defer close(h.done)
	if err := h.rebuildTextIndex(ctx); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Error("text index rebuild failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.queue:
			var err error
			switch m := msg.(type) {
			case scanDocument:
				err = h.scanOne(ctx, m.id)
			case scanFull:
				err = h.scanCorpus(ctx, "full", nil)
			case scanIncremental:
				err = h.scanCorpus(ctx, "incremental", &m.since)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				h.logger.Error("scan failed", "error", err)
			}
		}
	}
}

// Done is closed when Run exits.
func (h *Hunter) Done() <-chan struct{} {
	return h.done
}

// QueueDepth returns the number of pending scan requests.
func (h *Hunter) QueueDepth() int {
	return len(h.queue)
}

// ScanDocument requests a post-ingest scan of one document.
func (h *Hunter) ScanDocument(ctx context.Context, documentID uuid.UUID) error {
	return h.enqueue(ctx, scanDocument{id: documentID})
}

// ScanFull requests a scan of the whole corpus.
func (h *Hunter) ScanFull(ctx context.Context) error {
	return h.enqueue(ctx, scanFull{})
}

// ScanIncremental requests a scan of documents ingested since the given
// time, resuming from the persisted cursor.
func (h *Hunter) ScanIncremental(ctx context.Context, since time.Time) error {
	return h.enqueue(ctx, scanIncremental{since: since})
}

func (h *Hunter) enqueue(ctx context.Context, msg interface{}) error {
	timer := time.NewTimer(h.submitTimeout)
	defer timer.Stop()
	select {
	case h.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrQueueFull
	}
}

// rebuildTextIndex reloads every document's stored OCR text into the
// in-process index.
func (h *Hunter) rebuildTextIndex(ctx context.Context) error {
	indexed := 0
	var docs []models.Document
	err := h.db.WithContext(ctx).
		Where("ocr_text <> '' AND status <> ?", models.DocumentStatusSuperseded).
		FindInBatches(&docs, scanBatchSize, func(tx *gorm.DB, batch int) error {
			for i := range docs {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := h.indexText(&docs[i]); err != nil {
					h.logger.Warn("failed to index document text",
						"document_id", docs[i].ID, "error", err)
					continue
				}
				indexed++
			}
			return nil
		}).Error
	if err != nil {
		return fmt.Errorf("failed to page documents: %w", err)
	}
	if indexed > 0 {
		h.logger.Info("rebuilt text index", "documents", indexed)
	}
	return nil
}

// scanCorpus walks documents in creation order, scanning each against
// the rest. The cursor is persisted per scan kind so a restarted process
// resumes where it stopped.
func (h *Hunter) scanCorpus(ctx context.Context, kind string, since *time.Time) error {
	cursor, err := h.loadCursor(kind)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		q := h.db.WithContext(ctx).
			Where("status IN ?", []string{models.DocumentStatusCompleted, models.DocumentStatusProcessing}).
			Order("created_at ASC, id ASC").
			Limit(scanBatchSize)
		if since != nil {
			q = q.Where("created_at > ?", *since)
		}
		if cursor.LastDocumentCreatedAt != nil {
			q = q.Where("(created_at > ?) OR (created_at = ? AND id > ?)",
				*cursor.LastDocumentCreatedAt, *cursor.LastDocumentCreatedAt, *cursor.LastDocumentID)
		}

		var docs []models.Document
		if err := q.Find(&docs).Error; err != nil {
			return fmt.Errorf("failed to page documents: %w", err)
		}
		if len(docs) == 0 {
			break
		}

		for i := range docs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := h.scanOne(ctx, docs[i].ID); err != nil {
				h.logger.Error("document scan failed", "document_id", docs[i].ID, "error", err)
			}
			docID := docs[i].ID
			createdAt := docs[i].CreatedAt
			cursor.LastDocumentID = &docID
			cursor.LastDocumentCreatedAt = &createdAt
			if err := h.saveCursor(cursor); err != nil {
				return err
			}
		}
	}

	// Scan finished; clear the cursor so the next run starts fresh.
	cursor.LastDocumentID = nil
	cursor.LastDocumentCreatedAt = nil
	if err := h.saveCursor(cursor); err != nil {
		return err
	}
	h.logger.Info("corpus scan finished", "kind", kind)
	return nil
}

// scanOne runs every detection method for one document and records the
// resulting candidate pairs.
func (h *Hunter) scanOne(ctx context.Context, documentID uuid.UUID) error {
	doc, err := models.GetDocument(h.db.WithContext(ctx), documentID)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}
	if doc.Status == models.DocumentStatusSuperseded {
		return nil
	}

	if err := h.indexText(doc); err != nil {
		h.logger.Warn("failed to index document text", "document_id", doc.ID, "error", err)
	}

	var merr *multierror.Error
	for _, fn := range []func(context.Context, *models.Document) ([]finding, error){
		h.detectHash,
		h.detectPerceptual,
		h.detectSemantic,
		h.detectMetadata,
		h.detectOCRText,
	} {
		findings, err := fn(ctx, doc)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		for _, f := range findings {
			if err := h.recordFinding(ctx, doc, f); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}
	return merr.ErrorOrNil()
}

// finding is one suspected duplicate produced by a detection method.
type finding struct {
	otherID    uuid.UUID
	method     string
	similarity float64
	confidence string
}

// recordFinding writes the candidate row (insert-or-ignore on the
// ordered pair) and either auto-merges or enqueues review.
func (h *Hunter) recordFinding(ctx context.Context, doc *models.Document, f finding) error {
	cand := &models.DuplicateCandidate{
		DocumentID:          doc.ID,
		CandidateDocumentID: f.otherID,
		Method:              f.method,
		SimilarityScore:     f.similarity,
		Confidence:          f.confidence,
	}

	created, err := insertCandidate(h.db.WithContext(ctx), cand)
	if err != nil {
		return fmt.Errorf("failed to record %s candidate: %w", f.method, err)
	}
	if !created {
		return nil
	}

	h.logger.Info("duplicate candidate",
		"method", f.method, "similarity", f.similarity,
		"document_a", cand.DocumentID, "document_b", cand.CandidateDocumentID)

	if f.method == models.DuplicateMethodHash || f.similarity >= h.autoMerge {
		return h.autoMergePair(ctx, cand)
	}

	review := &models.ReviewQueueItem{
		ItemType:    models.ReviewTypeDuplicate,
		SourceTable: models.DuplicateCandidate{}.TableName(),
		SourceID:    fmt.Sprintf("%d", cand.ID),
		Priority:    reviewPriority(f.similarity),
	}
	return h.db.WithContext(ctx).Create(review).Error
}

// reviewPriority maps similarity onto queue priority: the closer the
// pair, the sooner a human should look.
func reviewPriority(similarity float64) int {
	p := int(similarity * 100)
	if p < 1 {
		p = 1
	}
	if p > 99 {
		p = 99
	}
	return p
}

// autoMergePair merges the newer document into the older one and marks
// every candidate row for the pair merged.
func (h *Hunter) autoMergePair(ctx context.Context, cand *models.DuplicateCandidate) error {
	db := h.db.WithContext(ctx)

	a, err := models.GetDocument(db, cand.DocumentID)
	if err != nil {
		return err
	}
	b, err := models.GetDocument(db, cand.CandidateDocumentID)
	if err != nil {
		return err
	}
	if a.Status == models.DocumentStatusSuperseded || b.Status == models.DocumentStatusSuperseded {
		return nil
	}

	// The older document wins; the newer is superseded, its bytes kept
	// for audit.
	winner, loser := a, b
	if b.CreatedAt.Before(a.CreatedAt) {
		winner, loser = b, a
	}

	if err := h.store.MergeDocuments(ctx, winner.ID, loser.ID); err != nil {
		if errors.Is(err, graph.ErrMergeConflict) {
			return nil
		}
		return fmt.Errorf("auto-merge failed: %w", err)
	}

	err = db.Model(&models.DuplicateCandidate{}).
		Where("document_id = ? AND candidate_document_id = ?", cand.DocumentID, cand.CandidateDocumentID).
		Updates(map[string]interface{}{
			"status":        models.DuplicateStatusMerged,
			"auto_resolved": true,
		}).Error
	if err != nil {
		return err
	}

	h.logger.Info("auto-merged duplicate pair",
		"winner", winner.ID, "loser", loser.ID, "method", cand.Method)
	return nil
}

func (h *Hunter) loadCursor(kind string) (*models.ScanState, error) {
	var state models.ScanState
	err := h.db.Where("name = ?", kind).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.ScanState{Name: kind}, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (h *Hunter) saveCursor(state *models.ScanState) error {
	return h.db.Save(state).Error
}
