package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/chittyos/evidence-core/pkg/models"
)

// ErrQueueFull is returned when the submit queue stays full past the
// submit deadline.
var ErrQueueFull = errors.New("workflow queue full")

// Config configures the workflow engine.
type Config struct {
	DB     *gorm.DB
	Steps  []Step
	Logger hclog.Logger

	// MaxInflight caps documents processed in parallel. Default 16.
	MaxInflight int
	// QueueDepth bounds the submit queue. Default 4 * MaxInflight.
	QueueDepth int
	// SubmitTimeout bounds how long Submit blocks on a full queue.
	// Default 30s.
	SubmitTimeout time.Duration
}

// Engine runs the document pipeline: strictly sequential steps per
// document, parallel across documents up to MaxInflight, durable via
// success-only ProcessingLog entries.
type Engine struct {
	db            *gorm.DB
	steps         []Step
	logger        hclog.Logger
	maxInflight   int
	submitTimeout time.Duration

	queue    chan uuid.UUID
	inflight chan struct{}

	mu       sync.Mutex
	canceled map[uuid.UUID]string

	wg      sync.WaitGroup
	started bool
}

// NewEngine creates a workflow engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("db is required")
	}
	if len(cfg.Steps) == 0 {
		return nil, fmt.Errorf("at least one step is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	maxInflight := cfg.MaxInflight
	if maxInflight <= 0 {
		maxInflight = 16
	}
	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = 4 * maxInflight
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}
	return &Engine{
		db:            cfg.DB,
		steps:         cfg.Steps,
		logger:        logger.Named("workflow-engine"),
		maxInflight:   maxInflight,
		submitTimeout: submitTimeout,
		queue:         make(chan uuid.UUID, queueDepth),
		inflight:      make(chan struct{}, maxInflight),
		canceled:      make(map[uuid.UUID]string),
	}, nil
}

// Start launches the dispatch loop. It returns immediately; workers run
// until ctx is canceled.
func (e *Engine) Start(ctx context.Context) {
	if e.started {
		return
	}
	e.started = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case docID := <-e.queue:
				select {
				case <-ctx.Done():
					return
				case e.inflight <- struct{}{}:
				}
				e.wg.Add(1)
				go func(id uuid.UUID) {
					defer e.wg.Done()
					defer func() { <-e.inflight }()
					if err := e.process(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
						e.logger.Error("document processing failed", "document_id", id, "error", err)
					}
				}(docID)
			}
		}
	}()
}

// Wait blocks until all workers have drained after ctx cancellation.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Submit enqueues a document for processing and returns its workflow
// instance id. Blocks with a deadline when the queue is full.
func (e *Engine) Submit(ctx context.Context, documentID uuid.UUID) (uuid.UUID, error) {
	doc, err := models.GetDocument(e.db, documentID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to load document: %w", err)
	}

	instanceID := uuid.New()
	if doc.WorkflowInstanceID != nil {
		instanceID = *doc.WorkflowInstanceID
	} else {
		if err := e.db.Model(doc).Update("workflow_instance_id", instanceID).Error; err != nil {
			return uuid.Nil, fmt.Errorf("failed to assign workflow instance: %w", err)
		}
	}

	if err := e.enqueue(ctx, documentID); err != nil {
		return uuid.Nil, err
	}
	return instanceID, nil
}

// Resubmit queues a document for a fresh pipeline run under a new
// workflow instance. The old instance's success log entries no longer
// match, so every step runs again. Used when an approved correction
// requires re-extraction of an already-completed document.
func (e *Engine) Resubmit(ctx context.Context, documentID uuid.UUID) (uuid.UUID, error) {
	doc, err := models.GetDocument(e.db, documentID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to load document: %w", err)
	}

	instanceID := uuid.New()
	err = e.db.Model(doc).Updates(map[string]interface{}{
		"workflow_instance_id": instanceID,
		"status":               models.DocumentStatusPending,
		"failed_step":          "",
		"failure_reason":       "",
	}).Error
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to reset workflow instance: %w", err)
	}

	if err := e.enqueue(ctx, documentID); err != nil {
		return uuid.Nil, err
	}
	return instanceID, nil
}

func (e *Engine) enqueue(ctx context.Context, documentID uuid.UUID) error {
	timer := time.NewTimer(e.submitTimeout)
	defer timer.Stop()
	select {
	case e.queue <- documentID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrQueueFull
	}
}

// Cancel requests cooperative cancellation of a document's workflow. The
// step in flight finishes or times out; later steps are skipped and the
// document is marked failed with the cause.
func (e *Engine) Cancel(documentID uuid.UUID, cause string) {
	if cause == "" {
		cause = "canceled"
	}
	e.mu.Lock()
	e.canceled[documentID] = cause
	e.mu.Unlock()
}

// Resume re-enqueues documents that were in flight when the process died.
// Called once at startup, before accepting new submissions.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	var docs []models.Document
	err := e.db.Where("status IN ? AND workflow_instance_id IS NOT NULL",
		[]string{models.DocumentStatusPending, models.DocumentStatusProcessing}).
		Order("created_at ASC").
		Find(&docs).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list in-flight documents: %w", err)
	}

	resumed := 0
	for _, doc := range docs {
		select {
		case e.queue <- doc.ID:
			resumed++
		case <-ctx.Done():
			return resumed, ctx.Err()
		}
	}
	if resumed > 0 {
		e.logger.Info("resumed in-flight documents", "count", resumed)
	}
	return resumed, nil
}

// QueueDepth returns the number of documents waiting for a worker.
func (e *Engine) QueueDepth() int {
	return len(e.queue)
}

// InflightCount returns the number of documents currently processing.
func (e *Engine) InflightCount() int {
	return len(e.inflight)
}

// process runs the pipeline for one document, skipping steps that already
// have a success log entry for the instance.
func (e *Engine) process(ctx context.Context, documentID uuid.UUID) error {
	doc, err := models.GetDocument(e.db, documentID)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}
	if doc.WorkflowInstanceID == nil {
		return fmt.Errorf("document %s has no workflow instance", documentID)
	}
	instanceID := *doc.WorkflowInstanceID

	logger := e.logger.With("document_id", documentID, "instance_id", instanceID)

	if doc.Status == models.DocumentStatusPending {
		if err := doc.MarkProcessing(e.db); err != nil {
			return fmt.Errorf("failed to mark processing: %w", err)
		}
	}

	completed, err := models.CompletedSteps(e.db, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load step log: %w", err)
	}

	run := &Run{Document: doc, InstanceID: instanceID, Logger: logger}

	for _, step := range e.steps {
		if completed[step.Name()] {
			logger.Debug("skipping completed step", "step", step.Name())
			continue
		}

		if cause, ok := e.cancellation(documentID); ok {
			return e.fail(run, step.Name(), fmt.Errorf("%w: %s", ErrCanceled, cause))
		}
		if err := ctx.Err(); err != nil {
			// Process shutdown. Leave the document in processing so
			// Resume picks it up.
			return err
		}

		started := time.Now()
		err := e.runStep(ctx, step, run)
		duration := time.Since(started).Milliseconds()

		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return err
			}
			logEntry := models.ProcessingLog{
				DocumentID:         documentID,
				WorkflowInstanceID: instanceID,
				Step:               step.Name(),
				Status:             models.LogStatusFailed,
				Error:              err.Error(),
				DurationMs:         duration,
			}
			if logErr := e.db.Create(&logEntry).Error; logErr != nil {
				logger.Error("failed to write step log", "error", logErr)
			}
			return e.fail(run, step.Name(), err)
		}

		logEntry := models.ProcessingLog{
			DocumentID:         documentID,
			WorkflowInstanceID: instanceID,
			Step:               step.Name(),
			Status:             models.LogStatusSuccess,
			DurationMs:         duration,
		}
		if err := e.db.Create(&logEntry).Error; err != nil {
			return fmt.Errorf("failed to write step log for %s: %w", step.Name(), err)
		}
		logger.Debug("step completed", "step", step.Name(), "duration_ms", duration)
	}
	return nil
}

// runStep executes one step under its retry policy with a per-attempt
// deadline. Timeouts are retryable until the budget is spent.
func (e *Engine) runStep(ctx context.Context, step Step, run *Run) error {
	pol := step.Policy()

	operation := func() error {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if pol.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, pol.Timeout)
			defer cancel()
		}

		err := step.Execute(attemptCtx, run)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if attemptCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %s after %s: %v", ErrStepTimeout, step.Name(), pol.Timeout, err)
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		run.Logger.Warn("step attempt failed, retrying", "step", step.Name(), "error", err)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	if pol.InitialBackoff > 0 {
		bo.InitialInterval = pol.InitialBackoff
	}
	bo.MaxElapsedTime = 0
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, pol.MaxRetries), ctx))
}

// fail marks the document terminally failed at a step.
func (e *Engine) fail(run *Run, step string, cause error) error {
	run.Logger.Error("workflow failed", "step", step, "error", cause)
	if err := run.Document.MarkFailed(e.db, step, cause.Error()); err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}
	return cause
}

func (e *Engine) cancellation(documentID uuid.UUID) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cause, ok := e.canceled[documentID]
	if ok {
		delete(e.canceled, documentID)
	}
	return cause, ok
}
