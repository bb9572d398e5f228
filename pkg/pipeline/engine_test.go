package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chittyos/evidence-core/pkg/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(models.ModelsToAutoMigrate()...))
	return db
}

func createDoc(t *testing.T, db *gorm.DB, hash string) *models.Document {
	t.Helper()
	doc := &models.Document{
		ContentHash: hash,
		StorageKey:  "sha256/" + hash,
		Status:      models.DocumentStatusPending,
	}
	require.NoError(t, db.Create(doc).Error)
	return doc
}

// fakeStep is a scriptable step with a fast retry policy.
type fakeStep struct {
	name string
	fn   func(ctx context.Context, run *Run) error

	mu    sync.Mutex
	calls int
}

func (s *fakeStep) Name() string { return s.name }

func (s *fakeStep) Policy() Policy {
	return Policy{Timeout: time.Second, MaxRetries: 3, InitialBackoff: time.Millisecond}
}

func (s *fakeStep) Execute(ctx context.Context, run *Run) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fn == nil {
		return nil
	}
	return s.fn(ctx, run)
}

func (s *fakeStep) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func startEngine(t *testing.T, db *gorm.DB, steps ...Step) *Engine {
	t.Helper()
	engine, err := NewEngine(Config{DB: db, Steps: steps, MaxInflight: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		engine.Wait()
	})
	engine.Start(ctx)
	return engine
}

func waitForStatus(t *testing.T, db *gorm.DB, docID uuid.UUID, status string) *models.Document {
	t.Helper()
	var doc *models.Document
	require.Eventually(t, func() bool {
		d, err := models.GetDocument(db, docID)
		if err != nil {
			return false
		}
		doc = d
		return d.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return doc
}

func TestEngineRunsStepsInOrder(t *testing.T) {
	db := newTestDB(t)
	doc := createDoc(t, db, "order")

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context, *Run) error {
		return func(ctx context.Context, run *Run) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	finalize := &fakeStep{name: "finalize", fn: func(ctx context.Context, run *Run) error {
		return run.Document.MarkCompleted(db)
	}}

	engine := startEngine(t, db,
		&fakeStep{name: "first", fn: record("first")},
		&fakeStep{name: "second", fn: record("second")},
		finalize,
	)

	instanceID, err := engine.Submit(context.Background(), doc.ID)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, instanceID)

	waitForStatus(t, db, doc.ID, models.DocumentStatusCompleted)

	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, order)
	mu.Unlock()

	// Success log entries exist for every step, in step order.
	logs, err := models.GetLogsByDocument(db, doc.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "first", logs[0].Step)
	assert.Equal(t, "finalize", logs[2].Step)
	for _, l := range logs {
		assert.Equal(t, models.LogStatusSuccess, l.Status)
		assert.Equal(t, instanceID, l.WorkflowInstanceID)
	}
}

func TestEngineRetriesTransientFailures(t *testing.T) {
	db := newTestDB(t)
	doc := createDoc(t, db, "retry")

	attempts := 0
	flaky := &fakeStep{name: "flaky", fn: func(ctx context.Context, run *Run) error {
		attempts++
		if attempts < 3 {
			return Transient("flaky", errors.New("transient backend error"))
		}
		return run.Document.MarkCompleted(db)
	}}

	engine := startEngine(t, db, flaky)
	_, err := engine.Submit(context.Background(), doc.ID)
	require.NoError(t, err)

	waitForStatus(t, db, doc.ID, models.DocumentStatusCompleted)
	assert.Equal(t, 3, attempts)
}

func TestEnginePermanentFailureMarksDocument(t *testing.T) {
	db := newTestDB(t)
	doc := createDoc(t, db, "perm")

	broken := &fakeStep{name: "broken", fn: func(ctx context.Context, run *Run) error {
		return Permanent("broken", ErrOCRFailed)
	}}

	engine := startEngine(t, db, broken, &fakeStep{name: "never"})
	_, err := engine.Submit(context.Background(), doc.ID)
	require.NoError(t, err)

	failed := waitForStatus(t, db, doc.ID, models.DocumentStatusFailed)
	assert.Equal(t, "broken", failed.FailedStep)
	assert.Contains(t, failed.FailureReason, "ocr failed")
	assert.Equal(t, 1, broken.callCount())

	logs, err := models.GetLogsByDocument(db, doc.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogStatusFailed, logs[0].Status)
}

func TestEngineRetryBudgetExhaustion(t *testing.T) {
	db := newTestDB(t)
	doc := createDoc(t, db, "budget")

	alwaysFails := &fakeStep{name: "always_fails", fn: func(ctx context.Context, run *Run) error {
		return Transient("always_fails", errors.New("backend down"))
	}}

	engine := startEngine(t, db, alwaysFails)
	_, err := engine.Submit(context.Background(), doc.ID)
	require.NoError(t, err)

	waitForStatus(t, db, doc.ID, models.DocumentStatusFailed)
	// Initial attempt plus MaxRetries.
	assert.Equal(t, 4, alwaysFails.callCount())
}

func TestEngineResumeSkipsCompletedSteps(t *testing.T) {
	db := newTestDB(t)
	doc := createDoc(t, db, "resume")

	// Simulate a prior run that completed the first step and crashed.
	instanceID := uuid.New()
	require.NoError(t, db.Model(doc).Updates(map[string]interface{}{
		"workflow_instance_id": instanceID,
		"status":               models.DocumentStatusProcessing,
	}).Error)
	require.NoError(t, db.Create(&models.ProcessingLog{
		DocumentID:         doc.ID,
		WorkflowInstanceID: instanceID,
		Step:               "first",
		Status:             models.LogStatusSuccess,
	}).Error)

	first := &fakeStep{name: "first"}
	second := &fakeStep{name: "second", fn: func(ctx context.Context, run *Run) error {
		return run.Document.MarkCompleted(db)
	}}

	engine := startEngine(t, db, first, second)
	n, err := engine.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	waitForStatus(t, db, doc.ID, models.DocumentStatusCompleted)
	assert.Equal(t, 0, first.callCount())
	assert.Equal(t, 1, second.callCount())
}

func TestEngineCancelSkipsRemainingSteps(t *testing.T) {
	db := newTestDB(t)
	doc := createDoc(t, db, "cancel")

	never := &fakeStep{name: "never"}
	engine, err := NewEngine(Config{DB: db, Steps: []Step{never}})
	require.NoError(t, err)

	engine.Cancel(doc.ID, "operator request")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	t.Cleanup(engine.Wait)

	_, err = engine.Submit(context.Background(), doc.ID)
	require.NoError(t, err)

	failed := waitForStatus(t, db, doc.ID, models.DocumentStatusFailed)
	assert.Contains(t, failed.FailureReason, "operator request")
	assert.Equal(t, 0, never.callCount())
}

func TestEngineSubmitQueueFull(t *testing.T) {
	db := newTestDB(t)

	// Engine never started, so the queue never drains.
	engine, err := NewEngine(Config{
		DB:            db,
		Steps:         []Step{&fakeStep{name: "noop"}},
		MaxInflight:   1,
		QueueDepth:    1,
		SubmitTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	first := createDoc(t, db, "qf1")
	second := createDoc(t, db, "qf2")

	_, err = engine.Submit(context.Background(), first.ID)
	require.NoError(t, err)

	_, err = engine.Submit(context.Background(), second.ID)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestEngineIdempotentRerun(t *testing.T) {
	db := newTestDB(t)
	doc := createDoc(t, db, "rerun")

	step := &fakeStep{name: "only", fn: func(ctx context.Context, run *Run) error {
		return run.Document.MarkCompleted(db)
	}}
	engine := startEngine(t, db, step)

	instance1, err := engine.Submit(context.Background(), doc.ID)
	require.NoError(t, err)
	waitForStatus(t, db, doc.ID, models.DocumentStatusCompleted)

	// Submitting again reuses the instance and skips the logged step.
	instance2, err := engine.Submit(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, instance1, instance2)

	require.Eventually(t, func() bool { return engine.QueueDepth() == 0 && engine.InflightCount() == 0 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, step.callCount())
}

func TestEngineResubmitRunsStepsAgain(t *testing.T) {
	db := newTestDB(t)
	doc := createDoc(t, db, "resubmit")

	step := &fakeStep{name: "extract", fn: func(ctx context.Context, run *Run) error {
		return run.Document.MarkCompleted(db)
	}}
	engine := startEngine(t, db, step)

	instance1, err := engine.Submit(context.Background(), doc.ID)
	require.NoError(t, err)
	waitForStatus(t, db, doc.ID, models.DocumentStatusCompleted)
	require.Equal(t, 1, step.callCount())

	// Resubmit mints a fresh instance, so the completed step runs again
	// instead of being skipped by its old success log entry.
	instance2, err := engine.Resubmit(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.NotEqual(t, instance1, instance2)

	require.Eventually(t, func() bool { return step.callCount() == 2 },
		5*time.Second, 10*time.Millisecond)
	waitForStatus(t, db, doc.ID, models.DocumentStatusCompleted)

	reloaded, err := models.GetDocument(db, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.WorkflowInstanceID)
	assert.Equal(t, instance2, *reloaded.WorkflowInstanceID)
}
