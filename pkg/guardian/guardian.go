// Package guardian is the accuracy guardian: a singleton actor owning
// correction rules, the correction queue, bulk application with
// entity/authority propagation, known-error scans, and knowledge gap
// resolution.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/chittyos/evidence-core/pkg/graph"
)

// Typed failures surfaced to API callers.
var (
	ErrQueueFull     = errors.New("guardian queue full")
	ErrRuleNotActive = errors.New("rule is not active")
	ErrGapClosed     = errors.New("gap is not open")
)

// Correction confidences by type.
const (
	confidenceReplace      = 0.95
	confidenceRegex        = 0.9
	confidenceAIReextract  = 0.6
	confidenceManualReview = 0.5
)

// Review priorities for corrections requiring approval: literal
// replacements are routine, everything else needs closer attention.
const (
	reviewPriorityLiteral = 50
	reviewPriorityOther   = 70
)

// findAffectedCap bounds how many documents one rule can target.
const findAffectedCap = 10000

// defaultBulkBatch is how many approved items one bulkApply drains.
const defaultBulkBatch = 100

// message types for the actor queue.
type (
	applyRuleMsg struct{ ruleID uuid.UUID }
	bulkApplyMsg struct{}
)

// Config configures the guardian.
type Config struct {
	DB     *gorm.DB
	Store  *graph.Store
	Logger hclog.Logger

	// BulkBatch is the number of approved items drained per bulkApply.
	// Default 100.
	BulkBatch int
	// QueueDepth bounds the actor queue. Default 64.
	QueueDepth int
	// ReextractDepth bounds the re-extraction handoff queue. Default 64.
	ReextractDepth int
	// SubmitTimeout bounds how long requests block on a full queue.
	// Default 10s.
	SubmitTimeout time.Duration
}

// Guardian is the accuracy guardian actor. Rule application and bulk
// applies are serialized through its queue; queue-item bookkeeping
// methods are plain DB operations safe from any goroutine.
type Guardian struct {
	db            *gorm.DB
	store         *graph.Store
	logger        hclog.Logger
	bulkBatch     int
	submitTimeout time.Duration

	queue     chan interface{}
	reextract chan uuid.UUID
	done      chan struct{}

	patterns []errorPattern
}

// New creates a guardian.
func New(cfg Config) (*Guardian, error) {
	if cfg.DB == nil || cfg.Store == nil {
		return nil, fmt.Errorf("db and graph store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	bulkBatch := cfg.BulkBatch
	if bulkBatch <= 0 {
		bulkBatch = defaultBulkBatch
	}
	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = 64
	}
	reextractDepth := cfg.ReextractDepth
	if reextractDepth <= 0 {
		reextractDepth = 64
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 10 * time.Second
	}

	patterns, err := loadPatterns()
	if err != nil {
		return nil, fmt.Errorf("failed to load error patterns: %w", err)
	}

	return &Guardian{
		db:            cfg.DB,
		store:         cfg.Store,
		logger:        logger.Named("guardian"),
		bulkBatch:     bulkBatch,
		submitTimeout: submitTimeout,
		queue:         make(chan interface{}, queueDepth),
		reextract:     make(chan uuid.UUID, reextractDepth),
		done:          make(chan struct{}),
		patterns:      patterns,
	}, nil
}

// Run processes queued operations until ctx is canceled. One logical
// instance; operations are serialized per ruleset.
func (g *Guardian) Run(ctx context.Context) {
	defer close(g.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-g.queue:
			var err error
			switch m := msg.(type) {
			case applyRuleMsg:
				_, err = g.Apply(ctx, m.ruleID)
			case bulkApplyMsg:
				_, err = g.BulkApply(ctx)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Error("guardian operation failed", "error", err)
			}
		}
	}
}

// Done is closed when Run exits.
func (g *Guardian) Done() <-chan struct{} {
	return g.done
}

// QueueDepth returns the number of pending guardian operations.
func (g *Guardian) QueueDepth() int {
	return len(g.queue)
}

// Reextractions is the handoff queue of documents whose corrections
// requested AI re-extraction. The pipeline owner drains it.
func (g *Guardian) Reextractions() <-chan uuid.UUID {
	return g.reextract
}

// RequestApply queues rule application on the actor.
func (g *Guardian) RequestApply(ctx context.Context, ruleID uuid.UUID) error {
	return g.enqueue(ctx, applyRuleMsg{ruleID: ruleID})
}

// RequestBulkApply queues a bulk apply pass on the actor.
func (g *Guardian) RequestBulkApply(ctx context.Context) error {
	return g.enqueue(ctx, bulkApplyMsg{})
}

func (g *Guardian) enqueue(ctx context.Context, msg interface{}) error {
	timer := time.NewTimer(g.submitTimeout)
	defer timer.Stop()
	select {
	case g.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrQueueFull
	}
}
