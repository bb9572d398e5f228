package steps

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/chittyos/evidence-core/pkg/extract"
	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/models"
	"github.com/chittyos/evidence-core/pkg/pipeline"
)

// documentMatchThreshold is the minimum confidence for a cross-document
// gap candidate.
const documentMatchThreshold = 0.85

// GapResolver resolves a knowledge gap with an accepted value. The
// accuracy guardian implements it; a nil resolver disables auto-accept.
type GapResolver interface {
	ResolveGap(ctx context.Context, gapID uuid.UUID, value, sourceType string, sourceDoc *uuid.UUID) error
}

// RegisterGaps turns extracted unknowns into knowledge gaps and
// occurrences, then scans open gaps for matches against this document.
type RegisterGaps struct {
	Store *graph.Store
	// Resolver auto-accepts candidates at or above AutoResolveThreshold.
	Resolver             GapResolver
	AutoResolveThreshold float64
}

// Name returns the step name.
func (s *RegisterGaps) Name() string { return "register_gaps" }

// Policy returns the step's retry policy.
func (s *RegisterGaps) Policy() pipeline.Policy {
	return pipeline.Policy{
		Timeout:        time.Minute,
		MaxRetries:     2,
		InitialBackoff: time.Second,
	}
}

// Execute registers gaps for this document's unknowns and proposes
// document_match candidates for open gaps this document may answer.
func (s *RegisterGaps) Execute(ctx context.Context, run *pipeline.Run) error {
	data, err := run.Extraction()
	if err != nil {
		return pipeline.Permanent(s.Name(), err)
	}

	for _, u := range data.Unknowns {
		gap := &models.KnowledgeGap{
			Type:            u.Type,
			PartialValue:    u.PartialValue,
			ContextClues:    u.ContextClues,
			ResolutionHints: u.ResolutionHints,
		}
		stored, err := s.Store.UpsertKnowledgeGap(ctx, gap)
		if err != nil {
			return pipeline.Transient(s.Name(), fmt.Errorf("failed to upsert gap: %w", err))
		}

		occ := &models.GapOccurrence{
			GapID:                stored.ID,
			DocumentID:           run.Document.ID,
			FieldPath:            u.FieldPath,
			ExtractionConfidence: u.Confidence,
			PlaceholderValue:     extract.Placeholder(u.Type, u.PartialValue),
		}
		if _, err := s.Store.AppendGapOccurrence(ctx, occ); err != nil {
			return pipeline.Transient(s.Name(), fmt.Errorf("failed to record occurrence: %w", err))
		}
	}

	return s.matchOpenGaps(ctx, run)
}

// matchOpenGaps proposes this document as a resolution source for open
// gaps whose partial value and clues match its text.
func (s *RegisterGaps) matchOpenGaps(ctx context.Context, run *pipeline.Run) error {
	gaps, err := models.GetOpenGaps(s.Store.DB().WithContext(ctx))
	if err != nil {
		return pipeline.Transient(s.Name(), fmt.Errorf("failed to list open gaps: %w", err))
	}

	var merr *multierror.Error
	for i := range gaps {
		gap := &gaps[i]

		// A document cannot resolve its own gaps.
		if hasOccurrence(ctx, s.Store, gap.ID, run.Document.ID) {
			continue
		}

		proposed, confidence, ok := MatchGapAgainstText(gap, run.Document.OCRText)
		if !ok || confidence <= documentMatchThreshold {
			continue
		}

		docID := run.Document.ID
		cand := &models.GapCandidate{
			GapID:            gap.ID,
			ProposedValue:    proposed,
			SourceType:       models.CandidateSourceDocumentMatch,
			SourceDocumentID: &docID,
			Confidence:       confidence,
		}
		if err := s.Store.AddGapCandidate(ctx, cand); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("gap %s: %w", gap.ID, err))
			continue
		}
		run.Logger.Info("proposed gap candidate from document match",
			"gap_id", gap.ID, "proposed", proposed, "confidence", confidence)

		if s.Resolver != nil && s.AutoResolveThreshold > 0 && confidence >= s.AutoResolveThreshold {
			if err := s.Resolver.ResolveGap(ctx, gap.ID, proposed, models.CandidateSourceDocumentMatch, &docID); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("auto-resolve gap %s: %w", gap.ID, err))
			}
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return pipeline.Transient(s.Name(), err)
	}
	return nil
}

func hasOccurrence(ctx context.Context, store *graph.Store, gapID, documentID uuid.UUID) bool {
	var count int64
	store.DB().WithContext(ctx).Model(&models.GapOccurrence{}).
		Where("gap_id = ? AND document_id = ?", gapID, documentID).
		Count(&count)
	return count > 0
}

// MatchGapAgainstText checks whether text plausibly contains the gap's
// missing value. The partial value is treated as a masked pattern
// (underscore runs match arbitrary word characters); confidence blends
// the pattern match with the fraction of clues and hints found in the
// text.
func MatchGapAgainstText(gap *models.KnowledgeGap, text string) (proposed string, confidence float64, ok bool) {
	if text == "" || gap.PartialValue == "" {
		return "", 0, false
	}

	re, err := partialPattern(gap.PartialValue)
	if err != nil {
		return "", 0, false
	}
	match := re.FindString(text)
	if match == "" {
		return "", 0, false
	}

	clues := append(append([]string{}, gap.ContextClues...), gap.ResolutionHints...)
	if len(clues) == 0 {
		return strings.TrimSpace(match), 0.5, true
	}

	lower := strings.ToLower(text)
	found := 0
	for _, clue := range clues {
		if clue != "" && strings.Contains(lower, strings.ToLower(clue)) {
			found++
		}
	}
	confidence = 0.5 + 0.5*float64(found)/float64(len(clues))
	return strings.TrimSpace(match), confidence, true
}

// partialPattern compiles a masked partial value such as "S___ LLC" into
// a regular expression where each underscore run matches one or more
// name characters.
func partialPattern(partial string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`(?i)`)
	inMask := false
	for _, r := range partial {
		if r == '_' {
			if !inMask {
				b.WriteString(`[\w .,&'-]+?`)
				inMask = true
			}
			continue
		}
		inMask = false
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	return regexp.Compile(b.String())
}
