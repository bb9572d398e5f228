package guardian

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chittyos/evidence-core/pkg/fieldpath"
	"github.com/chittyos/evidence-core/pkg/models"
)

//go:embed patterns.yaml
var patternsYAML []byte

// errorPattern is one entry of the built-in error pattern library.
type errorPattern struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	DocumentTypes []string `yaml:"document_types"`
	Field         string   `yaml:"field"`
	Check         string   `yaml:"check"`
	Pattern       string   `yaml:"pattern"`
	Suggest       struct {
		CorrectionType string `yaml:"correction_type"`
		Pattern        string `yaml:"pattern"`
		Replacement    string `yaml:"replacement"`
	} `yaml:"suggest"`

	re *regexp.Regexp
}

// Pattern check kinds.
const (
	checkRegexMatch        = "regex_match"
	checkRegexNotMatch     = "regex_not_match"
	checkMissing           = "missing"
	checkAuthorityMismatch = "authority_mismatch"
)

func loadPatterns() ([]errorPattern, error) {
	var patterns []errorPattern
	if err := yaml.Unmarshal(patternsYAML, &patterns); err != nil {
		return nil, err
	}
	for i := range patterns {
		p := &patterns[i]
		if p.Pattern != "" {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return nil, fmt.Errorf("pattern %s: %w", p.Name, err)
			}
			p.re = re
		}
	}
	return patterns, nil
}

// Finding is one known-error sighting. SuggestedRule is a ready-to-create
// draft; the scan itself mutates nothing.
type Finding struct {
	Pattern     string                 `json:"pattern"`
	Description string                 `json:"description"`
	DocumentID  uuid.UUID              `json:"documentId"`
	FieldPath   string                 `json:"fieldPath,omitempty"`
	Value       string                 `json:"value,omitempty"`
	Suggested   *models.CorrectionRule `json:"suggestedRule,omitempty"`
}

// ScanForKnownErrors evaluates the built-in pattern library over the
// corpus and returns findings with suggested rules. Read-only.
func (g *Guardian) ScanForKnownErrors(ctx context.Context) ([]Finding, error) {
	var findings []Finding

	const page = 500
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var docs []models.Document
		err := g.db.WithContext(ctx).
			Where("status <> ? AND metadata IS NOT NULL", models.DocumentStatusSuperseded).
			Order("created_at ASC, id ASC").
			Offset(offset).Limit(page).
			Find(&docs).Error
		if err != nil {
			return nil, err
		}
		if len(docs) == 0 {
			break
		}
		offset += len(docs)

		for i := range docs {
			findings = append(findings, g.matchPatterns(&docs[i])...)
		}
		if offset >= findAffectedCap {
			break
		}
	}

	g.logger.Info("known-error scan finished", "findings", len(findings))
	return findings, nil
}

func (g *Guardian) matchPatterns(doc *models.Document) []Finding {
	var out []Finding
	for i := range g.patterns {
		p := &g.patterns[i]
		if len(p.DocumentTypes) > 0 && !containsString(p.DocumentTypes, doc.DocumentType) {
			continue
		}

		f, ok := p.evaluate(doc)
		if !ok {
			continue
		}
		f.Suggested = p.suggestedRule(doc)
		out = append(out, f)
	}
	return out
}

func (p *errorPattern) evaluate(doc *models.Document) (Finding, bool) {
	f := Finding{
		Pattern:     p.Name,
		Description: p.Description,
		DocumentID:  doc.ID,
		FieldPath:   p.Field,
	}
	if doc.Metadata == nil {
		return f, false
	}

	switch p.Check {
	case checkRegexMatch:
		v := fieldpath.GetString(doc.Metadata, p.Field)
		if v != "" && p.re.MatchString(v) {
			f.Value = v
			return f, true
		}
	case checkRegexNotMatch:
		v := fieldpath.GetString(doc.Metadata, p.Field)
		if v != "" && !p.re.MatchString(v) {
			f.Value = v
			return f, true
		}
	case checkMissing:
		if !fieldpath.Exists(doc.Metadata, p.Field) || fieldpath.GetString(doc.Metadata, p.Field) == "" {
			return f, true
		}
	case checkAuthorityMismatch:
		variant, ok := poaVariant(doc.DocumentType)
		if !ok {
			return f, false
		}
		v := fieldpath.GetString(doc.Metadata, "authorityType")
		if v != "" && !strings.EqualFold(v, variant) {
			f.FieldPath = "authorityType"
			f.Value = v
			return f, true
		}
	}
	return f, false
}

// suggestedRule drafts a rule that would correct this pattern for the
// document's type. Not persisted.
func (p *errorPattern) suggestedRule(doc *models.Document) *models.CorrectionRule {
	if p.Suggest.CorrectionType == "" {
		return nil
	}
	field := p.Field
	if p.Check == checkAuthorityMismatch {
		field = "authorityType"
	}
	rule := &models.CorrectionRule{
		Name:           fmt.Sprintf("%s (%s)", p.Name, doc.DocumentType),
		RuleType:       p.Name,
		CorrectionType: p.Suggest.CorrectionType,
		MatchCriteria: map[string]interface{}{
			criteriaField:        field,
			criteriaDocumentType: doc.DocumentType,
		},
		RequiresApproval: true,
	}
	if p.Suggest.CorrectionType == models.CorrectionTypeRegex {
		rule.CorrectionValue = EncodeRegexCorrection(p.Suggest.Pattern, p.Suggest.Replacement)
	}
	return rule
}

// poaVariant extracts the authority variant from a power-of-attorney
// document type.
func poaVariant(docType string) (string, bool) {
	const prefix = "poa_"
	if !strings.HasPrefix(docType, prefix) {
		return "", false
	}
	return strings.TrimPrefix(docType, prefix), true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
