// Package extract turns raw LLM output into the structured, validated
// shape the pipeline persists. Uncertainty is a schema element here, not
// an error: values the model declined to guess arrive as
// {{UNKNOWN:<type>:<partial-hint>}} placeholders paired with entries in
// the unknowns array, and validation enforces that pairing.
package extract

import (
	"fmt"
	"regexp"

	"github.com/mitchellh/mapstructure"
)

// Data is the extraction result: a shared header plus per-type fields.
type Data struct {
	DocumentType   string `json:"documentType" mapstructure:"documentType"`
	Title          string `json:"title" mapstructure:"title"`
	EffectiveDate  string `json:"effectiveDate,omitempty" mapstructure:"effectiveDate"`
	ExpirationDate string `json:"expirationDate,omitempty" mapstructure:"expirationDate"`

	Parties         []Party                `json:"parties" mapstructure:"parties"`
	AuthorityGrants []GrantSpec            `json:"authorityGrants" mapstructure:"authorityGrants"`
	KeyTerms        []string               `json:"keyTerms,omitempty" mapstructure:"keyTerms"`
	Fields          map[string]interface{} `json:"fields,omitempty" mapstructure:"fields"`

	Unknowns []Unknown `json:"unknowns" mapstructure:"unknowns"`
}

// Party is one legal party named by the document.
type Party struct {
	Name       string  `json:"name" mapstructure:"name"`
	Role       string  `json:"role" mapstructure:"role"`
	Kind       string  `json:"kind,omitempty" mapstructure:"kind"`
	Confidence float64 `json:"confidence" mapstructure:"confidence"`
}

// GrantSpec is an authority grant as extracted, before entity resolution.
type GrantSpec struct {
	GrantorName    string                 `json:"grantorName" mapstructure:"grantorName"`
	GranteeName    string                 `json:"granteeName" mapstructure:"granteeName"`
	Type           string                 `json:"type" mapstructure:"type"`
	Scope          map[string]interface{} `json:"scope,omitempty" mapstructure:"scope"`
	EffectiveDate  string                 `json:"effectiveDate,omitempty" mapstructure:"effectiveDate"`
	ExpirationDate string                 `json:"expirationDate,omitempty" mapstructure:"expirationDate"`
}

// Unknown describes one placeholder the extractor emitted.
type Unknown struct {
	Type            string   `json:"type" mapstructure:"type"`
	PartialValue    string   `json:"partialValue,omitempty" mapstructure:"partialValue"`
	ContextClues    []string `json:"contextClues,omitempty" mapstructure:"contextClues"`
	ResolutionHints []string `json:"resolutionHints,omitempty" mapstructure:"resolutionHints"`
	FieldPath       string   `json:"fieldPath" mapstructure:"fieldPath"`
	Confidence      float64  `json:"confidence" mapstructure:"confidence"`
}

// placeholderRe matches {{UNKNOWN:<type>:<partial-hint>}} markers.
var placeholderRe = regexp.MustCompile(`\{\{UNKNOWN:([a-z_]+):([^}]*)\}\}`)

// IsPlaceholder reports whether s is exactly an unknown placeholder, and
// returns its gap type and partial hint.
func IsPlaceholder(s string) (gapType, partial string, ok bool) {
	m := placeholderRe.FindStringSubmatch(s)
	if m == nil || m[0] != s {
		return "", "", false
	}
	return m[1], m[2], true
}

// ContainsPlaceholder reports whether s contains an unknown placeholder
// anywhere.
func ContainsPlaceholder(s string) bool {
	return placeholderRe.MatchString(s)
}

// Placeholder renders the marker form for a gap type and hint.
func Placeholder(gapType, partial string) string {
	return fmt.Sprintf("{{UNKNOWN:%s:%s}}", gapType, partial)
}

// FromMetadata decodes a persisted metadata blob back into Data. Steps
// that run after a crash recover their input this way instead of keeping
// state in memory.
func FromMetadata(blob map[string]interface{}) (*Data, error) {
	var data Data
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &data,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(blob); err != nil {
		return nil, fmt.Errorf("failed to decode metadata blob: %w", err)
	}
	return &data, nil
}
