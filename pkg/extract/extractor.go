package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/iancoleman/strcase"

	"github.com/chittyos/evidence-core/pkg/models"
)

// ErrSchemaViolation is returned when the model output cannot be used:
// unparseable JSON, an unknown document type, or a placeholder without a
// matching unknowns entry.
var ErrSchemaViolation = errors.New("extraction schema violation")

// Result bundles the typed data with the generic blob persisted on the
// document row.
type Result struct {
	Data *Data
	Blob map[string]interface{}
}

// Parse validates raw model output against the extraction schema.
func Parse(rawJSON string) (*Result, error) {
	var blob map[string]interface{}
	if err := json.Unmarshal([]byte(rawJSON), &blob); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrSchemaViolation, err)
	}

	var data Data
	if err := json.Unmarshal([]byte(rawJSON), &data); err != nil {
		return nil, fmt.Errorf("%w: unexpected shape: %v", ErrSchemaViolation, err)
	}

	data.DocumentType = normalizeDocumentType(data.DocumentType)
	if !models.IsValidDocumentType(data.DocumentType) {
		return nil, fmt.Errorf("%w: unknown document type %q", ErrSchemaViolation, data.DocumentType)
	}
	blob["documentType"] = data.DocumentType

	for i := range data.Unknowns {
		data.Unknowns[i].FieldPath = NormalizeFieldPath(data.Unknowns[i].FieldPath)
	}

	if err := validateUnknowns(blob, &data); err != nil {
		return nil, err
	}

	normalizeDates(&data, blob)

	return &Result{Data: &data, Blob: blob}, nil
}

// validateUnknowns checks that every placeholder in the structured output
// has a matching unknowns entry, and that every unknowns entry points at
// a placeholder.
func validateUnknowns(blob map[string]interface{}, data *Data) error {
	declared := make(map[string]bool, len(data.Unknowns))
	for _, u := range data.Unknowns {
		if u.Type == "" || u.FieldPath == "" {
			return fmt.Errorf("%w: unknowns entry missing type or fieldPath", ErrSchemaViolation)
		}
		declared[u.FieldPath] = true
	}

	found := map[string]bool{}
	walkStrings(blob, "", func(path, value string) {
		if ContainsPlaceholder(value) && path != "" && !strings.HasPrefix(path, "unknowns") {
			found[path] = true
		}
	})

	for path := range found {
		if !declared[path] {
			return fmt.Errorf("%w: placeholder at %q has no unknowns entry", ErrSchemaViolation, path)
		}
	}
	return nil
}

// walkStrings visits every string leaf of a decoded JSON value with its
// field path.
func walkStrings(v interface{}, path string, visit func(path, value string)) {
	switch t := v.(type) {
	case string:
		visit(path, t)
	case map[string]interface{}:
		for k, child := range t {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			walkStrings(child, childPath, visit)
		}
	case []interface{}:
		for i, child := range t {
			walkStrings(child, fmt.Sprintf("%s[%d]", path, i), visit)
		}
	}
}

// NormalizeFieldPath canonicalizes model-emitted field paths: segments
// become lowerCamel, whitespace is dropped.
func NormalizeFieldPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	parts := strings.Split(path, ".")
	for i, part := range parts {
		bracket := strings.IndexByte(part, '[')
		if bracket >= 0 {
			parts[i] = strcase.ToLowerCamel(part[:bracket]) + part[bracket:]
		} else {
			parts[i] = strcase.ToLowerCamel(part)
		}
	}
	return strings.Join(parts, ".")
}

// NormalizeDate parses a date in any common format and renders it as
// YYYY-MM-DD. Placeholders and empty strings pass through unchanged.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || ContainsPlaceholder(s) {
		return s
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return s
	}
	return t.Format("2006-01-02")
}

// ParseDate returns the parsed date, or nil for empty strings,
// placeholders, and unparseable values.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" || ContainsPlaceholder(s) {
		return nil
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return nil
	}
	return &t
}

func normalizeDates(data *Data, blob map[string]interface{}) {
	data.EffectiveDate = NormalizeDate(data.EffectiveDate)
	data.ExpirationDate = NormalizeDate(data.ExpirationDate)
	if data.EffectiveDate != "" {
		blob["effectiveDate"] = data.EffectiveDate
	}
	if data.ExpirationDate != "" {
		blob["expirationDate"] = data.ExpirationDate
	}
	for i := range data.AuthorityGrants {
		data.AuthorityGrants[i].EffectiveDate = NormalizeDate(data.AuthorityGrants[i].EffectiveDate)
		data.AuthorityGrants[i].ExpirationDate = NormalizeDate(data.AuthorityGrants[i].ExpirationDate)
	}
}

// normalizeDocumentType maps loose model spellings onto the closed set.
func normalizeDocumentType(t string) string {
	t = strcase.ToSnake(strings.TrimSpace(t))
	switch t {
	case "power_of_attorney", "poa":
		return models.DocTypePOAGeneral
	case "llc_operating":
		return models.DocTypeLLCOperating
	case "":
		return models.DocTypeOther
	}
	return t
}

// EmbeddingText builds the text embedded for semantic search: document
// type, title, party roles, key terms, and a truncated OCR slice.
func EmbeddingText(data *Data, ocrText string) string {
	var b strings.Builder

	b.WriteString("type: " + data.DocumentType + "\n")
	if data.Title != "" && !ContainsPlaceholder(data.Title) {
		b.WriteString("title: " + data.Title + "\n")
	}
	for _, p := range data.Parties {
		if ContainsPlaceholder(p.Name) {
			continue
		}
		b.WriteString(p.Role + ": " + p.Name + "\n")
	}
	if len(data.KeyTerms) > 0 {
		b.WriteString("terms: " + strings.Join(data.KeyTerms, ", ") + "\n")
	}

	const maxOCRSlice = 4000
	slice := ocrText
	if len(slice) > maxOCRSlice {
		slice = slice[:maxOCRSlice]
	}
	b.WriteString("\n")
	b.WriteString(slice)

	return b.String()
}
