// Package fieldpath reads and writes values inside extracted-metadata
// blobs using dotted, array-indexed paths such as "parties[0].name" or
// "fields.accountNumber".
package fieldpath

import (
	"fmt"
	"strconv"
	"strings"
)

// segment is one step of a parsed path: a map key followed by zero or
// more array indexes.
type segment struct {
	key     string
	indexes []int
}

// Parse splits a path into segments. Paths are dot-separated; each part
// may carry one or more [n] suffixes.
func Parse(path string) ([]segment, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("empty field path")
	}
	parts := strings.Split(path, ".")
	segments := make([]segment, 0, len(parts))
	for _, part := range parts {
		key := part
		var indexes []int
		for {
			open := strings.IndexByte(key, '[')
			if open < 0 {
				break
			}
			closeIdx := strings.IndexByte(key[open:], ']')
			if closeIdx < 0 {
				return nil, fmt.Errorf("unbalanced bracket in field path %q", path)
			}
			idxStr := key[open+1 : open+closeIdx]
			idx, err := strconv.Atoi(idxStr)
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid array index %q in field path %q", idxStr, path)
			}
			indexes = append(indexes, idx)
			key = key[:open] + key[open+closeIdx+1:]
		}
		if key == "" && len(indexes) == 0 {
			return nil, fmt.Errorf("empty segment in field path %q", path)
		}
		segments = append(segments, segment{key: key, indexes: indexes})
	}
	return segments, nil
}

// Get returns the value at path in the blob, and whether it was present.
func Get(blob map[string]interface{}, path string) (interface{}, bool) {
	segments, err := Parse(path)
	if err != nil {
		return nil, false
	}

	var current interface{} = blob
	for _, seg := range segments {
		if seg.key != "" {
			m, ok := current.(map[string]interface{})
			if !ok {
				return nil, false
			}
			current, ok = m[seg.key]
			if !ok {
				return nil, false
			}
		}
		for _, idx := range seg.indexes {
			arr, ok := current.([]interface{})
			if !ok || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
		}
	}
	return current, true
}

// GetString returns the string at path, or "" when absent or non-string.
func GetString(blob map[string]interface{}, path string) string {
	v, ok := Get(blob, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Set writes value at path. Intermediate containers must already exist;
// corrections only rewrite fields the extractor produced.
func Set(blob map[string]interface{}, path string, value interface{}) error {
	segments, err := Parse(path)
	if err != nil {
		return err
	}

	var current interface{} = blob
	for i, seg := range segments {
		last := i == len(segments)-1

		if seg.key != "" {
			m, ok := current.(map[string]interface{})
			if !ok {
				return fmt.Errorf("field path %q: segment %q is not an object", path, seg.key)
			}
			if last && len(seg.indexes) == 0 {
				m[seg.key] = value
				return nil
			}
			current, ok = m[seg.key]
			if !ok {
				return fmt.Errorf("field path %q: missing segment %q", path, seg.key)
			}
		}

		for j, idx := range seg.indexes {
			arr, ok := current.([]interface{})
			if !ok {
				return fmt.Errorf("field path %q: segment %q is not an array", path, seg.key)
			}
			if idx >= len(arr) {
				return fmt.Errorf("field path %q: index %d out of range", path, idx)
			}
			if last && j == len(seg.indexes)-1 {
				arr[idx] = value
				return nil
			}
			current = arr[idx]
		}
	}
	return nil
}

// Exists reports whether the path resolves in the blob.
func Exists(blob map[string]interface{}, path string) bool {
	_, ok := Get(blob, path)
	return ok
}
