// Package blobstore provides content-addressed, write-once storage for
// raw document bytes. Keys are derived from the SHA-256 of the content
// ("sha256/<hex>"), so a blob is immutable once written and a second put
// of the same bytes is a no-op.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no blob exists for a key.
var ErrNotFound = errors.New("blob not found")

// Store is the narrow interface the pipeline uses for document bytes.
type Store interface {
	// Put stores content and returns its content-addressed key. Putting
	// bytes that already exist returns the existing key without a write.
	Put(ctx context.Context, content []byte) (string, error)

	// Get retrieves the blob for a key. Returns ErrNotFound when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether a blob is stored under the key.
	Exists(ctx context.Context, key string) (bool, error)
}

// KeyFor returns the content-addressed key for a byte slice.
func KeyFor(content []byte) string {
	sum := sha256.Sum256(content)
	return "sha256/" + hex.EncodeToString(sum[:])
}

// HashFor returns the hex SHA-256 of a byte slice.
func HashFor(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// validateKey rejects keys that do not follow the sha256/<hex> layout.
func validateKey(key string) error {
	if len(key) != len("sha256/")+64 || key[:7] != "sha256/" {
		return fmt.Errorf("invalid blob key %q", key)
	}
	if _, err := hex.DecodeString(key[7:]); err != nil {
		return fmt.Errorf("invalid blob key %q: %w", key, err)
	}
	return nil
}
