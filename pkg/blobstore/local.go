package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
)

// LocalStore keeps blobs on an afero filesystem under a base directory.
// Production uses the OS filesystem; tests use afero.NewMemMapFs.
type LocalStore struct {
	fs      afero.Fs
	baseDir string
	logger  hclog.Logger
}

// LocalConfig holds configuration for the local store.
type LocalConfig struct {
	BaseDir string
	Fs      afero.Fs // optional; defaults to the OS filesystem
	Logger  hclog.Logger
}

// NewLocalStore creates a local content-addressed store.
func NewLocalStore(cfg LocalConfig) (*LocalStore, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if err := cfg.Fs.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &LocalStore{
		fs:      cfg.Fs,
		baseDir: cfg.BaseDir,
		logger:  cfg.Logger.Named("blobstore-local"),
	}, nil
}

// Put stores content under its content-addressed key.
func (s *LocalStore) Put(ctx context.Context, content []byte) (string, error) {
	key := KeyFor(content)
	path := s.pathFor(key)

	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return "", fmt.Errorf("failed to stat blob: %w", err)
	}
	if exists {
		// Content-addressed and write-once: nothing to do.
		return key, nil
	}

	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := afero.WriteFile(s.fs, path, content, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}

	s.logger.Debug("stored blob", "key", key, "size", len(content))
	return key, nil
}

// Get retrieves the blob for a key.
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	content, err := afero.ReadFile(s.fs, s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return content, nil
}

// Exists reports whether a blob is stored under the key.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	return afero.Exists(s.fs, s.pathFor(key))
}

// pathFor fans keys out into two-character subdirectories to keep
// directory sizes bounded.
func (s *LocalStore) pathFor(key string) string {
	digest := key[len("sha256/"):]
	return filepath.Join(s.baseDir, "sha256", digest[:2], digest)
}
