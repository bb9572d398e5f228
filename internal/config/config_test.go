package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level   = "debug"
listen_addr = ":9000"

database {
  host   = "db.internal"
  port   = 5432
  dbname = "evidence"
}

pipeline {
  max_inflight_documents = 8
}

guardian {
  auto_resolve_confidence_threshold = 0.95
}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	require.NotNil(t, cfg.Database)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 8, GetMaxInflightDocuments(cfg))
	assert.InDelta(t, 0.95, GetAutoResolveConfidenceThreshold(cfg), 1e-9)
}

func TestDefaults(t *testing.T) {
	assert.InDelta(t, 0.90, GetAutoResolveConfidenceThreshold(nil), 1e-9)
	assert.InDelta(t, 0.98, GetDuplicateAutoMergeThreshold(nil), 1e-9)
	assert.Equal(t, 300000, GetMaxOCRTimeoutMS(nil))
	assert.Equal(t, 16, GetMaxInflightDocuments(nil))
	assert.Equal(t, 100, GetBulkApplyBatch(nil))
}

func TestEnvironmentOverridesConfig(t *testing.T) {
	path := writeConfig(t, `
duplicates {
  auto_merge_threshold = 0.97
}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.97, GetDuplicateAutoMergeThreshold(cfg), 1e-9)

	t.Setenv("DUPLICATE_AUTO_MERGE_THRESHOLD", "0.99")
	assert.InDelta(t, 0.99, GetDuplicateAutoMergeThreshold(cfg), 1e-9)

	t.Setenv("MAX_OCR_TIMEOUT_MS", "60000")
	assert.Equal(t, 60000, GetMaxOCRTimeoutMS(cfg))
}
