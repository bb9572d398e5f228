// Package config loads the evidence-core HCL configuration and applies
// environment overrides for the recognized runtime knobs.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the root configuration block.
type Config struct {
	LogLevel   string `hcl:"log_level,optional"`
	ListenAddr string `hcl:"listen_addr,optional"`

	Database   *Database   `hcl:"database,block"`
	Blobstore  *Blobstore  `hcl:"blobstore,block"`
	AI         *AI         `hcl:"ai,block"`
	Vector     *Vector     `hcl:"vector,block"`
	Pipeline   *Pipeline   `hcl:"pipeline,block"`
	Duplicates *Duplicates `hcl:"duplicates,block"`
	Guardian   *Guardian   `hcl:"guardian,block"`
}

// Database configures the Postgres connection.
type Database struct {
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	User     string `hcl:"user,optional"`
	Password string `hcl:"password,optional"`
	DBName   string `hcl:"dbname,optional"`
	SSLMode  string `hcl:"sslmode,optional"`
}

// Blobstore selects the document byte store.
type Blobstore struct {
	Provider string `hcl:"provider,optional"` // local or s3
	BaseDir  string `hcl:"base_dir,optional"`
	Bucket   string `hcl:"bucket,optional"`
	Region   string `hcl:"region,optional"`
}

// AI selects the extraction backend.
type AI struct {
	Provider       string `hcl:"provider,optional"` // bedrock or mock
	Region         string `hcl:"region,optional"`
	TextModel      string `hcl:"text_model,optional"`
	EmbeddingModel string `hcl:"embedding_model,optional"`
	Dimensions     int    `hcl:"dimensions,optional"`
}

// Vector selects the embedding index.
type Vector struct {
	Provider   string `hcl:"provider,optional"` // pgvector or memory
	Dimensions int    `hcl:"dimensions,optional"`
}

// Pipeline tunes the workflow engine.
type Pipeline struct {
	MaxInflightDocuments int `hcl:"max_inflight_documents,optional"`
	QueueDepth           int `hcl:"queue_depth,optional"`
	MaxOCRTimeoutMS      int `hcl:"max_ocr_timeout_ms,optional"`
}

// Duplicates tunes the duplicate hunter.
type Duplicates struct {
	AutoMergeThreshold float64 `hcl:"auto_merge_threshold,optional"`
}

// Guardian tunes the accuracy guardian.
type Guardian struct {
	AutoResolveConfidenceThreshold float64 `hcl:"auto_resolve_confidence_threshold,optional"`
	BulkApplyBatch                 int     `hcl:"bulk_apply_batch,optional"`
}

// Load reads an HCL configuration file.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// GetAutoResolveConfidenceThreshold returns the gap auto-accept
// threshold. Environment first, then config, then default 0.90.
func GetAutoResolveConfidenceThreshold(cfg *Config) float64 {
	if v := envFloat("AUTO_RESOLVE_CONFIDENCE_THRESHOLD"); v > 0 {
		return v
	}
	if cfg != nil && cfg.Guardian != nil && cfg.Guardian.AutoResolveConfidenceThreshold > 0 {
		return cfg.Guardian.AutoResolveConfidenceThreshold
	}
	return 0.90
}

// GetDuplicateAutoMergeThreshold returns the similarity at which the
// duplicate hunter merges without review. Default 0.98.
func GetDuplicateAutoMergeThreshold(cfg *Config) float64 {
	if v := envFloat("DUPLICATE_AUTO_MERGE_THRESHOLD"); v > 0 {
		return v
	}
	if cfg != nil && cfg.Duplicates != nil && cfg.Duplicates.AutoMergeThreshold > 0 {
		return cfg.Duplicates.AutoMergeThreshold
	}
	return 0.98
}

// GetMaxOCRTimeoutMS returns the per-attempt OCR budget in
// milliseconds. Default 300000 (5 minutes).
func GetMaxOCRTimeoutMS(cfg *Config) int {
	if v := envInt("MAX_OCR_TIMEOUT_MS"); v > 0 {
		return v
	}
	if cfg != nil && cfg.Pipeline != nil && cfg.Pipeline.MaxOCRTimeoutMS > 0 {
		return cfg.Pipeline.MaxOCRTimeoutMS
	}
	return 300000
}

// GetMaxInflightDocuments returns the workflow engine's global
// in-flight cap. Default 16.
func GetMaxInflightDocuments(cfg *Config) int {
	if v := envInt("MAX_INFLIGHT_DOCUMENTS"); v > 0 {
		return v
	}
	if cfg != nil && cfg.Pipeline != nil && cfg.Pipeline.MaxInflightDocuments > 0 {
		return cfg.Pipeline.MaxInflightDocuments
	}
	return 16
}

// GetBulkApplyBatch returns the correction batch size for one guardian
// bulk apply pass. Default 100.
func GetBulkApplyBatch(cfg *Config) int {
	if v := envInt("BULK_APPLY_BATCH"); v > 0 {
		return v
	}
	if cfg != nil && cfg.Guardian != nil && cfg.Guardian.BulkApplyBatch > 0 {
		return cfg.Guardian.BulkApplyBatch
	}
	return 100
}

func envFloat(key string) float64 {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return 0
}

func envInt(key string) int {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return 0
}
