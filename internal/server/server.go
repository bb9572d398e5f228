package server

import (
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/chittyos/evidence-core/internal/config"
	"github.com/chittyos/evidence-core/pkg/ai"
	"github.com/chittyos/evidence-core/pkg/blobstore"
	"github.com/chittyos/evidence-core/pkg/duphunter"
	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/guardian"
	"github.com/chittyos/evidence-core/pkg/ingest"
	"github.com/chittyos/evidence-core/pkg/pipeline"
	"github.com/chittyos/evidence-core/pkg/vector"
)

// Server holds the assembled components of one evidence-core instance.
type Server struct {
	// Config is the loaded HCL configuration.
	Config *config.Config

	// DB is the database handle shared by every component.
	DB *gorm.DB

	// Logger is the root logger; components carry named sub-loggers.
	Logger hclog.Logger

	// Blobs is the content-addressed document byte store.
	Blobs blobstore.Store

	// AIProvider is the OCR/extraction/embedding backend.
	AIProvider ai.Provider

	// VectorIndex holds document embeddings for semantic search and
	// duplicate detection.
	VectorIndex vector.Index

	// Graph is the knowledge graph store.
	Graph *graph.Store

	// Engine is the document workflow engine.
	Engine *pipeline.Engine

	// Gateway accepts document uploads.
	Gateway *ingest.Gateway

	// Hunter is the duplicate detection actor.
	Hunter *duphunter.Hunter

	// Guardian is the accuracy guardian actor.
	Guardian *guardian.Guardian
}
