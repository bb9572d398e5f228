package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/chittyos/evidence-core/internal/api"
	"github.com/chittyos/evidence-core/internal/config"
	"github.com/chittyos/evidence-core/internal/server"
	"github.com/chittyos/evidence-core/pkg/ai"
	"github.com/chittyos/evidence-core/pkg/ai/bedrock"
	aimock "github.com/chittyos/evidence-core/pkg/ai/mock"
	"github.com/chittyos/evidence-core/pkg/blobstore"
	"github.com/chittyos/evidence-core/pkg/database"
	"github.com/chittyos/evidence-core/pkg/duphunter"
	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/guardian"
	"github.com/chittyos/evidence-core/pkg/ingest"
	"github.com/chittyos/evidence-core/pkg/models"
	"github.com/chittyos/evidence-core/pkg/pipeline"
	"github.com/chittyos/evidence-core/pkg/pipeline/steps"
	"github.com/chittyos/evidence-core/pkg/vector"
)

func main() {
	configPath := flag.String("config", "config.hcl", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "evidence-core",
		Level: hclog.LevelFromString(logLevel(cfg)),
	})
	logger.Info("starting evidence-core", "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("evidence-core failed", "error", err)
		cancel()
		os.Exit(1)
	}
	logger.Info("evidence-core stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger hclog.Logger) error {
	db, err := database.Connect(databaseConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(models.ModelsToAutoMigrate()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	blobs, err := initializeBlobstore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}
	provider, err := initializeAIProvider(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize AI provider: %w", err)
	}
	index, err := initializeVectorIndex(ctx, cfg, db, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize vector index: %w", err)
	}

	store := graph.New(db, logger)

	guard, err := guardian.New(guardian.Config{
		DB:        db,
		Store:     store,
		Logger:    logger,
		BulkBatch: config.GetBulkApplyBatch(cfg),
	})
	if err != nil {
		return fmt.Errorf("failed to create guardian: %w", err)
	}

	hunter, err := duphunter.New(duphunter.Config{
		DB:                 db,
		Store:              store,
		Blobs:              blobs,
		Index:              index,
		Logger:             logger,
		AutoMergeThreshold: config.GetDuplicateAutoMergeThreshold(cfg),
	})
	if err != nil {
		return fmt.Errorf("failed to create duplicate hunter: %w", err)
	}

	dimensions := 0
	if cfg.AI != nil {
		dimensions = cfg.AI.Dimensions
	}
	pipelineSteps := []pipeline.Step{
		&steps.OCR{
			Blobs:      blobs,
			Provider:   provider,
			Store:      store,
			MaxTimeout: time.Duration(config.GetMaxOCRTimeoutMS(cfg)) * time.Millisecond,
		},
		&steps.ClassifyExtract{Provider: provider, Store: store},
		&steps.RegisterGaps{
			Store:                store,
			Resolver:             guard,
			AutoResolveThreshold: config.GetAutoResolveConfidenceThreshold(cfg),
		},
		&steps.ResolveEntities{Store: store},
		&steps.UpdateAuthority{Store: store},
		&steps.Embed{Provider: provider, Index: index, Dimensions: dimensions},
		&steps.DuplicateCheck{Scanner: hunter},
		&steps.Finalize{Store: store},
	}

	engine, err := pipeline.NewEngine(pipeline.Config{
		DB:          db,
		Steps:       pipelineSteps,
		Logger:      logger,
		MaxInflight: config.GetMaxInflightDocuments(cfg),
		QueueDepth:  queueDepth(cfg),
	})
	if err != nil {
		return fmt.Errorf("failed to create workflow engine: %w", err)
	}

	gateway, err := ingest.NewGateway(ingest.Config{
		DB:     db,
		Blobs:  blobs,
		Engine: engine,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create ingestion gateway: %w", err)
	}

	go guard.Run(ctx)
	go hunter.Run(ctx)
	engine.Start(ctx)

	// Re-extraction requests from approved ai_reextract corrections go
	// back through the pipeline under a fresh workflow instance.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case docID := <-guard.Reextractions():
				if _, err := engine.Resubmit(ctx, docID); err != nil {
					logger.Error("re-extraction resubmit failed", "document_id", docID, "error", err)
				}
			}
		}
	}()

	if resumed, err := engine.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume in-flight documents: %w", err)
	} else if resumed > 0 {
		logger.Info("resumed interrupted workflows", "count", resumed)
	}

	srv := &server.Server{
		Config:      cfg,
		DB:          db,
		Logger:      logger,
		Blobs:       blobs,
		AIProvider:  provider,
		VectorIndex: index,
		Graph:       store,
		Engine:      engine,
		Gateway:     gateway,
		Hunter:      hunter,
		Guardian:    guard,
	}

	httpSrv := &http.Server{
		Addr:         listenAddr(cfg),
		Handler:      api.NewRouter(srv),
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	engine.Wait()
	<-guard.Done()
	<-hunter.Done()
	return nil
}

func logLevel(cfg *config.Config) string {
	if cfg != nil && cfg.LogLevel != "" {
		return cfg.LogLevel
	}
	return "info"
}

func listenAddr(cfg *config.Config) string {
	if cfg != nil && cfg.ListenAddr != "" {
		return cfg.ListenAddr
	}
	return ":8080"
}

func queueDepth(cfg *config.Config) int {
	if cfg != nil && cfg.Pipeline != nil {
		return cfg.Pipeline.QueueDepth
	}
	return 0
}

func databaseConfig(cfg *config.Config) database.Config {
	out := database.Config{
		Host:    "localhost",
		Port:    5432,
		User:    "postgres",
		DBName:  "evidence",
		SSLMode: "disable",
	}
	if cfg == nil || cfg.Database == nil {
		return out
	}
	d := cfg.Database
	if d.Host != "" {
		out.Host = d.Host
	}
	if d.Port != 0 {
		out.Port = d.Port
	}
	if d.User != "" {
		out.User = d.User
	}
	out.Password = d.Password
	if d.DBName != "" {
		out.DBName = d.DBName
	}
	if d.SSLMode != "" {
		out.SSLMode = d.SSLMode
	}
	return out
}

// initializeBlobstore creates the byte store based on config.
func initializeBlobstore(cfg *config.Config, logger hclog.Logger) (blobstore.Store, error) {
	providerName := "local"
	if cfg != nil && cfg.Blobstore != nil && cfg.Blobstore.Provider != "" {
		providerName = cfg.Blobstore.Provider
	}

	switch providerName {
	case "local":
		baseDir := "./blobs"
		if cfg != nil && cfg.Blobstore != nil && cfg.Blobstore.BaseDir != "" {
			baseDir = cfg.Blobstore.BaseDir
		}
		store, err := blobstore.NewLocalStore(blobstore.LocalConfig{BaseDir: baseDir, Logger: logger})
		if err != nil {
			return nil, err
		}
		logger.Info("initialized blob store", "provider", "local", "base_dir", baseDir)
		return store, nil

	case "s3":
		if cfg == nil || cfg.Blobstore == nil || cfg.Blobstore.Bucket == "" {
			return nil, fmt.Errorf("s3 blob store requires a bucket")
		}
		store, err := blobstore.NewS3Store(context.Background(), blobstore.S3Config{
			Region: cfg.Blobstore.Region,
			Bucket: cfg.Blobstore.Bucket,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("initialized blob store", "provider", "s3", "bucket", cfg.Blobstore.Bucket)
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported blobstore provider: %s (supported: local, s3)", providerName)
	}
}

// initializeAIProvider creates the extraction backend based on config.
func initializeAIProvider(ctx context.Context, cfg *config.Config, logger hclog.Logger) (ai.Provider, error) {
	providerName := "bedrock"
	if cfg != nil && cfg.AI != nil && cfg.AI.Provider != "" {
		providerName = cfg.AI.Provider
	}

	switch providerName {
	case "bedrock":
		bcfg := bedrock.Config{Logger: logger}
		if cfg != nil && cfg.AI != nil {
			bcfg.Region = cfg.AI.Region
			bcfg.VisionModel = cfg.AI.TextModel
			bcfg.EmbeddingModel = cfg.AI.EmbeddingModel
		}
		provider, err := bedrock.NewProvider(ctx, bcfg)
		if err != nil {
			return nil, err
		}
		logger.Info("initialized AI provider", "provider", "bedrock", "region", bcfg.Region)
		return provider, nil

	case "mock":
		logger.Warn("using mock AI provider; extraction output is synthetic")
		return aimock.New(), nil

	default:
		return nil, fmt.Errorf("unsupported AI provider: %s (supported: bedrock, mock)", providerName)
	}
}

// initializeVectorIndex creates the embedding index based on config.
func initializeVectorIndex(ctx context.Context, cfg *config.Config, db *gorm.DB, logger hclog.Logger) (vector.Index, error) {
	providerName := "pgvector"
	dimensions := 0
	if cfg != nil && cfg.Vector != nil {
		if cfg.Vector.Provider != "" {
			providerName = cfg.Vector.Provider
		}
		dimensions = cfg.Vector.Dimensions
	}

	switch providerName {
	case "pgvector":
		index, err := vector.NewPgVectorIndex(ctx, vector.PgVectorConfig{
			DB:         db,
			Dimensions: dimensions,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("initialized vector index", "provider", "pgvector", "dimensions", dimensions)
		return index, nil

	case "memory":
		logger.Warn("using in-memory vector index; embeddings do not survive restarts")
		return vector.NewMemoryIndex(), nil

	default:
		return nil, fmt.Errorf("unsupported vector provider: %s (supported: pgvector, memory)", providerName)
	}
}
