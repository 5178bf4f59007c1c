package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/osgrep/osgrep/internal/chunk"
	"github.com/osgrep/osgrep/internal/config"
	"github.com/osgrep/osgrep/internal/embed"
	"github.com/osgrep/osgrep/internal/errors"
	"github.com/osgrep/osgrep/internal/search"
	"github.com/osgrep/osgrep/internal/store"
	"github.com/osgrep/osgrep/internal/syncer"
	"github.com/osgrep/osgrep/internal/telemetry"
	"github.com/osgrep/osgrep/internal/workerpool"
)

// stores bundles the on-disk index handles shared by the index, search and
// serve commands, plus the paths PersistIndexes needs.
type stores struct {
	metadata   store.MetadataStore
	bm25       store.BM25Index
	vector     store.VectorStore
	embedder   embed.Embedder
	metrics    *telemetry.QueryMetrics
	bm25Path   string
	vectorPath string
	dataDir    string
}

func (s *stores) Close() {
	if s.metrics != nil {
		_ = s.metrics.Close()
	}
	if s.embedder != nil {
		_ = s.embedder.Close()
	}
	if s.vector != nil {
		_ = s.vector.Close()
	}
	if s.bm25 != nil {
		_ = s.bm25.Close()
	}
	if s.metadata != nil {
		_ = s.metadata.Close()
	}
}

// openStores opens (creating if absent) the metadata, BM25 and vector
// stores for root under cfg, and constructs the embedder the config
// selects. bm25Only skips embedder construction entirely: keyword-only
// search makes no network or subprocess calls.
func openStores(ctx context.Context, root string, cfg *config.Config, bm25Only bool) (*stores, error) {
	dataDir := config.DataDir(root)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.IOError("failed to create data directory "+dataDir, err)
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCorruptIndex, fmt.Errorf("open metadata store: %w", err))
	}

	metrics := telemetry.NewQueryMetrics(newMetricsStore(metadata.DB()))

	bm25Path := filepath.Join(dataDir, "bm25")
	bm25Index, err := store.NewBM25IndexWithBackend(bm25Path, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		_ = metadata.Close()
		return nil, errors.Wrap(errors.ErrCodeCorruptIndex, fmt.Errorf("open bm25 index: %w", err))
	}

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")

	var embedder embed.Embedder
	if bm25Only {
		embedder = embed.NewStaticEmbedder768()
	} else {
		embedder, err = buildEmbedder(ctx, cfg)
		if err != nil {
			_ = bm25Index.Close()
			_ = metadata.Close()
			return nil, err
		}
	}

	vectorCfg := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorCfg)
	if err != nil {
		_ = embedder.Close()
		_ = bm25Index.Close()
		_ = metadata.Close()
		return nil, errors.Wrap(errors.ErrCodeCorruptIndex, fmt.Errorf("create vector store: %w", err))
	}
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		// A persisted index built with a different embedding dimension is
		// dropped and recreated before any insert: Load would otherwise
		// pin the store to the stale dimension and every Add after a
		// model switch would fail. Unreadable metadata gets the same
		// treatment (the file is useless either way).
		storedDims, dimErr := store.ReadHNSWStoreDimensions(vectorPath)
		switch {
		case dimErr != nil || (storedDims != 0 && storedDims != embedder.Dimensions()):
			slog.Warn("vector_index_dimension_mismatch",
				slog.Int("stored", storedDims),
				slog.Int("current", embedder.Dimensions()),
				slog.String("action", "rebuild"))
			if rebuildErr := dropStaleVectorIndex(ctx, metadata, dataDir, vectorPath); rebuildErr != nil {
				_ = vector.Close()
				_ = embedder.Close()
				_ = bm25Index.Close()
				_ = metadata.Close()
				return nil, errors.Wrap(errors.ErrCodeCorruptIndex, fmt.Errorf("rebuild vector store: %w", rebuildErr))
			}
		default:
			if loadErr := vector.Load(vectorPath); loadErr != nil {
				slog.Debug("vector_load_failed", slog.String("error", loadErr.Error()))
			}
		}
	}

	return &stores{
		metadata:   metadata,
		bm25:       bm25Index,
		vector:     vector,
		embedder:   embedder,
		metrics:    metrics,
		bm25Path:   bm25Path + ".db",
		vectorPath: vectorPath,
		dataDir:    dataDir,
	}, nil
}

// dropStaleVectorIndex removes every artifact written in the old embedding
// space: the persisted HNSW files, the SQLite chunk/file/embedding rows
// (and recorded index dimension), and the MetaStore hash map. The hash map
// has to go too — with it intact the next sync would skip every unchanged
// file and never re-embed anything, leaving the fresh vector index empty.
// BM25 rows are left alone: any orphans are filtered at search time
// (metadata is the source of truth) and replaced as files re-index.
func dropStaleVectorIndex(ctx context.Context, metadata *store.SQLiteStore, dataDir, vectorPath string) error {
	for _, p := range []string{vectorPath, vectorPath + ".meta"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale vector file %s: %w", p, err)
		}
	}
	if err := metadata.DropIndexedData(ctx); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dataDir, "meta.json")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale meta store: %w", err)
	}
	return nil
}

// newMetricsStore wraps db as a telemetry.QueryMetricsStore, initializing
// its schema alongside the metadata store's own tables. Falls back to an
// in-memory-only collector (nil store) if either step fails — query
// telemetry is a diagnostic aid, never a reason to fail a search.
func newMetricsStore(db *sql.DB) telemetry.QueryMetricsStore {
	if err := telemetry.InitTelemetrySchema(db); err != nil {
		slog.Debug("telemetry_schema_init_failed", slog.String("error", err.Error()))
		return nil
	}
	metricsStore, err := telemetry.NewSQLiteMetricsStore(db)
	if err != nil {
		slog.Debug("telemetry_store_init_failed", slog.String("error", err.Error()))
		return nil
	}
	return metricsStore
}

// buildEmbedder wires internal/workerpool's process-isolated worker pool as
// the Embedder handed to the engine and syncer, using embed.NewEmbedder as
// the pool's respawn factory and recycling a worker once its RSS crosses
// cfg.Worker.MemoryLimitMB (1024 MB in the default config). Half of total
// system memory is used only when that value is 0, which a config from
// config.Load never holds because zero values do not override the default.
func buildEmbedder(ctx context.Context, cfg *config.Config) (embed.Embedder, error) {
	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})

	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	model := cfg.Embeddings.Model

	factory := func(ctx context.Context) (embed.Embedder, error) {
		return embed.NewEmbedder(ctx, provider, model)
	}

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Count = cfg.Worker.Count
	if cfg.Worker.TimeoutMS > 0 {
		poolCfg.Timeout = time.Duration(cfg.Worker.TimeoutMS) * time.Millisecond
	}
	if cfg.Worker.MaxFailures > 0 {
		poolCfg.MaxConsecutiveRecycles = cfg.Worker.MaxFailures
	}
	if cfg.Worker.MemoryLimitMB > 0 {
		poolCfg.MemoryThresholdBytes = uint64(cfg.Worker.MemoryLimitMB) * 1024 * 1024
	} else if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		poolCfg.MemoryThresholdBytes = vm.Total / 2
	}

	pool := workerpool.New(poolCfg, factory)
	if !pool.Available(ctx) {
		netErr := errors.NetworkError(
			fmt.Sprintf("embedding provider %s unavailable", provider.String()), nil)
		slog.Warn("embedder_unavailable_falling_back_to_static",
			slog.String("provider", provider.String()),
			slog.Any("error_code", netErr.Code))
		_ = pool.Close()
		return embed.NewStaticEmbedder768(), nil
	}
	return pool, nil
}

// buildEngine constructs a search.Engine over the given stores using cfg's
// weights and result-limit overrides.
func buildEngine(s *stores, cfg *config.Config) (*search.Engine, error) {
	engineCfg := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineCfg.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.MaxResultsPerFile > 0 {
		engineCfg.MaxResultsPerFile = cfg.Search.MaxResultsPerFile
	}
	if cfg.Search.RRFConstant > 0 {
		engineCfg.RRFConstant = cfg.Search.RRFConstant
	}
	if cfg.Search.RerankWeight > 0 {
		engineCfg.RerankWeight = cfg.Search.RerankWeight
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineCfg.DefaultWeights = search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		}
	}
	engine, err := search.NewEngine(s.bm25, s.vector, s.embedder, s.metadata, engineCfg,
		search.WithMultiQuerySearch(search.NewPatternDecomposer()),
		search.WithMetrics(s.metrics))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidInput, err)
	}
	return engine, nil
}

// buildSyncer constructs a Syncer that drives engine/s against root.
func buildSyncer(root string, s *stores, engine *search.Engine, dryRun bool) *syncer.Syncer {
	return syncer.New(syncer.Config{
		ProjectID:  syncer.ProjectID(root),
		Root:       root,
		MetaPath:   filepath.Join(s.dataDir, "meta.json"),
		BM25Path:   s.bm25Path,
		VectorPath: s.vectorPath,
		DryRun:     dryRun,
	}, syncer.Deps{
		Engine:      engine,
		Metadata:    s.metadata,
		Embedder:    s.embedder,
		CodeChunker: chunk.NewCodeChunker(),
		MDChunker:   chunk.NewMarkdownChunker(),
	})
}

// loadConfig loads project configuration, falling back to defaults if the
// project has none.
func loadConfig(root string) *config.Config {
	cfg, err := config.Load(root)
	if err != nil {
		return config.NewConfig()
	}
	return cfg
}
