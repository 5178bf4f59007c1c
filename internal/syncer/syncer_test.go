package syncer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osgrep/osgrep/internal/chunk"
	"github.com/osgrep/osgrep/internal/embed"
	"github.com/osgrep/osgrep/internal/ignore"
	"github.com/osgrep/osgrep/internal/search"
	"github.com/osgrep/osgrep/internal/store"
)

// newTestSyncer wires a Syncer against real, lightweight stores (in-memory
// HNSW, a temp-file BM25 index, a temp-file SQLite metadata store, and the
// static embedder), mirroring internal/integration's setup helpers.
func newTestSyncer(t *testing.T, root string, cfg Config) (*Syncer, store.MetadataStore, *search.Engine) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "meta.db")
	metadata, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = metadata.Close() })

	vecCfg := store.DefaultVectorStoreConfig(768)
	vec, err := store.NewHNSWStore(vecCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vec.Close() })

	bm25Base := filepath.Join(t.TempDir(), "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25Base, store.DefaultBM25Config(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bm25.Close() })

	embedder := embed.NewStaticEmbedder768()

	engine, err := search.NewEngine(bm25, vec, embedder, metadata, search.DefaultConfig())
	require.NoError(t, err)

	filter := ignore.New()

	cfg.Root = root
	cfg.MetaPath = filepath.Join(t.TempDir(), "meta.json")
	cfg.BM25Path = filepath.Join(t.TempDir(), "bm25-index")
	cfg.VectorPath = filepath.Join(t.TempDir(), "vector-index")
	if cfg.ProjectID == "" {
		cfg.ProjectID = ProjectID(root)
	}

	deps := Deps{
		Engine:      engine,
		Metadata:    metadata,
		Embedder:    embedder,
		CodeChunker: chunk.NewCodeChunker(),
		MDChunker:   chunk.NewMarkdownChunker(),
		Filter:      filter,
	}

	// Save project first (required for files foreign key), mirroring
	// internal/integration's setup helpers.
	require.NoError(t, metadata.SaveProject(context.Background(), &store.Project{
		ID:       cfg.ProjectID,
		Name:     filepath.Base(root),
		RootPath: root,
	}))

	return New(cfg, deps), metadata, engine
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	abs := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	return abs
}

func TestSync_IndexesNewFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n\nfunc main() {\n\tprintln(\"hello\")\n}\n")
	writeFile(t, root, "util.go", "package main\n\nfunc add(a, b int) int {\n\treturn a + b\n}\n")

	s, metadata, _ := newTestSyncer(t, root, Config{})
	ctx := context.Background()

	result, err := s.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Indexed)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, 0, result.Errors)

	paths, err := metadata.GetFilePathsByProject(ctx, s.cfg.ProjectID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main.go", "util.go"}, paths)
}

func TestSync_SkipsUnchangedFileOnSecondRun(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n\nfunc main() {}\n")

	s, _, _ := newTestSyncer(t, root, Config{})
	ctx := context.Background()

	first, err := s.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Indexed)

	second, err := s.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Indexed)
	assert.Equal(t, 1, second.Skipped)
}

func TestSync_ReindexesChangedFile(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "main.go", "package main\n\nfunc main() {}\n")

	s, _, _ := newTestSyncer(t, root, Config{})
	ctx := context.Background()

	_, err := s.Sync(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("package main\n\nfunc main() {\n\tprintln(\"changed\")\n}\n"), 0o644))

	result, err := s.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Indexed)
	assert.Equal(t, 0, result.Skipped)
}

func TestSync_DeletesStaleFiles(t *testing.T) {
	root := t.TempDir()
	keepPath := filepath.Join(root, "keep.go")
	removePath := filepath.Join(root, "remove.go")
	writeFile(t, root, "keep.go", "package main\n\nfunc keep() {}\n")
	writeFile(t, root, "remove.go", "package main\n\nfunc remove() {}\n")

	s, metadata, _ := newTestSyncer(t, root, Config{})
	ctx := context.Background()

	_, err := s.Sync(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(removePath))
	_ = keepPath

	result, err := s.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)

	paths, err := metadata.GetFilePathsByProject(ctx, s.cfg.ProjectID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"keep.go"}, paths)
}

func TestSync_DryRunDoesNotMutateStore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n\nfunc main() {}\n")

	s, metadata, _ := newTestSyncer(t, root, Config{DryRun: true})
	ctx := context.Background()

	result, err := s.Sync(ctx, nil)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 1, result.Indexed)

	paths, err := metadata.GetFilePathsByProject(ctx, s.cfg.ProjectID)
	require.NoError(t, err)
	assert.Empty(t, paths, "dry run must not persist files to the metadata store")

	records := s.DryRunRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "main.go", records[0].Path)
	assert.Equal(t, "new", records[0].Reason)

	// A second dry run still reports the file as new: nothing was
	// recorded in the MetaStore either.
	result2, err := s.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result2.Indexed)
}

func TestSync_EmptyAndBinaryFilesAreSkipped(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "empty.go", "")
	require.NoError(t, os.WriteFile(filepath.Join(root, "binary.dat"), append([]byte("GIF89a"), 0x00, 0x00, 0x00), 0o644))

	s, _, _ := newTestSyncer(t, root, Config{})
	ctx := context.Background()

	result, err := s.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 0, result.Indexed)
	assert.Equal(t, 2, result.Skipped)
}

func TestSync_ConcurrentProcessingIndexesAllFiles(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 20; i++ {
		writeFile(t, root, filepath.Join("pkg", "file"+string(rune('a'+i))+".go"),
			"package pkg\n\nfunc F() {}\n")
	}

	s, _, _ := newTestSyncer(t, root, Config{Concurrency: 8})
	ctx := context.Background()

	var progressCalls int
	result, err := s.Sync(ctx, func(processed, indexed, total int, path string) {
		progressCalls++
	})
	require.NoError(t, err)
	assert.Equal(t, 20, result.Total)
	assert.Equal(t, 20, result.Indexed)
	assert.Equal(t, 0, result.Errors)
	assert.Positive(t, progressCalls)
}

func TestSync_PersistsMetaStoreAcrossInstances(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n\nfunc main() {}\n")

	metaPath := filepath.Join(t.TempDir(), "meta.json")

	s1, _, _ := newTestSyncer(t, root, Config{})
	s1.cfg.MetaPath = metaPath
	_, err := s1.Sync(context.Background(), nil)
	require.NoError(t, err)

	s2, _, _ := newTestSyncer(t, root, Config{ProjectID: s1.cfg.ProjectID})
	s2.cfg.MetaPath = metaPath
	result, err := s2.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Indexed)
	assert.Equal(t, 1, result.Skipped)
}

func TestSync_RespectsIgnoreFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".gitignore", "generated.go\nvendor/\n")
	writeFile(t, root, "kept.go", "package main\n\nfunc kept() {}\n")
	writeFile(t, root, "generated.go", "package main\n\nfunc generated() {}\n")
	writeFile(t, root, "vendor/dep.go", "package dep\n\nfunc Dep() {}\n")

	s, metadata, _ := newTestSyncer(t, root, Config{})
	// nil filter makes Sync build one from the repo's own ignore files.
	s.deps.Filter = nil
	ctx := context.Background()

	_, err := s.Sync(ctx, nil)
	require.NoError(t, err)

	paths, err := metadata.GetFilePathsByProject(ctx, s.cfg.ProjectID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"kept.go"}, paths,
		"gitignored files must never produce rows")
}

func TestSync_CancelledContextKeepsMetaConsistent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package main\n\nfunc a() {}\n")
	writeFile(t, root, "b.go", "package main\n\nfunc b() {}\n")

	s, metadata, _ := newTestSyncer(t, root, Config{})
	ctx := context.Background()

	_, err := s.Sync(ctx, nil)
	require.NoError(t, err)

	// Touch both files, then cancel as soon as the first finishes: the
	// in-flight pipeline completes, no new ones begin, and whatever the
	// MetaStore records must agree with the store.
	writeFile(t, root, "a.go", "package main\n\nfunc a() { println(1) }\n")
	writeFile(t, root, "b.go", "package main\n\nfunc b() { println(2) }\n")
	cancelled, cancel := context.WithCancel(ctx)
	defer cancel()

	s.cfg.Concurrency = 1
	result, err := s.Sync(cancelled, func(processed, indexed, total int, path string) {
		cancel()
	})
	require.NoError(t, err)
	assert.Less(t, result.Indexed, 2, "cancelled sync must not start new file pipelines")

	for _, p := range s.meta.Paths() {
		h, ok := s.meta.Get(p)
		require.True(t, ok)
		f, err := metadata.GetFileByPath(ctx, s.cfg.ProjectID, p)
		require.NoError(t, err)
		if f != nil {
			assert.Equal(t, f.ContentHash, h,
				"MetaStore and store disagree on %s after cancellation", p)
		}
	}
}
