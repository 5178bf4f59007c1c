// Package syncer drives the full-repository indexing pipeline: walk the
// filesystem, skip unchanged files via the MetaStore's path→hash cache,
// chunk and embed the rest, and reconcile the index against whatever the
// walk no longer sees.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/osgrep/osgrep/internal/chunk"
	"github.com/osgrep/osgrep/internal/config"
	"github.com/osgrep/osgrep/internal/embed"
	"github.com/osgrep/osgrep/internal/ignore"
	"github.com/osgrep/osgrep/internal/meta"
	"github.com/osgrep/osgrep/internal/search"
	"github.com/osgrep/osgrep/internal/store"
	"github.com/osgrep/osgrep/internal/walker"
)

// EmbedBatchSize is how many unique fragment texts are submitted to the
// embedder per call, per file.
const EmbedBatchSize = 16

// MetaPersistEveryN mirrors meta.SaveEveryN for the sync orchestrator's own
// "every 50 successful files" checkpoint.
const MetaPersistEveryN = meta.SaveEveryN

// Progress is invoked after each file is processed (or skipped) during a
// sync, and once more at completion.
type Progress func(processed, indexed, total int, path string)

// Config controls one Syncer's behavior.
type Config struct {
	ProjectID   string
	Root        string
	MetaPath    string // path to the MetaStore JSON file
	BM25Path    string // path to persist the BM25 index after a sync
	VectorPath  string // path to persist the vector index after a sync
	Concurrency int    // bounded per-file concurrency; defaults to max(1, cpus/2)
	DryRun      bool
}

// Deps are the Syncer's collaborators.
type Deps struct {
	Engine      *search.Engine
	Metadata    store.MetadataStore
	Embedder    embed.Embedder // used directly for the within-file dedup/batch embedding step
	CodeChunker chunk.Chunker
	MDChunker   chunk.Chunker
	Filter      *ignore.Filter // optional; LoadForRoot(cfg.Root) is used if nil
}

// Result summarizes one Sync call.
type Result struct {
	Total     int
	Processed int
	Indexed   int
	Skipped   int
	Deleted   int
	Errors    int
	DryRun    bool
	Duration  time.Duration
}

// DryRunRecord describes a file that would have been (re)indexed, emitted
// instead of writing anything when Config.DryRun is set.
type DryRunRecord struct {
	Path      string
	Reason    string // "new", "changed"
	ChunkHint int    // rough chunk count estimate from a quick chunk pass
}

// Syncer drives the sync pipeline described in the package doc.
type Syncer struct {
	cfg       Config
	deps      Deps
	meta      *meta.Store
	dryRunMu  sync.Mutex
	dryRunLog []DryRunRecord
}

// New builds a Syncer. MetaStore is loaded lazily on the first Sync call.
func New(cfg Config, deps Deps) *Syncer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency()
	}
	if cfg.MetaPath == "" {
		cfg.MetaPath = meta.DefaultPath()
	}
	return &Syncer{cfg: cfg, deps: deps}
}

func defaultConcurrency() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}

// Sync walks cfg.Root, indexes changed files, deletes stale ones, and
// reports progress via the optional callback. Context cancellation lets
// in-flight file pipelines finish their current step; no new files start,
// and the MetaStore is persisted before returning.
func (s *Syncer) Sync(ctx context.Context, progress Progress) (*Result, error) {
	start := time.Now()
	s.meta = meta.Load(s.cfg.MetaPath)
	s.dryRunLog = nil

	filter := s.deps.Filter
	if filter == nil {
		var err error
		filter, err = ignore.LoadForRoot(s.cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("load ignore filter: %w", err)
		}
	}

	diskFiles, err := walker.Walk(ctx, s.cfg.Root, filter)
	if err != nil {
		return nil, fmt.Errorf("walk root: %w", err)
	}

	diskPaths := make(map[string]walker.File, len(diskFiles))
	for _, f := range diskFiles {
		diskPaths[f.RelPath] = f
	}

	result := &Result{Total: len(diskFiles), DryRun: s.cfg.DryRun}

	deleted, err := s.deleteStale(ctx, diskPaths)
	if err != nil {
		return nil, fmt.Errorf("delete stale entries: %w", err)
	}
	result.Deleted = deleted
	if deleted > 0 && !s.cfg.DryRun {
		_ = s.meta.Save()
	}

	var resultMu sync.Mutex
	sinceMetaSave := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, f := range diskFiles {
		f := f
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil // cancellation: let in-flight work finish, start nothing new
			}

			indexed, skipErr := s.processFile(gctx, f)

			resultMu.Lock()
			if skipErr != nil {
				slog.Warn("sync_file_error", slog.String("path", f.RelPath), slog.String("error", skipErr.Error()))
				result.Errors++
			} else if indexed {
				result.Indexed++
			} else {
				result.Skipped++
			}
			result.Processed++
			processed, indexedCount := result.Processed, result.Indexed

			sinceMetaSave++
			shouldSaveMeta := sinceMetaSave >= MetaPersistEveryN && !s.cfg.DryRun
			if shouldSaveMeta {
				sinceMetaSave = 0
			}
			resultMu.Unlock()

			if progress != nil {
				progress(processed, indexedCount, result.Total, f.RelPath)
			}
			if shouldSaveMeta {
				s.meta.MaybeSave()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !s.cfg.DryRun && (result.Indexed > 0 || deleted > 0) {
		if err := s.deps.Engine.PersistIndexes(s.cfg.BM25Path, s.cfg.VectorPath); err != nil {
			slog.Warn("sync_persist_indexes_failed", slog.String("error", err.Error()))
		}
	}

	if !s.cfg.DryRun {
		_ = s.meta.Save()
	}

	if progress != nil {
		progress(result.Processed, result.Indexed, result.Total, "")
	}

	result.Duration = time.Since(start)
	return result, nil
}

// DryRunRecords returns the "would have indexed" records from the most
// recent Sync call made with Config.DryRun set.
func (s *Syncer) DryRunRecords() []DryRunRecord {
	return s.dryRunLog
}

// IsIgnored reports whether relPath is excluded from indexing by the
// configured ignore filter, for callers (the watcher) deciding whether a
// raw filesystem event is worth acting on at all.
func (s *Syncer) IsIgnored(relPath string, isDir bool) bool {
	filter := s.deps.Filter
	if filter == nil {
		return false
	}
	return filter.IsIgnored(relPath, isDir)
}

// SyncPath re-indexes a single file by its root-relative path: the same
// hash-skip/chunk/dedupe-embed/delete-then-insert pipeline Sync runs per
// file, used by the watcher to react to an individual add/change event
// without a full repository walk. The MetaStore is loaded lazily on first
// use so a watcher-only process (no prior Sync call) still works.
func (s *Syncer) SyncPath(ctx context.Context, relPath string) (bool, error) {
	if s.meta == nil {
		s.meta = meta.Load(s.cfg.MetaPath)
	}
	abs := filepath.Join(s.cfg.Root, relPath)
	indexed, err := s.processFile(ctx, walker.File{RelPath: relPath, AbsPath: abs})
	if err != nil {
		return false, err
	}
	if !s.cfg.DryRun {
		s.meta.MaybeSave()
	}
	return indexed, nil
}

// RemovePath deletes a single file's chunks and metadata record, used by
// the watcher to react to an unlink event.
func (s *Syncer) RemovePath(ctx context.Context, relPath string) error {
	if s.meta == nil {
		s.meta = meta.Load(s.cfg.MetaPath)
	}
	if err := s.deleteFile(ctx, relPath); err != nil {
		return err
	}
	if !s.cfg.DryRun {
		s.meta.MaybeSave()
	}
	return nil
}

// deleteStale removes every tracked path no longer present on disk.
func (s *Syncer) deleteStale(ctx context.Context, diskPaths map[string]walker.File) (int, error) {
	dbPaths, err := s.deps.Metadata.GetFilePathsByProject(ctx, s.cfg.ProjectID)
	if err != nil {
		return 0, err
	}

	var deleted int
	for _, path := range dbPaths {
		if _, ok := diskPaths[path]; ok {
			continue
		}
		if err := s.deleteFile(ctx, path); err != nil {
			slog.Warn("sync_delete_stale_failed", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (s *Syncer) deleteFile(ctx context.Context, relPath string) error {
	file, err := s.deps.Metadata.GetFileByPath(ctx, s.cfg.ProjectID, relPath)
	if err != nil {
		return err
	}
	if file == nil {
		s.meta.Delete(relPath)
		return nil
	}

	if !s.cfg.DryRun {
		chunks, err := s.deps.Metadata.GetChunksByFile(ctx, file.ID)
		if err != nil {
			return err
		}
		ids := make([]string, len(chunks))
		for i, c := range chunks {
			ids[i] = c.ID
		}
		if len(ids) > 0 {
			if err := s.deps.Engine.Delete(ctx, ids); err != nil {
				return err
			}
		}
		if err := s.deps.Metadata.DeleteFile(ctx, file.ID); err != nil {
			return err
		}
	}

	s.meta.Delete(relPath)
	return nil
}

// processFile implements steps 4a-4e of the sync algorithm for one file.
// It returns (true, nil) if the file was (re)indexed, (false, nil) if it
// was skipped (unchanged or empty), and (false, err) on failure.
func (s *Syncer) processFile(ctx context.Context, f walker.File) (bool, error) {
	content, err := os.ReadFile(f.AbsPath)
	if err != nil {
		return false, fmt.Errorf("read file: %w", err)
	}
	if len(content) == 0 {
		return false, nil
	}
	if isBinary(content) {
		return false, nil
	}

	hash := hashContent(content)
	if existing, ok := s.meta.Get(f.RelPath); ok && existing == hash {
		return false, nil
	}

	language := languageForPath(f.RelPath)
	chunker := s.chunkerFor(f.RelPath)

	chunks, err := chunker.Chunk(ctx, &chunk.FileInput{
		Path:     f.RelPath,
		Content:  content,
		Language: language,
	})
	if err != nil {
		return false, fmt.Errorf("chunk file: %w", err)
	}
	if len(chunks) == 0 {
		s.meta.Set(f.RelPath, hash)
		return false, nil
	}

	if s.cfg.DryRun {
		rec := DryRunRecord{
			Path:      f.RelPath,
			Reason:    dryRunReason(s.meta, f.RelPath),
			ChunkHint: len(chunks),
		}
		s.dryRunMu.Lock()
		s.dryRunLog = append(s.dryRunLog, rec)
		s.dryRunMu.Unlock()
		return true, nil
	}

	info, err := os.Stat(f.AbsPath)
	if err != nil {
		return false, fmt.Errorf("stat file: %w", err)
	}

	fid := fileID(s.cfg.ProjectID, f.RelPath)
	storeChunks := toStoreChunks(chunks, fid, f.RelPath)

	embeddings, err := s.embedDeduped(ctx, storeChunks)
	if err != nil {
		return false, fmt.Errorf("embed chunks: %w", err)
	}

	// delete_by_path strictly precedes insert_batch: a reader sees either
	// the old set or the new set, never a union.
	if err := s.deleteExistingChunks(ctx, fid); err != nil {
		return false, fmt.Errorf("delete existing chunks: %w", err)
	}

	fileRecord := &store.File{
		ID:          fid,
		ProjectID:   s.cfg.ProjectID,
		Path:        f.RelPath,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ContentHash: hash,
		Language:    language,
		ContentType: string(storeChunks[0].ContentType),
		IndexedAt:   time.Now(),
	}
	if err := s.deps.Metadata.SaveFiles(ctx, []*store.File{fileRecord}); err != nil {
		return false, fmt.Errorf("save file record: %w", err)
	}

	if err := s.deps.Engine.IndexWithEmbeddings(ctx, storeChunks, embeddings); err != nil {
		return false, fmt.Errorf("index chunks: %w", err)
	}

	s.meta.Set(f.RelPath, hash)
	return true, nil
}

func dryRunReason(m *meta.Store, path string) string {
	if _, ok := m.Get(path); ok {
		return "changed"
	}
	return "new"
}

func (s *Syncer) deleteExistingChunks(ctx context.Context, fileID string) error {
	existing, err := s.deps.Metadata.GetChunksByFile(ctx, fileID)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return nil
	}
	ids := make([]string, len(existing))
	for i, c := range existing {
		ids[i] = c.ID
	}
	return s.deps.Engine.Delete(ctx, ids)
}

// embedDeduped computes embeddings for chunks, deduplicating identical
// fragment texts within the file and submitting unique texts to the
// embedder in batches of EmbedBatchSize.
func (s *Syncer) embedDeduped(ctx context.Context, chunks []*store.Chunk) ([][]float32, error) {
	uniqueIndex := make(map[string]int, len(chunks))
	var uniqueTexts []string
	assignment := make([]int, len(chunks))

	for i, c := range chunks {
		if idx, ok := uniqueIndex[c.Content]; ok {
			assignment[i] = idx
			continue
		}
		idx := len(uniqueTexts)
		uniqueIndex[c.Content] = idx
		uniqueTexts = append(uniqueTexts, c.Content)
		assignment[i] = idx
	}

	uniqueEmbeddings := make([][]float32, 0, len(uniqueTexts))
	for start := 0; start < len(uniqueTexts); start += EmbedBatchSize {
		end := start + EmbedBatchSize
		if end > len(uniqueTexts) {
			end = len(uniqueTexts)
		}
		batch, err := s.deps.Embedder.EmbedBatch(ctx, uniqueTexts[start:end])
		if err != nil {
			return nil, err
		}
		uniqueEmbeddings = append(uniqueEmbeddings, batch...)
	}

	embeddings := make([][]float32, len(chunks))
	for i, idx := range assignment {
		embeddings[i] = uniqueEmbeddings[idx]
	}
	return embeddings, nil
}

func (s *Syncer) chunkerFor(relPath string) chunk.Chunker {
	ext := filepath.Ext(relPath)
	for _, e := range s.deps.MDChunker.SupportedExtensions() {
		if e == ext {
			return s.deps.MDChunker
		}
	}
	return s.deps.CodeChunker
}

func languageForPath(relPath string) string {
	ext := filepath.Ext(relPath)
	cfg, ok := chunk.DefaultRegistry().GetByExtension(ext)
	if !ok {
		return ""
	}
	return cfg.Name
}

func toStoreChunks(chunks []*chunk.Chunk, fileID, relPath string) []*store.Chunk {
	out := make([]*store.Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = &store.Chunk{
			ID:          c.ID,
			FileID:      fileID,
			FilePath:    relPath,
			Content:     c.Content,
			RawContent:  c.RawContent,
			Context:     c.Context,
			ContentType: store.ContentType(c.ContentType),
			Language:    c.Language,
			StartLine:   c.StartLine,
			EndLine:     c.EndLine,
			Kind:        string(c.Kind),
			IsAnchor:    c.IsAnchor,
			Metadata:    c.Metadata,
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   c.UpdatedAt,
		}
		if len(c.Symbols) > 0 {
			out[i].Symbols = toStoreSymbols(c.Symbols)
		}
	}
	return out
}

func toStoreSymbols(symbols []*chunk.Symbol) []*store.Symbol {
	out := make([]*store.Symbol, len(symbols))
	for i, sym := range symbols {
		out[i] = &store.Symbol{
			Name:       sym.Name,
			Type:       store.SymbolType(sym.Type),
			StartLine:  sym.StartLine,
			EndLine:    sym.EndLine,
			Signature:  sym.Signature,
			DocComment: sym.DocComment,
		}
	}
	return out
}

func fileID(projectID, path string) string {
	sum := sha256.Sum256([]byte(projectID + ":" + path))
	return hex.EncodeToString(sum[:])[:16]
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func isBinary(content []byte) bool {
	checkLen := 512
	if len(content) < checkLen {
		checkLen = len(content)
	}
	for i := 0; i < checkLen; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}

// ProjectID derives the deterministic project identity from its absolute
// root path, matching the scheme the metadata store's foreign keys expect.
func ProjectID(root string) string {
	sum := sha256.Sum256([]byte(root))
	return hex.EncodeToString(sum[:])
}

// EnsureProject upserts the project record so the file/chunk tables' foreign
// keys have somewhere to point before the first sync.
func EnsureProject(ctx context.Context, metadata store.MetadataStore, root string) (string, error) {
	id := ProjectID(root)
	project := &store.Project{
		ID:          id,
		Name:        filepath.Base(root),
		RootPath:    root,
		ProjectType: string(config.DetectProjectType(root)),
		IndexedAt:   time.Now(),
		Version:     fmt.Sprintf("%d", store.CurrentSchemaVersion),
	}
	if err := metadata.SaveProject(ctx, project); err != nil {
		return "", err
	}
	return id, nil
}
