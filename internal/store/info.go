package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// GetIndexInfo assembles IndexInfo for the `osgrep index info` command from
// the metadata store's recorded state plus on-disk index sizes. The current
// embedder's model/dimensions are passed in so compatibility can be judged
// without constructing an embedder here.
func GetIndexInfo(ctx context.Context, metadata MetadataStore, dataDir, projectRoot, currentModel string, currentDimensions int) (*IndexInfo, error) {
	info := &IndexInfo{
		Location:          dataDir,
		ProjectRoot:       projectRoot,
		CurrentModel:      currentModel,
		CurrentBackend:    inferBackendFromModel(currentModel),
		CurrentDimensions: currentDimensions,
	}

	if model, err := metadata.GetState(ctx, StateKeyIndexModel); err == nil && model != "" {
		info.IndexModel = model
		info.IndexBackend = inferBackendFromModel(model)
	}
	if dim, err := metadata.GetState(ctx, StateKeyIndexDimension); err == nil && dim != "" {
		if n, err := strconv.Atoi(dim); err == nil {
			info.IndexDimensions = n
		}
	}

	// Compatible when the index records no dimension yet (fresh index) or
	// the dimensions line up.
	info.Compatible = info.IndexDimensions == 0 || info.IndexDimensions == currentDimensions

	if projects, err := metadata.ListProjects(ctx); err == nil {
		for _, p := range projects {
			info.ChunkCount += p.ChunkCount
			info.DocumentCount += p.FileCount
			if p.IndexedAt.After(info.UpdatedAt) {
				info.UpdatedAt = p.IndexedAt
			}
			if info.CreatedAt.IsZero() || p.IndexedAt.Before(info.CreatedAt) {
				info.CreatedAt = p.IndexedAt
			}
		}
	}

	info.BM25SizeBytes = getDirSize(filepath.Join(dataDir, "bm25"))
	if fi, err := os.Stat(filepath.Join(dataDir, "vectors.hnsw")); err == nil {
		info.VectorSizeBytes = fi.Size()
	}
	info.IndexSizeBytes = info.BM25SizeBytes + info.VectorSizeBytes

	return info, nil
}

// FormatBytes renders a byte count in human units (B, KB, MB, GB).
func FormatBytes(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatTime renders a timestamp for display; the zero value reads "unknown".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("2006-01-02 15:04:05")
}

// containsAny reports whether s contains any of the given substrings.
func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// inferBackendFromModel guesses the embedding backend from a model name.
// Local paths and mlx-prefixed models are MLX; everything else defaults to
// Ollama, which is where unprefixed model names resolve.
func inferBackendFromModel(model string) string {
	switch {
	case model == "static" || model == "static768":
		return "static"
	case strings.HasPrefix(model, "/"), containsAny(model, []string{"mlx-community/", "mlx-"}):
		return "mlx"
	default:
		return "ollama"
	}
}

// getDirSize sums the sizes of all regular files under dir, recursively.
// Missing or unreadable paths count as zero.
func getDirSize(dir string) int64 {
	var size int64
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries just don't count
		}
		if d.Type().IsRegular() {
			if fi, err := d.Info(); err == nil {
				size += fi.Size()
			}
		}
		return nil
	})
	return size
}
