package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/osgrep/osgrep/internal/embed"
	"github.com/osgrep/osgrep/internal/store"
)

// Fn-style mocks for the engine's dependencies. Each method delegates to
// its hook when set and falls back to a harmless default otherwise, so
// tests only wire up the calls they care about.

// MockBM25Index implements store.BM25Index.
type MockBM25Index struct {
	IndexFn  func(ctx context.Context, docs []*store.Document) error
	SearchFn func(ctx context.Context, query string, limit int, pathPrefix string) ([]*store.BM25Result, error)
	DeleteFn func(ctx context.Context, docIDs []string) error
	AllIDsFn func() ([]string, error)
	StatsFn  func() *store.IndexStats
	SaveFn   func(path string) error
	LoadFn   func(path string) error
	CloseFn  func() error
}

func (m *MockBM25Index) Index(ctx context.Context, docs []*store.Document) error {
	if m.IndexFn != nil {
		return m.IndexFn(ctx, docs)
	}
	return nil
}

func (m *MockBM25Index) Search(ctx context.Context, query string, limit int, pathPrefix string) ([]*store.BM25Result, error) {
	if m.SearchFn != nil {
		return m.SearchFn(ctx, query, limit, pathPrefix)
	}
	return nil, nil
}

func (m *MockBM25Index) Delete(ctx context.Context, docIDs []string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, docIDs)
	}
	return nil
}

func (m *MockBM25Index) AllIDs() ([]string, error) {
	if m.AllIDsFn != nil {
		return m.AllIDsFn()
	}
	return nil, nil
}

func (m *MockBM25Index) Stats() *store.IndexStats {
	if m.StatsFn != nil {
		return m.StatsFn()
	}
	return &store.IndexStats{}
}

func (m *MockBM25Index) Save(path string) error {
	if m.SaveFn != nil {
		return m.SaveFn(path)
	}
	return nil
}

func (m *MockBM25Index) Load(path string) error {
	if m.LoadFn != nil {
		return m.LoadFn(path)
	}
	return nil
}

func (m *MockBM25Index) Close() error {
	if m.CloseFn != nil {
		return m.CloseFn()
	}
	return nil
}

// MockVectorStore implements store.VectorStore.
type MockVectorStore struct {
	AddFn      func(ctx context.Context, ids []string, vectors [][]float32, paths []string) error
	SearchFn   func(ctx context.Context, query []float32, k int, pathPrefix string) ([]*store.VectorResult, error)
	DeleteFn   func(ctx context.Context, ids []string) error
	AllIDsFn   func() []string
	ContainsFn func(id string) bool
	CountFn    func() int
	SaveFn     func(path string) error
	LoadFn     func(path string) error
	CloseFn    func() error
}

func (m *MockVectorStore) Add(ctx context.Context, ids []string, vectors [][]float32, paths []string) error {
	if m.AddFn != nil {
		return m.AddFn(ctx, ids, vectors, paths)
	}
	return nil
}

func (m *MockVectorStore) Search(ctx context.Context, query []float32, k int, pathPrefix string) ([]*store.VectorResult, error) {
	if m.SearchFn != nil {
		return m.SearchFn(ctx, query, k, pathPrefix)
	}
	return nil, nil
}

func (m *MockVectorStore) Delete(ctx context.Context, ids []string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, ids)
	}
	return nil
}

func (m *MockVectorStore) AllIDs() []string {
	if m.AllIDsFn != nil {
		return m.AllIDsFn()
	}
	return nil
}

func (m *MockVectorStore) Contains(id string) bool {
	if m.ContainsFn != nil {
		return m.ContainsFn(id)
	}
	return false
}

func (m *MockVectorStore) Count() int {
	if m.CountFn != nil {
		return m.CountFn()
	}
	return 0
}

func (m *MockVectorStore) Save(path string) error {
	if m.SaveFn != nil {
		return m.SaveFn(path)
	}
	return nil
}

func (m *MockVectorStore) Load(path string) error {
	if m.LoadFn != nil {
		return m.LoadFn(path)
	}
	return nil
}

func (m *MockVectorStore) Close() error {
	if m.CloseFn != nil {
		return m.CloseFn()
	}
	return nil
}

// MockEmbedder implements embed.Embedder.
type MockEmbedder struct {
	EmbedFn      func(ctx context.Context, text string) ([]float32, error)
	EmbedBatchFn func(ctx context.Context, texts []string) ([][]float32, error)
	DimensionsFn func() int
	ModelNameFn  func() string
	AvailableFn  func(ctx context.Context) bool
	CloseFn      func() error
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFn != nil {
		return m.EmbedFn(ctx, text)
	}
	return make([]float32, m.Dimensions()), nil
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.EmbedBatchFn != nil {
		return m.EmbedBatchFn(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, m.Dimensions())
	}
	return out, nil
}

func (m *MockEmbedder) Dimensions() int {
	if m.DimensionsFn != nil {
		return m.DimensionsFn()
	}
	return 768
}

func (m *MockEmbedder) ModelName() string {
	if m.ModelNameFn != nil {
		return m.ModelNameFn()
	}
	return "mock-embedder"
}

func (m *MockEmbedder) Available(ctx context.Context) bool {
	if m.AvailableFn != nil {
		return m.AvailableFn(ctx)
	}
	return true
}

func (m *MockEmbedder) Close() error {
	if m.CloseFn != nil {
		return m.CloseFn()
	}
	return nil
}

func (m *MockEmbedder) SetBatchIndex(idx int) {}

func (m *MockEmbedder) SetFinalBatch(isFinal bool) {}

// MockMetadataStore implements store.MetadataStore backed by in-memory maps.
type MockMetadataStore struct {
	mu       sync.RWMutex
	chunks   map[string]*store.Chunk
	files    map[string]*store.File
	projects map[string]*store.Project
	state    map[string]string
}

// NewMockMetadataStore creates an empty in-memory metadata store.
func NewMockMetadataStore() *MockMetadataStore {
	return &MockMetadataStore{
		chunks:   make(map[string]*store.Chunk),
		files:    make(map[string]*store.File),
		projects: make(map[string]*store.Project),
		state:    make(map[string]string),
	}
}

func (m *MockMetadataStore) SaveProject(ctx context.Context, project *store.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[project.ID] = project
	return nil
}

func (m *MockMetadataStore) GetProject(ctx context.Context, id string) (*store.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project not found: %s", id)
	}
	return p, nil
}

func (m *MockMetadataStore) ListProjects(ctx context.Context) ([]*store.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	return out, nil
}

func (m *MockMetadataStore) UpdateProjectStats(ctx context.Context, id string, fileCount, chunkCount int) error {
	return nil
}

func (m *MockMetadataStore) RefreshProjectStats(ctx context.Context, id string) error {
	return nil
}

func (m *MockMetadataStore) SaveFiles(ctx context.Context, files []*store.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range files {
		m.files[f.ID] = f
	}
	return nil
}

func (m *MockMetadataStore) GetFileByPath(ctx context.Context, projectID, path string) (*store.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.files {
		if f.ProjectID == projectID && f.Path == path {
			return f, nil
		}
	}
	return nil, nil
}

func (m *MockMetadataStore) GetChangedFiles(ctx context.Context, projectID string, since time.Time) ([]*store.File, error) {
	return nil, nil
}

func (m *MockMetadataStore) ListFiles(ctx context.Context, projectID string, cursor string, limit int) ([]*store.File, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.File, 0, len(m.files))
	for _, f := range m.files {
		if f.ProjectID == projectID {
			out = append(out, f)
		}
	}
	return out, "", nil
}

func (m *MockMetadataStore) GetFilePathsByProject(ctx context.Context, projectID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, f := range m.files {
		if f.ProjectID == projectID {
			out = append(out, f.Path)
		}
	}
	return out, nil
}

func (m *MockMetadataStore) GetFilesForReconciliation(ctx context.Context, projectID string) (map[string]*store.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*store.File)
	for _, f := range m.files {
		if f.ProjectID == projectID {
			out[f.Path] = f
		}
	}
	return out, nil
}

func (m *MockMetadataStore) ListFilePathsUnder(ctx context.Context, projectID, dirPrefix string) ([]string, error) {
	return nil, nil
}

func (m *MockMetadataStore) DeleteFile(ctx context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, fileID)
	for id, c := range m.chunks {
		if c.FileID == fileID {
			delete(m.chunks, id)
		}
	}
	return nil
}

func (m *MockMetadataStore) DeleteFilesByProject(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range m.files {
		if f.ProjectID == projectID {
			delete(m.files, id)
		}
	}
	return nil
}

func (m *MockMetadataStore) SaveChunks(ctx context.Context, chunks []*store.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	return nil
}

func (m *MockMetadataStore) GetChunk(ctx context.Context, id string) (*store.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chunks[id]
	if !ok {
		return nil, fmt.Errorf("chunk not found: %s", id)
	}
	return c, nil
}

func (m *MockMetadataStore) GetChunks(ctx context.Context, ids []string) ([]*store.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MockMetadataStore) GetChunksByFile(ctx context.Context, fileID string) ([]*store.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*store.Chunk
	for _, c := range m.chunks {
		if c.FileID == fileID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MockMetadataStore) DeleteChunks(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.chunks, id)
	}
	return nil
}

func (m *MockMetadataStore) DeleteChunksByFile(ctx context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.chunks {
		if c.FileID == fileID {
			delete(m.chunks, id)
		}
	}
	return nil
}

func (m *MockMetadataStore) SearchSymbols(ctx context.Context, name string, limit int) ([]*store.Symbol, error) {
	return nil, nil
}

func (m *MockMetadataStore) GetState(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state[key], nil
}

func (m *MockMetadataStore) SetState(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key] = value
	return nil
}

func (m *MockMetadataStore) SaveChunkEmbeddings(ctx context.Context, chunkIDs []string, embeddings [][]float32, model string) error {
	return nil
}

func (m *MockMetadataStore) GetAllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	return nil, nil
}

func (m *MockMetadataStore) GetEmbeddingStats(ctx context.Context) (withEmbedding, withoutEmbedding int, err error) {
	return 0, 0, nil
}

func (m *MockMetadataStore) SaveIndexCheckpoint(ctx context.Context, stage string, total, embeddedCount int, embedderModel string) error {
	return nil
}

func (m *MockMetadataStore) LoadIndexCheckpoint(ctx context.Context) (*store.IndexCheckpoint, error) {
	return nil, nil
}

func (m *MockMetadataStore) ClearIndexCheckpoint(ctx context.Context) error {
	return nil
}

func (m *MockMetadataStore) Close() error {
	return nil
}

// Interface compliance checks.
var (
	_ store.BM25Index     = (*MockBM25Index)(nil)
	_ embed.Embedder      = (*MockEmbedder)(nil)
	_ store.VectorStore   = (*MockVectorStore)(nil)
	_ store.MetadataStore = (*MockMetadataStore)(nil)
)
