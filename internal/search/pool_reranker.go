package search

import (
	"context"

	"github.com/osgrep/osgrep/internal/workerpool"
)

// PoolReranker adapts a *workerpool.Pool to the search.Reranker contract,
// converting embed.RerankResult into this package's own RerankResult. The
// pool dispatches rerank(query, documents) requests under the same
// timeout/retry/recycle policy as its embedding requests, since a worker
// owns both the dense encoder and the cross-encoder.
type PoolReranker struct {
	pool *workerpool.Pool
}

// Verify interface implementation at compile time
var _ Reranker = (*PoolReranker)(nil)

// NewPoolReranker wraps pool as a search.Reranker.
func NewPoolReranker(pool *workerpool.Pool) *PoolReranker {
	return &PoolReranker{pool: pool}
}

// Rerank scores and reorders documents by relevance to query.
func (r *PoolReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	if len(documents) == 0 {
		return []RerankResult{}, nil
	}

	results, err := r.pool.Rerank(ctx, query, documents, topK)
	if err != nil {
		return nil, err
	}

	out := make([]RerankResult, len(results))
	for i, rr := range results {
		out[i] = RerankResult{
			Index:    rr.Index,
			Score:    rr.Score,
			Document: rr.Document,
		}
	}
	return out, nil
}

// Available reports whether the pool can currently serve requests.
func (r *PoolReranker) Available(ctx context.Context) bool {
	return r.pool.Available(ctx)
}

// Close is a no-op: the pool's lifecycle is owned by whoever built it (it's
// also the engine's embedder), not by this reranker adapter.
func (r *PoolReranker) Close() error {
	return nil
}

// truncateQuery truncates a query string for logging.
func truncateQuery(q string, maxLen int) string {
	if len(q) <= maxLen {
		return q
	}
	return q[:maxLen] + "..."
}
