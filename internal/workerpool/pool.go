// Package workerpool manages a fixed set of embedding workers, each wrapping
// an embed.Embedder, serializing dispatch per worker (model sessions aren't
// reentrant), enforcing per-request timeouts, and recycling workers whose
// memory footprint or failure count crosses a threshold.
package workerpool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/osgrep/osgrep/internal/embed"
)

// ErrRejected is returned when a request has triggered three consecutive
// worker recycles and is permanently refused rather than retried again.
var ErrRejected = errors.New("workerpool: request rejected after repeated worker recycling")

// Factory constructs a fresh embedder instance, used both for the pool's
// initial spawn and to respawn a worker after it's recycled.
type Factory func(ctx context.Context) (embed.Embedder, error)

// Config controls pool-wide policy. Zero values fall back to DefaultConfig.
type Config struct {
	// Count is the number of workers in the pool.
	Count int
	// Timeout bounds each request; on expiry the pending request is
	// rejected and its worker recycled.
	Timeout time.Duration
	// MemoryThresholdBytes recycles a worker once its RSS exceeds this
	// value, observed after each reply. A zero value disables the check.
	MemoryThresholdBytes uint64
	// MaxConsecutiveRecycles is how many times the same request may
	// trigger a worker recycle before it's rejected permanently.
	MaxConsecutiveRecycles int
}

// DefaultConfig returns the pool defaults: 60s timeout, recycle at
// 50% of system RAM (left as 0 here — callers compute the absolute
// threshold from system memory and override it), reject after 3 recycles.
func DefaultConfig() Config {
	return Config{
		Count:                  1,
		Timeout:                60 * time.Second,
		MemoryThresholdBytes:   0,
		MaxConsecutiveRecycles: 3,
	}
}

type worker struct {
	mu       sync.Mutex
	id       int
	embedder embed.Embedder
	factory  Factory
}

// spawn lazily creates the underlying embedder. Callers must hold w.mu.
func (w *worker) spawn(ctx context.Context) error {
	if w.embedder != nil {
		return nil
	}
	e, err := w.factory(ctx)
	if err != nil {
		return fmt.Errorf("workerpool: spawn worker %d: %w", w.id, err)
	}
	w.embedder = e
	return nil
}

// recycle closes and discards the current embedder so the next request
// lazily respawns a fresh one. Recycling never blocks new enqueues: the
// caller only holds w.mu for the duration of this call, not for the
// respawn (which happens inline on the next request).
func (w *worker) recycle() {
	if w.embedder != nil {
		_ = w.embedder.Close()
		w.embedder = nil
	}
}

// Pool dispatches embedding work across a fixed set of workers.
type Pool struct {
	cfg     Config
	workers []*worker
	next    uint64 // round-robin cursor, advanced atomically

	failuresMu sync.Mutex
	failures   map[string]int // requestKey -> consecutive recycle count

	dimensions int
	modelName  string
}

// New builds a Pool of cfg.Count workers, each spawned lazily from factory
// on first use.
func New(cfg Config, factory Factory) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxConsecutiveRecycles <= 0 {
		cfg.MaxConsecutiveRecycles = DefaultConfig().MaxConsecutiveRecycles
	}

	p := &Pool{
		cfg:      cfg,
		workers:  make([]*worker, cfg.Count),
		failures: make(map[string]int),
	}
	for i := range p.workers {
		p.workers[i] = &worker{id: i, factory: factory}
	}
	return p
}

// Ensure Pool itself satisfies embed.Embedder, so it can be handed to
// anything that expects a single embedder (e.g. search.Engine) while
// fanning requests out across its workers underneath.
var _ embed.Embedder = (*Pool)(nil)

// ensureProbe spawns worker 0 if needed and caches its Dimensions/ModelName,
// which are assumed identical across all workers (they share one factory).
func (p *Pool) ensureProbe(ctx context.Context) error {
	w := p.workers[0]
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.spawn(ctx); err != nil {
		return err
	}
	if p.modelName == "" {
		p.dimensions = w.embedder.Dimensions()
		p.modelName = w.embedder.ModelName()
	}
	return nil
}

// Dimensions returns the embedding dimension, probing worker 0 on first use.
func (p *Pool) Dimensions() int {
	_ = p.ensureProbe(context.Background())
	return p.dimensions
}

// ModelName returns the model identifier, probing worker 0 on first use.
func (p *Pool) ModelName() string {
	_ = p.ensureProbe(context.Background())
	return p.modelName
}

// Available reports whether the pool can serve requests.
func (p *Pool) Available(ctx context.Context) bool {
	if err := p.ensureProbe(ctx); err != nil {
		return false
	}
	w := p.workers[0]
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.embedder != nil && w.embedder.Available(ctx)
}

// SetBatchIndex propagates thermal-timeout batch position to every spawned
// worker.
func (p *Pool) SetBatchIndex(idx int) {
	for _, w := range p.workers {
		w.mu.Lock()
		if w.embedder != nil {
			w.embedder.SetBatchIndex(idx)
		}
		w.mu.Unlock()
	}
}

// SetFinalBatch propagates final-batch thermal boost to every spawned
// worker.
func (p *Pool) SetFinalBatch(isFinal bool) {
	for _, w := range p.workers {
		w.mu.Lock()
		if w.embedder != nil {
			w.embedder.SetFinalBatch(isFinal)
		}
		w.mu.Unlock()
	}
}

// Close drains and closes every worker. Satisfies embed.Embedder.
func (p *Pool) Close() error {
	p.Shutdown()
	return nil
}

// EmbedBatch dispatches a hybrid(texts) request to the next available
// worker, honoring the configured timeout, one-retry-after-recycle policy,
// and permanent rejection after repeated failures on the same input.
func (p *Pool) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	key := requestKey(texts)

	if p.rejected(key) {
		return nil, ErrRejected
	}

	vectors, err := dispatch(p, ctx, func(reqCtx context.Context, e embed.Embedder) ([][]float32, error) {
		return e.EmbedBatch(reqCtx, texts)
	})
	if err == nil {
		p.clearFailure(key)
		return vectors, nil
	}

	if p.recordFailure(key) {
		return nil, ErrRejected
	}

	// One automatic retry on a (possibly freshly respawned) worker.
	vectors, retryErr := dispatch(p, ctx, func(reqCtx context.Context, e embed.Embedder) ([][]float32, error) {
		return e.EmbedBatch(reqCtx, texts)
	})
	if retryErr == nil {
		p.clearFailure(key)
		return vectors, nil
	}
	if p.recordFailure(key) {
		return nil, ErrRejected
	}
	return nil, retryErr
}

// Rerank dispatches a rerank(query, documents) request to the next available
// worker, honoring the same timeout/retry/rejection policy as EmbedBatch.
// Workers whose embedder doesn't also implement embed.Reranker reject the
// request immediately, since the worker contract requires one process to
// own both the dense encoder and the cross-encoder.
func (p *Pool) Rerank(ctx context.Context, query string, documents []string, topK int) ([]embed.RerankResult, error) {
	key := requestKey(append([]string{"rerank", query}, documents...))

	if p.rejected(key) {
		return nil, ErrRejected
	}

	results, err := dispatch(p, ctx, func(reqCtx context.Context, e embed.Embedder) ([]embed.RerankResult, error) {
		return rerankWith(reqCtx, e, query, documents, topK)
	})
	if err == nil {
		p.clearFailure(key)
		return results, nil
	}

	if p.recordFailure(key) {
		return nil, ErrRejected
	}

	results, retryErr := dispatch(p, ctx, func(reqCtx context.Context, e embed.Embedder) ([]embed.RerankResult, error) {
		return rerankWith(reqCtx, e, query, documents, topK)
	})
	if retryErr == nil {
		p.clearFailure(key)
		return results, nil
	}
	if p.recordFailure(key) {
		return nil, ErrRejected
	}
	return nil, retryErr
}

func rerankWith(ctx context.Context, e embed.Embedder, query string, documents []string, topK int) ([]embed.RerankResult, error) {
	reranker, ok := e.(embed.Reranker)
	if !ok {
		return nil, fmt.Errorf("workerpool: embedder does not implement reranking")
	}
	return reranker.Rerank(ctx, query, documents, topK)
}

// Embed dispatches a single-text query(text) request.
func (p *Pool) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errors.New("workerpool: embedder returned no vectors")
	}
	return vecs[0], nil
}

// dispatch picks the next worker round-robin, enforces the per-request
// timeout, and recycles the worker on timeout or error. fn receives the
// deadline-bound request context so the underlying embedder call is
// actually cancelled on expiry, not just abandoned. It's a package-level
// generic function rather than a method because Go methods can't carry
// their own type parameters, and both EmbedBatch ([][]float32) and Rerank
// ([]embed.RerankResult) need to share this dispatch policy.
func dispatch[T any](p *Pool, ctx context.Context, fn func(context.Context, embed.Embedder) (T, error)) (T, error) {
	var zero T

	idx := atomic.AddUint64(&p.next, 1) % uint64(len(p.workers))
	w := p.workers[idx]

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.spawn(ctx); err != nil {
		return zero, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		val, err := fn(reqCtx, w.embedder)
		done <- outcome{val, err}
	}()

	select {
	case <-reqCtx.Done():
		slog.Warn("workerpool_request_timeout", slog.Int("worker_id", w.id))
		// Detach the wedged embedder now so the next request respawns a
		// fresh one, but only Close it once the cancelled call has
		// actually returned: closing a session mid-call is a
		// use-after-close on runtimes that aren't reentrant.
		stale := w.embedder
		w.embedder = nil
		go func() {
			<-done
			if stale != nil {
				_ = stale.Close()
			}
		}()
		return zero, reqCtx.Err()
	case o := <-done:
		if o.err != nil {
			w.recycle()
			return zero, o.err
		}
		p.checkMemory(w)
		return o.val, nil
	}
}

// checkMemory recycles w if this process's RSS has crossed the configured
// threshold. The pool runs embedders in-process, so "recycling a worker"
// means dropping its model handle and letting the next request respawn it
// rather than terminating an OS process.
func (p *Pool) checkMemory(w *worker) {
	if p.cfg.MemoryThresholdBytes == 0 {
		return
	}
	rss, err := currentRSS()
	if err != nil {
		return
	}
	if rss > p.cfg.MemoryThresholdBytes {
		slog.Info("workerpool_memory_recycle",
			slog.Int("worker_id", w.id),
			slog.Uint64("rss_bytes", rss),
			slog.Uint64("threshold_bytes", p.cfg.MemoryThresholdBytes))
		w.recycle()
	}
}

func currentRSS() (uint64, error) {
	proc, err := process.NewProcess(int32(processPID()))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// requestKey derives a stable identity for a batch of texts so repeated
// failures on the same input can be counted toward permanent rejection.
func requestKey(texts []string) string {
	h := sha256.New()
	for _, t := range texts {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Pool) rejected(key string) bool {
	p.failuresMu.Lock()
	defer p.failuresMu.Unlock()
	return p.failures[key] >= p.cfg.MaxConsecutiveRecycles
}

// recordFailure increments the consecutive-recycle count for key and
// reports whether it has now reached the rejection threshold.
func (p *Pool) recordFailure(key string) bool {
	p.failuresMu.Lock()
	defer p.failuresMu.Unlock()
	p.failures[key]++
	return p.failures[key] >= p.cfg.MaxConsecutiveRecycles
}

func (p *Pool) clearFailure(key string) {
	p.failuresMu.Lock()
	defer p.failuresMu.Unlock()
	delete(p.failures, key)
}

// Shutdown drains in-flight requests (each worker's mutex is acquired in
// turn, so this blocks until no request is mid-flight) then closes every
// worker.
func (p *Pool) Shutdown() {
	for _, w := range p.workers {
		w.mu.Lock()
		w.recycle()
		w.mu.Unlock()
	}
}
