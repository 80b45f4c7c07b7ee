package rag

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/citerag/llm"
	"github.com/BaSui01/citerag/llm/retry"
	"github.com/BaSui01/citerag/types"
)

// RetrieverConfig configures Retriever.
type RetrieverConfig struct {
	DefaultTopK  int
	MaxTopK      int
	Timeout      time.Duration // per attempt
	MaxRetries   int
	RetryBackoff time.Duration

	// Section expansion: for the best ExpandHits hits, fetch up to
	// ExpandLimit chunks sharing the hit's parent section.
	ExpandSections bool
	ExpandHits     int
	ExpandLimit    int
}

// DefaultRetrieverConfig returns defaults matching config.DefaultRetrievalConfig.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		DefaultTopK:  8,
		MaxTopK:      50,
		Timeout:      5 * time.Second,
		MaxRetries:   1,
		RetryBackoff: 200 * time.Millisecond,
		ExpandHits:   2,
		ExpandLimit:  4,
	}
}

// Retriever embeds queries and runs filtered searches against a Store.
// It is safe for concurrent use; all per-query data stays on the stack.
type Retriever struct {
	store    Store
	embedder Embedder
	cfg      RetrieverConfig
	retryer  retry.Retryer
	logger   *zap.Logger
}

// NewRetriever creates a Retriever.
func NewRetriever(store Store, embedder Embedder, cfg RetrieverConfig, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultRetrieverConfig()
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = def.DefaultTopK
	}
	if cfg.MaxTopK < cfg.DefaultTopK {
		cfg.MaxTopK = cfg.DefaultTopK
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	logger = logger.With(zap.String("component", "retriever"))

	return &Retriever{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		retryer: retry.NewBackoffRetryer(&retry.RetryPolicy{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: cfg.RetryBackoff,
			MaxDelay:     4 * cfg.RetryBackoff,
			Multiplier:   2.0,
			Jitter:       true,
			ShouldRetry:  isTransientRetrievalError,
			OnRetry: func(attempt int, err error, delay time.Duration) {
				logger.Warn("retrieval failed, retrying",
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
					zap.Error(err))
			},
		}, logger),
		logger: logger,
	}
}

// TopK clamps a requested top-k to the configured range.
func (r *Retriever) TopK(requested int) int {
	if requested <= 0 {
		return r.cfg.DefaultTopK
	}
	return min(requested, r.cfg.MaxTopK)
}

// Search embeds q.Text and returns up to topK chunks matching filter.
// Failures are *types.Error with RETRIEVAL_FAILED or RETRIEVAL_TIMEOUT;
// an empty result is not an error.
func (r *Retriever) Search(ctx context.Context, q Query, filter Filter, topK int) ([]EvidenceChunk, error) {
	if filter.TenantID == "" {
		filter.TenantID = q.TenantID
	}
	if err := validateScope(q, filter); err != nil {
		return nil, err
	}

	vector, err := r.embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	return r.searchVector(ctx, q.TenantID, vector, filter, r.TopK(topK))
}

// Retrieve runs Search with the query's own filter and, when enabled,
// adds sibling chunks of the best hits.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]EvidenceChunk, error) {
	filter := FilterFor(q)
	if err := validateScope(q, filter); err != nil {
		return nil, err
	}

	vector, err := r.embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	hits, err := r.searchVector(ctx, q.TenantID, vector, filter, r.TopK(q.TopK))
	if err != nil {
		return nil, err
	}
	if !r.cfg.ExpandSections || len(hits) == 0 {
		return hits, nil
	}
	return r.expand(ctx, q, vector, hits), nil
}

func validateScope(q Query, filter Filter) error {
	if q.TenantID == "" {
		return types.NewError(types.ErrInvalidRequest, "tenant id is required").WithHTTPStatus(400)
	}
	if filter.TenantID != q.TenantID {
		return types.NewError(types.ErrInvalidRequest, "filter tenant does not match query tenant").WithHTTPStatus(400)
	}
	if q.Text == "" {
		return types.NewError(types.ErrInvalidRequest, "query text is required").WithHTTPStatus(400)
	}
	return nil
}

func (r *Retriever) embed(ctx context.Context, text string) ([]float64, error) {
	vectors, err := retry.DoWithResultTyped[[][]float64](r.retryer, ctx, func() ([][]float64, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		return r.embedder.Embed(attemptCtx, []string{text})
	})
	if err != nil {
		return nil, retrievalError("query embedding failed", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, retrievalError("query embedding failed", errors.New("empty embedding"))
	}
	return vectors[0], nil
}

func (r *Retriever) searchVector(ctx context.Context, tenant string, vector []float64, filter Filter, limit int) ([]EvidenceChunk, error) {
	start := time.Now()
	chunks, err := retry.DoWithResultTyped[[]EvidenceChunk](r.retryer, ctx, func() ([]EvidenceChunk, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		return r.store.Search(attemptCtx, vector, filter, limit)
	})
	if err != nil {
		return nil, retrievalError("vector search failed", err)
	}

	out := chunks[:0]
	for _, c := range chunks {
		if c.TenantID != tenant {
			r.logger.Warn("dropping chunk from foreign tenant",
				zap.String("chunk_id", c.ChunkID),
				zap.String("chunk_tenant", c.TenantID),
				zap.String("tenant", tenant))
			continue
		}
		out = append(out, c)
	}

	r.logger.Debug("vector search completed",
		zap.String("tenant", tenant),
		zap.Int("results", len(out)),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// expand fetches siblings of the best hits concurrently. Expansion is
// best-effort: a failed sibling lookup is logged and skipped.
func (r *Retriever) expand(ctx context.Context, q Query, vector []float64, hits []EvidenceChunk) []EvidenceChunk {
	n := min(r.cfg.ExpandHits, len(hits))
	parents := make([]SectionPath, 0, n)
	seen := make(map[string]bool)
	for _, h := range hits[:n] {
		parent := h.SectionPath.Parent()
		if len(parent) == 0 || seen[parent.String()] {
			continue
		}
		seen[parent.String()] = true
		parents = append(parents, parent)
	}
	if len(parents) == 0 {
		return hits
	}

	siblings := make([][]EvidenceChunk, len(parents))
	g, gctx := errgroup.WithContext(ctx)
	for i, parent := range parents {
		g.Go(func() error {
			filter := FilterFor(q)
			filter.Section = &SectionFilter{Mode: SectionPrefix, Segments: parent}
			res, err := r.searchVector(gctx, q.TenantID, vector, filter, r.cfg.ExpandLimit)
			if err != nil {
				r.logger.Warn("section expansion failed",
					zap.String("section", parent.String()),
					zap.Error(err))
				return nil
			}
			siblings[i] = res
			return nil
		})
	}
	_ = g.Wait()

	out := append([]EvidenceChunk(nil), hits...)
	for _, group := range siblings {
		for _, c := range group {
			// siblings must still satisfy the caller's own section filter
			if q.Section.Matches(c.SectionPath) {
				out = append(out, c)
			}
		}
	}
	return out
}

func isTransientRetrievalError(err error) bool {
	var qe *QdrantError
	if errors.As(err, &qe) {
		return qe.Transient()
	}
	if llm.IsRetryable(err) {
		return true
	}
	return isTimeout(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func retrievalError(msg string, err error) *types.Error {
	if isTimeout(err) {
		return types.NewError(types.ErrRetrievalTimeout, msg).
			WithCause(err).WithHTTPStatus(504).WithRetryable(true)
	}
	return types.NewError(types.ErrRetrievalFailed, msg).
		WithCause(err).WithHTTPStatus(502).WithRetryable(isTransientRetrievalError(err))
}
