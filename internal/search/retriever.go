// Package search provides the retrieval service: embed a query, search the
// paper and force-field indexes, and join the resulting identifiers back
// against the metadata store.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/plasmahub/plasmarag/internal/config"
	"github.com/plasmahub/plasmarag/internal/embedding"
	"github.com/plasmahub/plasmarag/internal/storage"
	"github.com/plasmahub/plasmarag/internal/vector"
)

// PaperHit is a retrieved paper with its vector distance.
type PaperHit struct {
	*storage.StoredPaper
	Distance float32 `json:"distance"`
}

// ForceHit is a retrieved force field with its vector distance.
type ForceHit struct {
	*storage.StoredForceField
	Distance float32 `json:"distance"`
}

// Response holds both ranked result lists, each preserving the vector index's
// ascending distance order.
type Response struct {
	Papers      []*PaperHit `json:"papers"`
	Forces      []*ForceHit `json:"forces"`
	QueryTimeMs int64       `json:"query_time_ms"`
}

// Retriever runs nearest-neighbor queries over both indexes. Queries take no
// lock: they read the process-local index snapshot and the WAL database
// without blocking writers.
type Retriever struct {
	store      *storage.SQLiteStore
	embedder   embedding.Embedder
	paperIndex *vector.FlatIndex
	forceIndex *vector.FlatIndex
	cfg        *config.RetrievalConfig
	logger     *zap.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets a logger for query events.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retriever) { r.logger = l }
}

// NewRetriever creates a retriever over the given stores.
func NewRetriever(
	store *storage.SQLiteStore,
	paperIndex, forceIndex *vector.FlatIndex,
	embedder embedding.Embedder,
	cfg *config.RetrievalConfig,
	opts ...Option,
) *Retriever {
	r := &Retriever{
		store:      store,
		embedder:   embedder,
		paperIndex: paperIndex,
		forceIndex: forceIndex,
		cfg:        cfg,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Query embeds text and returns the topK nearest papers and force fields,
// each hydrated from the metadata store. Sentinel identifiers and identifiers
// with no matching metadata row (the bounded crash-hazard window) are
// silently dropped, never errored.
func (r *Retriever) Query(ctx context.Context, text string, topK int) (*Response, error) {
	start := time.Now()
	if topK <= 0 {
		topK = r.cfg.DefaultTopK
	}
	if topK > r.cfg.MaxTopK {
		topK = r.cfg.MaxTopK
	}

	queryVec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var paperResults, forceResults []vector.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		paperResults, err = r.paperIndex.Search(queryVec, topK)
		if err != nil {
			return fmt.Errorf("paper index search: %w", err)
		}
		return gctx.Err()
	})
	g.Go(func() error {
		var err error
		forceResults, err = r.forceIndex.Search(queryVec, topK)
		if err != nil {
			return fmt.Errorf("force index search: %w", err)
		}
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	resp := &Response{
		Papers: make([]*PaperHit, 0, topK),
		Forces: make([]*ForceHit, 0, topK),
	}
	for _, hit := range paperResults {
		if hit.ID == vector.SentinelID {
			continue
		}
		row, err := r.store.GetPaperByVectorID(ctx, hit.ID)
		if errors.Is(err, storage.ErrNotFound) {
			r.logger.Debug("dropping orphaned paper vector", zap.Int64("vector_id", hit.ID))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("join paper %d: %w", hit.ID, err)
		}
		resp.Papers = append(resp.Papers, &PaperHit{StoredPaper: row, Distance: hit.Distance})
	}
	for _, hit := range forceResults {
		if hit.ID == vector.SentinelID {
			continue
		}
		row, err := r.store.GetForceFieldByVectorID(ctx, hit.ID)
		if errors.Is(err, storage.ErrNotFound) {
			r.logger.Debug("dropping orphaned force vector", zap.Int64("vector_id", hit.ID))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("join force field %d: %w", hit.ID, err)
		}
		resp.Forces = append(resp.Forces, &ForceHit{StoredForceField: row, Distance: hit.Distance})
	}

	resp.QueryTimeMs = time.Since(start).Milliseconds()
	return resp, nil
}
