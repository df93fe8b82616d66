package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/plasmahub/plasmarag/internal/config"
	"github.com/plasmahub/plasmarag/internal/embedding"
	"github.com/plasmahub/plasmarag/internal/lock"
	"github.com/plasmahub/plasmarag/internal/models"
	"github.com/plasmahub/plasmarag/internal/storage"
	"github.com/plasmahub/plasmarag/internal/vector"
	"github.com/plasmahub/plasmarag/pkg/utils"
)

// Coordinator performs the synchronized dual write: for each stored entity the
// metadata row is inserted first to obtain its primary key, the embedding is
// written to the vector index under that exact key, the index file is replaced
// atomically, and only then is the metadata transaction committed. The
// metadata store is authoritative; a crash mid-sequence leaves at worst an
// orphaned vector entry that joins filter out.
type Coordinator struct {
	store      *storage.SQLiteStore
	paperIndex *vector.FlatIndex
	forceIndex *vector.FlatIndex
	embedder   embedding.Embedder
	cfg        *config.StorageConfig
	validate   *validator.Validate
	logger     *zap.Logger

	// persistFn is swappable in tests to simulate persistence failures.
	persistFn func(idx *vector.FlatIndex, path string) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets a logger for ingest events.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a coordinator over the given stores. Both indexes
// must share the embedder's dimension.
func NewCoordinator(
	store *storage.SQLiteStore,
	paperIndex, forceIndex *vector.FlatIndex,
	embedder embedding.Embedder,
	cfg *config.StorageConfig,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		store:      store,
		paperIndex: paperIndex,
		forceIndex: forceIndex,
		embedder:   embedder,
		cfg:        cfg,
		validate:   validator.New(),
		logger:     zap.NewNop(),
		persistFn:  (*vector.FlatIndex).Save,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ingest validates and stores one structured paper. The returned Result is
// always non-nil; err is non-nil only for hard failures (lock timeout,
// persistence failure), which are retryable by the caller but never retried
// here. Validation rejections and duplicates are skips, not errors, so batch
// callers can continue.
func (c *Coordinator) Ingest(ctx context.Context, paper *models.Paper) (*Result, error) {
	paper.ApplyDefaults()

	if reason := c.qualityGate(paper); reason != "" {
		c.logger.Debug("record rejected by quality gate",
			zap.String("title", utils.Truncate(paper.Title(), 80)),
			zap.String("reason", reason))
		return &Result{Status: StatusSkipped, Reason: reason}, nil
	}

	guard, err := lock.Acquire(ctx, c.cfg.LockPath, c.cfg.LockTimeout())
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return &Result{Status: StatusFailed, Reason: "lock_unavailable"}, err
		}
		return &Result{Status: StatusFailed, Reason: "lock_error"}, err
	}
	defer guard.Release()

	res, err := c.ingestLocked(ctx, paper)
	if err != nil {
		// The in-memory indexes may hold entries whose file replace or
		// commit never happened. Reload from disk so process-local state
		// matches the persisted files again.
		c.reloadIndexes()
		return res, err
	}
	return res, nil
}

func (c *Coordinator) ingestLocked(ctx context.Context, paper *models.Paper) (*Result, error) {
	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return &Result{Status: StatusFailed, Reason: "begin_tx"}, err
	}
	defer tx.Rollback()

	title := paper.Title()
	if _, err := tx.PaperIDByTitle(ctx, title); err == nil {
		c.logger.Info("skipping duplicate paper", zap.String("title", utils.Truncate(title, 80)))
		return &Result{Status: StatusSkipped, Reason: ReasonDuplicate}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return &Result{Status: StatusFailed, Reason: "dedup_lookup"}, err
	}

	paperID, err := tx.InsertPaper(ctx, paper)
	if err != nil {
		return &Result{Status: StatusFailed, Reason: "insert_paper"}, err
	}

	paperVec, err := c.embedder.Embed(ctx, paper.CanonicalText())
	if err != nil {
		return &Result{Status: StatusFailed, Reason: "embed_paper"}, fmt.Errorf("embed paper: %w", err)
	}
	if err := c.paperIndex.Add(paperID, paperVec); err != nil {
		return &Result{Status: StatusFailed, Reason: "index_paper"}, err
	}
	if err := tx.SetPaperVectorID(ctx, paperID, paperID); err != nil {
		return &Result{Status: StatusFailed, Reason: "set_vector_id"}, err
	}
	if err := c.persistFn(c.paperIndex, c.cfg.PaperIndexPath); err != nil {
		perr := &PersistenceError{Path: c.cfg.PaperIndexPath, Err: err}
		return &Result{Status: StatusFailed, Reason: "persist_paper_index"}, perr
	}

	result := &Result{Status: StatusStored, PaperID: paperID}

	environment := paper.PhysicsContext.Environment
	for i := range paper.ForceFields {
		force := &paper.ForceFields[i]
		fingerprint := force.Fingerprint(environment)

		if _, err := tx.ForceFieldIDByFingerprint(ctx, fingerprint); err == nil {
			// Same interaction already contributed by an earlier paper:
			// shared knowledge, no duplicate row, no re-embedding.
			result.ForcesShared++
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return &Result{Status: StatusFailed, Reason: "force_dedup_lookup"}, err
		}

		forceID, err := tx.InsertForceField(ctx, fingerprint, force, title)
		if err != nil {
			return &Result{Status: StatusFailed, Reason: "insert_force"}, err
		}
		forceVec, err := c.embedder.Embed(ctx, force.FeatureText())
		if err != nil {
			return &Result{Status: StatusFailed, Reason: "embed_force"}, fmt.Errorf("embed force field: %w", err)
		}
		if err := c.forceIndex.Add(forceID, forceVec); err != nil {
			return &Result{Status: StatusFailed, Reason: "index_force"}, err
		}
		if err := tx.SetForceFieldVectorID(ctx, forceID, forceID); err != nil {
			return &Result{Status: StatusFailed, Reason: "set_force_vector_id"}, err
		}
		result.ForcesStored++
	}
	if result.ForcesStored > 0 {
		if err := c.persistFn(c.forceIndex, c.cfg.ForceIndexPath); err != nil {
			perr := &PersistenceError{Path: c.cfg.ForceIndexPath, Err: err}
			return &Result{Status: StatusFailed, Reason: "persist_force_index"}, perr
		}
	}

	for i := range paper.Figures {
		if _, err := tx.InsertFigure(ctx, paperID, &paper.Figures[i]); err != nil {
			return &Result{Status: StatusFailed, Reason: "insert_figure"}, err
		}
		result.Figures++
	}

	if err := tx.Commit(); err != nil {
		// The index files may now hold entries the metadata store never
		// committed. Harmless: no row claims them, joins skip them.
		return &Result{Status: StatusFailed, Reason: "commit"}, fmt.Errorf("commit ingest: %w", err)
	}

	c.logger.Info("paper stored",
		zap.String("title", utils.Truncate(title, 80)),
		zap.Int64("paper_id", paperID),
		zap.Int("forces_stored", result.ForcesStored),
		zap.Int("forces_shared", result.ForcesShared),
		zap.Int("figures", result.Figures))
	return result, nil
}

// reloadIndexes re-reads both index files, discarding in-memory entries that
// were never durably persisted. Called on the rollback path while the lock is
// still held.
func (c *Coordinator) reloadIndexes() {
	if err := c.paperIndex.Load(c.cfg.PaperIndexPath); err != nil {
		c.logger.Warn("failed to reload paper index after rollback", zap.Error(err))
	}
	if err := c.forceIndex.Load(c.cfg.ForceIndexPath); err != nil {
		c.logger.Warn("failed to reload force index after rollback", zap.Error(err))
	}
}
