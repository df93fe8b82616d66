package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/plasmahub/plasmarag/internal/config"
	"github.com/plasmahub/plasmarag/internal/embedding"
	"github.com/plasmahub/plasmarag/internal/models"
	"github.com/plasmahub/plasmarag/internal/storage"
	"github.com/plasmahub/plasmarag/internal/vector"
)

const testDims = 16

type fixture struct {
	store      *storage.SQLiteStore
	paperIndex *vector.FlatIndex
	forceIndex *vector.FlatIndex
	embedder   *embedding.MockEmbedder
	retriever  *Retriever
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "kb.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	paperIndex, _ := vector.NewFlatIndex(testDims)
	forceIndex, _ := vector.NewFlatIndex(testDims)
	embedder := embedding.NewMockEmbedder(testDims)
	cfg := &config.RetrievalConfig{DefaultTopK: 2, MaxTopK: 3}

	return &fixture{
		store:      store,
		paperIndex: paperIndex,
		forceIndex: forceIndex,
		embedder:   embedder,
		retriever:  NewRetriever(store, paperIndex, forceIndex, embedder, cfg),
	}
}

// addPaper stores a paper row and its embedding under the shared key.
func (f *fixture) addPaper(t *testing.T, title, background string) int64 {
	t.Helper()
	ctx := context.Background()
	p := &models.Paper{}
	p.Metadata.Title = title
	p.PhysicsContext.DetailedBackground = background
	p.ApplyDefaults()

	tx, err := f.store.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	id, err := tx.InsertPaper(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.SetPaperVectorID(ctx, id, id); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	vec, err := f.embedder.Embed(ctx, p.CanonicalText())
	if err != nil {
		t.Fatal(err)
	}
	if err := f.paperIndex.Add(id, vec); err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) addForce(t *testing.T, name, formula, source string) int64 {
	t.Helper()
	ctx := context.Background()
	force := &models.ForceField{Name: name, Formula: formula, PhysicalSignificance: "test"}

	tx, err := f.store.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	id, err := tx.InsertForceField(ctx, force.Fingerprint("env"), force, source)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.SetForceFieldVectorID(ctx, id, id); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	vec, _ := f.embedder.Embed(ctx, force.FeatureText())
	if err := f.forceIndex.Add(id, vec); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestQueryFindsOwnCanonicalText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.addPaper(t, "Dust acoustic waves", "nonlinear wave propagation in dusty plasma")
	f.addPaper(t, "Coulomb crystals", "ordered structures in strongly coupled systems")

	p := &models.Paper{}
	p.Metadata.Title = "Dust acoustic waves"
	p.PhysicsContext.DetailedBackground = "nonlinear wave propagation in dusty plasma"

	resp, err := f.retriever.Query(ctx, p.CanonicalText(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Papers) != 2 {
		t.Fatalf("papers = %d", len(resp.Papers))
	}
	if resp.Papers[0].ID != id {
		t.Errorf("top hit id = %d, want %d", resp.Papers[0].ID, id)
	}
	if resp.Papers[0].Distance > 1e-6 {
		t.Errorf("distance to own canonical text = %v, want ~0", resp.Papers[0].Distance)
	}
	if resp.Papers[0].Distance > resp.Papers[1].Distance {
		t.Error("results not ordered by ascending distance")
	}
}

func TestQueryJoinsForceFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.addForce(t, "Yukawa", "Q^2/r exp(-r/l)", "Paper A")

	force := &models.ForceField{Name: "Yukawa", PhysicalSignificance: "test"}
	resp, err := f.retriever.Query(ctx, force.FeatureText(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Forces) != 1 {
		t.Fatalf("forces = %d", len(resp.Forces))
	}
	if resp.Forces[0].ID != id || resp.Forces[0].SourcePaper != "Paper A" {
		t.Errorf("got %+v", resp.Forces[0])
	}
}

func TestQueryEmptyIndexes(t *testing.T) {
	f := newFixture(t)
	resp, err := f.retriever.Query(context.Background(), "anything", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Papers) != 0 || len(resp.Forces) != 0 {
		t.Errorf("expected empty results, got %+v", resp)
	}
}

func TestQueryDropsOrphanedVectors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addPaper(t, "Real paper", "with a metadata row")

	// An identifier present in the index but absent from the metadata store:
	// the crash-hazard orphan. Silently filtered, not errored.
	orphanVec, _ := f.embedder.Embed(ctx, "orphan")
	if err := f.paperIndex.Add(99999, orphanVec); err != nil {
		t.Fatal(err)
	}

	resp, err := f.retriever.Query(ctx, "orphan", 3)
	if err != nil {
		t.Fatal(err)
	}
	for _, hit := range resp.Papers {
		if hit.VectorID == 99999 {
			t.Error("orphaned vector leaked into results")
		}
	}
	if len(resp.Papers) != 1 {
		t.Errorf("papers = %d, want 1", len(resp.Papers))
	}
}

func TestQueryClampsTopK(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, title := range []string{"a", "b", "c", "d", "e"} {
		f.addPaper(t, title, "background text number "+string(rune('a'+i)))
	}

	// topK <= 0 falls back to the default (2).
	resp, err := f.retriever.Query(ctx, "background", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Papers) != 2 {
		t.Errorf("default top_k: papers = %d", len(resp.Papers))
	}

	// topK above the maximum is clamped (3).
	resp, err = f.retriever.Query(ctx, "background", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Papers) != 3 {
		t.Errorf("max top_k: papers = %d", len(resp.Papers))
	}
}
