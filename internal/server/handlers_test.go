package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/plasmahub/plasmarag/internal/config"
	"github.com/plasmahub/plasmarag/internal/embedding"
	"github.com/plasmahub/plasmarag/internal/extract"
	"github.com/plasmahub/plasmarag/internal/ingest"
	"github.com/plasmahub/plasmarag/internal/models"
	"github.com/plasmahub/plasmarag/internal/search"
	"github.com/plasmahub/plasmarag/internal/storage"
	"github.com/plasmahub/plasmarag/internal/vector"
)

const testDims = 16

func newTestServer(t *testing.T, inference *extract.Client) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Storage.DatabasePath = filepath.Join(dir, "kb.db")
	cfg.Storage.PaperIndexPath = filepath.Join(dir, "papers.idx")
	cfg.Storage.ForceIndexPath = filepath.Join(dir, "forces.idx")
	cfg.Storage.LockPath = filepath.Join(dir, "kb.lock")
	cfg.Storage.LockTimeoutSecs = 5
	cfg.Retrieval.DefaultTopK = 2
	cfg.Retrieval.MaxTopK = 50

	store, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	paperIndex, err := vector.NewFlatIndex(testDims)
	if err != nil {
		t.Fatal(err)
	}
	forceIndex, err := vector.NewFlatIndex(testDims)
	if err != nil {
		t.Fatal(err)
	}

	embedder := embedding.NewMockEmbedder(testDims)
	coordinator := ingest.NewCoordinator(store, paperIndex, forceIndex, embedder, &cfg.Storage)
	retriever := search.NewRetriever(store, paperIndex, forceIndex, embedder, &cfg.Retrieval)

	return NewServer(coordinator, retriever, inference, store, paperIndex, forceIndex, cfg, zap.NewNop())
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func apiPaper(title string) *models.Paper {
	p := &models.Paper{}
	p.Metadata.Title = title
	p.Metadata.Innovation = "wake-mediated chain formation"
	p.PhysicsContext.Environment = "rf discharge"
	p.PhysicsContext.DetailedBackground = "streaming ions below the sheath edge"
	p.ForceFields = []models.ForceField{{
		Name:                 "Yukawa",
		Formula:              "Q^2/(4 pi eps0 r) exp(-r/lambda_D)",
		PhysicalSignificance: "screened coulomb repulsion",
	}}
	return p
}

func TestIngestEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/papers", apiPaper("Dust chains"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var result ingest.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Status != ingest.StatusStored || result.PaperID == 0 {
		t.Errorf("result = %+v", result)
	}

	// Same title again: skipped, not an error.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/papers", apiPaper("Dust chains"))
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Status != ingest.StatusSkipped || result.Reason != ingest.ReasonDuplicate {
		t.Errorf("duplicate result = %+v", result)
	}
}

func TestIngestEndpointRejectsBadBody(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/papers", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestIngestEndpointGatedPaperSkipped(t *testing.T) {
	srv := newTestServer(t, nil)
	p := &models.Paper{} // no title, no knowledge
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/papers", p)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var result ingest.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Status != ingest.StatusSkipped {
		t.Errorf("result = %+v", result)
	}
}

func TestQueryEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()
	paper := apiPaper("Chain formation under ion flow")
	if rec := doJSON(t, h, http.MethodPost, "/api/v1/papers", paper); rec.Code != http.StatusCreated {
		t.Fatalf("seed ingest status = %d", rec.Code)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/v1/query", queryRequest{Query: paper.CanonicalText()})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp search.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Papers) != 1 || resp.Papers[0].Paper.Title() != paper.Title() {
		t.Errorf("papers = %+v", resp.Papers)
	}
	if len(resp.Forces) != 1 || resp.Forces[0].Force.Name != "Yukawa" {
		t.Errorf("forces = %+v", resp.Forces)
	}
}

func TestQueryEndpointRequiresQuery(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/query", queryRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRecommendEndpointNotConfigured(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/recommend", recommendRequest{
		Query:      "dust chains",
		Parameters: map[string]extract.UserParam{"time_scale": {Value: "200", Unit: "ms"}},
	})
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRecommendEndpoint(t *testing.T) {
	inferSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": `{
				"parameter_recommendations": {"time_scale": {"range": [50, 400], "step": 10, "unit": "ms", "reason": "resolves the dust plasma period"}},
				"force_field_recommendation": {"name": "Yukawa", "reason": "screened interaction dominates"}
			}`}}},
		})
	}))
	defer inferSrv.Close()

	inference, err := extract.NewClient(&config.InferenceConfig{
		APIKey: "k", BaseURL: inferSrv.URL,
		ExtractModel: "m", FormatModel: "m", VisionModel: "m", RecommendModel: "m",
		TimeoutSecs: 10,
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := newTestServer(t, inference)
	h := srv.Handler()
	paper := apiPaper("Yukawa chains")
	if rec := doJSON(t, h, http.MethodPost, "/api/v1/papers", paper); rec.Code != http.StatusCreated {
		t.Fatal("seed ingest failed")
	}

	rec := doJSON(t, h, http.MethodPost, "/api/v1/recommend", recommendRequest{
		Query:             paper.CanonicalText(),
		Parameters:        map[string]extract.UserParam{"time_scale": {Value: "200", Unit: "ms"}},
		ExpectedPhenomena: "string formation",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp recommendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ReferencePaper != "Yukawa chains" {
		t.Errorf("reference = %q", resp.ReferencePaper)
	}
	if resp.Recommendation == nil || resp.Recommendation.ForceFieldRecommendation.Name != "Yukawa" {
		t.Errorf("recommendation = %+v", resp.Recommendation)
	}
}

func TestRecommendEndpointNoReference(t *testing.T) {
	inference, err := extract.NewClient(&config.InferenceConfig{
		APIKey: "k", BaseURL: "http://127.0.0.1:0",
		RecommendModel: "m", TimeoutSecs: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, inference)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/recommend", recommendRequest{
		Query:      "anything",
		Parameters: map[string]extract.UserParam{"p": {Value: "1"}},
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()
	if rec := doJSON(t, h, http.MethodPost, "/api/v1/papers", apiPaper("Stats paper")); rec.Code != http.StatusCreated {
		t.Fatal("seed ingest failed")
	}

	rec := doJSON(t, h, http.MethodGet, "/api/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats["papers"].(float64) != 1 || stats["force_fields"].(float64) != 1 {
		t.Errorf("stats = %v", stats)
	}
	if stats["paper_index_size"].(float64) != 1 {
		t.Errorf("paper_index_size = %v", stats["paper_index_size"])
	}
	if _, ok := stats["disk_usage_bytes"]; !ok {
		t.Error("disk_usage_bytes missing")
	}
}

func TestListPapersEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()
	for _, title := range []string{"First paper", "Second paper"} {
		if rec := doJSON(t, h, http.MethodPost, "/api/v1/papers", apiPaper(title)); rec.Code != http.StatusCreated {
			t.Fatalf("seed ingest %q failed", title)
		}
	}

	rec := doJSON(t, h, http.MethodGet, "/api/v1/papers?limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var page struct {
		Papers []*storage.StoredPaper `json:"papers"`
		Limit  int                    `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Papers) != 1 || page.Limit != 1 {
		t.Errorf("page = %+v", page)
	}

	// Empty store answers an empty list, not null.
	empty := newTestServer(t, nil)
	rec = doJSON(t, empty.Handler(), http.MethodGet, "/api/v1/papers", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"papers":[]`) {
		t.Errorf("empty list: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestListFiguresEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()
	paper := apiPaper("Paper with figures")
	paper.Figures = []models.Figure{
		{ID: "fig2", Caption: "phase diagram", Page: 4},
		{ID: "fig1", Caption: "apparatus", Page: 1},
	}
	rec := doJSON(t, h, http.MethodPost, "/api/v1/papers", paper)
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed ingest failed: %s", rec.Body.String())
	}
	var result ingest.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("/api/v1/papers/%d/figures", result.PaperID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var page struct {
		Figures []*storage.StoredFigure `json:"figures"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Figures) != 2 || page.Figures[0].Page != 1 {
		t.Errorf("figures = %+v", page.Figures)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/papers/nope/figures", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
