package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/plasmahub/plasmarag/internal/config"
	"github.com/plasmahub/plasmarag/internal/models"
)

func TestStripCodeFence(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"Here it is:\n```json\n{\"a\":1}\n``` done", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tc := range cases {
		if got := stripCodeFence(tc.in); got != tc.want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// fakeInference serves /chat/completions, replying per call count.
func fakeInference(t *testing.T, replies []string) *httptest.Server {
	t.Helper()
	var call int
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if call >= len(replies) {
			t.Error("unexpected extra inference call")
			http.Error(w, "no reply scripted", http.StatusInternalServerError)
			return
		}
		reply := replies[call]
		call++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": reply}}},
		})
	}))
}

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := &config.InferenceConfig{
		APIKey:         "k",
		BaseURL:        url,
		ExtractModel:   "extract-model",
		FormatModel:    "format-model",
		VisionModel:    "vision-model",
		RecommendModel: "recommend-model",
		TimeoutSecs:    10,
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestExtractPaperTwoStage(t *testing.T) {
	structured := `{
		"metadata": {"title": "Chain formation in flowing plasma", "innovation": "asymmetric wakes"},
		"physics_context": {"environment": "microgravity", "detailed_background": "ion flow"},
		"force_fields": [{"name": "Wake potential", "formula": "W(r)", "physical_significance": "attraction"}]
	}`
	srv := fakeInference(t, []string{
		"[metadata.title]: Chain formation in flowing plasma\n[force_field]: ...",
		"```json\n" + structured + "\n```",
	})
	defer srv.Close()

	paper, err := testClient(t, srv.URL).ExtractPaper(context.Background(), "full text", "paper.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if paper.Title() != "Chain formation in flowing plasma" {
		t.Errorf("title = %q", paper.Title())
	}
	if len(paper.ForceFields) != 1 || paper.ForceFields[0].Name != "Wake potential" {
		t.Errorf("forces = %+v", paper.ForceFields)
	}
	// Defaults applied to unset fields.
	if paper.ObservedPhenomena != models.PlaceholderNone {
		t.Errorf("observed = %q", paper.ObservedPhenomena)
	}
}

func TestExtractPaperFormattingFallback(t *testing.T) {
	srv := fakeInference(t, []string{
		"[metadata.title]: Rescued Title\nother tags",
		"this is not json at all",
	})
	defer srv.Close()

	paper, err := testClient(t, srv.URL).ExtractPaper(context.Background(), "doc", "broken.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(paper.Title(), models.FailureTitlePrefix) {
		t.Errorf("fallback title missing prefix: %q", paper.Title())
	}
	if !strings.Contains(paper.Title(), "Rescued Title") {
		t.Errorf("title not rescued from tagged output: %q", paper.Title())
	}
}

func TestExtractPaperServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if _, err := testClient(t, srv.URL).ExtractPaper(context.Background(), "doc", "p.pdf"); err == nil {
		t.Error("service failure must surface as an error")
	}
}

func TestAnnotateFigureFallbacks(t *testing.T) {
	ctx := context.Background()

	// Unreadable image: fallback, no service call needed.
	c := testClient(t, "http://127.0.0.1:0")
	ann := c.AnnotateFigure(ctx, filepath.Join(t.TempDir(), "missing.png"), 3, "")
	if !strings.Contains(ann.Caption, "page 3") {
		t.Errorf("fallback caption = %q", ann.Caption)
	}
	if ann.LinkedParameters == nil {
		t.Error("linked parameters must be non-nil")
	}

	// Malformed model reply: fallback.
	img := filepath.Join(t.TempDir(), "fig.png")
	writeFile(t, img, []byte("pngdata"))
	srv := fakeInference(t, []string{"not json"})
	defer srv.Close()
	ann = testClient(t, srv.URL).AnnotateFigure(ctx, img, 1, "kappa")
	if !strings.Contains(ann.Caption, "page 1") {
		t.Errorf("fallback caption = %q", ann.Caption)
	}
}

func TestAnnotateFigureParsesReply(t *testing.T) {
	img := filepath.Join(t.TempDir(), "fig.png")
	writeFile(t, img, []byte("pngdata"))

	srv := fakeInference(t, []string{
		`{"caption": "Chain length vs thermal Mach number", "linked_parameters": ["M_T", {"symbol": "lambda_D"}, ""]}`,
	})
	defer srv.Close()

	ann := testClient(t, srv.URL).AnnotateFigure(context.Background(), img, 2, "M_T, lambda_D")
	if ann.Caption != "Chain length vs thermal Mach number" {
		t.Errorf("caption = %q", ann.Caption)
	}
	if len(ann.LinkedParameters) != 2 || ann.LinkedParameters[0] != "M_T" || ann.LinkedParameters[1] != "lambda_D" {
		t.Errorf("linked = %v", ann.LinkedParameters)
	}
}

func TestRecommendParsesReply(t *testing.T) {
	srv := fakeInference(t, []string{`{
		"parameter_recommendations": {
			"time_scale": {"range": [50, 400], "step": 10, "unit": "ms", "reason": "resolves dust plasma frequency"}
		},
		"force_field_recommendation": {"name": "Yukawa", "reason": "screened interaction dominates"}
	}`})
	defer srv.Close()

	paper := &models.Paper{}
	paper.Metadata.Title = "Ref"
	rec, err := testClient(t, srv.URL).Recommend(context.Background(), paper,
		map[string]UserParam{"time_scale": {Value: "200", Unit: "ms"}}, "string formation", nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ForceFieldRecommendation.Name != "Yukawa" {
		t.Errorf("force = %+v", rec.ForceFieldRecommendation)
	}
	pr, ok := rec.ParameterRecommendations["time_scale"]
	if !ok || pr.Unit != "ms" || len(pr.Range) != 2 {
		t.Errorf("param rec = %+v", rec.ParameterRecommendations)
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}
