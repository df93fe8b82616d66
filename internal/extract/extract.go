package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/plasmahub/plasmarag/internal/models"
)

// Two-stage pipeline: the extraction model reads the document and emits
// tagged plain text (it is better at physics than at syntax), then the
// formatting model converts that to strict JSON at temperature zero.

const extractionPrompt = `You are a physics expert. Read the paper and extract the core information
in the tag format below. Do not output JSON or Markdown, only tags and content.
List every parameter and force field as its own entry.

[metadata.title]: title
[metadata.journal]: journal
[metadata.year]: year
[metadata.innovation]: key innovation
[physics_context.environment]: experimental environment
[physics_context.detailed_background]: background description
[observed_phenomena]: observed physical phenomena
[simulation_results_description]: simulation results
[keywords]: keyword1, keyword2
[experiment_setup]: apparatus description

[parameter]:
name: | symbol: | value: | unit: | meaning: | enriched_physics: | source: (stated/inferred)

[force_field]:
Only pair potentials describing particle-particle interaction; exclude
external fields, gravity, and confinement.
name: | formula: | physical_significance: | computational_hint:`

const formattingPrompt = `You are a strict JSON conversion assistant. Convert the tagged physics data
provided by the user into JSON with exactly this structure, and output only
the JSON body. Formulas use LaTeX without surrounding $ delimiters. Keep
value and unit separated. No trailing commas.

{
  "metadata": {"title": "", "journal": "", "year": "", "innovation": ""},
  "physics_context": {"environment": "", "detailed_background": ""},
  "observed_phenomena": "",
  "simulation_results_description": "",
  "keywords": [],
  "parameters": [{"name": "", "symbol": "", "value": "", "unit": "", "meaning": "", "enriched_physics": "", "source": ""}],
  "force_fields": [{"name": "", "formula": "", "physical_significance": "", "computational_hint": ""}],
  "experiment_setup": "",
  "figures": [{"id": "", "caption": "", "page": 0, "linked_parameters": [], "image_path": ""}]
}`

var titleTagRe = regexp.MustCompile(`\[metadata\.title\]:\s*(.*)`)

// ExtractPaper runs the two-stage extraction over the document text and
// returns the structured paper. A formatting failure does not error: it
// returns a fallback paper whose title carries the failure prefix, which the
// ingestion quality gate rejects downstream. Only transport/service failures
// error (treated by callers as "no record produced").
func (c *Client) ExtractPaper(ctx context.Context, document, documentName string) (*models.Paper, error) {
	tagged, err := c.complete(ctx, c.cfg.ExtractModel, []message{
		{Role: "system", Content: extractionPrompt},
		{Role: "user", Content: document},
	}, 0.1)
	if err != nil {
		return nil, fmt.Errorf("extraction stage: %w", err)
	}

	rawJSON, err := c.complete(ctx, c.cfg.FormatModel, []message{
		{Role: "system", Content: formattingPrompt},
		{Role: "user", Content: "Convert the following to JSON:\n\n" + tagged},
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("formatting stage: %w", err)
	}

	var paper models.Paper
	if err := json.Unmarshal([]byte(stripCodeFence(rawJSON)), &paper); err != nil {
		return fallbackPaper(tagged, documentName), nil
	}
	paper.ApplyDefaults()
	return &paper, nil
}

// fallbackPaper builds the failure record returned when formatting produced
// unusable JSON. The title is rescued from the tagged intermediate when
// possible; either way the failure prefix keeps the record out of the store.
func fallbackPaper(tagged, documentName string) *models.Paper {
	title := models.FailureTitlePrefix + " " + documentName
	if m := titleTagRe.FindStringSubmatch(tagged); m != nil && m[1] != "" {
		title = models.FailureTitlePrefix + " " + m[1]
	}
	p := &models.Paper{}
	p.Metadata.Title = title
	p.ApplyDefaults()
	return p
}
