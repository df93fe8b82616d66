package extract

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/plasmahub/plasmarag/internal/models"
	"github.com/plasmahub/plasmarag/internal/storage"
)

// UserParam is one parameter the operator wants to simulate.
type UserParam struct {
	Value       string `json:"value"`
	Unit        string `json:"unit"`
	Description string `json:"description"`
}

// ParamRecommendation is the recommended sweep for one parameter.
type ParamRecommendation struct {
	Range  []float64 `json:"range"`
	Step   float64   `json:"step"`
	Unit   string    `json:"unit"`
	Reason string    `json:"reason"`
}

// Recommendation is the full simulation setup recommendation.
type Recommendation struct {
	ParameterRecommendations map[string]ParamRecommendation `json:"parameter_recommendations"`
	ForceFieldRecommendation struct {
		Name   string `json:"name"`
		Reason string `json:"reason"`
	} `json:"force_field_recommendation"`
}

const recommendSystem = "You are a senior scientist in complex plasma physics and numerical methods. Output JSON only."

const recommendPromptFmt = `Reference paper structure:
%s

Related force fields retrieved from the knowledge base:
%s

Simulation request:
- Parameters to sweep: %s
- Expected phenomena: %s

For every parameter, recommend a range [min, max], a step size able to
resolve the relevant physics, and the matching unit (keep the user's unit
base, never mix units), with a reason citing the reference physics. Also
recommend the single best-matching interaction force field.

Output strictly as JSON:
{
  "parameter_recommendations": {
    "<parameter name>": {"range": [min, max], "step": v, "unit": "...", "reason": "..."}
  },
  "force_field_recommendation": {"name": "...", "reason": "..."}
}`

// Recommend asks the inference service for parameter sweep ranges grounded in
// the reference paper and the force fields retrieved from the knowledge base.
func (c *Client) Recommend(
	ctx context.Context,
	paper *models.Paper,
	userParams map[string]UserParam,
	expectedPhenomena string,
	relatedForces []*storage.StoredForceField,
) (*Recommendation, error) {
	paperJSON, err := json.Marshal(paper)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal paper: %w", err)
	}
	forces := make([]models.ForceField, 0, len(relatedForces))
	for _, f := range relatedForces {
		forces = append(forces, f.Force)
	}
	forcesJSON, _ := json.Marshal(forces)
	paramsJSON, _ := json.Marshal(userParams)
	if expectedPhenomena == "" {
		expectedPhenomena = "not specified"
	}

	prompt := fmt.Sprintf(recommendPromptFmt, paperJSON, forcesJSON, paramsJSON, expectedPhenomena)
	reply, err := c.complete(ctx, c.cfg.RecommendModel, []message{
		{Role: "system", Content: recommendSystem},
		{Role: "user", Content: prompt},
	}, 0.3)
	if err != nil {
		return nil, fmt.Errorf("recommendation request: %w", err)
	}

	var rec Recommendation
	if err := json.Unmarshal([]byte(stripCodeFence(reply)), &rec); err != nil {
		return nil, fmt.Errorf("failed to parse recommendation: %w", err)
	}
	return &rec, nil
}
