package extract

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Annotation describes a figure in physical terms: a one-line caption and the
// extracted parameters it most relates to.
type Annotation struct {
	Caption          string   `json:"caption"`
	LinkedParameters []string `json:"linked_parameters"`
}

const annotatePrompt = `You are a complex-plasma physicist and image understanding assistant. You are
given a figure from page %d of a paper, plus the physical parameters already
extracted from that paper (one per line):

%s

Answer strictly as JSON, nothing else:
1. "caption": one sentence stating what physical phenomenon or parameter
   relation the figure shows.
2. "linked_parameters": the 1-3 most relevant parameters from the list,
   returned by their symbol or name as given.

{"caption": "...", "linked_parameters": ["..."]}`

// AnnotateFigure asks the vision model to describe the figure image at
// imagePath in terms of the paper's parameters. It always returns a usable
// annotation: on any failure (unreadable image, service error, malformed
// reply) the fallback caption for the page is returned instead of an error,
// so callers degrade gracefully without special-casing failure.
func (c *Client) AnnotateFigure(ctx context.Context, imagePath string, page int, paramSummary string) Annotation {
	fallback := Annotation{
		Caption:          fmt.Sprintf("Full-page snapshot of page %d (pending detailed figure analysis)", page),
		LinkedParameters: []string{},
	}
	if paramSummary == "" {
		paramSummary = "(no parameters extracted)"
	}

	img, err := os.ReadFile(imagePath)
	if err != nil {
		return fallback
	}
	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)

	reply, err := c.complete(ctx, c.cfg.VisionModel, []message{{
		Role: "user",
		Content: []contentPart{
			{Type: "text", Text: fmt.Sprintf(annotatePrompt, page, paramSummary)},
			{Type: "image_url", ImageURL: &imageURL{URL: dataURI}},
		},
	}}, 0.1)
	if err != nil {
		return fallback
	}

	var parsed struct {
		Caption          string `json:"caption"`
		LinkedParameters []any  `json:"linked_parameters"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(reply)), &parsed); err != nil {
		return fallback
	}

	out := Annotation{Caption: strings.TrimSpace(parsed.Caption), LinkedParameters: []string{}}
	if out.Caption == "" {
		out.Caption = fallback.Caption
	}
	for _, item := range parsed.LinkedParameters {
		switch v := item.(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				out.LinkedParameters = append(out.LinkedParameters, s)
			}
		case map[string]any:
			// Some models return objects; take the symbol or name field.
			for _, key := range []string{"symbol", "name"} {
				if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
					out.LinkedParameters = append(out.LinkedParameters, strings.TrimSpace(s))
					break
				}
			}
		}
	}
	return out
}
