// Package models defines the structured record schema shared by ingestion,
// storage, and retrieval. Payloads are validated once at the ingestion
// boundary; downstream code never sees raw untyped JSON.
package models

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// Placeholder values used by the upstream extraction pipeline when a field
// could not be populated. The quality gate treats them as absent.
const (
	PlaceholderNone    = "None"
	PlaceholderUnknown = "Unknown"

	// FailureTitlePrefix marks a record whose extraction failed entirely;
	// such records carry no usable content and are never stored.
	FailureTitlePrefix = "PARSE FAILED:"
)

// Paper is a structured summary of one ingested document. The title is the
// natural key: papers are stored once per distinct title and never merged.
type Paper struct {
	Metadata          PaperMetadata  `json:"metadata"`
	PhysicsContext    PhysicsContext `json:"physics_context"`
	ObservedPhenomena string         `json:"observed_phenomena"`
	SimulationResults string         `json:"simulation_results_description"`
	Keywords          []string       `json:"keywords"`
	Parameters        []Parameter    `json:"parameters" validate:"dive"`
	ForceFields       []ForceField   `json:"force_fields" validate:"dive"`
	ExperimentSetup   string         `json:"experiment_setup"`
	Figures           []Figure       `json:"figures" validate:"dive"`
}

// PaperMetadata holds bibliographic fields.
type PaperMetadata struct {
	Title      string `json:"title"`
	Journal    string `json:"journal"`
	Year       string `json:"year"`
	Innovation string `json:"innovation"`
}

// PhysicsContext describes the physical setting of the paper.
type PhysicsContext struct {
	Environment        string `json:"environment"`
	DetailedBackground string `json:"detailed_background"`
}

// Parameter is one extracted physical parameter.
type Parameter struct {
	Name            string `json:"name"`
	Symbol          string `json:"symbol"`
	Value           string `json:"value"`
	Unit            string `json:"unit"`
	Meaning         string `json:"meaning"`
	EnrichedPhysics string `json:"enriched_physics"`
	Source          string `json:"source"`
}

// ForceField is a pair-interaction descriptor derived from a paper. Force
// fields are deduplicated globally: the same formula extracted from two papers
// in the same physical environment is stored once and shared.
type ForceField struct {
	Name                 string `json:"name" validate:"required"`
	Formula              string `json:"formula"`
	PhysicalSignificance string `json:"physical_significance"`
	ComputationalHint    string `json:"computational_hint"`
}

// Figure is an extracted figure image belonging to a paper.
type Figure struct {
	ID               string   `json:"id"`
	Caption          string   `json:"caption"`
	Page             int      `json:"page" validate:"min=0"`
	LinkedParameters []string `json:"linked_parameters"`
	ImagePath        string   `json:"image_path"`
}

// ApplyDefaults fills empty fields with their documented placeholder values so
// downstream code can rely on every field being present. Mirrors the default
// structure the extraction stage merges into.
func (p *Paper) ApplyDefaults() {
	if p.Metadata.Journal == "" {
		p.Metadata.Journal = PlaceholderUnknown
	}
	if p.Metadata.Year == "" {
		p.Metadata.Year = PlaceholderUnknown
	}
	if p.Metadata.Innovation == "" {
		p.Metadata.Innovation = PlaceholderNone
	}
	if p.PhysicsContext.Environment == "" {
		p.PhysicsContext.Environment = PlaceholderUnknown
	}
	if p.PhysicsContext.DetailedBackground == "" {
		p.PhysicsContext.DetailedBackground = PlaceholderNone
	}
	if p.ObservedPhenomena == "" {
		p.ObservedPhenomena = PlaceholderNone
	}
	if p.SimulationResults == "" {
		p.SimulationResults = PlaceholderNone
	}
	if p.ExperimentSetup == "" {
		p.ExperimentSetup = PlaceholderNone
	}
	if p.Keywords == nil {
		p.Keywords = []string{}
	}
	if p.Parameters == nil {
		p.Parameters = []Parameter{}
	}
	if p.ForceFields == nil {
		p.ForceFields = []ForceField{}
	}
	if p.Figures == nil {
		p.Figures = []Figure{}
	}
}

// Title returns the natural key.
func (p *Paper) Title() string {
	return p.Metadata.Title
}

// CanonicalText returns the text embedded for the paper-level vector:
// title plus background, with an explicit fallback so the embedding service
// is never called with an empty context.
func (p *Paper) CanonicalText() string {
	background := p.PhysicsContext.DetailedBackground
	if background == "" || background == PlaceholderNone {
		background = "No background available"
	}
	return fmt.Sprintf("Title: %s. Context: %s", p.Metadata.Title, background)
}

// FeatureText returns the text embedded for the force-field vector.
func (f *ForceField) FeatureText() string {
	return fmt.Sprintf("Interparticle Interaction: %s. Significance: %s", f.Name, f.PhysicalSignificance)
}

// Fingerprint returns the global dedup key for a force field: a hash over the
// formula combined with the owning paper's physical environment. Identical
// interactions in the same environment collapse to one stored row. MD5 keeps
// fingerprints comparable with rows written by earlier versions of the
// pipeline; this is content addressing, not a security boundary.
func (f *ForceField) Fingerprint(environment string) string {
	formula := f.Formula
	if formula == "" {
		formula = "unknown_formula"
	}
	if environment == "" {
		environment = "unknown_env"
	}
	sum := md5.Sum([]byte(formula + environment))
	return hex.EncodeToString(sum[:])
}

// HasKnowledge reports whether the paper carries any retrievable modeling
// content (at least one parameter or force field).
func (p *Paper) HasKnowledge() bool {
	return len(p.Parameters) > 0 || len(p.ForceFields) > 0
}

// IsEnriched reports whether at least one of the two enrichment fields
// (innovation, background) was populated beyond its placeholder.
func (p *Paper) IsEnriched() bool {
	innovation := strings.TrimSpace(p.Metadata.Innovation)
	background := strings.TrimSpace(p.PhysicsContext.DetailedBackground)
	innovationEmpty := innovation == "" || innovation == PlaceholderNone || innovation == PlaceholderUnknown
	backgroundEmpty := background == "" || background == PlaceholderNone || background == PlaceholderUnknown
	return !innovationEmpty || !backgroundEmpty
}
