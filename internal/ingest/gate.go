package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/plasmahub/plasmarag/internal/models"
)

// qualityGate rejects records that carry no retrievable knowledge before any
// write is attempted. A failed gate is a side-effect-free skip, not an error.
// Returns an empty string when the record passes, otherwise the skip reason.
func (c *Coordinator) qualityGate(paper *models.Paper) string {
	title := strings.TrimSpace(paper.Metadata.Title)
	if title == "" || title == models.PlaceholderUnknown {
		return "validation: missing title"
	}
	if strings.HasPrefix(title, models.FailureTitlePrefix) {
		return "validation: extraction failed upstream"
	}

	if err := c.validate.Struct(paper); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Sprintf("validation: field %s failed %s", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Sprintf("validation: %v", err)
	}

	if !paper.HasKnowledge() {
		return "validation: no parameters or force fields extracted"
	}
	if !paper.IsEnriched() {
		return "validation: innovation and background both empty"
	}
	return ""
}
