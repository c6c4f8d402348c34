// Package mask produces redacted text from free text and a list of
// extracted entities by substituting bracketed label placeholders.
package mask

import (
	"strings"

	"emrner/ner"
)

// Result represents the outcome of masking entities in text
type Result struct {
	Entities    []ner.Entity `json:"entities"`
	MaskedText  string       `json:"masked_text"`
	MaskedCount int          `json:"masked_entities_count"`
}

// Apply replaces entity occurrences in text with "[label]" placeholders.
//
// Entities are processed in the order supplied. For each entity the first
// remaining occurrence of its literal text in the working string is
// replaced; entities whose text is no longer present (already consumed by
// an earlier substitution, or never there) are skipped silently. The
// returned count is the number of substitutions actually performed, which
// may be less than len(entities).
func Apply(text string, entities []ner.Entity) Result {
	maskedText := text
	maskedCount := 0

	for _, entity := range entities {
		entityText := entity.Text
		if entityText == "" {
			continue
		}

		if !strings.Contains(maskedText, entityText) {
			continue
		}

		placeholder := "[" + entity.Label + "]"
		maskedText = strings.Replace(maskedText, entityText, placeholder, 1)
		maskedCount++
	}

	if entities == nil {
		entities = []ner.Entity{}
	}

	return Result{
		Entities:    entities,
		MaskedText:  maskedText,
		MaskedCount: maskedCount,
	}
}
