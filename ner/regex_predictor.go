package ner

import (
	"context"
	"regexp"
	"strings"
)

// ClinicalPatterns defines fallback regex patterns for common clinical
// entity labels. Pattern keys are matched case-insensitively against the
// caller-supplied label names.
var ClinicalPatterns = map[string]string{
	"patient name": `\b(?:Mr|Mrs|Ms|Dr)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*`,
	"age":          `\b(?:age[d]?\s+)(\d{1,3})\b`,
	"dosage":       `\b\d+(?:\.\d+)?\s?(?:mg|mcg|g|ml|units?)\b`,
	"date":         `\b(?:0?[1-9]|1[0-2])[-/](?:0?[1-9]|[12][0-9]|3[01])[-/](?:19|20)\d{2}\b`,
	"phone number": `\b(?:\+?1[-.]?)?\(?([0-9]{3})\)?[-.]?([0-9]{3})[-.]?([0-9]{4})\b`,
	"email":        `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`,
}

// RegexPredictor implements Predictor using regular expressions.
// It only emits entities for labels the caller asked for.
type RegexPredictor struct {
	patterns map[string]*regexp.Regexp
}

func NewRegexPredictor(patterns map[string]string) *RegexPredictor {
	regexMap := make(map[string]*regexp.Regexp)
	for label, pattern := range patterns {
		regexMap[strings.ToLower(label)] = regexp.MustCompile(pattern)
	}

	return &RegexPredictor{
		patterns: regexMap,
	}
}

// GetName returns the name of this predictor
func (r *RegexPredictor) GetName() string {
	return PredictorNameRegex
}

// Predict runs every requested label's pattern over the text.
// Labels without a registered pattern are ignored.
func (r *RegexPredictor) Predict(ctx context.Context, input PredictInput) (PredictOutput, error) {
	var entities []Entity

	for _, label := range input.Labels {
		pattern, ok := r.patterns[strings.ToLower(label)]
		if !ok {
			continue
		}

		matches := pattern.FindAllStringIndex(input.Text, -1)
		for _, match := range matches {
			startPos := match[0]
			endPos := match[1]
			matchedText := input.Text[startPos:endPos]
			entity := Entity{
				Text:       matchedText,
				Label:      label,
				StartPos:   startPos,
				EndPos:     endPos,
				Confidence: 1.0,
			}
			entities = append(entities, entity)
		}
	}

	return PredictOutput{
		Text:     input.Text,
		Entities: entities,
	}, nil
}

// Close implements the Predictor interface
func (r *RegexPredictor) Close() error {
	// Regex predictor doesn't need cleanup
	return nil
}
