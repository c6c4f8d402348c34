package mask

import (
	"context"
	"fmt"
	"log"

	"emrner/ner"
)

// Service runs prediction and masking as one pipeline: text and candidate
// labels in, entities plus redacted text out.
type Service struct {
	provider ner.PredictorProvider
}

// NewService creates a masking service. The provider should be a
// ner.Manager so the service always sees the current predictor.
func NewService(provider ner.PredictorProvider) *Service {
	return &Service{
		provider: provider,
	}
}

// Predict extracts entities without masking.
func (s *Service) Predict(ctx context.Context, text string, labels []string) ([]ner.Entity, error) {
	predictor, err := s.provider.GetPredictor()
	if err != nil {
		return nil, fmt.Errorf("predictor unavailable: %w", err)
	}

	output, err := predictor.Predict(ctx, ner.PredictInput{Text: text, Labels: labels})
	if err != nil {
		return nil, fmt.Errorf("prediction failed: %w", err)
	}

	if output.Entities == nil {
		return []ner.Entity{}, nil
	}
	return output.Entities, nil
}

// Mask extracts entities and substitutes each with its label placeholder.
// Prediction failures abort the pipeline; the transform itself never fails.
func (s *Service) Mask(ctx context.Context, text string, labels []string) (Result, error) {
	entities, err := s.Predict(ctx, text, labels)
	if err != nil {
		return Result{}, err
	}

	if len(entities) == 0 {
		log.Printf("[Mask] No entities detected")
		return Result{
			Entities:    []ner.Entity{},
			MaskedText:  text,
			MaskedCount: 0,
		}, nil
	}

	log.Printf("[Mask] %d entities detected", len(entities))
	return Apply(text, entities), nil
}
