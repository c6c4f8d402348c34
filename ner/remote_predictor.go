package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RemotePredictor delegates prediction to an external model server
// exposing a POST /predict endpoint.
type RemotePredictor struct {
	baseURL string
	client  *http.Client
}

func NewRemotePredictor(baseURL string) *RemotePredictor {
	return &RemotePredictor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// GetName returns the name of this predictor
func (m *RemotePredictor) GetName() string {
	return PredictorNameRemote
}

// Predict sends the text and candidate labels to the model server and
// decodes the returned entities.
func (m *RemotePredictor) Predict(ctx context.Context, input PredictInput) (PredictOutput, error) {
	requestBody := map[string]interface{}{
		"text":   input.Text,
		"labels": input.Labels,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return PredictOutput{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/predict", bytes.NewBuffer(jsonData))
	if err != nil {
		return PredictOutput{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := m.client.Do(req)
	if err != nil {
		return PredictOutput{}, fmt.Errorf("model server request failed: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return PredictOutput{}, fmt.Errorf("model server returned status %d", response.StatusCode)
	}

	entities, err := convertResponseToEntities(response)
	if err != nil {
		return PredictOutput{}, err
	}

	return PredictOutput{
		Text:     input.Text,
		Entities: entities,
	}, nil
}

func convertResponseToEntities(response *http.Response) ([]Entity, error) {
	var responseBody struct {
		Entities []struct {
			Text       string  `json:"text"`
			Label      string  `json:"label"`
			StartPos   int     `json:"start_pos"`
			EndPos     int     `json:"end_pos"`
			Confidence float64 `json:"confidence"`
		} `json:"entities"`
	}
	if err := json.NewDecoder(response.Body).Decode(&responseBody); err != nil {
		return []Entity{}, fmt.Errorf("failed to decode model server response: %w", err)
	}

	entities := make([]Entity, 0, len(responseBody.Entities))
	for _, entity := range responseBody.Entities {
		entities = append(entities, Entity{
			Text:       entity.Text,
			Label:      entity.Label,
			StartPos:   entity.StartPos,
			EndPos:     entity.EndPos,
			Confidence: entity.Confidence,
		})
	}
	return entities, nil
}

// Close implements the Predictor interface
func (m *RemotePredictor) Close() error {
	// Remote predictor doesn't need cleanup
	return nil
}
