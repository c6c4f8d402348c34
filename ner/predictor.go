package ner

import (
	"context"
	"fmt"
)

const (
	PredictorNameRemote = "remote"
	PredictorNameONNX   = "onnx"
	PredictorNameRegex  = "regex"
)

// PredictInput represents the input for entity prediction
type PredictInput struct {
	Text   string   `json:"text"`
	Labels []string `json:"labels"`
}

// PredictOutput represents the output of entity prediction
type PredictOutput struct {
	Text     string   `json:"text"`
	Entities []Entity `json:"entities"`
}

// Entity represents a detected entity span
type Entity struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	StartPos   int     `json:"start_pos"`
	EndPos     int     `json:"end_pos"`
	Confidence float64 `json:"confidence"`
}

// Predictor runs named-entity recognition over free text against a
// caller-supplied set of label names.
type Predictor interface {
	GetName() string
	Predict(ctx context.Context, input PredictInput) (PredictOutput, error)
	Close() error
}

type NewPredictorFunc func(config map[string]interface{}) (Predictor, error)

var predictorFactories = make(map[string]NewPredictorFunc)

func RegisterPredictorFactory(name string, factory NewPredictorFunc) {
	predictorFactories[name] = factory
}

func NewPredictor(name string, config map[string]interface{}) (Predictor, error) {
	factory, ok := predictorFactories[name]
	if !ok {
		return nil, fmt.Errorf("predictor factory not found for name: %s", name)
	}
	return factory(config)
}

func init() {
	RegisterPredictorFactory(PredictorNameRemote, func(config map[string]interface{}) (Predictor, error) {
		baseURL, ok := config["base_url"].(string)
		if !ok {
			return nil, fmt.Errorf("base_url is required for remote predictor")
		}
		return NewRemotePredictor(baseURL), nil
	})

	RegisterPredictorFactory(PredictorNameRegex, func(config map[string]interface{}) (Predictor, error) {
		patterns, ok := config["patterns"].(map[string]string)
		if !ok {
			patterns = ClinicalPatterns
		}
		return NewRegexPredictor(patterns), nil
	})

	RegisterPredictorFactory(PredictorNameONNX, func(config map[string]interface{}) (Predictor, error) {
		modelPath, ok := config["model_path"].(string)
		if !ok {
			return nil, fmt.Errorf("model_path is required for ONNX predictor")
		}
		tokenizerPath, ok := config["tokenizer_path"].(string)
		if !ok {
			return nil, fmt.Errorf("tokenizer_path is required for ONNX predictor")
		}
		labelMapPath, _ := config["label_map_path"].(string)
		return NewONNXPredictor(modelPath, tokenizerPath, labelMapPath)
	})
}
