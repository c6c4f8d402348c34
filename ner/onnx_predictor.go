package ner

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/daulet/tokenizers"
	onnxruntime "github.com/yalue/onnxruntime_go"
)

// ONNXPredictor implements Predictor using a local quantized
// token-classification model.
type ONNXPredictor struct {
	tokenizer    *tokenizers.Tokenizer
	session      *onnxruntime.AdvancedSession
	inputTensor  *onnxruntime.Tensor[int64]
	maskTensor   *onnxruntime.Tensor[int64]
	outputTensor *onnxruntime.Tensor[float32]
	id2label     map[string]string
	label2id     map[string]int
	numLabels    int
	modelPath    string
}

// safeUintToInt safely converts a uint to int with bounds checking
// Returns maxInt if the value would overflow
func safeUintToInt(val uint) int {
	const maxInt = int(^uint(0) >> 1)
	if val <= uint(maxInt) {
		// #nosec G115 - Safe conversion with bounds checking
		return int(val)
	}
	return maxInt
}

// NewONNXPredictor creates a new ONNX predictor from a model file, a
// tokenizer.json and a label_mappings.json.
func NewONNXPredictor(modelPath, tokenizerPath, labelMapPath string) (*ONNXPredictor, error) {
	// Resolve the ONNX Runtime shared library: environment variable first,
	// then a handful of conventional locations.
	onnxLibPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	if onnxLibPath == "" {
		onnxPaths := []string{
			"./libonnxruntime.so",
			"./build/libonnxruntime.so",
			"./libonnxruntime.1.23.1.dylib",
			"./build/libonnxruntime.1.23.1.dylib",
		}
		for _, path := range onnxPaths {
			if _, err := os.Stat(path); err == nil {
				onnxLibPath = path
				break
			}
		}
	}
	if onnxLibPath != "" {
		onnxruntime.SetSharedLibraryPath(onnxLibPath)
	}

	if !onnxruntime.IsInitialized() {
		if err := onnxruntime.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
		}
	}

	tk, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	if labelMapPath == "" {
		labelMapPath = "model/quantized/label_mappings.json"
	}
	configData, err := os.ReadFile(labelMapPath)
	if err != nil {
		if closeErr := tk.Close(); closeErr != nil {
			fmt.Printf("Warning: failed to close tokenizer during cleanup: %v\n", closeErr)
		}
		return nil, fmt.Errorf("failed to load label mappings from %s: %w", labelMapPath, err)
	}

	var labelConfig struct {
		ID2Label map[string]string `json:"id2label"`
		Label2ID map[string]int    `json:"label2id"`
	}
	if err := json.Unmarshal(configData, &labelConfig); err != nil {
		if closeErr := tk.Close(); closeErr != nil {
			fmt.Printf("Warning: failed to close tokenizer during cleanup: %v\n", closeErr)
		}
		return nil, fmt.Errorf("failed to parse label mappings: %w", err)
	}

	// Label IDs are 0-indexed; the highest ID plus one is the class count.
	numLabels := 0
	for idStr := range labelConfig.ID2Label {
		if idStr == "-100" {
			continue
		}
		var id int
		if _, err := fmt.Sscanf(idStr, "%d", &id); err == nil {
			if id >= numLabels {
				numLabels = id + 1
			}
		}
	}
	if numLabels == 0 {
		numLabels = len(labelConfig.Label2ID)
	}

	predictor := &ONNXPredictor{
		tokenizer: tk,
		id2label:  labelConfig.ID2Label,
		label2id:  labelConfig.Label2ID,
		numLabels: numLabels,
		modelPath: modelPath,
	}

	// Session and tensors are created lazily on first use.
	return predictor, nil
}

// GetName returns the name of this predictor
func (d *ONNXPredictor) GetName() string {
	return PredictorNameONNX
}

// Predict tokenizes the input, runs inference and decodes BIO-tagged
// token logits into entities, filtered to the requested labels.
func (d *ONNXPredictor) Predict(ctx context.Context, input PredictInput) (PredictOutput, error) {
	if d.session == nil {
		if err := d.initializeSession(); err != nil {
			return PredictOutput{}, fmt.Errorf("failed to initialize session: %w", err)
		}
	}

	encoding := d.tokenizer.EncodeWithOptions(input.Text, true, tokenizers.WithReturnOffsets())
	tokenIDs := encoding.IDs

	inputIDs := make([]int64, len(tokenIDs))
	attentionMask := make([]int64, len(tokenIDs))
	for i := range tokenIDs {
		inputIDs[i] = int64(tokenIDs[i])
		attentionMask[i] = 1
	}

	d.updateInputTensors(inputIDs, attentionMask)

	if err := d.session.Run(); err != nil {
		return PredictOutput{}, fmt.Errorf("failed to run inference: %w", err)
	}

	entities := d.decodeEntities(input.Text, tokenIDs, encoding.Offsets)
	entities = filterEntitiesByLabels(entities, input.Labels)

	return PredictOutput{
		Text:     input.Text,
		Entities: entities,
	}, nil
}

// filterEntitiesByLabels keeps entities whose label matches one of the
// requested label names and rewrites the label to the caller's spelling.
// Model labels use UPPER_SNAKE; callers supply free-form names like
// "patient name".
func filterEntitiesByLabels(entities []Entity, labels []string) []Entity {
	if len(labels) == 0 {
		return entities
	}

	requested := make(map[string]string, len(labels))
	for _, label := range labels {
		requested[normalizeLabel(label)] = label
	}

	filtered := make([]Entity, 0, len(entities))
	for _, entity := range entities {
		if callerLabel, ok := requested[normalizeLabel(entity.Label)]; ok {
			entity.Label = callerLabel
			filtered = append(filtered, entity)
		}
	}
	return filtered
}

func normalizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	label = strings.ReplaceAll(label, "_", " ")
	label = strings.ReplaceAll(label, "-", " ")
	return label
}

// decodeEntities converts model output to entities by grouping consecutive
// tokens with the same BIO label.
func (d *ONNXPredictor) decodeEntities(originalText string, tokenIDs []uint32, offsets []tokenizers.Offset) []Entity {
	outputData := d.outputTensor.GetData()
	entities := []Entity{}

	numTokens := len(tokenIDs)
	if len(offsets) < numTokens {
		numTokens = len(offsets)
	}

	var currentEntity *Entity
	var currentTokens []int

	for i := 0; i < numTokens; i++ {
		startIdx := i * d.numLabels
		endIdx := (i + 1) * d.numLabels
		if endIdx > len(outputData) {
			break
		}
		tokenLogits := outputData[startIdx:endIdx]

		maxProb := float64(-math.MaxFloat64)
		bestClass := 0
		for j, logit := range tokenLogits {
			prob := float64(logit)
			if prob > maxProb {
				maxProb = prob
				bestClass = j
			}
		}

		classID := fmt.Sprintf("%d", bestClass)
		label, exists := d.id2label[classID]
		if !exists {
			label = "O"
		}

		// Softmax over the token logits to get a confidence value.
		prob := math.Exp(maxProb)
		var sum float64
		for _, logit := range tokenLogits {
			sum += math.Exp(float64(logit))
		}
		confidence := prob / sum

		if confidence < 0.5 {
			label = "O"
		}

		isBeginning := strings.HasPrefix(label, "B-")
		isInside := strings.HasPrefix(label, "I-")
		baseLabel := label
		if isBeginning || isInside {
			baseLabel = strings.TrimPrefix(strings.TrimPrefix(label, "B-"), "I-")
		}

		switch {
		case label != "O" && (isBeginning || currentEntity == nil):
			if currentEntity != nil {
				d.finalizeEntity(currentEntity, currentTokens, originalText, offsets)
				entities = append(entities, *currentEntity)
			}

			currentEntity = &Entity{
				Label:      baseLabel,
				Confidence: confidence,
			}
			currentTokens = []int{i}
		case label != "O" && isInside && currentEntity != nil && currentEntity.Label == baseLabel:
			currentTokens = append(currentTokens, i)
			currentEntity.Confidence = (currentEntity.Confidence + confidence) / 2
		default:
			if currentEntity != nil {
				d.finalizeEntity(currentEntity, currentTokens, originalText, offsets)
				entities = append(entities, *currentEntity)
				currentEntity = nil
				currentTokens = nil
			}
		}
	}

	if currentEntity != nil {
		d.finalizeEntity(currentEntity, currentTokens, originalText, offsets)
		entities = append(entities, *currentEntity)
	}

	return entities
}

// finalizeEntity extracts the actual text from the original string using token offsets
func (d *ONNXPredictor) finalizeEntity(entity *Entity, tokenIndices []int, originalText string, offsets []tokenizers.Offset) {
	if len(tokenIndices) == 0 {
		return
	}

	startOffset := offsets[tokenIndices[0]]
	endOffset := offsets[tokenIndices[len(tokenIndices)-1]]

	entity.Text = originalText[startOffset[0]:endOffset[1]]
	entity.StartPos = safeUintToInt(startOffset[0])
	entity.EndPos = safeUintToInt(endOffset[1])
}

// initializeSession initializes the ONNX session and tensors
func (d *ONNXPredictor) initializeSession() error {
	maxSeqLen := int64(512) // max_position_embeddings in the model config
	batchSize := int64(1)

	inputShape := onnxruntime.NewShape(batchSize, maxSeqLen)
	inputTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}

	maskTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		if err := inputTensor.Destroy(); err != nil {
			fmt.Printf("Warning: failed to destroy input tensor during cleanup: %v\n", err)
		}
		return fmt.Errorf("failed to create mask tensor: %w", err)
	}

	outputShape := onnxruntime.NewShape(batchSize, maxSeqLen, int64(d.numLabels))
	outputTensor, err := onnxruntime.NewEmptyTensor[float32](outputShape)
	if err != nil {
		if err := inputTensor.Destroy(); err != nil {
			fmt.Printf("Warning: failed to destroy input tensor during cleanup: %v\n", err)
		}
		if err := maskTensor.Destroy(); err != nil {
			fmt.Printf("Warning: failed to destroy mask tensor during cleanup: %v\n", err)
		}
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := onnxruntime.NewAdvancedSession(d.modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		[]onnxruntime.Value{inputTensor, maskTensor},
		[]onnxruntime.Value{outputTensor},
		nil)
	if err != nil {
		if err := inputTensor.Destroy(); err != nil {
			fmt.Printf("Warning: failed to destroy input tensor during cleanup: %v\n", err)
		}
		if err := maskTensor.Destroy(); err != nil {
			fmt.Printf("Warning: failed to destroy mask tensor during cleanup: %v\n", err)
		}
		if err := outputTensor.Destroy(); err != nil {
			fmt.Printf("Warning: failed to destroy output tensor during cleanup: %v\n", err)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}

	d.session = session
	d.inputTensor = inputTensor
	d.maskTensor = maskTensor
	d.outputTensor = outputTensor

	return nil
}

// updateInputTensors updates the input tensors with new data
func (d *ONNXPredictor) updateInputTensors(inputIDs, attentionMask []int64) {
	inputData := d.inputTensor.GetData()
	maskData := d.maskTensor.GetData()

	for i := range inputData {
		inputData[i] = 0
		maskData[i] = 0
	}

	copy(inputData, inputIDs)
	copy(maskData, attentionMask)
}

// Close implements the Predictor interface
func (d *ONNXPredictor) Close() error {
	var errs []error

	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy session: %w", err))
		}
	}
	if d.inputTensor != nil {
		if err := d.inputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy input tensor: %w", err))
		}
	}
	if d.maskTensor != nil {
		if err := d.maskTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy mask tensor: %w", err))
		}
	}
	if d.outputTensor != nil {
		if err := d.outputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy output tensor: %w", err))
		}
	}
	if d.tokenizer != nil {
		if err := d.tokenizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tokenizer: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}
