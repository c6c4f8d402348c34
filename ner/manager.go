package ner

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// PredictorProvider serves the current predictor. The indirection lets
// callers always see the latest predictor after a hot reload.
type PredictorProvider interface {
	GetPredictor() (Predictor, error)
}

// Manager manages the predictor lifecycle with thread-safe hot reload
// capability.
type Manager struct {
	mu               sync.RWMutex
	currentPredictor Predictor
	predictorName    string
	predictorConfig  map[string]interface{}
	warmupLabels     []string
	isHealthy        bool
	lastError        error
}

// NewManager creates a manager and performs an initial load. A failed
// initial load marks the manager unhealthy instead of failing, so the
// server can start and report the condition via /api/health.
func NewManager(name string, predictorConfig map[string]interface{}, warmupLabels []string) (*Manager, error) {
	mm := &Manager{
		predictorName:   name,
		predictorConfig: predictorConfig,
		warmupLabels:    warmupLabels,
		isHealthy:       false,
	}

	if err := mm.Reload(name, predictorConfig); err != nil {
		log.Printf("[Manager] Warning: failed to load initial predictor: %v", err)
		log.Printf("[Manager] Manager created but marked as unhealthy")
	}

	return mm, nil
}

// GetPredictor returns the current predictor in a thread-safe manner
func (mm *Manager) GetPredictor() (Predictor, error) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	if !mm.isHealthy {
		return nil, fmt.Errorf("predictor is unhealthy: %w", mm.lastError)
	}

	if mm.currentPredictor == nil {
		return nil, fmt.Errorf("no predictor available")
	}

	return mm.currentPredictor, nil
}

// Reload builds a new predictor from the given configuration, validates it
// with a warmup inference and swaps it in atomically.
func (mm *Manager) Reload(name string, predictorConfig map[string]interface{}) error {
	log.Printf("[Manager] Loading predictor: %s", name)

	// Build the new predictor outside the lock to minimize blocking.
	newPredictor, err := NewPredictor(name, predictorConfig)
	if err != nil {
		mm.mu.Lock()
		mm.isHealthy = false
		mm.lastError = err
		mm.mu.Unlock()
		log.Printf("[Manager] Failed to load predictor: %v", err)
		return fmt.Errorf("failed to load predictor: %w", err)
	}

	// Warmup inference to ensure the predictor actually works before it
	// is exposed to request traffic.
	labels := mm.warmupLabels
	if len(labels) == 0 {
		labels = []string{"patient name"}
	}
	testInput := PredictInput{Text: "Mr. John Smith was admitted yesterday.", Labels: labels}
	if _, err := newPredictor.Predict(context.Background(), testInput); err != nil {
		if closeErr := newPredictor.Close(); closeErr != nil {
			log.Printf("[Manager] Warning: failed to close failed predictor: %v", closeErr)
		}

		mm.mu.Lock()
		mm.isHealthy = false
		mm.lastError = err
		mm.mu.Unlock()
		log.Printf("[Manager] Predictor validation inference failed: %v", err)
		return fmt.Errorf("predictor validation failed: %w", err)
	}

	mm.mu.Lock()
	oldPredictor := mm.currentPredictor
	mm.currentPredictor = newPredictor
	mm.predictorName = name
	mm.predictorConfig = predictorConfig
	mm.isHealthy = true
	mm.lastError = nil
	mm.mu.Unlock()

	log.Printf("[Manager] Predictor swap completed successfully")

	// Close the old predictor outside the lock.
	if oldPredictor != nil {
		log.Printf("[Manager] Closing old predictor")
		if err := oldPredictor.Close(); err != nil {
			log.Printf("[Manager] Warning: failed to close old predictor: %v", err)
		}
	}

	return nil
}

// IsHealthy returns whether the current predictor is healthy
func (mm *Manager) IsHealthy() bool {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.isHealthy
}

// GetLastError returns the last error encountered (if any)
func (mm *Manager) GetLastError() error {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.lastError
}

// GetInfo returns information about the current predictor state
func (mm *Manager) GetInfo() map[string]interface{} {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	info := map[string]interface{}{
		"predictor": mm.predictorName,
		"healthy":   mm.isHealthy,
	}

	if mm.lastError != nil {
		info["error"] = mm.lastError.Error()
	} else {
		info["error"] = nil
	}

	return info
}

// Close closes the current predictor and cleans up resources
func (mm *Manager) Close() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if mm.currentPredictor != nil {
		log.Printf("[Manager] Closing current predictor")
		if err := mm.currentPredictor.Close(); err != nil {
			return fmt.Errorf("failed to close predictor: %w", err)
		}
		mm.currentPredictor = nil
	}

	mm.isHealthy = false
	return nil
}
