package ner

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// stubPredictor is a controllable predictor used for manager tests.
type stubPredictor struct {
	name      string
	err       error
	mu        sync.Mutex
	closed    bool
	predicted int
}

func (s *stubPredictor) GetName() string { return s.name }

func (s *stubPredictor) Predict(ctx context.Context, input PredictInput) (PredictOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.predicted++
	if s.err != nil {
		return PredictOutput{}, s.err
	}
	return PredictOutput{Text: input.Text, Entities: []Entity{}}, nil
}

func (s *stubPredictor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubPredictor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestManager_HealthyAfterLoad(t *testing.T) {
	stub := &stubPredictor{name: "stub_ok"}
	RegisterPredictorFactory("stub_ok", func(config map[string]interface{}) (Predictor, error) {
		return stub, nil
	})

	mm, err := NewManager("stub_ok", nil, []string{"patient name"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = mm.Close() }()

	if !mm.IsHealthy() {
		t.Fatal("expected manager to be healthy after a successful load")
	}

	predictor, err := mm.GetPredictor()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if predictor.GetName() != "stub_ok" {
		t.Errorf("expected stub_ok predictor, got %s", predictor.GetName())
	}

	// The warmup inference must have run.
	if stub.predicted == 0 {
		t.Error("expected a warmup inference during load")
	}
}

func TestManager_UnhealthyOnFactoryError(t *testing.T) {
	RegisterPredictorFactory("stub_factory_fail", func(config map[string]interface{}) (Predictor, error) {
		return nil, errors.New("no model files")
	})

	mm, err := NewManager("stub_factory_fail", nil, nil)
	if err != nil {
		t.Fatalf("NewManager should not fail on an unhealthy initial load, got: %v", err)
	}
	defer func() { _ = mm.Close() }()

	if mm.IsHealthy() {
		t.Fatal("expected manager to be unhealthy")
	}
	if _, err := mm.GetPredictor(); err == nil {
		t.Fatal("expected GetPredictor to fail when unhealthy")
	}
	if mm.GetLastError() == nil {
		t.Error("expected last error to be recorded")
	}
}

func TestManager_UnhealthyOnWarmupFailure(t *testing.T) {
	failing := &stubPredictor{name: "stub_warmup_fail", err: errors.New("inference broken")}
	RegisterPredictorFactory("stub_warmup_fail", func(config map[string]interface{}) (Predictor, error) {
		return failing, nil
	})

	mm, err := NewManager("stub_warmup_fail", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = mm.Close() }()

	if mm.IsHealthy() {
		t.Fatal("expected manager to be unhealthy after warmup failure")
	}
	// The predictor that failed validation must be closed, not leaked.
	if !failing.isClosed() {
		t.Error("expected failed predictor to be closed")
	}
}

func TestManager_ReloadSwapsAndClosesOld(t *testing.T) {
	first := &stubPredictor{name: "stub_first"}
	second := &stubPredictor{name: "stub_second"}
	RegisterPredictorFactory("stub_first", func(config map[string]interface{}) (Predictor, error) {
		return first, nil
	})
	RegisterPredictorFactory("stub_second", func(config map[string]interface{}) (Predictor, error) {
		return second, nil
	})

	mm, err := NewManager("stub_first", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = mm.Close() }()

	if err := mm.Reload("stub_second", nil); err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}

	predictor, err := mm.GetPredictor()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if predictor.GetName() != "stub_second" {
		t.Errorf("expected stub_second after reload, got %s", predictor.GetName())
	}
	if !first.isClosed() {
		t.Error("expected the replaced predictor to be closed")
	}

	info := mm.GetInfo()
	if info["predictor"] != "stub_second" {
		t.Errorf("expected info to report stub_second, got %v", info["predictor"])
	}
	if info["healthy"] != true {
		t.Errorf("expected info to report healthy, got %v", info["healthy"])
	}
}

func TestManager_CloseMarksUnhealthy(t *testing.T) {
	stub := &stubPredictor{name: "stub_close"}
	RegisterPredictorFactory("stub_close", func(config map[string]interface{}) (Predictor, error) {
		return stub, nil
	})

	mm, err := NewManager("stub_close", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mm.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if mm.IsHealthy() {
		t.Error("expected manager to be unhealthy after Close")
	}
	if !stub.isClosed() {
		t.Error("expected predictor to be closed")
	}
}

func TestNewPredictor_UnknownName(t *testing.T) {
	if _, err := NewPredictor("does_not_exist", nil); err == nil {
		t.Fatal("expected an error for an unknown predictor name")
	}
}
