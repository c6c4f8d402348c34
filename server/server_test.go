package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"emrner/config"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Predictor.Name = "regex"
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var decoded map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return decoded
}

func TestAPIRoot(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := decodeResponse(t, rec)
	if body["message"] != "EMR NER API" {
		t.Errorf("unexpected message: %v", body["message"])
	}
	endpoints, ok := body["endpoints"].(map[string]interface{})
	if !ok {
		t.Fatal("expected an endpoints map")
	}
	if endpoints["predict"] != "/api/predict" || endpoints["mask"] != "/api/mask" {
		t.Errorf("unexpected endpoints: %v", endpoints)
	}
}

func TestAPIRoot_UnknownPath(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown path, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "emr_ner_health_status 1\n" {
		t.Errorf("unexpected health body: %q", rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/health", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST, got %d", rec.Code)
	}
}

func TestHealth_UnhealthyPredictor(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.Handler()

	if err := s.manager.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := doRequest(t, handler, http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Body.String() != "emr_ner_health_status 0\n" {
		t.Errorf("unexpected health body: %q", rec.Body.String())
	}
}

func TestRegisterAndLogin(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.Handler()

	credentials := map[string]string{"username": "drpatel", "password": "s3cret"}

	rec := doRequest(t, handler, http.MethodPost, "/api/register", credentials, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if decodeResponse(t, rec)["message"] != "User registered successfully" {
		t.Errorf("unexpected register response: %s", rec.Body.String())
	}

	// Re-registering the same username is rejected.
	rec = doRequest(t, handler, http.MethodPost, "/api/register", credentials, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate, got %d", rec.Code)
	}
	if decodeResponse(t, rec)["error"] != "User already registered" {
		t.Errorf("unexpected duplicate response: %s", rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/login", credentials, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on login, got %d: %s", rec.Code, rec.Body.String())
	}
	token, _ := decodeResponse(t, rec)["token"].(string)
	if token == "" {
		t.Error("expected a token in the login response")
	}
}

func TestRegister_MissingFields(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/register", map[string]string{"username": "drpatel"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if decodeResponse(t, rec)["error"] != "Username and password are required" {
		t.Errorf("unexpected response: %s", rec.Body.String())
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/register",
		map[string]string{"username": "drpatel", "password": "s3cret"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	// Wrong password and unknown user are indistinguishable to the caller.
	for _, creds := range []map[string]string{
		{"username": "drpatel", "password": "wrong"},
		{"username": "nobody", "password": "s3cret"},
	} {
		rec = doRequest(t, handler, http.MethodPost, "/api/login", creds, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for %v, got %d", creds, rec.Code)
		}
		if decodeResponse(t, rec)["error"] != "Invalid credentials" {
			t.Errorf("unexpected response: %s", rec.Body.String())
		}
	}
}

func TestPredict(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/predict", map[string]interface{}{
		"text":   "Mrs. Aruna Gupta was treated with 325 mg of Aspirin.",
		"labels": []string{"patient name", "dosage"},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeResponse(t, rec)
	entities, ok := body["entities"].([]interface{})
	if !ok || len(entities) == 0 {
		t.Fatalf("expected detected entities, got %s", rec.Body.String())
	}

	first, ok := entities[0].(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected entity shape: %v", entities[0])
	}
	if first["text"] == "" || first["label"] == "" {
		t.Errorf("entity missing text or label: %v", first)
	}
	// Offsets and confidence stay internal.
	if _, present := first["start_pos"]; present {
		t.Error("entity response must not expose offsets")
	}
	if _, present := first["confidence"]; present {
		t.Error("entity response must not expose confidence")
	}
}

func TestPredict_Validation(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Predictor.MaxTextLength = 50
	})
	handler := s.Handler()

	testCases := []struct {
		name string
		body map[string]interface{}
	}{
		{"empty text", map[string]interface{}{"text": "  ", "labels": []string{"age"}}},
		{"missing labels", map[string]interface{}{"text": "Patient is 60 years old."}},
		{"empty label value", map[string]interface{}{"text": "Patient is 60 years old.", "labels": []string{"age", " "}}},
		{"text too long", map[string]interface{}{"text": strings.Repeat("a", 51), "labels": []string{"age"}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, handler, http.MethodPost, "/api/predict", tc.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestPredict_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/predict", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestPredict_BackendUnavailable(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Predictor.Name = "remote"
		cfg.Predictor.ModelBaseURL = "http://127.0.0.1:0"
	})
	handler := s.Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/predict", map[string]interface{}{
		"text":   "Mrs. Aruna Gupta was admitted.",
		"labels": []string{"patient name"},
	}, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	if decodeResponse(t, rec)["error"] != "Prediction failed" {
		t.Errorf("unexpected response: %s", rec.Body.String())
	}
}

func TestMask(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/mask", map[string]interface{}{
		"text":   "Mrs. Aruna Gupta was treated with 325 mg of Aspirin.",
		"labels": []string{"patient name", "dosage"},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeResponse(t, rec)

	maskedText, _ := body["masked_text"].(string)
	if !strings.Contains(maskedText, "[patient name]") {
		t.Errorf("expected patient name placeholder in %q", maskedText)
	}
	if !strings.Contains(maskedText, "[dosage]") {
		t.Errorf("expected dosage placeholder in %q", maskedText)
	}
	if strings.Contains(maskedText, "Aruna Gupta") {
		t.Errorf("entity text survived masking: %q", maskedText)
	}

	maskedCount, _ := body["masked_entities_count"].(float64)
	if maskedCount < 2 {
		t.Errorf("expected at least 2 masked entities, got %g", maskedCount)
	}
	if _, ok := body["entities"].([]interface{}); !ok {
		t.Errorf("expected an entities list in %s", rec.Body.String())
	}
}

func TestMask_NoEntities(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.Handler()

	text := "No identifying information here."
	rec := doRequest(t, handler, http.MethodPost, "/api/mask", map[string]interface{}{
		"text":   text,
		"labels": []string{"patient name"},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeResponse(t, rec)
	if body["masked_text"] != text {
		t.Errorf("expected text unchanged, got %q", body["masked_text"])
	}
	if count, _ := body["masked_entities_count"].(float64); count != 0 {
		t.Errorf("expected masked count 0, got %g", count)
	}
}

func TestAuthEnabled(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.JWTSecret = "test-secret"
	})
	handler := s.Handler()

	predictBody := map[string]interface{}{
		"text":   "Patient is 60 years old.",
		"labels": []string{"age"},
	}

	// No token.
	rec := doRequest(t, handler, http.MethodPost, "/api/predict", predictBody, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	// Garbage token.
	rec = doRequest(t, handler, http.MethodPost, "/api/predict", predictBody,
		map[string]string{"Authorization": "Bearer not-a-token"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rec.Code)
	}

	// Register and login remain public.
	credentials := map[string]string{"username": "drpatel", "password": "s3cret"}
	rec = doRequest(t, handler, http.MethodPost, "/api/register", credentials, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, handler, http.MethodPost, "/api/login", credentials, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on login, got %d: %s", rec.Code, rec.Body.String())
	}
	token, _ := decodeResponse(t, rec)["token"].(string)
	if token == "" {
		t.Fatal("expected a token")
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/predict", predictBody,
		map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLogs(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.Handler()

	// Generate one predict and one mask entry.
	body := map[string]interface{}{
		"text":   "Mrs. Aruna Gupta was treated with 325 mg of Aspirin.",
		"labels": []string{"patient name", "dosage"},
	}
	if rec := doRequest(t, handler, http.MethodPost, "/api/predict", body, nil); rec.Code != http.StatusOK {
		t.Fatalf("predict failed: %d %s", rec.Code, rec.Body.String())
	}
	if rec := doRequest(t, handler, http.MethodPost, "/api/mask", body, nil); rec.Code != http.StatusOK {
		t.Fatalf("mask failed: %d %s", rec.Code, rec.Body.String())
	}

	rec := doRequest(t, handler, http.MethodGet, "/api/logs", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	decoded := decodeResponse(t, rec)
	if count, _ := decoded["count"].(float64); count != 2 {
		t.Errorf("expected count 2, got %g", count)
	}
	logs, ok := decoded["logs"].([]interface{})
	if !ok || len(logs) != 2 {
		t.Fatalf("expected 2 log entries, got %s", rec.Body.String())
	}

	// Newest first: the mask call came second.
	newest, _ := logs[0].(map[string]interface{})
	if newest["endpoint"] != "mask" {
		t.Errorf("expected newest entry to be mask, got %v", newest["endpoint"])
	}
	if newest["request_id"] == "" {
		t.Error("expected audit entries to carry a request id")
	}
	if count, _ := newest["masked_count"].(float64); count < 2 {
		t.Errorf("expected masked_count >= 2, got %g", count)
	}
	// Raw clinical text must never appear in audit entries.
	if strings.Contains(rec.Body.String(), "Aruna Gupta") {
		t.Error("audit log leaked request text")
	}
}

func TestLogs_LimitValidation(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.Handler()

	for _, limit := range []string{"0", "1001", "abc"} {
		rec := doRequest(t, handler, http.MethodGet, "/api/logs?limit="+limit, nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for limit=%s, got %d", limit, rec.Code)
		}
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RequestsPerSecond = 0.1
		cfg.RateLimit.Burst = 1
	})
	handler := s.Handler()

	body := map[string]interface{}{
		"text":   "Patient is 60 years old.",
		"labels": []string{"age"},
	}

	rec := doRequest(t, handler, http.MethodPost, "/api/predict", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/predict", body, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header")
	}

	// Unprotected endpoints are not rate limited.
	rec = doRequest(t, handler, http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health should not be rate limited, got %d", rec.Code)
	}
}

func TestRequestIDEcho(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/health", nil, nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request id on the response")
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/health", nil,
		map[string]string{"X-Request-ID": "req-abc-123"})
	if got := rec.Header().Get("X-Request-ID"); got != "req-abc-123" {
		t.Errorf("expected the supplied request id to be echoed, got %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.Handler()

	rec := doRequest(t, handler, http.MethodOptions, "/api/predict", nil,
		map[string]string{"Origin": "https://emr.example.org"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://emr.example.org" {
		t.Errorf("unexpected allow-origin: %q", got)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Errorf("expected Authorization in allowed headers, got %q", rec.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestInvalidJSONBody(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed JSON, got %d", rec.Code)
	}
}
