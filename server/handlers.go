package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"emrner/auth"
	"emrner/metrics"
	"emrner/ner"
	"emrner/store"
)

// maxRequestBodyBytes bounds request bodies before JSON decoding.
const maxRequestBodyBytes = 1 << 20

// textInput is the shared request shape of the predict and mask endpoints.
type textInput struct {
	Text   string   `json:"text"`
	Labels []string `json:"labels"`
}

// entityResponse is the wire shape of a detected entity. Offsets and
// confidence are internal; the API contract is text and label only.
type entityResponse struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

func toEntityResponses(entities []ner.Entity) []entityResponse {
	responses := make([]entityResponse, 0, len(entities))
	for _, entity := range entities {
		responses = append(responses, entityResponse{Text: entity.Text, Label: entity.Label})
	}
	return responses
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Server] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSONBody decodes a bounded JSON request body.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// validateTextInput rejects malformed predict/mask requests before any
// model work happens.
func (s *Server) validateTextInput(input textInput) error {
	if strings.TrimSpace(input.Text) == "" {
		return errors.New("text is required and cannot be empty")
	}
	if len(input.Text) > s.config.Predictor.MaxTextLength {
		return fmt.Errorf("text exceeds maximum length of %d bytes", s.config.Predictor.MaxTextLength)
	}
	if len(input.Labels) == 0 {
		return errors.New("labels is required and cannot be empty")
	}
	for _, label := range input.Labels {
		if strings.TrimSpace(label) == "" {
			return errors.New("labels cannot contain empty values")
		}
	}
	return nil
}

// handleAPIRoot lists the available endpoints.
func (s *Server) handleAPIRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "EMR NER API",
		"endpoints": map[string]string{
			"register": "/api/register",
			"login":    "/api/login",
			"predict":  "/api/predict",
			"mask":     "/api/mask",
			"health":   "/api/health",
			"logs":     "/api/logs",
			"metrics":  "/metrics",
		},
	})
}

// handleHealth reports service health as a plain-text gauge line.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	if !s.manager.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("emr_ner_health_status 0\n")); err != nil {
			log.Printf("[Server] Failed to write health response: %v", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("emr_ner_health_status 1\n")); err != nil {
		log.Printf("[Server] Failed to write health response: %v", err)
	}
}

// handleRegister creates a new user from a username and password.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var input struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSONBody(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if input.Username == "" || input.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	passwordHash, err := auth.HashPassword(input.Password)
	if err != nil {
		log.Printf("[Server] Failed to hash password for username %s: %v", input.Username, err)
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "An error occurred during registration")
		return
	}

	if _, err := s.userStore.CreateUser(r.Context(), input.Username, passwordHash); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			writeError(w, http.StatusBadRequest, "User already registered")
			return
		}
		log.Printf("[Server] Error occurred while registering username %s: %v", input.Username, err)
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "An error occurred during registration")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"message": "User registered successfully"})
}

// handleLogin authenticates a user and returns a signed bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var input struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSONBody(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, found, err := s.userStore.GetUserByUsername(r.Context(), input.Username)
	if err != nil {
		log.Printf("[Server] Error occurred while login for username %s: %v", input.Username, err)
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "An error occurred during login")
		return
	}

	if !found || !auth.CheckPassword(user.PasswordHash, input.Password) {
		writeError(w, http.StatusBadRequest, "Invalid credentials")
		return
	}

	token, err := s.issuer.Issue(user.ID, user.Username)
	if err != nil {
		log.Printf("[Server] Failed to issue token for username %s: %v", input.Username, err)
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "An error occurred during login")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handlePredict runs entity extraction and returns the detected entities.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var input textInput
	if err := decodeJSONBody(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validateTextInput(input); err != nil {
		log.Printf("[Server] Invalid input: %v", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	startTime := time.Now()
	entities, err := s.maskService.Predict(r.Context(), input.Text, input.Labels)
	if err != nil {
		log.Printf("[Server] Prediction failed: %v", err)
		sentry.CaptureException(err)
		writeError(w, http.StatusBadGateway, "Prediction failed")
		return
	}
	inferenceTime := float64(time.Since(startTime).Microseconds()) / 1000.0

	s.observeAndAudit(r, "predict", inferenceTime, input, entities, 0)

	if s.config.Logging.GetLogVerbose() {
		log.Printf("[Server] Prediction successful with %d entities and inference time %.2f ms", len(entities), inferenceTime)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entities": toEntityResponses(entities),
	})
}

// handleMask runs extraction then masks each entity occurrence in the text.
func (s *Server) handleMask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var input textInput
	if err := decodeJSONBody(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validateTextInput(input); err != nil {
		log.Printf("[Server] Invalid mask input: %v", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	startTime := time.Now()
	result, err := s.maskService.Mask(r.Context(), input.Text, input.Labels)
	if err != nil {
		log.Printf("[Server] Masking failed: %v", err)
		sentry.CaptureException(err)
		writeError(w, http.StatusBadGateway, "Masking failed")
		return
	}
	inferenceTime := float64(time.Since(startTime).Microseconds()) / 1000.0

	s.observeAndAudit(r, "mask", inferenceTime, input, result.Entities, result.MaskedCount)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entities":              toEntityResponses(result.Entities),
		"masked_text":           result.MaskedText,
		"masked_entities_count": result.MaskedCount,
	})
}

// handleLogs returns recent audit entries, newest first.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
			return
		}
		limit = parsed
	}

	entries, err := s.auditStore.Recent(r.Context(), limit)
	if err != nil {
		log.Printf("[Server] Failed to fetch audit entries: %v", err)
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch logs")
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}

	count, err := s.auditStore.Count(r.Context())
	if err != nil {
		log.Printf("[Server] Failed to count audit entries: %v", err)
		count = len(entries)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"count": count,
	})
}

// observeAndAudit records Prometheus metrics and an audit entry for one
// inference request. Audit failures are logged, never surfaced.
func (s *Server) observeAndAudit(r *http.Request, endpoint string, latencyMS float64, input textInput, entities []ner.Entity, maskedCount int) {
	labels := make([]string, 0, len(entities))
	for _, entity := range entities {
		labels = append(labels, entity.Label)
	}
	metrics.ObserveInference(latencyMS, labels)

	if s.config.Logging.GetLogEntities() {
		log.Printf("[Server] %s: %d entities detected (%.2f ms)", endpoint, len(entities), latencyMS)
	}

	entry := store.AuditEntry{
		RequestID:   RequestIDFromContext(r.Context()),
		Endpoint:    endpoint,
		Subject:     auth.FromContext(r.Context()).Subject,
		LabelCount:  len(input.Labels),
		EntityCount: len(entities),
		MaskedCount: maskedCount,
		DurationMS:  latencyMS,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.auditStore.Insert(ctx, entry); err != nil {
		log.Printf("[Server] Failed to insert audit entry: %v", err)
	}
}
