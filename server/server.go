// Package server provides the HTTP API: registration, login, prediction,
// masking, health and audit endpoints.
package server

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"emrner/auth"
	"emrner/config"
	"emrner/mask"
	"emrner/ner"
	"emrner/store"
)

// Server represents the HTTP server
type Server struct {
	config      *config.Config
	manager     *ner.Manager
	maskService *mask.Service
	userStore   store.UserStore
	auditStore  store.AuditStore
	issuer      *auth.TokenIssuer
}

// NewServer creates a new server instance and wires its dependencies.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	predictorConfig := map[string]interface{}{
		"base_url":       cfg.Predictor.ModelBaseURL,
		"model_path":     cfg.Predictor.ONNXModelPath,
		"tokenizer_path": cfg.Predictor.TokenizerPath,
		"label_map_path": cfg.Predictor.LabelMapPath,
	}

	manager, err := ner.NewManager(cfg.Predictor.Name, predictorConfig, cfg.Predictor.DefaultLabels)
	if err != nil {
		return nil, fmt.Errorf("failed to create predictor manager: %w", err)
	}

	var userStore store.UserStore
	var auditStore store.AuditStore
	if cfg.Database.Enabled {
		dbConfig := store.DatabaseConfig{
			Host:         cfg.Database.Host,
			Port:         cfg.Database.Port,
			Database:     cfg.Database.Database,
			Username:     cfg.Database.Username,
			Password:     cfg.Database.Password,
			SSLMode:      cfg.Database.SSLMode,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
			MaxLifetime:  time.Duration(cfg.Database.MaxLifetime) * time.Second,
		}

		userStore, err = store.NewPostgresUserStore(dbConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create user store: %w", err)
		}
		auditStore, err = store.NewPostgresAuditStore(dbConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit store: %w", err)
		}
	} else {
		userStore = store.NewInMemoryUserStore()
		auditStore = store.NewInMemoryAuditStore()
	}

	return &Server{
		config:      cfg,
		manager:     manager,
		maskService: mask.NewService(manager),
		userStore:   userStore,
		auditStore:  auditStore,
		issuer:      auth.NewTokenIssuer(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute),
	}, nil
}

// Handler builds the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	authMiddleware := auth.Middleware(s.issuer, s.config.Auth.Enabled)
	limiter := newClientLimiter(s.config.RateLimit)

	protected := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(limiter.middleware(h))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/", s.handleAPIRoot)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.Handle("/api/predict", protected(s.handlePredict))
	mux.Handle("/api/mask", protected(s.handleMask))
	mux.Handle("/api/logs", protected(s.handleLogs))
	mux.Handle("/metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = recoverMiddleware(handler)
	return handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Printf("Starting NER inference service on port %s", s.config.ServerPort)
	log.Printf("Predictor backend: %s", s.config.Predictor.Name)

	if s.manager.IsHealthy() {
		if predictor, err := s.manager.GetPredictor(); err == nil {
			log.Printf("Entity prediction enabled with predictor: %s", predictor.GetName())
		}
	} else {
		log.Printf("Warning: predictor is unhealthy at startup: %v", s.manager.GetLastError())
	}

	if s.config.Database.Enabled {
		log.Println("Database storage enabled")
	} else {
		log.Println("Using in-memory storage")
	}

	if s.config.Auth.Enabled {
		log.Println("Authentication enabled")
	} else {
		log.Println("Authentication disabled; predict/mask endpoints are public")
	}

	server := &http.Server{
		Addr:         s.config.ServerPort,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// StartWithErrorHandling starts the server with proper error handling
func (s *Server) StartWithErrorHandling() {
	if err := s.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// corsMiddleware adds CORS headers and answers preflight requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Credentials", "false")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Close closes the server and cleans up resources
func (s *Server) Close() error {
	if err := s.manager.Close(); err != nil {
		return err
	}
	if err := s.userStore.Close(); err != nil {
		return err
	}
	return s.auditStore.Close()
}
