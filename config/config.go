package config

import (
	"fmt"
	"strconv"
	"strings"
)

// LoggingConfig holds logging configuration options
type LoggingConfig struct {
	LogRequests bool // Log request metadata (method, path, request id)
	LogEntities bool // Log detected entity labels and counts
	LogVerbose  bool // Log detailed timing per inference
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Enabled      bool   // Whether to use Postgres storage (in-memory otherwise)
	Host         string // Database host
	Port         int    // Database port
	Database     string // Database name
	Username     string // Database username
	Password     string // Database password
	SSLMode      string // SSL mode (disable, require, etc.)
	MaxOpenConns int    // Maximum open connections
	MaxIdleConns int    // Maximum idle connections
	MaxLifetime  int    // Connection max lifetime in seconds
}

// AuthConfig holds authentication configuration.
// Enabled is the single switch for request authentication; when false the
// predict/mask/logs endpoints accept unauthenticated requests.
type AuthConfig struct {
	Enabled         bool   // Require bearer tokens on protected endpoints
	JWTSecret       string // HMAC secret for signing tokens
	TokenTTLMinutes int    // Token lifetime in minutes
}

// PredictorConfig holds NER predictor configuration
type PredictorConfig struct {
	Name          string   // Predictor backend: remote, onnx or regex
	ModelBaseURL  string   // Base URL of the remote model server
	ONNXModelPath string   // Path to the ONNX model file
	TokenizerPath string   // Path to the tokenizer.json file
	LabelMapPath  string   // Path to the label_mappings.json file
	DefaultLabels []string // Labels used when warming up the model
	MaxTextLength int      // Maximum accepted text length in bytes
}

// RateLimitConfig holds per-client rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool    // Whether rate limiting is applied
	RequestsPerSecond float64 // Sustained requests per second per client
	Burst             int     // Burst size per client
}

// Config holds all configuration for the NER inference service
type Config struct {
	ServerPort string
	SentryDSN  string
	Auth       AuthConfig
	Predictor  PredictorConfig
	Database   DatabaseConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ServerPort: ":8000",
		Auth: AuthConfig{
			Enabled:         false,
			JWTSecret:       "",
			TokenTTLMinutes: 60,
		},
		Predictor: PredictorConfig{
			Name:          "remote",
			ModelBaseURL:  "http://localhost:9000",
			ONNXModelPath: "model/quantized/model_quantized.onnx",
			TokenizerPath: "model/quantized/tokenizer.json",
			LabelMapPath:  "model/quantized/label_mappings.json",
			DefaultLabels: []string{"patient name", "age", "dosage", "medication", "diagnosis"},
			MaxTextLength: 10000,
		},
		Database: DatabaseConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         5432,
			Database:     "emrner",
			Username:     "postgres",
			Password:     "",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 25,
			MaxLifetime:  300,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Logging: LoggingConfig{
			LogRequests: true,
			LogEntities: true,
			LogVerbose:  false,
		},
	}
}

// Validate checks the configuration for values that would prevent the
// service from starting correctly.
func (c *Config) Validate() error {
	if err := validatePort(c.ServerPort, "ServerPort"); err != nil {
		return err
	}

	switch c.Predictor.Name {
	case "remote", "onnx", "regex":
	default:
		return fmt.Errorf("Predictor.Name: unknown predictor %q (expected remote, onnx or regex)", c.Predictor.Name)
	}

	if c.Predictor.MaxTextLength <= 0 {
		return fmt.Errorf("Predictor.MaxTextLength: must be positive (current value: %d)", c.Predictor.MaxTextLength)
	}

	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("Auth.JWTSecret: secret cannot be empty when auth is enabled")
		}
		if c.Auth.TokenTTLMinutes <= 0 {
			return fmt.Errorf("Auth.TokenTTLMinutes: must be positive (current value: %d)", c.Auth.TokenTTLMinutes)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("RateLimit.RequestsPerSecond: must be positive (current value: %g)", c.RateLimit.RequestsPerSecond)
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("RateLimit.Burst: must be positive (current value: %d)", c.RateLimit.Burst)
		}
	}

	return nil
}

// validatePort checks that a port is in ":PORT" form with a numeric port
// in the valid range.
func validatePort(port string, fieldName string) error {
	if port == "" {
		return fmt.Errorf("%s: port cannot be empty", fieldName)
	}

	if !strings.HasPrefix(port, ":") {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}

	num, err := strconv.Atoi(strings.TrimPrefix(port, ":"))
	if err != nil {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}

	if num < 1 || num > 65535 {
		return fmt.Errorf("%s: port must be between 1 and 65535 (current value: %d)", fieldName, num)
	}

	return nil
}

// GetLogRequests returns whether to log request metadata
func (lc LoggingConfig) GetLogRequests() bool {
	return lc.LogRequests
}

// GetLogEntities returns whether to log detected entity labels and counts
func (lc LoggingConfig) GetLogEntities() bool {
	return lc.LogEntities
}

// GetLogVerbose returns whether to log detailed timing
func (lc LoggingConfig) GetLogVerbose() bool {
	return lc.LogVerbose
}
