package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"emrner/config"
	"emrner/server"
)

const TRUE = "true"

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file from current directory")
	} else {
		log.Printf("Note: .env file not found or could not be loaded: %v", err)
	}

	cfg := config.DefaultConfig()

	configPath := flag.String("config", "", "Path to JSON config file")
	flag.Parse()

	if *configPath != "" {
		loadConfigFromFile(*configPath, cfg)
	}

	// Environment variables override file and default values
	loadConfigFromEnv(cfg)

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn: cfg.SentryDSN,
		})
		if err != nil {
			log.Printf("Warning: failed to initialize Sentry: %v", err)
		} else {
			log.Println("Sentry error reporting enabled")
		}
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	srv.StartWithErrorHandling()
}

// loadConfigFromFile loads configuration from a JSON file
func loadConfigFromFile(path string, cfg *config.Config) {
	// #nosec G304 - Config file path is controlled by application, not user input
	file, err := os.Open(path)
	if err != nil {
		log.Printf("Failed to open config file: %v", err)
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("Failed to close config file: %v", err)
		}
	}()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		log.Printf("Failed to decode config file: %v", err)
	}
}

// loadConfigFromEnv loads configuration from environment variables
func loadConfigFromEnv(cfg *config.Config) {
	loadServerConfig(cfg)
	loadAuthConfig(cfg)
	loadPredictorConfig(cfg)
	loadDatabaseConfig(cfg)
	loadRateLimitConfig(cfg)
	loadLoggingConfig(cfg)
}

// loadServerConfig loads server configuration from environment variables
func loadServerConfig(cfg *config.Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.ServerPort = port
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		cfg.SentryDSN = dsn
	}
}

// loadAuthConfig loads authentication configuration from environment variables
func loadAuthConfig(cfg *config.Config) {
	if authEnabled := os.Getenv("AUTH_ENABLED"); authEnabled != "" {
		cfg.Auth.Enabled = authEnabled == TRUE
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
		log.Printf("Loaded JWT_SECRET from environment (length: %d)", len(secret))
	} else if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		log.Printf("Warning: JWT_SECRET is empty or not set")
	}

	if ttl := os.Getenv("TOKEN_TTL_MINUTES"); ttl != "" {
		if minutes, err := strconv.Atoi(ttl); err == nil {
			cfg.Auth.TokenTTLMinutes = minutes
		}
	}
}

// loadPredictorConfig loads predictor configuration from environment variables
func loadPredictorConfig(cfg *config.Config) {
	if name := os.Getenv("PREDICTOR_NAME"); name != "" {
		cfg.Predictor.Name = name
	}

	if modelBaseURL := os.Getenv("MODEL_BASE_URL"); modelBaseURL != "" {
		cfg.Predictor.ModelBaseURL = modelBaseURL
	}

	if modelPath := os.Getenv("ONNX_MODEL_PATH"); modelPath != "" {
		cfg.Predictor.ONNXModelPath = modelPath
	}

	if tokenizerPath := os.Getenv("TOKENIZER_PATH"); tokenizerPath != "" {
		cfg.Predictor.TokenizerPath = tokenizerPath
	}

	if labelMapPath := os.Getenv("LABEL_MAP_PATH"); labelMapPath != "" {
		cfg.Predictor.LabelMapPath = labelMapPath
	}

	if labels := os.Getenv("DEFAULT_LABELS"); labels != "" {
		parts := strings.Split(labels, ",")
		cleaned := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			cfg.Predictor.DefaultLabels = cleaned
		}
	}

	if maxLen := os.Getenv("MAX_TEXT_LENGTH"); maxLen != "" {
		if length, err := strconv.Atoi(maxLen); err == nil {
			cfg.Predictor.MaxTextLength = length
		}
	}
}

// loadDatabaseConfig loads database configuration from environment variables
func loadDatabaseConfig(cfg *config.Config) {
	if dbEnabled := os.Getenv("DB_ENABLED"); dbEnabled != "" {
		cfg.Database.Enabled = dbEnabled == TRUE
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Database.Host = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Database.Port = p
		}
	}

	if dbName := os.Getenv("DB_NAME"); dbName != "" {
		cfg.Database.Database = dbName
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.Database.Username = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}

	if sslMode := os.Getenv("DB_SSL_MODE"); sslMode != "" {
		cfg.Database.SSLMode = sslMode
	}
}

// loadRateLimitConfig loads rate limiting configuration from environment variables
func loadRateLimitConfig(cfg *config.Config) {
	if enabled := os.Getenv("RATE_LIMIT_ENABLED"); enabled != "" {
		cfg.RateLimit.Enabled = enabled == TRUE
	}

	if rps := os.Getenv("RATE_LIMIT_RPS"); rps != "" {
		if parsed, err := strconv.ParseFloat(rps, 64); err == nil {
			cfg.RateLimit.RequestsPerSecond = parsed
		}
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		if parsed, err := strconv.Atoi(burst); err == nil {
			cfg.RateLimit.Burst = parsed
		}
	}
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig(cfg *config.Config) {
	if logRequests := os.Getenv("LOG_REQUESTS"); logRequests != "" {
		cfg.Logging.LogRequests = logRequests == TRUE
	}

	if logEntities := os.Getenv("LOG_ENTITIES"); logEntities != "" {
		cfg.Logging.LogEntities = logEntities == TRUE
	}

	if logVerbose := os.Getenv("LOG_VERBOSE"); logVerbose != "" {
		cfg.Logging.LogVerbose = logVerbose == TRUE
	}
}
