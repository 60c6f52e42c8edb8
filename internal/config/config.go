package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	AuthModeNone    = "none"
	AuthModeGateway = "gateway"
	AuthModeJWT     = "jwt"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
	DBDriverMemory   = "memory"

	StorageDriverS3   = "s3"
	StorageDriverDisk = "disk"
)

// Config holds the application configuration
type Config struct {
	// Environment
	Environment string
	Port        string

	// LLM API Keys
	OpenAIAPIKey string // OpenAI API key for GPT and gpt-image models
	GeminiAPIKey string // Google Gemini API key (reasoning, Gemini image, Imagen)

	// Reasoning model used by the agent loop, ideation and standalone review
	ReasoningProvider string // "openai" or "gemini"; empty infers from model name
	ReasoningModel    string
	IdeationModel     string
	ReviewModel       string
	ReasoningEffort   string

	// Image synthesis
	DefaultImageModel string

	// Agent loop limits
	LoopMaxSteps    int
	LoopMaxAttempts int
	LoopTimeout     time.Duration
	IdeationTimeout time.Duration

	// Persistence
	DBDriver    string // postgres | sqlite | memory
	DatabaseURL string
	SQLitePath  string

	// Durable image mirroring
	StorageDriver   string // s3 | disk
	S3Bucket        string
	S3Region        string
	S3PublicBaseURL string
	MirrorDir       string
	PublicBaseURL   string

	// Sessions
	SessionEventHistory int
	SessionIdleTimeout  time.Duration

	// HTTP
	AllowedOrigins []string

	// Observability
	SentryDSN         string // Sentry DSN for error tracking
	LangfusePublicKey string // Langfuse public key
	LangfuseSecretKey string // Langfuse secret key
	LangfuseHost      string // Langfuse host URL (cloud or self-hosted)
	LangfuseEnabled   bool   // Feature flag for Langfuse

	// Auth mode
	// - "none": No auth (self-hosted, local dev)
	// - "gateway": Trust X-User-* headers from an upstream gateway
	// - "jwt": Verify the HS256 access_token cookie or bearer token
	AuthMode  string
	JWTSecret string
}

func Load() *Config {
	return &Config{
		Environment:         getEnv("ENVIRONMENT", "development"),
		Port:                getEnv("PORT", "8080"),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		ReasoningProvider:   getEnv("REASONING_PROVIDER", ""),
		ReasoningModel:      getEnv("REASONING_MODEL", "gpt-5-mini"),
		IdeationModel:       getEnv("IDEATION_MODEL", ""),
		ReviewModel:         getEnv("REVIEW_MODEL", ""),
		ReasoningEffort:     getEnv("REASONING_EFFORT", "low"),
		DefaultImageModel:   getEnv("DEFAULT_IMAGE_MODEL", "google/nano-banana-pro"),
		LoopMaxSteps:        getEnvInt("LOOP_MAX_STEPS", 10),
		LoopMaxAttempts:     getEnvInt("LOOP_MAX_ATTEMPTS", 3),
		LoopTimeout:         getEnvDuration("LOOP_TIMEOUT", 300*time.Second),
		IdeationTimeout:     getEnvDuration("IDEATION_TIMEOUT", 30*time.Second),
		DBDriver:            getEnv("DB_DRIVER", DBDriverMemory),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		SQLitePath:          getEnv("SQLITE_PATH", "./data/nativeads.db"),
		StorageDriver:       getEnv("STORAGE_DRIVER", StorageDriverDisk),
		S3Bucket:            getEnv("S3_BUCKET", ""),
		S3Region:            getEnv("S3_REGION", "us-east-1"),
		S3PublicBaseURL:     getEnv("S3_PUBLIC_BASE_URL", ""),
		MirrorDir:           getEnv("MIRROR_DIR", "./data/images"),
		PublicBaseURL:       getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		SessionEventHistory: getEnvInt("SESSION_EVENT_HISTORY", 256),
		SessionIdleTimeout:  getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		AllowedOrigins:      getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		SentryDSN:           getEnv("SENTRY_DSN", ""),
		LangfusePublicKey:   getEnv("LANGFUSE_PUBLIC_KEY", ""),
		LangfuseSecretKey:   getEnv("LANGFUSE_SECRET_KEY", ""),
		LangfuseHost:        getEnv("LANGFUSE_HOST", "https://cloud.langfuse.com"),
		LangfuseEnabled:     getEnvBool("LANGFUSE_ENABLED", false),
		AuthMode:            getEnv("AUTH_MODE", AuthModeNone), // Default to no auth for self-hosted
		JWTSecret:           getEnv("JWT_SECRET", ""),
	}
}

// Validate checks the combinations Load cannot catch on its own.
func (c *Config) Validate() error {
	var problems []string

	if c.OpenAIAPIKey == "" && c.GeminiAPIKey == "" {
		problems = append(problems, "one of OPENAI_API_KEY or GEMINI_API_KEY is required")
	}
	if c.LoopMaxSteps < 1 {
		problems = append(problems, "LOOP_MAX_STEPS must be positive")
	}
	if c.LoopMaxAttempts < 1 || c.LoopMaxAttempts > 3 {
		problems = append(problems, "LOOP_MAX_ATTEMPTS must be between 1 and 3")
	}
	if c.LoopTimeout <= 0 {
		problems = append(problems, "LOOP_TIMEOUT must be positive")
	}

	switch c.DBDriver {
	case DBDriverPostgres:
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required for the postgres driver")
		}
	case DBDriverSQLite:
		if c.SQLitePath == "" {
			problems = append(problems, "SQLITE_PATH is required for the sqlite driver")
		}
	case DBDriverMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown DB_DRIVER %q", c.DBDriver))
	}

	switch c.StorageDriver {
	case StorageDriverS3:
		if c.S3Bucket == "" {
			problems = append(problems, "S3_BUCKET is required for the s3 storage driver")
		}
	case StorageDriverDisk:
		if c.MirrorDir == "" {
			problems = append(problems, "MIRROR_DIR is required for the disk storage driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}

	switch c.AuthMode {
	case AuthModeNone, AuthModeGateway:
	case AuthModeJWT:
		if c.JWTSecret == "" {
			problems = append(problems, "JWT_SECRET is required when AUTH_MODE=jwt")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown AUTH_MODE %q", c.AuthMode))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsGatewayMode returns true if running behind an authenticating gateway
func (c *Config) IsGatewayMode() bool {
	return c.AuthMode == AuthModeGateway
}

// IsProduction reports whether production-only integrations should be enabled
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// getEnvDuration accepts Go duration strings ("90s", "5m") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
