package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultModelIDs is the model list offered when ALLOWED_MODEL_IDS is unset.
var DefaultModelIDs = []string{
	"anthropic.claude-3-sonnet-20240229-v1:0",
	"anthropic.claude-3-opus-20240229-v1:0",
	"anthropic.claude-3-5-sonnet-20240620-v1:0",
	"anthropic.claude-3-5-sonnet-20241022-v2:0",
	"anthropic.claude-3-5-haiku-20241022-v1:0",
}

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	BedrockModelID  string
	AllowedModelIDs []string
	DefaultTemplate string
	MaxTokens       int

	RetryMaxRetries   int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryJitter       time.Duration

	// SessionStore is "memory" or "redis".
	SessionStore  string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	SessionTTL    time.Duration

	ExamplesBucket string
	ExamplesPrefix string
	ArtifactBucket string
	ArtifactTable  string

	GeminiAPIKey  string
	GeminiModelID string

	APIJWTSecret       string
	CORSAllowedOrigins []string
	MaxImageBytes      int64
	ShutdownTimeout    time.Duration

	// RateLimitRPS <= 0 disables limiting on model-calling routes.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		BedrockModelID:  getEnv("BEDROCK_MODEL_ID", DefaultModelIDs[0]),
		AllowedModelIDs: getEnvAsList("ALLOWED_MODEL_IDS", DefaultModelIDs),
		DefaultTemplate: getEnv("DEFAULT_TEMPLATE", "CloudFormation"),
		MaxTokens:       getEnvAsInt("MAX_TOKENS", 4000),

		RetryMaxRetries:   getEnvAsInt("RETRY_MAX_RETRIES", 5),
		RetryInitialDelay: getEnvAsDuration("RETRY_INITIAL_DELAY", time.Second),
		RetryMaxDelay:     getEnvAsDuration("RETRY_MAX_DELAY", 60*time.Second),
		RetryJitter:       getEnvAsDuration("RETRY_JITTER", time.Second),

		SessionStore:  strings.ToLower(strings.TrimSpace(getEnv("SESSION_STORE", "memory"))),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		SessionTTL:    getEnvAsDuration("SESSION_TTL", 24*time.Hour),

		ExamplesBucket: getEnv("EXAMPLES_BUCKET", ""),
		ExamplesPrefix: getEnv("EXAMPLES_PREFIX", "examples/"),
		ArtifactBucket: getEnv("ARTIFACT_BUCKET", ""),
		ArtifactTable:  getEnv("ARTIFACT_TABLE", ""),

		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		GeminiModelID: getEnv("GEMINI_MODEL_ID", ""),

		APIJWTSecret:       getEnv("API_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
		MaxImageBytes:      int64(getEnvAsInt("MAX_IMAGE_BYTES", 10<<20)),
		ShutdownTimeout:    getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		RateLimitRPS:   getEnvAsFloat("RATE_LIMIT_RPS", 0.5),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 5),
	}
}

// Validate reports settings that would fail at startup.
func (c *Config) Validate() error {
	var errs []error
	switch c.SessionStore {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when SESSION_STORE=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE must be memory or redis, got %q", c.SessionStore))
	}
	if len(c.AllowedModelIDs) > 0 && !contains(c.AllowedModelIDs, c.BedrockModelID) {
		errs = append(errs, fmt.Errorf("BEDROCK_MODEL_ID %q is not in ALLOWED_MODEL_IDS", c.BedrockModelID))
	}
	if c.MaxTokens <= 0 {
		errs = append(errs, errors.New("MAX_TOKENS must be positive"))
	}
	if c.RetryMaxRetries < 0 {
		errs = append(errs, errors.New("RETRY_MAX_RETRIES cannot be negative"))
	}
	if c.RetryInitialDelay <= 0 || c.RetryMaxDelay < c.RetryInitialDelay {
		errs = append(errs, errors.New("RETRY_INITIAL_DELAY must be positive and not exceed RETRY_MAX_DELAY"))
	}
	return errors.Join(errs...)
}

// ValidateServer adds the checks that only apply to the HTTP API.
func (c *Config) ValidateServer() error {
	err := c.Validate()
	if c.Env == "production" && c.APIJWTSecret == "" {
		err = errors.Join(err, errors.New("API_JWT_SECRET is required in production"))
	}
	return err
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
