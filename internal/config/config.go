package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port        string
	DatabaseURL string

	LogLevel        string
	ErrorSampleRate int
	OTELEnabled     bool
	OTELServiceName string

	// MigrateOnStart applies pending migrations before the server loads orgs.
	MigrateOnStart bool
	MigrationsPath string

	// RulesCacheTTL bounds how long an engine trusts its cached active
	// rules. Zero caches until the next local mutation.
	RulesCacheTTL time.Duration

	CooldownBackend string
	OutcomeBackend  string
	SQLitePath      string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RunnerConcurrency     int
	DispatchTimeout       time.Duration
	AnnotationTimeout     time.Duration
	DispatchRatePerSecond float64
	DispatchBurst         int

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	BedrockModelID string
	SESFromEmail   string
	SESFromName    string
	ReviewQueueURL string
	EnrollQueueURL string

	// NotifyRoleEmails maps recipient roles to addresses:
	// "counselor=a@x.org,b@x.org;principal=c@x.org".
	NotifyRoleEmails string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		LogLevel:        getEnv("LOG_LEVEL", "INFO"),
		ErrorSampleRate: getEnvAsInt("ERROR_SAMPLE_RATE", 1),
		OTELEnabled:     getEnvAsBool("OTEL_ENABLED", false),
		OTELServiceName: getEnv("OTEL_SERVICE_NAME", "pulse-triggers"),

		MigrateOnStart: getEnvAsBool("MIGRATE_ON_START", false),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "file://migrations"),

		RulesCacheTTL: getEnvAsDuration("RULES_CACHE_TTL", 0),

		CooldownBackend: getEnv("COOLDOWN_BACKEND", "memory"),
		OutcomeBackend:  getEnv("OUTCOME_BACKEND", "memory"),
		SQLitePath:      getEnv("SQLITE_PATH", "outcomes.db"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		RunnerConcurrency:     getEnvAsInt("RUNNER_CONCURRENCY", 8),
		DispatchTimeout:       getEnvAsDuration("DISPATCH_TIMEOUT", 30*time.Second),
		AnnotationTimeout:     getEnvAsDuration("ANNOTATION_TIMEOUT", 5*time.Second),
		DispatchRatePerSecond: getEnvAsFloat("DISPATCH_RATE_PER_SECOND", 0),
		DispatchBurst:         getEnvAsInt("DISPATCH_BURST", 10),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		BedrockModelID: getEnv("BEDROCK_MODEL_ID", ""),
		SESFromEmail:   getEnv("SES_FROM_EMAIL", ""),
		SESFromName:    getEnv("SES_FROM_NAME", "Pulse Alerts"),
		ReviewQueueURL: getEnv("REVIEW_QUEUE_URL", ""),
		EnrollQueueURL: getEnv("ENROLL_QUEUE_URL", ""),

		NotifyRoleEmails: getEnv("NOTIFY_ROLE_EMAILS", ""),
	}
}

// Validate checks the settings Load cannot repair with a default.
func (c *Config) Validate() error {
	switch c.CooldownBackend {
	case "memory", "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("COOLDOWN_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown COOLDOWN_BACKEND %q (memory, redis, postgres)", c.CooldownBackend)
	}

	switch c.OutcomeBackend {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("OUTCOME_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown OUTCOME_BACKEND %q (memory, postgres, sqlite)", c.OutcomeBackend)
	}

	if c.RunnerConcurrency < 1 {
		return fmt.Errorf("RUNNER_CONCURRENCY must be at least 1, got %d", c.RunnerConcurrency)
	}
	if c.RulesCacheTTL < 0 {
		return fmt.Errorf("RULES_CACHE_TTL must not be negative")
	}
	if c.DispatchRatePerSecond < 0 {
		return fmt.Errorf("DISPATCH_RATE_PER_SECOND must not be negative")
	}
	return nil
}

// SESFrom is the formatted From address for notification email.
func (c *Config) SESFrom() string {
	if c.SESFromName == "" {
		return c.SESFromEmail
	}
	return fmt.Sprintf("%s <%s>", c.SESFromName, c.SESFromEmail)
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
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
