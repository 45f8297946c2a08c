package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrInvalid wraps every validation failure so callers can map it to exit code 2.
var ErrInvalid = errors.New("invalid configuration")

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	AWS       AWSConfig
	Provider  ProviderConfig
	Upload    UploadConfig
	Reconcile ReconcileConfig
	Progress  ProgressConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
	RunWorkers         bool   // run reconciler and asset deleter inside the API process
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/lms?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds the secret shared with the platform auth service.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the object-store bucket.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	VideosBucket    string
	PlaybackBaseURL string
}

// ProviderConfig selects and configures the streaming provider.
type ProviderConfig struct {
	Kind                      string
	APIBase                   string
	WebhookSecret             string
	SignatureToleranceSeconds int
	RequestTimeoutSeconds     int
	WebhookBudgetSeconds      int
	MuxTokenID                string
	MuxTokenSecret            string
}

// UploadConfig bounds upload sessions.
type UploadConfig struct {
	SessionTTLSeconds int
	MaxBytes          int64
	MinBytes          int64
}

// ReconcileConfig drives the reconciliation worker.
type ReconcileConfig struct {
	PeriodSeconds  int
	GraceSeconds   int
	AbandonSeconds int
}

// ProgressConfig sizes progress channel subscriber queues.
type ProgressConfig struct {
	SubscriberQueueDepth int
}

// Provider kinds accepted by VIDEO_PROVIDER_KIND.
const (
	ProviderManagedStream = "managed-stream"
	ProviderObjectStore   = "object-store"
)

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// SignatureTolerance is the accepted webhook timestamp skew.
func (c ProviderConfig) SignatureTolerance() time.Duration {
	return seconds(c.SignatureToleranceSeconds)
}

// RequestTimeout bounds every outbound provider call.
func (c ProviderConfig) RequestTimeout() time.Duration { return seconds(c.RequestTimeoutSeconds) }

// WebhookBudget bounds the handling of one webhook delivery.
func (c ProviderConfig) WebhookBudget() time.Duration { return seconds(c.WebhookBudgetSeconds) }

// SessionTTL is the lifetime of an upload session.
func (c UploadConfig) SessionTTL() time.Duration { return seconds(c.SessionTTLSeconds) }

// Period is the reconciliation scan interval.
func (c ReconcileConfig) Period() time.Duration { return seconds(c.PeriodSeconds) }

// Grace is how long a record may stay in flight before reconciliation.
func (c ReconcileConfig) Grace() time.Duration { return seconds(c.GraceSeconds) }

// Abandon is the age past which an unknown upload is abandoned.
func (c ReconcileConfig) Abandon() time.Duration { return seconds(c.AbandonSeconds) }

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
			RunWorkers:         getEnvBool("RUN_WORKERS_IN_SERVER", false),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/lms?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "lms"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:        getEnv("AWS_S3_ENDPOINT", ""),
			VideosBucket:    getEnv("AWS_S3_VIDEOS_BUCKET", ""),
			PlaybackBaseURL: getEnv("OBJECT_STORE_PLAYBACK_BASE_URL", ""),
		},
		Provider: ProviderConfig{
			Kind:                      getEnv("VIDEO_PROVIDER_KIND", ProviderManagedStream),
			APIBase:                   getEnv("VIDEO_PROVIDER_API_BASE", "https://api.mux.com"),
			WebhookSecret:             getEnv("VIDEO_PROVIDER_WEBHOOK_SECRET", ""),
			SignatureToleranceSeconds: getEnvInt("VIDEO_PROVIDER_SIGNATURE_TOLERANCE_SEC", 300),
			RequestTimeoutSeconds:     getEnvInt("PROVIDER_REQUEST_TIMEOUT_SEC", 10),
			WebhookBudgetSeconds:      getEnvInt("WEBHOOK_BUDGET_SEC", 8),
			MuxTokenID:                getEnv("MUX_TOKEN_ID", ""),
			MuxTokenSecret:            getEnv("MUX_TOKEN_SECRET", ""),
		},
		Upload: UploadConfig{
			SessionTTLSeconds: getEnvInt("UPLOAD_SESSION_TTL_SEC", 3600),
			MaxBytes:          getEnvInt64("UPLOAD_MAX_BYTES", 5<<30),
			MinBytes:          getEnvInt64("UPLOAD_MIN_BYTES", 1024),
		},
		Reconcile: ReconcileConfig{
			PeriodSeconds:  getEnvInt("RECONCILE_PERIOD_SEC", 60),
			GraceSeconds:   getEnvInt("RECONCILE_GRACE_SEC", 900),
			AbandonSeconds: getEnvInt("RECONCILE_ABANDON_SEC", 86400),
		},
		Progress: ProgressConfig{
			SubscriberQueueDepth: getEnvInt("PROGRESS_SUBSCRIBER_QUEUE_DEPTH", 32),
		},
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Provider.Kind {
	case ProviderManagedStream:
		if c.Provider.MuxTokenID == "" || c.Provider.MuxTokenSecret == "" {
			add("MUX_TOKEN_ID and MUX_TOKEN_SECRET are required for %s", ProviderManagedStream)
		}
		if c.Provider.APIBase == "" {
			add("VIDEO_PROVIDER_API_BASE is required for %s", ProviderManagedStream)
		}
	case ProviderObjectStore:
		if c.AWS.VideosBucket == "" {
			add("AWS_S3_VIDEOS_BUCKET is required for %s", ProviderObjectStore)
		}
	default:
		add("unknown VIDEO_PROVIDER_KIND %q", c.Provider.Kind)
	}
	if c.Provider.WebhookSecret == "" {
		add("VIDEO_PROVIDER_WEBHOOK_SECRET is required")
	}

	positive := map[string]int{
		"VIDEO_PROVIDER_SIGNATURE_TOLERANCE_SEC": c.Provider.SignatureToleranceSeconds,
		"PROVIDER_REQUEST_TIMEOUT_SEC":           c.Provider.RequestTimeoutSeconds,
		"WEBHOOK_BUDGET_SEC":                     c.Provider.WebhookBudgetSeconds,
		"UPLOAD_SESSION_TTL_SEC":                 c.Upload.SessionTTLSeconds,
		"RECONCILE_PERIOD_SEC":                   c.Reconcile.PeriodSeconds,
		"RECONCILE_GRACE_SEC":                    c.Reconcile.GraceSeconds,
		"RECONCILE_ABANDON_SEC":                  c.Reconcile.AbandonSeconds,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			add("%s must be positive", key)
		}
	}
	if c.Reconcile.AbandonSeconds <= c.Reconcile.GraceSeconds {
		add("RECONCILE_ABANDON_SEC must exceed RECONCILE_GRACE_SEC")
	}
	if c.Upload.MinBytes <= 0 || c.Upload.MaxBytes <= 0 {
		add("UPLOAD_MIN_BYTES and UPLOAD_MAX_BYTES must be positive")
	} else if c.Upload.MinBytes >= c.Upload.MaxBytes {
		add("UPLOAD_MIN_BYTES must be below UPLOAD_MAX_BYTES")
	}
	if c.Progress.SubscriberQueueDepth < 2 {
		add("PROGRESS_SUBSCRIBER_QUEUE_DEPTH must be at least 2")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// CORSOrigins returns the allowed origins as a list.
func (c ServerConfig) CORSOrigins() []string {
	return splitTrim(c.CORSAllowedOrigins, ",")
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
