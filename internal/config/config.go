// Package config defines the global configuration structure for the mailroom
// service. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast).
package config

import (
	"time"

	"mailroom/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the mailroom service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require
// (Least Privilege principle).
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"mailroom"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	Email         EmailConfig
	Queue         QueueConfig
	Tracking      TrackingConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public base URL for tracking/unsubscribe links (no trailing slash)
	BaseURL string `envconfig:"BASE_URL" validate:"required,url"` // e.g., https://mail.example.com
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// EmailConfig holds email delivery provider credentials and sender identity.
type EmailConfig struct {
	Provider       string        `envconfig:"EMAIL_PROVIDER" default:"ses" validate:"oneof=ses mailgun stub"`
	FromAddress    string        `envconfig:"EMAIL_FROM_ADDRESS" default:"notifications@example.com"`
	FromName       string        `envconfig:"EMAIL_FROM_NAME" default:"Notifications"`
	Region         string        `envconfig:"AWS_REGION" default:"us-east-1"`
	SESConfigSet   string        `envconfig:"SES_CONFIGURATION_SET"`
	MailgunAPIKey  SecretString  `envconfig:"MAILGUN_API_KEY"`
	MailgunDomain  string        `envconfig:"MAILGUN_DOMAIN"`
	MailgunBaseURL string        `envconfig:"MAILGUN_BASE_URL" default:"https://api.mailgun.net"`
	SendTimeout    time.Duration `envconfig:"EMAIL_SEND_TIMEOUT" default:"15s"`
}

// QueueConfig holds dispatch, retry, and admission tuning parameters.
type QueueConfig struct {
	BatchSize        int           `envconfig:"QUEUE_BATCH_SIZE" default:"50" validate:"min=1,max=500"`
	DispatchInterval time.Duration `envconfig:"QUEUE_DISPATCH_INTERVAL" default:"1m"`
	RetryInterval    time.Duration `envconfig:"QUEUE_RETRY_INTERVAL" default:"5m"`
	MaxRetryAttempts int           `envconfig:"QUEUE_MAX_RETRY_ATTEMPTS" default:"3" validate:"min=1,max=10"`
	RetryBackoffBase time.Duration `envconfig:"QUEUE_RETRY_BACKOFF_BASE" default:"1m"`
	MaxEmailsPerHour int           `envconfig:"QUEUE_MAX_EMAILS_PER_HOUR" default:"10" validate:"min=1"`
	GroupWindow      time.Duration `envconfig:"QUEUE_GROUP_WINDOW" default:"10m"`

	// Quiet hours in the recipient's local time. Non-high-priority mail
	// scheduled inside this window defers to ResumeHour the next morning.
	QuietHoursStart int `envconfig:"QUEUE_QUIET_HOURS_START" default:"23" validate:"min=0,max=23"`
	QuietHoursEnd   int `envconfig:"QUEUE_QUIET_HOURS_END" default:"8" validate:"min=0,max=23"`
	ResumeHour      int `envconfig:"QUEUE_RESUME_HOUR" default:"9" validate:"min=0,max=23"`
}

// TrackingConfig holds engagement tracking and unsubscribe token settings.
type TrackingConfig struct {
	TokenTTL       time.Duration `envconfig:"TRACKING_TOKEN_TTL" default:"720h"`        // 30 days
	EventRetention time.Duration `envconfig:"TRACKING_EVENT_RETENTION" default:"2160h"` // 90 days
	ArchiveDir     string        `envconfig:"TRACKING_ARCHIVE_DIR" default:"/var/lib/mailroom/archive"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Mailroom"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
