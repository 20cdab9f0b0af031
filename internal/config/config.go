// Package config provides configuration loading for the RDS running scheduler.
package config

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/constants"
)

// Config holds all configuration for the application.
type Config struct {
	// Server configuration
	Port     string
	BasePath string

	// AWS configuration
	AWSRegion  string
	AWSProfile string

	// Endpoint overrides (for demo/testing with mock server)
	RDSEndpoint     string
	TaggingEndpoint string
	SNSEndpoint     string

	// Default schedule request
	TagKey    string
	TagValues []string

	// Control loop settings
	PollInterval   int // seconds
	MaxConcurrency int
	MaxPolls       int

	// Notification configuration
	SNSTopicARN  string
	SlackEnabled bool
	SlackToken   string
	SlackChannel string

	// Schedule definitions (YAML)
	SchedulesFile string

	// Admin configuration
	AdminToken string

	// Debug settings
	DebugEnabled bool

	// TLS configuration for server
	TLSEnabled  bool
	TLSCertPath string
	TLSKeyPath  string

	// Storage settings
	DataDir string // directory for run history

	// Demo mode settings
	DemoMode     bool
	DemoFastMode bool   // poll every DemoFastModePollInterval
	MockEndpoint string // URL of mock AWS server for demo mode
}

// NewConfig creates a new Config from environment variables.
func NewConfig() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("APP_PORT", constants.DefaultHTTPPort),
		BasePath:        getEnv("APP_BASE_PATH", ""),
		AWSRegion:       getEnv("AWS_REGION", constants.DefaultAWSRegion),
		AWSProfile:      getEnv("AWS_PROFILE", ""),
		RDSEndpoint:     getEnv("RDS_ENDPOINT", ""),
		TaggingEndpoint: getEnv("TAGGING_ENDPOINT", ""),
		SNSEndpoint:     getEnv("SNS_ENDPOINT", ""),
		TagKey:          getEnv("APP_TAG_KEY", "WorkHoursRunning"),
		TagValues:       getEnvList("APP_TAG_VALUES", []string{"YES"}),
		PollInterval:    getEnvInt("APP_POLL_INTERVAL", constants.DefaultPollIntervalSeconds),
		MaxConcurrency:  getEnvInt("APP_MAX_CONCURRENCY", constants.DefaultMaxConcurrency),
		MaxPolls:        getEnvInt("APP_MAX_POLLS", constants.DefaultMaxPolls),
		SNSTopicARN:     getEnv("APP_SNS_TOPIC_ARN", ""),
		SlackEnabled:    getEnvBool("APP_SLACK_ENABLED", false),
		SlackToken:      getEnv("APP_SLACK_TOKEN", ""),
		SlackChannel:    getEnv("APP_SLACK_CHANNEL", ""),
		SchedulesFile:   getEnv("APP_SCHEDULES_FILE", ""),
		AdminToken:      getEnv("APP_ADMIN_TOKEN", ""),
		DebugEnabled:    getEnvBool("APP_DEBUG_ENABLED", false),
		TLSEnabled:      getEnvBool("APP_TLS_ENABLED", false),
		TLSCertPath:     getEnv("APP_TLS_CERT_PATH", ""),
		TLSKeyPath:      getEnv("APP_TLS_KEY_PATH", ""),
		DataDir:         getEnv("APP_DATA_DIR", "./data"),
		DemoMode:        getEnvBool("APP_DEMO_MODE", false),
		DemoFastMode:    getEnvBool("APP_DEMO_FAST_MODE", false),
		MockEndpoint:    getEnv("APP_MOCK_ENDPOINT", ""),
	}

	if cfg.SlackToken != "" {
		cfg.SlackEnabled = true
	}

	// a single mock endpoint serves every AWS API in demo mode
	if cfg.MockEndpoint != "" {
		if cfg.RDSEndpoint == "" {
			cfg.RDSEndpoint = cfg.MockEndpoint
		}
		if cfg.TaggingEndpoint == "" {
			cfg.TaggingEndpoint = cfg.MockEndpoint
		}
		if cfg.SNSEndpoint == "" {
			cfg.SNSEndpoint = cfg.MockEndpoint
		}
	}

	return cfg, nil
}

// PollIntervalDuration returns the convergence poll interval.
func (c *Config) PollIntervalDuration() time.Duration {
	if c.DemoMode && c.DemoFastMode {
		return constants.DemoFastModePollInterval
	}
	if c.PollInterval <= 0 {
		return constants.DefaultPollInterval
	}
	return time.Duration(c.PollInterval) * time.Second
}

// LoadAWSConfig loads the AWS SDK configuration.
func (c *Config) LoadAWSConfig(ctx context.Context) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.AWSRegion),
	}

	if c.AWSProfile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.AWSProfile))
	}

	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"port":             c.Port,
		"base_path":        c.BasePath,
		"aws_region":       c.AWSRegion,
		"aws_profile":      c.AWSProfile,
		"rds_endpoint":     c.RDSEndpoint,
		"tagging_endpoint": c.TaggingEndpoint,
		"sns_endpoint":     c.SNSEndpoint,
		"tag_key":          c.TagKey,
		"tag_values":       c.TagValues,
		"poll_interval":    c.PollInterval,
		"max_concurrency":  c.MaxConcurrency,
		"max_polls":        c.MaxPolls,
		"sns_topic_arn":    c.SNSTopicARN,
		"slack_enabled":    c.SlackEnabled,
		"slack_token":      redact(c.SlackToken),
		"slack_channel":    c.SlackChannel,
		"schedules_file":   c.SchedulesFile,
		"admin_token":      redact(c.AdminToken),
		"debug_enabled":    c.DebugEnabled,
		"tls_enabled":      c.TLSEnabled,
		"data_dir":         c.DataDir,
		"demo_mode":        c.DemoMode,
		"demo_fast_mode":   c.DemoFastMode,
		"mock_endpoint":    c.MockEndpoint,
	}
}

// NewLogger creates a new structured logger.
func NewLogger() *slog.Logger {
	level := slog.LevelInfo
	if getEnvBool("APP_DEBUG_ENABLED", false) {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvList reads a comma separated list, dropping blank entries.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}
