package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the newsletter engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Dynamo     DynamoConfig     `yaml:"dynamo"`
	Redis      RedisConfig      `yaml:"redis"`
	SES        SESConfig        `yaml:"ses"`
	Mailtrap   MailtrapConfig   `yaml:"mailtrap"`
	Newsletter NewsletterConfig `yaml:"newsletter"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL settings for the primary subscriber store.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// DynamoConfig holds the optional DynamoDB subscriber store settings.
// When Enabled, the engine runs against DynamoDB instead of Postgres.
type DynamoConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Table     string `yaml:"table"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// RedisConfig holds Redis settings (rate limiting, broadcast lock).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// SESConfig holds AWS SES API configuration.
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration.
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MailtrapConfig holds Mailtrap sending API configuration. Used as the
// gateway when SES is disabled.
type MailtrapConfig struct {
	APIToken       string `yaml:"api_token"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration.
func (c MailtrapConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NewsletterConfig holds the subscription and broadcast behavior settings.
type NewsletterConfig struct {
	SiteBaseURL       string `yaml:"site_base_url"`       // redirect target for confirm/unsubscribe pages
	APIBaseURL        string `yaml:"api_base_url"`        // base for links embedded in emails
	FromName          string `yaml:"from_name"`
	FromEmail         string `yaml:"from_email"`
	ReplyTo           string `yaml:"reply_to"`
	BatchSize         int    `yaml:"batch_size"`          // concurrent sends per broadcast batch
	BatchDelaySeconds int    `yaml:"batch_delay_seconds"` // throttle between batches
	BroadcastAPIKey   string `yaml:"broadcast_api_key"`   // required on POST /send-newsletter
	FeedURL           string `yaml:"feed_url"`            // site RSS feed for drafting broadcasts
	RatePerMinute     int    `yaml:"rate_per_minute"`     // subscribe attempts per IP per minute
}

// BatchDelay returns the inter-batch throttle as a duration.
func (c NewsletterConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelaySeconds) * time.Second
}

// LoggingConfig controls log verbosity and PII redaction.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.Mailtrap.TimeoutSeconds == 0 {
		cfg.Mailtrap.TimeoutSeconds = 30
	}
	if cfg.Mailtrap.BaseURL == "" {
		cfg.Mailtrap.BaseURL = "https://send.api.mailtrap.io"
	}
	if cfg.Dynamo.Region == "" {
		cfg.Dynamo.Region = "us-east-1"
	}
	if cfg.Dynamo.Table == "" {
		cfg.Dynamo.Table = "newsletter_subscribers"
	}
	if cfg.Newsletter.BatchSize == 0 {
		cfg.Newsletter.BatchSize = 100
	}
	if cfg.Newsletter.BatchDelaySeconds == 0 {
		cfg.Newsletter.BatchDelaySeconds = 1
	}
	if cfg.Newsletter.RatePerMinute == 0 {
		cfg.Newsletter.RatePerMinute = 5
	}
	if cfg.Newsletter.FromName == "" {
		cfg.Newsletter.FromName = "Newsletter"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if token := os.Getenv("MAILTRAP_API_TOKEN"); token != "" {
		cfg.Mailtrap.APIToken = token
		cfg.Mailtrap.Enabled = true
	}
	if baseURL := os.Getenv("MAILTRAP_BASE_URL"); baseURL != "" {
		cfg.Mailtrap.BaseURL = baseURL
	}
	if table := os.Getenv("DYNAMO_TABLE"); table != "" {
		cfg.Dynamo.Table = table
		cfg.Dynamo.Enabled = true
	}
	if region := os.Getenv("DYNAMO_REGION"); region != "" {
		cfg.Dynamo.Region = region
	}
	if key := os.Getenv("BROADCAST_API_KEY"); key != "" {
		cfg.Newsletter.BroadcastAPIKey = key
	}
	if u := os.Getenv("SITE_BASE_URL"); u != "" {
		cfg.Newsletter.SiteBaseURL = u
	}
	if u := os.Getenv("API_BASE_URL"); u != "" {
		cfg.Newsletter.APIBaseURL = u
	}
	if u := os.Getenv("FEED_URL"); u != "" {
		cfg.Newsletter.FeedURL = u
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Newsletter.BatchSize = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}
