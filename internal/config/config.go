package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Supported mailbox providers and lock backends.
const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"

	LockPostgres = "postgres"
	LockRedis    = "redis"
)

// DefaultStartTime is the configured scan start used when TICKETDESK_START_TIME_ISO is unset.
const DefaultStartTime = "2026-02-11T20:00:00"

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string

	StartTimeISO string
	OrgDomain    string
	RulesFile    string

	JobToken      string
	SessionSecret string
	AdminEmails   []string

	GoogleClientID     string
	GoogleClientSecret string
	MailboxProvider    string
	IMAPAddr           string
	SMTPAddr           string
	GmailQPS           float64

	LockBackend string
	RedisAddr   string
	AMQPURL     string

	SyncInterval time.Duration
}

// NewConfig loads the configuration from the environment and validates it.
func NewConfig() (*Config, error) {
	config, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadConfig reads the environment without validating the result.
// Tools that only need the database call ValidateDatabase instead of Validate.
func LoadConfig() (*Config, error) {
	env := os.Getenv("TICKETDESK_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	gmailQPS, err := strconv.ParseFloat(getEnvOrDefault("TICKETDESK_GMAIL_QPS", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("TICKETDESK_GMAIL_QPS must be a number: %w", err)
	}

	var syncInterval time.Duration
	if raw := os.Getenv("TICKETDESK_SYNC_INTERVAL"); raw != "" {
		syncInterval, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("TICKETDESK_SYNC_INTERVAL must be a duration: %w", err)
		}
	}

	return &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("TICKETDESK_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("TICKETDESK_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("TICKETDESK_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("TICKETDESK_DB_USER", "ticketdesk"),
		DBPassword:          os.Getenv("TICKETDESK_DB_PASSWORD"),
		DBName:              getEnvOrDefault("TICKETDESK_DB_NAME", "ticketdesk"),
		DBSSLMode:           getEnvOrDefault("TICKETDESK_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),
		StartTimeISO:        getEnvOrDefault("TICKETDESK_START_TIME_ISO", DefaultStartTime),
		OrgDomain:           strings.ToLower(getEnvOrDefault("TICKETDESK_ORG_DOMAIN", "vendora.se")),
		RulesFile:           os.Getenv("TICKETDESK_RULES_FILE"),
		JobToken:            os.Getenv("TICKETDESK_JOB_TOKEN"),
		SessionSecret:       os.Getenv("TICKETDESK_SESSION_SECRET"),
		AdminEmails:         splitList(os.Getenv("TICKETDESK_ADMIN_EMAILS")),
		GoogleClientID:      os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:  os.Getenv("GOOGLE_CLIENT_SECRET"),
		MailboxProvider:     getEnvOrDefault("TICKETDESK_MAILBOX_PROVIDER", ProviderGmail),
		IMAPAddr:            os.Getenv("TICKETDESK_IMAP_ADDR"),
		SMTPAddr:            os.Getenv("TICKETDESK_SMTP_ADDR"),
		GmailQPS:            gmailQPS,
		LockBackend:         getEnvOrDefault("TICKETDESK_LOCK_BACKEND", LockPostgres),
		RedisAddr:           os.Getenv("TICKETDESK_REDIS_ADDR"),
		AMQPURL:             os.Getenv("TICKETDESK_AMQP_URL"),
		SyncInterval:        syncInterval,
	}, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("TICKETDESK_ENCRYPTION_KEY_BASE64 is required")
	}

	if err := c.ValidateDatabase(); err != nil {
		return err
	}

	switch c.MailboxProvider {
	case ProviderGmail:
	case ProviderIMAP:
		if c.IMAPAddr == "" {
			return fmt.Errorf("TICKETDESK_IMAP_ADDR is required when TICKETDESK_MAILBOX_PROVIDER is imap")
		}
	default:
		return fmt.Errorf("TICKETDESK_MAILBOX_PROVIDER must be %q or %q, got %q", ProviderGmail, ProviderIMAP, c.MailboxProvider)
	}

	switch c.LockBackend {
	case LockPostgres:
	case LockRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("TICKETDESK_REDIS_ADDR is required when TICKETDESK_LOCK_BACKEND is redis")
		}
	default:
		return fmt.Errorf("TICKETDESK_LOCK_BACKEND must be %q or %q, got %q", LockPostgres, LockRedis, c.LockBackend)
	}

	if c.GmailQPS <= 0 {
		return fmt.Errorf("TICKETDESK_GMAIL_QPS must be positive")
	}

	if c.SyncInterval < 0 {
		return fmt.Errorf("TICKETDESK_SYNC_INTERVAL must not be negative")
	}

	return nil
}

// ValidateDatabase checks only the settings needed to open the database.
func (c *Config) ValidateDatabase() error {
	if c.DBPassword == "" {
		return fmt.Errorf("TICKETDESK_DB_PASSWORD is required")
	}
	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// IsAdminEmail reports whether email is listed in TICKETDESK_ADMIN_EMAILS.
func (c *Config) IsAdminEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	for _, admin := range c.AdminEmails {
		if admin == email {
			return true
		}
	}
	return false
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
