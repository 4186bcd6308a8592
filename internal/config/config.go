package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

var ErrEmptyEnvironmentVariable = errors.New("empty environment variable")

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	Providers ProvidersConfig
	AI        AIConfig
	Worker    WorkerConfig
	Server    ServerConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string
	Username string
	Password string
	Name     string
}

// ConnectionString builds the pgx connection string.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Username, c.Password, c.Name)
}

// RedisConfig holds the shared Redis connection settings (jobs + broadcast).
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ProvidersConfig holds messaging provider credentials.
type ProvidersConfig struct {
	MetaVerifyToken  string // verification handshake token for Meta-family webhooks
	MetaAccessToken  string // Graph API access token (WhatsApp Cloud, Messenger, Instagram)
	MetaGraphBaseURL string
	BridgeBaseURL    string // unofficial WhatsApp bridge
	BridgeAPIKey     string
	ResendAPIKey     string
	EmailSender      string
}

// AIConfig holds model provider configuration.
type AIConfig struct {
	OpenAIAPIKey string
	ChatModel    string
}

// WorkerConfig holds per-queue worker pool sizes.
type WorkerConfig struct {
	WebhookWorkers  int
	MessageWorkers  int
	CampaignWorkers int
	AIWorkers       int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// Load reads and validates all required environment variables
func Load() (*Config, error) {
	// Load env.local in non-production environments
	if os.Getenv("GO_ENV") != "production" {
		if err := godotenv.Load("env.local"); err != nil {
			return nil, fmt.Errorf("failed to load env.local: %w", err)
		}
	}

	cfg := &Config{}

	var err error
	if cfg.Database.Host, err = requireEnv("DB_HOST"); err != nil {
		return nil, err
	}
	if cfg.Database.Username, err = requireEnv("DB_USERNAME"); err != nil {
		return nil, err
	}
	if cfg.Database.Password, err = requireEnv("DB_PASSWORD"); err != nil {
		return nil, err
	}
	if cfg.Database.Name, err = requireEnv("DB_NAME"); err != nil {
		return nil, err
	}

	cfg.Redis.Addr = envOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB = envIntOrDefault("REDIS_DB", 0)

	if cfg.Providers.MetaVerifyToken, err = requireEnv("META_VERIFY_TOKEN"); err != nil {
		return nil, err
	}
	if cfg.Providers.MetaAccessToken, err = requireEnv("META_ACCESS_TOKEN"); err != nil {
		return nil, err
	}
	cfg.Providers.MetaGraphBaseURL = envOrDefault("META_GRAPH_BASE_URL", "https://graph.facebook.com/v19.0")
	if cfg.Providers.BridgeBaseURL, err = requireEnv("BRIDGE_BASE_URL"); err != nil {
		return nil, err
	}
	if cfg.Providers.BridgeAPIKey, err = requireEnv("BRIDGE_API_KEY"); err != nil {
		return nil, err
	}
	cfg.Providers.ResendAPIKey = os.Getenv("RESEND_API_KEY")
	cfg.Providers.EmailSender = envOrDefault("DEFAULT_EMAIL_SENDER_ADDRESS", "no-reply@localhost")

	cfg.AI.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.AI.ChatModel = envOrDefault("OPENAI_CHAT_MODEL", "gpt-4o-mini")

	cfg.Worker.WebhookWorkers = envIntOrDefault("WEBHOOK_WORKERS", 20)
	cfg.Worker.MessageWorkers = envIntOrDefault("MESSAGE_WORKERS", 10)
	cfg.Worker.CampaignWorkers = envIntOrDefault("CAMPAIGN_WORKERS", 5)
	cfg.Worker.AIWorkers = envIntOrDefault("AI_WORKERS", 3)

	cfg.Server.Port = envIntOrDefault("PORT", 8080)

	return cfg, nil
}

func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptyEnvironmentVariable, key)
	}
	return value, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
