// Package config provides YAML-based configuration loading for agentdesk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level agentdesk configuration, loaded from agentdesk.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Models    ModelsConfig    `yaml:"models"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Baileys   BaileysConfig   `yaml:"baileys"`
	Google    GoogleConfig    `yaml:"google"`
	Storage   StorageConfig   `yaml:"storage"`
	Worker    WorkerConfig    `yaml:"worker"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

// DatabaseConfig selects and configures the relational store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
}

// RedisConfig points at the coordinator. An empty URL selects the
// in-process coordinator, which only works for a single process.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ModelsConfig names the model chain and the keys used to reach it.
type ModelsConfig struct {
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`
	Primary         string `yaml:"primary"`
	Secondary       string `yaml:"secondary"`
	Fallback        string `yaml:"fallback"`
	EmbeddingModel  string `yaml:"embedding_model"`
	GeminiEmbedding string `yaml:"gemini_embedding_model"`
	Transcription   string `yaml:"transcription_model"`
	MaxToolSteps    int    `yaml:"max_tool_steps"`
}

// WhatsAppConfig holds Graph API settings shared by WhatsApp and Instagram.
type WhatsAppConfig struct {
	GraphURL   string `yaml:"graph_url"`
	APIVersion string `yaml:"api_version"`
}

// BaileysConfig points at the unofficial WhatsApp bridge.
type BaileysConfig struct {
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key"`
}

// GoogleConfig holds OAuth client credentials for calendar access.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	CalendarURL  string `yaml:"calendar_url"`
}

// StorageConfig is the root directory for attachments and knowledge files.
type StorageConfig struct {
	Root string `yaml:"root"`
}

// WorkerConfig tunes the delayed-task worker.
type WorkerConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	Concurrency      int           `yaml:"concurrency"`
	MaxAttempts      int           `yaml:"max_attempts"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	TemplateSyncCron string        `yaml:"template_sync_cron"`
}

// AlertsConfig enables operator notifications for failed runs.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack bot credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// RateLimitConfig bounds outbound provider requests per process.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file in the same directory is loaded into the environment first,
// and ${VAR} references in the file are expanded.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envPath, err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8001
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "agentdesk"
		}
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "agentdesk.db"
		}
	}
	if c.Models.Primary == "" {
		c.Models.Primary = "gpt-4.1-mini"
	}
	if c.Models.Secondary == "" {
		c.Models.Secondary = "gemini-2.5-flash"
	}
	if c.Models.Fallback == "" {
		c.Models.Fallback = "gpt-4o-mini"
	}
	if c.Models.EmbeddingModel == "" {
		c.Models.EmbeddingModel = "text-embedding-3-small"
	}
	if c.Models.GeminiEmbedding == "" {
		c.Models.GeminiEmbedding = "text-embedding-004"
	}
	if c.Models.Transcription == "" {
		c.Models.Transcription = "whisper-1"
	}
	if c.Models.MaxToolSteps == 0 {
		c.Models.MaxToolSteps = 8
	}
	if c.WhatsApp.GraphURL == "" {
		c.WhatsApp.GraphURL = "https://graph.facebook.com"
	}
	if c.WhatsApp.APIVersion == "" {
		c.WhatsApp.APIVersion = "v19.0"
	}
	if c.Google.TokenURL == "" {
		c.Google.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if c.Google.CalendarURL == "" {
		c.Google.CalendarURL = "https://www.googleapis.com/calendar/v3"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "storage"
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = time.Second
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 5
	}
	if c.Worker.StaleAfter == 0 {
		c.Worker.StaleAfter = 10 * time.Minute
	}
	if c.Worker.TemplateSyncCron == "" {
		c.Worker.TemplateSyncCron = "0 */6 * * *"
	}
	if c.RateLimit.PerSecond == 0 {
		c.RateLimit.PerSecond = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	if c.Database.Driver == "mysql" && c.Database.Name == "" {
		errs = append(errs, "database.name is required for mysql")
	}
	if c.Models.MaxToolSteps < 0 {
		errs = append(errs, "models.max_tool_steps must be positive")
	}
	if c.Worker.Concurrency < 0 {
		errs = append(errs, "worker.concurrency must be positive")
	}
	if (c.Alerts.Slack.BotToken == "") != (c.Alerts.Slack.Channel == "") {
		errs = append(errs, "alerts.slack requires both bot_token and channel")
	}
	if (c.Alerts.Discord.BotToken == "") != (c.Alerts.Discord.Channel == "") {
		errs = append(errs, "alerts.discord requires both bot_token and channel")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RequireServe reports the settings only the HTTP server needs.
func (c *Config) RequireServe() error {
	if c.Server.APIKey == "" {
		return fmt.Errorf("config: server.api_key is required to serve")
	}
	return nil
}

// RequireShared reports the settings a process needs when it shares work
// with other processes: debounce state must live in Redis, or each process
// only ever sees its own buffers.
func (c *Config) RequireShared() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("config: redis.url is required when the worker and the HTTP server run as separate processes")
	}
	return nil
}

// HasSecondary reports whether the Gemini leg of the model chain is usable.
func (c *Config) HasSecondary() bool {
	return c.Models.GeminiAPIKey != "" && c.Models.Secondary != ""
}
