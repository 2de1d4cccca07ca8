package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime settings for the assistant bridge.
type Config struct {
	BindAddr         string        `env:"APP_BIND_ADDR"`
	ShutdownTimeout  time.Duration `env:"APP_SHUTDOWN_TIMEOUT"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE"`
	PublicBaseURL    string        `env:"PUBLIC_BASE_URL"`
	Debug            bool          `env:"DEBUG"`
	LogLevel         string        `env:"LOG_LEVEL"`
	LogFormat        string        `env:"LOG_FORMAT"`

	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH"`

	SessionWindow        int `env:"SESSION_WINDOW"`
	BootstrapConcurrency int `env:"BOOTSTRAP_CONCURRENCY"`

	HistoryBudget     int           `env:"PROMPT_HISTORY_BUDGET"`
	SearchMode        string        `env:"SEARCH_MODE"`
	SearchCandidates  int           `env:"SEARCH_CANDIDATES"`
	SearchMinScore    float64       `env:"SEARCH_MIN_SCORE"`
	SearchTimeout     time.Duration `env:"SEARCH_TIMEOUT"`
	EmbeddingProvider string        `env:"EMBEDDING_PROVIDER"`
	EmbeddingModel    string        `env:"EMBEDDING_MODEL"`

	ChunkSize        int           `env:"SMS_CHUNK_SIZE"`
	StageTimeout     time.Duration `env:"STAGE_TIMEOUT"`
	PersistQueueSize int           `env:"PERSIST_QUEUE_SIZE"`
	PersistWorkers   int           `env:"PERSIST_WORKERS"`
	ApologyMessage   string        `env:"APOLOGY_MESSAGE"`

	BrainMode         string  `env:"BRAIN_MODE"`
	OpenAIAPIKey      string  `env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string  `env:"OPENAI_BASE_URL"`
	OpenAIModel       string  `env:"OPENAI_MODEL"`
	OpenAITemperature float64 `env:"OPENAI_TEMPERATURE"`
	AnthropicAPIKey   string  `env:"ANTHROPIC_API_KEY"`
	AnthropicModel    string  `env:"ANTHROPIC_MODEL"`
	BrainHTTPURL      string  `env:"BRAIN_HTTP_URL"`
	TranscribeModel   string  `env:"TRANSCRIBE_MODEL"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioValidate   bool   `env:"TWILIO_VALIDATE"`
}

// Default returns the settings used when no environment overrides exist.
func Default() Config {
	return Config{
		BindAddr:             ":8488",
		ShutdownTimeout:      15 * time.Second,
		MetricsNamespace:     "flint",
		LogLevel:             "info",
		LogFormat:            "text",
		SessionWindow:        10,
		BootstrapConcurrency: 8,
		HistoryBudget:        1000,
		SearchMode:           "embedding",
		SearchCandidates:     200,
		SearchTimeout:        5 * time.Second,
		EmbeddingProvider:    "local",
		ChunkSize:            1600,
		StageTimeout:         30 * time.Second,
		PersistQueueSize:     256,
		PersistWorkers:       2,
		BrainMode:            "auto",
		OpenAIModel:          "gpt-4o-mini",
		AnthropicModel:       "claude-sonnet-4-5",
		TranscribeModel:      "whisper-1",
		TwilioValidate:       true,
	}
}

// Load reads environment variables over Default and validates the result.
func Load() (Config, error) {
	cfg := Default()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.SearchMode = strings.ToLower(strings.TrimSpace(c.SearchMode))
	c.EmbeddingProvider = strings.ToLower(strings.TrimSpace(c.EmbeddingProvider))
	c.BrainMode = strings.ToLower(strings.TrimSpace(c.BrainMode))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.PublicBaseURL), "/")
}

func (c Config) Validate() error {
	if c.SessionWindow <= 0 {
		return fmt.Errorf("SESSION_WINDOW must be positive")
	}
	if c.BootstrapConcurrency <= 0 {
		return fmt.Errorf("BOOTSTRAP_CONCURRENCY must be positive")
	}
	if c.HistoryBudget <= 0 {
		return fmt.Errorf("PROMPT_HISTORY_BUDGET must be positive")
	}
	if c.ChunkSize <= 0 || c.ChunkSize > 1600 {
		return fmt.Errorf("SMS_CHUNK_SIZE must be between 1 and 1600")
	}
	if c.StageTimeout < time.Second {
		return fmt.Errorf("STAGE_TIMEOUT must be at least 1s")
	}
	if c.PersistQueueSize <= 0 {
		return fmt.Errorf("PERSIST_QUEUE_SIZE must be positive")
	}
	if c.PersistWorkers <= 0 {
		return fmt.Errorf("PERSIST_WORKERS must be positive")
	}
	if c.SearchCandidates <= 0 {
		return fmt.Errorf("SEARCH_CANDIDATES must be positive")
	}
	if c.SearchMinScore < -1 || c.SearchMinScore > 1 {
		return fmt.Errorf("SEARCH_MIN_SCORE must be within [-1, 1]")
	}
	switch c.SearchMode {
	case "embedding", "lexical":
	default:
		return fmt.Errorf("SEARCH_MODE must be embedding or lexical, got %q", c.SearchMode)
	}
	switch c.EmbeddingProvider {
	case "local", "openai":
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be local or openai, got %q", c.EmbeddingProvider)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.OpenAITemperature < 0 || c.OpenAITemperature > 2 {
		return fmt.Errorf("OPENAI_TEMPERATURE must be within [0, 2]")
	}
	if c.TwilioValidate && strings.TrimSpace(c.TwilioAuthToken) != "" && c.PublicBaseURL == "" {
		return fmt.Errorf("PUBLIC_BASE_URL is required when TWILIO_VALIDATE is on")
	}
	return nil
}

// TwilioConfigured reports whether outbound delivery credentials are present.
func (c Config) TwilioConfigured() bool {
	return strings.TrimSpace(c.TwilioAccountSID) != "" && strings.TrimSpace(c.TwilioAuthToken) != ""
}
