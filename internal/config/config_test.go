package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8488" {
		t.Fatalf("BindAddr = %q, want :8488", cfg.BindAddr)
	}
	if cfg.SessionWindow != 10 || cfg.HistoryBudget != 1000 || cfg.ChunkSize != 1600 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.StageTimeout != 30*time.Second {
		t.Fatalf("StageTimeout = %v, want 30s", cfg.StageTimeout)
	}
	if !cfg.TwilioValidate {
		t.Fatalf("TwilioValidate should default to true")
	}
	if cfg.OpenAITemperature != 0 {
		t.Fatalf("OpenAITemperature = %v, want 0", cfg.OpenAITemperature)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("SESSION_WINDOW", "4")
	t.Setenv("STAGE_TIMEOUT", "5s")
	t.Setenv("SEARCH_MODE", " Lexical ")
	t.Setenv("DEBUG", "true")
	t.Setenv("PUBLIC_BASE_URL", "https://flint.example.com/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || cfg.SessionWindow != 4 || cfg.StageTimeout != 5*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.SearchMode != "lexical" {
		t.Fatalf("SearchMode = %q, want lexical", cfg.SearchMode)
	}
	if !cfg.Debug {
		t.Fatalf("Debug = false, want true")
	}
	if cfg.PublicBaseURL != "https://flint.example.com" {
		t.Fatalf("PublicBaseURL = %q", cfg.PublicBaseURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"SESSION_WINDOW":     "0",
		"SMS_CHUNK_SIZE":     "2000",
		"STAGE_TIMEOUT":      "10ms",
		"SEARCH_MODE":        "vibes",
		"LOG_FORMAT":         "xml",
		"PERSIST_WORKERS":    "not-a-number",
		"EMBEDDING_PROVIDER": "cohere",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q expected error", key, value)
			}
		})
	}
}

func TestValidateRequiresPublicURLForSignedWebhooks(t *testing.T) {
	cfg := Default()
	cfg.TwilioAuthToken = "secret"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() expected error without PUBLIC_BASE_URL")
	}
	cfg.TwilioValidate = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR", "APP_SHUTDOWN_TIMEOUT", "APP_METRICS_NAMESPACE", "PUBLIC_BASE_URL",
		"DEBUG", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL", "SQLITE_PATH",
		"SESSION_WINDOW", "BOOTSTRAP_CONCURRENCY", "PROMPT_HISTORY_BUDGET",
		"SEARCH_MODE", "SEARCH_CANDIDATES", "SEARCH_MIN_SCORE", "SEARCH_TIMEOUT",
		"EMBEDDING_PROVIDER", "EMBEDDING_MODEL", "SMS_CHUNK_SIZE", "STAGE_TIMEOUT",
		"PERSIST_QUEUE_SIZE", "PERSIST_WORKERS", "APOLOGY_MESSAGE", "BRAIN_MODE",
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL", "OPENAI_TEMPERATURE",
		"ANTHROPIC_API_KEY", "ANTHROPIC_MODEL", "BRAIN_HTTP_URL", "TRANSCRIBE_MODEL",
		"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_VALIDATE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
