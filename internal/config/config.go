// Package config loads statdesk configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Reply detection modes.
const (
	ReplyModePush = "push"
	ReplyModePoll = "poll"
)

// LLM providers supported by the development server.
const (
	ProviderEcho      = "echo"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds all configuration values.
type Config struct {
	// Chat API
	APIURL        string
	TokenFile     string
	ClientTimeout time.Duration

	// Reply detection
	ReplyMode        string
	PollInterval     time.Duration
	ReplyTimeout     time.Duration
	ProgressDuration time.Duration

	// Logging
	LogFile  string
	LogLevel slog.Level

	// Development server
	ServerPort  string
	ServerToken string
	ReplyDelay  time.Duration

	// Reply generation (development server)
	LLMProvider     string
	LLMModel        string
	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		APIURL:        strings.TrimSuffix(getEnv("STATDESK_API_URL", "http://localhost:8585/api"), "/"),
		TokenFile:     getEnv("STATDESK_TOKEN_FILE", defaultTokenFile()),
		ClientTimeout: getDuration("STATDESK_CLIENT_TIMEOUT", 30*time.Second),

		ReplyMode:        parseReplyMode(getEnv("STATDESK_REPLY_MODE", ReplyModePush)),
		PollInterval:     getDuration("STATDESK_POLL_INTERVAL", 2*time.Second),
		ReplyTimeout:     getDuration("STATDESK_REPLY_TIMEOUT", 5*time.Minute),
		ProgressDuration: getDuration("STATDESK_PROGRESS_DURATION", 180*time.Second),

		LogFile:  getEnv("STATDESK_LOG_FILE", "/tmp/statdesk.log"),
		LogLevel: parseLogLevel(getEnv("STATDESK_LOG_LEVEL", "INFO")),

		ServerPort:  getEnv("STATDESK_SERVER_PORT", "8585"),
		ServerToken: getEnv("STATDESK_SERVER_TOKEN", ""),
		ReplyDelay:  getDuration("STATDESK_REPLY_DELAY", 3*time.Second),

		LLMProvider:     strings.ToLower(getEnv("STATDESK_LLM_PROVIDER", ProviderEcho)),
		LLMModel:        getEnv("STATDESK_LLM_MODEL", "llama3.2"),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getDuration parses a duration variable, falling back to the default when unset,
// malformed or not positive.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "statdesk", "token")
	}
	return filepath.Join(dir, "statdesk", "token")
}

func parseReplyMode(s string) string {
	if strings.EqualFold(s, ReplyModePoll) {
		return ReplyModePoll
	}
	return ReplyModePush
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
