// Package config loads Kernel configuration from the process environment,
// optionally seeded from a local .env file. The helpers here are the same
// envOr/boolEnv/intEnv/durationEnv shape used throughout the reference
// corpus's agents (see agents/router and agents/program-manager), generalized
// into one place instead of being copy-pasted per binary.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-configurable knob the Kernel reads at
// startup, per spec.md §6's environment table.
type Config struct {
	// Providers
	OllamaURL   string
	OllamaModel string

	AnthropicAPIKey string
	ClaudeModel     string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	FallbackProvider string

	// Provider rate limiting (token bucket, per provider)
	ProviderRateLimit float64
	ProviderRateBurst int

	// Generate request timeout
	GenerateTimeout time.Duration

	// HTTP
	Host string
	Port int

	// Container manager
	DockerEnabled     bool
	DockerHost        string
	DockerPortStart   int
	DockerPortEnd     int
	DockerMaxContainers int

	// Scheduler
	SchedulerEnabled      bool
	SchedulerDeferMinutes int
	SchedulerProvider     string
	SchedulerDailyBudget  int
	SchedulerMaxRegistry  int

	// Data root
	DataRoot string
}

// Load reads a .env file if present (best effort, never fatal) and then
// builds a Config from the environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		OllamaURL:   envOr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel: envOr("OLLAMA_MODEL", "llama3"),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		ClaudeModel:     envOr("CLAUDE_MODEL", "claude/claude-opus-4-6"),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:   envOr("OPENAI_MODEL", "gpt-4o"),

		FallbackProvider: envOr("FALLBACK_PROVIDER", ""),

		ProviderRateLimit: func() float64 {
			v, ok := floatEnv("PROVIDER_RATE_LIMIT")
			if !ok {
				return 2.0
			}
			return v
		}(),
		ProviderRateBurst: intEnv("PROVIDER_RATE_BURST", 5),

		GenerateTimeout: durationEnv("GENERATE_TIMEOUT", 60*time.Second),

		Host: envOr("HOST", "0.0.0.0"),
		Port: intEnv("PORT", 8080),

		DockerEnabled:       boolEnv("DOCKER_ENABLED", true),
		DockerHost:          os.Getenv("DOCKER_HOST"),
		DockerPortStart:     intEnv("DOCKER_PORT_START", 5100),
		DockerPortEnd:       intEnv("DOCKER_PORT_END", 5199),
		DockerMaxContainers: intEnv("DOCKER_MAX_CONTAINERS", 5),

		SchedulerEnabled:      boolEnv("SCHEDULER_ENABLED", true),
		SchedulerDeferMinutes: intEnv("SCHEDULER_DEFER_MINUTES", 5),
		SchedulerProvider:     envOr("SCHEDULER_PROVIDER", ""),
		SchedulerDailyBudget:  intEnv("SCHEDULER_DAILY_BUDGET", 50),
		SchedulerMaxRegistry:  intEnv("SCHEDULER_MAX_REGISTRY", 0),

		DataRoot: envOr("DATA_ROOT", "./data"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func boolEnv(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func intEnv(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func floatEnv(key string) (float64, bool) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

