package provider

import "llmos/kernel/internal/config"

// BuildRegistry constructs a Registry from process configuration, registering
// every provider regardless of current availability — cooldown and
// IsAvailable checks happen per call, not at registration time. Every
// provider is wrapped in a token-bucket rate limiter sized from cfg, so a
// burst of concurrent generate requests can't hammer a remote API past what
// it tolerates.
func BuildRegistry(cfg *config.Config) *Registry {
	r := NewRegistry()
	r.Register(limited(NewClaudeProvider(cfg.AnthropicAPIKey, cfg.ClaudeModel), cfg))
	r.Register(limited(NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), cfg))
	r.Register(limited(NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel), cfg))
	return r
}

func limited(p Provider, cfg *config.Config) Provider {
	if cfg.ProviderRateLimit <= 0 {
		return p
	}
	return NewRateLimited(p, cfg.ProviderRateLimit, cfg.ProviderRateBurst)
}
