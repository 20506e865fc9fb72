// Package provider implements the LLM provider contract and a registry of
// pluggable adapters, grounded on the provider-registry pattern in
// roelfdiedericks/goclaw's internal/llm package: named provider instances,
// per-provider cooldown after errors, and purpose/task-based model
// selection. The Kernel narrows that to the Generation Gateway's needs:
// isAvailable/generate plus a small map-based registry.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a chat-style generation request.
type Message struct {
	Role    Role
	Content string
}

// GenerateOptions tunes a single generate call.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
}

// Provider is the external contract every LLM backend adapter implements.
// It intentionally knows nothing about prompts, sanitization, or capability
// extraction — all of that lives in the gateway.
type Provider interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error)
}

// cooldown tracks a provider's post-error backoff state, mirroring goclaw's
// providerCooldown.
type cooldown struct {
	until      time.Time
	errorCount int
}

// Registry holds named provider instances and routes around providers that
// are in cooldown after consecutive failures.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	cooldowns map[string]*cooldown
}

// NewRegistry builds an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		cooldowns: make(map[string]*cooldown),
	}
}

// Register adds or replaces a named provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the named provider, or false if it isn't registered.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns every registered provider name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Available reports whether the named provider exists, is not in cooldown,
// and reports itself available.
func (r *Registry) Available(ctx context.Context, name string) bool {
	r.mu.RLock()
	p, ok := r.providers[name]
	cd, inCooldown := r.cooldowns[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if inCooldown && time.Now().Before(cd.until) {
		return false
	}
	return p.IsAvailable(ctx)
}

// AnyAvailable returns the first provider in Names() order that reports
// itself available and is not in cooldown, other than excluded names.
// Names() follows map iteration order, so which provider is returned when
// several qualify is not defined.
func (r *Registry) AnyAvailable(ctx context.Context, exclude ...string) (Provider, bool) {
	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}
	for _, name := range r.Names() {
		if excluded[name] {
			continue
		}
		if r.Available(ctx, name) {
			p, _ := r.Get(name)
			return p, true
		}
	}
	return nil, false
}

// Generate invokes the named provider, recording a cooldown on error so
// repeated immediate retries against a flaky provider back off.
func (r *Registry) Generate(ctx context.Context, name string, messages []Message, opts GenerateOptions) (string, error) {
	p, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("provider %q not registered", name)
	}
	text, err := p.Generate(ctx, messages, opts)
	if err != nil {
		r.recordError(name)
		return "", err
	}
	r.recordSuccess(name)
	return text, nil
}

func (r *Registry) recordError(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cd, ok := r.cooldowns[name]
	if !ok {
		cd = &cooldown{}
		r.cooldowns[name] = cd
	}
	cd.errorCount++
	backoff := time.Duration(cd.errorCount) * 5 * time.Second
	if backoff > 2*time.Minute {
		backoff = 2 * time.Minute
	}
	cd.until = time.Now().Add(backoff)
}

func (r *Registry) recordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cooldowns, name)
}
