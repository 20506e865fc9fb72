// Package resourcemonitor implements the resource monitor and prompt
// router: a ticking background probe of available models (grounded on the
// time.NewTicker polling loop in agents/router/main.go) plus a static tier
// table used to pick the strongest model available for a task, falling back
// to the smallest adequate model for routing itself.
package resourcemonitor

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"llmos/kernel/internal/provider"
)

// ModelTier is a 1 (weakest) to 9 (strongest) capability rank.
type ModelTier int

// ModelInfo is a known model's identity and tier.
type ModelInfo struct {
	Provider string
	Model    string
	Tier     ModelTier
}

// tierTable is the static model → (provider, tier) mapping. Models not
// listed are estimated from naming conventions at lookup time.
var tierTable = map[string]struct {
	provider string
	tier     ModelTier
}{
	"claude/claude-opus-4-6": {"claude", 9},
	"claude/haiku":           {"claude", 5},
	"gpt-4o":                 {"openai", 8},
	"gpt-4o-mini":            {"openai", 5},
	"llama3":                 {"ollama", 4},
	"llama3:8b":              {"ollama", 3},
	"llama3:70b":             {"ollama", 6},
	"mistral":                {"ollama", 3},
}

// taskMinTier maps a task category to the minimum tier required.
var taskMinTier = map[string]ModelTier{
	"route":              1,
	"simple-generation":  3,
	"medium-generation":  5,
	"complex-generation": 7,
}

const (
	probeInterval = 5 * time.Minute
	probeTimeout  = 5 * time.Second
)

// Monitor periodically probes every registered provider's availability and
// serves tier-based model selection.
type Monitor struct {
	providers *provider.Registry

	mu        sync.RWMutex
	available map[string]bool

	stop chan struct{}
}

// New builds a Monitor over providers. Call Start to begin background
// probing.
func New(providers *provider.Registry) *Monitor {
	return &Monitor{
		providers: providers,
		available: make(map[string]bool),
		stop:      make(chan struct{}),
	}
}

// Start launches the background probe loop. Call Stop to terminate it.
func (m *Monitor) Start() {
	m.probeOnce()
	go func() {
		ticker := time.NewTicker(probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probeOnce()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop ends the background probe loop.
func (m *Monitor) Stop() {
	close(m.stop)
}

func (m *Monitor) probeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	results := make(map[string]bool)
	for _, name := range m.providers.Names() {
		results[name] = m.providers.Available(ctx, name)
	}

	m.mu.Lock()
	m.available = results
	m.mu.Unlock()
}

func (m *Monitor) isAvailable(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.available[name]
}

func tierOf(model string) ModelTier {
	if entry, ok := tierTable[model]; ok {
		return entry.tier
	}
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "70b") || strings.Contains(lower, "opus"):
		return 7
	case strings.Contains(lower, "8b") || strings.Contains(lower, "mini"):
		return 4
	default:
		return 3
	}
}

// GetBestModel returns the strongest available model meeting the task's
// minimum tier, or the smallest adequate model for the "route" task.
func (m *Monitor) GetBestModel(task string) *ModelInfo {
	minTier := taskMinTier[task]
	if minTier == 0 {
		minTier = 1
	}

	var best *ModelInfo
	for modelName, entry := range tierTable {
		if entry.tier < minTier {
			continue
		}
		if !m.isAvailable(entry.provider) {
			continue
		}
		candidate := &ModelInfo{Provider: entry.provider, Model: modelName, Tier: entry.tier}
		if best == nil {
			best = candidate
			continue
		}
		if task == "route" {
			if candidate.Tier < best.Tier {
				best = candidate
			}
		} else if candidate.Tier > best.Tier {
			best = candidate
		}
	}
	return best
}

// RouteResult is the prompt router's classification output.
type RouteResult struct {
	Type       string `json:"type"`
	Template   string `json:"template"`
	Model      string `json:"model"`
	Complexity string `json:"complexity"`
	Title      string `json:"title"`
	Source     string `json:"source"`
}

var processKeywords = regexp.MustCompile(`(?i)\b(docker|server|database|container|daemon|background process)\b`)

const routerSystemPrompt = `Classify the following app request. Respond with JSON only:
{"type": "iframe"|"process", "template": string, "model": string, "complexity": "simple"|"medium"|"complex", "title": string}`

// Route classifies prompt, using an LLM router model when one is available
// and falling back to regex/keyword classification otherwise.
func (m *Monitor) Route(ctx context.Context, prompt string) RouteResult {
	if model := m.GetBestModel("route"); model != nil {
		routeCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
		defer cancel()
		if result, ok := m.routeViaLLM(routeCtx, model.Provider, prompt); ok {
			return result
		}
	}
	return m.routeViaRegex(prompt)
}

func (m *Monitor) routeViaLLM(ctx context.Context, providerName, prompt string) (RouteResult, bool) {
	text, err := m.providers.Generate(ctx, providerName, []provider.Message{
		{Role: provider.RoleSystem, Content: routerSystemPrompt},
		{Role: provider.RoleUser, Content: prompt},
	}, provider.GenerateOptions{MaxTokens: 256})
	if err != nil {
		return RouteResult{}, false
	}
	var parsed RouteResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &parsed); err != nil {
		return RouteResult{}, false
	}
	if parsed.Type != "iframe" && parsed.Type != "process" {
		return RouteResult{}, false
	}
	parsed.Source = "llm"
	return parsed, true
}

func (m *Monitor) routeViaRegex(prompt string) RouteResult {
	result := RouteResult{Source: "regex", Complexity: "simple", Title: "Generated App"}
	if processKeywords.MatchString(prompt) {
		result.Type = "process"
	} else {
		result.Type = "iframe"
	}
	words := len(strings.Fields(prompt))
	switch {
	case words > 80:
		result.Complexity = "complex"
	case words > 40:
		result.Complexity = "medium"
	}
	return result
}
