package resourcemonitor

import (
	"llmos/kernel/internal/provider"
	"testing"
)

func TestTierOfKnownModel(t *testing.T) {
	if got := tierOf("claude/claude-opus-4-6"); got != 9 {
		t.Fatalf("got tier %d, want 9", got)
	}
}

func TestTierOfUnknownModelEstimated(t *testing.T) {
	if got := tierOf("some-custom-70b-model"); got != 7 {
		t.Fatalf("got tier %d, want 7 for a 70b-named model", got)
	}
}

func TestRouteViaRegexFallback(t *testing.T) {
	m := New(provider.NewRegistry())
	result := m.routeViaRegex("start a database server with docker")
	if result.Source != "regex" {
		t.Fatalf("got source %q, want regex", result.Source)
	}
	if result.Type != "process" {
		t.Fatalf("got type %q, want process", result.Type)
	}
}

func TestRouteViaRegexClassifiesIframe(t *testing.T) {
	m := New(provider.NewRegistry())
	result := m.routeViaRegex("a simple todo list")
	if result.Type != "iframe" {
		t.Fatalf("got type %q, want iframe", result.Type)
	}
}

func TestGetBestModelPicksSmallestForRoute(t *testing.T) {
	m := New(provider.NewRegistry())
	m.mu.Lock()
	m.available["ollama"] = true
	m.available["claude"] = true
	m.mu.Unlock()

	model := m.GetBestModel("route")
	if model == nil {
		t.Fatalf("expected a model for route task")
	}
	if model.Tier > 5 {
		t.Fatalf("expected route task to prefer a small model, got tier %d", model.Tier)
	}
}
