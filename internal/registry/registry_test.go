package registry

import (
	"path/filepath"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestPublishIsIdempotentByHash(t *testing.T) {
	r := newTestRegistry(t)
	a1, err := r.Publish("a todo app", "console.log('todo')", "sandboxed", nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	a2, err := r.Publish("a todo app", "console.log('todo')", "sandboxed", nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if a1.Hash != a2.Hash {
		t.Fatalf("expected identical spec to produce identical hash")
	}
	if r.Stats().TotalApps != 1 {
		t.Fatalf("expected republishing the same spec not to duplicate entries")
	}
}

func TestRecordLaunchIncrementsCount(t *testing.T) {
	r := newTestRegistry(t)
	app, _ := r.Publish("p", "spec", "sandboxed", nil)
	if err := r.RecordLaunch(app.Hash); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}
	got, err := r.Get(app.Hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LaunchCount != 1 {
		t.Fatalf("got launch count %d, want 1", got.LaunchCount)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Get("deadbeefdeadbeef"); err == nil {
		t.Fatalf("expected error for missing hash")
	}
}

func TestFindSimilarMatchesCloseVariants(t *testing.T) {
	r := newTestRegistry(t)
	r.Publish("build me a todo list app", "spec-a", "sandboxed", nil)
	r.Publish("please build a todo list application for me", "spec-b", "sandboxed", nil)
	r.Publish("create a weather dashboard", "spec-c", "networked", nil)

	similar := r.FindSimilar("build a todo list app")
	if len(similar) == 0 {
		t.Fatalf("expected at least one similar app")
	}
	for _, s := range similar {
		if s.Prompt == "create a weather dashboard" {
			t.Fatalf("unrelated prompt should not be considered similar")
		}
	}
}

func TestFindSimilarRespectsLimit(t *testing.T) {
	r := newTestRegistry(t)
	for i := 0; i < 6; i++ {
		r.Publish("a todo list app", "spec-"+string(rune('a'+i)), "sandboxed", nil)
	}
	similar := r.FindSimilar("a todo list app")
	if len(similar) > similarityLimit {
		t.Fatalf("got %d results, want at most %d", len(similar), similarityLimit)
	}
}

func TestRateValidatesRange(t *testing.T) {
	r := newTestRegistry(t)
	app, _ := r.Publish("p", "spec", "sandboxed", nil)
	if err := r.Rate(app.Hash, 6); err == nil {
		t.Fatalf("expected rating out of range to fail")
	}
	if err := r.Rate(app.Hash, 5); err != nil {
		t.Fatalf("Rate: %v", err)
	}
}

func TestSyncCommunitySkipsExisting(t *testing.T) {
	r := newTestRegistry(t)
	app, _ := r.Publish("p", "spec", "sandboxed", nil)
	app.LaunchCount = 42
	r.RecordLaunch(app.Hash)

	added, err := r.SyncCommunity([]*App{{Hash: app.Hash, Prompt: "overwritten", Spec: "spec"}})
	if err != nil {
		t.Fatalf("SyncCommunity: %v", err)
	}
	if added != 0 {
		t.Fatalf("expected 0 added for already-present hash, got %d", added)
	}
	got, _ := r.Get(app.Hash)
	if got.Prompt == "overwritten" {
		t.Fatalf("sync should not clobber an existing local entry")
	}
}
