package storage

import (
	"encoding/json"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Set("app1", "color", json.RawMessage(`"blue"`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get("app1", "color")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("expected key to be present")
	}
	if string(v) != `"blue"` {
		t.Fatalf("got %s, want %q", v, `"blue"`)
	}
}

func TestGetMissingKey(t *testing.T) {
	s, _ := New(t.TempDir())
	_, ok, err := s.Get("app1", "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected missing key to report ok=false")
	}
}

func TestSetExceedsQuotaRollsBack(t *testing.T) {
	s, _ := New(t.TempDir())
	big := make([]byte, DefaultQuota+1024)
	for i := range big {
		big[i] = 'a'
	}
	payload, _ := json.Marshal(string(big))
	if err := s.Set("app1", "blob", payload); err == nil {
		t.Fatalf("expected quota error")
	}
	if _, ok, _ := s.Get("app1", "blob"); ok {
		t.Fatalf("expected failed write to roll back, key should be absent")
	}
}

func TestSetExceedsQuotaPreservesPriorValue(t *testing.T) {
	s, _ := New(t.TempDir())
	if err := s.Set("app1", "blob", json.RawMessage(`"small"`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	big := make([]byte, DefaultQuota+1024)
	for i := range big {
		big[i] = 'a'
	}
	payload, _ := json.Marshal(string(big))
	if err := s.Set("app1", "blob", payload); err == nil {
		t.Fatalf("expected quota error")
	}
	v, ok, _ := s.Get("app1", "blob")
	if !ok || string(v) != `"small"` {
		t.Fatalf("expected prior value preserved after rollback, got %s ok=%v", v, ok)
	}
}

func TestAppIDSanitizationPreventsTraversal(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Set("../../etc/passwd", "x", json.RawMessage(`1`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	path := s.docPath("../../etc/passwd")
	if got := sanitizeAppID("../../etc/passwd"); got == "../../etc/passwd" {
		t.Fatalf("sanitizeAppID did not change a traversal-laden id")
	}
	_ = path
}

func TestDeleteRemovesDocument(t *testing.T) {
	s, _ := New(t.TempDir())
	if err := s.Set("app1", "k", json.RawMessage(`1`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete("app1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, _ := s.Get("app1", "k")
	if ok {
		t.Fatalf("expected key to be gone after delete")
	}
}

func TestListAppsAfterFlush(t *testing.T) {
	s, _ := New(t.TempDir())
	if err := s.Set("app1", "k", json.RawMessage(`1`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	apps, err := s.ListApps()
	if err != nil {
		t.Fatalf("ListApps: %v", err)
	}
	if len(apps) != 1 || apps[0] != "app1" {
		t.Fatalf("got %v, want [app1]", apps)
	}
}

func TestImportEnforcesQuota(t *testing.T) {
	s, _ := New(t.TempDir())
	big := make([]byte, DefaultQuota+1024)
	for i := range big {
		big[i] = 'a'
	}
	payload, _ := json.Marshal(string(big))
	err := s.Import("app1", map[string]json.RawMessage{"blob": payload})
	if err == nil {
		t.Fatalf("expected quota error on import")
	}
}
