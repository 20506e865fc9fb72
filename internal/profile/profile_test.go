package profile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewCreatesDefaultProfileWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.Current().Mode != ModeEphemeral {
		t.Fatalf("got mode %v, want ephemeral", m.Current().Mode)
	}
	if _, err := os.Stat(filepath.Join(dir, "profile.yaml")); err != nil {
		t.Fatalf("expected profile.yaml to be written: %v", err)
	}
}

func TestNewLoadsExistingProfile(t *testing.T) {
	dir := t.TempDir()
	yamlContent := "mode: solidified\nname: custom\n"
	if err := os.WriteFile(filepath.Join(dir, "profile.yaml"), []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := m.Current()
	if p.Mode != ModeSolidified || p.Name != "custom" {
		t.Fatalf("got %+v", p)
	}
	// Default overlay still applies to fields the file didn't set.
	if len(p.Security.MaxCapabilities) == 0 {
		t.Fatalf("expected default max_capabilities overlay")
	}
}

func TestUpdatePersists(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Update(func(p *Profile) { p.Name = "renamed" }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	m2, err := New(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if m2.Current().Name != "renamed" {
		t.Fatalf("got name %q after reload, want renamed", m2.Current().Name)
	}
}

func TestSolidifyThenLoadSnapshotApp(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	apps := []SnapshotApp{{Hash: "abc123", Code: "<html></html>", Type: "iframe", Title: "Test"}}
	if err := m.Solidify(apps, []byte(`{"shell":"frozen"}`)); err != nil {
		t.Fatalf("Solidify: %v", err)
	}
	if m.Current().Mode != ModeSolidified {
		t.Fatalf("expected mode solidified after Solidify")
	}
	app, err := m.LoadSnapshotApp("abc123")
	if err != nil {
		t.Fatalf("LoadSnapshotApp: %v", err)
	}
	if app.Code != "<html></html>" {
		t.Fatalf("got %+v", app)
	}
	if _, err := m.LoadSnapshotShell(); err != nil {
		t.Fatalf("LoadSnapshotShell: %v", err)
	}
}

func TestLoadSnapshotAppFailsWhenEphemeral(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.LoadSnapshotApp("whatever"); err == nil {
		t.Fatalf("expected error loading snapshot app while ephemeral")
	}
}

func TestGoEphemeralClearsSnapshotTree(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	apps := []SnapshotApp{{Hash: "abc123", Code: "x", Type: "iframe"}}
	if err := m.Solidify(apps, nil); err != nil {
		t.Fatalf("Solidify: %v", err)
	}
	if err := m.GoEphemeral(true); err != nil {
		t.Fatalf("GoEphemeral: %v", err)
	}
	if m.Current().Mode != ModeEphemeral {
		t.Fatalf("expected mode ephemeral after GoEphemeral")
	}
	if _, err := os.Stat(filepath.Join(dir, "snapshot")); !os.IsNotExist(err) {
		t.Fatalf("expected snapshot tree to be removed")
	}
}
