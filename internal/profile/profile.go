// Package profile loads and persists the user-editable Profile that
// determines whether the Kernel boots ephemeral (regenerate everything) or
// solidified (reuse frozen snapshot artifacts), and hot-reloads it on edit.
// YAML decoding is grounded on tools/si/paas_compose_resolver.go's
// yaml.Unmarshal-into-a-typed-root pattern; the tmp-file-then-rename
// persistence on solidify/goEphemeral is grounded on
// agents/resource-broker/main.go's store pattern, also used by
// internal/registry and internal/storage. Hot-reload via fsnotify is a
// SPEC_FULL.md addition: nothing in the distilled spec calls for live
// profile edits to take effect without a restart, but a YAML profile is the
// kind of file operators edit by hand while the Kernel is running.
package profile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"llmos/kernel/internal/kernelerr"
)

// Mode is the boot mode: regenerate everything, or reuse a frozen snapshot.
type Mode string

const (
	ModeEphemeral  Mode = "ephemeral"
	ModeSolidified Mode = "solidified"
)

// Services toggles background services started at boot.
type Services struct {
	SSH       bool `yaml:"ssh"`
	Ollama    bool `yaml:"ollama"`
	Scheduler bool `yaml:"scheduler"`
}

// Security configures sandbox defaults.
type Security struct {
	Sandbox         string   `yaml:"sandbox"` // "wasm" | "process" | "iframe"
	Network         bool     `yaml:"network"`
	MaxCapabilities []string `yaml:"max_capabilities"`
}

// Shell configures the browser shell's boot presentation.
type Shell struct {
	Theme      string `yaml:"theme"`
	Wallpaper  string `yaml:"wallpaper"`
	ShowDock   bool   `yaml:"show_dock"`
	DefaultApp string `yaml:"default_app"`
}

// Profile is the user-editable record persisted at
// <data_root>/profile.yaml.
type Profile struct {
	Mode     Mode     `yaml:"mode"`
	Name     string   `yaml:"name"`
	Locale   string   `yaml:"locale"`
	Timezone string   `yaml:"timezone"`
	Shell    Shell    `yaml:"shell"`
	BootApps []string `yaml:"boot_apps"`
	Services Services `yaml:"services"`
	Security Security `yaml:"security"`
	Persist  []string `yaml:"persist"`
}

func defaults() Profile {
	return Profile{
		Mode:     ModeEphemeral,
		Name:     "default",
		Locale:   "en-US",
		Timezone: "UTC",
		Shell: Shell{
			Theme:    "system",
			ShowDock: true,
		},
		Services: Services{
			SSH:       false,
			Ollama:    true,
			Scheduler: true,
		},
		Security: Security{
			Sandbox:         "iframe",
			Network:         false,
			MaxCapabilities: []string{"ui:window", "storage:local"},
		},
	}
}

// Manager owns the live Profile for a data root, with optional fsnotify
// hot-reload and snapshot solidification.
type Manager struct {
	dataRoot     string
	profilePath  string
	snapshotRoot string

	mu      sync.RWMutex
	current Profile

	watcher  *fsnotify.Watcher
	onChange func(Profile)
}

// New loads the profile at <dataRoot>/profile.yaml, overlaying onto
// defaults, creating the file with defaults if absent.
func New(dataRoot string) (*Manager, error) {
	m := &Manager{
		dataRoot:     dataRoot,
		profilePath:  filepath.Join(dataRoot, "profile.yaml"),
		snapshotRoot: filepath.Join(dataRoot, "snapshot"),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	p := defaults()
	raw, err := os.ReadFile(m.profilePath)
	if os.IsNotExist(err) {
		m.mu.Lock()
		m.current = p
		m.mu.Unlock()
		return m.persist()
	}
	if err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "read profile", err)
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return kernelerr.Wrap(kernelerr.Validation, "parse profile yaml", err)
	}
	if p.Security.MaxCapabilities == nil {
		p.Security.MaxCapabilities = defaults().Security.MaxCapabilities
	}
	m.mu.Lock()
	m.current = p
	m.mu.Unlock()
	return nil
}

func (m *Manager) persist() error {
	m.mu.RLock()
	p := m.current
	m.mu.RUnlock()

	out, err := yaml.Marshal(p)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "marshal profile", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.profilePath), 0o755); err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "create data root", err)
	}
	tmp := m.profilePath + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "write profile tmp", err)
	}
	if err := os.Rename(tmp, m.profilePath); err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "rename profile tmp", err)
	}
	return nil
}

// Current returns a copy of the live profile.
func (m *Manager) Current() Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update applies fn to a copy of the live profile and persists it.
func (m *Manager) Update(fn func(*Profile)) error {
	m.mu.Lock()
	p := m.current
	fn(&p)
	m.current = p
	m.mu.Unlock()
	return m.persist()
}

// SnapshotApp is the JSON-encoded frozen form of one registry app, written
// by Solidify and read back by LoadSnapshotApp.
type SnapshotApp struct {
	Hash  string `json:"hash"`
	Code  string `json:"code"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// Solidify writes the given apps (one JSON file per app hash) and the shell
// under <data_root>/snapshot/, then flips mode to solidified.
func (m *Manager) Solidify(apps []SnapshotApp, shell []byte) error {
	appsDir := filepath.Join(m.snapshotRoot, "apps")
	if err := os.MkdirAll(appsDir, 0o755); err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "create snapshot apps dir", err)
	}
	for _, app := range apps {
		b, err := json.Marshal(app)
		if err != nil {
			return kernelerr.Wrap(kernelerr.Internal, "marshal snapshot app", err)
		}
		path := filepath.Join(appsDir, app.Hash+".json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			return kernelerr.Wrap(kernelerr.Internal, "write snapshot app", err)
		}
	}
	if shell != nil {
		if err := os.WriteFile(filepath.Join(m.snapshotRoot, "shell.json"), shell, 0o644); err != nil {
			return kernelerr.Wrap(kernelerr.Internal, "write snapshot shell", err)
		}
	}
	return m.Update(func(p *Profile) { p.Mode = ModeSolidified })
}

// GoEphemeral flips the profile back to ephemeral mode, optionally deleting
// the snapshot tree.
func (m *Manager) GoEphemeral(clearSnapshot bool) error {
	if clearSnapshot {
		if err := os.RemoveAll(m.snapshotRoot); err != nil {
			return kernelerr.Wrap(kernelerr.Internal, "clear snapshot tree", err)
		}
	}
	return m.Update(func(p *Profile) { p.Mode = ModeEphemeral })
}

// LoadSnapshotApp returns a frozen app's contents, only when the profile is
// currently solidified.
func (m *Manager) LoadSnapshotApp(appID string) (*SnapshotApp, error) {
	if m.Current().Mode != ModeSolidified {
		return nil, kernelerr.New(kernelerr.NotFound, "profile is not solidified")
	}
	path := filepath.Join(m.snapshotRoot, "apps", appID+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, kernelerr.New(kernelerr.NotFound, "no snapshot for app "+appID)
	}
	var app SnapshotApp
	if err := json.Unmarshal(raw, &app); err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, "parse snapshot app", err)
	}
	return &app, nil
}

// LoadSnapshotShell returns the frozen shell bundle, only when the profile
// is currently solidified.
func (m *Manager) LoadSnapshotShell() ([]byte, error) {
	if m.Current().Mode != ModeSolidified {
		return nil, kernelerr.New(kernelerr.NotFound, "profile is not solidified")
	}
	raw, err := os.ReadFile(filepath.Join(m.snapshotRoot, "shell.json"))
	if err != nil {
		return nil, kernelerr.New(kernelerr.NotFound, "no snapshot shell")
	}
	return raw, nil
}

// Watch starts an fsnotify watch on the profile file and calls onChange
// with the freshly reloaded profile on every write. Watch is a no-op if
// already watching.
func (m *Manager) Watch(onChange func(Profile)) error {
	if m.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "create fsnotify watcher", err)
	}
	if err := w.Add(filepath.Dir(m.profilePath)); err != nil {
		w.Close()
		return kernelerr.Wrap(kernelerr.Internal, "watch profile dir", err)
	}
	m.watcher = w
	m.onChange = onChange

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(m.profilePath) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := m.load(); err != nil {
					continue
				}
				if m.onChange != nil {
					m.onChange(m.Current())
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the fsnotify watch, if running.
func (m *Manager) Close() error {
	if m.watcher == nil {
		return nil
	}
	err := m.watcher.Close()
	m.watcher = nil
	return err
}
