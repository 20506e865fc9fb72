// Package storage implements per-app persistent key/value storage: one JSON
// document per app, guarded by a mutex and rewritten atomically on write,
// grounded on the store pattern in agents/resource-broker/main.go (mutex +
// filePath + in-memory struct, marshal-to-tmp-then-rename on every mutation)
// and agents/manager/internal/state/store.go (map of named sub-stores behind
// one sync.RWMutex). Writes are coalesced with a short debounce so a burst of
// Set calls from one app doesn't force a full-file rewrite per call.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"llmos/kernel/internal/kernelerr"
)

// DefaultQuota is the per-app storage ceiling in bytes, per spec.md §4.6.
const DefaultQuota = 5 * 1024 * 1024

// debounceWindow coalesces rapid-fire Set calls into one file write.
const debounceWindow = 500 * time.Millisecond

var unsafeAppID = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sanitizeAppID maps any character outside [A-Za-z0-9_-] to "_", which also
// forecloses path traversal via appId (no "/", "..", or NUL can survive).
func sanitizeAppID(appID string) string {
	return unsafeAppID.ReplaceAllString(appID, "_")
}

type appDoc struct {
	mu       sync.Mutex
	path     string
	data     map[string]json.RawMessage
	dirty    bool
	lastSave time.Time
	saveTimer *time.Timer
}

// Store manages one JSON document per app under root.
type Store struct {
	root string
	lock *flock.Flock

	mu   sync.Mutex
	docs map[string]*appDoc
}

// New builds a Store rooted at dir, creating it if necessary. A
// cross-process advisory lock on dir/.lock guards against a second kerneld
// instance pointed at the same data root from racing this one's
// tmp-then-rename writes.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, "create storage root", err)
	}
	lock := flock.New(filepath.Join(dir, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, "lock storage root", err)
	}
	if !locked {
		return nil, kernelerr.New(kernelerr.Conflict, "storage root already locked by another process")
	}
	return &Store{root: dir, lock: lock, docs: make(map[string]*appDoc)}, nil
}

// Close releases the storage root's cross-process lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

func (s *Store) docPath(appID string) string {
	return filepath.Join(s.root, sanitizeAppID(appID)+".json")
}

func (s *Store) doc(appID string) (*appDoc, error) {
	safeID := sanitizeAppID(appID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[safeID]; ok {
		return d, nil
	}
	d := &appDoc{path: s.docPath(appID), data: make(map[string]json.RawMessage)}
	if err := d.load(); err != nil {
		return nil, err
	}
	s.docs[safeID] = d
	return d, nil
}

func (d *appDoc) load() error {
	b, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kernelerr.Wrap(kernelerr.Internal, "load app storage", err)
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(b, &data); err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "decode app storage", err)
	}
	d.data = data
	return nil
}

// sizeLocked returns the serialized byte size of d.data. Caller holds d.mu.
func (d *appDoc) sizeLocked() (int, error) {
	b, err := json.Marshal(d.data)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func (d *appDoc) persistLocked() error {
	b, err := json.MarshalIndent(d.data, "", "  ")
	if err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "marshal app storage", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "create app storage dir", err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "write app storage", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "commit app storage", err)
	}
	d.dirty = false
	d.lastSave = time.Now()
	return nil
}

// scheduleSaveLocked arms a debounce timer that flushes the document shortly
// after the last write in a burst. Caller holds d.mu.
func (d *appDoc) scheduleSaveLocked() {
	d.dirty = true
	if d.saveTimer != nil {
		return
	}
	d.saveTimer = time.AfterFunc(debounceWindow, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.saveTimer = nil
		if d.dirty {
			_ = d.persistLocked()
		}
	})
}

// Get reads key from appID's storage, returning ok=false if absent.
func (s *Store) Get(appID, key string) (json.RawMessage, bool, error) {
	d, err := s.doc(appID)
	if err != nil {
		return nil, false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.data[key]
	return v, ok, nil
}

// Set writes key=value into appID's storage, enforcing the quota and rolling
// back the mutation if it would be exceeded.
func (s *Store) Set(appID, key string, value json.RawMessage) error {
	d, err := s.doc(appID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	previous, had := d.data[key]
	d.data[key] = value
	size, err := d.sizeLocked()
	if err != nil {
		delete(d.data, key)
		return kernelerr.Wrap(kernelerr.Internal, "serialize app storage", err)
	}
	if size > DefaultQuota {
		if had {
			d.data[key] = previous
		} else {
			delete(d.data, key)
		}
		return kernelerr.New(kernelerr.QuotaExceeded, fmt.Sprintf("app %q storage quota exceeded", appID))
	}
	d.scheduleSaveLocked()
	return nil
}

// Remove deletes key from appID's storage. It is not an error if the key was
// absent.
func (s *Store) Remove(appID, key string) error {
	d, err := s.doc(appID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.data, key)
	d.scheduleSaveLocked()
	return nil
}

// Keys lists every key currently stored for appID.
func (s *Store) Keys(appID string) ([]string, error) {
	d, err := s.doc(appID)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.data))
	for k := range d.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// Usage returns the serialized byte size of appID's storage document.
func (s *Store) Usage(appID string) (int, error) {
	d, err := s.doc(appID)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sizeLocked()
}

// Clear removes every key for appID.
func (s *Store) Clear(appID string) error {
	d, err := s.doc(appID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = make(map[string]json.RawMessage)
	d.scheduleSaveLocked()
	return nil
}

// Delete removes appID's storage document entirely, including from disk.
func (s *Store) Delete(appID string) error {
	safeID := sanitizeAppID(appID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[safeID]; ok {
		d.mu.Lock()
		if d.saveTimer != nil {
			d.saveTimer.Stop()
		}
		d.mu.Unlock()
		delete(s.docs, safeID)
	}
	path := s.docPath(appID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return kernelerr.Wrap(kernelerr.Internal, "delete app storage", err)
	}
	return nil
}

// Export returns a copy of appID's entire storage document.
func (s *Store) Export(appID string) (map[string]json.RawMessage, error) {
	d, err := s.doc(appID)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]json.RawMessage, len(d.data))
	for k, v := range d.data {
		out[k] = v
	}
	return out, nil
}

// Import replaces appID's storage document wholesale, subject to the quota.
func (s *Store) Import(appID string, data map[string]json.RawMessage) error {
	d, err := s.doc(appID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	previous := d.data
	d.data = data
	size, err := d.sizeLocked()
	if err != nil {
		d.data = previous
		return kernelerr.Wrap(kernelerr.Internal, "serialize app storage", err)
	}
	if size > DefaultQuota {
		d.data = previous
		return kernelerr.New(kernelerr.QuotaExceeded, fmt.Sprintf("app %q storage quota exceeded", appID))
	}
	d.scheduleSaveLocked()
	return nil
}

// ListApps returns the app IDs with an on-disk storage document.
func (s *Store) ListApps() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kernelerr.Wrap(kernelerr.Internal, "list app storage", err)
	}
	apps := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		apps = append(apps, e.Name()[:len(e.Name())-len(".json")])
	}
	return apps, nil
}

// ExportAll returns every app's storage document, keyed by app ID.
func (s *Store) ExportAll() (map[string]map[string]json.RawMessage, error) {
	apps, err := s.ListApps()
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]json.RawMessage, len(apps))
	for _, appID := range apps {
		data, err := s.Export(appID)
		if err != nil {
			return nil, err
		}
		out[appID] = data
	}
	return out, nil
}

// FlushAll forces every dirty in-memory document to disk immediately,
// bypassing the debounce window. Intended for graceful shutdown.
func (s *Store) FlushAll() error {
	s.mu.Lock()
	docs := make([]*appDoc, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.Unlock()

	for _, d := range docs {
		d.mu.Lock()
		if d.saveTimer != nil {
			d.saveTimer.Stop()
			d.saveTimer = nil
		}
		if d.dirty {
			if err := d.persistLocked(); err != nil {
				d.mu.Unlock()
				return err
			}
		}
		d.mu.Unlock()
	}
	return nil
}
