// Package registry implements the content-addressed app registry: generated
// app specs are hashed and stored once, then looked up, browsed, and rated.
// The persistence shape (one struct behind a single sync.RWMutex, full
// load-on-start and full rewrite on every mutation) is grounded on
// agents/manager/internal/state/store.go's Store, simplified from its
// Query/Update dispatch-by-name design to direct methods since the registry
// has a small, fixed operation set.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"llmos/kernel/internal/kernelerr"
)

// HashPrefixLen is how many hex characters of the SHA-256 digest identify an
// app.
const HashPrefixLen = 16

// App is one published, content-addressed app spec.
type App struct {
	Hash        string    `json:"hash"`
	Prompt      string    `json:"prompt"`
	Spec        string    `json:"spec"`
	AppType     string    `json:"appType"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"createdAt"`
	LaunchCount int       `json:"launchCount"`
	LastLaunch  time.Time `json:"lastLaunch,omitempty"`
	Ratings     []int     `json:"ratings,omitempty"`
}

// AverageRating returns the mean of all ratings, or 0 if none exist.
func (a *App) AverageRating() float64 {
	if len(a.Ratings) == 0 {
		return 0
	}
	sum := 0
	for _, r := range a.Ratings {
		sum += r
	}
	return float64(sum) / float64(len(a.Ratings))
}

// Stats summarizes the registry's contents.
type Stats struct {
	TotalApps     int            `json:"totalApps"`
	TotalLaunches int            `json:"totalLaunches"`
	TagCounts     map[string]int `json:"tagCounts"`
}

type document struct {
	Apps map[string]*App `json:"apps"`
}

// Registry is the in-memory, disk-backed content-addressed app store.
type Registry struct {
	path string
	lock *flock.Flock

	mu  sync.RWMutex
	doc document
}

// New loads (or initializes) a registry persisted at path. A cross-process
// advisory lock on path+".lock" guards against a second kerneld instance
// pointed at the same data root from racing this one's tmp-then-rename
// writes.
func New(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, "create registry dir", err)
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, "lock registry", err)
	}
	if !locked {
		return nil, kernelerr.New(kernelerr.Conflict, "registry already locked by another process")
	}

	r := &Registry{path: path, lock: lock, doc: document{Apps: make(map[string]*App)}}
	if err := r.load(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return r, nil
}

// Close releases the registry's cross-process lock.
func (r *Registry) Close() error {
	return r.lock.Unlock()
}

func (r *Registry) load() error {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kernelerr.Wrap(kernelerr.Internal, "load registry", err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "decode registry", err)
	}
	if doc.Apps == nil {
		doc.Apps = make(map[string]*App)
	}
	r.doc = doc
	return nil
}

func (r *Registry) persistLocked() error {
	b, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "marshal registry", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "create registry dir", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "write registry", err)
	}
	return os.Rename(tmp, r.path)
}

// Hash returns the content address for a spec: the first HashPrefixLen hex
// characters of its SHA-256 digest.
func Hash(spec string) string {
	sum := sha256.Sum256([]byte(spec))
	return hex.EncodeToString(sum[:])[:HashPrefixLen]
}

// Publish stores spec under its content hash, idempotently: publishing the
// same spec twice returns the existing entry rather than creating a
// duplicate or resetting its launch history.
func (r *Registry) Publish(prompt, spec, appType string, tags []string) (*App, error) {
	hash := Hash(spec)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.doc.Apps[hash]; ok {
		return existing, nil
	}
	app := &App{
		Hash:      hash,
		Prompt:    prompt,
		Spec:      spec,
		AppType:   appType,
		Tags:      append([]string(nil), tags...),
		CreatedAt: time.Now().UTC(),
	}
	r.doc.Apps[hash] = app
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	return app, nil
}

// Get returns the app published under hash.
func (r *Registry) Get(hash string) (*App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.doc.Apps[hash]
	if !ok {
		return nil, kernelerr.New(kernelerr.NotFound, "app not found: "+hash)
	}
	return app, nil
}

// RecordLaunch bumps hash's launch count and last-launch timestamp.
func (r *Registry) RecordLaunch(hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.doc.Apps[hash]
	if !ok {
		return kernelerr.New(kernelerr.NotFound, "app not found: "+hash)
	}
	app.LaunchCount++
	app.LastLaunch = time.Now().UTC()
	return r.persistLocked()
}

// Browse lists apps sorted by launch count descending, most recently
// launched first on ties.
func (r *Registry) Browse(limit int) []*App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	apps := make([]*App, 0, len(r.doc.Apps))
	for _, a := range r.doc.Apps {
		apps = append(apps, a)
	}
	sort.Slice(apps, func(i, j int) bool {
		if apps[i].LaunchCount != apps[j].LaunchCount {
			return apps[i].LaunchCount > apps[j].LaunchCount
		}
		return apps[i].LastLaunch.After(apps[j].LastLaunch)
	})
	if limit > 0 && len(apps) > limit {
		apps = apps[:limit]
	}
	return apps
}

// Search finds apps whose prompt or tags contain query (case-insensitive
// substring match).
func (r *Registry) Search(query string) []*App {
	q := strings.ToLower(query)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*App
	for _, a := range r.doc.Apps {
		if strings.Contains(strings.ToLower(a.Prompt), q) {
			out = append(out, a)
			continue
		}
		for _, tag := range a.Tags {
			if strings.Contains(strings.ToLower(tag), q) {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// FindSimilarThreshold is the minimum trigram Dice coefficient FindSimilar
// accepts; FindSimilar returns up to 3 apps at or above it, sorted by
// similarity descending.
func FindSimilarThreshold() float64 { return 0.25 }

const similarityLimit = 3

// FindSimilar scores every registered app's prompt against prompt using
// trigram similarity and returns the best matches.
func (r *Registry) FindSimilar(prompt string) []*App {
	target := trigrams(normalizePrompt(prompt))
	if len(target) == 0 {
		return nil
	}

	type scored struct {
		app   *App
		score float64
	}

	r.mu.RLock()
	candidates := make([]scored, 0, len(r.doc.Apps))
	for _, a := range r.doc.Apps {
		score := diceSimilarity(target, trigrams(normalizePrompt(a.Prompt)))
		if score >= FindSimilarThreshold() {
			candidates = append(candidates, scored{app: a, score: score})
		}
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > similarityLimit {
		candidates = candidates[:similarityLimit]
	}
	out := make([]*App, len(candidates))
	for i, c := range candidates {
		out[i] = c.app
	}
	return out
}

var fillerWords = map[string]bool{
	"a": true, "an": true, "the": true, "that": true, "this": true,
	"please": true, "can": true, "you": true, "me": true, "for": true,
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9\s]`)
var multiSpace = regexp.MustCompile(`\s+`)

// normalizePrompt lowercases, strips punctuation, collapses whitespace, and
// drops articles/filler words so similarity scoring isn't dominated by
// incidental phrasing differences.
func normalizePrompt(prompt string) string {
	lower := strings.ToLower(prompt)
	stripped := nonAlnum.ReplaceAllString(lower, " ")
	words := strings.Fields(stripped)
	kept := words[:0]
	for _, w := range words {
		if !fillerWords[w] {
			kept = append(kept, w)
		}
	}
	return multiSpace.ReplaceAllString(strings.Join(kept, " "), " ")
}

// trigrams returns the set of 3-character substrings of s.
func trigrams(s string) map[string]bool {
	set := make(map[string]bool)
	if len(s) < 3 {
		if s != "" {
			set[s] = true
		}
		return set
	}
	for i := 0; i+3 <= len(s); i++ {
		set[s[i:i+3]] = true
	}
	return set
}

// diceSimilarity computes the Sorensen-Dice coefficient between two trigram
// sets: 2*|intersection| / (|a|+|b|).
func diceSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for tg := range a {
		if b[tg] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)+len(b))
}

// Tags returns every distinct tag across the registry.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[string]bool)
	for _, a := range r.doc.Apps {
		for _, t := range a.Tags {
			set[t] = true
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Stats summarizes the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{TagCounts: make(map[string]int)}
	for _, a := range r.doc.Apps {
		stats.TotalApps++
		stats.TotalLaunches += a.LaunchCount
		for _, t := range a.Tags {
			stats.TagCounts[t]++
		}
	}
	return stats
}

// UpdateSpec replaces hash's spec content in place. The hash key itself is
// not recomputed: callers that change semantics should Publish a new entry
// instead.
func (r *Registry) UpdateSpec(hash, spec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.doc.Apps[hash]
	if !ok {
		return kernelerr.New(kernelerr.NotFound, "app not found: "+hash)
	}
	app.Spec = spec
	return r.persistLocked()
}

// Rate appends a 1-5 rating to hash's app.
func (r *Registry) Rate(hash string, rating int) error {
	if rating < 1 || rating > 5 {
		return kernelerr.New(kernelerr.Validation, "rating must be between 1 and 5")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.doc.Apps[hash]
	if !ok {
		return kernelerr.New(kernelerr.NotFound, "app not found: "+hash)
	}
	app.Ratings = append(app.Ratings, rating)
	return r.persistLocked()
}

// Delete removes hash from the registry.
func (r *Registry) Delete(hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.doc.Apps[hash]; !ok {
		return kernelerr.New(kernelerr.NotFound, "app not found: "+hash)
	}
	delete(r.doc.Apps, hash)
	return r.persistLocked()
}

// SyncCommunity merges a batch of externally-sourced apps into the local
// registry, skipping any hash already present so locally recorded launch
// counts and ratings are never clobbered by a sync.
func (r *Registry) SyncCommunity(apps []*App) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for _, a := range apps {
		if _, exists := r.doc.Apps[a.Hash]; exists {
			continue
		}
		r.doc.Apps[a.Hash] = a
		added++
	}
	if added == 0 {
		return 0, nil
	}
	return added, r.persistLocked()
}
