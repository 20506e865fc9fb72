// Package wasm implements the WASM Sandbox: a launcher for WebAssembly
// modules with capped memory, bounded CPU time, and capability-gated host
// calls. It is built on wazero, the pure-Go WASM runtime present in the
// corpus (see DESIGN.md's domain stack table). Each launched app gets its
// own wazero module instance, which wazero already isolates from the host
// process's memory; the host-call surface a guest can reach is limited to
// an explicit set of functions registered under the "llmos" import module,
// the storage functions each gated by a capability check before they run
// (notify and cap_request are not gated) — the same synchronous,
// capability-checked dispatch the browser-oriented design expresses through
// a SharedArrayBuffer ring, realized here as direct host function calls
// since wazero, unlike a browser Worker, already provides a genuinely
// synchronous host/guest call boundary.
package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"llmos/kernel/internal/capability"
	"llmos/kernel/internal/kernelerr"
	"llmos/kernel/internal/storage"
)

// PayloadCap is the maximum size, in bytes, of a single host-call payload.
const PayloadCap = 65524

// Defaults per spec.
const (
	DefaultEntryFn        = "main"
	DefaultTimeout        = 30 * time.Second
	DefaultMemoryPages    = 16
	DefaultMaxMemoryPages = 1024
)

// State is a launched app's lifecycle state.
type State string

const (
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
	StateKilled  State = "killed"
)

// LaunchOptions tunes one Launch call.
type LaunchOptions struct {
	EntryFn        string
	Args           []uint64
	Timeout        time.Duration
	MemoryPages    uint32
	MaxMemoryPages uint32
	Tokens         map[capability.Cap]string
}

func (o LaunchOptions) withDefaults() LaunchOptions {
	if o.EntryFn == "" {
		o.EntryFn = DefaultEntryFn
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MemoryPages <= 0 {
		o.MemoryPages = DefaultMemoryPages
	}
	if o.MaxMemoryPages <= 0 {
		o.MaxMemoryPages = DefaultMaxMemoryPages
	}
	return o
}

// App is a launched (or completed) sandboxed module.
type App struct {
	AppID        string
	Title        string
	Capabilities map[capability.Cap]bool
	State        State
	Result       uint64
	Err          error

	cancel context.CancelFunc
}

// Sandbox launches and tracks WASM apps.
type Sandbox struct {
	runtime wazero.Runtime
	store   *storage.Store
	caps    *capability.Manager

	mu   sync.Mutex
	apps map[string]*App
}

// New builds a Sandbox backed by a fresh wazero runtime.
func New(store *storage.Store, caps *capability.Manager) *Sandbox {
	return &Sandbox{
		runtime: wazero.NewRuntime(context.Background()),
		store:   store,
		caps:    caps,
		apps:    make(map[string]*App),
	}
}

// requiredCapability maps an llmos-namespace import name to the capability
// it requires. Imports not in this table (notify, cap_request) are always
// allowed.
func requiredCapability(importName string) (capability.Cap, bool) {
	switch importName {
	case "storage_get", "storage_set", "storage_remove", "storage_keys":
		return capability.CapStorageAccess, true
	case "fetch":
		return capability.CapNetwork, true
	default:
		return "", false
	}
}

// validateMemory parses the WASM binary's memory section (section id 5) and
// rejects modules that do not declare a bounded maximum not exceeding
// maxMemoryPages.
func validateMemory(wasmBytes []byte, maxMemoryPages uint32) error {
	sections, err := parseSections(wasmBytes)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Validation, "parse wasm binary", err)
	}
	memSection, ok := sections[5]
	if !ok {
		// No memory section: the module imports its memory, or declares
		// none. Either way there is nothing to bound here; compilation
		// will fail downstream if a required memory import is absent.
		return nil
	}
	limits, err := parseMemoryLimits(memSection)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Validation, "parse memory section", err)
	}
	for _, lim := range limits {
		if !lim.hasMax {
			return kernelerr.New(kernelerr.Validation, "unbounded memory")
		}
		if lim.max > maxMemoryPages {
			return kernelerr.New(kernelerr.Validation, fmt.Sprintf("memory max %d exceeds limit %d", lim.max, maxMemoryPages))
		}
	}
	return nil
}

type memLimit struct {
	min    uint32
	max    uint32
	hasMax bool
}

// parseSections walks the WASM binary's section headers and returns each
// section's raw payload keyed by section id. It does not validate the
// payloads themselves beyond what is needed to skip over them.
func parseSections(b []byte) (map[byte][]byte, error) {
	if len(b) < 8 || string(b[0:4]) != "\x00asm" {
		return nil, fmt.Errorf("not a wasm binary")
	}
	sections := make(map[byte][]byte)
	offset := 8
	for offset < len(b) {
		id := b[offset]
		offset++
		size, n, err := readULEB128(b[offset:])
		if err != nil {
			return nil, err
		}
		offset += n
		if offset+int(size) > len(b) {
			return nil, fmt.Errorf("truncated section")
		}
		sections[id] = b[offset : offset+int(size)]
		offset += int(size)
	}
	return sections, nil
}

func readULEB128(b []byte) (uint64, int, error) {
	var result uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		next := b[i]
		result |= uint64(next&0x7f) << shift
		if next&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("malformed uleb128")
}

func parseMemoryLimits(section []byte) ([]memLimit, error) {
	count, n, err := readULEB128(section)
	if err != nil {
		return nil, err
	}
	offset := n
	limits := make([]memLimit, 0, count)
	for i := uint64(0); i < count; i++ {
		if offset >= len(section) {
			return nil, fmt.Errorf("truncated memory entry")
		}
		flag := section[offset]
		offset++
		min, n, err := readULEB128(section[offset:])
		if err != nil {
			return nil, err
		}
		offset += n
		lim := memLimit{min: uint32(min)}
		if flag&0x1 != 0 {
			maxVal, n, err := readULEB128(section[offset:])
			if err != nil {
				return nil, err
			}
			offset += n
			lim.max = uint32(maxVal)
			lim.hasMax = true
		}
		limits = append(limits, lim)
	}
	return limits, nil
}

// Launch compiles and instantiates wasmBytes under appID. Duplicate appID
// launches are rejected.
func (s *Sandbox) Launch(ctx context.Context, appID string, wasmBytes []byte, caps map[capability.Cap]bool, title string, opts LaunchOptions) (uint64, error) {
	opts = opts.withDefaults()

	s.mu.Lock()
	if _, exists := s.apps[appID]; exists {
		s.mu.Unlock()
		return 0, kernelerr.New(kernelerr.Conflict, fmt.Sprintf("app %q already launched", appID))
	}
	s.mu.Unlock()

	if err := validateMemory(wasmBytes, opts.MaxMemoryPages); err != nil {
		return 0, err
	}

	compiled, err := s.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.Validation, "compile wasm module", err)
	}

	for _, imp := range compiled.ImportedFunctions() {
		moduleName, name, _ := imp.Import()
		if moduleName != "llmos" {
			continue
		}
		if requiredCap, gated := requiredCapability(name); gated && !caps[requiredCap] {
			return 0, kernelerr.New(kernelerr.CapabilityDenied, fmt.Sprintf("%s not granted", requiredCap))
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)

	app := &App{
		AppID:        appID,
		Title:        title,
		Capabilities: caps,
		State:        StateRunning,
		cancel:       cancel,
	}
	s.mu.Lock()
	s.apps[appID] = app
	s.mu.Unlock()

	host := s.buildHostModule(appID, caps)
	if _, err := host.Instantiate(runCtx); err != nil {
		cancel()
		s.finish(app, StateFailed, 0, err)
		return 0, kernelerr.Wrap(kernelerr.Internal, "instantiate host module", err)
	}

	config := wazero.NewModuleConfig().WithName(appID)
	mod, err := s.runtime.InstantiateModule(runCtx, compiled, config)
	if err != nil {
		cancel()
		s.finish(app, StateFailed, 0, err)
		return 0, kernelerr.Wrap(kernelerr.Internal, "instantiate wasm module", err)
	}
	defer mod.Close(context.Background())

	entry := mod.ExportedFunction(opts.EntryFn)
	if entry == nil {
		cancel()
		s.finish(app, StateFailed, 0, fmt.Errorf("missing export %q", opts.EntryFn))
		return 0, kernelerr.New(kernelerr.Validation, fmt.Sprintf("missing export %q", opts.EntryFn))
	}

	resultCh := make(chan []uint64, 1)
	errCh := make(chan error, 1)
	go func() {
		results, err := entry.Call(runCtx, opts.Args...)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- results
	}()

	select {
	case <-runCtx.Done():
		cancel()
		s.mu.Lock()
		killed := app.State == StateKilled
		s.mu.Unlock()
		if killed {
			return 0, kernelerr.New(kernelerr.Internal, "killed")
		}
		s.finish(app, StateFailed, 0, kernelerr.New(kernelerr.Timeout, "CPU timeout"))
		return 0, kernelerr.New(kernelerr.Timeout, "CPU timeout")
	case err := <-errCh:
		cancel()
		s.finish(app, StateFailed, 0, err)
		return 0, kernelerr.Wrap(kernelerr.Internal, "module execution failed", err)
	case results := <-resultCh:
		cancel()
		var result uint64
		if len(results) > 0 {
			result = results[0]
		}
		s.finish(app, StateDone, result, nil)
		return result, nil
	}
}

func (s *Sandbox) finish(app *App, state State, result uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app.State = state
	app.Result = result
	app.Err = err
}

// buildHostModule registers the llmos host-call surface: storage access,
// notify, and capability-request functions. Each call is gated against the
// app's granted capability set before it touches the storage layer.
func (s *Sandbox) buildHostModule(appID string, caps map[capability.Cap]bool) wazero.HostModuleBuilder {
	builder := s.runtime.NewHostModuleBuilder("llmos")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen uint32) uint64 {
			if !caps[capability.CapStorageAccess] {
				return 0
			}
			key, ok := readMemory(m, keyPtr, keyLen)
			if !ok {
				return 0
			}
			val, found, err := s.store.Get(appID, string(key))
			if err != nil || !found {
				return 0
			}
			return uint64(len(val))
		}).
		Export("storage_get")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint32 {
			if !caps[capability.CapStorageAccess] {
				return 0
			}
			key, ok := readMemory(m, keyPtr, keyLen)
			if !ok {
				return 0
			}
			val, ok := readMemory(m, valPtr, valLen)
			if !ok {
				return 0
			}
			if err := s.store.Set(appID, string(key), json.RawMessage(val)); err != nil {
				return 0
			}
			return 1
		}).
		Export("storage_set")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen uint32) uint32 {
			if !caps[capability.CapStorageAccess] {
				return 0
			}
			key, ok := readMemory(m, keyPtr, keyLen)
			if !ok {
				return 0
			}
			if err := s.store.Remove(appID, string(key)); err != nil {
				return 0
			}
			return 1
		}).
		Export("storage_remove")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module) uint32 {
			if !caps[capability.CapStorageAccess] {
				return 0
			}
			keys, err := s.store.Keys(appID)
			if err != nil {
				return 0
			}
			return uint32(len(keys))
		}).
		Export("storage_keys")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, msgPtr, msgLen uint32) {
			_, _ = readMemory(m, msgPtr, msgLen)
		}).
		Export("notify")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, capPtr, capLen uint32) uint32 {
			capName, ok := readMemory(m, capPtr, capLen)
			if !ok {
				return 0
			}
			if caps[capability.Cap(capName)] {
				return 1
			}
			return 0
		}).
		Export("cap_request")

	return builder
}

func readMemory(m api.Module, ptr, length uint32) ([]byte, bool) {
	if length > PayloadCap {
		return nil, false
	}
	return m.Memory().Read(ptr, length)
}

// Kill terminates a running app, settling it as killed.
func (s *Sandbox) Kill(appID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[appID]
	if !ok || app.State != StateRunning {
		return false
	}
	app.cancel()
	app.State = StateKilled
	return true
}

// KillAll terminates every running app.
func (s *Sandbox) KillAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, app := range s.apps {
		if app.State == StateRunning {
			app.cancel()
			app.State = StateKilled
		}
	}
}

// GetApp returns the tracked state for appID.
func (s *Sandbox) GetApp(appID string) (*App, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[appID]
	return app, ok
}

// ListApps returns every tracked app.
func (s *Sandbox) ListApps() []*App {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*App, 0, len(s.apps))
	for _, a := range s.apps {
		out = append(out, a)
	}
	return out
}

// Close releases the underlying wazero runtime.
func (s *Sandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}
