// Package kernel wires every Kernel component together in dependency order:
// open the storage root, initialize the capability key, load the registry,
// build the providers, resource monitor and gateway, the WASM sandbox and
// the optional container manager, register scheduler tasks, and load the
// profile; Start then begins the resource monitor's probe loop, and the
// assembled components are handed to the HTTP API. Shutdown stops
// background probing, stops every scheduler timer, flushes storage, and
// stops every managed container. Grounded on
// agents/coder/cmd/agent/main.go's listen/signal/shutdown shape, generalized
// from one health endpoint to the full component graph.
package kernel

import (
	"context"
	"log"
	"time"

	"llmos/kernel/internal/capability"
	"llmos/kernel/internal/config"
	"llmos/kernel/internal/gateway"
	"llmos/kernel/internal/process"
	"llmos/kernel/internal/profile"
	"llmos/kernel/internal/provider"
	"llmos/kernel/internal/registry"
	"llmos/kernel/internal/resourcemonitor"
	"llmos/kernel/internal/sandbox/wasm"
	"llmos/kernel/internal/scheduler"
	"llmos/kernel/internal/storage"
)

// Kernel owns every subsystem for one running process.
type Kernel struct {
	Config    *config.Config
	Logger    *log.Logger
	Providers *provider.Registry
	Monitor   *resourcemonitor.Monitor
	Caps      *capability.Manager
	Storage   *storage.Store
	Registry  *registry.Registry
	Gateway   *gateway.Gateway
	WASM      *wasm.Sandbox
	Process   *process.Manager
	Scheduler *scheduler.Scheduler
	Profile   *profile.Manager
}

// New assembles every component from cfg, in dependency order (leaves
// first): storage, analyzer (stateless), capabilities, registry, gateway,
// sandboxes, scheduler, profile.
func New(cfg *config.Config, logger *log.Logger) (*Kernel, error) {
	k := &Kernel{Config: cfg, Logger: logger}

	store, err := storage.New(cfg.DataRoot + "/apps")
	if err != nil {
		return nil, err
	}
	k.Storage = store

	caps, err := capability.NewManager()
	if err != nil {
		return nil, err
	}
	k.Caps = caps

	reg, err := registry.New(cfg.DataRoot + "/registry.json")
	if err != nil {
		return nil, err
	}
	k.Registry = reg

	k.Providers = provider.BuildRegistry(cfg)
	k.Monitor = resourcemonitor.New(k.Providers)
	k.Gateway = gateway.New(cfg, k.Providers, k.Monitor, k.Registry)
	k.WASM = wasm.New(k.Storage, k.Caps)

	if cfg.DockerEnabled {
		procMgr, err := process.New(cfg.DockerPortStart, cfg.DockerPortEnd, cfg.DockerMaxContainers, "llmos-net")
		if err != nil {
			logger.Printf("docker unavailable, container sandbox disabled: %v", err)
		} else {
			k.Process = procMgr
		}
	}

	k.Scheduler = scheduler.New(cfg.SchedulerDailyBudget)
	k.registerTasks()

	prof, err := profile.New(cfg.DataRoot)
	if err != nil {
		return nil, err
	}
	k.Profile = prof

	return k, nil
}

// registerTasks wires the background self-improvement tasks the Scheduler
// runs, per spec.md §4.8.
func (k *Kernel) registerTasks() {
	_ = k.Scheduler.Register(scheduler.Definition{
		ID:              "community-sync",
		Name:            "Community registry sync",
		Description:     "pulls new community apps into the local registry",
		Category:        "maintenance",
		RequiresLLM:     false,
		DefaultInterval: 30 * time.Minute,
		Handler:         k.communitySyncTask,
	})
}

func (k *Kernel) communitySyncTask(tc *scheduler.TaskContext) scheduler.HandlerResult {
	// No remote community source is wired in this deployment; the hook
	// exists so an operator can register a fetcher without touching the
	// scheduler's guard logic.
	return scheduler.HandlerResult{Success: true, Stats: map[string]any{"synced": 0}}
}

// Start begins every background loop not already owned by a scheduler task:
// the resource monitor's own probe ticker, started once here per spec.md
// §5's "begin HTTP listener → start community sync and resource probe in the
// background" ordering (community sync instead runs as a scheduler task,
// registered in New).
func (k *Kernel) Start() {
	k.Monitor.Start()
}

// Shutdown stops probing, stops every scheduler timer, flushes storage,
// stops every managed container, and releases the sandbox, profile watcher
// and file locks. Scheduler state is not written to disk: the kernel
// installs no SetPersistFunc callback.
func (k *Kernel) Shutdown(ctx context.Context) {
	k.Monitor.Stop()
	k.Scheduler.Close()
	if err := k.Storage.FlushAll(); err != nil {
		k.Logger.Printf("flush storage: %v", err)
	}
	if err := k.Storage.Close(); err != nil {
		k.Logger.Printf("release storage lock: %v", err)
	}
	if k.Process != nil {
		k.Process.StopAll(ctx)
		if err := k.Process.Close(); err != nil {
			k.Logger.Printf("close docker client: %v", err)
		}
	}
	if err := k.WASM.Close(ctx); err != nil {
		k.Logger.Printf("close wasm sandbox: %v", err)
	}
	if err := k.Profile.Close(); err != nil {
		k.Logger.Printf("close profile watcher: %v", err)
	}
	if err := k.Registry.Close(); err != nil {
		k.Logger.Printf("release registry lock: %v", err)
	}
}
