package kernel

import (
	"context"
	"log"
	"os"
	"testing"

	"llmos/kernel/internal/config"
)

func testConfig(dataRoot string) *config.Config {
	cfg := config.Load()
	cfg.DataRoot = dataRoot
	cfg.DockerEnabled = false
	cfg.SchedulerDailyBudget = 10
	return cfg
}

func TestNewAssemblesEveryComponent(t *testing.T) {
	dir := t.TempDir()
	logger := log.New(os.Stderr, "test ", 0)
	k, err := New(testConfig(dir), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if k.Storage == nil || k.Caps == nil || k.Registry == nil || k.Gateway == nil || k.WASM == nil || k.Scheduler == nil || k.Profile == nil {
		t.Fatalf("expected every component to be assembled, got %+v", k)
	}
	if k.Process != nil {
		t.Fatalf("expected process manager to be nil when docker is disabled")
	}
	k.Shutdown(context.Background())
}

func TestRegisterTasksInstallsSchedulerEntries(t *testing.T) {
	dir := t.TempDir()
	logger := log.New(os.Stderr, "test ", 0)
	k, err := New(testConfig(dir), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tasks := k.Scheduler.GetAll()
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
	k.Shutdown(context.Background())
}
