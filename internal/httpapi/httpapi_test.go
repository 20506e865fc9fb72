package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"llmos/kernel/internal/config"
	"llmos/kernel/internal/kernel"
)

func testServer(t *testing.T) (*Server, *kernel.Kernel) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Load()
	cfg.DataRoot = dir
	cfg.DockerEnabled = false
	cfg.SchedulerDailyBudget = 10
	logger := log.New(os.Stderr, "test ", 0)
	k, err := kernel.New(cfg, logger)
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	t.Cleanup(func() { k.Shutdown(context.Background()) })
	return New(k, logger), k
}

func TestGenerateRejectsEmptyPrompt(t *testing.T) {
	s, _ := testServer(t)
	body, _ := json.Marshal(map[string]string{"prompt": ""})
	req := httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
}

func TestGenerateRejectsWrongMethod(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/generate", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("got status %d, want 405", rec.Code)
	}
}

func TestAnalyzeReturns400WhenBlocked(t *testing.T) {
	s, _ := testServer(t)
	body, _ := json.Marshal(map[string]any{"code": "docker run --privileged myapp", "container": true})
	req := httptest.NewRequest(http.MethodPost, "/api/analyze", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400 for a blocked recipe", rec.Code)
	}
}

func TestStorageRoundTrip(t *testing.T) {
	s, _ := testServer(t)

	putBody := []byte(`{"hello":"world"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/storage/app1/greeting", bytes.NewReader(putBody))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: got status %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/storage/app1/greeting", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got status %d, want 200", rec.Code)
	}
	if rec.Body.String() != string(putBody) {
		t.Fatalf("get: got body %q, want %q", rec.Body.String(), putBody)
	}
}

func TestStorageGetMissingKeyReturns404(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/storage/app1/absent", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}

func TestStorageQuotaExceededReturns413(t *testing.T) {
	s, _ := testServer(t)
	big := bytes.Repeat([]byte("a"), 6*1024*1024)
	payload, _ := json.Marshal(string(big))
	req := httptest.NewRequest(http.MethodPut, "/api/storage/app1/big", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("got status %d, want 413", rec.Code)
	}
}

func TestRegistryUnknownHashReturns404(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/registry/deadbeefdeadbeef", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}

func TestRegistryPublishAndBrowse(t *testing.T) {
	s, _ := testServer(t)

	body, _ := json.Marshal(map[string]any{
		"prompt":  "a todo list app",
		"spec":    "<html>todo</html>",
		"appType": "sandboxed",
		"tags":    []string{"productivity"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/registry/publish", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("publish: got status %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/registry/browse", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("browse: got status %d, want 200", rec.Code)
	}
}

func TestStatusReturns200WithRegisteredTasks(t *testing.T) {
	s, k := testServer(t)

	// ServeHTTP calls Scheduler.RecordActivity before dispatch, but the
	// recorded timestamp is not visible from this package; this checks that
	// a /api/status hit succeeds and that the kernel registered its
	// scheduler tasks.
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if len(k.Scheduler.GetAll()) == 0 {
		t.Fatalf("expected at least one registered scheduler task")
	}
}

func TestSchedulerUnknownTaskReturns404(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/scheduler/run?id=nonexistent", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}

func TestProfileCurrentReturnsDefaults(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/profile/current", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}

func TestProcessDisabledReturns500(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/process/list", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want 500 when docker is disabled", rec.Code)
	}
}

func TestUnknownSchedulerPathReturns404(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/scheduler/nope", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}
