// Package httpapi is the thin JSON-over-HTTP collaborator described in
// spec.md §6: it does not contain business logic of its own, only request
// decoding, dispatch into the Kernel's components, and response encoding.
// The mux shape (http.NewServeMux, one HandleFunc per path, a closure that
// writes a status code and a body) is grounded on
// agents/coder/cmd/agent/main.go, generalized from its single /healthz
// route to the full dispatch table spec.md §6 names, with manual path
// parsing (strings.TrimPrefix/SplitN) standing in for the path parameters
// (appId, key, hash, task id) that route shape never needed.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"llmos/kernel/internal/analyzer"
	"llmos/kernel/internal/capability"
	"llmos/kernel/internal/gateway"
	"llmos/kernel/internal/kernel"
	"llmos/kernel/internal/kernelerr"
	"llmos/kernel/internal/process"
	"llmos/kernel/internal/profile"
	"llmos/kernel/internal/registry"
)

// Server wires the Kernel's components to the HTTP API surface.
type Server struct {
	k      *kernel.Kernel
	logger *log.Logger
	mux    *http.ServeMux
}

// New builds a Server backed by k.
func New(k *kernel.Kernel, logger *log.Logger) *Server {
	s := &Server{k: k, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler. Every hit records Kernel activity
// before dispatch, per spec.md §6.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.k.Scheduler.RecordActivity()
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/generate", s.handleGenerate)
	s.mux.HandleFunc("/api/analyze", s.handleAnalyze)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/storage/", s.handleStorage)
	s.mux.HandleFunc("/api/process/", s.handleProcess)
	s.mux.HandleFunc("/api/registry/", s.handleRegistry)
	s.mux.HandleFunc("/api/scheduler/", s.handleScheduler)
	s.mux.HandleFunc("/api/profile/", s.handleProfile)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch kernelerr.KindOf(err) {
	case kernelerr.Validation, kernelerr.AnalysisBlocked:
		status = http.StatusBadRequest
	case kernelerr.NotFound:
		status = http.StatusNotFound
	case kernelerr.QuotaExceeded:
		status = http.StatusRequestEntityTooLarge
	case kernelerr.CapabilityDenied:
		status = http.StatusForbidden
	case kernelerr.Conflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// --- /api/generate ---

type generateRequest struct {
	Prompt  string `json:"prompt"`
	Force   bool   `json:"force"`
	Process bool   `json:"process"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kernelerr.Wrap(kernelerr.Validation, "decode request body", err))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, kernelerr.New(kernelerr.Validation, "prompt must not be empty"))
		return
	}

	ctx := r.Context()
	if s.k.Config.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.k.Config.GenerateTimeout)
		defer cancel()
	}

	if req.Process {
		result, err := s.k.Gateway.GenerateProcess(ctx, req.Prompt)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	result, clarification, err := s.k.Gateway.Generate(ctx, req.Prompt, gateway.Options{Force: req.Force})
	if err != nil {
		writeError(w, err)
		return
	}
	if clarification != nil {
		writeJSON(w, http.StatusOK, clarification)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- /api/analyze ---

type analyzeRequest struct {
	Code      string `json:"code"`
	Container bool   `json:"container"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kernelerr.Wrap(kernelerr.Validation, "decode request body", err))
		return
	}
	var result analyzer.Result
	if req.Container {
		result = analyzer.AnalyzeContainerRecipe(req.Code)
	} else {
		result = analyzer.Analyze(req.Code)
	}
	status := http.StatusOK
	if !result.Passed {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, result)
}

// --- /api/status ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.k.Providers.Names(),
		"profile":   s.k.Profile.Current().Mode,
		"scheduler": s.k.Scheduler.AggregateStats(),
	})
}

// --- /api/storage/{appId}/{key} ---

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/storage/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, kernelerr.New(kernelerr.Validation, "app id required"))
		return
	}
	appID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			keys, err := s.k.Storage.Keys(appID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
		case http.MethodDelete:
			if err := s.k.Storage.Clear(appID); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	key := parts[1]
	switch r.Method {
	case http.MethodGet:
		value, ok, err := s.k.Storage.Get(appID, key)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeError(w, kernelerr.New(kernelerr.NotFound, "key not found"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(value)
	case http.MethodPut, http.MethodPost:
		body, err := decodeRawBody(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.k.Storage.Set(appID, key, body); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case http.MethodDelete:
		if err := s.k.Storage.Remove(appID, key); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func decodeRawBody(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, kernelerr.Wrap(kernelerr.Validation, "decode request body", err)
	}
	return raw, nil
}

// --- /api/process/{build|launch|stop|status|logs|list} ---

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if s.k.Process == nil {
		writeError(w, kernelerr.New(kernelerr.ProviderUnavailable, "container process manager is disabled"))
		return
	}
	action := strings.TrimPrefix(r.URL.Path, "/api/process/")

	switch action {
	case "build":
		var req struct {
			AppID  string            `json:"appId"`
			Recipe string            `json:"recipe"`
			Files  map[string]string `json:"files"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, kernelerr.Wrap(kernelerr.Validation, "decode request body", err))
			return
		}
		files := make(map[string][]byte, len(req.Files))
		for name, content := range req.Files {
			files[name] = []byte(content)
		}
		image, err := s.k.Process.BuildImage(r.Context(), req.AppID, req.Recipe, files)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"image": image})

	case "launch":
		var req struct {
			AppID        string   `json:"appId"`
			Image        string   `json:"image"`
			Capabilities []string `json:"capabilities"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, kernelerr.Wrap(kernelerr.Validation, "decode request body", err))
			return
		}
		if req.AppID == "" {
			req.AppID = uuid.NewString()
		}
		caps := capsFromStrings(req.Capabilities)
		info, err := s.k.Process.Launch(r.Context(), req.AppID, req.Image, process.Config{
			ContainerPort: 8080,
			DataRoot:      s.k.Config.DataRoot + "/apps/" + req.AppID,
			Caps:          caps,
			AnthropicKey:  s.k.Config.AnthropicAPIKey,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)

	case "stop":
		appID := r.URL.Query().Get("appId")
		if err := s.k.Process.Stop(r.Context(), appID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case "status":
		appID := r.URL.Query().Get("appId")
		running, err := s.k.Process.HealthCheck(r.Context(), appID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"running": running})

	case "logs":
		appID := r.URL.Query().Get("appId")
		tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))
		logs, err := s.k.Process.GetLogs(r.Context(), appID, tail)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"logs": logs})

	case "list":
		writeJSON(w, http.StatusOK, s.k.Process.List())

	default:
		http.NotFound(w, r)
	}
}

func capsFromStrings(raw []string) map[capability.Cap]bool {
	out := make(map[capability.Cap]bool, len(raw))
	for _, c := range raw {
		out[capability.Cap(c)] = true
	}
	return out
}

// --- /api/registry/{browse|search|publish|tags|stats|sync|launch/{hash}|{hash}} ---

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/registry/")

	switch {
	case rest == "browse":
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, s.k.Registry.Browse(limit))

	case rest == "search":
		writeJSON(w, http.StatusOK, s.k.Registry.Search(r.URL.Query().Get("q")))

	case rest == "publish":
		var req struct {
			Prompt  string   `json:"prompt"`
			Spec    string   `json:"spec"`
			AppType string   `json:"appType"`
			Tags    []string `json:"tags"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, kernelerr.Wrap(kernelerr.Validation, "decode request body", err))
			return
		}
		app, err := s.k.Registry.Publish(req.Prompt, req.Spec, req.AppType, req.Tags)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, app)

	case rest == "tags":
		writeJSON(w, http.StatusOK, s.k.Registry.Tags())

	case rest == "stats":
		writeJSON(w, http.StatusOK, s.k.Registry.Stats())

	case rest == "sync":
		var apps []*registry.App
		if err := json.NewDecoder(r.Body).Decode(&apps); err != nil {
			writeError(w, kernelerr.Wrap(kernelerr.Validation, "decode request body", err))
			return
		}
		n, err := s.k.Registry.SyncCommunity(apps)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"synced": n})

	case strings.HasPrefix(rest, "launch/"):
		hash := strings.TrimPrefix(rest, "launch/")
		if err := s.k.Registry.RecordLaunch(hash); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case rest != "":
		app, err := s.k.Registry.Get(rest)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, app)

	default:
		http.NotFound(w, r)
	}
}

// --- /api/scheduler/{tasks|enable|disable|run|history|pause|resume|reset} ---

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/scheduler/")

	switch {
	case rest == "tasks":
		writeJSON(w, http.StatusOK, s.k.Scheduler.GetAll())

	case rest == "pause":
		s.k.Scheduler.Pause()
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case rest == "resume":
		s.k.Scheduler.Resume()
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case rest == "enable":
		id := r.URL.Query().Get("id")
		if err := s.k.Scheduler.Enable(id, 0); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case rest == "disable":
		id := r.URL.Query().Get("id")
		if err := s.k.Scheduler.Disable(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case rest == "run":
		id := r.URL.Query().Get("id")
		result, err := s.k.Scheduler.RunNow(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case rest == "history":
		id := r.URL.Query().Get("id")
		history, err := s.k.Scheduler.History(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, history)

	case rest == "reset":
		id := r.URL.Query().Get("id")
		if err := s.k.Scheduler.ResetCircuitBreaker(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		http.NotFound(w, r)
	}
}

// --- /api/profile/{…,solidify,ephemeral,snapshot} ---

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/profile/")

	switch {
	case rest == "" || rest == "current":
		writeJSON(w, http.StatusOK, s.k.Profile.Current())

	case rest == "solidify":
		var req struct {
			Apps  []profile.SnapshotApp `json:"apps"`
			Shell json.RawMessage       `json:"shell"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, kernelerr.Wrap(kernelerr.Validation, "decode request body", err))
			return
		}
		if err := s.k.Profile.Solidify(req.Apps, req.Shell); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case rest == "ephemeral":
		clear := r.URL.Query().Get("clear") == "true"
		if err := s.k.Profile.GoEphemeral(clear); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case strings.HasPrefix(rest, "snapshot/"):
		appID := strings.TrimPrefix(rest, "snapshot/")
		app, err := s.k.Profile.LoadSnapshotApp(appID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, app)

	default:
		http.NotFound(w, r)
	}
}
