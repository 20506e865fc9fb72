// Package scheduler runs registered background tasks on independent timers
// under hard safety guarantees: a single process-wide concurrency lock, a
// per-task circuit breaker, a daily LLM call budget, and an activity-defer
// window that backs off while a user is actively interacting with the
// Kernel. Grounded on agents/critic/internal/monitor.go's ticker-driven
// Monitor struct and agents/critic/internal/program_manager.go's
// pmBudget{Remaining int} counter, generalized from one per-tick budget into
// a persistent per-task daily budget.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"llmos/kernel/internal/kernelerr"
)

// MinInterval is the floor every task's effective interval is clamped to,
// regardless of what was configured, per spec.md §4.8.
const MinInterval = 60 * time.Second

// DefaultActivityDefer is how long after the last recorded user activity the
// scheduler waits before firing any task.
const DefaultActivityDefer = 5 * time.Minute

// circuitBreakerThreshold is the number of consecutive handler errors after
// which a task auto-disables itself.
const circuitBreakerThreshold = 3

// maxHistory bounds the number of past runs retained per task.
const maxHistory = 20

// TaskContext is passed to a task handler on each run.
type TaskContext struct {
	ctx    context.Context
	sched  *Scheduler
	taskID string
}

// Context returns the underlying context.Context for cancellation.
func (c *TaskContext) Context() context.Context { return c.ctx }

// TrackLLMCall increments today's LLM call counter for this task.
func (c *TaskContext) TrackLLMCall() {
	c.sched.mu.Lock()
	defer c.sched.mu.Unlock()
	if t, ok := c.sched.tasks[c.taskID]; ok {
		t.state.LLMCallsToday++
	}
}

// GetBudgetRemaining returns how many LLM calls remain in today's budget for
// this task.
func (c *TaskContext) GetBudgetRemaining() int {
	c.sched.mu.Lock()
	defer c.sched.mu.Unlock()
	t, ok := c.sched.tasks[c.taskID]
	if !ok {
		return 0
	}
	remaining := c.sched.dailyBudget - t.state.LLMCallsToday
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HandlerResult is what a task handler returns.
type HandlerResult struct {
	Success bool
	Stats   map[string]any
	Error   error
}

// HandlerFunc is a registered task's body.
type HandlerFunc func(*TaskContext) HandlerResult

// Definition describes a registered task.
type Definition struct {
	ID              string
	Name            string
	Description     string
	Category        string
	RequiresLLM     bool
	DefaultInterval time.Duration
	Handler         HandlerFunc
}

// HistoryEntry records the outcome of one run.
type HistoryEntry struct {
	RanAt   time.Time
	Success bool
	Error   string
}

// TaskState is a task's persisted runtime state, per spec.md §3.
type TaskState struct {
	Enabled           bool
	Interval          time.Duration
	LastRun           time.Time
	NextRun           time.Time
	RunCount          int
	SuccessCount      int
	ErrorCount        int
	ConsecutiveErrors int
	DisabledReason    string
	LLMCallsToday     int
	LLMCallsDate      string
	LastResult        map[string]any
	LastError         string
	History           []HistoryEntry
}

type task struct {
	def   Definition
	state TaskState
	timer *time.Timer
}

// TaskSummary is a read-only snapshot of one task, returned by GetAll.
type TaskSummary struct {
	Definition Definition
	State      TaskState
}

// Scheduler owns every registered task and enforces the tick guards.
type Scheduler struct {
	dailyBudget int

	mu           sync.Mutex
	tasks        map[string]*task
	paused       bool
	lastActivity time.Time
	runLock      sync.Mutex
	persist      func(map[string]TaskState) error
}

// New builds a Scheduler with the given daily LLM call budget per task.
func New(dailyBudget int) *Scheduler {
	return &Scheduler{
		dailyBudget:  dailyBudget,
		tasks:        make(map[string]*task),
		lastActivity: time.Now().UTC(),
	}
}

// SetPersistFunc installs a callback invoked after every state change with a
// snapshot of all task states, so the caller can write it to disk.
func (s *Scheduler) SetPersistFunc(fn func(map[string]TaskState) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist = fn
}

// Register adds a task definition, enabled by default, and arms its timer.
func (s *Scheduler) Register(def Definition) error {
	if def.ID == "" {
		return kernelerr.New(kernelerr.Validation, "task id must not be empty")
	}
	if def.Handler == nil {
		return kernelerr.New(kernelerr.Validation, "task handler must not be nil")
	}
	interval := def.DefaultInterval
	if interval < MinInterval {
		interval = MinInterval
	}

	s.mu.Lock()
	if _, exists := s.tasks[def.ID]; exists {
		s.mu.Unlock()
		return kernelerr.New(kernelerr.Conflict, fmt.Sprintf("task %q already registered", def.ID))
	}
	t := &task{
		def: def,
		state: TaskState{
			Enabled:      true,
			Interval:     interval,
			NextRun:      time.Now().UTC().Add(interval),
			LLMCallsDate: dateKey(time.Now().UTC()),
		},
	}
	s.tasks[def.ID] = t
	s.mu.Unlock()

	s.arm(def.ID)
	s.persistLocked()
	return nil
}

func (s *Scheduler) arm(id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	interval := t.state.Interval
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(interval, func() { s.fire(id) })
	s.mu.Unlock()
}

// fire runs the tick guards in order and, if all pass, runs the handler.
func (s *Scheduler) fire(id string) {
	defer s.arm(id)

	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !t.state.Enabled {
		s.mu.Unlock()
		return
	}
	if time.Since(s.lastActivity) < DefaultActivityDefer {
		s.mu.Unlock()
		return
	}
	if t.state.ConsecutiveErrors >= circuitBreakerThreshold {
		s.mu.Unlock()
		return
	}
	if t.def.RequiresLLM {
		today := dateKey(time.Now().UTC())
		if t.state.LLMCallsDate != today {
			t.state.LLMCallsDate = today
			t.state.LLMCallsToday = 0
		}
		if t.state.LLMCallsToday >= s.dailyBudget {
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()

	if !s.runLock.TryLock() {
		return
	}
	defer s.runLock.Unlock()

	s.runTask(id)
}

func (s *Scheduler) runTask(id string) {
	tc := &TaskContext{ctx: context.Background(), sched: s, taskID: id}

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	handler := t.def.Handler
	s.mu.Unlock()

	result := handler(tc)

	s.mu.Lock()
	t, ok = s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	t.state.LastRun = now
	t.state.NextRun = now.Add(t.state.Interval)
	t.state.RunCount++

	entry := HistoryEntry{RanAt: now, Success: result.Success}
	if result.Success {
		t.state.SuccessCount++
		t.state.ConsecutiveErrors = 0
		t.state.LastResult = result.Stats
		t.state.LastError = ""
	} else {
		t.state.ErrorCount++
		t.state.ConsecutiveErrors++
		if result.Error != nil {
			t.state.LastError = result.Error.Error()
			entry.Error = result.Error.Error()
		}
		if t.state.ConsecutiveErrors >= circuitBreakerThreshold {
			t.state.Enabled = false
			t.state.DisabledReason = "circuit-breaker"
		}
	}
	t.state.History = append(t.state.History, entry)
	if len(t.state.History) > maxHistory {
		t.state.History = t.state.History[len(t.state.History)-maxHistory:]
	}
	s.mu.Unlock()

	s.persistLocked()
}

// Enable turns a task on, optionally overriding its interval.
func (s *Scheduler) Enable(id string, interval time.Duration) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return kernelerr.New(kernelerr.NotFound, fmt.Sprintf("task %q not registered", id))
	}
	if interval > 0 {
		if interval < MinInterval {
			interval = MinInterval
		}
		t.state.Interval = interval
	}
	t.state.Enabled = true
	t.state.DisabledReason = ""
	s.mu.Unlock()
	s.arm(id)
	s.persistLocked()
	return nil
}

// Disable turns a task off. It will not fire until re-enabled.
func (s *Scheduler) Disable(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return kernelerr.New(kernelerr.NotFound, fmt.Sprintf("task %q not registered", id))
	}
	t.state.Enabled = false
	t.state.DisabledReason = "manual"
	s.mu.Unlock()
	s.persistLocked()
	return nil
}

// RunNow runs a task's handler immediately, bypassing the timer, but still
// honoring the concurrency lock and recording the result through the normal
// bookkeeping path. Tick guards besides the concurrency lock are not
// enforced, matching an explicit operator-triggered run.
func (s *Scheduler) RunNow(id string) (HandlerResult, error) {
	s.mu.Lock()
	_, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return HandlerResult{}, kernelerr.New(kernelerr.NotFound, fmt.Sprintf("task %q not registered", id))
	}

	if !s.runLock.TryLock() {
		return HandlerResult{}, kernelerr.New(kernelerr.Conflict, "another task is currently running")
	}
	defer s.runLock.Unlock()

	tc := &TaskContext{ctx: context.Background(), sched: s, taskID: id}
	s.mu.Lock()
	t := s.tasks[id]
	handler := t.def.Handler
	s.mu.Unlock()

	result := handler(tc)

	s.mu.Lock()
	now := time.Now().UTC()
	t.state.LastRun = now
	t.state.RunCount++
	entry := HistoryEntry{RanAt: now, Success: result.Success}
	if result.Success {
		t.state.SuccessCount++
		t.state.ConsecutiveErrors = 0
		t.state.LastResult = result.Stats
		t.state.LastError = ""
	} else {
		t.state.ErrorCount++
		t.state.ConsecutiveErrors++
		if result.Error != nil {
			t.state.LastError = result.Error.Error()
			entry.Error = result.Error.Error()
		}
		if t.state.ConsecutiveErrors >= circuitBreakerThreshold {
			t.state.Enabled = false
			t.state.DisabledReason = "circuit-breaker"
		}
	}
	t.state.History = append(t.state.History, entry)
	if len(t.state.History) > maxHistory {
		t.state.History = t.state.History[len(t.state.History)-maxHistory:]
	}
	s.mu.Unlock()

	s.persistLocked()
	return result, nil
}

// GetAll returns a snapshot of every registered task.
func (s *Scheduler) GetAll() []TaskSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskSummary, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskSummary{Definition: t.def, State: t.state})
	}
	return out
}

// History returns a task's bounded run history.
func (s *Scheduler) History(id string) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, kernelerr.New(kernelerr.NotFound, fmt.Sprintf("task %q not registered", id))
	}
	out := make([]HistoryEntry, len(t.state.History))
	copy(out, t.state.History)
	return out, nil
}

// Pause suspends every task's firing without disturbing their timers or
// state.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume lifts a Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// ResetCircuitBreaker clears a task's consecutive-error count and, if it was
// disabled by the breaker, re-enables it.
func (s *Scheduler) ResetCircuitBreaker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return kernelerr.New(kernelerr.NotFound, fmt.Sprintf("task %q not registered", id))
	}
	t.state.ConsecutiveErrors = 0
	if t.state.DisabledReason == "circuit-breaker" {
		t.state.Enabled = true
		t.state.DisabledReason = ""
	}
	return nil
}

// RecordActivity bumps the last-user-activity timestamp, deferring every
// task's next fire by at least DefaultActivityDefer.
func (s *Scheduler) RecordActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// CheckBudget reports a task's remaining LLM calls for today.
func (s *Scheduler) CheckBudget(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0, kernelerr.New(kernelerr.NotFound, fmt.Sprintf("task %q not registered", id))
	}
	remaining := s.dailyBudget - t.state.LLMCallsToday
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// AggregateStats rolls every task's counters into a single summary.
type AggregateStats struct {
	TotalTasks     int
	EnabledTasks   int
	TotalRuns      int
	TotalSuccesses int
	TotalErrors    int
	CircuitTripped int
}

// AggregateStats returns totals across every registered task.
func (s *Scheduler) AggregateStats() AggregateStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats AggregateStats
	stats.TotalTasks = len(s.tasks)
	for _, t := range s.tasks {
		if t.state.Enabled {
			stats.EnabledTasks++
		}
		stats.TotalRuns += t.state.RunCount
		stats.TotalSuccesses += t.state.SuccessCount
		stats.TotalErrors += t.state.ErrorCount
		if t.state.DisabledReason == "circuit-breaker" {
			stats.CircuitTripped++
		}
	}
	return stats
}

// Close stops every task's timer.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
}

// RestoreState overwrites a task's persisted state after registration, used
// at startup to resume from the last-saved TaskState.
func (s *Scheduler) RestoreState(id string, state TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return kernelerr.New(kernelerr.NotFound, fmt.Sprintf("task %q not registered", id))
	}
	if state.Interval < MinInterval {
		state.Interval = MinInterval
	}
	t.state = state
	return nil
}

func (s *Scheduler) persistLocked() {
	s.mu.Lock()
	fn := s.persist
	snapshot := make(map[string]TaskState, len(s.tasks))
	for id, t := range s.tasks {
		snapshot[id] = t.state
	}
	s.mu.Unlock()
	if fn == nil {
		return
	}
	_ = fn(snapshot)
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
