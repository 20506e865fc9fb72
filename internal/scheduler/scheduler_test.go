package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestRegisterClampsMinimumInterval(t *testing.T) {
	s := New(10)
	err := s.Register(Definition{
		ID:              "t1",
		DefaultInterval: 1 * time.Second,
		Handler:         func(*TaskContext) HandlerResult { return HandlerResult{Success: true} },
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	tasks := s.GetAll()
	if tasks[0].State.Interval != MinInterval {
		t.Fatalf("got interval %v, want %v", tasks[0].State.Interval, MinInterval)
	}
	s.Close()
}

func TestRegisterDuplicateIDFails(t *testing.T) {
	s := New(10)
	def := Definition{ID: "dup", Handler: func(*TaskContext) HandlerResult { return HandlerResult{Success: true} }}
	if err := s.Register(def); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := s.Register(def); err == nil {
		t.Fatalf("expected error registering duplicate id")
	}
	s.Close()
}

func TestRunNowRecordsSuccessAndResetsConsecutiveErrors(t *testing.T) {
	s := New(10)
	_ = s.Register(Definition{
		ID:      "t1",
		Handler: func(*TaskContext) HandlerResult { return HandlerResult{Success: true, Stats: map[string]any{"n": 1}} },
	})
	result, err := s.RunNow("t1")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success")
	}
	tasks := s.GetAll()
	if tasks[0].State.RunCount != 1 || tasks[0].State.SuccessCount != 1 {
		t.Fatalf("got state %+v", tasks[0].State)
	}
	s.Close()
}

func TestCircuitBreakerAutoDisablesAtThreshold(t *testing.T) {
	s := New(10)
	_ = s.Register(Definition{
		ID:      "flaky",
		Handler: func(*TaskContext) HandlerResult { return HandlerResult{Success: false, Error: errors.New("boom")} },
	})
	for i := 0; i < circuitBreakerThreshold; i++ {
		if _, err := s.RunNow("flaky"); err != nil {
			t.Fatalf("RunNow iteration %d: %v", i, err)
		}
	}
	tasks := s.GetAll()
	if tasks[0].State.Enabled {
		t.Fatalf("expected task to be disabled after %d consecutive errors", circuitBreakerThreshold)
	}
	if tasks[0].State.DisabledReason != "circuit-breaker" {
		t.Fatalf("got disabled reason %q, want circuit-breaker", tasks[0].State.DisabledReason)
	}
	s.Close()
}

func TestResetCircuitBreakerReEnables(t *testing.T) {
	s := New(10)
	_ = s.Register(Definition{
		ID:      "flaky",
		Handler: func(*TaskContext) HandlerResult { return HandlerResult{Success: false, Error: errors.New("boom")} },
	})
	for i := 0; i < circuitBreakerThreshold; i++ {
		_, _ = s.RunNow("flaky")
	}
	if err := s.ResetCircuitBreaker("flaky"); err != nil {
		t.Fatalf("ResetCircuitBreaker: %v", err)
	}
	tasks := s.GetAll()
	if !tasks[0].State.Enabled {
		t.Fatalf("expected task re-enabled after reset")
	}
	s.Close()
}

func TestHistoryBoundedToMax(t *testing.T) {
	s := New(10)
	_ = s.Register(Definition{
		ID:      "t1",
		Handler: func(*TaskContext) HandlerResult { return HandlerResult{Success: true} },
	})
	for i := 0; i < maxHistory+5; i++ {
		_, _ = s.RunNow("t1")
		// clear consecutive errors isn't needed since handler always succeeds
	}
	hist, err := s.History("t1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != maxHistory {
		t.Fatalf("got history len %d, want %d", len(hist), maxHistory)
	}
	s.Close()
}

func TestBudgetTracksLLMCalls(t *testing.T) {
	s := New(2)
	_ = s.Register(Definition{
		ID:          "llm-task",
		RequiresLLM: true,
		Handler: func(tc *TaskContext) HandlerResult {
			tc.TrackLLMCall()
			return HandlerResult{Success: true, Stats: map[string]any{"remaining": tc.GetBudgetRemaining()}}
		},
	})
	_, _ = s.RunNow("llm-task")
	remaining, err := s.CheckBudget("llm-task")
	if err != nil {
		t.Fatalf("CheckBudget: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("got remaining %d, want 1", remaining)
	}
	s.Close()
}

func TestPauseBlocksTimerFire(t *testing.T) {
	s := New(10)
	ran := false
	_ = s.Register(Definition{
		ID:              "t1",
		DefaultInterval: MinInterval,
		Handler: func(*TaskContext) HandlerResult {
			ran = true
			return HandlerResult{Success: true}
		},
	})
	s.Pause()
	s.fire("t1")
	if ran {
		t.Fatalf("expected paused scheduler not to run task")
	}
	s.Close()
}

func TestActivityDeferBlocksFire(t *testing.T) {
	s := New(10)
	ran := false
	_ = s.Register(Definition{
		ID:              "t1",
		DefaultInterval: MinInterval,
		Handler: func(*TaskContext) HandlerResult {
			ran = true
			return HandlerResult{Success: true}
		},
	})
	s.RecordActivity()
	s.fire("t1")
	if ran {
		t.Fatalf("expected recent activity to defer task fire")
	}
	s.Close()
}

func TestRunNowRejectsWhenConcurrencyLockHeld(t *testing.T) {
	s := New(10)
	_ = s.Register(Definition{
		ID:      "t1",
		Handler: func(*TaskContext) HandlerResult { return HandlerResult{Success: true} },
	})
	s.runLock.Lock()
	defer s.runLock.Unlock()
	if _, err := s.RunNow("t1"); err == nil {
		t.Fatalf("expected error when concurrency lock is held")
	}
	s.Close()
}
