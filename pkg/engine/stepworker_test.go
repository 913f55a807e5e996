package engine

import (
	"context"
	"testing"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/kv"
	"github.com/rs/zerolog"
)

// startedRun orchestrates a run and returns its id.
func startedRun(t *testing.T, h *testHarness) string {
	t.Helper()
	res, err := NewOrchestrator(h.deps, DefaultOptions()).Run(context.Background(), runRequest("trk-step"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return res.RunID
}

func newTestStepWorker(h *testHarness) *StepWorker {
	opts := DefaultOptions()
	opts.EvaluatorAttempts = 3
	w := NewStepWorker(h.deps, opts)
	w.backoff = noBackoff
	return w
}

func TestStepWorker_EvaluatesAndEmits(t *testing.T) {
	h := newTestHarness()
	runID := startedRun(t, h)
	w := newTestStepWorker(h)

	outcome, err := w.Execute(context.Background(), StepRequested{RunID: runID, Position: 1})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if outcome != StepOutcomeEvaluated {
		t.Errorf("outcome = %s, want %s", outcome, StepOutcomeEvaluated)
	}

	results, _ := h.store.ListStepResults(context.Background(), runID)
	if len(results) != 1 || results[0].Conformity != ConformityConforming || results[0].Score != 40 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].StepName != "Greeting" || !results[0].Critical {
		t.Errorf("result does not carry step definition: %+v", results[0])
	}

	completed := h.publisher.ofType(EventStepCompleted)
	if len(completed) != 1 {
		t.Fatalf("step.completed events = %d, want 1", len(completed))
	}
	var sc StepCompleted
	if err := completed[0].DataAs(&sc); err != nil {
		t.Fatal(err)
	}
	if !sc.OK || sc.RunID != runID || sc.Position != 1 {
		t.Errorf("payload = %+v", sc)
	}
}

func TestStepWorker_DuplicateDeliveryDoesNotReevaluate(t *testing.T) {
	h := newTestHarness()
	runID := startedRun(t, h)
	w := newTestStepWorker(h)
	task := StepRequested{RunID: runID, Position: 2}

	if _, err := w.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	outcome, err := w.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}

	if outcome != StepOutcomeDuplicate {
		t.Errorf("outcome = %s, want %s", outcome, StepOutcomeDuplicate)
	}
	if h.evaluator.count() != 1 {
		t.Errorf("Evaluator calls = %d, want 1", h.evaluator.count())
	}
	if got := len(h.publisher.ofType(EventStepCompleted)); got != 2 {
		t.Errorf("step.completed events = %d, want 2", got)
	}
}

func TestStepWorker_ReusesCheckpoint(t *testing.T) {
	h := newTestHarness()
	runID := startedRun(t, h)
	w := newTestStepWorker(h)

	if _, err := w.Execute(context.Background(), StepRequested{RunID: runID, Position: 1}); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash after the evaluation but before the result was kept.
	h.store.mu.Lock()
	delete(h.store.results[runID], 1)
	h.store.mu.Unlock()

	if _, err := w.Execute(context.Background(), StepRequested{RunID: runID, Position: 1}); err != nil {
		t.Fatal(err)
	}
	if h.evaluator.count() != 1 {
		t.Errorf("Evaluator calls = %d, want 1", h.evaluator.count())
	}
}

func TestStepWorker_RetriesTransientEvaluatorErrors(t *testing.T) {
	h := newTestHarness()
	runID := startedRun(t, h)
	calls := 0
	h.evaluator.analyze = func(req EvaluationRequest) (*Analysis, error) {
		calls++
		if calls < 3 {
			return nil, NewTransientError("llm overloaded", nil)
		}
		return &Analysis{Conformity: ConformityPartial, Score: 10}, nil
	}
	w := newTestStepWorker(h)

	outcome, err := w.Execute(context.Background(), StepRequested{RunID: runID, Position: 1})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if outcome != StepOutcomeEvaluated || calls != 3 {
		t.Errorf("outcome = %s after %d calls, want evaluated after 3", outcome, calls)
	}
}

func TestStepWorker_FallbackOnExhaustedAttempts(t *testing.T) {
	h := newTestHarness()
	runID := startedRun(t, h)
	h.evaluator.analyze = func(req EvaluationRequest) (*Analysis, error) {
		return nil, NewTransientError("llm unavailable", nil)
	}
	w := newTestStepWorker(h)

	outcome, err := w.Execute(context.Background(), StepRequested{RunID: runID, Position: 2})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if outcome != StepOutcomeFallback {
		t.Errorf("outcome = %s, want %s", outcome, StepOutcomeFallback)
	}
	if h.evaluator.count() != 3 {
		t.Errorf("Evaluator calls = %d, want 3", h.evaluator.count())
	}

	results, _ := h.store.ListStepResults(context.Background(), runID)
	if len(results) != 1 || !results[0].Fallback || results[0].Conformity != ConformityNonConforming {
		t.Fatalf("results = %+v, want fallback", results)
	}

	var sc StepCompleted
	if err := h.publisher.ofType(EventStepCompleted)[0].DataAs(&sc); err != nil {
		t.Fatal(err)
	}
	if sc.OK || sc.Error == "" {
		t.Errorf("payload = %+v, want ok=false with error", sc)
	}
}

func TestStepWorker_InvalidOutputFallsBackWithoutRetry(t *testing.T) {
	h := newTestHarness()
	runID := startedRun(t, h)
	h.evaluator.analyze = func(req EvaluationRequest) (*Analysis, error) {
		return &Analysis{Conformity: "maybe", Score: 3}, nil
	}
	w := newTestStepWorker(h)

	outcome, err := w.Execute(context.Background(), StepRequested{RunID: runID, Position: 1})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if outcome != StepOutcomeFallback {
		t.Errorf("outcome = %s, want %s", outcome, StepOutcomeFallback)
	}
	if h.evaluator.count() != 1 {
		t.Errorf("Evaluator calls = %d, want 1", h.evaluator.count())
	}
}

func TestStepWorker_RebuildsContextOnCacheMiss(t *testing.T) {
	h := newTestHarness()
	runID := startedRun(t, h)

	cache := NewContextCache(kv.NewMemoryStore(), time.Hour, nil, zerolog.Nop())
	h.deps.Cache = cache
	var seen EvaluationRequest
	h.evaluator.analyze = func(req EvaluationRequest) (*Analysis, error) {
		seen = req
		return &Analysis{Conformity: ConformityConforming, Score: 60}, nil
	}
	w := newTestStepWorker(h)

	if _, err := w.Execute(context.Background(), StepRequested{RunID: runID, Position: 2}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if seen.Context == "" || seen.FicheID != "fiche-1" {
		t.Errorf("evaluation request = %+v, want rebuilt context", seen)
	}
	if _, ok := cache.Get(context.Background(), runID); !ok {
		t.Error("rebuilt context was not re-cached")
	}
}

func TestStepWorker_UnknownPosition(t *testing.T) {
	h := newTestHarness()
	runID := startedRun(t, h)
	w := newTestStepWorker(h)

	_, err := w.Execute(context.Background(), StepRequested{RunID: runID, Position: 9})
	if !IsPermanent(err) {
		t.Errorf("Execute() error = %v, want permanent", err)
	}
}

func TestStepWorker_UsesRunToken(t *testing.T) {
	h := newTestHarness()
	runID := startedRun(t, h)
	limiter := kv.NewMemoryLimiter()
	h.deps.Limiter = limiter
	opts := DefaultOptions()
	opts.PerRunStepConcurrency = 1
	w := NewStepWorker(h.deps, opts)

	release, err := limiter.Acquire(context.Background(), "run-steps:"+runID, 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := w.Execute(ctx, StepRequested{RunID: runID, Position: 1}); err == nil {
		t.Fatal("Execute() succeeded while the run token was held")
	}
	release()

	if _, err := w.Execute(context.Background(), StepRequested{RunID: runID, Position: 1}); err != nil {
		t.Fatalf("Execute() after release error = %v", err)
	}
}
