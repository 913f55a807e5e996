package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/kv"
	"github.com/rs/zerolog"
)

func runRequest(tracking string) RunRequested {
	return RunRequested{FicheID: "fiche-1", ConfigID: "cfg-1", TrackingID: tracking, Trigger: Trigger{Source: "api"}}
}

func TestOrchestrator_DispatchesOneTaskPerStep(t *testing.T) {
	h := newTestHarness()
	h.deps.Cache = NewContextCache(kv.NewMemoryStore(), time.Hour, nil, zerolog.Nop())
	o := NewOrchestrator(h.deps, DefaultOptions())

	res, err := o.Run(context.Background(), runRequest("trk-1"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != OrchestrationPending || res.StepsDispatched != 2 {
		t.Fatalf("result = %+v, want PENDING with 2 steps", res)
	}

	tasks := h.publisher.ofType(EventStepRequested)
	if len(tasks) != 2 {
		t.Fatalf("step.requested events = %d, want 2", len(tasks))
	}
	for i, e := range tasks {
		if want := StepTaskKey(res.RunID, i+1); e.ID() != want {
			t.Errorf("event id = %s, want %s", e.ID(), want)
		}
	}

	run := h.store.run(res.RunID)
	if run.Status != RunStatusRunning || run.StepsTotal != 2 || run.Config == nil {
		t.Errorf("run = %+v, want running with config snapshot", run)
	}

	rc, ok := h.deps.Cache.Get(context.Background(), res.RunID)
	if !ok || rc.Timeline.Empty() {
		t.Fatal("run context was not cached")
	}
	if text, ok := h.deps.Cache.Excerpt(context.Background(), res.RunID, 2); !ok || text == "" {
		t.Error("step excerpt was not cached")
	}
}

func TestOrchestrator_TriggersPendingTranscription(t *testing.T) {
	h := newTestHarness()
	h.transcripts.pending = true
	o := NewOrchestrator(h.deps, DefaultOptions())

	if _, err := o.Run(context.Background(), runRequest("trk-1")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.transcripts.transcribed != 1 {
		t.Errorf("Transcribe calls = %d, want 1", h.transcripts.transcribed)
	}
	if h.transcripts.statusCalls != 2 {
		t.Errorf("Status calls = %d, want 2", h.transcripts.statusCalls)
	}
}

func TestOrchestrator_FicheNotFoundMarksFailed(t *testing.T) {
	h := newTestHarness()
	h.fiches.missing["fiche-1"] = true
	o := NewOrchestrator(h.deps, DefaultOptions())

	res, err := o.Run(context.Background(), runRequest("trk-404"))
	if err != nil {
		t.Fatalf("Run() error = %v, want mark-and-exit", err)
	}
	if res.Status != OrchestrationFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}

	run, err := h.store.GetRunByTrackingID(context.Background(), "trk-404")
	if err != nil {
		t.Fatalf("failed run not persisted: %v", err)
	}
	if run.Status != RunStatusFailed || run.Error == "" {
		t.Errorf("run = %s/%q, want failed with reason", run.Status, run.Error)
	}

	failed := h.publisher.ofType(EventRunFailed)
	if len(failed) != 1 || failed[0].ID() != RunFailedKey("trk-404") {
		t.Fatalf("run.failed events = %v", failed)
	}
	if len(h.publisher.ofType(EventStepRequested)) != 0 {
		t.Error("steps dispatched for a missing fiche")
	}
	if sent := h.notifier.sent(); len(sent) != 1 || sent[0] != NotifyAuditFailed {
		t.Errorf("notifications = %v, want [%s]", sent, NotifyAuditFailed)
	}
}

func TestOrchestrator_EmptyTimelineFailsWithoutFanOut(t *testing.T) {
	h := newTestHarness()
	h.transcripts.recordings = nil
	o := NewOrchestrator(h.deps, DefaultOptions())

	res, err := o.Run(context.Background(), runRequest("trk-empty"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != OrchestrationFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if run := h.store.run(res.RunID); run.Status != RunStatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	if len(h.publisher.ofType(EventStepRequested)) != 0 {
		t.Error("steps dispatched without evidence")
	}
	if len(h.publisher.ofType(EventRunFailed)) != 1 {
		t.Error("run.failed not emitted")
	}
}

func TestOrchestrator_UnknownConfigFails(t *testing.T) {
	h := newTestHarness()
	o := NewOrchestrator(h.deps, DefaultOptions())

	req := runRequest("trk-cfg")
	req.ConfigID = "missing"
	res, err := o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != OrchestrationFailed {
		t.Errorf("status = %s, want FAILED", res.Status)
	}
}

func TestOrchestrator_DuplicateRequestForFinishedRun(t *testing.T) {
	h := newTestHarness()
	o := NewOrchestrator(h.deps, DefaultOptions())

	first, err := o.Run(context.Background(), runRequest("trk-dup"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := h.store.FailRun(context.Background(), first.RunID, "done", time.Now()); err != nil {
		t.Fatal(err)
	}

	second, err := o.Run(context.Background(), runRequest("trk-dup"))
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if second.Status != OrchestrationDuplicate || second.RunID != first.RunID {
		t.Errorf("second = %+v, want DUPLICATE of %s", second, first.RunID)
	}
	if got := len(h.publisher.ofType(EventStepRequested)); got != 2 {
		t.Errorf("step.requested events = %d, want 2", got)
	}
}

func TestOrchestrator_TransientErrorIsReturned(t *testing.T) {
	h := newTestHarness()
	h.fiches.err = NewTransientError("crm unavailable", nil)
	o := NewOrchestrator(h.deps, DefaultOptions())

	_, err := o.Run(context.Background(), runRequest("trk-retry"))
	if err == nil || !IsRetryable(err) {
		t.Fatalf("Run() error = %v, want retryable", err)
	}
	if _, err := h.store.GetRunByTrackingID(context.Background(), "trk-retry"); !errors.Is(err, ErrRunNotFound) {
		t.Error("no run should be persisted before the retry")
	}
}

func TestOrchestrator_OnFailureFallsBackToRunningRun(t *testing.T) {
	h := newTestHarness()
	o := NewOrchestrator(h.deps, DefaultOptions())

	res, err := o.Run(context.Background(), runRequest("trk-a"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// The failing request carries a tracking id the store never saw.
	if err := o.OnFailure(context.Background(), runRequest("trk-b"), errors.New("boom")); err != nil {
		t.Fatalf("OnFailure() error = %v", err)
	}
	if run := h.store.run(res.RunID); run.Status != RunStatusFailed || run.Error != "boom" {
		t.Errorf("run = %s/%q, want failed/boom", run.Status, run.Error)
	}

	// A second failure for the same run emits nothing new.
	if err := o.OnFailure(context.Background(), runRequest("trk-a"), errors.New("boom")); err != nil {
		t.Fatalf("OnFailure() error = %v", err)
	}
	if got := len(h.publisher.ofType(EventRunFailed)); got != 1 {
		t.Errorf("run.failed events = %d, want 1", got)
	}
}

func TestOrchestrator_OnFailureAlreadyRunningKeepsOtherRun(t *testing.T) {
	h := newTestHarness()
	o := NewOrchestrator(h.deps, DefaultOptions())

	first, err := o.Run(context.Background(), runRequest("trk-a"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	_, err = o.Run(context.Background(), runRequest("trk-b"))
	if !IsPermanent(err) {
		t.Fatalf("second Run() error = %v, want permanent conflict", err)
	}
	if err := o.OnFailure(context.Background(), runRequest("trk-b"), err); err != nil {
		t.Fatalf("OnFailure() error = %v", err)
	}

	if run := h.store.run(first.RunID); run.Status != RunStatusRunning {
		t.Errorf("first run status = %s, want running", run.Status)
	}
	failed, err := h.store.GetRunByTrackingID(context.Background(), "trk-b")
	if err != nil || failed.Status != RunStatusFailed {
		t.Fatalf("second request run = %+v, %v; want failed row", failed, err)
	}
	if failed.IsLatest || failed.Version != 0 {
		t.Errorf("rejected row = v%d latest=%v, want v0 not latest", failed.Version, failed.IsLatest)
	}
	if run := h.store.run(first.RunID); !run.IsLatest || run.Version != 1 {
		t.Errorf("first run = v%d latest=%v, want v1 latest", run.Version, run.IsLatest)
	}
}

func TestOrchestrator_ReapStaleRuns(t *testing.T) {
	h := newTestHarness()
	opts := DefaultOptions()
	opts.RunTimeout = time.Minute
	o := NewOrchestrator(h.deps, opts)

	res, err := o.Run(context.Background(), runRequest("trk-stale"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	o.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	reaped, err := o.ReapStaleRuns(context.Background())
	if err != nil {
		t.Fatalf("ReapStaleRuns() error = %v", err)
	}
	if reaped != 1 {
		t.Errorf("reaped = %d, want 1", reaped)
	}
	if run := h.store.run(res.RunID); run.Status != RunStatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}

	again, _ := o.ReapStaleRuns(context.Background())
	if again != 0 {
		t.Errorf("second reap = %d, want 0", again)
	}
}

func TestOrchestrator_RejectsInvalidRequest(t *testing.T) {
	h := newTestHarness()
	o := NewOrchestrator(h.deps, DefaultOptions())

	_, err := o.Run(context.Background(), RunRequested{FicheID: "fiche-1"})
	if !IsPermanent(err) {
		t.Errorf("Run() error = %v, want permanent validation error", err)
	}
}
