package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/rs/zerolog"
)

// Mock run store for testing
type mockRunStore struct {
	mu          sync.Mutex
	runs        map[string]*AuditRun
	results     map[string]map[int]StepResult
	checkpoints map[string][]byte
	events      []RunEvent

	completeCalls int
	saveCalls     int
}

func newMockRunStore() *mockRunStore {
	return &mockRunStore{
		runs:        make(map[string]*AuditRun),
		results:     make(map[string]map[int]StepResult),
		checkpoints: make(map[string][]byte),
	}
}

func copyRun(r *AuditRun) *AuditRun {
	out := *r
	out.Config = r.Config.Clone()
	return &out
}

func (m *mockRunStore) CreateRun(ctx context.Context, run *AuditRun) (*AuditRun, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	version := 0
	if run.IsLatest {
		version = 1
	}
	for _, r := range m.runs {
		if r.TrackingID == run.TrackingID {
			return copyRun(r), false, nil
		}
	}
	for _, r := range m.runs {
		if r.FicheID != run.FicheID || r.ConfigID != run.ConfigID {
			continue
		}
		if run.Status == RunStatusRunning && r.Status == RunStatusRunning {
			return nil, false, NewPermanentError("another run is in progress", nil).WithCode(ErrCodeAlreadyRunning)
		}
		if !run.IsLatest {
			continue
		}
		r.IsLatest = false
		if r.Version >= version {
			version = r.Version + 1
		}
	}
	stored := copyRun(run)
	stored.Version = version
	m.runs[stored.ID] = stored
	return copyRun(stored), true, nil
}

func (m *mockRunStore) GetRun(ctx context.Context, id string) (*AuditRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return copyRun(r), nil
}

func (m *mockRunStore) GetRunByTrackingID(ctx context.Context, trackingID string) (*AuditRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.TrackingID == trackingID {
			return copyRun(r), nil
		}
	}
	return nil, ErrRunNotFound
}

func (m *mockRunStore) FindLatestRunning(ctx context.Context, ficheID, configID string) (*AuditRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *AuditRun
	for _, r := range m.runs {
		if r.FicheID == ficheID && r.ConfigID == configID && r.Status == RunStatusRunning {
			if latest == nil || r.StartedAt.After(latest.StartedAt) {
				latest = r
			}
		}
	}
	if latest == nil {
		return nil, ErrRunNotFound
	}
	return copyRun(latest), nil
}

func (m *mockRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*AuditRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditRun
	for _, r := range m.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.FicheID != "" && r.FicheID != filter.FicheID {
			continue
		}
		out = append(out, copyRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *mockRunStore) ListStaleRuns(ctx context.Context, startedBefore time.Time) ([]*AuditRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditRun
	for _, r := range m.runs {
		if r.Status == RunStatusRunning && r.StartedAt.Before(startedBefore) {
			out = append(out, copyRun(r))
		}
	}
	return out, nil
}

func (m *mockRunStore) FailRun(ctx context.Context, id, message string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return false, ErrRunNotFound
	}
	if r.Status.IsTerminal() {
		return false, nil
	}
	r.Status = RunStatusFailed
	r.Error = message
	r.CompletedAt = &at
	return true, nil
}

func (m *mockRunStore) UpdateProgress(ctx context.Context, id string, completed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		r.StepsCompleted = completed
	}
	return nil
}

func (m *mockRunStore) CompleteRun(ctx context.Context, run *AuditRun, results []StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeCalls++
	m.runs[run.ID] = copyRun(run)
	byPos := make(map[int]StepResult, len(results))
	for _, r := range results {
		byPos[r.Position] = r.Clone()
	}
	m.results[run.ID] = byPos
	return nil
}

func (m *mockRunStore) SaveStepResult(ctx context.Context, result *StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	if m.results[result.RunID] == nil {
		m.results[result.RunID] = make(map[int]StepResult)
	}
	m.results[result.RunID][result.Position] = result.Clone()
	return nil
}

func (m *mockRunStore) HasStepResult(ctx context.Context, runID string, position int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.results[runID][position]
	return ok, nil
}

func (m *mockRunStore) CountStepResults(ctx context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results[runID]), nil
}

func (m *mockRunStore) ListStepResults(ctx context.Context, runID string) ([]StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StepResult, 0, len(m.results[runID]))
	for _, r := range m.results[runID] {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func checkpointKey(runID string, position int, name string) string {
	return fmt.Sprintf("%s/%d/%s", runID, position, name)
}

func (m *mockRunStore) SaveCheckpoint(ctx context.Context, runID string, position int, name string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[checkpointKey(runID, position, name)] = append([]byte(nil), payload...)
	return nil
}

func (m *mockRunStore) GetCheckpoint(ctx context.Context, runID string, position int, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.checkpoints[checkpointKey(runID, position, name)]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return p, nil
}

func (m *mockRunStore) AppendRunEvent(ctx context.Context, event *RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockRunStore) ListRunEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RunEvent
	for _, e := range m.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockRunStore) run(id string) *AuditRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		return copyRun(r)
	}
	return nil
}

// Mock publisher for testing
type mockPublisher struct {
	mu     sync.Mutex
	events []cloudevents.Event
	err    error
}

func (m *mockPublisher) Publish(ctx context.Context, event cloudevents.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event.Clone())
	return nil
}

func (m *mockPublisher) ofType(eventType string) []cloudevents.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []cloudevents.Event
	for _, e := range m.events {
		if e.Type() == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Mock notifier for testing
type mockNotifier struct {
	mu     sync.Mutex
	events []string
}

func (m *mockNotifier) Notify(ctx context.Context, event string, payload interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockNotifier) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

// Mock CRM for testing
type mockFiches struct {
	missing map[string]bool
	err     error
}

func (m *mockFiches) Refresh(ctx context.Context, ficheID string) (*Fiche, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.missing[ficheID] {
		return nil, ErrFicheNotFound
	}
	return &Fiche{ID: ficheID, ProductCode: "PRD-1", Recordings: 1, RefreshedAt: time.Now()}, nil
}

// Mock transcription service for testing
type mockTranscripts struct {
	mu          sync.Mutex
	recordings  []Recording
	pending     bool
	transcribed int
	statusCalls int
}

func (m *mockTranscripts) Status(ctx context.Context, ficheID string) (*TranscriptionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	total := len(m.recordings)
	if m.pending {
		return &TranscriptionStatus{FicheID: ficheID, Total: total, Transcribed: 0}, nil
	}
	return &TranscriptionStatus{FicheID: ficheID, Total: total, Transcribed: total}, nil
}

func (m *mockTranscripts) Transcribe(ctx context.Context, ficheID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcribed++
	m.pending = false
	return nil
}

func (m *mockTranscripts) Recordings(ctx context.Context, ficheID string) ([]Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Recording(nil), m.recordings...), nil
}

// Mock evaluator for testing
type mockEvaluator struct {
	calls   int32
	analyze func(req EvaluationRequest) (*Analysis, error)
}

func (m *mockEvaluator) Evaluate(ctx context.Context, req EvaluationRequest) (*Analysis, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.analyze != nil {
		return m.analyze(req)
	}
	return &Analysis{
		Conformity: ConformityConforming,
		Score:      req.Step.Weight,
		Rationale:  "ok",
		ControlPoints: []ControlPoint{{
			Label:     "greeting",
			Status:    ControlPointPresent,
			Citations: []Citation{{RecordingIndex: 0, ChunkIndex: 0, Text: "hello"}},
		}},
	}, nil
}

func (m *mockEvaluator) count() int {
	return int(atomic.LoadInt32(&m.calls))
}

// Mock config source for testing
type mockConfigs struct {
	configs map[string]*ConfigSnapshot
}

func (m *mockConfigs) Snapshot(ctx context.Context, configID string) (*ConfigSnapshot, error) {
	c, ok := m.configs[configID]
	if !ok {
		return nil, ErrConfigNotFound
	}
	return c.Clone(), nil
}

func testRecordings(n int) []Recording {
	base := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	recs := make([]Recording, n)
	for i := range recs {
		recs[i] = Recording{
			ID:          fmt.Sprintf("rec-%d", i),
			URL:         fmt.Sprintf("https://recordings.example.com/%d.mp3", i),
			StartedAt:   base.Add(time.Duration(i) * time.Hour),
			Transcribed: true,
			Chunks: []TranscriptChunk{
				{Index: 0, Start: 0, End: 4, Speaker: "agent", Text: "Hello, this call is recorded"},
				{Index: 1, Start: 4, End: 9, Speaker: "customer", Text: "I would like the premium contract"},
			},
		}
	}
	return recs
}

func testConfig() *ConfigSnapshot {
	return &ConfigSnapshot{
		ID:   "cfg-1",
		Name: "Sales call compliance",
		Steps: []StepDefinition{
			{Position: 1, Name: "Greeting", Prompt: "Did the agent greet?", ControlPoints: []string{"greeting"}, Keywords: []string{"hello"}, Weight: 40, Critical: true},
			{Position: 2, Name: "Offer", Prompt: "Was the offer explained?", ControlPoints: []string{"offer"}, Keywords: []string{"contract"}, Weight: 60},
		},
		Thresholds: DefaultThresholds,
	}
}

type testHarness struct {
	store       *mockRunStore
	publisher   *mockPublisher
	notifier    *mockNotifier
	fiches      *mockFiches
	transcripts *mockTranscripts
	evaluator   *mockEvaluator
	deps        Dependencies
}

func newTestHarness() *testHarness {
	h := &testHarness{
		store:       newMockRunStore(),
		publisher:   &mockPublisher{},
		notifier:    &mockNotifier{},
		fiches:      &mockFiches{missing: map[string]bool{}},
		transcripts: &mockTranscripts{recordings: testRecordings(2)},
		evaluator:   &mockEvaluator{},
	}
	h.deps = Dependencies{
		Store:       h.store,
		Fiches:      h.fiches,
		Transcripts: h.transcripts,
		Evaluator:   h.evaluator,
		Configs:     &mockConfigs{configs: map[string]*ConfigSnapshot{"cfg-1": testConfig()}},
		Publisher:   h.publisher,
		Notifier:    h.notifier,
		Logger:      zerolog.Nop(),
	}
	return h
}

func noBackoff(int, error) time.Duration { return 0 }
