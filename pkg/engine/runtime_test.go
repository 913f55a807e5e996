package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/bus"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/kv"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/rs/zerolog"
)

// Mock subscriber for testing
type mockSubscriber struct {
	mu       sync.Mutex
	handlers map[string]bus.Handler
}

func (m *mockSubscriber) Subscribe(eventType, group string, handler bus.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers == nil {
		m.handlers = make(map[string]bus.Handler)
	}
	m.handlers[group] = handler
	return nil
}

func (m *mockSubscriber) deliver(t *testing.T, group string, e cloudevents.Event) error {
	t.Helper()
	m.mu.Lock()
	h, ok := m.handlers[group]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("no handler registered for %s", group)
	}
	return h(context.Background(), e)
}

func newTestRuntime(sub bus.Subscriber, limiter kv.Limiter) *Runtime {
	r := NewRuntime(sub, limiter, nil, zerolog.Nop())
	r.backoff = noBackoff
	return r
}

func testEvent(t *testing.T, data interface{}) cloudevents.Event {
	t.Helper()
	e, err := bus.NewEvent(EventStepCompleted, "", data)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestRuntime_RetriesTransientErrors(t *testing.T) {
	sub := &mockSubscriber{}
	r := newTestRuntime(sub, nil)

	var calls int32
	err := r.Register(FunctionSpec{
		Name:    "flaky",
		Event:   EventStepCompleted,
		Retries: 2,
		Handler: func(ctx context.Context, e cloudevents.Event) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return NewTransientError("try again", nil)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := sub.deliver(t, "flaky", testEvent(t, StepCompleted{RunID: "r"})); err != nil {
		t.Fatalf("delivery error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRuntime_PermanentErrorRunsFailureHandlerOnce(t *testing.T) {
	sub := &mockSubscriber{}
	r := newTestRuntime(sub, nil)

	var calls, failures int32
	var cause error
	err := r.Register(FunctionSpec{
		Name:    "doomed",
		Event:   EventStepCompleted,
		Retries: 5,
		Handler: func(ctx context.Context, e cloudevents.Event) error {
			atomic.AddInt32(&calls, 1)
			return NewPermanentError("bad input", nil).WithCode(ErrCodeValidation)
		},
		OnFailure: func(ctx context.Context, e cloudevents.Event, err error) error {
			atomic.AddInt32(&failures, 1)
			cause = err
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := sub.deliver(t, "doomed", testEvent(t, StepCompleted{RunID: "r"})); err != nil {
		t.Fatalf("delivery error = %v, want nil after failure handler", err)
	}
	if calls != 1 || failures != 1 {
		t.Errorf("calls/failures = %d/%d, want 1/1", calls, failures)
	}
	if !IsPermanent(cause) {
		t.Errorf("failure cause = %v, want permanent", cause)
	}
}

func TestRuntime_ExhaustedWithoutFailureHandlerRequestsRedelivery(t *testing.T) {
	sub := &mockSubscriber{}
	r := newTestRuntime(sub, nil)

	err := r.Register(FunctionSpec{
		Name:    "broken",
		Event:   EventStepCompleted,
		Retries: 1,
		Handler: func(ctx context.Context, e cloudevents.Event) error {
			return errors.New("store down")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := sub.deliver(t, "broken", testEvent(t, StepCompleted{RunID: "r"})); err == nil {
		t.Error("delivery error = nil, want the handler error")
	}
}

func TestRuntime_ConcurrencyKeySerializes(t *testing.T) {
	sub := &mockSubscriber{}
	r := newTestRuntime(sub, kv.NewMemoryLimiter())

	var active, peak int32
	err := r.Register(FunctionSpec{
		Name:  "serial",
		Event: EventStepCompleted,
		Concurrency: &Concurrency{
			Key: func(e cloudevents.Event) string {
				var sc StepCompleted
				_ = e.DataAs(&sc)
				return "finalize:" + sc.RunID
			},
			Limit: 1,
		},
		Handler: func(ctx context.Context, e cloudevents.Event) error {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sub.deliver(t, "serial", testEvent(t, StepCompleted{RunID: "same"})); err != nil {
				t.Errorf("delivery error = %v", err)
			}
		}()
	}
	wg.Wait()

	if peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

func TestRuntime_RegisterValidates(t *testing.T) {
	r := newTestRuntime(&mockSubscriber{}, nil)
	if err := r.Register(FunctionSpec{Name: "x"}); !IsPermanent(err) {
		t.Errorf("Register() error = %v, want validation error", err)
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		err     error
		want    time.Duration
	}{
		{name: "first transient", attempt: 0, err: NewTransientError("x", nil), want: 1125 * time.Millisecond},
		{name: "second transient", attempt: 1, err: NewTransientError("x", nil), want: 2250 * time.Millisecond},
		{name: "throttled", attempt: 0, err: NewThrottledError("x", nil), want: 5625 * time.Millisecond},
		{name: "conflict", attempt: 0, err: NewConflictError("x", nil), want: 2250 * time.Millisecond},
		{name: "capped", attempt: 10, err: NewTransientError("x", nil), want: time.Minute + 7500*time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calculateBackoff(tt.attempt, tt.err); got != tt.want {
				t.Errorf("calculateBackoff() = %v, want %v", got, tt.want)
			}
		})
	}
}
