package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aristath/taskrouter/internal/task"
)

// scriptedCall returns scripted results in order, one per invocation.
type scriptedCall struct {
	mu        sync.Mutex
	results   []error
	callCount int
}

func (s *scriptedCall) call(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.callCount >= len(s.results) {
		return fmt.Errorf("unexpected call %d (only %d results configured)", s.callCount+1, len(s.results))
	}
	err := s.results[s.callCount]
	s.callCount++
	return err
}

func (s *scriptedCall) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		InitialInterval:     5 * time.Millisecond,
		MaxInterval:         20 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func newTestGuard(threshold uint32) *Guard {
	breakers := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     50 * time.Millisecond,
		MaxResetTimeout:  200 * time.Millisecond,
	}, nil)
	return NewGuard(fastRetry(), breakers, nil)
}

// TestGuardDo_TransientThenSuccess verifies transient failures are retried.
func TestGuardDo_TransientThenSuccess(t *testing.T) {
	call := &scriptedCall{results: []error{
		Transient(errors.New("connection reset")),
		context.DeadlineExceeded,
		nil,
	}}

	attempts, err := newTestGuard(10).Do(context.Background(), "agent-a", 0, call.call)
	if err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

// TestGuardDo_PermanentNotRetried verifies permanent failures propagate immediately.
func TestGuardDo_PermanentNotRetried(t *testing.T) {
	call := &scriptedCall{results: []error{
		fmt.Errorf("%w: missing field subject", task.ErrValidation),
	}}

	attempts, err := newTestGuard(10).Do(context.Background(), "agent-a", 0, call.call)
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 || call.CallCount() != 1 {
		t.Errorf("expected exactly 1 attempt, got attempts=%d calls=%d", attempts, call.CallCount())
	}
	if !errors.Is(err, task.ErrPermanentCall) {
		t.Errorf("expected ErrPermanentCall, got: %v", err)
	}
	if task.KindOf(err) != task.KindValidation {
		t.Errorf("expected kind %s, got %s", task.KindValidation, task.KindOf(err))
	}
}

// TestGuardDo_UnknownErrorIsPermanent verifies unclassified errors are not retried.
func TestGuardDo_UnknownErrorIsPermanent(t *testing.T) {
	call := &scriptedCall{results: []error{errors.New("bad template")}}

	attempts, err := newTestGuard(10).Do(context.Background(), "agent-a", 0, call.call)
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
	if task.KindOf(err) != task.KindPermanentCallFailure {
		t.Errorf("expected permanent kind, got %s (%v)", task.KindOf(err), err)
	}
}

// TestGuardDo_ExhaustsAttempts verifies the attempt budget.
func TestGuardDo_ExhaustsAttempts(t *testing.T) {
	transient := &StatusError{Code: 503, Msg: "unavailable"}
	call := &scriptedCall{results: []error{transient, transient, transient, transient}}

	attempts, err := newTestGuard(10).Do(context.Background(), "agent-a", 0, call.call)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 || call.CallCount() != 3 {
		t.Errorf("expected 3 attempts, got attempts=%d calls=%d", attempts, call.CallCount())
	}
	if !errors.Is(err, task.ErrTransientCall) {
		t.Errorf("expected ErrTransientCall, got: %v", err)
	}
	var sc StatusCoder
	if !errors.As(err, &sc) || sc.StatusCode() != 503 {
		t.Errorf("expected wrapped status 503, got: %v", err)
	}
}

// TestGuardDo_PerCallTimeout verifies each attempt is cancelled at its timeout.
func TestGuardDo_PerCallTimeout(t *testing.T) {
	g := NewGuard(RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond}, nil, nil)

	var calls int
	start := time.Now()
	_, err := g.Do(context.Background(), "slow", 20*time.Millisecond, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected timeout to be retried once, got %d calls", calls)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("per-call timeout not enforced, took %v", elapsed)
	}
}

// TestGuardDo_ContextCancellationStopsRetries verifies cancellation stops the retry loop.
func TestGuardDo_ContextCancellationStopsRetries(t *testing.T) {
	g := NewGuard(RetryConfig{
		MaxAttempts:     100,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
		MaxElapsedTime:  10 * time.Second,
	}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := g.Do(ctx, "flaky", 0, func(ctx context.Context) error {
		return Transient(errors.New("try again"))
	})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error due to context cancellation")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded error, got: %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Do took %v, expected < 500ms (context should stop retries)", elapsed)
	}
}

// TestGuardDo_CallerCancellationNotCounted verifies caller cancellation doesn't trip the breaker.
func TestGuardDo_CallerCancellationNotCounted(t *testing.T) {
	g := newTestGuard(2)

	for i := range 5 {
		ctx, cancel := context.WithCancel(context.Background())
		_, err := g.Do(ctx, "agent-a", 0, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		if err == nil {
			t.Errorf("call %d: expected error, got success", i+1)
		}
	}

	if state := g.Breakers().Get("agent-a").Snapshot().State; state != BreakerClosed {
		t.Errorf("expected breaker to remain closed after caller cancellations, got %s", state)
	}
}

// TestGuardDo_OpenBreakerNotRetried verifies an open breaker fails fast without retry.
func TestGuardDo_OpenBreakerNotRetried(t *testing.T) {
	g := newTestGuard(2)
	failing := func(ctx context.Context) error { return Transient(errors.New("down")) }

	// First Do: attempt 1 and 2 fail, opening the breaker; attempt 3 is rejected.
	_, err := g.Do(context.Background(), "agent-b", 0, failing)
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected breaker to open during retries, got: %v", err)
	}

	invoked := false
	attempts, err := g.Do(context.Background(), "agent-b", 0, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Error("downstream invoked while breaker open")
	}
	if attempts != 1 {
		t.Errorf("expected a single rejected attempt, got %d", attempts)
	}
	if !errors.Is(err, ErrBreakerOpen) || task.KindOf(err) != task.KindTransientCallFailure {
		t.Errorf("expected transient breaker-open error, got: %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"marked transient", Transient(errors.New("x")), true},
		{"5xx", &StatusError{Code: 502}, true},
		{"429", &StatusError{Code: 429}, true},
		{"4xx", &StatusError{Code: 400}, false},
		{"validation", task.ErrValidation, false},
		{"permanent wins", Permanent(Transient(errors.New("x"))), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
