package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testBreakers(threshold uint32, reset time.Duration) *BreakerRegistry {
	return NewBreakerRegistry(BreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     reset,
		MaxResetTimeout:  4 * reset,
	}, nil)
}

var errDown = Transient(errors.New("dependency down"))

// TestBreakerRegistry_PerKey verifies breakers are created once per dependency key.
func TestBreakerRegistry_PerKey(t *testing.T) {
	registry := testBreakers(3, time.Second)

	a1 := registry.Get("agent-a")
	a2 := registry.Get("agent-a")
	b := registry.Get("agent-b")

	if a1 != a2 {
		t.Error("expected same breaker instance for 'agent-a'")
	}
	if a1 == b {
		t.Error("expected different breaker instances for 'agent-a' and 'agent-b'")
	}
	if a1.Key() != "agent-a" {
		t.Errorf("expected key 'agent-a', got %q", a1.Key())
	}
}

// TestBreaker_FastFailsAfterThreshold verifies that after FailureThreshold
// consecutive failures the next call is rejected without invoking the dependency.
func TestBreaker_FastFailsAfterThreshold(t *testing.T) {
	b := testBreakers(3, time.Second).Get("agent-a")

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return errDown }); !errors.Is(err, errDown) {
			t.Fatalf("call %d: expected dependency error, got %v", i+1, err)
		}
	}

	invoked := false
	err := b.Execute(func() error {
		invoked = true
		return nil
	})
	if invoked {
		t.Fatal("dependency invoked while breaker open")
	}
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}

	snap := b.Snapshot()
	if snap.State != BreakerOpen {
		t.Errorf("expected open state, got %s", snap.State)
	}
	if snap.OpenedUntil.IsZero() || snap.LastFailureAt.IsZero() {
		t.Errorf("expected open-until and last-failure timestamps, got %+v", snap)
	}
}

// TestBreaker_PermanentErrorsDoNotTrip verifies validation-class failures don't count.
func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b := testBreakers(2, time.Second).Get("agent-a")

	for i := 0; i < 5; i++ {
		_ = b.Execute(func() error { return errors.New("bad input") })
	}
	if state := b.Snapshot().State; state != BreakerClosed {
		t.Errorf("expected closed breaker, got %s", state)
	}
}

// TestBreaker_SingleHalfOpenProbe verifies exactly one probe is admitted after the reset timeout.
func TestBreaker_SingleHalfOpenProbe(t *testing.T) {
	b := testBreakers(2, 50*time.Millisecond).Get("agent-a")
	_ = b.Execute(func() error { return errDown })
	_ = b.Execute(func() error { return errDown })

	time.Sleep(70 * time.Millisecond)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	var invocations atomic.Int32
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute(func() error {
			invocations.Add(1)
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	// While the probe is in flight every other call is rejected.
	for i := 0; i < 5; i++ {
		err := b.Execute(func() error {
			invocations.Add(1)
			return nil
		})
		if !errors.Is(err, ErrBreakerOpen) {
			t.Errorf("concurrent call %d: expected rejection, got %v", i+1, err)
		}
	}

	close(release)
	wg.Wait()

	if n := invocations.Load(); n != 1 {
		t.Errorf("expected exactly one probe invocation, got %d", n)
	}
	if state := b.Snapshot().State; state != BreakerClosed {
		t.Errorf("expected breaker closed after successful probe, got %s", state)
	}
}

// TestBreaker_FailedProbeDoublesTimeout verifies a failed probe reopens with a doubled timeout.
func TestBreaker_FailedProbeDoublesTimeout(t *testing.T) {
	b := testBreakers(1, 40*time.Millisecond).Get("agent-a")
	_ = b.Execute(func() error { return errDown })

	if got := b.Snapshot().ResetTimeout; got != 40*time.Millisecond {
		t.Fatalf("expected initial reset timeout 40ms, got %v", got)
	}

	time.Sleep(60 * time.Millisecond)
	if err := b.Execute(func() error { return errDown }); !errors.Is(err, errDown) {
		t.Fatalf("expected probe to reach dependency, got %v", err)
	}

	snap := b.Snapshot()
	if snap.State != BreakerOpen {
		t.Fatalf("expected open after failed probe, got %s", snap.State)
	}
	if snap.ResetTimeout != 80*time.Millisecond {
		t.Errorf("expected doubled reset timeout 80ms, got %v", snap.ResetTimeout)
	}

	// After the base timeout the breaker is still held open by the doubled timeout.
	time.Sleep(50 * time.Millisecond)
	invoked := false
	_ = b.Execute(func() error {
		invoked = true
		return nil
	})
	if invoked {
		t.Error("dependency invoked before doubled timeout elapsed")
	}

	time.Sleep(50 * time.Millisecond)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected probe after doubled timeout to succeed, got %v", err)
	}
	if snap := b.Snapshot(); snap.State != BreakerClosed || snap.ResetTimeout != 40*time.Millisecond {
		t.Errorf("expected closed breaker with base timeout, got %+v", snap)
	}
}

// TestBreaker_TimeoutCapped verifies the doubled timeout never exceeds the cap.
func TestBreaker_TimeoutCapped(t *testing.T) {
	b := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     20 * time.Millisecond,
		MaxResetTimeout:  30 * time.Millisecond,
	}, nil).Get("agent-a")

	_ = b.Execute(func() error { return errDown })
	for i := 0; i < 3; i++ {
		time.Sleep(b.Snapshot().ResetTimeout + 15*time.Millisecond)
		_ = b.Execute(func() error { return errDown })
	}
	if got := b.Snapshot().ResetTimeout; got != 30*time.Millisecond {
		t.Errorf("expected capped reset timeout 30ms, got %v", got)
	}
}

// TestBreakerRegistry_ObserversNotified verifies state changes reach observers.
func TestBreakerRegistry_ObserversNotified(t *testing.T) {
	registry := testBreakers(1, time.Second)

	var mu sync.Mutex
	var seen []BreakerState
	registry.OnStateChange(func(key string, from, to BreakerState) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, to)
	})

	_ = registry.Get("classifier").Execute(func() error { return errDown })

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != BreakerOpen {
		t.Errorf("expected one transition to open, got %v", seen)
	}
	if snaps := registry.Snapshots(); len(snaps) != 1 || snaps[0].Key != "classifier" {
		t.Errorf("unexpected snapshots: %+v", snaps)
	}
}
