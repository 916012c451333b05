package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/taskrouter/internal/task"
)

// ErrBreakerOpen is returned when a call is rejected without reaching the dependency.
var ErrBreakerOpen = fmt.Errorf("circuit breaker open: %w", task.ErrTransientCall)

// errCallerCanceled marks failures caused by the caller's own cancellation.
// They are not the dependency's fault and do not count against its breaker.
type errCallerCanceled struct{ err error }

func (e *errCallerCanceled) Error() string { return e.err.Error() }
func (e *errCallerCanceled) Unwrap() error { return e.err }

// BreakerState is the externally visible breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "halfOpen"
)

func fromGobreaker(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// BreakerConfig configures per-dependency circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32        // Consecutive failures that open the breaker (default 5)
	Window           time.Duration // Rolling window clearing failure counts while closed (0 = never)
	ResetTimeout     time.Duration // Initial open duration (default 30s)
	MaxResetTimeout  time.Duration // Cap for the doubled open duration (default 5m)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           time.Minute,
		ResetTimeout:     30 * time.Second,
		MaxResetTimeout:  5 * time.Minute,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.MaxResetTimeout <= 0 {
		c.MaxResetTimeout = d.MaxResetTimeout
	}
	if c.MaxResetTimeout < c.ResetTimeout {
		c.MaxResetTimeout = c.ResetTimeout
	}
	return c
}

// BreakerSnapshot is a point-in-time view of one breaker.
type BreakerSnapshot struct {
	Key           string
	State         BreakerState
	FailureCount  uint32
	LastFailureAt time.Time
	OpenedUntil   time.Time
	ResetTimeout  time.Duration
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(key string, from, to BreakerState)

// Breaker guards one dependency. gobreaker owns the closed/open/half-open
// counting; the gate in front of it holds the breaker open for the doubled
// reset timeout after each failed probe.
type Breaker struct {
	key string
	cfg BreakerConfig
	cb  *gobreaker.CircuitBreaker

	mu            sync.Mutex
	resetTimeout  time.Duration
	openedUntil   time.Time
	lastFailureAt time.Time
	onChange      StateChangeFunc
}

func newBreaker(key string, cfg BreakerConfig, onChange StateChangeFunc) *Breaker {
	b := &Breaker{
		key:          key,
		cfg:          cfg,
		resetTimeout: cfg.ResetTimeout,
		onChange:     onChange,
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1, // Exactly one probe in half-open state
		Interval:    cfg.Window,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: b.stateChanged,
		IsSuccessful:  countsAsSuccess,
	})
	return b
}

// countsAsSuccess decides whether a call result is held against the dependency.
// Caller cancellation and permanent (validation) failures are not.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	var canceled *errCallerCanceled
	if errors.As(err, &canceled) {
		return true
	}
	return !IsTransient(err)
}

// stateChanged runs under gobreaker's lock; it must not call back into cb.
func (b *Breaker) stateChanged(_ string, from, to gobreaker.State) {
	now := time.Now()

	b.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		if from == gobreaker.StateHalfOpen {
			b.resetTimeout *= 2
			if b.resetTimeout > b.cfg.MaxResetTimeout {
				b.resetTimeout = b.cfg.MaxResetTimeout
			}
		} else {
			b.resetTimeout = b.cfg.ResetTimeout
		}
		b.openedUntil = now.Add(b.resetTimeout)
	case gobreaker.StateClosed:
		b.resetTimeout = b.cfg.ResetTimeout
		b.openedUntil = time.Time{}
	}
	onChange := b.onChange
	b.mu.Unlock()

	if onChange != nil {
		onChange(b.key, fromGobreaker(from), fromGobreaker(to))
	}
}

// Key returns the dependency key.
func (b *Breaker) Key() string { return b.key }

// Execute runs fn unless the breaker is open. A rejected call never invokes fn.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	held := time.Now().Before(b.openedUntil)
	b.mu.Unlock()
	if held {
		return fmt.Errorf("%s: %w", b.key, ErrBreakerOpen)
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %w", b.key, ErrBreakerOpen, err)
	}
	if err != nil && !countsAsSuccess(err) {
		b.mu.Lock()
		b.lastFailureAt = time.Now()
		b.mu.Unlock()
	}
	return err
}

// Snapshot returns the breaker's current state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	snap := BreakerSnapshot{
		Key:           b.key,
		LastFailureAt: b.lastFailureAt,
		OpenedUntil:   b.openedUntil,
		ResetTimeout:  b.resetTimeout,
	}
	b.mu.Unlock()

	// Read gobreaker outside b.mu; stateChanged takes b.mu under gobreaker's lock.
	snap.State = fromGobreaker(b.cb.State())
	snap.FailureCount = b.cb.Counts().ConsecutiveFailures
	if snap.State == BreakerHalfOpen && time.Now().Before(snap.OpenedUntil) {
		snap.State = BreakerOpen
	}
	return snap
}

// BreakerRegistry manages per-dependency circuit breakers.
type BreakerRegistry struct {
	cfg    BreakerConfig
	logger *slog.Logger

	mu        sync.Mutex
	breakers  map[string]*Breaker
	observers []StateChangeFunc
}

// NewBreakerRegistry creates a registry whose breakers share cfg.
func NewBreakerRegistry(cfg BreakerConfig, logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// OnStateChange registers an observer for every breaker's transitions.
// Observers run synchronously and must not block.
func (r *BreakerRegistry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Get returns the breaker for key, creating it on first use.
func (r *BreakerRegistry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := newBreaker(key, r.cfg, r.notify)
	r.breakers[key] = b
	return b
}

func (r *BreakerRegistry) notify(key string, from, to BreakerState) {
	r.logger.Warn("circuit breaker state change", "breaker", key, "from", from, "to", to)

	r.mu.Lock()
	observers := make([]StateChangeFunc, len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()

	for _, fn := range observers {
		fn(key, from, to)
	}
}

// Snapshots returns every breaker's state ordered by key.
func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	snaps := make([]BreakerSnapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key < snaps[j].Key })
	return snaps
}
