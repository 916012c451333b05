package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/aristath/taskrouter/internal/task"
)

// StatusCoder is implemented by errors carrying a protocol status code
// (HTTP or an equivalent). 5xx and 429 are treated as transient.
type StatusCoder interface {
	StatusCode() int
}

// StatusError is a simple StatusCoder.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string   { return fmt.Sprintf("status %d: %s", e.Code, e.Msg) }
func (e *StatusError) StatusCode() int { return e.Code }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil || errors.Is(err, task.ErrTransientCall) {
		return err
	}
	return fmt.Errorf("%w: %w", task.ErrTransientCall, err)
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil || errors.Is(err, task.ErrPermanentCall) {
		return err
	}
	return fmt.Errorf("%w: %w", task.ErrPermanentCall, err)
}

// IsTransient reports whether err belongs to a retryable failure class:
// timeouts, connection resets, 5xx-equivalents, or errors explicitly marked
// with Transient. Explicitly permanent and validation errors never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, task.ErrPermanentCall) || errors.Is(err, task.ErrValidation) {
		return false
	}
	if errors.Is(err, task.ErrTransientCall) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code >= 500 || code == 429
	}
	return false
}

// classify wraps err with the transient or permanent sentinel so callers can
// report its kind.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, task.ErrTransientCall) || errors.Is(err, task.ErrPermanentCall) {
		return err
	}
	if IsTransient(err) {
		return Transient(err)
	}
	return Permanent(err)
}
