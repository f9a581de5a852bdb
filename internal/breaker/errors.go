package breaker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOpen is matched by every rejection issued without calling the
	// dependency.
	ErrOpen = errors.New("breaker: circuit open")
	// ErrCallTimeout is returned when a guarded call exceeds its timeout.
	ErrCallTimeout = errors.New("breaker: call timeout")
)

// OpenError describes a fail-fast rejection.
type OpenError struct {
	Name  string
	State State
	// RetryAfter is the remaining recovery time when the circuit is OPEN.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("breaker %q: half-open trial limit reached", e.Name)
	}
	return fmt.Sprintf("breaker %q: circuit open, retry after %s", e.Name, e.RetryAfter)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// TimeoutError is returned when a guarded call does not finish in time.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("breaker %q: call exceeded %s", e.Name, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrCallTimeout }
