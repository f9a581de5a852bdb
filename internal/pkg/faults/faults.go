// Package faults holds the error types shared by the coordination layer.
//
// A DomainError is a correct, final answer from a healthy dependency (no
// capacity, schedule conflict, unknown requester). It is never retried, it
// does not count against a circuit breaker and it becomes the saga outcome.
package faults

import (
	"errors"
	"fmt"
)

// Normalized failure categories surfaced to callers.
const (
	ReasonNoCapacity            = "NoCapacity"
	ReasonScheduleConflict      = "ScheduleConflict"
	ReasonInvalidRequester      = "InvalidRequester"
	ReasonInvalidPeriod         = "InvalidPeriod"
	ReasonGroupNotFound         = "GroupNotFound"
	ReasonDuplicateEnrollment   = "DuplicateEnrollment"
	ReasonInvalidRequest        = "InvalidRequest"
	ReasonDependencyUnavailable = "DependencyUnavailable"
	ReasonTimeout               = "Timeout"
	ReasonInternal              = "Internal"
)

// DomainError is a business rule violation.
type DomainError struct {
	Code    string
	Reason  string
	Message string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any DomainError with the same code, so callers can compare
// against the package-level values of the domain packages.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Domain builds a DomainError.
func Domain(code, reason, format string, args ...any) *DomainError {
	return &DomainError{Code: code, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// AsDomain unwraps err into a DomainError if there is one in the chain.
func AsDomain(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsDomain reports whether err carries a DomainError.
func IsDomain(err error) bool {
	_, ok := AsDomain(err)
	return ok
}

// IsInfrastructure reports whether a normalized reason describes an
// infrastructure problem rather than a business answer.
func IsInfrastructure(reason string) bool {
	switch reason {
	case ReasonDependencyUnavailable, ReasonTimeout, ReasonInternal:
		return true
	}
	return false
}
