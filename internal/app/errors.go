package app

import (
	"errors"
	"fmt"
	"time"

	"docchat/pkg/ai"
)

var (
	// ErrValidation marks a request rejected before any collaborator is called.
	ErrValidation    = errors.New("validation failed")
	ErrUserRequired  = fmt.Errorf("%w: user id required", ErrValidation)
	ErrEmptyMessage  = fmt.Errorf("%w: message required", ErrValidation)
	ErrThreadName    = fmt.Errorf("%w: thread name required", ErrValidation)
	ErrNoFiles       = fmt.Errorf("%w: at least one file required", ErrValidation)
	ErrExtractNotYet = errors.New("extract not available")
)

// ServiceType names the collaborator that failed.
type ServiceType string

const (
	ServiceThreadRepository ServiceType = "ThreadRepository"
	ServiceAI               ServiceType = "AIService"
	ServiceSearch           ServiceType = "SearchService"
	ServiceDocumentStore    ServiceType = "DocumentStore"
	ServiceDocumentRegistry ServiceType = "DocumentRegistry"
)

// ServiceError reports a failed call to a backing service.
type ServiceError struct {
	Service ServiceType
	Op      string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// RetryAfter returns the provider's retry hint when the failure was a rate limit.
func (e *ServiceError) RetryAfter() (time.Duration, bool) {
	var rl *ai.RateLimitError
	if errors.As(e.Err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// serviceErr wraps err unless it is nil or already a ServiceError.
func serviceErr(svc ServiceType, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return err
	}
	return &ServiceError{Service: svc, Op: op, Err: err}
}
