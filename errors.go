package guardian

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrUnsupportedOperation is matched by errors for operations other than list, filter and get
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrRateLimitExceeded is matched by errors returned after the entity API rejected a call with 429
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// UnsupportedOperationError names the operation that could not be dispatched
type UnsupportedOperationError struct {
	Operation Operation
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("unsupported operation: %q", string(e.Operation))
}

// Is makes errors.Is(err, ErrUnsupportedOperation) succeed
func (e *UnsupportedOperationError) Is(target error) bool {
	return target == ErrUnsupportedOperation
}

// RateLimitError is returned once the backoff after a quota rejection has elapsed
type RateLimitError struct {
	Resource  string
	Operation Operation
	Err       error // Rejection reported by the entity API
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s %s: %v", e.Resource, e.Operation, e.Err)
}

// Is makes errors.Is(err, ErrRateLimitExceeded) succeed
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// Unwrap returns the underlying rejection
func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// StatusCoder is implemented by errors that carry an HTTP status
type StatusCoder interface {
	StatusCode() int
}

// IsRateLimited reports whether err signals a server-side quota rejection:
// an HTTP 429 status or a gRPC ResourceExhausted code.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimitExceeded) {
		return true
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() == http.StatusTooManyRequests {
		return true
	}

	if st, ok := status.FromError(err); ok && st.Code() == codes.ResourceExhausted {
		return true
	}

	return false
}
