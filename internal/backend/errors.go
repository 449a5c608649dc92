package backend

import (
	"errors"
	"fmt"
)

// Common errors returned by backend operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, backend.ErrAuth) {
//	    // Credentials were rejected; the whole run fails, nothing applied.
//	}
var (
	// ErrConnectivity is returned when the backend cannot be reached or
	// answers with a server-side failure during a fetch.
	ErrConnectivity = errors.New("backend unreachable")

	// ErrAuth is returned when the backend rejects the configured
	// credentials.
	ErrAuth = errors.New("backend authentication rejected")

	// ErrNotFound is returned when an operation targets an event the
	// backend does not know.
	ErrNotFound = errors.New("event not found")

	// ErrRateLimited is returned when the backend throttles a call.
	ErrRateLimited = errors.New("backend rate limited")

	// ErrUnknownKind is returned by New for a kind with no registered
	// implementation.
	ErrUnknownKind = errors.New("unknown backend kind")
)

// StatusError maps an HTTP response status onto the error taxonomy shared
// by the backend clients. 2xx is success; throttling and server failures
// come back retryable.
func StatusError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 401 || status == 403:
		return ErrAuth
	case status == 404 || status == 410:
		return ErrNotFound
	case status == 429:
		return ErrRateLimited
	case status >= 500:
		return fmt.Errorf("server error %d: %w", status, ErrConnectivity)
	default:
		return fmt.Errorf("unexpected status %d", status)
	}
}

// IsAuth returns true if the error means the credentials were rejected.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsConnectivity returns true if the error means the backend could not be
// reached at all.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// IsNotFound returns true if the error means the target event is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if the error is likely to succeed on a later
// attempt: throttling and transient connectivity both clear on their own.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, ErrConnectivity) {
		return true
	}
	return false
}

// ApplyError reports one failed write. The engine records it against the
// event and continues with the rest of the plan.
type ApplyError struct {
	// UID of the logical event the write was for.
	UID string

	// Op is the attempted operation: insert, update or delete.
	Op string

	// Reason is a short human-readable cause.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

func (e *ApplyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("apply %s %s: %s: %v", e.Op, e.UID, e.Reason, e.Err)
	}
	return fmt.Sprintf("apply %s %s: %s", e.Op, e.UID, e.Reason)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// AsApply unwraps err into an *ApplyError, synthesizing one when a write
// failed with something else, so every recorded failure has a uid and op.
func AsApply(err error, uid, op string) *ApplyError {
	var applyErr *ApplyError
	if errors.As(err, &applyErr) {
		return applyErr
	}
	return &ApplyError{UID: uid, Op: op, Reason: err.Error(), Err: err}
}
