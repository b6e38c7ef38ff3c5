// Package cerrors defines the tagged error taxonomy propagated out of the
// provider, SSH, sync, and port-forward subsystems.
package cerrors

import "fmt"

// CredentialsError means cloud credentials are missing or invalid. Always
// fatal; never retried.
type CredentialsError struct {
	Cause error
}

func (e *CredentialsError) Error() string {
	return fmt.Sprintf("provider credentials: %v", e.Cause)
}
func (e *CredentialsError) Unwrap() error { return e.Cause }

// AuthzError means credentials are valid but the operation is not permitted
// (UnauthorizedOperation). Fatal for the operation; cleanup still proceeds.
type AuthzError struct {
	Operation string
	Cause     error
}

func (e *AuthzError) Error() string {
	return fmt.Sprintf("not authorized to %s: %v", e.Operation, e.Cause)
}
func (e *AuthzError) Unwrap() error { return e.Cause }

// APIError wraps any other provider API error, tagged with the provider's
// error code so callers can decide retryability.
type APIError struct {
	Code  string
	Cause error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error %s: %v", e.Code, e.Cause)
}
func (e *APIError) Unwrap() error { return e.Cause }

// Retryable reports whether this API error code is known to be transient.
func (e *APIError) Retryable() bool {
	switch e.Code {
	case "DependencyViolation", "InvalidGroup.InUse", "RequestLimitExceeded":
		return true
	default:
		return false
	}
}

// IsNotFoundOnCleanup reports whether this code should be treated as success
// when encountered during best-effort cleanup (idempotent delete).
func (e *APIError) IsNotFoundOnCleanup() bool {
	switch e.Code {
	case "InvalidGroup.NotFound", "InvalidInstanceID.NotFound":
		return true
	default:
		return false
	}
}

// ConnectionError is a transport-level failure talking to the provider.
type ConnectionError struct {
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("provider connection: %v", e.Cause)
}
func (e *ConnectionError) Unwrap() error { return e.Cause }

// InvalidConfigError is a bad selector, bad instance type, or cross-region
// conflict. Fatal before any resource is acquired; never raised during
// cleanup.
type InvalidConfigError struct {
	Message string
}

func (e *InvalidConfigError) Error() string { return e.Message }

// NotFoundError means an image query or instance selector resolved nothing.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// UnreachableError means SSH could not reach the host after the retry
// budget was exhausted.
type UnreachableError struct {
	Host  string
	Cause error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("host %s unreachable: %v", e.Host, e.Cause)
}
func (e *UnreachableError) Unwrap() error { return e.Cause }

// SyncTimeoutError means the sync daemon did not reach the watching state
// within its budget.
type SyncTimeoutError struct {
	SessionName string
	Timeout     string
}

func (e *SyncTimeoutError) Error() string {
	return fmt.Sprintf("sync session %s did not reach watching state within %s", e.SessionName, e.Timeout)
}

// PortInUseError means a local bind failed.
type PortInUseError struct {
	Port int
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("port %d already in use", e.Port)
}

// FatalError wraps any unexpected error. Cleanup still runs.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string  { return fmt.Sprintf("fatal: %v", e.Cause) }
func (e *FatalError) Unwrap() error  { return e.Cause }
