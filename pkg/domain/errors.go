package domain

import "errors"

// Common domain errors
var (
	ErrUnknownService     = errors.New("unknown service")
	ErrDuplicateService   = errors.New("duplicate service")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrDependencyCycle    = errors.New("dependency cycle")
	ErrPortConflict       = errors.New("host port conflict")
	ErrServiceNotReady    = errors.New("service not ready")
	ErrServiceNotRunning  = errors.New("service not running")
	ErrObjectNotFound     = errors.New("object not found")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrKeyMaterialInvalid = errors.New("invalid key material")
	ErrTopicMismatch      = errors.New("topic layout mismatch")
	ErrTokenRejected      = errors.New("token rejected")
	ErrStoragePersisted   = errors.New("document survived store restart")
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError builds a DomainError around a sentinel.
func NewDomainError(err error, code, message string, details map[string]any) *DomainError {
	return &DomainError{Err: err, Code: code, Message: message, Details: details}
}
