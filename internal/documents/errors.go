package documents

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the identity does not resolve to a live record of the expected kind.
	ErrNotFound = errors.New("documents: not found")
	// ErrForbidden indicates the authorization resolver denied the action.
	ErrForbidden = errors.New("documents: forbidden")
	// ErrConcurrentModification indicates an optimistic concurrency conflict. Callers may retry.
	ErrConcurrentModification = errors.New("documents: concurrent modification")
	// ErrInvalidState indicates the operation is not valid for the current state. Nothing was changed.
	ErrInvalidState = errors.New("documents: invalid state")

	errMissingStore      = errors.New("content store is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries an "<operation>.<reason>" code and unwraps to the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
