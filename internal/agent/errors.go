package agent

import (
	"errors"
	"fmt"

	"github.com/interopx/dsagent/internal/storage"
)

// Stable error codes carried across the agent boundary.
const (
	CodeConfiguration  = "configuration_error"
	CodeNotFound       = "not_found"
	CodeStorage        = "storage_error"
	CodeExternalLookup = "external_lookup_error"
)

// Error wraps an underlying failure with a stable code callers can branch
// on without string matching.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err carries the not_found code or wraps the
// storage-level sentinel.
func IsNotFound(err error) bool {
	var ae *Error
	if errors.As(err, &ae) && ae.Code == CodeNotFound {
		return true
	}
	return errors.Is(err, storage.ErrNotFound)
}

// wrapStorage converts a storage-layer failure into a coded error,
// distinguishing missing documents from real storage trouble.
func wrapStorage(msg string, err error) error {
	if err == nil {
		return nil
	}
	code := CodeStorage
	if errors.Is(err, storage.ErrNotFound) {
		code = CodeNotFound
	}
	return &Error{Code: code, Message: msg, Err: err}
}
