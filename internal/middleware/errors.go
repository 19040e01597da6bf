package middleware

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateMiddleware indicates a name is already registered.
	ErrDuplicateMiddleware = errors.New("middleware already registered")
	// ErrInvalidMiddleware indicates a nil middleware or an empty name.
	ErrInvalidMiddleware = errors.New("invalid middleware")
	// ErrToolRejected indicates an approval gate refused a tool call.
	ErrToolRejected = errors.New("tool call rejected")
)

// HookError wraps an error returned by a middleware hook.
type HookError struct {
	Middleware string
	Hook       string
	Err        error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("middleware %s %s: %v", e.Middleware, e.Hook, e.Err)
}

// Unwrap returns the hook's error.
func (e *HookError) Unwrap() error { return e.Err }
