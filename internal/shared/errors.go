package shared

import (
	"errors"
	"fmt"

	"github.com/odyssey-erp/erp-access/internal/platform/httpx"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = fmt.Errorf("not found: %w", httpx.ErrNotFound)
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = fmt.Errorf("invalid credentials: %w", httpx.ErrUnauthorized)
	// ErrMissingToken occurs when a protected route is called without a bearer token.
	ErrMissingToken = fmt.Errorf("missing token: %w", httpx.ErrUnauthorized)
	// ErrForbidden indicates the principal's role does not grant the action.
	ErrForbidden = fmt.Errorf("access denied: %w", httpx.ErrForbidden)
	// ErrDependencyUnavailable wraps store failures other than not-found.
	ErrDependencyUnavailable = fmt.Errorf("store: %w", httpx.ErrUnavailable)
	// ErrConfiguration is fatal at startup.
	ErrConfiguration = errors.New("configuration error")
)

// Unavailable wraps err as a dependency failure while keeping it inspectable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrDependencyUnavailable, err)
}
