// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Normalized request failures. The gateway maps every transport/HTTP failure
// into exactly one of these before it reaches a store.
var (
	// ErrNetwork indicates a transport-level failure with no HTTP response.
	ErrNetwork = errors.New("network error")

	// ErrUnauthenticated indicates a 401 response; the session is cleared as a side effect.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden indicates a 403 response.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates a 404 response.
	ErrNotFound = errors.New("not found")

	// ErrServer indicates a 5xx response.
	ErrServer = errors.New("server error")

	// ErrValidation indicates a 400 response or an unsuccessful API envelope;
	// wraps the server-provided message verbatim.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidCredentials indicates the server rejected a login attempt.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrRequiresAuth indicates an operation that needs an authenticated session
	// was attempted anonymously. Raised before any network call.
	ErrRequiresAuth = errors.New("authentication required")
)
