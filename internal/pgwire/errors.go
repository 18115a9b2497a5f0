package pgwire

import "errors"

// Error kinds used throughout the PostgreSQL engine. These are sentinel
// values wrapped with fmt.Errorf("...: %w", ...) and compared with
// errors.Is, not a custom exception hierarchy.
var (
	// ErrInvalidFrame signals a malformed frame header or an impossible
	// declared length.
	ErrInvalidFrame = errors.New("pgwire: invalid frame")

	// ErrAuthenticationFailure signals a Kerberos/GSSAPI login or token
	// failure while driving the backend handshake.
	ErrAuthenticationFailure = errors.New("pgwire: backend authentication failed")

	// ErrBackendUnreachable signals a backend dial or TLS failure.
	ErrBackendUnreachable = errors.New("pgwire: backend unreachable")

	// ErrRouteUnresolved signals that the target resolver produced no
	// route for the session.
	ErrRouteUnresolved = errors.New("pgwire: no route for session")
)
