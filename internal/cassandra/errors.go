package cassandra

import "errors"

// Error kinds used throughout the Cassandra engine, wrapped with
// fmt.Errorf("...: %w", ...) and compared with errors.Is.
var (
	// ErrInvalidFrame signals a malformed legacy header or an impossible
	// declared body length.
	ErrInvalidFrame = errors.New("cassandra: invalid frame")

	// ErrFramingCorruption signals a CRC24 or CRC32 mismatch in a modern
	// (v5+) segment.
	ErrFramingCorruption = errors.New("cassandra: segment CRC mismatch")

	// ErrAuthenticationFailure signals a Kerberos/GSSAPI login or token
	// failure while driving the backend handshake.
	ErrAuthenticationFailure = errors.New("cassandra: backend authentication failed")

	// ErrBackendUnreachable signals a backend dial or TLS failure.
	ErrBackendUnreachable = errors.New("cassandra: backend unreachable")

	// ErrRouteUnresolved signals that the target resolver produced no
	// route for the session.
	ErrRouteUnresolved = errors.New("cassandra: no route for session")
)
