// Package router resolves an incoming session to the backend Route it
// should be proxied to, and the Kerberos identity that backend connection
// must authenticate with.
package router

// Route describes one backend target: where to dial, which TLS posture to
// use, and which Kerberos identity to present. Routes are looked up by the
// protocol-specific key a session presents at startup (the PostgreSQL
// "database" startup parameter, the Cassandra keyspace-less connection
// target, or a configured default).
type Route struct {
	// Key is the lookup key this route is registered under (typically
	// the target database/keyspace name, occasionally a raw host alias).
	Key string

	Host string
	Port int

	// BackendUser is the identity asserted to the backend once
	// authentication succeeds — wire-protocol messages still carry a
	// user field even though Kerberos performs the real authentication.
	BackendUser     string
	BackendDatabase string

	// TLS posture for the backend leg.
	TLSEnabled    bool
	CACertPath    string
	ServerName    string
	TLSSkipVerify bool

	// Kerberos identity used to authenticate this route's backend
	// connection. Never populated from anything a client sends.
	ClientPrincipal      string
	Realm                string
	KeytabPath           string
	CCachePath           string
	KRB5ConfigPath       string
	ServicePrincipalName string

	// ValidateUsername, when true, rejects a session whose client-
	// presented username does not match BackendUser instead of the
	// default "extract for audit only" behavior.
	ValidateUsername bool
}

// DefaultServicePrincipalName returns the conventional backend service
// principal name for a protocol when a route does not configure one
// explicitly: "postgres" for PostgreSQL, "cassandra" for the CQL native
// protocol.
func DefaultServicePrincipalName(protocol string) string {
	switch protocol {
	case "postgres":
		return "postgres"
	case "cassandra":
		return "cassandra"
	default:
		return protocol
	}
}
