package pgwire

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/krbdbproxy/krbdbproxy/internal/audit"
	"github.com/krbdbproxy/krbdbproxy/internal/krb5auth"
	"github.com/krbdbproxy/krbdbproxy/internal/metrics"
	"github.com/krbdbproxy/krbdbproxy/internal/router"
)

// Authentication request codes carried in an AuthenticationXXX message's
// 4-byte code field (frame type 'R').
const (
	authOk          uint32 = 0
	authKerberosV5  uint32 = 2
	authCleartext   uint32 = 3
	authMD5         uint32 = 5
	authGSS         uint32 = 7
	authGSSContinue uint32 = 8
)

// HandshakeResult reports the outcome of a BackendHandshake.
type HandshakeResult struct {
	Err error
}

// BackendHandshake owns the backend connection from the moment it is
// dialed until ReadyForQuery with a successful AuthenticationOk has been
// observed. It never forwards anything the client sent as credentials —
// the only credential material that crosses the wire to the backend comes
// from krb5auth, built from the route's configured identity.
type BackendHandshake struct {
	Conn    net.Conn
	Client  net.Conn
	Route   router.Route
	Session *audit.Session
	Fire    audit.Fire
	Metrics *metrics.Collector

	krbClient *krb5auth.Client
}

// Run drives the StartupMessage exchange and GSSAPI authentication to
// completion, forwarding ParameterStatus/BackendKeyData to the client and
// synthesizing AuthenticationOk once the backend confirms success. It
// returns once the backend has sent ReadyForQuery, or on any error.
func (d *BackendHandshake) Run(ctx context.Context) HandshakeResult {
	if err := d.sendStartup(); err != nil {
		return HandshakeResult{Err: err}
	}

	splitter := NewBackendSplitter(d.Conn)
	authSucceeded := false

	for {
		frame, err := splitter.Next()
		if err != nil {
			return HandshakeResult{Err: fmt.Errorf("%w: reading backend handshake frame: %w", ErrInvalidFrame, err)}
		}

		switch frame.Type {
		case MsgAuthentication:
			done, err := d.handleAuthentication(frame.Payload)
			if err != nil {
				if d.Metrics != nil {
					d.Metrics.AuthFailure("postgres", d.Route.Key)
				}
				return HandshakeResult{Err: fmt.Errorf("%w: %w", ErrAuthenticationFailure, err)}
			}
			if done {
				authSucceeded = true
				if err := WriteAuthenticationOk(d.Client); err != nil {
					return HandshakeResult{Err: err}
				}
			}
		case MsgParameterStatus, MsgBackendKeyData:
			if frame.Type == MsgBackendKeyData && len(frame.Payload) >= 4 {
				d.Session.SetPostgresPID(binary.BigEndian.Uint32(frame.Payload[:4]))
			}
			if err := WriteFrame(d.Client, frame.Type, frame.Payload); err != nil {
				return HandshakeResult{Err: err}
			}
		case MsgReadyForQuery:
			if err := WriteFrame(d.Client, frame.Type, frame.Payload); err != nil {
				return HandshakeResult{Err: err}
			}
			if !authSucceeded {
				return HandshakeResult{Err: fmt.Errorf("%w: ReadyForQuery before AuthenticationOk", ErrAuthenticationFailure)}
			}
			// Hand the connection back wrapped around the splitter's
			// buffered reader so no bytes it already peeked past
			// ReadyForQuery are lost to the byte pump that takes over next.
			d.Conn = &handshakeConn{Conn: d.Conn, r: splitter.Reader()}
			return HandshakeResult{}
		case MsgErrorResponse:
			return HandshakeResult{Err: fmt.Errorf("%w: backend rejected startup: %s", ErrAuthenticationFailure, parseErrorMessage(frame.Payload))}
		default:
			if err := WriteFrame(d.Client, frame.Type, frame.Payload); err != nil {
				return HandshakeResult{Err: err}
			}
		}
	}
}

func (d *BackendHandshake) sendStartup() error {
	var params []byte
	writeParam := func(name, value string) {
		params = append(params, name...)
		params = append(params, 0)
		params = append(params, value...)
		params = append(params, 0)
	}
	writeParam("user", d.Route.BackendUser)
	if d.Route.BackendDatabase != "" {
		writeParam("database", d.Route.BackendDatabase)
	}
	params = append(params, 0)

	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, ProtocolV3Code)
	body = append(body, params...)

	total := make([]byte, 4)
	binary.BigEndian.PutUint32(total, uint32(4+len(body)))
	_, err := d.Conn.Write(append(total, body...))
	return err
}

// handleAuthentication dispatches one AuthenticationXXX message. done is
// true once the backend reports AuthenticationOk.
func (d *BackendHandshake) handleAuthentication(payload []byte) (done bool, err error) {
	if len(payload) < 4 {
		return false, fmt.Errorf("AuthenticationXXX payload too short")
	}
	code := binary.BigEndian.Uint32(payload[:4])

	switch code {
	case authOk:
		return true, nil
	case authGSS:
		if err := d.startGSS(); err != nil {
			return false, err
		}
		return false, nil
	case authGSSContinue:
		return false, d.continueGSS(payload[4:])
	case authCleartext, authMD5, authKerberosV5:
		return false, fmt.Errorf("%w: backend requested unsupported authentication method %d; route must be configured for GSSAPI", krb5auth.ErrAuthenticationFailed, code)
	default:
		return false, fmt.Errorf("%w: unsupported authentication request code %d", krb5auth.ErrAuthenticationFailed, code)
	}
}

func (d *BackendHandshake) startGSS() error {
	identity := krb5auth.Identity{
		ClientPrincipal:      d.Route.ClientPrincipal,
		Realm:                d.Route.Realm,
		KeytabPath:           d.Route.KeytabPath,
		CCachePath:           d.Route.CCachePath,
		KRB5ConfigPath:       d.Route.KRB5ConfigPath,
		ServicePrincipalName: d.Route.ServicePrincipalName,
	}
	krbClient, err := krb5auth.NewClient(identity)
	if err != nil {
		return err
	}
	d.krbClient = krbClient

	token, err := krbClient.InitialToken(d.Route.Host)
	if err != nil {
		return err
	}
	return WriteFrame(d.Conn, MsgPasswordMessage, token)
}

func (d *BackendHandshake) continueGSS(serverToken []byte) error {
	if d.krbClient == nil {
		return fmt.Errorf("%w: GSSContinue received before GSS exchange started", krb5auth.ErrAuthenticationFailed)
	}
	reply, _, err := d.krbClient.Challenge(serverToken)
	if err != nil {
		return err
	}
	if len(reply) == 0 {
		return nil
	}
	return WriteFrame(d.Conn, MsgPasswordMessage, reply)
}

// handshakeConn reads through a Splitter's buffered reader instead of the
// raw connection, so bytes already buffered during the handshake are not
// dropped once the connection is handed to the byte pump.
type handshakeConn struct {
	net.Conn
	r io.Reader
}

func (h *handshakeConn) Read(p []byte) (int, error) {
	return h.r.Read(p)
}

// parseErrorMessage extracts the 'M' (message) field from an ErrorResponse
// payload for inclusion in the wrapped error; every other field is ignored
// here (the full field set is surfaced by the audit observer instead).
func parseErrorMessage(payload []byte) string {
	for len(payload) > 0 {
		fieldType := payload[0]
		payload = payload[1:]
		if fieldType == 0 {
			break
		}
		value, rest, ok := readCString(payload)
		if !ok {
			break
		}
		payload = rest
		if fieldType == 'M' {
			return value
		}
	}
	return "unknown error"
}
