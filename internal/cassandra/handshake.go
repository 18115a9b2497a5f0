package cassandra

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/krbdbproxy/krbdbproxy/internal/audit"
	"github.com/krbdbproxy/krbdbproxy/internal/krb5auth"
	"github.com/krbdbproxy/krbdbproxy/internal/metrics"
	"github.com/krbdbproxy/krbdbproxy/internal/pump"
	"github.com/krbdbproxy/krbdbproxy/internal/router"
)

// defaultProtocolVersion is assumed until the client's own STARTUP frame
// reveals the negotiated version.
const defaultProtocolVersion byte = 4

// Resolver looks up the backend Route for a session. Cassandra's wire
// protocol carries no per-connection keyspace at startup, so sessions are
// routed by a configured default unless a future extension adds a
// connection-target key.
type Resolver interface {
	Default() (router.Route, bool)
}

// Session drives one client connection end to end: negotiating STARTUP,
// dialing and authenticating to the backend with Kerberos/GSSAPI, then
// relaying frames while auditing query and result traffic.
type Session struct {
	Client       net.Conn
	Resolver     Resolver
	AuditSession *audit.Session
	Fire         audit.Fire
	Metrics      *metrics.Collector

	clientFramer  *Framer
	backendFramer *Framer
	backendConn   net.Conn
	route         router.Route

	version        byte
	compression    string
	krbClient      *krb5auth.Client
	ready          bool
	sessionStarted bool
	streamID       int16
}

// Run drives the session until the client or backend connection closes.
func (s *Session) Run(ctx context.Context) error {
	defer pump.CloseQuietly(s.Client)

	s.Fire.NewSession(ctx, s.AuditSession)

	s.clientFramer = NewFramer(s.Client)
	s.version = defaultProtocolVersion
	s.compression = "none"

	route, ok := s.Resolver.Default()
	if !ok {
		return s.runFailedHandshake(ctx, fmt.Errorf("%w: no default route configured", ErrRouteUnresolved))
	}
	s.route = route

	backendConn, err := dialBackend(ctx, route)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.BackendDialFailure("cassandra", route.Key)
		}
		return s.runFailedHandshake(ctx, err)
	}
	s.backendConn = backendConn
	s.backendFramer = NewFramer(backendConn)
	defer pump.CloseQuietly(s.backendConn)

	if err := s.negotiate(ctx); err != nil {
		s.endSession(ctx, err)
		return err
	}

	s.startSession(ctx)
	clientTap := newFrontendTap(ctx, &handshakeConn{Conn: s.Client, r: s.clientFramer.Reader()}, s.Fire, s.AuditSession, s.version)
	backendTap := newBackendTap(ctx, &handshakeConn{Conn: s.backendConn, r: s.backendFramer.Reader()}, s.Fire, s.AuditSession, s.version)
	result := pump.Link(ctx, clientTap, backendTap)
	s.endSession(ctx, result.Err)
	return result.Err
}

// negotiate drives client STARTUP/OPTIONS frames and the backend's
// Kerberos/GSSAPI challenge-response exchange until the backend reaches
// Ready or AuthSuccess, forwarding every frame verbatim along the way.
//
// The exchange is turn-based in practice: a real client sends OPTIONS or
// STARTUP and then waits for the corresponding reply before sending
// anything else, so each direction is read strictly in its own turn
// rather than multiplexed with a select — reading both framers from
// concurrent goroutines would race each connection's internal
// bufio.Reader. One consequence: if a client driver replies to the
// proxy's forwarded AUTHENTICATE with its own AUTH_RESPONSE (carrying
// credentials the proxy never uses, since it authenticates to the
// backend with its own Kerberos identity), that frame arrives after this
// function has already finished waiting on the backend and is left for
// the post-handshake tap to observe rather than read here.
func (s *Session) negotiate(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		clientFrame, err := s.clientFramer.Next()
		if err != nil {
			return fmt.Errorf("%w: reading client frame: %w", ErrInvalidFrame, err)
		}
		wasStartup := clientFrame.Header.Opcode == OpStartup
		if err := s.handleClientFrame(clientFrame); err != nil {
			return err
		}
		if clientFrame.Header.Opcode == OpAuthResponse {
			// Dropped: no backend turn follows a discarded client credential.
			continue
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			backendFrame, err := s.backendFramer.Next()
			if err != nil {
				return fmt.Errorf("%w: reading backend frame: %w", ErrAuthenticationFailure, err)
			}
			done, err := s.handleBackendFrame(backendFrame)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			if !wasStartup && backendFrame.Header.Opcode == OpSupported {
				break
			}
		}
	}
}

func (s *Session) handleClientFrame(frame Frame) error {
	s.streamID = frame.Header.StreamID
	switch frame.Header.Opcode {
	case OpStartup:
		opts, err := ParseStartup(frame.Body)
		if err == nil {
			if c, ok := opts["COMPRESSION"]; ok {
				s.compression = c
			}
			s.AuditSession.SetDriver(opts["DRIVER_NAME"], opts["DRIVER_VERSION"])
		}
		s.version = frame.Header.Version
		return s.backendFramer.WriteFrame(frame)
	case OpAuthResponse:
		// Drop client-presented credentials; only an opaque SASL/GSS
		// token (if any) may legitimately pass through, and even that
		// never happens because the proxy — not the client — drives
		// the backend's GSSAPI exchange. Extract a username for audit,
		// and, when the route opts in, reject a mismatch outright
		// instead of silently authenticating a different identity to
		// the backend than the one the client asserted.
		if creds, err := ParseAuthResponse(frame.Body); err == nil && creds.IsPassword {
			s.AuditSession.SetStartupIdentity(creds.Username, "", "", nil)
			if s.route.ValidateUsername && creds.Username != s.route.BackendUser {
				cause := fmt.Errorf("%w: client username %q does not match route identity", ErrAuthenticationFailure, creds.Username)
				reply := encodeAuthErrorFrame(frame.Header.Version, frame.Header.StreamID, cause)
				_ = s.clientFramer.WriteFrame(reply)
				return cause
			}
		}
		return nil
	default:
		return s.backendFramer.WriteFrame(frame)
	}
}

// handleBackendFrame forwards or intercepts one backend frame per the
// handshake transition table. done reports that the handshake has
// finished (successfully or not) and negotiate should return.
func (s *Session) handleBackendFrame(frame Frame) (bool, error) {
	switch frame.Header.Opcode {
	case OpSupported:
		return false, s.clientFramer.WriteFrame(frame)
	case OpAuthenticate:
		if err := s.clientFramer.WriteFrame(frame); err != nil {
			return false, err
		}
		s.switchToModernFraming()
		return false, s.startGSS()
	case OpAuthChallenge:
		if err := s.clientFramer.WriteFrame(frame); err != nil {
			return false, err
		}
		return false, s.continueGSS(frame.Body)
	case OpAuthSuccess:
		if err := s.clientFramer.WriteFrame(frame); err != nil {
			return false, err
		}
		s.switchToModernFraming()
		s.ready = true
		return true, nil
	case OpReady:
		if err := s.clientFramer.WriteFrame(frame); err != nil {
			return false, err
		}
		s.switchToModernFraming()
		s.ready = true
		return true, nil
	case OpError:
		_ = s.clientFramer.WriteFrame(frame)
		return true, fmt.Errorf("%w: backend returned ERROR during handshake", ErrAuthenticationFailure)
	default:
		return false, s.clientFramer.WriteFrame(frame)
	}
}

func (s *Session) switchToModernFraming() {
	s.clientFramer.SwitchToModernFramingRead(s.version)
	s.clientFramer.SwitchToModernFramingWrite(s.version)
	s.backendFramer.SwitchToModernFramingRead(s.version)
	s.backendFramer.SwitchToModernFramingWrite(s.version)
}

func (s *Session) startGSS() error {
	identity := krb5auth.Identity{
		ClientPrincipal:      s.route.ClientPrincipal,
		Realm:                s.route.Realm,
		KeytabPath:           s.route.KeytabPath,
		CCachePath:           s.route.CCachePath,
		KRB5ConfigPath:       s.route.KRB5ConfigPath,
		ServicePrincipalName: s.route.ServicePrincipalName,
	}
	krbClient, err := krb5auth.NewClient(identity)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.AuthFailure("cassandra", s.route.Key)
		}
		return fmt.Errorf("%w: %w", ErrAuthenticationFailure, err)
	}
	s.krbClient = krbClient

	token, err := krbClient.InitialToken(s.route.Host)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.AuthFailure("cassandra", s.route.Key)
		}
		return fmt.Errorf("%w: %w", ErrAuthenticationFailure, err)
	}
	return s.writeAuthResponse(token)
}

func (s *Session) continueGSS(serverToken []byte) error {
	if s.krbClient == nil {
		return fmt.Errorf("%w: auth challenge before startGSS", ErrAuthenticationFailure)
	}
	reply, _, err := s.krbClient.Challenge(serverToken)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.AuthFailure("cassandra", s.route.Key)
		}
		return fmt.Errorf("%w: %w", ErrAuthenticationFailure, err)
	}
	if len(reply) == 0 {
		return nil
	}
	return s.writeAuthResponse(reply)
}

// writeAuthResponse sends a proxy-originated AUTH_RESPONSE to the
// backend: a client-direction header (version high bit clear, no flags)
// carrying the triggering backend frame's stream id, wrapping token.
func (s *Session) writeAuthResponse(token []byte) error {
	frame := Frame{
		Header: Header{
			Version:    s.version,
			IsResponse: false,
			StreamID:   s.streamID,
			Opcode:     OpAuthResponse,
		},
		Body: EncodeAuthResponse(token),
	}
	return s.backendFramer.WriteFrame(frame)
}

func (s *Session) startSession(ctx context.Context) {
	if s.sessionStarted {
		return
	}
	s.sessionStarted = true
	s.AuditSession.SetRoute(s.route.ServicePrincipalName, "cassandra", "cql")
	s.Fire.Start(ctx, s.AuditSession)
	if s.Metrics != nil {
		s.Metrics.SessionStarted("cassandra")
	}
}

func (s *Session) endSession(ctx context.Context, err error) {
	if !s.sessionStarted {
		s.startSession(ctx)
	}
	s.Fire.End(ctx, s.AuditSession, err)
	if s.Metrics != nil {
		outcome := "closed"
		if err != nil {
			outcome = "error"
		}
		s.Metrics.SessionEnded("cassandra", outcome, time.Since(s.AuditSession.CreatedAt))
	}
	if s.krbClient != nil {
		s.krbClient.Close()
	}
}

func dialBackend(ctx context.Context, route router.Route) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", route.Host, route.Port)
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBackendUnreachable, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handshakeConn reads through a Framer's buffered reader instead of the
// raw connection, so bytes the Framer had already buffered ahead of the
// last frame it returned are not dropped once the connection is handed to
// the byte pump.
type handshakeConn struct {
	net.Conn
	r interface {
		Read(p []byte) (int, error)
	}
}

func (h *handshakeConn) Read(p []byte) (int, error) {
	return h.r.Read(p)
}
