package pgwire

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/krbdbproxy/krbdbproxy/internal/audit"
	"github.com/krbdbproxy/krbdbproxy/internal/metrics"
	"github.com/krbdbproxy/krbdbproxy/internal/pump"
	"github.com/krbdbproxy/krbdbproxy/internal/router"
)

// Resolver looks up a Route for a session's target database name.
type Resolver interface {
	Resolve(key string) (router.Route, error)
	Default() (router.Route, bool)
}

// Frontend drives one accepted client connection through the startup
// handshake, buffers forwardable frames until the backend handshake
// reports ready, and then streams frames straight through.
type Frontend struct {
	Conn     net.Conn
	Resolver Resolver
	Session  *audit.Session
	Fire     audit.Fire
	Metrics  *metrics.Collector

	splitter *Splitter
}

// frameResult is what the frontend's single background reader goroutine
// hands back on each turn; frameCh always has exactly one outstanding read
// in flight, so fe.splitter is never touched by more than one goroutine at
// a time.
type frameResult struct {
	frame Frame
	err   error
}

// handshakeOutcome is what runBackendHandshake hands back once the backend
// dial and Kerberos/GSSAPI exchange finish, one way or the other.
type handshakeOutcome struct {
	conn    net.Conn
	err     error
	message string
}

// Run drives the connection to completion: startup negotiation, then
// streaming until either side closes.
func (fe *Frontend) Run(ctx context.Context) {
	fe.splitter = NewFrontendSplitter(fe.Conn)
	fe.Fire.NewSession(ctx, fe.Session)
	defer pump.CloseQuietly(fe.Conn)

	route, cancelForwarded, err := fe.negotiateStartup(ctx)
	if err != nil {
		fe.failStartup(ctx, err)
		return
	}
	if cancelForwarded {
		return
	}

	fe.stream(ctx, route)
}

// negotiateStartup drives the pre-backend startup loop: SSL/GSSENC
// negotiation replies, then latches the StartupMessage into the session
// and resolves a route. It returns cancelForwarded=true when the
// connection turned out to be a CancelRequest, which this proxy forwards
// best-effort and then closes — there is no second backend connection to
// keep open for it.
func (fe *Frontend) negotiateStartup(ctx context.Context) (router.Route, bool, error) {
	for {
		frame, err := fe.splitter.Next()
		if err != nil {
			return router.Route{}, false, err
		}
		msg, err := ParseFrontend(frame, true)
		if err != nil {
			return router.Route{}, false, err
		}

		switch m := msg.(type) {
		case SSLRequest, GSSENCRequest:
			if err := WriteSSLNotSupported(fe.Conn); err != nil {
				return router.Route{}, false, err
			}
			continue
		case CancelRequest:
			fe.splitter.MarkStartupProcessed()
			fe.forwardCancelBestEffort(ctx, m)
			return router.Route{}, true, nil
		case StartupMessage:
			fe.splitter.MarkStartupProcessed()
			route, err := fe.applyStartup(m)
			if err != nil {
				return router.Route{}, false, err
			}
			return route, false, nil
		default:
			return router.Route{}, false, fmt.Errorf("%w: unexpected startup message %T", ErrInvalidFrame, msg)
		}
	}
}

func (fe *Frontend) applyStartup(sm StartupMessage) (router.Route, error) {
	var user, database, appName string
	kvs := make([]audit.KV, 0, len(sm.Params))
	for _, p := range sm.Params {
		switch p.Name {
		case "user":
			user = p.Value
		case "database":
			database = p.Value
		case "application_name":
			appName = p.Value
		}
		kvs = append(kvs, audit.KV{Name: p.Name, Value: p.Value})
	}
	fe.Session.SetStartupIdentity(user, database, appName, kvs)

	key := database
	route, err := fe.Resolver.Resolve(key)
	if err != nil {
		if def, ok := fe.Resolver.Default(); ok {
			route = def
		} else {
			return router.Route{}, fmt.Errorf("%w: %w", ErrRouteUnresolved, err)
		}
	}
	fe.Session.SetRoute(route.ServicePrincipalName, "postgres", "postgres")
	return route, nil
}

// forwardCancelBestEffort dials the default route (if any) and writes the
// raw CancelRequest bytes, per spec's declared non-goal of full cancel
// routing: this proxy does not track (pid, secret) -> backend mappings, it
// only relays the request best-effort onto a freshly dialed connection.
func (fe *Frontend) forwardCancelBestEffort(ctx context.Context, cr CancelRequest) {
	route, ok := fe.Resolver.Default()
	if !ok {
		return
	}
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", route.Host, route.Port))
	if err != nil {
		return
	}
	if route.TLSEnabled {
		conn, err = wrapBackendTLS(ctx, conn, route)
		if err != nil {
			return
		}
	}
	defer pump.CloseQuietly(conn)

	frame := make([]byte, 16)
	frame[3] = 16
	frame[4], frame[5], frame[6], frame[7] = 4, 210, 41, 46 // 80877102 big-endian
	putU32(frame[8:12], cr.PID)
	putU32(frame[12:16], cr.Secret)
	conn.Write(frame)
}

func putU32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

func (fe *Frontend) failStartup(ctx context.Context, err error) {
	fe.Fire.Start(ctx, fe.Session)
	fe.Fire.End(ctx, fe.Session, err)
	WriteErrorResponse(fe.Conn, "invalid startup sequence")
}

// stream owns fe.splitter for the rest of the connection's life. Before the
// backend handshake reports ready it drops every PasswordMessage frame —
// the client never authenticates the backend, so nothing it sends as a
// credential may cross the wire — and queues every other forwardable frame
// in arrival order; once ready it flushes the queue once and forwards
// subsequent frames straight through. Exactly one goroutine reads
// fe.splitter at a time (fe.readNextFrame only ever has one outstanding
// call), so the transition from queueing to direct forwarding needs no
// lock beyond this select loop's own sequencing.
func (fe *Frontend) stream(ctx context.Context, route router.Route) {
	handshakeCh := make(chan handshakeOutcome, 1)
	go fe.runBackendHandshake(ctx, route, handshakeCh)

	var (
		backendConn net.Conn
		ready       bool
		pending     [][]byte
	)
	defer func() {
		if backendConn != nil {
			pump.CloseQuietly(backendConn)
		}
	}()

	frameCh := make(chan frameResult, 1)
	fe.readNextFrame(frameCh)

	backendDone := make(chan error, 1)
	for {
		select {
		case <-ctx.Done():
			return

		case outcome := <-handshakeCh:
			handshakeCh = nil // one-shot; leave the channel nil so this case never fires again
			if outcome.err != nil {
				fe.Fire.Start(ctx, fe.Session)
				fe.Fire.End(ctx, fe.Session, outcome.err)
				WriteErrorResponse(fe.Conn, outcome.message)
				return
			}
			backendConn = outcome.conn
			for _, raw := range pending {
				if _, werr := backendConn.Write(raw); werr != nil {
					fe.Fire.Start(ctx, fe.Session)
					fe.Fire.End(ctx, fe.Session, werr)
					return
				}
			}
			pending = nil
			ready = true

			fe.Fire.Start(ctx, fe.Session)
			if fe.Metrics != nil {
				fe.Metrics.SessionStarted("postgres")
			}
			backendTap := newBackendTap(ctx, backendConn, fe.Fire, fe.Session)
			go func() {
				_, copyErr := io.Copy(fe.Conn, backendTap)
				backendDone <- ignoreEOF(copyErr)
			}()

		case copyErr := <-backendDone:
			fe.Fire.End(ctx, fe.Session, copyErr)
			if fe.Metrics != nil {
				outcome := "closed"
				if copyErr != nil {
					outcome = "error"
				}
				fe.Metrics.SessionEnded("postgres", outcome, time.Since(fe.Session.CreatedAt))
			}
			return

		case fr := <-frameCh:
			if fr.err != nil {
				return
			}
			if raw, forward := fe.prepareStreamFrame(ctx, fr.frame); forward {
				if ready {
					if _, werr := backendConn.Write(raw); werr != nil {
						return
					}
				} else {
					pending = append(pending, raw)
				}
			}
			fe.readNextFrame(frameCh)
		}
	}
}

// prepareStreamFrame decides whether one post-startup frontend frame may
// reach the backend at all. PasswordMessage never does, under any
// interleaving — the client is never the one negotiating backend
// credentials. Everything else is logged (when it's a query-shaped
// message) and returned ready to forward, whether immediately or via the
// pending queue.
func (fe *Frontend) prepareStreamFrame(ctx context.Context, frame Frame) (raw []byte, forward bool) {
	if frame.Type == MsgPasswordMessage {
		return nil, false
	}
	if msg, err := ParseFrontend(frame, false); err == nil {
		if ev, ok := queryEventFor(msg); ok {
			fe.Fire.Query(ctx, fe.Session, ev)
		}
	}
	return encodeFrame(frame), true
}

func encodeFrame(f Frame) []byte {
	var buf bytes.Buffer
	WriteFrame(&buf, f.Type, f.Payload)
	return buf.Bytes()
}

func (fe *Frontend) readNextFrame(out chan<- frameResult) {
	go func() {
		frame, err := fe.splitter.Next()
		out <- frameResult{frame: frame, err: err}
	}()
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (fe *Frontend) runBackendHandshake(ctx context.Context, route router.Route, out chan<- handshakeOutcome) {
	backendConn, err := fe.dialBackend(ctx, route)
	if err != nil {
		if fe.Metrics != nil {
			fe.Metrics.BackendDialFailure("postgres", route.Key)
		}
		out <- handshakeOutcome{err: err, message: "Backend connection failed"}
		return
	}

	driver := &BackendHandshake{
		Conn:    backendConn,
		Client:  fe.Conn,
		Route:   route,
		Session: fe.Session,
		Fire:    fe.Fire,
		Metrics: fe.Metrics,
	}
	result := driver.Run(ctx)
	if result.Err != nil {
		pump.CloseQuietly(backendConn)
		out <- handshakeOutcome{err: result.Err, message: "Backend authentication failed"}
		return
	}
	out <- handshakeOutcome{conn: driver.Conn}
}

// dialBackend establishes the TCP (and, when the route requires it, TLS)
// connection BackendHandshake authenticates over. route.TLSEnabled gates
// the TLS wrap; PostgresRoutes always sets it, but the field stays
// route-driven rather than hardcoded here so a future non-TLS route isn't
// forced through a handshake its backend never speaks.
func (fe *Frontend) dialBackend(ctx context.Context, route router.Route) (net.Conn, error) {
	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", route.Host, route.Port))
		if err == nil && route.TLSEnabled {
			conn, err = wrapBackendTLS(ctx, conn, route)
		}
		resultCh <- dialResult{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBackendUnreachable, r.err)
		}
		return r.conn, nil
	}
}

// wrapBackendTLS terminates the client side of a TLS connection to the
// backend: RootCAs from route.CACertPath when the route names one,
// otherwise the system trust store, unless route.TLSSkipVerify opts the
// route out of verification entirely (for a backend stood up before its
// CA bundle is deployed). TLS 1.2 is the version floor; ServerName comes
// from the route rather than the dialed address, since the two can
// legitimately differ behind a load balancer or SNI-routed proxy.
func wrapBackendTLS(ctx context.Context, conn net.Conn, route router.Route) (net.Conn, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         route.ServerName,
		InsecureSkipVerify: route.TLSSkipVerify,
	}
	if route.CACertPath != "" {
		pem, err := os.ReadFile(route.CACertPath)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("reading backend CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			conn.Close()
			return nil, fmt.Errorf("no certificates found in %s", route.CACertPath)
		}
		cfg.RootCAs = pool
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("backend TLS handshake: %w", err)
	}
	return tlsConn, nil
}
