package cassandra

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/krbdbproxy/krbdbproxy/internal/audit"
	"github.com/krbdbproxy/krbdbproxy/internal/metrics"
	"github.com/krbdbproxy/krbdbproxy/internal/router"
)

// fakeBackend accepts exactly one connection, reads frames through a
// Framer, and replies according to script. script maps an incoming
// opcode to the Frame it should send back; io.EOF from Next() ends the
// fake backend's loop.
func fakeBackend(t *testing.T, script map[Opcode]Frame) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		framer := NewFramer(conn)
		for {
			frame, err := framer.Next()
			if err != nil {
				return
			}
			reply, ok := script[frame.Header.Opcode]
			if !ok {
				return
			}
			reply.Header.StreamID = frame.Header.StreamID
			if err := framer.WriteFrame(reply); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func newTestResolver(t *testing.T, addr string) *router.StaticResolver {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	route := router.Route{Key: "default", Host: host, Port: port, ServicePrincipalName: "cassandra"}
	return router.NewStaticResolver([]router.Route{route}, "default")
}

func writeClientFrame(t *testing.T, conn net.Conn, frame Frame) {
	t.Helper()
	if _, err := conn.Write(EncodeFrame(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestSessionReachesReadyWithoutAuthentication(t *testing.T) {
	addr := fakeBackend(t, map[Opcode]Frame{
		OpStartup: {Header: Header{Version: 4, Opcode: OpReady}},
	})
	resolver := newTestResolver(t, addr)

	client, driverSide := net.Pipe()
	defer client.Close()

	auditSession := audit.NewSession("127.0.0.1:1", audit.ProtocolCassandra)
	sess := &Session{
		Client:       driverSide,
		Resolver:     resolver,
		AuditSession: auditSession,
		Fire:         audit.Fire{},
		Metrics:      metrics.New(),
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	startup := Frame{
		Header: Header{Version: 4, StreamID: 1, Opcode: OpStartup},
		Body:   EncodeStartup(StartupOptions{"CQL_VERSION": "3.4.5", "DRIVER_NAME": "gocql", "DRIVER_VERSION": "1.6.0"}),
	}
	writeClientFrame(t, client, startup)

	reply := readOneFrame(t, client)
	if reply.Header.Opcode != OpReady {
		t.Fatalf("expected READY, got opcode %v", reply.Header.Opcode)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Session.Run did not return after client closed")
	}

	if auditSession.UserAgent() != "gocql/1.6.0" {
		t.Fatalf("user agent = %q, want gocql/1.6.0", auditSession.UserAgent())
	}
}

func TestSessionRejectsBackendError(t *testing.T) {
	addr := fakeBackend(t, map[Opcode]Frame{
		OpStartup: {Header: Header{Opcode: OpError}, Body: append([]byte{0, 0, 0, 0}, encodeShortString("nope")...)},
	})
	resolver := newTestResolver(t, addr)

	client, driverSide := net.Pipe()
	defer client.Close()

	sess := &Session{
		Client:       driverSide,
		Resolver:     resolver,
		AuditSession: audit.NewSession("127.0.0.1:1", audit.ProtocolCassandra),
		Fire:         audit.Fire{},
		Metrics:      metrics.New(),
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	startup := Frame{
		Header: Header{Version: 4, StreamID: 1, Opcode: OpStartup},
		Body:   EncodeStartup(StartupOptions{"CQL_VERSION": "3.4.5"}),
	}
	writeClientFrame(t, client, startup)

	reply := readOneFrame(t, client)
	if reply.Header.Opcode != OpError {
		t.Fatalf("expected ERROR forwarded to client, got opcode %v", reply.Header.Opcode)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrAuthenticationFailure) {
			t.Fatalf("expected ErrAuthenticationFailure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Session.Run did not return")
	}
}

// TestSessionRejectsMismatchedUsernameWhenValidationEnabled exercises
// handleClientFrame's OpAuthResponse case directly: an AUTH_RESPONSE
// carrying a PasswordAuthenticator token is handled the moment it
// arrives, regardless of whether a STARTUP/AUTHENTICATE turn preceded
// it, so sending one first keeps the backend's own (unrelated)
// Kerberos/GSSAPI exchange out of the test entirely.
func TestSessionRejectsMismatchedUsernameWhenValidationEnabled(t *testing.T) {
	addr := fakeBackend(t, map[Opcode]Frame{})
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	route := router.Route{
		Key: "default", Host: host, Port: port, ServicePrincipalName: "cassandra",
		ValidateUsername: true, BackendUser: "proxysvc",
	}
	resolver := router.NewStaticResolver([]router.Route{route}, "default")

	client, driverSide := net.Pipe()
	defer client.Close()

	sess := &Session{
		Client:       driverSide,
		Resolver:     resolver,
		AuditSession: audit.NewSession("127.0.0.1:1", audit.ProtocolCassandra),
		Fire:         audit.Fire{},
		Metrics:      metrics.New(),
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	token := append([]byte{0}, []byte("someoneelse\x00wrongpass")...)
	authResponse := Frame{
		Header: Header{Version: 4, StreamID: 2, Opcode: OpAuthResponse},
		Body:   EncodeAuthResponse(token),
	}
	writeClientFrame(t, client, authResponse)

	reply := readOneFrame(t, client)
	if reply.Header.Opcode != OpError {
		t.Fatalf("expected ERROR for username mismatch, got opcode %v", reply.Header.Opcode)
	}
	code := binary.BigEndian.Uint32(reply.Body)
	if code != AuthErrorCode {
		t.Fatalf("error code = %#x, want %#x", code, AuthErrorCode)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrAuthenticationFailure) {
			t.Fatalf("expected ErrAuthenticationFailure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Session.Run did not return")
	}
}

func readOneFrame(t *testing.T, conn net.Conn) Frame {
	t.Helper()
	framer := NewFramer(conn)
	frame, err := framer.Next()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return frame
}
