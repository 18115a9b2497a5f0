package cassandra

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/krbdbproxy/krbdbproxy/internal/audit"
	"github.com/krbdbproxy/krbdbproxy/internal/metrics"
	"github.com/krbdbproxy/krbdbproxy/internal/router"
)

func TestFailedHandshakeRespondsWithAuthErrorAfterStartup(t *testing.T) {
	unreachable := router.NewStaticResolver([]router.Route{
		{Key: "default", Host: "127.0.0.1", Port: 1}, // nothing listens here
	}, "default")

	client, driverSide := net.Pipe()
	defer client.Close()

	sess := &Session{
		Client:       driverSide,
		Resolver:     unreachable,
		AuditSession: audit.NewSession("127.0.0.1:1", audit.ProtocolCassandra),
		Fire:         audit.Fire{},
		Metrics:      metrics.New(),
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	writeClientFrame(t, client, Frame{Header: Header{Version: 4, StreamID: 1, Opcode: OpOptions}})
	supported := readOneFrame(t, client)
	if supported.Header.Opcode != OpSupported {
		t.Fatalf("expected SUPPORTED, got opcode %v", supported.Header.Opcode)
	}

	writeClientFrame(t, client, Frame{
		Header: Header{Version: 4, StreamID: 2, Opcode: OpStartup},
		Body:   EncodeStartup(StartupOptions{"CQL_VERSION": "3.4.5"}),
	})
	authenticate := readOneFrame(t, client)
	if authenticate.Header.Opcode != OpAuthenticate {
		t.Fatalf("expected AUTHENTICATE, got opcode %v", authenticate.Header.Opcode)
	}

	writeClientFrame(t, client, Frame{
		Header: Header{Version: 4, StreamID: 2, Opcode: OpAuthResponse},
		Body:   writeBytes(append([]byte{0}, []byte("alice\x00pw")...)),
	})
	errFrame := readOneFrame(t, client)
	if errFrame.Header.Opcode != OpError {
		t.Fatalf("expected ERROR, got opcode %v", errFrame.Header.Opcode)
	}
	code, _, err := readBytesAsUint32(errFrame.Body)
	if err != nil {
		t.Fatalf("reading error code: %v", err)
	}
	if code != AuthErrorCode {
		t.Fatalf("error code = %x, want %x", code, AuthErrorCode)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrBackendUnreachable) {
			t.Fatalf("expected ErrBackendUnreachable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Session.Run did not return")
	}
}

func readBytesAsUint32(body []byte) (uint32, []byte, error) {
	if len(body) < 4 {
		return 0, nil, errors.New("body too short")
	}
	v := uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
	return v, body[4:], nil
}
