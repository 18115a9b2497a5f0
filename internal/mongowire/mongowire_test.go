package mongowire

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/krbdbproxy/krbdbproxy/internal/audit"
	"github.com/krbdbproxy/krbdbproxy/internal/metrics"
)

func encodeOpMsg(requestID int32, body string) []byte {
	total := messageHeaderLength + len(body)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(requestID))
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], 2013) // OP_MSG
	copy(buf[messageHeaderLength:], body)
	return buf
}

func TestHandlePassesBytesThroughUnmodified(t *testing.T) {
	backendLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer backendLn.Close()

	serverSeen := make(chan []byte, 1)
	go func() {
		conn, err := backendLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		n, _ := conn.Read(buf)
		serverSeen <- append([]byte(nil), buf[:n]...)
		conn.Write(encodeOpMsg(2, "reply-payload"))
	}()

	client, driverSide := net.Pipe()
	defer client.Close()

	h := &Handler{
		AuditSession: audit.NewSession("127.0.0.1:1", audit.ProtocolMongo),
		Fire:         audit.Fire{},
		Metrics:      metrics.New(),
	}

	done := make(chan error, 1)
	go func() {
		done <- h.Handle(context.Background(), driverSide, func() (net.Conn, error) {
			return net.Dial("tcp", backendLn.Addr().String())
		})
	}()

	request := encodeOpMsg(1, "find-command")
	if _, err := client.Write(request); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case seen := <-serverSeen:
		if string(seen) != string(request) {
			t.Fatalf("backend saw %q, want %q", seen, request)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("backend never received the request")
	}

	reply := make([]byte, messageHeaderLength+len("reply-payload"))
	if _, err := readFull(client, reply); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if string(reply[messageHeaderLength:]) != "reply-payload" {
		t.Fatalf("client saw %q", reply[messageHeaderLength:])
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Handle did not return after client closed")
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
