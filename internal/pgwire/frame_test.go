package pgwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func encodeStartupRaw(code uint32, params []byte) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, code)
	body = append(body, params...)
	total := make([]byte, 4)
	binary.BigEndian.PutUint32(total, uint32(4+len(body)))
	return append(total, body...)
}

func TestSplitterStartupFrame(t *testing.T) {
	raw := encodeStartupRaw(196608, []byte("user\x00alice\x00\x00"))
	sp := NewFrontendSplitter(bytes.NewReader(raw))

	f, err := sp.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Type != 0 {
		t.Fatalf("Type = %d, want 0 for startup frame", f.Type)
	}
	code := binary.BigEndian.Uint32(f.Payload[:4])
	if code != 196608 {
		t.Fatalf("code = %d, want 196608", code)
	}
}

func TestSplitterTypedFrameAfterStartup(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeStartupRaw(196608, []byte("\x00")))

	queryPayload := append([]byte("SELECT 1"), 0)
	header := make([]byte, 5)
	header[0] = 'Q'
	binary.BigEndian.PutUint32(header[1:], uint32(4+len(queryPayload)))
	buf.Write(header)
	buf.Write(queryPayload)

	sp := NewFrontendSplitter(&buf)
	if _, err := sp.Next(); err != nil {
		t.Fatalf("startup Next: %v", err)
	}
	sp.MarkStartupProcessed()

	f, err := sp.Next()
	if err != nil {
		t.Fatalf("typed Next: %v", err)
	}
	if f.Type != 'Q' {
		t.Fatalf("Type = %q, want Q", f.Type)
	}
	if !bytes.Equal(f.Payload, queryPayload) {
		t.Fatalf("Payload = %q, want %q", f.Payload, queryPayload)
	}
}

func TestSplitterStaysInStartupAcrossSSLNegotiation(t *testing.T) {
	sslRequest := make([]byte, 8)
	binary.BigEndian.PutUint32(sslRequest[:4], 8)
	binary.BigEndian.PutUint32(sslRequest[4:], 80877103)

	var buf bytes.Buffer
	buf.Write(sslRequest)
	buf.Write(encodeStartupRaw(196608, []byte("\x00")))

	sp := NewFrontendSplitter(&buf)

	f1, err := sp.Next()
	if err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if f1.Type != 0 {
		t.Fatalf("Type = %d, want 0 (still startup-frame shape)", f1.Type)
	}

	// No MarkStartupProcessed call: the splitter must still be in
	// startup mode for the following StartupMessage.
	f2, err := sp.Next()
	if err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if f2.Type != 0 {
		t.Fatalf("Type = %d, want 0 for the StartupMessage frame", f2.Type)
	}
}

func TestSplitterInvalidLength(t *testing.T) {
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, 2)
	sp := NewFrontendSplitter(bytes.NewReader(raw))
	if _, err := sp.Next(); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("err = %v, want ErrInvalidFrame", err)
	}
}

func TestSplitterWaitsForFullFrame(t *testing.T) {
	r, w := io.Pipe()
	sp := NewBackendSplitter(r)

	done := make(chan Frame, 1)
	errCh := make(chan error, 1)
	go func() {
		f, err := sp.Next()
		if err != nil {
			errCh <- err
			return
		}
		done <- f
	}()

	header := make([]byte, 5)
	header[0] = 'R'
	binary.BigEndian.PutUint32(header[1:], 8)
	go func() {
		w.Write(header[:3])
		w.Write(header[3:])
		w.Write([]byte{0, 0, 0, 0})
	}()

	select {
	case f := <-done:
		if f.Type != 'R' {
			t.Fatalf("Type = %q, want R", f.Type)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSplitterEmitsNoResidualBytes(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeStartupRaw(196608, []byte("\x00")))
	buf.Write([]byte{'X', 0, 0, 0, 4})

	sp := NewFrontendSplitter(&buf)
	if _, err := sp.Next(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	sp.MarkStartupProcessed()
	f, err := sp.Next()
	if err != nil {
		t.Fatalf("typed: %v", err)
	}
	if f.Type != 'X' || len(f.Payload) != 0 {
		t.Fatalf("f = %+v, want Terminate with empty payload", f)
	}
	if buf.Len() != 0 {
		t.Fatalf("residual bytes left: %d", buf.Len())
	}
}
