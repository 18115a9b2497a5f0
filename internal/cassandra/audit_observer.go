package cassandra

import (
	"context"
	"io"
	"net"

	"github.com/krbdbproxy/krbdbproxy/internal/audit"
)

const tapBacklog = 256

// tap wraps a net.Conn, duplicating every read onto a buffered channel for
// a background observer to parse. Reads never block on the observer: a
// full channel silently drops the copy rather than stall the byte pump.
type tap struct {
	net.Conn
	frames chan []byte
}

func newTap(conn net.Conn) *tap {
	return &tap{Conn: conn, frames: make(chan []byte, tapBacklog)}
}

func (t *tap) Read(b []byte) (int, error) {
	n, err := t.Conn.Read(b)
	if n > 0 {
		cp := make([]byte, n)
		copy(cp, b[:n])
		select {
		case t.frames <- cp:
		default:
		}
	}
	if err != nil {
		close(t.frames)
	}
	return n, err
}

// chanReader sequences channel-delivered byte slices into a plain
// io.Reader so a Framer can parse them as an ordinary stream.
type chanReader struct {
	ch      <-chan []byte
	current []byte
}

func (r *chanReader) Read(p []byte) (int, error) {
	for len(r.current) == 0 {
		buf, ok := <-r.ch
		if !ok {
			return 0, io.EOF
		}
		r.current = buf
	}
	n := copy(p, r.current)
	r.current = r.current[n:]
	return n, nil
}

func newFrontendTap(ctx context.Context, conn net.Conn, fire audit.Fire, session *audit.Session, version byte) *tap {
	t := newTap(conn)
	go watchClient(ctx, t.frames, fire, session, version)
	return t
}

func newBackendTap(ctx context.Context, conn net.Conn, fire audit.Fire, session *audit.Session, version byte) *tap {
	t := newTap(conn)
	go watchBackend(ctx, t.frames, fire, session, version)
	return t
}

// watchClient parses frames copied from the client direction after the
// handshake has switched framing. It builds its own Framer, latched to
// the same negotiated version's framing mode, so a partial read boundary
// never corrupts the main connection's framing state.
func watchClient(ctx context.Context, frames <-chan []byte, fire audit.Fire, session *audit.Session, version byte) {
	framer := NewFramer(&onewayConn{r: &chanReader{ch: frames}})
	framer.SwitchToModernFramingRead(version)
	for {
		frame, err := framer.Next()
		if err != nil {
			return
		}
		detail, ok, err := ParseQueryDetail(frame.Header.Opcode, frame.Body)
		if err != nil || !ok {
			continue
		}
		fire.Query(ctx, session, queryEventFor(detail))
	}
}

func queryEventFor(d QueryDetail) audit.QueryEvent {
	stmt := d.Statement
	if len(d.Batch) > 0 && stmt == "" {
		stmt = d.Batch[0]
	}
	return audit.QueryEvent{Kind: d.Kind, Statement: stmt}
}

func watchBackend(ctx context.Context, frames <-chan []byte, fire audit.Fire, session *audit.Session, version byte) {
	framer := NewFramer(&onewayConn{r: &chanReader{ch: frames}})
	framer.SwitchToModernFramingRead(version)
	for {
		frame, err := framer.Next()
		if err != nil {
			return
		}
		switch frame.Header.Opcode {
		case OpError:
			code, message := parseErrorBody(frame.Body)
			fire.Result(ctx, session, audit.ResultEvent{Kind: "error", ErrorCode: code, ErrorMessage: message})
		case OpReady, OpAuthSuccess:
			fire.Result(ctx, session, audit.ResultEvent{Kind: "ready_for_query"})
		}
	}
}

func parseErrorBody(body []byte) (code, message string) {
	if len(body) < 4 {
		return "", ""
	}
	errCode := uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
	msg, _, err := readShortString(body[4:])
	if err != nil {
		return "", ""
	}
	return formatErrorCode(errCode), msg
}

func formatErrorCode(code uint32) string {
	return "0x" + hexUint32(code)
}

func hexUint32(v uint32) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

// onewayConn adapts an io.Reader to the io.ReadWriter a Framer is built
// over (a Framer consuming a tap only needs the Read side); Write discards
// its input and is never called on this path.
type onewayConn struct {
	r io.Reader
}

func (o *onewayConn) Read(p []byte) (int, error)  { return o.r.Read(p) }
func (o *onewayConn) Write(p []byte) (int, error) { return len(p), nil }
