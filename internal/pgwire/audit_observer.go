package pgwire

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/krbdbproxy/krbdbproxy/internal/audit"
)

// tapBacklog bounds how many read buffers an audit tap queues for parsing
// before it starts dropping them. Dropping a buffer only loses audit
// visibility into that slice of traffic; it never slows or blocks the
// proxied connection itself.
const tapBacklog = 256

// tap wraps a net.Conn, duplicating every byte read off it onto an
// internal channel that a background goroutine parses as wire frames for
// audit purposes. The proxied connection itself is never blocked on the
// audit side keeping up.
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

// chanReader sequences the byte slices pushed onto a channel into a plain
// io.Reader, so a Splitter can read from it like any other stream.
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

// newBackendTap wraps a backend connection whose tapped bytes are parsed
// as backend messages and reported via fire.Result.
func newBackendTap(ctx context.Context, conn net.Conn, fire audit.Fire, session *audit.Session) *tap {
	t := newTap(conn)
	go watchBackend(ctx, t.frames, fire, session)
	return t
}

// queryEventFor classifies a parsed frontend message into the audit event
// Frontend.stream fires before forwarding it; the frontend direction is
// parsed inline as frames are read rather than through a tap, since
// Frontend.stream is already the sole owner of every frame it sees.
func queryEventFor(msg FrontendMessage) (audit.QueryEvent, bool) {
	switch m := msg.(type) {
	case Query:
		return audit.QueryEvent{Kind: "simple_query", Statement: m.SQL}, true
	case Parse:
		return audit.QueryEvent{Kind: "parse", Statement: m.SQL, Prepared: m.Statement}, true
	case Bind:
		return audit.QueryEvent{Kind: "bind", Portal: m.Portal, Prepared: m.Statement}, true
	case Execute:
		return audit.QueryEvent{Kind: "execute", Portal: m.Portal}, true
	case Close:
		return audit.QueryEvent{Kind: "close", Prepared: m.Name}, true
	case FunctionCall:
		return audit.QueryEvent{Kind: "function_call"}, true
	default:
		return audit.QueryEvent{}, false
	}
}

func watchBackend(ctx context.Context, frames <-chan []byte, fire audit.Fire, session *audit.Session) {
	splitter := NewBackendSplitter(&chanReader{ch: frames})
	for {
		frame, err := splitter.Next()
		if err != nil {
			return
		}
		switch frame.Type {
		case MsgCommandComplete:
			fire.Result(ctx, session, audit.ResultEvent{
				Kind:     "command_complete",
				RowCount: parseCommandTagRows(frame.Payload),
			})
		case MsgErrorResponse:
			code, message := parseErrorFields(frame.Payload)
			fire.Result(ctx, session, audit.ResultEvent{
				Kind:         "error",
				ErrorCode:    code,
				ErrorMessage: message,
			})
		case MsgReadyForQuery:
			fire.Result(ctx, session, audit.ResultEvent{Kind: "ready_for_query"})
		}
	}
}

// parseCommandTagRows extracts the trailing row count from a CommandComplete
// tag, e.g. "SELECT 5" -> 5, "INSERT 0 3" -> 3, "CREATE TABLE" -> -1 (no
// count reported).
func parseCommandTagRows(payload []byte) int64 {
	tag, _, _ := readCString(payload)
	fields := strings.Fields(tag)
	if len(fields) == 0 {
		return -1
	}
	last := fields[len(fields)-1]
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// parseErrorFields extracts the SQLSTATE code ('C') and human message ('M')
// fields from an ErrorResponse payload.
func parseErrorFields(payload []byte) (code, message string) {
	for len(payload) > 0 {
		fieldType := payload[0]
		payload = payload[1:]
		if fieldType == 0 {
			break
		}
		idx := bytes.IndexByte(payload, 0)
		if idx < 0 {
			break
		}
		value := string(payload[:idx])
		payload = payload[idx+1:]
		switch fieldType {
		case 'C':
			code = value
		case 'M':
			message = value
		}
	}
	return code, message
}
