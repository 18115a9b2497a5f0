// Package mongowire is the MongoDB side of the proxy: an explicitly
// out-of-scope passthrough. It never parses a BSON document or OP_MSG
// section; it only tracks the wire protocol's length-prefixed framing well
// enough to log a hex dump of each message crossing the wire.
package mongowire

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/krbdbproxy/krbdbproxy/internal/audit"
	"github.com/krbdbproxy/krbdbproxy/internal/metrics"
	"github.com/krbdbproxy/krbdbproxy/internal/pump"
)

// messageHeaderLength is the MongoDB wire protocol's fixed header: a
// 4-byte little-endian messageLength covering the whole message (header
// included), followed by requestID, responseTo, and opCode, each int32.
const messageHeaderLength = 16

// Handler drives one accepted MongoDB client connection. It never
// authenticates to, or terminates TLS with, the backend on the client's
// behalf beyond what dial already established; backend identity is out of
// scope for this protocol (see package doc).
type Handler struct {
	AuditSession *audit.Session
	Fire         audit.Fire
	Metrics      *metrics.Collector
	Logger       *slog.Logger
}

// Handle copies bytes between client and a backend connection obtained
// from dial, tee-ing each direction's length-framed messages into a hex
// dump at debug level. It never synthesizes a reply and never inspects a
// message's opcode beyond what's needed to find the next frame boundary.
func (h *Handler) Handle(ctx context.Context, client net.Conn, dial func() (net.Conn, error)) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h.Fire.NewSession(ctx, h.AuditSession)
	defer pump.CloseQuietly(client)

	backend, err := dial()
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.BackendDialFailure("mongo", "default")
		}
		h.Fire.End(ctx, h.AuditSession, err)
		return fmt.Errorf("mongowire: dialing backend: %w", err)
	}
	defer pump.CloseQuietly(backend)

	h.AuditSession.SetRoute("", "mongo", "mongodb")
	h.Fire.Start(ctx, h.AuditSession)
	if h.Metrics != nil {
		h.Metrics.SessionStarted("mongo")
	}

	clientTap := newDumpReader(client, logger, "client->backend")
	backendTap := newDumpReader(backend, logger, "backend->client")

	result := pump.Link(ctx, &teeConn{Conn: client, r: clientTap}, &teeConn{Conn: backend, r: backendTap})
	h.Fire.End(ctx, h.AuditSession, result.Err)
	if h.Metrics != nil {
		outcome := "closed"
		if result.Err != nil {
			outcome = "error"
		}
		h.Metrics.SessionEnded("mongo", outcome, time.Since(h.AuditSession.CreatedAt))
	}
	return result.Err
}

// dumpReader wraps a net.Conn's reads, walking length-prefixed MongoDB
// messages out of the byte stream purely to log a hex dump; it never
// buffers more than one message's worth of lookahead and never alters the
// bytes handed back to the caller.
type dumpReader struct {
	io.Reader
	logger    *slog.Logger
	direction string
	carry     []byte
}

func newDumpReader(conn net.Conn, logger *slog.Logger, direction string) *dumpReader {
	return &dumpReader{Reader: conn, logger: logger, direction: direction}
}

func (d *dumpReader) Read(p []byte) (int, error) {
	n, err := d.Reader.Read(p)
	if n > 0 {
		d.observe(p[:n])
	}
	return n, err
}

// observe accumulates bytes until a full message header (and, if already
// known, a full message body) is available, then logs it and resets for
// the next message. Partial trailing bytes carry over to the next Read.
func (d *dumpReader) observe(b []byte) {
	d.carry = append(d.carry, b...)
	for {
		if len(d.carry) < messageHeaderLength {
			return
		}
		msgLen := int(int32(binary.LittleEndian.Uint32(d.carry[0:4])))
		if msgLen < messageHeaderLength {
			// Not a message boundary we can make sense of; drop what
			// we've accumulated rather than spin forever on garbage.
			d.carry = nil
			return
		}
		if len(d.carry) < msgLen {
			return
		}
		d.dump(d.carry[:msgLen])
		d.carry = d.carry[msgLen:]
	}
}

func (d *dumpReader) dump(msg []byte) {
	if !d.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	var buf []byte
	w := hex.Dumper(sliceWriter{&buf})
	_, _ = w.Write(msg)
	_ = w.Close()
	d.logger.Debug("mongo message", "direction", d.direction, "length", len(msg), "dump", string(buf))
}

type sliceWriter struct{ buf *[]byte }

func (s sliceWriter) Write(p []byte) (int, error) {
	*s.buf = append(*s.buf, p...)
	return len(p), nil
}

// teeConn swaps a net.Conn's Read for one routed through a dumpReader,
// leaving Write and everything else untouched. Same narrow wrapper shape
// internal/pgwire and internal/cassandra use to hand a connection with
// buffered/observed reads to the byte pump.
type teeConn struct {
	net.Conn
	r io.Reader
}

func (t *teeConn) Read(p []byte) (int, error) { return t.r.Read(p) }
