// Package pgwire implements the PostgreSQL wire-protocol engine: frame
// splitting, message parsing/encoding, the frontend state machine, and the
// backend handshake driver that establishes identity via Kerberos/GSSAPI
// instead of any client-supplied credential.
package pgwire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Frame is a complete PostgreSQL wire-protocol message, including its
// header bytes. A startup-frame has no type byte; a typed-frame's first
// byte is its type.
type Frame struct {
	// Type is 0 for a startup-frame.
	Type    byte
	Payload []byte
}

// Splitter partitions a byte stream into whole frames. It is stateful and
// single-direction: the frontend splitter requires a startup-frame first;
// the backend splitter is always in typed-frame mode.
type Splitter struct {
	r                *bufio.Reader
	startupProcessed bool
}

// NewFrontendSplitter builds a Splitter that expects a startup-frame first.
func NewFrontendSplitter(r io.Reader) *Splitter {
	return &Splitter{r: bufio.NewReaderSize(r, 16*1024)}
}

// NewBackendSplitter builds a Splitter already past the startup phase —
// every backend message is typed.
func NewBackendSplitter(r io.Reader) *Splitter {
	return &Splitter{r: bufio.NewReaderSize(r, 16*1024), startupProcessed: true}
}

// Next reads and returns the next whole frame, blocking until enough bytes
// are available. It returns io.EOF (unwrapped) when the stream ends exactly
// on a frame boundary, or ErrInvalidFrame for an impossible declared
// length.
func (s *Splitter) Next() (Frame, error) {
	if !s.startupProcessed {
		return s.nextStartup()
	}
	return s.nextTyped()
}

func (s *Splitter) nextStartup() (Frame, error) {
	lenBytes, err := peekExactly(s.r, 4)
	if err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(lenBytes)
	if length < 4 {
		discard(s.r, 4)
		return Frame{}, fmt.Errorf("%w: startup length %d < 4", ErrInvalidFrame, length)
	}

	payload, err := readExactly(s.r, int(length))
	if err != nil {
		return Frame{}, err
	}
	// startupProcessed is not flipped here: a real startup exchange may
	// see several length-only frames in a row (SSLRequest, then
	// GSSENCRequest or StartupMessage). The frontend state machine calls
	// MarkStartupProcessed once it has actually seen a StartupMessage.
	return Frame{Type: 0, Payload: payload[4:]}, nil
}

func (s *Splitter) nextTyped() (Frame, error) {
	header, err := peekExactly(s.r, 5)
	if err != nil {
		return Frame{}, err
	}
	typ := header[0]
	length := binary.BigEndian.Uint32(header[1:5])
	if length < 4 {
		discard(s.r, 5)
		return Frame{}, fmt.Errorf("%w: frame length %d < 4", ErrInvalidFrame, length)
	}

	total := int(length) + 1
	full, err := readExactly(s.r, total)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: typ, Payload: full[5:]}, nil
}

// MarkStartupProcessed switches the splitter from startup frames to typed
// frames. The frontend calls it once it has parsed a StartupMessage or a
// CancelRequest; after an SSLRequest or GSSENCRequest it does not, so the
// next frame is still read as a startup frame.
func (s *Splitter) MarkStartupProcessed() {
	s.startupProcessed = true
}

// Reader exposes the Splitter's internal buffered reader, so a caller that
// stops calling Next() partway through a stream (e.g. the backend
// handshake driver handing the connection off to the byte pump once
// ReadyForQuery arrives) can keep reading from exactly where the Splitter
// left off, without losing any bytes it had already buffered ahead of the
// last frame it returned.
func (s *Splitter) Reader() io.Reader {
	return s.r
}

func peekExactly(r *bufio.Reader, n int) ([]byte, error) {
	buf, err := r.Peek(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf)
	return out, nil
}

func readExactly(r *bufio.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func discard(r *bufio.Reader, n int) {
	_, _ = r.Discard(n)
}
