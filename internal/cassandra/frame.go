package cassandra

import (
	"encoding/binary"
	"fmt"
)

// HeaderLength is the fixed size of a legacy (v3/v4) frame header.
const HeaderLength = 9

// Header is a decoded legacy frame header.
type Header struct {
	Version    byte
	IsResponse bool
	Flags      byte
	StreamID   int16
	Opcode     Opcode
	BodyLength uint32
}

// Frame is one complete legacy-form CQL message: a header plus its body.
// Modern (v5+) segments are always reduced to one or more Frames by the
// Framer before the rest of the engine sees them.
type Frame struct {
	Header Header
	Body   []byte
}

// DecodeHeader parses the 9-byte legacy header from buf, which must be at
// least HeaderLength bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLength {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, got %d", ErrInvalidFrame, HeaderLength, len(buf))
	}
	h := Header{
		Version:    buf[0] & 0x7f,
		IsResponse: buf[0]&0x80 != 0,
		Flags:      buf[1],
		StreamID:   int16(binary.BigEndian.Uint16(buf[2:4])),
		Opcode:     Opcode(buf[4]),
		BodyLength: binary.BigEndian.Uint32(buf[5:9]),
	}
	if h.BodyLength > MaxLegacyBodyLength {
		return Header{}, fmt.Errorf("%w: body length %d exceeds %d", ErrInvalidFrame, h.BodyLength, MaxLegacyBodyLength)
	}
	return h, nil
}

// EncodeHeader writes h's 9-byte wire form.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLength)
	buf[0] = h.Version & 0x7f
	if h.IsResponse {
		buf[0] |= 0x80
	}
	buf[1] = h.Flags
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.StreamID))
	buf[4] = byte(h.Opcode)
	binary.BigEndian.PutUint32(buf[5:9], h.BodyLength)
	return buf
}

// EncodeFrame writes f's full legacy wire form (header + body), latching
// f.Header.BodyLength to len(f.Body).
func EncodeFrame(f Frame) []byte {
	f.Header.BodyLength = uint32(len(f.Body))
	out := EncodeHeader(f.Header)
	return append(out, f.Body...)
}

// decodeInnerFrame attempts to decode one complete legacy frame from the
// front of buf, as used when walking a self-contained segment payload or
// draining a fragmented-frame accumulator. ok is false when buf does not
// yet contain a complete frame.
func decodeInnerFrame(buf []byte) (frame Frame, consumed int, ok bool, err error) {
	if len(buf) < HeaderLength {
		return Frame{}, 0, false, nil
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return Frame{}, 0, false, err
	}
	total := HeaderLength + int(h.BodyLength)
	if len(buf) < total {
		return Frame{}, 0, false, nil
	}
	body := make([]byte, h.BodyLength)
	copy(body, buf[HeaderLength:total])
	return Frame{Header: h, Body: body}, total, true, nil
}
