package cassandra

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// segmentHeaderLength is the byte size of a v5+ segment's pre-CRC header
// (17-bit payload length + 1-bit self-contained flag, padded to 3 bytes).
const segmentHeaderLength = 3

// segmentCRC24Length is the size of the CRC24 trailer following a
// segment's header.
const segmentCRC24Length = 3

// segmentCRC32Length is the size of the CRC32 trailer following a
// segment's payload.
const segmentCRC32Length = 4

// Framer reads and writes one connection's CQL byte stream, switching
// between legacy (v3/v4) framing and v5+ segmented framing independently
// for reads and writes, as the handshake negotiates.
type Framer struct {
	r io.Reader
	w io.Writer

	buf bufio.Reader

	modernFramingRead  bool
	modernFramingWrite bool

	fragment []byte
	pending  []Frame
}

// NewFramer builds a Framer over conn, starting in legacy framing for both
// directions.
func NewFramer(conn io.ReadWriter) *Framer {
	f := &Framer{r: conn, w: conn}
	f.buf = *bufio.NewReaderSize(conn, 64*1024)
	return f
}

// SwitchToModernFramingRead advances the read direction to v5+ segmented
// framing if version supports it. Idempotent.
func (f *Framer) SwitchToModernFramingRead(version byte) {
	if SupportsModernFraming(version) {
		f.modernFramingRead = true
	}
}

// SwitchToModernFramingWrite advances the write direction to v5+ segmented
// framing if version supports it. Idempotent.
func (f *Framer) SwitchToModernFramingWrite(version byte) {
	if SupportsModernFraming(version) {
		f.modernFramingWrite = true
	}
}

// SupportsModernFraming reports whether protocol version v uses v5+
// segmented framing.
func SupportsModernFraming(v byte) bool {
	return v >= 5
}

// Next returns the next complete legacy-form Frame, transparently
// decoding v5+ segments and reassembling fragmented inner frames once the
// read direction has switched to modern framing.
func (f *Framer) Next() (Frame, error) {
	if len(f.pending) > 0 {
		fr := f.pending[0]
		f.pending = f.pending[1:]
		return fr, nil
	}
	if !f.modernFramingRead {
		return f.nextLegacy()
	}
	return f.nextModern()
}

func (f *Framer) nextLegacy() (Frame, error) {
	header, err := f.peekExactly(HeaderLength)
	if err != nil {
		return Frame{}, err
	}
	h, err := DecodeHeader(header)
	if err != nil {
		f.discard(HeaderLength)
		return Frame{}, err
	}
	total := HeaderLength + int(h.BodyLength)
	full, err := f.readExactly(total)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Body: append([]byte(nil), full[HeaderLength:]...)}, nil
}

func (f *Framer) nextModern() (Frame, error) {
	for {
		header, err := f.peekExactly(segmentHeaderLength + segmentCRC24Length)
		if err != nil {
			return Frame{}, err
		}
		if crc24(header[:segmentHeaderLength]) != decodeCRC24(header[segmentHeaderLength:]) {
			f.discard(segmentHeaderLength + segmentCRC24Length)
			return Frame{}, fmt.Errorf("%w: segment header CRC24 mismatch", ErrFramingCorruption)
		}
		payloadLen, selfContained := decodeSegmentHeader(header[:segmentHeaderLength])
		if payloadLen > MaxSegmentPayloadLength {
			f.discard(segmentHeaderLength + segmentCRC24Length)
			return Frame{}, fmt.Errorf("%w: segment payload length %d exceeds %d", ErrInvalidFrame, payloadLen, MaxSegmentPayloadLength)
		}

		full, err := f.readExactly(segmentHeaderLength + segmentCRC24Length + payloadLen + segmentCRC32Length)
		if err != nil {
			return Frame{}, err
		}
		payload := full[segmentHeaderLength+segmentCRC24Length : segmentHeaderLength+segmentCRC24Length+payloadLen]
		crcTrailer := full[segmentHeaderLength+segmentCRC24Length+payloadLen:]
		if crc32Checksum(payload) != binary.BigEndian.Uint32(crcTrailer) {
			return Frame{}, fmt.Errorf("%w: segment payload CRC32 mismatch", ErrFramingCorruption)
		}

		if selfContained {
			frames, err := extractInnerFrames(payload)
			if err != nil {
				return Frame{}, err
			}
			if len(frames) == 0 {
				continue
			}
			f.pending = append(f.pending, frames[1:]...)
			return frames[0], nil
		}

		f.fragment = append(f.fragment, payload...)
		frame, consumed, ok, err := decodeInnerFrame(f.fragment)
		if err != nil {
			return Frame{}, err
		}
		if !ok {
			continue
		}
		f.fragment = f.fragment[consumed:]
		return frame, nil
	}
}

// extractInnerFrames walks a self-contained segment payload, decoding one
// or more complete back-to-back legacy-form frames.
func extractInnerFrames(payload []byte) ([]Frame, error) {
	var frames []Frame
	for len(payload) > 0 {
		frame, consumed, ok, err := decodeInnerFrame(payload)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: self-contained segment holds a partial inner frame", ErrInvalidFrame)
		}
		frames = append(frames, frame)
		payload = payload[consumed:]
	}
	return frames, nil
}

// WriteFrame writes fr in whichever framing the write direction currently
// uses: a plain legacy frame, or a self-contained v5+ segment wrapping it.
func (f *Framer) WriteFrame(fr Frame) error {
	encoded := EncodeFrame(fr)
	if !f.modernFramingWrite {
		_, err := f.w.Write(encoded)
		return err
	}
	return f.writeSegment(encoded)
}

func (f *Framer) writeSegment(payload []byte) error {
	if len(payload) > MaxSegmentPayloadLength {
		return fmt.Errorf("%w: frame %d bytes exceeds segment payload cap %d", ErrInvalidFrame, len(payload), MaxSegmentPayloadLength)
	}
	header := encodeSegmentHeader(len(payload), true)
	crc := crc24(header)
	out := append(header, encodeCRC24(crc)...)
	out = append(out, payload...)
	trailer := make([]byte, segmentCRC32Length)
	binary.BigEndian.PutUint32(trailer, crc32Checksum(payload))
	out = append(out, trailer...)
	_, err := f.w.Write(out)
	return err
}

func encodeSegmentHeader(payloadLen int, selfContained bool) []byte {
	val := uint32(payloadLen) & 0x1ffff
	if selfContained {
		val |= 1 << 17
	}
	return []byte{byte(val), byte(val >> 8), byte(val >> 16)}
}

func decodeSegmentHeader(buf []byte) (payloadLen int, selfContained bool) {
	val := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
	return int(val & 0x1ffff), val&(1<<17) != 0
}

func encodeCRC24(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16)}
}

func decodeCRC24(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
}

func (f *Framer) peekExactly(n int) ([]byte, error) {
	buf, err := f.buf.Peek(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf)
	return out, nil
}

func (f *Framer) readExactly(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(&f.buf, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (f *Framer) discard(n int) {
	_, _ = f.buf.Discard(n)
}

// Reader exposes the Framer's internal buffered reader, mirroring
// pgwire.Splitter.Reader: a caller handing the connection to the byte pump
// after the handshake completes must keep reading from here so bytes
// already buffered ahead of the last returned Frame are not lost.
func (f *Framer) Reader() io.Reader {
	return &f.buf
}
