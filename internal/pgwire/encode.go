package pgwire

import (
	"encoding/binary"
	"io"
)

// WriteFrame writes a typed-frame with the given type byte and payload:
// type, then a 4-byte big-endian length covering itself plus payload.
func WriteFrame(w io.Writer, typ byte, payload []byte) error {
	header := make([]byte, 5)
	header[0] = typ
	binary.BigEndian.PutUint32(header[1:], uint32(4+len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// EncodeQuery builds the payload for a simple Query message: the SQL text
// as a NUL-terminated cstring.
func EncodeQuery(sql string) []byte {
	return append([]byte(sql), 0)
}

// WriteQuery writes a complete Query frame.
func WriteQuery(w io.Writer, sql string) error {
	return WriteFrame(w, MsgQuery, EncodeQuery(sql))
}

// WriteAuthenticationOk writes the synthesized AuthenticationOk message:
// type R, length 8 (4 bytes of length field + 4 bytes of auth-type code),
// auth-type code 0. The correct, standards-compliant length field is
// emitted here — see the length-field decision recorded in DESIGN.md.
func WriteAuthenticationOk(w io.Writer) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, 0)
	return WriteFrame(w, MsgAuthentication, payload)
}

// WriteAuthenticationCleartext writes the legacy AuthenticationCleartextPassword
// message: type R, length 8, auth-type code 3.
func WriteAuthenticationCleartext(w io.Writer) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, 3)
	return WriteFrame(w, MsgAuthentication, payload)
}

// WriteSSLNotSupported writes the single-byte 'N' reply used for both the
// SSLRequest and GSSENCRequest negotiation turns; neither carries the usual
// length framing.
func WriteSSLNotSupported(w io.Writer) error {
	_, err := w.Write([]byte{'N'})
	return err
}

// WriteErrorResponse writes an ErrorResponse carrying only the message
// field ('M'), terminated by the field-list NUL terminator.
func WriteErrorResponse(w io.Writer, message string) error {
	var buf []byte
	buf = append(buf, 'M')
	buf = append(buf, message...)
	buf = append(buf, 0)
	buf = append(buf, 0)
	return WriteFrame(w, MsgErrorResponse, buf)
}
