package cassandra

import (
	"context"
	"encoding/binary"
	"fmt"
)

// runFailedHandshake drives one legacy-framing handshake turn locally when
// the backend could not be reached or no route resolved, so a client
// receives a clean CQL-level rejection instead of a dropped socket:
// OPTIONS gets SUPPORTED, STARTUP gets AUTHENTICATE, and AUTH_RESPONSE
// gets an AUTH_ERROR ERROR frame before the connection closes.
func (s *Session) runFailedHandshake(ctx context.Context, cause error) error {
	s.startSession(ctx)
	framer := s.clientFramer

	for {
		frame, err := framer.Next()
		if err != nil {
			s.endSession(ctx, cause)
			return cause
		}
		switch frame.Header.Opcode {
		case OpOptions:
			reply := Frame{
				Header: Header{Version: frame.Header.Version, IsResponse: true, StreamID: frame.Header.StreamID, Opcode: OpSupported},
				Body:   encodeSupportedBody(),
			}
			if err := framer.WriteFrame(reply); err != nil {
				s.endSession(ctx, cause)
				return cause
			}
		case OpStartup:
			reply := Frame{
				Header: Header{Version: frame.Header.Version, IsResponse: true, StreamID: frame.Header.StreamID, Opcode: OpAuthenticate},
				Body:   encodeShortString(PasswordAuthenticatorClass),
			}
			if err := framer.WriteFrame(reply); err != nil {
				s.endSession(ctx, cause)
				return cause
			}
		case OpAuthResponse:
			reply := encodeAuthErrorFrame(frame.Header.Version, frame.Header.StreamID, cause)
			_ = framer.WriteFrame(reply)
			s.endSession(ctx, cause)
			return cause
		default:
			s.endSession(ctx, cause)
			return cause
		}
	}
}

// encodeSupportedBody writes the STARTUP-negotiation option map the
// failed-handshake responder advertises: a single supported CQL version
// and no compression algorithms (there is no backend to negotiate a real
// codec with).
func encodeSupportedBody() []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, 2)
	out = append(out, encodeShortString("CQL_VERSION")...)
	out = append(out, encodeStringList([]string{"3.4.5"})...)
	out = append(out, encodeShortString("COMPRESSION")...)
	out = append(out, encodeStringList(nil)...)
	return out
}

func encodeAuthErrorFrame(version byte, streamID int16, cause error) Frame {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, AuthErrorCode)
	body = append(body, encodeShortString(fmt.Sprintf("backend unavailable: %v", cause))...)
	return Frame{
		Header: Header{Version: version, IsResponse: true, StreamID: streamID, Opcode: OpError},
		Body:   body,
	}
}
