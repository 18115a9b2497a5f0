// Package cassandra implements the CQL native-protocol engine: legacy and
// v5+ segmented framing, message parsing for audit, the handshake state
// machine that drives backend Kerberos/GSSAPI authentication, and the
// failed-handshake responder used when the backend cannot be reached.
package cassandra

// Opcode identifies a CQL native-protocol message body.
type Opcode byte

const (
	OpError         Opcode = 0x00
	OpStartup       Opcode = 0x01
	OpReady         Opcode = 0x02
	OpAuthenticate  Opcode = 0x03
	OpOptions       Opcode = 0x05
	OpSupported     Opcode = 0x06
	OpQuery         Opcode = 0x07
	OpPrepare       Opcode = 0x09
	OpExecute       Opcode = 0x0A
	OpRegister      Opcode = 0x0B
	OpBatch         Opcode = 0x0D
	OpAuthChallenge Opcode = 0x0E
	OpAuthResponse  Opcode = 0x0F
	OpAuthSuccess   Opcode = 0x10
)

// AuthErrorCode is the ERROR body error-code value used by the
// failed-handshake responder and by username-validation rejection.
const AuthErrorCode uint32 = 0x0100

// PasswordAuthenticatorClass is the authenticator class name advertised by
// the failed-handshake responder's AUTHENTICATE reply.
const PasswordAuthenticatorClass = "org.apache.cassandra.auth.PasswordAuthenticator"

// MaxLegacyBodyLength is the largest body-length a legacy (v3/v4) frame
// may declare.
const MaxLegacyBodyLength = 256 * 1024 * 1024

// MaxSegmentPayloadLength is the largest payload a single v5+ segment may
// carry.
const MaxSegmentPayloadLength = 128 * 1024
