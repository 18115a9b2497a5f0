package cassandra

import (
	"encoding/binary"
	"fmt"
)

// readShortString reads a CQL [string]: a u16 length prefix followed by
// UTF-8 bytes.
func readShortString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("%w: short string needs a 2-byte length", ErrInvalidFrame)
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, fmt.Errorf("%w: short string truncated", ErrInvalidFrame)
	}
	return string(buf[:n]), buf[n:], nil
}

// readLongString reads a CQL [long string]: a u32 length prefix followed
// by UTF-8 bytes.
func readLongString(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, fmt.Errorf("%w: long string needs a 4-byte length", ErrInvalidFrame)
	}
	n := int(binary.BigEndian.Uint32(buf[:4]))
	buf = buf[4:]
	if len(buf) < n {
		return "", nil, fmt.Errorf("%w: long string truncated", ErrInvalidFrame)
	}
	return string(buf[:n]), buf[n:], nil
}

// readShortBytes reads a CQL [short bytes]: a u16 length prefix followed
// by raw bytes, as used for EXECUTE's prepared statement id.
func readShortBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("%w: short bytes needs a 2-byte length", ErrInvalidFrame)
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < n {
		return nil, nil, fmt.Errorf("%w: short bytes truncated", ErrInvalidFrame)
	}
	return buf[:n], buf[n:], nil
}

// readBytes reads a CQL [bytes]: a u32 length prefix followed by raw
// bytes, where length -1 denotes a null/empty value (used by
// AUTH_RESPONSE and AUTH_CHALLENGE token payloads).
func readBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("%w: bytes needs a 4-byte length", ErrInvalidFrame)
	}
	n := int32(binary.BigEndian.Uint32(buf[:4]))
	buf = buf[4:]
	if n < 0 {
		return nil, buf, nil
	}
	if len(buf) < int(n) {
		return nil, nil, fmt.Errorf("%w: bytes truncated", ErrInvalidFrame)
	}
	return buf[:n], buf[n:], nil
}

func writeBytes(token []byte) []byte {
	out := make([]byte, 4, 4+len(token))
	binary.BigEndian.PutUint32(out, uint32(len(token)))
	return append(out, token...)
}

// StartupOptions is a parsed STARTUP body: the string map of negotiation
// options (CQL_VERSION, COMPRESSION, and vendor-specific driver fields).
type StartupOptions map[string]string

// ParseStartup decodes a STARTUP body's [string map].
func ParseStartup(body []byte) (StartupOptions, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: startup options need a 2-byte count", ErrInvalidFrame)
	}
	count := int(binary.BigEndian.Uint16(body[:2]))
	buf := body[2:]
	opts := make(StartupOptions, count)
	for i := 0; i < count; i++ {
		key, rest, err := readShortString(buf)
		if err != nil {
			return nil, err
		}
		val, rest2, err := readShortString(rest)
		if err != nil {
			return nil, err
		}
		opts[key] = val
		buf = rest2
	}
	return opts, nil
}

// EncodeStartup writes a STARTUP body's [string map].
func EncodeStartup(opts StartupOptions) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(opts)))
	for k, v := range opts {
		out = append(out, encodeShortString(k)...)
		out = append(out, encodeShortString(v)...)
	}
	return out
}

func encodeShortString(s string) []byte {
	out := make([]byte, 2, 2+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	return append(out, s...)
}

func encodeStringList(items []string) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(items)))
	for _, s := range items {
		out = append(out, encodeShortString(s)...)
	}
	return out
}

// AuthCredentials is the outcome of inspecting an AUTH_RESPONSE token: if
// it follows PasswordAuthenticator's layout, Username/Password are
// populated and the credentials must never be forwarded to the backend
// (the proxy authenticates with its own Kerberos identity). Otherwise
// Opaque holds the raw SASL/GSS token to pass through.
type AuthCredentials struct {
	IsPassword bool
	Username   string
	Password   string
	Opaque     []byte
}

// ParseAuthResponse decodes an AUTH_RESPONSE body's [bytes] token and, if
// it matches PasswordAuthenticator's "\0username\0password" layout,
// extracts the username for audit.
func ParseAuthResponse(body []byte) (AuthCredentials, error) {
	token, _, err := readBytes(body)
	if err != nil {
		return AuthCredentials{}, err
	}
	if user, pass, ok := parsePasswordToken(token); ok {
		return AuthCredentials{IsPassword: true, Username: user, Password: pass}, nil
	}
	return AuthCredentials{Opaque: token}, nil
}

func parsePasswordToken(token []byte) (user, pass string, ok bool) {
	if len(token) == 0 || token[0] != 0 {
		return "", "", false
	}
	rest := token[1:]
	sep := indexByte(rest, 0)
	if sep < 0 {
		return "", "", false
	}
	return string(rest[:sep]), string(rest[sep+1:]), true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// EncodeAuthResponse writes an AUTH_RESPONSE body carrying an opaque
// SASL/GSS token, as used by the proxy's own backend handshake.
func EncodeAuthResponse(token []byte) []byte {
	return writeBytes(token)
}

// EncodeAuthChallenge writes an AUTH_CHALLENGE body carrying an opaque
// SASL/GSS token.
func EncodeAuthChallenge(token []byte) []byte {
	return writeBytes(token)
}

// QueryDetail is an audit-facing projection of a QUERY, PREPARE, EXECUTE,
// BATCH, or REGISTER body.
type QueryDetail struct {
	Kind       string
	Statement  string
	PreparedID []byte
	Batch      []string
}

// ParseQueryDetail projects a frame's body into a QueryDetail for audit,
// given the opcode that selects how to decode it. ok is false for
// opcodes this function does not audit.
func ParseQueryDetail(op Opcode, body []byte) (QueryDetail, bool, error) {
	switch op {
	case OpQuery, OpPrepare:
		stmt, _, err := readLongString(body)
		if err != nil {
			return QueryDetail{}, false, err
		}
		kind := "query"
		if op == OpPrepare {
			kind = "prepare"
		}
		return QueryDetail{Kind: kind, Statement: stmt}, true, nil
	case OpExecute:
		id, _, err := readShortBytes(body)
		if err != nil {
			return QueryDetail{}, false, err
		}
		return QueryDetail{Kind: "execute", PreparedID: id}, true, nil
	case OpRegister:
		events, err := parseStringList(body)
		if err != nil {
			return QueryDetail{}, false, err
		}
		return QueryDetail{Kind: "register", Batch: events}, true, nil
	case OpBatch:
		detail, err := parseBatch(body)
		if err != nil {
			return QueryDetail{}, false, err
		}
		return detail, true, nil
	default:
		return QueryDetail{}, false, nil
	}
}

func parseStringList(buf []byte) ([]string, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: string list needs a 2-byte count", ErrInvalidFrame)
	}
	count := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		s, rest, err := readShortString(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		buf = rest
	}
	return out, nil
}

// parseBatch extracts each statement's query text or prepared id from a
// BATCH body, ignoring bound values, consistency, and timestamp fields
// that follow — this engine only audits what was executed, not with what
// parameters.
func parseBatch(body []byte) (QueryDetail, error) {
	if len(body) < 3 {
		return QueryDetail{}, fmt.Errorf("%w: batch needs type+count", ErrInvalidFrame)
	}
	buf := body[1:]
	count := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	stmts := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if len(buf) < 1 {
			return QueryDetail{}, fmt.Errorf("%w: batch statement truncated", ErrInvalidFrame)
		}
		kind := buf[0]
		buf = buf[1:]
		switch kind {
		case 0:
			stmt, rest, err := readLongString(buf)
			if err != nil {
				return QueryDetail{}, err
			}
			stmts = append(stmts, stmt)
			buf = rest
		case 1:
			id, rest, err := readShortBytes(buf)
			if err != nil {
				return QueryDetail{}, err
			}
			stmts = append(stmts, fmt.Sprintf("prepared:%x", id))
			buf = rest
		default:
			return QueryDetail{}, fmt.Errorf("%w: unknown batch statement kind %d", ErrInvalidFrame, kind)
		}
		// Skip this statement's bound values; we don't audit parameters.
		if len(buf) < 2 {
			return QueryDetail{}, fmt.Errorf("%w: batch values truncated", ErrInvalidFrame)
		}
		valueCount := int(binary.BigEndian.Uint16(buf[:2]))
		buf = buf[2:]
		for v := 0; v < valueCount; v++ {
			_, rest, err := readBytes(buf)
			if err != nil {
				return QueryDetail{}, err
			}
			buf = rest
		}
	}
	return QueryDetail{Kind: "batch", Batch: stmts}, nil
}
