// Package krb5auth drives the proxy side of a backend Kerberos/GSSAPI
// handshake: it never touches client-supplied credentials, only the
// identity configured for the route being connected to.
package krb5auth

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
)

// gssChecksumType is the GSSAPI checksum type reserved for AP-REQ
// authenticators carrying a GSS context token, per RFC 4121 section 4.1.1.
const gssChecksumType = 32771

// gssAcceptorSealFlag is the wrap-token usage number for tokens produced by
// the acceptor (the backend), per RFC 4121 section 2.
const gssAcceptorSealFlag = 22

// krb5OID is the DER encoding of the GSSAPI Kerberos v5 mechanism OID
// (1.2.840.113554.1.2.2), used in the GSS-API mechanism-independent token
// header (RFC 2743 section 3.1).
var krb5OID = []byte{6, 9, 42, 134, 72, 134, 247, 18, 1, 2, 2}

// ErrAuthenticationFailed wraps any failure in the login, ticket-acquisition
// or mutual-authentication steps below. Callers should treat it as a route
// configuration or KDC-reachability problem, not a client-facing protocol
// error.
var ErrAuthenticationFailed = errors.New("krb5auth: backend authentication failed")

// Identity names the principal and credential material the proxy uses to
// authenticate to one backend route. It is built from route configuration,
// never from anything the client sent.
type Identity struct {
	// ClientPrincipal is the proxy's own principal, e.g.
	// "proxysvc@EXAMPLE.COM".
	ClientPrincipal string
	// Realm is the Kerberos realm ClientPrincipal belongs to.
	Realm string
	// KeytabPath, if set, is used to build the login credentials.
	// Mutually exclusive with CCachePath.
	KeytabPath string
	// CCachePath, if set, loads an existing credential cache instead of
	// performing a fresh keytab login.
	CCachePath string
	// KRB5ConfigPath points at the krb5.conf controlling KDC discovery
	// for Realm.
	KRB5ConfigPath string
	// ServicePrincipalName is the backend's service principal, either in
	// full (e.g. "postgres/pg.internal", used as-is) or as a bare service
	// name (e.g. "postgres" or "cassandra"), which is combined with the
	// backend hostname to form the SPN a ticket is requested for.
	ServicePrincipalName string
}

// Client performs the GSSAPI initiator role against one backend connection:
// it produces the initial AP-REQ token and verifies/answers the backend's
// mutual-authentication challenge.
type Client struct {
	identity Identity
	krb      *client.Client
	encKey   types.EncryptionKey
	step     int
}

// NewClient logs in using identity and returns a Client; the backend host
// is passed later to InitialToken. Login happens eagerly, so a misconfigured
// identity fails here rather than in InitialToken. Both protocol engines
// build one Client per backend handshake, when the backend first asks for
// GSSAPI authentication.
func NewClient(identity Identity) (*Client, error) {
	cfg, err := config.Load(identity.KRB5ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("%w: loading krb5 config: %w", ErrAuthenticationFailed, err)
	}

	krb, err := newKrb5Client(identity, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: building client: %w", ErrAuthenticationFailed, err)
	}

	if err := krb.Login(); err != nil {
		return nil, fmt.Errorf("%w: login: %w", ErrAuthenticationFailed, err)
	}

	return &Client{identity: identity, krb: krb}, nil
}

func newKrb5Client(identity Identity, cfg *config.Config) (*client.Client, error) {
	if identity.CCachePath != "" {
		ccache, err := credentials.LoadCCache(identity.CCachePath)
		if err != nil {
			return nil, fmt.Errorf("loading ccache: %w", err)
		}
		return client.NewFromCCache(ccache, cfg, client.DisablePAFXFAST(true))
	}
	if identity.KeytabPath == "" {
		return nil, errors.New("identity has neither a keytab nor a credential cache configured")
	}
	kt, err := keytab.Load(identity.KeytabPath)
	if err != nil {
		return nil, fmt.Errorf("loading keytab: %w", err)
	}
	return client.NewWithKeytab(identity.ClientPrincipal, identity.Realm, kt, cfg, client.DisablePAFXFAST(true)), nil
}

// Close destroys the underlying Kerberos client and its credential cache.
func (c *Client) Close() {
	if c.krb != nil {
		c.krb.Destroy()
	}
}

// InitialToken fetches a service ticket for host and returns the GSS-API
// wrapped AP-REQ token that must be sent as the first message of the
// backend's GSSAPI exchange (PostgreSQL's GSSAPI initial response, or a
// Cassandra AUTH_RESPONSE carrying the SASL initial token).
func (c *Client) InitialToken(host string) ([]byte, error) {
	if err := c.krb.AffirmLogin(); err != nil {
		return nil, fmt.Errorf("%w: renewing login: %w", ErrAuthenticationFailed, err)
	}

	spn := c.identity.ServicePrincipalName
	if !strings.Contains(spn, "/") {
		spn += "/" + host
	}
	ticket, encKey, err := c.krb.GetServiceTicket(spn)
	if err != nil {
		return nil, fmt.Errorf("%w: service ticket for %s: %w", ErrAuthenticationFailed, spn, err)
	}
	c.encKey = encKey

	authenticator, err := types.NewAuthenticator(c.krb.Credentials.Domain(), c.krb.Credentials.CName())
	if err != nil {
		return nil, fmt.Errorf("%w: building authenticator: %w", ErrAuthenticationFailed, err)
	}
	authenticator.Cksum = types.Checksum{
		CksumType: gssChecksumType,
		Checksum:  []byte{0: 16, 20: 48, 23: 0}, // ContextFlagInteg | ContextFlagConf
	}

	apReq, err := messages.NewAPReq(ticket, encKey, authenticator)
	if err != nil {
		return nil, fmt.Errorf("%w: building AP-REQ: %w", ErrAuthenticationFailed, err)
	}
	apBytes, err := apReq.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: marshalling AP-REQ: %w", ErrAuthenticationFailed, err)
	}
	apr := append([]byte{1, 0}, apBytes...)

	return wrapGSSHeader(apr), nil
}

// wrapGSSHeader prepends the mechanism-independent GSS-API token header
// (RFC 2743 section 3.1) carrying the Kerberos v5 OID around payload.
func wrapGSSHeader(payload []byte) []byte {
	header := append([]byte{0x60}, asn1LengthBytes(len(krb5OID)+len(payload))...)
	header = append(header, krb5OID...)
	return append(header, payload...)
}

// Challenge consumes the backend's mutual-authentication token and, when
// the exchange requires a final client reply (the backend wraps a token the
// initiator must unwrap, verify and re-wrap), returns it. done is true once
// no further round trip is required.
func (c *Client) Challenge(serverToken []byte) (reply []byte, done bool, err error) {
	step := c.step
	c.step++

	switch step {
	case 0:
		var token gssapi.WrapToken
		if err := token.Unmarshal(serverToken, true); err != nil {
			return nil, false, fmt.Errorf("%w: unmarshalling wrap token: %w", ErrAuthenticationFailed, err)
		}
		valid, err := token.Verify(c.encKey, gssAcceptorSealFlag)
		if !valid {
			return nil, false, fmt.Errorf("%w: verifying acceptor token: %w", ErrAuthenticationFailed, err)
		}
		response, err := gssapi.NewInitiatorWrapToken(token.Payload, c.encKey)
		if err != nil {
			return nil, false, fmt.Errorf("%w: building initiator response: %w", ErrAuthenticationFailed, err)
		}
		marshalled, err := response.Marshal()
		if err != nil {
			return nil, false, fmt.Errorf("%w: marshalling initiator response: %w", ErrAuthenticationFailed, err)
		}
		return marshalled, true, nil
	default:
		return nil, true, nil
	}
}

// asn1LengthBytes encodes l as a DER/BER length octet sequence (RFC 2743
// section 3.1).
func asn1LengthBytes(l int) []byte {
	if l <= 127 {
		return []byte{byte(l)}
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(l))
	for i, v := range buf {
		if v == 0 {
			continue
		}
		return append([]byte{128 + byte(len(buf[i:]))}, buf[i:]...)
	}
	return nil
}
