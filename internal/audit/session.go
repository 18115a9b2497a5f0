// Package audit defines the per-connection Session record and the audit
// recorder interface that receives lifecycle, query, and result events from
// the protocol engines.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Protocol identifies which wire protocol a session belongs to.
type Protocol string

const (
	ProtocolPostgres  Protocol = "postgres"
	ProtocolCassandra Protocol = "cassandra"
	ProtocolMongo     Protocol = "mongo"
)

// Session is the per-accepted-connection audit-visible identity and metadata
// record. It is exclusively owned by the engine handling that connection for
// the connection's lifetime.
type Session struct {
	ID            string
	CreatedAt     time.Time
	ClientAddress string
	Protocol      Protocol

	mu                sync.Mutex
	databaseUser      string
	databaseName      string
	applicationName   string
	startupParameters []KV
	userAgent         string
	driverName        string
	driverVersion     string

	databaseService  string
	databaseType     string
	databaseProtocol string

	cluster            string
	hostID             string
	roles              []string
	lockTargets        []string
	autoCreateUserMode string
	postgresPID        uint32

	startFired bool
	endFired   bool
}

// KV is an ordered name/value pair, used for startup parameters where order
// matters for the wire round-trip (PG StartupMessage parameter lists, CQL
// STARTUP options maps).
type KV struct {
	Name  string
	Value string
}

// NewSession allocates a Session for a freshly accepted client connection.
func NewSession(clientAddress string, proto Protocol) *Session {
	return &Session{
		ID:            uuid.NewString(),
		CreatedAt:     time.Now(),
		ClientAddress: clientAddress,
		Protocol:      proto,
	}
}

// SetStartupIdentity latches the database user/name/application-name and the
// raw startup parameter list observed during the protocol handshake. Safe to
// call more than once; later calls overwrite earlier ones (a STARTUP frame
// is only ever processed once per spec, but tests may call this directly).
func (s *Session) SetStartupIdentity(user, database, appName string, params []KV) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.databaseUser = user
	s.databaseName = database
	s.applicationName = appName
	s.startupParameters = params
}

func (s *Session) DatabaseUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.databaseUser
}

func (s *Session) DatabaseName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.databaseName
}

func (s *Session) ApplicationName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applicationName
}

func (s *Session) StartupParameters() []KV {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]KV, len(s.startupParameters))
	copy(out, s.startupParameters)
	return out
}

// SetDriver latches the Cassandra driver name/version observed in a STARTUP
// message and derives the user-agent string "<name>/<version>".
func (s *Session) SetDriver(name, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driverName = name
	s.driverVersion = version
	if name != "" && version != "" {
		s.userAgent = name + "/" + version
	} else {
		s.userAgent = name
	}
}

func (s *Session) UserAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userAgent
}

// SetRoute populates the route-resolution fields once a Route has been
// resolved for this session.
func (s *Session) SetRoute(service, dbType, dbProto string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.databaseService = service
	s.databaseType = dbType
	s.databaseProtocol = dbProto
}

// SetIdentityMetadata records the optional identity fields carried through
// from a richer control plane (cluster membership, host id, role bindings,
// lock targets, auto-create-user policy). Any argument left as its zero
// value leaves the corresponding field untouched.
func (s *Session) SetIdentityMetadata(cluster, hostID string, roles, lockTargets []string, autoCreateUserMode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cluster != "" {
		s.cluster = cluster
	}
	if hostID != "" {
		s.hostID = hostID
	}
	if roles != nil {
		s.roles = roles
	}
	if lockTargets != nil {
		s.lockTargets = lockTargets
	}
	if autoCreateUserMode != "" {
		s.autoCreateUserMode = autoCreateUserMode
	}
}

// SetPostgresPID records the backend process id from BackendKeyData, used
// only for audit metadata — the proxy does not implement cancel routing.
func (s *Session) SetPostgresPID(pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postgresPID = pid
}

// markStart returns true the first time it is called for this session, and
// false on every subsequent call — the guard behind the "onSessionStart
// fires exactly once" invariant.
func (s *Session) markStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startFired {
		return false
	}
	s.startFired = true
	return true
}

// markEnd mirrors markStart for onSessionEnd, and additionally reports
// whether start had already fired (onSessionEnd must never precede
// onSessionStart).
func (s *Session) markEnd() (fire bool, startHadFired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	startHadFired = s.startFired
	if s.endFired || !startHadFired {
		return false, startHadFired
	}
	s.endFired = true
	return true, startHadFired
}
