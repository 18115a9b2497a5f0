package audit

import "context"

// QueryEvent describes a single client-submitted request observed on an
// established session: a simple query, a prepared-statement Execute, or a
// CQL QUERY/EXECUTE/BATCH message.
type QueryEvent struct {
	Kind      string // Postgres: "simple_query", "parse", "bind", "execute", "close", "function_call"; Cassandra: "query", "prepare", "execute", "batch", "register"
	Statement string // best-effort extracted SQL/CQL text, empty when not applicable
	Portal    string
	Prepared  string
}

// ResultEvent describes the backend's response to a QueryEvent, or an
// out-of-band backend notice.
type ResultEvent struct {
	Kind         string // "command_complete", "error", "ready_for_query", "row_count"
	RowCount     int64
	ErrorCode    string
	ErrorMessage string
}

// Surface receives audit callbacks from a protocol engine. All methods must
// be safe for concurrent use across sessions; a Surface implementation must
// never block the calling engine goroutine for longer than it takes to
// enqueue or log the event.
type Surface interface {
	// NewSession is called once a connection has been accepted and a
	// Session allocated, before any protocol negotiation happens.
	NewSession(ctx context.Context, s *Session)

	// OnSessionStart is called the first time a session's identity is
	// fully known (after startup/handshake completes and, where
	// applicable, backend authentication succeeds). It is idempotent:
	// Session guarantees it fires at most once per session.
	OnSessionStart(ctx context.Context, s *Session) error

	// OnSessionEnd is called when a session terminates, but only if
	// OnSessionStart previously fired for the same session.
	OnSessionEnd(ctx context.Context, s *Session, err error)

	// OnQuery is called for each client request observed on an
	// established session.
	OnQuery(ctx context.Context, s *Session, q QueryEvent)

	// OnResult is called for each backend response correlated to a
	// prior OnQuery call (best effort correlation; protocols that
	// pipeline requests may call OnResult more than once per OnQuery
	// or vice versa).
	OnResult(ctx context.Context, s *Session, r ResultEvent)
}

// Fire wraps a Surface to enforce the start/end firing invariants
// (OnSessionStart at most once, OnSessionEnd only after a successful start)
// regardless of how many times callers invoke it. Protocol engines should
// drive audit events through a Fire rather than calling a Surface directly.
type Fire struct {
	Surface Surface
}

func (f Fire) NewSession(ctx context.Context, s *Session) {
	if f.Surface == nil {
		return
	}
	f.Surface.NewSession(ctx, s)
}

// Start reports the session as started, exactly once, swallowing and
// logging any error the Surface returns per the log-and-swallow audit
// contract: a failing audit recorder must never tear down the proxied
// connection.
func (f Fire) Start(ctx context.Context, s *Session) {
	if f.Surface == nil || !s.markStart() {
		return
	}
	if err := f.Surface.OnSessionStart(ctx, s); err != nil {
		logAuditError("session start", s, err)
	}
}

func (f Fire) End(ctx context.Context, s *Session, endErr error) {
	if f.Surface == nil {
		return
	}
	fire, startHadFired := s.markEnd()
	if !fire || !startHadFired {
		return
	}
	f.Surface.OnSessionEnd(ctx, s, endErr)
}

func (f Fire) Query(ctx context.Context, s *Session, q QueryEvent) {
	if f.Surface == nil {
		return
	}
	f.Surface.OnQuery(ctx, s, q)
}

func (f Fire) Result(ctx context.Context, s *Session, r ResultEvent) {
	if f.Surface == nil {
		return
	}
	f.Surface.OnResult(ctx, s, r)
}
