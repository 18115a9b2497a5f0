package audit

import (
	"context"
	"errors"
	"testing"
)

type recordingSurface struct {
	starts  int
	ends    int
	lastErr error
}

func (r *recordingSurface) NewSession(context.Context, *Session) {}

func (r *recordingSurface) OnSessionStart(context.Context, *Session) error {
	r.starts++
	return nil
}

func (r *recordingSurface) OnSessionEnd(_ context.Context, _ *Session, err error) {
	r.ends++
	r.lastErr = err
}

func (r *recordingSurface) OnQuery(context.Context, *Session, QueryEvent)   {}
func (r *recordingSurface) OnResult(context.Context, *Session, ResultEvent) {}

func TestFireStartFiresOnce(t *testing.T) {
	s := NewSession("127.0.0.1:5432", ProtocolPostgres)
	rs := &recordingSurface{}
	f := Fire{Surface: rs}

	ctx := context.Background()
	f.Start(ctx, s)
	f.Start(ctx, s)
	f.Start(ctx, s)

	if rs.starts != 1 {
		t.Fatalf("expected OnSessionStart to fire exactly once, got %d", rs.starts)
	}
}

func TestFireEndRequiresPriorStart(t *testing.T) {
	s := NewSession("127.0.0.1:5432", ProtocolPostgres)
	rs := &recordingSurface{}
	f := Fire{Surface: rs}

	ctx := context.Background()
	f.End(ctx, s, nil)
	if rs.ends != 0 {
		t.Fatalf("OnSessionEnd must not fire before OnSessionStart, got %d calls", rs.ends)
	}

	f.Start(ctx, s)
	f.End(ctx, s, errors.New("boom"))
	if rs.ends != 1 {
		t.Fatalf("expected OnSessionEnd to fire once after start, got %d", rs.ends)
	}
	if rs.lastErr == nil {
		t.Fatalf("expected end error to propagate")
	}

	f.End(ctx, s, nil)
	if rs.ends != 1 {
		t.Fatalf("OnSessionEnd must be idempotent, got %d calls", rs.ends)
	}
}

func TestFireNilSurfaceIsNoop(t *testing.T) {
	s := NewSession("127.0.0.1:5432", ProtocolCassandra)
	f := Fire{}
	ctx := context.Background()

	f.NewSession(ctx, s)
	f.Start(ctx, s)
	f.Query(ctx, s, QueryEvent{Kind: "simple_query"})
	f.Result(ctx, s, ResultEvent{Kind: "command_complete"})
	f.End(ctx, s, nil)
}

func TestSessionStartupIdentity(t *testing.T) {
	s := NewSession("10.0.0.1:9042", ProtocolCassandra)
	s.SetStartupIdentity("alice", "analytics", "myapp", []KV{{Name: "CQL_VERSION", Value: "3.0.0"}})

	if got := s.DatabaseUser(); got != "alice" {
		t.Fatalf("DatabaseUser = %q, want alice", got)
	}
	if got := s.DatabaseName(); got != "analytics" {
		t.Fatalf("DatabaseName = %q, want analytics", got)
	}
	params := s.StartupParameters()
	if len(params) != 1 || params[0].Name != "CQL_VERSION" {
		t.Fatalf("StartupParameters = %+v, want one CQL_VERSION entry", params)
	}
}

func TestSessionDriverUserAgent(t *testing.T) {
	s := NewSession("10.0.0.1:9042", ProtocolCassandra)
	s.SetDriver("DataStax Go Driver", "1.2.3")
	if got := s.UserAgent(); got != "DataStax Go Driver/1.2.3" {
		t.Fatalf("UserAgent = %q", got)
	}
}

func TestMultiFanOut(t *testing.T) {
	s := NewSession("127.0.0.1:27017", ProtocolMongo)
	a := &recordingSurface{}
	b := &recordingSurface{}
	m := Multi{Recorders: []Surface{a, b}}

	ctx := context.Background()
	if err := m.OnSessionStart(ctx, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.OnSessionEnd(ctx, s, nil)

	if a.starts != 1 || b.starts != 1 {
		t.Fatalf("expected both delegates to observe start, got a=%d b=%d", a.starts, b.starts)
	}
	if a.ends != 1 || b.ends != 1 {
		t.Fatalf("expected both delegates to observe end, got a=%d b=%d", a.ends, b.ends)
	}
}
