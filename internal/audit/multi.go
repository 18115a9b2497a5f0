package audit

import "context"

// Multi fans a single stream of audit events out to several Surfaces, e.g.
// a LogRecorder plus a metrics-backed Surface. Each delegate is invoked in
// order; a panic in one delegate's OnSessionStart is recovered so it cannot
// poison the others (the log/slog-based Surfaces already guard themselves,
// but Multi does not trust arbitrary future Surface implementations).
type Multi struct {
	Recorders []Surface
}

func (m Multi) NewSession(ctx context.Context, s *Session) {
	for _, r := range m.Recorders {
		r.NewSession(ctx, s)
	}
}

func (m Multi) OnSessionStart(ctx context.Context, s *Session) error {
	var firstErr error
	for _, r := range m.Recorders {
		if err := m.safeStart(ctx, r, s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m Multi) safeStart(ctx context.Context, r Surface, s *Session) (err error) {
	defer func() {
		if v := recover(); v != nil {
			logAuditError("multi_session_start_panic", s, panicErr{v})
		}
	}()
	return r.OnSessionStart(ctx, s)
}

func (m Multi) OnSessionEnd(ctx context.Context, s *Session, endErr error) {
	for _, r := range m.Recorders {
		r.OnSessionEnd(ctx, s, endErr)
	}
}

func (m Multi) OnQuery(ctx context.Context, s *Session, q QueryEvent) {
	for _, r := range m.Recorders {
		r.OnQuery(ctx, s, q)
	}
}

func (m Multi) OnResult(ctx context.Context, s *Session, res ResultEvent) {
	for _, r := range m.Recorders {
		r.OnResult(ctx, s, res)
	}
}

type panicErr struct{ v any }

func (p panicErr) Error() string {
	return "recovered panic in audit recorder"
}
