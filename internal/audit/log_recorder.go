package audit

import (
	"context"
	"log/slog"
)

// logAuditError is the single place a Surface failure is reported. Audit
// failures never propagate to the proxied connection; they are logged and
// dropped.
func logAuditError(stage string, s *Session, err error) {
	slog.Error("audit recorder failed",
		"stage", stage,
		"session_id", s.ID,
		"protocol", s.Protocol,
		"err", err,
	)
}

// LogRecorder is the default Surface: it renders every event as a
// structured slog record and never returns an error itself. It recovers
// from panics raised by its own formatting so a misbehaving audit path can
// never bring down a proxied connection.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder builds a LogRecorder writing through logger, or the
// default slog logger if logger is nil.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) recovered(stage string, s *Session) {
	if v := recover(); v != nil {
		r.logger.Error("audit log recorder panicked", "stage", stage, "session_id", s.ID, "recovered", v)
	}
}

func (r *LogRecorder) NewSession(_ context.Context, s *Session) {
	defer r.recovered("new_session", s)
	r.logger.Info("session accepted",
		"session_id", s.ID,
		"protocol", s.Protocol,
		"client_address", s.ClientAddress,
		"created_at", s.CreatedAt,
	)
}

func (r *LogRecorder) OnSessionStart(_ context.Context, s *Session) error {
	defer r.recovered("session_start", s)
	r.logger.Info("session started",
		"session_id", s.ID,
		"protocol", s.Protocol,
		"client_address", s.ClientAddress,
		"database_user", s.DatabaseUser(),
		"database_name", s.DatabaseName(),
		"application_name", s.ApplicationName(),
		"user_agent", s.UserAgent(),
	)
	return nil
}

func (r *LogRecorder) OnSessionEnd(_ context.Context, s *Session, endErr error) {
	defer r.recovered("session_end", s)
	attrs := []any{
		"session_id", s.ID,
		"protocol", s.Protocol,
		"client_address", s.ClientAddress,
		"database_user", s.DatabaseUser(),
	}
	if endErr != nil {
		attrs = append(attrs, "err", endErr)
	}
	r.logger.Info("session ended", attrs...)
}

func (r *LogRecorder) OnQuery(_ context.Context, s *Session, q QueryEvent) {
	defer r.recovered("query", s)
	r.logger.Info("query",
		"session_id", s.ID,
		"protocol", s.Protocol,
		"kind", q.Kind,
		"statement", q.Statement,
		"portal", q.Portal,
		"prepared", q.Prepared,
	)
}

func (r *LogRecorder) OnResult(_ context.Context, s *Session, res ResultEvent) {
	defer r.recovered("result", s)
	attrs := []any{
		"session_id", s.ID,
		"protocol", s.Protocol,
		"kind", res.Kind,
		"row_count", res.RowCount,
	}
	if res.ErrorCode != "" {
		attrs = append(attrs, "error_code", res.ErrorCode, "error_message", res.ErrorMessage)
	}
	r.logger.Info("result", attrs...)
}
