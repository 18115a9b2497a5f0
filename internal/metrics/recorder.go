package metrics

import (
	"context"
	"time"

	"github.com/krbdbproxy/krbdbproxy/internal/audit"
)

// Recorder adapts a Collector into an audit.Surface, so session lifecycle
// and query/result events feed Prometheus metrics the same way they feed
// the log recorder.
type Recorder struct {
	Collector *Collector
}

func (r Recorder) NewSession(context.Context, *audit.Session) {}

func (r Recorder) OnSessionStart(_ context.Context, s *audit.Session) error {
	r.Collector.SessionStarted(string(s.Protocol))
	return nil
}

func (r Recorder) OnSessionEnd(_ context.Context, s *audit.Session, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.Collector.SessionEnded(string(s.Protocol), outcome, time.Since(s.CreatedAt))
}

func (r Recorder) OnQuery(_ context.Context, s *audit.Session, q audit.QueryEvent) {
	r.Collector.Query(string(s.Protocol), q.Kind)
}

func (r Recorder) OnResult(_ context.Context, s *audit.Session, res audit.ResultEvent) {
	r.Collector.Result(string(s.Protocol), res.Kind, res.RowCount)
}

var _ audit.Surface = Recorder{}
