package metrics

import (
	"context"
	"testing"

	"github.com/krbdbproxy/krbdbproxy/internal/audit"
)

func counterValue(t *testing.T, c *Collector, name string) float64 {
	t.Helper()
	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if m.Counter != nil {
				total += m.Counter.GetValue()
			}
		}
	}
	return total
}

func TestRecorderFeedsSessionMetrics(t *testing.T) {
	c := New()
	rec := Recorder{Collector: c}
	s := audit.NewSession("10.0.0.1:5432", audit.ProtocolPostgres)

	ctx := context.Background()
	if err := rec.OnSessionStart(ctx, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec.OnSessionEnd(ctx, s, nil)

	if got := counterValue(t, c, "krbdbproxy_sessions_started_total"); got != 1 {
		t.Fatalf("sessions_started_total = %v, want 1", got)
	}
	if got := counterValue(t, c, "krbdbproxy_sessions_ended_total"); got != 1 {
		t.Fatalf("sessions_ended_total = %v, want 1", got)
	}
}

func TestRecorderFeedsQueryAndResultMetrics(t *testing.T) {
	c := New()
	rec := Recorder{Collector: c}
	s := audit.NewSession("10.0.0.1:9042", audit.ProtocolCassandra)

	ctx := context.Background()
	rec.OnQuery(ctx, s, audit.QueryEvent{Kind: "simple_query"})
	rec.OnResult(ctx, s, audit.ResultEvent{Kind: "row_count", RowCount: 5})

	if got := counterValue(t, c, "krbdbproxy_queries_total"); got != 1 {
		t.Fatalf("queries_total = %v, want 1", got)
	}
	if got := counterValue(t, c, "krbdbproxy_results_total"); got != 1 {
		t.Fatalf("results_total = %v, want 1", got)
	}
}

func TestCollectorNilSafe(t *testing.T) {
	var c *Collector
	c.SessionStarted("postgres")
	c.Query("postgres", "simple_query")
	c.AuthFailure("postgres", "*")
}
