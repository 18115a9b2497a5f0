package router

import "testing"

func TestStaticResolverResolvesByKey(t *testing.T) {
	r := NewStaticResolver([]Route{
		{Key: "analytics", Host: "pg-analytics.internal", Port: 5432},
		{Key: "billing", Host: "pg-billing.internal", Port: 5432},
	}, "analytics")

	rt, err := r.Resolve("billing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt.Host != "pg-billing.internal" {
		t.Fatalf("got host %q", rt.Host)
	}
}

func TestStaticResolverUnknownKey(t *testing.T) {
	r := NewStaticResolver([]Route{{Key: "analytics", Host: "pg.internal"}}, "")
	if _, err := r.Resolve("nope"); err == nil {
		t.Fatal("expected error for unknown route key")
	}
}

func TestStaticResolverDefault(t *testing.T) {
	r := NewStaticResolver([]Route{
		{Key: "analytics", Host: "pg-analytics.internal"},
	}, "analytics")

	rt, ok := r.Default()
	if !ok {
		t.Fatal("expected a default route")
	}
	if rt.Host != "pg-analytics.internal" {
		t.Fatalf("got host %q", rt.Host)
	}
}

func TestStaticResolverNoDefault(t *testing.T) {
	r := NewStaticResolver([]Route{{Key: "analytics"}}, "")
	if _, ok := r.Default(); ok {
		t.Fatal("expected no default route")
	}
}

func TestStaticResolverReloadSwapsAtomically(t *testing.T) {
	r := NewStaticResolver([]Route{{Key: "analytics", Host: "old.internal"}}, "analytics")

	r.Reload([]Route{{Key: "analytics", Host: "new.internal"}}, "analytics")

	rt, err := r.Resolve("analytics")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt.Host != "new.internal" {
		t.Fatalf("got host %q, want new.internal after reload", rt.Host)
	}
}

func TestSplitTargetFromUsername(t *testing.T) {
	cases := []struct {
		in         string
		wantTarget string
		wantUser   string
		wantOK     bool
	}{
		{"analytics__alice", "analytics", "alice", true},
		{"analytics..alice", "analytics", "alice", true},
		{"alice", "", "alice", false},
	}
	for _, c := range cases {
		target, user, ok := SplitTargetFromUsername(c.in)
		if target != c.wantTarget || user != c.wantUser || ok != c.wantOK {
			t.Fatalf("SplitTargetFromUsername(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.in, target, user, ok, c.wantTarget, c.wantUser, c.wantOK)
		}
	}
}
