package frontend

import "testing"

func TestParseSetCommitted(t *testing.T) {
	name, value, isLocal, ok := ParseSet("SET statement_timeout = '5000'")
	if !ok {
		t.Fatal("expected ok")
	}
	if name != "statement_timeout" || value != "5000" || isLocal {
		t.Errorf("got name=%q value=%q isLocal=%v", name, value, isLocal)
	}
}

func TestParseSetLocal(t *testing.T) {
	name, value, isLocal, ok := ParseSet("SET LOCAL search_path TO 'tenant_a'")
	if !ok {
		t.Fatal("expected ok")
	}
	if name != "search_path" || value != "tenant_a" || !isLocal {
		t.Errorf("got name=%q value=%q isLocal=%v", name, value, isLocal)
	}
}

func TestParseSetUnrecognized(t *testing.T) {
	_, _, _, ok := ParseSet("RESET ALL")
	if ok {
		t.Fatal("expected not ok for RESET ALL")
	}
}

func TestParamStoreEndTransactionDropsLocalOnly(t *testing.T) {
	p := NewParamStore()
	p.SetCommitted("a", "1")
	p.SetLocal("b", "2")
	p.EndTransaction()

	replay := p.ReplaySQL()
	if len(replay) != 1 {
		t.Fatalf("replay = %v, want one committed statement", replay)
	}
}

func TestParamStoreLocalOverridesCommitted(t *testing.T) {
	p := NewParamStore()
	p.SetCommitted("a", "1")
	p.SetLocal("a", "2")

	replay := p.ReplaySQL()
	if len(replay) != 1 || replay[0] != "SET a = '2'" {
		t.Errorf("replay = %v, want local override", replay)
	}
}
