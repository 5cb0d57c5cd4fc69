package netutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeResolver struct {
	answers map[string][]string
	calls   int
	fail    bool
}

func (f *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("lookup failed")
	}
	ips, ok := f.answers[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return ips, nil
}

func TestResolveLiteralIPBypassesCache(t *testing.T) {
	fr := &fakeResolver{answers: map[string][]string{}}
	c := NewCache(time.Minute, zap.NewNop())
	c.resolver = fr

	ips, err := c.Resolve(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ips) != 1 || ips[0] != "127.0.0.1" {
		t.Errorf("ips = %v", ips)
	}
	if fr.calls != 0 {
		t.Errorf("literal IP should not call the resolver, got %d calls", fr.calls)
	}
}

func TestResolveCachesHostname(t *testing.T) {
	fr := &fakeResolver{answers: map[string][]string{"db.internal": {"10.0.0.1"}}}
	c := NewCache(time.Minute, zap.NewNop())
	c.resolver = fr

	for i := 0; i < 3; i++ {
		ips, err := c.Resolve(context.Background(), "db.internal")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if len(ips) != 1 || ips[0] != "10.0.0.1" {
			t.Errorf("ips = %v", ips)
		}
	}
	if fr.calls != 1 {
		t.Errorf("expected a single resolve + cached reuse, got %d calls", fr.calls)
	}
}

func TestRefreshFailureKeepsPreviousValue(t *testing.T) {
	fr := &fakeResolver{answers: map[string][]string{"db.internal": {"10.0.0.1"}}}
	c := NewCache(time.Minute, zap.NewNop())
	c.resolver = fr

	if _, err := c.Resolve(context.Background(), "db.internal"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	fr.fail = true
	c.refreshAll(context.Background())

	c.mu.RLock()
	got := c.entries["db.internal"].ips
	c.mu.RUnlock()
	if len(got) != 1 || got[0] != "10.0.0.1" {
		t.Errorf("expected stale value retained, got %v", got)
	}
}
