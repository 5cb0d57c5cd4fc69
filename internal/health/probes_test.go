package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeProbe struct {
	name   string
	status ProbeStatus
	err    error
}

func (f *fakeProbe) Name() string { return f.name }

func (f *fakeProbe) Check(ctx context.Context) (*ComponentHealth, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ComponentHealth{Name: f.name, Status: f.status}, nil
}

func TestRunAllPopulatesComponentHealth(t *testing.T) {
	m := NewManager(zap.NewNop(), ManagerConfig{})
	m.Register(&fakeProbe{name: "a", status: StatusHealthy}, true, true, true)
	m.runAll(context.Background())

	m.mu.RLock()
	got, ok := m.componentHealth["a"]
	m.mu.RUnlock()
	if !ok || got.Status != StatusHealthy {
		t.Fatalf("componentHealth[a] = %+v, ok=%v", got, ok)
	}
}

func TestRunAllTurnsProbeErrorIntoUnhealthy(t *testing.T) {
	m := NewManager(zap.NewNop(), ManagerConfig{})
	m.Register(&fakeProbe{name: "b", err: errors.New("boom")}, false, true, false)
	m.runAll(context.Background())

	m.mu.RLock()
	got := m.componentHealth["b"]
	m.mu.RUnlock()
	if got.Status != StatusUnhealthy || got.Message != "boom" {
		t.Fatalf("componentHealth[b] = %+v, want unhealthy/boom", got)
	}
}

func TestReadinessHandlerReflectsWorstStatus(t *testing.T) {
	m := NewManager(zap.NewNop(), ManagerConfig{})
	m.Register(&fakeProbe{name: "ok", status: StatusHealthy}, false, true, false)
	m.Register(&fakeProbe{name: "bad", status: StatusUnhealthy}, false, true, false)
	m.runAll(context.Background())

	rr := httptest.NewRecorder()
	m.ReadinessHandler()(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestStartupCompleteOnceAllStartupProbesHealthy(t *testing.T) {
	m := NewManager(zap.NewNop(), ManagerConfig{StartupTimeout: time.Hour})
	m.Register(&fakeProbe{name: "s1", status: StatusHealthy}, false, false, true)
	m.runAll(context.Background())

	m.mu.RLock()
	complete := m.startupComplete
	m.mu.RUnlock()
	if !complete {
		t.Fatal("expected startup to be complete once the only startup probe is healthy")
	}
}

func TestStartupTimeoutForcesCompleteRegardlessOfProbes(t *testing.T) {
	m := NewManager(zap.NewNop(), ManagerConfig{StartupTimeout: time.Nanosecond})
	m.Register(&fakeProbe{name: "s1", status: StatusUnhealthy}, false, false, true)
	time.Sleep(time.Millisecond)
	m.runAll(context.Background())

	m.mu.RLock()
	complete := m.startupComplete
	m.mu.RUnlock()
	if !complete {
		t.Fatal("expected startup timeout to force completion")
	}
}

func TestStartupHandlerShortCircuitsOnceComplete(t *testing.T) {
	m := NewManager(zap.NewNop(), ManagerConfig{})
	m.MarkStartupComplete()

	rr := httptest.NewRecorder()
	m.StartupHandler()(rr, httptest.NewRequest(http.MethodGet, "/startupz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}
