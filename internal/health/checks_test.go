package health

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/backend"
	"github.com/pgdogdev/pgdog-sub003/internal/catalog"
	"github.com/pgdogdev/pgdog-sub003/internal/mirror"
)

// refusingAddr points at a closed listener so any Checkout attempt fails, letting tests
// exercise a pool/mirror probe's unhealthy/degraded branches without a real backend.
func refusingAddr(t *testing.T) backend.Address {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	host, portStr, _ := net.SplitHostPort(addr)
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return backend.Address{Host: host, Port: port, Database: "x", User: "x"}
}

func TestPoolProbeUnhealthyWithNoConnections(t *testing.T) {
	pool := backend.NewPool("test", refusingAddr(t), backend.PoolConfig{Max: 1, CheckoutTimeout: 10 * time.Millisecond}, backend.StaticAuthenticator{User: "x", Database: "x"}, zap.NewNop())

	p := NewPoolProbe("shard0-primary", pool)
	health, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if health.Status != StatusUnhealthy {
		t.Errorf("Status = %v, want unhealthy (pool never started, total=0)", health.Status)
	}
}

func TestClusterProbeHealthyWithNoBans(t *testing.T) {
	cluster := backend.NewCluster("c0", zap.NewNop())
	pool := backend.NewPool("shard0", refusingAddr(t), backend.PoolConfig{Max: 1}, backend.StaticAuthenticator{User: "x", Database: "x"}, zap.NewNop())
	shard := &backend.Shard{Index: 0, Primary: pool, Replicas: backend.NewReplicas(nil, backend.LoadBalanceStrategy(0), zap.NewNop())}
	cluster.Reload([]*backend.Shard{shard}, &catalog.Schema{})

	p := NewClusterProbe("cluster", cluster)
	health, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if health.Status != StatusHealthy {
		t.Errorf("Status = %v, want healthy", health.Status)
	}
}

func TestClusterProbeUnhealthyWithNoShards(t *testing.T) {
	cluster := backend.NewCluster("empty", zap.NewNop())
	p := NewClusterProbe("cluster", cluster)
	health, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if health.Status != StatusUnhealthy {
		t.Errorf("Status = %v, want unhealthy", health.Status)
	}
}

func TestMirrorProbeHealthyBelowThreshold(t *testing.T) {
	pool := backend.NewPool("mirror", refusingAddr(t), backend.PoolConfig{Max: 1}, backend.StaticAuthenticator{User: "x", Database: "x"}, zap.NewNop())
	h := mirror.New(mirror.Config{Exposure: 1.0, QueueLength: 1}, pool, "app", nil, zap.NewNop())

	p := NewMirrorProbe("mirror-app", h, 1)
	health, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if health.Status != StatusHealthy {
		t.Errorf("Status = %v, want healthy (no replay attempts yet)", health.Status)
	}
}
