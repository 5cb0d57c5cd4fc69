package health

import (
	"context"
	"fmt"

	"github.com/pgdogdev/pgdog-sub003/internal/backend"
	"github.com/pgdogdev/pgdog-sub003/internal/mirror"
)

// ClusterProbe reports a cluster as degraded when any shard's primary pool is banned
// (writes to that shard are failing fast) and unhealthy when every shard is banned (the
// cluster can't serve any write traffic at all).
type ClusterProbe struct {
	name    string
	cluster *backend.Cluster
}

func NewClusterProbe(name string, cluster *backend.Cluster) *ClusterProbe {
	return &ClusterProbe{name: name, cluster: cluster}
}

func (p *ClusterProbe) Name() string { return p.name }

func (p *ClusterProbe) Check(ctx context.Context) (*ComponentHealth, error) {
	shards := p.cluster.Shards()
	if len(shards) == 0 {
		return &ComponentHealth{Name: p.name, Status: StatusUnhealthy, Message: "no shards configured"}, nil
	}

	bannedPrimaries := 0
	details := make(map[string]backend.Stats, len(shards))
	for _, shard := range shards {
		if shard.Primary == nil {
			continue
		}
		stats := shard.Primary.Stats()
		details[fmt.Sprintf("shard-%d", shard.Index)] = stats
		if stats.Banned {
			bannedPrimaries++
		}
	}

	status := StatusHealthy
	msg := ""
	switch {
	case bannedPrimaries == len(shards):
		status = StatusUnhealthy
		msg = "every shard's primary pool is banned"
	case bannedPrimaries > 0:
		status = StatusDegraded
		msg = fmt.Sprintf("%d/%d shard primaries are banned", bannedPrimaries, len(shards))
	}
	return &ComponentHealth{Name: p.name, Status: status, Message: msg, Details: details}, nil
}

// PoolProbe reports a single pool as degraded when banned (still counted healthy overall
// since the pool can recover on its own once the ban expires) and unhealthy whenever it
// currently holds no connections at all (Stats().Total == 0), whatever its configured min.
type PoolProbe struct {
	name string
	pool *backend.Pool
}

func NewPoolProbe(name string, pool *backend.Pool) *PoolProbe {
	return &PoolProbe{name: name, pool: pool}
}

func (p *PoolProbe) Name() string { return p.name }

func (p *PoolProbe) Check(ctx context.Context) (*ComponentHealth, error) {
	stats := p.pool.Stats()
	status := StatusHealthy
	msg := ""
	switch {
	case stats.Total == 0:
		status = StatusUnhealthy
		msg = "pool has no connections"
	case stats.Banned:
		status = StatusDegraded
		msg = "pool is banned"
	}
	return &ComponentHealth{Name: p.name, Status: status, Message: msg, Details: stats}, nil
}

// MirrorProbe reports a mirror destination as degraded once its consecutive-error count
// crosses a threshold, per spec §8 scenario 8's "never mirrored>0 with errors_connection==0"
// invariant -- a growing consecutive-error count means replay is failing outright, which
// should show up in readiness without taking the proxy itself down.
type MirrorProbe struct {
	name      string
	handler   *mirror.Handler
	threshold int64
}

func NewMirrorProbe(name string, handler *mirror.Handler, threshold int64) *MirrorProbe {
	if threshold <= 0 {
		threshold = 5
	}
	return &MirrorProbe{name: name, handler: handler, threshold: threshold}
}

func (p *MirrorProbe) Name() string { return p.name }

func (p *MirrorProbe) Check(ctx context.Context) (*ComponentHealth, error) {
	stats := p.handler.Stats()
	status := StatusHealthy
	msg := ""
	if stats.ConsecutiveErrors >= p.threshold {
		status = StatusDegraded
		msg = fmt.Sprintf("%d consecutive mirror replay errors", stats.ConsecutiveErrors)
	}
	return &ComponentHealth{Name: p.name, Status: status, Message: msg, Details: stats}, nil
}
