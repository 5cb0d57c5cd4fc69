package backend

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/wireerr"
)

// LoadBalanceStrategy selects how Replicas.Checkout picks among its pools, per §4.6.
type LoadBalanceStrategy int

const (
	LoadBalanceRandom LoadBalanceStrategy = iota
	LoadBalanceRoundRobin
	LoadBalanceLeastActiveConnections
)

// Replicas is the load-balanced set of replica pools for one shard.
type Replicas struct {
	pools    []*Pool
	strategy LoadBalanceStrategy
	logger   *zap.Logger

	mu   sync.Mutex
	next uint64
}

func NewReplicas(pools []*Pool, strategy LoadBalanceStrategy, logger *zap.Logger) *Replicas {
	return &Replicas{pools: pools, strategy: strategy, logger: logger}
}

// Checkout picks a replica pool per the configured strategy and checks out a connection.
// If every replica is banned, it unbans the least-recently-banned one and retries once,
// per §4.6's "all banned" fallback, rather than failing a request outright.
func (r *Replicas) Checkout(ctx context.Context) (*Server, error) {
	if len(r.pools) == 0 {
		return nil, wireerr.AllReplicasDown()
	}

	pool := r.pick()
	if pool != nil {
		if s, err := pool.Checkout(ctx); err == nil {
			return s, nil
		}
	}

	// Every candidate appeared banned/unavailable: force-unban one pool and retry once.
	r.unbanOne()
	pool = r.pick()
	if pool == nil {
		return nil, wireerr.AllReplicasDown()
	}
	return pool.Checkout(ctx)
}

func (r *Replicas) pick() *Pool {
	var candidates []*Pool
	for _, p := range r.pools {
		if _, banned := p.ban.Active(); !banned {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	switch r.strategy {
	case LoadBalanceRoundRobin:
		i := atomic.AddUint64(&r.next, 1) - 1
		return candidates[int(i)%len(candidates)]
	case LoadBalanceLeastActiveConnections:
		best := candidates[0]
		bestLoad := best.Stats().CheckedOut
		for _, p := range candidates[1:] {
			if l := p.Stats().CheckedOut; l < bestLoad {
				best, bestLoad = p, l
			}
		}
		return best
	default: // LoadBalanceRandom
		return candidates[rand.Intn(len(candidates))]
	}
}

func (r *Replicas) unbanOne() {
	var oldest *Pool
	var oldestAt time.Time
	for _, p := range r.pools {
		ban, banned := p.ban.Active()
		if !banned {
			continue
		}
		if oldest == nil || ban.At.Before(oldestAt) {
			oldest, oldestAt = p, ban.At
		}
	}
	if oldest != nil {
		oldest.Unban()
		r.logger.Warn("all replicas were banned, force-unbanned one", zap.String("pool", oldest.Name))
	}
}

// All returns every replica pool, banned or not (used to attach resolvers and by the
// replication-lag checker).
func (r *Replicas) All() []*Pool { return r.pools }
