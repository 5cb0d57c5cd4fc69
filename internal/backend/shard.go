package backend

import (
	"context"

	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/wireerr"
)

// Shard is one partition of the cluster: a primary pool and zero or more replica pools,
// per C5.
type Shard struct {
	Index    int
	Primary  *Pool
	Replicas *Replicas
}

// NewShard builds a shard from a primary address and a list of replica addresses.
func NewShard(index int, primaryAddr Address, replicaAddrs []Address, cfg PoolConfig, auth Authenticator, strategy LoadBalanceStrategy, logger *zap.Logger) *Shard {
	primary := NewPool("shard", primaryAddr, cfg, auth, logger)

	var pools []*Pool
	for i, addr := range replicaAddrs {
		pools = append(pools, NewPool("shard-replica", addr, cfg, auth, logger))
		_ = i
	}

	return &Shard{
		Index:    index,
		Primary:  primary,
		Replicas: NewReplicas(pools, strategy, logger),
	}
}

// Start starts the primary pool (if configured -- a read-only replica set has none) and
// every replica pool's maintenance loop.
func (s *Shard) Start(ctx context.Context) {
	if s.Primary != nil {
		s.Primary.Start(ctx)
	}
	for _, p := range s.Replicas.pools {
		p.Start(ctx)
	}
}

// CheckoutPrimary checks out a connection from the primary, erroring with NoPrimary if
// there is no primary configured for this shard (read-only replica set).
func (s *Shard) CheckoutPrimary(ctx context.Context) (*Server, error) {
	if s.Primary == nil {
		return nil, wireerr.NoPrimary()
	}
	return s.Primary.Checkout(ctx)
}

// CheckoutReplica checks out a connection from the replica set, falling back to the
// primary when includePrimary is set and the replica checkout fails.
func (s *Shard) CheckoutReplica(ctx context.Context, includePrimary bool) (*Server, error) {
	if conn, err := s.Replicas.Checkout(ctx); err == nil {
		return conn, nil
	} else if !includePrimary {
		return nil, err
	}
	return s.CheckoutPrimary(ctx)
}

// Return gives a connection back to the pool p the caller names. Callers that only hold the
// *Server use ReturnServer instead.
func (s *Shard) Return(p *Pool, conn *Server) {
	p.Return(conn)
}

// ReturnServer returns conn to its own OwnerPool, so coordinator code that only holds the
// *Server (not which pool it came from) can release it without bookkeeping.
func (s *Shard) ReturnServer(conn *Server) {
	if p := conn.OwnerPool(); p != nil {
		p.Return(conn)
	}
}

// Stop tears down every pool belonging to this shard.
func (s *Shard) Stop() {
	if s.Primary != nil {
		s.Primary.Stop()
	}
	for _, p := range s.Replicas.pools {
		p.Stop()
	}
}
