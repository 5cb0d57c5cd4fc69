package backend

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/catalog"
)

// ReadWriteStrategy selects how a read-only statement picks between primary and replicas,
// per §4.5.
type ReadWriteStrategy int

const (
	ReadWriteStrategyPrimaryOnly ReadWriteStrategy = iota
	ReadWriteStrategyReplicaOnly
	ReadWriteStrategyIncludePrimary // replica-preferred, falls back to primary
)

// snapshot is the immutable, atomically-swapped state a Cluster exposes: the shard list
// plus the sharding schema they were built from. Readers always see one consistent
// (shards, schema) pair, never a torn mix of pre- and post-reload state.
type snapshot struct {
	shards []*Shard
	schema *catalog.Schema
}

// Cluster is C6: the full set of shards, their sharding schema, and the read/write
// strategy; the shard list and schema are hot-reloadable via an atomic pointer swap. The
// mirror handler is held by the caller, not by the Cluster.
type Cluster struct {
	Name              string
	ReadWriteStrategy ReadWriteStrategy
	IncludePrimary    bool

	current atomic.Pointer[snapshot]

	logger *zap.Logger
}

func NewCluster(name string, logger *zap.Logger) *Cluster {
	c := &Cluster{Name: name, logger: logger}
	c.current.Store(&snapshot{schema: &catalog.Schema{}})
	return c
}

// Reload atomically swaps in a new shard list and schema. In-flight requests that already
// read the old snapshot keep using it to completion; new requests see the new one.
func (c *Cluster) Reload(shards []*Shard, schema *catalog.Schema) {
	c.current.Store(&snapshot{shards: shards, schema: schema})
	c.logger.Info("cluster reloaded", zap.String("cluster", c.Name), zap.Int("shards", len(shards)))
}

// Shards returns the current shard list.
func (c *Cluster) Shards() []*Shard {
	return c.current.Load().shards
}

// Shard returns shard i of the current snapshot, or nil if out of range.
func (c *Cluster) Shard(i int) *Shard {
	shards := c.Shards()
	if i < 0 || i >= len(shards) {
		return nil
	}
	return shards[i]
}

// ShardCount returns len(Shards()), consulted by the router for modulo/range mapping.
func (c *Cluster) ShardCount() int {
	return len(c.Shards())
}

// Schema returns the current sharding schema snapshot.
func (c *Cluster) Schema() *catalog.Schema {
	return c.current.Load().schema
}

// Start starts every shard's pools against the current snapshot.
func (c *Cluster) Start(ctx context.Context) {
	for _, s := range c.Shards() {
		s.Start(ctx)
	}
}

// Stop tears down every shard's pools.
func (c *Cluster) Stop() {
	for _, s := range c.Shards() {
		s.Stop()
	}
}
