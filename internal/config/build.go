package config

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/backend"
	"github.com/pgdogdev/pgdog-sub003/internal/catalog"
)

// BuildSchema assembles a catalog.Schema for one logical database from its
// sharded_tables/sharded_mappings/omnisharded_tables entries: one pass per table,
// mapping-kind-specific aggregation of the individual mapping rows into the table's rule.
func BuildSchema(cfg *Config, database string) (*catalog.Schema, error) {
	shardCount := 0
	for _, db := range cfg.Databases {
		if db.Name == database && db.Shard+1 > shardCount {
			shardCount = db.Shard + 1
		}
	}

	schema := &catalog.Schema{ShardCount: shardCount}

	for _, t := range cfg.Sharded {
		if t.Database != database {
			continue
		}
		table := catalog.ShardedTable{
			Database:       t.Database,
			Schema:         t.Schema,
			Name:           t.Name,
			Column:         t.Column,
			DataType:       catalog.DataType(t.DataType),
			CentroidProbes: t.CentroidProbes,
		}
		table.Mapping = catalog.MappingHash // default absent an explicit [[sharded_mappings]] entry

		listValues := make(map[string]int)
		var ranges []catalog.RangeBound
		for _, m := range cfg.Mappings {
			if m.Database != database || m.Table != t.Name || m.Column != t.Column {
				continue
			}
			switch catalog.MappingKind(m.Kind) {
			case catalog.MappingList:
				table.Mapping = catalog.MappingList
				for _, v := range m.Values {
					listValues[v] = m.Shard
				}
			case catalog.MappingRange:
				table.Mapping = catalog.MappingRange
				ranges = append(ranges, catalog.RangeBound{Start: m.Start, End: m.End, Shard: m.Shard})
			case catalog.MappingVector:
				table.Mapping = catalog.MappingVector
			default:
				table.Mapping = catalog.MappingHash
			}
		}
		if len(listValues) > 0 {
			table.ListValues = listValues
		}
		if len(ranges) > 0 {
			sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
			table.RangeBounds = ranges
		}
		schema.ShardedTables = append(schema.ShardedTables, table)
	}

	for _, t := range cfg.Omni {
		schema.OmniShardedTables = append(schema.OmniShardedTables, catalog.OmniShardedTable{
			Name: t.Name, StickyRouting: t.StickyRouting,
		})
	}

	return schema, nil
}

// BuildCluster groups every [[databases]] entry sharing `name` (the logical database
// clients connect to) into a backend.Cluster: one backend.Shard per distinct `shard`
// index, a primary pool for the `primary`/`auto`-role entry and replica pools for every
// `replica` entry.
func BuildCluster(cfg *Config, database string, poolCfg backend.PoolConfig, auth backend.Authenticator, logger *zap.Logger) (*backend.Cluster, error) {
	byShard := make(map[int]struct {
		primary  *backend.Address
		replicas []backend.Address
	})

	for _, db := range cfg.Databases {
		if db.Name != database {
			continue
		}
		addr := backend.Address{Host: db.Host, Port: db.Port, Database: db.DatabaseName}
		entry := byShard[db.Shard]
		switch db.Role {
		case "replica":
			entry.replicas = append(entry.replicas, addr)
		default: // "primary" or "auto"
			a := addr
			entry.primary = &a
		}
		byShard[db.Shard] = entry
	}
	if len(byShard) == 0 {
		return nil, fmt.Errorf("config: no databases entries named %q", database)
	}

	indices := make([]int, 0, len(byShard))
	for i := range byShard {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	cluster := backend.NewCluster(database, logger)

	shards := make([]*backend.Shard, 0, len(indices))
	for _, i := range indices {
		entry := byShard[i]
		var primaryAddr backend.Address
		if entry.primary != nil {
			primaryAddr = *entry.primary
		}
		shard := backend.NewShard(i, primaryAddr, entry.replicas, poolCfg, auth, backend.LoadBalanceStrategy(0), logger)
		if entry.primary == nil {
			shard.Primary = nil
		}
		shards = append(shards, shard)
	}

	schema, err := BuildSchema(cfg, database)
	if err != nil {
		return nil, err
	}
	cluster.Reload(shards, schema)
	return cluster, nil
}

// Databases returns the distinct logical database names declared across every
// [[databases]] entry, in first-seen order -- the set cmd/pgdog builds one listener (or
// one virtual database, depending on deployment topology) per entry of.
func Databases(cfg *Config) []string {
	seen := make(map[string]bool)
	var names []string
	for _, db := range cfg.Databases {
		if !seen[db.Name] {
			seen[db.Name] = true
			names = append(names, db.Name)
		}
	}
	return names
}
