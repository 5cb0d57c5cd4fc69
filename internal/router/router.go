// Package router implements C8: it takes a parsed statement plus session context and
// Cluster's sharding schema and produces a catalog.Route (and, when the statement needs
// rewriting before dispatch, a catalog.RewritePlan). It follows a classify-then-decide
// shape, generalized from single-shard-key extraction to the full precedence chain and
// rewrite set §4.8/§4.8.1 name.
package router

import (
	"strconv"
	"strings"

	"github.com/pgdogdev/pgdog-sub003/internal/catalog"
	"github.com/pgdogdev/pgdog-sub003/internal/parser"
	"github.com/pgdogdev/pgdog-sub003/internal/wireerr"
)

// ReadWriteMode selects the pooler's read/write classification strategy.
type ReadWriteMode int

const (
	// ModeDefault: a bare SELECT is a read; everything else is a write.
	ModeDefault ReadWriteMode = iota
	// ModeConservative: an explicit BEGIN (not BEGIN READ ONLY) marks the whole
	// transaction write-only, overriding subsequent SELECTs within it.
	ModeConservative
)

// Session is the subset of per-connection state the router consults: session-scoped
// routing overrides (`pgdog.shard` / `pgdog.sharding_key` / `pgdog.role`, SET by a client)
// and search_path, plus whatever the current transaction has already pinned.
type Session struct {
	ShardParam       *int   // pgdog.shard
	ShardingKeyParam string // pgdog.sharding_key
	RoleParam        string // pgdog.role: "primary" | "replica"
	SearchPath       string

	InTransaction  bool
	TxForcedWrite  bool // conservative mode: BEGIN seen, not BEGIN READ ONLY
	IncludePrimary bool // read_write_strategy IncludePrimary: replicas preferred, primary OK
}

// Config holds the router's static knobs, sourced from config at cluster-build time.
type Config struct {
	Mode                ReadWriteMode
	CrossShardDisabled  bool
	HashFunc            HashFunc
	UniqueIDFuncName    string      // e.g. "unique_id"; empty disables the rewrite
	AutoInjectPK        bool        // sharding-key auto-injection on INSERT missing the column
	SplitInserts        bool        // split a multi-row INSERT whose rows span shards, per shard
	IDGen               IDGenerator // defaults to DefaultIDGenerator() when nil
}

// Router holds no per-request state; Route is pure given (statement, session, schema).
type Router struct {
	cfg Config
}

func New(cfg Config) *Router {
	if cfg.HashFunc == nil {
		cfg.HashFunc = NewHashFunc(HashXXHash)
	}
	if cfg.IDGen == nil {
		cfg.IDGen = DefaultIDGenerator()
	}
	return &Router{cfg: cfg}
}

// Route decides where stmt goes and what (if anything) must be rewritten before dispatch.
func (r *Router) Route(stmt *parser.Statement, sess Session, schema *catalog.Schema) (catalog.Route, error) {
	decision, insertPlan, isOmni, err := r.decideShards(stmt, sess, schema)
	if err != nil {
		return catalog.Route{}, err
	}

	if r.cfg.CrossShardDisabled && decision.IsMultiShard(schema.ShardCount) {
		return catalog.Route{}, wireerr.CrossShardDisabled()
	}

	role := r.classifyRole(stmt, sess)

	route := catalog.Route{
		Decision: decision,
		Role:     role,
		IsOmni:   isOmni,
	}

	if stmt.Kind == parser.KindSelect {
		route.OrderBy = convertOrderBy(stmt.OrderBy)
		route.Limit = catalog.Limit{Limit: stmt.Limit.LimitLiteral, Offset: stmt.Limit.OffsetLiteral}
		route.Aggregates = convertAggregates(stmt)
		route.Distinct = catalog.Distinct{Enabled: stmt.Distinct, OnCols: nil}
	}

	route.ShouldBuffer = route.NeedsMerge() && decision.IsMultiShard(schema.ShardCount)

	switch {
	case insertPlan != nil:
		route.Rewrite = insertPlan
	default:
		if plan := r.rewrite(stmt, decision, schema); plan != nil {
			route.Rewrite = plan
		}
	}

	return route, nil
}

// decideShards implements §4.8's precedence chain: routing comment → pgdog.shard session
// param → pgdog.sharding_key session param → search_path schema match → sharded-column
// match → omni-sharded table → fallback All. For an INSERT whose sharding column is
// missing (auto-injection) or whose rows resolve to more than one shard (split INSERT),
// it additionally returns the *catalog.RewritePlan built alongside the decision.
func (r *Router) decideShards(stmt *parser.Statement, sess Session, schema *catalog.Schema) (catalog.ShardDecision, *catalog.RewritePlan, bool, error) {
	if stmt.CommentShard != nil {
		return catalog.Direct(clampShard(*stmt.CommentShard, schema.ShardCount)), nil, false, nil
	}
	if stmt.CommentShardingKey != "" {
		table, ok := schema.FindShardedTable(stmt.Table)
		if ok {
			shard, err := r.mapValue(table, stmt.CommentShardingKey, schema.ShardCount)
			if err == nil {
				return shard, nil, false, nil
			}
		}
	}
	if sess.ShardParam != nil {
		return catalog.Direct(clampShard(*sess.ShardParam, schema.ShardCount)), nil, false, nil
	}
	if sess.ShardingKeyParam != "" {
		table, ok := schema.FindShardedTable(stmt.Table)
		if ok {
			shard, err := r.mapValue(table, sess.ShardingKeyParam, schema.ShardCount)
			if err == nil {
				return shard, nil, false, nil
			}
		}
	}
	if sess.SearchPath != "" {
		if shard, ok := schema.ShardedSchemas[sess.SearchPath]; ok {
			return catalog.Direct(shard), nil, false, nil
		}
	}

	if stmt.Table != "" {
		if table, ok := schema.FindShardedTable(stmt.Table); ok {
			if stmt.Kind == parser.KindInsert && ((r.cfg.SplitInserts && len(stmt.InsertRows) > 1) || !stmt.ShardKey.Found) {
				decision, plan, err := r.decideInsertShards(stmt, table, schema)
				return decision, plan, false, err
			}
			if stmt.ShardKey.Found && stmt.ShardKey.ParamIdx == 0 {
				shard, err := r.mapValue(table, stmt.ShardKey.Literal, schema.ShardCount)
				if err == nil {
					return shard, nil, false, nil
				}
			}
			if stmt.ShardKey.Found && stmt.ShardKey.ParamIdx > 0 {
				// The literal value lives in a Bind parameter not yet available to the
				// router at parse time; the caller resolves it via RouteWithParams.
				return catalog.All(), nil, false, nil
			}
			if !stmt.ShardKey.Found && stmt.Kind == parser.KindSelect {
				// No WHERE on the sharding column: fan out.
				return catalog.All(), nil, false, nil
			}
			return catalog.ShardDecision{}, nil, false, wireerr.MissingShardingKey()
		}

		if omni, ok := schema.FindOmniShardedTable(stmt.Table); ok {
			return catalog.Direct(0), nil, omni.StickyRouting, nil
		}
	}

	return catalog.All(), nil, false, nil
}

// RouteWithParams resolves a Route whose sharding-key value lives in a Bind parameter
// (stmt.ShardKey.ParamIdx > 0), given the now-available decoded parameter text.
func (r *Router) RouteWithParams(stmt *parser.Statement, sess Session, schema *catalog.Schema, paramValue string) (catalog.Route, error) {
	if stmt.ShardKey.Found && stmt.ShardKey.ParamIdx > 0 && stmt.Table != "" {
		if table, ok := schema.FindShardedTable(stmt.Table); ok {
			decision, err := r.mapValue(table, paramValue, schema.ShardCount)
			if err == nil {
				if r.cfg.CrossShardDisabled && decision.IsMultiShard(schema.ShardCount) {
					return catalog.Route{}, wireerr.CrossShardDisabled()
				}
				route := catalog.Route{Decision: decision, Role: r.classifyRole(stmt, sess)}
				return route, nil
			}
		}
	}
	return r.Route(stmt, sess, schema)
}

func clampShard(shard, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	if shard < 0 {
		return 0
	}
	if shard >= shardCount {
		return shardCount - 1
	}
	return shard
}

// mapValue applies the table's configured mapping to a raw string value.
func (r *Router) mapValue(table catalog.ShardedTable, value string, shardCount int) (catalog.ShardDecision, error) {
	switch table.Mapping {
	case catalog.MappingHash:
		return catalog.Direct(HashShard(r.cfg.HashFunc, value, shardCount)), nil
	case catalog.MappingList:
		if shard, ok := table.ListValues[value]; ok {
			return catalog.Direct(shard), nil
		}
		return catalog.ShardDecision{}, wireerr.MissingShardingKey()
	case catalog.MappingRange:
		for _, b := range table.RangeBounds {
			if value >= b.Start && value < b.End {
				return catalog.Direct(b.Shard), nil
			}
		}
		return catalog.ShardDecision{}, wireerr.MissingShardingKey()
	case catalog.MappingVector:
		return catalog.ShardDecision{}, wireerr.MissingShardingKey()
	default:
		return catalog.Direct(HashShard(r.cfg.HashFunc, value, shardCount)), nil
	}
}

// MapValue exposes mapValue for callers outside the normal Route path, such as COPY's
// per-row sharding-column routing, which needs the identical hash/list/range mapping
// applied to raw row text rather than to a parsed Statement's WHERE literal.
func (r *Router) MapValue(table catalog.ShardedTable, value string, shardCount int) (catalog.ShardDecision, error) {
	return r.mapValue(table, value, shardCount)
}

// MapVector resolves a vector-typed sharding column via nearest-centroid routing,
// returning up to table.CentroidProbes shards.
func (r *Router) MapVector(table catalog.ShardedTable, vec []float64) catalog.ShardDecision {
	refs := make([]CentroidRef, len(table.Centroids))
	for i, c := range table.Centroids {
		refs[i] = CentroidRef{Vector: c.Vector, Shard: c.Shard}
	}
	seen := make(map[int]bool)
	var shards []int
	probes := table.CentroidProbes
	if probes <= 0 {
		probes = 1
	}
	for p := 0; p < probes && p < len(refs); p++ {
		if shard, ok := NearestCentroidShard(refs, vec, p+1); ok && !seen[shard] {
			seen[shard] = true
			shards = append(shards, shard)
		}
	}
	if len(shards) == 0 {
		return catalog.All()
	}
	if len(shards) == 1 {
		return catalog.Direct(shards[0])
	}
	return catalog.Multi(shards)
}

func (r *Router) classifyRole(stmt *parser.Statement, sess Session) catalog.Role {
	if sess.RoleParam == "primary" {
		return catalog.RolePrimary
	}
	if sess.RoleParam == "replica" {
		return catalog.RoleReplica
	}

	isWrite := !stmt.IsRead()
	if r.cfg.Mode == ModeConservative && sess.InTransaction && sess.TxForcedWrite {
		isWrite = true
	}

	if isWrite {
		return catalog.RolePrimary
	}
	if sess.IncludePrimary {
		return catalog.RoleAny
	}
	return catalog.RoleReplica
}

func convertOrderBy(hints []parser.OrderByHint) []catalog.OrderKey {
	out := make([]catalog.OrderKey, 0, len(hints))
	for _, h := range hints {
		dir := catalog.Ascending
		if h.Descending {
			dir = catalog.Descending
		}
		out = append(out, catalog.OrderKey{
			Column:     h.Column,
			Index:      h.Index,
			Direction:  dir,
			NullsFirst: h.NullsFirst,
		})
	}
	return out
}

// convertAggregates mirrors each parsed aggregate hint into a catalog.Aggregate. An AVG
// gets AvgSumIdx/AvgCountIdx pointing at the SUM/COUNT sidecar columns rewriteSelect
// appends after the statement's own projection list, in the same left-to-right order as
// stmt.Aggregates, so the two stay in lockstep without either side tracking the other.
func convertAggregates(stmt *parser.Statement) []catalog.Aggregate {
	hints := stmt.Aggregates
	out := make([]catalog.Aggregate, 0, len(hints))
	sidecarIdx := len(stmt.Projections)
	for _, h := range hints {
		kind := catalog.AggCount
		switch strings.ToUpper(h.Func) {
		case "SUM":
			kind = catalog.AggSum
		case "MIN":
			kind = catalog.AggMin
		case "MAX":
			kind = catalog.AggMax
		case "AVG":
			kind = catalog.AggAvg
		}
		agg := catalog.Aggregate{Kind: kind, ProjectionIdx: h.Ordinal}
		if kind == catalog.AggAvg {
			agg.AvgSumIdx = sidecarIdx
			agg.AvgCountIdx = sidecarIdx + 1
			sidecarIdx += 2
		}
		out = append(out, agg)
	}
	return out
}

// parseIntOrZero is a small helper used by callers building a Session from a raw
// `pgdog.shard` GUC value (text, per the wire protocol's parameter-status convention).
func parseIntOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
