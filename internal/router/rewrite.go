package router

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pgdogdev/pgdog-sub003/internal/catalog"
	"github.com/pgdogdev/pgdog-sub003/internal/parser"
	"github.com/pgdogdev/pgdog-sub003/internal/wireerr"
)

// IDGenerator produces the fresh 64-bit IDs the auto-injection and unique_id() rewrites
// need. The proxy wires a process-wide counter or a snowflake-style generator; tests can
// supply a deterministic stub.
type IDGenerator func() int64

var (
	fromKeywordRe     = regexp.MustCompile(`(?i)\bFROM\b`)
	limitOffsetTextRe = regexp.MustCompile(`(?is)\bLIMIT\s+(?:\$\d+|\d+)(?:\s+OFFSET\s+(?:\$\d+|\d+))?`)
	returningClauseRe = regexp.MustCompile(`(?is)\bRETURNING\s+(.+?)\s*;?\s*$`)
)

// rewrite builds a RewritePlan for stmt when one of §4.8.1's rewrites applies, or nil when
// the statement can be dispatched unmodified. INSERT rewrites (auto-injection, split) are
// decided earlier, alongside the shard decision itself, in decideInsertShards; this only
// covers rewrites that don't change which shards are targeted.
func (r *Router) rewrite(stmt *parser.Statement, decision catalog.ShardDecision, schema *catalog.Schema) *catalog.RewritePlan {
	if plan := r.rewriteUniqueID(stmt); plan != nil {
		return plan
	}
	switch stmt.Kind {
	case parser.KindSelect:
		return r.rewriteSelect(stmt, decision, schema)
	default:
		return nil
	}
}

// decideInsertShards resolves both the shard decision and the rewrite plan for an INSERT
// whose sharding column is absent from its column list (auto-injection) or whose rows
// don't all hash to the same shard (split INSERT). table must already be known sharded.
func (r *Router) decideInsertShards(stmt *parser.Statement, table catalog.ShardedTable, schema *catalog.Schema) (catalog.ShardDecision, *catalog.RewritePlan, error) {
	rows := stmt.InsertRows
	if len(rows) == 0 && len(stmt.Values) > 0 {
		rows = [][]string{stmt.Values}
	}
	if len(rows) == 0 {
		return catalog.ShardDecision{}, nil, wireerr.MissingShardingKey()
	}

	colIdx := -1
	for i, c := range stmt.Columns {
		if strings.EqualFold(c, table.Column) {
			colIdx = i
			break
		}
	}

	if colIdx < 0 {
		if table.Mapping == catalog.MappingList || !r.cfg.AutoInjectPK {
			return catalog.ShardDecision{}, nil, wireerr.MissingShardingKey()
		}
		return r.rewriteAutoInjectPK(stmt, table, schema, rows)
	}

	shardOf := make([]int, len(rows))
	shardSet := make(map[int]bool)
	for i, row := range rows {
		if colIdx >= len(row) {
			return catalog.ShardDecision{}, nil, wireerr.MissingShardingKey()
		}
		literal, paramIdx := literalOrParam(row[colIdx])
		if paramIdx > 0 {
			// Value lives in a not-yet-bound parameter; can't split rows at parse time.
			return catalog.All(), nil, nil
		}
		shard, err := r.mapValue(table, literal, schema.ShardCount)
		if err != nil {
			return catalog.ShardDecision{}, nil, err
		}
		shardOf[i] = shard.Shards[0]
		shardSet[shardOf[i]] = true
	}

	if len(shardSet) <= 1 {
		return catalog.Direct(shardOf[0]), nil, nil
	}

	shards := sortedShards(shardSet)
	perShard := make(map[int]string, len(shards))
	for _, shard := range shards {
		var subset [][]string
		for i, row := range rows {
			if shardOf[i] == shard {
				subset = append(subset, row)
			}
		}
		perShard[shard] = buildInsertSQL(stmt.Table, stmt.Columns, subset, returningClause(stmt))
	}
	trace := []string{fmt.Sprintf("multi-row INSERT split across %d shards; row counts will be summed", len(shards))}
	return catalog.Multi(shards), &catalog.RewritePlan{Kind: catalog.RewriteSplitInsert, Trace: trace, PerShardSQL: perShard}, nil
}

// rewriteAutoInjectPK generates one ID per row for table's sharding column (omitted from
// the client's INSERT), routes each generated ID through the table's mapping, and builds
// the per-shard INSERT text with the column and value appended.
func (r *Router) rewriteAutoInjectPK(stmt *parser.Statement, table catalog.ShardedTable, schema *catalog.Schema, rows [][]string) (catalog.ShardDecision, *catalog.RewritePlan, error) {
	gen := r.cfg.IDGen
	if gen == nil {
		gen = DefaultIDGenerator()
	}

	columns := append(append([]string{}, stmt.Columns...), table.Column)
	newRows := make([][]string, len(rows))
	shardOf := make([]int, len(rows))
	shardSet := make(map[int]bool)
	for i, row := range rows {
		id := gen()
		newRows[i] = append(append([]string{}, row...), strconv.FormatInt(id, 10))
		shard, err := r.mapValue(table, strconv.FormatInt(id, 10), schema.ShardCount)
		if err != nil {
			return catalog.ShardDecision{}, nil, err
		}
		shardOf[i] = shard.Shards[0]
		shardSet[shardOf[i]] = true
	}

	trace := []string{fmt.Sprintf("auto-injected sharding column %q (omitted from INSERT)", table.Column)}
	returning := returningClause(stmt)

	if len(shardSet) <= 1 {
		perShard := map[int]string{shardOf[0]: buildInsertSQL(stmt.Table, columns, newRows, returning)}
		return catalog.Direct(shardOf[0]), &catalog.RewritePlan{Kind: catalog.RewriteAutoID, Trace: trace, PerShardSQL: perShard}, nil
	}

	shards := sortedShards(shardSet)
	perShard := make(map[int]string, len(shards))
	for _, shard := range shards {
		var subset [][]string
		for i, row := range newRows {
			if shardOf[i] == shard {
				subset = append(subset, row)
			}
		}
		perShard[shard] = buildInsertSQL(stmt.Table, columns, subset, returning)
	}
	trace = append(trace, fmt.Sprintf("generated rows split across %d shards", len(shards)))
	return catalog.Multi(shards), &catalog.RewritePlan{Kind: catalog.RewriteAutoID, Trace: trace, PerShardSQL: perShard}, nil
}

// rewriteSelect applies the two SELECT-time rewrites that change outgoing SQL text without
// changing which shards are targeted: AVG's SUM/COUNT sidecar columns, and a cross-shard
// LIMIT/OFFSET tightened to LIMIT (limit+offset) OFFSET 0 per shard so the coordinator's
// own applyLimitOffset isn't double-applying the client's offset over an already-limited
// per-shard result set.
func (r *Router) rewriteSelect(stmt *parser.Statement, decision catalog.ShardDecision, schema *catalog.Schema) *catalog.RewritePlan {
	if !decision.IsMultiShard(schema.ShardCount) {
		return nil
	}

	hasLimit := stmt.Limit.LimitLiteral != nil || stmt.Limit.LimitParamIdx != 0

	var sidecars []string
	for _, a := range stmt.Aggregates {
		if a.Func == "AVG" {
			sidecars = append(sidecars, fmt.Sprintf("SUM(%s)", a.Arg), fmt.Sprintf("COUNT(%s)", a.Arg))
		}
	}

	if !hasLimit && len(sidecars) == 0 {
		return nil
	}

	sql := stmt.RawText
	var trace []string
	var shardLimit *int64

	if len(sidecars) > 0 {
		sql = injectSidecarProjections(sql, sidecars)
		trace = append(trace, "AVG rewritten to per-shard SUM/COUNT sidecar columns")
	}

	if hasLimit && stmt.Limit.LimitLiteral != nil {
		n := *stmt.Limit.LimitLiteral
		if stmt.Limit.OffsetLiteral != nil {
			n += *stmt.Limit.OffsetLiteral
		}
		shardLimit = &n
		sql = rewriteLimitOffsetText(sql, n)
		trace = append(trace, "cross-shard LIMIT/OFFSET rewritten to LIMIT (limit+offset) OFFSET 0 per shard")
	}

	return &catalog.RewritePlan{Kind: catalog.RewriteLimitOffset, Trace: trace, SQL: sql, ShardLimit: shardLimit}
}

// injectSidecarProjections inserts extra, comma-separated projection expressions right
// before the statement's FROM keyword. Lightweight by design (C7's regex-classifier
// philosophy): it targets the first FROM, so a SELECT whose projection list itself
// contains a subquery with its own FROM is out of scope, same as the rest of the parser.
func injectSidecarProjections(sql string, sidecars []string) string {
	loc := fromKeywordRe.FindStringIndex(sql)
	if loc == nil {
		return sql
	}
	head := strings.TrimRight(sql[:loc[0]], " \t\n")
	return head + ", " + strings.Join(sidecars, ", ") + " " + sql[loc[0]:]
}

func rewriteLimitOffsetText(sql string, shardLimit int64) string {
	if !limitOffsetTextRe.MatchString(sql) {
		return sql
	}
	return limitOffsetTextRe.ReplaceAllString(sql, fmt.Sprintf("LIMIT %d OFFSET 0", shardLimit))
}

// rewriteUniqueID replaces every occurrence of the configured unique_id() function call
// with a generated literal. Scoped to the simple-query path: a Parse message is cached
// and shared process-wide by its normalized text (internal/prepared.Cache.Intern), so
// substituting a session-specific literal into it would leak one session's generated ID
// into every other session that happens to send the same prepared statement text.
func (r *Router) rewriteUniqueID(stmt *parser.Statement) *catalog.RewritePlan {
	sql, ok := r.RewriteUniqueIDLiterals(stmt.RawText)
	if !ok {
		return nil
	}
	return &catalog.RewritePlan{
		Kind:  catalog.RewriteUniqueID,
		Trace: []string{fmt.Sprintf("%s() calls replaced with generated literals", r.cfg.UniqueIDFuncName)},
		SQL:   sql,
	}
}

// RewriteUniqueIDLiterals replaces every occurrence of the configured unique_id() function
// call in sql with a generated literal value, for the simple-query (plain Query message)
// dispatch path where the rewritten text is never cached beyond the current request.
func (r *Router) RewriteUniqueIDLiterals(sql string) (string, bool) {
	if r.cfg.UniqueIDFuncName == "" {
		return sql, false
	}
	call := r.cfg.UniqueIDFuncName + "()"
	if !strings.Contains(sql, call) {
		return sql, false
	}
	gen := r.cfg.IDGen
	if gen == nil {
		gen = DefaultIDGenerator()
	}
	out := sql
	for strings.Contains(out, call) {
		out = strings.Replace(out, call, strconv.FormatInt(gen(), 10), 1)
	}
	return out, true
}

// RewriteUniqueIDCalls replaces every occurrence of the configured unique_id() function
// call in sql with a fresh bound parameter ($N), returning the rewritten text and the
// generated values to append to the outgoing Bind's parameter list. Kept for an extended-
// protocol rewrite that isn't wired in (see rewriteUniqueID's doc comment): a future Bind-
// time rewrite of a per-session Execute, as opposed to the shared, cached Parse text,
// could use this without the cache-sharing hazard.
func (r *Router) RewriteUniqueIDCalls(sql string, startParamIdx int, gen IDGenerator) (string, []int64) {
	if r.cfg.UniqueIDFuncName == "" {
		return sql, nil
	}
	call := r.cfg.UniqueIDFuncName + "()"
	if !strings.Contains(sql, call) {
		return sql, nil
	}

	var generated []int64
	idx := startParamIdx
	out := sql
	for strings.Contains(out, call) {
		val := gen()
		generated = append(generated, val)
		out = strings.Replace(out, call, fmt.Sprintf("$%d", idx), 1)
		idx++
	}
	return out, generated
}

// PrependPreparedParse builds the Parse-then-Execute rewrite trace for an EXECUTE of a
// client-named prepared statement that the prepared-statement cache (C10) determined is
// absent on the target server; the actual Parse message construction happens in C10,
// which owns the global name mapping. This only records the decision for observability.
func PrependPreparedParse(globalName string) *catalog.RewritePlan {
	return &catalog.RewritePlan{
		Kind:  catalog.RewritePreparedExecute,
		Trace: []string{fmt.Sprintf("prepended Parse for absent statement %q before Execute", globalName)},
	}
}

// literalOrParam mirrors parser's shardKeyFromToken for a raw INSERT value token: either a
// 1-based Bind parameter reference ($N) or a quoted/unquoted literal.
func literalOrParam(token string) (string, int) {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "$") {
		if idx, err := strconv.Atoi(token[1:]); err == nil {
			return "", idx
		}
	}
	if len(token) >= 2 {
		if token[0] == '\'' && token[len(token)-1] == '\'' || token[0] == '"' && token[len(token)-1] == '"' {
			return token[1 : len(token)-1], 0
		}
	}
	return token, 0
}

func sortedShards(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// returningClause extracts the original RETURNING clause's text (without the keyword) so
// a rebuilt per-shard INSERT preserves it; "*" is a safe fallback if the statement's own
// text can't be recovered from a raw, unparenthesized RETURNING list.
func returningClause(stmt *parser.Statement) string {
	if !stmt.Returning {
		return ""
	}
	if m := returningClauseRe.FindStringSubmatch(stmt.RawText); len(m) > 1 {
		return m[1]
	}
	return "*"
}

// buildInsertSQL reconstructs an INSERT statement's text from a (possibly split) subset of
// rows, each already rendered as its original comma-separated value tokens.
func buildInsertSQL(table string, columns []string, rows [][]string, returning string) string {
	tuples := make([]string, 0, len(rows))
	for _, row := range rows {
		tuples = append(tuples, "("+strings.Join(row, ", ")+")")
	}
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES ")
	b.WriteString(strings.Join(tuples, ", "))
	if returning != "" {
		b.WriteString(" RETURNING ")
		b.WriteString(returning)
	}
	return b.String()
}
