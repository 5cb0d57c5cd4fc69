package router

import (
	"strings"
	"testing"

	"github.com/pgdogdev/pgdog-sub003/internal/catalog"
	"github.com/pgdogdev/pgdog-sub003/internal/parser"
)

func TestRewriteSelectLimitOffsetTightensPerShard(t *testing.T) {
	r := New(Config{})
	schema := testSchema()
	stmt := parser.Parse("SELECT * FROM users ORDER BY value LIMIT 3 OFFSET 3", "id")

	route, err := r.Route(stmt, Session{}, schema)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Decision.Shape != catalog.ShapeAll {
		t.Fatalf("Decision = %+v, want All (no WHERE on sharding column)", route.Decision)
	}
	if route.Rewrite == nil {
		t.Fatal("expected a rewrite plan for cross-shard LIMIT/OFFSET")
	}
	if !strings.Contains(route.Rewrite.SQL, "LIMIT 6 OFFSET 0") {
		t.Errorf("Rewrite.SQL = %q, want it to contain LIMIT 6 OFFSET 0", route.Rewrite.SQL)
	}
	if route.Rewrite.ShardLimit == nil || *route.Rewrite.ShardLimit != 6 {
		t.Errorf("ShardLimit = %v, want 6", route.Rewrite.ShardLimit)
	}
}

func TestRewriteSelectLimitOffsetSingleShardUnaffected(t *testing.T) {
	r := New(Config{})
	schema := testSchema()
	stmt := parser.Parse("SELECT * FROM users WHERE id = 1 ORDER BY value LIMIT 3 OFFSET 3", "id")

	route, err := r.Route(stmt, Session{}, schema)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Decision.Shape != catalog.ShapeDirect {
		t.Fatalf("Decision = %+v, want Direct", route.Decision)
	}
	if route.Rewrite != nil {
		t.Errorf("Rewrite = %+v, want nil for a single-shard query", route.Rewrite)
	}
}

func TestRewriteAutoInjectPK(t *testing.T) {
	r := New(Config{AutoInjectPK: true, IDGen: func() int64 { return 777 }})
	schema := testSchema()
	stmt := parser.Parse("INSERT INTO users (name) VALUES ('bob')", "id")

	route, err := r.Route(stmt, Session{}, schema)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Decision.Shape != catalog.ShapeDirect {
		t.Fatalf("Decision = %+v, want Direct", route.Decision)
	}
	if route.Rewrite == nil || route.Rewrite.Kind != catalog.RewriteAutoID {
		t.Fatalf("Rewrite = %+v, want RewriteAutoID", route.Rewrite)
	}
	shard := route.Decision.Targets(schema.ShardCount)[0]
	sql, ok := route.Rewrite.PerShardSQL[shard]
	if !ok {
		t.Fatalf("PerShardSQL missing entry for shard %d: %+v", shard, route.Rewrite.PerShardSQL)
	}
	if !strings.Contains(sql, "id") || !strings.Contains(sql, "777") {
		t.Errorf("rewritten SQL = %q, want it to inject column id and generated value 777", sql)
	}
}

func TestRewriteAutoInjectPKWithoutConfigErrors(t *testing.T) {
	r := New(Config{})
	schema := testSchema()
	stmt := parser.Parse("INSERT INTO users (name) VALUES ('bob')", "id")

	if _, err := r.Route(stmt, Session{}, schema); err == nil {
		t.Fatal("expected missing-sharding-key error when auto-injection is disabled")
	}
}

func TestRewriteSplitInsertAcrossShards(t *testing.T) {
	r := New(Config{SplitInserts: true})
	schema := testSchema()
	stmt := parser.Parse("INSERT INTO accounts (region, name) VALUES ('us', 'a'), ('eu', 'b')", "region")

	route, err := r.Route(stmt, Session{}, schema)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Decision.Shape != catalog.ShapeMulti {
		t.Fatalf("Decision = %+v, want Multi", route.Decision)
	}
	targets := route.Decision.Targets(schema.ShardCount)
	if len(targets) != 2 {
		t.Fatalf("Targets = %v, want 2 shards", targets)
	}
	if route.Rewrite == nil || route.Rewrite.Kind != catalog.RewriteSplitInsert {
		t.Fatalf("Rewrite = %+v, want RewriteSplitInsert", route.Rewrite)
	}
	us := route.Rewrite.PerShardSQL[0]
	eu := route.Rewrite.PerShardSQL[1]
	if !strings.Contains(us, "'us'") || !strings.Contains(us, "'a'") {
		t.Errorf("shard 0 SQL = %q, want the 'us' row", us)
	}
	if !strings.Contains(eu, "'eu'") || !strings.Contains(eu, "'b'") {
		t.Errorf("shard 1 SQL = %q, want the 'eu' row", eu)
	}
}

func TestRewriteSplitInsertDisabledByDefault(t *testing.T) {
	r := New(Config{})
	schema := testSchema()
	stmt := parser.Parse("INSERT INTO accounts (region, name) VALUES ('us', 'a'), ('eu', 'b')", "region")

	route, err := r.Route(stmt, Session{}, schema)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Decision.Shape != catalog.ShapeDirect {
		t.Fatalf("Decision = %+v, want Direct (first row only) when split_inserts is off", route.Decision)
	}
	if route.Rewrite != nil {
		t.Errorf("Rewrite = %+v, want nil when split_inserts is off", route.Rewrite)
	}
}

func TestConvertAggregatesAvgSidecarIndices(t *testing.T) {
	stmt := &parser.Statement{
		Projections: []string{"name"},
		Aggregates: []parser.AggregateHint{
			{Func: "AVG", Arg: "price", Ordinal: 0},
		},
	}
	aggs := convertAggregates(stmt)
	if len(aggs) != 1 {
		t.Fatalf("len(aggs) = %d, want 1", len(aggs))
	}
	if aggs[0].AvgSumIdx != 1 || aggs[0].AvgCountIdx != 2 {
		t.Errorf("AvgSumIdx/AvgCountIdx = %d/%d, want 1/2", aggs[0].AvgSumIdx, aggs[0].AvgCountIdx)
	}
}

func TestRewriteSelectAvgSidecarColumns(t *testing.T) {
	r := New(Config{})
	schema := testSchema()
	stmt := parser.Parse("SELECT AVG(balance) FROM users", "id")

	route, err := r.Route(stmt, Session{}, schema)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Rewrite == nil {
		t.Fatal("expected a rewrite plan for cross-shard AVG")
	}
	if !strings.Contains(route.Rewrite.SQL, "SUM(balance)") || !strings.Contains(route.Rewrite.SQL, "COUNT(balance)") {
		t.Errorf("Rewrite.SQL = %q, want SUM/COUNT sidecar columns", route.Rewrite.SQL)
	}
}

func TestRewriteUniqueIDLiteralSubstitution(t *testing.T) {
	r := New(Config{UniqueIDFuncName: "unique_id", IDGen: func() int64 { return 42 }})
	schema := testSchema()
	stmt := parser.Parse("INSERT INTO users (id, name) VALUES (unique_id(), 'bob')", "id")

	route, err := r.Route(stmt, Session{}, schema)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Rewrite == nil || route.Rewrite.Kind != catalog.RewriteUniqueID {
		t.Fatalf("Rewrite = %+v, want RewriteUniqueID", route.Rewrite)
	}
	if !strings.Contains(route.Rewrite.SQL, "42") || strings.Contains(route.Rewrite.SQL, "unique_id()") {
		t.Errorf("Rewrite.SQL = %q, want unique_id() replaced with 42", route.Rewrite.SQL)
	}
}
