package router

import (
	"testing"

	"github.com/pgdogdev/pgdog-sub003/internal/catalog"
	"github.com/pgdogdev/pgdog-sub003/internal/parser"
)

func testSchema() *catalog.Schema {
	return &catalog.Schema{
		ShardCount: 4,
		ShardedTables: []catalog.ShardedTable{
			{Database: "app", Name: "users", Column: "id", DataType: catalog.DataTypeBigInt, Mapping: catalog.MappingHash},
			{Database: "app", Name: "accounts", Column: "region", DataType: catalog.DataTypeVarchar, Mapping: catalog.MappingList,
				ListValues: map[string]int{"us": 0, "eu": 1}},
		},
		OmniShardedTables: []catalog.OmniShardedTable{{Name: "countries"}},
	}
}

func TestRouteSelectWithShardKey(t *testing.T) {
	r := New(Config{})
	schema := testSchema()
	stmt := parser.Parse("SELECT * FROM users WHERE id = 42", "id")

	route, err := r.Route(stmt, Session{}, schema)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Decision.Shape != catalog.ShapeDirect {
		t.Fatalf("Decision = %+v, want direct", route.Decision)
	}
	if route.Role != catalog.RoleReplica {
		t.Errorf("Role = %v, want RoleReplica", route.Role)
	}
}

func TestRouteSelectWithoutShardKeyFansOut(t *testing.T) {
	r := New(Config{})
	schema := testSchema()
	stmt := parser.Parse("SELECT * FROM users", "id")

	route, err := r.Route(stmt, Session{}, schema)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Decision.Shape != catalog.ShapeAll {
		t.Fatalf("Decision = %+v, want All", route.Decision)
	}
}

func TestRouteInsertIsWrite(t *testing.T) {
	r := New(Config{})
	schema := testSchema()
	stmt := parser.Parse("INSERT INTO users (id, name) VALUES (7, 'bob')", "id")

	route, err := r.Route(stmt, Session{}, schema)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Role != catalog.RolePrimary {
		t.Errorf("Role = %v, want RolePrimary", route.Role)
	}
	if route.Decision.Shape != catalog.ShapeDirect {
		t.Errorf("Decision = %+v, want direct", route.Decision)
	}
}

func TestRouteListMapping(t *testing.T) {
	r := New(Config{})
	schema := testSchema()
	stmt := parser.Parse(`SELECT * FROM accounts WHERE region = 'eu'`, "region")

	route, err := r.Route(stmt, Session{}, schema)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	targets := route.Decision.Targets(schema.ShardCount)
	if len(targets) != 1 || targets[0] != 1 {
		t.Fatalf("Targets = %v, want [1]", targets)
	}
}

func TestRouteCrossShardDisabled(t *testing.T) {
	r := New(Config{CrossShardDisabled: true})
	schema := testSchema()
	stmt := parser.Parse("SELECT * FROM users", "id")

	_, err := r.Route(stmt, Session{}, schema)
	if err == nil {
		t.Fatal("expected cross-shard-disabled error")
	}
}

func TestRouteShardComment(t *testing.T) {
	r := New(Config{})
	schema := testSchema()
	stmt := parser.Parse("/* pgdog_shard: 3 */ SELECT * FROM users WHERE id = 1", "id")

	route, err := r.Route(stmt, Session{}, schema)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Decision.Targets(4)[0] != 3 {
		t.Fatalf("Decision = %+v, want shard 3", route.Decision)
	}
}

func TestRouteSessionShardParam(t *testing.T) {
	r := New(Config{})
	schema := testSchema()
	stmt := parser.Parse("SELECT * FROM users", "id")
	shard := 2

	route, err := r.Route(stmt, Session{ShardParam: &shard}, schema)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Decision.Targets(4)[0] != 2 {
		t.Fatalf("Decision = %+v, want shard 2", route.Decision)
	}
}

func TestRouteOmniSharded(t *testing.T) {
	r := New(Config{})
	schema := testSchema()
	stmt := parser.Parse("SELECT * FROM countries", "")

	route, err := r.Route(stmt, Session{}, schema)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !route.IsOmni && route.Decision.Shape != catalog.ShapeDirect {
		t.Fatalf("expected omni routing, got %+v", route)
	}
}

func TestRouteConservativeTransaction(t *testing.T) {
	r := New(Config{Mode: ModeConservative})
	schema := testSchema()
	stmt := parser.Parse("SELECT * FROM users WHERE id = 1", "id")

	route, err := r.Route(stmt, Session{InTransaction: true, TxForcedWrite: true}, schema)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Role != catalog.RolePrimary {
		t.Errorf("Role = %v, want RolePrimary under conservative forced-write tx", route.Role)
	}
}
