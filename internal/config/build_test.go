package config

import (
	"testing"

	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/backend"
)

const twoShardTOML = `
[[databases]]
name = "app"
host = "127.0.0.1"
port = 5432
database_name = "app0"
shard = 0
role = "primary"

[[databases]]
name = "app"
host = "127.0.0.1"
port = 5433
database_name = "app1"
shard = 1
role = "primary"

[[databases]]
name = "app"
host = "127.0.0.1"
port = 5434
database_name = "app0_replica"
shard = 0
role = "replica"

[[sharded_tables]]
database = "app"
name = "users"
column = "id"
data_type = "bigint"

[[sharded_mappings]]
database = "app"
table = "users"
column = "id"
kind = "list"
values = ["1", "2"]
shard = 0

[[users]]
name = "app"
database = "app"
`

func TestBuildClusterGroupsShardsByName(t *testing.T) {
	cfg, err := Parse([]byte(twoShardTOML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cluster, err := BuildCluster(cfg, "app", backend.PoolConfig{Max: 1}, backend.StaticAuthenticator{}, zap.NewNop())
	if err != nil {
		t.Fatalf("BuildCluster: %v", err)
	}
	if got := cluster.ShardCount(); got != 2 {
		t.Fatalf("ShardCount = %d, want 2", got)
	}
	if shard0 := cluster.Shard(0); shard0 == nil || shard0.Primary == nil {
		t.Fatalf("shard 0 missing a primary pool")
	}
	if shard0 := cluster.Shard(0); len(shard0.Replicas.All()) != 1 {
		t.Errorf("shard 0 replica count = %d, want 1", len(shard0.Replicas.All()))
	}
}

func TestBuildSchemaAppliesListMapping(t *testing.T) {
	cfg, err := Parse([]byte(twoShardTOML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	schema, err := BuildSchema(cfg, "app")
	if err != nil {
		t.Fatalf("BuildSchema: %v", err)
	}
	table, ok := schema.FindShardedTable("users")
	if !ok {
		t.Fatal("expected a sharded table named users")
	}
	if table.Mapping != "list" {
		t.Errorf("Mapping = %q, want list", table.Mapping)
	}
	if table.ListValues["1"] != 0 {
		t.Errorf("ListValues[1] = %d, want 0", table.ListValues["1"])
	}
}

func TestDatabasesReturnsDistinctNamesInOrder(t *testing.T) {
	cfg, err := Parse([]byte(twoShardTOML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	names := Databases(cfg)
	if len(names) != 1 || names[0] != "app" {
		t.Errorf("Databases = %v, want [app]", names)
	}
}

func TestBuildClusterErrorsOnUnknownDatabase(t *testing.T) {
	cfg, err := Parse([]byte(twoShardTOML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := BuildCluster(cfg, "nope", backend.PoolConfig{Max: 1}, backend.StaticAuthenticator{}, zap.NewNop()); err == nil {
		t.Fatal("expected an error for an undeclared database name")
	}
}
