package catalog

import "testing"

func TestFindShardedTable(t *testing.T) {
	s := &Schema{
		ShardCount: 4,
		ShardedTables: []ShardedTable{
			{Name: "orders", Column: "customer_id", DataType: DataTypeBigInt, Mapping: MappingHash},
		},
	}

	got, ok := s.FindShardedTable("orders")
	if !ok {
		t.Fatal("expected to find orders")
	}
	if got.Column != "customer_id" {
		t.Errorf("Column = %q", got.Column)
	}

	if _, ok := s.FindShardedTable("missing"); ok {
		t.Error("expected missing table to not be found")
	}
}

func TestIsOmniSharded(t *testing.T) {
	s := &Schema{
		OmniShardedTables: []OmniShardedTable{{Name: "countries", StickyRouting: true}},
	}

	if !s.IsOmniSharded("countries") {
		t.Error("expected countries to be omni-sharded")
	}
	if s.IsOmniSharded("orders") {
		t.Error("expected orders to not be omni-sharded")
	}
}
