package coordinator

import (
	"testing"

	"github.com/pgdogdev/pgdog-sub003/internal/catalog"
	"github.com/pgdogdev/pgdog-sub003/internal/wire"
)

func rowDesc(names ...string) wire.Message {
	fields := make([]wire.FieldDescription, len(names))
	for i, n := range names {
		fields[i] = wire.FieldDescription{Name: n}
	}
	return wire.EncodeRowDescription(wire.RowDescriptionView{Fields: fields})
}

func dataRow(cols ...string) wire.Message {
	vals := make([][]byte, len(cols))
	for i, c := range cols {
		vals[i] = []byte(c)
	}
	return wire.EncodeDataRow(wire.DataRowView{Columns: vals})
}

func TestMergerSimplePassthroughTwoShards(t *testing.T) {
	route := catalog.Route{}
	m := newMerger(2, route, nil)

	var emitted []wire.Message
	feed := func(shard int, msg wire.Message) {
		out, err := m.feed(shard, msg)
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		emitted = append(emitted, out...)
	}

	feed(0, rowDesc("id"))
	feed(0, dataRow("1"))
	feed(0, wire.EncodeCommandComplete("SELECT 1"))
	feed(1, rowDesc("id"))
	feed(1, dataRow("2"))
	feed(1, wire.EncodeCommandComplete("SELECT 1"))
	feed(0, wire.EncodeReadyForQuery(wire.TxIdle))
	feed(1, wire.EncodeReadyForQuery(wire.TxIdle))

	if !m.done() {
		t.Fatal("expected merger to be done")
	}

	var dataRows, commandCompletes, readys int
	for _, msg := range emitted {
		switch msg.Kind() {
		case wire.KindDataRow:
			dataRows++
		case wire.KindCommandComplete:
			commandCompletes++
			v, _ := wire.DecodeCommandComplete(msg)
			if v.Tag != "SELECT 2" {
				t.Errorf("tag = %q, want SELECT 2", v.Tag)
			}
		case wire.KindReadyForQuery:
			readys++
		}
	}
	if dataRows != 2 {
		t.Errorf("dataRows = %d, want 2", dataRows)
	}
	if commandCompletes != 1 {
		t.Errorf("commandCompletes = %d, want 1", commandCompletes)
	}
	if readys != 1 {
		t.Errorf("readys = %d, want 1", readys)
	}
}

func TestMergerInconsistentRowDescription(t *testing.T) {
	route := catalog.Route{}
	m := newMerger(2, route, nil)

	if _, err := m.feed(0, rowDesc("id", "name")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if _, err := m.feed(1, rowDesc("id")); err == nil {
		t.Fatal("expected inconsistent row description error")
	}
}

func TestMergerBufferedOrderByAndLimit(t *testing.T) {
	one := int64(1)
	route := catalog.Route{
		ShouldBuffer: true,
		OrderBy:      []catalog.OrderKey{{Column: "id", Direction: catalog.Descending}},
		Limit:        catalog.Limit{Limit: &one},
	}
	m := newMerger(2, route, nil)

	var emitted []wire.Message
	feed := func(shard int, msg wire.Message) {
		out, err := m.feed(shard, msg)
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		emitted = append(emitted, out...)
	}

	feed(0, rowDesc("id"))
	feed(0, dataRow("1"))
	feed(0, wire.EncodeCommandComplete("SELECT 1"))
	feed(1, rowDesc("id"))
	feed(1, dataRow("5"))
	feed(1, wire.EncodeCommandComplete("SELECT 1"))

	var rows []string
	var tag string
	for _, msg := range emitted {
		if msg.Kind() == wire.KindDataRow {
			v, _ := wire.DecodeDataRow(msg)
			rows = append(rows, string(v.Columns[0]))
		}
		if msg.Kind() == wire.KindCommandComplete {
			v, _ := wire.DecodeCommandComplete(msg)
			tag = v.Tag
		}
	}
	if len(rows) != 1 || rows[0] != "5" {
		t.Fatalf("rows = %v, want [5] (highest id first, limited to 1)", rows)
	}
	if tag != "SELECT 1" {
		t.Errorf("tag = %q, want SELECT 1", tag)
	}
}

func TestApplyLimitOffset(t *testing.T) {
	rows := []wire.DataRowView{{}, {}, {}, {}, {}}
	off := int64(1)
	lim := int64(2)
	out := applyLimitOffset(rows, catalog.Limit{Limit: &lim, Offset: &off})
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
}

func TestCollapseAggregatesSum(t *testing.T) {
	rows := []wire.DataRowView{
		{Columns: [][]byte{[]byte("3")}},
		{Columns: [][]byte{[]byte("4")}},
	}
	out := collapseAggregates(rows, []catalog.Aggregate{{Kind: catalog.AggSum, ProjectionIdx: 0}})
	if len(out) != 1 || string(out[0].Columns[0]) != "7" {
		t.Fatalf("out = %+v, want sum 7", out)
	}
}
