package router

import (
	"github.com/pgdogdev/pgdog-sub003/internal/catalog"
	"github.com/pgdogdev/pgdog-sub003/internal/parser"
)

// ParseWithSchema resolves one cache entry for raw SQL against schema's table->column
// declarations. The parser needs to know which column to hunt for in a WHERE/INSERT before
// it can produce a useful ShardKeyRef, but which table is being hit is itself only known
// after a first pass; this does the table-discovery pass once, resolves the sharded
// column (if any), and only re-parses with that column when one was found, so the common
// single-table-per-database case costs a single parse.
func ParseWithSchema(cache *parser.Cache, raw string, schema *catalog.Schema) *parser.Entry {
	return cache.GetOrParse(raw, func() *parser.Statement {
		st := parser.Parse(raw, "")
		if st.Table == "" {
			return st
		}
		table, ok := schema.FindShardedTable(st.Table)
		if !ok || table.Column == "" {
			return st
		}
		return parser.Parse(raw, table.Column)
	})
}
