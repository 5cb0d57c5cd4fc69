package coordinator

import (
	"sort"
	"strconv"

	"github.com/pgdogdev/pgdog-sub003/internal/catalog"
	"github.com/pgdogdev/pgdog-sub003/internal/wire"
)

// applyMerge runs the buffered-route post-processing pipeline in the order §4.9 describes:
// sort, then aggregate-collapse, then DISTINCT, then LIMIT/OFFSET.
func applyMerge(route catalog.Route, desc *wire.RowDescriptionView, rows []wire.DataRowView) ([]wire.DataRowView, error) {
	out := make([]wire.DataRowView, len(rows))
	copy(out, rows)

	if len(route.OrderBy) > 0 {
		sortRows(out, desc, route.OrderBy)
	}

	if len(route.Aggregates) > 0 {
		out = collapseAggregates(out, route.Aggregates)
	} else if route.Distinct.Enabled {
		out = applyDistinct(out, route.Distinct)
	}

	return applyLimitOffset(out, route.Limit), nil
}

// sortRows orders rows in place by route's ORDER BY keys. Column values are compared
// numerically when both sides parse as a float64, and as raw bytes otherwise — a
// pragmatic comparator that covers the integer/numeric/text sharding-key types §3 names
// without requiring a full type-OID-aware decoder.
func sortRows(rows []wire.DataRowView, desc *wire.RowDescriptionView, keys []catalog.OrderKey) {
	idx := make([]int, len(keys))
	for i, k := range keys {
		idx[i] = resolveColumnIndex(desc, k)
	}

	sort.SliceStable(rows, func(a, b int) bool {
		for i, k := range keys {
			ci := idx[i]
			if ci < 0 || ci >= len(rows[a].Columns) || ci >= len(rows[b].Columns) {
				continue
			}
			va, vb := rows[a].Columns[ci], rows[b].Columns[ci]
			cmp := compareColumn(va, vb, k.NullsFirst)
			if cmp == 0 {
				continue
			}
			if k.Direction == catalog.Descending {
				cmp = -cmp
			}
			return cmp < 0
		}
		return false
	})
}

func resolveColumnIndex(desc *wire.RowDescriptionView, k catalog.OrderKey) int {
	if k.Index > 0 {
		return k.Index - 1
	}
	if desc == nil {
		return -1
	}
	for i, f := range desc.Fields {
		if f.Name == k.Column {
			return i
		}
	}
	return -1
}

// compareColumn returns -1/0/1. nil means SQL NULL; nullsFirst controls where it sorts.
func compareColumn(a, b []byte, nullsFirst bool) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		if nullsFirst {
			return -1
		}
		return 1
	}
	if b == nil {
		if nullsFirst {
			return 1
		}
		return -1
	}

	fa, aOK := strconv.ParseFloat(string(a), 64)
	fb, bOK := strconv.ParseFloat(string(b), 64)
	if aOK && bOK {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}

	sa, sb := string(a), string(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

// collapseAggregates reduces rows to a single output row per §4.9's recognized
// aggregates. COUNT and SUM accumulate; MIN/MAX track extrema; AVG consumes its SUM/COUNT
// sidecar columns (injected by the router's rewrite) and divides at the end.
func collapseAggregates(rows []wire.DataRowView, aggs []catalog.Aggregate) []wire.DataRowView {
	if len(rows) == 0 {
		zero := make([][]byte, 0)
		return []wire.DataRowView{{Columns: zero}}
	}

	width := 0
	for _, a := range aggs {
		if a.ProjectionIdx+1 > width {
			width = a.ProjectionIdx + 1
		}
	}
	out := make([][]byte, width)

	for _, a := range aggs {
		switch a.Kind {
		case catalog.AggCount, catalog.AggSum:
			var total float64
			for _, r := range rows {
				total += columnFloat(r, a.ProjectionIdx)
			}
			out[a.ProjectionIdx] = []byte(formatFloat(total))
		case catalog.AggMin:
			best := columnFloat(rows[0], a.ProjectionIdx)
			for _, r := range rows[1:] {
				if v := columnFloat(r, a.ProjectionIdx); v < best {
					best = v
				}
			}
			out[a.ProjectionIdx] = []byte(formatFloat(best))
		case catalog.AggMax:
			best := columnFloat(rows[0], a.ProjectionIdx)
			for _, r := range rows[1:] {
				if v := columnFloat(r, a.ProjectionIdx); v > best {
					best = v
				}
			}
			out[a.ProjectionIdx] = []byte(formatFloat(best))
		case catalog.AggAvg:
			var sum, count float64
			for _, r := range rows {
				sum += columnFloat(r, a.AvgSumIdx)
				count += columnFloat(r, a.AvgCountIdx)
			}
			avg := 0.0
			if count != 0 {
				avg = sum / count
			}
			out[a.ProjectionIdx] = []byte(formatFloat(avg))
		}
	}

	return []wire.DataRowView{{Columns: out}}
}

func columnFloat(r wire.DataRowView, idx int) float64 {
	if idx < 0 || idx >= len(r.Columns) || r.Columns[idx] == nil {
		return 0
	}
	f, _ := strconv.ParseFloat(string(r.Columns[idx]), 64)
	return f
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// applyDistinct retains the first row of each equal group, assuming rows are already
// sorted by the relevant columns (full-row distinct sorts implicitly by appearance order,
// which is stable enough once ORDER BY has run; DISTINCT ON(cols) relies on the caller
// having included those columns in ORDER BY).
func applyDistinct(rows []wire.DataRowView, d catalog.Distinct) []wire.DataRowView {
	if len(rows) == 0 {
		return rows
	}
	cols := d.OnCols
	out := make([]wire.DataRowView, 0, len(rows))
	var prevKey string
	first := true
	for _, r := range rows {
		key := distinctKey(r, cols)
		if first || key != prevKey {
			out = append(out, r)
			prevKey = key
			first = false
		}
	}
	return out
}

func distinctKey(r wire.DataRowView, cols []int) string {
	if len(cols) == 0 {
		var sb []byte
		for _, c := range r.Columns {
			sb = append(sb, c...)
			sb = append(sb, 0)
		}
		return string(sb)
	}
	var sb []byte
	for _, idx := range cols {
		if idx >= 0 && idx < len(r.Columns) {
			sb = append(sb, r.Columns[idx]...)
		}
		sb = append(sb, 0)
	}
	return string(sb)
}

// applyLimitOffset drops the first Offset rows then caps at Limit, per §4.9.
func applyLimitOffset(rows []wire.DataRowView, lim catalog.Limit) []wire.DataRowView {
	start := 0
	if lim.Offset != nil && *lim.Offset > 0 {
		start = int(*lim.Offset)
		if start > len(rows) {
			start = len(rows)
		}
	}
	rows = rows[start:]

	if lim.Limit != nil && *lim.Limit >= 0 && int(*lim.Limit) < len(rows) {
		rows = rows[:*lim.Limit]
	}
	return rows
}

// summaryTag builds the combined CommandComplete tag: verb plus the merged row count, in
// the same shape Postgres itself uses ("SELECT 10", "INSERT 0 5", "UPDATE 3").
func summaryTag(verb string, count int64) string {
	if verb == "" {
		verb = "SELECT"
	}
	if verb == "INSERT" {
		return "INSERT 0 " + strconv.FormatInt(count, 10)
	}
	return verb + " " + strconv.FormatInt(count, 10)
}
