package parser

import "testing"

func TestParseSelectBasic(t *testing.T) {
	st := Parse("SELECT id, name FROM users WHERE id = 42", "id")
	if st.Kind != KindSelect {
		t.Fatalf("Kind = %v, want KindSelect", st.Kind)
	}
	if st.Table != "users" {
		t.Errorf("Table = %q, want users", st.Table)
	}
	if !st.ShardKey.Found || st.ShardKey.Literal != "42" {
		t.Errorf("ShardKey = %+v, want literal 42", st.ShardKey)
	}
}

func TestParseSelectBindParam(t *testing.T) {
	st := Parse("SELECT * FROM users WHERE id = $1", "id")
	if !st.ShardKey.Found || st.ShardKey.ParamIdx != 1 {
		t.Errorf("ShardKey = %+v, want ParamIdx 1", st.ShardKey)
	}
}

func TestParseInsertShardKey(t *testing.T) {
	st := Parse(`INSERT INTO users (id, name) VALUES (7, 'bob')`, "id")
	if st.Kind != KindInsert {
		t.Fatalf("Kind = %v, want KindInsert", st.Kind)
	}
	if st.Table != "users" {
		t.Errorf("Table = %q, want users", st.Table)
	}
	if !st.ShardKey.Found || st.ShardKey.Literal != "7" {
		t.Errorf("ShardKey = %+v, want literal 7", st.ShardKey)
	}
}

func TestParseOrderByLimit(t *testing.T) {
	st := Parse("SELECT id FROM users ORDER BY id DESC LIMIT 10 OFFSET 5", "id")
	if len(st.OrderBy) != 1 || !st.OrderBy[0].Descending {
		t.Fatalf("OrderBy = %+v", st.OrderBy)
	}
	if st.Limit.LimitLiteral == nil || *st.Limit.LimitLiteral != 10 {
		t.Fatalf("Limit = %+v", st.Limit)
	}
	if st.Limit.OffsetLiteral == nil || *st.Limit.OffsetLiteral != 5 {
		t.Fatalf("Offset = %+v", st.Limit)
	}
}

func TestParseDistinctOn(t *testing.T) {
	st := Parse("SELECT DISTINCT ON (user_id) id FROM events", "")
	if !st.Distinct {
		t.Fatal("expected Distinct")
	}
	if len(st.DistinctOn) != 1 || st.DistinctOn[0] != "user_id" {
		t.Errorf("DistinctOn = %v", st.DistinctOn)
	}
}

func TestParseAggregates(t *testing.T) {
	st := Parse("SELECT COUNT(*), SUM(amount) FROM orders", "")
	if len(st.Aggregates) != 2 {
		t.Fatalf("Aggregates = %+v", st.Aggregates)
	}
	if st.Aggregates[0].Func != "COUNT" || st.Aggregates[1].Func != "SUM" {
		t.Errorf("Aggregates = %+v", st.Aggregates)
	}
}

func TestParseReturning(t *testing.T) {
	st := Parse("UPDATE users SET name = 'x' WHERE id = 1 RETURNING id", "id")
	if !st.Returning {
		t.Error("expected Returning")
	}
}

func TestParseWriteCTE(t *testing.T) {
	st := Parse("WITH deleted AS (DELETE FROM users WHERE id = 1 RETURNING *) SELECT * FROM deleted", "id")
	if !st.HasWriteCTE {
		t.Error("expected HasWriteCTE")
	}
	if st.IsRead() {
		t.Error("statement with write CTE should not be IsRead")
	}
}

func TestParseRoutingComments(t *testing.T) {
	st := Parse("/* pgdog_shard: 2 */ SELECT * FROM users", "id")
	if st.CommentShard == nil || *st.CommentShard != 2 {
		t.Fatalf("CommentShard = %v", st.CommentShard)
	}

	st2 := Parse("/* pgdog_sharding_key: 99 */ SELECT * FROM users", "id")
	if st2.CommentShardingKey != "99" {
		t.Errorf("CommentShardingKey = %q", st2.CommentShardingKey)
	}

	st3 := Parse("/* pgdog_role: replica */ SELECT * FROM users", "id")
	if st3.CommentRole != "replica" {
		t.Errorf("CommentRole = %q", st3.CommentRole)
	}
}

func TestParseCopyFromTableAndColumns(t *testing.T) {
	st := Parse("COPY users (id, name) FROM STDIN", "id")
	if st.Kind != KindCopy {
		t.Fatalf("Kind = %v, want KindCopy", st.Kind)
	}
	if st.Table != "users" {
		t.Errorf("Table = %q, want users", st.Table)
	}
	if len(st.Columns) != 2 || st.Columns[0] != "id" || st.Columns[1] != "name" {
		t.Errorf("Columns = %v, want [id name]", st.Columns)
	}
}

func TestParseCopyFromNoColumnList(t *testing.T) {
	st := Parse("COPY users FROM STDIN", "id")
	if st.Table != "users" {
		t.Errorf("Table = %q, want users", st.Table)
	}
	if len(st.Columns) != 0 {
		t.Errorf("Columns = %v, want none", st.Columns)
	}
}

func TestParseDDL(t *testing.T) {
	st := Parse("CREATE TABLE foo (id bigint)", "")
	if st.Kind != KindDDL {
		t.Errorf("Kind = %v, want KindDDL", st.Kind)
	}
}

func TestParseInsertMultiRowValues(t *testing.T) {
	st := Parse(`INSERT INTO users (id, name) VALUES (1, 'a'), (2, 'b'), (3, 'c')`, "id")
	if len(st.InsertRows) != 3 {
		t.Fatalf("InsertRows = %+v, want 3 rows", st.InsertRows)
	}
	want := [][]string{{"1", "'a'"}, {"2", "'b'"}, {"3", "'c'"}}
	for i, row := range want {
		if len(st.InsertRows[i]) != len(row) || st.InsertRows[i][0] != row[0] || st.InsertRows[i][1] != row[1] {
			t.Errorf("InsertRows[%d] = %v, want %v", i, st.InsertRows[i], row)
		}
	}
	if len(st.Values) != 2 || st.Values[0] != "1" || st.Values[1] != "'a'" {
		t.Errorf("Values = %v, want first row [1 'a']", st.Values)
	}
}

func TestParseInsertMultiRowWithReturning(t *testing.T) {
	st := Parse(`INSERT INTO users (id, name) VALUES (1, 'a'), (2, 'b') RETURNING id`, "id")
	if len(st.InsertRows) != 2 {
		t.Fatalf("InsertRows = %+v, want 2 rows", st.InsertRows)
	}
	if !st.Returning {
		t.Error("expected Returning")
	}
}

func TestParseInsertRowWithEmbeddedCommaAndParens(t *testing.T) {
	st := Parse(`INSERT INTO events (id, payload) VALUES (1, 'a, (b)'), (2, foo(x, y))`, "id")
	if len(st.InsertRows) != 2 {
		t.Fatalf("InsertRows = %+v, want 2 rows", st.InsertRows)
	}
	if st.InsertRows[0][1] != "'a, (b)'" {
		t.Errorf("InsertRows[0][1] = %q, want the quoted literal kept intact", st.InsertRows[0][1])
	}
	if st.InsertRows[1][1] != "foo(x, y)" {
		t.Errorf("InsertRows[1][1] = %q, want the function call kept intact", st.InsertRows[1][1])
	}
}

func TestParseSelectProjections(t *testing.T) {
	st := Parse("SELECT id, name, AVG(price) FROM orders", "")
	if len(st.Projections) != 3 {
		t.Fatalf("Projections = %v, want 3", st.Projections)
	}
	if st.Projections[0] != "id" || st.Projections[1] != "name" {
		t.Errorf("Projections = %v", st.Projections)
	}
}

func TestParseAggregateArg(t *testing.T) {
	st := Parse("SELECT AVG(price) FROM orders", "")
	if len(st.Aggregates) != 1 {
		t.Fatalf("Aggregates = %+v", st.Aggregates)
	}
	if st.Aggregates[0].Func != "AVG" || st.Aggregates[0].Arg != "price" {
		t.Errorf("Aggregates[0] = %+v, want AVG(price)", st.Aggregates[0])
	}
}
