// Package parser implements C7: a lightweight SQL classifier that extracts the routing
// hints the router (internal/router) needs without building a full AST. It follows a
// regex-based extraction approach, generalized from "find the shard key" to the fuller
// hint set §4.7 names (ORDER BY, LIMIT/OFFSET, DISTINCT, aggregates, RETURNING,
// CTE-write detection).
package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// StatementKind classifies the statement's shape for router/coordinator purposes.
type StatementKind int

const (
	KindUnknown StatementKind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
	KindDDL
	KindCopy
	KindSet
	KindShow
	KindBegin
	KindCommit
	KindRollback
	KindOther
)

func (k StatementKind) String() string {
	switch k {
	case KindSelect:
		return "SELECT"
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	case KindDDL:
		return "DDL"
	case KindCopy:
		return "COPY"
	case KindSet:
		return "SET"
	case KindShow:
		return "SHOW"
	case KindBegin:
		return "BEGIN"
	case KindCommit:
		return "COMMIT"
	case KindRollback:
		return "ROLLBACK"
	case KindOther:
		return "OTHER"
	default:
		return "UNKNOWN"
	}
}

// ShardKeyRef is a sharding-key value extracted from the statement: either a literal or a
// reference to a Bind parameter ordinal (1-based), never both.
type ShardKeyRef struct {
	Literal   string
	ParamIdx  int // 1-based; 0 means "use Literal"
	Found     bool
}

// OrderByHint mirrors catalog.OrderKey before shard count/types are known.
type OrderByHint struct {
	Column     string
	Index      int
	Descending bool
	NullsFirst bool
}

// LimitHint carries a LIMIT/OFFSET that may be a literal or a bound parameter.
type LimitHint struct {
	LimitLiteral   *int64
	LimitParamIdx  int
	OffsetLiteral  *int64
	OffsetParamIdx int
}

// AggregateHint names a recognized aggregate function at a given projection ordinal.
type AggregateHint struct {
	Func    string // COUNT, SUM, MIN, MAX, AVG
	Arg     string // the call's argument text, e.g. "price" in AVG(price)
	Ordinal int
}

// Statement is the parser's output: everything the router needs to build a Route.
type Statement struct {
	Kind        StatementKind
	RawText     string
	Table       string
	Columns     []string   // INSERT column list, in order
	Values      []string   // first row's INSERT VALUES, in order matching Columns
	InsertRows  [][]string // every row of a (possibly multi-row) INSERT's VALUES list
	Projections []string   // SELECT's top-level, comma-split output-column expressions
	ShardKey    ShardKeyRef
	OrderBy     []OrderByHint
	Limit       LimitHint
	Distinct    bool
	DistinctOn []string
	Aggregates []AggregateHint
	Returning bool
	HasWriteCTE bool

	// InSQL routing hints per §6.
	CommentShard       *int
	CommentShardingKey string
	CommentRole        string // "primary" | "replica"
}

var (
	selectFrom  = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+([a-zA-Z_][\w."]*)`)
	insertInto  = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+([a-zA-Z_][\w."]*)\s*\(([^)]*)\)\s*VALUES\s*(.+?)(?:\s+RETURNING\b|\s*;?\s*$)`)
	updateTable = regexp.MustCompile(`(?is)^\s*UPDATE\s+([a-zA-Z_][\w."]*)`)
	deleteFrom  = regexp.MustCompile(`(?is)^\s*DELETE\s+FROM\s+([a-zA-Z_][\w."]*)`)
	whereClause = regexp.MustCompile(`(?is)\bWHERE\s+(.+?)(?:\s+ORDER\s+BY|\s+LIMIT|\s+GROUP\s+BY|\s+RETURNING|\s*;?\s*$)`)
	eqPair      = regexp.MustCompile(`([a-zA-Z_]\w*)\s*=\s*(\$\d+|'[^']*'|"[^"]*"|[-\w.]+)`)
	orderByRe   = regexp.MustCompile(`(?is)\bORDER\s+BY\s+(.+?)(?:\s+LIMIT|\s+OFFSET|\s*;?\s*$)`)
	limitRe     = regexp.MustCompile(`(?is)\bLIMIT\s+(\$\d+|\d+)`)
	offsetRe    = regexp.MustCompile(`(?is)\bOFFSET\s+(\$\d+|\d+)`)
	distinctOnRe = regexp.MustCompile(`(?is)\bDISTINCT\s+ON\s*\(([^)]+)\)`)
	distinctRe  = regexp.MustCompile(`(?is)\bSELECT\s+DISTINCT\b`)
	returningRe = regexp.MustCompile(`(?is)\bRETURNING\b`)
	cteWriteRe  = regexp.MustCompile(`(?is)\bWITH\b.+?\b(INSERT|UPDATE|DELETE)\b`)
	aggregateRe = regexp.MustCompile(`(?i)\b(COUNT|SUM|MIN|MAX|AVG)\s*\(([^()]*)\)`)
	copyFromRe  = regexp.MustCompile(`(?is)^\s*COPY\s+([a-zA-Z_][\w."]*)\s*(?:\(([^)]*)\))?\s*FROM`)

	shardCommentRe   = regexp.MustCompile(`/\*\s*pgdog_shard:\s*(\d+)\s*\*/`)
	keyCommentRe     = regexp.MustCompile(`/\*\s*pgdog_sharding_key:\s*([^*]+?)\s*\*/`)
	roleCommentRe    = regexp.MustCompile(`(?i)/\*\s*pgdog_role:\s*(primary|replica)\s*\*/`)
)

// Parse classifies raw and extracts routing hints. shardColumn, when non-empty, is the
// sharded table's declared column name the router is interested in; the parser looks for
// it specifically in WHERE/INSERT so the router doesn't have to re-scan.
func Parse(raw string, shardColumn string) *Statement {
	st := &Statement{RawText: raw}

	st.CommentShard = extractShardComment(raw)
	st.CommentShardingKey = extractKeyComment(raw)
	st.CommentRole = extractRoleComment(raw)

	trimmed := stripLeadingComments(raw)
	upper := strings.ToUpper(trimmed)

	switch {
	case strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH"):
		st.Kind = KindSelect
		if m := selectFrom.FindStringSubmatch(trimmed); len(m) > 2 {
			st.Table = unquoteIdent(m[2])
			st.Projections = splitTopLevelCommas(m[1])
		}
		if cteWriteRe.MatchString(trimmed) {
			st.HasWriteCTE = true
		}
		parseSelectHints(trimmed, st)
		extractWhereShardKey(trimmed, shardColumn, st)
	case strings.HasPrefix(upper, "INSERT"):
		st.Kind = KindInsert
		if m := insertInto.FindStringSubmatch(trimmed); len(m) > 3 {
			st.Table = unquoteIdent(m[1])
			st.Columns = splitTrim(m[2])
			for _, tuple := range splitTopLevelTuples(m[3]) {
				st.InsertRows = append(st.InsertRows, splitTopLevelCommas(tuple))
			}
			if len(st.InsertRows) > 0 {
				st.Values = st.InsertRows[0]
			}
			if shardColumn != "" {
				for i, c := range st.Columns {
					if strings.EqualFold(c, shardColumn) && i < len(st.Values) {
						st.ShardKey = shardKeyFromToken(st.Values[i])
						break
					}
				}
			}
		}
		st.Returning = returningRe.MatchString(trimmed)
	case strings.HasPrefix(upper, "UPDATE"):
		st.Kind = KindUpdate
		if m := updateTable.FindStringSubmatch(trimmed); len(m) > 1 {
			st.Table = unquoteIdent(m[1])
		}
		extractWhereShardKey(trimmed, shardColumn, st)
		st.Returning = returningRe.MatchString(trimmed)
	case strings.HasPrefix(upper, "DELETE"):
		st.Kind = KindDelete
		if m := deleteFrom.FindStringSubmatch(trimmed); len(m) > 1 {
			st.Table = unquoteIdent(m[1])
		}
		extractWhereShardKey(trimmed, shardColumn, st)
		st.Returning = returningRe.MatchString(trimmed)
	case strings.HasPrefix(upper, "COPY"):
		st.Kind = KindCopy
		if m := copyFromRe.FindStringSubmatch(trimmed); len(m) > 1 {
			st.Table = unquoteIdent(m[1])
			if m[2] != "" {
				st.Columns = splitTrim(m[2])
			}
		}
	case strings.HasPrefix(upper, "SET"):
		st.Kind = KindSet
	case strings.HasPrefix(upper, "SHOW"):
		st.Kind = KindShow
	case strings.HasPrefix(upper, "BEGIN") || strings.HasPrefix(upper, "START TRANSACTION"):
		st.Kind = KindBegin
	case strings.HasPrefix(upper, "COMMIT") || strings.HasPrefix(upper, "END"):
		st.Kind = KindCommit
	case strings.HasPrefix(upper, "ROLLBACK"):
		st.Kind = KindRollback
	case isDDL(upper):
		st.Kind = KindDDL
	default:
		st.Kind = KindOther
	}

	return st
}

// stripLeadingComments trims whitespace and any leading /* ... */ or -- ... comments so
// routing-comment hints (which the proxy expects up front, per §6's examples) don't defeat
// statement-kind classification.
func stripLeadingComments(sql string) string {
	s := sql
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "/*"):
			if end := strings.Index(s, "*/"); end >= 0 {
				s = s[end+2:]
				continue
			}
			return s
		case strings.HasPrefix(s, "--"):
			if nl := strings.IndexByte(s, '\n'); nl >= 0 {
				s = s[nl+1:]
				continue
			}
			return ""
		default:
			return s
		}
	}
}

func isDDL(upper string) bool {
	for _, kw := range []string{"CREATE ", "ALTER ", "DROP ", "TRUNCATE "} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return false
}

func parseSelectHints(sql string, st *Statement) {
	if distinctRe.MatchString(sql) {
		st.Distinct = true
	}
	if m := distinctOnRe.FindStringSubmatch(sql); len(m) > 1 {
		st.Distinct = true
		st.DistinctOn = splitTrim(m[1])
	}

	if m := orderByRe.FindStringSubmatch(sql); len(m) > 1 {
		for _, part := range strings.Split(m[1], ",") {
			part = strings.TrimSpace(part)
			desc := false
			nullsFirst := false
			upperPart := strings.ToUpper(part)
			if strings.Contains(upperPart, "NULLS FIRST") {
				nullsFirst = true
			}
			if strings.Contains(upperPart, " DESC") {
				desc = true
			}
			col := strings.Fields(part)
			if len(col) == 0 {
				continue
			}
			token := col[0]
			hint := OrderByHint{Descending: desc, NullsFirst: nullsFirst}
			if idx, err := strconv.Atoi(token); err == nil {
				hint.Index = idx
			} else {
				hint.Column = strings.Trim(token, `"`)
			}
			st.OrderBy = append(st.OrderBy, hint)
		}
	}

	if m := limitRe.FindStringSubmatch(sql); len(m) > 1 {
		setLimitToken(&st.Limit.LimitLiteral, &st.Limit.LimitParamIdx, m[1])
	}
	if m := offsetRe.FindStringSubmatch(sql); len(m) > 1 {
		setLimitToken(&st.Limit.OffsetLiteral, &st.Limit.OffsetParamIdx, m[1])
	}

	for i, m := range aggregateRe.FindAllStringSubmatch(sql, -1) {
		st.Aggregates = append(st.Aggregates, AggregateHint{Func: strings.ToUpper(m[1]), Arg: strings.TrimSpace(m[2]), Ordinal: i})
	}
}

func setLimitToken(literal **int64, paramIdx *int, token string) {
	if strings.HasPrefix(token, "$") {
		idx, _ := strconv.Atoi(token[1:])
		*paramIdx = idx
		return
	}
	n, err := strconv.ParseInt(token, 10, 64)
	if err == nil {
		*literal = &n
	}
}

func extractWhereShardKey(sql, shardColumn string, st *Statement) {
	if shardColumn == "" {
		return
	}
	m := whereClause.FindStringSubmatch(sql)
	if len(m) < 2 {
		return
	}
	for _, pair := range eqPair.FindAllStringSubmatch(m[1], -1) {
		if strings.EqualFold(pair[1], shardColumn) {
			st.ShardKey = shardKeyFromToken(pair[2])
			return
		}
	}
}

func shardKeyFromToken(token string) ShardKeyRef {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "$") {
		if idx, err := strconv.Atoi(token[1:]); err == nil {
			return ShardKeyRef{ParamIdx: idx, Found: true}
		}
	}
	return ShardKeyRef{Literal: unquoteLiteral(token), Found: true}
}

func extractShardComment(sql string) *int {
	m := shardCommentRe.FindStringSubmatch(sql)
	if len(m) < 2 {
		return nil
	}
	if n, err := strconv.Atoi(m[1]); err == nil {
		return &n
	}
	return nil
}

func extractKeyComment(sql string) string {
	m := keyCommentRe.FindStringSubmatch(sql)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func extractRoleComment(sql string) string {
	m := roleCommentRe.FindStringSubmatch(sql)
	if len(m) < 2 {
		return ""
	}
	return strings.ToLower(m[1])
}

// splitTopLevelTuples splits a VALUES clause's row list ("(1,'a'), (2,'b')") into each
// row's inner text ("1,'a'", "2,'b'"), honoring nested parens and quoted commas so a
// function call or a comma inside a string literal doesn't split a row in two.
func splitTopLevelTuples(s string) []string {
	var out []string
	depth := 0
	var quote byte
	start := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case c == ')':
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
		}
	}
	return out
}

// splitTopLevelCommas splits s on commas that are not inside nested parens or quotes, so
// "price, AVG(cost)" doesn't split the aggregate call's argument from its function name.
func splitTopLevelCommas(s string) []string {
	var out []string
	depth := 0
	var quote byte
	last := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			out = append(out, strings.TrimSpace(s[last:i]))
			last = i + 1
		}
	}
	out = append(out, strings.TrimSpace(s[last:]))
	return out
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.Trim(strings.TrimSpace(p), `"'`))
	}
	return out
}

func unquoteIdent(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"`)
	if i := strings.LastIndex(s, "."); i >= 0 {
		s = s[i+1:]
	}
	return strings.ToLower(s)
}

func unquoteLiteral(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' && s[len(s)-1] == '\'' || s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// IsRead reports whether the statement is read-only per §4.8's classification (SELECT
// without a write-CTE is a read; everything else is a write).
func (s *Statement) IsRead() bool {
	return s.Kind == KindSelect && !s.HasWriteCTE
}
