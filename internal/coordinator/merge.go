package coordinator

import (
	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/catalog"
	"github.com/pgdogdev/pgdog-sub003/internal/wire"
	"github.com/pgdogdev/pgdog-sub003/internal/wireerr"
)

// afterAllKinds are held back rather than forwarded as they arrive: one message of each
// kind is emitted once every shard has reported its CommandComplete (onCommandComplete).
var afterAllKinds = map[wire.Kind]bool{
	wire.KindEmptyQueryResponse:   true,
	wire.KindNoData:               true,
	wire.KindCopyInResponse:       true,
	wire.KindParseComplete:       true,
	wire.KindParameterDescription: true,
}

// merger accumulates one shard's worth of protocol state at a time and applies §4.9's
// per-message-kind merge rules. It is fed serially by coordinator.gather's single loop, so
// it needs no internal locking.
type merger struct {
	n      int
	route  catalog.Route
	logger *zap.Logger

	rowDesc        *wire.RowDescriptionView
	rowDescEmitted bool
	rowDescFailed  bool

	afterAll map[wire.Kind][]wire.Message

	commandAccounted map[int]bool
	rowCountSum      int64
	anyCommand       bool
	tagVerb          string

	erroring map[int]bool // shards whose request failed; their further messages are drained
	complete map[int]bool // shards that reached their terminal ReadyForQuery

	readyStatuses []wire.TransactionStatus

	buffer []wire.DataRowView

	firstErr error
}

func newMerger(n int, route catalog.Route, logger *zap.Logger) *merger {
	return &merger{
		n:                n,
		route:            route,
		logger:           logger,
		afterAll:         make(map[wire.Kind][]wire.Message),
		commandAccounted: make(map[int]bool),
		erroring:         make(map[int]bool),
		complete:         make(map[int]bool),
	}
}

// fail records that shard's connection died outright (read error, not an ErrorResponse),
// counting it toward completion so gather doesn't hang waiting on a dead connection.
func (m *merger) fail(shard int, err error) {
	if m.firstErr == nil {
		m.firstErr = err
	}
	m.erroring[shard] = true
	m.commandAccounted[shard] = true
	m.complete[shard] = true
}

// feed processes one message from shard and returns zero or more messages to emit now.
func (m *merger) feed(shard int, msg wire.Message) ([]wire.Message, error) {
	if m.erroring[shard] {
		// Draining: only a ReadyForQuery ends the drain; everything else is dropped.
		if msg.Kind() == wire.KindReadyForQuery {
			return m.onReady(shard, msg)
		}
		return nil, nil
	}

	switch msg.Kind() {
	case wire.KindRowDescription:
		return m.onRowDescription(msg)
	case wire.KindDataRow:
		return m.onDataRow(msg)
	case wire.KindCommandComplete:
		return m.onCommandComplete(shard, msg)
	case wire.KindErrorResponse:
		m.erroring[shard] = true
		return []wire.Message{msg}, nil
	case wire.KindReadyForQuery:
		return m.onReady(shard, msg)
	default:
		if afterAllKinds[msg.Kind()] {
			m.afterAll[msg.Kind()] = append(m.afterAll[msg.Kind()], msg)
			return nil, nil
		}
		return []wire.Message{msg}, nil
	}
}

func (m *merger) onRowDescription(msg wire.Message) ([]wire.Message, error) {
	v, err := wire.DecodeRowDescription(msg)
	if err != nil {
		return nil, wireerr.ProtocolViolation(err.Error())
	}

	if m.rowDesc == nil {
		m.rowDesc = &v
		m.rowDescEmitted = true
		return []wire.Message{msg}, nil
	}

	if len(v.Fields) != len(m.rowDesc.Fields) {
		m.rowDescFailed = true
		return nil, wireerr.InconsistentRowDescriptions()
	}
	for i, f := range v.Fields {
		if f.Name != m.rowDesc.Fields[i].Name {
			m.rowDescFailed = true
			return nil, wireerr.InconsistentColumnNames()
		}
	}
	return nil, nil
}

func (m *merger) onDataRow(msg wire.Message) ([]wire.Message, error) {
	v, err := wire.DecodeDataRow(msg)
	if err != nil {
		return nil, wireerr.ProtocolViolation(err.Error())
	}
	if m.rowDesc != nil && len(v.Columns) != len(m.rowDesc.Fields) {
		return nil, wireerr.InconsistentRowDescriptions()
	}

	if m.route.ShouldBuffer {
		m.buffer = append(m.buffer, v)
		return nil, nil
	}
	return []wire.Message{msg}, nil
}

func (m *merger) onCommandComplete(shard int, msg wire.Message) ([]wire.Message, error) {
	v, err := wire.DecodeCommandComplete(msg)
	if err != nil {
		return nil, wireerr.ProtocolViolation(err.Error())
	}
	m.anyCommand = true
	m.commandAccounted[shard] = true
	m.rowCountSum += tagRowCount(v.Tag)
	if m.tagVerb == "" {
		if fields := splitFields(v.Tag); len(fields) > 0 {
			m.tagVerb = fields[0]
		}
	}

	if len(m.commandAccounted) < m.n {
		return nil, nil
	}

	var out []wire.Message
	var mergedCount int64 = -1
	if m.route.ShouldBuffer {
		rows, err := applyMerge(m.route, m.rowDesc, m.buffer)
		if err != nil {
			return nil, err
		}
		mergedCount = int64(len(rows))
		for _, r := range rows {
			out = append(out, wire.EncodeDataRow(r))
		}
	}

	for kind, msgs := range m.afterAll {
		if len(msgs) > 0 {
			out = append(out, msgs[0])
		}
		delete(m.afterAll, kind)
	}

	count := m.rowCountSum
	if mergedCount >= 0 {
		count = mergedCount
	}
	tag := summaryTag(m.tagVerb, count)
	out = append(out, wire.EncodeCommandComplete(tag))
	return out, nil
}

func (m *merger) onReady(shard int, msg wire.Message) ([]wire.Message, error) {
	status, err := wire.DecodeReadyForQuery(msg)
	if err != nil {
		return nil, wireerr.ProtocolViolation(err.Error())
	}
	m.complete[shard] = true
	m.readyStatuses = append(m.readyStatuses, status)

	if len(m.complete) < m.n {
		return nil, nil
	}

	combined := m.readyStatuses[0]
	for _, s := range m.readyStatuses[1:] {
		combined = wire.Worse(combined, s)
	}
	return []wire.Message{wire.EncodeReadyForQuery(combined)}, nil
}

func (m *merger) done() bool {
	return len(m.complete) >= m.n
}

// flush emits no messages. It returns the first recorded shard failure when no shard ever
// sent a CommandComplete, and nil otherwise; merged rows are emitted by onCommandComplete.
func (m *merger) flush() ([]wire.Message, error) {
	if m.firstErr != nil && !m.anyCommand {
		return nil, m.firstErr
	}
	return nil, nil
}

// tagRowCount extracts the row-count suffix from a CommandComplete tag like "INSERT 0 5",
// "UPDATE 3", "DELETE 1", or "SELECT 10". Tags with no numeric suffix (e.g. "BEGIN") count
// as zero.
func tagRowCount(tag string) int64 {
	fields := splitFields(tag)
	if len(fields) == 0 {
		return 0
	}
	last := fields[len(fields)-1]
	var n int64
	any := false
	for _, c := range last {
		if c < '0' || c > '9' {
			return 0
		}
		any = true
		n = n*10 + int64(c-'0')
	}
	if !any {
		return 0
	}
	return n
}

func splitFields(s string) []string {
	var out []string
	start := -1
	for i, c := range s {
		if c == ' ' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}
