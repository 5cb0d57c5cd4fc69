package frontend

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pgdogdev/pgdog-sub003/internal/catalog"
	"github.com/pgdogdev/pgdog-sub003/internal/coordinator"
	"github.com/pgdogdev/pgdog-sub003/internal/parser"
	"github.com/pgdogdev/pgdog-sub003/internal/wire"
	"github.com/pgdogdev/pgdog-sub003/internal/wireerr"
)

// copyState tracks an in-progress COPY FROM STDIN: the checked-out connection(s), whether
// rows need per-row shard routing (a sharded table's column is in the column list) or a
// single target receives everything verbatim, and the partial-line carry used to split
// COPY's text-format rows out of arbitrarily-chunked CopyData frames.
//
// Rows are split on newlines, with a partial last line carried over to the next CopyData
// chunk. The COPY format is not inspected: binary-format COPY is not detected and is split
// the same way whenever the column list includes the sharding column.
type copyState struct {
	conns      coordinator.ConnSet
	oneShot    bool // true: conns are one-shot checkouts to return when COPY ends
	sharded    bool
	shardCol   int // ordinal of the sharding column within the COPY column list, when sharded
	table      catalog.ShardedTable
	shardCount int
	carry      []byte
}

// beginCopy starts a COPY FROM STDIN: decides single-shard vs. per-row sharded routing
// from the statement's table/column list, checks out connections, forwards the COPY
// statement, and relays each backend's CopyInResponse to the client.
func (s *Session) beginCopy(ctx context.Context, stmt *parser.Statement, sql string) error {
	schema := s.cluster.Schema()
	cs := &copyState{}

	table, isSharded := schema.FindShardedTable(stmt.Table)
	if isSharded && len(stmt.Columns) > 0 {
		col := -1
		for i, c := range stmt.Columns {
			if strings.EqualFold(c, table.Column) {
				col = i
				break
			}
		}
		if col >= 0 {
			cs.sharded = true
			cs.shardCol = col
			cs.table = table
			cs.shardCount = schema.ShardCount
		}
	}

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	shards := s.cluster.Shards()
	var targets []int
	if cs.sharded {
		for i := range shards {
			targets = append(targets, i)
		}
	} else if isSharded {
		// No usable column list to find the sharding key in (e.g. "COPY t FROM STDIN" with
		// no explicit column list): route to shard 0 as a conservative single target rather
		// than guess, per the same "unable to resolve sharding key" shape Route returns for
		// ordinary DML.
		targets = []int{0}
	} else {
		targets = []int{0}
	}

	role := catalog.RolePrimary
	conns, err := s.coord.Checkout(qctx, role, shards, targets)
	if err != nil {
		s.replyError(s.asWireErrOrTimeout(err))
		cancel()
		return nil
	}
	cs.conns = conns
	cs.oneShot = true

	for _, conn := range conns {
		if err := conn.Send(wire.EncodeQuery(sql)); err != nil {
			s.coord.Return(shards, conns)
			s.replyError(wireerr.Connect(err))
			return nil
		}
		if err := conn.Flush(); err != nil {
			s.coord.Return(shards, conns)
			s.replyError(wireerr.Connect(err))
			return nil
		}
	}

	var firstResponse *wire.Message
	for _, conn := range conns {
		msg, err := conn.Receive()
		if err != nil {
			s.coord.Return(shards, conns)
			s.replyError(wireerr.Connect(err))
			return nil
		}
		switch msg.Kind() {
		case wire.KindCopyInResponse:
			if firstResponse == nil {
				m := msg
				firstResponse = &m
			}
		case wire.KindErrorResponse:
			s.coord.Return(shards, conns)
			fields, _ := wire.DecodeErrorResponse(msg)
			e := wireerr.New(wireerr.SeverityError, fields[byte(wire.FieldCode)], fields[byte(wire.FieldMessage)])
			s.replyError(e)
			return nil
		}
	}

	if firstResponse == nil {
		s.coord.Return(shards, conns)
		s.replyError(wireerr.ProtocolViolation("backend did not send CopyInResponse"))
		return nil
	}
	if err := s.writer.WriteMessage(*firstResponse); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}

	s.copy = cs
	s.state = StateCopyIn
	return nil
}

// handleCopyMessage dispatches one CopyData/CopyDone/CopyFail frame against the open
// copyState.
func (s *Session) handleCopyMessage(ctx context.Context, msg wire.Message) error {
	cs := s.copy
	switch msg.Kind() {
	case wire.KindCopyData:
		v, err := wire.DecodeCopyData(msg)
		if err != nil {
			return err
		}
		return s.routeCopyData(v.Data, cs)
	case wire.KindCopyDone:
		return s.finishCopy(ctx, cs, true)
	case wire.KindCopyFail:
		return s.finishCopy(ctx, cs, false)
	}
	return nil
}

// routeCopyData forwards one CopyData chunk: verbatim to every connection for an
// unsharded/single-target COPY, or split by newline and routed per-row by the sharding
// column's value for a sharded one.
func (s *Session) routeCopyData(data []byte, cs *copyState) error {
	if !cs.sharded {
		for _, conn := range cs.conns {
			if err := conn.Send(wire.EncodeCopyData(data)); err != nil {
				return wireerr.Connect(err)
			}
			if err := conn.Flush(); err != nil {
				return wireerr.Connect(err)
			}
		}
		return nil
	}

	buf := append(cs.carry, data...)
	lines := strings.Split(string(buf), "\n")
	cs.carry = nil
	complete := lines
	if len(lines) > 0 && !strings.HasSuffix(string(buf), "\n") {
		cs.carry = []byte(lines[len(lines)-1])
		complete = lines[:len(lines)-1]
	}

	perShard := make(map[int][]byte)
	for _, line := range complete {
		if line == "" {
			continue
		}
		shard := s.shardForCopyLine(line, cs)
		perShard[shard] = append(perShard[shard], []byte(line+"\n")...)
	}

	for idx, chunk := range perShard {
		conn, ok := cs.conns[idx]
		if !ok {
			continue
		}
		if err := conn.Send(wire.EncodeCopyData(chunk)); err != nil {
			return wireerr.Connect(err)
		}
		if err := conn.Flush(); err != nil {
			return wireerr.Connect(err)
		}
	}
	return nil
}

// shardForCopyLine extracts the tab-separated sharding column from a COPY text-format row
// and maps it to a shard via the router's value-mapping logic.
func (s *Session) shardForCopyLine(line string, cs *copyState) int {
	cols := strings.Split(line, "\t")
	if cs.shardCol >= len(cols) {
		return 0
	}
	value := unescapeCopyText(cols[cs.shardCol])
	decision, err := s.router.MapValue(cs.table, value, cs.shardCount)
	if err != nil || decision.Shape != catalog.ShapeDirect || len(decision.Shards) == 0 {
		return 0
	}
	return decision.Shards[0]
}

// unescapeCopyText undoes COPY text format's backslash escapes for the subset this proxy
// needs to inspect (it never needs to re-escape: the original bytes are forwarded as-is).
func unescapeCopyText(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		switch s[i+1] {
		case 'N':
			return "" // SQL NULL
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(s[i+1])
		}
		i++
	}
	return b.String()
}

// finishCopy ends the COPY: sends CopyDone or CopyFail to every backend, drains each
// connection's CommandComplete/ErrorResponse/ReadyForQuery, returns connections if they
// were a one-shot checkout, and replies to the client.
func (s *Session) finishCopy(ctx context.Context, cs *copyState, done bool) error {
	s.copy = nil
	s.state = StateIdle

	var rowCount int64
	var firstErr *wireerr.Error

	for _, conn := range cs.conns {
		var sendErr error
		if done {
			sendErr = conn.Send(wire.EncodeCopyDone())
		} else {
			sendErr = conn.Send(wire.EncodeCopyFail("client canceled COPY"))
		}
		if sendErr == nil {
			sendErr = conn.Flush()
		}
		if sendErr != nil {
			if firstErr == nil {
				firstErr = wireerr.Connect(sendErr)
			}
			continue
		}

	connLoop:
		for {
			msg, err := conn.Receive()
			if err != nil {
				if firstErr == nil {
					firstErr = wireerr.Connect(err)
				}
				break connLoop
			}
			switch msg.Kind() {
			case wire.KindCommandComplete:
				v, _ := wire.DecodeCommandComplete(msg)
				rowCount += parseCopyRowCount(v.Tag)
			case wire.KindErrorResponse:
				if firstErr == nil {
					fields, _ := wire.DecodeErrorResponse(msg)
					firstErr = wireerr.New(wireerr.SeverityError, fields[byte(wire.FieldCode)], fields[byte(wire.FieldMessage)])
				}
			case wire.KindReadyForQuery:
				break connLoop
			}
		}
	}

	if cs.oneShot {
		s.coord.Return(s.cluster.Shards(), cs.conns)
	}

	if firstErr != nil {
		s.replyError(firstErr)
		return nil
	}
	if !done {
		s.replyError(wireerr.New(wireerr.SeverityError, "57014", "COPY failed: client sent CopyFail"))
		return nil
	}

	if err := s.writer.WriteMessage(wire.EncodeCommandComplete(fmt.Sprintf("COPY %d", rowCount))); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.sendReady(s.currentStatus())
}

// parseCopyRowCount extracts the row count from a "COPY n" CommandComplete tag.
func parseCopyRowCount(tag string) int64 {
	fields := strings.Fields(tag)
	if len(fields) != 2 || fields[0] != "COPY" {
		return 0
	}
	n, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
