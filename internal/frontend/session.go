// Package frontend implements C11: the client-facing session state machine. One Session
// owns a client connection end to end -- handshake, authentication, the simple and
// extended query protocols, transaction stickiness across sharded backends, COPY, and
// LISTEN/NOTIFY -- and is the thing that turns a catalog.Route plus a coordinator.Coordinator
// into bytes on the wire. It follows an accept/negotiate/dispatch-until-Terminate-or-error
// loop, generalized from a single-backend passthrough to a router/coordinator-driven
// multi-shard session.
package frontend

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/backend"
	"github.com/pgdogdev/pgdog-sub003/internal/catalog"
	"github.com/pgdogdev/pgdog-sub003/internal/coordinator"
	"github.com/pgdogdev/pgdog-sub003/internal/metrics"
	"github.com/pgdogdev/pgdog-sub003/internal/mirror"
	"github.com/pgdogdev/pgdog-sub003/internal/parser"
	"github.com/pgdogdev/pgdog-sub003/internal/prepared"
	"github.com/pgdogdev/pgdog-sub003/internal/router"
	"github.com/pgdogdev/pgdog-sub003/internal/wire"
	"github.com/pgdogdev/pgdog-sub003/internal/wireerr"
)

// Deps bundles the proxy-wide, shared-across-sessions collaborators a Session needs. One
// Deps is built once at startup and handed to every accepted connection.
type Deps struct {
	Cluster       *backend.Cluster
	Config        Config
	Router        *router.Router
	Coordinator   *coordinator.Coordinator
	ParserCache   *parser.Cache
	PreparedCache *prepared.Cache
	Listen        *ListenRegistry
	Maintenance   *Maintenance
	Metrics       *metrics.Registry
	Logger        *zap.Logger
	Mirror        *mirror.Handler // nil when this database has no configured mirror destination
}

// extendedRequest accumulates one Parse/Bind/Describe/Execute run until the terminating
// Sync, since the route (and therefore which shards to talk to) is only known once Bind's
// parameters are in hand.
type extendedRequest struct {
	localStatement string
	entry          *prepared.GlobalEntry
	stmt           *parser.Statement
	portal         string
	route          catalog.Route
	messages       []wire.Message // rewritten Parse(lazy)/Bind/Describe/Execute, in arrival order
}

// Session is one client connection's entire lifecycle.
type Session struct {
	conn   net.Conn
	reader *wire.Reader
	writer *wire.Writer
	logger *zap.Logger

	cluster     *backend.Cluster
	cfg         Config
	router      *router.Router
	coord       *coordinator.Coordinator
	parserCache *parser.Cache
	preparedCache *prepared.Cache
	aliases     *prepared.SessionAliases
	listen      *ListenRegistry
	maint       *Maintenance
	metrics     *metrics.Registry
	mirror      *mirror.Handler

	mu       sync.Mutex
	sticky   coordinator.ConnSet
	presence map[*backend.Server]*prepared.Presence

	routeSess router.Session
	params    *ParamStore

	pending *extendedRequest

	state State

	user, database string
	backendPID     int32
	backendSecret  int32

	notifyCh chan Notification
	copy     *copyState

	lastActivity time.Time
}

// NewSession wraps an accepted client connection. Run must be called to actually drive it.
func NewSession(conn net.Conn, deps Deps) *Session {
	return &Session{
		conn:          conn,
		reader:        wire.NewReader(conn, wire.Frontend),
		writer:        wire.NewWriter(conn),
		logger:        deps.Logger,
		cluster:       deps.Cluster,
		cfg:           deps.Config,
		router:        deps.Router,
		coord:         deps.Coordinator,
		parserCache:   deps.ParserCache,
		preparedCache: deps.PreparedCache,
		aliases:       prepared.NewSessionAliases(deps.PreparedCache),
		listen:        deps.Listen,
		maint:         deps.Maintenance,
		metrics:       deps.Metrics,
		mirror:        deps.Mirror,
		presence:      make(map[*backend.Server]*prepared.Presence),
		params:        NewParamStore(),
		state:         StateHandshake,
		notifyCh:      make(chan Notification, 32),
		lastActivity:  time.Now(),
	}
}

// Run drives the connection to completion: handshake, then dispatch until Terminate, a
// fatal error, or a protocol-level I/O failure.
func (s *Session) Run(ctx context.Context) {
	defer s.cleanup()

	if err := s.handshake(ctx); err != nil {
		if err != errSessionHandled {
			s.logger.Debug("handshake failed", zap.Error(err))
		}
		return
	}
	if s.state == StateDisconnect {
		return
	}

	for {
		if err := s.maint.Wait(ctx); err != nil {
			return
		}

		msg, err := s.readWithTimeouts(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("client read error", zap.Error(err), zap.String("user", s.user))
			}
			return
		}
		s.lastActivity = time.Now()

		if msg.Kind() == wire.KindTerminate {
			return
		}

		if err := s.dispatch(ctx, msg); err != nil {
			if wErr, ok := err.(*wireerr.Error); ok && wErr.Fatal() {
				s.replyError(wErr)
				return
			}
			s.logger.Warn("dispatch error", zap.Error(err))
		}
	}
}

// readWithTimeouts blocks for the next client message, enforcing whichever idle timeout
// applies to the session's current state, and surfaces a wire ErrorResponse (not a bare
// I/O error) when one fires so the client sees why it was disconnected.
func (s *Session) readWithTimeouts(ctx context.Context) (wire.Message, error) {
	timeout := s.cfg.ClientIdleTimeout
	var onTimeout *wireerr.Error = wireerr.ClientIdleTimeout()
	if s.routeSess.InTransaction {
		timeout = s.cfg.ClientIdleInTransactionTimeout
		onTimeout = wireerr.ClientIdleInTransactionTimeout()
	}

	type result struct {
		msg wire.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := s.reader.ReadMessage()
		done <- result{msg, err}
	}()

	if timeout <= 0 {
		r := <-done
		return r.msg, r.err
	}

	select {
	case r := <-done:
		return r.msg, r.err
	case <-time.After(timeout):
		s.replyError(onTimeout)
		return wire.Message{}, onTimeout
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	}
}

var errSessionHandled = errors.New("frontend: session handled without further dispatch")

// handshake negotiates SSL/GSS refusal, answers a CancelRequest on a throwaway connection,
// or authenticates a real StartupMessage, per §4.11's connection-entry state.
func (s *Session) handshake(ctx context.Context) error {
	code, body, err := s.reader.ReadStartup()
	if err != nil {
		return err
	}

	for code == wire.SSLRequestCode || code == wire.GSSRequestCode {
		if _, err := s.conn.Write([]byte{'N'}); err != nil {
			return err
		}
		code, body, err = s.reader.ReadStartup()
		if err != nil {
			return err
		}
	}

	if code == wire.CancelRequestCode {
		s.handleCancelRequest(body)
		s.state = StateDisconnect
		return errSessionHandled
	}

	params, err := wire.DecodeStartupParams(body)
	if err != nil {
		return err
	}
	s.user = params["user"]
	s.database = params["database"]
	if s.database == "" {
		s.database = s.user
	}

	loginDone := make(chan error, 1)
	go func() { loginDone <- s.authenticate(ctx, params) }()

	if s.cfg.ClientLoginTimeout > 0 {
		select {
		case err := <-loginDone:
			return err
		case <-time.After(s.cfg.ClientLoginTimeout):
			s.replyError(wireerr.LoginTimeout())
			return wireerr.LoginTimeout()
		}
	}
	return <-loginDone
}

func (s *Session) authenticate(ctx context.Context, params map[string]string) error {
	expected, known := s.cfg.Users[s.user]

	switch s.cfg.AuthMethod {
	case AuthTrust:
		// no challenge
	case AuthCleartextPassword:
		if err := s.writer.WriteMessage(wire.EncodeAuthenticationCleartextPassword()); err != nil {
			return err
		}
		if err := s.writer.Flush(); err != nil {
			return err
		}
		msg, err := s.reader.ReadMessage()
		if err != nil {
			return err
		}
		pass, err := wire.DecodePasswordMessage(msg)
		if err != nil {
			return err
		}
		if !known || pass != expected {
			authErr := wireerr.AuthFailed(fmt.Errorf("password authentication failed for user %q", s.user))
			s.replyError(authErr)
			return authErr
		}
	case AuthMD5Password:
		var salt [4]byte
		if _, err := rand.Read(salt[:]); err != nil {
			return err
		}
		if err := s.writer.WriteMessage(wire.EncodeAuthenticationMD5Password(salt)); err != nil {
			return err
		}
		if err := s.writer.Flush(); err != nil {
			return err
		}
		msg, err := s.reader.ReadMessage()
		if err != nil {
			return err
		}
		hash, err := wire.DecodePasswordMessage(msg)
		if err != nil {
			return err
		}
		if !known || hash != md5AuthHash(s.user, expected, salt[:]) {
			authErr := wireerr.AuthFailed(fmt.Errorf("password authentication failed for user %q", s.user))
			s.replyError(authErr)
			return authErr
		}
	}

	if err := s.writer.WriteMessage(wire.EncodeAuthenticationOk()); err != nil {
		return err
	}
	for _, kv := range [][2]string{
		{"server_version", "14.0 (pgdog)"},
		{"client_encoding", "UTF8"},
		{"TimeZone", "UTC"},
		{"DateStyle", "ISO, MDY"},
		{"integer_datetimes", "on"},
	} {
		if err := s.writer.WriteMessage(wire.EncodeParameterStatus(kv[0], kv[1])); err != nil {
			return err
		}
	}

	s.backendPID, s.backendSecret = registerCancelKey(s)
	if err := s.writer.WriteMessage(wire.EncodeBackendKeyData(wire.BackendKeyDataView{PID: s.backendPID, Secret: s.backendSecret})); err != nil {
		return err
	}

	s.state = StateIdle
	return s.sendReady(wire.TxIdle)
}

// dispatch routes one client message to its handler by kind.
func (s *Session) dispatch(ctx context.Context, msg wire.Message) error {
	if s.copy != nil {
		switch msg.Kind() {
		case wire.KindCopyData, wire.KindCopyDone, wire.KindCopyFail:
			return s.handleCopyMessage(ctx, msg)
		}
	}

	switch msg.Kind() {
	case wire.KindQuery:
		sql, err := wire.DecodeQuery(msg)
		if err != nil {
			return err
		}
		return s.handleSimpleQuery(ctx, sql)
	case wire.KindParse:
		return s.handleParse(msg)
	case wire.KindBind:
		return s.handleBind(ctx, msg)
	case wire.KindDescribe:
		return s.handleDescribe(ctx, msg)
	case wire.KindExecute:
		return s.handleExecute(msg)
	case wire.KindFlush:
		return nil // buffered messages are sent at Sync; Flush has nothing extra to do
	case wire.KindSync:
		return s.handleSync(ctx)
	case wire.KindClose:
		return s.handleClose(msg)
	case wire.KindCopyData, wire.KindCopyDone, wire.KindCopyFail:
		// COPY data with no open copyState: client protocol error, ignored rather than
		// torn down, matching real Postgres's tolerance of a stray CopyFail.
		return nil
	default:
		return wireerr.ProtocolViolation(fmt.Sprintf("unexpected message kind %q in state %s", rune(msg.Kind()), s.state))
	}
}

// handleSimpleQuery implements the 'Q' simple-query protocol: SET/LISTEN/UNLISTEN are
// intercepted locally, BEGIN/COMMIT/ROLLBACK drive transaction stickiness, COPY starts a
// streaming sub-protocol, and everything else is parsed, routed, and dispatched.
func (s *Session) handleSimpleQuery(ctx context.Context, sql string) error {
	s.state = StateActive
	defer func() {
		if s.state == StateActive {
			s.state = StateIdle
		}
	}()

	if name, value, isLocal, ok := ParseSet(sql); ok {
		return s.handleSet(ctx, name, value, isLocal)
	}
	if channel, ok := parseListen(sql); ok {
		return s.handleListen(ctx, channel)
	}
	if channel, ok := parseUnlisten(sql); ok {
		return s.handleUnlisten(channel)
	}

	entry := router.ParseWithSchema(s.parserCache, sql, s.cluster.Schema())
	stmt := entry.Statement

	switch stmt.Kind {
	case parser.KindBegin:
		return s.handleBegin()
	case parser.KindCommit:
		return s.handleEndTransaction(ctx, "COMMIT")
	case parser.KindRollback:
		return s.handleEndTransaction(ctx, "ROLLBACK")
	case parser.KindCopy:
		return s.beginCopy(ctx, stmt, sql)
	}

	route, err := s.router.Route(stmt, s.routeSess, s.cluster.Schema())
	if err != nil {
		s.replyError(s.asWireErr(err))
		return nil
	}
	entry.RecordHit(route.Decision.IsMultiShard(s.cluster.Schema().ShardCount))
	s.recordRouteMetric(route)

	mreq := s.mirror.NewRequest()
	mreq.Enqueue(wire.EncodeQuery(sql))
	mreq.Flush()

	req := buildSimpleQueryRequest(sql, route.Rewrite)
	return s.dispatchRoute(ctx, route, req)
}

// buildSimpleQueryRequest applies plan (if any) to the outgoing simple-query text: a
// PerShardSQL plan (split INSERT, auto-injected sharding column) sends each shard its own
// statement; a single rewritten SQL (cross-shard LIMIT/OFFSET, AVG sidecar columns,
// unique_id() literal substitution) is sent identically to every target shard; a nil plan
// forwards the client's original text unchanged.
func buildSimpleQueryRequest(sql string, plan *catalog.RewritePlan) coordinator.ClientRequest {
	if plan != nil && len(plan.PerShardSQL) > 0 {
		perShard := make(map[int][]wire.Message, len(plan.PerShardSQL))
		for shard, shardSQL := range plan.PerShardSQL {
			perShard[shard] = []wire.Message{wire.EncodeQuery(shardSQL), wire.EncodeSync()}
		}
		return coordinator.ClientRequest{PerShard: perShard}
	}
	outgoing := sql
	if plan != nil && plan.SQL != "" {
		outgoing = plan.SQL
	}
	return coordinator.ClientRequest{Messages: []wire.Message{wire.EncodeQuery(outgoing), wire.EncodeSync()}}
}

// replyCommandComplete is a small helper for entirely-local replies (no backend round
// trip): emits a RowDescription (if any columns), zero-or-more DataRows, and a
// CommandComplete, then the next ReadyForQuery.
func (s *Session) replyCommandComplete(rd wire.RowDescriptionView, rows [][]string, tag string) error {
	if len(rd.Fields) > 0 {
		if err := s.writer.WriteMessage(wire.EncodeRowDescription(rd)); err != nil {
			return err
		}
	}
	for _, row := range rows {
		values := make([][]byte, len(row))
		for i, v := range row {
			values[i] = []byte(v)
		}
		if err := s.writer.WriteMessage(wire.EncodeDataRow(wire.DataRowView{Columns: values})); err != nil {
			return err
		}
	}
	if err := s.writer.WriteMessage(wire.EncodeCommandComplete(tag)); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.sendReady(s.currentStatus())
}

// dispatchRoute sends req to the shards route targets, using the sticky connection set
// when a transaction is open (so later statements in the same transaction see this
// statement's writes) or a fresh one-shot checkout otherwise.
func (s *Session) dispatchRoute(ctx context.Context, route catalog.Route, req coordinator.ClientRequest) error {
	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	emit := func(m wire.Message) error { return s.writer.WriteMessage(m) }

	var err error
	if s.routeSess.InTransaction {
		err = s.executeSticky(qctx, route, req, emit)
	} else {
		shards := s.cluster.Shards()
		err = s.coord.Execute(qctx, route, req, shards, emit)
	}

	if err != nil {
		s.replyError(s.asWireErrOrTimeout(err))
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.sendReady(s.currentStatus())
}

// executeSticky runs req against the session's held sticky connections, checking out (and
// priming with BEGIN plus any replayed SET statements) any target shard the transaction
// hasn't touched yet.
func (s *Session) executeSticky(ctx context.Context, route catalog.Route, req coordinator.ClientRequest, emit coordinator.Emit) error {
	shards := s.cluster.Shards()
	targets := route.Decision.Targets(len(shards))

	for _, idx := range targets {
		if _, ok := s.stickyGet(idx); ok {
			continue
		}
		if idx >= len(shards) || shards[idx] == nil {
			return wireerr.NoPrimary()
		}
		conns, err := s.coord.Checkout(ctx, route.Role, shards, []int{idx})
		if err != nil {
			return err
		}
		conn := conns[idx]
		if err := s.primeNewConn(conn); err != nil {
			shards[idx].ReturnServer(conn)
			return err
		}
		s.stickyPut(idx, conn)
	}

	conns := s.stickySnapshot()
	return s.coord.ExecuteOn(ctx, route, req, shards, conns, emit)
}

// primeNewConn opens a transaction on a freshly sticky connection and replays the SET
// state the session has recorded so far (ParamStore.ReplaySQL), so a shard touched
// for the first time mid-transaction sees the same session parameters as shards touched
// earlier.
func (s *Session) primeNewConn(conn *backend.Server) error {
	stmts := append([]string{"BEGIN"}, s.params.ReplaySQL()...)
	for _, sql := range stmts {
		if err := conn.Send(wire.EncodeQuery(sql)); err != nil {
			return wireerr.Connect(err)
		}
	}
	if err := conn.Flush(); err != nil {
		return wireerr.Connect(err)
	}
	remaining := len(stmts)
	for remaining > 0 {
		m, err := conn.Receive()
		if err != nil {
			return wireerr.Connect(err)
		}
		if m.Kind() == wire.KindReadyForQuery {
			remaining--
		}
	}
	return nil
}

func (s *Session) handleBegin() error {
	if s.cfg.PoolMode == PoolStatement {
		err := wireerr.TransactionControlInStatementMode()
		s.replyError(err)
		return nil
	}
	s.routeSess.InTransaction = true
	s.routeSess.TxForcedWrite = false
	if err := s.writer.WriteMessage(wire.EncodeCommandComplete("BEGIN")); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.sendReady(wire.TxInTransaction)
}

// handleEndTransaction forwards COMMIT/ROLLBACK to every shard the transaction touched
// (none, if it never issued a statement), then releases the sticky set -- except under
// session pooling, where the backend connections stay pinned to this client for its
// entire session and only the open transaction ends.
func (s *Session) handleEndTransaction(ctx context.Context, sql string) error {
	if s.cfg.PoolMode == PoolStatement {
		s.replyError(wireerr.TransactionControlInStatementMode())
		return nil
	}
	conns := s.stickySnapshot()
	s.routeSess.InTransaction = false
	s.routeSess.TxForcedWrite = false
	s.params.EndTransaction()

	if len(conns) == 0 {
		tag := "COMMIT"
		if sql == "ROLLBACK" {
			tag = "ROLLBACK"
		}
		if err := s.writer.WriteMessage(wire.EncodeCommandComplete(tag)); err != nil {
			return err
		}
		if err := s.writer.Flush(); err != nil {
			return err
		}
		return s.sendReady(wire.TxIdle)
	}

	shards := s.cluster.Shards()
	idxs := make([]int, 0, len(conns))
	for idx := range conns {
		idxs = append(idxs, idx)
	}
	route := catalog.Route{Decision: catalog.Multi(idxs)}
	req := coordinator.ClientRequest{Messages: []wire.Message{wire.EncodeQuery(sql), wire.EncodeSync()}}

	qctx, cancel := s.queryContext(ctx)
	defer cancel()
	emit := func(m wire.Message) error { return s.writer.WriteMessage(m) }
	err := s.coord.ExecuteOn(qctx, route, req, shards, conns, emit)

	if s.cfg.PoolMode != PoolSession {
		s.coord.Return(shards, s.stickyClear())
	}

	if err != nil {
		s.replyError(s.asWireErrOrTimeout(err))
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.sendReady(wire.TxIdle)
}

func (s *Session) handleSet(ctx context.Context, name, value string, isLocal bool) error {
	if isLocal {
		s.params.SetLocal(name, value)
	} else {
		s.params.SetCommitted(name, value)
	}

	switch strings.ToLower(name) {
	case "pgdog.shard":
		n := parseShardParam(value)
		s.routeSess.ShardParam = &n
	case "pgdog.sharding_key":
		s.routeSess.ShardingKeyParam = value
	case "pgdog.role":
		s.routeSess.RoleParam = value
	case "search_path":
		s.routeSess.SearchPath = value
	}

	// Replay onto every backend this transaction already holds, so a SET issued mid-
	// transaction is visible to statements that follow on an already-sticky connection.
	if s.routeSess.InTransaction {
		for _, conn := range s.stickySnapshot() {
			if err := conn.Send(wire.EncodeQuery(fmt.Sprintf("SET %s %s = %s", setScope(isLocal), name, quoteSetValue(value)))); err != nil {
				return wireerr.Connect(err)
			}
			if err := conn.Flush(); err != nil {
				return wireerr.Connect(err)
			}
			for {
				m, err := conn.Receive()
				if err != nil {
					return wireerr.Connect(err)
				}
				if m.Kind() == wire.KindReadyForQuery {
					break
				}
			}
		}
	}

	if err := s.writer.WriteMessage(wire.EncodeCommandComplete("SET")); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.sendReady(s.currentStatus())
}

func setScope(isLocal bool) string {
	if isLocal {
		return "LOCAL"
	}
	return ""
}

func quoteSetValue(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func parseShardParam(value string) int {
	n := 0
	for _, c := range strings.TrimSpace(value) {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// --- Extended protocol -----------------------------------------------------------------

func (s *Session) handleParse(msg wire.Message) error {
	v, err := wire.DecodeParse(msg)
	if err != nil {
		return err
	}
	entry, err := s.aliases.Parse(v.Name, msg)
	if err != nil {
		return err
	}
	stmt := router.ParseWithSchema(s.parserCache, v.Query, s.cluster.Schema()).Statement
	s.pending = &extendedRequest{localStatement: v.Name, entry: entry, stmt: stmt}
	return s.writer.WriteMessage(wire.EncodeParseComplete())
}

// handleBind resolves the route (possibly using the just-decoded bind parameter as the
// sharding-key value) and stashes the rewritten Bind for handleSync to forward.
func (s *Session) handleBind(ctx context.Context, msg wire.Message) error {
	v, err := wire.DecodeBind(msg)
	if err != nil {
		return err
	}
	entry, ok := s.aliases.Resolve(v.Statement)
	if !ok {
		return wireerr.ProtocolViolation("Bind referenced unknown prepared statement")
	}

	var stmt *parser.Statement
	if s.pending != nil && s.pending.localStatement == v.Statement {
		stmt = s.pending.stmt
	} else {
		stmt = &parser.Statement{}
	}

	var route catalog.Route
	if stmt.ShardKey.Found && stmt.ShardKey.ParamIdx > 0 && stmt.ShardKey.ParamIdx <= len(v.Params) {
		paramValue := string(v.Params[stmt.ShardKey.ParamIdx-1])
		route, err = s.router.RouteWithParams(stmt, s.routeSess, s.cluster.Schema(), paramValue)
	} else {
		route, err = s.router.Route(stmt, s.routeSess, s.cluster.Schema())
	}
	if err != nil {
		s.replyError(s.asWireErr(err))
		s.pending = nil
		return nil
	}
	s.recordRouteMetric(route)

	req := &extendedRequest{
		localStatement: v.Statement,
		entry:          entry,
		stmt:           stmt,
		portal:         v.Portal,
		route:          route,
		messages:       []wire.Message{msg},
	}
	s.pending = req
	return s.writer.WriteMessage(wire.EncodeBindComplete())
}

func (s *Session) handleDescribe(ctx context.Context, msg wire.Message) error {
	if s.pending == nil {
		return wireerr.ProtocolViolation("Describe without a preceding Parse/Bind")
	}
	s.pending.messages = append(s.pending.messages, msg)
	return nil
}

func (s *Session) handleExecute(msg wire.Message) error {
	if s.pending == nil {
		return wireerr.ProtocolViolation("Execute without a preceding Bind")
	}
	s.pending.messages = append(s.pending.messages, msg)
	return nil
}

// handleSync flushes the accumulated Parse/Bind/Describe/Execute batch: for each target
// shard it resolves (or checks out) a connection, lazily prepends a Parse if that
// connection hasn't seen this global statement name yet, and dispatches the whole batch
// through the coordinator.
func (s *Session) handleSync(ctx context.Context) error {
	req := s.pending
	s.pending = nil

	if req == nil || req.entry == nil {
		if err := s.writer.WriteMessage(wire.EncodeSync()); err != nil {
			return err
		}
		if err := s.writer.Flush(); err != nil {
			return err
		}
		return s.sendReady(s.currentStatus())
	}

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	shards := s.cluster.Shards()
	targets := req.route.Decision.Targets(len(shards))

	var oneShot coordinator.ConnSet
	if !s.routeSess.InTransaction {
		oneShot = make(coordinator.ConnSet)
		defer func() { s.coord.Return(shards, oneShot) }()
	}

	perShard := make(map[int][]wire.Message, len(targets))
	for _, idx := range targets {
		conn, err := s.resolveConn(qctx, idx, req.route.Role, shards, oneShot)
		if err != nil {
			return s.failExtended(err)
		}
		pres := s.presenceFor(conn)

		var rewritten []wire.Message
		for _, m := range req.messages {
			switch m.Kind() {
			case wire.KindBind:
				rb, err := prepared.ForBind(conn, pres, req.entry, m)
				if err != nil {
					return s.failExtended(err)
				}
				rewritten = append(rewritten, rb)
			case wire.KindDescribe:
				rd, err := prepared.ForDescribe(conn, pres, req.entry, m)
				if err != nil {
					return s.failExtended(err)
				}
				rewritten = append(rewritten, rd)
			default:
				rewritten = append(rewritten, m)
			}
		}
		rewritten = append(rewritten, wire.EncodeSync())
		perShard[idx] = rewritten
	}

	mreq := s.mirror.NewRequest()
	mreq.Enqueue(req.entry.Parse)
	for _, m := range req.messages {
		mreq.Enqueue(m)
	}
	mreq.Enqueue(wire.EncodeSync())
	mreq.Flush()

	creq := coordinator.ClientRequest{PerShard: perShard}
	var err error
	if s.routeSess.InTransaction {
		conns := s.stickySnapshot()
		err = s.coord.ExecuteOn(qctx, req.route, creq, shards, conns, func(m wire.Message) error { return s.writer.WriteMessage(m) })
	} else {
		err = s.coord.ExecuteOn(qctx, req.route, creq, shards, oneShot, func(m wire.Message) error { return s.writer.WriteMessage(m) })
	}
	if err != nil {
		s.replyError(s.asWireErrOrTimeout(err))
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.sendReady(s.currentStatus())
}

func (s *Session) failExtended(err error) error {
	s.replyError(s.asWireErrOrTimeout(err))
	return nil
}

// resolveConn returns the connection to use for shard idx: the session's sticky
// connection if one is already held for an open transaction, priming (BEGIN + param
// replay) and adding a newly checked-out one to the sticky set if not; or, outside a
// transaction, a one-shot connection from oneShot (checked out on first use, returned by
// the caller once the batch completes).
func (s *Session) resolveConn(ctx context.Context, idx int, role catalog.Role, shards []*backend.Shard, oneShot coordinator.ConnSet) (*backend.Server, error) {
	if s.routeSess.InTransaction {
		if conn, ok := s.stickyGet(idx); ok {
			return conn, nil
		}
		if idx >= len(shards) || shards[idx] == nil {
			return nil, wireerr.NoPrimary()
		}
		conns, err := s.coord.Checkout(ctx, role, shards, []int{idx})
		if err != nil {
			return nil, err
		}
		conn := conns[idx]
		if err := s.primeNewConn(conn); err != nil {
			shards[idx].ReturnServer(conn)
			return nil, err
		}
		s.stickyPut(idx, conn)
		return conn, nil
	}

	if conn, ok := oneShot[idx]; ok {
		return conn, nil
	}
	if idx >= len(shards) || shards[idx] == nil {
		return nil, wireerr.NoPrimary()
	}
	conns, err := s.coord.Checkout(ctx, role, shards, []int{idx})
	if err != nil {
		return nil, err
	}
	oneShot[idx] = conns[idx]
	return conns[idx], nil
}

// handleClose never forwards a Close to any backend: the global statement stays prepared
// on the server for as long as any other session references it, so closing is purely a
// refcount decrement here (see prepared.ForClose's doc comment).
func (s *Session) handleClose(msg wire.Message) error {
	v, err := wire.DecodeClose(msg)
	if err != nil {
		return err
	}
	if v.IsStatement {
		s.aliases.Close(v.Name)
	}
	return s.writer.WriteMessage(wire.EncodeCloseComplete())
}

// --- LISTEN/NOTIFY -----------------------------------------------------------------------

func (s *Session) handleListen(ctx context.Context, channel string) error {
	if !s.cfg.ListenEnabled {
		s.replyError(wireerr.UnsupportedStatement("LISTEN is disabled"))
		return nil
	}
	shard := s.cluster.Shard(0)
	if shard == nil {
		s.replyError(wireerr.NoPrimary())
		return nil
	}
	if err := s.listen.Subscribe(ctx, shard, channel, s, s.notifyCh); err != nil {
		s.replyError(wireerr.Connect(err))
		return nil
	}
	if err := s.writer.WriteMessage(wire.EncodeCommandComplete("LISTEN")); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.sendReady(s.currentStatus())
}

func (s *Session) handleUnlisten(channel string) error {
	s.listen.Unsubscribe(channel, s)
	if err := s.writer.WriteMessage(wire.EncodeCommandComplete("UNLISTEN")); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.sendReady(s.currentStatus())
}

// drainNotifications flushes any pending NOTIFYs to the client. Delivery is piggybacked
// onto the next ReadyForQuery rather than pushed asynchronously mid-command, since this
// session's writer is otherwise only ever touched by its own dispatch goroutine.
func (s *Session) drainNotifications() error {
	for {
		select {
		case n := <-s.notifyCh:
			if err := s.writer.WriteMessage(wire.EncodeNotificationResponse(wire.NotificationResponseView{
				BackendPID: n.PID, Channel: n.Channel, Payload: n.Payload,
			})); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// --- Helpers ------------------------------------------------------------------------------

func (s *Session) currentStatus() wire.TransactionStatus {
	if !s.routeSess.InTransaction {
		return wire.TxIdle
	}
	return wire.TxInTransaction
}

func (s *Session) sendReady(status wire.TransactionStatus) error {
	if err := s.drainNotifications(); err != nil {
		return err
	}
	if err := s.writer.WriteMessage(wire.EncodeReadyForQuery(status)); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *Session) replyError(e *wireerr.Error) {
	_ = s.writer.WriteMessage(e.ErrorResponse())
	_ = s.writer.Flush()
	if !e.Fatal() {
		status := s.currentStatus()
		if status == wire.TxInTransaction {
			status = wire.TxFailed
			s.routeSess.TxForcedWrite = true
		}
		_ = s.sendReady(status)
	}
}

func (s *Session) asWireErr(err error) *wireerr.Error {
	var we *wireerr.Error
	if errors.As(err, &we) {
		return we
	}
	return wireerr.New(wireerr.SeverityError, "XX000", err.Error())
}

func (s *Session) asWireErrOrTimeout(err error) *wireerr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return wireerr.QueryTimeout()
	}
	return s.asWireErr(err)
}

func (s *Session) queryContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeout > 0 {
		return context.WithTimeout(parent, s.cfg.QueryTimeout)
	}
	return context.WithCancel(parent)
}

func (s *Session) recordRouteMetric(route catalog.Route) {
	if s.metrics == nil {
		return
	}
	s.metrics.RouterDecisions.WithLabelValues(route.Decision.Shape.String()).Inc()
}

func (s *Session) presenceFor(conn *backend.Server) *prepared.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[conn]
	if !ok {
		p = prepared.NewPresence()
		s.presence[conn] = p
	}
	return p
}

func (s *Session) stickyGet(idx int) (*backend.Server, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.sticky[idx]
	return conn, ok
}

func (s *Session) stickyPut(idx int, conn *backend.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sticky == nil {
		s.sticky = make(coordinator.ConnSet)
	}
	s.sticky[idx] = conn
}

func (s *Session) stickySnapshot() coordinator.ConnSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(coordinator.ConnSet, len(s.sticky))
	for k, v := range s.sticky {
		out[k] = v
	}
	return out
}

func (s *Session) stickyClear() coordinator.ConnSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sticky
	s.sticky = nil
	for _, conn := range out {
		delete(s.presence, conn)
	}
	return out
}

// CancelActive is invoked from a different goroutine (another connection's CancelRequest
// handshake) to abort whatever this session's sticky connections are currently running.
// Only in-transaction (sticky) work can be canceled this way: a one-shot autocommit
// statement's connection is never exposed outside the coordinator's own checkout.
func (s *Session) CancelActive() {
	for _, conn := range s.stickySnapshot() {
		sendCancelRequest(conn.Addr, conn.BackendPID, conn.BackendSecret)
	}
}

func (s *Session) cleanup() {
	s.aliases.CloseAll()
	shards := s.cluster.Shards()
	s.coord.Return(shards, s.stickyClear())
	if s.listen != nil {
		// nothing is unsubscribed here: LISTEN channels this session registered stay in
		// the registry after it disconnects
	}
	unregisterCancelKey(s.backendPID, s.backendSecret)
	_ = s.conn.Close()
	s.state = StateDisconnect
}

func (s *Session) handleCancelRequest(body []byte) {
	v, err := wire.DecodeCancelRequest(body)
	if err != nil {
		return
	}
	if target, ok := lookupCancelKey(v.BackendPID, v.Secret); ok {
		target.CancelActive()
	}
}

func parseListen(sql string) (string, bool) {
	trimmed := strings.TrimSpace(sql)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "LISTEN ") {
		return "", false
	}
	return unquoteChannel(strings.TrimSpace(trimmed[len("LISTEN "):])), true
}

func parseUnlisten(sql string) (string, bool) {
	trimmed := strings.TrimSpace(sql)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "UNLISTEN ") {
		return "", false
	}
	return unquoteChannel(strings.TrimSpace(trimmed[len("UNLISTEN "):])), true
}

func unquoteChannel(s string) string {
	s = strings.TrimSuffix(s, ";")
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}
