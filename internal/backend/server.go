// Package backend implements C3 through C6: a single server connection, the bounded
// pool that owns a set of them, the primary/replica shard abstraction, and the cluster
// of shards a router dispatches against. It follows a connection-lifecycle shape
// (accept/lifecycle/ctx-cancel/wg) and a probe-check idiom, generalized from database/sql
// to a raw wire.Reader/wire.Writer pair since the proxy must speak the protocol itself
// rather than delegate to a driver.
package backend

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/wire"
	"github.com/pgdogdev/pgdog-sub003/internal/wireerr"
)

// State is the server connection's lifecycle state, per §4.3.
type State int

const (
	StateIdle State = iota
	StateActive
	StateIdleInTransaction
	StateTransactionError
	StateReceivingData
	StateForceClose
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateIdleInTransaction:
		return "idle_in_transaction"
	case StateTransactionError:
		return "transaction_error"
	case StateReceivingData:
		return "receiving_data"
	case StateForceClose:
		return "force_close"
	default:
		return "error"
	}
}

// Address identifies a backend Postgres endpoint.
type Address struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	TLS      bool
}

// Server is a single backend connection: the wire stream, its negotiated parameters, its
// backend cancellation key, and the bookkeeping the pool/prepared-statement cache need to
// decide whether this connection is safe to hand back out.
type Server struct {
	ID      string
	Addr    Address
	conn    net.Conn
	reader  *wire.Reader
	writer  *wire.Writer
	logger  *zap.Logger

	mu sync.Mutex

	state State
	pool  *Pool // owning pool, set on checkout; used to Return without the caller tracking it

	// ParameterStatus values the backend reported (or that the client set via SET and we
	// replayed), e.g. "client_encoding", "TimeZone", "application_name".
	Params        map[string]string
	ChangedParams map[string]string // subset diverging from Cluster-wide defaults

	BackendPID    int32
	BackendSecret int32

	// PreparedStatementsPresent is the set of globally-generated prepared-statement names
	// this connection has actually PARSEd, so the prepared-statement cache (C10) knows
	// whether it must re-Parse before an Execute targeting this server.
	PreparedStatementsPresent map[string]struct{}

	InTransaction bool
	Streaming     bool
	Dirty         bool // set by MarkUsed on every checkout; nothing in this package reads it

	createdAt    time.Time
	lastActiveAt time.Time
	useCount     int64
}

// Connect dials addr, performs the startup handshake (delegated to auth), and returns a
// ready-to-use Server in StateIdle.
func Connect(ctx context.Context, addr Address, auth Authenticator, logger *zap.Logger) (*Server, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", netAddr(addr))
	if err != nil {
		return nil, wireerr.Connect(err)
	}

	s := &Server{
		ID:                        uuid.NewString(),
		Addr:                      addr,
		conn:                      conn,
		reader:                    wire.NewReader(conn, wire.Backend),
		writer:                    wire.NewWriter(conn),
		logger:                    logger,
		state:                     StateIdle,
		Params:                    make(map[string]string),
		ChangedParams:             make(map[string]string),
		PreparedStatementsPresent: make(map[string]struct{}),
		createdAt:                 time.Now(),
		lastActiveAt:              time.Now(),
	}

	if err := auth.Authenticate(ctx, s); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

func netAddr(a Address) string {
	return a.Host + ":" + portString(a.Port)
}

func portString(p int) string {
	if p == 0 {
		p = 5432
	}
	buf := [6]byte{}
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = byte('0' + p%10)
		p /= 10
	}
	if i == len(buf) {
		return "5432"
	}
	return string(buf[i:])
}

// Send writes a single message to the backend without flushing; callers batch a pipeline
// of messages (Parse/Bind/Describe/Execute/Sync) and Flush once.
func (s *Server) Send(m wire.Message) error {
	return s.writer.WriteMessage(m)
}

// Flush pushes any buffered outbound messages to the wire.
func (s *Server) Flush() error {
	return s.writer.Flush()
}

// Receive reads the next backend message.
func (s *Server) Receive() (wire.Message, error) {
	return s.reader.ReadMessage()
}

// SetState transitions the connection's lifecycle state under lock.
func (s *Server) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.lastActiveAt = time.Now()
	s.mu.Unlock()
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkUsed bumps the use counter, called once per checkout.
func (s *Server) MarkUsed() {
	s.mu.Lock()
	s.useCount++
	s.Dirty = true
	s.mu.Unlock()
}

// OwnerPool returns the pool this connection was checked out from, or nil if it was built
// directly via Connect and never checked out of a Pool.
func (s *Server) OwnerPool() *Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

func (s *Server) Age() time.Duration      { return time.Since(s.createdAt) }
func (s *Server) IdleFor() time.Duration  { return time.Since(s.lastActiveAt) }
func (s *Server) UseCount() int64         { s.mu.Lock(); defer s.mu.Unlock(); return s.useCount }

// Close closes the underlying connection. Idempotent.
func (s *Server) Close() error {
	return s.conn.Close()
}

// ApplyParameterStatus records a ParameterStatus message's key/value, used both for
// startup negotiation and for mid-session SET replay tracking.
func (s *Server) ApplyParameterStatus(name, value string) {
	s.mu.Lock()
	s.Params[name] = value
	s.mu.Unlock()
}

// NeedsReset reports whether this connection carries state (open transaction, changed
// session parameters, an unfinished COPY/stream) that the pool's return path must clean up before
// the connection is reusable, per §4.4's return algorithm.
func (s *Server) NeedsReset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InTransaction || len(s.ChangedParams) > 0 || s.Streaming
}
