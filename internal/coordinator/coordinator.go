// Package coordinator implements C9: it dispatches a buffered client request to every
// shard a Route targets, reads each shard's reply stream concurrently, and merges them
// into the single stream the client sees. It follows a scatter-gather shape (goroutines
// fanning into a buffered channel, collected with a select against ctx.Done), generalized
// from database/sql rows to raw wire.Message streams and from "concatenate JSON rows" to the
// per-message-kind merge rules a real multi-statement wire session needs.
package coordinator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/backend"
	"github.com/pgdogdev/pgdog-sub003/internal/catalog"
	"github.com/pgdogdev/pgdog-sub003/internal/wire"
	"github.com/pgdogdev/pgdog-sub003/internal/wireerr"
)

// ClientRequest is the buffered extended- or simple-protocol message sequence the session
// hands to the coordinator. PerShard, when non-nil, overrides Messages for specific
// shards (the split-INSERT rewrite: each shard gets only its own rows).
type ClientRequest struct {
	Messages []wire.Message
	PerShard map[int][]wire.Message
}

func (r ClientRequest) forShard(shard int) []wire.Message {
	if r.PerShard != nil {
		if msgs, ok := r.PerShard[shard]; ok {
			return msgs
		}
	}
	return r.Messages
}

// Emit is how the coordinator hands a merged message to the client session. Sessions pass
// their wire.Writer-backed sink here; tests pass a slice-collecting stub.
type Emit func(wire.Message) error

// Coordinator has no per-request state; Execute is pure given its arguments.
type Coordinator struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Coordinator {
	return &Coordinator{logger: logger}
}

// shardConn pairs a shard index with the backend connection checked out for it.
type shardConn struct {
	index int
	shard *backend.Shard
	conn  *backend.Server
}

// ConnSet is a caller-held map of shard index -> already-checked-out connection, used by
// the session layer to pin backends for the lifetime of a transaction (per §4.11's
// "sticky" requirement) across several Execute-equivalent calls, instead of checking out
// and returning a fresh connection per statement.
type ConnSet map[int]*backend.Server

// Checkout acquires one connection per shard in targets and returns them as a ConnSet the
// caller owns until it calls Return. Used directly by session code that needs to hold
// connections across more than one request (an open transaction).
func (c *Coordinator) Checkout(ctx context.Context, role catalog.Role, shards []*backend.Shard, targets []int) (ConnSet, error) {
	route := catalog.Route{Role: role}
	conns, err := c.checkoutAll(ctx, route, shards, targets)
	if err != nil {
		c.returnAll(conns)
		return nil, err
	}
	set := make(ConnSet, len(conns))
	for _, sc := range conns {
		set[sc.index] = sc.conn
	}
	return set, nil
}

// Return releases every connection in set back to its owning pool.
func (c *Coordinator) Return(shards []*backend.Shard, set ConnSet) {
	for idx, conn := range set {
		if idx < len(shards) && shards[idx] != nil {
			shards[idx].ReturnServer(conn)
		}
	}
}

// Execute checks out one backend per target shard, forwards the request, merges the
// reply streams per §4.9's rules, and emits the combined stream via emit. It always
// returns every checked-out connection to its pool before returning, even on error.
func (c *Coordinator) Execute(ctx context.Context, route catalog.Route, req ClientRequest, shards []*backend.Shard, emit Emit) error {
	targets := route.Decision.Targets(len(shards))
	if len(targets) == 0 {
		return nil
	}

	conns, err := c.checkoutAll(ctx, route, shards, targets)
	defer c.returnAll(conns)
	if err != nil {
		return err
	}

	if err := c.forwardAll(conns, req); err != nil {
		return err
	}

	m := newMerger(len(conns), route, c.logger)
	return c.gather(ctx, conns, m, emit)
}

// ExecuteOn dispatches req to an already-held ConnSet (the sticky-transaction path) rather
// than checking out fresh connections: same forward/merge/gather pipeline as Execute, but
// ownership of conns stays with the caller (it does not Return them).
func (c *Coordinator) ExecuteOn(ctx context.Context, route catalog.Route, req ClientRequest, shards []*backend.Shard, conns ConnSet, emit Emit) error {
	targets := route.Decision.Targets(len(shards))
	sconns := make([]shardConn, 0, len(targets))
	for _, idx := range targets {
		conn, ok := conns[idx]
		if !ok {
			return wireerr.ProtocolViolation("sticky connection set missing target shard")
		}
		sconns = append(sconns, shardConn{index: idx, shard: shards[idx], conn: conn})
	}
	if len(sconns) == 0 {
		return nil
	}

	if err := c.forwardAll(sconns, req); err != nil {
		return err
	}

	m := newMerger(len(sconns), route, c.logger)
	return c.gather(ctx, sconns, m, emit)
}

// checkoutAll checks out one connection per target shard concurrently, honoring ctx as
// the overall checkout timeout. On any failure, already-acquired connections are
// returned by the caller's defer and an error is reported.
func (c *Coordinator) checkoutAll(ctx context.Context, route catalog.Route, shards []*backend.Shard, targets []int) ([]shardConn, error) {
	type result struct {
		conn shardConn
		err  error
	}

	results := make(chan result, len(targets))
	for _, idx := range targets {
		idx := idx
		go func() {
			if idx >= len(shards) || shards[idx] == nil {
				results <- result{err: wireerr.NoPrimary()}
				return
			}
			sh := shards[idx]
			var conn *backend.Server
			var err error
			switch route.Role {
			case catalog.RolePrimary:
				conn, err = sh.CheckoutPrimary(ctx)
			case catalog.RoleReplica:
				conn, err = sh.CheckoutReplica(ctx, false)
			default: // RoleAny
				conn, err = sh.CheckoutReplica(ctx, true)
			}
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{conn: shardConn{index: idx, shard: sh, conn: conn}}
		}()
	}

	var conns []shardConn
	var firstErr error
	for i := 0; i < len(targets); i++ {
		select {
		case r := <-results:
			if r.err != nil {
				if firstErr == nil {
					firstErr = r.err
				}
				continue
			}
			conns = append(conns, r.conn)
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
		}
	}

	if firstErr != nil {
		return conns, firstErr
	}
	return conns, nil
}

func (c *Coordinator) returnAll(conns []shardConn) {
	for _, sc := range conns {
		sc.shard.ReturnServer(sc.conn)
	}
}

// forwardAll writes each shard's share of the request and flushes, preserving extended-
// protocol message order within each connection.
func (c *Coordinator) forwardAll(conns []shardConn, req ClientRequest) error {
	for _, sc := range conns {
		for _, msg := range req.forShard(sc.index) {
			if err := sc.conn.Send(msg); err != nil {
				return wireerr.Connect(err)
			}
		}
		if err := sc.conn.Flush(); err != nil {
			return wireerr.Connect(err)
		}
	}
	return nil
}

// gather reads every shard's reply stream concurrently, feeding each message to the
// merger, until all shards have reported a terminal ReadyForQuery, then flushes the
// merger's buffered output (sort/aggregate/distinct path).
func (c *Coordinator) gather(ctx context.Context, conns []shardConn, m *merger, emit Emit) error {
	type tagged struct {
		shard int
		msg   wire.Message
		err   error
	}

	in := make(chan tagged, 64)
	var wg sync.WaitGroup
	for _, sc := range conns {
		wg.Add(1)
		go func(sc shardConn) {
			defer wg.Done()
			for {
				msg, err := sc.conn.Receive()
				if err != nil {
					in <- tagged{shard: sc.index, err: err}
					return
				}
				in <- tagged{shard: sc.index, msg: msg}
				if msg.Kind() == wire.KindReadyForQuery {
					return
				}
			}
		}(sc)
	}

	go func() {
		wg.Wait()
		close(in)
	}()

	for t := range in {
		if t.err != nil {
			m.fail(t.shard, t.err)
			continue
		}
		out, err := m.feed(t.shard, t.msg)
		if err != nil {
			return err
		}
		for _, o := range out {
			if err := emit(o); err != nil {
				return err
			}
		}
		if m.done() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	final, err := m.flush()
	if err != nil {
		return err
	}
	for _, o := range final {
		if err := emit(o); err != nil {
			return err
		}
	}
	return nil
}
