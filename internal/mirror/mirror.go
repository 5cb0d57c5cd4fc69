// Package mirror implements C12: sampled, bounded replay of client traffic to a second
// cluster. One Handler owns one destination connection pool and one background worker
// goroutine; the client-facing path only ever does a non-blocking channel send, so a
// slow or unreachable mirror destination never adds latency to real client requests.
package mirror

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/backend"
	"github.com/pgdogdev/pgdog-sub003/internal/metrics"
	"github.com/pgdogdev/pgdog-sub003/internal/wire"
)

// ErrorClass is the mirror-specific error taxonomy from the stats surface: connection,
// query, timeout, or buffer_full.
type ErrorClass string

const (
	ErrorConnection ErrorClass = "connection"
	ErrorQuery      ErrorClass = "query"
	ErrorTimeout    ErrorClass = "timeout"
	ErrorBufferFull ErrorClass = "buffer_full"
)

// Config is one `[[mirroring]]` table entry (§6).
type Config struct {
	Exposure    float64
	QueueLength int

	// WorkerTimeout bounds a single batch replay; exceeding it counts as ErrorTimeout.
	WorkerTimeout time.Duration

	// MaxBackoff caps the exponential back-off applied after consecutive worker errors.
	MaxBackoff time.Duration
}

type timedMessage struct {
	msg   wire.Message
	delay time.Duration
}

// Handler owns the sampling decision, the bounded queue, and the single replay worker
// for one source→destination mirror pairing. Follows the same per-pool background-task
// shape as Pool.Start/maintain, generalized from connection maintenance to batch replay.
type Handler struct {
	cfg      Config
	database string
	pool     *backend.Pool
	logger   *zap.Logger
	metrics  *metrics.Registry

	queue chan []timedMessage
	done  chan struct{}

	requestsTotal   int64
	requestsMirror  int64
	requestsDropped int64
	consecutiveErrs int64

	mu        sync.Mutex
	latencies []time.Duration // ring-ish accumulator, trimmed in recordSuccess
	errCounts map[ErrorClass]int64
	perDBMu   sync.Mutex
	perDB     map[string]*dbStats
}

type dbStats struct {
	mirrored int64
	errors   int64
}

// New builds a Handler. pool is the (already constructed, not yet Started) connection
// pool to the mirror destination; database labels the `requests_mirrored`/`errors`
// per-database stat (the destination database name).
func New(cfg Config, pool *backend.Pool, database string, reg *metrics.Registry, logger *zap.Logger) *Handler {
	if cfg.QueueLength <= 0 {
		cfg.QueueLength = 128
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Handler{
		cfg:       cfg,
		database:  database,
		pool:      pool,
		logger:    logger,
		metrics:   reg,
		queue:     make(chan []timedMessage, cfg.QueueLength),
		done:      make(chan struct{}),
		errCounts: make(map[ErrorClass]int64),
		perDB:     make(map[string]*dbStats),
	}
}

// Start launches the destination pool and the single replay worker.
func (h *Handler) Start(ctx context.Context) {
	h.pool.Start(ctx)
	go h.worker(ctx)
}

// Stop closes the worker; queued-but-unreplayed batches are discarded.
func (h *Handler) Stop() {
	close(h.done)
	h.pool.Stop()
}

// Request accumulates one top-level client request's messages with their recorded
// inter-message delays, for later replay at the same pace. A nil *Request is always
// safe to call methods on (unselected or disabled requests use a nil Request).
type Request struct {
	h        *Handler
	messages []timedMessage
	last     time.Time
}

// NewRequest draws the exposure sample for one top-level client request. It always
// counts toward requests_total; it returns nil (not selected) unless the sample hits,
// in which case every subsequent Enqueue call on the returned Request is recorded for
// replay. A nil Handler receiver yields a nil Request, so callers need not nil-check
// the mirror handler itself before calling this.
func (h *Handler) NewRequest() *Request {
	if h == nil {
		return nil
	}
	atomic.AddInt64(&h.requestsTotal, 1)
	if h.metrics != nil {
		h.metrics.MirrorRequestsTotal.Inc()
	}
	if rand.Float64() >= h.cfg.Exposure {
		return nil
	}
	return &Request{h: h}
}

// Enqueue records one message of the sampled request, along with the wall-clock delay
// since the previous enqueued message (zero for the first).
func (r *Request) Enqueue(msg wire.Message) {
	if r == nil {
		return
	}
	now := time.Now()
	var delay time.Duration
	if !r.last.IsZero() {
		delay = now.Sub(r.last)
	}
	r.last = now
	r.messages = append(r.messages, timedMessage{msg: msg.Clone(), delay: delay})
}

// Flush is called at the request boundary (Sync / simple-query terminator): it
// try_sends the accumulated batch to the worker, counting a drop rather than blocking
// the client path if the queue is full.
func (r *Request) Flush() {
	if r == nil || len(r.messages) == 0 {
		return
	}
	h := r.h
	select {
	case h.queue <- r.messages:
		atomic.AddInt64(&h.requestsMirror, 1)
		if h.metrics != nil {
			h.metrics.MirrorRequestsMirror.Inc()
		}
	default:
		atomic.AddInt64(&h.requestsDropped, 1)
		if h.metrics != nil {
			h.metrics.MirrorRequestsDropped.Inc()
		}
		h.recordError(ErrorBufferFull)
	}
}

// worker is the single task per mirror: it owns one backend connection (checked out
// from and returned to the destination pool per batch) and replays batches honoring
// their recorded pacing. Consecutive errors drive an exponential back-off so an
// unreachable destination doesn't spin the worker.
func (h *Handler) worker(ctx context.Context) {
	for {
		select {
		case <-h.done:
			return
		case <-ctx.Done():
			return
		case batch := <-h.queue:
			h.backoffIfNeeded()
			h.replay(ctx, batch)
		}
	}
}

func (h *Handler) backoffIfNeeded() {
	n := atomic.LoadInt64(&h.consecutiveErrs)
	if n == 0 {
		return
	}
	d := time.Duration(1<<uint(min64(n, 10))) * 100 * time.Millisecond
	if d > h.cfg.MaxBackoff {
		d = h.cfg.MaxBackoff
	}
	time.Sleep(d)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func (h *Handler) replay(ctx context.Context, batch []timedMessage) {
	rctx, cancel := context.WithTimeout(ctx, h.cfg.WorkerTimeout)
	defer cancel()

	conn, err := h.pool.Checkout(rctx)
	if err != nil {
		h.recordError(ErrorConnection)
		return
	}
	defer h.pool.Return(conn)

	start := time.Now()
	for _, tm := range batch {
		if tm.delay > 0 {
			select {
			case <-time.After(tm.delay):
			case <-rctx.Done():
				h.recordError(ErrorTimeout)
				return
			}
		}
		if err := conn.Send(tm.msg); err != nil {
			h.recordError(ErrorConnection)
			return
		}
	}
	if err := conn.Flush(); err != nil {
		h.recordError(ErrorConnection)
		return
	}

	if err := h.drainReplies(conn); err != nil {
		h.recordError(ErrorQuery)
		return
	}

	atomic.StoreInt64(&h.consecutiveErrs, 0)
	if h.metrics != nil {
		h.metrics.MirrorConsecutiveErr.Set(0)
	}
	h.recordSuccess(time.Since(start))
}

// drainReplies reads until ReadyForQuery, surfacing the first ErrorResponse (if any)
// as the replay's error; the mirror never forwards anything back to a real client.
func (h *Handler) drainReplies(conn *backend.Server) error {
	var firstErr error
	for {
		msg, err := conn.Receive()
		if err != nil {
			return err
		}
		switch msg.Kind() {
		case wire.KindErrorResponse:
			if firstErr == nil {
				firstErr = errors.New("mirror replay: destination returned an ErrorResponse")
			}
		case wire.KindReadyForQuery:
			return firstErr
		}
	}
}

func (h *Handler) recordError(class ErrorClass) {
	atomic.AddInt64(&h.consecutiveErrs, 1)
	if h.metrics != nil {
		h.metrics.MirrorErrors.WithLabelValues(string(class)).Inc()
		h.metrics.MirrorConsecutiveErr.Set(float64(atomic.LoadInt64(&h.consecutiveErrs)))
		h.metrics.MirrorPerDatabase.WithLabelValues(h.database, "errors").Inc()
	}
	h.mu.Lock()
	h.errCounts[class]++
	h.mu.Unlock()
	h.perDBMu.Lock()
	st := h.perDBStats()
	st.errors++
	h.perDBMu.Unlock()
}

func (h *Handler) recordSuccess(latency time.Duration) {
	if h.metrics != nil {
		h.metrics.MirrorLatencyMs.Observe(float64(latency.Milliseconds()))
		h.metrics.MirrorPerDatabase.WithLabelValues(h.database, "mirrored").Inc()
	}
	h.mu.Lock()
	h.latencies = append(h.latencies, latency)
	if len(h.latencies) > 1000 {
		h.latencies = h.latencies[len(h.latencies)-1000:]
	}
	h.mu.Unlock()
	h.perDBMu.Lock()
	st := h.perDBStats()
	st.mirrored++
	h.perDBMu.Unlock()
}

// perDBStats returns (creating if necessary) the per-database counters for this
// handler's destination database. Caller must hold perDBMu.
func (h *Handler) perDBStats() *dbStats {
	st, ok := h.perDB[h.database]
	if !ok {
		st = &dbStats{}
		h.perDB[h.database] = st
	}
	return st
}

// Stats is a point-in-time snapshot of §4.12's "Stats exposed" list, for an admin
// surface (`SHOW MIRROR_STATS`) to render without reaching into Prometheus.
type Stats struct {
	RequestsTotal     int64
	RequestsMirrored  int64
	RequestsDropped   int64
	Errors            map[ErrorClass]int64
	ConsecutiveErrors int64
	LatencyAvgMs      float64
	LatencyMaxMs      float64
	PerDatabase       map[string]DBStats
}

// DBStats is one database's {mirrored, errors} pair within Stats.PerDatabase.
type DBStats struct {
	Mirrored int64
	Errors   int64
}

func (h *Handler) Stats() Stats {
	h.mu.Lock()
	errCopy := make(map[ErrorClass]int64, len(h.errCounts))
	for k, v := range h.errCounts {
		errCopy[k] = v
	}
	var sum, max time.Duration
	for _, l := range h.latencies {
		sum += l
		if l > max {
			max = l
		}
	}
	var avgMs float64
	if n := len(h.latencies); n > 0 {
		avgMs = float64(sum.Milliseconds()) / float64(n)
	}
	h.mu.Unlock()

	h.perDBMu.Lock()
	perDB := make(map[string]DBStats, len(h.perDB))
	for db, st := range h.perDB {
		perDB[db] = DBStats{Mirrored: st.mirrored, Errors: st.errors}
	}
	h.perDBMu.Unlock()

	return Stats{
		RequestsTotal:     atomic.LoadInt64(&h.requestsTotal),
		RequestsMirrored:  atomic.LoadInt64(&h.requestsMirror),
		RequestsDropped:   atomic.LoadInt64(&h.requestsDropped),
		Errors:            errCopy,
		ConsecutiveErrors: atomic.LoadInt64(&h.consecutiveErrs),
		LatencyAvgMs:      avgMs,
		LatencyMaxMs:      float64(max.Milliseconds()),
		PerDatabase:       perDB,
	}
}
