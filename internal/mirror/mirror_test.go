package mirror

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/backend"
	"github.com/pgdogdev/pgdog-sub003/internal/wire"
)

// fakeMirrorDestination accepts connections, completes a trust handshake, and counts
// every simple Query it receives before replying ReadyForQuery, enough to exercise the
// worker's checkout/replay/drain loop without a real backend.
func fakeMirrorDestination(t *testing.T, queries *int64) backend.Address {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := wire.NewReader(conn, wire.Frontend)
				w := wire.NewWriter(conn)
				if _, _, err := r.ReadStartup(); err != nil {
					return
				}
				w.WriteMessage(wire.NewMessage(wire.KindAuthentication, wire.Backend, []byte{0, 0, 0, 0}))
				keyData := make([]byte, 8)
				binary.BigEndian.PutUint32(keyData[0:4], 1)
				binary.BigEndian.PutUint32(keyData[4:8], 2)
				w.WriteMessage(wire.NewMessage(wire.KindBackendKeyData, wire.Backend, keyData))
				w.WriteMessage(wire.EncodeReadyForQuery(wire.TxIdle))
				w.Flush()

				for {
					msg, err := r.ReadMessage()
					if err != nil {
						return
					}
					if msg.Kind() == wire.KindQuery {
						atomic.AddInt64(queries, 1)
						w.WriteMessage(wire.EncodeCommandComplete("SELECT 1"))
						w.WriteMessage(wire.EncodeReadyForQuery(wire.TxIdle))
						w.Flush()
					}
				}
			}()
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return backend.Address{Host: host, Port: port, Database: "mirror_test", User: "mirror_test"}
}

func testHandler(t *testing.T, exposure float64, queries *int64) *Handler {
	t.Helper()
	addr := fakeMirrorDestination(t, queries)
	pool := backend.NewPool("mirror", addr, backend.PoolConfig{
		Max:             2,
		CheckoutTimeout: time.Second,
		Bannable:        true,
	}, backend.StaticAuthenticator{User: "mirror_test", Database: "mirror_test"}, zap.NewNop())

	h := New(Config{Exposure: exposure, QueueLength: 8}, pool, "mirror_test", nil, zap.NewNop())
	h.Start(context.Background())
	t.Cleanup(h.Stop)
	return h
}

func TestNewRequestAlwaysCountsTotal(t *testing.T) {
	var queries int64
	h := testHandler(t, 0.0, &queries)

	for i := 0; i < 5; i++ {
		h.NewRequest()
	}
	if got := h.Stats().RequestsTotal; got != 5 {
		t.Errorf("RequestsTotal = %d, want 5", got)
	}
	if got := h.Stats().RequestsMirrored; got != 0 {
		t.Errorf("RequestsMirrored = %d, want 0 with exposure 0.0", got)
	}
}

func TestNewRequestNilWhenNotSelected(t *testing.T) {
	var queries int64
	h := testHandler(t, 0.0, &queries)
	if req := h.NewRequest(); req != nil {
		t.Error("expected nil *Request with exposure 0.0")
	}
}

func TestFlushReplaysQueryToDestination(t *testing.T) {
	var queries int64
	h := testHandler(t, 1.0, &queries)

	req := h.NewRequest()
	if req == nil {
		t.Fatal("expected non-nil *Request with exposure 1.0")
	}
	req.Enqueue(wire.EncodeQuery("SELECT 1"))
	req.Flush()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&queries) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt64(&queries) != 1 {
		t.Fatalf("destination received %d queries, want 1", queries)
	}

	stats := h.Stats()
	if stats.RequestsMirrored != 1 {
		t.Errorf("RequestsMirrored = %d, want 1", stats.RequestsMirrored)
	}
}

func TestFlushDropsWhenQueueFull(t *testing.T) {
	var queries int64
	addr := fakeMirrorDestination(t, &queries)
	// Max 0 so Checkout always fails: the worker can never drain the queue, forcing it
	// to fill and exercise the try_send drop path.
	pool := backend.NewPool("mirror", addr, backend.PoolConfig{
		Max:             0,
		CheckoutTimeout: 10 * time.Millisecond,
	}, backend.StaticAuthenticator{User: "mirror_test", Database: "mirror_test"}, zap.NewNop())
	h := New(Config{Exposure: 1.0, QueueLength: 1}, pool, "mirror_test", nil, zap.NewNop())
	h.Start(context.Background())
	t.Cleanup(h.Stop)

	for i := 0; i < 5; i++ {
		req := h.NewRequest()
		req.Enqueue(wire.EncodeQuery("SELECT 1"))
		req.Flush()
	}

	stats := h.Stats()
	if stats.RequestsDropped == 0 {
		t.Error("expected at least one dropped request with a full, undrainable queue")
	}
}

func TestEnqueueRecordsIncreasingDelay(t *testing.T) {
	r := &Request{}
	r.Enqueue(wire.EncodeQuery("SELECT 1"))
	time.Sleep(20 * time.Millisecond)
	r.Enqueue(wire.EncodeQuery("SELECT 2"))

	if len(r.messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(r.messages))
	}
	if r.messages[0].delay != 0 {
		t.Errorf("first message delay = %v, want 0", r.messages[0].delay)
	}
	if r.messages[1].delay < 15*time.Millisecond {
		t.Errorf("second message delay = %v, want >= ~20ms", r.messages[1].delay)
	}
}

func TestNilHandlerNewRequestIsSafe(t *testing.T) {
	var h *Handler
	if req := h.NewRequest(); req != nil {
		t.Error("expected nil *Request from a nil *Handler")
	}
}

func TestNilRequestMethodsAreNoOps(t *testing.T) {
	var r *Request
	r.Enqueue(wire.EncodeQuery("SELECT 1")) // must not panic
	r.Flush()                               // must not panic
}
