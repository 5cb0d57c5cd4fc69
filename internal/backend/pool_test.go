package backend

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/wire"
)

// fakePostgresServer accepts connections and completes a minimal trust-authentication
// startup handshake (AuthenticationOk, BackendKeyData, ReadyForQuery) on each, enough to
// exercise Pool/Server without a real backend.
func fakePostgresServer(t *testing.T) Address {
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
			go serveFakeConn(conn)
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return Address{Host: host, Port: port, Database: "test", User: "test"}
}

func serveFakeConn(conn net.Conn) {
	defer conn.Close()
	r := wire.NewReader(conn, wire.Frontend)
	w := wire.NewWriter(conn)

	if _, _, err := r.ReadStartup(); err != nil {
		return
	}

	authOK := wire.NewMessage(wire.KindAuthentication, wire.Backend, []byte{0, 0, 0, 0})
	w.WriteMessage(authOK)
	w.WriteMessage(wire.EncodeParameterStatus("server_version", "16.0"))

	keyData := make([]byte, 8)
	binary.BigEndian.PutUint32(keyData[0:4], 1234)
	binary.BigEndian.PutUint32(keyData[4:8], 5678)
	w.WriteMessage(wire.NewMessage(wire.KindBackendKeyData, wire.Backend, keyData))

	w.WriteMessage(wire.EncodeReadyForQuery(wire.TxIdle))
	w.Flush()

	for {
		msg, err := r.ReadMessage()
		if err != nil {
			return
		}
		if msg.Kind() == wire.KindQuery {
			w.WriteMessage(wire.EncodeCommandComplete("SELECT 1"))
			w.WriteMessage(wire.EncodeReadyForQuery(wire.TxIdle))
			w.Flush()
		}
	}
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		Min:               0,
		Max:               2,
		CheckoutTimeout:   200 * time.Millisecond,
		IdleTimeout:       time.Minute,
		HealthcheckPeriod: time.Hour,
		Bannable:          true,
	}
}

func TestPoolCheckoutAndReturn(t *testing.T) {
	addr := fakePostgresServer(t)
	logger := zap.NewNop()
	p := NewPool("test", addr, testPoolConfig(), StaticAuthenticator{User: "test", Database: "test"}, logger)
	p.Start(context.Background())
	t.Cleanup(p.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s, err := p.Checkout(ctx)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if stats := p.Stats(); stats.CheckedOut != 1 {
		t.Errorf("CheckedOut = %d, want 1", stats.CheckedOut)
	}

	p.Return(s)
	if stats := p.Stats(); stats.CheckedOut != 0 || stats.Idle != 1 {
		t.Errorf("after return: stats = %+v", stats)
	}
}

func TestPoolCheckoutRespectsMax(t *testing.T) {
	addr := fakePostgresServer(t)
	logger := zap.NewNop()
	cfg := testPoolConfig()
	cfg.Max = 1
	cfg.CheckoutTimeout = 50 * time.Millisecond
	p := NewPool("test", addr, cfg, StaticAuthenticator{User: "test", Database: "test"}, logger)
	p.Start(context.Background())
	t.Cleanup(p.Stop)

	ctx := context.Background()
	s1, err := p.Checkout(ctx)
	if err != nil {
		t.Fatalf("Checkout 1: %v", err)
	}

	_, err = p.Checkout(ctx)
	if err == nil {
		t.Fatal("expected second checkout to time out while pool is at max and first is held")
	}
	if !strings.Contains(err.Error(), "checkout") {
		t.Errorf("unexpected error: %v", err)
	}

	p.Return(s1)
}

func TestPoolBanPreventsCheckout(t *testing.T) {
	addr := fakePostgresServer(t)
	logger := zap.NewNop()
	p := NewPool("test", addr, testPoolConfig(), StaticAuthenticator{User: "test", Database: "test"}, logger)
	p.Start(context.Background())
	t.Cleanup(p.Stop)

	p.Ban("manual test ban", time.Minute)

	_, err := p.Checkout(context.Background())
	if err == nil {
		t.Fatal("expected checkout to fail while pool is banned")
	}
}
