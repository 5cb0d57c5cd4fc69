package frontend

import (
	"crypto/rand"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pgdogdev/pgdog-sub003/internal/backend"
	"github.com/pgdogdev/pgdog-sub003/internal/wire"
)

// The cancel-key registry is process-wide: a CancelRequest arrives on a brand-new
// connection carrying the (backendPID, secret) pair the proxy itself handed out at
// BackendKeyData time, with no other identifying information, so looking up the target
// session has to go through a global table keyed on that pair.
var (
	cancelMu  sync.Mutex
	cancelMap = make(map[[2]int32]*Session)
	cancelSeq int32
)

// registerCancelKey mints a fresh (pid, secret) pair for sess and records it, returning
// the pair to send the client in BackendKeyData.
func registerCancelKey(sess *Session) (pid, secret int32) {
	pid = atomic.AddInt32(&cancelSeq, 1)
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	secret = int32(buf[0])<<24 | int32(buf[1])<<16 | int32(buf[2])<<8 | int32(buf[3])
	if secret < 0 {
		secret = -secret
	}

	cancelMu.Lock()
	cancelMap[[2]int32{pid, secret}] = sess
	cancelMu.Unlock()
	return pid, secret
}

func unregisterCancelKey(pid, secret int32) {
	cancelMu.Lock()
	delete(cancelMap, [2]int32{pid, secret})
	cancelMu.Unlock()
}

func lookupCancelKey(pid, secret int32) (*Session, bool) {
	cancelMu.Lock()
	defer cancelMu.Unlock()
	sess, ok := cancelMap[[2]int32{pid, secret}]
	return sess, ok
}

// sendCancelRequest implements the real Postgres CancelRequest wire protocol: dial a new
// connection to the target backend and send the 16-byte pseudo-startup packet (length,
// code, pid, secret), then close without waiting for a reply -- the server never sends
// one.
func sendCancelRequest(addr backend.Address, pid, secret int32) {
	conn, err := net.Dial("tcp", netAddrString(addr))
	if err != nil {
		return
	}
	defer conn.Close()

	body := make([]byte, 8)
	putInt32(body[0:4], pid)
	putInt32(body[4:8], secret)

	w := wire.NewWriter(conn)
	var payload []byte
	var codeBuf [4]byte
	putInt32(codeBuf[:], int32(wire.CancelRequestCode))
	payload = append(payload, codeBuf[:]...)
	payload = append(payload, body...)
	_ = w.WriteMessage(wire.NewStartup(payload))
	_ = w.Flush()
}

func netAddrString(a backend.Address) string {
	port := a.Port
	if port == 0 {
		port = 5432
	}
	return a.Host + ":" + portDigits(port)
}

func portDigits(p int) string {
	if p == 0 {
		return "5432"
	}
	var buf [6]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = byte('0' + p%10)
		p /= 10
	}
	return string(buf[i:])
}

func putInt32(dst []byte, v int32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}
