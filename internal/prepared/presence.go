package prepared

import (
	"sync"

	"github.com/pgdogdev/pgdog-sub003/internal/wire"
)

// Presence tracks which global statement names a single server connection has actually
// Parse'd, per §4.10's per-server layer. backend.Server already has a
// PreparedStatementsPresent set for this purpose; Presence wraps the same pattern for
// callers (the session/coordinator) that only have a generic io sink, not a *backend.Server.
type Presence struct {
	mu      sync.Mutex
	present map[string]struct{}
	mustResync bool
}

func NewPresence() *Presence {
	return &Presence{present: make(map[string]struct{})}
}

func (p *Presence) Has(globalName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.present[globalName]
	return ok
}

func (p *Presence) Mark(globalName string) {
	p.mu.Lock()
	p.present[globalName] = struct{}{}
	p.mu.Unlock()
}

func (p *Presence) Forget(globalName string) {
	p.mu.Lock()
	delete(p.present, globalName)
	p.mu.Unlock()
}

// MarkMustResync flags the connection as needing a prepared-statement reconciliation on
// its next idle transition, per §4.10's invalidation rule (ErrorResponse 0A000, or a
// CommandComplete for DEALLOCATE/PREPARE).
func (p *Presence) MarkMustResync() {
	p.mu.Lock()
	p.mustResync = true
	p.mu.Unlock()
}

// TakeResyncFlag reports and clears the must-resync flag; called on the session's
// Idle transition so it can query the server's own prepared-statement view and
// reconcile this Presence set against it.
func (p *Presence) TakeResyncFlag() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.mustResync
	p.mustResync = false
	return v
}

// Reset clears every tracked name, used when the underlying connection is replaced.
func (p *Presence) Reset() {
	p.mu.Lock()
	p.present = make(map[string]struct{})
	p.mu.Unlock()
}

// NeedsInvalidation inspects a backend reply message for §4.10's two invalidation
// triggers and marks resync if either fires.
func NeedsInvalidation(p *Presence, msg wire.Message) {
	switch msg.Kind() {
	case wire.KindErrorResponse:
		fields, err := wire.DecodeErrorResponse(msg)
		if err == nil && fields[byte(wire.FieldCode)] == "0A000" {
			p.MarkMustResync()
		}
	case wire.KindCommandComplete:
		v, err := wire.DecodeCommandComplete(msg)
		if err == nil && (hasPrefix(v.Tag, "DEALLOCATE") || hasPrefix(v.Tag, "PREPARE")) {
			p.MarkMustResync()
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
