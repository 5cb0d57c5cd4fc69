package frontend

import (
	"context"
	"sync"
)

// Maintenance is the proxy-wide flag §4.11 describes: while on, new non-admin client
// requests wait on a shared notifier until it clears; already-in-flight requests proceed
// unaffected.
type Maintenance struct {
	mu     sync.Mutex
	on     bool
	waitCh chan struct{}
}

func NewMaintenance() *Maintenance {
	return &Maintenance{waitCh: make(chan struct{})}
}

func (m *Maintenance) On() {
	m.mu.Lock()
	m.on = true
	m.mu.Unlock()
}

// Off clears the flag and releases every request currently parked in Wait.
func (m *Maintenance) Off() {
	m.mu.Lock()
	if m.on {
		m.on = false
		close(m.waitCh)
		m.waitCh = make(chan struct{})
	}
	m.mu.Unlock()
}

func (m *Maintenance) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on
}

// Wait blocks until maintenance clears, ctx is canceled, or the flag is already off.
func (m *Maintenance) Wait(ctx context.Context) error {
	for {
		m.mu.Lock()
		if !m.on {
			m.mu.Unlock()
			return nil
		}
		ch := m.waitCh
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
