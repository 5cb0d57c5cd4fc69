package backend

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/netutil"
	"github.com/pgdogdev/pgdog-sub003/internal/wireerr"
)

// PoolConfig mirrors a pattern of fixed tunables on db.SetMaxOpenConns/
// SetMaxIdleConns/SetConnMaxLifetime, generalized to the knobs §4.4 names.
type PoolConfig struct {
	Min               int
	Max               int
	CheckoutTimeout   time.Duration
	IdleTimeout       time.Duration
	MaxAge            time.Duration
	HealthcheckPeriod time.Duration
	BanTimeout        time.Duration
	Bannable          bool
}

// Pool is a bounded set of Server connections to a single backend endpoint: one pool per
// (shard, role) pair. It implements the checkout/return algorithm of §4.4.
type Pool struct {
	Name string
	Addr Address

	cfg    PoolConfig
	auth   Authenticator
	logger *zap.Logger

	resolver *netutil.Cache // optional; nil means dial Addr.Host as-is

	mu        sync.Mutex
	idle      []*Server
	checkedOut int
	total      int
	waiters    []chan struct{}

	ban BanBox

	closed bool
	cron   chan struct{}
}

// NewPool constructs an (initially empty, lazily filled) pool. Background maintenance
// (idle eviction, max_age eviction) is started by calling Start; no healthcheck query is
// issued against idle connections.
func NewPool(name string, addr Address, cfg PoolConfig, auth Authenticator, logger *zap.Logger) *Pool {
	return &Pool{
		Name:   name,
		Addr:   addr,
		cfg:    cfg,
		auth:   auth,
		logger: logger,
		cron:   make(chan struct{}),
	}
}

// WithResolver attaches a shared DNS cache (C2) that every dial performed by this pool
// resolves Addr.Host through, instead of leaving that to net.Dialer/the OS resolver.
// Literal IPs pass through the cache unchanged, so tests that dial 127.0.0.1 directly
// need not call this.
func (p *Pool) WithResolver(r *netutil.Cache) *Pool {
	p.resolver = r
	return p
}

// dialAddr resolves Addr.Host through the pool's cache, if one is attached, returning an
// Address whose Host is a concrete IP ready to hand to net.Dialer.
func (p *Pool) dialAddr(ctx context.Context) (Address, error) {
	if p.resolver == nil {
		return p.Addr, nil
	}
	ips, err := p.resolver.Resolve(ctx, p.Addr.Host)
	if err != nil || len(ips) == 0 {
		return Address{}, wireerr.Connect(err)
	}
	addr := p.Addr
	addr.Host = ips[0]
	return addr, nil
}

// Start launches the background maintenance loop and pre-warms Min connections.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Min; i++ {
		if s, err := p.dial(ctx); err == nil {
			p.mu.Lock()
			p.idle = append(p.idle, s)
			p.mu.Unlock()
		} else {
			p.logger.Warn("pool prewarm failed", zap.String("pool", p.Name), zap.Error(err))
		}
	}

	go p.maintain(ctx)
}

func (p *Pool) dial(ctx context.Context) (*Server, error) {
	addr, err := p.dialAddr(ctx)
	if err != nil {
		return nil, err
	}
	s, err := Connect(ctx, addr, p.auth, p.logger)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.total++
	p.mu.Unlock()
	return s, nil
}

// Checkout implements §4.4's steps: (1) reject if banned, (2) pop a healthy idle
// connection if one exists, (3) open a new one if under Max, (4) otherwise wait for a
// return or CheckoutTimeout, (5) time out with a typed error.
func (p *Pool) Checkout(ctx context.Context) (*Server, error) {
	if ban, active := p.ban.Active(); active {
		return nil, wireerr.PoolBanned(ban.Reason)
	}

	for {
		p.mu.Lock()
		for len(p.idle) > 0 {
			s := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if p.cfg.MaxAge > 0 && s.Age() > p.cfg.MaxAge {
				p.total--
				p.mu.Unlock()
				s.Close()
				p.mu.Lock()
				continue
			}
			p.checkedOut++
			p.mu.Unlock()
			s.mu.Lock()
			s.pool = p
			s.mu.Unlock()
			s.MarkUsed()
			s.SetState(StateActive)
			return s, nil
		}

		if p.total < p.cfg.Max {
			p.total++
			p.mu.Unlock()
			addr, err := p.dialAddr(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, err
			}
			s, err := Connect(ctx, addr, p.auth, p.logger)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, err
			}
			p.mu.Lock()
			p.checkedOut++
			p.mu.Unlock()
			s.mu.Lock()
			s.pool = p
			s.mu.Unlock()
			s.MarkUsed()
			s.SetState(StateActive)
			return s, nil
		}

		wake := make(chan struct{})
		p.waiters = append(p.waiters, wake)
		p.mu.Unlock()

		timeout := p.cfg.CheckoutTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		timer := time.NewTimer(timeout)
		select {
		case <-wake:
			timer.Stop()
			continue
		case <-timer.C:
			return nil, wireerr.CheckoutTimeout()
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Return gives a connection back to the pool per §4.4's return algorithm: connections that
// are dirty (mid-transaction, changed params, still streaming) are reset by the caller
// before calling Return; Return itself only decides keep-vs-close based on pool shape and
// closes anything that can't be reused (force-closed, over max_age, pool at capacity).
func (p *Pool) Return(s *Server) {
	p.mu.Lock()
	p.checkedOut--

	closeIt := s.State() == StateForceClose || s.State() == StateError ||
		(p.cfg.MaxAge > 0 && s.Age() > p.cfg.MaxAge) ||
		len(p.idle) >= p.cfg.Max

	if closeIt {
		p.total--
		p.mu.Unlock()
		s.Close()
	} else {
		s.SetState(StateIdle)
		p.idle = append(p.idle, s)
		p.mu.Unlock()
	}

	p.wakeOne()
}

func (p *Pool) wakeOne() {
	p.mu.Lock()
	if len(p.waiters) == 0 {
		p.mu.Unlock()
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.mu.Unlock()
	close(w)
}

// Ban takes this pool out of rotation for d, idempotently within the existing window.
func (p *Pool) Ban(reason string, d time.Duration) {
	if !p.cfg.Bannable {
		return
	}
	p.ban.Set(reason, d)
	p.logger.Warn("pool banned", zap.String("pool", p.Name), zap.String("reason", reason))
}

func (p *Pool) Unban() { p.ban.Clear() }

// Stats is a point-in-time snapshot for the admin surface and metrics.
type Stats struct {
	Idle       int
	CheckedOut int
	Total      int
	Banned     bool
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, banned := p.ban.Active()
	return Stats{Idle: len(p.idle), CheckedOut: p.checkedOut, Total: p.total, Banned: banned}
}

// maintain runs idle-eviction and max_age-eviction on a ticker-plus-ctx.Done loop, ticking
// every HealthcheckPeriod. The sweep sends nothing to the backend: idle connections are not
// health-checked and a failing backend is not banned from here.
func (p *Pool) maintain(ctx context.Context) {
	period := p.cfg.HealthcheckPeriod
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep(ctx)
		case <-ctx.Done():
			p.closeAll()
			return
		case <-p.cron:
			return
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	p.mu.Lock()
	var keep []*Server
	var evict []*Server
	for _, s := range p.idle {
		expired := p.cfg.IdleTimeout > 0 && s.IdleFor() > p.cfg.IdleTimeout
		aged := p.cfg.MaxAge > 0 && s.Age() > p.cfg.MaxAge
		if expired || aged {
			evict = append(evict, s)
		} else {
			keep = append(keep, s)
		}
	}
	p.idle = keep
	p.total -= len(evict)
	p.mu.Unlock()

	for _, s := range evict {
		s.Close()
	}
}

func (p *Pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, s := range p.idle {
		s.Close()
	}
	p.idle = nil
}

// Stop halts the maintenance loop without waiting for ctx cancellation (used on
// config-driven pool teardown, e.g. a shard removed from a reloaded Schema).
func (p *Pool) Stop() {
	select {
	case <-p.cron:
	default:
		close(p.cron)
	}
	p.closeAll()
}
