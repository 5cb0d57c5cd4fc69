// Package netutil implements C2: hostname resolution with a background TTL refresher.
// Literal IP inputs bypass the cache entirely; resolution is idempotent, and two
// concurrent resolves of the same host may each perform a DNS lookup -- the redundant
// cost is tolerated rather than requiring a singleflight.
package netutil

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Resolver performs the actual lookup; production code uses net.DefaultResolver, tests
// inject a fake.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type netResolver struct{}

func (netResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

type entry struct {
	ips       []string
	updatedAt time.Time
}

// Cache resolves and caches hostname -> IP lookups, refreshing every tracked host on a
// cron schedule (robfig/cron) rather than a single long-lived ticker.
type Cache struct {
	resolver Resolver
	ttl      time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[string]entry

	cron *cron.Cron
}

// NewCache builds a DNS cache with the given refresh TTL. Start must be called to begin
// the background refresher; Resolve works standalone without it (first-use population).
func NewCache(ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		resolver: netResolver{},
		ttl:      ttl,
		logger:   logger,
		entries:  make(map[string]entry),
	}
}

// Resolve returns the cached IPs for host, populating the cache on first use. A literal
// IP address is returned unchanged and never cached.
func (c *Cache) Resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	c.mu.RLock()
	e, ok := c.entries[host]
	c.mu.RUnlock()
	if ok {
		return e.ips, nil
	}

	return c.refreshOne(ctx, host)
}

func (c *Cache) refreshOne(ctx context.Context, host string) ([]string, error) {
	ips, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		// A failed refresh keeps whatever value was previously cached, per spec contract.
		c.mu.RLock()
		prev, ok := c.entries[host]
		c.mu.RUnlock()
		if ok {
			return prev.ips, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[host] = entry{ips: ips, updatedAt: time.Now()}
	c.mu.Unlock()
	return ips, nil
}

// Start launches the periodic refresher: every tracked hostname is re-resolved once per
// TTL tick. Failures log a warning and keep the stale value, per spec §4.2.
func (c *Cache) Start(ctx context.Context) error {
	if c.ttl <= 0 {
		return nil
	}
	c.cron = cron.New(cron.WithSeconds())
	spec := "@every " + c.ttl.String()
	_, err := c.cron.AddFunc(spec, func() {
		c.refreshAll(ctx)
	})
	if err != nil {
		return err
	}
	c.cron.Start()
	go func() {
		<-ctx.Done()
		c.cron.Stop()
	}()
	return nil
}

func (c *Cache) refreshAll(ctx context.Context) {
	c.mu.RLock()
	hosts := make([]string, 0, len(c.entries))
	for h := range c.entries {
		hosts = append(hosts, h)
	}
	c.mu.RUnlock()

	for _, h := range hosts {
		if _, err := c.refreshOne(ctx, h); err != nil {
			c.logger.Warn("dns refresh failed, keeping previous value", zap.String("host", h), zap.Error(err))
		}
	}
}
