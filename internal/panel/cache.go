package panel

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// DefaultInfoTTL is how long inbound metadata is served from memory.
const DefaultInfoTTL = 60 * time.Second

// InboundSource fetches the configured inbound.
type InboundSource interface {
	Inbound(ctx context.Context) (*Inbound, error)
}

// InfoCache memoises the inbound for client config rendering, where
// protocol, port and stream settings matter but live counters do not.
// A failed refresh keeps serving the previous value.
type InfoCache struct {
	src   InboundSource
	clock quartz.Clock
	ttl   time.Duration

	mu      sync.Mutex
	cached  *Inbound
	fetched time.Time
}

// NewInfoCache creates a cache. A non-positive ttl uses DefaultInfoTTL and
// a nil clock uses the wall clock.
func NewInfoCache(src InboundSource, clock quartz.Clock, ttl time.Duration) *InfoCache {
	if ttl <= 0 {
		ttl = DefaultInfoTTL
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &InfoCache{src: src, clock: clock, ttl: ttl}
}

// Get returns the cached inbound, refreshing it when older than the TTL.
func (c *InfoCache) Get(ctx context.Context) (*Inbound, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.clock.Since(c.fetched, "panel", "info") < c.ttl {
		return c.cached, nil
	}
	in, err := c.src.Inbound(ctx)
	if err != nil {
		if c.cached != nil {
			return c.cached, nil
		}
		return nil, err
	}
	c.cached = in
	c.fetched = c.clock.Now("panel", "info")
	return in, nil
}

// Invalidate drops the cached value.
func (c *InfoCache) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}
