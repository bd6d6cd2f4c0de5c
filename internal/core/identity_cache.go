// internal/core/identity_cache.go
package core

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"mycorrhizal/internal/crypto"
	"mycorrhizal/internal/transport"
)

const DefaultMaxCacheEntries = 1000

// IdentityCache stores public identities learned from announces, bounded by
// LRU eviction. The receiving transport is remembered as a return-path hint
// only; routing decisions come from the route table.
type IdentityCache struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries *lru.Cache[crypto.Address, *cacheEntry]
}

type cacheEntry struct {
	identity *crypto.PublicIdentity
	lastSeen time.Time
	via      transport.Transport
}

func NewIdentityCache(maxEntries int, clk clock.Clock) *IdentityCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxCacheEntries
	}
	if clk == nil {
		clk = clock.New()
	}
	entries, _ := lru.New[crypto.Address, *cacheEntry](maxEntries)
	return &IdentityCache{clk: clk, entries: entries}
}

// Add inserts or refreshes an identity, evicting the least recently used
// entry when at capacity. Both Add and Get count as a use.
func (c *IdentityCache) Add(addr crypto.Address, pub *crypto.PublicIdentity, via transport.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(addr, &cacheEntry{identity: pub, lastSeen: c.clk.Now(), via: via})
}

func (c *IdentityCache) Get(addr crypto.Address) *crypto.PublicIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.Get(addr); ok {
		return e.identity
	}
	return nil
}

// ReceivingTransport is the interface we last heard this node on.
func (c *IdentityCache) ReceivingTransport(addr crypto.Address) transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.Peek(addr); ok {
		return e.via
	}
	return nil
}

func (c *IdentityCache) Has(addr crypto.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Contains(addr)
}

func (c *IdentityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// FindSigner scans cached identities for one the predicate accepts. Used to
// attribute signed DATA packets, which carry no source on the wire.
func (c *IdentityCache) FindSigner(accept func(*crypto.PublicIdentity) bool) (crypto.Address, *crypto.PublicIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, addr := range c.entries.Keys() {
		if e, ok := c.entries.Peek(addr); ok && accept(e.identity) {
			return addr, e.identity
		}
	}
	return crypto.Address{}, nil
}
