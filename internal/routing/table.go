// internal/routing/table.go

// Package routing stores announce-derived paths to remote nodes.
package routing

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"mycorrhizal/internal/crypto"
	"mycorrhizal/internal/transport"
)

const (
	DefaultMaxRoutes = 1000
	DefaultTimeout   = 30 * time.Minute
)

// Entry is one route. A nil NextHop means the destination is a direct
// neighbour. Transport is the interface the announce arrived on and the one
// forwarding uses.
type Entry struct {
	Destination crypto.Address
	NextHop     *crypto.Address
	Transport   transport.Transport
	HopCount    uint8
	LastRefresh time.Time
}

func (e *Entry) String() string {
	via := "direct"
	if e.NextHop != nil {
		via = e.NextHop.Short()
	}
	return fmt.Sprintf("Route(%s via %s, hops=%d, if=%s)",
		e.Destination.Short(), via, e.HopCount, e.Transport.Name())
}

// Table is a capacity-bounded, TTL-aged route store. For a destination only
// the fewest-hop route is kept; equal-hop re-announcements on the same path
// refresh the timestamp; strictly worse paths are ignored.
type Table struct {
	mu      sync.Mutex
	clk     clock.Clock
	timeout time.Duration
	routes  *lru.Cache[crypto.Address, *Entry]
}

func New(maxRoutes int, timeout time.Duration, clk clock.Clock) *Table {
	if maxRoutes <= 0 {
		maxRoutes = DefaultMaxRoutes
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	routes, _ := lru.New[crypto.Address, *Entry](maxRoutes)
	return &Table{clk: clk, timeout: timeout, routes: routes}
}

// AddOrUpdate applies the hop-monotonic update rule. Returns whether the
// table changed (including a pure timestamp refresh).
func (t *Table) AddOrUpdate(dest crypto.Address, nextHop *crypto.Address, tr transport.Transport, hops uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	if existing, ok := t.routes.Get(dest); ok {
		switch {
		case hops < existing.HopCount:
			t.routes.Add(dest, &Entry{
				Destination: dest,
				NextHop:     nextHop,
				Transport:   tr,
				HopCount:    hops,
				LastRefresh: now,
			})
			return true
		case hops == existing.HopCount && addrEqual(nextHop, existing.NextHop):
			existing.LastRefresh = now
			return true
		default:
			return false
		}
	}

	t.routes.Add(dest, &Entry{
		Destination: dest,
		NextHop:     nextHop,
		Transport:   tr,
		HopCount:    hops,
		LastRefresh: now,
	})
	return true
}

// Get returns the route to dest, removing and hiding it when aged out.
func (t *Table) Get(dest crypto.Address) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.routes.Get(dest)
	if !ok {
		return nil
	}
	if t.clk.Now().Sub(e.LastRefresh) > t.timeout {
		t.routes.Remove(dest)
		return nil
	}
	cp := *e
	return &cp
}

func (t *Table) Remove(dest crypto.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes.Remove(dest)
}

// CleanupExpired sweeps aged routes. Get already hides them; this just
// reclaims the slots.
func (t *Table) CleanupExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	removed := 0
	for _, dest := range t.routes.Keys() {
		if e, ok := t.routes.Peek(dest); ok && now.Sub(e.LastRefresh) > t.timeout {
			t.routes.Remove(dest)
			removed++
		}
	}
	return removed
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.routes.Len()
}

// Entries snapshots the table for stats output.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, t.routes.Len())
	for _, dest := range t.routes.Keys() {
		if e, ok := t.routes.Peek(dest); ok {
			out = append(out, *e)
		}
	}
	return out
}

func addrEqual(a, b *crypto.Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
