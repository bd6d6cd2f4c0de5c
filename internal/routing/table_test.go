package routing

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"mycorrhizal/internal/crypto"
	"mycorrhizal/internal/transport"
)

func testTransport(hub *transport.Hub, name string) transport.Transport {
	t := hub.NewTransport(transport.Config{Name: name})
	_ = t.Start()
	return t
}

func addr(b byte) crypto.Address {
	var a crypto.Address
	a[0] = b
	return a
}

func TestAddOrUpdateHopMonotonicity(t *testing.T) {
	clk := clock.NewMock()
	hub := transport.NewHub()
	tr := testTransport(hub, "t0")
	table := New(16, time.Hour, clk)

	dest := addr(1)
	via := addr(2)
	if !table.AddOrUpdate(dest, &via, tr, 4) {
		t.Fatalf("initial insert rejected")
	}

	// Strictly worse path is ignored.
	worse := addr(3)
	if table.AddOrUpdate(dest, &worse, tr, 7) {
		t.Fatalf("worse path accepted")
	}
	if e := table.Get(dest); e == nil || e.HopCount != 4 {
		t.Fatalf("route degraded: %+v", e)
	}

	// Equal hops on a different path is ignored; first seen wins.
	other := addr(4)
	if table.AddOrUpdate(dest, &other, tr, 4) {
		t.Fatalf("equal-hop different path accepted")
	}

	// Equal hops on the same path refreshes the timestamp.
	clk.Add(10 * time.Minute)
	if !table.AddOrUpdate(dest, &via, tr, 4) {
		t.Fatalf("same-path refresh rejected")
	}

	// Better path displaces.
	if !table.AddOrUpdate(dest, nil, tr, 0) {
		t.Fatalf("better path rejected")
	}
	e := table.Get(dest)
	if e == nil || e.HopCount != 0 || e.NextHop != nil {
		t.Fatalf("expected direct route, got %+v", e)
	}
}

func TestRouteExpiryOnLookup(t *testing.T) {
	clk := clock.NewMock()
	hub := transport.NewHub()
	tr := testTransport(hub, "t0")
	table := New(16, 30*time.Minute, clk)

	dest := addr(1)
	table.AddOrUpdate(dest, nil, tr, 0)

	clk.Add(29 * time.Minute)
	if table.Get(dest) == nil {
		t.Fatalf("route expired too early")
	}

	clk.Add(2 * time.Minute)
	if table.Get(dest) != nil {
		t.Fatalf("expected route to expire")
	}
	if table.Len() != 0 {
		t.Fatalf("expired route still occupies a slot")
	}
}

func TestRefreshExtendsLifetime(t *testing.T) {
	clk := clock.NewMock()
	hub := transport.NewHub()
	tr := testTransport(hub, "t0")
	table := New(16, 30*time.Minute, clk)

	dest := addr(1)
	table.AddOrUpdate(dest, nil, tr, 0)
	clk.Add(20 * time.Minute)
	table.AddOrUpdate(dest, nil, tr, 0) // refresh
	clk.Add(20 * time.Minute)
	if table.Get(dest) == nil {
		t.Fatalf("refreshed route expired")
	}
}

func TestLRUEviction(t *testing.T) {
	clk := clock.NewMock()
	hub := transport.NewHub()
	tr := testTransport(hub, "t0")
	table := New(3, time.Hour, clk)

	for i := 1; i <= 4; i++ {
		table.AddOrUpdate(addr(byte(i)), nil, tr, 0)
	}
	if table.Len() != 3 {
		t.Fatalf("expected 3 routes, got %d", table.Len())
	}
	if table.Get(addr(1)) != nil {
		t.Fatalf("expected oldest route to be evicted")
	}
	if table.Get(addr(4)) == nil {
		t.Fatalf("expected newest route to survive")
	}
}

func TestCleanupExpired(t *testing.T) {
	clk := clock.NewMock()
	hub := transport.NewHub()
	tr := testTransport(hub, "t0")
	table := New(16, time.Minute, clk)

	for i := 1; i <= 5; i++ {
		table.AddOrUpdate(addr(byte(i)), nil, tr, 0)
	}
	clk.Add(2 * time.Minute)
	if removed := table.CleanupExpired(); removed != 5 {
		t.Fatalf("expected 5 removals, got %d", removed)
	}
	if table.Len() != 0 {
		t.Fatalf("table not empty after cleanup")
	}
}

func TestEntryString(t *testing.T) {
	clk := clock.NewMock()
	hub := transport.NewHub()
	tr := testTransport(hub, "t0")
	table := New(16, time.Hour, clk)
	table.AddOrUpdate(addr(1), nil, tr, 0)
	e := table.Get(addr(1))
	if e == nil {
		t.Fatalf("route missing")
	}
	if s := fmt.Sprint(e); s == "" {
		t.Fatalf("empty string form")
	}
}
