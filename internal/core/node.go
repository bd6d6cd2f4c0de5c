// internal/core/node.go

// Package core glues the stack together: it owns the identity, the caches,
// the route table and the attached transports, and runs the inbound
// dispatch pipeline.
package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"mycorrhizal/internal/crypto"
	"mycorrhizal/internal/debuglog"
	"mycorrhizal/internal/messaging"
	"mycorrhizal/internal/metrics"
	"mycorrhizal/internal/routing"
	"mycorrhizal/internal/transport"
	"mycorrhizal/internal/wire"
)

const (
	DefaultAnnounceInterval = 300 * time.Second
	DefaultMaxHops          = 128

	// boundaryHopLimit is the highest hop count a BOUNDARY interface will
	// still forward; announces from further away stay on their own side.
	boundaryHopLimit = 3

	tickInterval = time.Second
)

var (
	ErrNoTransport = errors.New("no online transport")
	ErrUnknownPeer = errors.New("peer identity not cached")
)

// Options configure a node. Zero values fall back to defaults.
type Options struct {
	Name                   string
	AnnounceInterval       time.Duration
	MaxHops                uint8
	RouteTimeout           time.Duration
	TransferTimeout        time.Duration
	MaxConcurrentTransfers int
	MaxCacheEntries        int
	DedupeWindow           int
	DisableForwarding      bool
	AutoJoinInvites        bool
	// FragmentPacing inserts an idle gap between outbound fragments on
	// slow links. Zero disables pacing.
	FragmentPacing time.Duration
	// CooperativePoll disables the background tick goroutine; the caller
	// drives the node by calling Poll.
	CooperativePoll bool
	Clock           clock.Clock
	Metrics         *metrics.Metrics
}

// Hooks are the user-facing event callbacks. They are invoked outside the
// node's dispatch lock and must not block.
type Hooks struct {
	OnData             func(payload []byte, source *crypto.Address, pkt *wire.Packet)
	OnAnnounce         func(pkt *wire.Packet, pub *crypto.PublicIdentity)
	OnFileReceived     func(id wire.TransferID, data []byte, meta map[string]string, sender *crypto.Address)
	OnTransferProgress func(id wire.TransferID, received, expected int)
	OnColonyJoined     func(colony *messaging.Colony)
}

// Node is a Mycorrhizal network node.
type Node struct {
	identity *crypto.Identity
	address  crypto.Address
	opts     Options
	hooks    Hooks
	clk      clock.Clock
	metrics  *metrics.Metrics

	mu         sync.Mutex
	transports []transport.Transport
	dedupe     *dedupe
	colonies   map[messaging.ColonyID]*messaging.Colony
	transfers  *TransferManager
	post       []func() // callbacks and sends staged during a locked dispatch

	cache  *IdentityCache
	routes *routing.Table

	announcing   bool
	lastAnnounce time.Time

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewNode(identity *crypto.Identity, opts Options, hooks Hooks) *Node {
	if opts.Name == "" {
		opts.Name = "node"
	}
	if opts.AnnounceInterval <= 0 {
		opts.AnnounceInterval = DefaultAnnounceInterval
	}
	if opts.MaxHops == 0 {
		opts.MaxHops = DefaultMaxHops
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	n := &Node{
		identity: identity,
		address:  identity.Address(),
		opts:     opts,
		hooks:    hooks,
		clk:      opts.Clock,
		metrics:  opts.Metrics,
		dedupe:   newDedupe(opts.DedupeWindow),
		colonies: make(map[messaging.ColonyID]*messaging.Colony),
		cache:    NewIdentityCache(opts.MaxCacheEntries, opts.Clock),
		routes:   routing.New(opts.MaxCacheEntries, opts.RouteTimeout, opts.Clock),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	n.transfers = NewTransferManager(opts.MaxConcurrentTransfers, opts.TransferTimeout, opts.Clock, opts.Metrics)
	n.transfers.OnComplete(func(id wire.TransferID, data []byte, meta map[string]string, sender *crypto.Address) {
		if n.hooks.OnFileReceived != nil {
			n.stage(func() { n.hooks.OnFileReceived(id, data, meta, sender) })
		}
	})
	n.transfers.OnProgress(func(id wire.TransferID, received, expected int) {
		if n.hooks.OnTransferProgress != nil {
			n.stage(func() { n.hooks.OnTransferProgress(id, received, expected) })
		}
	})
	return n
}

func (n *Node) LocalAddress() crypto.Address  { return n.address }
func (n *Node) Identity() *crypto.Identity    { return n.identity }
func (n *Node) IdentityCache() *IdentityCache { return n.cache }
func (n *Node) Routes() *routing.Table        { return n.routes }
func (n *Node) Metrics() *metrics.Metrics     { return n.metrics }
func (n *Node) Transfers() *TransferManager   { return n.transfers }

// AttachTransport registers a transport and wires its receive callback into
// the dispatch pipeline. Attach before Start.
func (n *Node) AttachTransport(t transport.Transport) {
	t.SetReceiveFunc(n.handleFrame)
	n.mu.Lock()
	n.transports = append(n.transports, t)
	n.mu.Unlock()
}

// Start brings transports online and, unless CooperativePoll is set, spawns
// the periodic tick goroutine.
func (n *Node) Start(autoAnnounce bool) error {
	n.mu.Lock()
	transports := append([]transport.Transport(nil), n.transports...)
	n.mu.Unlock()

	started := 0
	for _, t := range transports {
		if err := t.Start(); err != nil {
			debuglog.Logf("node %s: transport %s failed to start: %v", n.opts.Name, t.Name(), err)
			continue
		}
		started++
	}
	if started == 0 && len(transports) > 0 {
		return ErrNoTransport
	}

	if autoAnnounce {
		n.mu.Lock()
		n.announcing = true
		n.lastAnnounce = n.clk.Now()
		n.mu.Unlock()
		if err := n.Announce(); err != nil {
			debuglog.Debugf("node %s: initial announce failed: %v", n.opts.Name, err)
		}
	}

	n.mu.Lock()
	n.started = true
	n.mu.Unlock()
	if !n.opts.CooperativePoll {
		go n.tickLoop()
	} else {
		close(n.done)
	}
	return nil
}

func (n *Node) tickLoop() {
	defer close(n.done)
	ticker := n.clk.Ticker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.Poll()
		}
	}
}

// Poll services the periodic work: announce queues, transfer expiry, route
// sweep and the self-announce timer. Cooperative deployments call this from
// their main loop; threaded deployments get it from the tick goroutine.
func (n *Node) Poll() {
	n.mu.Lock()
	transports := append([]transport.Transport(nil), n.transports...)
	n.transfers.Sweep()
	announceDue := n.announcing && n.clk.Now().Sub(n.lastAnnounce) >= n.opts.AnnounceInterval
	n.mu.Unlock()

	for _, t := range transports {
		t.ServiceAnnounceQueue()
	}
	n.routes.CleanupExpired()

	if announceDue {
		if err := n.Announce(); err != nil {
			debuglog.Debugf("node %s: periodic announce failed: %v", n.opts.Name, err)
		}
	}
}

// Stop tears down the tick goroutine and all transports.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
	})
	n.mu.Lock()
	started := n.started
	n.mu.Unlock()
	if started {
		<-n.done
	}

	n.mu.Lock()
	transports := append([]transport.Transport(nil), n.transports...)
	n.announcing = false
	n.mu.Unlock()
	for _, t := range transports {
		if err := t.Stop(); err != nil {
			debuglog.Debugf("node %s: transport %s stop: %v", n.opts.Name, t.Name(), err)
		}
	}
}

// -----------------------------------------------------------------------------
// Outbound
// -----------------------------------------------------------------------------

// Send builds, optionally signs and transmits a DATA packet. With a live
// route the packet goes out that interface; otherwise it is flooded on every
// online transport.
func (n *Node) Send(dest crypto.Address, payload []byte, sign bool, flags wire.Flags) error {
	pkt, err := wire.New(wire.TypeData, dest, payload, flags)
	if err != nil {
		return err
	}
	pkt.TTL = n.opts.MaxHops
	if sign {
		pkt.Sign(n.identity)
	}
	frame := pkt.Encode()

	if route := n.routes.Get(dest); route != nil && route.Transport.Online() {
		if err := route.Transport.Send(frame); err == nil {
			n.metrics.IncFramesOut()
			return nil
		}
		// Route transport refused the frame; fall back to flooding.
	}
	return n.broadcast(frame)
}

// SendData sends a signed DATA packet.
func (n *Node) SendData(dest crypto.Address, payload []byte) error {
	return n.Send(dest, payload, true, 0)
}

// Announce broadcasts our public keys on every online transport.
func (n *Node) Announce() error {
	pkt, err := wire.New(wire.TypeAnnounce, n.address, wire.AnnouncePayload(n.identity.Public()), 0)
	if err != nil {
		return err
	}
	pkt.TTL = n.opts.MaxHops
	pkt.Sign(n.identity)

	n.mu.Lock()
	n.lastAnnounce = n.clk.Now()
	n.mu.Unlock()

	debuglog.Debugf("node %s: announcing %s", n.opts.Name, n.address.Short())
	return n.broadcast(pkt.Encode())
}

// broadcast transmits a frame on every online transport.
func (n *Node) broadcast(frame []byte) error {
	n.mu.Lock()
	transports := append([]transport.Transport(nil), n.transports...)
	n.mu.Unlock()

	sent := false
	for _, t := range transports {
		if !t.Online() {
			continue
		}
		if err := t.Send(frame); err == nil {
			sent = true
		}
	}
	if !sent {
		return ErrNoTransport
	}
	n.metrics.IncFramesOut()
	return nil
}

// SendFile fragments data and sends each fragment as a signed DATA packet.
// Metadata always carries the size; filename and mime type are optional.
func (n *Node) SendFile(dest crypto.Address, data []byte, filename, mimeType string) (wire.TransferID, error) {
	meta := map[string]string{"size": fmt.Sprintf("%d", len(data))}
	if filename != "" {
		meta["filename"] = filename
	}
	if mimeType != "" {
		meta["mime_type"] = mimeType
	}

	frags, id, err := wire.Split(data, meta, n.clk.Now().UnixMilli())
	if err != nil {
		return wire.TransferID{}, err
	}
	debuglog.Debugf("node %s: sending %d bytes in %d fragments (%s)",
		n.opts.Name, len(data), len(frags), id.Short())

	for i, frag := range frags {
		if err := n.Send(dest, frag.Encode(), true, wire.FlagFragmented); err != nil {
			return id, err
		}
		if n.opts.FragmentPacing > 0 && i < len(frags)-1 {
			n.clk.Sleep(n.opts.FragmentPacing)
		}
	}
	return id, nil
}

// OpenChannel builds an encrypted 1:1 channel to a peer whose identity we
// have cached.
func (n *Node) OpenChannel(dest crypto.Address) (*messaging.Channel, error) {
	pub := n.cache.Get(dest)
	if pub == nil {
		return nil, ErrUnknownPeer
	}
	return messaging.NewChannel(pub, n.identity, n), nil
}

// CreateColony starts a new colony with a fresh group key.
func (n *Node) CreateColony(name string) (*messaging.Colony, error) {
	colony, err := messaging.NewColony(name, n.identity, n)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.colonies[colony.ID()] = colony
	n.mu.Unlock()
	return colony, nil
}

// JoinColony joins an existing colony from shared key material.
func (n *Node) JoinColony(km messaging.KeyMaterial) (*messaging.Colony, error) {
	colony, err := messaging.FromKeyMaterial(km, n)
	if err != nil {
		return nil, err
	}
	colony.AddMember(n.address, n.identity.Public(), n.opts.Name)
	n.mu.Lock()
	n.colonies[colony.ID()] = colony
	n.mu.Unlock()
	return colony, nil
}

func (n *Node) Colony(id messaging.ColonyID) *messaging.Colony {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.colonies[id]
}

// -----------------------------------------------------------------------------
// Inbound
// -----------------------------------------------------------------------------

// stage queues work to run after the dispatch lock is released. Must be
// called with n.mu held.
func (n *Node) stage(fn func()) {
	n.post = append(n.post, fn)
}

// handleFrame is the receive callback every transport invokes. The whole
// dispatch runs under the node mutex; user callbacks and physical
// transmissions are staged and run after the lock is released.
func (n *Node) handleFrame(frame []byte, from transport.Transport) {
	n.metrics.IncFramesIn()

	n.mu.Lock()
	n.processFrame(frame, from)
	staged := n.post
	n.post = nil
	n.mu.Unlock()

	for _, fn := range staged {
		fn()
	}
}

// processFrame runs with n.mu held.
func (n *Node) processFrame(frame []byte, from transport.Transport) {
	if n.dedupe.Seen(frame) {
		n.metrics.IncDropDuplicate()
		return
	}

	pkt, err := wire.Decode(frame)
	if err != nil {
		n.metrics.IncDropInvalid()
		debuglog.Debugf("node %s: dropping frame from %s: %v", n.opts.Name, from.Name(), err)
		return
	}

	// Announces are broadcast: handle regardless of destination, then
	// forward accepted ones for path discovery.
	if pkt.Type == wire.TypeAnnounce {
		if n.handleAnnounce(pkt, from) && !n.opts.DisableForwarding && pkt.HopCount < n.opts.MaxHops {
			n.forwardAnnounce(pkt, from)
		}
		return
	}

	if pkt.Destination != n.address {
		if !n.opts.DisableForwarding && pkt.HopCount < n.opts.MaxHops {
			n.forwardData(pkt, from)
		} else {
			n.metrics.IncDropTTL()
		}
		return
	}

	switch pkt.Type {
	case wire.TypeData:
		n.handleData(pkt)
	default:
		// PATH_REQUEST, PATH_RESPONSE, ACK and KEEPALIVE are reserved
		// type codes with no core semantics.
		n.metrics.IncDropUnhandled()
	}
}

// handleAnnounce validates and ingests an announce: signature over the
// canonical view, address binding, identity cache, route table. Reports
// whether the announce was accepted.
func (n *Node) handleAnnounce(pkt *wire.Packet, from transport.Transport) bool {
	if pkt.Destination == n.address {
		return false // our own announce echoed back
	}
	n.metrics.IncAnnouncesIn()

	pub, err := wire.ParseAnnouncePayload(pkt.Payload)
	if err != nil {
		n.metrics.IncDropInvalid()
		return false
	}
	if !pkt.Verify(pub) {
		n.metrics.IncDropVerifyFail()
		debuglog.Debugf("node %s: bad announce signature for %s", n.opts.Name, pkt.Destination.Short())
		return false
	}
	if pub.Address() != pkt.Destination {
		n.metrics.IncDropInvalid()
		debuglog.Debugf("node %s: announce address mismatch", n.opts.Name)
		return false
	}

	n.cache.Add(pkt.Destination, pub, from)

	// hop_count == 0 means the announcer is a direct neighbour.
	var nextHop *crypto.Address
	if pkt.HopCount > 0 {
		dest := pkt.Destination
		nextHop = &dest
	}
	n.routes.AddOrUpdate(pkt.Destination, nextHop, from, pkt.HopCount)

	n.metrics.Recent().Add(metrics.AnnounceHeader{
		Address:  pkt.Destination.Hex(),
		HopCount: pkt.HopCount,
		Via:      from.Name(),
	})
	debuglog.Debugf("node %s: announce from %s via %s (hops=%d)",
		n.opts.Name, pkt.Destination.Short(), from.Name(), pkt.HopCount)

	if n.hooks.OnAnnounce != nil {
		p, id := pkt, pub
		n.stage(func() { n.hooks.OnAnnounce(p, id) })
	}
	return true
}

// forwardAnnounce queues the announce on every other eligible interface.
// The queue transmits within the per-interface announce budget.
func (n *Node) forwardAnnounce(pkt *wire.Packet, from transport.Transport) {
	if pkt.Destination == n.address {
		return
	}
	pkt.IncrementHop()
	if pkt.HopCount >= n.opts.MaxHops {
		n.metrics.IncDropTTL()
		return
	}
	frame := pkt.Encode()

	for _, t := range n.transports {
		if t == from || !t.Online() {
			continue
		}
		switch t.Mode() {
		case transport.ModeAccessPoint:
			continue
		case transport.ModeBoundary:
			if pkt.HopCount > boundaryHopLimit {
				continue
			}
		}
		t.EnqueueAnnounce(frame, pkt.HopCount)
		n.metrics.IncAnnouncesForwarded()
	}
}

// forwardData relays a unicast packet along its route. Without a route the
// packet is dropped; only the originator may flood.
func (n *Node) forwardData(pkt *wire.Packet, from transport.Transport) {
	pkt.IncrementHop()
	if pkt.HopCount >= n.opts.MaxHops {
		n.metrics.IncDropTTL()
		return
	}
	route := n.routes.Get(pkt.Destination)
	if route == nil || !route.Transport.Online() {
		n.metrics.IncDropNoRoute()
		return
	}
	frame := pkt.Encode()
	tr := route.Transport
	n.metrics.IncDataForwarded()
	n.stage(func() {
		if err := tr.Send(frame); err != nil {
			debuglog.Debugf("node %s: forward via %s failed: %v", n.opts.Name, tr.Name(), err)
		}
	})
}

// handleData dispatches a DATA packet addressed to us: colony demux first,
// then fragment demux, then the user callback.
func (n *Node) handleData(pkt *wire.Packet) {
	var source *crypto.Address
	var sourceIdentity *crypto.PublicIdentity
	if pkt.IsSigned() {
		if addr, pub := n.cache.FindSigner(pkt.Verify); pub != nil {
			a := addr
			source = &a
			sourceIdentity = pub
		}
	}

	if len(pkt.Payload) >= messaging.ColonyIDSize {
		var id messaging.ColonyID
		copy(id[:], pkt.Payload[:messaging.ColonyIDSize])
		if colony, ok := n.colonies[id]; ok {
			payload := pkt.Payload
			n.stage(func() {
				if err := colony.HandleMessage(payload, source, sourceIdentity); err != nil {
					n.metrics.IncDropDecrypt()
					debuglog.Debugf("node %s: colony message dropped: %v", n.opts.Name, err)
				}
			})
			return
		}
	}

	if n.opts.AutoJoinInvites && messaging.IsInvite(pkt.Payload) {
		km, err := messaging.ParseInvite(pkt.Payload)
		if err != nil {
			n.metrics.IncDropInvalid()
			return
		}
		if _, ok := n.colonies[km.ColonyID]; ok {
			return
		}
		colony, err := messaging.FromKeyMaterial(km, n)
		if err != nil {
			n.metrics.IncDropInvalid()
			return
		}
		colony.AddMember(n.address, n.identity.Public(), n.opts.Name)
		if source != nil {
			colony.AddMember(*source, sourceIdentity, source.Short())
		}
		n.colonies[colony.ID()] = colony
		debuglog.Debugf("node %s: joined colony %q via invite", n.opts.Name, km.Name)
		if n.hooks.OnColonyJoined != nil {
			c := colony
			n.stage(func() { n.hooks.OnColonyJoined(c) })
		}
		return
	}

	if pkt.IsFragmented() {
		if err := n.transfers.HandleFragment(pkt.Payload, source); err != nil {
			n.metrics.IncDropInvalid()
			debuglog.Debugf("node %s: fragment dropped: %v", n.opts.Name, err)
		}
		return
	}

	if n.hooks.OnData != nil {
		p := pkt
		n.stage(func() { n.hooks.OnData(p.Payload, source, p) })
	}
}

// -----------------------------------------------------------------------------
// Stats
// -----------------------------------------------------------------------------

type TransportStats struct {
	Name     string             `json:"name"`
	Mode     string             `json:"mode"`
	Online   bool               `json:"online"`
	Counters transport.Counters `json:"counters"`
}

type Stats struct {
	Name            string           `json:"name"`
	Address         string           `json:"address"`
	Transports      []TransportStats `json:"transports"`
	Identities      int              `json:"identities"`
	Routes          int              `json:"routes"`
	Colonies        int              `json:"colonies"`
	ActiveTransfers int              `json:"active_transfers"`
}

func (n *Node) Stats() Stats {
	n.mu.Lock()
	transports := append([]transport.Transport(nil), n.transports...)
	colonies := len(n.colonies)
	active := n.transfers.Active()
	n.mu.Unlock()

	s := Stats{
		Name:            n.opts.Name,
		Address:         n.address.Hex(),
		Identities:      n.cache.Len(),
		Routes:          n.routes.Len(),
		Colonies:        colonies,
		ActiveTransfers: active,
	}
	for _, t := range transports {
		s.Transports = append(s.Transports, TransportStats{
			Name:     t.Name(),
			Mode:     t.Mode().String(),
			Online:   t.Online(),
			Counters: t.Counters(),
		})
	}
	return s
}
