// internal/transport/transport.go

// Package transport defines the packet-delivery contract the node core
// consumes, and provides in-memory, UDP and QUIC implementations.
package transport

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
)

// InterfaceMode controls forwarding and announce behaviour per interface.
type InterfaceMode uint8

const (
	ModeFull        InterfaceMode = 0x01 // full mesh participation
	ModeGateway     InterfaceMode = 0x02 // bridge segments, forward everything
	ModeBoundary    InterfaceMode = 0x03 // local forwarding only
	ModeAccessPoint InterfaceMode = 0x04 // quiet, no announce forwarding
	ModeRoaming     InterfaceMode = 0x05 // mobile node, short-lived paths
)

func (m InterfaceMode) String() string {
	switch m {
	case ModeFull:
		return "FULL"
	case ModeGateway:
		return "GATEWAY"
	case ModeBoundary:
		return "BOUNDARY"
	case ModeAccessPoint:
		return "ACCESS_POINT"
	case ModeRoaming:
		return "ROAMING"
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(m))
}

// ReceiveFunc delivers an inbound frame together with a back-reference to the
// transport it arrived on.
type ReceiveFunc func(frame []byte, from Transport)

// Transport is the single contract between the node core and a physical
// carrier. Send must be callable both from the reception callback and from
// other goroutines.
type Transport interface {
	Name() string
	Start() error
	Stop() error
	Send(frame []byte) error
	Online() bool
	Mode() InterfaceMode
	BandwidthBPS() uint64
	SetReceiveFunc(fn ReceiveFunc)

	// EnqueueAnnounce queues a serialized announce for budgeted forwarding.
	EnqueueAnnounce(frame []byte, hopCount uint8)
	// ServiceAnnounceQueue drains the queue within the bandwidth budget.
	// Called from the node's periodic tick.
	ServiceAnnounceQueue()

	Counters() Counters
}

// Counters is a point-in-time snapshot of a transport's traffic.
type Counters struct {
	TxFrames uint64 `json:"tx_frames"`
	TxBytes  uint64 `json:"tx_bytes"`
	RxFrames uint64 `json:"rx_frames"`
	RxBytes  uint64 `json:"rx_bytes"`
}

// Config is shared by all transport implementations. Zero values fall back
// to defaults in newBase.
type Config struct {
	Name                  string
	Mode                  InterfaceMode
	BandwidthBPS          uint64
	AnnounceBudgetPercent float64
	AnnounceQueueLen      int
	Clock                 clock.Clock
}

const (
	DefaultBandwidthBPS     = 100_000_000 // assume Ethernet unless told otherwise
	DefaultAnnouncePercent  = 2.0
	DefaultAnnounceQueueLen = 64
)

// base carries the state every transport shares: identity, mode, counters,
// the receive callback and the announce queue.
type base struct {
	name         string
	mode         InterfaceMode
	bandwidthBPS uint64

	online atomic.Bool

	mu   sync.Mutex
	recv ReceiveFunc

	queue *announceQueue

	txFrames atomic.Uint64
	txBytes  atomic.Uint64
	rxFrames atomic.Uint64
	rxBytes  atomic.Uint64
}

func newBase(cfg Config, send func([]byte) error) *base {
	if cfg.Mode == 0 {
		cfg.Mode = ModeFull
	}
	if cfg.BandwidthBPS == 0 {
		cfg.BandwidthBPS = DefaultBandwidthBPS
	}
	if cfg.AnnounceBudgetPercent <= 0 {
		cfg.AnnounceBudgetPercent = DefaultAnnouncePercent
	}
	if cfg.AnnounceQueueLen <= 0 {
		cfg.AnnounceQueueLen = DefaultAnnounceQueueLen
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	b := &base{
		name:         cfg.Name,
		mode:         cfg.Mode,
		bandwidthBPS: cfg.BandwidthBPS,
	}
	budget := float64(cfg.BandwidthBPS) * cfg.AnnounceBudgetPercent / 100.0
	b.queue = newAnnounceQueue(cfg.Clock, budget, cfg.AnnounceQueueLen, send)
	return b
}

func (b *base) Name() string         { return b.name }
func (b *base) Mode() InterfaceMode  { return b.mode }
func (b *base) BandwidthBPS() uint64 { return b.bandwidthBPS }
func (b *base) Online() bool         { return b.online.Load() }

func (b *base) SetReceiveFunc(fn ReceiveFunc) {
	b.mu.Lock()
	b.recv = fn
	b.mu.Unlock()
}

func (b *base) EnqueueAnnounce(frame []byte, hopCount uint8) {
	b.queue.Enqueue(frame, hopCount)
}

func (b *base) ServiceAnnounceQueue() {
	if b.Online() {
		b.queue.Service()
	}
}

// AnnounceQueueLen reports how many forwarded announces are still waiting
// for budget.
func (b *base) AnnounceQueueLen() int {
	return b.queue.Len()
}

func (b *base) Counters() Counters {
	return Counters{
		TxFrames: b.txFrames.Load(),
		TxBytes:  b.txBytes.Load(),
		RxFrames: b.rxFrames.Load(),
		RxBytes:  b.rxBytes.Load(),
	}
}

func (b *base) countTx(n int) {
	b.txFrames.Add(1)
	b.txBytes.Add(uint64(n))
}

// deliver hands an inbound frame to the registered callback.
func (b *base) deliver(frame []byte, from Transport) {
	b.rxFrames.Add(1)
	b.rxBytes.Add(uint64(len(frame)))
	b.mu.Lock()
	fn := b.recv
	b.mu.Unlock()
	if fn != nil {
		fn(frame, from)
	}
}
