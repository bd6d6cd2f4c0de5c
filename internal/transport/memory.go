// internal/transport/memory.go
package transport

import (
	"errors"
	"fmt"
	"sync"
)

// Hub is an in-process broadcast segment. Every transport attached to a hub
// receives frames sent by any other transport on the same hub. Used by tests
// and by single-process topologies.
type Hub struct {
	mu      sync.Mutex
	members []*Memory
	nextID  int
}

func NewHub() *Hub {
	return &Hub{}
}

// Memory is a loopback transport bound to a Hub.
type Memory struct {
	*base
	hub *Hub
}

// NewTransport attaches a new transport to the hub.
func (h *Hub) NewTransport(cfg Config) *Memory {
	h.mu.Lock()
	h.nextID++
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("mem%d", h.nextID)
	}
	h.mu.Unlock()

	t := &Memory{hub: h}
	t.base = newBase(cfg, t.Send)

	h.mu.Lock()
	h.members = append(h.members, t)
	h.mu.Unlock()
	return t
}

func (t *Memory) Start() error {
	t.online.Store(true)
	return nil
}

func (t *Memory) Stop() error {
	t.online.Store(false)
	return nil
}

// Send delivers the frame synchronously to every other online member of the
// hub. Frames are copied so receivers cannot see later mutations.
func (t *Memory) Send(frame []byte) error {
	if !t.Online() {
		return errors.New("transport offline")
	}
	t.countTx(len(frame))

	t.hub.mu.Lock()
	members := make([]*Memory, len(t.hub.members))
	copy(members, t.hub.members)
	t.hub.mu.Unlock()

	for _, m := range members {
		if m == t || !m.Online() {
			continue
		}
		buf := make([]byte, len(frame))
		copy(buf, frame)
		m.deliver(buf, m)
	}
	return nil
}
