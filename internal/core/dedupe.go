// internal/core/dedupe.go
package core

import (
	"crypto/sha256"
)

const DefaultDedupeWindow = 1000

// dedupe is the short-term memory of recently seen frame hashes. It drops
// replayed frames and copies arriving via multiple transports. When the
// window is full the older half is purged in insertion order.
//
// Not self-locking: the node serialises access under its dispatch mutex.
type dedupe struct {
	max   int
	seen  map[[32]byte]struct{}
	order [][32]byte
}

func newDedupe(window int) *dedupe {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	return &dedupe{
		max:  window,
		seen: make(map[[32]byte]struct{}, window),
	}
}

// Seen hashes the raw frame and records it. Returns true when the frame was
// already in the window.
func (d *dedupe) Seen(frame []byte) bool {
	h := sha256.Sum256(frame)
	if _, ok := d.seen[h]; ok {
		return true
	}
	d.seen[h] = struct{}{}
	d.order = append(d.order, h)
	if len(d.order) > d.max {
		cut := d.max / 2
		for _, old := range d.order[:cut] {
			delete(d.seen, old)
		}
		d.order = append(d.order[:0:0], d.order[cut:]...)
	}
	return false
}

func (d *dedupe) Len() int {
	return len(d.seen)
}
