// internal/transport/queue.go
package transport

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"mycorrhizal/internal/debuglog"
)

// announceQueue holds announces awaiting forwarding, ordered by
// (hop_count ASC, enqueue ASC), and drains them through a token bucket
// filled at the interface's announce budget.
type announceQueue struct {
	mu        sync.Mutex
	clk       clock.Clock
	budgetBPS float64
	maxLen    int
	send      func([]byte) error

	items    []queuedAnnounce
	seq      uint64
	bits     float64
	lastFill time.Time
	dropped  uint64
}

type queuedAnnounce struct {
	hopCount uint8
	seq      uint64
	frame    []byte
}

func newAnnounceQueue(clk clock.Clock, budgetBPS float64, maxLen int, send func([]byte) error) *announceQueue {
	return &announceQueue{
		clk:       clk,
		budgetBPS: budgetBPS,
		maxLen:    maxLen,
		send:      send,
		lastFill:  clk.Now(),
	}
}

func (q *announceQueue) Enqueue(frame []byte, hopCount uint8) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.items = append(q.items, queuedAnnounce{hopCount: hopCount, seq: q.seq, frame: frame})
	sort.Slice(q.items, func(i, j int) bool {
		if q.items[i].hopCount != q.items[j].hopCount {
			return q.items[i].hopCount < q.items[j].hopCount
		}
		return q.items[i].seq < q.items[j].seq
	})
	if len(q.items) > q.maxLen {
		// Shed the most distant announce, not the freshest local one.
		q.items = q.items[:q.maxLen]
		q.dropped++
		debuglog.RateLimitedf("announce-queue-drop", time.Minute,
			"announce queue full, dropping lowest-priority entry (%d dropped total)", q.dropped)
	}
}

// Service refills the token bucket and sends queue heads while the budget
// lasts. Burst is capped at one second of budget. The lock is not held
// across the physical sends: sendable frames are drained into a batch
// first, so an inbound dispatch can keep enqueueing meanwhile.
func (q *announceQueue) Service() {
	q.mu.Lock()
	now := q.clk.Now()
	elapsed := now.Sub(q.lastFill).Seconds()
	q.lastFill = now
	if elapsed > 0 {
		q.bits += elapsed * q.budgetBPS
	}
	if q.bits > q.budgetBPS {
		q.bits = q.budgetBPS
	}

	var batch [][]byte
	for len(q.items) > 0 {
		head := q.items[0]
		cost := float64(len(head.frame) * 8)
		if cost > q.bits {
			break
		}
		q.bits -= cost
		batch = append(batch, head.frame)
		q.items = q.items[1:]
	}
	q.mu.Unlock()

	for _, frame := range batch {
		if err := q.send(frame); err != nil {
			debuglog.Debugf("announce forward failed: %v", err)
		}
	}
}

func (q *announceQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *announceQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
