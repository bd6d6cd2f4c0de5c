// internal/core/transfer.go
package core

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"mycorrhizal/internal/crypto"
	"mycorrhizal/internal/debuglog"
	"mycorrhizal/internal/metrics"
	"mycorrhizal/internal/wire"
)

const (
	DefaultTransferTimeout        = 60 * time.Second
	DefaultMaxConcurrentTransfers = 5
)

// transferState tracks one in-flight reassembly. Fragments live in a sparse
// 256-slot array with a received bitset, so missing-fragment checks are
// constant time.
type transferState struct {
	id            wire.TransferID
	sender        *crypto.Address
	data          [wire.MaxFragments][]byte
	received      [wire.MaxFragments / 64]uint64
	count         int
	finalReceived bool
	expected      int // 0 until the FINAL marker fixes the count
	start         time.Time
}

func (t *transferState) has(idx uint8) bool {
	return t.received[idx/64]&(1<<(idx%64)) != 0
}

// store keeps the newest copy; duplicates overwrite because the network is
// loss-prone, not Byzantine.
func (t *transferState) store(idx uint8, data []byte) {
	if !t.has(idx) {
		t.received[idx/64] |= 1 << (idx % 64)
		t.count++
	}
	t.data[idx] = data
}

func (t *transferState) complete() bool {
	return t.finalReceived && t.count == t.expected
}

func (t *transferState) reassemble() ([]byte, error) {
	if !t.complete() {
		return nil, errors.New("transfer incomplete")
	}
	size := 0
	for i := 0; i < t.expected; i++ {
		size += len(t.data[i])
	}
	out := make([]byte, 0, size)
	for i := 0; i < t.expected; i++ {
		out = append(out, t.data[i]...)
	}
	return out, nil
}

// TransferStatus is a snapshot row for ActiveTransfers.
type TransferStatus struct {
	TransferID wire.TransferID
	Sender     *crypto.Address
	Received   int
	Expected   int // 0 while unknown
	Age        time.Duration
}

// CompleteFunc receives the reassembled transfer with its metadata stripped.
type CompleteFunc func(id wire.TransferID, data []byte, meta map[string]string, sender *crypto.Address)

// ProgressFunc fires after each fragment that does not complete its transfer,
// including a bare FINAL marker; expected is 0 until known.
type ProgressFunc func(id wire.TransferID, received, expected int)

// TransferManager holds concurrent in-flight reassemblies with a cap and a
// per-transfer timeout. Not self-locking; serialised by the node.
type TransferManager struct {
	clk           clock.Clock
	timeout       time.Duration
	maxConcurrent int
	transfers     map[wire.TransferID]*transferState
	metrics       *metrics.Metrics

	onComplete CompleteFunc
	onProgress ProgressFunc
}

func NewTransferManager(maxConcurrent int, timeout time.Duration, clk clock.Clock, m *metrics.Metrics) *TransferManager {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentTransfers
	}
	if timeout <= 0 {
		timeout = DefaultTransferTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.New()
	}
	return &TransferManager{
		clk:           clk,
		timeout:       timeout,
		maxConcurrent: maxConcurrent,
		transfers:     make(map[wire.TransferID]*transferState),
		metrics:       m,
	}
}

func (tm *TransferManager) OnComplete(fn CompleteFunc) { tm.onComplete = fn }
func (tm *TransferManager) OnProgress(fn ProgressFunc) { tm.onProgress = fn }

// HandleFragment ingests one fragment payload. On completion the transfer is
// reassembled, stripped of metadata and handed to the complete callback; the
// return value only reports a malformed fragment or a reassembly error.
func (tm *TransferManager) HandleFragment(payload []byte, sender *crypto.Address) error {
	frag, err := wire.ParseFragment(payload)
	if err != nil {
		return err
	}

	st, ok := tm.transfers[frag.TransferID]
	if !ok {
		tm.Sweep()
		if len(tm.transfers) >= tm.maxConcurrent {
			tm.evictOldest()
		}
		st = &transferState{
			id:     frag.TransferID,
			sender: sender,
			start:  tm.clk.Now(),
		}
		tm.transfers[frag.TransferID] = st
	}

	if frag.IsFinal() && len(frag.Data) == 0 {
		// A bare FINAL marker carries no bytes and is not stored; the
		// data fragments occupy indices below it.
		st.finalReceived = true
		st.expected = int(frag.Index)
	} else {
		st.store(frag.Index, frag.Data)
		if frag.IsFinal() {
			st.finalReceived = true
			st.expected = int(frag.Index) + 1
		}
	}

	if st.complete() {
		delete(tm.transfers, frag.TransferID)
		stream, err := st.reassemble()
		if err != nil {
			return err
		}
		meta, data := wire.ExtractMetadata(stream)
		tm.metrics.IncTransfersCompleted()
		debuglog.Debugf("transfer %s complete: %d bytes", frag.TransferID.Short(), len(data))
		if tm.onComplete != nil {
			tm.onComplete(frag.TransferID, data, meta, st.sender)
		}
		return nil
	}

	if tm.onProgress != nil {
		tm.onProgress(frag.TransferID, st.count, st.expected)
	}
	return nil
}

// Sweep garbage-collects transfers started more than the timeout ago. Age is
// counted from the first fragment; later fragments do not extend it.
func (tm *TransferManager) Sweep() int {
	now := tm.clk.Now()
	removed := 0
	for id, st := range tm.transfers {
		if now.Sub(st.start) > tm.timeout {
			delete(tm.transfers, id)
			tm.metrics.IncTransfersExpired()
			debuglog.Debugf("transfer %s expired", id.Short())
			removed++
		}
	}
	return removed
}

func (tm *TransferManager) evictOldest() {
	var oldest *transferState
	for _, st := range tm.transfers {
		if oldest == nil || st.start.Before(oldest.start) {
			oldest = st
		}
	}
	if oldest != nil {
		delete(tm.transfers, oldest.id)
		tm.metrics.IncTransfersEvicted()
	}
}

func (tm *TransferManager) Active() int {
	return len(tm.transfers)
}

func (tm *TransferManager) ActiveTransfers() []TransferStatus {
	now := tm.clk.Now()
	out := make([]TransferStatus, 0, len(tm.transfers))
	for _, st := range tm.transfers {
		out = append(out, TransferStatus{
			TransferID: st.id,
			Sender:     st.sender,
			Received:   st.count,
			Expected:   st.expected,
			Age:        now.Sub(st.start),
		})
	}
	return out
}
