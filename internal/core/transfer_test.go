package core

import (
	"bytes"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"mycorrhizal/internal/crypto"
	"mycorrhizal/internal/wire"
)

func fragPayload(id wire.TransferID, index uint8, flags uint8, data []byte) []byte {
	f := &wire.Fragment{TransferID: id, Index: index, Flags: flags, Data: data}
	return f.Encode()
}

func TestReassemblyPermutedArrival(t *testing.T) {
	clk := clock.NewMock()
	tm := NewTransferManager(5, time.Minute, clk, nil)

	var completed []byte
	var gotMeta map[string]string
	tm.OnComplete(func(_ wire.TransferID, data []byte, meta map[string]string, _ *crypto.Address) {
		completed = data
		gotMeta = meta
	})

	payload := bytes.Repeat([]byte{0x5a}, 1500)
	meta := map[string]string{"filename": "a.bin", "size": "1500"}
	stream := append(wire.EncodeMetadata(meta), payload...)

	var id wire.TransferID
	copy(id[:], bytes.Repeat([]byte{0x77}, 16))

	// Ten data fragments plus a bare FINAL marker at index 10, delivered
	// in a scrambled order with the marker in the middle.
	chunk := (len(stream) + 9) / 10
	data := make(map[uint8][]byte)
	for i := 0; i < 10; i++ {
		start := i * chunk
		end := min(start+chunk, len(stream))
		data[uint8(i)] = stream[start:end]
	}
	order := []int{3, 0, 7, -1, 1, 2, 4, 5, 6, 8, 9}
	for _, i := range order {
		var p []byte
		if i == -1 {
			p = fragPayload(id, 10, wire.FragmentFlagFinal, nil)
		} else {
			p = fragPayload(id, uint8(i), 0, data[uint8(i)])
		}
		if err := tm.HandleFragment(p, nil); err != nil {
			t.Fatalf("fragment %d failed: %v", i, err)
		}
	}

	if completed == nil {
		t.Fatalf("transfer did not complete")
	}
	if !bytes.Equal(completed, payload) {
		t.Fatalf("reassembled bytes differ from source")
	}
	if gotMeta["filename"] != "a.bin" || gotMeta["size"] != "1500" {
		t.Fatalf("metadata mangled: %v", gotMeta)
	}
	if tm.Active() != 0 {
		t.Fatalf("completed transfer still tracked")
	}
}

func TestBareFinalMarkerIsNotStored(t *testing.T) {
	clk := clock.NewMock()
	tm := NewTransferManager(5, time.Minute, clk, nil)

	fired := false
	tm.OnComplete(func(_ wire.TransferID, data []byte, _ map[string]string, _ *crypto.Address) {
		fired = true
		if !bytes.Equal(data, []byte("ab")) {
			t.Fatalf("unexpected data %q", data)
		}
	})

	var id wire.TransferID
	id[0] = 1
	// FINAL marker first: fixes expected=2 without storing bytes.
	if err := tm.HandleFragment(fragPayload(id, 2, wire.FragmentFlagFinal, nil), nil); err != nil {
		t.Fatalf("marker failed: %v", err)
	}
	if fired {
		t.Fatalf("completed with no data fragments")
	}
	tm.HandleFragment(fragPayload(id, 0, 0, []byte("a")), nil)
	tm.HandleFragment(fragPayload(id, 1, 0, []byte("b")), nil)
	if !fired {
		t.Fatalf("transfer did not complete")
	}
}

func TestDuplicateFragmentsOverwrite(t *testing.T) {
	clk := clock.NewMock()
	tm := NewTransferManager(5, time.Minute, clk, nil)

	var got []byte
	tm.OnComplete(func(_ wire.TransferID, data []byte, _ map[string]string, _ *crypto.Address) {
		got = data
	})

	var id wire.TransferID
	id[0] = 2
	tm.HandleFragment(fragPayload(id, 0, 0, []byte("old")), nil)
	tm.HandleFragment(fragPayload(id, 0, 0, []byte("new")), nil)
	tm.HandleFragment(fragPayload(id, 0, wire.FragmentFlagFinal, []byte("new")), nil)
	if !bytes.Equal(got, []byte("new")) {
		t.Fatalf("last write did not win: %q", got)
	}
}

func TestTransferTimeout(t *testing.T) {
	clk := clock.NewMock()
	tm := NewTransferManager(5, time.Minute, clk, nil)

	var id wire.TransferID
	id[0] = 3
	tm.HandleFragment(fragPayload(id, 0, 0, []byte("x")), nil)
	if tm.Active() != 1 {
		t.Fatalf("transfer not tracked")
	}

	clk.Add(61 * time.Second)
	if removed := tm.Sweep(); removed != 1 {
		t.Fatalf("expected 1 expiry, got %d", removed)
	}
	if tm.Active() != 0 {
		t.Fatalf("expired transfer still tracked")
	}
}

func TestConcurrentTransferCapEvictsOldest(t *testing.T) {
	clk := clock.NewMock()
	tm := NewTransferManager(2, time.Minute, clk, nil)

	mk := func(b byte) wire.TransferID {
		var id wire.TransferID
		id[0] = b
		return id
	}
	tm.HandleFragment(fragPayload(mk(1), 0, 0, []byte("a")), nil)
	clk.Add(time.Second)
	tm.HandleFragment(fragPayload(mk(2), 0, 0, []byte("b")), nil)
	clk.Add(time.Second)
	tm.HandleFragment(fragPayload(mk(3), 0, 0, []byte("c")), nil)

	if tm.Active() != 2 {
		t.Fatalf("expected cap of 2, got %d", tm.Active())
	}
	for _, st := range tm.ActiveTransfers() {
		if st.TransferID == mk(1) {
			t.Fatalf("oldest transfer should have been evicted")
		}
	}
}

func TestSenderAttribution(t *testing.T) {
	clk := clock.NewMock()
	tm := NewTransferManager(5, time.Minute, clk, nil)

	sender := crypto.Address{0xaa}
	var got *crypto.Address
	tm.OnComplete(func(_ wire.TransferID, _ []byte, _ map[string]string, s *crypto.Address) {
		got = s
	})

	var id wire.TransferID
	id[0] = 4
	tm.HandleFragment(fragPayload(id, 0, wire.FragmentFlagFinal, []byte("z")), &sender)
	if got == nil || *got != sender {
		t.Fatalf("sender attribution lost")
	}
}
