package transport

import (
	"bytes"
	"testing"
)

func TestHubDeliversToOtherMembers(t *testing.T) {
	hub := NewHub()
	a := hub.NewTransport(Config{Name: "a"})
	b := hub.NewTransport(Config{Name: "b"})
	c := hub.NewTransport(Config{Name: "c"})
	for _, tr := range []*Memory{a, b, c} {
		if err := tr.Start(); err != nil {
			t.Fatalf("start failed: %v", err)
		}
	}

	type rx struct {
		frame []byte
		from  Transport
	}
	var bGot, cGot, aGot []rx
	a.SetReceiveFunc(func(f []byte, tr Transport) { aGot = append(aGot, rx{f, tr}) })
	b.SetReceiveFunc(func(f []byte, tr Transport) { bGot = append(bGot, rx{f, tr}) })
	c.SetReceiveFunc(func(f []byte, tr Transport) { cGot = append(cGot, rx{f, tr}) })

	if err := a.Send([]byte("frame")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(aGot) != 0 {
		t.Fatalf("sender received its own frame")
	}
	if len(bGot) != 1 || len(cGot) != 1 {
		t.Fatalf("expected delivery to both peers, got %d/%d", len(bGot), len(cGot))
	}
	if !bytes.Equal(bGot[0].frame, []byte("frame")) {
		t.Fatalf("frame mangled")
	}
	// The back-reference names the receiving transport, not the sender.
	if bGot[0].from != Transport(b) {
		t.Fatalf("wrong transport back-reference")
	}
}

func TestOfflineMemberSkipped(t *testing.T) {
	hub := NewHub()
	a := hub.NewTransport(Config{Name: "a"})
	b := hub.NewTransport(Config{Name: "b"})
	_ = a.Start()

	got := 0
	b.SetReceiveFunc(func([]byte, Transport) { got++ })

	if err := a.Send([]byte("x")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if got != 0 {
		t.Fatalf("offline member received a frame")
	}

	if err := b.Send([]byte("y")); err == nil {
		t.Fatalf("offline send must fail")
	}
}

func TestCountersTrackTraffic(t *testing.T) {
	hub := NewHub()
	a := hub.NewTransport(Config{Name: "a"})
	b := hub.NewTransport(Config{Name: "b"})
	_ = a.Start()
	_ = b.Start()
	b.SetReceiveFunc(func([]byte, Transport) {})

	_ = a.Send(make([]byte, 50))
	ca, cb := a.Counters(), b.Counters()
	if ca.TxFrames != 1 || ca.TxBytes != 50 {
		t.Fatalf("tx counters wrong: %+v", ca)
	}
	if cb.RxFrames != 1 || cb.RxBytes != 50 {
		t.Fatalf("rx counters wrong: %+v", cb)
	}
}
