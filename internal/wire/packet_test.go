package wire

import (
	"bytes"
	"errors"
	"testing"

	"mycorrhizal/internal/crypto"
)

func testIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("new identity failed: %v", err)
	}
	return id
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id := testIdentity(t)
	pkt, err := New(TypeData, id.Address(), []byte("hyphae"), FlagPriority)
	if err != nil {
		t.Fatalf("new packet failed: %v", err)
	}
	pkt.TTL = 12
	pkt.HopCount = 3
	pkt.Sign(id)

	frame := pkt.Encode()
	if len(frame) != HeaderSize+len(pkt.Payload)+SignatureSize {
		t.Fatalf("unexpected frame length %d", len(frame))
	}

	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Type != TypeData || got.TTL != 12 || got.HopCount != 3 {
		t.Fatalf("header fields mangled: %+v", got)
	}
	if got.Destination != pkt.Destination {
		t.Fatalf("destination mangled")
	}
	if !bytes.Equal(got.Payload, pkt.Payload) {
		t.Fatalf("payload mangled")
	}
	if !bytes.Equal(got.Encode(), frame) {
		t.Fatalf("re-encode is not byte-stable")
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	id := testIdentity(t)
	pkt, _ := New(TypeData, id.Address(), []byte("payload"), 0)
	pkt.Sign(id)
	frame := pkt.Encode()

	cases := []struct {
		name string
		mut  func([]byte) []byte
	}{
		{"short header", func(f []byte) []byte { return f[:HeaderSize-1] }},
		{"truncated payload", func(f []byte) []byte { return f[:HeaderSize+2] }},
		{"payload hash mismatch", func(f []byte) []byte {
			g := bytes.Clone(f)
			g[HeaderSize] ^= 0xff
			return g
		}},
		{"missing signature", func(f []byte) []byte { return f[:len(f)-1] }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.mut(frame))
			if !errors.Is(err, ErrInvalidFrame) {
				t.Fatalf("expected ErrInvalidFrame, got %v", err)
			}
		})
	}
}

func TestDecodeIgnoresReserved(t *testing.T) {
	id := testIdentity(t)
	pkt, _ := New(TypeData, id.Address(), []byte("x"), 0)
	frame := pkt.Encode()
	frame[30] = 0xde
	frame[31] = 0xad
	if _, err := Decode(frame); err != nil {
		t.Fatalf("reserved bytes must be ignored on receive: %v", err)
	}
}

func TestSignVerifySurvivesForwarding(t *testing.T) {
	id := testIdentity(t)
	pkt, _ := New(TypeAnnounce, id.Address(), AnnouncePayload(id.Public()), 0)
	pkt.Sign(id)

	if !pkt.Verify(id.Public()) {
		t.Fatalf("fresh packet does not verify")
	}

	// Hop mutation must not break the signature: hop_count and ttl are
	// zeroed in the signed view.
	for i := 0; i < 5; i++ {
		pkt.IncrementHop()
	}
	decoded, err := Decode(pkt.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.HopCount != 5 {
		t.Fatalf("expected hop count 5, got %d", decoded.HopCount)
	}
	if !decoded.Verify(id.Public()) {
		t.Fatalf("forwarded packet no longer verifies")
	}
}

func TestVerifyFailsOnSignedRegionFlip(t *testing.T) {
	id := testIdentity(t)
	pkt, _ := New(TypeData, id.Address(), []byte("do not touch"), 0)
	pkt.Sign(id)

	// Flip bits across the signed region: flags, type, destination and
	// payload all have to be covered.
	for _, offset := range []int{0, 3, 4, 19, HeaderSize, HeaderSize + 5} {
		frame := pkt.Encode()
		frame[offset] ^= 0x01
		mut, err := Decode(frame)
		if err != nil {
			// Payload flips break the integrity hash before the
			// signature is even checked; both outcomes are a drop.
			continue
		}
		if mut.Verify(id.Public()) {
			t.Fatalf("flip at offset %d still verifies", offset)
		}
	}
}

func TestVerifyRequiresSignature(t *testing.T) {
	id := testIdentity(t)
	pkt, _ := New(TypeData, id.Address(), []byte("unsigned"), 0)
	if pkt.Verify(id.Public()) {
		t.Fatalf("unsigned packet must not verify")
	}
}

func TestAnnouncePayloadRoundTrip(t *testing.T) {
	id := testIdentity(t)
	payload := AnnouncePayload(id.Public())
	if len(payload) != AnnouncePayloadSize {
		t.Fatalf("announce payload must be %d bytes, got %d", AnnouncePayloadSize, len(payload))
	}
	pub, err := ParseAnnouncePayload(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if pub.Address() != id.Address() {
		t.Fatalf("parsed identity has wrong address")
	}
	if _, err := ParseAnnouncePayload(payload[:40]); err == nil {
		t.Fatalf("expected short announce payload to fail")
	}
}

func TestNewRejectsOversizePayload(t *testing.T) {
	id := testIdentity(t)
	if _, err := New(TypeData, id.Address(), make([]byte, MaxPayloadSize+1), 0); err == nil {
		t.Fatalf("expected oversize payload to fail")
	}
}
