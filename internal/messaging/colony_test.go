package messaging

import (
	"bytes"
	"testing"

	"mycorrhizal/internal/crypto"
)

func TestColonyIDDerivation(t *testing.T) {
	key, err := GenerateGroupKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	id := DeriveColonyID(key)
	var want ColonyID
	copy(want[:], crypto.SHA256(key)[:ColonyIDSize])
	if id != want {
		t.Fatalf("colony id is not sha256(group_key)[0:16]")
	}
}

func TestGroupRoundTrip(t *testing.T) {
	key, _ := GenerateGroupKey()
	for _, size := range []int{0, 1, 255, 4096} {
		msg := bytes.Repeat([]byte{0x33}, size)
		enc, err := EncryptGroup(msg, key)
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		got, err := DecryptGroup(enc, key)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("round trip mismatch at size %d", size)
		}
	}

	otherKey, _ := GenerateGroupKey()
	enc, _ := EncryptGroup([]byte("secret"), key)
	if _, err := DecryptGroup(enc, otherKey); err == nil {
		t.Fatalf("wrong key decrypted the message")
	}
}

func TestColonySendFansOutToMembers(t *testing.T) {
	creator := newTestIdentity(t)
	sender := &recordingSender{self: creator.Address()}

	colony, err := NewColony("dev", creator, sender)
	if err != nil {
		t.Fatalf("new colony failed: %v", err)
	}
	if colony.MemberCount() != 1 {
		t.Fatalf("creator not a member")
	}

	// No remote members yet.
	if err := colony.Send([]byte("into the void")); err == nil {
		t.Fatalf("expected send with no remote members to fail")
	}

	m1 := crypto.Address{0x01}
	m2 := crypto.Address{0x02}
	colony.AddMember(m1, nil, "m1")
	colony.AddMember(m2, nil, "m2")

	if err := colony.Send([]byte("hello")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected unicast fan-out to 2 members, got %d", len(sender.sent))
	}
	id := colony.ID()
	for i, payload := range sender.sent {
		if !bytes.Equal(payload[:ColonyIDSize], id[:]) {
			t.Fatalf("send %d does not lead with the colony id", i)
		}
		if sender.dests[i] == creator.Address() {
			t.Fatalf("colony sent to its own node")
		}
	}
}

func TestColonyHandleMessageAutoAddsSender(t *testing.T) {
	creator := newTestIdentity(t)
	member := newTestIdentity(t)
	colony, err := NewColony("dev", creator, &recordingSender{self: creator.Address()})
	if err != nil {
		t.Fatalf("new colony failed: %v", err)
	}

	peer, err := FromKeyMaterial(colony.KeyMaterial(), &recordingSender{self: member.Address()})
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	var gotSender crypto.Address
	var gotText []byte
	peer.OnMessage(func(s crypto.Address, _ string, m []byte) {
		gotSender = s
		gotText = m
	})

	id := colony.ID()
	enc, _ := EncryptGroup([]byte("welcome"), colony.KeyMaterial().GroupKey)
	payload := append(append([]byte{}, id[:]...), enc...)

	addr := creator.Address()
	if err := peer.HandleMessage(payload, &addr, creator.Public()); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if gotSender != addr || !bytes.Equal(gotText, []byte("welcome")) {
		t.Fatalf("delivery wrong: %v %q", gotSender, gotText)
	}
	// Key possession is membership: the sender is now in the member set.
	if peer.MemberCount() != 1 {
		t.Fatalf("sender not auto-added")
	}

	// Garbage under the right id is dropped.
	bad := append(append([]byte{}, id[:]...), 1, 2, 3)
	if err := peer.HandleMessage(bad, &addr, nil); err == nil {
		t.Fatalf("expected undecryptable message to fail")
	}
}

func TestFromKeyMaterialValidation(t *testing.T) {
	if _, err := FromKeyMaterial(KeyMaterial{GroupKey: []byte("short")}, nil); err == nil {
		t.Fatalf("expected short key to fail")
	}
	key, _ := GenerateGroupKey()
	km := KeyMaterial{ColonyID: ColonyID{0xff}, GroupKey: key, Name: "x"}
	if _, err := FromKeyMaterial(km, nil); err == nil {
		t.Fatalf("expected mismatched id to fail")
	}
}

func TestInviteRoundTrip(t *testing.T) {
	key, _ := GenerateGroupKey()
	km := KeyMaterial{ColonyID: DeriveColonyID(key), GroupKey: key, Name: "spore-net"}

	invite := FormatInvite(km)
	if !IsInvite([]byte(invite)) {
		t.Fatalf("formatted invite not recognised")
	}
	got, err := ParseInvite([]byte(invite))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got.ColonyID != km.ColonyID || got.Name != km.Name || !bytes.Equal(got.GroupKey, km.GroupKey) {
		t.Fatalf("invite round trip mangled: %+v", got)
	}

	if _, err := ParseInvite([]byte("COLONY_INVITE:zz:zz:x")); err == nil {
		t.Fatalf("expected malformed invite to fail")
	}
	if IsInvite([]byte("DATA")) {
		t.Fatalf("plain payload recognised as invite")
	}
}
