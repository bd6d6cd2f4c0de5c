// internal/messaging/colony.go
package messaging

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"mycorrhizal/internal/crypto"
	"mycorrhizal/internal/debuglog"
)

// ColonyID is sha256(group_key)[0:16]. Inbound colony frames are recognised
// by their first 16 payload bytes matching a known id.
type ColonyID [16]byte

const (
	ColonyIDSize = 16
	GroupKeySize = 32
)

func (c ColonyID) Hex() string {
	return hex.EncodeToString(c[:])
}

func (c ColonyID) Short() string {
	return hex.EncodeToString(c[:4])
}

func DeriveColonyID(groupKey []byte) ColonyID {
	var id ColonyID
	copy(id[:], crypto.SHA256(groupKey)[:ColonyIDSize])
	return id
}

func GenerateGroupKey() ([]byte, error) {
	return crypto.RandomBytes(GroupKeySize)
}

// EncryptGroup seals a message under the shared key: nonce(12) || ciphertext.
func EncryptGroup(plaintext, groupKey []byte) ([]byte, error) {
	nonce, err := crypto.RandomBytes(crypto.NonceSize)
	if err != nil {
		return nil, err
	}
	ct, err := crypto.Seal(groupKey, nonce, plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

func DecryptGroup(encrypted, groupKey []byte) ([]byte, error) {
	if len(encrypted) < crypto.NonceSize {
		return nil, errors.New("encrypted payload too short")
	}
	return crypto.Open(groupKey, encrypted[:crypto.NonceSize], encrypted[crypto.NonceSize:])
}

// KeyMaterial is what a joiner needs: the key, the derived id and a name.
type KeyMaterial struct {
	ColonyID ColonyID
	GroupKey []byte
	Name     string
}

// Colony is a group conversation. Possession of the group key is
// membership: any sender whose message decrypts is auto-added.
type Colony struct {
	mu      sync.Mutex
	id      ColonyID
	key     []byte
	name    string
	members map[crypto.Address]*crypto.PublicIdentity
	names   map[crypto.Address]string
	sender  DataSender

	onMessage func(sender crypto.Address, senderName string, plaintext []byte)
}

// NewColony creates a colony with a fresh group key and the creator as the
// first member.
func NewColony(name string, creator *crypto.Identity, sender DataSender) (*Colony, error) {
	key, err := GenerateGroupKey()
	if err != nil {
		return nil, err
	}
	c := newColony(name, key, sender)
	if creator != nil {
		c.AddMember(creator.Address(), creator.Public(), "creator")
	}
	return c, nil
}

// FromKeyMaterial joins an existing colony. The id is recomputed from the
// key and must match when the material carries one.
func FromKeyMaterial(km KeyMaterial, sender DataSender) (*Colony, error) {
	if len(km.GroupKey) != GroupKeySize {
		return nil, fmt.Errorf("group key must be %d bytes, got %d", GroupKeySize, len(km.GroupKey))
	}
	derived := DeriveColonyID(km.GroupKey)
	if km.ColonyID != (ColonyID{}) && km.ColonyID != derived {
		return nil, errors.New("colony id does not match group key")
	}
	return newColony(km.Name, km.GroupKey, sender), nil
}

func newColony(name string, key []byte, sender DataSender) *Colony {
	return &Colony{
		id:      DeriveColonyID(key),
		key:     key,
		name:    name,
		members: make(map[crypto.Address]*crypto.PublicIdentity),
		names:   make(map[crypto.Address]string),
		sender:  sender,
	}
}

func (c *Colony) ID() ColonyID { return c.id }
func (c *Colony) Name() string { return c.name }

func (c *Colony) KeyMaterial() KeyMaterial {
	return KeyMaterial{ColonyID: c.id, GroupKey: c.key, Name: c.name}
}

func (c *Colony) AddMember(addr crypto.Address, pub *crypto.PublicIdentity, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[addr] = pub
	if name != "" {
		c.names[addr] = name
	}
}

func (c *Colony) MemberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

func (c *Colony) Members() []crypto.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]crypto.Address, 0, len(c.members))
	for addr := range c.members {
		out = append(out, addr)
	}
	return out
}

// Send encrypts the message and unicasts it to every member except
// ourselves. Succeeds when at least one member send went out.
func (c *Colony) Send(message []byte) error {
	if c.sender == nil {
		return errors.New("colony not attached to a node")
	}
	encrypted, err := EncryptGroup(message, c.key)
	if err != nil {
		return err
	}
	payload := make([]byte, 0, ColonyIDSize+len(encrypted))
	payload = append(payload, c.id[:]...)
	payload = append(payload, encrypted...)

	self := c.sender.LocalAddress()
	var lastErr error
	sent := false
	for _, addr := range c.Members() {
		if addr == self {
			continue
		}
		if err := c.sender.Send(addr, payload, true, 0); err != nil {
			lastErr = err
			continue
		}
		sent = true
	}
	if !sent {
		if lastErr != nil {
			return lastErr
		}
		return errors.New("colony has no remote members")
	}
	return nil
}

// HandleMessage processes an inbound colony payload (id || nonce || ct).
// A sender whose message decrypts is added as a member; senderIdentity may
// be nil when the sender is not in the identity cache yet.
func (c *Colony) HandleMessage(payload []byte, sender *crypto.Address, senderIdentity *crypto.PublicIdentity) error {
	if len(payload) < ColonyIDSize {
		return errors.New("colony payload too short")
	}
	var id ColonyID
	copy(id[:], payload[:ColonyIDSize])
	if id != c.id {
		return errors.New("colony id mismatch")
	}

	plaintext, err := DecryptGroup(payload[ColonyIDSize:], c.key)
	if err != nil {
		return err
	}

	senderName := "unknown"
	if sender != nil {
		c.mu.Lock()
		if _, ok := c.members[*sender]; !ok {
			c.members[*sender] = senderIdentity
			c.names[*sender] = sender.Short()
			debuglog.Debugf("colony %s: added member %s", c.name, sender.Short())
		}
		if name, ok := c.names[*sender]; ok {
			senderName = name
		}
		c.mu.Unlock()
	}

	if c.onMessage != nil {
		var from crypto.Address
		if sender != nil {
			from = *sender
		}
		c.onMessage(from, senderName, plaintext)
	}
	return nil
}

func (c *Colony) OnMessage(fn func(sender crypto.Address, senderName string, plaintext []byte)) {
	c.onMessage = fn
}

func (c *Colony) String() string {
	return fmt.Sprintf("Colony(name=%q, id=%s, members=%d)", c.name, c.id.Short(), c.MemberCount())
}
