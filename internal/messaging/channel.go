// internal/messaging/channel.go

// Package messaging implements the two conversation abstractions on top of
// the node core: 1:1 encrypted channels and shared-key colonies.
package messaging

import (
	"errors"
	"fmt"

	"mycorrhizal/internal/crypto"
	"mycorrhizal/internal/wire"
)

// DataSender is the slice of the node the messaging layer needs.
type DataSender interface {
	LocalAddress() crypto.Address
	Send(dest crypto.Address, payload []byte, sign bool, flags wire.Flags) error
}

const e2eeInfo = "mycorrhizal_e2ee_v1"

// EncryptToIdentity seals plaintext for a recipient using ephemeral-static
// X25519 and ChaCha20-Poly1305. Output layout:
// ephemeral_pub(32) || nonce(12) || ciphertext.
//
// Forward secrecy holds against compromise of the ephemeral state only, not
// of the recipient's static key.
func EncryptToIdentity(plaintext []byte, recipient *crypto.PublicIdentity) ([]byte, error) {
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	defer eph.Destroy()

	ephPub, err := eph.Public()
	if err != nil {
		return nil, err
	}
	shared, err := eph.Shared(recipient.EncryptionPub)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveKey(shared, e2eeInfo, crypto.KeySize)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandomBytes(crypto.NonceSize)
	if err != nil {
		return nil, err
	}
	ct, err := crypto.Seal(key, nonce, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 32+crypto.NonceSize+len(ct))
	out = append(out, ephPub...)
	out = append(out, nonce...)
	return append(out, ct...), nil
}

// DecryptFromIdentity reverses EncryptToIdentity with our static key.
func DecryptFromIdentity(encrypted []byte, recipient *crypto.Identity) ([]byte, error) {
	if len(encrypted) < 32+crypto.NonceSize {
		return nil, errors.New("encrypted payload too short")
	}
	ephPub := encrypted[:32]
	nonce := encrypted[32 : 32+crypto.NonceSize]
	ct := encrypted[32+crypto.NonceSize:]

	shared, err := recipient.SharedSecret(ephPub)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveKey(shared, e2eeInfo, crypto.KeySize)
	if err != nil {
		return nil, err
	}
	return crypto.Open(key, nonce, ct)
}

// Channel is a 1:1 encrypted conversation with a remote node.
type Channel struct {
	remote    *crypto.PublicIdentity
	remoteAdr crypto.Address
	local     *crypto.Identity
	sender    DataSender

	onMessage func(plaintext []byte)
}

func NewChannel(remote *crypto.PublicIdentity, local *crypto.Identity, sender DataSender) *Channel {
	return &Channel{
		remote:    remote,
		remoteAdr: remote.Address(),
		local:     local,
		sender:    sender,
	}
}

func (c *Channel) Remote() crypto.Address {
	return c.remoteAdr
}

// Send encrypts and transmits one message as a signed DATA packet.
func (c *Channel) Send(message []byte) error {
	if c.sender == nil {
		return errors.New("channel not attached to a node")
	}
	encrypted, err := EncryptToIdentity(message, c.remote)
	if err != nil {
		return err
	}
	return c.sender.Send(c.remoteAdr, encrypted, true, wire.FlagEncrypted)
}

// HandleMessage decrypts an inbound channel payload and fires the callback.
func (c *Channel) HandleMessage(encrypted []byte) error {
	plaintext, err := DecryptFromIdentity(encrypted, c.local)
	if err != nil {
		return err
	}
	if c.onMessage != nil {
		c.onMessage(plaintext)
	}
	return nil
}

func (c *Channel) OnMessage(fn func(plaintext []byte)) {
	c.onMessage = fn
}

func (c *Channel) String() string {
	return fmt.Sprintf("Channel(remote=%s)", c.remoteAdr.Short())
}
