// internal/crypto/identity.go
package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Address is the 128-bit node identifier: sha256(signing_pub)[0:16].
type Address [16]byte

const AddressSize = 16

func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

// Short is the log form of an address.
func (a Address) Short() string {
	return hex.EncodeToString(a[:4])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressSize {
		return a, fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(b))
	}
	copy(a[:], b)
	return a, nil
}

func AddressFromHex(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, err
	}
	return AddressFromBytes(b)
}

// DeriveAddress maps an Ed25519 public key to its address.
func DeriveAddress(signingPub []byte) Address {
	var a Address
	copy(a[:], SHA256(signingPub)[:AddressSize])
	return a
}

// PublicIdentity is the shareable half of an identity: the two public keys.
// The address is always recomputed from the signing key, never trusted.
type PublicIdentity struct {
	SigningPub    []byte // Ed25519, 32 bytes
	EncryptionPub []byte // X25519, 32 bytes
}

func NewPublicIdentity(signingPub, encryptionPub []byte) (*PublicIdentity, error) {
	if len(signingPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.PublicKeySize, len(signingPub))
	}
	if len(encryptionPub) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(encryptionPub))
	}
	return &PublicIdentity{
		SigningPub:    bytes.Clone(signingPub),
		EncryptionPub: bytes.Clone(encryptionPub),
	}, nil
}

func (p *PublicIdentity) Address() Address {
	return DeriveAddress(p.SigningPub)
}

func (p *PublicIdentity) Verify(msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(p.SigningPub), msg, sig)
}

// Identity holds the long-term signing and encryption keypairs of a node.
type Identity struct {
	signPriv ed25519.PrivateKey
	encPriv  *ecdh.PrivateKey
	public   PublicIdentity
}

const identityBytesLen = 128

// NewIdentity generates a fresh identity.
func NewIdentity() (*Identity, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	encPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{
		signPriv: signPriv,
		encPriv:  encPriv,
		public: PublicIdentity{
			SigningPub:    signPub,
			EncryptionPub: encPriv.PublicKey().Bytes(),
		},
	}, nil
}

// IdentityFromBytes loads the 128-byte persisted layout:
// sign_priv(32) || sign_pub(32) || enc_priv(32) || enc_pub(32).
// Public keys are recomputed from the private halves and must match.
func IdentityFromBytes(data []byte) (*Identity, error) {
	if len(data) != identityBytesLen {
		return nil, fmt.Errorf("identity must be %d bytes, got %d", identityBytesLen, len(data))
	}
	signPriv := ed25519.NewKeyFromSeed(data[0:32])
	if !bytes.Equal(signPriv.Public().(ed25519.PublicKey), data[32:64]) {
		return nil, fmt.Errorf("signing key mismatch in stored identity")
	}
	encPriv, err := ecdh.X25519().NewPrivateKey(data[64:96])
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(encPriv.PublicKey().Bytes(), data[96:128]) {
		return nil, fmt.Errorf("encryption key mismatch in stored identity")
	}
	return &Identity{
		signPriv: signPriv,
		encPriv:  encPriv,
		public: PublicIdentity{
			SigningPub:    bytes.Clone(data[32:64]),
			EncryptionPub: bytes.Clone(data[96:128]),
		},
	}, nil
}

// Bytes serialises the identity into the 128-byte persisted layout.
func (id *Identity) Bytes() []byte {
	out := make([]byte, 0, identityBytesLen)
	out = append(out, id.signPriv.Seed()...)
	out = append(out, id.public.SigningPub...)
	out = append(out, id.encPriv.Bytes()...)
	out = append(out, id.public.EncryptionPub...)
	return out
}

func (id *Identity) Public() *PublicIdentity {
	return &id.public
}

func (id *Identity) Address() Address {
	return id.public.Address()
}

func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.signPriv, msg)
}

func (id *Identity) Verify(msg, sig []byte) bool {
	return id.public.Verify(msg, sig)
}

// SharedSecret performs X25519 between our static encryption key and peerPub.
func (id *Identity) SharedSecret(peerPub []byte) ([]byte, error) {
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return id.encPriv.ECDH(pub)
}

func (id *Identity) String() string {
	return fmt.Sprintf("Identity(%s)", id.Address().Hex())
}
