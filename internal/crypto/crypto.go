// internal/crypto/crypto.go
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// -----------------------------------------------------------------------------
// Mycorrhizal crypto stack
//
// Fixed suite: Ed25519 signatures, X25519 key agreement, HKDF-SHA256,
// ChaCha20-Poly1305 AEAD, SHA-256 addressing.
// -----------------------------------------------------------------------------

const (
	KeySize   = chacha20poly1305.KeySize   // 32
	NonceSize = chacha20poly1305.NonceSize // 12
)

func SHA256(msg []byte) []byte {
	sum := sha256.Sum256(msg)
	return sum[:]
}

func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DeriveKey runs HKDF-SHA256 over secret with a protocol label and no salt.
func DeriveKey(secret []byte, info string, n int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty secret")
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// -----------------------------------------------------------------------------
// ChaCha20-Poly1305 AEAD
// -----------------------------------------------------------------------------

func Seal(key32, nonce12, plaintext []byte) ([]byte, error) {
	if len(key32) != KeySize {
		return nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	if len(nonce12) != NonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", NonceSize)
	}
	aead, err := chacha20poly1305.New(key32)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce12, plaintext, nil), nil
}

func Open(key32, nonce12, ciphertext []byte) ([]byte, error) {
	if len(key32) != KeySize {
		return nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	if len(nonce12) != NonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", NonceSize)
	}
	aead, err := chacha20poly1305.New(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce12, ciphertext, nil)
}

// -----------------------------------------------------------------------------
// X25519
// -----------------------------------------------------------------------------

// Ephemeral is a single-use X25519 keypair. Destroy wipes the private half.
type Ephemeral struct {
	priv      *ecdh.PrivateKey
	privBytes []byte
	pub       []byte
	destroyed bool
}

func (e *Ephemeral) String() string {
	return "Ephemeral{REDACTED}"
}

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	for i := range e.privBytes {
		e.privBytes[i] = 0
	}
	e.priv = nil
	e.destroyed = true
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	privBytes := priv.Bytes()
	privCopy := make([]byte, len(privBytes))
	copy(privCopy, privBytes)
	return &Ephemeral{priv: priv, privBytes: privCopy, pub: priv.PublicKey().Bytes()}, nil
}

func X25519Shared(privKey, peerPub []byte) ([]byte, error) {
	if len(privKey) == 0 || len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	priv, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(pub)
}
