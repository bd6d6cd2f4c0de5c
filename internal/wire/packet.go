// internal/wire/packet.go

// Package wire implements the Mycorrhizal frame format.
//
// Every frame is a fixed 32-byte big-endian header, the payload, and an
// optional 64-byte Ed25519 signature. There is no source field on the wire;
// sender identity is proven by the signature or by payload encryption.
//
// Signatures cover a canonical view of the frame in which hop_count and ttl
// are zero, so a signed frame stays verifiable after intermediate hops have
// mutated those two bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"mycorrhizal/internal/crypto"
)

const (
	HeaderSize     = 32
	SignatureSize  = 64
	MaxPayloadSize = 65535

	DefaultTTL = 32
)

// PacketType is the wire type code at header offset 3.
type PacketType uint8

const (
	TypeData         PacketType = 0x01
	TypeAnnounce     PacketType = 0x02
	TypePathRequest  PacketType = 0x03
	TypePathResponse PacketType = 0x04
	TypeAck          PacketType = 0x05
	TypeKeepalive    PacketType = 0x06
)

func (t PacketType) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeAnnounce:
		return "ANNOUNCE"
	case TypePathRequest:
		return "PATH_REQUEST"
	case TypePathResponse:
		return "PATH_RESPONSE"
	case TypeAck:
		return "ACK"
	case TypeKeepalive:
		return "KEEPALIVE"
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// Flags is the bitmask at header offset 0. The low nibble is reserved.
type Flags uint8

const (
	FlagEncrypted  Flags = 0x80
	FlagSigned     Flags = 0x40
	FlagPriority   Flags = 0x20
	FlagFragmented Flags = 0x10
)

var ErrInvalidFrame = errors.New("invalid frame")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidFrame, fmt.Sprintf(format, args...))
}

// Packet is the single wire entity.
type Packet struct {
	Flags       Flags
	TTL         uint8
	HopCount    uint8
	Type        PacketType
	Destination crypto.Address
	Payload     []byte
	Signature   []byte // 64 bytes when FlagSigned is set
}

func New(t PacketType, dest crypto.Address, payload []byte, flags Flags) (*Packet, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d > %d", len(payload), MaxPayloadSize)
	}
	return &Packet{
		Flags:       flags,
		TTL:         DefaultTTL,
		Type:        t,
		Destination: dest,
		Payload:     payload,
	}, nil
}

func (p *Packet) IsSigned() bool     { return p.Flags&FlagSigned != 0 }
func (p *Packet) IsEncrypted() bool  { return p.Flags&FlagEncrypted != 0 }
func (p *Packet) IsPriority() bool   { return p.Flags&FlagPriority != 0 }
func (p *Packet) IsFragmented() bool { return p.Flags&FlagFragmented != 0 }

// IncrementHop advances the hop counter and burns TTL.
func (p *Packet) IncrementHop() {
	p.HopCount++
	if p.TTL > 0 {
		p.TTL--
	}
}

// appendHeader writes the 32-byte header. In canonical form ttl and
// hop_count are written as zero; that form is what signatures cover.
func (p *Packet) appendHeader(dst []byte, canonical bool) []byte {
	ttl, hops := p.TTL, p.HopCount
	if canonical {
		ttl, hops = 0, 0
	}
	dst = append(dst, uint8(p.Flags), ttl, hops, uint8(p.Type))
	dst = append(dst, p.Destination[:]...)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(p.Payload)))
	dst = append(dst, crypto.SHA256(p.Payload)[:8]...)
	dst = binary.BigEndian.AppendUint16(dst, 0) // reserved
	return dst
}

func (p *Packet) signedRegion() []byte {
	buf := make([]byte, 0, HeaderSize+len(p.Payload))
	buf = p.appendHeader(buf, true)
	return append(buf, p.Payload...)
}

// Sign sets FlagSigned and attaches a signature over the canonical view.
func (p *Packet) Sign(id *crypto.Identity) {
	p.Flags |= FlagSigned
	p.Signature = id.Sign(p.signedRegion())
}

// Verify checks the signature against a public identity.
func (p *Packet) Verify(pub *crypto.PublicIdentity) bool {
	if !p.IsSigned() || len(p.Signature) != SignatureSize {
		return false
	}
	return pub.Verify(p.signedRegion(), p.Signature)
}

// Encode serialises the packet for transmission.
func (p *Packet) Encode() []byte {
	size := HeaderSize + len(p.Payload)
	if p.IsSigned() {
		size += SignatureSize
	}
	buf := make([]byte, 0, size)
	buf = p.appendHeader(buf, false)
	buf = append(buf, p.Payload...)
	if p.IsSigned() {
		buf = append(buf, p.Signature...)
	}
	return buf
}

// Decode parses a received frame. The reserved field is ignored. Fails on a
// short buffer, a payload length beyond the buffer, a payload hash mismatch,
// or a missing signature.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, invalidf("short header: %d < %d", len(data), HeaderSize)
	}
	p := &Packet{
		Flags:    Flags(data[0]),
		TTL:      data[1],
		HopCount: data[2],
		Type:     PacketType(data[3]),
	}
	copy(p.Destination[:], data[4:20])
	payloadLen := int(binary.BigEndian.Uint16(data[20:22]))
	end := HeaderSize + payloadLen
	if len(data) < end {
		return nil, invalidf("short payload: %d < %d", len(data), end)
	}
	p.Payload = data[HeaderSize:end]
	if sum := crypto.SHA256(p.Payload); string(sum[:8]) != string(data[22:30]) {
		return nil, invalidf("payload hash mismatch")
	}
	if p.IsSigned() {
		if len(data) < end+SignatureSize {
			return nil, invalidf("short signature: %d < %d", len(data), end+SignatureSize)
		}
		p.Signature = data[end : end+SignatureSize]
	}
	return p, nil
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet(type=%s, dst=%s, ttl=%d, hops=%d, payload=%dB, flags=0x%02x)",
		p.Type, p.Destination.Short(), p.TTL, p.HopCount, len(p.Payload), uint8(p.Flags))
}

// AnnouncePayloadSize is the length of an announce body:
// signing_pub(32) || encryption_pub(32).
const AnnouncePayloadSize = 64

// AnnouncePayload builds the announce body for an identity.
func AnnouncePayload(pub *crypto.PublicIdentity) []byte {
	buf := make([]byte, 0, AnnouncePayloadSize)
	buf = append(buf, pub.SigningPub...)
	return append(buf, pub.EncryptionPub...)
}

// ParseAnnouncePayload recovers the announced identity. The caller still has
// to verify the signature and the address binding.
func ParseAnnouncePayload(payload []byte) (*crypto.PublicIdentity, error) {
	if len(payload) < AnnouncePayloadSize {
		return nil, invalidf("announce payload too short: %d", len(payload))
	}
	return crypto.NewPublicIdentity(payload[0:32], payload[32:64])
}
