// internal/wire/fragment.go
package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"mycorrhizal/internal/crypto"
)

// Fragment layout inside a DATA payload carrying FlagFragmented:
// transfer_id(16) || index(1) || frag_flags(1) || chunk.
const (
	FragmentHeaderSize = 18
	// FragmentDataSize keeps a signed frame inside a 255-byte LoRa airframe:
	// 255 - 32 (header) - 64 (signature) - 18 (fragment header) leaves 141.
	FragmentDataSize = 140
	MaxFragments     = 256
	MaxTransferSize  = 64 * 1024

	FragmentFlagFinal = 0x01
)

// TransferID names one in-flight fragmented transfer. Receivers treat it as
// an opaque key.
type TransferID [16]byte

func (t TransferID) Hex() string {
	return hex.EncodeToString(t[:])
}

func (t TransferID) Short() string {
	return hex.EncodeToString(t[:4])
}

type Fragment struct {
	TransferID TransferID
	Index      uint8
	Flags      uint8
	Data       []byte
}

func (f *Fragment) IsFinal() bool {
	return f.Flags&FragmentFlagFinal != 0
}

func (f *Fragment) Encode() []byte {
	buf := make([]byte, 0, FragmentHeaderSize+len(f.Data))
	buf = append(buf, f.TransferID[:]...)
	buf = append(buf, f.Index, f.Flags)
	return append(buf, f.Data...)
}

func ParseFragment(payload []byte) (*Fragment, error) {
	if len(payload) < FragmentHeaderSize {
		return nil, invalidf("fragment too small: %d", len(payload))
	}
	f := &Fragment{
		Index: payload[16],
		Flags: payload[17],
		Data:  payload[FragmentHeaderSize:],
	}
	copy(f.TransferID[:], payload[0:16])
	return f, nil
}

var (
	ErrOversize         = fmt.Errorf("transfer exceeds %d bytes", MaxTransferSize)
	ErrTooManyFragments = fmt.Errorf("transfer exceeds %d fragments", MaxFragments)
)

// DeriveTransferID mixes the payload, the sender's clock and fresh randomness
// so concurrent transfers of identical data stay distinct.
func DeriveTransferID(data []byte, nowMillis int64) (TransferID, error) {
	rnd, err := crypto.RandomBytes(8)
	if err != nil {
		return TransferID{}, err
	}
	buf := make([]byte, 0, len(data)+16)
	buf = append(buf, data...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(nowMillis))
	buf = append(buf, rnd...)
	var id TransferID
	copy(id[:], crypto.SHA256(buf)[:16])
	return id, nil
}

// Split fragments meta-prefixed data into chunks of FragmentDataSize. The
// last chunk carries the FINAL flag.
func Split(data []byte, meta map[string]string, nowMillis int64) ([]*Fragment, TransferID, error) {
	if len(data) > MaxTransferSize {
		return nil, TransferID{}, ErrOversize
	}
	id, err := DeriveTransferID(data, nowMillis)
	if err != nil {
		return nil, TransferID{}, err
	}
	if len(meta) > 0 {
		data = append(EncodeMetadata(meta), data...)
	}
	total := (len(data) + FragmentDataSize - 1) / FragmentDataSize
	if total > MaxFragments {
		return nil, TransferID{}, ErrTooManyFragments
	}
	frags := make([]*Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * FragmentDataSize
		end := min(start+FragmentDataSize, len(data))
		var flags uint8
		if i == total-1 {
			flags = FragmentFlagFinal
		}
		frags = append(frags, &Fragment{
			TransferID: id,
			Index:      uint8(i),
			Flags:      flags,
			Data:       data[start:end],
		})
	}
	return frags, id, nil
}

// EncodeMetadata renders the optional prefix: meta_len(u16) || key=value lines.
// Keys are emitted in sorted order so the prefix is deterministic.
func EncodeMetadata(meta map[string]string) []byte {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+meta[k])
	}
	body := []byte(strings.Join(lines, "\n"))
	out := make([]byte, 0, 2+len(body))
	out = binary.BigEndian.AppendUint16(out, uint16(len(body)))
	return append(out, body...)
}

// ExtractMetadata strips the metadata prefix from a reassembled stream.
// Streams without a plausible prefix come back unchanged with empty metadata.
func ExtractMetadata(data []byte) (map[string]string, []byte) {
	meta := map[string]string{}
	if len(data) < 2 {
		return meta, data
	}
	metaLen := int(binary.BigEndian.Uint16(data[:2]))
	if metaLen == 0 || len(data) < 2+metaLen {
		return meta, data
	}
	body := data[2 : 2+metaLen]
	for _, line := range strings.Split(string(body), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		meta[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return meta, data[2+metaLen:]
}
