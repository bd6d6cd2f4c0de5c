// internal/transport/quic.go
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"mycorrhizal/internal/debuglog"
)

const (
	quicALPN     = "mycorrhizal-quic"
	quicMaxFrame = 1 << 17 // header + 64 KiB payload + signature, with margin
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a deterministic self-signed certificate. Link privacy is
// not a goal of the transport layer; payload security lives in the packet
// layer (signatures, channel and colony encryption).
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("mycorrhizal-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{quicALPN},
	}, nil
}

// QUICConfig configures a point-to-point stream transport, typically used on
// gateway links between mesh segments.
type QUICConfig struct {
	Config
	ListenAddr string   // empty for dial-only operation
	Peers      []string // addresses to deliver frames to
}

// QUIC sends each frame on its own unidirectional stream, length-prefixed
// with 4 bytes big-endian. Peer connections are dialed lazily and redialed
// after failure.
type QUIC struct {
	*base
	cfg QUICConfig

	mu       sync.Mutex
	listener *quic.Listener
	conns    map[string]*quic.Conn
	cancel   context.CancelFunc
}

func NewQUIC(cfg QUICConfig) *QUIC {
	if cfg.Name == "" {
		cfg.Name = "quic0"
	}
	t := &QUIC{cfg: cfg, conns: make(map[string]*quic.Conn)}
	t.base = newBase(cfg.Config, t.Send)
	return t
}

func (t *QUIC) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Online() {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	if t.cfg.ListenAddr != "" {
		tlsConf, err := serverTLSConfig()
		if err != nil {
			cancel()
			return err
		}
		listener, err := quic.ListenAddr(t.cfg.ListenAddr, tlsConf, nil)
		if err != nil {
			cancel()
			return err
		}
		t.listener = listener
		go t.acceptLoop(ctx, listener)
		debuglog.Debugf("quic %s: listening on %s", t.name, t.cfg.ListenAddr)
	}
	t.online.Store(true)
	return nil
}

func (t *QUIC) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Online() {
		return nil
	}
	t.online.Store(false)
	t.cancel()
	if t.listener != nil {
		_ = t.listener.Close()
		t.listener = nil
	}
	for addr, conn := range t.conns {
		_ = conn.CloseWithError(0, "shutdown")
		delete(t.conns, addr)
	}
	return nil
}

func (t *QUIC) Send(frame []byte) error {
	if !t.Online() {
		return errors.New("transport offline")
	}
	if len(frame) > quicMaxFrame {
		return fmt.Errorf("frame too large: %d", len(frame))
	}
	var lastErr error
	sent := false
	for _, addr := range t.cfg.Peers {
		if err := t.sendTo(addr, frame); err != nil {
			lastErr = err
			continue
		}
		sent = true
	}
	if !sent && lastErr != nil {
		return lastErr
	}
	t.countTx(len(frame))
	return nil
}

func (t *QUIC) sendTo(addr string, frame []byte) error {
	conn, err := t.peerConn(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		t.dropConn(addr, conn)
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := stream.Write(lenBuf[:]); err != nil {
		_ = stream.Close()
		t.dropConn(addr, conn)
		return err
	}
	if _, err := stream.Write(frame); err != nil {
		_ = stream.Close()
		t.dropConn(addr, conn)
		return err
	}
	return stream.Close()
}

func (t *QUIC) peerConn(addr string) (*quic.Conn, error) {
	t.mu.Lock()
	if conn, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.conns[addr] = conn
	t.mu.Unlock()
	go t.streamLoop(context.Background(), conn)
	return conn, nil
}

func (t *QUIC) dropConn(addr string, conn *quic.Conn) {
	t.mu.Lock()
	if t.conns[addr] == conn {
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	_ = conn.CloseWithError(0, "send failed")
}

func (t *QUIC) acceptLoop(ctx context.Context, listener *quic.Listener) {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			return
		}
		go t.streamLoop(ctx, conn)
	}
}

func (t *QUIC) streamLoop(ctx context.Context, conn *quic.Conn) {
	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go func() {
			frame, err := readFrame(stream)
			if err != nil {
				debuglog.Debugf("quic %s: bad frame: %v", t.name, err)
				return
			}
			t.deliver(frame, t)
		}()
	}
}

// readFrame reads one 4-byte length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > quicMaxFrame {
		return nil, fmt.Errorf("invalid frame size %d", n)
	}
	frame := make([]byte, int(n))
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
