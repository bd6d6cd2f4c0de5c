// internal/transport/udp.go
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"mycorrhizal/internal/debuglog"
)

const udpMaxFrame = 65535

// UDPConfig configures a datagram transport. Destinations may point at
// specific peers, a directed broadcast address, or both.
type UDPConfig struct {
	Config
	ListenAddr   string   // e.g. ":4242"
	Destinations []string // host:port targets for outbound frames
}

// UDP carries one frame per datagram. It fits LAN segments where every node
// listens on a known port; discovery happens through announces as usual.
type UDP struct {
	*base
	cfg UDPConfig

	mu      sync.Mutex
	conn    *net.UDPConn
	dests   []*net.UDPAddr
	local   string
	stopped chan struct{}
}

func NewUDP(cfg UDPConfig) (*UDP, error) {
	if cfg.Name == "" {
		cfg.Name = "udp0"
	}
	if len(cfg.Destinations) == 0 {
		return nil, errors.New("udp transport needs at least one destination")
	}
	t := &UDP{cfg: cfg}
	t.base = newBase(cfg.Config, t.Send)
	for _, d := range cfg.Destinations {
		addr, err := net.ResolveUDPAddr("udp", d)
		if err != nil {
			return nil, fmt.Errorf("bad destination %q: %w", d, err)
		}
		t.dests = append(t.dests, addr)
	}
	return t, nil
}

func (t *UDP) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Online() {
		return nil
	}
	laddr, err := net.ResolveUDPAddr("udp", t.cfg.ListenAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}
	t.conn = conn
	t.local = conn.LocalAddr().String()
	t.stopped = make(chan struct{})
	t.online.Store(true)
	go t.readLoop(conn, t.stopped)
	debuglog.Debugf("udp %s: listening on %s", t.name, t.local)
	return nil
}

// LocalAddr reports the bound address once the transport is started.
func (t *UDP) LocalAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *UDP) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Online() {
		return nil
	}
	t.online.Store(false)
	close(t.stopped)
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *UDP) Send(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("transport offline")
	}
	var lastErr error
	sent := false
	for _, dest := range t.dests {
		if _, err := conn.WriteToUDP(frame, dest); err != nil {
			lastErr = err
			continue
		}
		sent = true
	}
	if !sent {
		return lastErr
	}
	t.countTx(len(frame))
	return nil
}

func (t *UDP) readLoop(conn *net.UDPConn, stopped chan struct{}) {
	buf := make([]byte, udpMaxFrame)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stopped:
				return
			default:
			}
			debuglog.Debugf("udp %s: read error: %v", t.name, err)
			return
		}
		// A broadcast destination echoes our own datagrams back.
		if from.String() == t.local {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		t.deliver(frame, t)
	}
}
