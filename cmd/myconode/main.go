package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"mycorrhizal/internal/core"
	"mycorrhizal/internal/crypto"
	"mycorrhizal/internal/messaging"
	"mycorrhizal/internal/transport"
	"mycorrhizal/internal/wire"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: myconode <run|id> [args]")
	fmt.Fprintln(w, "  run --udp-listen :4242 --udp-dest host:port[,host:port] [--quic-listen addr] [--quic-peer addr] [--name n] [--debug]")
	fmt.Fprintln(w, "  id")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".mycorrhizal")
}

func loadIdentity(stderr io.Writer) (*crypto.Identity, int) {
	ks := crypto.FileKeystore{Path: filepath.Join(homeDir(), "identity")}
	id, err := crypto.LoadOrCreate(ks)
	if err != nil {
		fmt.Fprintf(stderr, "load identity failed: %v\n", err)
		return nil, 1
	}
	return id, 0
}

func runID(_ []string, stdout, stderr io.Writer) int {
	id, code := loadIdentity(stderr)
	if code != 0 {
		return code
	}
	fmt.Fprintf(stdout, "address: %s\n", id.Address().Hex())
	return 0
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", "node", "node name")
	udpListen := fs.String("udp-listen", "", "UDP listen addr (host:port)")
	udpDest := fs.String("udp-dest", "", "comma-separated UDP destinations")
	quicListen := fs.String("quic-listen", "", "QUIC listen addr")
	quicPeer := fs.String("quic-peer", "", "comma-separated QUIC peers")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("MYC_DEBUG", "1")
	}

	id, code := loadIdentity(stderr)
	if code != 0 {
		return code
	}

	node := core.NewNode(id, core.Options{Name: *name, AutoJoinInvites: true}, core.Hooks{
		OnData: func(payload []byte, source *crypto.Address, _ *wire.Packet) {
			src := "unknown"
			if source != nil {
				src = source.Short()
			}
			fmt.Fprintf(stdout, "[data] %s: %q\n", src, payload)
		},
		OnAnnounce: func(pkt *wire.Packet, _ *crypto.PublicIdentity) {
			fmt.Fprintf(stdout, "[announce] %s (hops=%d)\n", pkt.Destination.Short(), pkt.HopCount)
		},
		OnFileReceived: func(tid wire.TransferID, data []byte, meta map[string]string, _ *crypto.Address) {
			fmt.Fprintf(stdout, "[file] %s: %s (%d bytes)\n", tid.Short(), meta["filename"], len(data))
		},
		OnColonyJoined: func(c *messaging.Colony) {
			fmt.Fprintf(stdout, "[colony] joined %q (%s)\n", c.Name(), c.ID().Short())
		},
	})

	if *udpListen != "" {
		if *udpDest == "" {
			fmt.Fprintln(stderr, "missing --udp-dest")
			return 1
		}
		udp, err := transport.NewUDP(transport.UDPConfig{
			Config:       transport.Config{Name: "udp0"},
			ListenAddr:   *udpListen,
			Destinations: strings.Split(*udpDest, ","),
		})
		if err != nil {
			fmt.Fprintf(stderr, "udp transport: %v\n", err)
			return 1
		}
		node.AttachTransport(udp)
	}
	if *quicListen != "" || *quicPeer != "" {
		var peers []string
		if *quicPeer != "" {
			peers = strings.Split(*quicPeer, ",")
		}
		node.AttachTransport(transport.NewQUIC(transport.QUICConfig{
			Config:     transport.Config{Name: "quic0", Mode: transport.ModeGateway},
			ListenAddr: *quicListen,
			Peers:      peers,
		}))
	}

	if err := node.Start(true); err != nil {
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return 1
	}
	defer node.Stop()
	fmt.Fprintf(stdout, "node %s ready, address %s\n", *name, id.Address().Hex())

	return repl(node, stdout, stderr)
}

func repl(node *core.Node, stdout, stderr io.Writer) int {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprintln(stdout, "commands: announce | send <addr> <text> | invite <colony> | say <colony> <text> | colony <name> | stats | quit")
	var colonies []*messaging.Colony

	findColony := func(name string) *messaging.Colony {
		for _, c := range colonies {
			if c.Name() == name {
				return c
			}
		}
		return nil
	}

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit":
			return 0
		case "announce":
			if err := node.Announce(); err != nil {
				fmt.Fprintf(stderr, "announce: %v\n", err)
			}
		case "send":
			if len(fields) < 3 {
				fmt.Fprintln(stderr, "usage: send <addr> <text>")
				continue
			}
			addr, err := crypto.AddressFromHex(fields[1])
			if err != nil {
				fmt.Fprintf(stderr, "bad address: %v\n", err)
				continue
			}
			if err := node.SendData(addr, []byte(strings.Join(fields[2:], " "))); err != nil {
				fmt.Fprintf(stderr, "send: %v\n", err)
			}
		case "colony":
			if len(fields) != 2 {
				fmt.Fprintln(stderr, "usage: colony <name>")
				continue
			}
			c, err := node.CreateColony(fields[1])
			if err != nil {
				fmt.Fprintf(stderr, "colony: %v\n", err)
				continue
			}
			colonies = append(colonies, c)
			fmt.Fprintf(stdout, "created colony %q, invite:\n%s\n", c.Name(), messaging.FormatInvite(c.KeyMaterial()))
		case "invite":
			if len(fields) != 2 {
				fmt.Fprintln(stderr, "usage: invite <colony>")
				continue
			}
			if c := findColony(fields[1]); c != nil {
				fmt.Fprintln(stdout, messaging.FormatInvite(c.KeyMaterial()))
			} else {
				fmt.Fprintln(stderr, "unknown colony")
			}
		case "say":
			if len(fields) < 3 {
				fmt.Fprintln(stderr, "usage: say <colony> <text>")
				continue
			}
			c := findColony(fields[1])
			if c == nil {
				fmt.Fprintln(stderr, "unknown colony")
				continue
			}
			if err := c.Send([]byte(strings.Join(fields[2:], " "))); err != nil {
				fmt.Fprintf(stderr, "say: %v\n", err)
			}
		case "stats":
			s := node.Stats()
			fmt.Fprintf(stdout, "address=%s identities=%d routes=%d colonies=%d transfers=%d\n",
				s.Address, s.Identities, s.Routes, s.Colonies, s.ActiveTransfers)
			for _, t := range s.Transports {
				fmt.Fprintf(stdout, "  %s mode=%s online=%v tx=%d rx=%d\n",
					t.Name, t.Mode, t.Online, t.Counters.TxFrames, t.Counters.RxFrames)
			}
		default:
			fmt.Fprintf(stderr, "unknown command: %s\n", fields[0])
		}
	}
	return 0
}
