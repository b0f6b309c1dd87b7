package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pion/logging"
	"github.com/spf13/cobra"

	"github.com/netplaykit/netplay/pkg/conn"
	"github.com/netplaykit/netplay/pkg/discovery"
	"github.com/netplaykit/netplay/pkg/transport"
)

func hostCmd() *cobra.Command {
	var (
		listen    string
		name      string
		advertise bool
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a session and chat with joining peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(listen, name, advertise)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":43210", "UDP listen address")
	cmd.Flags().StringVar(&name, "name", "netplay session", "advertised session name")
	cmd.Flags().BoolVar(&advertise, "advertise", true, "advertise the session on the LAN")

	return cmd
}

// peer is one connected client and its address.
type peer struct {
	conn *conn.HostConn
	addr net.Addr
}

func runHost(listen, name string, advertise bool) error {
	loggerFactory := logging.NewDefaultLoggerFactory()

	// Transport reads hand packets to the logic goroutine through a
	// bounded queue; when it backs up, dropping is the right call for a
	// datagram protocol.
	inbound := make(chan *transport.ReceivedPacket, 256)
	udp, err := transport.NewUDP(transport.UDPConfig{
		ListenAddr: listen,
		PacketHandler: func(pkt *transport.ReceivedPacket) {
			select {
			case inbound <- pkt:
			default:
			}
		},
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return err
	}
	if err := udp.Start(); err != nil {
		return err
	}
	defer udp.Stop()

	if advertise {
		port := udp.LocalAddr().(*net.UDPAddr).Port
		adv, err := discovery.NewAdvertiser(discovery.AdvertiserConfig{
			Port:          port,
			LoggerFactory: loggerFactory,
		})
		if err != nil {
			return err
		}
		if err := adv.Start(discovery.SessionInfo{
			Name:            name,
			MaxPlayers:      8,
			ProtocolVersion: conn.ProtocolVersionMax,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "advertising disabled: %v\n", err)
		} else {
			defer adv.Close()
		}
	}

	fmt.Printf("hosting on %s\n", udp.LocalAddr())

	lines := readLines()
	peers := make(map[string]*peer)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case pkt := <-inbound:
			key := pkt.PeerAddr.String()
			p, ok := peers[key]
			if !ok {
				p = newPeer(udp, pkt.PeerAddr.Addr, name, loggerFactory)
				if p == nil {
					continue
				}
				peers[key] = p
			}
			p.conn.OnRawPacket(pkt.Data)

		case line, ok := <-lines:
			if !ok {
				lines = nil // stdin closed; keep serving peers
				continue
			}
			broadcast(peers, chatPayload(line))

		case <-ticker.C:
			for key, p := range peers {
				p.conn.Update()
				if p.conn.State() == conn.StateErroring {
					p.conn.Close()
				}
				if p.conn.State() == conn.StateClosed {
					delete(peers, key)
				}
			}
		}
	}
}

// broadcast sends payload to every peer that is ready for it. Peers still
// handshaking are skipped; they have no stream to deliver on yet.
func broadcast(peers map[string]*peer, payload []byte) {
	for key, p := range peers {
		if p.conn.State() != conn.StateCommunicating {
			continue
		}
		if err := p.conn.SendReliable(payload); err != nil {
			fmt.Fprintf(os.Stderr, "* send to %s failed: %v\n", key, err)
		}
	}
}

func newPeer(udp *transport.UDP, addr net.Addr, hostName string, loggerFactory logging.LoggerFactory) *peer {
	key := addr.String()
	hc, err := conn.NewHost(conn.Config{
		Sender:   conn.SenderFunc(udp.Sender(addr)),
		Identity: []byte(hostName),
		OnReliablePayload: func(payload []byte) {
			if payload[0] == tagChat {
				fmt.Printf("[%s] %s\n", key, payload[1:])
			}
		},
		OnHandshakeComplete: func(version uint16, id conn.PeerIdentity) {
			fmt.Printf("* %s joined (protocol v%d, %s)\n", id.Payload, version, key)
		},
		OnError: func(message string) {
			fmt.Printf("* %s dropped: %s\n", key, message)
		},
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return nil
	}
	return &peer{conn: hc, addr: addr}
}

// readLines pumps stdin lines into a channel.
func readLines() <-chan string {
	ch := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
		close(ch)
	}()
	return ch
}
