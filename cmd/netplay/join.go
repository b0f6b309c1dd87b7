package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/logging"
	"github.com/spf13/cobra"

	"github.com/netplaykit/netplay/pkg/conn"
	"github.com/netplaykit/netplay/pkg/discovery"
	"github.com/netplaykit/netplay/pkg/transport"
)

func joinCmd() *cobra.Command {
	var (
		addr string
		nick string
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a session and chat",
		Long:  "Join a session by address, or browse the LAN for one when no address is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(addr, nick)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "host address (host:port); empty browses the LAN")
	cmd.Flags().StringVar(&nick, "nick", "player", "identity sent to the host")

	return cmd
}

func runJoin(addr, nick string) error {
	loggerFactory := logging.NewDefaultLoggerFactory()

	if addr == "" {
		browser, err := discovery.NewBrowser(discovery.BrowserConfig{})
		if err != nil {
			return err
		}
		fmt.Println("browsing for sessions...")
		found, err := browser.Browse(context.Background())
		if err != nil {
			return err
		}
		for _, s := range found {
			if s.Addr != nil {
				fmt.Printf("joining %q at %s\n", s.Info.Name, s.Addr)
				addr = s.Addr.String()
				break
			}
		}
		if addr == "" {
			return fmt.Errorf("no sessions found")
		}
	}

	peerAddr, err := transport.AddrFromString(addr)
	if err != nil {
		return err
	}

	inbound := make(chan *transport.ReceivedPacket, 256)
	udp, err := transport.NewUDP(transport.UDPConfig{
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

	done := make(chan struct{})
	cc, err := conn.NewClient(conn.Config{
		Sender:   conn.SenderFunc(udp.Sender(peerAddr.Addr)),
		Identity: []byte(nick),
		OnReliablePayload: func(payload []byte) {
			if payload[0] == tagChat {
				fmt.Printf("[host] %s\n", payload[1:])
			}
		},
		OnHandshakeComplete: func(version uint16, id conn.PeerIdentity) {
			fmt.Printf("* connected to %s (protocol v%d)\n", id.Payload, version)
		},
		OnError: func(message string) {
			fmt.Printf("* connection lost: %s\n", message)
			close(done)
		},
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return err
	}
	defer cc.Close()

	lines := readLines()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case pkt := <-inbound:
			cc.OnRawPacket(pkt.Data)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := cc.SendReliable(chatPayload(line)); err != nil {
				fmt.Printf("* send failed: %v\n", err)
			}
		case <-ticker.C:
			cc.Update()
		}
	}
}
