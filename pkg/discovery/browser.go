package discovery

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 5 * time.Second

// FoundSession is a session discovered on the local network.
type FoundSession struct {
	// Info is the advertised session metadata.
	Info SessionInfo

	// HostName is the advertising host's mDNS name.
	HostName string

	// Addr is the preferred address to connect to, or nil if the entry
	// carried no usable IP.
	Addr *net.UDPAddr
}

// MDNSResolver is the interface for mDNS browsing.
// This allows for dependency injection in tests.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

// BrowserConfig holds configuration for the Browser.
type BrowserConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// BrowseTimeout is the timeout for browse operations.
	// If zero, DefaultBrowseTimeout is used.
	BrowseTimeout time.Duration
}

// Browser discovers hosted sessions on the local network.
type Browser struct {
	resolver MDNSResolver
	timeout  time.Duration
}

// NewBrowser creates a new Browser with the given configuration.
func NewBrowser(config BrowserConfig) (*Browser, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}
	timeout := config.BrowseTimeout
	if timeout == 0 {
		timeout = DefaultBrowseTimeout
	}
	return &Browser{resolver: resolver, timeout: timeout}, nil
}

// Browse collects sessions advertised on the local network until the
// timeout (or ctx) expires.
func (b *Browser) Browse(ctx context.Context) ([]FoundSession, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	done := make(chan []FoundSession, 1)

	go func() {
		var found []FoundSession
		for entry := range entries {
			found = append(found, sessionFromEntry(entry))
		}
		done <- found
	}()

	err := b.resolver.Browse(ctx, Service, DefaultDomain, entries)
	if err != nil {
		return nil, err
	}

	<-ctx.Done()
	// zeroconf closes the entries channel when browsing finishes.
	return <-done, nil
}

// sessionFromEntry converts a raw DNS-SD entry into a FoundSession.
// Unknown TXT keys are ignored; missing ones leave zero values.
func sessionFromEntry(entry *zeroconf.ServiceEntry) FoundSession {
	s := FoundSession{HostName: entry.HostName}

	for _, kv := range entry.Text {
		for i := 0; i < len(kv); i++ {
			if kv[i] != '=' {
				continue
			}
			key, val := kv[:i], kv[i+1:]
			switch key {
			case txtKeySessionName:
				s.Info.Name = val
			case txtKeyPlayerCount:
				s.Info.PlayerCount, _ = strconv.Atoi(val)
			case txtKeyMaxPlayers:
				s.Info.MaxPlayers, _ = strconv.Atoi(val)
			case txtKeyVersion:
				v, _ := strconv.Atoi(val)
				s.Info.ProtocolVersion = uint16(v)
			}
			break
		}
	}

	var ip net.IP
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0]
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0]
	}
	if ip != nil {
		s.Addr = &net.UDPAddr{IP: ip, Port: entry.Port}
	}
	return s
}
