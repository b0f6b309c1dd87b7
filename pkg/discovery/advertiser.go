// Package discovery advertises hosted sessions on the local network via
// DNS-SD and browses for sessions to join. It rides on mDNS; nothing here
// touches the session transport itself.
package discovery

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

const (
	// Service is the DNS-SD service type for hosted sessions.
	Service = "_netplay._udp"

	// DefaultDomain is the DNS-SD domain.
	DefaultDomain = "local."
)

// TXT record keys.
const (
	txtKeySessionName = "sn"
	txtKeyPlayerCount = "pc"
	txtKeyMaxPlayers  = "mp"
	txtKeyVersion     = "pv"
)

// SessionInfo is what a host advertises about its session.
type SessionInfo struct {
	// Name is the human-readable session name.
	Name string

	// PlayerCount is the current number of connected players.
	PlayerCount int

	// MaxPlayers is the session capacity.
	MaxPlayers int

	// ProtocolVersion is the host's declared protocol version.
	ProtocolVersion uint16
}

func (s SessionInfo) encodeTXT() []string {
	return []string{
		txtKeySessionName + "=" + s.Name,
		txtKeyPlayerCount + "=" + strconv.Itoa(s.PlayerCount),
		txtKeyMaxPlayers + "=" + strconv.Itoa(s.MaxPlayers),
		txtKeyVersion + "=" + strconv.Itoa(int(s.ProtocolVersion)),
	}
}

// MDNSServer is the interface for mDNS service registration.
// This allows for dependency injection in tests.
type MDNSServer interface {
	// Shutdown stops the server.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances.
type MDNSServerFactory interface {
	// Register creates a new mDNS server for the given service.
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// zeroconfServerFactory is the production implementation using grandcat/zeroconf.
type zeroconfServerFactory struct{}

func (z *zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// AdvertiserConfig holds configuration for the Advertiser.
type AdvertiserConfig struct {
	// Port is the UDP port the session listens on. Required.
	Port int

	// Interfaces specifies which network interfaces to advertise on.
	// If nil, all interfaces are used.
	Interfaces []net.Interface

	// ServerFactory is the factory for creating mDNS servers.
	// If nil, the default zeroconf factory is used.
	ServerFactory MDNSServerFactory

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes a hosted session to the local network.
type Advertiser struct {
	config  AdvertiserConfig
	factory MDNSServerFactory
	log     logging.LeveledLogger

	mu       sync.Mutex
	server   MDNSServer
	instance string
	closed   bool
}

// NewAdvertiser creates a new Advertiser with the given configuration.
func NewAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	if config.Port <= 0 || config.Port > 65535 {
		return nil, ErrInvalidPort
	}

	factory := config.ServerFactory
	if factory == nil {
		factory = &zeroconfServerFactory{}
	}

	a := &Advertiser{
		config:  config,
		factory: factory,
	}
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("discovery")
	}
	return a, nil
}

// Start begins advertising the session. Updating the advertised info means
// Stop followed by Start; mDNS TXT records are cheap to re-register.
func (a *Advertiser) Start(info SessionInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.server != nil {
		return ErrAlreadyStarted
	}

	instance, err := randomInstanceName()
	if err != nil {
		return fmt.Errorf("discovery: failed to generate instance name: %w", err)
	}

	server, err := a.factory.Register(
		instance,
		Service,
		DefaultDomain,
		a.config.Port,
		info.encodeTXT(),
		a.config.Interfaces,
	)
	if err != nil {
		return fmt.Errorf("discovery: mDNS registration failed: %w", err)
	}

	if a.log != nil {
		a.log.Infof("advertising session %q on port %d", info.Name, a.config.Port)
	}

	a.server = server
	a.instance = instance
	return nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Close stops advertising permanently.
func (a *Advertiser) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.closed = true
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// randomInstanceName generates a random DNS-SD instance name so multiple
// sessions on one network never collide.
func randomInstanceName() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
