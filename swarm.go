// Package hyperswarm lets a set of peers find each other by a shared
// 32-byte topic and exchange data over authenticated, encrypted UDP,
// without a central server.
//
// The façade here composes the DHT client with a discovery manager;
// the dht, holepunch, and transport packages expose the underlying
// rendezvous and transport machinery directly.
package hyperswarm

import (
	"context"
	"log/slog"
	"net"

	"github.com/plures/hyperswarm/dht"
	"github.com/plures/hyperswarm/internal/discovery"
)

// Config configures a swarm.
type Config struct {
	// Bootstrap nodes in "host:port" form; empty means the built-in
	// mainline set.
	Bootstrap []string

	// Port is the local UDP port for the DHT socket; 0 lets the OS pick.
	Port uint16

	// MaxPeers caps the peer candidates retained per joined topic.
	MaxPeers int

	// Logger receives debug-level noise from all subsystems. Nil means
	// slog.Default().
	Logger *slog.Logger
}

func DefaultConfig() *Config {
	return &Config{
		MaxPeers: 64,
	}
}

// Hyperswarm is the lifecycle handle for topic rendezvous: join topics,
// read back discovered peers, tear everything down with Destroy.
type Hyperswarm struct {
	logger    *slog.Logger
	dht       *dht.Client
	discovery *discovery.Manager
}

// New binds the DHT socket and starts the discovery refresh loop.
func New(config *Config) (*Hyperswarm, error) {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := dht.New(&dht.Config{
		Bootstrap: config.Bootstrap,
		BindPort:  config.Port,
		Logger:    logger,
	})
	if err != nil {
		return nil, dhtError(err)
	}

	manager := discovery.NewManager(&discovery.Config{
		MaxPeers: config.MaxPeers,
		Logger:   logger,
	}, client)

	return &Hyperswarm{
		logger:    logger,
		dht:       client,
		discovery: manager,
	}, nil
}

// Join announces the topic on the DHT and starts looking up peers for
// it; the discovery loop keeps both fresh until Leave.
func (h *Hyperswarm) Join(ctx context.Context, topic Topic) error {
	return dhtError(h.discovery.Join(ctx, topic))
}

// Leave stops announcing and discovering the topic.
func (h *Hyperswarm) Leave(ctx context.Context, topic Topic) error {
	return dhtError(h.discovery.Leave(ctx, topic))
}

// Peers returns the candidates discovered for topic in the most recent
// lookup round.
func (h *Hyperswarm) Peers(topic Topic) []dht.PeerAddress {
	return h.discovery.Peers(topic)
}

// Flush waits until pending DHT operations complete.
func (h *Hyperswarm) Flush(ctx context.Context) error {
	return dhtError(h.dht.Flush(ctx))
}

// Destroy stops the discovery loop and releases the DHT socket. The
// swarm is unusable afterwards.
func (h *Hyperswarm) Destroy() error {
	h.discovery.Stop()
	h.dht.Shutdown()
	return nil
}

// LocalAddr returns the DHT socket's bound address.
func (h *Hyperswarm) LocalAddr() *net.UDPAddr {
	return h.dht.LocalAddr()
}
