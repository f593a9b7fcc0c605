// Package discovery coordinates the announce/lookup lifecycle across
// joined topics: one immediate round on join, then a background refresh
// loop that keeps announcements alive and peer lists current.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/plures/hyperswarm/dht"
	"github.com/plures/hyperswarm/pkg/retry"
)

const (
	defaultRefreshInterval = 60 * time.Second
	announceAttempts       = 3
)

type Config struct {
	// MaxPeers caps how many peer candidates are retained per topic.
	MaxPeers int

	// RefreshInterval is the period of the re-announce/re-lookup loop.
	// Zero means the 60-second default.
	RefreshInterval time.Duration

	Logger *slog.Logger
}

// Manager owns the set of joined topics and their freshest peer lists.
type Manager struct {
	config *Config
	logger *slog.Logger
	dht    *dht.Client

	mu     sync.RWMutex
	topics map[[32]byte][]dht.PeerAddress

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager starts the refresh loop immediately; Stop shuts it down.
func NewManager(config *Config, client *dht.Client) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.RefreshInterval == 0 {
		config.RefreshInterval = defaultRefreshInterval
	}

	m := &Manager{
		config: config,
		logger: logger,
		dht:    client,
		topics: make(map[[32]byte][]dht.PeerAddress),
		done:   make(chan struct{}),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.refreshLoop()
	}()

	return m
}

// Join registers topic and runs one immediate announce+lookup round.
func (m *Manager) Join(ctx context.Context, topic [32]byte) error {
	m.mu.Lock()
	if _, joined := m.topics[topic]; !joined {
		m.topics[topic] = nil
	}
	m.mu.Unlock()

	return m.refreshTopic(ctx, topic)
}

// Leave deregisters topic and drops its peer list. Records already
// announced expire remotely on their own.
func (m *Manager) Leave(ctx context.Context, topic [32]byte) error {
	m.mu.Lock()
	delete(m.topics, topic)
	m.mu.Unlock()
	return nil
}

// Peers returns the peer candidates from the most recent lookup round
// for topic.
func (m *Manager) Peers(topic [32]byte) []dht.PeerAddress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]dht.PeerAddress(nil), m.topics[topic]...)
}

// Stop terminates the refresh loop and waits for it.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Manager) refreshLoop() {
	ticker := time.NewTicker(m.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.refreshAll()
		}
	}
}

func (m *Manager) refreshAll() {
	m.mu.RLock()
	topics := make([][32]byte, 0, len(m.topics))
	for topic := range m.topics {
		topics = append(topics, topic)
	}
	m.mu.RUnlock()

	ctx := context.Background()
	for _, topic := range topics {
		if err := m.refreshTopic(ctx, topic); err != nil {
			m.logger.Debug("topic refresh failed", "error", err)
		}

		select {
		case <-m.done:
			return
		default:
		}
	}
}

// refreshTopic announces the topic (with backoff on failure), then
// refreshes its peer list from a lookup.
func (m *Manager) refreshTopic(ctx context.Context, topic [32]byte) error {
	err := retry.Do(ctx, func(ctx context.Context) error {
		return m.dht.Announce(ctx, topic[:], 0)
	}, retry.WithMaxAttempts(announceAttempts))
	if err != nil {
		return err
	}

	peers, err := m.dht.Lookup(ctx, topic[:])
	if err != nil {
		return err
	}
	if m.config.MaxPeers > 0 && len(peers) > m.config.MaxPeers {
		peers = peers[:m.config.MaxPeers]
	}

	m.mu.Lock()
	if _, joined := m.topics[topic]; joined {
		m.topics[topic] = peers
	}
	m.mu.Unlock()

	m.logger.Debug("topic refreshed", "peers", len(peers))
	return nil
}
