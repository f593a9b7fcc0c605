package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/plures/hyperswarm/dht"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	client, err := dht.New(&dht.Config{Bootstrap: []string{"127.0.0.1:1"}})
	if err != nil {
		t.Fatalf("dht.New error: %v", err)
	}
	t.Cleanup(client.Shutdown)

	m := NewManager(&Config{MaxPeers: 4, RefreshInterval: time.Hour}, client)
	t.Cleanup(m.Stop)

	return m
}

func TestManager_JoinLeave(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	topic := [32]byte{1, 2, 3}
	if err := m.Join(ctx, topic); err != nil {
		t.Fatalf("Join error: %v", err)
	}

	m.mu.RLock()
	_, joined := m.topics[topic]
	m.mu.RUnlock()
	if !joined {
		t.Fatal("topic not registered after Join")
	}

	if peers := m.Peers(topic); len(peers) != 0 {
		t.Fatalf("peers = %v, want none with no reachable nodes", peers)
	}

	if err := m.Leave(ctx, topic); err != nil {
		t.Fatalf("Leave error: %v", err)
	}
	if peers := m.Peers(topic); peers != nil && len(peers) != 0 {
		t.Fatal("peer list must be dropped on Leave")
	}
}

func TestManager_StopIdempotent(t *testing.T) {
	m := newTestManager(t)

	m.Stop()
	m.Stop()
}

func TestManager_PeersUnknownTopic(t *testing.T) {
	m := newTestManager(t)

	if peers := m.Peers([32]byte{9}); len(peers) != 0 {
		t.Fatalf("peers = %v, want none for unjoined topic", peers)
	}
}
