package dht

import (
	"net"
	"sync"

	"github.com/plures/hyperswarm/internal/krpc"
)

// tableBound caps the routing table size. Insertion beyond the bound
// evicts the oldest entry.
const tableBound = 100

type nodeEntry struct {
	id   [krpc.IDSize]byte
	addr *net.UDPAddr
}

// routingTable is a bounded FIFO of known-good nodes. Not a k-bucket
// tree: entries are kept in insertion order and read oldest-first,
// which is all the announce/lookup fan-out needs.
type routingTable struct {
	mu    sync.Mutex
	nodes []nodeEntry
}

func newRoutingTable() *routingTable {
	return &routingTable{}
}

func (rt *routingTable) insert(id [krpc.IDSize]byte, addr *net.UDPAddr) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.nodes = append(rt.nodes, nodeEntry{id: id, addr: addr})
	if len(rt.nodes) > tableBound {
		rt.nodes = append(rt.nodes[:0], rt.nodes[1:]...)
	}
}

// take returns up to n entries, oldest first.
func (rt *routingTable) take(n int) []nodeEntry {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if n > len(rt.nodes) {
		n = len(rt.nodes)
	}

	out := make([]nodeEntry, n)
	copy(out, rt.nodes[:n])
	return out
}

func (rt *routingTable) size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.nodes)
}
