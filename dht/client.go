package dht

import (
	"context"
	"crypto/rand"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/plures/hyperswarm/internal/krpc"
)

// PeerAddress is one peer candidate returned by Lookup.
type PeerAddress struct {
	Addr *net.UDPAddr

	// NodeID is the remote node's 32-byte identity when known. Compact
	// peer values carry no identity, so it is usually nil.
	NodeID []byte
}

// Client is a mainline-compatible DHT client: one UDP socket, a random
// 20-byte node id, a bounded routing table, and the four KRPC queries.
//
// Announce and lookup are best-effort: per-node failures are logged at
// debug and skipped, and both operations return whatever they could
// gather.
type Client struct {
	config *Config
	logger *slog.Logger

	nodeID [krpc.IDSize]byte
	krpc   *KRPC
	table  *routingTable
}

// New binds a UDP socket on 0.0.0.0:config.BindPort (0 means
// OS-assigned) and generates a fresh node id. It fails only if the
// socket cannot be bound.
func New(config *Config) (*Client, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	k, err := newKRPC(config.BindPort, logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config: config,
		logger: logger,
		krpc:   k,
		table:  newRoutingTable(),
	}
	rand.Read(c.nodeID[:])

	return c, nil
}

// NodeID returns the client's stable 20-byte identifier.
func (c *Client) NodeID() [krpc.IDSize]byte {
	return c.nodeID
}

// LocalAddr returns the bound UDP address.
func (c *Client) LocalAddr() *net.UDPAddr {
	return c.krpc.LocalAddr()
}

// Bootstrap pings every configured bootstrap node (the built-in
// mainline set if none are configured) and seeds the routing table from
// the responders, then widens it with a self-targeted find_node round.
//
// Best-effort and idempotent: unresolved or unresponsive entries are
// skipped, and the call succeeds regardless of how many answered.
func (c *Client) Bootstrap(ctx context.Context) error {
	entries := c.config.Bootstrap
	if len(entries) == 0 {
		entries = DefaultBootstrap
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			addr, err := c.resolve(gctx, entry)
			if err != nil {
				c.logger.Debug("bootstrap resolve failed", "entry", entry, "error", err)
				return nil
			}
			if err := c.ping(gctx, addr); err != nil {
				c.logger.Debug("bootstrap ping failed", "addr", addr, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	c.widen(ctx)
	return nil
}

// resolve turns a "host:port" entry into a UDP address, bounding the
// DNS lookup.
func (c *Client) resolve(ctx context.Context, entry string) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(entry)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(rctx, "ip", host)
	if err != nil {
		return nil, err
	}

	return &net.UDPAddr{IP: ips[0], Port: port}, nil
}

// ping sends a single ping and inserts the responder into the routing
// table when its id is well-formed.
func (c *Client) ping(ctx context.Context, addr *net.UDPAddr) error {
	msg := krpc.PingQuery(c.krpc.generateTransactionID(), c.nodeID)

	response, err := c.krpc.SendQuery(ctx, msg, addr, pingTimeout)
	if err != nil {
		return err
	}

	if id, ok := response.GetNodeID(); ok {
		c.table.insert(id, addr)
	}
	return nil
}

// widen asks known nodes for neighbours of our own id and inserts
// whatever comes back. Skipped when the table is empty.
func (c *Client) widen(ctx context.Context) {
	var target [krpc.IDSize]byte
	copy(target[:], c.nodeID[:])

	var wg sync.WaitGroup
	for _, entry := range c.table.take(tableReadCount) {
		entry := entry
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := krpc.FindNodeQuery(c.krpc.generateTransactionID(), c.nodeID, target)

			response, err := c.krpc.SendQuery(ctx, msg, entry.addr, pingTimeout)
			if err != nil {
				c.logger.Debug("find_node failed", "addr", entry.addr, "error", err)
				return
			}

			nodes, ok := response.GetNodes()
			if !ok {
				return
			}
			for _, info := range krpc.ParseCompactNodes(nodes) {
				c.table.insert(info.ID, info.Addr)
			}
		}()
	}
	wg.Wait()
}

// Announce publishes infoHash with the given port: for each of up to 10
// known nodes, get_peers obtains a write token, then announce_peer
// stores us. An empty routing table triggers one bootstrap first.
func (c *Client) Announce(ctx context.Context, infoHash []byte, port uint16) error {
	entries := c.table.take(tableReadCount)
	if len(entries) == 0 {
		c.Bootstrap(ctx)
		entries = c.table.take(tableReadCount)
	}

	var wg sync.WaitGroup
	for _, entry := range entries {
		entry := entry
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.announceTo(ctx, entry.addr, infoHash, port); err != nil {
				c.logger.Debug("announce failed", "addr", entry.addr, "error", err)
			}
		}()
	}
	wg.Wait()

	return nil
}

func (c *Client) announceTo(
	ctx context.Context,
	addr *net.UDPAddr,
	infoHash []byte,
	port uint16,
) error {
	msg := krpc.GetPeersQuery(c.krpc.generateTransactionID(), c.nodeID, infoHash)

	response, err := c.krpc.SendQuery(ctx, msg, addr, queryTimeout)
	if err != nil {
		return err
	}

	token, ok := response.GetToken()
	if !ok {
		return ErrQueryFailed
	}

	announce := krpc.AnnouncePeerQuery(
		c.krpc.generateTransactionID(),
		c.nodeID,
		infoHash,
		int(port),
		token,
	)
	_, err = c.krpc.SendQuery(ctx, announce, addr, queryTimeout)
	return err
}

// Lookup resolves infoHash to peer candidates by asking up to 10 known
// nodes for values. Results are concatenated without de-duplication; an
// empty routing table triggers one bootstrap first.
func (c *Client) Lookup(ctx context.Context, infoHash []byte) ([]PeerAddress, error) {
	entries := c.table.take(tableReadCount)
	if len(entries) == 0 {
		c.Bootstrap(ctx)
		entries = c.table.take(tableReadCount)
	}

	var (
		mu    sync.Mutex
		peers []PeerAddress
	)

	var wg sync.WaitGroup
	for _, entry := range entries {
		entry := entry
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := krpc.GetPeersQuery(c.krpc.generateTransactionID(), c.nodeID, infoHash)

			response, err := c.krpc.SendQuery(ctx, msg, entry.addr, queryTimeout)
			if err != nil {
				c.logger.Debug("get_peers failed", "addr", entry.addr, "error", err)
				return
			}

			values, ok := response.GetValues()
			if !ok {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			for _, v := range values {
				if addr, ok := krpc.ParseCompactPeer([]byte(v)); ok {
					peers = append(peers, PeerAddress{Addr: addr})
				}
			}
		}()
	}
	wg.Wait()

	return peers, nil
}

// Flush waits for pending operations. Query tracking is synchronous per
// call, so there is nothing to drain.
func (c *Client) Flush(ctx context.Context) error {
	return nil
}

// Shutdown stops the background loops and releases the socket.
func (c *Client) Shutdown() {
	c.krpc.Stop()
}

// AddNode inserts a node directly into the routing table, bypassing the
// ping exchange. Intended for tests.
func (c *Client) AddNode(id [krpc.IDSize]byte, addr *net.UDPAddr) {
	c.table.insert(id, addr)
}
