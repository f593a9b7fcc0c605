package dht

import (
	"log/slog"
	"time"
)

// DefaultBootstrap is the mainline DHT bootstrap set used when the
// config carries no entries of its own.
var DefaultBootstrap = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
}

const (
	// resolveTimeout bounds the DNS lookup for one bootstrap entry.
	resolveTimeout = 2 * time.Second

	// pingTimeout bounds the wait for a single ping response and for
	// each find_node response of the bootstrap widening round.
	pingTimeout = 2 * time.Second

	// queryTimeout bounds the wait for get_peers and announce_peer
	// responses.
	queryTimeout = 5 * time.Second

	// tableReadCount is how many routing-table entries announce and
	// lookup fan out to per call.
	tableReadCount = 10
)

// Config configures a DHT client.
type Config struct {
	// Bootstrap nodes in "host:port" form. Empty means DefaultBootstrap.
	Bootstrap []string

	// BindPort is the local UDP port; 0 lets the OS pick.
	BindPort uint16

	// Logger for per-node failures and wire noise, all at debug.
	// Nil means slog.Default().
	Logger *slog.Logger
}
