package krpc

import (
	"encoding/binary"
	"net"
)

// Compact wire encodings from the mainline DHT specification:
//
//	peer v4:  IP(4)  || port(2, big-endian)           = 6 bytes
//	peer v6:  IP(16) || port(2, big-endian)           = 18 bytes
//	node:     id(20) || IP(4) || port(2, big-endian)  = 26 bytes
const (
	compactPeerV4Size = 6
	compactPeerV6Size = 18
	compactNodeSize   = IDSize + compactPeerV4Size
)

// NodeInfo is one entry of a compact node list.
type NodeInfo struct {
	ID   [IDSize]byte
	Addr *net.UDPAddr
}

// ParseCompactPeer decodes a single compact peer value. Values of any
// length other than 6 (IPv4) or 18 (IPv6) are rejected.
func ParseCompactPeer(b []byte) (*net.UDPAddr, bool) {
	switch len(b) {
	case compactPeerV4Size, compactPeerV6Size:
	default:
		return nil, false
	}

	ipLen := len(b) - 2
	ip := make(net.IP, ipLen)
	copy(ip, b[:ipLen])
	port := binary.BigEndian.Uint16(b[ipLen:])

	return &net.UDPAddr{IP: ip, Port: int(port)}, true
}

// CompactPeer encodes addr in compact peer form, 6 bytes for IPv4 and
// 18 for IPv6.
func CompactPeer(addr *net.UDPAddr) []byte {
	ip := addr.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	b := make([]byte, 0, len(ip)+2)
	b = append(b, ip...)
	b = binary.BigEndian.AppendUint16(b, uint16(addr.Port))
	return b
}

// ParseCompactNodes decodes a concatenation of 26-byte compact node
// entries. A short tail is discarded. Only IPv4 node info exists on the
// wire.
func ParseCompactNodes(b []byte) []NodeInfo {
	var nodes []NodeInfo

	for len(b) >= compactNodeSize {
		chunk := b[:compactNodeSize]
		b = b[compactNodeSize:]

		var info NodeInfo
		copy(info.ID[:], chunk[:IDSize])

		ip := make(net.IP, 4)
		copy(ip, chunk[IDSize:IDSize+4])
		port := binary.BigEndian.Uint16(chunk[IDSize+4:])

		info.Addr = &net.UDPAddr{IP: ip, Port: int(port)}
		nodes = append(nodes, info)
	}

	return nodes
}

// CompactNode encodes one node entry; nil for non-IPv4 addresses.
func CompactNode(id [IDSize]byte, addr *net.UDPAddr) []byte {
	v4 := addr.IP.To4()
	if v4 == nil {
		return nil
	}

	b := make([]byte, 0, compactNodeSize)
	b = append(b, id[:]...)
	b = append(b, v4...)
	b = binary.BigEndian.AppendUint16(b, uint16(addr.Port))
	return b
}
