// Package holepunch negotiates a direct UDP path between two NATed
// peers. Each side first probes the other's candidate addresses to
// open outbound NAT mappings, then both transmit authenticated punch
// packets until one arrives.
//
// Punch packets carry a Blake2s MAC keyed on a 32-byte pre-shared
// session key, typically the topic hash. Packets that fail the MAC
// check are ignored, except that a punch-shaped packet from the
// expected peer with a bad MAC aborts the attempt: the peer holds a
// different key and retrying cannot help.
package holepunch

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"time"

	"golang.org/x/crypto/blake2s"
)

// Wire format:
//
//	probe:  "HYPERSWARM_PROBE"                    = 16 bytes
//	punch:  "HYPERSWARM_PUNCH" || mac(32)         = 48 bytes
//
// where mac = Blake2s-256(key = session key, msg = "HYPERSWARM_PUNCH").
const (
	probeMessage = "HYPERSWARM_PROBE"
	punchMessage = "HYPERSWARM_PUNCH"

	macSize         = blake2s.Size
	punchPacketSize = len(punchMessage) + macSize

	punchAttemptTimeout = 2 * time.Second
	punchRetryInterval  = 200 * time.Millisecond
	respondTimeout      = 10 * time.Second
)

var (
	ErrTimeout              = errors.New("holepunch: timeout")
	ErrNoViableCandidates   = errors.New("holepunch: no viable candidates")
	ErrAuthenticationFailed = errors.New("holepunch: authentication failed")
)

type CandidateKind uint8

const (
	// CandidateLan is a private LAN address.
	CandidateLan CandidateKind = iota
	// CandidateWan is a public address observed by a third party.
	CandidateWan
	// CandidateRelay is a relay or rendezvous address.
	CandidateRelay
)

// Candidate is one address a peer may be reachable at.
type Candidate struct {
	Addr *net.UDPAddr
	Kind CandidateKind
}

// Session is a re-entrant hole-punch endpoint: one bound UDP socket and
// one session key, usable across successive Initiate/Respond calls.
type Session struct {
	conn   *net.UDPConn
	key    [32]byte
	logger *slog.Logger
}

// New binds a UDP socket at bindAddr. Both peers must supply the same
// sessionKey for the punch exchange to authenticate.
func New(bindAddr *net.UDPAddr, sessionKey [32]byte, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := net.ListenUDP("udp", bindAddr)
	if err != nil {
		return nil, err
	}

	return &Session{conn: conn, key: sessionKey, logger: logger}, nil
}

func (s *Session) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the socket.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) punchMAC() []byte {
	h, err := blake2s.New256(s.key[:])
	if err != nil {
		// Key length is fixed at 32 bytes, which blake2s accepts.
		panic(err)
	}
	h.Write([]byte(punchMessage))
	return h.Sum(nil)
}

func (s *Session) buildPunchPacket() []byte {
	packet := make([]byte, 0, punchPacketSize)
	packet = append(packet, punchMessage...)
	return append(packet, s.punchMAC()...)
}

// verifyPunchPacket reports whether data is a punch packet carrying a
// valid MAC under the session key. The MAC comparison is constant-time.
func (s *Session) verifyPunchPacket(data []byte) bool {
	if len(data) != punchPacketSize {
		return false
	}
	if string(data[:len(punchMessage)]) != punchMessage {
		return false
	}
	return subtle.ConstantTimeCompare(data[len(punchMessage):], s.punchMAC()) == 1
}

// Probe sends one unauthenticated probe datagram to every candidate to
// open outbound NAT mappings. It succeeds if at least one send went
// out.
func (s *Session) Probe(candidates []Candidate) error {
	if len(candidates) == 0 {
		return ErrNoViableCandidates
	}

	var (
		sent    int
		lastErr error
	)
	for _, candidate := range candidates {
		if _, err := s.conn.WriteToUDP([]byte(probeMessage), candidate.Addr); err != nil {
			s.logger.Debug("probe send failed", "addr", candidate.Addr, "error", err)
			lastErr = err
			continue
		}
		sent++
	}

	if sent == 0 {
		return lastErr
	}
	return nil
}

// Initiate probes all candidates, then attempts an authenticated punch
// exchange with each in turn, returning the first address that answers.
func (s *Session) Initiate(candidates []Candidate) (*net.UDPAddr, error) {
	if len(candidates) == 0 {
		return nil, ErrNoViableCandidates
	}

	if err := s.Probe(candidates); err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		addr, err := s.punchTo(candidate.Addr)
		if err == nil {
			return addr, nil
		}
		if errors.Is(err, ErrAuthenticationFailed) {
			return nil, err
		}
		s.logger.Debug("punch attempt failed", "addr", candidate.Addr, "error", err)
	}

	return nil, ErrTimeout
}

// punchTo transmits authenticated punch packets to addr, retransmitting
// every punchRetryInterval until an authenticated punch arrives back or
// the attempt deadline expires.
//
// The read deadline is pinned to the next retransmission slot rather
// than the packet wait, so a flood of junk datagrams cannot starve the
// retry cadence.
func (s *Session) punchTo(addr *net.UDPAddr) (*net.UDPAddr, error) {
	packet := s.buildPunchPacket()
	buf := make([]byte, punchPacketSize+16)

	deadline := time.Now().Add(punchAttemptTimeout)
	defer s.conn.SetReadDeadline(time.Time{})

	if _, err := s.conn.WriteToUDP(packet, addr); err != nil {
		return nil, err
	}
	nextRetransmit := time.Now().Add(punchRetryInterval)

	for {
		now := time.Now()
		if !now.Before(deadline) {
			return nil, ErrTimeout
		}

		readUntil := nextRetransmit
		if deadline.Before(readUntil) {
			readUntil = deadline
		}
		s.conn.SetReadDeadline(readUntil)

		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// Retransmission slot reached.
				if _, err := s.conn.WriteToUDP(packet, addr); err != nil {
					return nil, err
				}
				nextRetransmit = time.Now().Add(punchRetryInterval)
				continue
			}
			return nil, err
		}

		if !udpAddrEqual(from, addr) {
			continue
		}

		data := buf[:n]
		if s.verifyPunchPacket(data) {
			return addr, nil
		}
		if len(data) >= len(punchMessage) && string(data[:len(punchMessage)]) == punchMessage {
			// Punch-shaped but wrong MAC: the peer holds a different key.
			return nil, ErrAuthenticationFailed
		}
		// Probes and junk from the expected peer fall through.
	}
}

// Respond probes all candidates, then waits for an authenticated punch
// from any source and answers it in kind, returning the source address.
func (s *Session) Respond(candidates []Candidate) (*net.UDPAddr, error) {
	if len(candidates) == 0 {
		return nil, ErrNoViableCandidates
	}

	if err := s.Probe(candidates); err != nil {
		return nil, err
	}

	packet := s.buildPunchPacket()
	buf := make([]byte, punchPacketSize+16)

	s.conn.SetReadDeadline(time.Now().Add(respondTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, ErrTimeout
			}
			return nil, err
		}

		if !s.verifyPunchPacket(buf[:n]) {
			// Unauthenticated or malformed: ignore.
			continue
		}

		if _, err := s.conn.WriteToUDP(packet, from); err != nil {
			return nil, err
		}
		return from, nil
	}
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
