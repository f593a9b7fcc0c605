// Package transport provides an authenticated, encrypted datagram
// stream over UDP using the Noise_XX_25519_ChaChaPoly_BLAKE2s pattern.
// One Noise message maps to one UDP datagram; no framing is added
// beyond the datagram boundary.
//
// The XX handshake mutually transmits both parties' static keys, so a
// stream carries a stable identity: the local static keypair is
// generated once at construction and reused whether the stream next
// handshakes as initiator or responder.
package transport

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
)

var (
	// ErrHandshakeIncomplete rejects Send/Recv before a handshake has
	// produced transport keys.
	ErrHandshakeIncomplete = errors.New("transport: handshake incomplete")

	// ErrInvalidMessage rejects a Send payload too large for one Noise
	// message.
	ErrInvalidMessage = errors.New("transport: invalid message")

	// ErrPeerAuthenticationFailed means the responder's static key did
	// not match the pinned key supplied by the caller.
	ErrPeerAuthenticationFailed = errors.New("transport: peer authentication failed")
)

const (
	// maxMessageSize is the Noise message ceiling; plaintext tops out
	// 16 bytes lower to leave room for the AEAD tag.
	maxMessageSize = 65535

	handshakeTimeout = 30 * time.Second
)

var cipherSuite = noise.NewCipherSuite(
	noise.DH25519,
	noise.CipherChaChaPoly,
	noise.HashBLAKE2s,
)

// Stream is an encrypted datagram stream bound to one remote address on
// a shared UDP socket. Datagrams from any other source are discarded,
// which is what lets several streams multiplex one socket.
//
// A Stream is safe for a send half and a receive half running on
// separate goroutines.
type Stream struct {
	conn   *net.UDPConn // externally owned; the stream does not close it
	remote *net.UDPAddr

	mu           sync.Mutex
	static       noise.DHKey
	enc, dec     *noise.CipherState
	remoteStatic []byte
}

// New wraps conn with a stream talking to remote. The local static
// keypair is generated here and kept for the stream's lifetime.
func New(conn *net.UDPConn, remote *net.UDPAddr) (*Stream, error) {
	static, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("transport: generate static keypair: %w", err)
	}

	return &Stream{conn: conn, remote: remote, static: static}, nil
}

// LocalStaticPubkey returns the stream's stable public identity; the
// peer observes this same value after any successful handshake.
func (s *Stream) LocalStaticPubkey() []byte {
	return append([]byte(nil), s.static.Public...)
}

// RemoteStaticKey returns the peer's static public key, or nil before a
// handshake has completed.
func (s *Stream) RemoteStaticKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remoteStatic == nil {
		return nil
	}
	return append([]byte(nil), s.remoteStatic...)
}

func (s *Stream) newHandshakeState(initiator bool) (*noise.HandshakeState, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: s.static,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: noise: %w", err)
	}
	return hs, nil
}

// HandshakeInitiator runs the three-message XX handshake as initiator.
//
// If expectedRemote is non-nil, the responder's static key extracted
// from the second handshake message is compared against it byte for
// byte; on mismatch the handshake aborts with
// ErrPeerAuthenticationFailed before the final message is sent.
func (s *Stream) HandshakeInitiator(expectedRemote []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hs, err := s.newHandshakeState(true)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(handshakeTimeout)

	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("transport: noise: %w", err)
	}
	if _, err := s.conn.WriteToUDP(msg, s.remote); err != nil {
		return err
	}

	// <- e, ee, s, es
	data, err := s.recvFromRemote(deadline)
	if err != nil {
		return err
	}
	if _, _, _, err := hs.ReadMessage(nil, data); err != nil {
		return fmt.Errorf("transport: noise: %w", err)
	}

	peerStatic := hs.PeerStatic()
	if expectedRemote != nil && !bytes.Equal(peerStatic, expectedRemote) {
		return ErrPeerAuthenticationFailed
	}

	// -> s, se
	msg, cs0, cs1, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("transport: noise: %w", err)
	}
	if _, err := s.conn.WriteToUDP(msg, s.remote); err != nil {
		return err
	}

	s.enc = cs0
	s.dec = cs1
	s.remoteStatic = append([]byte(nil), peerStatic...)
	return nil
}

// HandshakeResponder runs the XX handshake as responder. Both receive
// steps share one 30-second deadline anchored before the first read, so
// spoofed datagrams from other sources cannot stretch the wait.
func (s *Stream) HandshakeResponder() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hs, err := s.newHandshakeState(false)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(handshakeTimeout)

	// <- e
	data, err := s.recvFromRemote(deadline)
	if err != nil {
		return err
	}
	if _, _, _, err := hs.ReadMessage(nil, data); err != nil {
		return fmt.Errorf("transport: noise: %w", err)
	}

	// -> e, ee, s, es
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("transport: noise: %w", err)
	}
	if _, err := s.conn.WriteToUDP(msg, s.remote); err != nil {
		return err
	}

	// <- s, se
	data, err = s.recvFromRemote(deadline)
	if err != nil {
		return err
	}
	_, cs0, cs1, err := hs.ReadMessage(nil, data)
	if err != nil {
		return fmt.Errorf("transport: noise: %w", err)
	}

	s.enc = cs1
	s.dec = cs0
	s.remoteStatic = append([]byte(nil), hs.PeerStatic()...)
	return nil
}

// recvFromRemote reads datagrams until one arrives from the configured
// remote address or the deadline passes. Callers hold s.mu.
func (s *Stream) recvFromRemote(deadline time.Time) ([]byte, error) {
	buf := make([]byte, maxMessageSize)

	s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		if !from.IP.Equal(s.remote.IP) || from.Port != s.remote.Port {
			// Spoofed or unrelated traffic: filtered before any crypto.
			continue
		}
		return append([]byte(nil), buf[:n]...), nil
	}
}

// Send encrypts data and transmits it as one datagram. Fails with
// ErrHandshakeIncomplete before a handshake and ErrInvalidMessage when
// data exceeds what one Noise message can carry.
func (s *Stream) Send(data []byte) error {
	if len(data) > maxMessageSize-16 {
		return ErrInvalidMessage
	}

	s.mu.Lock()
	if s.enc == nil {
		s.mu.Unlock()
		return ErrHandshakeIncomplete
	}
	msg, err := s.enc.Encrypt(nil, nil, data)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("transport: noise: %w", err)
	}

	_, err = s.conn.WriteToUDP(msg, s.remote)
	return err
}

// Recv blocks for the next datagram from the remote address and returns
// its decrypted plaintext. A decryption failure is fatal for the
// stream's current keys and surfaces as a noise error.
func (s *Stream) Recv() ([]byte, error) {
	s.mu.Lock()
	established := s.dec != nil
	s.mu.Unlock()
	if !established {
		return nil, ErrHandshakeIncomplete
	}

	buf := make([]byte, maxMessageSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		if !from.IP.Equal(s.remote.IP) || from.Port != s.remote.Port {
			continue
		}

		s.mu.Lock()
		if s.dec == nil {
			s.mu.Unlock()
			return nil, ErrHandshakeIncomplete
		}
		plaintext, err := s.dec.Decrypt(nil, nil, buf[:n])
		s.mu.Unlock()

		if err != nil {
			return nil, fmt.Errorf("transport: noise: %w", err)
		}
		return plaintext, nil
	}
}
