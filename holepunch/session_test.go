package holepunch

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

var testKey = [32]byte{0x42, 0x42, 0x42, 0x42}

func localhost() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func newTestSession(t *testing.T, key [32]byte) *Session {
	t.Helper()

	s, err := New(localhost(), key, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func candidateFor(s *Session) []Candidate {
	return []Candidate{{Addr: s.LocalAddr(), Kind: CandidateLan}}
}

func TestPunchPacket_MAC(t *testing.T) {
	keyA := [32]byte{0x01}
	keyB := [32]byte{0x02}

	sessionA := newTestSession(t, keyA)
	sessionB := newTestSession(t, keyB)

	packet := sessionA.buildPunchPacket()

	t.Run("valid", func(t *testing.T) {
		if !sessionA.verifyPunchPacket(packet) {
			t.Fatal("own packet must verify")
		}
	})

	t.Run("wrong-key", func(t *testing.T) {
		if sessionB.verifyPunchPacket(packet) {
			t.Fatal("packet keyed with A must fail under B")
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if sessionA.verifyPunchPacket([]byte(punchMessage)) {
			t.Fatal("punch without MAC must fail")
		}
	})

	t.Run("tampered", func(t *testing.T) {
		bad := append([]byte(nil), packet...)
		bad[len(punchMessage)] ^= 0xff
		if sessionA.verifyPunchPacket(bad) {
			t.Fatal("flipped MAC byte must fail")
		}
	})

	t.Run("probe", func(t *testing.T) {
		if sessionA.verifyPunchPacket([]byte(probeMessage)) {
			t.Fatal("probe must never verify as punch")
		}
	})
}

func TestProbe(t *testing.T) {
	s := newTestSession(t, testKey)

	t.Run("empty", func(t *testing.T) {
		if err := s.Probe(nil); !errors.Is(err, ErrNoViableCandidates) {
			t.Fatalf("err = %v, want ErrNoViableCandidates", err)
		}
	})

	t.Run("localhost", func(t *testing.T) {
		candidates := []Candidate{
			{Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8001}, Kind: CandidateLan},
			{Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8002}, Kind: CandidateWan},
		}
		if err := s.Probe(candidates); err != nil {
			t.Fatalf("Probe error: %v", err)
		}
	})
}

func TestInitiate_EmptyCandidates(t *testing.T) {
	s := newTestSession(t, testKey)

	if _, err := s.Initiate(nil); !errors.Is(err, ErrNoViableCandidates) {
		t.Fatalf("Initiate err = %v, want ErrNoViableCandidates", err)
	}
	if _, err := s.Respond(nil); !errors.Is(err, ErrNoViableCandidates) {
		t.Fatalf("Respond err = %v, want ErrNoViableCandidates", err)
	}
}

func TestRendezvous_SharedKey(t *testing.T) {
	initiator := newTestSession(t, testKey)
	responder := newTestSession(t, testKey)

	var (
		wg                 sync.WaitGroup
		respAddr, initAddr *net.UDPAddr
		respErr, initErr   error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		respAddr, respErr = responder.Respond(candidateFor(initiator))
	}()

	time.Sleep(50 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		initAddr, initErr = initiator.Initiate(candidateFor(responder))
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("rendezvous did not complete within 3s")
	}

	if initErr != nil {
		t.Fatalf("Initiate error: %v", initErr)
	}
	if respErr != nil {
		t.Fatalf("Respond error: %v", respErr)
	}
	if !udpAddrEqual(initAddr, responder.LocalAddr()) {
		t.Fatalf("initiator got %s, want %s", initAddr, responder.LocalAddr())
	}
	if !udpAddrEqual(respAddr, initiator.LocalAddr()) {
		t.Fatalf("responder got %s, want %s", respAddr, initiator.LocalAddr())
	}
}

func TestRendezvous_MismatchedKeys(t *testing.T) {
	initiator := newTestSession(t, [32]byte{0xaa})
	responder := newTestSession(t, [32]byte{0xbb})

	var (
		wg               sync.WaitGroup
		respErr, initErr error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, respErr = responder.Respond(candidateFor(initiator))
	}()

	time.Sleep(50 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, initErr = initiator.Initiate(candidateFor(responder))
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(12 * time.Second):
		t.Fatal("mismatched-key rendezvous did not fail within 12s")
	}

	if initErr == nil {
		t.Fatal("Initiate must fail with mismatched keys")
	}
	if respErr == nil {
		t.Fatal("Respond must fail with mismatched keys")
	}
}

func TestPunchTo_WrongKeyAuthenticationFailed(t *testing.T) {
	// A peer that answers punches with a differently-keyed punch must
	// surface ErrAuthenticationFailed, not a timeout.
	initiator := newTestSession(t, [32]byte{0x01})
	answering := newTestSession(t, [32]byte{0x02})

	go func() {
		buf := make([]byte, 256)
		reply := answering.buildPunchPacket()
		for {
			n, from, err := answering.conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if string(buf[:n])[:len(punchMessage)] == punchMessage {
				answering.conn.WriteToUDP(reply, from)
			}
		}
	}()

	_, err := initiator.punchTo(answering.LocalAddr())
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
}

func TestPunchTo_IgnoresOtherSources(t *testing.T) {
	initiator := newTestSession(t, testKey)
	peer := newTestSession(t, testKey)
	noise := newTestSession(t, testKey)

	// The peer answers punches; a third socket floods junk first.
	go func() {
		buf := make([]byte, 256)
		reply := peer.buildPunchPacket()
		for {
			_, from, err := peer.conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			noise.conn.WriteToUDP([]byte("junk-from-elsewhere"), initiator.LocalAddr())
			peer.conn.WriteToUDP(reply, from)
		}
	}()

	addr, err := initiator.punchTo(peer.LocalAddr())
	if err != nil {
		t.Fatalf("punchTo error: %v", err)
	}
	if !udpAddrEqual(addr, peer.LocalAddr()) {
		t.Fatalf("addr = %s, want %s", addr, peer.LocalAddr())
	}
}
