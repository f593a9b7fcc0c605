package dht

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/plures/hyperswarm/internal/krpc"
)

var (
	// ErrTimeout means no matching response arrived in time.
	ErrTimeout = errors.New("dht: query timeout")

	// ErrQueryFailed means the remote answered with a KRPC error, the
	// transaction was swept before a response arrived, or a get_peers
	// response carried no write token.
	ErrQueryFailed = errors.New("dht: query failed")

	// ErrStopped means the client was shut down mid-query.
	ErrStopped = errors.New("dht: stopped")
)

// KRPC owns the UDP socket and matches responses to in-flight queries.
//
// Every outbound query registers its transaction id in a shared map;
// one background read loop decodes inbound datagrams and hands each
// response to the waiting caller. Concurrent queries on one client
// therefore never steal each other's responses.
type KRPC struct {
	logger *slog.Logger
	conn   *net.UDPConn

	txMut        sync.Mutex
	txCounter    uint16
	transactions map[string]*transaction

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type transaction struct {
	responseCh chan *krpc.Message
	sentTime   time.Time
	timeout    time.Duration
}

func newKRPC(bindPort uint16, logger *slog.Logger) (*KRPC, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{
		IP:   net.IPv4zero,
		Port: int(bindPort),
	})
	if err != nil {
		return nil, err
	}

	k := &KRPC{
		logger:       logger,
		conn:         conn,
		transactions: make(map[string]*transaction),
		done:         make(chan struct{}),
	}

	k.wg.Add(2)
	go func() {
		defer k.wg.Done()
		k.readLoop()
	}()
	go func() {
		defer k.wg.Done()
		k.timeoutLoop()
	}()

	return k, nil
}

func (k *KRPC) LocalAddr() *net.UDPAddr {
	return k.conn.LocalAddr().(*net.UDPAddr)
}

func (k *KRPC) Stop() {
	k.stopOnce.Do(func() {
		close(k.done)
		k.conn.Close()
	})
	k.wg.Wait()
}

// generateTransactionID returns the next transaction id: a 16-bit
// counter serialized big-endian, wrapping after 2^16 queries.
func (k *KRPC) generateTransactionID() string {
	k.txMut.Lock()
	defer k.txMut.Unlock()

	var b [2]byte
	binary.BigEndian.PutUint16(b[:], k.txCounter)
	k.txCounter++
	return string(b[:])
}

// SendQuery transmits msg to addr and waits for the matching response.
func (k *KRPC) SendQuery(
	ctx context.Context,
	msg *krpc.Message,
	addr *net.UDPAddr,
	timeout time.Duration,
) (*krpc.Message, error) {
	tx := &transaction{
		responseCh: make(chan *krpc.Message, 1),
		sentTime:   time.Now(),
		timeout:    timeout,
	}

	k.txMut.Lock()
	k.transactions[msg.T] = tx
	k.txMut.Unlock()
	defer k.removeTransaction(msg.T)

	data, err := krpc.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if _, err := k.conn.WriteToUDP(data, addr); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case response := <-tx.responseCh:
		if response == nil {
			return nil, ErrQueryFailed
		}
		return response, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-k.done:
		return nil, ErrStopped
	}
}

func (k *KRPC) readLoop() {
	buf := make([]byte, 65536)

	for {
		select {
		case <-k.done:
			return
		default:
		}

		k.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := k.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				k.logger.Debug("read udp packet failed", "error", err.Error())
			}
			continue
		}

		msg, err := krpc.Unmarshal(buf[:n], addr)
		if err != nil {
			k.logger.Debug("malformed krpc message", "error", err.Error(), "from", addr)
			continue
		}

		k.handleMessage(msg)
	}
}

// timeoutLoop sweeps registered transactions older than their timeout,
// closing their response channels.
func (k *KRPC) timeoutLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-k.done:
			return
		case <-ticker.C:
			k.sweepExpired()
		}
	}
}

func (k *KRPC) sweepExpired() {
	now := time.Now()

	k.txMut.Lock()
	defer k.txMut.Unlock()

	for txID, tx := range k.transactions {
		if now.Sub(tx.sentTime) > tx.timeout {
			close(tx.responseCh)
			delete(k.transactions, txID)
		}
	}
}

func (k *KRPC) handleMessage(msg *krpc.Message) {
	switch {
	case msg.IsResponse():
		k.txMut.Lock()
		tx, exists := k.transactions[msg.T]
		k.txMut.Unlock()

		if !exists {
			k.logger.Debug("response for unknown transaction", "from", msg.Addr)
			return
		}

		select {
		case tx.responseCh <- msg:
		default:
		}

	case msg.IsError():
		k.txMut.Lock()
		tx, exists := k.transactions[msg.T]
		if exists {
			close(tx.responseCh)
			delete(k.transactions, msg.T)
		}
		k.txMut.Unlock()

		if exists {
			k.logger.Debug("krpc error response", "from", msg.Addr, "error", msg.E)
		}

	case msg.IsQuery():
		// Client-only: inbound queries are not served.
		k.logger.Debug("ignoring inbound query", "method", msg.Q, "from", msg.Addr)
	}
}

func (k *KRPC) removeTransaction(transactionID string) {
	k.txMut.Lock()
	delete(k.transactions, transactionID)
	k.txMut.Unlock()
}
