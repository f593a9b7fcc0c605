package krpc

import (
	"errors"
	"fmt"
	"net"

	"github.com/plures/hyperswarm/pkg/bencode"
)

var (
	ErrEncode = errors.New("krpc: encode")
	ErrDecode = errors.New("krpc: decode")

	// ErrUnknownQuery marks a syntactically valid query whose method is
	// not one of ping/find_node/get_peers/announce_peer.
	ErrUnknownQuery = errors.New("krpc: unknown query method")
)

// Marshal serializes a message to its bencoded wire form.
func Marshal(msg *Message) ([]byte, error) {
	m := make(map[string]any)

	m["t"] = msg.T
	m["y"] = string(msg.Y)

	switch msg.Y {
	case QueryType:
		m["q"] = string(msg.Q)
		m["a"] = msg.A
	case ResponseType:
		m["r"] = msg.R
	case ErrorType:
		m["e"] = msg.E
	default:
		return nil, fmt.Errorf("%w: message type %q", ErrEncode, msg.Y)
	}

	data, err := bencode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return data, nil
}

// Unmarshal parses a bencoded datagram into a message, recording addr
// as the source. Missing or mistyped envelope fields fail with
// ErrDecode; a query with an unrecognized method fails with
// ErrUnknownQuery.
func Unmarshal(data []byte, addr *net.UDPAddr) (*Message, error) {
	v, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	dict, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: envelope is not a dictionary", ErrDecode)
	}

	msg := &Message{Addr: addr}

	t, ok := dict["t"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing transaction id", ErrDecode)
	}
	msg.T = t

	y, ok := dict["y"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing message type", ErrDecode)
	}
	msg.Y = MessageType(y)

	switch msg.Y {
	case QueryType:
		q, ok := dict["q"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: query without method", ErrDecode)
		}
		msg.Q = QueryMethod(q)

		switch msg.Q {
		case PingMethod, FindNodeMethod, GetPeersMethod, AnnouncePeerMethod:
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownQuery, q)
		}

		if a, ok := dict["a"].(map[string]any); ok {
			msg.A = a
		}

	case ResponseType:
		r, ok := dict["r"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: response without values", ErrDecode)
		}
		msg.R = r

	case ErrorType:
		e, ok := dict["e"].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: error without tuple", ErrDecode)
		}
		msg.E = e

	default:
		return nil, fmt.Errorf("%w: message type %q", ErrDecode, y)
	}

	return msg, nil
}
