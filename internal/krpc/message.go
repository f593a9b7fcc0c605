package krpc

import (
	"net"
)

// IDSize is the width of a mainline DHT node identifier in bytes.
const IDSize = 20

type MessageType string

const (
	QueryType    MessageType = "q"
	ResponseType MessageType = "r"
	ErrorType    MessageType = "e"
)

type QueryMethod string

const (
	PingMethod         QueryMethod = "ping"
	FindNodeMethod     QueryMethod = "find_node"
	GetPeersMethod     QueryMethod = "get_peers"
	AnnouncePeerMethod QueryMethod = "announce_peer"
)

// Message is the KRPC envelope: transaction id, message type, and
// exactly one of query method+args, response values, or error tuple.
//
// Byte-string fields are carried as Go strings so they pass through the
// bencode layer unchanged; they may hold arbitrary bytes.
type Message struct {
	T string      // transaction id
	Y MessageType // message type

	Q QueryMethod    // query method name
	A map[string]any // query arguments

	R map[string]any // response values

	E []any // error [code, message]

	Addr *net.UDPAddr // source address, set on decode
}

func NewQuery(method QueryMethod, transactionID string) *Message {
	return &Message{
		T: transactionID,
		Y: QueryType,
		Q: method,
		A: make(map[string]any),
	}
}

func NewResponse(transactionID string) *Message {
	return &Message{
		T: transactionID,
		Y: ResponseType,
		R: make(map[string]any),
	}
}

func NewError(transactionID string, code int, message string) *Message {
	return &Message{
		T: transactionID,
		Y: ErrorType,
		E: []any{code, message},
	}
}

// KRPC error codes.
const (
	ErrorGeneric       = 201
	ErrorServer        = 202
	ErrorProtocol      = 203
	ErrorMethodUnknown = 204
)

func PingQuery(transactionID string, senderID [IDSize]byte) *Message {
	msg := NewQuery(PingMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	return msg
}

func FindNodeQuery(transactionID string, senderID, target [IDSize]byte) *Message {
	msg := NewQuery(FindNodeMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	msg.A["target"] = string(target[:])
	return msg
}

// GetPeersQuery builds a get_peers query. infoHash is passed through
// as-is: announce keys here are 32-byte topic hashes, wider than the
// conventional 20-byte info_hash (see SPEC_FULL.md).
func GetPeersQuery(transactionID string, senderID [IDSize]byte, infoHash []byte) *Message {
	msg := NewQuery(GetPeersMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	msg.A["info_hash"] = string(infoHash)
	return msg
}

func AnnouncePeerQuery(
	transactionID string,
	senderID [IDSize]byte,
	infoHash []byte,
	port int,
	token string,
) *Message {
	msg := NewQuery(AnnouncePeerMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	msg.A["info_hash"] = string(infoHash)
	msg.A["port"] = port
	msg.A["token"] = token
	return msg
}

func PingResponse(transactionID string, senderID [IDSize]byte) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	return msg
}

func GetPeersResponse(
	transactionID string,
	senderID [IDSize]byte,
	token string,
	values []string,
) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	msg.R["token"] = token

	vs := make([]any, len(values))
	for i, v := range values {
		vs[i] = v
	}
	msg.R["values"] = vs

	return msg
}

func FindNodeResponse(transactionID string, senderID [IDSize]byte, nodes []byte) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	msg.R["nodes"] = string(nodes)
	return msg
}

func (m *Message) GetNodeID() ([IDSize]byte, bool) {
	var (
		id    [IDSize]byte
		idStr string
		ok    bool
	)

	if m.Y == ResponseType && m.R != nil {
		idStr, ok = m.R["id"].(string)
	} else if m.Y == QueryType && m.A != nil {
		idStr, ok = m.A["id"].(string)
	}

	if !ok || len(idStr) != IDSize {
		return id, false
	}

	copy(id[:], idStr)
	return id, true
}

func (m *Message) GetToken() (string, bool) {
	if m.Y == ResponseType && m.R != nil {
		token, ok := m.R["token"].(string)
		return token, ok
	}

	if m.Y == QueryType && m.A != nil {
		token, ok := m.A["token"].(string)
		return token, ok
	}

	return "", false
}

func (m *Message) GetNodes() ([]byte, bool) {
	if m.Y != ResponseType || m.R == nil {
		return nil, false
	}

	nodesStr, ok := m.R["nodes"].(string)
	if !ok {
		return nil, false
	}

	return []byte(nodesStr), true
}

func (m *Message) GetValues() ([]string, bool) {
	if m.Y != ResponseType || m.R == nil {
		return nil, false
	}

	valuesRaw, ok := m.R["values"].([]any)
	if !ok {
		return nil, false
	}

	values := make([]string, 0, len(valuesRaw))
	for _, v := range valuesRaw {
		if str, ok := v.(string); ok {
			values = append(values, str)
		}
	}

	return values, len(values) > 0
}

func (m *Message) IsQuery() bool {
	return m.Y == QueryType
}

func (m *Message) IsResponse() bool {
	return m.Y == ResponseType
}

func (m *Message) IsError() bool {
	return m.Y == ErrorType
}
