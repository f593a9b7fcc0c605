package hyperswarm

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Topic identifies a swarm: peers that derive the same topic find each
// other through the DHT.
type Topic [32]byte

// TopicFromKey derives a topic from an arbitrary shared key as the
// first 32 bytes of BLAKE2b-512(key). The derivation is deterministic,
// so any two peers holding the same key land on the same topic.
func TopicFromKey(key []byte) Topic {
	sum := blake2b.Sum512(key)

	var topic Topic
	copy(topic[:], sum[:32])
	return topic
}

// Bytes returns the topic as a fresh slice.
func (t Topic) Bytes() []byte {
	return append([]byte(nil), t[:]...)
}

// SessionKey returns the topic as a hole-punch session key: peers on
// the same topic share it by construction.
func (t Topic) SessionKey() [32]byte {
	return [32]byte(t)
}

func (t Topic) String() string {
	return hex.EncodeToString(t[:8])
}
