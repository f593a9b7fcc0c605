package hyperswarm

import "fmt"

// ErrorKind names the subsystem a swarm failure came from.
type ErrorKind string

const (
	KindDht        ErrorKind = "dht"
	KindConnection ErrorKind = "connection"
	KindTransport  ErrorKind = "transport"
)

// SwarmError wraps a component failure with its originating subsystem.
type SwarmError struct {
	Kind ErrorKind
	Err  error
}

func (e *SwarmError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *SwarmError) Unwrap() error {
	return e.Err
}

func dhtError(err error) error {
	if err == nil {
		return nil
	}
	return &SwarmError{Kind: KindDht, Err: err}
}
