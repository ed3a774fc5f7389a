package transport

import (
	"context"
	"errors"
)

var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrPermissionDenied     = errors.New("transport permission denied")
	ErrPeerUnknown          = errors.New("unknown peer")
)

type State uint8

const (
	StateOff State = iota
	StateReady
	StateUnauthorized
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateUnauthorized:
		return "unauthorized"
	default:
		return "off"
	}
}

// Advertisement is one sighting of a nearby device: the transport-assigned
// peer id plus the raw advertisement metadata.
type Advertisement struct {
	PeerID      string
	DisplayName string
	Signal      int
	HasSignal   bool
	Data        []byte
}

// Conn is an established frame pipe to one peer. Frames carry either
// handshake messages or chunk bytes; framing is the transport's concern.
type Conn interface {
	Write(ctx context.Context, frame []byte) error
	Frames() <-chan []byte
	PeerID() string
	Close() error
}

// Inbound is a connection initiated by a remote peer.
type Inbound struct {
	PeerID string
	Conn   Conn
}

// Transport is the radio link collaborator. The protocol core never touches
// the link directly; it sees sightings, connections and state changes.
type Transport interface {
	// Scan invokes sight for every advertisement observed until ctx ends.
	Scan(ctx context.Context, sight func(Advertisement)) error
	// Advertise starts (or restarts) broadcasting the advertisement data.
	Advertise(ctx context.Context, data []byte) error
	Connect(ctx context.Context, peerID string) (Conn, error)
	Accept() <-chan Inbound
	States() <-chan State
	Close() error
}
