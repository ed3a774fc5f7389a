package events

import (
	"sync"

	"meshpay/internal/crypto"
	"meshpay/internal/proto"
)

// Event is the tagged union delivered to observers. Every variant carries a
// snapshot by value; subscribers never see live protocol state.
type Event interface {
	isEvent()
}

type PeerDiscovered struct {
	PeerID         string
	DisplayName    string
	Roles          proto.Role
	SignalStrength int
}

type PeerLost struct {
	PeerID string
}

// RelayerSelected fires only on an actual change of selection. PeerID is
// empty when the selection was cleared.
type RelayerSelected struct {
	PeerID string
}

type SendProgress struct {
	SessionID uint32
	Sent      int
	Total     int
	Fraction  float64
}

type ReceiveProgress struct {
	SessionID uint32
	Received  int
	Expected  int // 0 until the LAST chunk has arrived
}

type PayloadReceived struct {
	SessionID uint32
	PeerAddr  crypto.Address
	Kind      string
}

type AckRecorded struct {
	TxRef   string
	Kind    string
	Success bool
	Error   string
}

type HandshakeFailed struct {
	PeerID string
	Reason string
}

func (PeerDiscovered) isEvent()  {}
func (PeerLost) isEvent()        {}
func (RelayerSelected) isEvent() {}
func (SendProgress) isEvent()    {}
func (ReceiveProgress) isEvent() {}
func (PayloadReceived) isEvent() {}
func (AckRecorded) isEvent()     {}
func (HandshakeFailed) isEvent() {}

const defaultBuffer = 256

// Bus fans events out to subscribers through one dispatch path. Publish never
// blocks; a saturated subscriber loses events rather than stalling protocol
// goroutines.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, defaultBuffer)
	b.subs[id] = ch
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
}
