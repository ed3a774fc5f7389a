package transport

import (
	"context"
	"sync"
	"time"
)

const memFrameBuffer = 64

// MemHub wires in-process MemLink transports together for tests and local
// simulation. Advertisements fan out to every other link's active scan;
// connections are paired in-memory frame channels.
type MemHub struct {
	mu    sync.Mutex
	links map[string]*MemLink
}

func NewMemHub() *MemHub {
	return &MemHub{links: make(map[string]*MemLink)}
}

func (h *MemHub) NewLink(id string) *MemLink {
	l := &MemLink{
		hub:     h,
		id:      id,
		inbound: make(chan Inbound, 8),
		states:  make(chan State, 8),
		signal:  -50,
	}
	h.mu.Lock()
	h.links[id] = l
	h.mu.Unlock()
	return l
}

func (h *MemHub) snapshot() []*MemLink {
	h.mu.Lock()
	out := make([]*MemLink, 0, len(h.links))
	for _, l := range h.links {
		out = append(out, l)
	}
	h.mu.Unlock()
	return out
}

func (h *MemHub) find(id string) (*MemLink, bool) {
	h.mu.Lock()
	l, ok := h.links[id]
	h.mu.Unlock()
	return l, ok
}

type MemLink struct {
	hub     *MemHub
	id      string
	inbound chan Inbound
	states  chan State

	mu        sync.Mutex
	advert    []byte
	scanFn    func(Advertisement)
	signal    int
	closed    bool
	available bool
}

// SetSignal sets the signal strength this link reports to scanners.
func (l *MemLink) SetSignal(rssi int) {
	l.mu.Lock()
	l.signal = rssi
	l.mu.Unlock()
}

func (l *MemLink) SetAvailable(ok bool) {
	l.mu.Lock()
	l.available = ok
	l.mu.Unlock()
	if ok {
		l.states <- StateReady
	} else {
		l.states <- StateOff
	}
}

func (l *MemLink) ID() string {
	return l.id
}

func (l *MemLink) Scan(ctx context.Context, sight func(Advertisement)) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrTransportUnavailable
	}
	l.scanFn = sight
	l.mu.Unlock()
	// Surface peers that were already advertising before the scan started.
	for _, other := range l.hub.snapshot() {
		if other.id == l.id {
			continue
		}
		other.mu.Lock()
		adv := other.advert
		signal := other.signal
		other.mu.Unlock()
		if adv != nil {
			sight(Advertisement{PeerID: other.id, Signal: signal, HasSignal: true, Data: adv})
		}
	}
	<-ctx.Done()
	l.mu.Lock()
	l.scanFn = nil
	l.mu.Unlock()
	return ctx.Err()
}

func (l *MemLink) Advertise(ctx context.Context, data []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrTransportUnavailable
	}
	adv := make([]byte, len(data))
	copy(adv, data)
	l.advert = adv
	signal := l.signal
	l.mu.Unlock()
	for _, other := range l.hub.snapshot() {
		if other.id == l.id {
			continue
		}
		other.mu.Lock()
		fn := other.scanFn
		other.mu.Unlock()
		if fn != nil {
			fn(Advertisement{PeerID: l.id, Signal: signal, HasSignal: true, Data: adv})
		}
	}
	return nil
}

func (l *MemLink) Connect(ctx context.Context, peerID string) (Conn, error) {
	remote, ok := l.hub.find(peerID)
	if !ok {
		return nil, ErrPeerUnknown
	}
	local := &memConn{peer: peerID, frames: make(chan []byte, memFrameBuffer)}
	far := &memConn{peer: l.id, frames: make(chan []byte, memFrameBuffer)}
	local.remote = far
	far.remote = local
	select {
	case remote.inbound <- Inbound{PeerID: l.id, Conn: far}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Second):
		return nil, ErrTransportUnavailable
	}
	return local, nil
}

func (l *MemLink) Accept() <-chan Inbound {
	return l.inbound
}

func (l *MemLink) States() <-chan State {
	return l.states
}

func (l *MemLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.advert = nil
	l.mu.Unlock()
	return nil
}

type memConn struct {
	peer   string
	frames chan []byte

	mu     sync.Mutex
	closed bool
	remote *memConn
}

func (c *memConn) Write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	remote := c.remote
	closed := c.closed
	c.mu.Unlock()
	if closed || remote == nil {
		return ErrTransportUnavailable
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case remote.frames <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memConn) Frames() <-chan []byte {
	return c.frames
}

func (c *memConn) PeerID() string {
	return c.peer
}

func (c *memConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return nil
}
