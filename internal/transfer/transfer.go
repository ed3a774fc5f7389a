package transfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshpay/internal/crypto"
	"meshpay/internal/debuglog"
	"meshpay/internal/events"
	"meshpay/internal/metrics"
	"meshpay/internal/node"
	"meshpay/internal/proto"
	"meshpay/internal/transport"
)

const (
	DefaultAckTimeout   = 2 * time.Second
	DefaultRetryBase    = 250 * time.Millisecond
	DefaultMaxRetries   = 3
	DefaultAssemblerTTL = 2 * time.Minute

	// Responder-side envelope counters set the top bit so the two
	// directions of a session never share a nonce.
	responderCounterBit = uint64(1) << 63

	envelopeHeaderSize = 8
)

var (
	ErrNoSession          = errors.New("no established session with peer")
	ErrTransmissionFailed = errors.New("transmission failed")
)

// Replier sends a payload back over the session a payload arrived on.
type Replier interface {
	Reply(ctx context.Context, p proto.Payload) error
}

// Handler consumes fully reassembled payloads.
type Handler interface {
	HandlePayload(ctx context.Context, sess *node.Session, p proto.Payload, r Replier) error
}

type Options struct {
	Sessions     *node.SessionStore
	Handler      Handler
	Metrics      *metrics.Metrics
	Bus          *events.Bus
	AckTimeout   time.Duration
	RetryBase    time.Duration
	MaxRetries   int
	AssemblerTTL time.Duration
	Now          func() time.Time
}

type ackKey struct {
	sessionID uint32
	sequence  uint16
}

// Manager moves payloads across sessions: chunking, per-chunk acks with
// bounded retry, reassembly and handler dispatch. One transfer runs at a
// time per session; distinct sessions transfer concurrently.
type Manager struct {
	sessions     *node.SessionStore
	handler      Handler
	metrics      *metrics.Metrics
	bus          *events.Bus
	ackTimeout   time.Duration
	retryBase    time.Duration
	maxRetries   int
	assemblerTTL time.Duration
	now          func() time.Time

	mu         sync.Mutex
	conns      map[string]transport.Conn
	waiters    map[ackKey]chan struct{}
	assemblers map[uint32]*proto.Assembler
	sendLocks  map[uint32]*sync.Mutex
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Sessions == nil {
		return nil, errors.New("nil session store")
	}
	m := &Manager{
		sessions:     opts.Sessions,
		handler:      opts.Handler,
		metrics:      opts.Metrics,
		bus:          opts.Bus,
		ackTimeout:   opts.AckTimeout,
		retryBase:    opts.RetryBase,
		maxRetries:   opts.MaxRetries,
		assemblerTTL: opts.AssemblerTTL,
		now:          opts.Now,
		conns:        make(map[string]transport.Conn),
		waiters:      make(map[ackKey]chan struct{}),
		assemblers:   make(map[uint32]*proto.Assembler),
		sendLocks:    make(map[uint32]*sync.Mutex),
	}
	if m.ackTimeout <= 0 {
		m.ackTimeout = DefaultAckTimeout
	}
	if m.retryBase <= 0 {
		m.retryBase = DefaultRetryBase
	}
	if m.maxRetries <= 0 {
		m.maxRetries = DefaultMaxRetries
	}
	if m.assemblerTTL <= 0 {
		m.assemblerTTL = DefaultAssemblerTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}
	return m, nil
}

// Serve pumps frames from a connection through the manager until the
// connection drains or ctx ends. The connection is registered for
// outbound sends while the loop runs.
func (m *Manager) Serve(ctx context.Context, conn transport.Conn) error {
	m.Attach(conn)
	defer m.Detach(conn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-conn.Frames():
			if !ok {
				return nil
			}
			m.HandleFrame(ctx, conn, frame)
		}
	}
}

// Attach registers a connection as the outbound path to its peer.
func (m *Manager) Attach(conn transport.Conn) {
	m.mu.Lock()
	m.conns[conn.PeerID()] = conn
	m.mu.Unlock()
}

// Detach drops the registration unless another connection replaced it.
func (m *Manager) Detach(conn transport.Conn) {
	m.mu.Lock()
	if m.conns[conn.PeerID()] == conn {
		delete(m.conns, conn.PeerID())
	}
	m.mu.Unlock()
}

// Send transmits a payload to an authenticated peer chunk by chunk,
// waiting for a matching ack per chunk. progress may be nil.
func (m *Manager) Send(ctx context.Context, peerID string, p proto.Payload, progress func(sent, total int)) error {
	sess, ok := m.sessions.GetByPeer(peerID)
	if !ok {
		return ErrNoSession
	}
	m.mu.Lock()
	conn, ok := m.conns[peerID]
	m.mu.Unlock()
	if !ok {
		return transport.ErrTransportUnavailable
	}
	return m.sendOn(ctx, conn, sess, p, progress)
}

func (m *Manager) sendOn(ctx context.Context, conn transport.Conn, sess *node.Session, p proto.Payload, progress func(sent, total int)) error {
	plain, err := proto.EncodePayload(p)
	if err != nil {
		return err
	}
	sealed, err := sealPayload(sess, plain)
	if err != nil {
		return err
	}
	chunks, err := proto.Split(sess.SessionID, sealed)
	if err != nil {
		return err
	}

	lock := m.sendLock(sess.SessionID)
	lock.Lock()
	defer lock.Unlock()

	total := len(chunks)
	for i, c := range chunks {
		if err := m.sendChunk(ctx, conn, c); err != nil {
			m.metrics.IncSendFailures()
			return fmt.Errorf("chunk %d/%d: %w", i+1, total, err)
		}
		if progress != nil {
			progress(i+1, total)
		}
		if m.bus != nil {
			m.bus.Publish(events.SendProgress{
				SessionID: sess.SessionID,
				Sent:      i + 1,
				Total:     total,
				Fraction:  float64(i+1) / float64(total),
			})
		}
	}
	return nil
}

func (m *Manager) sendChunk(ctx context.Context, conn transport.Conn, c proto.Chunk) error {
	encoded, err := proto.EncodeChunk(c)
	if err != nil {
		return err
	}
	frame := proto.WrapFrame(proto.FrameChunk, encoded)
	key := ackKey{sessionID: c.SessionID, sequence: c.Sequence}
	acked := make(chan struct{})
	m.mu.Lock()
	m.waiters[key] = acked
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.waiters[key] == acked {
			delete(m.waiters, key)
		}
		m.mu.Unlock()
	}()

	backoff := m.retryBase
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			m.metrics.IncChunkRetries()
			debuglog.Debugf("retrying chunk sid=%d seq=%d attempt=%d", c.SessionID, c.Sequence, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err := conn.Write(ctx, frame); err != nil {
			return err
		}
		m.metrics.IncChunksSent()
		select {
		case <-acked:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.ackTimeout):
		}
	}
	return fmt.Errorf("%w: no ack for chunk sid=%d seq=%d after %d attempts",
		ErrTransmissionFailed, c.SessionID, c.Sequence, m.maxRetries+1)
}

// HandleFrame processes one inbound chunk frame. Corrupt frames are
// dropped and counted, never fatal to the session.
func (m *Manager) HandleFrame(ctx context.Context, conn transport.Conn, frame []byte) {
	if len(frame) == 0 || frame[0] != proto.FrameChunk {
		debuglog.Debugf("dropping non-chunk frame from %s", conn.PeerID())
		return
	}
	c, err := proto.ParseChunk(frame[1:])
	if err != nil {
		if errors.Is(err, proto.ErrChecksumMismatch) {
			m.metrics.IncChecksumDrops()
		}
		debuglog.Debugf("dropping bad frame from %s: %v", conn.PeerID(), err)
		return
	}
	if c.IsAck() {
		m.routeAck(c)
		return
	}
	m.receiveData(ctx, conn, c)
}

func (m *Manager) routeAck(c proto.Chunk) {
	key := ackKey{sessionID: c.SessionID, sequence: c.Sequence}
	m.mu.Lock()
	ch, ok := m.waiters[key]
	if ok {
		delete(m.waiters, key)
	}
	m.mu.Unlock()
	if !ok {
		debuglog.Debugf("ack with no waiter sid=%d seq=%d", c.SessionID, c.Sequence)
		return
	}
	m.metrics.IncAcksReceived()
	close(ch)
}

func (m *Manager) receiveData(ctx context.Context, conn transport.Conn, c proto.Chunk) {
	sess, ok := m.sessions.Get(c.SessionID)
	if !ok {
		debuglog.Debugf("chunk for unknown session %d from %s", c.SessionID, conn.PeerID())
		return
	}

	ackFrame, err := proto.EncodeChunk(proto.AckChunk(c.SessionID, c.Sequence))
	if err == nil {
		if werr := conn.Write(ctx, proto.WrapFrame(proto.FrameChunk, ackFrame)); werr != nil {
			debuglog.Debugf("ack write failed sid=%d seq=%d: %v", c.SessionID, c.Sequence, werr)
		}
	}

	m.mu.Lock()
	asm, ok := m.assemblers[c.SessionID]
	if !ok {
		asm = proto.NewAssembler(c.SessionID)
		m.assemblers[c.SessionID] = asm
	}
	added := asm.Add(c)
	received := asm.Received()
	expected, sawLast := asm.Expected()
	complete := asm.Complete()
	if complete {
		delete(m.assemblers, c.SessionID)
	}
	m.mu.Unlock()

	if !added {
		m.metrics.IncDuplicateDrops()
		return
	}
	if m.bus != nil {
		ev := events.ReceiveProgress{SessionID: c.SessionID, Received: received}
		if sawLast {
			ev.Expected = expected
		}
		m.bus.Publish(ev)
	}
	if !complete {
		return
	}

	sealed, err := asm.Bytes()
	if err != nil {
		m.metrics.IncReassemblyFailures()
		debuglog.Debugf("reassembly sid=%d: %v", c.SessionID, err)
		return
	}
	plain, err := openPayload(sess, sealed)
	if err != nil {
		m.metrics.IncReassemblyFailures()
		debuglog.Debugf("envelope open sid=%d: %v", c.SessionID, err)
		return
	}
	p, err := proto.DecodePayload(plain)
	if err != nil {
		m.metrics.IncReassemblyFailures()
		debuglog.Debugf("payload decode sid=%d: %v", c.SessionID, err)
		return
	}
	m.metrics.IncPayloadsAssembled()
	if m.bus != nil {
		m.bus.Publish(events.PayloadReceived{
			SessionID: c.SessionID,
			PeerAddr:  sess.PeerAddr,
			Kind:      p.PayloadType(),
		})
	}
	if m.handler == nil {
		return
	}
	// Dispatch off the frame loop so a handler reply can see its acks.
	go func() {
		r := &connReplier{m: m, conn: conn, sess: sess}
		if err := m.handler.HandlePayload(ctx, sess, p, r); err != nil {
			debuglog.Logf("payload handler sid=%d kind=%s: %v", c.SessionID, p.PayloadType(), err)
		}
	}()
}

// SweepAssemblers discards partial reassemblies older than the TTL.
func (m *Manager) SweepAssemblers() int {
	cutoff := m.now().Add(-m.assemblerTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for sid, asm := range m.assemblers {
		if asm.CreatedAt().Before(cutoff) {
			delete(m.assemblers, sid)
			removed++
		}
	}
	return removed
}

func (m *Manager) sendLock(sessionID uint32) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.sendLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.sendLocks[sessionID] = lock
	}
	return lock
}

type connReplier struct {
	m    *Manager
	conn transport.Conn
	sess *node.Session
}

func (r *connReplier) Reply(ctx context.Context, p proto.Payload) error {
	return r.m.sendOn(ctx, r.conn, r.sess, p, nil)
}

// -----------------------------------------------------------------------------
// Payload envelope: 8-byte BE nonce counter, then AEAD ciphertext keyed
// by the session encryption key with the session id as AAD.
// -----------------------------------------------------------------------------

func sealPayload(sess *node.Session, plain []byte) ([]byte, error) {
	counter, err := sess.NextSendSeq()
	if err != nil {
		return nil, err
	}
	if sess.Role == node.RoleResponder {
		counter |= responderCounterBit
	}
	nonce, err := crypto.NonceFromBase(sess.Keys.NonceBase, counter)
	if err != nil {
		return nil, err
	}
	ct, err := crypto.XSealWithNonce(sess.Keys.EncKey, nonce, plain, sessionAAD(sess.SessionID))
	if err != nil {
		return nil, err
	}
	out := make([]byte, envelopeHeaderSize+len(ct))
	binary.BigEndian.PutUint64(out[:envelopeHeaderSize], counter)
	copy(out[envelopeHeaderSize:], ct)
	return out, nil
}

func openPayload(sess *node.Session, sealed []byte) ([]byte, error) {
	if len(sealed) < envelopeHeaderSize+1 {
		return nil, errors.New("envelope too short")
	}
	counter := binary.BigEndian.Uint64(sealed[:envelopeHeaderSize])
	nonce, err := crypto.NonceFromBase(sess.Keys.NonceBase, counter)
	if err != nil {
		return nil, err
	}
	return crypto.XOpen(sess.Keys.EncKey, nonce, sealed[envelopeHeaderSize:], sessionAAD(sess.SessionID))
}

func sessionAAD(sessionID uint32) []byte {
	var aad [4]byte
	binary.LittleEndian.PutUint32(aad[:], sessionID)
	return aad[:]
}
