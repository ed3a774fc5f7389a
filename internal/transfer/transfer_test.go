package transfer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"meshpay/internal/crypto"
	"meshpay/internal/events"
	"meshpay/internal/metrics"
	"meshpay/internal/node"
	"meshpay/internal/proto"
	"meshpay/internal/transport"
)

type capturedPayload struct {
	sess *node.Session
	p    proto.Payload
}

type captureHandler struct {
	got   chan capturedPayload
	reply proto.Payload
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{got: make(chan capturedPayload, 8)}
}

func (h *captureHandler) HandlePayload(ctx context.Context, sess *node.Session, p proto.Payload, r Replier) error {
	h.got <- capturedPayload{sess: sess, p: p}
	if h.reply != nil {
		return r.Reply(ctx, h.reply)
	}
	return nil
}

type testPair struct {
	mgrA, mgrB   *Manager
	handA, handB *captureHandler
	metA, metB   *metrics.Metrics
	connA        transport.Conn
	sessA        *node.Session
	cancel       context.CancelFunc
}

// newTestPair wires two managers over an in-memory link with a shared
// established session, A as initiator and B as responder.
func newTestPair(t *testing.T, opts Options) *testPair {
	t.Helper()
	ss := bytes.Repeat([]byte{0x5a}, 32)
	transcript := bytes.Repeat([]byte{0x17}, 32)
	keys, err := crypto.DeriveSessionKeys(ss, transcript)
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}

	sessA := &node.Session{
		SessionID: keys.SessionID,
		PeerID:    "b",
		Keys:      keys,
		Role:      node.RoleInitiator,
		CreatedAt: time.Now(),
	}
	keysB := keys
	sessB := &node.Session{
		SessionID: keys.SessionID,
		PeerID:    "a",
		Keys:      keysB,
		Role:      node.RoleResponder,
		CreatedAt: time.Now(),
	}

	storeA := node.NewSessionStore()
	storeA.Put(sessA)
	storeB := node.NewSessionStore()
	storeB.Put(sessB)

	handA := newCaptureHandler()
	handB := newCaptureHandler()
	metA := metrics.New()
	metB := metrics.New()

	optsA := opts
	optsA.Sessions = storeA
	optsA.Handler = handA
	optsA.Metrics = metA
	mgrA, err := NewManager(optsA)
	if err != nil {
		t.Fatalf("NewManager A: %v", err)
	}
	optsB := opts
	optsB.Sessions = storeB
	optsB.Handler = handB
	optsB.Metrics = metB
	mgrB, err := NewManager(optsB)
	if err != nil {
		t.Fatalf("NewManager B: %v", err)
	}

	hub := transport.NewMemHub()
	linkA := hub.NewLink("a")
	linkB := hub.NewLink("b")

	ctx, cancel := context.WithCancel(context.Background())
	connA, err := linkA.Connect(ctx, "b")
	if err != nil {
		cancel()
		t.Fatalf("Connect: %v", err)
	}
	var inbound transport.Inbound
	select {
	case inbound = <-linkB.Accept():
	case <-time.After(time.Second):
		cancel()
		t.Fatal("no inbound connection")
	}
	// Attach synchronously so Send can find the conns before the Serve
	// goroutines get scheduled; Serve's own Attach is idempotent.
	mgrA.Attach(connA)
	mgrB.Attach(inbound.Conn)
	go func() { _ = mgrA.Serve(ctx, connA) }()
	go func() { _ = mgrB.Serve(ctx, inbound.Conn) }()
	t.Cleanup(cancel)

	return &testPair{
		mgrA: mgrA, mgrB: mgrB,
		handA: handA, handB: handB,
		metA: metA, metB: metB,
		connA: connA, sessA: sessA,
		cancel: cancel,
	}
}

func waitPayload(t *testing.T, h *captureHandler) capturedPayload {
	t.Helper()
	select {
	case got := <-h.got:
		return got
	case <-time.After(3 * time.Second):
		t.Fatal("payload never delivered")
		return capturedPayload{}
	}
}

func TestSendSingleChunkPayload(t *testing.T) {
	pair := newTestPair(t, Options{})
	req := proto.BalanceRequest{Type: proto.PayloadTypeBalanceReq, Address: "0xabc", ReqID: "r1"}

	var mu sync.Mutex
	var calls [][2]int
	err := pair.mgrA.Send(context.Background(), "b", req, func(sent, total int) {
		mu.Lock()
		calls = append(calls, [2]int{sent, total})
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := waitPayload(t, pair.handB)
	back, ok := got.p.(proto.BalanceRequest)
	if !ok {
		t.Fatalf("wrong payload type: %T", got.p)
	}
	if back.Address != "0xabc" || back.ReqID != "r1" {
		t.Fatalf("payload mangled: %+v", back)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != [2]int{1, 1} {
		t.Fatalf("progress calls: %v", calls)
	}
}

func TestSendMultiChunkPayload(t *testing.T) {
	pair := newTestPair(t, Options{})
	tx := proto.SignedTransaction{
		Type:     proto.PayloadTypeTx,
		From:     "0x1111111111111111111111111111111111111111",
		To:       "0x2222222222222222222222222222222222222222",
		Value:    "1000000000000000000",
		GasLimit: 21000,
		GasPrice: "30000000000",
		ChainID:  1,
		Data:     strings.Repeat("ab", 600),
	}

	var mu sync.Mutex
	lastTotal := 0
	err := pair.mgrA.Send(context.Background(), "b", tx, func(sent, total int) {
		mu.Lock()
		lastTotal = total
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	if lastTotal < 2 {
		mu.Unlock()
		t.Fatalf("expected a multi-chunk transfer, total=%d", lastTotal)
	}
	mu.Unlock()

	got := waitPayload(t, pair.handB)
	back, ok := got.p.(proto.SignedTransaction)
	if !ok {
		t.Fatalf("wrong payload type: %T", got.p)
	}
	if back.Data != tx.Data || back.From != tx.From {
		t.Fatal("multi-chunk payload mangled")
	}
	if n := pair.metB.Snapshot().Transfer.PayloadsAssembled; n != 1 {
		t.Fatalf("payloads assembled: %d", n)
	}
}

func TestSendWithoutSession(t *testing.T) {
	mgr, err := NewManager(Options{Sessions: node.NewSessionStore()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	err = mgr.Send(context.Background(), "stranger", proto.BalanceRequest{Type: proto.PayloadTypeBalanceReq}, nil)
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestReplyTravelsBack(t *testing.T) {
	pair := newTestPair(t, Options{})
	pair.handB.reply = proto.ReceiptAck{
		Type:    proto.PayloadTypeReceiptAck,
		TxRef:   "deadbeef",
		Success: true,
		From:    "0x3333333333333333333333333333333333333333",
	}

	req := proto.BalanceRequest{Type: proto.PayloadTypeBalanceReq, Address: "0xabc", ReqID: "r2"}
	if err := pair.mgrA.Send(context.Background(), "b", req, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitPayload(t, pair.handB)

	got := waitPayload(t, pair.handA)
	ack, ok := got.p.(proto.ReceiptAck)
	if !ok {
		t.Fatalf("wrong reply type: %T", got.p)
	}
	if ack.TxRef != "deadbeef" || !ack.Success {
		t.Fatalf("reply mangled: %+v", ack)
	}
}

// lossyConn drops the first write of every distinct frame, forcing the
// sender onto its retry path.
type lossyConn struct {
	transport.Conn
	mu   sync.Mutex
	seen map[string]bool
}

func (c *lossyConn) Write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	key := string(frame)
	first := !c.seen[key]
	c.seen[key] = true
	c.mu.Unlock()
	if first {
		return nil // swallowed
	}
	return c.Conn.Write(ctx, frame)
}

func TestSendRetriesDroppedChunk(t *testing.T) {
	pair := newTestPair(t, Options{AckTimeout: 60 * time.Millisecond, RetryBase: 10 * time.Millisecond})
	lossy := &lossyConn{Conn: pair.connA, seen: make(map[string]bool)}

	req := proto.BalanceRequest{Type: proto.PayloadTypeBalanceReq, Address: "0xabc", ReqID: "r3"}
	if err := pair.mgrA.sendOn(context.Background(), lossy, pair.sessA, req, nil); err != nil {
		t.Fatalf("send over lossy link: %v", err)
	}
	waitPayload(t, pair.handB)
	if n := pair.metA.Snapshot().Transfer.ChunkRetries; n == 0 {
		t.Fatal("expected at least one chunk retry")
	}
}

type blackholeConn struct{}

func (blackholeConn) Write(ctx context.Context, frame []byte) error { return nil }
func (blackholeConn) Frames() <-chan []byte                         { return nil }
func (blackholeConn) PeerID() string                                { return "void" }
func (blackholeConn) Close() error                                  { return nil }

func TestSendFailsAfterMaxRetries(t *testing.T) {
	store := node.NewSessionStore()
	keys, err := crypto.DeriveSessionKeys(bytes.Repeat([]byte{1}, 32), bytes.Repeat([]byte{2}, 32))
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	sess := &node.Session{SessionID: keys.SessionID, PeerID: "void", Keys: keys, Role: node.RoleInitiator}
	store.Put(sess)

	met := metrics.New()
	mgr, err := NewManager(Options{
		Sessions:   store,
		Metrics:    met,
		AckTimeout: 20 * time.Millisecond,
		RetryBase:  5 * time.Millisecond,
		MaxRetries: 2,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	req := proto.BalanceRequest{Type: proto.PayloadTypeBalanceReq, Address: "0xabc"}
	err = mgr.sendOn(context.Background(), blackholeConn{}, sess, req, nil)
	if !errors.Is(err, ErrTransmissionFailed) {
		t.Fatalf("expected ErrTransmissionFailed, got %v", err)
	}
	snap := met.Snapshot().Transfer
	if snap.ChunkRetries != 2 {
		t.Fatalf("chunk retries: %d", snap.ChunkRetries)
	}
	if snap.SendFailures != 1 {
		t.Fatalf("send failures: %d", snap.SendFailures)
	}
}

func TestCorruptFrameCountedAndDropped(t *testing.T) {
	pair := newTestPair(t, Options{})
	chunks, err := proto.Split(pair.sessA.SessionID, []byte("some payload bytes"))
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	encoded, err := proto.EncodeChunk(chunks[0])
	if err != nil {
		t.Fatalf("EncodeChunk: %v", err)
	}
	encoded[len(encoded)-1] ^= 0xff
	frame := proto.WrapFrame(proto.FrameChunk, encoded)

	pair.mgrB.HandleFrame(context.Background(), blackholeConn{}, frame)
	if n := pair.metB.Snapshot().Transfer.ChecksumDrops; n != 1 {
		t.Fatalf("checksum drops: %d", n)
	}
}

func TestDuplicateChunkAbsorbed(t *testing.T) {
	bus := events.NewBus()
	pair := newTestPair(t, Options{Bus: bus})
	chunks, err := proto.Split(pair.sessA.SessionID, bytes.Repeat([]byte{0x42}, proto.MaxChunkData*2))
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	encoded, err := proto.EncodeChunk(chunks[0])
	if err != nil {
		t.Fatalf("EncodeChunk: %v", err)
	}
	frame := proto.WrapFrame(proto.FrameChunk, encoded)

	pair.mgrB.HandleFrame(context.Background(), blackholeConn{}, frame)
	pair.mgrB.HandleFrame(context.Background(), blackholeConn{}, frame)
	if n := pair.metB.Snapshot().Transfer.DuplicateDrops; n != 1 {
		t.Fatalf("duplicate drops: %d", n)
	}
}

func TestSweepAssemblersEvictsStale(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store := node.NewSessionStore()
	keys, err := crypto.DeriveSessionKeys(bytes.Repeat([]byte{3}, 32), bytes.Repeat([]byte{4}, 32))
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	sess := &node.Session{SessionID: keys.SessionID, PeerID: "x", Keys: keys}
	store.Put(sess)

	mgr, err := NewManager(Options{Sessions: store, AssemblerTTL: time.Minute, Now: clock})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	chunks, err := proto.Split(sess.SessionID, bytes.Repeat([]byte{7}, proto.MaxChunkData*2))
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	encoded, err := proto.EncodeChunk(chunks[0])
	if err != nil {
		t.Fatalf("EncodeChunk: %v", err)
	}
	mgr.HandleFrame(context.Background(), blackholeConn{}, proto.WrapFrame(proto.FrameChunk, encoded))

	if removed := mgr.SweepAssemblers(); removed != 0 {
		t.Fatalf("fresh assembler swept: %d", removed)
	}
	now = now.Add(2 * time.Minute)
	if removed := mgr.SweepAssemblers(); removed != 1 {
		t.Fatalf("stale assembler not swept: %d", removed)
	}
}

func TestEnvelopeDirectionsDoNotCollide(t *testing.T) {
	keys, err := crypto.DeriveSessionKeys(bytes.Repeat([]byte{9}, 32), bytes.Repeat([]byte{8}, 32))
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	init := &node.Session{SessionID: keys.SessionID, Keys: keys, Role: node.RoleInitiator}
	resp := &node.Session{SessionID: keys.SessionID, Keys: keys, Role: node.RoleResponder}

	a, err := sealPayload(init, []byte("from initiator"))
	if err != nil {
		t.Fatalf("sealPayload: %v", err)
	}
	b, err := sealPayload(resp, []byte("from responder"))
	if err != nil {
		t.Fatalf("sealPayload: %v", err)
	}
	if bytes.Equal(a[:envelopeHeaderSize], b[:envelopeHeaderSize]) {
		t.Fatal("directions share a nonce counter")
	}

	plain, err := openPayload(resp, a)
	if err != nil {
		t.Fatalf("openPayload: %v", err)
	}
	if string(plain) != "from initiator" {
		t.Fatalf("plaintext mangled: %q", plain)
	}

	a[envelopeHeaderSize+2] ^= 0x01
	if _, err := openPayload(resp, a); err == nil {
		t.Fatal("tampered envelope accepted")
	}
}
