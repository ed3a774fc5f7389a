package daemon

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"meshpay/internal/debuglog"
	"meshpay/internal/events"
	"meshpay/internal/metrics"
	"meshpay/internal/node"
	"meshpay/internal/peer"
	"meshpay/internal/proto"
	"meshpay/internal/relay"
	"meshpay/internal/store"
	"meshpay/internal/transfer"
	"meshpay/internal/transport"
)

const (
	DefaultSweepInterval    = 10 * time.Second
	DefaultSnapshotInterval = time.Second
	dbFile                  = "meshpay.db"
	snapFile                = "metrics.json"
	peersFile               = "peers.json"
)

type Options struct {
	Transport   transport.Transport
	Broadcaster relay.Broadcaster
	Store       *store.DB
	Metrics     *metrics.Metrics
	Bus         *events.Bus

	Online   bool
	CanRelay bool
	ChainIDs []int64

	HandshakeTimeout time.Duration
	StaleWindow      time.Duration
	SweepInterval    time.Duration
	AckTimeout       time.Duration
}

// Runner wires the whole node together: identity, transport, the peer
// directory, transfers and the relay handler, plus the periodic chores.
type Runner struct {
	Root      string
	Self      *node.Node
	Directory *peer.Directory
	Transfers *transfer.Manager
	Relay     *relay.Handler
	Store     *store.DB
	Metrics   *metrics.Metrics
	Bus       *events.Bus

	link          transport.Transport
	staleWindow   time.Duration
	sweepInterval time.Duration
	snapPath      string
	stopSnap      chan struct{}
	ownStore      bool

	mu       sync.Mutex
	advertMu sync.Mutex
}

func NewRunner(root string, opts Options) (*Runner, error) {
	if root == "" {
		return nil, fmt.Errorf("missing root")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	self, err := node.NewNode(root, node.Options{
		HandshakeTimeout: opts.HandshakeTimeout,
		Metrics:          m,
		Bus:              bus,
	})
	if err != nil {
		return nil, err
	}
	self.Roles.SetConnectivity(opts.Online, opts.CanRelay)

	db := opts.Store
	ownStore := false
	if db == nil {
		db, err = store.Open(filepath.Join(root, dbFile))
		if err != nil {
			return nil, err
		}
		ownStore = true
	}
	handler, err := relay.NewHandler(relay.Options{
		Signer:      self.Identity,
		Roles:       self.Roles,
		Broadcaster: opts.Broadcaster,
		Store:       db,
		Metrics:     m,
		Bus:         bus,
		ChainIDs:    opts.ChainIDs,
	})
	if err != nil {
		if ownStore {
			_ = db.Close()
		}
		return nil, err
	}
	transfers, err := transfer.NewManager(transfer.Options{
		Sessions:   self.Sessions,
		Handler:    handler,
		Metrics:    m,
		Bus:        bus,
		AckTimeout: opts.AckTimeout,
	})
	if err != nil {
		if ownStore {
			_ = db.Close()
		}
		return nil, err
	}
	staleWindow := opts.StaleWindow
	if staleWindow <= 0 {
		staleWindow = peer.DefaultStaleWindow
	}
	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Runner{
		Root:          root,
		Self:          self,
		Directory:     peer.NewDirectory(bus, peer.Options{}),
		Transfers:     transfers,
		Relay:         handler,
		Store:         db,
		Metrics:       m,
		Bus:           bus,
		link:          opts.Transport,
		staleWindow:   staleWindow,
		sweepInterval: sweepInterval,
		snapPath:      filepath.Join(root, snapFile),
		stopSnap:      make(chan struct{}),
		ownStore:      ownStore,
	}, nil
}

type starter interface {
	Start(ctx context.Context) error
}

// Run drives the node until ctx ends: advertising, scanning, accepting
// inbound connections and sweeping stale state.
func (r *Runner) Run(ctx context.Context) error {
	if s, ok := r.link.(starter); ok {
		go func() {
			if err := s.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				debuglog.Logf("transport stopped: %v", err)
			}
		}()
	}
	if err := r.advertise(ctx); err != nil {
		return err
	}
	r.Self.Roles.SetAdvertising(true)
	r.Self.Roles.OnChange(func(role proto.Role) {
		if err := r.advertise(ctx); err != nil {
			debuglog.Logf("re-advertise after role change: %v", err)
		}
	})

	go r.scanLoop(ctx)
	go r.acceptLoop(ctx)
	go r.sweepLoop(ctx)
	r.StartSnapshotWriter(DefaultSnapshotInterval)
	defer r.StopSnapshotWriter()

	<-ctx.Done()
	if r.ownStore {
		_ = r.Store.Close()
	}
	return ctx.Err()
}

func (r *Runner) advertise(ctx context.Context) error {
	r.advertMu.Lock()
	defer r.advertMu.Unlock()
	return r.link.Advertise(ctx, proto.EncodeAdvert(r.Self.Advert()))
}

func (r *Runner) scanLoop(ctx context.Context) {
	err := r.link.Scan(ctx, func(adv transport.Advertisement) {
		decoded, err := proto.DecodeAdvert(adv.Data)
		if err != nil {
			debuglog.Debugf("undecodable advert from %s: %v", adv.PeerID, err)
			return
		}
		r.Directory.Upsert(peer.Sighting{
			ID:             adv.PeerID,
			DisplayName:    adv.DisplayName,
			SignalStrength: adv.Signal,
			HasSignal:      adv.HasSignal,
			Roles:          decoded.Roles,
			TruncatedAddr:  decoded.TruncatedAddr,
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		debuglog.Logf("scan stopped: %v", err)
	}
}

func (r *Runner) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case inbound, ok := <-r.link.Accept():
			if !ok {
				return
			}
			go r.ServeConn(ctx, inbound.Conn)
		}
	}
}

func (r *Runner) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Directory.SweepStale(r.staleWindow)
			if n := r.Transfers.SweepAssemblers(); n > 0 {
				debuglog.Debugf("swept %d stale assemblers", n)
			}
			if err := r.writePeersSnapshot(); err != nil {
				debuglog.Debugf("write peers snapshot: %v", err)
			}
		}
	}
}

// PeerEntry is one row of the on-disk peers snapshot.
type PeerEntry struct {
	ID        string    `json:"id"`
	Roles     string    `json:"roles"`
	Signal    int       `json:"signal"`
	HasSignal bool      `json:"has_signal"`
	AddrFrag  string    `json:"addr_frag"`
	LastSeen  time.Time `json:"last_seen"`
}

type PeersSnapshot struct {
	GeneratedAt time.Time   `json:"generated_at"`
	Selected    string      `json:"selected"`
	Peers       []PeerEntry `json:"peers"`
}

func (r *Runner) writePeersSnapshot() error {
	records := r.Directory.Snapshot()
	selected, _ := r.Directory.Selected()
	snap := PeersSnapshot{
		GeneratedAt: time.Now(),
		Selected:    selected,
		Peers:       make([]PeerEntry, 0, len(records)),
	}
	for _, rec := range records {
		snap.Peers = append(snap.Peers, PeerEntry{
			ID:        rec.ID,
			Roles:     rec.Roles.String(),
			Signal:    rec.SignalStrength,
			HasSignal: rec.HasSignal,
			AddrFrag:  hex.EncodeToString(rec.TruncatedAddr[:]),
			LastSeen:  rec.LastSeen,
		})
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(r.Root, peersFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadPeersSnapshot(root string) (PeersSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(root, peersFile))
	if err != nil {
		return PeersSnapshot{}, err
	}
	var snap PeersSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return PeersSnapshot{}, err
	}
	return snap, nil
}

// ServeConn pumps one connection, routing on the frame kind byte:
// handshake messages are handled here, chunk traffic goes to the
// transfer manager.
func (r *Runner) ServeConn(ctx context.Context, conn transport.Conn) {
	r.Transfers.Attach(conn)
	defer r.Transfers.Detach(conn)
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-conn.Frames():
			if !ok {
				return
			}
			if len(frame) == 0 {
				continue
			}
			switch frame[0] {
			case proto.FrameHandshake:
				r.handleHandshakeFrame(ctx, conn, frame[1:])
			case proto.FrameChunk:
				r.Transfers.HandleFrame(ctx, conn, frame)
			default:
				debuglog.Debugf("unknown frame kind %#x from %s", frame[0], conn.PeerID())
			}
		}
	}
}

func (r *Runner) handleHandshakeFrame(ctx context.Context, conn transport.Conn, frame []byte) {
	peerID := conn.PeerID()
	if init, err := proto.DecodeHandshakeInit(frame); err == nil {
		resp, sess, err := r.Self.Handshakes.Respond(peerID, init)
		if err != nil {
			debuglog.Logf("handshake respond to %s: %v", peerID, err)
			return
		}
		out, err := proto.EncodeHandshakeResp(resp)
		if err != nil {
			debuglog.Logf("encode handshake response: %v", err)
			return
		}
		if err := conn.Write(ctx, proto.WrapFrame(proto.FrameHandshake, out)); err != nil {
			debuglog.Logf("write handshake response to %s: %v", peerID, err)
			return
		}
		debuglog.Logf("session %d established with %s (%s)", sess.SessionID, peerID, sess.PeerAddr.Hex())
		return
	}
	if resp, err := proto.DecodeHandshakeResp(frame); err == nil {
		sess, err := r.Self.Handshakes.Complete(peerID, resp)
		if err != nil {
			debuglog.Logf("handshake complete with %s: %v", peerID, err)
			return
		}
		debuglog.Logf("session %d established with %s (%s)", sess.SessionID, peerID, sess.PeerAddr.Hex())
		return
	}
	debuglog.Debugf("unrecognized handshake frame from %s", peerID)
}

// Dial returns an authenticated session with the peer, running the
// handshake over a fresh connection when none exists yet.
func (r *Runner) Dial(ctx context.Context, peerID string) (*node.Session, error) {
	if sess, ok := r.Self.Sessions.GetByPeer(peerID); ok {
		return sess, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.Self.Sessions.GetByPeer(peerID); ok {
		return sess, nil
	}

	conn, err := r.link.Connect(ctx, peerID)
	if err != nil {
		return nil, err
	}
	go r.ServeConn(ctx, conn)

	init, ctxID, err := r.Self.Handshakes.Init(peerID)
	if err != nil {
		return nil, err
	}
	frame, err := proto.EncodeHandshakeInit(init)
	if err != nil {
		r.Self.Handshakes.Cancel(ctxID)
		return nil, err
	}
	if err := conn.Write(ctx, proto.WrapFrame(proto.FrameHandshake, frame)); err != nil {
		r.Self.Handshakes.Cancel(ctxID)
		return nil, err
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Self.Handshakes.Cancel(ctxID)
			return nil, ctx.Err()
		case <-ticker.C:
			if sess, ok := r.Self.Sessions.GetByPeer(peerID); ok {
				return sess, nil
			}
			if !r.Self.Handshakes.Pending(peerID) {
				if sess, ok := r.Self.Sessions.GetByPeer(peerID); ok {
					return sess, nil
				}
				return nil, node.ErrHandshakeTimeout
			}
		}
	}
}

// SendPayload dials the peer if needed and ships the payload.
func (r *Runner) SendPayload(ctx context.Context, peerID string, p proto.Payload, progress func(sent, total int)) error {
	if _, err := r.Dial(ctx, peerID); err != nil {
		return err
	}
	return r.Transfers.Send(ctx, peerID, p, progress)
}

// SendToRelayer ships the payload to the currently selected relayer.
func (r *Runner) SendToRelayer(ctx context.Context, p proto.Payload, progress func(sent, total int)) (string, error) {
	relayer, ok := r.Directory.Selected()
	if !ok {
		return "", errors.New("no relay-capable peer in range")
	}
	return relayer, r.SendPayload(ctx, relayer, p, progress)
}

func (r *Runner) StartSnapshotWriter(interval time.Duration) {
	if r.Metrics == nil || r.snapPath == "" {
		return
	}
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = r.Metrics.WriteSnapshot(r.snapPath)
			case <-r.stopSnap:
				return
			}
		}
	}()
}

func (r *Runner) StopSnapshotWriter() {
	select {
	case r.stopSnap <- struct{}{}:
	default:
	}
}
