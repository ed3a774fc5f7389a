package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"meshpay/internal/debuglog"
)

// QUICLink runs the relay protocol over LAN QUIC, standing in for the
// short-range radio when two nodes share a network. Peer ids are listen
// addresses; bootstrap addresses are probed periodically in place of a
// radio scan.
const (
	quicALPN            = "meshpay-quic"
	defaultScanInterval = 3 * time.Second
	dialTimeout         = 3 * time.Second

	helloProbe   = byte(0x01) // advert exchange only
	helloConnect = byte(0x02) // advert exchange, then keep the frame pipe
)

type QUICLink struct {
	addr      string
	bootstrap []string
	inbound   chan Inbound
	states    chan State

	mu       sync.Mutex
	advert   []byte
	listener *quic.Listener
	closed   bool

	scanInterval time.Duration
}

type QUICOptions struct {
	Bootstrap    []string
	ScanInterval time.Duration
}

func NewQUICLink(addr string, opts QUICOptions) *QUICLink {
	interval := opts.ScanInterval
	if interval <= 0 {
		interval = defaultScanInterval
	}
	return &QUICLink{
		addr:         addr,
		bootstrap:    opts.Bootstrap,
		inbound:      make(chan Inbound, 8),
		states:       make(chan State, 8),
		scanInterval: interval,
	}
}

// Start listens and serves inbound connections until ctx ends.
func (l *QUICLink) Start(ctx context.Context) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(l.addr, tlsConf, nil)
	if err != nil {
		l.pushState(StateOff)
		return errors.Join(ErrTransportUnavailable, err)
	}
	l.mu.Lock()
	l.listener = listener
	l.mu.Unlock()
	l.pushState(StateReady)
	debuglog.Logf("quic listen ready: %s", l.addr)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			l.pushState(StateOff)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go l.serveConn(ctx, conn)
	}
}

func (l *QUICLink) serveConn(ctx context.Context, conn *quic.Conn) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		debuglog.Debugf("quic accept stream error: %v", err)
		return
	}
	hello, err := ReadFrame(stream)
	if err != nil || len(hello) < 1 {
		_ = stream.Close()
		return
	}
	intent := hello[0]
	if err := WriteFrame(stream, append([]byte{intent}, l.currentAdvert()...)); err != nil {
		_ = stream.Close()
		return
	}
	peerID := conn.RemoteAddr().String()
	if intent != helloConnect {
		_ = stream.Close()
		return
	}
	qc := newQUICConn(peerID, stream)
	select {
	case l.inbound <- Inbound{PeerID: peerID, Conn: qc}:
	default:
		debuglog.Debugf("inbound queue full, dropping connection from %s", peerID)
		_ = qc.Close()
	}
}

// Scan probes the bootstrap addresses on an interval and surfaces their
// adverts as sightings. Signal strength is unknown over QUIC.
func (l *QUICLink) Scan(ctx context.Context, sight func(Advertisement)) error {
	ticker := time.NewTicker(l.scanInterval)
	defer ticker.Stop()
	probe := func() {
		for _, addr := range l.bootstrap {
			if addr == l.addr {
				continue
			}
			adv, err := l.probe(ctx, addr)
			if err != nil {
				debuglog.RateLimitedf("probe:"+addr, 30*time.Second, "probe %s failed: %v", addr, err)
				continue
			}
			sight(Advertisement{PeerID: addr, Data: adv})
		}
	}
	probe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			probe()
		}
	}
}

func (l *QUICLink) probe(ctx context.Context, addr string) ([]byte, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	stream, conn, err := l.dial(dctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.CloseWithError(0, "")
	if err := WriteFrame(stream, append([]byte{helloProbe}, l.currentAdvert()...)); err != nil {
		return nil, err
	}
	reply, err := ReadFrame(stream)
	if err != nil || len(reply) < 1 {
		return nil, errors.New("bad probe reply")
	}
	return reply[1:], nil
}

func (l *QUICLink) Connect(ctx context.Context, peerID string) (Conn, error) {
	stream, conn, err := l.dial(ctx, peerID)
	if err != nil {
		return nil, errors.Join(ErrTransportUnavailable, err)
	}
	if err := WriteFrame(stream, append([]byte{helloConnect}, l.currentAdvert()...)); err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	if _, err := ReadFrame(stream); err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return newQUICConn(peerID, stream), nil
}

func (l *QUICLink) dial(ctx context.Context, addr string) (*quic.Stream, *quic.Conn, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, nil, err
	}
	return stream, conn, nil
}

func (l *QUICLink) Advertise(ctx context.Context, data []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrTransportUnavailable
	}
	adv := make([]byte, len(data))
	copy(adv, data)
	l.advert = adv
	l.mu.Unlock()
	return nil
}

func (l *QUICLink) currentAdvert() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.advert
}

// Addr reports the bound listen address once Start has succeeded.
func (l *QUICLink) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.addr
}

func (l *QUICLink) Accept() <-chan Inbound {
	return l.inbound
}

func (l *QUICLink) States() <-chan State {
	return l.states
}

func (l *QUICLink) Close() error {
	l.mu.Lock()
	l.closed = true
	listener := l.listener
	l.mu.Unlock()
	if listener != nil {
		return listener.Close()
	}
	return nil
}

func (l *QUICLink) pushState(s State) {
	select {
	case l.states <- s:
	default:
	}
}

type quicConn struct {
	peer   string
	stream *quic.Stream
	frames chan []byte

	mu     sync.Mutex
	closed bool
}

func newQUICConn(peer string, stream *quic.Stream) *quicConn {
	c := &quicConn{peer: peer, stream: stream, frames: make(chan []byte, 64)}
	go c.readLoop()
	return c
}

func (c *quicConn) readLoop() {
	for {
		frame, err := ReadFrame(c.stream)
		if err != nil {
			close(c.frames)
			return
		}
		c.frames <- frame
	}
}

func (c *quicConn) Write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrTransportUnavailable
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.stream.SetWriteDeadline(deadline)
	}
	return WriteFrame(c.stream, frame)
}

func (c *quicConn) Frames() <-chan []byte {
	return c.frames
}

func (c *quicConn) PeerID() string {
	return c.peer
}

func (c *quicConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.stream.Close()
}

// -----------------------------------------------------------------------------
// Deterministic dev TLS, LAN use only. The protocol's real authentication is
// the handshake signature exchange, not the QUIC certificate.
// -----------------------------------------------------------------------------

func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("meshpay-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{quicALPN},
	}, nil
}
