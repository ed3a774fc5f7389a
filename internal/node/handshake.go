package node

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshpay/internal/crypto"
	"meshpay/internal/debuglog"
	"meshpay/internal/events"
	"meshpay/internal/metrics"
	"meshpay/internal/proto"
)

const DefaultHandshakeTimeout = 15 * time.Second

var (
	ErrNoSigner           = errors.New("no local signing identity")
	ErrSignatureInvalid   = errors.New("handshake signature invalid")
	ErrChallengeMismatch  = errors.New("handshake challenge mismatch")
	ErrHandshakeTimeout   = errors.New("handshake timed out")
	ErrNoPendingHandshake = errors.New("no pending handshake for peer")
)

// Signer is the static identity collaborator: the wallet key that roots the
// device's on-chain address.
type Signer interface {
	Address() crypto.Address
	SignDigest(digest []byte) ([]byte, error)
}

// HandshakeContext is initiator-side state for one in-flight key exchange.
// It lives from Init until Complete, Cancel or timeout.
type HandshakeContext struct {
	ContextID string
	PeerID    string
	CreatedAt time.Time

	eph       *crypto.Ephemeral
	ephPub    []byte
	challenge []byte
	timer     *time.Timer
}

// Engine drives the mutually-authenticated key exchange. Ephemeral X25519
// keys are generated fresh per handshake; the static identity only signs.
type Engine struct {
	signer    Signer
	localRole func() proto.Role
	sessions  *SessionStore
	timeout   time.Duration
	metrics   *metrics.Metrics
	bus       *events.Bus

	mu       sync.Mutex
	contexts map[string]*HandshakeContext
	byPeer   map[string]string // peerID -> contextID, one in-flight per peer
}

type EngineOptions struct {
	Timeout time.Duration
	Metrics *metrics.Metrics
	Bus     *events.Bus
}

func NewEngine(signer Signer, localRole func() proto.Role, sessions *SessionStore, opts EngineOptions) *Engine {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if localRole == nil {
		localRole = func() proto.Role { return proto.RoleOffline }
	}
	return &Engine{
		signer:    signer,
		localRole: localRole,
		sessions:  sessions,
		timeout:   timeout,
		metrics:   opts.Metrics,
		bus:       opts.Bus,
		contexts:  make(map[string]*HandshakeContext),
		byPeer:    make(map[string]string),
	}
}

// Init builds the first handshake message for a peer and arms the timeout
// that auto-fails the exchange. A prior pending handshake with the same peer
// is cancelled first.
func (e *Engine) Init(peerID string) (proto.HandshakeInitMsg, string, error) {
	if e.signer == nil {
		return proto.HandshakeInitMsg{}, "", ErrNoSigner
	}
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return proto.HandshakeInitMsg{}, "", err
	}
	ephPub, err := eph.Public()
	if err != nil {
		eph.Destroy()
		return proto.HandshakeInitMsg{}, "", err
	}
	challenge := make([]byte, proto.ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		eph.Destroy()
		return proto.HandshakeInitMsg{}, "", err
	}
	role := e.localRole()
	digest := crypto.SHA3_256(proto.InitSigBytes(ephPub, role, challenge))
	sig, err := e.signer.SignDigest(digest)
	if err != nil {
		eph.Destroy()
		return proto.HandshakeInitMsg{}, "", err
	}

	ctxID := uuid.NewString()
	hc := &HandshakeContext{
		ContextID: ctxID,
		PeerID:    peerID,
		CreatedAt: time.Now(),
		eph:       eph,
		ephPub:    ephPub,
		challenge: challenge,
	}
	hc.timer = time.AfterFunc(e.timeout, func() {
		e.failContext(ctxID, ErrHandshakeTimeout)
	})

	e.mu.Lock()
	if oldID, ok := e.byPeer[peerID]; ok {
		e.discardLocked(oldID)
	}
	e.contexts[ctxID] = hc
	e.byPeer[peerID] = ctxID
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.IncHandshakeStarted()
	}
	debuglog.Debugf("handshake init: peer=%s ctx=%s", peerID, ctxID)
	return proto.HandshakeInitMsg{
		Type:         proto.MsgTypeHandshakeInit,
		FromAddr:     e.signer.Address().Hex(),
		Role:         uint8(role),
		EphemeralPub: hex.EncodeToString(ephPub),
		Challenge:    hex.EncodeToString(challenge),
		Sig:          hex.EncodeToString(sig),
	}, ctxID, nil
}

// Respond handles an inbound init on the responder side. On success the
// responder derives session keys and records the session immediately; it
// does not wait for a third message.
func (e *Engine) Respond(peerID string, m proto.HandshakeInitMsg) (proto.HandshakeRespMsg, *Session, error) {
	if e.signer == nil {
		return proto.HandshakeRespMsg{}, nil, ErrNoSigner
	}
	f, err := proto.DecodeInitFields(m)
	if err != nil {
		return proto.HandshakeRespMsg{}, nil, err
	}
	digest := crypto.SHA3_256(proto.InitSigBytes(f.EphPub, f.Role, f.Challenge))
	peerAddr, err := crypto.RecoverAddress(digest, f.Sig)
	if err != nil || peerAddr != f.FromAddr {
		return proto.HandshakeRespMsg{}, nil, ErrSignatureInvalid
	}

	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return proto.HandshakeRespMsg{}, nil, err
	}
	ephPub, err := eph.Public()
	if err != nil {
		eph.Destroy()
		return proto.HandshakeRespMsg{}, nil, err
	}
	respChallenge := make([]byte, proto.ChallengeSize)
	if _, err := rand.Read(respChallenge); err != nil {
		eph.Destroy()
		return proto.HandshakeRespMsg{}, nil, err
	}
	role := e.localRole()
	respDigest := crypto.SHA3_256(proto.RespSigBytes(ephPub, role, f.Challenge, respChallenge))
	sig, err := e.signer.SignDigest(respDigest)
	if err != nil {
		eph.Destroy()
		return proto.HandshakeRespMsg{}, nil, err
	}

	ss, err := eph.Shared(f.EphPub)
	if err != nil {
		eph.Destroy()
		return proto.HandshakeRespMsg{}, nil, err
	}
	transcript := proto.HandshakeTranscript(f.EphPub, f.Challenge, ephPub, respChallenge)
	keys, err := crypto.DeriveSessionKeys(ss, transcript)
	if err != nil {
		eph.Destroy()
		return proto.HandshakeRespMsg{}, nil, err
	}
	crypto.ZeroBytes(ss)
	eph.Destroy()

	sess := &Session{
		SessionID: keys.SessionID,
		PeerID:    peerID,
		PeerAddr:  peerAddr,
		PeerRole:  f.Role,
		Keys:      keys,
		Role:      RoleResponder,
		CreatedAt: time.Now(),
	}
	e.sessions.Put(sess)
	if e.metrics != nil {
		e.metrics.IncHandshakeCompleted()
	}
	debuglog.Debugf("handshake respond: peer=%s addr=%s sid=%d", peerID, peerAddr.Hex(), keys.SessionID)
	return proto.HandshakeRespMsg{
		Type:          proto.MsgTypeHandshakeResp,
		FromAddr:      e.signer.Address().Hex(),
		Role:          uint8(role),
		EphemeralPub:  hex.EncodeToString(ephPub),
		OrigChallenge: hex.EncodeToString(f.Challenge),
		RespChallenge: hex.EncodeToString(respChallenge),
		Sig:           hex.EncodeToString(sig),
	}, sess, nil
}

// Complete finishes the exchange on the initiator side and discards the
// pending context. The derived keys match the responder's by construction.
func (e *Engine) Complete(peerID string, m proto.HandshakeRespMsg) (*Session, error) {
	e.mu.Lock()
	ctxID, ok := e.byPeer[peerID]
	var hc *HandshakeContext
	if ok {
		hc = e.contexts[ctxID]
		delete(e.contexts, ctxID)
		delete(e.byPeer, peerID)
	}
	e.mu.Unlock()
	if hc == nil {
		return nil, ErrNoPendingHandshake
	}
	hc.timer.Stop()

	sess, err := e.completeContext(hc, m)
	if err != nil {
		hc.eph.Destroy()
		if e.metrics != nil {
			e.metrics.IncHandshakeFailed()
		}
		if e.bus != nil {
			e.bus.Publish(events.HandshakeFailed{PeerID: peerID, Reason: err.Error()})
		}
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.IncHandshakeCompleted()
	}
	return sess, nil
}

func (e *Engine) completeContext(hc *HandshakeContext, m proto.HandshakeRespMsg) (*Session, error) {
	f, err := proto.DecodeRespFields(m)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(f.OrigChallenge, hc.challenge) {
		return nil, ErrChallengeMismatch
	}
	digest := crypto.SHA3_256(proto.RespSigBytes(f.EphPub, f.Role, f.OrigChallenge, f.RespChallenge))
	peerAddr, err := crypto.RecoverAddress(digest, f.Sig)
	if err != nil || peerAddr != f.FromAddr {
		return nil, ErrSignatureInvalid
	}
	ss, err := hc.eph.Shared(f.EphPub)
	if err != nil {
		return nil, err
	}
	transcript := proto.HandshakeTranscript(hc.ephPub, hc.challenge, f.EphPub, f.RespChallenge)
	keys, err := crypto.DeriveSessionKeys(ss, transcript)
	if err != nil {
		return nil, err
	}
	crypto.ZeroBytes(ss)
	hc.eph.Destroy()

	sess := &Session{
		SessionID: keys.SessionID,
		PeerID:    hc.PeerID,
		PeerAddr:  peerAddr,
		PeerRole:  f.Role,
		Keys:      keys,
		Role:      RoleInitiator,
		CreatedAt: time.Now(),
	}
	e.sessions.Put(sess)
	debuglog.Debugf("handshake complete: peer=%s addr=%s sid=%d", hc.PeerID, peerAddr.Hex(), keys.SessionID)
	return sess, nil
}

// Cancel aborts a pending handshake and clears its timer.
func (e *Engine) Cancel(ctxID string) {
	e.mu.Lock()
	e.discardLocked(ctxID)
	e.mu.Unlock()
}

// Pending reports whether a handshake with the peer is still in flight.
func (e *Engine) Pending(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.byPeer[peerID]
	return ok
}

func (e *Engine) discardLocked(ctxID string) {
	hc, ok := e.contexts[ctxID]
	if !ok {
		return
	}
	delete(e.contexts, ctxID)
	if cur, ok := e.byPeer[hc.PeerID]; ok && cur == ctxID {
		delete(e.byPeer, hc.PeerID)
	}
	hc.timer.Stop()
	hc.eph.Destroy()
}

func (e *Engine) failContext(ctxID string, cause error) {
	e.mu.Lock()
	hc, ok := e.contexts[ctxID]
	if ok {
		e.discardLocked(ctxID)
	}
	e.mu.Unlock()
	if !ok {
		// Timer fired after completion or cancellation; nothing to do.
		return
	}
	if e.metrics != nil {
		if errors.Is(cause, ErrHandshakeTimeout) {
			e.metrics.IncHandshakeTimedOut()
		}
		e.metrics.IncHandshakeFailed()
	}
	if e.bus != nil {
		e.bus.Publish(events.HandshakeFailed{PeerID: hc.PeerID, Reason: cause.Error()})
	}
	debuglog.Debugf("handshake failed: peer=%s ctx=%s err=%v", hc.PeerID, ctxID, cause)
}
