package node

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"meshpay/internal/crypto"
	"meshpay/internal/events"
	"meshpay/internal/proto"
)

func newTestNode(t *testing.T, opts Options) *Node {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity failed: %v", err)
	}
	return NewNodeWithIdentity(id, opts)
}

func TestHandshakeSuccess(t *testing.T) {
	nodeA := newTestNode(t, Options{})
	nodeB := newTestNode(t, Options{})
	nodeA.Roles.SetConnectivity(false, false)
	nodeB.Roles.SetConnectivity(true, true)

	init, ctxID, err := nodeA.Handshakes.Init("peer-b")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if ctxID == "" {
		t.Fatalf("missing context id")
	}
	resp, sessB, err := nodeB.Handshakes.Respond("peer-a", init)
	if err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	if sessB.Role != RoleResponder {
		t.Fatalf("responder session role wrong: %s", sessB.Role)
	}
	if sessB.PeerAddr != nodeA.Address() {
		t.Fatalf("responder recovered wrong address")
	}
	sessA, err := nodeA.Handshakes.Complete("peer-b", resp)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if sessA.Role != RoleInitiator {
		t.Fatalf("initiator session role wrong: %s", sessA.Role)
	}
	if sessA.PeerAddr != nodeB.Address() {
		t.Fatalf("initiator recovered wrong address")
	}
	if sessA.PeerRole != proto.RoleOnline|proto.RoleRelayCapable {
		t.Fatalf("peer role wrong: %s", sessA.PeerRole)
	}

	if sessA.SessionID != sessB.SessionID {
		t.Fatalf("session ids differ: %d vs %d", sessA.SessionID, sessB.SessionID)
	}
	if !bytes.Equal(sessA.Keys.EncKey, sessB.Keys.EncKey) || !bytes.Equal(sessA.Keys.MACKey, sessB.Keys.MACKey) {
		t.Fatalf("session keys differ between sides")
	}
	if !bytes.Equal(sessA.Keys.NonceBase, sessB.Keys.NonceBase) {
		t.Fatalf("nonce bases differ between sides")
	}
	if nodeA.Handshakes.Pending("peer-b") {
		t.Fatalf("context not discarded after completion")
	}
}

func TestHandshakeDistinctPairsDistinctKeys(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 4; i++ {
		a := newTestNode(t, Options{})
		b := newTestNode(t, Options{})
		init, _, err := a.Handshakes.Init("b")
		if err != nil {
			t.Fatalf("init failed: %v", err)
		}
		resp, sessB, err := b.Handshakes.Respond("a", init)
		if err != nil {
			t.Fatalf("respond failed: %v", err)
		}
		if _, err := a.Handshakes.Complete("b", resp); err != nil {
			t.Fatalf("complete failed: %v", err)
		}
		if seen[sessB.SessionID] {
			t.Fatalf("session id collision across pairs")
		}
		seen[sessB.SessionID] = true
	}
}

func TestHandshakeRejectsTamperedInit(t *testing.T) {
	a := newTestNode(t, Options{})
	b := newTestNode(t, Options{})
	init, _, err := a.Handshakes.Init("b")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	init.Role = uint8(proto.RoleOnline | proto.RoleRelayCapable) // tamper after signing
	if _, _, err := b.Handshakes.Respond("a", init); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("want ErrSignatureInvalid, got %v", err)
	}
}

func TestHandshakeRejectsWrongEcho(t *testing.T) {
	a := newTestNode(t, Options{})
	b := newTestNode(t, Options{})
	init, _, err := a.Handshakes.Init("b")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	resp, _, err := b.Handshakes.Respond("a", init)
	if err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	resp.OrigChallenge = resp.RespChallenge // echo the wrong nonce
	if _, err := a.Handshakes.Complete("b", resp); !errors.Is(err, ErrChallengeMismatch) {
		t.Fatalf("want ErrChallengeMismatch, got %v", err)
	}
}

func TestHandshakeRejectsImpersonatedResponder(t *testing.T) {
	a := newTestNode(t, Options{})
	b := newTestNode(t, Options{})
	c := newTestNode(t, Options{})
	init, _, err := a.Handshakes.Init("b")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	resp, _, err := b.Handshakes.Respond("a", init)
	if err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	resp.FromAddr = c.Address().Hex() // claim someone else's identity
	if _, err := a.Handshakes.Complete("b", resp); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("want ErrSignatureInvalid, got %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()
	a := newTestNode(t, Options{HandshakeTimeout: 20 * time.Millisecond, Bus: bus})
	if _, _, err := a.Handshakes.Init("b"); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	select {
	case ev := <-ch:
		failed, ok := ev.(events.HandshakeFailed)
		if !ok {
			t.Fatalf("unexpected event: %#v", ev)
		}
		if failed.Reason != ErrHandshakeTimeout.Error() {
			t.Fatalf("unexpected reason: %s", failed.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout event never fired")
	}
	if a.Handshakes.Pending("b") {
		t.Fatalf("context not discarded after timeout")
	}
}

func TestHandshakeCancelClearsTimer(t *testing.T) {
	bus := events.NewBus()
	ch, cancelSub := bus.Subscribe()
	defer cancelSub()
	a := newTestNode(t, Options{HandshakeTimeout: 30 * time.Millisecond, Bus: bus})
	_, ctxID, err := a.Handshakes.Init("b")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	a.Handshakes.Cancel(ctxID)
	if a.Handshakes.Pending("b") {
		t.Fatalf("context still pending after cancel")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event after cancel: %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCompleteWithoutPending(t *testing.T) {
	a := newTestNode(t, Options{})
	if _, err := a.Handshakes.Complete("nobody", proto.HandshakeRespMsg{}); !errors.Is(err, ErrNoPendingHandshake) {
		t.Fatalf("want ErrNoPendingHandshake, got %v", err)
	}
}

func TestNewSessionReplacesOld(t *testing.T) {
	a := newTestNode(t, Options{})
	b := newTestNode(t, Options{})
	runHandshake := func() *Session {
		init, _, err := a.Handshakes.Init("b")
		if err != nil {
			t.Fatalf("init failed: %v", err)
		}
		resp, _, err := b.Handshakes.Respond("a", init)
		if err != nil {
			t.Fatalf("respond failed: %v", err)
		}
		sess, err := a.Handshakes.Complete("b", resp)
		if err != nil {
			t.Fatalf("complete failed: %v", err)
		}
		return sess
	}
	first := runHandshake()
	second := runHandshake()
	if a.Sessions.Len() != 1 {
		t.Fatalf("want 1 session per peer, got %d", a.Sessions.Len())
	}
	if _, ok := a.Sessions.Get(first.SessionID); ok {
		t.Fatalf("stale session still resolvable")
	}
	if got, ok := a.Sessions.GetByPeer("b"); !ok || got.SessionID != second.SessionID {
		t.Fatalf("replacement session not recorded")
	}
}

func TestNodePersistsIdentity(t *testing.T) {
	dir := t.TempDir()
	n1, err := NewNode(dir, Options{})
	if err != nil {
		t.Fatalf("new node failed: %v", err)
	}
	n2, err := NewNode(dir, Options{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if n1.Address() != n2.Address() {
		t.Fatalf("identity changed across restarts")
	}
}

func TestRoleControllerRestartsAdvertising(t *testing.T) {
	c := NewRoleController()
	var restarted []proto.Role
	c.OnChange(func(r proto.Role) {
		restarted = append(restarted, r)
	})
	c.SetConnectivity(true, false)
	if len(restarted) != 0 {
		t.Fatalf("restart fired while not advertising")
	}
	c.SetAdvertising(true)
	c.SetConnectivity(true, true)
	if len(restarted) != 1 || restarted[0] != proto.RoleOnline|proto.RoleRelayCapable {
		t.Fatalf("restart callback wrong: %v", restarted)
	}
	// Same connectivity again: no role change, no restart.
	c.SetConnectivity(true, true)
	if len(restarted) != 1 {
		t.Fatalf("redundant restart fired")
	}
}
