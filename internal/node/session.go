package node

import (
	"errors"
	"sync"
	"time"

	"meshpay/internal/crypto"
	"meshpay/internal/proto"
)

type SessionRole uint8

const (
	RoleInitiator SessionRole = iota
	RoleResponder
)

func (r SessionRole) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}

// Session is the outcome of a completed handshake: an authenticated peer
// identity bound to derived symmetric keys.
type Session struct {
	SessionID uint32
	PeerID    string
	PeerAddr  crypto.Address
	PeerRole  proto.Role
	Keys      crypto.SessionKeys
	Role      SessionRole
	CreatedAt time.Time

	mu          sync.Mutex
	sendCounter uint64
}

func (s *Session) NextSendSeq() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendCounter == ^uint64(0) {
		return 0, errors.New("send counter exhausted")
	}
	seq := s.sendCounter
	s.sendCounter++
	return seq, nil
}

// SessionStore holds established sessions, indexed by session id and by
// peer. A new handshake with the same peer replaces the previous session.
type SessionStore struct {
	mu     sync.Mutex
	byID   map[uint32]*Session
	byPeer map[string]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		byID:   make(map[uint32]*Session),
		byPeer: make(map[string]*Session),
	}
}

func (s *SessionStore) Put(sess *Session) {
	if sess == nil {
		return
	}
	s.mu.Lock()
	if old, ok := s.byPeer[sess.PeerID]; ok {
		delete(s.byID, old.SessionID)
	}
	s.byID[sess.SessionID] = sess
	s.byPeer[sess.PeerID] = sess
	s.mu.Unlock()
}

func (s *SessionStore) Get(id uint32) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	return sess, ok
}

func (s *SessionStore) GetByPeer(peerID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byPeer[peerID]
	return sess, ok
}

func (s *SessionStore) Remove(id uint32) {
	s.mu.Lock()
	if sess, ok := s.byID[id]; ok {
		delete(s.byID, id)
		if cur, ok := s.byPeer[sess.PeerID]; ok && cur.SessionID == id {
			delete(s.byPeer, sess.PeerID)
		}
	}
	s.mu.Unlock()
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
