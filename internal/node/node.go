package node

import (
	"os"
	"time"

	"meshpay/internal/crypto"
	"meshpay/internal/events"
	"meshpay/internal/metrics"
	"meshpay/internal/proto"
)

// Node bundles the device's static identity with its handshake engine,
// session store and role state.
type Node struct {
	Identity   *crypto.Identity
	Roles      *RoleController
	Sessions   *SessionStore
	Handshakes *Engine
}

type Options struct {
	HandshakeTimeout time.Duration
	Metrics          *metrics.Metrics
	Bus              *events.Bus
}

// NewNode loads or creates the identity under home and wires the engine.
func NewNode(home string, opts Options) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	id, err := crypto.LoadIdentity(home)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		id, err = crypto.GenerateIdentity()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveIdentity(home, id); err != nil {
			return nil, err
		}
	}
	return NewNodeWithIdentity(id, opts), nil
}

func NewNodeWithIdentity(id *crypto.Identity, opts Options) *Node {
	roles := NewRoleController()
	sessions := NewSessionStore()
	engine := NewEngine(id, roles.Role, sessions, EngineOptions{
		Timeout: opts.HandshakeTimeout,
		Metrics: opts.Metrics,
		Bus:     opts.Bus,
	})
	return &Node{
		Identity:   id,
		Roles:      roles,
		Sessions:   sessions,
		Handshakes: engine,
	}
}

func (n *Node) Address() crypto.Address {
	return n.Identity.Address()
}

// Advert is the payload broadcast while advertising presence.
func (n *Node) Advert() proto.Advert {
	return proto.Advert{
		Roles:         n.Roles.Role(),
		TruncatedAddr: n.Address().Truncated(),
	}
}
