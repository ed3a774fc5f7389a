package node

import (
	"sync"

	"meshpay/internal/debuglog"
	"meshpay/internal/proto"
)

// RoleController tracks local connectivity booleans and recomputes the
// advertised role bitmask on change. While advertising, a role change
// triggers a restart of the advertisement so peers see fresh data.
type RoleController struct {
	mu          sync.Mutex
	isOnline    bool
	canRelay    bool
	advertising bool
	onChange    func(proto.Role)
}

func NewRoleController() *RoleController {
	return &RoleController{}
}

// OnChange registers the callback invoked (outside the lock) whenever the
// role changes while advertising; typically it restarts the advertisement.
func (c *RoleController) OnChange(fn func(proto.Role)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *RoleController) SetConnectivity(isOnline, canRelay bool) {
	c.mu.Lock()
	old := proto.ComputeRole(c.isOnline, c.canRelay)
	c.isOnline = isOnline
	c.canRelay = canRelay
	role := proto.ComputeRole(isOnline, canRelay)
	fire := c.advertising && role != old
	fn := c.onChange
	c.mu.Unlock()
	if fire {
		debuglog.Debugf("role changed: %s -> %s, restarting advertisement", old, role)
		if fn != nil {
			fn(role)
		}
	}
}

func (c *RoleController) Role() proto.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return proto.ComputeRole(c.isOnline, c.canRelay)
}

func (c *RoleController) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOnline
}

func (c *RoleController) SetAdvertising(on bool) {
	c.mu.Lock()
	c.advertising = on
	c.mu.Unlock()
}

func (c *RoleController) Advertising() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advertising
}
