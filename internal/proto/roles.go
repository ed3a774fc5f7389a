package proto

import "strings"

// Role bitmask advertised by a device. Offline and Online are mutually
// exclusive in practice, but the wire format does not enforce it; readers
// treat Online as authoritative when both bits are set.
type Role uint8

const (
	RoleOffline      Role = 0x01
	RoleOnline       Role = 0x02
	RoleRelayCapable Role = 0x04
)

func (r Role) Has(flag Role) bool {
	return r&flag != 0
}

func (r Role) Online() bool {
	return r.Has(RoleOnline)
}

func (r Role) RelayCapable() bool {
	return r.Has(RoleRelayCapable)
}

func (r Role) String() string {
	if r == 0 {
		return "none"
	}
	parts := make([]string, 0, 3)
	if r.Has(RoleOffline) {
		parts = append(parts, "offline")
	}
	if r.Has(RoleOnline) {
		parts = append(parts, "online")
	}
	if r.Has(RoleRelayCapable) {
		parts = append(parts, "relay")
	}
	return strings.Join(parts, "|")
}

// ComputeRole maps local connectivity state onto the advertised bitmask.
func ComputeRole(isOnline, canRelay bool) Role {
	r := RoleOffline
	if isOnline {
		r = RoleOnline
	}
	if canRelay {
		r |= RoleRelayCapable
	}
	return r
}
