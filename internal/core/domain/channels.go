package domain

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Role represents the console role of the authenticated viewer.
type Role string

const (
	RoleAdmin        Role = "admin"
	RoleSuperAdmin   Role = "superadmin"
	RoleClient       Role = "client"
	RolePhotographer Role = "photographer"
	RoleEditor       Role = "editor"
)

// AdminChannel is shared by every admin-level viewer.
const AdminChannel = "admin.notifications"

// ParseRole normalizes a role string. Unknown roles are kept as-is so that
// ChannelsFor can map them to an empty channel set.
func ParseRole(s string) Role {
	return Role(strings.ToLower(strings.TrimSpace(s)))
}

// IsAdmin reports whether the role listens on the shared admin channel.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// HasPrivateChannel reports whether the role listens on a per-user channel.
func (r Role) HasPrivateChannel() bool {
	switch r {
	case RoleClient, RolePhotographer, RoleEditor:
		return true
	}
	return false
}

// Viewer is the identity a realtime session is established for.
type Viewer struct {
	Role   Role
	UserID ID
}

// Channel is a named broker subscription scope. Private channels require
// per-subscriber authorization.
type Channel struct {
	Name    string
	Private bool
}

// ChannelsFor computes the channels relevant to a viewer. Admin roles share
// one channel; per-user roles get their own channel; anything else (or a
// per-user role without a user id) gets no channels at all.
func ChannelsFor(v Viewer) []Channel {
	switch {
	case v.Role.IsAdmin():
		return []Channel{{Name: AdminChannel, Private: true}}
	case v.Role.HasPrivateChannel() && !v.UserID.IsZero():
		return []Channel{{
			Name:    fmt.Sprintf("%s.%s.notifications", v.Role, v.UserID),
			Private: true,
		}}
	default:
		return nil
	}
}

// ChannelNames returns the names of the given channels, in order.
func ChannelNames(channels []Channel) []string {
	return lo.Map(channels, func(c Channel, _ int) string {
		return c.Name
	})
}
