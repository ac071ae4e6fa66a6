// Package membership answers who belongs to a community scope, in which
// role, who blocks whom and how to reach an identity by SMS.
package membership

import (
	"context"
)

// Role of an identity inside a scope.
type Role string

const (
	RoleNone      Role = "none"
	RoleSpectator Role = "spectator"
	RolePending   Role = "pending"
	RoleApproved  Role = "approved"
	RoleFounder   Role = "founder"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleNone, RoleSpectator, RolePending, RoleApproved, RoleFounder:
		return true
	}
	return false
}

// Member is one identity with its role.
type Member struct {
	Identity string `json:"identity" yaml:"identity"`
	Role     Role   `json:"role" yaml:"role"`
}

// Contact is the SMS reachability of an identity.
type Contact struct {
	Phone    string `json:"phone" yaml:"phone"`
	Verified bool   `json:"verified" yaml:"verified"`
}

// Directory is the membership collaborator. Every lookup failure that is
// not an answer (timeouts, upstream errors) is reported as
// UpstreamUnavailable.
type Directory interface {
	Role(ctx context.Context, identity, scope string) (Role, error)
	Members(ctx context.Context, scope string) ([]Member, error)
	Blocks(ctx context.Context, blocker, blocked string) (bool, error)
	Contact(ctx context.Context, identity string) (Contact, error)
}

// Mutable is implemented by directories the backend can update directly.
type Mutable interface {
	SetRole(scope, identity string, role Role) error
}
