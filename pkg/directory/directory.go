// Package directory defines the user/group directory that the
// authentication core reconciles identity-provider claims against.
//
// The directory is an external collaborator: the authentication chain only
// needs lookup, insert and membership operations, with the backing store's
// own transaction semantics providing cross-request consistency.
package directory

import (
	"context"
	"errors"
	"strings"
)

// Common errors returned by directory implementations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// SourceServiceAttr is the group attribute naming the identity provider
// that created (and owns) a group. Groups carrying it are synchronized by
// reconciliation; groups without it are locally managed and never touched.
const SourceServiceAttr = "sourceService"

// Role is the privilege level assigned to a user, ordered by privilege.
type Role int

// Roles ordered from least to most privileged.
const (
	RoleGuest Role = iota
	RoleUser
	RoleAdmin
)

// String returns the canonical name of the role.
func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "ADMIN"
	case RoleUser:
		return "USER"
	default:
		return "GUEST"
	}
}

// ParseRole maps a role name to a Role. The match is case-insensitive.
// Unknown names return ok == false.
func ParseRole(s string) (Role, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ADMIN":
		return RoleAdmin, true
	case "USER":
		return RoleUser, true
	case "GUEST":
		return RoleGuest, true
	default:
		return RoleGuest, false
	}
}

// Attribute is a named value attached to a group.
type Attribute struct {
	Name  string
	Value string
}

// Group is a named collection of users, optionally tagged with attributes.
type Group struct {
	ID         int64
	Name       string
	Attributes []Attribute
}

// SourceService returns the identity provider that owns this group, or ""
// if the group is locally managed.
func (g *Group) SourceService() string {
	for _, attr := range g.Attributes {
		if attr.Name == SourceServiceAttr {
			return attr.Value
		}
	}
	return ""
}

// User is a directory principal. PasswordHash is a bcrypt hash and is empty
// for users created from identity-provider claims.
type User struct {
	ID           int64
	Name         string
	PasswordHash string
	Role         Role
	Groups       []Group
}

// InGroup reports whether the user is currently assigned to a group with
// the given ID.
func (u *User) InGroup(groupID int64) bool {
	for _, g := range u.Groups {
		if g.ID == groupID {
			return true
		}
	}
	return false
}

// Directory is the user/group lookup and membership contract the
// authentication core depends on.
type Directory interface {
	// GetUserByName returns the user with the given name, or ErrNotFound.
	GetUserByName(ctx context.Context, name string) (*User, error)

	// InsertUser creates a new user and returns its ID.
	// Returns ErrAlreadyExists if the name is taken.
	InsertUser(ctx context.Context, user *User) (int64, error)

	// UpdateUser persists changes to an existing user's role and password.
	UpdateUser(ctx context.Context, user *User) error

	// GetGroupByName returns the group with the given name, or ErrNotFound.
	GetGroupByName(ctx context.Context, name string) (*Group, error)

	// InsertGroup creates a new group and returns its ID.
	// Returns ErrAlreadyExists if the name is taken.
	InsertGroup(ctx context.Context, group *Group) (int64, error)

	// AssignUserToGroup adds the user to the group. Assigning an already
	// assigned user is a no-op.
	AssignUserToGroup(ctx context.Context, userID, groupID int64) error

	// DeassignUserFromGroup removes the user from the group. Removing a
	// user that is not a member is a no-op.
	DeassignUserFromGroup(ctx context.Context, userID, groupID int64) error

	// FindGroupsByAttribute returns all groups carrying an attribute with
	// the given name and one of the given values. With exactMatch false the
	// value comparison is case-insensitive.
	FindGroupsByAttribute(ctx context.Context, name string, values []string, exactMatch bool) ([]Group, error)

	// UpdateGroupAttributes replaces the group's attribute set.
	UpdateGroupAttributes(ctx context.Context, groupID int64, attributes []Attribute) error
}
