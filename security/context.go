package security

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrAccessDenied            = errors.New("access denied")
	ErrTenantBoundaryViolation = errors.New("tenant boundary violation")
	ErrInvalidContext          = errors.New("invalid security context")
)

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleAnalyst   Role = "analyst"
	RolePM        Role = "pm"
	RoleViewer    Role = "viewer"
	RoleDeveloper Role = "developer"
	RoleAgent     Role = "agent"
)

// SystemOwner is the reserved owner id for resources created by the platform itself.
const SystemOwner = "system"

// SystemResourceRoles may read resources owned by SystemOwner.
var SystemResourceRoles = []Role{RoleAdmin, RoleAnalyst, RolePM}

type AccessLevel string

const (
	AccessPrivate AccessLevel = "private"
	AccessTeam    AccessLevel = "team"
	AccessProject AccessLevel = "project"
	AccessTenant  AccessLevel = "tenant"
)

// SecurityContext is the identity a request runs as. TenantID is the outermost
// isolation boundary and is always required.
type SecurityContext struct {
	UserID    string
	TenantID  string
	ProjectID string
	TeamID    string
	Roles     []Role
	Scopes    []string
	Groups    []string
}

func (sc SecurityContext) Validate() error {
	if strings.TrimSpace(sc.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidContext)
	}
	if strings.TrimSpace(sc.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidContext)
	}
	return nil
}

func (sc SecurityContext) IsAdmin() bool {
	return slices.Contains(sc.Roles, RoleAdmin)
}

// HasRole reports whether the context holds role. Admin implies every role.
func (sc SecurityContext) HasRole(role Role) bool {
	return sc.IsAdmin() || slices.Contains(sc.Roles, role)
}

func (sc SecurityContext) HasScope(scope string) bool {
	return sc.IsAdmin() || slices.Contains(sc.Scopes, scope)
}

func (sc SecurityContext) hasSystemRole() bool {
	for _, role := range SystemResourceRoles {
		if slices.Contains(sc.Roles, role) {
			return true
		}
	}
	return false
}

// ParseRoles converts raw role names, dropping blanks and normalising case.
func ParseRoles(names []string) []Role {
	roles := make([]Role, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		roles = append(roles, Role(name))
	}
	return roles
}
