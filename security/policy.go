package security

import "slices"

// Resource is the access-relevant metadata of any stored item.
type Resource struct {
	TenantID    string
	OwnerID     string
	AccessLevel AccessLevel
	ProjectID   string
	ACLGroups   []string
}

func (r Resource) field(field Field) string {
	switch field {
	case FieldTenant:
		return r.TenantID
	case FieldOwner:
		return r.OwnerID
	case FieldAccessLevel:
		return string(r.AccessLevel)
	case FieldProject:
		return r.ProjectID
	}
	return ""
}

// CanAccess decides whether sc may read r. The checks run in a fixed order
// and the tenant check cannot be bypassed by any role.
func CanAccess(sc SecurityContext, r Resource) bool {
	if sc.TenantID == "" || r.TenantID != sc.TenantID {
		return false
	}
	if sc.IsAdmin() {
		return true
	}
	if r.OwnerID == sc.UserID {
		return true
	}
	if r.OwnerID == SystemOwner {
		return sc.hasSystemRole()
	}

	switch r.AccessLevel {
	case AccessPrivate:
		return false
	case AccessTeam:
		for _, group := range sc.Groups {
			if slices.Contains(r.ACLGroups, group) {
				return true
			}
		}
		return false
	case AccessProject:
		return sc.ProjectID != "" && sc.ProjectID == r.ProjectID
	case AccessTenant:
		return true
	default:
		return false
	}
}

// FilterAccessible keeps the items of an already materialised result set
// that sc may read. Items without a tenant are legacy rows: only their owner,
// or system-role holders for system-owned rows, can see them.
func FilterAccessible[T any](sc SecurityContext, items []T, resource func(T) Resource) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		r := resource(item)
		if r.TenantID == "" {
			if legacyVisible(sc, r) {
				out = append(out, item)
			}
			continue
		}
		if CanAccess(sc, r) {
			out = append(out, item)
		}
	}
	return out
}

func legacyVisible(sc SecurityContext, r Resource) bool {
	if r.OwnerID != "" && r.OwnerID == sc.UserID {
		return true
	}
	return r.OwnerID == SystemOwner && sc.hasSystemRole()
}

// Authorize returns ErrAccessDenied when sc may not read r.
func Authorize(sc SecurityContext, r Resource) error {
	if r.TenantID != "" && r.TenantID != sc.TenantID {
		return ErrTenantBoundaryViolation
	}
	if !CanAccess(sc, r) {
		return ErrAccessDenied
	}
	return nil
}
