// Package access resolves a user's effective capabilities on a tech pack by
// combining their system-wide role with the record's ownership and share
// grants. It performs no I/O; callers supply the record's sharing data.
package access

import "github.com/atelierhq/techpack-api/internal/models"

// Capabilities is the resolved capability set for one user on one record.
type Capabilities struct {
	View  bool
	Edit  bool
	Admin bool
}

var (
	full     = Capabilities{View: true, Edit: true, Admin: true}
	editOnly = Capabilities{View: true, Edit: true}
	viewOnly = Capabilities{View: true}
)

// Resolve computes the effective capability set.
//
// Ownership and the system ADMIN role always win. Otherwise an explicit share
// grant decides, and the system role never elevates past what the grant
// specifies: a DESIGNER with no grant gets nothing, and the assigned
// technical designer gets view only.
func Resolve(systemRole models.UserRole, grant *models.ShareGrant, isOwner, isAssignedDesigner bool) Capabilities {
	if isOwner || systemRole == models.RoleAdmin {
		return full
	}

	if grant != nil {
		switch grant.Role {
		case models.ShareRoleOwner, models.ShareRoleAdmin:
			return full
		case models.ShareRoleEditor:
			return editOnly
		case models.ShareRoleViewer, models.ShareRoleFactory:
			return viewOnly
		default:
			return Capabilities{}
		}
	}

	if isAssignedDesigner {
		return viewOnly
	}

	return Capabilities{}
}

// ForUser resolves capabilities for userID against the given tech pack.
func ForUser(pack *models.TechPack, userID string, systemRole models.UserRole) Capabilities {
	if pack == nil || userID == "" {
		return Capabilities{}
	}
	return Resolve(
		systemRole,
		pack.GrantFor(userID),
		pack.OwnerID == userID,
		pack.IsAssignedDesigner(userID),
	)
}
