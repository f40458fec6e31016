// Package access decides what a user may do with a row.
package access

import "blocksuite-view/server/internal/storage"

// PublicRole is the role of a request without a signed-in user.
const PublicRole = 100

// Permission is the outcome for one user and one row.
type Permission struct {
	Owner bool
	Read  bool
	Write bool
}

// Anonymous returns the user used for requests without a session.
func Anonymous() storage.User {
	return storage.User{RoleID: PublicRole}
}

// IsOwner reports whether user owns row through the table's ownership field.
// Tables without an ownership field have no owners.
func IsOwner(user storage.User, table storage.Table, row *storage.Row) bool {
	if table.OwnershipField == "" || user.ID == "" || row == nil {
		return false
	}
	return row.StringValue(table.OwnershipField) == user.ID
}

// Decide computes read and write permission. row may be nil when no row
// exists yet; then only the role thresholds apply.
func Decide(user storage.User, table storage.Table, row *storage.Row) Permission {
	role := user.RoleID
	if role == 0 {
		role = PublicRole
	}
	owner := IsOwner(user, table, row)
	return Permission{
		Owner: owner,
		Read:  owner || role <= table.MinRoleRead,
		Write: owner || role <= table.MinRoleWrite,
	}
}

// Gate applies the view's read-only setting. render is false when the user
// may not read and the view is not configured read-only. readOnly is true
// when the view is configured read-only or the user may not write.
func Gate(perm Permission, configReadOnly bool) (render bool, readOnly bool) {
	if !perm.Read && !configReadOnly {
		return false, true
	}
	return true, configReadOnly || !perm.Write
}
