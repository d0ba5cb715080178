package domain

import (
	"fmt"
	"strings"
)

// Role is the single role enumeration shared by team membership and cluster RBAC.
type Role string

const (
	RoleOwner     Role = "OWNER"
	RoleAdmin     Role = "ADMIN"
	RoleDeveloper Role = "DEVELOPER"
	RoleMember    Role = "MEMBER"
	RoleViewer    Role = "VIEWER"
)

// Cluster role names bound inside team namespaces.
const (
	ClusterRoleAdmin = "admin"
	ClusterRoleEdit  = "edit"
	ClusterRoleView  = "view"
)

var clusterRoles = map[Role]string{
	RoleOwner:     ClusterRoleAdmin,
	RoleAdmin:     ClusterRoleAdmin,
	RoleDeveloper: ClusterRoleEdit,
	RoleMember:    ClusterRoleEdit,
	RoleViewer:    ClusterRoleView,
}

// ParseRole normalizes user input into a Role.
func ParseRole(value string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := clusterRoles[role]; !ok {
		return "", fmt.Errorf("unknown role %q", value)
	}
	return role, nil
}

// ClusterRole returns the cluster role this team role is bound to.
func (r Role) ClusterRole() string {
	if name, ok := clusterRoles[r]; ok {
		return name
	}
	return ClusterRoleView
}

// Permission is an action guarded by team roles.
type Permission string

const (
	PermissionView   Permission = "view"
	PermissionDeploy Permission = "deploy"
	PermissionManage Permission = "manage"
)

var permissionRoles = map[Permission][]Role{
	PermissionView:   {RoleOwner, RoleAdmin, RoleDeveloper, RoleMember, RoleViewer},
	PermissionDeploy: {RoleOwner, RoleAdmin, RoleDeveloper},
	PermissionManage: {RoleOwner, RoleAdmin},
}

// Allows reports whether the role grants the permission.
func (r Role) Allows(p Permission) bool {
	for _, allowed := range permissionRoles[p] {
		if allowed == r {
			return true
		}
	}
	return false
}
