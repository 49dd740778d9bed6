package iam

import (
	"context"

	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/repository"
)

// Service is the catalog of identity and access use cases.
//
// Mutations take an Actor for the operation log. All methods report their
// outcome as a Result and never return an error or panic.
type Service interface {
	// =========================================================================
	// Users
	// =========================================================================

	// CreateUser creates the identity, the local user, the default-role
	// membership and its grouping rule. When a step after the identity
	// creation fails, the identity is deleted again.
	CreateUser(ctx context.Context, actor Actor, req CreateUserRequest) Result

	// UpdateUser replaces profile fields locally and on the identity.
	UpdateUser(ctx context.Context, actor Actor, id string, req UpdateUserRequest) Result

	// ResetPassword sets a new permanent password. Not allowed for the admin.
	ResetPassword(ctx context.Context, actor Actor, id, password string) Result

	// DeleteUser removes the identity and the local user. Not allowed for the admin.
	DeleteUser(ctx context.Context, actor Actor, id string) Result

	// SetUserRoles replaces the roles of a user. Adding or removing the
	// superuser role elevates or demotes the user in the permission center.
	SetUserRoles(ctx context.Context, actor Actor, id string, roleIDs []string) Result

	// SetUserStatus enables or disables a user and notifies the identity
	// provider; a failed notification rolls the change back.
	SetUserStatus(ctx context.Context, actor Actor, id string, status models.UserStatus) Result

	// =========================================================================
	// Roles
	// =========================================================================

	CreateRole(ctx context.Context, actor Actor, req RoleRequest) Result

	// UpdateRole renames or redescribes a role. A rename moves its grouping
	// and permission rules to the new name. Built-in roles are rejected.
	UpdateRole(ctx context.Context, actor Actor, id string, req RoleRequest) Result

	// DeleteRole removes a role with its memberships and grants. Built-in
	// roles are rejected.
	DeleteRole(ctx context.Context, actor Actor, id string) Result

	// SetRoleResourceGrants replaces every grant of a role and recomputes its
	// permission rules from the operation grants. The superuser role is rejected.
	SetRoleResourceGrants(ctx context.Context, actor Actor, id string, req ResourceGrantsRequest) Result

	GetRoleResources(ctx context.Context, id string) Result

	// SetRoleUsers replaces the members of a role. The admin must stay in
	// the superuser role and may not join any other.
	SetRoleUsers(ctx context.Context, actor Actor, id string, userIDs []string) Result

	// =========================================================================
	// Queries
	// =========================================================================

	ListUsers(ctx context.Context, page, pageSize int, search string) Result
	GetUser(ctx context.Context, id string) Result
	// FindUser returns a successful Result with nil Data when absent.
	FindUser(ctx context.Context, username string) Result
	ListRoles(ctx context.Context) Result
	GetRole(ctx context.Context, id string) Result
	ListOperationLogs(ctx context.Context, filter repository.OperationLogFilter) Result
	CheckPermission(ctx context.Context, username, operation string) Result

	// =========================================================================
	// Identity provider administration
	// =========================================================================

	ListIdPUsers(ctx context.Context, page, pageSize int, search string) Result
	// ListClientRoles lists the client roles with their policy and the
	// permissions depending on it.
	ListClientRoles(ctx context.Context) Result
	ListClientRoleMembers(ctx context.Context, roleID string, page, pageSize int) Result
	CreateClientRole(ctx context.Context, actor Actor, name, description string) Result
	DeleteClientRole(ctx context.Context, actor Actor, id string) Result
	ListPermissions(ctx context.Context) Result
	// TogglePermissionRole attaches the policy of a client role to a
	// permission, or detaches it when already attached.
	TogglePermissionRole(ctx context.Context, actor Actor, roleID, permissionID string) Result
	EvaluatePermissions(ctx context.Context, token string, names []string) Result
}
