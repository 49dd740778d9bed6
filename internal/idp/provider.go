// Package idp adapts the identity provider (Keycloak Admin REST API) to a
// typed capability surface used by the domain operations.
package idp

import (
	"context"
)

// UserProfile is the payload for creating an identity-provider user.
type UserProfile struct {
	Username    string
	DisplayName string
	Email       string
	Phone       string
	Enabled     bool

	// Password is the initial credential. Temporary forces a change on first login.
	Password  string
	Temporary bool
}

// UserPatch updates selected fields; nil fields are left untouched.
type UserPatch struct {
	DisplayName *string
	Email       *string
	Phone       *string
	Enabled     *bool
}

// User is an identity-provider account.
type User struct {
	ID          string       `json:"id"`
	Username    string       `json:"username"`
	DisplayName string       `json:"display_name"`
	Email       string       `json:"email"`
	Enabled     bool         `json:"enabled"`
	CreatedAt   int64        `json:"created_timestamp"`
	Roles       []ClientRole `json:"roles,omitempty"`
}

// ClientRole is a role of the managed client. When listed, PolicyID names
// the role-based policy of the same name and Permissions the permissions
// that depend on it.
type ClientRole struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	PolicyID    string       `json:"policy_id,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// Permission is an authorization permission of the managed client.
type Permission struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	Type             string `json:"type,omitempty"`
	DecisionStrategy string `json:"decision_strategy,omitempty"`
}

// PermissionDecision reports whether a token holder is granted a permission.
type PermissionDecision struct {
	Permission
	Allowed bool `json:"allow"`
}

// Provider is the identity-provider capability surface.
//
// Transport failures, 5xx and 429 responses satisfy errors.Is(err,
// ErrRemoteUnavailable); other 4xx responses satisfy ErrRemoteRejected.
type Provider interface {
	CreateUser(ctx context.Context, profile UserProfile) (string, error)
	DeleteUser(ctx context.Context, id string) error
	UpdateUser(ctx context.Context, id string, patch UserPatch) error
	ResetPassword(ctx context.Context, id, password string) error
	ListUsers(ctx context.Context, page, pageSize int, search string) (int, []User, error)
	// FindUserByExactName returns nil, nil when no user has that username.
	FindUserByExactName(ctx context.Context, username string) (*User, error)

	GetClientRolesOfUser(ctx context.Context, id string) ([]ClientRole, error)
	AssignClientRole(ctx context.Context, id, role string) error
	RemoveClientRole(ctx context.Context, id, role string) error
	ListClientRoles(ctx context.Context) ([]ClientRole, error)
	CreateClientRoleWithPolicy(ctx context.Context, name, description string) (*ClientRole, error)
	DeleteClientRole(ctx context.Context, id string) error
	// ListClientRoleMembers returns one page of the users holding the client
	// role with id roleID. An unknown role fails with ErrRoleNotFound.
	ListClientRoleMembers(ctx context.Context, roleID string, page, pageSize int) ([]User, error)

	ListPermissions(ctx context.Context) ([]Permission, error)
	// TogglePermissionRole attaches the policy of role roleID to a permission,
	// or detaches it when already attached, keeping the permission's
	// resources. It reports whether the policy is attached afterwards.
	TogglePermissionRole(ctx context.Context, roleID, permissionID string) (bool, error)
	EvaluatePermissions(ctx context.Context, token string, names []string) ([]PermissionDecision, error)
}

// Disabled is the Provider used when no identity provider is configured.
// Every call fails with ErrRemoteUnavailable.
type Disabled struct{}

var _ Provider = Disabled{}

func (Disabled) CreateUser(context.Context, UserProfile) (string, error) { return "", errDisabled }
func (Disabled) DeleteUser(context.Context, string) error                { return errDisabled }
func (Disabled) UpdateUser(context.Context, string, UserPatch) error     { return errDisabled }
func (Disabled) ResetPassword(context.Context, string, string) error     { return errDisabled }
func (Disabled) ListUsers(context.Context, int, int, string) (int, []User, error) {
	return 0, nil, errDisabled
}
func (Disabled) FindUserByExactName(context.Context, string) (*User, error) { return nil, errDisabled }
func (Disabled) GetClientRolesOfUser(context.Context, string) ([]ClientRole, error) {
	return nil, errDisabled
}
func (Disabled) AssignClientRole(context.Context, string, string) error   { return errDisabled }
func (Disabled) RemoveClientRole(context.Context, string, string) error   { return errDisabled }
func (Disabled) ListClientRoles(context.Context) ([]ClientRole, error)    { return nil, errDisabled }
func (Disabled) DeleteClientRole(context.Context, string) error           { return errDisabled }
func (Disabled) ListPermissions(context.Context) ([]Permission, error)    { return nil, errDisabled }
func (Disabled) ListClientRoleMembers(context.Context, string, int, int) ([]User, error) {
	return nil, errDisabled
}
func (Disabled) TogglePermissionRole(context.Context, string, string) (bool, error) {
	return false, errDisabled
}
func (Disabled) CreateClientRoleWithPolicy(context.Context, string, string) (*ClientRole, error) {
	return nil, errDisabled
}
func (Disabled) EvaluatePermissions(context.Context, string, []string) ([]PermissionDecision, error) {
	return nil, errDisabled
}
