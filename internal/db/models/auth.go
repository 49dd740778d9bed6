package models

import (
	"time"

	"github.com/uptrace/bun"
)

// UserStatus is the account state of a user.
type UserStatus string

const (
	UserStatusEnabled  UserStatus = "enabled"
	UserStatusDisabled UserStatus = "disabled"
)

// Valid reports whether s is a known status.
func (s UserStatus) Valid() bool {
	return s == UserStatusEnabled || s == UserStatusDisabled
}

// User represents a human principal.
// ExternalID stores the identity-provider user id once the user exists there.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID          string     `bun:"id,pk,type:varchar(36)"`
	Username    string     `bun:"username,notnull,unique,type:varchar(150)"`
	DisplayName string     `bun:"display_name"`
	Email       string     `bun:"email"`
	Phone       string     `bun:"phone"`
	Status      UserStatus `bun:"status,notnull,default:'enabled'"`
	ExternalID  *string    `bun:"external_id,unique"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

// Enabled reports whether the account may authenticate.
func (u *User) Enabled() bool {
	return u != nil && u.Status == UserStatusEnabled
}

// Role groups users and carries resource grants.
// Built-in roles are seeded by migrations and reject update and delete.
type Role struct {
	bun.BaseModel `bun:"table:roles,alias:r"`

	ID          string    `bun:"id,pk,type:varchar(36)"`
	Name        string    `bun:"name,notnull,unique,type:varchar(150)"`
	Description string    `bun:"description"`
	BuiltIn     bool      `bun:"built_in,notnull,default:false"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// UserRole is the many-to-many association between users and roles.
type UserRole struct {
	bun.BaseModel `bun:"table:user_roles,alias:ur"`

	UserID     string    `bun:"user_id,pk,type:varchar(36)"`
	RoleID     string    `bun:"role_id,pk,type:varchar(36)"`
	AssignedAt time.Time `bun:"assigned_at,notnull,default:current_timestamp"`
}

// GrantKind classifies the resource ids a role is granted.
type GrantKind string

const (
	GrantKindMenu        GrantKind = "menu"
	GrantKindOperation   GrantKind = "operation"
	GrantKindApplication GrantKind = "application"
)

// GrantKinds lists every kind in a stable order.
var GrantKinds = []GrantKind{GrantKindMenu, GrantKindOperation, GrantKindApplication}

// ResourceGrant is one granted resource id for a role and kind.
type ResourceGrant struct {
	bun.BaseModel `bun:"table:resource_grants,alias:rg"`

	ID         string    `bun:"id,pk,type:varchar(36)"`
	RoleID     string    `bun:"role_id,notnull,type:varchar(36),unique:uq_resource_grant"`
	Kind       GrantKind `bun:"kind,notnull,type:varchar(32),unique:uq_resource_grant"`
	ResourceID string    `bun:"resource_id,notnull,type:varchar(255),unique:uq_resource_grant"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// OperationAction is the verb recorded in the operation log.
type OperationAction string

const (
	ActionAdd    OperationAction = "ADD"
	ActionModify OperationAction = "MODIFY"
	ActionDelete OperationAction = "DELETE"
)

// Operation log object types.
const (
	ObjectTypeUser = "user"
	ObjectTypeRole = "role"
)

// OperationLog is an append-only audit record.
type OperationLog struct {
	bun.BaseModel `bun:"table:operation_logs,alias:ol"`

	ID         string          `bun:"id,pk,type:varchar(36)"`
	Operator   string          `bun:"operator,notnull"`
	Action     OperationAction `bun:"action,notnull,type:varchar(16)"`
	Target     string          `bun:"target,notnull"`
	Summary    string          `bun:"summary"`
	OriginIP   string          `bun:"origin_ip,notnull,default:'127.0.0.1'"`
	Module     string          `bun:"module"`
	ObjectType string          `bun:"object_type,notnull"`
	CreatedAt  time.Time       `bun:"created_at,notnull,default:current_timestamp"`
}

// Policy rule types mirrored locally.
const (
	PtypeGrouping   = "g"
	PtypePermission = "p"
)

// PolicyRule is the local mirror of a rule the policy store must hold.
// Grouping rows are (username, role name); permission rows are (role name, operation id).
type PolicyRule struct {
	bun.BaseModel `bun:"table:policy_rules,alias:pr"`

	Ptype string `bun:"ptype,pk,type:varchar(8)"`
	V0    string `bun:"v0,pk,type:varchar(255)"`
	V1    string `bun:"v1,pk,type:varchar(255)"`
}
