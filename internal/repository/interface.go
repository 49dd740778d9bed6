package repository

import (
	"context"

	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/policysync"
)

// Page bounds a list query. Zero Limit means no limit.
type Page struct {
	Offset int
	Limit  int
}

// UserFilter narrows user listings.
type UserFilter struct {
	Search string // substring of username, display name or email
	Status models.UserStatus
	Page
}

// OperationLogFilter narrows audit listings.
type OperationLogFilter struct {
	Operator   string
	ObjectType string
	Action     models.OperationAction
	Search     string
	Page
}

// UserRepository exposes persistence operations for users.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	// FindByUsername returns nil, nil when no user has that name.
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	GetByIDs(ctx context.Context, ids []string) ([]models.User, error)
	List(ctx context.Context, filter UserFilter) ([]models.User, int, error)
	Update(ctx context.Context, user *models.User) error
	SetStatus(ctx context.Context, id string, status models.UserStatus) error
	Delete(ctx context.Context, id string) error
}

// RoleRepository exposes persistence operations for roles.
type RoleRepository interface {
	Create(ctx context.Context, role *models.Role) error
	GetByID(ctx context.Context, id string) (*models.Role, error)
	GetByName(ctx context.Context, name string) (*models.Role, error)
	GetByIDs(ctx context.Context, ids []string) ([]models.Role, error)
	List(ctx context.Context, search string, page Page) ([]models.Role, int, error)
	Update(ctx context.Context, role *models.Role) error
	Delete(ctx context.Context, id string) error
}

// MembershipRepository exposes the user-role association.
type MembershipRepository interface {
	RolesOfUser(ctx context.Context, userID string) ([]models.Role, error)
	RolesOfUsers(ctx context.Context, userIDs []string) (map[string][]models.Role, error)
	UsersOfRole(ctx context.Context, roleID string) ([]models.User, error)
	Add(ctx context.Context, userID string, roleIDs ...string) error
	Remove(ctx context.Context, userID string, roleIDs ...string) error
	AddUsers(ctx context.Context, roleID string, userIDs ...string) error
	RemoveUsers(ctx context.Context, roleID string, userIDs ...string) error
}

// GrantRepository exposes the resource grants of roles.
type GrantRepository interface {
	ListByRole(ctx context.Context, roleID string) (map[models.GrantKind][]string, error)
	// Replace sets the grants of one kind for a role to exactly resourceIDs.
	Replace(ctx context.Context, roleID string, kind models.GrantKind, resourceIDs []string) error
}

// OperationLogRepository exposes the append-only audit log.
type OperationLogRepository interface {
	Create(ctx context.Context, entry *models.OperationLog) error
	List(ctx context.Context, filter OperationLogFilter) ([]models.OperationLog, int, error)
}

// PolicyRuleRepository maintains the local mirror of the policy store.
type PolicyRuleRepository interface {
	AddGrouping(ctx context.Context, rules []policysync.GroupingRule) error
	RemoveGrouping(ctx context.Context, rules []policysync.GroupingRule) error
	RemoveGroupingForSubject(ctx context.Context, username string) error
	RemoveGroupingForObject(ctx context.Context, role string) error
	RenameObject(ctx context.Context, oldRole, newRole string) error

	ReplacePermissions(ctx context.Context, role string, operations []string) error
	RemovePermissionsForSubject(ctx context.Context, role string) error
	RenameSubject(ctx context.Context, oldRole, newRole string) error

	Grouping(ctx context.Context) ([]policysync.GroupingRule, error)
	Permissions(ctx context.Context) ([]policysync.PermissionRule, error)
}
