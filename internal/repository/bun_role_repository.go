package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/iamsync/internal/db/bunx"
	"github.com/terraconstructs/iamsync/internal/db/models"
)

// ========================================
// Role Repository
// ========================================

// BunRoleRepository implements RoleRepository using Bun ORM
type BunRoleRepository struct {
	db bun.IDB
}

// NewBunRoleRepository creates a new Bun-based role repository
func NewBunRoleRepository(db bun.IDB) *BunRoleRepository {
	return &BunRoleRepository{db: db}
}

// Create inserts a new role
func (r *BunRoleRepository) Create(ctx context.Context, role *models.Role) error {
	if role.ID == "" {
		role.ID = bunx.NewUUIDv7()
	}
	now := time.Now().UTC()
	role.CreatedAt, role.UpdatedAt = now, now

	_, err := r.db.NewInsert().
		Model(role).
		Exec(ctx)
	return mapError(err, "role %q", role.Name)
}

// GetByID retrieves a role by ID
func (r *BunRoleRepository) GetByID(ctx context.Context, id string) (*models.Role, error) {
	role := new(models.Role)
	err := r.db.NewSelect().
		Model(role).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err, "role %s", id)
	}
	return role, nil
}

// GetByName retrieves a role by name
func (r *BunRoleRepository) GetByName(ctx context.Context, name string) (*models.Role, error) {
	role := new(models.Role)
	err := r.db.NewSelect().
		Model(role).
		Where("name = ?", name).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err, "role %q", name)
	}
	return role, nil
}

// GetByIDs retrieves every role whose id is in ids; unknown ids are skipped
func (r *BunRoleRepository) GetByIDs(ctx context.Context, ids []string) ([]models.Role, error) {
	var roles []models.Role
	if len(ids) == 0 {
		return roles, nil
	}
	err := r.db.NewSelect().
		Model(&roles).
		Where("id IN (?)", bun.In(ids)).
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("get roles by id: %w", err)
	}
	return roles, nil
}

// List returns a page of roles ordered by name and the total count
func (r *BunRoleRepository) List(ctx context.Context, search string, page Page) ([]models.Role, int, error) {
	var roles []models.Role
	q := r.db.NewSelect().
		Model(&roles).
		Order("name ASC")
	if s := strings.TrimSpace(search); s != "" {
		q = q.Where("LOWER(r.name) LIKE ?", "%"+strings.ToLower(s)+"%")
	}

	total, err := applyPage(q, page).ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list roles: %w", err)
	}
	return roles, total, nil
}

// Update writes the name and description of role
func (r *BunRoleRepository) Update(ctx context.Context, role *models.Role) error {
	role.UpdatedAt = time.Now().UTC()
	result, err := r.db.NewUpdate().
		Model(role).
		Column("name", "description", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return mapError(err, "role %q", role.Name)
	}
	return requireAffected(result, "role %s", role.ID)
}

// Delete deletes a role by ID; memberships and grants cascade
func (r *BunRoleRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.NewDelete().
		Model((*models.Role)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	return requireAffected(result, "role %s", id)
}

// ========================================
// Membership Repository
// ========================================

// BunMembershipRepository implements MembershipRepository using Bun ORM
type BunMembershipRepository struct {
	db bun.IDB
}

// NewBunMembershipRepository creates a new Bun-based membership repository
func NewBunMembershipRepository(db bun.IDB) *BunMembershipRepository {
	return &BunMembershipRepository{db: db}
}

// RolesOfUser returns the roles a user belongs to, ordered by name
func (r *BunMembershipRepository) RolesOfUser(ctx context.Context, userID string) ([]models.Role, error) {
	var roles []models.Role
	err := r.db.NewSelect().
		Model(&roles).
		Join("JOIN user_roles AS ur ON ur.role_id = r.id").
		Where("ur.user_id = ?", userID).
		Order("r.name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("roles of user %s: %w", userID, err)
	}
	return roles, nil
}

// RolesOfUsers returns the roles of several users keyed by user id
func (r *BunMembershipRepository) RolesOfUsers(ctx context.Context, userIDs []string) (map[string][]models.Role, error) {
	out := make(map[string][]models.Role, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	var links []models.UserRole
	err := r.db.NewSelect().
		Model(&links).
		Where("user_id IN (?)", bun.In(userIDs)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("memberships of users: %w", err)
	}
	if len(links) == 0 {
		return out, nil
	}

	roleIDs := make([]string, 0, len(links))
	for _, l := range links {
		roleIDs = append(roleIDs, l.RoleID)
	}
	roles, err := NewBunRoleRepository(r.db).GetByIDs(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	// roles come back ordered by name; keep that order per user
	for _, role := range roles {
		for _, l := range links {
			if l.RoleID == role.ID {
				out[l.UserID] = append(out[l.UserID], role)
			}
		}
	}
	return out, nil
}

// UsersOfRole returns the members of a role, ordered by username
func (r *BunMembershipRepository) UsersOfRole(ctx context.Context, roleID string) ([]models.User, error) {
	var users []models.User
	err := r.db.NewSelect().
		Model(&users).
		Join("JOIN user_roles AS ur ON ur.user_id = u.id").
		Where("ur.role_id = ?", roleID).
		Order("u.username ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("users of role %s: %w", roleID, err)
	}
	return users, nil
}

// Add assigns roles to a user; existing assignments are kept
func (r *BunMembershipRepository) Add(ctx context.Context, userID string, roleIDs ...string) error {
	if len(roleIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]models.UserRole, 0, len(roleIDs))
	for _, roleID := range roleIDs {
		rows = append(rows, models.UserRole{UserID: userID, RoleID: roleID, AssignedAt: now})
	}
	return r.insert(ctx, rows)
}

// Remove unassigns roles from a user
func (r *BunMembershipRepository) Remove(ctx context.Context, userID string, roleIDs ...string) error {
	if len(roleIDs) == 0 {
		return nil
	}
	_, err := r.db.NewDelete().
		Model((*models.UserRole)(nil)).
		Where("user_id = ?", userID).
		Where("role_id IN (?)", bun.In(roleIDs)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove roles of user %s: %w", userID, err)
	}
	return nil
}

// AddUsers assigns users to a role; existing assignments are kept
func (r *BunMembershipRepository) AddUsers(ctx context.Context, roleID string, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]models.UserRole, 0, len(userIDs))
	for _, userID := range userIDs {
		rows = append(rows, models.UserRole{UserID: userID, RoleID: roleID, AssignedAt: now})
	}
	return r.insert(ctx, rows)
}

// RemoveUsers unassigns users from a role
func (r *BunMembershipRepository) RemoveUsers(ctx context.Context, roleID string, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := r.db.NewDelete().
		Model((*models.UserRole)(nil)).
		Where("role_id = ?", roleID).
		Where("user_id IN (?)", bun.In(userIDs)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove users of role %s: %w", roleID, err)
	}
	return nil
}

func (r *BunMembershipRepository) insert(ctx context.Context, rows []models.UserRole) error {
	_, err := r.db.NewInsert().
		Model(&rows).
		On("CONFLICT (user_id, role_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("add memberships: %w", err)
	}
	return nil
}
