package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/iamsync/internal/db/bunx"
	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/errs"
)

// ========================================
// User Repository
// ========================================

// BunUserRepository implements UserRepository using Bun ORM
type BunUserRepository struct {
	db bun.IDB
}

// NewBunUserRepository creates a new Bun-based user repository
func NewBunUserRepository(db bun.IDB) *BunUserRepository {
	return &BunUserRepository{db: db}
}

// Create inserts a new user
func (r *BunUserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = bunx.NewUUIDv7()
	}
	if user.Status == "" {
		user.Status = models.UserStatusEnabled
	}
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now

	_, err := r.db.NewInsert().
		Model(user).
		Exec(ctx)
	return mapError(err, "user %q", user.Username)
}

// GetByID retrieves a user by ID
func (r *BunUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err, "user %s", id)
	}
	return user, nil
}

// GetByUsername retrieves a user by username
func (r *BunUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("username = ?", username).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err, "user %q", username)
	}
	return user, nil
}

// FindByUsername is GetByUsername without the not-found error
func (r *BunUserRepository) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := r.GetByUsername(ctx, username)
	if err != nil {
		if errs.KindOf(err) == errs.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// GetByIDs retrieves every user whose id is in ids; unknown ids are skipped
func (r *BunUserRepository) GetByIDs(ctx context.Context, ids []string) ([]models.User, error) {
	var users []models.User
	if len(ids) == 0 {
		return users, nil
	}
	err := r.db.NewSelect().
		Model(&users).
		Where("id IN (?)", bun.In(ids)).
		Order("username ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("get users by id: %w", err)
	}
	return users, nil
}

// List returns a page of users and the total count matching filter
func (r *BunUserRepository) List(ctx context.Context, filter UserFilter) ([]models.User, int, error) {
	var users []models.User
	q := r.db.NewSelect().
		Model(&users).
		Order("created_at ASC", "username ASC")

	if s := strings.TrimSpace(filter.Search); s != "" {
		pattern := "%" + strings.ToLower(s) + "%"
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				WhereOr("LOWER(u.username) LIKE ?", pattern).
				WhereOr("LOWER(u.display_name) LIKE ?", pattern).
				WhereOr("LOWER(u.email) LIKE ?", pattern)
		})
	}
	if filter.Status != "" {
		q = q.Where("u.status = ?", filter.Status)
	}

	total, err := applyPage(q, filter.Page).ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	return users, total, nil
}

// Update writes the profile fields of user
func (r *BunUserRepository) Update(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now().UTC()
	result, err := r.db.NewUpdate().
		Model(user).
		Column("display_name", "email", "phone", "external_id", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return mapError(err, "user %q", user.Username)
	}
	return requireAffected(result, "user %s", user.ID)
}

// SetStatus flips the account status
func (r *BunUserRepository) SetStatus(ctx context.Context, id string, status models.UserStatus) error {
	result, err := r.db.NewUpdate().
		Model((*models.User)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set user status: %w", err)
	}
	return requireAffected(result, "user %s", id)
}

// Delete removes a user; memberships cascade
func (r *BunUserRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.NewDelete().
		Model((*models.User)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return requireAffected(result, "user %s", id)
}
